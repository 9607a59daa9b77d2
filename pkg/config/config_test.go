package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mbspy/pkg/line"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mbspy.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "absent.json")).Load()
	require.NoError(t, err)
	assert.Equal(t, line.DefaultSettings(), s)
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    line.Settings
	}{
		{
			name:    "computed eof is not an override",
			content: `{"serial":{"baudrate":19200,"parity":"E","stop":1,"eof_ms":2.005}}`,
			want:    line.Settings{Baudrate: 19200, Parity: line.ParityEven, DataBits: 8, StopBits: 1},
		},
		{
			name:    "explicit eof",
			content: `{"serial":{"baudrate":9600,"parity":"n","stop":2,"eof_ms":12.5}}`,
			want:    line.Settings{Baudrate: 9600, Parity: line.ParityNone, DataBits: 8, StopBits: 2, Override: 12500 * time.Microsecond},
		},
		{
			name:    "partial record",
			content: `{"serial":{"baudrate":115200}}`,
			want:    line.Settings{Baudrate: 115200, Parity: line.ParityNone, DataBits: 8, StopBits: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewStore(writeFile(t, tt.content)).Load()
			require.NoError(t, err)
			assert.Equal(t, tt.want, s)
		})
	}
}

func TestLoadMalformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", `{"serial":`},
		{"baudrate out of range", `{"serial":{"baudrate":200}}`},
		{"bad parity", `{"serial":{"parity":"X"}}`},
		{"bad stop bits", `{"serial":{"stop":3}}`},
		{"eof too long", `{"serial":{"eof_ms":2000}}`},
		{"wrong type", `{"serial":{"baudrate":"fast"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStore(writeFile(t, tt.content)).Load()
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}

	_, err := NewStore(writeFile(t, `{"serial":{"baudrate":200}}`)).Load()
	var rangeErr *line.RangeError
	assert.ErrorAs(t, err, &rangeErr)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	tests := []line.Settings{
		line.DefaultSettings(),
		{Baudrate: 38400, Parity: line.ParityOdd, DataBits: 8, StopBits: 2},
		{Baudrate: 9600, Parity: line.ParityNone, DataBits: 8, StopBits: 1, Override: 20 * time.Millisecond},
	}
	for _, want := range tests {
		t.Run(want.String(), func(t *testing.T) {
			store := NewStore(filepath.Join(t.TempDir(), "mbspy.json"))
			require.NoError(t, store.Save(want))
			got, err := store.Load()
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestSaveWritesSerialRecord(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "mbspy.json"))
	require.NoError(t, store.Save(line.DefaultSettings()))

	raw, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	var doc struct {
		Serial struct {
			Baudrate int     `json:"baudrate"`
			Parity   string  `json:"parity"`
			Stop     int     `json:"stop"`
			EOFms    float64 `json:"eof_ms"`
		} `json:"serial"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, 9600, doc.Serial.Baudrate)
	assert.Equal(t, "N", doc.Serial.Parity)
	assert.Equal(t, 1, doc.Serial.Stop)
	assert.Equal(t, 3.646, doc.Serial.EOFms)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("MBSPY_SERIAL_BAUDRATE", "57600")
	s, err := NewStore(writeFile(t, `{"serial":{"baudrate":9600,"parity":"E"}}`)).Load()
	require.NoError(t, err)
	assert.Equal(t, 57600, s.Baudrate)
	assert.Equal(t, line.ParityEven, s.Parity)
}

func TestDefaultPath(t *testing.T) {
	assert.Equal(t, DefaultFile, NewStore("").Path())
}
