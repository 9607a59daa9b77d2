// Package config persists the serial line settings of the spy as a small
// JSON document:
//
//	{"serial": {"baudrate": 9600, "parity": "N", "stop": 1, "eof_ms": 3.646}}
//
// Values can be overridden from the environment, e.g. MBSPY_SERIAL_BAUDRATE.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"strings"

	"github.com/spf13/viper"

	"mbspy/pkg/line"
)

// DefaultFile is the configuration file used when none is given.
const DefaultFile = "mbspy.json"

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "MBSPY"

// ErrMalformed is returned when the file cannot be parsed or holds invalid
// values.
var ErrMalformed = errors.New("malformed configuration")

// eofTolerance is how close eof_ms must be to the computed silence to be
// read back as "no override".
const eofTolerance = 0.0005

// Serial is the persisted form of line.Settings.
type Serial struct {
	Baudrate int     `mapstructure:"baudrate"`
	Parity   string  `mapstructure:"parity"`
	Stop     int     `mapstructure:"stop"`
	EOFms    float64 `mapstructure:"eof_ms"`
}

// Record is the whole configuration document.
type Record struct {
	Serial Serial `mapstructure:"serial"`
}

// FromSettings converts settings into their persisted form. eof_ms always
// holds the effective silence.
func FromSettings(s line.Settings) Record {
	return Record{Serial: Serial{
		Baudrate: s.Baudrate,
		Parity:   s.Parity.String(),
		Stop:     s.StopBits,
		EOFms:    roundMs(line.Milliseconds(s.Silence())),
	}}
}

// Settings validates the record and converts it back. An eof_ms equal to
// the silence computed from the other fields is not an override.
func (r Record) Settings() (line.Settings, error) {
	parity, err := line.ParseParity(r.Serial.Parity)
	if err != nil {
		return line.Settings{}, err
	}
	s := line.Settings{
		Baudrate: r.Serial.Baudrate,
		Parity:   parity,
		DataBits: line.DataBits,
		StopBits: r.Serial.Stop,
	}
	if r.Serial.EOFms != 0 && math.Abs(r.Serial.EOFms-line.Milliseconds(s.Silence())) > eofTolerance {
		s.Override = line.FromMilliseconds(r.Serial.EOFms)
	}
	if err := s.Validate(); err != nil {
		return line.Settings{}, err
	}
	return s, nil
}

func roundMs(ms float64) float64 {
	return math.Round(ms*1000) / 1000
}

// Store reads and writes one configuration file.
type Store struct {
	path string
	v    *viper.Viper
}

// NewStore returns a Store for path, DefaultFile when empty.
func NewStore(path string) *Store {
	if path == "" {
		path = DefaultFile
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := FromSettings(line.DefaultSettings()).Serial
	v.SetDefault("serial.baudrate", def.Baudrate)
	v.SetDefault("serial.parity", def.Parity)
	v.SetDefault("serial.stop", def.Stop)
	v.SetDefault("serial.eof_ms", 0)
	return &Store{path: path, v: v}
}

// Path returns the file path.
func (s *Store) Path() string { return s.path }

// Load reads the file and returns the settings it holds. A missing file
// yields the defaults (plus environment overrides) without error. Any other
// failure is reported as ErrMalformed; callers keep their defaults.
func (s *Store) Load() (line.Settings, error) {
	if err := s.v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return line.Settings{}, fmt.Errorf("%w: %s: %w", ErrMalformed, s.path, err)
	}
	var rec Record
	if err := s.v.Unmarshal(&rec); err != nil {
		return line.Settings{}, fmt.Errorf("%w: %s: %w", ErrMalformed, s.path, err)
	}
	settings, err := rec.Settings()
	if err != nil {
		return line.Settings{}, fmt.Errorf("%w: %s: %w", ErrMalformed, s.path, err)
	}
	return settings, nil
}

// Save writes settings to the file, replacing it. Environment overrides
// are not written.
func (s *Store) Save(settings line.Settings) error {
	rec := FromSettings(settings).Serial
	w := viper.New()
	w.SetConfigType("json")
	w.Set("serial.baudrate", rec.Baudrate)
	w.Set("serial.parity", rec.Parity)
	w.Set("serial.stop", rec.Stop)
	w.Set("serial.eof_ms", rec.EOFms)
	if err := w.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("save %s: %w", s.path, err)
	}
	return nil
}
