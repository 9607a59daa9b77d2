package spy

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mbspy/pkg/capture"
	"mbspy/pkg/config"
	"mbspy/pkg/decoder"
	"mbspy/pkg/line"
	"mbspy/pkg/pcap"
	"mbspy/pkg/ring"
)

var (
	readReq  = []byte{0x11, 0x03, 0x00, 0x6B, 0x00, 0x03, 0x76, 0x87}
	readResp = []byte{0x11, 0x03, 0x06, 0x02, 0x2B, 0x00, 0x00, 0x00, 0x64, 0xC8, 0xBA}
	garbage  = []byte{0xAA, 0xBB, 0xCC}
)

// quietLine never receives anything.
type quietLine struct{}

func (quietLine) Read([]byte) (int, error) {
	time.Sleep(time.Millisecond)
	return 0, nil
}
func (quietLine) ResetInputBuffer() error { return nil }
func (quietLine) Close() error            { return nil }

type opener struct {
	mu    sync.Mutex
	opens int
	err   error
}

func (o *opener) open(string, line.Settings, time.Duration) (capture.Line, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	o.opens++
	return quietLine{}, nil
}

func (o *opener) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

func newTestSession(t *testing.T, opts ...Option) (*Session, *opener) {
	t.Helper()
	o := &opener{}
	base := []Option{
		WithCapacity(4),
		WithPoll(2 * time.Millisecond),
		WithStore(config.NewStore(filepath.Join(t.TempDir(), "mbspy.json"))),
		WithCaptureOptions(capture.WithOpener(o.open)),
	}
	s := New("/dev/fake", append(base, opts...)...)
	t.Cleanup(s.Off)
	return s, o
}

func texts(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.String()
	}
	return out
}

func TestDump(t *testing.T) {
	s, _ := newTestSession(t)
	now := time.Now()
	s.push(readReq, now)
	s.push(garbage, now)

	assert.Equal(t, []string{
		"[  0/  8/OK ] 11-03-00-6B-00-03-76-87",
		"[  1/  3/ERR] AA-BB-CC",
	}, texts(s.Dump(10)))
}

func TestDumpLastFrames(t *testing.T) {
	s, _ := newTestSession(t)
	for i := range 3 {
		s.push([]byte{byte(i)}, time.Now())
	}
	entries := s.Dump(2)
	require.Len(t, entries, 2)
	assert.Equal(t, 0, entries[0].Index)
	assert.Equal(t, []byte{1}, entries[0].Frame.Data)
	assert.Equal(t, []byte{2}, entries[1].Frame.Data)

	assert.Len(t, s.Dump(0), 3, "non-positive n lists everything")
}

func TestAnalyze(t *testing.T) {
	s, _ := newTestSession(t)
	s.push(readReq, time.Now())
	s.push(garbage, time.Now())
	s.push(readResp, time.Now())

	entries := s.Analyze(10)
	assert.Equal(t, []string{
		"[  0/  8/OK ] slave 17 request read holding registers (0x03) addr=107 qty=3",
		"[  1/  3/ERR] bad CRC or short frame: AA-BB-CC",
		"[  2/ 11/OK ] slave 17 response read holding registers (0x03) regs=[555 0 100]",
	}, texts(entries))
	require.NotNil(t, entries[2].Record)
	assert.Equal(t, []uint16{555, 0, 100}, entries[2].Record.Registers)

	// each call is a fresh analyzer session
	assert.Equal(t, entries[2].Text, s.Analyze(1)[0].Text)
}

func TestClear(t *testing.T) {
	s, _ := newTestSession(t)
	s.push(readReq, time.Now())
	s.Clear()
	assert.Empty(t, s.Dump(10))
}

func TestPromptAndVersion(t *testing.T) {
	s, _ := newTestSession(t, WithVersion("1.2.3"))
	assert.Equal(t, "9600,N,8,1 [eof=3.646 ms]:off> ", s.Prompt())
	assert.Equal(t, "mbspy 1.2.3", s.Version())

	require.NoError(t, s.On(context.Background()))
	assert.Equal(t, "9600,N,8,1 [eof=3.646 ms]:on> ", s.Prompt())
}

func TestOnOffReconfigure(t *testing.T) {
	s, o := newTestSession(t)
	require.NoError(t, s.Config().SetBaudrate(19200))
	assert.Equal(t, 0, o.count(), "settings changes while off do not open the line")

	require.NoError(t, s.On(context.Background()))
	assert.True(t, s.IsOn())
	assert.Equal(t, 1, o.count())

	require.NoError(t, s.Config().SetParityString("E"))
	require.Eventually(t, func() bool { return o.count() == 2 }, time.Second, time.Millisecond)

	s.Off()
	assert.False(t, s.IsOn())
}

func TestOnFailure(t *testing.T) {
	s, o := newTestSession(t)
	o.err = errors.New("no such device")
	err := s.On(context.Background())
	var cerr *capture.CaptureError
	require.ErrorAs(t, err, &cerr)
	assert.False(t, s.IsOn())
	assert.Equal(t, err, s.Status().Err)
}

func TestSaveLoad(t *testing.T) {
	store := config.NewStore(filepath.Join(t.TempDir(), "mbspy.json"))
	s, _ := newTestSession(t, WithStore(store))
	require.NoError(t, s.Config().SetBaudrate(19200))
	require.NoError(t, s.Config().SetStopBits(2))
	require.NoError(t, s.Save())

	other, _ := newTestSession(t, WithStore(store))
	require.NoError(t, other.Load())
	assert.Equal(t, s.Config().Snapshot(), other.Config().Snapshot())
}

func TestLoadMalformedKeepsSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mbspy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"serial":{"baudrate":12}}`), 0o644))
	s, _ := newTestSession(t, WithStore(config.NewStore(path)))

	assert.ErrorIs(t, s.Load(), config.ErrMalformed)
	assert.Equal(t, line.DefaultSettings(), s.Config().Snapshot())
}

func TestStatus(t *testing.T) {
	s, _ := newTestSession(t)
	for range 3 {
		s.push(readReq, time.Now())
	}
	for range 3 {
		s.push(garbage, time.Now())
	}

	st := s.Status()
	assert.Equal(t, "/dev/fake", st.Port)
	assert.Equal(t, capture.Idle, st.State)
	assert.Equal(t, 4, st.Buffered)
	assert.Equal(t, 4, st.Capacity)
	assert.Equal(t, ring.Stats{Pushed: 6, Dropped: 2}, st.Ring)
	assert.Equal(t, uint64(3), st.CRCOK)
	assert.Equal(t, uint64(3), st.CRCErr)
	assert.Contains(t, st.String(), "buffer:  4/4 frames, 2 dropped")
	assert.Contains(t, st.String(), "frames:  6 (3 OK, 3 ERR)")
}

// syncBuffer is a bytes.Buffer safe for one writer and one reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFollowRequiresListening(t *testing.T) {
	s, _ := newTestSession(t)
	assert.ErrorIs(t, s.Follow(context.Background(), ModeDump, &syncBuffer{}), ErrNotListening)
}

func TestFollow(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.On(context.Background()))
	s.push(readReq, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- s.Follow(ctx, ModeAnalyze, out) }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "[  0/") }, time.Second, time.Millisecond)
	s.push(readResp, time.Now())
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "[  1/ 11/OK ] slave 17 response") }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 2, s.buf.Len(), "follow never drains the buffer")
}

// floodWriter overflows the session buffer on its first write.
type floodWriter struct {
	syncBuffer
	s    *Session
	once sync.Once
}

func (w *floodWriter) Write(p []byte) (int, error) {
	w.once.Do(func() {
		for range w.s.buf.Cap() + 1 {
			w.s.push(readReq, time.Now())
		}
	})
	return w.syncBuffer.Write(p)
}

func TestFollowReportsMissedFrames(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.On(context.Background()))
	s.push(garbage, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	out := &floodWriter{s: s}
	done := make(chan error, 1)
	go func() { done <- s.Follow(ctx, ModeDump, out) }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "[  4/  8/OK ]") }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "[  0/  3/ERR] AA-BB-CC", lines[0])
	assert.Equal(t, "... 1 frames missed", lines[1])
	assert.Equal(t, "[  1/  8/OK ] 11-03-00-6B-00-03-76-87", lines[2])
}

type recordingSink struct {
	mu      sync.Mutex
	records []decoder.Record
	err     error
}

func (r *recordingSink) Consume(_ ring.Frame, rec decoder.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.records = append(r.records, rec)
	return nil
}

func (r *recordingSink) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func TestForward(t *testing.T) {
	s, _ := newTestSession(t)
	s.push(readReq, time.Now())
	s.push(readResp, time.Now())

	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Forward(ctx, sink) }()

	require.Eventually(t, func() bool { return sink.len() == 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.True(t, sink.records[0].IsRequest())
	assert.False(t, sink.records[1].IsRequest())
	assert.Equal(t, 2, s.buf.Len())
}

func TestForwardStopsOnSinkError(t *testing.T) {
	s, _ := newTestSession(t)
	s.push(readReq, time.Now())
	broken := errors.New("broken pipe")
	err := s.Forward(context.Background(), &recordingSink{err: broken})
	assert.ErrorIs(t, err, broken)
}

func TestExportPCAP(t *testing.T) {
	s, _ := newTestSession(t)
	ts := time.Date(2025, 1, 15, 10, 30, 45, 0, time.UTC)
	s.push(readReq, ts)
	s.push(append(append([]byte(nil), readReq...), readResp...), ts.Add(time.Second))

	var buf bytes.Buffer
	n, err := s.ExportPCAP(&buf, 0, PCAPOptions{RTAC: true})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	b := buf.Bytes()
	assert.Equal(t, pcap.DLTRTACSer, binary.LittleEndian.Uint32(b[20:24]))

	// three packets: the request, then the merged run split in two
	var events []byte
	var sizes []int
	for off := 24; off < len(b); {
		size := int(binary.LittleEndian.Uint32(b[off+8 : off+12]))
		events = append(events, b[off+16+8])
		sizes = append(sizes, size-pcap.RTACHeaderLen)
		off += 16 + size
	}
	assert.Equal(t, []byte{byte(decoder.DirRequest), byte(decoder.DirRequest), byte(decoder.DirResponse)}, events)
	assert.Equal(t, []int{8, 8, 11}, sizes)
}

func TestExportPCAPUser0(t *testing.T) {
	s, _ := newTestSession(t)
	s.push(readReq, time.Now())
	s.push(readResp, time.Now())

	var buf bytes.Buffer
	n, err := s.ExportPCAP(&buf, 1, PCAPOptions{BigEndian: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	b := buf.Bytes()
	assert.Equal(t, pcap.DLTUser0, binary.BigEndian.Uint32(b[20:24]))
	assert.Equal(t, readResp, b[24+16:])
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("analyze")
	require.NoError(t, err)
	assert.Equal(t, ModeAnalyze, m)
	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeDump, m)
	_, err = ParseMode("hex")
	assert.Error(t, err)
}
