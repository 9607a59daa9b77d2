// Package spy ties the line configuration, the capture engine and the frame
// buffer together behind the operations offered to the user: start and stop
// listening, change and persist settings, list and decode captured frames.
package spy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"mbspy/pkg/capture"
	"mbspy/pkg/config"
	"mbspy/pkg/decoder"
	"mbspy/pkg/line"
	"mbspy/pkg/ring"
)

// ErrNotListening is returned by operations that need a running capture.
var ErrNotListening = errors.New("capture is off")

// DefaultPoll is how often follow and forward loops look for new frames.
const DefaultPoll = 100 * time.Millisecond

// Option configures a Session.
type Option func(*options)

type options struct {
	capacity int
	store    *config.Store
	version  string
	poll     time.Duration
	capture  []capture.Option
}

// WithCapacity sets the number of frames kept in the buffer.
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithStore sets the configuration file used by Save and Load.
func WithStore(st *config.Store) Option {
	return func(o *options) { o.store = st }
}

// WithVersion sets the version reported by Version.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithPoll sets the polling period of Follow and Forward.
func WithPoll(d time.Duration) Option {
	return func(o *options) { o.poll = d }
}

// WithCaptureOptions passes options to the capture engine.
func WithCaptureOptions(opts ...capture.Option) Option {
	return func(o *options) { o.capture = append(o.capture, opts...) }
}

// Session is one spy attached to one serial port.
type Session struct {
	cfg     *line.Config
	buf     *ring.Buffer
	engine  *capture.Engine
	store   *config.Store
	version string
	poll    time.Duration

	crcOK  atomic.Uint64
	crcErr atomic.Uint64
}

// sinkFunc adapts a function to capture.Sink.
type sinkFunc func(data []byte, ts time.Time) uint64

func (f sinkFunc) Push(data []byte, ts time.Time) uint64 { return f(data, ts) }

// New creates an idle Session on port with default line settings. Changing
// the settings of a listening session reopens the line.
func New(port string, opts ...Option) *Session {
	o := options{
		capacity: ring.DefaultCapacity,
		version:  "dev",
		poll:     DefaultPoll,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.store == nil {
		o.store = config.NewStore("")
	}
	s := &Session{
		buf:     ring.New(o.capacity),
		store:   o.store,
		version: o.version,
		poll:    o.poll,
	}
	s.cfg = line.New(s.Reconfigure)
	s.engine = capture.New(port, s.cfg, sinkFunc(s.push), o.capture...)
	return s
}

// push counts the CRC status of a captured frame and stores it.
func (s *Session) push(data []byte, ts time.Time) uint64 {
	if (decoder.Frame{Data: data}).Valid() {
		s.crcOK.Add(1)
	} else {
		s.crcErr.Add(1)
	}
	return s.buf.Push(data, ts)
}

// Config returns the line configuration. Setters on it take effect
// immediately.
func (s *Session) Config() *line.Config { return s.cfg }

// Port returns the serial port name.
func (s *Session) Port() string { return s.engine.Port() }

// On starts listening. Open failures are returned as *capture.CaptureError.
func (s *Session) On(ctx context.Context) error {
	return s.engine.Start(ctx)
}

// Off stops listening and waits for the line to be closed.
func (s *Session) Off() {
	s.engine.Stop()
}

// IsOn reports whether the capture is running.
func (s *Session) IsOn() bool {
	return s.engine.State() != capture.Idle
}

// Reconfigure reopens the line with the current settings if listening.
func (s *Session) Reconfigure() {
	if s.engine.Reconfigure() {
		glog.V(1).Infof("spy: reopening %s with %s", s.Port(), s.cfg)
	}
}

// Save persists the current line settings.
func (s *Session) Save() error {
	if err := s.store.Save(s.cfg.Snapshot()); err != nil {
		return err
	}
	glog.Infof("spy: settings saved to %s", s.store.Path())
	return nil
}

// Load applies the settings of the configuration file. On error the current
// settings are kept.
func (s *Session) Load() error {
	settings, err := s.store.Load()
	if err != nil {
		glog.Warningf("%v; keeping %s", err, s.cfg)
		return err
	}
	return s.cfg.Apply(settings)
}

// Clear empties the frame buffer.
func (s *Session) Clear() {
	s.buf.Clear()
}

// Dump returns the last n frames as hex. A non-positive n selects every
// buffered frame.
func (s *Session) Dump(n int) []Entry {
	frames := s.frames(n)
	entries := make([]Entry, len(frames))
	for i, f := range frames {
		entries[i] = dumpEntry(i, f)
	}
	return entries
}

// Analyze decodes the last n frames in a fresh analyzer session. A
// non-positive n selects every buffered frame.
func (s *Session) Analyze(n int) []Entry {
	frames := s.frames(n)
	a := decoder.NewAnalyzer()
	entries := make([]Entry, len(frames))
	for i, f := range frames {
		entries[i] = analyzeEntry(i, f, a)
	}
	return entries
}

func (s *Session) frames(n int) []ring.Frame {
	if n <= 0 {
		return s.buf.Export(false)
	}
	return s.buf.Tail(n)
}

// Prompt returns the interactive prompt, e.g. "9600,N,8,1 [eof=3.646 ms]:on> ".
func (s *Session) Prompt() string {
	state := "off"
	if s.IsOn() {
		state = "on"
	}
	return fmt.Sprintf("%s:%s> ", s.cfg, state)
}

// Version returns the tool version string.
func (s *Session) Version() string {
	return "mbspy " + s.version
}

// Status is a snapshot of the session counters.
type Status struct {
	Port     string
	Settings line.Settings
	State    capture.State
	Err      error
	Buffered int
	Capacity int
	Ring     ring.Stats
	Capture  capture.Stats
	CRCOK    uint64
	CRCErr   uint64
}

// Status returns the current counters.
func (s *Session) Status() Status {
	return Status{
		Port:     s.Port(),
		Settings: s.cfg.Snapshot(),
		State:    s.engine.State(),
		Err:      s.engine.Err(),
		Buffered: s.buf.Len(),
		Capacity: s.buf.Cap(),
		Ring:     s.buf.Stats(),
		Capture:  s.engine.Stats(),
		CRCOK:    s.crcOK.Load(),
		CRCErr:   s.crcErr.Load(),
	}
}

func (st Status) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "port:    %s\n", st.Port)
	fmt.Fprintf(&b, "line:    %s\n", st.Settings)
	fmt.Fprintf(&b, "capture: %s\n", st.State)
	fmt.Fprintf(&b, "buffer:  %d/%d frames, %d dropped\n", st.Buffered, st.Capacity, st.Ring.Dropped)
	fmt.Fprintf(&b, "frames:  %d (%d OK, %d ERR), %d bytes, %d overrun bytes",
		st.Ring.Pushed, st.CRCOK, st.CRCErr, st.Capture.Bytes, st.Capture.Overruns)
	if st.Err != nil {
		fmt.Fprintf(&b, "\nerror:   %v", st.Err)
	}
	return b.String()
}
