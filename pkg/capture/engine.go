// Package capture owns the serial line while the spy listens: it reads raw
// bytes, cuts them into frames on inter-character silence and pushes the
// frames into a buffer.
package capture

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"mbspy/pkg/line"
)

// MaxFrameSize caps the length of a single captured frame. Bytes received
// past it before the next silence are dropped and counted as overrun.
const MaxFrameSize = 256

// State of the capture engine.
type State int32

const (
	Idle State = iota
	Configuring
	Listening
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Configuring:
		return "configuring"
	case Listening:
		return "listening"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Settings supplies the line parameters at every (re)open.
type Settings interface {
	Snapshot() line.Settings
}

// Sink receives captured frames. Push must not block.
type Sink interface {
	Push(data []byte, ts time.Time) uint64
}

// Stats are the counters of an Engine since it was created.
type Stats struct {
	Frames     uint64
	Bytes      uint64
	Overruns   uint64
	ReadErrors uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithOpener replaces SerialOpener.
func WithOpener(open Opener) Option {
	return func(e *Engine) { e.open = open }
}

// OnError registers a callback for failures of the capture goroutine (read
// errors, failed reopen). It runs on the capture goroutine once the engine
// is back to Idle.
func OnError(fn func(error)) Option {
	return func(e *Engine) { e.onError = fn }
}

// Engine runs the capture loop on a dedicated goroutine.
type Engine struct {
	port     string
	settings Settings
	sink     Sink
	open     Opener
	onError  func(error)

	state  atomic.Int32
	stop   atomic.Bool
	reload atomic.Bool

	mu   sync.Mutex // serializes Start/Stop, guards done and err
	done chan struct{}
	err  error

	frames     atomic.Uint64
	bytes      atomic.Uint64
	overruns   atomic.Uint64
	readErrors atomic.Uint64
}

// New creates an idle Engine capturing port into sink.
func New(port string, settings Settings, sink Sink, opts ...Option) *Engine {
	e := &Engine{
		port:     port,
		settings: settings,
		sink:     sink,
		open:     SerialOpener,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Port returns the serial port name.
func (e *Engine) Port() string { return e.port }

// State returns the current state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Err returns the error that last brought the engine back to Idle, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Stats returns the capture counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Frames:     e.frames.Load(),
		Bytes:      e.bytes.Load(),
		Overruns:   e.overruns.Load(),
		ReadErrors: e.readErrors.Load(),
	}
}

// Start opens the line and launches the capture goroutine. An open failure
// is returned as *CaptureError and leaves the engine Idle. Starting a
// running engine does nothing. The goroutine also stops when ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State() != Idle {
		return nil
	}
	e.stop.Store(false)
	e.reload.Store(false)
	e.err = nil

	l, s, err := e.connect()
	if err != nil {
		e.setState(Idle)
		e.err = err
		return err
	}
	done := make(chan struct{})
	e.done = done
	go e.run(ctx, l, s, done)
	return nil
}

// Stop asks the capture goroutine to exit and waits until the line is
// closed. Stopping an idle engine does nothing.
func (e *Engine) Stop() {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return
	}
	e.stop.Store(true)
	<-done
}

// Reconfigure asks a running engine to reopen the line with fresh settings
// and reports whether a reopen was requested. A request made while the line
// is being opened is served once it is open. It does not wait.
func (e *Engine) Reconfigure() bool {
	if e.State() == Idle {
		return false
	}
	e.reload.Store(true)
	return true
}

// connect runs Configuring: snapshot, open, discard bytes in flight. On
// failure the engine stays Configuring and the caller moves it to Idle.
func (e *Engine) connect() (Line, line.Settings, error) {
	e.setState(Configuring)
	s := e.settings.Snapshot()
	l, err := e.open(e.port, s, PollInterval(s))
	if err != nil {
		return nil, s, &CaptureError{Op: "open", Port: e.port, Err: err}
	}
	// a frame in flight at open time is lost on purpose; its first bytes
	// may predate the line settings
	if err := l.ResetInputBuffer(); err != nil {
		_ = l.Close()
		return nil, s, &CaptureError{Op: "reset", Port: e.port, Err: err}
	}
	e.setState(Listening)
	glog.Infof("capture: listening on %s at %s", e.port, s)
	return l, s, nil
}

func (e *Engine) setState(s State) {
	if old := State(e.state.Swap(int32(s))); old != s {
		glog.V(2).Infof("capture: %s -> %s", old, s)
	}
}

func (e *Engine) run(ctx context.Context, l Line, s line.Settings, done chan struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var err error
	for {
		err = e.receive(ctx, l, s)
		if cerr := l.Close(); cerr != nil && err == nil {
			err = &CaptureError{Op: "close", Port: e.port, Err: cerr}
		}
		if err != nil || e.stop.Load() || ctx.Err() != nil || !e.reload.Swap(false) {
			break
		}
		l, s, err = e.connect()
		if err != nil {
			break
		}
	}

	e.mu.Lock()
	e.setState(Idle)
	e.err = err
	e.done = nil
	e.mu.Unlock()
	close(done)

	if err != nil {
		glog.Errorf("%v", err)
		if e.onError != nil {
			e.onError(err)
		}
		return
	}
	glog.Infof("capture: stopped on %s", e.port)
}

// receive reads until a stop or reload is requested, ctx is done or the
// line fails. Bytes are grouped into one frame until the line stays silent
// for longer than the silence of s.
func (e *Engine) receive(ctx context.Context, l Line, s line.Settings) error {
	silence := s.Silence()
	buf := make([]byte, MaxFrameSize)
	var (
		pending []byte
		first   time.Time
		last    time.Time
	)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		seq := e.sink.Push(pending, first)
		e.frames.Add(1)
		e.bytes.Add(uint64(len(pending)))
		glog.V(1).Infof("capture: frame %d, %d bytes", seq, len(pending))
		pending = nil
	}
	defer flush()

	for !e.stop.Load() && !e.reload.Load() && ctx.Err() == nil {
		n, err := l.Read(buf)
		now := time.Now()
		if err != nil {
			e.readErrors.Add(1)
			return &CaptureError{Op: "read", Port: e.port, Err: err}
		}
		if n > 0 {
			// the silence may have ended inside a blocking read
			if len(pending) > 0 && now.Sub(last) > silence {
				flush()
			}
			if len(pending) == 0 {
				first = now
			}
			last = now
			room := MaxFrameSize - len(pending)
			if n > room {
				e.overruns.Add(uint64(n - room))
				n = room
			}
			pending = append(pending, buf[:n]...)
			continue
		}
		if len(pending) > 0 && now.Sub(last) > silence {
			flush()
		}
	}
	return nil
}
