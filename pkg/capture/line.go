package capture

import (
	"time"

	"go.bug.st/serial"

	"mbspy/pkg/line"
)

// Line is the receive side of an open serial line. A Read that times out
// returns 0 bytes and a nil error.
type Line interface {
	Read(p []byte) (int, error)
	ResetInputBuffer() error
	Close() error
}

// Opener opens port with the given settings. Reads on the returned Line
// must give up after readTimeout.
type Opener func(port string, s line.Settings, readTimeout time.Duration) (Line, error)

// SerialOpener opens a real serial port through go.bug.st/serial.
func SerialOpener(port string, s line.Settings, readTimeout time.Duration) (Line, error) {
	p, err := serial.Open(port, s.Mode())
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// Poll interval bounds.
const (
	MinPoll = 500 * time.Microsecond
	MaxPoll = 10 * time.Millisecond
)

// PollInterval returns the read timeout used for settings s: a quarter of
// the silence, clamped to [MinPoll, MaxPoll] and never above the silence.
func PollInterval(s line.Settings) time.Duration {
	silence := s.Silence()
	return min(max(silence/4, MinPoll), MaxPoll, silence)
}
