// Package line holds the validated serial parameters of the spied bus and
// derives the end-of-frame silence threshold from them.
package line

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Limits and defaults of the serial parameters.
const (
	MinBaudrate     = 300
	MaxBaudrate     = 115200
	DefaultBaudrate = 9600
	DataBits        = 8

	// MinSilence floors the effective silence so the capture loop never
	// degenerates into a zero-wait busy loop.
	MinSilence = 400 * time.Microsecond
	// MaxSilenceOverride is the largest accepted manual end-of-frame delay.
	MaxSilenceOverride = time.Second
)

// Parity of the serial line.
type Parity byte

const (
	ParityNone Parity = 'N'
	ParityEven Parity = 'E'
	ParityOdd  Parity = 'O'
)

// String returns the single letter form used by commands and the config file.
func (p Parity) String() string {
	return string(p)
}

// ParseParity parses N, E or O (case-insensitive).
func ParseParity(s string) (Parity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "N":
		return ParityNone, nil
	case "E":
		return ParityEven, nil
	case "O":
		return ParityOdd, nil
	}
	return ParityNone, &InvalidValueError{Param: "parity", Value: s, Allowed: "N, E or O"}
}

func (p Parity) valid() bool {
	return p == ParityNone || p == ParityEven || p == ParityOdd
}

// Settings is an immutable snapshot of the line parameters.
type Settings struct {
	Baudrate int
	Parity   Parity
	DataBits int
	StopBits int
	// Override is the manual end-of-frame delay, zero when unset.
	Override time.Duration
}

// DefaultSettings returns 9600,N,8,1 without override.
func DefaultSettings() Settings {
	return Settings{
		Baudrate: DefaultBaudrate,
		Parity:   ParityNone,
		DataBits: DataBits,
		StopBits: 1,
	}
}

// CharBits returns the total number of bits per character on the wire
// (start + data + optional parity + stop).
func (s Settings) CharBits() int {
	bits := 1 + s.DataBits
	if s.Parity != ParityNone {
		bits++
	}
	return bits + s.StopBits
}

// ComputedSilence returns 3.5 character times for the settings.
func (s Settings) ComputedSilence() time.Duration {
	charTime := float64(s.CharBits()) / float64(s.Baudrate)
	return time.Duration(3.5 * charTime * float64(time.Second))
}

// Silence returns the override if set, else the computed silence, floored
// at MinSilence.
func (s Settings) Silence() time.Duration {
	d := s.Override
	if d == 0 {
		d = s.ComputedSilence()
	}
	return max(d, MinSilence)
}

// CharTime returns the wire time of a single character.
func (s Settings) CharTime() time.Duration {
	return time.Duration(float64(s.CharBits()) / float64(s.Baudrate) * float64(time.Second))
}

// Mode converts the settings into a go.bug.st/serial mode.
func (s Settings) Mode() *serial.Mode {
	mode := &serial.Mode{
		BaudRate: s.Baudrate,
		DataBits: s.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	switch s.Parity {
	case ParityEven:
		mode.Parity = serial.EvenParity
	case ParityOdd:
		mode.Parity = serial.OddParity
	}
	if s.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	return mode
}

// Validate checks every field against the accepted ranges.
func (s Settings) Validate() error {
	if s.Baudrate < MinBaudrate || s.Baudrate > MaxBaudrate {
		return &RangeError{Param: "baudrate", Value: float64(s.Baudrate), Min: MinBaudrate, Max: MaxBaudrate}
	}
	if !s.Parity.valid() {
		return &InvalidValueError{Param: "parity", Value: s.Parity.String(), Allowed: "N, E or O"}
	}
	if s.DataBits != DataBits {
		return &InvalidValueError{Param: "data bits", Value: fmt.Sprint(s.DataBits), Allowed: "8"}
	}
	if s.StopBits != 1 && s.StopBits != 2 {
		return &InvalidValueError{Param: "stop bits", Value: fmt.Sprint(s.StopBits), Allowed: "1 or 2"}
	}
	if s.Override != 0 {
		return checkOverride(s.Override)
	}
	return nil
}

// String formats the settings like "9600,N,8,1 [eof=3.646 ms]".
func (s Settings) String() string {
	return fmt.Sprintf("%d,%s,%d,%d [eof=%.3f ms]",
		s.Baudrate, s.Parity, s.DataBits, s.StopBits, Milliseconds(s.Silence()))
}

// Milliseconds converts d into fractional milliseconds.
func Milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// FromMilliseconds converts fractional milliseconds into a duration.
func FromMilliseconds(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func checkOverride(d time.Duration) error {
	if d <= 0 || d > MaxSilenceOverride {
		return &RangeError{
			Param: "eof",
			Value: Milliseconds(d),
			Min:   0,
			Max:   Milliseconds(MaxSilenceOverride),
			Unit:  "ms",
			open:  true,
		}
	}
	return nil
}

// Config is the shared, mutable line configuration. It is safe for
// concurrent use. Every successful mutation calls the change callback once
// the lock has been released.
type Config struct {
	mu       sync.Mutex
	settings Settings
	onChange func()
}

// New creates a Config with default settings. onChange may be nil.
func New(onChange func()) *Config {
	return &Config{settings: DefaultSettings(), onChange: onChange}
}

// OnChange replaces the change callback.
func (c *Config) OnChange(fn func()) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Snapshot returns a copy of the current settings.
func (c *Config) Snapshot() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// String implements fmt.Stringer.
func (c *Config) String() string {
	return c.Snapshot().String()
}

// Baudrate returns the configured baud rate.
func (c *Config) Baudrate() int { return c.Snapshot().Baudrate }

// Parity returns the configured parity.
func (c *Config) Parity() Parity { return c.Snapshot().Parity }

// StopBits returns the configured number of stop bits.
func (c *Config) StopBits() int { return c.Snapshot().StopBits }

// EffectiveSilence returns the end-of-frame silence threshold in use.
func (c *Config) EffectiveSilence() time.Duration { return c.Snapshot().Silence() }

// HasOverride reports whether a manual end-of-frame delay is set.
func (c *Config) HasOverride() bool { return c.Snapshot().Override != 0 }

// SetBaudrate sets the baud rate; it fails with *RangeError outside
// [MinBaudrate, MaxBaudrate].
func (c *Config) SetBaudrate(v int) error {
	if v < MinBaudrate || v > MaxBaudrate {
		return &RangeError{Param: "baudrate", Value: float64(v), Min: MinBaudrate, Max: MaxBaudrate}
	}
	return c.update(func(s *Settings) { s.Baudrate = v })
}

// SetParity sets the parity; it fails with *InvalidValueError for anything
// but ParityNone, ParityEven or ParityOdd.
func (c *Config) SetParity(p Parity) error {
	if !p.valid() {
		return &InvalidValueError{Param: "parity", Value: p.String(), Allowed: "N, E or O"}
	}
	return c.update(func(s *Settings) { s.Parity = p })
}

// SetParityString parses and sets the parity.
func (c *Config) SetParityString(v string) error {
	p, err := ParseParity(v)
	if err != nil {
		return err
	}
	return c.SetParity(p)
}

// SetStopBits sets 1 or 2 stop bits.
func (c *Config) SetStopBits(n int) error {
	if n != 1 && n != 2 {
		return &InvalidValueError{Param: "stop bits", Value: fmt.Sprint(n), Allowed: "1 or 2"}
	}
	return c.update(func(s *Settings) { s.StopBits = n })
}

// SetSilenceOverride sets a manual end-of-frame delay in (0, 1000] ms.
func (c *Config) SetSilenceOverride(d time.Duration) error {
	if err := checkOverride(d); err != nil {
		return err
	}
	return c.update(func(s *Settings) { s.Override = d })
}

// ClearSilenceOverride goes back to the computed end-of-frame delay.
func (c *Config) ClearSilenceOverride() {
	_ = c.update(func(s *Settings) { s.Override = 0 })
}

// Apply validates s and replaces all settings at once, notifying a single
// change.
func (c *Config) Apply(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return c.update(func(cur *Settings) { *cur = s })
}

func (c *Config) update(fn func(*Settings)) error {
	c.mu.Lock()
	fn(&c.settings)
	notify := c.onChange
	c.mu.Unlock()
	if notify != nil {
		notify()
	}
	return nil
}
