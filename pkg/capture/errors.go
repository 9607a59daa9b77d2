package capture

import "fmt"

// CaptureError wraps a failure of the serial line during open, reset, read
// or close.
type CaptureError struct {
	Op   string
	Port string
	Err  error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture: %s %s: %v", e.Op, e.Port, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}
