package decoder

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Status is the outcome of analyzing one frame.
type Status uint8

const (
	StatusOK Status = iota
	StatusError
	StatusException
	StatusUnsupported
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusException:
		return "exception"
	case StatusUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Record is the decoded view of one captured frame. Which fields are set
// depends on the function code and direction.
type Record struct {
	Status Status
	// Valid reports whether the frame passed the length and CRC checks.
	Valid    bool
	Slave    byte
	Function byte
	Dir      Direction

	Exception byte
	Address   uint16
	Quantity  uint16
	Value     uint16
	ByteCount byte
	Coils     []bool
	Registers []uint16

	// Message explains Error and Unsupported records.
	Message string
	Raw     []byte
}

// IsRequest reports whether the frame was inferred to be a request.
func (r Record) IsRequest() bool { return r.Dir == DirRequest }

// String returns the decoded text of the record.
func (r Record) String() string {
	switch r.Status {
	case StatusError:
		if r.Valid {
			return fmt.Sprintf("slave %d %s", r.Slave, r.Message)
		}
		return fmt.Sprintf("%s: %s", r.Message, FormatHex(r.Raw))
	case StatusException:
		return fmt.Sprintf("slave %d exception %s (0x%02X) code=%d (%s)",
			r.Slave, FunctionName(r.Function), r.Function, r.Exception, ExceptionName(r.Exception))
	case StatusUnsupported:
		return fmt.Sprintf("slave %d %s: %s", r.Slave, r.Message, FormatHex(r.Raw[2:len(r.Raw)-2]))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "slave %d %s %s (0x%02X)", r.Slave, r.Dir, FunctionName(r.Function), r.Function)
	switch r.Function {
	case FuncReadCoils, FuncReadDiscreteInputs:
		if r.IsRequest() {
			fmt.Fprintf(&b, " addr=%d qty=%d", r.Address, r.Quantity)
		} else {
			fmt.Fprintf(&b, " bits=%s", formatBits(r.Coils))
		}
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		if r.IsRequest() {
			fmt.Fprintf(&b, " addr=%d qty=%d", r.Address, r.Quantity)
		} else {
			fmt.Fprintf(&b, " regs=%v", r.Registers)
		}
	case FuncWriteSingleCoil:
		state := "OFF"
		if r.Value == CoilOn {
			state = "ON"
		}
		fmt.Fprintf(&b, " addr=%d value=%s", r.Address, state)
	case FuncWriteSingleRegister:
		fmt.Fprintf(&b, " addr=%d value=%d", r.Address, r.Value)
	case FuncWriteMultipleCoils:
		fmt.Fprintf(&b, " addr=%d qty=%d", r.Address, r.Quantity)
		if r.IsRequest() {
			fmt.Fprintf(&b, " bits=%s", formatBits(r.Coils))
		}
	case FuncWriteMultipleRegisters:
		fmt.Fprintf(&b, " addr=%d qty=%d", r.Address, r.Quantity)
		if r.IsRequest() {
			fmt.Fprintf(&b, " regs=%v", r.Registers)
		}
	}
	return b.String()
}

func formatBits(bits []bool) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, on := range bits {
		if i > 0 {
			b.WriteByte(' ')
		}
		if on {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	b.WriteByte(']')
	return b.String()
}

// FormatHex formats b as dash separated two-digit uppercase hex, e.g.
// 12-34-AB-CD.
func FormatHex(b []byte) string {
	const digits = "0123456789ABCDEF"
	if len(b) == 0 {
		return ""
	}
	out := make([]byte, 0, len(b)*3-1)
	for i, v := range b {
		if i > 0 {
			out = append(out, '-')
		}
		out = append(out, digits[v>>4], digits[v&0x0F])
	}
	return string(out)
}

// ParseHex parses hex bytes written as FormatHex does, or separated by
// spaces or colons, or not separated at all.
func ParseHex(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', ':':
			return -1
		}
		return r
	}, s)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("bad hex %q: %w", s, err)
	}
	return b, nil
}
