package decoder

import (
	"encoding/binary"
	"fmt"
)

// DecodeError describes a PDU that does not match the layout of its
// function code.
type DecodeError struct {
	Function byte
	Dir      Direction
	Reason   string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed %s %s: %s", FunctionName(e.Function), e.Dir, e.Reason)
}

// Analyzer decodes successive frames of one capture, inferring which frames
// are requests and which are responses.
//
// Direction inference assumes strictly alternating request/response traffic
// without loss: a frame whose slave address or function code differs from
// the previous valid frame starts a new exchange, any other frame flips the
// previous direction. For function codes whose request and response lengths
// differ, the frame length decides instead. Frames dropped by the capture
// buffer can desynchronize the alternation until the next frame classified
// by length.
//
// An Analyzer is not safe for concurrent use.
type Analyzer struct {
	prev    *Frame
	prevQty uint16
}

// NewAnalyzer returns an Analyzer with an empty session.
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Reset starts a new decode session.
func (a *Analyzer) Reset() {
	a.prev = nil
	a.prevQty = 0
}

// Previous returns the last frame that decoded without error.
func (a *Analyzer) Previous() (Frame, bool) {
	if a.prev == nil {
		return Frame{}, false
	}
	return *a.prev, true
}

// Analyze decodes one raw frame. Frames that are too short, fail the CRC
// check or carry a malformed PDU yield a StatusError record and leave the
// session untouched.
func (a *Analyzer) Analyze(raw []byte) Record {
	f := Frame{Data: raw}
	rec := Record{Raw: raw, Valid: f.Valid()}
	if !rec.Valid {
		rec.Status = StatusError
		rec.Message = "bad CRC or short frame"
		return rec
	}
	rec.Slave = f.Slave()
	rec.Function = f.Function()
	f.Dir = a.direction(f)
	rec.Dir = f.Dir

	var err error
	switch {
	case f.IsException():
		err = decodeException(f, &rec)
	case rec.Function == FuncReadCoils || rec.Function == FuncReadDiscreteInputs:
		err = a.decodeReadBits(f, &rec)
	case rec.Function == FuncReadHoldingRegisters || rec.Function == FuncReadInputRegisters:
		err = decodeReadRegisters(f, &rec)
	case rec.Function == FuncWriteSingleCoil:
		err = decodeWriteSingleCoil(f, &rec)
	case rec.Function == FuncWriteSingleRegister:
		err = decodeWriteSingle(f, &rec)
	case rec.Function == FuncWriteMultipleCoils:
		err = decodeWriteMultipleCoils(f, &rec)
	case rec.Function == FuncWriteMultipleRegisters:
		err = decodeWriteMultipleRegisters(f, &rec)
	default:
		rec.Status = StatusUnsupported
		rec.Message = FunctionName(rec.Function) + " not supported"
	}
	if err != nil {
		rec.Status = StatusError
		rec.Message = err.Error()
		return rec
	}

	a.prev = &f
	a.prevQty = rec.Quantity
	return rec
}

func (a *Analyzer) direction(f Frame) Direction {
	if f.IsException() {
		return DirResponse
	}
	if dir, ok := lengthDirection(f.Data); ok {
		return dir
	}
	if a.prev == nil || a.prev.Slave() != f.Slave() || a.prev.Function() != f.Function() {
		return DirRequest
	}
	if a.prev.IsRequest() {
		return DirResponse
	}
	return DirRequest
}

// matchingRequest returns the quantity of the previous frame when it is the
// request answered by f.
func (a *Analyzer) matchingRequest(f Frame) (uint16, bool) {
	if a.prev == nil || !a.prev.IsRequest() ||
		a.prev.Slave() != f.Slave() || a.prev.Function() != f.Function() {
		return 0, false
	}
	return a.prevQty, true
}

// body returns the PDU without its function code.
func body(f Frame) []byte {
	return f.PDU()[1:]
}

func malformed(f Frame, format string, args ...any) error {
	return &DecodeError{Function: f.Function(), Dir: f.Dir, Reason: fmt.Sprintf(format, args...)}
}

// decodeAddrValue decodes the common addr:u16, value:u16 layout.
func decodeAddrValue(f Frame) (uint16, uint16, error) {
	b := body(f)
	if len(b) != 4 {
		return 0, 0, malformed(f, "expected 4 data bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint16(b[0:2]), binary.BigEndian.Uint16(b[2:4]), nil
}

func decodeException(f Frame, rec *Record) error {
	if len(body(f)) != 1 {
		return malformed(f, "exception response carries %d data bytes", len(body(f)))
	}
	rec.Status = StatusException
	rec.Exception = f.ExceptionCode()
	return nil
}

// byteCounted returns the payload of a byte_count:u8, data[byte_count]
// layout starting at b.
func byteCounted(f Frame, b []byte) ([]byte, error) {
	if len(b) < 1 {
		return nil, malformed(f, "missing byte count")
	}
	n := int(b[0])
	if len(b)-1 != n {
		return nil, malformed(f, "byte count %d does not match %d data bytes", n, len(b)-1)
	}
	return b[1:], nil
}

// unpackBits expands packed bits, least significant bit first within each
// byte, keeping at most qty of them.
func unpackBits(packed []byte, qty int) []bool {
	qty = min(qty, len(packed)*8)
	bits := make([]bool, qty)
	for i := range bits {
		bits[i] = packed[i/8]&(1<<(i%8)) != 0
	}
	return bits
}

func unpackRegisters(data []byte) []uint16 {
	regs := make([]uint16, len(data)/2)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return regs
}

func (a *Analyzer) decodeReadBits(f Frame, rec *Record) error {
	if f.IsRequest() {
		addr, qty, err := decodeAddrValue(f)
		if err != nil {
			return err
		}
		rec.Address, rec.Quantity = addr, qty
		return nil
	}
	packed, err := byteCounted(f, body(f))
	if err != nil {
		return err
	}
	qty := len(packed) * 8
	if reqQty, ok := a.matchingRequest(f); ok && int(reqQty) <= qty {
		qty = int(reqQty)
	}
	rec.ByteCount = byte(len(packed))
	rec.Coils = unpackBits(packed, qty)
	rec.Quantity = uint16(len(rec.Coils))
	return nil
}

func decodeReadRegisters(f Frame, rec *Record) error {
	if f.IsRequest() {
		addr, qty, err := decodeAddrValue(f)
		if err != nil {
			return err
		}
		rec.Address, rec.Quantity = addr, qty
		return nil
	}
	data, err := byteCounted(f, body(f))
	if err != nil {
		return err
	}
	if len(data)%2 != 0 {
		return malformed(f, "odd byte count %d", len(data))
	}
	rec.ByteCount = byte(len(data))
	rec.Registers = unpackRegisters(data)
	rec.Quantity = uint16(len(rec.Registers))
	return nil
}

func decodeWriteSingleCoil(f Frame, rec *Record) error {
	addr, value, err := decodeAddrValue(f)
	if err != nil {
		return err
	}
	if value != CoilOn && value != CoilOff {
		return malformed(f, "coil value 0x%04X is neither 0xFF00 nor 0x0000", value)
	}
	rec.Address, rec.Value = addr, value
	rec.Coils = []bool{value == CoilOn}
	return nil
}

func decodeWriteSingle(f Frame, rec *Record) error {
	addr, value, err := decodeAddrValue(f)
	if err != nil {
		return err
	}
	rec.Address, rec.Value = addr, value
	return nil
}

// decodeWriteMultipleHeader decodes addr:u16, count:u16, byte_count:u8,
// data[byte_count] of write multiple requests.
func decodeWriteMultipleHeader(f Frame, rec *Record) ([]byte, error) {
	b := body(f)
	if len(b) < 5 {
		return nil, malformed(f, "expected at least 5 data bytes, got %d", len(b))
	}
	data, err := byteCounted(f, b[4:])
	if err != nil {
		return nil, err
	}
	rec.Address = binary.BigEndian.Uint16(b[0:2])
	rec.Quantity = binary.BigEndian.Uint16(b[2:4])
	rec.ByteCount = byte(len(data))
	return data, nil
}

func decodeWriteMultipleCoils(f Frame, rec *Record) error {
	if !f.IsRequest() {
		addr, qty, err := decodeAddrValue(f)
		rec.Address, rec.Quantity = addr, qty
		return err
	}
	packed, err := decodeWriteMultipleHeader(f, rec)
	if err != nil {
		return err
	}
	if int(rec.Quantity) > len(packed)*8 {
		return malformed(f, "%d coils do not fit in %d bytes", rec.Quantity, len(packed))
	}
	rec.Coils = unpackBits(packed, int(rec.Quantity))
	return nil
}

func decodeWriteMultipleRegisters(f Frame, rec *Record) error {
	if !f.IsRequest() {
		addr, qty, err := decodeAddrValue(f)
		rec.Address, rec.Quantity = addr, qty
		return err
	}
	data, err := decodeWriteMultipleHeader(f, rec)
	if err != nil {
		return err
	}
	if len(data)%2 != 0 {
		return malformed(f, "odd byte count %d", len(data))
	}
	rec.Registers = unpackRegisters(data)
	return nil
}
