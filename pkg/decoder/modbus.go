package decoder

import (
	"mbspy/pkg/crc"
)

// Direction classifies a Modbus RTU frame as a request or response.
// The values are the RTAC Serial event types.
type Direction uint8

const (
	DirUnknown  Direction = 0x00 // STATUS_CHANGE, not classified
	DirRequest  Direction = 0x01 // DATA_TX_START
	DirResponse Direction = 0x02 // DATA_RX_START
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case DirRequest:
		return "request"
	case DirResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Frame is a Modbus RTU frame with its classified direction. Accessors other
// than Valid expect a frame that passed Valid.
type Frame struct {
	Data []byte
	Dir  Direction
}

// Slave returns the slave address.
func (f Frame) Slave() byte { return f.Data[0] }

// Function returns the raw function code, exception flag included.
func (f Frame) Function() byte { return f.Data[1] }

// IsException reports whether the exception flag of the function code is set.
func (f Frame) IsException() bool { return f.Data[1]&ExceptionFlag != 0 }

// ExceptionCode returns the exception code of an exception response.
func (f Frame) ExceptionCode() byte { return f.Data[2] }

// PDU returns the function code and data, without address and CRC.
func (f Frame) PDU() []byte { return f.Data[1 : len(f.Data)-crc.Size] }

// DeclaredCRC returns the CRC carried by the frame.
func (f Frame) DeclaredCRC() uint16 { return crc.Declared(f.Data) }

// ComputedCRC returns the CRC computed over the frame content.
func (f Frame) ComputedCRC() uint16 { return crc.Compute(f.Data[:len(f.Data)-crc.Size]) }

// Valid reports whether the frame is longer than 4 bytes and its CRC matches.
func (f Frame) Valid() bool {
	return len(f.Data) > 4 && crc.Verify(f.Data)
}

// IsRequest reports whether the frame was classified as a request.
func (f Frame) IsRequest() bool { return f.Dir == DirRequest }

type frameCandidate struct {
	length int
	dir    Direction
}

// frameCandidates returns the possible Modbus RTU frame lengths and their
// classified directions given bytes starting at a frame boundary. Function
// codes 0x01 to 0x04 are ambiguous (requests are fixed 8 bytes, responses are
// variable 5+data[2]), so both candidates are returned with the request first;
// a register response always carries an even byte count. Function codes
// 0x05/0x06 return DirUnknown because request and response are identical
// format. Returns nil if the data is too short or the function code is
// unrecognized.
func frameCandidates(data []byte) []frameCandidate {
	if len(data) < 2 {
		return nil
	}
	fc := data[1]

	switch {
	case fc == FuncReadCoils || fc == FuncReadDiscreteInputs:
		candidates := []frameCandidate{{8, DirRequest}}
		if len(data) >= 3 {
			candidates = append(candidates, frameCandidate{5 + int(data[2]), DirResponse})
		}
		return candidates
	case fc == FuncReadHoldingRegisters || fc == FuncReadInputRegisters:
		candidates := []frameCandidate{{8, DirRequest}}
		if len(data) >= 3 && data[2]%2 == 0 {
			candidates = append(candidates, frameCandidate{5 + int(data[2]), DirResponse})
		}
		return candidates
	case fc == FuncWriteSingleCoil || fc == FuncWriteSingleRegister:
		return []frameCandidate{{8, DirUnknown}}
	case fc == FuncWriteMultipleCoils || fc == FuncWriteMultipleRegisters:
		if len(data) < 7 {
			return nil
		}
		return []frameCandidate{
			{9 + int(data[6]), DirRequest},
			{8, DirResponse},
		}
	case fc >= 0x81 && fc <= 0x90:
		return []frameCandidate{{5, DirResponse}}
	default:
		return nil
	}
}

// lengthDirection classifies a complete frame by its length alone. It
// reports false when the length matches no candidate or both directions.
func lengthDirection(data []byte) (Direction, bool) {
	if len(data) < 2 {
		return DirUnknown, false
	}
	switch data[1] {
	case FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
		// responses are always 8 bytes, requests never are
		if len(data) == 8 {
			return DirResponse, true
		}
		return DirRequest, true
	}
	dir := DirUnknown
	for _, c := range frameCandidates(data) {
		if c.length != len(data) || c.dir == DirUnknown {
			continue
		}
		if dir != DirUnknown && dir != c.dir {
			return DirUnknown, false
		}
		dir = c.dir
	}
	return dir, dir != DirUnknown
}

// SplitFrames splits bytes captured as one frame into the Modbus RTU frames
// they hold, for runs where the gap between frames was shorter than the
// silence threshold. A split covering all of data is searched first, trying
// each length candidate in turn. Failing that, frames are taken from the
// front while they parse and the rest becomes one DirUnknown frame, which is
// all of data when nothing parses.
func SplitFrames(data []byte) []Frame {
	if frames, ok := splitAll(data, nil); ok {
		return frames
	}
	var frames []Frame
	rest := data
	for len(rest) > 0 {
		f, ok := leadingFrame(rest)
		if !ok {
			break
		}
		frames = append(frames, f)
		rest = rest[len(f.Data):]
	}
	if len(rest) > 0 {
		frames = append(frames, Frame{Data: rest, Dir: DirUnknown})
	}
	return frames
}

// leadingFrame returns the first length candidate at the front of data that
// carries a valid CRC.
func leadingFrame(data []byte) (Frame, bool) {
	for _, c := range frameCandidates(data) {
		if c.length <= len(data) && crc.Verify(data[:c.length]) {
			return Frame{Data: data[:c.length], Dir: c.dir}, true
		}
	}
	return Frame{}, false
}

func splitAll(data []byte, acc []Frame) ([]Frame, bool) {
	if len(data) == 0 {
		return acc, len(acc) > 0
	}
	for _, c := range frameCandidates(data) {
		if c.length > len(data) || !crc.Verify(data[:c.length]) {
			continue
		}
		f := Frame{Data: data[:c.length], Dir: c.dir}
		if frames, ok := splitAll(data[c.length:], append(acc, f)); ok {
			return frames, true
		}
	}
	return nil, false
}
