// Package crc computes the CRC-16 trailer of Modbus RTU frames
// (polynomial 0xA001 reflected, init 0xFFFF, low byte first on the wire).
package crc

import (
	"encoding/binary"

	"github.com/sigurn/crc16"
)

// Size is the number of CRC bytes at the end of an RTU frame.
const Size = 2

var table = crc16.MakeTable(crc16.CRC16_MODBUS)

// Compute returns the Modbus CRC-16 of data.
func Compute(data []byte) uint16 {
	return crc16.Checksum(data, table)
}

// Declared returns the CRC carried by the last two bytes of frame.
// The frame must hold at least Size bytes.
func Declared(frame []byte) uint16 {
	return binary.LittleEndian.Uint16(frame[len(frame)-Size:])
}

// Verify reports whether the trailing CRC of frame matches its content.
// Frames shorter than Size+1 bytes never verify.
func Verify(frame []byte) bool {
	if len(frame) <= Size {
		return false
	}
	return Declared(frame) == Compute(frame[:len(frame)-Size])
}

// Append appends the CRC of data to data, low byte first.
func Append(data []byte) []byte {
	return binary.LittleEndian.AppendUint16(data, Compute(data))
}
