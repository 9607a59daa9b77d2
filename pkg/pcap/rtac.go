package pcap

import (
	"encoding/binary"
	"time"
)

// RTACHeaderLen is the size of an RTAC serial header.
const RTACHeaderLen = 12

// RTAC serial event types used as frame direction.
const (
	EventStatusChange byte = 0x00
	EventDataTxStart  byte = 0x01
	EventDataRxStart  byte = 0x02
)

// RTACHeader builds a 12-byte RTAC serial header (always big-endian) for the
// given timestamp and event type.
func RTACHeader(ts time.Time, event byte) []byte {
	hdr := make([]byte, RTACHeaderLen)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(ts.Unix()))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(ts.Nanosecond()/1000))
	hdr[8] = event
	return hdr
}
