// Package pcap writes captured serial frames in libpcap format so they can
// be opened (or streamed live) in Wireshark.
package pcap

import (
	"encoding/binary"
	"io"
	"time"
)

const (
	magicNumber  uint32 = 0xa1b2c3d4
	versionMajor uint16 = 2
	versionMinor uint16 = 4
	snapLen      uint32 = 65535
)

// Link types.
const (
	// DLTUser0 carries raw frame bytes.
	DLTUser0 uint32 = 147
	// DLTRTACSer prefixes every frame with a 12-byte RTAC serial header.
	DLTRTACSer uint32 = 250
)

// Writer writes packets in libpcap format.
type Writer struct {
	w        io.Writer
	order    binary.ByteOrder
	linkType uint32
}

// NewWriter creates a Writer and writes the 24-byte pcap global header in
// the given byte order.
func NewWriter(w io.Writer, order binary.ByteOrder, linkType uint32) (*Writer, error) {
	hdr := struct {
		Magic        uint32
		VersionMajor uint16
		VersionMinor uint16
		ThisZone     int32
		SigFigs      uint32
		SnapLen      uint32
		LinkType     uint32
	}{
		Magic:        magicNumber,
		VersionMajor: versionMajor,
		VersionMinor: versionMinor,
		SnapLen:      snapLen,
		LinkType:     linkType,
	}
	if err := binary.Write(w, order, &hdr); err != nil {
		return nil, err
	}
	return &Writer{w: w, order: order, linkType: linkType}, nil
}

// LinkType returns the link type written in the global header.
func (pw *Writer) LinkType() uint32 { return pw.linkType }

// WritePacket writes a single packet with its timestamp and raw data.
func (pw *Writer) WritePacket(ts time.Time, data []byte) error {
	length := uint32(len(data))
	hdr := struct {
		TsSec   uint32
		TsUsec  uint32
		CapLen  uint32
		OrigLen uint32
	}{
		TsSec:   uint32(ts.Unix()),
		TsUsec:  uint32(ts.Nanosecond() / 1000),
		CapLen:  length,
		OrigLen: length,
	}
	if err := binary.Write(pw.w, pw.order, &hdr); err != nil {
		return err
	}
	_, err := pw.w.Write(data)
	return err
}

// WriteFrame writes one serial frame. For DLTRTACSer the frame is prefixed
// with an RTAC header carrying event; other link types get the bare bytes.
func (pw *Writer) WriteFrame(ts time.Time, event byte, frame []byte) error {
	if pw.linkType != DLTRTACSer {
		return pw.WritePacket(ts, frame)
	}
	payload := make([]byte, 0, RTACHeaderLen+len(frame))
	payload = append(payload, RTACHeader(ts, event)...)
	payload = append(payload, frame...)
	return pw.WritePacket(ts, payload)
}
