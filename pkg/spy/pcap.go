package spy

import (
	"encoding/binary"
	"io"
	"time"

	"mbspy/pkg/decoder"
	"mbspy/pkg/line"
	"mbspy/pkg/pcap"
	"mbspy/pkg/ring"
)

// PCAPSink writes forwarded frames to a pcap stream.
//
// With the RTAC serial link type the decoded direction becomes the RTAC
// event type. A frame that fails its CRC may be several frames captured
// back to back (a silence shorter than the threshold); it is split when
// possible, later frames stamped by their wire time.
type PCAPSink struct {
	w   *pcap.Writer
	cfg *line.Config
}

// NewPCAPSink returns a sink writing to w. cfg provides the character time
// used to stamp split frames.
func NewPCAPSink(w *pcap.Writer, cfg *line.Config) *PCAPSink {
	return &PCAPSink{w: w, cfg: cfg}
}

// Consume implements Sink.
func (p *PCAPSink) Consume(f ring.Frame, rec decoder.Record) error {
	if rec.Valid || p.w.LinkType() != pcap.DLTRTACSer {
		return p.w.WriteFrame(f.Time, byte(rec.Dir), f.Data)
	}
	charTime := p.cfg.Snapshot().CharTime()
	ts := f.Time
	for _, fr := range decoder.SplitFrames(f.Data) {
		if err := p.w.WriteFrame(ts, byte(fr.Dir), fr.Data); err != nil {
			return err
		}
		ts = ts.Add(time.Duration(len(fr.Data)) * charTime)
	}
	return nil
}

// PCAPOptions select the pcap flavour written by ExportPCAP.
type PCAPOptions struct {
	BigEndian bool
	// RTAC selects the RTAC serial link type instead of USER0.
	RTAC bool
}

// NewPCAPWriter writes the pcap global header for opts to w.
func NewPCAPWriter(w io.Writer, opts PCAPOptions) (*pcap.Writer, error) {
	var order binary.ByteOrder = binary.LittleEndian
	if opts.BigEndian {
		order = binary.BigEndian
	}
	dlt := pcap.DLTUser0
	if opts.RTAC {
		dlt = pcap.DLTRTACSer
	}
	return pcap.NewWriter(w, order, dlt)
}

// ExportPCAP writes the last n buffered frames (all when n is not positive)
// to w as a pcap stream and returns how many were written.
func (s *Session) ExportPCAP(w io.Writer, n int, opts PCAPOptions) (int, error) {
	pw, err := NewPCAPWriter(w, opts)
	if err != nil {
		return 0, err
	}
	sink := NewPCAPSink(pw, s.cfg)
	a := decoder.NewAnalyzer()
	frames := s.frames(n)
	for i, f := range frames {
		if err := sink.Consume(f, a.Analyze(f.Data)); err != nil {
			return i, err
		}
	}
	return len(frames), nil
}
