package spy

import (
	"fmt"
	"strings"

	"mbspy/pkg/decoder"
	"mbspy/pkg/ring"
)

// Mode selects how frames are rendered.
type Mode int

const (
	ModeDump Mode = iota
	ModeAnalyze
)

// ParseMode parses "dump" or "analyze".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "dump":
		return ModeDump, nil
	case "analyze":
		return ModeAnalyze, nil
	}
	return ModeDump, fmt.Errorf("unknown mode %q (use dump or analyze)", s)
}

// Entry is one listed frame.
type Entry struct {
	Index int
	Frame ring.Frame
	// Valid reports whether the length and CRC checks passed.
	Valid bool
	// Text is the hex dump or the decoded text.
	Text string
	// Record is set in analyze mode.
	Record *decoder.Record
}

// CRCStatus returns "OK" or "ERR".
func (e Entry) CRCStatus() string {
	if e.Valid {
		return "OK"
	}
	return "ERR"
}

// String formats the entry as "[idx/len/CRC] text".
func (e Entry) String() string {
	return fmt.Sprintf("[%3d/%3d/%-3s] %s", e.Index, len(e.Frame.Data), e.CRCStatus(), e.Text)
}

func dumpEntry(idx int, f ring.Frame) Entry {
	return Entry{
		Index: idx,
		Frame: f,
		Valid: decoder.Frame{Data: f.Data}.Valid(),
		Text:  decoder.FormatHex(f.Data),
	}
}

func analyzeEntry(idx int, f ring.Frame, a *decoder.Analyzer) Entry {
	rec := a.Analyze(f.Data)
	return Entry{
		Index:  idx,
		Frame:  f,
		Valid:  rec.Valid,
		Text:   rec.String(),
		Record: &rec,
	}
}

func renderEntry(mode Mode, idx int, f ring.Frame, a *decoder.Analyzer) Entry {
	if mode == ModeAnalyze {
		return analyzeEntry(idx, f, a)
	}
	return dumpEntry(idx, f)
}
