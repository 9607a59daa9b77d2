package publish

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"mbspy/pkg/decoder"
	"mbspy/pkg/ring"
)

// Format is the payload encoding.
type Format int

const (
	FormatJSON Format = iota
	FormatCBOR
)

// ParseFormat parses "json" or "cbor".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return FormatJSON, nil
	case "cbor":
		return FormatCBOR, nil
	}
	return FormatJSON, fmt.Errorf("unknown payload format %q (use json or cbor)", s)
}

func (f Format) String() string {
	if f == FormatCBOR {
		return "cbor"
	}
	return "json"
}

// Message is the published view of one decoded frame.
type Message struct {
	Seq       uint64   `json:"seq" cbor:"seq"`
	Time      string   `json:"time" cbor:"time"`
	Raw       string   `json:"raw" cbor:"raw"`
	Valid     bool     `json:"valid" cbor:"valid"`
	Status    string   `json:"status" cbor:"status"`
	Slave     uint8    `json:"slave" cbor:"slave"`
	Function  uint8    `json:"function" cbor:"function"`
	Direction string   `json:"direction" cbor:"direction"`
	Exception uint8    `json:"exception,omitempty" cbor:"exception,omitempty"`
	Address   uint16   `json:"address,omitempty" cbor:"address,omitempty"`
	Quantity  uint16   `json:"quantity,omitempty" cbor:"quantity,omitempty"`
	Value     uint16   `json:"value,omitempty" cbor:"value,omitempty"`
	Coils     []bool   `json:"coils,omitempty" cbor:"coils,omitempty"`
	Registers []uint16 `json:"registers,omitempty" cbor:"registers,omitempty"`
	Text      string   `json:"text" cbor:"text"`
}

// NewMessage builds the message of a frame and its decode record.
func NewMessage(f ring.Frame, rec decoder.Record) Message {
	return Message{
		Seq:       f.Seq,
		Time:      f.Time.UTC().Format(time.RFC3339Nano),
		Raw:       decoder.FormatHex(f.Data),
		Valid:     rec.Valid,
		Status:    rec.Status.String(),
		Slave:     rec.Slave,
		Function:  rec.Function,
		Direction: rec.Dir.String(),
		Exception: rec.Exception,
		Address:   rec.Address,
		Quantity:  rec.Quantity,
		Value:     rec.Value,
		Coils:     rec.Coils,
		Registers: rec.Registers,
		Text:      rec.String(),
	}
}

// Encode encodes m.
func (f Format) Encode(m Message) ([]byte, error) {
	if f == FormatCBOR {
		return cbor.Marshal(m)
	}
	return json.Marshal(m)
}
