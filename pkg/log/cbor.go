package log

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// eventCodec encodes protocol log records. Keys are sorted canonically so
// equal events produce equal bytes, and times keep nanoseconds so stage
// timings survive a round trip.
var eventCodec = mustEventCodec()

type codec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func mustEventCodec() codec {
	enc, err := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic("log: event encoder: " + err.Error())
	}

	// Logs written by newer versions may carry fields this one ignores.
	dec, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}.DecMode()
	if err != nil {
		panic("log: event decoder: " + err.Error())
	}
	return codec{enc: enc, dec: dec}
}

// EncodeEvent returns the CBOR record of event.
func EncodeEvent(event Event) ([]byte, error) {
	return eventCodec.enc.Marshal(event)
}

// DecodeEvent parses one CBOR record.
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	err := eventCodec.dec.Unmarshal(data, &event)
	return event, err
}

// NewEncoder streams records to w.
func NewEncoder(w io.Writer) *cbor.Encoder { return eventCodec.enc.NewEncoder(w) }

// NewDecoder streams records from r.
func NewDecoder(r io.Reader) *cbor.Decoder { return eventCodec.dec.NewDecoder(r) }
