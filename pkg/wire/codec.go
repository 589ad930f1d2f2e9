package wire

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// ErrUnknownMessage is returned when key 1 holds no known message type.
var ErrUnknownMessage = errors.New("unknown message type")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnix,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Lenient decoding: unknown keys are skipped, duplicates keep the last value.
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Marshal encodes a value to CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes into a value.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// NewEncoder creates a CBOR encoder that writes to w.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder creates a CBOR decoder that reads from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

// Encode stamps the message type into msg and encodes it.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Hello:
		m.Type = MessageTypeHello
	case *HelloAck:
		m.Type = MessageTypeHelloAck
	case *Data:
		m.Type = MessageTypeData
	case *Ping:
		m.Type = MessageTypePing
	case *Pong:
		m.Type = MessageTypePong
	case *Close:
		m.Type = MessageTypeClose
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
	return Marshal(msg)
}

// PeekMessageType reads key 1 without decoding the rest of the message.
func PeekMessageType(data []byte) (MessageType, error) {
	var peek struct {
		Type MessageType `cbor:"1,keyasint"`
	}
	if err := Unmarshal(data, &peek); err != nil {
		return MessageTypeUnknown, fmt.Errorf("failed to peek message: %w", err)
	}
	return peek.Type, nil
}

// Decode decodes any tlink message.
func Decode(data []byte) (Message, error) {
	t, err := PeekMessageType(data)
	if err != nil {
		return nil, err
	}

	var msg Message
	switch t {
	case MessageTypeHello:
		msg = &Hello{}
	case MessageTypeHelloAck:
		msg = &HelloAck{}
	case MessageTypeData:
		msg = &Data{}
	case MessageTypePing:
		msg = &Ping{}
	case MessageTypePong:
		msg = &Pong{}
	case MessageTypeClose:
		msg = &Close{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, t)
	}

	if err := Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", t, err)
	}
	return msg, nil
}
