package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeStampsType(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want MessageType
	}{
		{"hello", &Hello{Version: "1.0", Path: "/chat"}, MessageTypeHello},
		{"hello ack", &HelloAck{Version: "1.0"}, MessageTypeHelloAck},
		{"data", &Data{Payload: []byte("x")}, MessageTypeData},
		{"ping", &Ping{Sequence: 3}, MessageTypePing},
		{"pong", &Pong{Sequence: 3}, MessageTypePong},
		{"close", &Close{Reason: CloseGoingAway}, MessageTypeClose},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			got, err := PeekMessageType(data)
			if err != nil {
				t.Fatalf("PeekMessageType failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("type = %v, want %v", got, tt.want)
			}

			decoded, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if decoded.MessageType() != tt.want {
				t.Errorf("decoded type = %v, want %v", decoded.MessageType(), tt.want)
			}
		})
	}
}

func TestDecodeHelloWithKeys(t *testing.T) {
	in := &Hello{
		Version:   "1.0",
		Host:      "example.org",
		Path:      "/rpc",
		Method:    "GET",
		SessionID: 42,
		Box:       BoxChaCha20Poly1305,
		PublicKey: bytes.Repeat([]byte{7}, 32),
		Salt:      []byte("salt"),
	}
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	out, ok := msg.(*Hello)
	if !ok {
		t.Fatalf("got %T, want *Hello", msg)
	}
	if out.SessionID != 42 || out.Box != BoxChaCha20Poly1305 || !bytes.Equal(out.PublicKey, in.PublicKey) {
		t.Errorf("decoded hello mismatch: %+v", out)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	data, err := Marshal(map[int]any{1: 99, 2: "x"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if _, err := Decode(data); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("Decode error = %v, want ErrUnknownMessage", err)
	}
}

func TestDecodeIgnoresUnknownKeys(t *testing.T) {
	data, err := Marshal(map[int]any{1: 3, 2: 9, 4: []byte("hi"), 99: "future"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	d := msg.(*Data)
	if d.Seq != 9 || string(d.Payload) != "hi" {
		t.Errorf("got %+v", d)
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := Decode([]byte{0xff, 0x00}); err == nil {
		t.Error("expected error for invalid CBOR")
	}
}

func TestIsControl(t *testing.T) {
	for _, mt := range []MessageType{MessageTypePing, MessageTypePong, MessageTypeClose} {
		if !mt.IsControl() {
			t.Errorf("%v should be control", mt)
		}
	}
	if MessageTypeData.IsControl() {
		t.Error("data is not control")
	}
}

func TestBoxKindNames(t *testing.T) {
	for _, k := range []BoxKind{BoxNone, BoxAESGCM, BoxChaCha20Poly1305} {
		got, ok := ParseBoxKind(k.String())
		if !ok || got != k {
			t.Errorf("ParseBoxKind(%q) = %v, %v", k.String(), got, ok)
		}
	}
	if _, ok := ParseBoxKind("rot13"); ok {
		t.Error("ParseBoxKind accepted an unknown name")
	}
	if got := BoxKind(7).String(); got != "unknown" {
		t.Errorf("BoxKind(7).String() = %q", got)
	}
}
