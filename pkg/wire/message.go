package wire

// MessageType identifies a tlink message. It is always encoded under key 1.
type MessageType uint8

const (
	MessageTypeUnknown  MessageType = 0
	MessageTypeHello    MessageType = 1
	MessageTypeHelloAck MessageType = 2
	MessageTypeData     MessageType = 3
	MessageTypePing     MessageType = 4
	MessageTypePong     MessageType = 5
	MessageTypeClose    MessageType = 6
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case MessageTypeHello:
		return "hello"
	case MessageTypeHelloAck:
		return "hello-ack"
	case MessageTypeData:
		return "data"
	case MessageTypePing:
		return "ping"
	case MessageTypePong:
		return "pong"
	case MessageTypeClose:
		return "close"
	default:
		return "unknown"
	}
}

// IsControl reports whether the type is handled by the transport itself.
func (t MessageType) IsControl() bool {
	return t == MessageTypePing || t == MessageTypePong || t == MessageTypeClose
}

// Message is implemented by every decoded tlink message.
type Message interface {
	MessageType() MessageType
}

// BoxKind mirrors cryptobox.Kind on the wire. Zero means no payload
// protection.
type BoxKind uint8

const (
	BoxNone             BoxKind = 0
	BoxAESGCM           BoxKind = 1
	BoxChaCha20Poly1305 BoxKind = 2
)

// String returns the box name used in configuration files.
func (k BoxKind) String() string {
	switch k {
	case BoxNone:
		return "none"
	case BoxAESGCM:
		return "aes-gcm"
	case BoxChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

// ParseBoxKind is the inverse of BoxKind.String.
func ParseBoxKind(s string) (BoxKind, bool) {
	for _, k := range []BoxKind{BoxNone, BoxAESGCM, BoxChaCha20Poly1305} {
		if k.String() == s {
			return k, true
		}
	}
	return BoxNone, false
}

// Hello opens a session. Path and Method select the endpoint on the server,
// like the request line of an HTTP upgrade.
type Hello struct {
	Type      MessageType `cbor:"1,keyasint"`
	Version   string      `cbor:"2,keyasint"`
	Host      string      `cbor:"3,keyasint,omitempty"`
	Path      string      `cbor:"4,keyasint,omitempty"`
	Method    string      `cbor:"5,keyasint,omitempty"`
	SessionID int64       `cbor:"6,keyasint,omitempty"`
	Box       BoxKind     `cbor:"7,keyasint,omitempty"`
	PublicKey []byte      `cbor:"8,keyasint,omitempty"` // X25519, raw
	Salt      []byte      `cbor:"9,keyasint,omitempty"`
}

// MessageType implements Message.
func (*Hello) MessageType() MessageType { return MessageTypeHello }

// HelloStatus is the server's answer to a Hello.
type HelloStatus uint8

const (
	HelloAccepted HelloStatus = 0
	HelloRejected HelloStatus = 1
	// HelloUnsupportedVersion means the major versions differ.
	HelloUnsupportedVersion HelloStatus = 2
	// HelloUnsupportedBox means the requested payload protection is not offered.
	HelloUnsupportedBox HelloStatus = 3
	HelloNotFound       HelloStatus = 4
)

// String returns the status name.
func (s HelloStatus) String() string {
	switch s {
	case HelloAccepted:
		return "accepted"
	case HelloRejected:
		return "rejected"
	case HelloUnsupportedVersion:
		return "unsupported-version"
	case HelloUnsupportedBox:
		return "unsupported-box"
	case HelloNotFound:
		return "not-found"
	default:
		return "unknown"
	}
}

// HelloAck answers a Hello. When the client asked for payload protection the
// server returns its own X25519 public key; both sides then bind boxes with
// the client's salt.
type HelloAck struct {
	Type      MessageType `cbor:"1,keyasint"`
	Version   string      `cbor:"2,keyasint"`
	Status    HelloStatus `cbor:"3,keyasint"`
	Reason    string      `cbor:"4,keyasint,omitempty"`
	Box       BoxKind     `cbor:"5,keyasint,omitempty"`
	PublicKey []byte      `cbor:"6,keyasint,omitempty"`
}

// MessageType implements Message.
func (*HelloAck) MessageType() MessageType { return MessageTypeHelloAck }

// Data carries one application message. Seq is the sealing sequence value
// when the session is protected, zero otherwise.
type Data struct {
	Type    MessageType `cbor:"1,keyasint"`
	Seq     uint64      `cbor:"2,keyasint,omitempty"`
	Binary  bool        `cbor:"3,keyasint,omitempty"`
	Payload []byte      `cbor:"4,keyasint"`
}

// MessageType implements Message.
func (*Data) MessageType() MessageType { return MessageTypeData }

// Ping probes liveness.
type Ping struct {
	Type     MessageType `cbor:"1,keyasint"`
	Sequence uint32      `cbor:"2,keyasint,omitempty"`
}

// MessageType implements Message.
func (*Ping) MessageType() MessageType { return MessageTypePing }

// Pong answers a Ping with the same sequence.
type Pong struct {
	Type     MessageType `cbor:"1,keyasint"`
	Sequence uint32      `cbor:"2,keyasint,omitempty"`
}

// MessageType implements Message.
func (*Pong) MessageType() MessageType { return MessageTypePong }

// CloseReason explains a Close.
type CloseReason uint8

const (
	CloseNormal    CloseReason = 0
	CloseGoingAway CloseReason = 1
	CloseProtocol  CloseReason = 2
	CloseTimeout   CloseReason = 3
)

// String returns the reason name.
func (r CloseReason) String() string {
	switch r {
	case CloseNormal:
		return "normal"
	case CloseGoingAway:
		return "going-away"
	case CloseProtocol:
		return "protocol-error"
	case CloseTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Close asks the peer to end the session.
type Close struct {
	Type   MessageType `cbor:"1,keyasint"`
	Reason CloseReason `cbor:"2,keyasint,omitempty"`
}

// MessageType implements Message.
func (*Close) MessageType() MessageType { return MessageTypeClose }
