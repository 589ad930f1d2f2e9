package log

import (
	"time"

	"github.com/tlink-protocol/tlink-go/pkg/wire"
)

// Event is a protocol log record. CBOR encoding uses integer keys.
type Event struct {
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID identifies the transport connection (UUID).
	ConnectionID string `cbor:"2,keyasint"`

	Direction Direction `cbor:"3,keyasint"`
	Layer     Layer     `cbor:"4,keyasint"`
	Category  Category  `cbor:"5,keyasint"`
	LocalRole Role      `cbor:"6,keyasint,omitempty"`

	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	// SessionID is the caller-assigned session identifier, when known.
	SessionID int64 `cbor:"8,keyasint,omitempty"`

	// Target is the host:port the connection is for (not the proxy).
	Target string `cbor:"9,keyasint,omitempty"`

	// One of these is set.
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	ControlMsg  *ControlMsgEvent  `cbor:"13,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
	Attempt     *AttemptEvent     `cbor:"15,keyasint,omitempty"`
	Race        *RaceEvent        `cbor:"16,keyasint,omitempty"`
}

// Direction indicates message flow.
type Direction uint8

const (
	DirectionIn  Direction = 0
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which layer captured the event.
type Layer uint8

const (
	// LayerTransport is the framing layer (raw bytes).
	LayerTransport Layer = 0
	// LayerWire is the message layer (decoded CBOR).
	LayerWire Layer = 1
	// LayerSession is the session layer.
	LayerSession Layer = 2
	// LayerRacer covers candidate attempts and arbitration.
	LayerRacer Layer = 3
	// LayerCrypto covers payload protection.
	LayerCrypto Layer = 4
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerWire:
		return "WIRE"
	case LayerSession:
		return "SESSION"
	case LayerRacer:
		return "RACER"
	case LayerCrypto:
		return "CRYPTO"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event.
type Category uint8

const (
	CategoryMessage Category = 0
	CategoryControl Category = 1
	CategoryState   Category = 2
	CategoryError   Category = 3
	CategoryAttempt Category = 4
	CategoryRace    Category = 5
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryControl:
		return "CONTROL"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	case CategoryAttempt:
		return "ATTEMPT"
	case CategoryRace:
		return "RACE"
	default:
		return "UNKNOWN"
	}
}

// Role tells whether the local endpoint dialed or accepted.
type Role uint8

const (
	RoleClient Role = 0
	RoleServer Role = 1
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "CLIENT"
	case RoleServer:
		return "SERVER"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures raw frame data at the transport layer.
type FrameEvent struct {
	// Size includes the length prefix.
	Size      int    `cbor:"1,keyasint"`
	Data      []byte `cbor:"2,keyasint,omitempty"`
	Truncated bool   `cbor:"3,keyasint,omitempty"`
}

// MessageEvent captures a decoded message at the wire layer. Sealed payloads
// are never logged in clear.
type MessageEvent struct {
	Type        wire.MessageType `cbor:"1,keyasint"`
	Seq         uint64           `cbor:"2,keyasint,omitempty"`
	Binary      bool             `cbor:"3,keyasint,omitempty"`
	PayloadSize int              `cbor:"4,keyasint,omitempty"`
	Sealed      bool             `cbor:"5,keyasint,omitempty"`
}

// StateChangeEvent captures lifecycle transitions.
type StateChangeEvent struct {
	Entity   StateEntity `cbor:"1,keyasint"`
	OldState string      `cbor:"2,keyasint,omitempty"`
	NewState string      `cbor:"3,keyasint"`
	Reason   string      `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what changed state.
type StateEntity uint8

const (
	StateEntityConnection StateEntity = 0
	StateEntitySession    StateEntity = 1
	StateEntityBox        StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntitySession:
		return "SESSION"
	case StateEntityBox:
		return "BOX"
	default:
		return "UNKNOWN"
	}
}

// ControlMsgEvent captures ping, pong and close.
type ControlMsgEvent struct {
	Type        wire.MessageType `cbor:"1,keyasint"`
	Sequence    uint32           `cbor:"2,keyasint,omitempty"`
	CloseReason *uint8           `cbor:"3,keyasint,omitempty"`
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	Layer   Layer  `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`
	Kind    string `cbor:"3,keyasint,omitempty"`
	Context string `cbor:"4,keyasint,omitempty"`
}

// AttemptEvent records a stage transition of one candidate attempt.
type AttemptEvent struct {
	Index      int    `cbor:"1,keyasint"`
	ProxyIndex int    `cbor:"2,keyasint"`
	State      string `cbor:"3,keyasint"`
	Kind       string `cbor:"4,keyasint,omitempty"`

	// Elapsed is the time spent in the stage that just ended.
	Elapsed         time.Duration `cbor:"5,keyasint,omitempty"`
	ResolvedAddress string        `cbor:"6,keyasint,omitempty"`
	ConnectCount    int           `cbor:"7,keyasint,omitempty"`
	SNI             string        `cbor:"8,keyasint,omitempty"`
}

// RaceEvent records the terminal outcome of a race.
type RaceEvent struct {
	Candidates int           `cbor:"1,keyasint"`
	Winner     int           `cbor:"2,keyasint"` // -1 when the race failed
	Kind       string        `cbor:"3,keyasint,omitempty"`
	Duration   time.Duration `cbor:"4,keyasint"`
	CustomSNI  bool          `cbor:"5,keyasint,omitempty"`
	KeptOthers int           `cbor:"6,keyasint,omitempty"`
}
