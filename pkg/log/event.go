package log

import "time"

// Event is one entry of the stream trace.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID identifies one dial of the stream (UUID).
	ConnectionID string `cbor:"2,keyasint"`

	Direction Direction `cbor:"3,keyasint"`
	Layer     Layer     `cbor:"4,keyasint"`
	Category  Category  `cbor:"5,keyasint"`

	// Channel is the stream channel, when the event concerns one.
	Channel string `cbor:"6,keyasint,omitempty"`

	// Endpoint is the stream URL without credentials.
	Endpoint string `cbor:"7,keyasint,omitempty"`

	// Exactly one payload is set.
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	Control     *ControlEvent     `cbor:"13,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// Direction indicates the direction of message flow.
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

// Layer indicates where the event was captured.
type Layer uint8

const (
	// LayerTransport sees raw frames.
	LayerTransport Layer = 0
	// LayerWire sees decoded messages.
	LayerWire Layer = 1
	// LayerEngine covers the registry, batcher, loader and classifier.
	LayerEngine Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerWire:
		return "WIRE"
	case LayerEngine:
		return "ENGINE"
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
	default:
		return "UNKNOWN"
	}
}

// ParseCategory parses a category name as printed by String.
func ParseCategory(s string) (Category, bool) {
	for c := CategoryMessage; c <= CategoryError; c++ {
		if c.String() == s {
			return c, true
		}
	}
	return 0, false
}

// FrameEvent captures a raw frame.
type FrameEvent struct {
	Size      int    `cbor:"1,keyasint"`
	Data      []byte `cbor:"2,keyasint,omitempty"`
	Truncated bool   `cbor:"3,keyasint,omitempty"`
	Binary    bool   `cbor:"4,keyasint,omitempty"`
}

// MessageKind distinguishes decoded stream messages.
type MessageKind uint8

const (
	MessageSubscribe MessageKind = 0
	MessageDelta     MessageKind = 1
	MessageClock     MessageKind = 2
	MessageNotice    MessageKind = 3
	MessageFlush     MessageKind = 4
	MessageBootstrap MessageKind = 5
	MessageReference MessageKind = 6
)

// String returns the message kind name.
func (m MessageKind) String() string {
	switch m {
	case MessageSubscribe:
		return "SUBSCRIBE"
	case MessageDelta:
		return "DELTA"
	case MessageClock:
		return "CLOCK"
	case MessageNotice:
		return "NOTICE"
	case MessageFlush:
		return "FLUSH"
	case MessageBootstrap:
		return "BOOTSTRAP"
	case MessageReference:
		return "REFERENCE"
	default:
		return "UNKNOWN"
	}
}

// MessageEvent captures a decoded message or an engine batch.
type MessageEvent struct {
	Kind MessageKind `cbor:"1,keyasint"`

	// Keys is the number of keys carried (interest list size, delta
	// fields, flushed batch size).
	Keys int `cbor:"2,keyasint,omitempty"`

	// Table and Record identify a delta's scope.
	Table  string `cbor:"3,keyasint,omitempty"`
	Record string `cbor:"4,keyasint,omitempty"`

	// ServerTime is the time carried by the message, if any.
	ServerTime *time.Time `cbor:"5,keyasint,omitempty"`

	Text    string `cbor:"6,keyasint,omitempty"`
	Payload any    `cbor:"7,keyasint,omitempty"`
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
	StateEntityService    StateEntity = 1
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntityService:
		return "SERVICE"
	default:
		return "UNKNOWN"
	}
}

// ControlEvent captures keep-alive and close traffic.
type ControlEvent struct {
	Type ControlType `cbor:"1,keyasint"`

	// RTT is set on pongs.
	RTT time.Duration `cbor:"2,keyasint,omitempty"`

	CloseCode int `cbor:"3,keyasint,omitempty"`
}

// ControlType indicates the type of control traffic.
type ControlType uint8

const (
	ControlPing  ControlType = 0
	ControlPong  ControlType = 1
	ControlClose ControlType = 2
)

// String returns the control type name.
func (c ControlType) String() string {
	switch c {
	case ControlPing:
		return "PING"
	case ControlPong:
		return "PONG"
	case ControlClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	Layer   Layer  `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`

	// Context describes what was being done.
	Context string `cbor:"3,keyasint,omitempty"`
}
