package renderhost

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// MessageKind tags a wire frame as a request, response, event, or the
// handshake frame that precedes all other traffic.
type MessageKind uint8

const (
	// KindHandshake is the version-gate frame, the first frame either side
	// sends on a new connection.
	KindHandshake MessageKind = iota

	// KindRequest carries a caller-chosen sequence number and an opaque
	// payload; it always produces exactly one response or a channel error.
	KindRequest

	// KindResponse echoes its request's sequence number.
	KindResponse

	// KindEvent is an unsolicited notification from the render host. Events
	// carry no sequence number and preserve emission order.
	KindEvent
)

func (k MessageKind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Message is the decoded form of one wire frame:
//
//	kind:u8 | seq:u64 (request/response only) | payload bytes
//
// The payload is opaque at this layer; typed bodies (handshake, negotiation,
// allocation, settings) are serialized into it by the layers above.
type Message struct {
	Kind    MessageKind
	Seq     uint64
	Payload []byte
}

// encodeMessage packs a message into one transport frame.
func encodeMessage(m *Message) []byte {
	switch m.Kind {
	case KindRequest, KindResponse:
		frame := make([]byte, 9+len(m.Payload))
		frame[0] = byte(m.Kind)
		binary.BigEndian.PutUint64(frame[1:9], m.Seq)
		copy(frame[9:], m.Payload)
		return frame
	default:
		frame := make([]byte, 1+len(m.Payload))
		frame[0] = byte(m.Kind)
		copy(frame[1:], m.Payload)
		return frame
	}
}

// decodeMessage unpacks a transport frame. A frame that cannot be decoded is
// a fatal protocol error for the channel that received it.
func decodeMessage(frame []byte) (*Message, error) {
	if len(frame) < 1 {
		return nil, ErrMalformedFrame
	}
	kind := MessageKind(frame[0])
	switch kind {
	case KindRequest, KindResponse:
		if len(frame) < 9 {
			return nil, ErrMalformedFrame
		}
		return &Message{
			Kind:    kind,
			Seq:     binary.BigEndian.Uint64(frame[1:9]),
			Payload: frame[9:],
		}, nil
	case KindHandshake, KindEvent:
		return &Message{Kind: kind, Payload: frame[1:]}, nil
	default:
		return nil, ErrMalformedFrame
	}
}

// Typed frame bodies. These are the only payload shapes the core itself
// interprets; application request and event bodies pass through untouched.

// handshakeBody is the version-gate payload both sides exchange before any
// other message. The host additionally announces its incarnation identity.
type handshakeBody struct {
	ProtocolVersion string    `msgpack:"protocol_version"`
	Incarnation     uuid.UUID `msgpack:"incarnation,omitempty"`
}

// requestBody routes a request payload to a named host-side handler.
// Methods under "core." are handled by this package; everything else is
// dispatched to the handlers the embedding application registered.
type requestBody struct {
	Method string `msgpack:"method"`
	Body   []byte `msgpack:"body"`
}

// responseBody is the payload of every response frame: either a result or a
// remote error, never both.
type responseBody struct {
	Error string `msgpack:"error,omitempty"`
	Body  []byte `msgpack:"body"`
}

// eventBody is the payload of every event frame.
type eventBody struct {
	Topic string `msgpack:"topic"`
	Body  []byte `msgpack:"body"`
}

// Core method and topic names.
const (
	methodNegotiate = "core.negotiate"
	methodAllocate  = "core.allocate"

	// TopicSettings carries SettingsChange events from the config bridge.
	TopicSettings = "core.settings"
)

// negotiateRequest and negotiateResponse are the bodies of the single
// round-trip extension negotiation.
type negotiateRequest struct {
	Name string `msgpack:"name"`
}

type negotiateResponse struct {
	Supported bool   `msgpack:"supported"`
	ID        uint32 `msgpack:"id,omitempty"`
}

// allocateRequest asks the host to mint a resource identifier of one kind.
// The host is the sole authority for identifiers; the application never
// chooses them.
type allocateRequest struct {
	Kind ResourceKind `msgpack:"kind"`
}

type allocateResponse struct {
	ID ResourceID `msgpack:"id"`
}

// BulkThreshold is the inline-frame size boundary. Control messages and
// payloads up to this size travel inline; larger payloads (image and font
// bytes) should be placed in a shared region and referenced by a BulkRef.
const BulkThreshold = 64 << 10

// BulkRef names a shared memory region holding a bulk payload, letting large
// buffers cross the process boundary without a second copy.
type BulkRef struct {
	Region string `msgpack:"region"`
	Length int    `msgpack:"length"`
}
