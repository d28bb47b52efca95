package renderhost

import (
	"fmt"

	"github.com/google/uuid"
)

// ProtocolVersion is the version token this build speaks. The version gate
// requires the peer's token to be byte-identical; there is no semantic
// compatibility range.
const ProtocolVersion = "1.0.0"

// handshake runs the version gate on a fresh transport. Both sides write
// their handshake frame before reading the peer's, so the exchange cannot
// deadlock. It must complete before any other traffic; on mismatch the
// transport is closed and a *VersionMismatchError returned. A mismatch is a
// configuration error and is never retried.
//
// The returned identity is the peer's incarnation token (zero when the peer
// is the application side, which has no incarnation).
func handshake(t Transport, ser Serializer, version string, identity uuid.UUID) (uuid.UUID, error) {
	hello, err := ser.Marshal(&handshakeBody{
		ProtocolVersion: version,
		Incarnation:     identity,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode handshake: %w", err)
	}
	if err := t.Send(encodeMessage(&Message{Kind: KindHandshake, Payload: hello})); err != nil {
		return uuid.Nil, fmt.Errorf("send handshake: %w", err)
	}

	frame, err := t.Receive()
	if err != nil {
		return uuid.Nil, fmt.Errorf("read handshake: %w", err)
	}
	msg, err := decodeMessage(frame)
	if err != nil {
		t.Close()
		return uuid.Nil, err
	}
	if msg.Kind != KindHandshake {
		t.Close()
		return uuid.Nil, fmt.Errorf("%w: expected handshake frame, got %s", ErrMalformedFrame, msg.Kind)
	}

	var peer handshakeBody
	if err := ser.Unmarshal(msg.Payload, &peer); err != nil {
		t.Close()
		return uuid.Nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if peer.ProtocolVersion != version {
		t.Close()
		return uuid.Nil, &VersionMismatchError{Local: version, Remote: peer.ProtocolVersion}
	}
	return peer.Incarnation, nil
}
