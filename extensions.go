package renderhost

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ExtensionID identifies a negotiated optional capability. Like a resource
// id, it is valid only for the incarnation that returned it.
type ExtensionID uint32

// extensionTable is the host-side registry of optional capabilities. Names
// are registered before the host starts serving; negotiation looks a name up
// and returns its id, or "unsupported" for anything unknown. The lookup has
// no side effects, which is what makes negotiation idempotent.
type extensionTable struct {
	mu   sync.RWMutex
	ids  map[string]uint32
	next uint32
	seal bool
}

func newExtensionTable() *extensionTable {
	return &extensionTable{ids: make(map[string]uint32)}
}

// register adds a named capability and returns its id. Registration after
// serving has begun is a programming error.
func (et *extensionTable) register(name string) (uint32, error) {
	et.mu.Lock()
	defer et.mu.Unlock()
	if et.seal {
		return 0, fmt.Errorf("extension %q registered after serving began", name)
	}
	if id, ok := et.ids[name]; ok {
		return id, nil
	}
	et.next++
	et.ids[name] = et.next
	return et.next, nil
}

func (et *extensionTable) sealTable() {
	et.mu.Lock()
	et.seal = true
	et.mu.Unlock()
}

func (et *extensionTable) lookup(name string) (uint32, bool) {
	et.mu.RLock()
	id, ok := et.ids[name]
	et.mu.RUnlock()
	return id, ok
}

// negotiated is one cached negotiation outcome, positive or negative.
type negotiated struct {
	id        ExtensionID
	supported bool
}

// ExtensionView is the application-side negotiation cache for one
// incarnation. Negotiation is a single request/response round trip and is
// idempotent: asking twice for the same name on the same incarnation yields
// the same answer, the second time without touching the wire. The cache is
// filled by the channel reader and discarded wholesale on respawn.
type ExtensionView struct {
	incarnation uuid.UUID

	mu    sync.Mutex
	cache map[string]negotiated
}

func newExtensionView(incarnation uuid.UUID) *ExtensionView {
	return &ExtensionView{
		incarnation: incarnation,
		cache:       make(map[string]negotiated),
	}
}

// Negotiate resolves a named capability against the render host. The second
// return value is false when the host does not support the extension; that
// is a normal outcome the caller must branch on, not an error.
func (ev *ExtensionView) Negotiate(ctx context.Context, c *Channel, name string) (ExtensionID, bool, error) {
	ev.mu.Lock()
	if hit, ok := ev.cache[name]; ok {
		ev.mu.Unlock()
		return hit.id, hit.supported, nil
	}
	ev.mu.Unlock()

	ser := c.ser
	req, err := ser.Marshal(&negotiateRequest{Name: name})
	if err != nil {
		return 0, false, fmt.Errorf("encode negotiate request: %w", err)
	}

	var out negotiateResponse
	var decodeErr error
	_, err = c.call(ctx, methodNegotiate, req, func(data []byte) {
		if decodeErr = ser.Unmarshal(data, &out); decodeErr != nil {
			return
		}
		ev.mu.Lock()
		ev.cache[name] = negotiated{id: ExtensionID(out.ID), supported: out.Supported}
		ev.mu.Unlock()
	})
	if err != nil {
		return 0, false, err
	}
	if decodeErr != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrMalformedFrame, decodeErr)
	}
	return ExtensionID(out.ID), out.Supported, nil
}

// Require returns the id for a previously negotiated extension, or
// ErrUnknownExtension if the name was never negotiated successfully on this
// incarnation. Callers must pass this gate before sending extension-tagged
// payloads; an unsupported extension is rejected here, before it reaches the
// wire.
func (ev *ExtensionView) Require(name string) (ExtensionID, error) {
	ev.mu.Lock()
	hit, ok := ev.cache[name]
	ev.mu.Unlock()
	if !ok || !hit.supported {
		return 0, fmt.Errorf("%w: %q", ErrUnknownExtension, name)
	}
	return hit.id, nil
}
