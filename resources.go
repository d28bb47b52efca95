package renderhost

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ResourceKind partitions the resource namespace. The kind tag is part of the
// identifier's type: a font id and a window id with the same numeric value
// name different entities.
type ResourceKind uint8

const (
	KindWindow ResourceKind = iota + 1
	KindFont
	KindImage
	KindSurface
)

func (k ResourceKind) String() string {
	switch k {
	case KindWindow:
		return "window"
	case KindFont:
		return "font"
	case KindImage:
		return "image"
	case KindSurface:
		return "surface"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ResourceID names an entity created by the render host. It is only
// meaningful together with the incarnation that minted it: after a crash,
// every id from the dead incarnation is invalid even if a later incarnation
// happens to mint the same numeric value.
type ResourceID struct {
	Kind  ResourceKind `msgpack:"kind"`
	Value uint64       `msgpack:"value"`
}

func (id ResourceID) String() string {
	return fmt.Sprintf("%s/%d", id.Kind, id.Value)
}

// resourceAllocator is the host-side minting authority: one monotonically
// increasing counter per kind, never reused and never recycled for the
// lifetime of the incarnation. Counters start over in the next incarnation,
// which is why ids must always be paired with the incarnation token.
type resourceAllocator struct {
	mu       sync.Mutex
	counters map[ResourceKind]uint64
}

func newResourceAllocator() *resourceAllocator {
	return &resourceAllocator{counters: make(map[ResourceKind]uint64)}
}

// allocate mints the next identifier of the given kind.
func (ra *resourceAllocator) allocate(kind ResourceKind) ResourceID {
	ra.mu.Lock()
	ra.counters[kind]++
	id := ResourceID{Kind: kind, Value: ra.counters[kind]}
	ra.mu.Unlock()
	return id
}

// ResourceView is the application-side record of identifiers minted by one
// incarnation. It is a cache keyed by incarnation identity: the channel
// reader records each id as the allocation response is processed, and the
// whole view is discarded when the incarnation dies.
type ResourceView struct {
	incarnation uuid.UUID

	mu    sync.Mutex
	known map[ResourceID]struct{}
}

func newResourceView(incarnation uuid.UUID) *ResourceView {
	return &ResourceView{
		incarnation: incarnation,
		known:       make(map[ResourceID]struct{}),
	}
}

// record is called by the channel reader when an allocation response is
// processed.
func (rv *ResourceView) record(id ResourceID) {
	rv.mu.Lock()
	rv.known[id] = struct{}{}
	rv.mu.Unlock()
}

// IsValid reports whether id was minted by the given incarnation and that
// incarnation is the one this view belongs to. Ids from any other
// incarnation are invalid regardless of numeric value.
func (rv *ResourceView) IsValid(id ResourceID, incarnation uuid.UUID) bool {
	if incarnation != rv.incarnation {
		return false
	}
	rv.mu.Lock()
	_, ok := rv.known[id]
	rv.mu.Unlock()
	return ok
}

// Allocate asks the render host to mint a fresh identifier of the given
// kind. The host is the sole minting authority; the returned id is recorded
// in the view by the channel reader before this call returns.
func (rv *ResourceView) Allocate(ctx context.Context, c *Channel, kind ResourceKind) (ResourceID, error) {
	ser := c.ser
	req, err := ser.Marshal(&allocateRequest{Kind: kind})
	if err != nil {
		return ResourceID{}, fmt.Errorf("encode allocate request: %w", err)
	}

	var out allocateResponse
	var decodeErr error
	_, err = c.call(ctx, methodAllocate, req, func(data []byte) {
		if decodeErr = ser.Unmarshal(data, &out); decodeErr != nil {
			return
		}
		rv.record(out.ID)
	})
	if err != nil {
		return ResourceID{}, err
	}
	if decodeErr != nil {
		return ResourceID{}, fmt.Errorf("%w: %v", ErrMalformedFrame, decodeErr)
	}
	return out.ID, nil
}
