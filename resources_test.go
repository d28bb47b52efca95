package renderhost

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestResourceAllocatorNeverReuses(t *testing.T) {
	ra := newResourceAllocator()

	seen := make(map[ResourceID]struct{})
	for i := 0; i < 100; i++ {
		for _, kind := range []ResourceKind{KindWindow, KindFont, KindImage, KindSurface} {
			id := ra.allocate(kind)
			if id.Kind != kind {
				t.Fatalf("allocate(%v) minted kind %v", kind, id.Kind)
			}
			if _, dup := seen[id]; dup {
				t.Fatalf("id %v minted twice", id)
			}
			seen[id] = struct{}{}
		}
	}
}

func TestResourceAllocatorKindsAreIndependent(t *testing.T) {
	ra := newResourceAllocator()

	// Same numeric value under different kinds names different entities.
	w := ra.allocate(KindWindow)
	f := ra.allocate(KindFont)
	if w.Value != 1 || f.Value != 1 {
		t.Fatalf("first ids = %v, %v; counters are not per kind", w, f)
	}
	if w == f {
		t.Fatal("window and font ids compare equal")
	}
}

func TestResourceAllocateOverChannel(t *testing.T) {
	ch, _ := startHostChannel(t, nil)
	view := newResourceView(ch.Incarnation())

	a, err := view.Allocate(context.Background(), ch, KindWindow)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	b, err := view.Allocate(context.Background(), ch, KindWindow)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if a == b {
		t.Errorf("host minted the same id twice: %v", a)
	}

	if !view.IsValid(a, ch.Incarnation()) {
		t.Errorf("freshly minted id %v reported invalid", a)
	}
	if view.IsValid(a, uuid.New()) {
		t.Errorf("id %v reported valid for a foreign incarnation", a)
	}
	if view.IsValid(ResourceID{Kind: KindWindow, Value: 999}, ch.Incarnation()) {
		t.Error("unminted id reported valid")
	}
}
