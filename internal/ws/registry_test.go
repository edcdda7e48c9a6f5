package ws

import (
	"fmt"
	"testing"
	"time"
)

func TestRegistryCapacity(t *testing.T) {
	r := NewRegistry(2)

	if err := r.Add(newClient("a", nil)); err != nil {
		t.Fatalf("Add(a) error = %v", err)
	}
	if err := r.Add(newClient("b", nil)); err != nil {
		t.Fatalf("Add(b) error = %v", err)
	}
	if err := r.Add(newClient("c", nil)); err == nil {
		t.Error("Add beyond capacity succeeded")
	}
	if got := r.ActiveCount(); got != 2 {
		t.Errorf("ActiveCount() = %d, want 2", got)
	}

	// A freed slot is reusable.
	if !r.Remove("a") {
		t.Error("Remove(a) = false")
	}
	if err := r.Add(newClient("c", nil)); err != nil {
		t.Errorf("Add(c) after Remove error = %v", err)
	}
}

func TestRegistryDuplicateID(t *testing.T) {
	r := NewRegistry(4)
	if err := r.Add(newClient("a", nil)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := r.Add(newClient("a", nil)); err == nil {
		t.Error("duplicate session id accepted")
	}
}

func TestRegistryRemoveUnknown(t *testing.T) {
	r := NewRegistry(2)
	if r.Remove("ghost") {
		t.Error("Remove of unknown id reported true")
	}
}

func TestRegistryOccupancySignals(t *testing.T) {
	r := NewRegistry(4)
	nonEmpty, empty := 0, 0
	r.SetSignals(func() { nonEmpty++ }, func() { empty++ })

	// 0→1 fires once; the second add does not.
	_ = r.Add(newClient("a", nil))
	_ = r.Add(newClient("b", nil))
	if nonEmpty != 1 {
		t.Errorf("onNonEmpty fired %d times, want 1", nonEmpty)
	}

	// 2→1 is silent; 1→0 fires.
	r.Remove("a")
	if empty != 0 {
		t.Errorf("onEmpty fired early (%d times)", empty)
	}
	r.Remove("b")
	if empty != 1 {
		t.Errorf("onEmpty fired %d times, want 1", empty)
	}

	// The cycle repeats.
	_ = r.Add(newClient("c", nil))
	if nonEmpty != 2 {
		t.Errorf("onNonEmpty fired %d times after refill, want 2", nonEmpty)
	}
}

func TestRegistryPrune(t *testing.T) {
	r := NewRegistry(4)
	empty := 0
	r.SetSignals(nil, func() { empty++ })

	base := time.Now()
	clock := base
	r.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		if err := r.Add(newClient(fmt.Sprintf("c%d", i), nil)); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	// Keep one session fresh, let the rest age out.
	clock = base.Add(2 * time.Minute)
	r.Touch("c1")

	pruned := r.Prune(90 * time.Second)
	if len(pruned) != 2 {
		t.Fatalf("pruned %d sessions, want 2", len(pruned))
	}
	for _, c := range pruned {
		if c.id == "c1" {
			t.Error("fresh session was pruned")
		}
	}
	if got := r.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount() after prune = %d, want 1", got)
	}
	if empty != 0 {
		t.Error("onEmpty fired while a session survived")
	}

	// Pruning the survivor empties the table and fires the signal.
	clock = clock.Add(2 * time.Minute)
	if got := len(r.Prune(90 * time.Second)); got != 1 {
		t.Fatalf("second prune removed %d, want 1", got)
	}
	if empty != 1 {
		t.Errorf("onEmpty fired %d times, want 1", empty)
	}
}
