package irq

import (
	"slices"
	"sync"
)

// RoutingTable maps platform vectors to the events registered for them. The
// set of vectors only grows; UnregisterWaiter removes events but keeps the
// vector entry.
//
// A single mutex serialises lookups and mutations, so Dispatch observes an
// entry either before or after a concurrent RegisterWaiter, never halfway.
type RoutingTable struct {
	mu      sync.Mutex
	entries map[uint32][]*Event
}

// NewRoutingTable returns an empty table.
func NewRoutingTable() *RoutingTable {
	return &RoutingTable{entries: make(map[uint32][]*Event)}
}

// EnsureVector adds an empty entry for vector if none exists and reports
// whether it did.
func (t *RoutingTable) EnsureVector(vector uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[vector]; ok {
		return false
	}
	t.entries[vector] = nil
	return true
}

// RegisterWaiter appends ev to the entry for vector, creating the entry if needed.
func (t *RoutingTable) RegisterWaiter(vector uint32, ev *Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[vector] = append(t.entries[vector], ev)
}

// UnregisterWaiter removes ev from the entry for vector. It returns the number
// of events still registered on vector and whether ev was found.
func (t *RoutingTable) UnregisterWaiter(vector uint32, ev *Event) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	events, ok := t.entries[vector]
	if !ok {
		return 0, false
	}
	idx := slices.Index(events, ev)
	if idx < 0 {
		return len(events), false
	}
	events = slices.Delete(events, idx, idx+1)
	t.entries[vector] = events
	return len(events), true
}

// SignalAll signals every event registered on vector exactly once and returns
// how many were signaled. An unknown vector is not an error.
func (t *RoutingTable) SignalAll(vector uint32) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	events := t.entries[vector]
	for _, ev := range events {
		ev.Signal()
	}
	return len(events)
}

// Dispatch is the Handler bound to every routed vector. Interrupts for
// vectors nobody waits on are dropped.
func (t *RoutingTable) Dispatch(vector uint32) {
	t.SignalAll(vector)
}

// HasVector reports whether vector has an entry.
func (t *RoutingTable) HasVector(vector uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[vector]
	return ok
}

// Waiters returns the number of events registered on vector.
func (t *RoutingTable) Waiters(vector uint32) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries[vector])
}

// Vectors returns every vector with an entry, in ascending order.
func (t *RoutingTable) Vectors() []uint32 {
	t.mu.Lock()
	vectors := make([]uint32, 0, len(t.entries))
	for v := range t.entries {
		vectors = append(vectors, v)
	}
	t.mu.Unlock()
	slices.Sort(vectors)
	return vectors
}
