package irq

import (
	"context"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/waiter"
)

// Event is a signalable wait-object. Signals are counted: every Signal makes
// exactly one subsequent Wait or TryWait return without blocking.
//
// An Event is shared between the routing table, which signals it from
// interrupt dispatch, and the driver that waits on it.
type Event struct {
	queue   waiter.Queue
	pending atomic.Uint64
	total   atomic.Uint64
}

// NewEvent returns an unsignaled event.
func NewEvent() *Event {
	return &Event{}
}

// Signal records one occurrence and wakes all waiters. It never blocks and
// does not allocate.
func (e *Event) Signal() {
	e.pending.Add(1)
	e.total.Add(1)
	e.queue.Notify(waiter.EventIn)
}

// TryWait consumes one pending signal if there is one.
func (e *Event) TryWait() bool {
	for {
		n := e.pending.Load()
		if n == 0 {
			return false
		}
		if e.pending.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// Wait blocks until a signal is available or ctx is done.
func (e *Event) Wait(ctx context.Context) error {
	if e.TryWait() {
		return nil
	}

	entry, ch := waiter.NewChannelEntry(waiter.EventIn)
	e.queue.EventRegister(&entry)
	defer e.queue.EventUnregister(&entry)

	for {
		// Re-check after registering so a Signal between the first check and
		// registration is not lost.
		if e.TryWait() {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pending returns the number of signals not yet consumed.
func (e *Event) Pending() uint64 {
	return e.pending.Load()
}

// Signaled returns the number of times the event has been signaled.
func (e *Event) Signaled() uint64 {
	return e.total.Load()
}
