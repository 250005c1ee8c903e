package irq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestEventCountsSignals(t *testing.T) {
	ev := NewEvent()
	if ev.TryWait() {
		t.Fatalf("fresh event already signaled")
	}
	ev.Signal()
	ev.Signal()
	if got := ev.Pending(); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}
	if !ev.TryWait() || !ev.TryWait() {
		t.Fatalf("expected two successful TryWait calls")
	}
	if ev.TryWait() {
		t.Fatalf("third TryWait succeeded")
	}
	if got := ev.Signaled(); got != 2 {
		t.Fatalf("signaled = %d, want 2", got)
	}
}

func TestEventWaitWakesOnSignal(t *testing.T) {
	ev := NewEvent()
	done := make(chan error, 1)
	go func() {
		done <- ev.Wait(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	ev.Signal()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("waiter was not woken")
	}
}

func TestEventWaitHonoursContext(t *testing.T) {
	ev := NewEvent()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := ev.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want deadline exceeded", err)
	}
}

func TestRoutingTableSignalsOnlyRegisteredEvents(t *testing.T) {
	table := NewRoutingTable()
	if !table.EnsureVector(0x2a) {
		t.Fatalf("EnsureVector reported existing entry")
	}
	if table.EnsureVector(0x2a) {
		t.Fatalf("EnsureVector inserted twice")
	}

	a, b, other := NewEvent(), NewEvent(), NewEvent()
	table.RegisterWaiter(0x2a, a)
	table.RegisterWaiter(0x2a, b)
	table.RegisterWaiter(0x2b, other)

	if got := table.SignalAll(0x2a); got != 2 {
		t.Fatalf("SignalAll = %d, want 2", got)
	}
	if a.Pending() != 1 || b.Pending() != 1 {
		t.Fatalf("shared vector: pending a=%d b=%d, want 1 each", a.Pending(), b.Pending())
	}
	if other.Pending() != 0 {
		t.Fatalf("event on another vector was signaled")
	}
}

func TestDispatchUnmappedVectorIsNoop(t *testing.T) {
	table := NewRoutingTable()
	table.EnsureVector(5)

	table.Dispatch(99)
	table.Dispatch(5)

	if table.HasVector(99) {
		t.Fatalf("dispatch created an entry for an unmapped vector")
	}
	if got := table.Vectors(); len(got) != 1 || got[0] != 5 {
		t.Fatalf("vectors = %v, want [5]", got)
	}

	allocs := testing.AllocsPerRun(100, func() { table.Dispatch(99) })
	if allocs != 0 {
		t.Fatalf("dispatch of unmapped vector allocated %v times", allocs)
	}
}

func TestUnregisterWaiterKeepsVector(t *testing.T) {
	table := NewRoutingTable()
	a, b := NewEvent(), NewEvent()
	table.RegisterWaiter(7, a)
	table.RegisterWaiter(7, b)

	remaining, found := table.UnregisterWaiter(7, a)
	if !found || remaining != 1 {
		t.Fatalf("UnregisterWaiter = (%d, %v), want (1, true)", remaining, found)
	}
	if _, found := table.UnregisterWaiter(7, a); found {
		t.Fatalf("second unregister found the event again")
	}
	table.Dispatch(7)
	if a.Pending() != 0 || b.Pending() != 1 {
		t.Fatalf("pending a=%d b=%d, want 0 and 1", a.Pending(), b.Pending())
	}
	if !table.HasVector(7) {
		t.Fatalf("vector entry removed")
	}
}

func TestDispatchRacesRegistration(t *testing.T) {
	table := NewRoutingTable()
	table.EnsureVector(1)

	var wg sync.WaitGroup
	events := make([]*Event, 64)
	for i := range events {
		events[i] = NewEvent()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, ev := range events {
			table.RegisterWaiter(1, ev)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			table.Dispatch(1)
		}
	}()
	wg.Wait()

	table.Dispatch(1)
	for i, ev := range events {
		if ev.Signaled() == 0 {
			t.Fatalf("event %d never signaled", i)
		}
	}
}

func TestVectorAllocator(t *testing.T) {
	a, err := NewVectorAllocator(32, 35)
	if err != nil {
		t.Fatalf("NewVectorAllocator: %v", err)
	}
	a.Reserve(33)
	a.Reserve(200)
	if got, want := a.Free(), 3; got != want {
		t.Fatalf("free = %d, want %d", got, want)
	}

	var got []uint32
	for i := 0; i < 3; i++ {
		v, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		got = append(got, v)
	}
	want := []uint32{32, 34, 35}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("allocated %v, want %v", got, want)
		}
	}
	if _, err := a.Allocate(); !errors.Is(err, ErrVectorsExhausted) {
		t.Fatalf("Allocate on full range: err = %v", err)
	}

	if err := a.Release(34); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := a.Release(34); !errors.Is(err, ErrVectorNotAllocated) {
		t.Fatalf("double release: err = %v", err)
	}
	if v, err := a.Allocate(); err != nil || v != 34 {
		t.Fatalf("Allocate after release = (%d, %v), want 34", v, err)
	}
}

func TestVectorAllocatorSpansWords(t *testing.T) {
	a, err := NewVectorAllocator(0, 129)
	if err != nil {
		t.Fatalf("NewVectorAllocator: %v", err)
	}
	for v := uint32(0); v < 128; v++ {
		a.Reserve(v)
	}
	if v, err := a.Allocate(); err != nil || v != 128 {
		t.Fatalf("Allocate = (%d, %v), want 128", v, err)
	}
	if v, err := a.Allocate(); err != nil || v != 129 {
		t.Fatalf("Allocate = (%d, %v), want 129", v, err)
	}
	if _, err := a.Allocate(); !errors.Is(err, ErrVectorsExhausted) {
		t.Fatalf("err = %v, want ErrVectorsExhausted", err)
	}
	if _, err := NewVectorAllocator(10, 9); err == nil {
		t.Fatalf("empty range accepted")
	}
}
