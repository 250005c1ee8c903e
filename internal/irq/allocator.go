package irq

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

var (
	ErrVectorsExhausted   = errors.New("irq: no free vectors")
	ErrVectorNotAllocated = errors.New("irq: vector not allocated")
)

// VectorAllocator hands out vectors from an inclusive range for message
// signaled interrupts. Vectors claimed by legacy routing are reserved up
// front so an MSI never shares a line with a wired interrupt.
type VectorAllocator struct {
	mu    sync.Mutex
	first uint32
	last  uint32
	used  *bitset.BitSet
}

// NewVectorAllocator manages vectors first..last inclusive.
func NewVectorAllocator(first, last uint32) (*VectorAllocator, error) {
	if last < first {
		return nil, fmt.Errorf("irq: vector range %d-%d is empty", first, last)
	}
	return &VectorAllocator{
		first: first,
		last:  last,
		used:  bitset.New(uint(last-first) + 1),
	}, nil
}

// Range returns the managed range.
func (a *VectorAllocator) Range() (first, last uint32) {
	return a.first, a.last
}

func (a *VectorAllocator) contains(v uint32) bool {
	return v >= a.first && v <= a.last
}

func (a *VectorAllocator) index(v uint32) uint { return uint(v - a.first) }

// Reserve marks v as in use. Vectors outside the range are ignored, as are
// vectors already reserved.
func (a *VectorAllocator) Reserve(v uint32) {
	if !a.contains(v) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used.Set(a.index(v))
}

// Allocate returns the lowest free vector.
func (a *VectorAllocator) Allocate() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, ok := a.used.NextClear(0)
	if !ok || idx > uint(a.last-a.first) {
		return 0, fmt.Errorf("%w in %d-%d", ErrVectorsExhausted, a.first, a.last)
	}
	a.used.Set(idx)
	return a.first + uint32(idx), nil
}

// Release returns an allocated vector to the pool.
func (a *VectorAllocator) Release(v uint32) error {
	if !a.contains(v) {
		return fmt.Errorf("%w: %d outside %d-%d", ErrVectorNotAllocated, v, a.first, a.last)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.used.Test(a.index(v)) {
		return fmt.Errorf("%w: %d", ErrVectorNotAllocated, v)
	}
	a.used.Clear(a.index(v))
	return nil
}

// InUse reports whether v is reserved or allocated.
func (a *VectorAllocator) InUse(v uint32) bool {
	if !a.contains(v) {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used.Test(a.index(v))
}

// Free returns how many vectors in the range are neither reserved nor allocated.
func (a *VectorAllocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(uint(a.last-a.first) + 1 - a.used.Count())
}
