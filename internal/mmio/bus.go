package mmio

import (
	"fmt"
	"sync"
)

// Mapper translates a physical range into an accessible Window.
type Mapper interface {
	Map(phys, size uint64) (*Window, error)
}

type binding struct {
	base uint64
	size uint64
	dev  Device
}

// Bus is a physical address map of emulated devices. Mapping a range that
// lies inside a registered region yields a device-backed window.
type Bus struct {
	mu       sync.Mutex
	bindings []binding
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Register claims [base, base+size) for dev.
func (b *Bus) Register(base, size uint64, dev Device) error {
	if dev == nil {
		return fmt.Errorf("mmio: device for region 0x%x size 0x%x is nil", base, size)
	}
	if size == 0 {
		return fmt.Errorf("mmio: region at 0x%x has zero size", base)
	}
	if base+size < base {
		return fmt.Errorf("mmio: region at 0x%x with size 0x%x overflows", base, size)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.bindings {
		if regionsOverlap(base, size, existing.base, existing.size) {
			return fmt.Errorf(
				"mmio: region 0x%x-0x%x overlaps existing region 0x%x-0x%x",
				base, base+size-1, existing.base, existing.base+existing.size-1)
		}
	}
	b.bindings = append(b.bindings, binding{base: base, size: size, dev: dev})
	return nil
}

// Move rebinds the region dev registered at from to start at to. The region
// keeps its size and must not overlap any other region at its new place.
func (b *Bus) Move(dev Device, from, to uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := -1
	for i, bd := range b.bindings {
		if bd.base == from && bd.dev == dev {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("mmio: no region at 0x%x for device", from)
	}
	size := b.bindings[idx].size
	if to+size < to {
		return fmt.Errorf("mmio: region at 0x%x with size 0x%x overflows", to, size)
	}
	for i, existing := range b.bindings {
		if i != idx && regionsOverlap(to, size, existing.base, existing.size) {
			return fmt.Errorf(
				"mmio: region 0x%x-0x%x overlaps existing region 0x%x-0x%x",
				to, to+size-1, existing.base, existing.base+existing.size-1)
		}
	}
	b.bindings[idx].base = to
	return nil
}

// Map implements Mapper.
func (b *Bus) Map(phys, size uint64) (*Window, error) {
	end := phys + size
	if end < phys {
		return nil, fmt.Errorf("mmio: map 0x%x size 0x%x overflows", phys, size)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bd := range b.bindings {
		if phys >= bd.base && end <= bd.base+bd.size {
			return NewDeviceWindow(phys, size, bd.dev), nil
		}
	}
	return nil, fmt.Errorf("mmio: no device backs 0x%x-0x%x", phys, end)
}

// ReadMMIO dispatches a read to the device owning addr.
func (b *Bus) ReadMMIO(addr uint64, data []byte) error {
	dev, err := b.lookup(addr, len(data))
	if err != nil {
		return err
	}
	return dev.ReadMMIO(addr, data)
}

// WriteMMIO dispatches a write to the device owning addr. Emulated devices
// use it to issue bus-master writes such as MSI messages.
func (b *Bus) WriteMMIO(addr uint64, data []byte) error {
	dev, err := b.lookup(addr, len(data))
	if err != nil {
		return err
	}
	return dev.WriteMMIO(addr, data)
}

func (b *Bus) lookup(addr uint64, length int) (Device, error) {
	end := addr + uint64(length)
	if end < addr {
		return nil, fmt.Errorf("mmio: access overflow at 0x%016x", addr)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bd := range b.bindings {
		if addr >= bd.base && end <= bd.base+bd.size {
			return bd.dev, nil
		}
	}
	return nil, fmt.Errorf("mmio: no handler for address 0x%016x", addr)
}

func regionsOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	endA := baseA + sizeA
	endB := baseB + sizeB
	return baseA < endB && baseB < endA
}

var (
	_ Mapper = (*Bus)(nil)
	_ Device = (*Bus)(nil)
)
