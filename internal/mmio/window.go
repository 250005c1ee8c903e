// Package mmio provides bounds-checked, ordered access to memory-mapped
// register windows.
package mmio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

var (
	ErrOutOfRange = errors.New("mmio: access outside window")
	ErrMisaligned = errors.New("mmio: misaligned access")
)

// Device handles accesses to an emulated register region. Addresses are
// physical; data is little-endian.
type Device interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// Window is a mapped register range. Every access is a single 32-bit
// transaction: memory-backed windows use atomic loads and stores so the
// compiler never caches, merges or reorders them, and device-backed windows
// forward each access to their Device.
//
// Memory-backed windows assume a little-endian host, matching PCI byte order.
type Window struct {
	base uint64
	size uint64

	mem []byte
	dev Device

	release func() error
}

// NewMemoryWindow wraps already-mapped memory located at physical address base.
func NewMemoryWindow(base uint64, mem []byte) *Window {
	return &Window{base: base, size: uint64(len(mem)), mem: mem}
}

// NewDeviceWindow returns a window whose accesses are served by dev.
func NewDeviceWindow(base, size uint64, dev Device) *Window {
	return &Window{base: base, size: size, dev: dev}
}

// Base returns the physical address of the first byte of the window.
func (w *Window) Base() uint64 { return w.base }

// Size returns the window length in bytes.
func (w *Window) Size() uint64 { return w.size }

func (w *Window) check(off uint64) error {
	if off%4 != 0 {
		return fmt.Errorf("%w: offset 0x%x", ErrMisaligned, off)
	}
	if off >= w.size || w.size-off < 4 {
		return fmt.Errorf("%w: offset 0x%x, window 0x%x+0x%x", ErrOutOfRange, off, w.base, w.size)
	}
	return nil
}

// Read32 performs one 32-bit load at off.
func (w *Window) Read32(off uint64) (uint32, error) {
	if err := w.check(off); err != nil {
		return 0, err
	}
	if w.mem != nil {
		return atomic.LoadUint32((*uint32)(unsafe.Pointer(&w.mem[off]))), nil
	}
	var buf [4]byte
	if err := w.dev.ReadMMIO(w.base+off, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Write32 performs one 32-bit store at off.
func (w *Window) Write32(off uint64, value uint32) error {
	if err := w.check(off); err != nil {
		return err
	}
	if w.mem != nil {
		atomic.StoreUint32((*uint32)(unsafe.Pointer(&w.mem[off])), value)
		return nil
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return w.dev.WriteMMIO(w.base+off, buf[:])
}

// Slice returns a sub-window covering [off, off+size). The sub-window shares
// the parent's backing and does not own it.
func (w *Window) Slice(off, size uint64) (*Window, error) {
	if off > w.size || size > w.size-off {
		return nil, fmt.Errorf("%w: slice 0x%x+0x%x of window 0x%x+0x%x", ErrOutOfRange, off, size, w.base, w.size)
	}
	sub := &Window{base: w.base + off, size: size, dev: w.dev}
	if w.mem != nil {
		sub.mem = w.mem[off : off+size : off+size]
	}
	return sub, nil
}

// Close releases the mapping if the window owns one.
func (w *Window) Close() error {
	if w.release == nil {
		return nil
	}
	release := w.release
	w.release = nil
	w.mem = nil
	return release()
}
