//go:build linux

package mmio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DefaultDevMemPath is the character device exposing physical memory.
const DefaultDevMemPath = "/dev/mem"

// DevMem maps physical ranges through a physical-memory character device.
type DevMem struct {
	Path string
}

// Map implements Mapper. The returned window owns its mapping; Close unmaps it.
func (d DevMem) Map(phys, size uint64) (*Window, error) {
	if size == 0 {
		return nil, fmt.Errorf("mmio: map of zero bytes at 0x%x", phys)
	}
	path := d.Path
	if path == "" {
		path = DefaultDevMemPath
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("mmio: open %s: %w", path, err)
	}
	// The mapping stays valid after the descriptor is closed.
	defer f.Close()

	pageSize := uint64(unix.Getpagesize())
	start := phys &^ (pageSize - 1)
	lead := phys - start
	length := (lead + size + pageSize - 1) &^ (pageSize - 1)

	mem, err := unix.Mmap(int(f.Fd()), int64(start), int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmio: mmap 0x%x+0x%x from %s: %w", start, length, path, err)
	}

	w := NewMemoryWindow(phys, mem[lead:lead+size:lead+size])
	w.release = func() error {
		return unix.Munmap(mem)
	}
	return w, nil
}

var _ Mapper = DevMem{}
