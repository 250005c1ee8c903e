//go:build !linux

package mmio

import (
	"fmt"
	"runtime"
)

// DefaultDevMemPath is the character device exposing physical memory.
const DefaultDevMemPath = "/dev/mem"

// DevMem maps physical ranges through a physical-memory character device.
// It is only implemented on Linux.
type DevMem struct {
	Path string
}

// Map implements Mapper.
func (d DevMem) Map(phys, size uint64) (*Window, error) {
	return nil, fmt.Errorf("mmio: physical memory mapping is not supported on %s", runtime.GOOS)
}

var _ Mapper = DevMem{}
