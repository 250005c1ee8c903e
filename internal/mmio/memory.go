package mmio

import "fmt"

// Memory is a Mapper over one ordinary, contiguous buffer standing in for a
// range of physical address space.
type Memory struct {
	base uint64
	buf  []byte
}

// NewMemory allocates size bytes of backing for physical range [base, base+size).
func NewMemory(base, size uint64) *Memory {
	return &Memory{base: base, buf: make([]byte, size)}
}

// Map implements Mapper.
func (m *Memory) Map(phys, size uint64) (*Window, error) {
	if phys < m.base || phys-m.base > uint64(len(m.buf)) || size > uint64(len(m.buf))-(phys-m.base) {
		return nil, fmt.Errorf("%w: map 0x%x+0x%x outside memory 0x%x+0x%x", ErrOutOfRange, phys, size, m.base, len(m.buf))
	}
	off := phys - m.base
	return NewMemoryWindow(phys, m.buf[off:off+size:off+size]), nil
}

var _ Mapper = (*Memory)(nil)
