package pci

import (
	"errors"
	"fmt"

	"github.com/tinyrange/pcirq/internal/mmio"
)

// Type 0 header register offsets.
const (
	RegVendorID      = 0x00
	RegCommand       = 0x04
	RegStatus        = 0x06
	RegHeaderType    = 0x0e
	RegBAR0          = 0x10
	RegCapabilities  = 0x34
	RegInterruptLine = 0x3c
	RegInterruptPin  = 0x3d

	statusCapabilityList = 1 << 4
)

var ErrBadRegister = errors.New("pci: invalid configuration register")

// ConfigSpace reads and writes function configuration registers through an
// ECAM window. Each call is exactly one 32-bit bus transaction.
type ConfigSpace struct {
	window *mmio.Window
}

// NewConfigSpace wraps an ECAM window whose first byte is bus 0.
func NewConfigSpace(window *mmio.Window) *ConfigSpace {
	return &ConfigSpace{window: window}
}

// Window returns the underlying ECAM window.
func (c *ConfigSpace) Window() *mmio.Window { return c.window }

// Buses returns how many buses the window covers.
func (c *ConfigSpace) Buses() int {
	return int(c.window.Size() / BusSize)
}

func (c *ConfigSpace) offset(fn Address, reg uint16, align uint16) (uint64, error) {
	if !fn.Valid() {
		return 0, fmt.Errorf("%w: function %s", ErrBadRegister, fn)
	}
	if reg >= ConfigSpaceSize || reg%align != 0 {
		return 0, fmt.Errorf("%w: offset 0x%x of %s", ErrBadRegister, reg, fn)
	}
	return fn.ECAMOffset() + uint64(reg), nil
}

// Read returns the 32-bit register at reg, which must be 4-byte aligned.
func (c *ConfigSpace) Read(fn Address, reg uint16) (uint32, error) {
	off, err := c.offset(fn, reg, 4)
	if err != nil {
		return 0, err
	}
	v, err := c.window.Read32(off)
	if err != nil {
		return 0, fmt.Errorf("pci: read %s+0x%x: %w", fn, reg, err)
	}
	return v, nil
}

// Write stores value to the 32-bit register at reg, which must be 4-byte aligned.
func (c *ConfigSpace) Write(fn Address, reg uint16, value uint32) error {
	off, err := c.offset(fn, reg, 4)
	if err != nil {
		return err
	}
	if err := c.window.Write32(off, value); err != nil {
		return fmt.Errorf("pci: write %s+0x%x: %w", fn, reg, err)
	}
	return nil
}

// Read16 returns the 16-bit register at reg, which must be 2-byte aligned.
func (c *ConfigSpace) Read16(fn Address, reg uint16) (uint16, error) {
	if reg%2 != 0 {
		return 0, fmt.Errorf("%w: offset 0x%x of %s", ErrBadRegister, reg, fn)
	}
	v, err := c.Read(fn, reg&^3)
	if err != nil {
		return 0, err
	}
	return uint16(v >> ((reg & 2) * 8)), nil
}

// Read8 returns the byte register at reg.
func (c *ConfigSpace) Read8(fn Address, reg uint16) (uint8, error) {
	v, err := c.Read(fn, reg&^3)
	if err != nil {
		return 0, err
	}
	return uint8(v >> ((reg & 3) * 8)), nil
}

// Write16 updates the 16-bit register at reg with a read-modify-write of the
// containing dword. The other half is written back as read, so Write16 must
// not be used next to write-one-to-clear bits such as the status register.
func (c *ConfigSpace) Write16(fn Address, reg uint16, value uint16) error {
	if reg%2 != 0 {
		return fmt.Errorf("%w: offset 0x%x of %s", ErrBadRegister, reg, fn)
	}
	aligned := reg &^ 3
	cur, err := c.Read(fn, aligned)
	if err != nil {
		return err
	}
	shift := (reg & 2) * 8
	cur = cur&^(0xffff<<shift) | uint32(value)<<shift
	return c.Write(fn, aligned, cur)
}

// Present reports whether a function responds at fn.
func (c *ConfigSpace) Present(fn Address) (bool, error) {
	id, err := c.Read(fn, RegVendorID)
	if err != nil {
		return false, err
	}
	return id&0xffff != 0xffff, nil
}
