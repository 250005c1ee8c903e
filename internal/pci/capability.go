package pci

import (
	"errors"
	"fmt"
)

const (
	CapabilityMSI  = 0x05
	CapabilityMSIX = 0x11

	// maxCapabilities bounds the capability list walk; 48 entries of the
	// minimum size fill the 192 bytes above the type 0 header.
	maxCapabilities = 48
)

// MSI message control bits.
const (
	msiEnable           = 1 << 0
	msiMultipleEnable   = 0x7 << 4
	msi64Bit            = 1 << 7
	msiPerVectorMasking = 1 << 8
)

// MSI-X message control bits.
const (
	msixTableSizeMask = 0x7ff
	msixFunctionMask  = 1 << 14
	msixEnable        = 1 << 15
	msixBIRMask       = 0x7

	// MSIXEntrySize is the size of one MSI-X table entry.
	MSIXEntrySize = 16

	// Vector control bit 0 masks an MSI-X table entry.
	msixEntryMasked = 1 << 0
)

var ErrCapabilityNotFound = errors.New("pci: capability not found")

// FindCapability walks the capability list of fn and returns the
// configuration offset of the first capability with the given ID.
func (c *ConfigSpace) FindCapability(fn Address, id uint8) (uint16, error) {
	status, err := c.Read16(fn, RegStatus)
	if err != nil {
		return 0, err
	}
	if status&statusCapabilityList == 0 {
		return 0, fmt.Errorf("%w: %s has no capability list", ErrCapabilityNotFound, fn)
	}
	ptr, err := c.Read8(fn, RegCapabilities)
	if err != nil {
		return 0, err
	}
	for i := 0; i < maxCapabilities && ptr >= 0x40; i++ {
		off := uint16(ptr &^ 0x3)
		hdr, err := c.Read(fn, off)
		if err != nil {
			return 0, err
		}
		if uint8(hdr) == id {
			return off, nil
		}
		ptr = uint8(hdr >> 8)
	}
	return 0, fmt.Errorf("%w: %s has no capability 0x%02x", ErrCapabilityNotFound, fn, id)
}

// MSICapability is a snapshot of a function's MSI capability. It is passed
// by value; configuration returns the updated snapshot instead of editing
// the caller's copy.
type MSICapability struct {
	Offset         uint16
	Control        uint16
	MessageAddress uint64
	MessageData    uint16
}

func (m MSICapability) Enabled() bool { return m.Control&msiEnable != 0 }
func (m MSICapability) Is64Bit() bool { return m.Control&msi64Bit != 0 }
func (m MSICapability) PerVectorMasking() bool { return m.Control&msiPerVectorMasking != 0 }

// MultipleMessageCapable returns how many vectors the function can request.
func (m MSICapability) MultipleMessageCapable() int {
	return 1 << ((m.Control >> 1) & 0x7)
}

func (m MSICapability) controlOffset() uint16 { return m.Offset + 0x02 }
func (m MSICapability) addressOffset() uint16 { return m.Offset + 0x04 }

func (m MSICapability) dataOffset() uint16 {
	if m.Is64Bit() {
		return m.Offset + 0x0c
	}
	return m.Offset + 0x08
}

// ReadMSICapability locates and reads the MSI capability of fn.
func (c *ConfigSpace) ReadMSICapability(fn Address) (MSICapability, error) {
	off, err := c.FindCapability(fn, CapabilityMSI)
	if err != nil {
		return MSICapability{}, err
	}
	m := MSICapability{Offset: off}
	if m.Control, err = c.Read16(fn, m.controlOffset()); err != nil {
		return MSICapability{}, err
	}
	lo, err := c.Read(fn, m.addressOffset())
	if err != nil {
		return MSICapability{}, err
	}
	m.MessageAddress = uint64(lo)
	if m.Is64Bit() {
		hi, err := c.Read(fn, m.Offset+0x08)
		if err != nil {
			return MSICapability{}, err
		}
		m.MessageAddress |= uint64(hi) << 32
	}
	if m.MessageData, err = c.Read16(fn, m.dataOffset()); err != nil {
		return MSICapability{}, err
	}
	return m, nil
}

// MSIXCapability is a snapshot of a function's MSI-X capability.
type MSIXCapability struct {
	Offset  uint16
	Control uint16
	Table   uint32
	PBA     uint32
}

func (m MSIXCapability) Enabled() bool { return m.Control&msixEnable != 0 }
func (m MSIXCapability) FunctionMasked() bool { return m.Control&msixFunctionMask != 0 }

// TableSize returns the number of entries in the MSI-X table.
func (m MSIXCapability) TableSize() int { return int(m.Control&msixTableSizeMask) + 1 }

// TableBIR returns the index of the BAR holding the MSI-X table.
func (m MSIXCapability) TableBIR() int { return int(m.Table & msixBIRMask) }

// TableOffset returns the offset of the MSI-X table within its BAR.
func (m MSIXCapability) TableOffset() uint32 { return m.Table &^ msixBIRMask }

func (m MSIXCapability) PBABIR() int { return int(m.PBA & msixBIRMask) }
func (m MSIXCapability) PBAOffset() uint32 { return m.PBA &^ msixBIRMask }

func (m MSIXCapability) controlOffset() uint16 { return m.Offset + 0x02 }

// ReadMSIXCapability locates and reads the MSI-X capability of fn.
func (c *ConfigSpace) ReadMSIXCapability(fn Address) (MSIXCapability, error) {
	off, err := c.FindCapability(fn, CapabilityMSIX)
	if err != nil {
		return MSIXCapability{}, err
	}
	m := MSIXCapability{Offset: off}
	if m.Control, err = c.Read16(fn, m.controlOffset()); err != nil {
		return MSIXCapability{}, err
	}
	if m.Table, err = c.Read(fn, off+0x04); err != nil {
		return MSIXCapability{}, err
	}
	if m.PBA, err = c.Read(fn, off+0x08); err != nil {
		return MSIXCapability{}, err
	}
	return m, nil
}
