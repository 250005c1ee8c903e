package pci

import (
	"errors"
	"fmt"
)

var ErrUnsupportedBAR = errors.New("pci: unsupported BAR type")

// BARKind is the decoded type of a base address register.
type BARKind uint8

const (
	BARUnused BARKind = iota
	BARIO
	BARMemory32
	BARMemory64
	BARReserved
)

func (k BARKind) String() string {
	switch k {
	case BARUnused:
		return "unused"
	case BARIO:
		return "io"
	case BARMemory32:
		return "mem32"
	case BARMemory64:
		return "mem64"
	default:
		return "reserved"
	}
}

const (
	NumBARs = 6

	barIOSpace      = 0x1
	barTypeMask     = 0x6
	barType32       = 0x0
	barType64       = 0x4
	barPrefetchable = 0x8
)

// BAR is a decoded base address register.
type BAR struct {
	Kind         BARKind
	Address      uint64
	Prefetchable bool
}

// DecodeBAR decodes a BAR from its low dword and, for 64-bit memory BARs, the
// following dword holding address bits 32..63.
func DecodeBAR(lo, hi uint32) BAR {
	if lo&barIOSpace != 0 {
		return BAR{Kind: BARIO, Address: uint64(lo &^ 0x3)}
	}
	prefetch := lo&barPrefetchable != 0
	switch lo & barTypeMask {
	case barType32:
		return BAR{Kind: BARMemory32, Address: uint64(lo &^ 0xf), Prefetchable: prefetch}
	case barType64:
		return BAR{Kind: BARMemory64, Address: uint64(hi)<<32 | uint64(lo&^0xf), Prefetchable: prefetch}
	default:
		return BAR{Kind: BARReserved}
	}
}

// ReadBAR reads and decodes BAR index of fn.
func (c *ConfigSpace) ReadBAR(fn Address, index int) (BAR, error) {
	if index < 0 || index >= NumBARs {
		return BAR{}, fmt.Errorf("pci: BAR index %d out of range", index)
	}
	reg := uint16(RegBAR0 + 4*index)
	lo, err := c.Read(fn, reg)
	if err != nil {
		return BAR{}, err
	}
	if lo == 0 {
		return BAR{Kind: BARUnused}, nil
	}
	var hi uint32
	if lo&barIOSpace == 0 && lo&barTypeMask == barType64 {
		if index+1 >= NumBARs {
			return BAR{}, fmt.Errorf("%w: 64-bit BAR %d of %s has no upper half", ErrUnsupportedBAR, index, fn)
		}
		if hi, err = c.Read(fn, reg+4); err != nil {
			return BAR{}, err
		}
	}
	return DecodeBAR(lo, hi), nil
}

// Offset returns the physical address of offset bytes into a memory BAR.
func (b BAR) Offset(offset uint32) (uint64, error) {
	switch b.Kind {
	case BARMemory32:
		return uint64(uint32(b.Address) + offset), nil
	case BARMemory64:
		return b.Address + uint64(offset), nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedBAR, b.Kind)
	}
}

func (b BAR) String() string {
	return fmt.Sprintf("%s@0x%x", b.Kind, b.Address)
}
