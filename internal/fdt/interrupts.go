package fdt

import "fmt"

// InterruptMapEntry is one decoded record of an interrupt-map property.
type InterruptMapEntry struct {
	ChildAddress    []uint32
	ChildSpecifier  []uint32
	ParentPhandle   uint32
	ParentAddress   []uint32
	ParentSpecifier []uint32
}

// ChildAddressHi returns the first cell of the child unit address. For PCI
// nexus nodes it carries the bit-packed bus/device/function number.
func (e InterruptMapEntry) ChildAddressHi() uint32 {
	if len(e.ChildAddress) == 0 {
		return 0
	}
	return e.ChildAddress[0]
}

// ChildInterrupt returns the first cell of the child interrupt specifier.
func (e InterruptMapEntry) ChildInterrupt() uint32 {
	if len(e.ChildSpecifier) == 0 {
		return 0
	}
	return e.ChildSpecifier[0]
}

// ParentSpecifier64 packs the first two cells of the parent interrupt
// specifier into a uint64 with the first cell in bits 32..63. A single-cell
// specifier therefore lands entirely in the upper half.
func (e InterruptMapEntry) ParentSpecifier64() uint64 {
	var v uint64
	if len(e.ParentSpecifier) > 0 {
		v = uint64(e.ParentSpecifier[0]) << 32
	}
	if len(e.ParentSpecifier) > 1 {
		v |= uint64(e.ParentSpecifier[1])
	}
	return v
}

// InterruptMapMask holds the masks applied to the child unit address and
// child interrupt specifier before an interrupt-map lookup.
type InterruptMapMask struct {
	Address   []uint32
	Specifier []uint32
}

// AddressHi returns the mask for the first child address cell.
func (m InterruptMapMask) AddressHi() uint32 {
	if len(m.Address) == 0 {
		return 0
	}
	return m.Address[0]
}

// Interrupt returns the mask for the first child interrupt cell.
func (m InterruptMapMask) Interrupt() uint32 {
	if len(m.Specifier) == 0 {
		return 0
	}
	return m.Specifier[0]
}

func (n *TreeNode) nexusCells() (addrCells, intCells uint32, err error) {
	intCells, ok := n.InterruptCells()
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s: interrupt nexus lacks #interrupt-cells", ErrMalformed, n.Path())
	}
	return n.AddressCells(), intCells, nil
}

// InterruptMapMask decodes the interrupt-map-mask property of a nexus node.
func (n *TreeNode) InterruptMapMask() (InterruptMapMask, error) {
	addrCells, intCells, err := n.nexusCells()
	if err != nil {
		return InterruptMapMask{}, err
	}
	cells, err := n.Cells("interrupt-map-mask")
	if err != nil {
		return InterruptMapMask{}, err
	}
	if uint64(len(cells)) != uint64(addrCells)+uint64(intCells) {
		return InterruptMapMask{}, fmt.Errorf("%w: %s: interrupt-map-mask has %d cells, want %d",
			ErrMalformed, n.Path(), len(cells), addrCells+intCells)
	}
	return InterruptMapMask{
		Address:   cells[:addrCells],
		Specifier: cells[addrCells:],
	}, nil
}

// InterruptMap decodes the interrupt-map property of the nexus node n. The
// width of each record depends on the cell counts of the interrupt parent it
// names, so the parents are resolved through the tree's phandle table.
func (t *Tree) InterruptMap(n *TreeNode) ([]InterruptMapEntry, error) {
	addrCells, intCells, err := n.nexusCells()
	if err != nil {
		return nil, err
	}
	cells, err := n.Cells("interrupt-map")
	if err != nil {
		return nil, err
	}
	if len(cells) == 0 {
		return nil, fmt.Errorf("%w: %s: empty interrupt-map", ErrMalformed, n.Path())
	}

	var entries []InterruptMapEntry
	rest := cells
	take := func(count uint32) ([]uint32, bool) {
		if uint32(len(rest)) < count {
			return nil, false
		}
		out := rest[:count:count]
		rest = rest[count:]
		return out, true
	}
	for len(rest) > 0 {
		record := len(entries)
		var e InterruptMapEntry
		var ok bool
		if e.ChildAddress, ok = take(addrCells); !ok {
			return nil, truncatedMap(n, record)
		}
		if e.ChildSpecifier, ok = take(intCells); !ok {
			return nil, truncatedMap(n, record)
		}
		phandle, ok := take(1)
		if !ok {
			return nil, truncatedMap(n, record)
		}
		e.ParentPhandle = phandle[0]
		parent, found := t.ByPhandle(e.ParentPhandle)
		if !found {
			return nil, fmt.Errorf("%w: %s: interrupt-map record %d names unknown phandle %d",
				ErrMalformed, n.Path(), record, e.ParentPhandle)
		}
		parentInt, hasCells := parent.InterruptCells()
		if !hasCells {
			return nil, fmt.Errorf("%w: %s: interrupt parent %s lacks #interrupt-cells",
				ErrMalformed, n.Path(), parent.Path())
		}
		// Interrupt controllers usually omit #address-cells; treat that as zero.
		parentAddr, _ := parent.U32("#address-cells")
		if e.ParentAddress, ok = take(parentAddr); !ok {
			return nil, truncatedMap(n, record)
		}
		if e.ParentSpecifier, ok = take(parentInt); !ok {
			return nil, truncatedMap(n, record)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func truncatedMap(n *TreeNode, record int) error {
	return fmt.Errorf("%w: %s: interrupt-map record %d is truncated", ErrMalformed, n.Path(), record)
}
