package pci

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/tinyrange/pcirq/internal/fdt"
	"github.com/tinyrange/pcirq/internal/irq"
)

var (
	ErrMalformedInterruptMap = errors.New("pci: malformed interrupt-map")
	ErrNoLegacyRoute         = errors.New("pci: no legacy interrupt route")
)

// Legacy INTx pins as encoded in the interrupt pin register and in
// interrupt-map child specifiers.
const (
	PinINTA uint8 = 1
	PinINTB uint8 = 2
	PinINTC uint8 = 3
	PinINTD uint8 = 4
)

// LegacyKey names one interrupt pin of one function.
type LegacyKey struct {
	Function Address
	Pin      uint8
}

// LegacyRoute is a resolved (function, pin) to platform vector mapping.
type LegacyRoute struct {
	LegacyKey
	Vector uint32
}

// LegacyResolver holds the legacy interrupt routes of a host bridge. It is
// immutable after construction.
type LegacyResolver struct {
	routes map[LegacyKey]uint32
}

// DecodeChildAddress extracts the function address from the high cell of a
// PCI unit address.
func DecodeChildAddress(hi uint32) Address {
	return Address{
		Bus:      uint8(hi >> 16),
		Device:   uint8(hi>>11) & 0x1f,
		Function: uint8(hi>>8) & 0x7,
	}
}

// EncodeChildAddress is the inverse of DecodeChildAddress.
func EncodeChildAddress(a Address) uint32 {
	return uint32(a.Bus)<<16 | uint32(a.Device&0x1f)<<11 | uint32(a.Function&0x7)<<8
}

// NewLegacyResolver decodes the interrupt-map of the host bridge node and
// prepares the platform for delivery: every distinct vector gets an empty
// routing entry in table and has table.Dispatch bound as its handler on ctrl.
// The vector of a record is the upper half of its packed parent specifier.
func NewLegacyResolver(tree *fdt.Tree, node *fdt.TreeNode, table *irq.RoutingTable, ctrl irq.Controller, log *slog.Logger) (*LegacyResolver, error) {
	if log == nil {
		log = slog.Default()
	}
	entries, err := tree.InterruptMap(node)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedInterruptMap, err)
	}
	mask, err := node.InterruptMapMask()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedInterruptMap, err)
	}

	r := &LegacyResolver{routes: make(map[LegacyKey]uint32, len(entries))}
	for i, e := range entries {
		fn := DecodeChildAddress(e.ChildAddressHi() & mask.AddressHi())
		pin := e.ChildInterrupt() & mask.Interrupt()
		if pin == 0 {
			// Pin 0 is "no interrupt pin"; nothing can be routed through it.
			log.Debug("pci: legacy record without pin skipped", "node", node.Path(), "record", i, "function", fn.String())
			continue
		}
		if pin > uint32(PinINTD) {
			return nil, fmt.Errorf("%w: %s: record %d has pin %d", ErrMalformedInterruptMap, node.Path(), i, pin)
		}
		key := LegacyKey{Function: fn, Pin: uint8(pin)}
		vector := uint32(e.ParentSpecifier64() >> 32)
		if prev, ok := r.routes[key]; ok && prev != vector {
			return nil, fmt.Errorf("%w: %s: %s pin %d maps to both %d and %d",
				ErrMalformedInterruptMap, node.Path(), fn, pin, prev, vector)
		}
		r.routes[key] = vector
		log.Debug("pci: legacy route", "function", fn.String(), "pin", pin, "vector", vector)
	}

	for _, v := range r.Vectors() {
		table.EnsureVector(v)
		if err := ctrl.RegisterVectorHandler(v, table.Dispatch); err != nil {
			return nil, fmt.Errorf("pci: bind legacy vector %d: %w", v, err)
		}
	}
	log.Info("pci: legacy routes ready", "node", node.Path(), "routes", len(r.routes), "vectors", len(r.Vectors()))
	return r, nil
}

// Lookup returns the vector that pin of fn is wired to.
func (r *LegacyResolver) Lookup(fn Address, pin uint8) (uint32, error) {
	v, ok := r.routes[LegacyKey{Function: fn, Pin: pin}]
	if !ok {
		return 0, fmt.Errorf("%w: %s pin %d", ErrNoLegacyRoute, fn, pin)
	}
	return v, nil
}

// Routes returns every route ordered by function then pin.
func (r *LegacyResolver) Routes() []LegacyRoute {
	out := make([]LegacyRoute, 0, len(r.routes))
	for k, v := range r.routes {
		out = append(out, LegacyRoute{LegacyKey: k, Vector: v})
	}
	slices.SortFunc(out, func(a, b LegacyRoute) int {
		switch {
		case a.Function.Less(b.Function):
			return -1
		case b.Function.Less(a.Function):
			return 1
		}
		return int(a.Pin) - int(b.Pin)
	})
	return out
}

// Vectors returns the distinct vectors of all routes in ascending order.
func (r *LegacyResolver) Vectors() []uint32 {
	var out []uint32
	for _, v := range r.routes {
		out = append(out, v)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
