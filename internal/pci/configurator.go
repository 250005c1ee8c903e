package pci

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/pcirq/internal/irq"
	"github.com/tinyrange/pcirq/internal/mmio"
)

var (
	ErrNotConfigured      = errors.New("pci: interrupt binding not configured")
	ErrAddressUnreachable = errors.New("pci: MSI message address not reachable by function")
)

// Mode is the interrupt delivery mechanism of a Binding.
type Mode uint8

const (
	ModeLegacy Mode = iota
	ModeMSI
	ModeMSIX
)

func (m Mode) String() string {
	switch m {
	case ModeLegacy:
		return "legacy"
	case ModeMSI:
		return "msi"
	case ModeMSIX:
		return "msix"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// Binding is the result of configuring one interrupt source. Event is
// signaled once per delivered interrupt.
type Binding struct {
	Function Address
	Mode     Mode
	Vector   uint32
	Event    *irq.Event

	// TableBase is the physical address of the MSI-X table for ModeMSIX.
	TableBase uint64

	capOffset uint16
}

// ConfiguratorOptions wires an InterruptConfigurator to the platform.
type ConfiguratorOptions struct {
	Config     *ConfigSpace
	Legacy     *LegacyResolver
	Table      *irq.RoutingTable
	Controller irq.Controller
	// Vectors hands out MSI and MSI-X vectors. Legacy vectors are reserved
	// in it by NewInterruptConfigurator.
	Vectors *irq.VectorAllocator
	// Mapper maps MSI-X tables.
	Mapper mmio.Mapper
	// MessageAddress is the doorbell that MSI and MSI-X messages target.
	MessageAddress uint64

	Logger *slog.Logger
}

// InterruptConfigurator sets up legacy, MSI and MSI-X delivery for PCI
// functions and registers a fresh Event for each configured source.
type InterruptConfigurator struct {
	cs      *ConfigSpace
	legacy  *LegacyResolver
	table   *irq.RoutingTable
	ctrl    irq.Controller
	vectors *irq.VectorAllocator
	mapper  mmio.Mapper
	msgAddr uint64
	log     *slog.Logger

	// mu serialises configuration register sequences.
	mu sync.Mutex
}

// NewInterruptConfigurator validates opts and reserves every legacy vector in
// the vector allocator.
func NewInterruptConfigurator(opts ConfiguratorOptions) (*InterruptConfigurator, error) {
	switch {
	case opts.Config == nil:
		return nil, fmt.Errorf("pci: configurator requires a config space")
	case opts.Legacy == nil:
		return nil, fmt.Errorf("pci: configurator requires a legacy resolver")
	case opts.Table == nil:
		return nil, fmt.Errorf("pci: configurator requires a routing table")
	case opts.Controller == nil:
		return nil, fmt.Errorf("pci: configurator requires an interrupt controller")
	case opts.Vectors == nil:
		return nil, fmt.Errorf("pci: configurator requires a vector allocator")
	case opts.Mapper == nil:
		return nil, fmt.Errorf("pci: configurator requires a mapper")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	for _, v := range opts.Legacy.Vectors() {
		opts.Vectors.Reserve(v)
	}
	return &InterruptConfigurator{
		cs:      opts.Config,
		legacy:  opts.Legacy,
		table:   opts.Table,
		ctrl:    opts.Controller,
		vectors: opts.Vectors,
		mapper:  opts.Mapper,
		msgAddr: opts.MessageAddress,
		log:     log,
	}, nil
}

// ConfigureLegacy registers a new event on the vector that pin of fn is
// routed to. Events on a shared vector are all signaled by each interrupt.
func (c *InterruptConfigurator) ConfigureLegacy(fn Address, pin uint8) (Binding, error) {
	vector, err := c.legacy.Lookup(fn, pin)
	if err != nil {
		return Binding{}, err
	}
	ev := irq.NewEvent()
	c.table.RegisterWaiter(vector, ev)
	c.log.Info("pci: legacy interrupt configured", "function", fn.String(), "pin", pin, "vector", vector)
	return Binding{Function: fn, Mode: ModeLegacy, Vector: vector, Event: ev}, nil
}

// bindVector allocates a vector, registers ev on it and binds the routing
// table as its handler.
func (c *InterruptConfigurator) bindVector(ev *irq.Event) (uint32, error) {
	vector, err := c.vectors.Allocate()
	if err != nil {
		return 0, err
	}
	c.table.RegisterWaiter(vector, ev)
	if err := c.ctrl.RegisterVectorHandler(vector, c.table.Dispatch); err != nil {
		c.unbindVector(vector, ev)
		return 0, fmt.Errorf("pci: bind vector %d: %w", vector, err)
	}
	return vector, nil
}

func (c *InterruptConfigurator) unbindVector(vector uint32, ev *irq.Event) {
	c.table.UnregisterWaiter(vector, ev)
	if err := c.vectors.Release(vector); err != nil {
		c.log.Warn("pci: release vector", "vector", vector, "error", err)
	}
}

// ConfigureMSI allocates a vector, programs the MSI capability of fn to
// write that vector to the message address, and enables single-message MSI.
// It returns the binding and the capability as programmed.
func (c *InterruptConfigurator) ConfigureMSI(fn Address, msi MSICapability) (Binding, MSICapability, error) {
	if !msi.Is64Bit() && c.msgAddr>>32 != 0 {
		return Binding{}, msi, fmt.Errorf("%w: %s has 32-bit MSI, address 0x%x", ErrAddressUnreachable, fn, c.msgAddr)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ev := irq.NewEvent()
	vector, err := c.bindVector(ev)
	if err != nil {
		return Binding{}, msi, err
	}
	if vector > 0xffff {
		c.unbindVector(vector, ev)
		return Binding{}, msi, fmt.Errorf("pci: vector %d does not fit MSI message data", vector)
	}

	out := msi
	out.MessageAddress = c.msgAddr
	out.MessageData = uint16(vector)
	out.Control = msi.Control&^msiMultipleEnable | msiEnable
	if err := c.programMSI(fn, out); err != nil {
		c.unbindVector(vector, ev)
		return Binding{}, msi, err
	}

	c.log.Info("pci: msi configured",
		"function", fn.String(),
		"vector", vector,
		"address", fmt.Sprintf("0x%x", c.msgAddr),
		"64bit", out.Is64Bit(),
	)
	return Binding{Function: fn, Mode: ModeMSI, Vector: vector, Event: ev, capOffset: msi.Offset}, out, nil
}

func (c *InterruptConfigurator) programMSI(fn Address, m MSICapability) error {
	if err := c.cs.Write(fn, m.addressOffset(), uint32(m.MessageAddress)); err != nil {
		return err
	}
	if m.Is64Bit() {
		if err := c.cs.Write(fn, m.Offset+0x08, uint32(m.MessageAddress>>32)); err != nil {
			return err
		}
	}
	if err := c.cs.Write16(fn, m.dataOffset(), m.MessageData); err != nil {
		return err
	}
	return c.cs.Write16(fn, m.controlOffset(), m.Control)
}

// ConfigureMSIX allocates a vector, enables MSI-X on fn and programs table
// entry 0, located through bar, to deliver that vector. bar must be a memory
// BAR; it returns ErrUnsupportedBAR otherwise.
func (c *InterruptConfigurator) ConfigureMSIX(fn Address, bar BAR, msix MSIXCapability) (Binding, MSIXCapability, error) {
	tableBase, err := bar.Offset(msix.TableOffset())
	if err != nil {
		return Binding{}, msix, fmt.Errorf("pci: MSI-X table of %s: %w", fn, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	table, err := c.mapper.Map(tableBase, MSIXEntrySize)
	if err != nil {
		return Binding{}, msix, fmt.Errorf("pci: map MSI-X table of %s at 0x%x: %w", fn, tableBase, err)
	}
	defer table.Close()

	ev := irq.NewEvent()
	vector, err := c.bindVector(ev)
	if err != nil {
		return Binding{}, msix, err
	}

	out := msix
	out.Control = msix.Control&^msixFunctionMask | msixEnable
	if err := c.cs.Write16(fn, out.controlOffset(), out.Control); err != nil {
		c.unbindVector(vector, ev)
		return Binding{}, msix, err
	}
	if err := writeMSIXEntry(table, c.msgAddr, vector, 0); err != nil {
		c.unbindVector(vector, ev)
		return Binding{}, out, fmt.Errorf("pci: program MSI-X entry 0 of %s: %w", fn, err)
	}

	c.log.Info("pci: msix configured",
		"function", fn.String(),
		"vector", vector,
		"table", fmt.Sprintf("0x%x", tableBase),
		"bar", bar.String(),
	)
	return Binding{
		Function:  fn,
		Mode:      ModeMSIX,
		Vector:    vector,
		Event:     ev,
		TableBase: tableBase,
		capOffset: msix.Offset,
	}, out, nil
}

// writeMSIXEntry writes the first table entry in the mapped table window.
func writeMSIXEntry(table *mmio.Window, addr uint64, data, control uint32) error {
	words := [4]uint32{uint32(addr), uint32(addr >> 32), data, control}
	for i, w := range words {
		if err := table.Write32(uint64(4*i), w); err != nil {
			return err
		}
	}
	return nil
}

// Unconfigure removes the event of b from the routing table. MSI is disabled
// and MSI-X entry 0 is masked, after which their vector is returned to the
// allocator. Legacy vectors stay routed. If the function cannot be disarmed
// the binding stays registered and Unconfigure may be retried.
func (c *InterruptConfigurator) Unconfigure(b Binding) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, found := c.table.UnregisterWaiter(b.Vector, b.Event); !found {
		return fmt.Errorf("%w: %s %s vector %d", ErrNotConfigured, b.Function, b.Mode, b.Vector)
	}

	var err error
	switch b.Mode {
	case ModeLegacy:
		c.log.Info("pci: legacy interrupt released", "function", b.Function.String(), "vector", b.Vector)
		return nil
	case ModeMSI:
		err = c.clearControl(b, msiEnable)
	case ModeMSIX:
		err = c.disarmMSIX(b)
	default:
		err = fmt.Errorf("pci: unknown binding mode %s", b.Mode)
	}
	if err != nil {
		c.table.RegisterWaiter(b.Vector, b.Event)
		return fmt.Errorf("pci: unconfigure %s %s vector %d: %w", b.Function, b.Mode, b.Vector, err)
	}

	if err := c.vectors.Release(b.Vector); err != nil {
		return err
	}
	c.log.Info("pci: interrupt released", "function", b.Function.String(), "mode", b.Mode.String(), "vector", b.Vector)
	return nil
}

func (c *InterruptConfigurator) clearControl(b Binding, bit uint16) error {
	reg := b.capOffset + 0x02
	ctl, err := c.cs.Read16(b.Function, reg)
	if err != nil {
		return err
	}
	return c.cs.Write16(b.Function, reg, ctl&^bit)
}

func (c *InterruptConfigurator) disarmMSIX(b Binding) error {
	table, err := c.mapper.Map(b.TableBase, MSIXEntrySize)
	if err != nil {
		return fmt.Errorf("map MSI-X table: %w", err)
	}
	err = table.Write32(12, msixEntryMasked)
	table.Close()
	if err != nil {
		return err
	}
	return c.clearControl(b, msixEnable)
}
