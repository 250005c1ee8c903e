package pci

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/pcirq/internal/board"
	devpci "github.com/tinyrange/pcirq/internal/devices/pci"
	"github.com/tinyrange/pcirq/internal/fdt"
	"github.com/tinyrange/pcirq/internal/irq"
)

type platform struct {
	board   *board.Board
	access  *Access
	table   *irq.RoutingTable
	vectors *irq.VectorAllocator
	conf    *InterruptConfigurator
}

func newPlatform(t *testing.T, slots ...board.Slot) *platform {
	t.Helper()
	b, err := board.New(board.Config{Slots: slots}, nil)
	if err != nil {
		t.Fatalf("board.New: %v", err)
	}
	tree, err := fdt.Parse(b.DeviceTree())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	table := irq.NewRoutingTable()
	acc, err := Open(tree, Options{Mapper: b.Bus, Table: table, Controller: b.Controller})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	vectors, err := irq.NewVectorAllocator(0x20, 0x3f)
	if err != nil {
		t.Fatalf("NewVectorAllocator: %v", err)
	}
	conf, err := NewInterruptConfigurator(ConfiguratorOptions{
		Config:         acc.Config,
		Legacy:         acc.Legacy,
		Table:          table,
		Controller:     b.Controller,
		Vectors:        vectors,
		Mapper:         b.Bus,
		MessageAddress: board.DefaultDoorbellBase,
	})
	if err != nil {
		t.Fatalf("NewInterruptConfigurator: %v", err)
	}
	return &platform{board: b, access: acc, table: table, vectors: vectors, conf: conf}
}

func (p *platform) function(t *testing.T, dev uint8) *devpci.Function {
	t.Helper()
	fn, ok := p.board.Function(0, dev, 0)
	if !ok {
		t.Fatalf("no emulated function at device %d", dev)
	}
	return fn
}

func waitEvent(t *testing.T, ev *irq.Event) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ev.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestConfigureLegacyDelivers(t *testing.T) {
	p := newPlatform(t, board.Slot{Device: 3, Config: devpci.FunctionConfig{VendorID: 1, InterruptPin: PinINTA}})
	fn := Address{Device: 3}

	b, err := p.conf.ConfigureLegacy(fn, PinINTA)
	if err != nil {
		t.Fatalf("ConfigureLegacy: %v", err)
	}
	if want := uint32(board.DefaultLegacyBase + 3); b.Vector != want {
		t.Fatalf("vector = 0x%x, want 0x%x", b.Vector, want)
	}
	// A second waiter on the same pin shares the vector.
	b2, err := p.conf.ConfigureLegacy(fn, PinINTA)
	if err != nil {
		t.Fatalf("ConfigureLegacy: %v", err)
	}

	p.function(t, 3).AssertINTx()
	if b.Event.Pending() != 1 || b2.Event.Pending() != 1 {
		t.Fatalf("pending = %d, %d; want 1, 1", b.Event.Pending(), b2.Event.Pending())
	}

	if err := p.conf.Unconfigure(b2); err != nil {
		t.Fatalf("Unconfigure: %v", err)
	}
	if !p.table.HasVector(b.Vector) || p.table.Waiters(b.Vector) != 1 {
		t.Fatalf("legacy vector entry changed by Unconfigure")
	}
	if err := p.conf.Unconfigure(b2); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("second Unconfigure err = %v, want ErrNotConfigured", err)
	}

	if _, err := p.conf.ConfigureLegacy(Address{Device: 5}, PinINTA); !errors.Is(err, ErrNoLegacyRoute) {
		t.Fatalf("err = %v, want ErrNoLegacyRoute", err)
	}
}

func TestConfigureMSIDelivers(t *testing.T) {
	p := newPlatform(t, board.Slot{Device: 1, Config: devpci.FunctionConfig{VendorID: 1, MSI64: true}})
	fn := Address{Device: 1}

	msi, err := p.access.Config.ReadMSICapability(fn)
	if err != nil {
		t.Fatalf("ReadMSICapability: %v", err)
	}
	b, out, err := p.conf.ConfigureMSI(fn, msi)
	if err != nil {
		t.Fatalf("ConfigureMSI: %v", err)
	}
	// Legacy vectors 0x20..0x23 are reserved.
	if b.Vector != 0x24 || b.Mode != ModeMSI {
		t.Fatalf("binding = %+v, want msi vector 0x24", b)
	}
	if !out.Enabled() || msi.Enabled() {
		t.Fatalf("returned capability enabled=%v, input enabled=%v", out.Enabled(), msi.Enabled())
	}

	hw, err := p.access.Config.ReadMSICapability(fn)
	if err != nil {
		t.Fatalf("ReadMSICapability: %v", err)
	}
	if hw != out {
		t.Fatalf("hardware = %+v, returned = %+v", hw, out)
	}
	if hw.MessageAddress != board.DefaultDoorbellBase || hw.MessageData != 0x24 {
		t.Fatalf("message = 0x%x/0x%x", hw.MessageAddress, hw.MessageData)
	}

	if sent, err := p.function(t, 1).FireMSI(); !sent || err != nil {
		t.Fatalf("FireMSI = %v, %v", sent, err)
	}
	waitEvent(t, b.Event)

	if err := p.conf.Unconfigure(b); err != nil {
		t.Fatalf("Unconfigure: %v", err)
	}
	if p.vectors.InUse(0x24) {
		t.Fatalf("vector 0x24 still allocated")
	}
	if sent, _ := p.function(t, 1).FireMSI(); sent {
		t.Fatalf("MSI still enabled after Unconfigure")
	}
}

func TestConfigureMSIRejectsUnreachableAddress(t *testing.T) {
	p := newPlatform(t, board.Slot{Device: 1, Config: devpci.FunctionConfig{VendorID: 1}})
	high, err := NewInterruptConfigurator(ConfiguratorOptions{
		Config:         p.access.Config,
		Legacy:         p.access.Legacy,
		Table:          p.table,
		Controller:     p.board.Controller,
		Vectors:        p.vectors,
		Mapper:         p.board.Bus,
		MessageAddress: 0x1_0000_0000,
	})
	if err != nil {
		t.Fatalf("NewInterruptConfigurator: %v", err)
	}
	msi, _ := p.access.Config.ReadMSICapability(Address{Device: 1})
	if _, _, err := high.ConfigureMSI(Address{Device: 1}, msi); !errors.Is(err, ErrAddressUnreachable) {
		t.Fatalf("err = %v, want ErrAddressUnreachable", err)
	}
	if p.vectors.InUse(0x24) {
		t.Fatalf("vector leaked by failed ConfigureMSI")
	}
}

func TestConfigureMSIXProgramsEntryZero(t *testing.T) {
	p := newPlatform(t, board.Slot{Device: 2, Config: devpci.FunctionConfig{VendorID: 1, MSIXTableSize: 4}})
	fn := Address{Device: 2}

	bar, err := p.access.Config.ReadBAR(fn, 0)
	if err != nil {
		t.Fatalf("ReadBAR: %v", err)
	}
	if bar.Kind != BARMemory64 || bar.Address != 0x40000000 {
		t.Fatalf("BAR0 = %s", bar)
	}
	msix, err := p.access.Config.ReadMSIXCapability(fn)
	if err != nil {
		t.Fatalf("ReadMSIXCapability: %v", err)
	}
	if msix.TableSize() != 4 || msix.TableBIR() != 0 || msix.TableOffset() != 0x1000 {
		t.Fatalf("msix = %+v", msix)
	}

	b, out, err := p.conf.ConfigureMSIX(fn, bar, msix)
	if err != nil {
		t.Fatalf("ConfigureMSIX: %v", err)
	}
	if b.TableBase != 0x40001000 {
		t.Fatalf("table base = 0x%x, want 0x40001000", b.TableBase)
	}
	if !out.Enabled() || out.FunctionMasked() {
		t.Fatalf("returned control = 0x%04x", out.Control)
	}

	w, err := p.board.Bus.Map(b.TableBase, MSIXEntrySize)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	want := [4]uint32{board.DefaultDoorbellBase, 0, b.Vector, 0}
	for i, v := range want {
		got, err := w.Read32(uint64(4 * i))
		if err != nil || got != v {
			t.Fatalf("entry word %d = 0x%x, %v; want 0x%x", i, got, err, v)
		}
	}

	if sent, err := p.function(t, 2).FireMSIX(0); !sent || err != nil {
		t.Fatalf("FireMSIX = %v, %v", sent, err)
	}
	waitEvent(t, b.Event)

	if err := p.conf.Unconfigure(b); err != nil {
		t.Fatalf("Unconfigure: %v", err)
	}
	if got, _ := w.Read32(12); got != 1 {
		t.Fatalf("vector control after Unconfigure = %d, want masked", got)
	}
	next, err := p.vectors.Allocate()
	if err != nil || next != b.Vector {
		t.Fatalf("Allocate after release = 0x%x, %v; want 0x%x", next, err, b.Vector)
	}
}

func moveBAR0(t *testing.T, p *platform, fn Address, base uint32) {
	t.Helper()
	if err := p.access.Config.Write(fn, RegBAR0, base|0x4); err != nil {
		t.Fatalf("write BAR0: %v", err)
	}
}

func TestConfigureMSIXFollowsMovedBAR(t *testing.T) {
	p := newPlatform(t, board.Slot{Device: 2, Config: devpci.FunctionConfig{VendorID: 1}})
	fn := Address{Device: 2}
	moveBAR0(t, p, fn, 0x40100000)

	bar, err := p.access.Config.ReadBAR(fn, 0)
	if err != nil {
		t.Fatalf("ReadBAR: %v", err)
	}
	if bar.Address != 0x40100000 {
		t.Fatalf("BAR0 = %s, want mem64@0x40100000", bar)
	}
	msix, err := p.access.Config.ReadMSIXCapability(fn)
	if err != nil {
		t.Fatalf("ReadMSIXCapability: %v", err)
	}
	b, _, err := p.conf.ConfigureMSIX(fn, bar, msix)
	if err != nil {
		t.Fatalf("ConfigureMSIX: %v", err)
	}
	if b.TableBase != 0x40101000 {
		t.Fatalf("table base = 0x%x, want 0x40101000", b.TableBase)
	}
	if sent, err := p.function(t, 2).FireMSIX(0); !sent || err != nil {
		t.Fatalf("FireMSIX = %v, %v", sent, err)
	}
	waitEvent(t, b.Event)
}

func TestUnconfigureKeepsBindingWhenTeardownFails(t *testing.T) {
	p := newPlatform(t, board.Slot{Device: 2, Config: devpci.FunctionConfig{VendorID: 1}})
	fn := Address{Device: 2}

	bar, err := p.access.Config.ReadBAR(fn, 0)
	if err != nil {
		t.Fatalf("ReadBAR: %v", err)
	}
	msix, err := p.access.Config.ReadMSIXCapability(fn)
	if err != nil {
		t.Fatalf("ReadMSIXCapability: %v", err)
	}
	b, _, err := p.conf.ConfigureMSIX(fn, bar, msix)
	if err != nil {
		t.Fatalf("ConfigureMSIX: %v", err)
	}

	// The table is no longer where the binding recorded it.
	moveBAR0(t, p, fn, 0x40100000)
	for i := 0; i < 2; i++ {
		err := p.conf.Unconfigure(b)
		if err == nil || errors.Is(err, ErrNotConfigured) {
			t.Fatalf("Unconfigure #%d: err = %v, want teardown failure", i, err)
		}
		if !p.vectors.InUse(b.Vector) {
			t.Fatalf("vector 0x%x released after failed Unconfigure", b.Vector)
		}
		if got := p.table.Waiters(b.Vector); got != 1 {
			t.Fatalf("waiters = %d, want 1", got)
		}
	}

	moveBAR0(t, p, fn, 0x40000000)
	if err := p.conf.Unconfigure(b); err != nil {
		t.Fatalf("Unconfigure after restoring BAR0: %v", err)
	}
	if p.vectors.InUse(b.Vector) {
		t.Fatalf("vector 0x%x still allocated", b.Vector)
	}
	if got := p.table.Waiters(b.Vector); got != 0 {
		t.Fatalf("waiters = %d, want 0", got)
	}
}

func TestConfigureMSIXWith32BitBAR(t *testing.T) {
	p := newPlatform(t, board.Slot{Device: 1, Config: devpci.FunctionConfig{VendorID: 1, BAR32: true}})
	fn := Address{Device: 1}

	bar, err := p.access.Config.ReadBAR(fn, 0)
	if err != nil {
		t.Fatalf("ReadBAR: %v", err)
	}
	if bar.Kind != BARMemory32 {
		t.Fatalf("BAR0 = %s, want mem32", bar)
	}
	msix, _ := p.access.Config.ReadMSIXCapability(fn)
	b, _, err := p.conf.ConfigureMSIX(fn, bar, msix)
	if err != nil {
		t.Fatalf("ConfigureMSIX: %v", err)
	}
	if b.TableBase != bar.Address+0x1000 {
		t.Fatalf("table base = 0x%x", b.TableBase)
	}
	if sent, err := p.function(t, 1).FireMSIX(0); !sent || err != nil {
		t.Fatalf("FireMSIX = %v, %v", sent, err)
	}
	waitEvent(t, b.Event)
}

func TestConfigureMSIXRejectsIOBAR(t *testing.T) {
	p := newPlatform(t, board.Slot{Device: 1, Config: devpci.FunctionConfig{VendorID: 1}})
	fn := Address{Device: 1}
	msix, _ := p.access.Config.ReadMSIXCapability(fn)

	_, _, err := p.conf.ConfigureMSIX(fn, BAR{Kind: BARIO, Address: 0xc000}, msix)
	if !errors.Is(err, ErrUnsupportedBAR) {
		t.Fatalf("err = %v, want ErrUnsupportedBAR", err)
	}
	if p.vectors.InUse(0x24) {
		t.Fatalf("vector allocated for rejected BAR")
	}
}

func TestConfiguratorExhaustsVectors(t *testing.T) {
	p := newPlatform(t, board.Slot{Device: 1, Config: devpci.FunctionConfig{VendorID: 1}})
	fn := Address{Device: 1}
	msi, _ := p.access.Config.ReadMSICapability(fn)

	// 0x24..0x3f are free: 28 vectors.
	for i := 0; i < 28; i++ {
		if _, _, err := p.conf.ConfigureMSI(fn, msi); err != nil {
			t.Fatalf("ConfigureMSI %d: %v", i, err)
		}
	}
	if _, _, err := p.conf.ConfigureMSI(fn, msi); !errors.Is(err, irq.ErrVectorsExhausted) {
		t.Fatalf("err = %v, want ErrVectorsExhausted", err)
	}
}
