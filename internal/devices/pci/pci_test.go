package pci

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
)

type recordingBus struct {
	mu     sync.Mutex
	writes []message
}

type message struct {
	addr uint64
	data uint32
}

func (b *recordingBus) ReadMMIO(addr uint64, data []byte) error { return nil }

func (b *recordingBus) WriteMMIO(addr uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes = append(b.writes, message{addr: addr, data: binary.LittleEndian.Uint32(data)})
	return nil
}

func (b *recordingBus) messages() []message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]message(nil), b.writes...)
}

type recordingLines struct {
	edges []uint32
}

func (l *recordingLines) SetIRQ(line uint32, level bool) {
	if level {
		l.edges = append(l.edges, line)
	}
}

const ecamBase = 0x30000000

func ecamAddr(dev, fn uint8, reg uint16) uint64 {
	return ecamBase + uint64(dev)<<15 | uint64(fn)<<12 | uint64(reg)
}

func read32(t *testing.T, h *HostBridge, addr uint64) uint32 {
	t.Helper()
	var buf [4]byte
	if err := h.ReadMMIO(addr, buf[:]); err != nil {
		t.Fatalf("ReadMMIO(0x%x): %v", addr, err)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func write32(t *testing.T, h *HostBridge, addr uint64, v uint32) {
	t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if err := h.WriteMMIO(addr, buf[:]); err != nil {
		t.Fatalf("WriteMMIO(0x%x): %v", addr, err)
	}
}

func newTestHost(t *testing.T, lines LineController) *HostBridge {
	t.Helper()
	h, err := NewHostBridge(HostBridgeConfig{ConfigBase: ecamBase, Lines: lines})
	if err != nil {
		t.Fatalf("NewHostBridge: %v", err)
	}
	return h
}

func TestHostBridgeRootAndEmptySlots(t *testing.T) {
	h := newTestHost(t, nil)

	if got := read32(t, h, ecamAddr(0, 0, 0)); got != 0x00081b36 {
		t.Fatalf("root id = 0x%08x, want 0x00081b36", got)
	}
	if got := read32(t, h, ecamAddr(7, 0, 0)); got != 0xffffffff {
		t.Fatalf("empty slot id = 0x%08x, want all ones", got)
	}
	if err := h.ReadMMIO(ecamBase+h.ConfigSize(), make([]byte, 4)); err == nil {
		t.Fatalf("expected error reading past the ECAM window")
	}
}

func TestFunctionCapabilityLayout(t *testing.T) {
	bus := &recordingBus{}
	h := newTestHost(t, nil)
	f, err := NewFunction(FunctionConfig{VendorID: 0x1af4, DeviceID: 0x1000, MSI64: true, MSIXTableSize: 4}, bus, nil)
	if err != nil {
		t.Fatalf("NewFunction: %v", err)
	}
	if _, err := h.AttachFunction(0, 3, 0, f); err != nil {
		t.Fatalf("AttachFunction: %v", err)
	}

	if got := read32(t, h, ecamAddr(3, 0, 0x00)); got != 0x10001af4 {
		t.Fatalf("id = 0x%08x, want 0x10001af4", got)
	}
	if got := read32(t, h, ecamAddr(3, 0, 0x04)) >> 16; got&uint32(pciStatusCapabilitiesList) == 0 {
		t.Fatalf("status = 0x%04x, capability list bit clear", got)
	}
	if got := read32(t, h, ecamAddr(3, 0, 0x34)) & 0xff; got != msiCapabilityOffset {
		t.Fatalf("capability pointer = 0x%x, want 0x%x", got, msiCapabilityOffset)
	}
	msi := read32(t, h, ecamAddr(3, 0, msiCapabilityOffset))
	if msi&0xff != pciCapIDMSI || (msi>>8)&0xff != msixCapabilityOffset {
		t.Fatalf("MSI header = 0x%08x", msi)
	}
	if ctl := uint16(msi >> 16); ctl&msiControl64BitCap == 0 {
		t.Fatalf("MSI control = 0x%04x, want 64-bit capable", ctl)
	}
	msix := read32(t, h, ecamAddr(3, 0, msixCapabilityOffset))
	if msix&0xff != pciCapIDMSIX || (msix>>8)&0xff != 0 {
		t.Fatalf("MSI-X header = 0x%08x", msix)
	}
	if got, want := uint16(msix>>16)&msixTableSizeMask, uint16(3); got != want {
		t.Fatalf("MSI-X table size field = %d, want %d", got, want)
	}
	if got := read32(t, h, ecamAddr(3, 0, msixCapabilityOffset+4)); got != msixTableOffset {
		t.Fatalf("MSI-X table = 0x%x, want 0x%x", got, msixTableOffset)
	}
}

func TestFunctionBARSizingAndPlacement(t *testing.T) {
	h := newTestHost(t, nil)
	f, _ := NewFunction(FunctionConfig{VendorID: 1}, &recordingBus{}, nil)
	base, err := h.AttachFunction(0, 1, 0, f)
	if err != nil {
		t.Fatalf("AttachFunction: %v", err)
	}
	if base != 0x40000000 {
		t.Fatalf("BAR base = 0x%x, want 0x40000000", base)
	}
	if got := read32(t, h, ecamAddr(1, 0, 0x10)); got != 0x40000004 {
		t.Fatalf("BAR0 = 0x%08x, want 0x40000004", got)
	}

	write32(t, h, ecamAddr(1, 0, 0x10), 0xffffffff)
	if got, want := read32(t, h, ecamAddr(1, 0, 0x10)), uint32(0xffffe004); got != want {
		t.Fatalf("BAR0 sizing = 0x%08x, want 0x%08x", got, want)
	}
	write32(t, h, ecamAddr(1, 0, 0x10), 0x50000000)
	write32(t, h, ecamAddr(1, 0, 0x14), 0x1)
	if got, want := f.BARBase(), uint64(0x1_50000000); got != want {
		t.Fatalf("BAR base = 0x%x, want 0x%x", got, want)
	}
}

func TestFunctionBARMoveCallsRelocate(t *testing.T) {
	h := newTestHost(t, nil)
	f, _ := NewFunction(FunctionConfig{VendorID: 1, BAR32: true}, &recordingBus{}, nil)
	if _, err := h.AttachFunction(0, 1, 0, f); err != nil {
		t.Fatalf("AttachFunction: %v", err)
	}

	var moves [][2]uint64
	refuse := false
	f.OnRelocate(func(from, to uint64) error {
		if refuse {
			return errors.New("region busy")
		}
		moves = append(moves, [2]uint64{from, to})
		return nil
	})

	write32(t, h, ecamAddr(1, 0, 0x10), 0x40100000)
	if len(moves) != 1 || moves[0] != [2]uint64{0x40000000, 0x40100000} {
		t.Fatalf("moves = %x, want one move 0x40000000 -> 0x40100000", moves)
	}

	// Sizing and writing back the current base is not a move.
	write32(t, h, ecamAddr(1, 0, 0x10), 0xffffffff)
	write32(t, h, ecamAddr(1, 0, 0x10), 0x40100000)
	if len(moves) != 1 {
		t.Fatalf("moves = %x after sizing, want 1", moves)
	}

	refuse = true
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], 0x40200000)
	if err := h.WriteMMIO(ecamAddr(1, 0, 0x10), buf[:]); err == nil {
		t.Fatalf("refused BAR move reported no error")
	}
	if got, want := f.BARBase(), uint64(0x40100000); got != want {
		t.Fatalf("BAR base after refused move = 0x%x, want 0x%x", got, want)
	}
}

func TestFunctionMSIDelivery(t *testing.T) {
	bus := &recordingBus{}
	h := newTestHost(t, nil)
	f, _ := NewFunction(FunctionConfig{VendorID: 1}, bus, nil)
	if _, err := h.AttachFunction(0, 2, 0, f); err != nil {
		t.Fatalf("AttachFunction: %v", err)
	}

	if sent, err := f.FireMSI(); sent || err != nil {
		t.Fatalf("FireMSI before enable = %v, %v", sent, err)
	}

	// 32-bit MSI: data lives at +8.
	write32(t, h, ecamAddr(2, 0, msiCapabilityOffset+4), 0x28000000)
	write32(t, h, ecamAddr(2, 0, msiCapabilityOffset+8), 0x33)
	hdr := read32(t, h, ecamAddr(2, 0, msiCapabilityOffset))
	write32(t, h, ecamAddr(2, 0, msiCapabilityOffset), hdr|uint32(msiControlEnable)<<16)

	if sent, err := f.FireMSI(); !sent || err != nil {
		t.Fatalf("FireMSI = %v, %v", sent, err)
	}
	msgs := bus.messages()
	if len(msgs) != 1 || msgs[0] != (message{addr: 0x28000000, data: 0x33}) {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestFunctionMSIXMaskingLatchesPending(t *testing.T) {
	bus := &recordingBus{}
	h := newTestHost(t, nil)
	f, _ := NewFunction(FunctionConfig{VendorID: 1, MSIXTableSize: 2}, bus, nil)
	base, err := h.AttachFunction(0, 4, 0, f)
	if err != nil {
		t.Fatalf("AttachFunction: %v", err)
	}

	hdr := read32(t, h, ecamAddr(4, 0, msixCapabilityOffset))
	write32(t, h, ecamAddr(4, 0, msixCapabilityOffset), hdr|uint32(msixControlEnableBit)<<16)

	// Entries start masked.
	if sent, _ := f.FireMSIX(1); sent {
		t.Fatalf("masked entry delivered")
	}
	if !f.MSIXPending(1) {
		t.Fatalf("pending bit not latched")
	}
	var pba [4]byte
	if err := f.ReadMMIO(base+msixPBAOffset, pba[:]); err != nil {
		t.Fatalf("read PBA: %v", err)
	}
	if got := binary.LittleEndian.Uint32(pba[:]); got != 0x2 {
		t.Fatalf("PBA = 0x%x, want 0x2", got)
	}

	entry := base + msixTableOffset + msixEntrySize
	for i, w := range []uint32{0x28000000, 0, 0x41} {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], w)
		if err := f.WriteMMIO(entry+uint64(4*i), buf[:]); err != nil {
			t.Fatalf("write entry: %v", err)
		}
	}
	// Clear the mask; the latched message goes out and the bit clears.
	if err := f.WriteMMIO(entry+12, []byte{0, 0, 0, 0}); err != nil {
		t.Fatalf("unmask: %v", err)
	}
	if f.MSIXPending(1) {
		t.Fatalf("pending bit still set after unmask")
	}

	if sent, err := f.FireMSIX(1); !sent || err != nil {
		t.Fatalf("FireMSIX = %v, %v", sent, err)
	}
	if _, err := f.FireMSIX(2); err == nil {
		t.Fatalf("expected error for entry beyond table")
	}
}

func TestLegacyWiringSwizzle(t *testing.T) {
	lines := &recordingLines{}
	h := newTestHost(t, lines)
	f, _ := NewFunction(FunctionConfig{VendorID: 1, InterruptPin: 2}, &recordingBus{}, nil)
	if _, err := h.AttachFunction(0, 3, 0, f); err != nil {
		t.Fatalf("AttachFunction: %v", err)
	}
	f.AssertINTx()
	if len(lines.edges) != 1 || lines.edges[0] != 0x20 {
		t.Fatalf("edges = %v, want [0x20]", lines.edges)
	}
	if got := read32(t, h, ecamAddr(3, 0, 0x3c)) >> 8 & 0xff; got != 2 {
		t.Fatalf("interrupt pin = %d, want 2", got)
	}

	// INTx disable in the command register suppresses assertion.
	write32(t, h, ecamAddr(3, 0, 0x04), 1<<10)
	f.AssertINTx()
	if len(lines.edges) != 1 {
		t.Fatalf("edges = %v after INTx disable", lines.edges)
	}
}

func TestRegisterEndpointRejectsConflicts(t *testing.T) {
	h := newTestHost(t, nil)
	f, _ := NewFunction(FunctionConfig{}, &recordingBus{}, nil)
	if err := h.RegisterEndpoint(0, 0, 0, f); err == nil {
		t.Fatalf("expected error registering over the root")
	}
	if err := h.RegisterEndpoint(0, 1, 0, f); err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}
	if err := h.RegisterEndpoint(0, 1, 0, f); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if err := h.RegisterEndpoint(1, 1, 0, f); err == nil {
		t.Fatalf("expected error for bus outside a one-bus window")
	}
}
