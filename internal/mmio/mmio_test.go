package mmio

import (
	"encoding/binary"
	"errors"
	"testing"
)

type recordingDevice struct {
	regs   map[uint64]uint32
	writes []uint64
}

func (d *recordingDevice) ReadMMIO(addr uint64, data []byte) error {
	binary.LittleEndian.PutUint32(data, d.regs[addr])
	return nil
}

func (d *recordingDevice) WriteMMIO(addr uint64, data []byte) error {
	if d.regs == nil {
		d.regs = make(map[uint64]uint32)
	}
	d.regs[addr] = binary.LittleEndian.Uint32(data)
	d.writes = append(d.writes, addr)
	return nil
}

func TestMemoryWindowBounds(t *testing.T) {
	w := NewMemoryWindow(0x1000, make([]byte, 16))

	if err := w.Write32(12, 0xdeadbeef); err != nil {
		t.Fatalf("Write32: %v", err)
	}
	v, err := w.Read32(12)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if v != 0xdeadbeef {
		t.Fatalf("Read32 = 0x%x, want 0xdeadbeef", v)
	}

	if _, err := w.Read32(16); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("read past end: err = %v, want ErrOutOfRange", err)
	}
	if err := w.Write32(2, 0); !errors.Is(err, ErrMisaligned) {
		t.Fatalf("misaligned write: err = %v, want ErrMisaligned", err)
	}
}

func TestWindowSlice(t *testing.T) {
	mem := make([]byte, 0x2000)
	w := NewMemoryWindow(0x10000, mem)

	sub, err := w.Slice(0x1000, 0x1000)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	if sub.Base() != 0x11000 || sub.Size() != 0x1000 {
		t.Fatalf("sub = 0x%x+0x%x", sub.Base(), sub.Size())
	}
	if err := sub.Write32(4, 0x01020304); err != nil {
		t.Fatalf("Write32: %v", err)
	}
	if got := binary.LittleEndian.Uint32(mem[0x1004:]); got != 0x01020304 {
		t.Fatalf("backing = 0x%x, want 0x01020304", got)
	}
	if _, err := sub.Read32(0x1000); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("sub-window escape: err = %v", err)
	}
	if _, err := w.Slice(0x1800, 0x1000); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("oversized slice: err = %v", err)
	}
}

func TestBusMapsDeviceWindows(t *testing.T) {
	bus := NewBus()
	dev := &recordingDevice{}
	if err := bus.Register(0x4000_0000, 0x1000, dev); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := bus.Register(0x4000_0800, 0x1000, dev); err == nil {
		t.Fatalf("overlapping region accepted")
	}

	w, err := bus.Map(0x4000_0100, 0x10)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := w.Write32(8, 0x2a); err != nil {
		t.Fatalf("Write32: %v", err)
	}
	if got := dev.regs[0x4000_0108]; got != 0x2a {
		t.Fatalf("device register = 0x%x, want 0x2a", got)
	}

	if _, err := bus.Map(0x4000_0ff0, 0x20); err == nil {
		t.Fatalf("map straddling region end accepted")
	}
	if err := bus.WriteMMIO(0x5000_0000, make([]byte, 4)); err == nil {
		t.Fatalf("write to unbacked address accepted")
	}
}

func TestBusMove(t *testing.T) {
	bus := NewBus()
	a, b := &recordingDevice{}, &recordingDevice{}
	if err := bus.Register(0x4000_0000, 0x1000, a); err != nil {
		t.Fatalf("Register a: %v", err)
	}
	if err := bus.Register(0x4000_2000, 0x1000, b); err != nil {
		t.Fatalf("Register b: %v", err)
	}

	if err := bus.Move(a, 0x4000_0000, 0x4000_2800); err == nil {
		t.Fatalf("move onto another region accepted")
	}
	if err := bus.Move(b, 0x4000_0000, 0x4000_4000); err == nil {
		t.Fatalf("move of a region the device does not own accepted")
	}
	if err := bus.Move(a, 0x4000_0000, 0x4000_0800); err != nil {
		t.Fatalf("Move overlapping its own old place: %v", err)
	}

	if _, err := bus.Map(0x4000_0000, 0x10); err == nil {
		t.Fatalf("old base still mapped")
	}
	w, err := bus.Map(0x4000_0800, 0x10)
	if err != nil {
		t.Fatalf("Map new base: %v", err)
	}
	if err := w.Write32(0, 1); err != nil {
		t.Fatalf("Write32: %v", err)
	}
	if _, ok := a.regs[0x4000_0800]; !ok {
		t.Fatalf("write did not reach the moved device")
	}
}

func TestMemoryMapper(t *testing.T) {
	m := NewMemory(0x4000_0000, 0x4000)
	w, err := m.Map(0x4000_1000, 0x10)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := w.Write32(0, 7); err != nil {
		t.Fatalf("Write32: %v", err)
	}
	again, _ := m.Map(0x4000_1000, 4)
	if v, _ := again.Read32(0); v != 7 {
		t.Fatalf("shared backing read = %d, want 7", v)
	}
	if _, err := m.Map(0x4000_3ff0, 0x20); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("map past end: err = %v", err)
	}
}
