package pci

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/pcirq/internal/mmio"
)

const (
	type0BAROffset = 0x10
	type0BARCount  = 6

	pciStatusCapabilitiesList = uint16(1 << 4)

	msiCapabilityOffset  = 0x50
	msixCapabilityOffset = 0x70

	pciCapIDMSI  = 0x05
	pciCapIDMSIX = 0x11

	msiControlEnable      = uint16(1 << 0)
	msiControlMultiEnable = uint16(0x7 << 4)
	msiControl64BitCap    = uint16(1 << 7)

	msixControlEnableBit    = uint16(1 << 15)
	msixControlFunctionMask = uint16(1 << 14)
	msixTableSizeMask       = uint16(0x07ff)
	msixEntrySize           = 16

	// BAR0 is a 64-bit memory BAR holding the MSI-X table followed by the
	// pending bit array.
	msixBAR          = 0
	msixTableOffset  = 0x1000
	msixPBAOffset    = 0x1800
	msixBARSize      = 0x2000
	barAttrMem64     = uint32(0x4)
	barAttrMaskLow   = uint32(0xf)
	maxMSIXTableSize = (msixPBAOffset - msixTableOffset) / msixEntrySize
)

// FunctionConfig describes an emulated endpoint.
type FunctionConfig struct {
	VendorID  uint16
	DeviceID  uint16
	ClassCode uint32

	// InterruptPin is the INTx pin the function asserts (1..4, 0 for none).
	InterruptPin uint8
	// MSI64 exposes a 64-bit capable MSI capability.
	MSI64 bool
	// MSIXTableSize is the number of MSI-X table entries (default 1).
	MSIXTableSize int
	// BAR32 places the MSI-X BAR below 4GiB as a 32-bit memory BAR.
	BAR32 bool
}

type msixEntry struct {
	addr   uint64
	data   uint32
	masked bool
}

// Function is an emulated PCI endpoint with MSI and MSI-X capabilities. It
// delivers message-signaled interrupts by writing to the message bus it was
// created with, and INTx through its host bridge.
type Function struct {
	cfg FunctionConfig
	bus mmio.Device
	log *slog.Logger

	mu sync.Mutex

	command       uint16
	status        uint16
	interruptLine uint8

	barLow     uint32
	barHigh    uint32
	barSizing  [2]bool
	mappedBase uint64
	relocate   func(from, to uint64) error

	msiControl uint16
	msiAddress uint64
	msiData    uint16

	msixControl uint16
	msixEntries []msixEntry
	msixPending []uint64

	intx func(level bool)
}

// NewFunction returns an endpoint whose MSI messages are written to bus.
func NewFunction(cfg FunctionConfig, bus mmio.Device, log *slog.Logger) (*Function, error) {
	if bus == nil {
		return nil, fmt.Errorf("pci function: message bus is nil")
	}
	if cfg.InterruptPin > 4 {
		return nil, fmt.Errorf("pci function: interrupt pin %d out of range", cfg.InterruptPin)
	}
	if cfg.MSIXTableSize == 0 {
		cfg.MSIXTableSize = 1
	}
	if cfg.MSIXTableSize < 0 || cfg.MSIXTableSize > maxMSIXTableSize {
		return nil, fmt.Errorf("pci function: MSI-X table size %d out of range", cfg.MSIXTableSize)
	}
	if log == nil {
		log = slog.Default()
	}
	f := &Function{
		cfg:         cfg,
		bus:         bus,
		log:         log,
		status:      pciStatusCapabilitiesList,
		msixEntries: make([]msixEntry, cfg.MSIXTableSize),
		msixPending: make([]uint64, (cfg.MSIXTableSize+63)/64),
		msixControl: uint16(cfg.MSIXTableSize-1) & msixTableSizeMask,
	}
	for i := range f.msixEntries {
		f.msixEntries[i].masked = true
	}
	if cfg.MSI64 {
		f.msiControl = msiControl64BitCap
	}
	f.barLow = f.barAttributes()
	return f, nil
}

func (f *Function) barAttributes() uint32 {
	if f.cfg.BAR32 {
		return 0
	}
	return barAttrMem64
}

// ConfigSpace implements Endpoint.
func (f *Function) ConfigSpace() ConfigSpace { return f }

// OnRelocate installs the hook that moves the function's system bus binding
// when software reprograms BAR0.
func (f *Function) OnRelocate(fn func(from, to uint64) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relocate = fn
}

// OnBARReprogram implements Endpoint. If the relocation hook refuses the new
// base, BAR0 reverts to the base it was mapped at.
func (f *Function) OnBARReprogram(index int, value uint32) error {
	if index != msixBAR && index != msixBAR+1 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	from, to := f.mappedBase, f.barBaseLocked()
	if from == to {
		return nil
	}
	if f.relocate != nil {
		if err := f.relocate(from, to); err != nil {
			f.setBARLocked(from)
			return fmt.Errorf("pci function: move BAR0 0x%x -> 0x%x: %w", from, to, err)
		}
	}
	f.mappedBase = to
	f.log.Debug("pci function: BAR0 moved", "from", fmt.Sprintf("0x%x", from), "to", fmt.Sprintf("0x%x", to))
	return nil
}

// SetBARBase places BAR0 at base.
func (f *Function) SetBARBase(base uint64) error {
	if base%msixBARSize != 0 {
		return fmt.Errorf("pci function: BAR base 0x%x not aligned to 0x%x", base, msixBARSize)
	}
	if f.cfg.BAR32 && base>>32 != 0 {
		return fmt.Errorf("pci function: BAR base 0x%x above 4GiB for a 32-bit BAR", base)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setBARLocked(base)
	f.mappedBase = base
	return nil
}

func (f *Function) setBARLocked(base uint64) {
	f.barLow = uint32(base) | f.barAttributes()
	f.barHigh = uint32(base >> 32)
}

// BARBase returns the address BAR0 currently decodes.
func (f *Function) BARBase() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.barBaseLocked()
}

func (f *Function) barBaseLocked() uint64 {
	base := uint64(f.barLow &^ barAttrMaskLow)
	if !f.cfg.BAR32 {
		base |= uint64(f.barHigh) << 32
	}
	return base
}

// BARSize returns the length of BAR0.
func (f *Function) BARSize() uint64 { return msixBARSize }

// ReadConfig implements ConfigSpace.
func (f *Function) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if size != 1 && size != 2 && size != 4 {
		return 0, fmt.Errorf("unsupported config read size %d", size)
	}
	if uint16(size) > 4-offset&0x3 {
		return 0, fmt.Errorf("config read of %d bytes at %#x crosses a dword", size, offset)
	}
	base := offset &^ 0x3
	f.mu.Lock()
	value := f.readConfigDWord(base)
	f.mu.Unlock()
	value >>= (offset - base) * 8
	mask := uint32((uint64(1) << (size * 8)) - 1)
	return value & mask, nil
}

// WriteConfig implements ConfigSpace.
func (f *Function) WriteConfig(offset uint16, size uint8, value uint32) error {
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("unsupported config write size %d", size)
	}
	if uint16(size) > 4-offset&0x3 {
		return fmt.Errorf("config write of %d bytes at %#x crosses a dword", size, offset)
	}
	base := offset &^ 0x3
	f.mu.Lock()
	defer f.mu.Unlock()
	if size == 4 {
		f.writeConfigDWord(base, value)
		return nil
	}
	// Sub-dword writes must not clear status bits by writing back what was read.
	current := f.readConfigDWord(base)
	if base == 0x04 {
		current &= 0xffff
	}
	shift := (offset - base) * 8
	mask := uint32((uint64(1) << (size * 8)) - 1)
	f.writeConfigDWord(base, current&^(mask<<shift)|(value&mask)<<shift)
	return nil
}

func (f *Function) readConfigDWord(offset uint16) uint32 {
	switch offset {
	case 0x00:
		return uint32(f.cfg.VendorID) | uint32(f.cfg.DeviceID)<<16
	case 0x04:
		return uint32(f.command) | uint32(f.status)<<16
	case 0x08:
		return f.cfg.ClassCode << 8
	case 0x0c:
		return 0 // header type 0
	case 0x10:
		if f.barSizing[0] {
			return ^uint32(msixBARSize-1)&^barAttrMaskLow | f.barAttributes()
		}
		return f.barLow
	case 0x14:
		if f.cfg.BAR32 {
			return 0
		}
		if f.barSizing[1] {
			return 0xffff_ffff
		}
		return f.barHigh
	case 0x34:
		return msiCapabilityOffset
	case 0x3c:
		return uint32(f.interruptLine) | uint32(f.cfg.InterruptPin)<<8
	}
	if v, ok := f.readMSICap(offset); ok {
		return v
	}
	if v, ok := f.readMSIXCap(offset); ok {
		return v
	}
	return 0
}

func (f *Function) writeConfigDWord(offset uint16, value uint32) {
	switch offset {
	case 0x04:
		f.command = uint16(value)
		f.status &^= uint16(value >> 16)
		f.status |= pciStatusCapabilitiesList
		return
	case 0x10:
		f.barSizing[0] = value == 0xffff_ffff
		if !f.barSizing[0] {
			f.barLow = value&^uint32(msixBARSize-1)&^barAttrMaskLow | f.barAttributes()
		}
		return
	case 0x14:
		if f.cfg.BAR32 {
			return
		}
		f.barSizing[1] = value == 0xffff_ffff
		if !f.barSizing[1] {
			f.barHigh = value
		}
		return
	case 0x3c:
		f.interruptLine = uint8(value)
		return
	}
	if f.writeMSICap(offset, value) {
		return
	}
	f.writeMSIXCap(offset, value)
}

func (f *Function) msiDataOffset() uint16 {
	if f.msiControl&msiControl64BitCap != 0 {
		return msiCapabilityOffset + 0x0c
	}
	return msiCapabilityOffset + 0x08
}

func (f *Function) readMSICap(offset uint16) (uint32, bool) {
	switch {
	case offset == msiCapabilityOffset:
		return pciCapIDMSI | msixCapabilityOffset<<8 | uint32(f.msiControl)<<16, true
	case offset == msiCapabilityOffset+0x04:
		return uint32(f.msiAddress), true
	case offset == f.msiDataOffset():
		return uint32(f.msiData), true
	case offset == msiCapabilityOffset+0x08 && f.msiControl&msiControl64BitCap != 0:
		return uint32(f.msiAddress >> 32), true
	}
	return 0, false
}

func (f *Function) writeMSICap(offset uint16, value uint32) bool {
	switch {
	case offset == msiCapabilityOffset:
		ctl := uint16(value >> 16)
		f.msiControl = f.msiControl&^(msiControlEnable|msiControlMultiEnable) |
			ctl&(msiControlEnable|msiControlMultiEnable)
	case offset == msiCapabilityOffset+0x04:
		f.msiAddress = f.msiAddress&^0xffff_ffff | uint64(value&^0x3)
	case offset == f.msiDataOffset():
		f.msiData = uint16(value)
	case offset == msiCapabilityOffset+0x08 && f.msiControl&msiControl64BitCap != 0:
		f.msiAddress = f.msiAddress&0xffff_ffff | uint64(value)<<32
	default:
		return false
	}
	return true
}

func (f *Function) readMSIXCap(offset uint16) (uint32, bool) {
	switch offset {
	case msixCapabilityOffset:
		return pciCapIDMSIX | uint32(f.msixControl)<<16, true
	case msixCapabilityOffset + 0x04:
		return msixTableOffset | msixBAR, true
	case msixCapabilityOffset + 0x08:
		return msixPBAOffset | msixBAR, true
	}
	return 0, false
}

func (f *Function) writeMSIXCap(offset uint16, value uint32) bool {
	if offset != msixCapabilityOffset {
		return false
	}
	writable := msixControlEnableBit | msixControlFunctionMask
	prev := f.msixControl
	f.msixControl = f.msixControl&^writable | uint16(value>>16)&writable
	if prev&msixControlFunctionMask != 0 && f.msixControl&msixControlFunctionMask == 0 {
		f.flushPendingLocked()
	}
	return true
}

// ReadMMIO implements mmio.Device for BAR0.
func (f *Function) ReadMMIO(addr uint64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	off, err := f.barOffset(addr, len(data))
	if err != nil {
		return err
	}
	for i := range data {
		data[i] = f.barByte(off + uint64(i))
	}
	return nil
}

// WriteMMIO implements mmio.Device for BAR0. The pending bit array is read-only.
func (f *Function) WriteMMIO(addr uint64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	off, err := f.barOffset(addr, len(data))
	if err != nil {
		return err
	}
	for i, b := range data {
		o := off + uint64(i)
		if o < msixTableOffset || o >= msixTableOffset+uint64(len(f.msixEntries))*msixEntrySize {
			continue
		}
		rel := o - msixTableOffset
		f.writeMSIXEntryByte(int(rel/msixEntrySize), int(rel%msixEntrySize), b)
	}
	return nil
}

func (f *Function) barOffset(addr uint64, length int) (uint64, error) {
	base := f.barBaseLocked()
	if addr < base || addr+uint64(length) > base+msixBARSize {
		return 0, fmt.Errorf("pci function: access 0x%x+%d outside BAR0 0x%x", addr, length, base)
	}
	return addr - base, nil
}

func (f *Function) barByte(off uint64) byte {
	switch {
	case off >= msixTableOffset && off < msixTableOffset+uint64(len(f.msixEntries))*msixEntrySize:
		rel := off - msixTableOffset
		return f.msixEntryByte(int(rel/msixEntrySize), int(rel%msixEntrySize))
	case off >= msixPBAOffset && off < msixPBAOffset+uint64(len(f.msixPending))*8:
		rel := off - msixPBAOffset
		return byte(f.msixPending[rel/8] >> ((rel % 8) * 8))
	}
	return 0
}

func (f *Function) msixEntryByte(idx, off int) byte {
	e := f.msixEntries[idx]
	switch {
	case off < 8:
		return byte(e.addr >> (off * 8))
	case off < 12:
		return byte(e.data >> ((off - 8) * 8))
	case off == 12:
		if e.masked {
			return 1
		}
	}
	return 0
}

func (f *Function) writeMSIXEntryByte(idx, off int, value byte) {
	e := &f.msixEntries[idx]
	switch {
	case off < 8:
		shift := off * 8
		e.addr = e.addr&^(uint64(0xff)<<shift) | uint64(value)<<shift
	case off < 12:
		shift := (off - 8) * 8
		e.data = e.data&^(uint32(0xff)<<shift) | uint32(value)<<shift
	case off == 12:
		wasMasked := e.masked
		e.masked = value&0x1 != 0
		if wasMasked && !e.masked {
			f.deliverPendingLocked(idx)
		}
	}
}

// FireMSI sends the programmed MSI message. It reports whether a message
// was written.
func (f *Function) FireMSI() (bool, error) {
	f.mu.Lock()
	if f.msiControl&msiControlEnable == 0 || f.msixControl&msixControlEnableBit != 0 {
		f.mu.Unlock()
		return false, nil
	}
	addr, data := f.msiAddress, uint32(f.msiData)
	f.mu.Unlock()
	return true, f.sendMessage(addr, data)
}

// FireMSIX sends the message of table entry idx, or latches its pending bit
// while the entry or the function is masked.
func (f *Function) FireMSIX(idx int) (bool, error) {
	f.mu.Lock()
	if idx < 0 || idx >= len(f.msixEntries) {
		f.mu.Unlock()
		return false, fmt.Errorf("pci function: MSI-X vector %d out of range", idx)
	}
	if f.msixControl&msixControlEnableBit == 0 {
		f.mu.Unlock()
		return false, nil
	}
	if f.msixControl&msixControlFunctionMask != 0 || f.msixEntries[idx].masked {
		f.msixPending[idx/64] |= 1 << (idx % 64)
		f.mu.Unlock()
		return false, nil
	}
	e := f.msixEntries[idx]
	f.mu.Unlock()
	return true, f.sendMessage(e.addr, e.data)
}

// MSIXPending reports whether entry idx has a latched message.
func (f *Function) MSIXPending(idx int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if idx < 0 || idx >= len(f.msixEntries) {
		return false
	}
	return f.msixPending[idx/64]&(1<<(idx%64)) != 0
}

func (f *Function) flushPendingLocked() {
	for idx := range f.msixEntries {
		f.deliverPendingLocked(idx)
	}
}

// deliverPendingLocked sends a latched message for idx once it is unmasked.
// The message write is issued asynchronously so the bus is never entered
// with f.mu held.
func (f *Function) deliverPendingLocked(idx int) {
	bit := uint64(1) << (idx % 64)
	if f.msixPending[idx/64]&bit == 0 {
		return
	}
	if f.msixControl&msixControlFunctionMask != 0 || f.msixEntries[idx].masked {
		return
	}
	f.msixPending[idx/64] &^= bit
	e := f.msixEntries[idx]
	go func() {
		if err := f.sendMessage(e.addr, e.data); err != nil {
			f.log.Error("pci function: deliver pending MSI-X", "vector", idx, "err", err)
		}
	}()
}

func (f *Function) sendMessage(addr uint64, data uint32) error {
	if addr == 0 {
		return fmt.Errorf("pci function: message address not programmed")
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], data)
	if err := f.bus.WriteMMIO(addr, buf[:]); err != nil {
		return fmt.Errorf("pci function: message write to 0x%x: %w", addr, err)
	}
	return nil
}

// SetINTx drives the function's interrupt pin. It is a no-op until the
// function is registered with a host bridge, and while the command register
// disables INTx.
func (f *Function) SetINTx(level bool) {
	f.mu.Lock()
	intx := f.intx
	disabled := f.command&(1<<10) != 0
	f.mu.Unlock()
	if intx == nil || (level && disabled) {
		return
	}
	intx(level)
}

// AssertINTx pulses the function's interrupt pin.
func (f *Function) AssertINTx() {
	f.SetINTx(true)
	f.SetINTx(false)
}

func (f *Function) attachINTx(fn func(level bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intx = fn
}

var (
	_ Endpoint    = (*Function)(nil)
	_ mmio.Device = (*Function)(nil)
)
