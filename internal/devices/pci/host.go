// Package pci emulates an ECAM PCI host bridge and PCI endpoints with MSI and
// MSI-X capabilities.
package pci

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/pcirq/internal/fdt"
	"github.com/tinyrange/pcirq/internal/mmio"
)

// ConfigSpace models PCI configuration space access for a single bus/device/function tuple.
type ConfigSpace interface {
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

// Endpoint represents a PCI function behind the host bridge.
type Endpoint interface {
	ConfigSpace() ConfigSpace
	OnBARReprogram(index int, value uint32) error
}

// LineController drives wired interrupt lines.
type LineController interface {
	SetIRQ(line uint32, level bool)
}

type linearAllocator struct {
	base uint64
	size uint64
	next uint64
}

func newLinearAllocator(base, size uint64) *linearAllocator {
	return &linearAllocator{
		base: base,
		size: size,
		next: base,
	}
}

func (a *linearAllocator) Allocate(size, align uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("BAR size must be non-zero")
	}
	if align == 0 {
		align = size
	}
	base := (a.next + align - 1) &^ (align - 1)
	if base < a.base || base+size < base || base+size > a.base+a.size {
		return 0, fmt.Errorf("PCI MMIO space exhausted")
	}
	a.next = base + size
	return base, nil
}

type deviceKey struct {
	bus uint8
	dev uint8
	fn  uint8
}

func (k deviceKey) String() string {
	return fmt.Sprintf("%02x:%02x.%x", k.bus, k.dev, k.fn)
}

type deviceSlot struct {
	endpoint Endpoint
	provider ConfigSpace
}

// HostBridgeConfig describes the MMIO layout for config accesses, BAR
// windows and legacy interrupt wiring.
type HostBridgeConfig struct {
	ConfigBase   uint64
	ConfigSize   uint64
	MMIOBase     uint64
	MMIOSize     uint64
	RootVendorID uint16
	RootDeviceID uint16

	// LegacyBase is the line INTA of device 0 is wired to. Device d pin p
	// uses line LegacyBase + (d + p - 1) % 4.
	LegacyBase uint32
	Lines      LineController
}

// HostBridge implements a minimal ECAM-capable PCI root complex.
type HostBridge struct {
	configBase uint64
	configSize uint64

	mmioBase uint64
	mmioSize uint64

	rootVendorID uint16
	rootDeviceID uint16
	maxBus       uint8

	legacyBase uint32
	lines      LineController

	barAllocator *linearAllocator

	mu      sync.Mutex
	devices map[deviceKey]*deviceSlot
}

// NewHostBridge constructs a host bridge using the supplied config.
func NewHostBridge(cfg HostBridgeConfig) (*HostBridge, error) {
	const (
		defaultConfigSize = 1 << 20 // 1 MiB covers bus 0
		defaultMMIOBase   = 0x40000000
		defaultMMIOSize   = 0x10000000
		defaultLegacyBase = 0x20
	)

	h := &HostBridge{
		configBase:   cfg.ConfigBase,
		configSize:   cfg.ConfigSize,
		mmioBase:     cfg.MMIOBase,
		mmioSize:     cfg.MMIOSize,
		rootVendorID: cfg.RootVendorID,
		rootDeviceID: cfg.RootDeviceID,
		legacyBase:   cfg.LegacyBase,
		lines:        cfg.Lines,
		devices:      make(map[deviceKey]*deviceSlot),
	}
	if h.configSize == 0 {
		h.configSize = defaultConfigSize
	}
	if h.configSize%(1<<20) != 0 || h.configSize > 256<<20 {
		return nil, fmt.Errorf("pci host bridge: config size 0x%x is not a whole number of buses", h.configSize)
	}
	h.maxBus = uint8(h.configSize>>20 - 1)
	if h.mmioSize == 0 {
		h.mmioSize = defaultMMIOSize
	}
	if h.mmioBase == 0 {
		h.mmioBase = defaultMMIOBase
	}
	if h.rootVendorID == 0 {
		h.rootVendorID = 0x1b36
	}
	if h.rootDeviceID == 0 {
		h.rootDeviceID = 0x0008
	}
	if h.legacyBase == 0 {
		h.legacyBase = defaultLegacyBase
	}
	h.barAllocator = newLinearAllocator(h.mmioBase, h.mmioSize)
	return h, nil
}

// ConfigBase returns the physical address of the ECAM window.
func (h *HostBridge) ConfigBase() uint64 { return h.configBase }

// ConfigSize returns the length of the ECAM window.
func (h *HostBridge) ConfigSize() uint64 { return h.configSize }

// ReadMMIO implements mmio.Device.
func (h *HostBridge) ReadMMIO(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	offset := addr - h.configBase
	if addr < h.configBase || offset >= h.configSize {
		return fmt.Errorf("pci host bridge: read outside config space %#x", addr)
	}

	remaining := len(data)
	cursor := 0
	curOffset := offset
	for remaining > 0 {
		key, reg, ok := h.decodeConfigAddress(curOffset)
		if !ok {
			data[cursor] = 0xff
			cursor++
			curOffset++
			remaining--
			continue
		}
		chunk := pickConfigAccessSize(reg, remaining)
		value := h.readConfig(key, reg, chunk)
		for i := 0; i < int(chunk); i++ {
			data[cursor+i] = byte(value >> (8 * i))
		}
		cursor += int(chunk)
		curOffset += uint64(chunk)
		remaining -= int(chunk)
	}
	return nil
}

// WriteMMIO implements mmio.Device.
func (h *HostBridge) WriteMMIO(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	offset := addr - h.configBase
	if addr < h.configBase || offset >= h.configSize {
		return fmt.Errorf("pci host bridge: write outside config space %#x", addr)
	}

	remaining := len(data)
	cursor := 0
	curOffset := offset
	for remaining > 0 {
		key, reg, ok := h.decodeConfigAddress(curOffset)
		if !ok {
			break
		}
		chunk := pickConfigAccessSize(reg, remaining)
		value := uint32(0)
		for i := 0; i < int(chunk); i++ {
			value |= uint32(data[cursor+i]) << (8 * i)
		}
		if err := h.writeConfig(key, reg, chunk, value); err != nil {
			return err
		}
		cursor += int(chunk)
		curOffset += uint64(chunk)
		remaining -= int(chunk)
	}
	return nil
}

func (h *HostBridge) decodeConfigAddress(offset uint64) (deviceKey, uint16, bool) {
	bus := uint8((offset >> 20) & 0xff)
	device := uint8((offset >> 15) & 0x1f)
	function := uint8((offset >> 12) & 0x7)
	if bus > h.maxBus {
		return deviceKey{}, 0, false
	}
	reg := uint16(offset & 0xfff)
	return deviceKey{bus: bus, dev: device, fn: function}, reg, true
}

func (h *HostBridge) readConfig(key deviceKey, offset uint16, size uint8) uint32 {
	if key.bus == 0 && key.dev == 0 && key.fn == 0 {
		return h.readRootConfig(offset, size)
	}
	provider := h.provider(key)
	if provider == nil {
		return 0xffff_ffff
	}
	value, err := provider.ReadConfig(offset, size)
	if err != nil {
		return 0xffff_ffff
	}
	return maskValue(value, size)
}

// writeConfig drops writes to absent functions and rejected registers, as
// hardware does. Only a BAR move the endpoint cannot follow is reported.
func (h *HostBridge) writeConfig(key deviceKey, offset uint16, size uint8, value uint32) error {
	if key.bus == 0 && key.dev == 0 && key.fn == 0 {
		return nil
	}
	h.mu.Lock()
	slot := h.devices[key]
	h.mu.Unlock()
	if slot == nil {
		return nil
	}
	if err := slot.provider.WriteConfig(offset, size, value); err != nil {
		return nil
	}
	if size == 4 && offset >= type0BAROffset && offset < type0BAROffset+type0BARCount*4 && value != 0xffff_ffff {
		if err := slot.endpoint.OnBARReprogram(int(offset-type0BAROffset)/4, value); err != nil {
			return fmt.Errorf("pci host bridge: %s: %w", key, err)
		}
	}
	return nil
}

func (h *HostBridge) readRootConfig(offset uint16, size uint8) uint32 {
	if size == 0 || size > 4 {
		return 0xffff_ffff
	}
	if int(offset)+int(size) > 256 {
		return 0
	}
	var buf [256]byte
	binary.LittleEndian.PutUint16(buf[0:], h.rootVendorID)
	binary.LittleEndian.PutUint16(buf[2:], h.rootDeviceID)
	buf[0x0b] = 0x06 // bridge
	buf[0x0a] = 0x00 // host bridge
	value := uint32(0)
	for i := uint8(0); i < size; i++ {
		value |= uint32(buf[int(offset)+int(i)]) << (8 * i)
	}
	return value
}

// RegisterEndpoint associates an endpoint with the supplied location.
func (h *HostBridge) RegisterEndpoint(bus, device, function uint8, endpoint Endpoint) error {
	if endpoint == nil {
		return fmt.Errorf("pci endpoint cannot be nil")
	}
	if bus > h.maxBus {
		return fmt.Errorf("bus %d outside ECAM window (max %d)", bus, h.maxBus)
	}
	if device >= 32 || function >= 8 {
		return fmt.Errorf("invalid endpoint location %02x:%02x.%x", bus, device, function)
	}
	if bus == 0 && device == 0 && function == 0 {
		return fmt.Errorf("00:00.0 is the host bridge")
	}
	provider := endpoint.ConfigSpace()
	if provider == nil {
		return fmt.Errorf("endpoint must expose config space")
	}

	key := deviceKey{bus: bus, dev: device, fn: function}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.devices[key]; exists {
		return fmt.Errorf("device already registered at %s", key)
	}
	h.devices[key] = &deviceSlot{
		endpoint: endpoint,
		provider: provider,
	}
	return nil
}

// AttachFunction registers f at the given location, places its BAR0 in the
// host's MMIO window and wires its interrupt pin. It returns the BAR base;
// the caller maps [base, base+f.BARSize()) to f on the system bus.
func (h *HostBridge) AttachFunction(bus, device, function uint8, f *Function) (uint64, error) {
	if err := h.RegisterEndpoint(bus, device, function, f); err != nil {
		return 0, err
	}
	h.mu.Lock()
	base, err := h.barAllocator.Allocate(f.BARSize(), f.BARSize())
	h.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if err := f.SetBARBase(base); err != nil {
		return 0, err
	}
	if pin := f.cfg.InterruptPin; pin != 0 && h.lines != nil {
		line := h.LegacyLine(device, pin)
		f.attachINTx(func(level bool) { h.lines.SetIRQ(line, level) })
	}
	return base, nil
}

// LegacyLine returns the line that pin (1..4) of device is wired to.
func (h *HostBridge) LegacyLine(device, pin uint8) uint32 {
	return h.legacyBase + (uint32(device)+uint32(pin)-1)%4
}

func (h *HostBridge) provider(key deviceKey) ConfigSpace {
	h.mu.Lock()
	defer h.mu.Unlock()
	if slot := h.devices[key]; slot != nil {
		return slot.provider
	}
	return nil
}

func maskValue(value uint32, size uint8) uint32 {
	switch size {
	case 1:
		return value & 0xff
	case 2:
		return value & 0xffff
	case 4:
		return value
	default:
		return 0xffff_ffff
	}
}

func pickConfigAccessSize(reg uint16, remaining int) uint8 {
	if reg%4 == 0 && remaining >= 4 {
		return 4
	}
	if reg%2 == 0 && remaining >= 2 {
		return 2
	}
	return 1
}

// DeviceTreeNode returns a device-tree node describing the host bridge. Its
// interrupt-map routes every slot and pin of bus 0 through the swizzle used
// by LegacyLine to the controller named by parentPhandle, which must have
// #interrupt-cells = 1 and #address-cells = 0.
func (h *HostBridge) DeviceTreeNode(parentPhandle uint32) fdt.Node {
	ranges := []uint32{
		0x02000000, uint32(h.mmioBase >> 32), uint32(h.mmioBase),
		uint32(h.mmioBase >> 32), uint32(h.mmioBase),
		uint32(h.mmioSize >> 32), uint32(h.mmioSize),
	}
	var imap []uint32
	for slot := uint8(0); slot < 4; slot++ {
		for pin := uint8(1); pin <= 4; pin++ {
			imap = append(imap,
				uint32(slot)<<11, 0, 0, uint32(pin),
				parentPhandle, h.LegacyLine(slot, pin),
			)
		}
	}
	return fdt.Node{
		Name: fmt.Sprintf("pcie@%x", h.configBase),
		Properties: map[string]fdt.Property{
			"compatible":         fdt.Strings("pci-host-ecam-generic"),
			"device_type":        fdt.Strings("pci"),
			"#address-cells":     fdt.Cells(3),
			"#size-cells":        fdt.Cells(2),
			"#interrupt-cells":   fdt.Cells(1),
			"bus-range":          fdt.Cells(0, uint32(h.maxBus)),
			"reg":                {U64: []uint64{h.configBase, h.configSize}},
			"ranges":             {U32: ranges},
			"linux,pci-domain":   fdt.Cells(0),
			"interrupt-map-mask": fdt.Cells(0x1800, 0, 0, 7),
			"interrupt-map":      {U32: imap},
		},
	}
}

var _ mmio.Device = (*HostBridge)(nil)
