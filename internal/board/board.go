// Package board assembles an emulated platform: a system bus with an
// interrupt controller, an MSI doorbell and an ECAM host bridge populated
// with PCI functions, described by a flattened device tree.
package board

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/pcirq/internal/chipset"
	devpci "github.com/tinyrange/pcirq/internal/devices/pci"
	"github.com/tinyrange/pcirq/internal/fdt"
	"github.com/tinyrange/pcirq/internal/mmio"
)

const (
	DefaultECAMBase     = 0x30000000
	DefaultECAMSize     = 0x01000000
	DefaultMMIOBase     = 0x40000000
	DefaultMMIOSize     = 0x10000000
	DefaultDoorbellBase = 0x28000000
	DefaultLegacyBase   = 0x20

	controllerBase    = 0x0c000000
	controllerPhandle = 1
)

// Slot places one emulated function.
type Slot struct {
	Bus      uint8
	Device   uint8
	Function uint8
	Config   devpci.FunctionConfig
}

// Config describes the board layout. Zero fields take the defaults above.
type Config struct {
	ECAMBase     uint64
	ECAMSize     uint64
	MMIOBase     uint64
	MMIOSize     uint64
	DoorbellBase uint64
	LegacyBase   uint32

	Slots []Slot
}

// Board is an assembled emulated platform.
type Board struct {
	Bus        *mmio.Bus
	Controller *chipset.Controller
	Doorbell   *chipset.Doorbell
	Host       *devpci.HostBridge

	functions map[[3]uint8]*devpci.Function
	tree      []byte
}

// New builds the platform and its device tree.
func New(cfg Config, log *slog.Logger) (*Board, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ECAMBase == 0 {
		cfg.ECAMBase = DefaultECAMBase
	}
	if cfg.ECAMSize == 0 {
		cfg.ECAMSize = DefaultECAMSize
	}
	if cfg.MMIOBase == 0 {
		cfg.MMIOBase = DefaultMMIOBase
	}
	if cfg.MMIOSize == 0 {
		cfg.MMIOSize = DefaultMMIOSize
	}
	if cfg.DoorbellBase == 0 {
		cfg.DoorbellBase = DefaultDoorbellBase
	}
	if cfg.LegacyBase == 0 {
		cfg.LegacyBase = DefaultLegacyBase
	}

	b := &Board{
		Bus:        mmio.NewBus(),
		Controller: chipset.NewController(log),
		functions:  make(map[[3]uint8]*devpci.Function),
	}
	b.Doorbell = chipset.NewDoorbell(cfg.DoorbellBase, b.Controller)
	if err := b.Bus.Register(cfg.DoorbellBase, chipset.DoorbellSize, b.Doorbell); err != nil {
		return nil, fmt.Errorf("board: doorbell: %w", err)
	}

	host, err := devpci.NewHostBridge(devpci.HostBridgeConfig{
		ConfigBase: cfg.ECAMBase,
		ConfigSize: cfg.ECAMSize,
		MMIOBase:   cfg.MMIOBase,
		MMIOSize:   cfg.MMIOSize,
		LegacyBase: cfg.LegacyBase,
		Lines:      b.Controller,
	})
	if err != nil {
		return nil, fmt.Errorf("board: %w", err)
	}
	b.Host = host
	if err := b.Bus.Register(cfg.ECAMBase, cfg.ECAMSize, host); err != nil {
		return nil, fmt.Errorf("board: ECAM window: %w", err)
	}

	for _, s := range cfg.Slots {
		fn, err := devpci.NewFunction(s.Config, b.Bus, log)
		if err != nil {
			return nil, fmt.Errorf("board: %02x:%02x.%x: %w", s.Bus, s.Device, s.Function, err)
		}
		base, err := host.AttachFunction(s.Bus, s.Device, s.Function, fn)
		if err != nil {
			return nil, fmt.Errorf("board: %02x:%02x.%x: %w", s.Bus, s.Device, s.Function, err)
		}
		if err := b.Bus.Register(base, fn.BARSize(), fn); err != nil {
			return nil, fmt.Errorf("board: %02x:%02x.%x BAR0: %w", s.Bus, s.Device, s.Function, err)
		}
		fn.OnRelocate(func(from, to uint64) error {
			return b.Bus.Move(fn, from, to)
		})
		b.functions[[3]uint8{s.Bus, s.Device, s.Function}] = fn
		log.Debug("board: function attached",
			"function", fmt.Sprintf("%02x:%02x.%x", s.Bus, s.Device, s.Function),
			"bar0", fmt.Sprintf("0x%x", base),
		)
	}

	blob, err := fdt.Build(b.deviceTree(cfg))
	if err != nil {
		return nil, fmt.Errorf("board: device tree: %w", err)
	}
	b.tree = blob
	return b, nil
}

func (b *Board) deviceTree(cfg Config) fdt.Node {
	return fdt.Node{
		Properties: map[string]fdt.Property{
			"#address-cells": fdt.Cells(2),
			"#size-cells":    fdt.Cells(2),
			"compatible":     fdt.Strings("tinyrange,pcirq-virt"),
			"model":          fdt.Strings("tinyrange pcirq emulated board"),
		},
		Children: []fdt.Node{
			{
				Name: fmt.Sprintf("interrupt-controller@%x", controllerBase),
				Properties: map[string]fdt.Property{
					"compatible":           fdt.Strings("riscv,plic0"),
					"reg":                  {U64: []uint64{controllerBase, 0x4000000}},
					"#interrupt-cells":     fdt.Cells(1),
					"#address-cells":       fdt.Cells(0),
					"interrupt-controller": {Flag: true},
					"phandle":              fdt.Cells(controllerPhandle),
				},
			},
			{
				Name: fmt.Sprintf("msi@%x", cfg.DoorbellBase),
				Properties: map[string]fdt.Property{
					"compatible":     fdt.Strings("tinyrange,msi-doorbell"),
					"reg":            {U64: []uint64{cfg.DoorbellBase, chipset.DoorbellSize}},
					"msi-controller": {Flag: true},
				},
			},
			b.Host.DeviceTreeNode(controllerPhandle),
		},
	}
}

// DeviceTree returns the flattened device tree blob describing the board.
func (b *Board) DeviceTree() []byte { return b.tree }

// Function returns the emulated function at bus:device.function.
func (b *Board) Function(bus, device, function uint8) (*devpci.Function, bool) {
	fn, ok := b.functions[[3]uint8{bus, device, function}]
	return fn, ok
}
