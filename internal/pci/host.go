package pci

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/pcirq/internal/fdt"
	"github.com/tinyrange/pcirq/internal/irq"
	"github.com/tinyrange/pcirq/internal/mmio"
)

var (
	ErrHostBridgeNotFound = errors.New("pci: no compatible host bridge")
	ErrMissingProperty    = errors.New("pci: host bridge property missing")
)

// DefaultCompatible lists the host bridge compatible strings searched for
// when Options.Compatible is empty.
var DefaultCompatible = []string{"pci-host-ecam-generic", "pci-host-cam-generic"}

// Options configures Open.
type Options struct {
	// Mapper maps the ECAM window. Required.
	Mapper mmio.Mapper
	// Table receives an entry for every legacy vector. Required.
	Table *irq.RoutingTable
	// Controller is bound to Table.Dispatch for every legacy vector. Required.
	Controller irq.Controller

	Compatible []string
	Logger     *slog.Logger
}

// Access is a discovered host bridge: its configuration space and its legacy
// interrupt routes.
type Access struct {
	Config *ConfigSpace
	Legacy *LegacyResolver

	node   *fdt.TreeNode
	region fdt.Region
}

// Open finds the first compatible host bridge in tree, maps its ECAM window
// and decodes its interrupt-map.
func Open(tree *fdt.Tree, opts Options) (*Access, error) {
	if opts.Mapper == nil || opts.Table == nil || opts.Controller == nil {
		return nil, fmt.Errorf("pci: Open requires a mapper, routing table and controller")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	compat := opts.Compatible
	if len(compat) == 0 {
		compat = DefaultCompatible
	}

	node, ok := tree.FindCompatible(compat...)
	if !ok {
		return nil, fmt.Errorf("%w: searched %q", ErrHostBridgeNotFound, compat)
	}
	for _, prop := range []string{"reg", "interrupt-map", "interrupt-map-mask"} {
		if _, ok := node.Property(prop); !ok {
			return nil, fmt.Errorf("%w: %s has no %s", ErrMissingProperty, node.Path(), prop)
		}
	}

	regs, err := node.Reg()
	if err != nil {
		return nil, fmt.Errorf("pci: %s reg: %w", node.Path(), err)
	}
	region := regs[0]
	if region.Size < BusSize {
		return nil, fmt.Errorf("pci: %s ECAM window of 0x%x bytes is smaller than one bus", node.Path(), region.Size)
	}

	window, err := opts.Mapper.Map(region.Address, region.Size)
	if err != nil {
		return nil, fmt.Errorf("pci: map ECAM window 0x%x+0x%x: %w", region.Address, region.Size, err)
	}

	legacy, err := NewLegacyResolver(tree, node, opts.Table, opts.Controller, log)
	if err != nil {
		window.Close()
		return nil, err
	}

	log.Info("pci: host bridge found",
		"node", node.Path(),
		"compatible", node.Compatible(),
		"ecam", fmt.Sprintf("0x%x", region.Address),
		"size", fmt.Sprintf("0x%x", region.Size),
	)
	return &Access{
		Config: NewConfigSpace(window),
		Legacy: legacy,
		node:   node,
		region: region,
	}, nil
}

// Node returns the host bridge device tree node.
func (a *Access) Node() *fdt.TreeNode { return a.node }

// Region returns the physical ECAM window.
func (a *Access) Region() fdt.Region { return a.region }

// Close unmaps the ECAM window.
func (a *Access) Close() error {
	return a.Config.Window().Close()
}
