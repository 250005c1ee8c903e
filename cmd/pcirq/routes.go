package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/pcirq/internal/chipset"
	"github.com/tinyrange/pcirq/internal/config"
	"github.com/tinyrange/pcirq/internal/fdt"
	"github.com/tinyrange/pcirq/internal/irq"
	"github.com/tinyrange/pcirq/internal/mmio"
	"github.com/tinyrange/pcirq/internal/pci"
)

func runRoutes(cfg config.Config, log *slog.Logger, out *printer, args []string) error {
	fs := flag.NewFlagSet("routes", flag.ContinueOnError)
	useDevMem := fs.Bool("devmem", false, "Map the ECAM window through the devmem device and list bus 0")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("routes: device tree blob required")
	}

	blob, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	tree, err := fdt.Parse(blob)
	if err != nil {
		return err
	}

	// Handlers are bound on a simulated controller; routes only reports them.
	table := irq.NewRoutingTable()
	ctrl := chipset.NewController(log)

	if !*useDevMem {
		node, ok := tree.FindCompatible(cfg.HostBridge.Compatible...)
		if !ok {
			return fmt.Errorf("%w: searched %q", pci.ErrHostBridgeNotFound, cfg.HostBridge.Compatible)
		}
		regs, err := node.Reg()
		if err != nil {
			return err
		}
		legacy, err := pci.NewLegacyResolver(tree, node, table, ctrl, log)
		if err != nil {
			return err
		}
		printHost(out, node, regs[0])
		printRoutes(out, legacy)
		return nil
	}

	acc, err := pci.Open(tree, pci.Options{
		Mapper:     mmio.DevMem{Path: cfg.DevMem},
		Table:      table,
		Controller: ctrl,
		Compatible: cfg.HostBridge.Compatible,
		Logger:     log,
	})
	if err != nil {
		return err
	}
	defer acc.Close()

	printHost(out, acc.Node(), acc.Region())
	printRoutes(out, acc.Legacy)
	return printFunctions(out, acc.Config)
}

func printHost(out *printer, node *fdt.TreeNode, region fdt.Region) {
	out.Header("Host bridge", "node", "compatible", "ecam", "size")
	out.Row(node.Path(), node.Compatible()[0], fmt.Sprintf("0x%x", region.Address), fmt.Sprintf("0x%x", region.Size))
}

func printRoutes(out *printer, legacy *pci.LegacyResolver) {
	out.Header("Legacy routes", "function", "pin", "vector")
	for _, r := range legacy.Routes() {
		out.Row(r.Function, pinName(r.Pin), fmt.Sprintf("0x%x", r.Vector))
	}
}

func printFunctions(out *printer, cs *pci.ConfigSpace) error {
	out.Header("Bus 0", "function", "vendor", "device", "pin", "msi", "msix")
	for dev := uint8(0); dev < pci.MaxDevices; dev++ {
		for fn := uint8(0); fn < pci.MaxFunctions; fn++ {
			a := pci.Address{Device: dev, Function: fn}
			present, err := cs.Present(a)
			if err != nil {
				return err
			}
			if !present {
				if fn == 0 {
					break
				}
				continue
			}
			id, err := cs.Read(a, pci.RegVendorID)
			if err != nil {
				return err
			}
			pin, err := cs.Read8(a, pci.RegInterruptPin)
			if err != nil {
				return err
			}
			_, msiErr := cs.FindCapability(a, pci.CapabilityMSI)
			_, msixErr := cs.FindCapability(a, pci.CapabilityMSIX)
			out.Row(a, fmt.Sprintf("%04x", uint16(id)), fmt.Sprintf("%04x", uint16(id>>16)),
				pinName(pin), msiErr == nil, msixErr == nil)
		}
	}
	return nil
}

func pinName(pin uint8) string {
	if pin >= pci.PinINTA && pin <= pci.PinINTD {
		return "INT" + string(rune('A'+pin-1))
	}
	return "-"
}
