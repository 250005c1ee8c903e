package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/pcirq/internal/board"
	"github.com/tinyrange/pcirq/internal/config"
	devpci "github.com/tinyrange/pcirq/internal/devices/pci"
	"github.com/tinyrange/pcirq/internal/fdt"
	"github.com/tinyrange/pcirq/internal/irq"
	"github.com/tinyrange/pcirq/internal/pci"
	"golang.org/x/sync/errgroup"
)

var selftestSlots = []board.Slot{
	{Device: 1, Config: devpci.FunctionConfig{
		VendorID: 0x1af4, DeviceID: 0x1041, ClassCode: 0x020000,
		InterruptPin: pci.PinINTA, MSI64: true, MSIXTableSize: 4,
	}},
	{Device: 2, Config: devpci.FunctionConfig{
		VendorID: 0x1af4, DeviceID: 0x1042, ClassCode: 0x010000,
		InterruptPin: pci.PinINTB, BAR32: true,
	}},
}

type selftest struct {
	board   *board.Board
	access  *pci.Access
	conf    *pci.InterruptConfigurator
	timeout time.Duration
}

func runSelftest(cfg config.Config, log *slog.Logger, out *printer, args []string) error {
	fs := flag.NewFlagSet("selftest", flag.ContinueOnError)
	timeout := fs.Duration("timeout", time.Second, "How long to wait for each interrupt")
	if err := fs.Parse(args); err != nil {
		return err
	}

	b, err := board.New(board.Config{
		DoorbellBase: uint64(cfg.MSI.Doorbell),
		Slots:        selftestSlots,
	}, log)
	if err != nil {
		return err
	}
	tree, err := fdt.Parse(b.DeviceTree())
	if err != nil {
		return err
	}

	table := irq.NewRoutingTable()
	acc, err := pci.Open(tree, pci.Options{
		Mapper:     b.Bus,
		Table:      table,
		Controller: b.Controller,
		Compatible: cfg.HostBridge.Compatible,
		Logger:     log,
	})
	if err != nil {
		return err
	}
	defer acc.Close()

	vectors, err := irq.NewVectorAllocator(cfg.MSI.Vectors.First, cfg.MSI.Vectors.Last)
	if err != nil {
		return err
	}
	conf, err := pci.NewInterruptConfigurator(pci.ConfiguratorOptions{
		Config:         acc.Config,
		Legacy:         acc.Legacy,
		Table:          table,
		Controller:     b.Controller,
		Vectors:        vectors,
		Mapper:         b.Bus,
		MessageAddress: uint64(cfg.MSI.Doorbell),
		Logger:         log,
	})
	if err != nil {
		return err
	}

	st := &selftest{board: b, access: acc, conf: conf, timeout: *timeout}

	// Functions are exercised concurrently; checks on one function run in order.
	results := make([][]selftestResult, len(selftestSlots))
	g := new(errgroup.Group)
	for i, slot := range selftestSlots {
		i, slot := i, slot
		g.Go(func() error {
			fn := pci.Address{Bus: slot.Bus, Device: slot.Device, Function: slot.Function}
			dev, ok := b.Function(slot.Bus, slot.Device, slot.Function)
			if !ok {
				return fmt.Errorf("selftest: no emulated function at %s", fn)
			}
			for _, check := range []func(pci.Address, *devpci.Function) (pci.Binding, error){
				st.legacy, st.msi, st.msix,
			} {
				binding, err := check(fn, dev)
				results[i] = append(results[i], selftestResult{fn: fn, binding: binding, err: err})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	out.Header("Selftest", "function", "mode", "vector", "result")
	failed, total := 0, 0
	for _, rs := range results {
		for _, r := range rs {
			total++
			result := "ok"
			if r.err != nil {
				failed++
				result = r.err.Error()
			}
			vector := "-"
			if r.binding.Event != nil {
				vector = fmt.Sprintf("0x%x", r.binding.Vector)
			}
			out.Row(r.fn, r.binding.Mode, vector, result)
		}
	}
	if failed > 0 {
		return fmt.Errorf("selftest: %d of %d checks failed", failed, total)
	}
	return nil
}

type selftestResult struct {
	fn      pci.Address
	binding pci.Binding
	err     error
}

func (s *selftest) legacy(fn pci.Address, dev *devpci.Function) (pci.Binding, error) {
	pin, err := s.access.Config.Read8(fn, pci.RegInterruptPin)
	if err != nil {
		return pci.Binding{Mode: pci.ModeLegacy}, err
	}
	b, err := s.conf.ConfigureLegacy(fn, pin)
	if err != nil {
		return pci.Binding{Mode: pci.ModeLegacy}, err
	}
	return b, s.deliver(b, dev.AssertINTx)
}

func (s *selftest) msi(fn pci.Address, dev *devpci.Function) (pci.Binding, error) {
	msi, err := s.access.Config.ReadMSICapability(fn)
	if err != nil {
		return pci.Binding{Mode: pci.ModeMSI}, err
	}
	b, _, err := s.conf.ConfigureMSI(fn, msi)
	if err != nil {
		return pci.Binding{Mode: pci.ModeMSI}, err
	}
	return b, s.deliver(b, func() {
		if _, err := dev.FireMSI(); err != nil {
			slog.Error("selftest: fire MSI", "function", fn.String(), "err", err)
		}
	})
}

func (s *selftest) msix(fn pci.Address, dev *devpci.Function) (pci.Binding, error) {
	msix, err := s.access.Config.ReadMSIXCapability(fn)
	if err != nil {
		return pci.Binding{Mode: pci.ModeMSIX}, err
	}
	bar, err := s.access.Config.ReadBAR(fn, msix.TableBIR())
	if err != nil {
		return pci.Binding{Mode: pci.ModeMSIX}, err
	}
	b, _, err := s.conf.ConfigureMSIX(fn, bar, msix)
	if err != nil {
		return pci.Binding{Mode: pci.ModeMSIX}, err
	}
	return b, s.deliver(b, func() {
		if _, err := dev.FireMSIX(0); err != nil {
			slog.Error("selftest: fire MSI-X", "function", fn.String(), "err", err)
		}
	})
}

// deliver fires the interrupt source, waits for the binding's event and then
// tears the binding down.
func (s *selftest) deliver(b pci.Binding, fire func()) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	fire()
	waitErr := b.Event.Wait(ctx)
	if err := s.conf.Unconfigure(b); err != nil {
		return err
	}
	if waitErr != nil {
		return fmt.Errorf("no interrupt on vector 0x%x: %w", b.Vector, waitErr)
	}
	return nil
}
