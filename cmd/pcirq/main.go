// Command pcirq inspects PCI interrupt routing described by a device tree
// and exercises legacy, MSI and MSI-X delivery on an emulated board.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tinyrange/pcirq/internal/config"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "pcirq: %v\n", err)
		os.Exit(1)
	}
}

func usage(fs *flag.FlagSet) {
	w := fs.Output()
	fmt.Fprintf(w, "Usage: %s [flags] <command> [args...]\n\n", fs.Name())
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  routes [-devmem] <file.dtb>  show the host bridge and its legacy interrupt routes\n")
	fmt.Fprintf(w, "  selftest                     configure and fire interrupts on an emulated board\n")
	fmt.Fprintf(w, "  config                       print the effective configuration\n\n")
	fmt.Fprintf(w, "Flags:\n")
	fs.PrintDefaults()
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("pcirq", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML configuration file")
	debug := fs.Bool("debug", false, "Enable debug logging")
	fs.Usage = func() { usage(fs) }
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}

	level, err := cfg.Level()
	if err != nil {
		return err
	}
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	rest := fs.Args()
	if len(rest) == 0 {
		usage(fs)
		return fmt.Errorf("command required")
	}
	out := newPrinter(stdout)
	defer out.Flush()

	switch rest[0] {
	case "routes":
		return runRoutes(cfg, log, out, rest[1:])
	case "selftest":
		return runSelftest(cfg, log, out, rest[1:])
	case "config":
		data, err := cfg.Marshal()
		if err != nil {
			return err
		}
		_, err = stdout.Write(data)
		return err
	default:
		usage(fs)
		return fmt.Errorf("unknown command %q", rest[0])
	}
}
