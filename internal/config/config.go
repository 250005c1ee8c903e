// Package config loads the platform description used to bring up PCI
// interrupt routing: the MSI doorbell, the vector range handed out to
// message-signaled interrupts and the host bridge match list.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/tinyrange/pcirq/internal/mmio"
	"gopkg.in/yaml.v3"
)

const (
	DefaultDoorbell    = 0x28000000
	DefaultFirstVector = 0x20
	DefaultLastVector  = 0x3f
	DefaultDevMem      = mmio.DefaultDevMemPath

	// maxVector is the largest vector that fits MSI message data.
	maxVector = 0xffff

	maxConfigSize = 1 << 20
)

var ErrInvalid = errors.New("config: invalid configuration")

// Config is the root of the YAML document.
type Config struct {
	MSI        MSIConfig        `yaml:"msi"`
	HostBridge HostBridgeConfig `yaml:"host_bridge"`
	// DevMem is the physical memory device used to map ECAM and MSI-X tables.
	DevMem   string `yaml:"devmem"`
	LogLevel string `yaml:"log_level"`
}

// MSIConfig describes message-signaled interrupt delivery.
type MSIConfig struct {
	// Doorbell is the physical address MSI and MSI-X messages are written to.
	Doorbell Address     `yaml:"doorbell"`
	Vectors  VectorRange `yaml:"vectors"`
}

// VectorRange is an inclusive range of platform vectors.
type VectorRange struct {
	First uint32 `yaml:"first"`
	Last  uint32 `yaml:"last"`
}

// HostBridgeConfig selects the host bridge node in the device tree.
type HostBridgeConfig struct {
	Compatible []string `yaml:"compatible"`
}

// Address is a physical address accepting decimal, 0x hex or 0o octal in YAML.
type Address uint64

// UnmarshalYAML implements yaml.Unmarshaler for Address.
func (a *Address) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: address must be a scalar", value.Line)
	}
	v, err := strconv.ParseUint(value.Value, 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid address %q: %w", value.Line, value.Value, err)
	}
	*a = Address(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Address.
func (a Address) MarshalYAML() (any, error) {
	return fmt.Sprintf("0x%x", uint64(a)), nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		MSI: MSIConfig{
			Doorbell: DefaultDoorbell,
			Vectors:  VectorRange{First: DefaultFirstVector, Last: DefaultLastVector},
		},
		HostBridge: HostBridgeConfig{
			Compatible: []string{"pci-host-ecam-generic", "pci-host-cam-generic"},
		},
		DevMem:   DefaultDevMem,
		LogLevel: "info",
	}
}

// Parse decodes a YAML document on top of Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if len(cfg.HostBridge.Compatible) == 0 {
		cfg.HostBridge.Compatible = Default().HostBridge.Compatible
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if info.Size() > maxConfigSize {
		return Config{}, fmt.Errorf("config: %s is %d bytes, limit is %d", path, info.Size(), maxConfigSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the platform cannot use.
func (c Config) Validate() error {
	if c.MSI.Doorbell == 0 || c.MSI.Doorbell%4 != 0 {
		return fmt.Errorf("%w: msi.doorbell 0x%x must be non-zero and 4-byte aligned", ErrInvalid, uint64(c.MSI.Doorbell))
	}
	v := c.MSI.Vectors
	if v.Last < v.First {
		return fmt.Errorf("%w: msi.vectors range %d-%d is empty", ErrInvalid, v.First, v.Last)
	}
	if v.Last > maxVector {
		return fmt.Errorf("%w: msi.vectors.last %d exceeds %d", ErrInvalid, v.Last, maxVector)
	}
	for _, s := range c.HostBridge.Compatible {
		if s == "" {
			return fmt.Errorf("%w: host_bridge.compatible contains an empty string", ErrInvalid)
		}
	}
	if c.DevMem == "" {
		return fmt.Errorf("%w: devmem path is empty", ErrInvalid)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level returns the configured log level.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("%w: log_level: %v", ErrInvalid, err)
	}
	return l, nil
}

// Marshal encodes the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
