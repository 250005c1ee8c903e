// Package pci provides ECAM configuration-space access, legacy interrupt
// routing derived from the device tree, and MSI/MSI-X interrupt setup for
// PCI functions.
package pci

import "fmt"

const (
	// ConfigSpaceSize is the size of one function's ECAM configuration slice.
	ConfigSpaceSize = 0x1000

	MaxDevices   = 32
	MaxFunctions = 8

	// BusSize is the ECAM window length covering one bus.
	BusSize = MaxDevices * MaxFunctions * ConfigSpaceSize
)

// Address identifies one PCI function.
type Address struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

// NewAddress validates the device and function numbers.
func NewAddress(bus, device, function uint8) (Address, error) {
	a := Address{Bus: bus, Device: device, Function: function}
	if !a.Valid() {
		return Address{}, fmt.Errorf("pci: invalid function address %02x:%02x.%x", bus, device, function)
	}
	return a, nil
}

// Valid reports whether the device and function numbers are in range.
func (a Address) Valid() bool {
	return a.Device < MaxDevices && a.Function < MaxFunctions
}

// ECAMOffset returns the byte offset of the function's configuration slice
// from the start of the ECAM window.
func (a Address) ECAMOffset() uint64 {
	return uint64(a.Bus)<<20 | uint64(a.Device)<<15 | uint64(a.Function)<<12
}

func (a Address) String() string {
	return fmt.Sprintf("%02x:%02x.%x", a.Bus, a.Device, a.Function)
}

// Less orders addresses by bus, device, then function.
func (a Address) Less(b Address) bool {
	if a.Bus != b.Bus {
		return a.Bus < b.Bus
	}
	if a.Device != b.Device {
		return a.Device < b.Device
	}
	return a.Function < b.Function
}
