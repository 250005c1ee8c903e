package chipset

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/pcirq/internal/mmio"
)

// DoorbellSize is the length of the MSI doorbell register block.
const DoorbellSize = 0x1000

// Doorbell is the MSI target register. A 32-bit write of message data to
// offset 0 raises the vector named by the data.
type Doorbell struct {
	base uint64
	ctrl *Controller
}

// NewDoorbell returns a doorbell at physical address base feeding ctrl.
func NewDoorbell(base uint64, ctrl *Controller) *Doorbell {
	return &Doorbell{base: base, ctrl: ctrl}
}

// Base returns the message address devices must write to.
func (d *Doorbell) Base() uint64 { return d.base }

// ReadMMIO implements mmio.Device. The doorbell reads as zero.
func (d *Doorbell) ReadMMIO(addr uint64, data []byte) error {
	clear(data)
	return nil
}

// WriteMMIO implements mmio.Device.
func (d *Doorbell) WriteMMIO(addr uint64, data []byte) error {
	if addr != d.base {
		return nil
	}
	if len(data) != 4 {
		return fmt.Errorf("chipset: doorbell write of %d bytes, want 4", len(data))
	}
	d.ctrl.Raise(binary.LittleEndian.Uint32(data))
	return nil
}

var _ mmio.Device = (*Doorbell)(nil)
