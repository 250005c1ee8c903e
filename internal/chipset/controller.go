// Package chipset emulates a platform interrupt controller: wired lines with
// level latching, message-signaled interrupts through a doorbell register,
// and per-vector handler dispatch.
package chipset

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/pcirq/internal/irq"
	"golang.org/x/time/rate"
)

// Controller implements irq.Controller. Lines are identified by the same
// number as the vector they deliver.
type Controller struct {
	mu       sync.Mutex
	handlers map[uint32]irq.Handler
	lines    map[uint32]bool

	spurious    atomic.Uint64
	spuriousLog *rate.Limiter
	log         *slog.Logger
}

// NewController returns a controller with no bound vectors.
func NewController(log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		handlers: make(map[uint32]irq.Handler),
		lines:    make(map[uint32]bool),
		// A stuck source must not flood the log.
		spuriousLog: rate.NewLimiter(rate.Every(time.Second), 5),
		log:         log,
	}
}

// RegisterVectorHandler implements irq.Controller.
func (c *Controller) RegisterVectorHandler(vector uint32, h irq.Handler) error {
	if h == nil {
		return fmt.Errorf("chipset: handler for vector %d is nil", vector)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[vector] = h
	return nil
}

// Raise delivers vector to its handler. The handler runs without the
// controller lock held.
func (c *Controller) Raise(vector uint32) bool {
	c.mu.Lock()
	h := c.handlers[vector]
	c.mu.Unlock()
	if h == nil {
		n := c.spurious.Add(1)
		if c.spuriousLog.Allow() {
			c.log.Warn("chipset: spurious interrupt", "vector", vector, "total", n)
		}
		return false
	}
	h(vector)
	return true
}

// SetIRQ drives a wired line. A rising edge delivers the line's vector;
// holding the line high does not retrigger.
func (c *Controller) SetIRQ(line uint32, level bool) {
	c.mu.Lock()
	changed := c.lines[line] != level
	c.lines[line] = level
	c.mu.Unlock()

	if changed && level {
		c.Raise(line)
	}
}

// PulseIRQ raises and lowers a wired line.
func (c *Controller) PulseIRQ(line uint32) {
	c.SetIRQ(line, true)
	c.SetIRQ(line, false)
}

// Bound reports whether vector has a handler.
func (c *Controller) Bound(vector uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[vector]
	return ok
}

// Spurious returns how many raised vectors had no handler.
func (c *Controller) Spurious() uint64 {
	return c.spurious.Load()
}

var _ irq.Controller = (*Controller)(nil)
