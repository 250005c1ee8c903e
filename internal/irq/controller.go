// Package irq routes platform interrupt vectors to the wait-objects of the
// drivers that own them.
package irq

// Handler is invoked by the platform interrupt controller when vector fires.
type Handler func(vector uint32)

// Controller is the low-level platform interrupt controller.
type Controller interface {
	// RegisterVectorHandler binds vector to h. Binding the same vector again
	// replaces the previous handler.
	RegisterVectorHandler(vector uint32, h Handler) error
}
