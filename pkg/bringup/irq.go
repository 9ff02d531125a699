package bringup

import (
	"fmt"

	"github.com/Nativu5/mt7902-bringup/pkg/devtable"
	"github.com/Nativu5/mt7902-bringup/pkg/types"
)

// AllocateAndBind allocates exactly one interrupt vector of whatever class
// the platform grants and binds handler to it.
func (c *Context) AllocateAndBind(handler types.IRQHandler) (int, error) {
	n, err := c.dev.AllocIRQVectors(1, 1, types.VectorAny)
	if err == nil && n < 1 {
		err = fmt.Errorf("platform granted %d vectors", n)
	}
	if err != nil {
		c.log.WithField("stage", "irq-alloc").Errorf("no usable IRQ vector: %v", err)
		return -1, fmt.Errorf("%w: %w", ErrNoVectorAvailable, err)
	}
	c.push(ResourceVectors, c.dev.FreeIRQVectors)

	vector, class, err := c.dev.IRQVector(0)
	if err != nil {
		c.log.WithField("stage", "irq-alloc").Errorf("no usable IRQ vector: %v", err)
		return -1, fmt.Errorf("%w: %w", ErrNoVectorAvailable, err)
	}

	if err := c.dev.RequestIRQ(vector, handler, devtable.DriverName); err != nil {
		c.log.WithField("stage", "irq-bind").Errorf("request_irq for vec %d failed: %v", vector, err)
		return -1, fmt.Errorf("%w: vec %d: %w", ErrHandlerBindFailed, vector, err)
	}
	c.vector = vector
	c.vectorClass = class
	c.push(ResourceHandler, func() { c.dev.FreeIRQ(vector) })

	c.log.Debugf("bound %s vector %d", class, vector)
	return vector, nil
}

// DefaultHandler returns the interrupt handler Attach binds. It acknowledges
// every interrupt and counts it; it does not clear any device-side status.
func (c *Context) DefaultHandler() types.IRQHandler {
	entry := c.log
	hits := &c.irqHits
	return func(vector int) types.IRQReturn {
		hits.Add(1)
		entry.Debugf("IRQ hit (vec=%d)", vector)
		return types.IRQHandled
	}
}
