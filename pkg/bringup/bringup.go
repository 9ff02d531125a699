// Package bringup takes an MT7902 radio from power-on to a running MCU.
//
// Attach acquires the device's PCI resources, downloads firmware over DMA,
// waits for the MCU to report running, then binds one interrupt vector. Any
// failure tears down exactly the resources acquired so far, in reverse order,
// and returns the original error. Detach tears down a fully attached device.
//
// A Context is owned by the goroutine that attaches and detaches it. Attach,
// LoadFirmware, AllocateAndBind and Teardown must never run concurrently on
// the same Context. The interrupt handler only sees the device address, a
// logger and a counter.
package bringup

import (
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/mt7902-bringup/pkg/config"
	"github.com/Nativu5/mt7902-bringup/pkg/devtable"
	"github.com/Nativu5/mt7902-bringup/pkg/types"
)

// Resource names something held by a Context until teardown.
type Resource string

const (
	ResourceDevice    Resource = "device"
	ResourceRegions   Resource = "regions"
	ResourceRegisters Resource = "registers"
	ResourceVectors   Resource = "irq-vectors"
	ResourceHandler   Resource = "irq-handler"
)

type claim struct {
	res     Resource
	release func()
}

// Context is the long-lived handle for one attached device.
type Context struct {
	dev types.PCIDevice
	cfg *config.Config
	log *log.Entry

	regs        types.RegisterWindow
	vector      int
	vectorClass types.VectorClass
	irqHits     atomic.Uint64

	// claims is ordered by acquisition; teardown pops from the end.
	claims []claim
}

func newContext(dev types.PCIDevice, o options) *Context {
	return &Context{
		dev:    dev,
		cfg:    o.cfg,
		log:    o.logger.WithField("device", dev.Address()),
		vector: -1,
	}
}

func (c *Context) push(res Resource, release func()) {
	c.claims = append(c.claims, claim{res: res, release: release})
}

// Device returns the underlying PCI device.
func (c *Context) Device() types.PCIDevice {
	return c.dev
}

// Registers returns the mapped register window, or nil when not mapped.
func (c *Context) Registers() types.RegisterWindow {
	return c.regs
}

// Vector returns the bound interrupt vector and its class. ok is false until
// a handler has been bound.
func (c *Context) Vector() (vector int, class types.VectorClass, ok bool) {
	return c.vector, c.vectorClass, c.vector >= 0
}

// IRQHits returns how many interrupts the default handler has acknowledged.
func (c *Context) IRQHits() uint64 {
	return c.irqHits.Load()
}

// Acquired lists the resources currently held, in acquisition order.
func (c *Context) Acquired() []Resource {
	if c == nil {
		return nil
	}
	out := make([]Resource, 0, len(c.claims))
	for _, cl := range c.claims {
		out = append(out, cl.res)
	}
	return out
}

// Attach runs the full bring-up: resource acquisition, firmware download and
// interrupt binding. On failure everything acquired is released before the
// error is returned, and the returned Context is nil.
func Attach(dev types.PCIDevice, provider types.FirmwareProvider, opts ...Option) (*Context, error) {
	c, err := Acquire(dev, opts...)
	if err != nil {
		c.Teardown()
		return nil, err
	}

	if err := c.LoadFirmware(provider); err != nil {
		c.Teardown()
		return nil, err
	}

	if _, err := c.AllocateAndBind(c.DefaultHandler()); err != nil {
		c.Teardown()
		return nil, err
	}

	c.log.Infof("[%s] FW-DMA + IRQ ready (vec %d)", devtable.DriverName, c.vector)
	return c, nil
}

// Detach releases every resource held by an attached device.
func (c *Context) Detach() {
	if c == nil {
		return
	}
	c.log.Infof("[%s] remove", devtable.DriverName)
	c.Teardown()
}

func (c *Context) String() string {
	return fmt.Sprintf("%s %v", c.dev.Address(), c.Acquired())
}
