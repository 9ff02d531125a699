package bringup

import (
	"fmt"

	"github.com/Nativu5/mt7902-bringup/pkg/devtable"
	"github.com/Nativu5/mt7902-bringup/pkg/types"
)

// Acquire enables the device, declares its DMA width, claims its regions,
// maps the register BAR and enables bus mastering, in that order.
//
// Acquire does not roll back. On failure it returns the partially populated
// Context together with an *AcquireError; the caller runs Teardown on it.
// A nil Context is only returned for an invalid configuration, before the
// device is touched.
func Acquire(dev types.PCIDevice, opts ...Option) (*Context, error) {
	o := buildOptions(opts)
	if err := o.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bring-up configuration: %w", err)
	}

	c := newContext(dev, o)
	c.log.Infof("[%s] probe", devtable.DriverName)

	if err := dev.Enable(); err != nil {
		return c, c.acquireFailed(StageEnable, err)
	}
	c.push(ResourceDevice, dev.Disable)

	if err := dev.SetDMAMask(c.cfg.DMAMaskBits); err != nil {
		return c, c.acquireFailed(StageDMAMask, fmt.Errorf("cannot set %d-bit DMA mask: %w", c.cfg.DMAMaskBits, err))
	}

	if err := dev.RequestRegions(devtable.DriverName); err != nil {
		return c, c.acquireFailed(StageRegions, err)
	}
	c.push(ResourceRegions, dev.ReleaseRegions)

	regs, err := dev.MapBAR(c.cfg.BAR)
	if err != nil {
		return c, c.acquireFailed(StageMap, fmt.Errorf("cannot map BAR %d: %w", c.cfg.BAR, err))
	}
	c.regs = regs
	c.push(ResourceRegisters, c.unmapRegisters)

	if need := uint64(c.cfg.Registers.HighestOffset()) + 4; regs.Size() < need {
		return c, c.acquireFailed(StageMap,
			fmt.Errorf("BAR %d window of %d bytes does not cover the register layout (need %d)", c.cfg.BAR, regs.Size(), need))
	}

	dev.SetMaster()
	return c, nil
}

func (c *Context) acquireFailed(stage Stage, err error) error {
	c.log.WithField("stage", stage).Errorf("resource acquisition failed: %v", err)
	return &AcquireError{Stage: stage, Err: err}
}

func (c *Context) unmapRegisters() {
	if c.regs == nil {
		return
	}
	if err := c.regs.Unmap(); err != nil {
		c.log.Warnf("unmapping registers: %v", err)
	}
	c.regs = nil
}
