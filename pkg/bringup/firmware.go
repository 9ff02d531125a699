package bringup

import (
	"errors"
	"fmt"
	"math"

	"github.com/Nativu5/mt7902-bringup/pkg/types"
)

// LoadFirmware downloads the configured firmware image to the device and
// waits for the MCU to report running.
//
// The image is fetched, copied into a freshly allocated DMA buffer and
// released right after the copy. The buffer's bus address and length are
// programmed into the download registers, START is set, and the control
// register is polled for ACK. The status register is then polled until the
// firmware-state field reads the running value. The DMA buffer is freed on
// every path once it has been allocated.
//
// LoadFirmware may be called again after a failure; each call stages a new
// buffer.
func (c *Context) LoadFirmware(provider types.FirmwareProvider) error {
	if c.regs == nil {
		return errors.New("cannot load firmware: register window is not mapped")
	}

	name := c.cfg.FirmwareName
	fw, err := provider.Request(name)
	if err != nil {
		nf := &FirmwareNotFoundError{Name: name, Code: errnoCode(err), Err: err}
		c.log.WithField("stage", "firmware-fetch").Errorf("firmware %q not found (ret=%d)", name, nf.Code)
		return nf
	}
	c.log.Infof("firmware ok: size=%d", fw.Size())

	buf, err := c.stageFirmware(provider, fw)
	if err != nil {
		return err
	}
	defer c.dev.FreeCoherent(buf)

	return c.download(buf)
}

// stageFirmware copies fw into a DMA buffer. fw is released before it
// returns, whatever the outcome.
func (c *Context) stageFirmware(provider types.FirmwareProvider, fw *types.Firmware) (*types.DMABuffer, error) {
	defer provider.Release(fw)

	size := fw.Size()
	if size == 0 {
		return nil, c.allocFailed(errors.New("firmware image is empty"))
	}

	buf, err := c.dev.AllocCoherent(size)
	if err != nil {
		return nil, c.allocFailed(err)
	}
	if buf.Len() != size {
		c.dev.FreeCoherent(buf)
		return nil, c.allocFailed(fmt.Errorf("platform returned %d bytes, want %d", buf.Len(), size))
	}
	if limit := uint64(1) << c.cfg.DMAMaskBits; c.cfg.DMAMaskBits < 64 && buf.BusAddr+uint64(size) > limit {
		c.dev.FreeCoherent(buf)
		return nil, c.allocFailed(fmt.Errorf("bus address 0x%x+%d is outside the %d-bit DMA mask", buf.BusAddr, size, c.cfg.DMAMaskBits))
	}
	if buf.BusAddr+uint64(size)-1 > math.MaxUint32 {
		c.dev.FreeCoherent(buf)
		return nil, c.allocFailed(fmt.Errorf("bus address 0x%x+%d does not fit the 32-bit download address register", buf.BusAddr, size))
	}

	copy(buf.Data, fw.Data)
	return buf, nil
}

func (c *Context) allocFailed(err error) error {
	c.log.WithField("stage", "firmware-stage").Errorf("DMA buffer allocation failed: %v", err)
	return fmt.Errorf("%w: %w", ErrAllocation, err)
}

// download runs the register handshake for a staged buffer. The host does
// not touch buf from here on.
func (c *Context) download(buf *types.DMABuffer) error {
	r := c.cfg.Registers
	t := c.cfg.Timing

	c.regs.Write32(r.DLAddr, uint32(buf.BusAddr))
	c.regs.Write32(r.DLLen, uint32(buf.Len()))
	ctrl := c.regs.Read32(r.DLCtrl)
	c.regs.Write32(r.DLCtrl, (ctrl&^r.DLCtrlAck)|r.DLCtrlStart)

	ctrl, err := pollTimeout(
		func() uint32 { return c.regs.Read32(r.DLCtrl) },
		func(v uint32) bool { return v&r.DLCtrlAck != 0 },
		t.PollInterval.Duration, t.AckTimeout.Duration)
	if err != nil {
		c.log.WithField("stage", "firmware-ack").Error("FW download ACK timeout")
		return fmt.Errorf("%w after %v (ctrl=0x%08x)", ErrAckTimeout, t.AckTimeout, ctrl)
	}
	c.log.Info("firmware download OK")

	status, err := pollTimeout(
		func() uint32 { return c.regs.Read32(r.TopMisc2) },
		func(v uint32) bool { return r.FWState(v) == r.FWStateRunning },
		t.PollInterval.Duration, t.ReadyTimeout.Duration)
	if err != nil {
		c.log.WithField("stage", "mcu-ready").Errorf("MCU READY timeout (state=%d)", r.FWState(status))
		return fmt.Errorf("%w after %v (state=%d)", ErrMcuReadyTimeout, t.ReadyTimeout, r.FWState(status))
	}
	c.log.Infof("mcu ready, state=%d", r.FWState(status))
	return nil
}
