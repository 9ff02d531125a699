package pci

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Nativu5/mt7902-bringup/pkg/types"
)

const (
	// Offset and bus-master bit of the command register in config space.
	pciCommand          = 0x04
	pciCommandBusMaster = 1 << 2

	numBARs = 6

	defaultHugepageSize = 2 << 20
)

// Device is a PCI function driven from userspace. It implements
// types.PCIDevice.
type Device struct {
	addr string
	dir  string
	log  log.FieldLogger

	hugepageSize int

	mu      sync.Mutex
	enabled bool
	dmaBits int
	regions []*os.File
	dma     map[uintptr][]byte
	irq     *irqState
}

var _ types.PCIDevice = (*Device)(nil)

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger for platform diagnostics.
func WithLogger(l log.FieldLogger) Option {
	return func(d *Device) { d.log = l }
}

// WithHugepageSize sets the hugepage size DMA buffers are carved from. It
// must match the system's default hugepage size.
func WithHugepageSize(n int) Option {
	return func(d *Device) { d.hugepageSize = n }
}

// Open returns the function at pciAddr. It does not touch the hardware.
func Open(pciAddr string, opts ...Option) (*Device, error) {
	dir := filepath.Join(sysBusPci, pciAddr)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("PCI device %s not found: %w", pciAddr, err)
	}
	d := &Device{
		addr:         pciAddr,
		dir:          dir,
		log:          log.StandardLogger(),
		hugepageSize: defaultHugepageSize,
		dmaBits:      32,
		dma:          make(map[uintptr][]byte),
	}
	for _, o := range opts {
		o(d)
	}
	if d.hugepageSize <= 0 || d.hugepageSize%os.Getpagesize() != 0 {
		return nil, fmt.Errorf("invalid hugepage size %d", d.hugepageSize)
	}
	return d, nil
}

// Address returns the PCI BDF address.
func (d *Device) Address() string {
	return d.addr
}

// ───────────────────────────────────────────
//  enable / DMA mask / bus master
// ───────────────────────────────────────────

// Enable increments the kernel's enable count for the function.
func (d *Device) Enable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := writeSysfsAttr(filepath.Join(d.dir, "enable"), "1"); err != nil {
		return err
	}
	d.enabled = true
	return nil
}

// Disable clears bus mastering and drops the enable count taken by Enable.
func (d *Device) Disable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.enabled {
		return
	}
	if err := d.updateCommand(0, pciCommandBusMaster); err != nil {
		d.log.Warnf("clearing bus master on %s: %v", d.addr, err)
	}
	if err := writeSysfsAttr(filepath.Join(d.dir, "enable"), "0"); err != nil {
		d.log.Warnf("disabling %s: %v", d.addr, err)
	}
	d.enabled = false
}

// SetDMAMask records the DMA width DMA buffers must fit in. It fails when
// sysfs reports a narrower width for the function. An unreadable
// dma_mask_bits attribute is logged and the width accepted.
func (d *Device) SetDMAMask(bits int) error {
	if bits < 1 || bits > 64 {
		return fmt.Errorf("invalid DMA mask width %d", bits)
	}
	limit, err := GetDMAMaskBits(d.addr)
	switch {
	case err != nil:
		d.log.Warnf("cannot verify %d-bit DMA capability, assuming supported: %v", bits, err)
	case limit < bits:
		return fmt.Errorf("%s is limited to %d-bit DMA: %w", d.addr, limit, unix.EIO)
	}
	d.mu.Lock()
	d.dmaBits = bits
	d.mu.Unlock()
	return nil
}

// SetMaster sets the bus-master bit in the command register.
func (d *Device) SetMaster() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.updateCommand(pciCommandBusMaster, 0); err != nil {
		d.log.Warnf("setting bus master on %s: %v", d.addr, err)
	}
}

// updateCommand sets and clears bits of the config-space command register.
func (d *Device) updateCommand(set, unset uint16) error {
	f, err := os.OpenFile(filepath.Join(d.dir, "config"), os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf [2]byte
	if _, err := f.ReadAt(buf[:], pciCommand); err != nil {
		return fmt.Errorf("reading command register: %w", err)
	}
	cmd := binary.LittleEndian.Uint16(buf[:])
	cmd = (cmd | set) &^ unset
	binary.LittleEndian.PutUint16(buf[:], cmd)
	if _, err := f.WriteAt(buf[:], pciCommand); err != nil {
		return fmt.Errorf("writing command register: %w", err)
	}
	return nil
}

// ───────────────────────────────────────────
//  regions
// ───────────────────────────────────────────

// RequestRegions takes an exclusive lock on every resource<N> file of the
// function. It refuses a function bound to a kernel driver other than a
// userspace I/O driver.
func (d *Device) RequestRegions(owner string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.regions) > 0 {
		return fmt.Errorf("regions of %s already claimed", d.addr)
	}

	if driver, err := GetPCIDevDriver(d.addr); err == nil && !IsUserspaceDriver(driver) {
		return fmt.Errorf("regions of %s are owned by kernel driver %s: %w", d.addr, driver, unix.EBUSY)
	}

	var held []*os.File
	release := func() {
		for _, f := range held {
			_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			f.Close()
		}
	}
	for i := 0; i < numBARs; i++ {
		f, err := os.OpenFile(filepath.Join(d.dir, fmt.Sprintf("resource%d", i)), os.O_RDWR, 0)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			release()
			return err
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			release()
			if errors.Is(err, unix.EWOULDBLOCK) {
				return fmt.Errorf("BAR %d of %s is held by another process: %w", i, d.addr, unix.EBUSY)
			}
			return fmt.Errorf("locking BAR %d of %s: %w", i, d.addr, err)
		}
		held = append(held, f)
	}
	if len(held) == 0 {
		return fmt.Errorf("%s exposes no memory BARs: %w", d.addr, unix.ENODEV)
	}

	d.regions = held
	d.log.Debugf("%s claimed %d BARs of %s", owner, len(held), d.addr)
	return nil
}

// ReleaseRegions drops the locks taken by RequestRegions.
func (d *Device) ReleaseRegions() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.regions {
		if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
			d.log.Warnf("unlocking %s: %v", f.Name(), err)
		}
		f.Close()
	}
	d.regions = nil
}

// MapBAR maps resource<bar> read-write.
func (d *Device) MapBAR(bar int) (types.RegisterWindow, error) {
	if bar < 0 || bar >= numBARs {
		return nil, fmt.Errorf("invalid BAR index %d", bar)
	}
	w, err := mapResource(filepath.Join(d.dir, fmt.Sprintf("resource%d", bar)))
	if err != nil {
		return nil, err
	}
	return w, nil
}
