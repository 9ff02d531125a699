// Package sim provides a simulated MT7902 PCI function.
//
// Device implements types.PCIDevice on top of a register model of the
// firmware download block: writing START begins an attempt, ACK appears in
// the control register after a configurable delay, and the firmware-state
// field of the status register reads "running" some time after that. Each
// acquire/release step can be made to fail, and every claim and release is
// recorded so callers can check that teardown mirrors acquisition.
package sim

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/Nativu5/mt7902-bringup/pkg/config"
	"github.com/Nativu5/mt7902-bringup/pkg/types"
)

// Fault selects the platform operation that fails.
type Fault string

const (
	FaultNone    Fault = ""
	FaultEnable  Fault = "enable"
	FaultDMAMask Fault = "dma-mask"
	FaultRegions Fault = "regions"
	FaultMap     Fault = "map"
	FaultAlloc   Fault = "alloc"
	FaultVectors Fault = "irq-vectors"
	// FaultLookup fails the vector lookup after allocation succeeded.
	FaultLookup Fault = "irq-lookup"
	FaultBind   Fault = "irq-bind"
)

// Faults lists every injectable fault in acquisition order.
var Faults = []Fault{FaultEnable, FaultDMAMask, FaultRegions, FaultMap, FaultAlloc, FaultVectors, FaultLookup, FaultBind}

// ErrInjected is returned by operations failed on purpose.
var ErrInjected = errors.New("injected fault")

// Behavior configures the simulated hardware.
type Behavior struct {
	Fault Fault

	// AckDelay is how long after START the ACK bit appears.
	AckDelay time.Duration
	// NeverAck keeps ACK clear forever.
	NeverAck bool
	// IgnoredAttempts makes the first n download attempts never ACK.
	IgnoredAttempts int

	// ReadyDelay is how long after ACK the MCU reports running.
	ReadyDelay time.Duration
	// NeverReady keeps the firmware state at 0 (ROM).
	NeverReady bool

	// WindowSize is the BAR size. Zero means just large enough for the layout.
	WindowSize uint64
	// MaxDMABits is the widest DMA mask the device accepts. Zero means 64.
	MaxDMABits int
	// VectorClass is the class granted on allocation. Zero means MSI.
	VectorClass types.VectorClass
	// Vector is the platform vector number. Zero means 128.
	Vector int
	// DMABase is the first bus address handed out. Zero means 0x10000000.
	DMABase uint64
}

// Device is a simulated PCI function. It is safe for concurrent use.
type Device struct {
	addr   string
	layout config.Registers
	behave Behavior

	mu       sync.Mutex
	events   []string
	claims   []string
	releases []string
	problems []string

	enabled bool
	master  bool
	dmaBits int
	regions bool
	window  *window

	regs      map[uint32]uint32
	attempts  int
	startedAt time.Time
	acked     bool
	ackedAt   time.Time
	received  []byte

	nextBus uint64
	live    map[uint64]*types.DMABuffer
	allocs  int
	frees   int

	vectors int
	handler types.IRQHandler
}

var _ types.PCIDevice = (*Device)(nil)

// New returns a simulated device at addr using layout for its registers.
func New(addr string, layout config.Registers, b Behavior) *Device {
	if b.WindowSize == 0 {
		b.WindowSize = uint64(layout.HighestOffset()) + 4
	}
	if b.MaxDMABits == 0 {
		b.MaxDMABits = 64
	}
	if b.VectorClass == 0 {
		b.VectorClass = types.VectorMSI
	}
	if b.Vector == 0 {
		b.Vector = 128
	}
	if b.DMABase == 0 {
		b.DMABase = 0x10000000
	}
	return &Device{
		addr:    addr,
		layout:  layout,
		behave:  b,
		regs:    make(map[uint32]uint32),
		nextBus: b.DMABase,
		live:    make(map[uint64]*types.DMABuffer),
	}
}

func (d *Device) Address() string { return d.addr }

func (d *Device) claim(res string) {
	d.events = append(d.events, "claim "+res)
	d.claims = append(d.claims, res)
}

func (d *Device) release(res string, held bool) {
	d.events = append(d.events, "release "+res)
	if !held {
		d.problems = append(d.problems, "release of unheld "+res)
		return
	}
	d.releases = append(d.releases, res)
}

func (d *Device) Enable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.behave.Fault == FaultEnable {
		return fmt.Errorf("enable %s: %w", d.addr, ErrInjected)
	}
	d.enabled = true
	d.claim("device")
	return nil
}

func (d *Device) Disable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.release("device", d.enabled)
	d.enabled = false
	d.master = false
}

func (d *Device) SetDMAMask(n int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, fmt.Sprintf("dma-mask %d", n))
	if d.behave.Fault == FaultDMAMask || n > d.behave.MaxDMABits {
		return fmt.Errorf("%d-bit DMA unsupported: %w", n, ErrInjected)
	}
	d.dmaBits = n
	return nil
}

func (d *Device) RequestRegions(owner string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.behave.Fault == FaultRegions {
		return fmt.Errorf("regions of %s busy: %w", d.addr, ErrInjected)
	}
	if d.regions {
		return fmt.Errorf("regions of %s already claimed", d.addr)
	}
	d.regions = true
	d.claim("regions")
	return nil
}

func (d *Device) ReleaseRegions() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.release("regions", d.regions)
	d.regions = false
}

func (d *Device) MapBAR(bar int) (types.RegisterWindow, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.behave.Fault == FaultMap {
		return nil, fmt.Errorf("ioremap BAR %d: %w", bar, ErrInjected)
	}
	d.window = &window{dev: d, size: d.behave.WindowSize}
	d.claim("registers")
	return d.window, nil
}

func (d *Device) SetMaster() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, "set-master")
	d.master = true
}

func (d *Device) AllocCoherent(size int) (*types.DMABuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.behave.Fault == FaultAlloc {
		return nil, fmt.Errorf("coherent alloc of %d bytes: %w", size, ErrInjected)
	}
	buf := &types.DMABuffer{Data: make([]byte, size), BusAddr: d.nextBus}
	d.nextBus += (uint64(size) + 0xfff) &^ 0xfff
	d.live[buf.BusAddr] = buf
	d.allocs++
	d.events = append(d.events, fmt.Sprintf("alloc-coherent %d", size))
	return buf, nil
}

func (d *Device) FreeCoherent(buf *types.DMABuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, fmt.Sprintf("free-coherent %d", buf.Len()))
	held, ok := d.live[buf.BusAddr]
	switch {
	case !ok:
		d.problems = append(d.problems, fmt.Sprintf("free of unknown coherent buffer 0x%x", buf.BusAddr))
		return
	case held.Len() != buf.Len():
		d.problems = append(d.problems, fmt.Sprintf("coherent buffer 0x%x freed with %d bytes, allocated %d", buf.BusAddr, buf.Len(), held.Len()))
	}
	delete(d.live, buf.BusAddr)
	d.frees++
}

func (d *Device) AllocIRQVectors(min, max int, classes types.VectorClass) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.behave.Fault == FaultVectors || classes&d.behave.VectorClass == 0 {
		return 0, fmt.Errorf("no %s vectors: %w", classes, ErrInjected)
	}
	if d.vectors > 0 {
		return 0, errors.New("vectors already allocated")
	}
	d.vectors = min
	d.claim("irq-vectors")
	return d.vectors, nil
}

func (d *Device) IRQVector(index int) (int, types.VectorClass, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.behave.Fault == FaultLookup {
		return -1, 0, fmt.Errorf("vector index %d: %w", index, ErrInjected)
	}
	if index < 0 || index >= d.vectors {
		return -1, 0, fmt.Errorf("vector index %d out of range (%d allocated)", index, d.vectors)
	}
	return d.behave.Vector + index, d.behave.VectorClass, nil
}

func (d *Device) FreeIRQVectors() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.release("irq-vectors", d.vectors > 0)
	d.vectors = 0
}

func (d *Device) RequestIRQ(vector int, handler types.IRQHandler, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.behave.Fault == FaultBind {
		return fmt.Errorf("request_irq %d: %w", vector, ErrInjected)
	}
	if d.handler != nil {
		return fmt.Errorf("vector %d already has a handler", vector)
	}
	d.handler = handler
	d.claim("irq-handler")
	return nil
}

func (d *Device) FreeIRQ(vector int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.release("irq-handler", d.handler != nil)
	d.handler = nil
}

// Fire delivers one interrupt from a separate goroutine, the way the platform
// dispatcher would, and reports what the handler returned. ok is false when
// no handler is bound.
func (d *Device) Fire() (ret types.IRQReturn, ok bool) {
	d.mu.Lock()
	h, vec := d.handler, d.behave.Vector
	d.mu.Unlock()
	if h == nil {
		return types.IRQNone, false
	}

	done := make(chan types.IRQReturn, 1)
	go func() { done <- h(vec) }()
	return <-done, true
}

// Claims lists acquired resources in acquisition order.
func (d *Device) Claims() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.claims...)
}

// Releases lists released resources in release order.
func (d *Device) Releases() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.releases...)
}

// Events lists every platform call in order.
func (d *Device) Events() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.events...)
}

// Problems lists protocol violations: double releases, mismatched frees and
// register accesses outside the mapping.
func (d *Device) Problems() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.problems...)
}

// CoherentStats returns allocation and free counts and how many buffers are
// still live.
func (d *Device) CoherentStats() (allocs, frees, live int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocs, d.frees, len(d.live)
}

// Attempts returns how many downloads were started.
func (d *Device) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// Received returns the image consumed by the last acknowledged download.
func (d *Device) Received() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.received...)
}

// Master reports whether bus mastering is enabled.
func (d *Device) Master() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.master
}

func (d *Device) readReg(off uint32) uint32 {
	l := d.layout
	val := d.regs[off]
	now := time.Now()

	switch off {
	case l.DLCtrl:
		if d.attempts > 0 && !d.acked && !d.behave.NeverAck &&
			d.attempts > d.behave.IgnoredAttempts && now.Sub(d.startedAt) >= d.behave.AckDelay {
			d.acked = true
			d.ackedAt = now
			d.consume()
		}
		if d.acked {
			val |= l.DLCtrlAck
		}
	case l.TopMisc2:
		state := uint32(0)
		if d.acked && !d.behave.NeverReady && now.Sub(d.ackedAt) >= d.behave.ReadyDelay {
			state = l.FWStateRunning
		}
		shift := bits.TrailingZeros32(l.FWStateMask)
		val = (val &^ l.FWStateMask) | (state<<shift)&l.FWStateMask
	}
	return val
}

func (d *Device) writeReg(off, val uint32) {
	l := d.layout
	if off != l.DLCtrl {
		d.regs[off] = val
		return
	}

	d.regs[off] = val &^ l.DLCtrlAck
	if val&l.DLCtrlStart != 0 {
		d.attempts++
		d.startedAt = time.Now()
		d.acked = false
		d.received = nil
	}
}

// consume copies the programmed transfer out of the live DMA buffer, as the
// device would on ACK.
func (d *Device) consume() {
	addr := uint64(d.regs[d.layout.DLAddr])
	n := int(d.regs[d.layout.DLLen])
	for bus, buf := range d.live {
		if bus == addr && buf.Len() >= n {
			d.received = append([]byte(nil), buf.Data[:n]...)
			return
		}
	}
	d.problems = append(d.problems, fmt.Sprintf("download programmed with unknown buffer 0x%x/%d", addr, n))
}

type window struct {
	dev      *Device
	size     uint64
	unmapped bool
}

func (w *window) check(off uint32) bool {
	if w.unmapped {
		w.dev.problems = append(w.dev.problems, fmt.Sprintf("access to 0x%x after unmap", off))
		return false
	}
	if uint64(off)+4 > w.size || off%4 != 0 {
		w.dev.problems = append(w.dev.problems, fmt.Sprintf("access to 0x%x outside window of %d bytes", off, w.size))
		return false
	}
	return true
}

func (w *window) Read32(off uint32) uint32 {
	w.dev.mu.Lock()
	defer w.dev.mu.Unlock()
	if !w.check(off) {
		return 0xffffffff
	}
	return w.dev.readReg(off)
}

func (w *window) Write32(off, val uint32) {
	w.dev.mu.Lock()
	defer w.dev.mu.Unlock()
	if !w.check(off) {
		return
	}
	w.dev.writeReg(off, val)
}

func (w *window) Size() uint64 { return w.size }

func (w *window) Unmap() error {
	w.dev.mu.Lock()
	defer w.dev.mu.Unlock()
	w.dev.release("registers", !w.unmapped)
	if w.unmapped {
		return errors.New("window already unmapped")
	}
	w.unmapped = true
	return nil
}
