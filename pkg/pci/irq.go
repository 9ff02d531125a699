package pci

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Nativu5/mt7902-bringup/pkg/types"
)

// eventSource is an open UIO node. Reads block until the next interrupt and
// return the 32-bit event count; writes of 1 or 0 unmask or mask the line.
type eventSource interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

var openUIO = func(path string) (eventSource, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return f, nil
}

type irqState struct {
	node   string
	src    eventSource
	vector int
	class  types.VectorClass

	// set while a handler is bound
	name string
	done chan struct{}
}

// vectorInfo reports the vector the UIO driver delivers and its class. MSI
// vectors are listed under msi_irqs/, each file naming "msi" or "msix".
func vectorInfo(dir string) (int, types.VectorClass, error) {
	entries, err := os.ReadDir(filepath.Join(dir, "msi_irqs"))
	if err == nil && len(entries) > 0 {
		vec, err := strconv.Atoi(entries[0].Name())
		if err != nil {
			return -1, 0, fmt.Errorf("malformed msi_irqs entry %q", entries[0].Name())
		}
		class := types.VectorMSI
		mode, _ := os.ReadFile(filepath.Join(dir, "msi_irqs", entries[0].Name()))
		if strings.TrimSpace(string(mode)) == "msix" {
			class = types.VectorMSIX
		}
		return vec, class, nil
	}

	vec, err := readSysfsInt(filepath.Join(dir, "irq"))
	if err != nil {
		return -1, 0, err
	}
	if vec <= 0 {
		return -1, 0, fmt.Errorf("no interrupt line routed: %w", unix.ENOSPC)
	}
	return vec, types.VectorLegacy, nil
}

// AllocIRQVectors opens the UIO node of the function. UIO delivers exactly
// one vector, so min must not exceed 1.
func (d *Device) AllocIRQVectors(min, max int, classes types.VectorClass) (int, error) {
	if min > 1 || max < min || max < 1 {
		return 0, fmt.Errorf("UIO provides one vector, %d-%d requested: %w", min, max, unix.ENOSPC)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.irq != nil {
		return 0, fmt.Errorf("vectors of %s already allocated", d.addr)
	}

	vec, class, err := vectorInfo(d.dir)
	if err != nil {
		return 0, err
	}
	if class&classes == 0 {
		return 0, fmt.Errorf("%s delivers %s interrupts, %s requested: %w", d.addr, class, classes, unix.ENOSPC)
	}

	node, err := GetUIONode(d.addr)
	if err != nil {
		return 0, err
	}
	src, err := openUIO(node)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", node, err)
	}

	d.irq = &irqState{node: node, src: src, vector: vec, class: class}
	return 1, nil
}

// IRQVector returns the vector opened by AllocIRQVectors.
func (d *Device) IRQVector(index int) (int, types.VectorClass, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.irq == nil || index != 0 {
		return -1, 0, fmt.Errorf("vector index %d not allocated", index)
	}
	return d.irq.vector, d.irq.class, nil
}

// FreeIRQVectors closes the UIO node.
func (d *Device) FreeIRQVectors() {
	d.mu.Lock()
	irq := d.irq
	d.irq = nil
	d.mu.Unlock()

	if irq == nil {
		return
	}
	if irq.done != nil {
		d.log.Warnf("freeing vectors of %s with handler %q still bound", d.addr, irq.name)
		d.stopDispatch(irq)
	}
	if err := irq.src.Close(); err != nil {
		d.log.Warnf("closing %s: %v", irq.node, err)
	}
}

// RequestIRQ unmasks the line and starts a goroutine that calls handler for
// every interrupt the UIO node reports.
func (d *Device) RequestIRQ(vector int, handler types.IRQHandler, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	irq := d.irq
	switch {
	case irq == nil:
		return fmt.Errorf("no vectors allocated on %s", d.addr)
	case irq.vector != vector:
		return fmt.Errorf("vector %d is not allocated on %s", vector, d.addr)
	case irq.done != nil:
		return fmt.Errorf("vector %d already bound to %q: %w", vector, irq.name, unix.EBUSY)
	}

	if err := irqControl(irq.src, 1); err != nil {
		return fmt.Errorf("unmasking vector %d: %w", vector, err)
	}
	irq.name = name
	irq.done = make(chan struct{})
	go d.dispatch(irq.src, vector, handler, irq.done)
	return nil
}

// FreeIRQ masks the line and waits for the dispatch goroutine to exit, so
// handler is never called after FreeIRQ returns.
func (d *Device) FreeIRQ(vector int) {
	d.mu.Lock()
	irq := d.irq
	d.mu.Unlock()

	if irq == nil || irq.vector != vector || irq.done == nil {
		return
	}
	d.stopDispatch(irq)
	if err := irqControl(irq.src, 0); err != nil {
		d.log.Warnf("masking vector %d: %v", vector, err)
	}
}

func (d *Device) stopDispatch(irq *irqState) {
	if err := irq.src.SetReadDeadline(time.Now()); err != nil {
		d.log.Warnf("interrupting reader on %s: %v", irq.node, err)
	}
	<-irq.done
	if err := irq.src.SetReadDeadline(time.Time{}); err != nil {
		d.log.Debugf("resetting deadline on %s: %v", irq.node, err)
	}
	irq.done = nil
	irq.name = ""
}

func (d *Device) dispatch(src eventSource, vector int, handler types.IRQHandler, done chan struct{}) {
	defer close(done)

	var buf [4]byte
	for {
		if _, err := io.ReadFull(src, buf[:]); err != nil {
			if !errors.Is(err, os.ErrDeadlineExceeded) && !errors.Is(err, os.ErrClosed) {
				d.log.Errorf("reading interrupts of vec %d: %v", vector, err)
			}
			return
		}
		if handler(vector) == types.IRQNone {
			d.log.Debugf("unhandled interrupt on vec %d (count %d)", vector, binary.NativeEndian.Uint32(buf[:]))
		}
		if err := irqControl(src, 1); err != nil {
			d.log.Errorf("re-enabling vec %d: %v", vector, err)
			return
		}
	}
}

func irqControl(w io.Writer, on uint32) error {
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], on)
	_, err := w.Write(buf[:])
	return err
}
