package pci

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Nativu5/mt7902-bringup/pkg/types"
)

const (
	pagemapPresent = 1 << 63
	pagemapPFNMask = 1<<55 - 1
)

var (
	procPagemap = "/proc/self/pagemap"

	// mmapDMA returns size bytes of locked, physically contiguous memory.
	mmapDMA = func(size int) ([]byte, error) {
		return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB|unix.MAP_LOCKED|unix.MAP_POPULATE)
	}
	munmapDMA = unix.Munmap

	// virtToPhys translates a locked virtual address to a physical one.
	virtToPhys = pagemapPhys
)

// AllocCoherent returns a buffer backed by a single hugepage so the device
// sees it as one contiguous range. Buffers larger than a hugepage are refused.
func (d *Device) AllocCoherent(size int) (*types.DMABuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid DMA buffer size %d", size)
	}
	if size > d.hugepageSize {
		return nil, fmt.Errorf("DMA buffer of %d bytes exceeds hugepage size %d: %w", size, d.hugepageSize, unix.ENOMEM)
	}

	mem, err := mmapDMA(d.hugepageSize)
	if err != nil {
		return nil, fmt.Errorf("allocating hugepage: %w", err)
	}
	base := uintptr(unsafe.Pointer(&mem[0]))

	phys, err := virtToPhys(base)
	if err != nil {
		_ = munmapDMA(mem)
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dmaBits < 64 && phys+uint64(size) > uint64(1)<<d.dmaBits {
		_ = munmapDMA(mem)
		return nil, fmt.Errorf("hugepage at 0x%x is outside the %d-bit DMA mask: %w", phys, d.dmaBits, unix.ENOMEM)
	}
	d.dma[base] = mem
	d.log.Debugf("DMA buffer %d bytes at bus 0x%x", size, phys)
	return &types.DMABuffer{Data: mem[:size:size], BusAddr: phys}, nil
}

// FreeCoherent unmaps a buffer returned by AllocCoherent.
func (d *Device) FreeCoherent(buf *types.DMABuffer) {
	if buf == nil || len(buf.Data) == 0 {
		return
	}
	base := uintptr(unsafe.Pointer(&buf.Data[0]))

	d.mu.Lock()
	mem, ok := d.dma[base]
	delete(d.dma, base)
	d.mu.Unlock()

	if !ok {
		d.log.Warnf("free of unknown DMA buffer at bus 0x%x", buf.BusAddr)
		return
	}
	if err := munmapDMA(mem); err != nil {
		d.log.Warnf("unmapping DMA buffer: %v", err)
	}
	buf.Data = nil
}

func pagemapPhys(vaddr uintptr) (uint64, error) {
	f, err := os.Open(procPagemap)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", procPagemap, err)
	}
	defer f.Close()
	return pagemapLookup(f, vaddr, os.Getpagesize())
}

// pagemapLookup resolves vaddr through a pagemap file. A zero PFN means the
// caller lacks CAP_SYS_ADMIN and the kernel hid the frame number.
func pagemapLookup(r io.ReaderAt, vaddr uintptr, pageSize int) (uint64, error) {
	var buf [8]byte
	off := int64(vaddr/uintptr(pageSize)) * 8
	if _, err := r.ReadAt(buf[:], off); err != nil {
		return 0, fmt.Errorf("reading pagemap entry for 0x%x: %w", vaddr, err)
	}

	entry := binary.NativeEndian.Uint64(buf[:])
	if entry&pagemapPresent == 0 {
		return 0, fmt.Errorf("page at 0x%x is not resident", vaddr)
	}
	pfn := entry & pagemapPFNMask
	if pfn == 0 {
		return 0, fmt.Errorf("pagemap hides frame numbers: %w", unix.EPERM)
	}
	return pfn*uint64(pageSize) + uint64(vaddr%uintptr(pageSize)), nil
}
