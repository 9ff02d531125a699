package pci

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// window is an mmapped BAR. Accesses are single 32-bit loads and stores.
type window struct {
	name string

	mu  sync.RWMutex
	mem []byte
}

func mapResource(name string) (*window, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}
	if fi.Size() == 0 {
		return nil, fmt.Errorf("%s is empty: %w", name, unix.ENXIO)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", name, err)
	}
	return &window{name: name, mem: mem}, nil
}

func (w *window) reg(offset uint32) *uint32 {
	if offset%4 != 0 || uint64(offset)+4 > uint64(len(w.mem)) {
		return nil
	}
	return (*uint32)(unsafe.Pointer(&w.mem[offset]))
}

// Read32 returns all ones for an offset outside the mapping, as a read of an
// absent device would.
func (w *window) Read32(offset uint32) uint32 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	r := w.reg(offset)
	if r == nil {
		return 0xffffffff
	}
	return atomic.LoadUint32(r)
}

func (w *window) Write32(offset, val uint32) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if r := w.reg(offset); r != nil {
		atomic.StoreUint32(r, val)
	}
}

func (w *window) Size() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return uint64(len(w.mem))
}

func (w *window) Unmap() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mem == nil {
		return errors.New(w.name + " is not mapped")
	}
	err := unix.Munmap(w.mem)
	w.mem = nil
	if err != nil {
		return fmt.Errorf("munmap %s: %w", w.name, err)
	}
	return nil
}
