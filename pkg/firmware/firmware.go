// Package firmware provides firmware images by name.
//
// Loader searches the same directories as the kernel firmware loader and
// falls back to a zstd-compressed "<name>.zst" next to the plain file.
// Memory serves images held in memory and is used by the simulator and tests.
package firmware

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Nativu5/mt7902-bringup/pkg/types"
)

// ErrNotFound is returned when no search path holds the requested image.
var ErrNotFound = errors.New("firmware not found")

// maxImageSize caps decompressed images; the radio's images are a few MiB.
const maxImageSize = 64 << 20

// DefaultSearchPaths mirrors the kernel's firmware search order for the
// running kernel release.
func DefaultSearchPaths() []string {
	release := kernelRelease()
	paths := []string{"/lib/firmware/updates"}
	if release != "" {
		paths = []string{
			filepath.Join("/lib/firmware/updates", release),
			"/lib/firmware/updates",
			filepath.Join("/lib/firmware", release),
		}
	}
	return append(paths, "/lib/firmware")
}

func kernelRelease() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return ""
	}
	return unix.ByteSliceToString(uts.Release[:])
}

// Loader reads firmware images from a list of directories.
type Loader struct {
	searchPaths []string

	mu          sync.Mutex
	outstanding map[*types.Firmware]struct{}
}

// NewLoader returns a Loader that tries extraPaths first, then the default
// search paths.
func NewLoader(extraPaths ...string) *Loader {
	return &Loader{
		searchPaths: append(append([]string{}, extraPaths...), DefaultSearchPaths()...),
		outstanding: make(map[*types.Firmware]struct{}),
	}
}

// NewLoaderWithPaths returns a Loader restricted to exactly paths.
func NewLoaderWithPaths(paths ...string) *Loader {
	return &Loader{
		searchPaths: paths,
		outstanding: make(map[*types.Firmware]struct{}),
	}
}

// SearchPaths returns the directories consulted, in order.
func (l *Loader) SearchPaths() []string {
	return l.searchPaths
}

// Locate returns the path that Request would read for name.
func (l *Loader) Locate(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	// Plain images in every directory win over any compressed one.
	for _, candidate := range []string{name, name + ".zst"} {
		for _, dir := range l.searchPaths {
			p := filepath.Join(dir, candidate)
			if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
				return p, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %q (searched %s): %w", ErrNotFound, name, strings.Join(l.searchPaths, ", "), unix.ENOENT)
}

// Request fetches the named image.
func (l *Loader) Request(name string) (*types.Firmware, error) {
	p, err := l.Locate(name)
	if err != nil {
		return nil, err
	}

	data, err := readImage(p)
	if err != nil {
		return nil, err
	}
	log.Debugf("firmware %q loaded from %s (%d bytes)", name, p, len(data))

	fw := &types.Firmware{Name: name, Data: data}
	l.mu.Lock()
	l.outstanding[fw] = struct{}{}
	l.mu.Unlock()
	return fw, nil
}

// Release drops the loader's reference to fw.
func (l *Loader) Release(fw *types.Firmware) {
	if fw == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.outstanding[fw]; !ok {
		log.Warnf("release of unknown firmware %q ignored", fw.Name)
		return
	}
	delete(l.outstanding, fw)
	fw.Data = nil
}

// Outstanding returns how many images have been requested and not released.
func (l *Loader) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.outstanding)
}

func readImage(p string) ([]byte, error) {
	if !strings.HasSuffix(p, ".zst") {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("cannot read firmware %s: %w", p, err)
		}
		return data, nil
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("cannot open firmware %s: %w", p, err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f, zstd.WithDecoderMaxMemory(maxImageSize))
	if err != nil {
		return nil, fmt.Errorf("cannot create zstd decoder for %s: %w", p, err)
	}
	defer dec.Close()

	data, err := io.ReadAll(io.LimitReader(dec, maxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("cannot decompress firmware %s: %w", p, err)
	}
	if len(data) > maxImageSize {
		return nil, fmt.Errorf("firmware %s exceeds %d bytes", p, maxImageSize)
	}
	return data, nil
}

// validateName rejects names that would escape the search directories.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty firmware name: %w", ErrNotFound, unix.EINVAL)
	}
	if !fs.ValidPath(name) {
		return fmt.Errorf("%w: invalid firmware name %q: %w", ErrNotFound, name, unix.EINVAL)
	}
	return nil
}

// Memory is a FirmwareProvider backed by in-memory images.
type Memory struct {
	mu       sync.Mutex
	images   map[string][]byte
	requests int
	releases int
}

// NewMemory returns an empty in-memory provider.
func NewMemory() *Memory {
	return &Memory{images: make(map[string][]byte)}
}

// Add registers an image under name.
func (m *Memory) Add(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images[name] = data
}

// Request returns a copy of the named image.
func (m *Memory) Request(name string) (*types.Firmware, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.images[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q: %w", ErrNotFound, name, unix.ENOENT)
	}
	m.requests++
	return &types.Firmware{Name: name, Data: append([]byte(nil), data...)}, nil
}

// Release drops the image.
func (m *Memory) Release(fw *types.Firmware) {
	if fw == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	fw.Data = nil
}

// Outstanding returns requests minus releases.
func (m *Memory) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests - m.releases
}
