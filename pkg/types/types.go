// Package types defines shared data types for the mt7902-bringup tool.
// The interfaces here are the seams between the bring-up core and the
// platform it drives: the sysfs/UIO backend in pkg/pci and the simulated
// device in pkg/sim both implement them.
package types

import "fmt"

// PCIID is a vendor/device pair from PCI configuration space.
type PCIID struct {
	Vendor uint16
	Device uint16
}

// String renders the pair the way lspci -n does (e.g. "14c3:7902").
func (id PCIID) String() string {
	return fmt.Sprintf("%04x:%04x", id.Vendor, id.Device)
}

// VectorClass is a set of interrupt vector kinds a caller accepts or a
// platform granted.
type VectorClass uint8

const (
	VectorLegacy VectorClass = 1 << iota
	VectorMSI
	VectorMSIX

	// VectorAny accepts whichever class the platform grants.
	VectorAny = VectorLegacy | VectorMSI | VectorMSIX
)

func (c VectorClass) String() string {
	switch c {
	case VectorLegacy:
		return "legacy"
	case VectorMSI:
		return "msi"
	case VectorMSIX:
		return "msi-x"
	case VectorAny:
		return "any"
	case 0:
		return "none"
	default:
		return fmt.Sprintf("classes(0x%x)", uint8(c))
	}
}

// IRQReturn is what an interrupt handler reports back to the dispatcher.
type IRQReturn int

const (
	IRQNone IRQReturn = iota
	IRQHandled
)

// IRQHandler is invoked by the platform on an execution context the caller
// does not control. It must not block.
type IRQHandler func(vector int) IRQReturn

// RegisterWindow is a mapped BAR. Offsets are byte offsets into the BAR and
// must be 4-byte aligned and below Size.
type RegisterWindow interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, val uint32)
	// Size is the length of the mapping in bytes.
	Size() uint64
	// Unmap releases the mapping. The window must not be used afterwards.
	Unmap() error
}

// DMABuffer is a device-visible staging area.
type DMABuffer struct {
	// Data is the host-side view of the buffer.
	Data []byte
	// BusAddr is the address the device uses for bus-master transfers.
	BusAddr uint64
}

// Len returns the buffer length in bytes.
func (b *DMABuffer) Len() int {
	return len(b.Data)
}

// Firmware is an image fetched from a FirmwareProvider. Data must be treated
// as read-only and must not be referenced after Release.
type Firmware struct {
	Name string
	Data []byte
}

// Size returns the image length in bytes.
func (f *Firmware) Size() int {
	return len(f.Data)
}

// FirmwareProvider supplies firmware images by name.
type FirmwareProvider interface {
	// Request fetches the named image.
	Request(name string) (*Firmware, error)
	// Release hands the image back to the provider.
	Release(fw *Firmware)
}

// PCIDevice is one PCI function as seen by the bring-up core. Every acquire
// method has a matching release method; callers are responsible for pairing
// them.
type PCIDevice interface {
	// Address is the PCI BDF address (e.g. "0000:03:00.0").
	Address() string

	Enable() error
	Disable()
	// SetDMAMask declares the device's DMA addressing width in bits.
	SetDMAMask(bits int) error
	// RequestRegions claims exclusive ownership of the device's memory BARs.
	RequestRegions(owner string) error
	ReleaseRegions()
	MapBAR(bar int) (RegisterWindow, error)
	// SetMaster enables bus-master DMA. It is cleared again by Disable.
	SetMaster()

	// AllocCoherent returns a buffer of exactly size bytes that the device can
	// reach within the configured DMA mask.
	AllocCoherent(size int) (*DMABuffer, error)
	FreeCoherent(buf *DMABuffer)

	// AllocIRQVectors allocates between min and max vectors of any class in
	// classes and returns how many were granted.
	AllocIRQVectors(min, max int, classes VectorClass) (int, error)
	// IRQVector returns the platform vector number and class of the index-th
	// allocated vector.
	IRQVector(index int) (int, VectorClass, error)
	FreeIRQVectors()
	RequestIRQ(vector int, handler IRQHandler, name string) error
	FreeIRQ(vector int)
}

// Device is a discovered radio as reported by discover, doctor and generate.
type Device struct {
	// PciAddress is the PCI Bus-Device-Function address (e.g. "0000:03:00.0").
	PciAddress string
	// Vendor is the PCI vendor ID without the 0x prefix (e.g. "14c3").
	Vendor string
	// DeviceID is the PCI device/product ID without the 0x prefix.
	DeviceID string
	// Driver is the kernel driver bound to this device (e.g. "uio_pci_generic").
	// Empty if unbound.
	Driver string
	// IfName is the network interface a kernel driver registered for this
	// device, if any.
	IfName string
	// UIONode is the UIO character device (e.g. "/dev/uio0"), if any.
	UIONode string
	// IOMMUGroup is the VFIO group node (e.g. "/dev/vfio/12"), if any.
	IOMMUGroup string
	// IRQ is the legacy interrupt line reported by sysfs.
	IRQ int
	// FirmwareName is the image this device expects.
	FirmwareName string
	// DeviceSpecs lists the host device nodes a consumer needs.
	DeviceSpecs []DeviceSpec
}

// DeviceSpec describes a host device node to expose inside a container.
type DeviceSpec struct {
	// HostPath is the path of the device on the host (e.g. /dev/uio0).
	HostPath string
	// ContainerPath is the path of the device inside the container.
	ContainerPath string
	// Permissions is the cgroup permissions for the device (e.g. "rw", "rwm").
	Permissions string
}

// DeviceDiscoverer abstracts radio discovery for testability.
type DeviceDiscoverer interface {
	// DiscoverByPCI builds a Device from a PCI BDF address.
	DiscoverByPCI(pciAddress string) (*Device, error)
	// DiscoverAll returns every supported radio on the host.
	DiscoverAll() ([]*Device, error)
}
