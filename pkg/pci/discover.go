package pci

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Nativu5/mt7902-bringup/pkg/devtable"
	"github.com/Nativu5/mt7902-bringup/pkg/types"
)

const vfioCtrlPath = "vfio/vfio"

// Discoverer implements types.DeviceDiscoverer on sysfs.
type Discoverer struct{}

// NewDiscoverer returns a sysfs-backed radio discoverer.
func NewDiscoverer() *Discoverer {
	return &Discoverer{}
}

// ───────────────────────────────────────────
//  device building
// ───────────────────────────────────────────

// buildDeviceSpecs lists the host nodes a userspace driver needs: the UIO
// node, or the VFIO group plus the VFIO container.
func buildDeviceSpecs(uioNode, iommuGroup string) []types.DeviceSpec {
	var nodes []string
	switch {
	case uioNode != "":
		nodes = append(nodes, uioNode)
	case iommuGroup != "":
		nodes = append(nodes, iommuGroup, filepath.Join(devDir, vfioCtrlPath))
	}

	specs := make([]types.DeviceSpec, 0, len(nodes))
	for _, n := range nodes {
		specs = append(specs, types.DeviceSpec{
			HostPath:      n,
			ContainerPath: n,
			Permissions:   "rw",
		})
	}
	return specs
}

// buildDevice populates a Device with metadata from sysfs and netlink.
func buildDevice(pciAddr string, entry devtable.Entry) *types.Device {
	dev := &types.Device{
		PciAddress:   pciAddr,
		Vendor:       GetPCIVendor(pciAddr),
		DeviceID:     GetPCIDeviceID(pciAddr),
		IRQ:          GetIRQ(pciAddr),
		FirmwareName: entry.FirmwareName,
	}

	// Best-effort enrichment; errors are non-fatal
	if names, err := GetNetNames(pciAddr); err == nil && len(names) > 0 {
		dev.IfName = names[0]
	}
	if driver, err := GetPCIDevDriver(pciAddr); err == nil {
		dev.Driver = driver
	}
	if node, err := GetUIONode(pciAddr); err == nil {
		dev.UIONode = node
	}
	if driver := dev.Driver; driver == "vfio-pci" {
		if group, err := GetIOMMUGroup(pciAddr); err == nil {
			dev.IOMMUGroup = group
		}
	}
	dev.DeviceSpecs = buildDeviceSpecs(dev.UIONode, dev.IOMMUGroup)

	return dev
}

// ───────────────────────────────────────────
//  Discoverer methods
// ───────────────────────────────────────────

// DiscoverByPCI builds a Device from a PCI BDF address. The function must be
// present in the device table.
func (d *Discoverer) DiscoverByPCI(pciAddress string) (*types.Device, error) {
	if _, err := os.Stat(filepath.Join(sysBusPci, pciAddress)); err != nil {
		return nil, fmt.Errorf("PCI device %s not found: %w", pciAddress, err)
	}

	vendor, device := GetPCIVendor(pciAddress), GetPCIDeviceID(pciAddress)
	entry, ok := devtable.Lookup(vendor, device)
	if !ok {
		return nil, fmt.Errorf("PCI device %s (%s:%s) is not a supported radio", pciAddress, vendor, device)
	}
	return buildDevice(pciAddress, entry), nil
}

// DiscoverAll enumerates all PCI devices under /sys/bus/pci/devices/ and
// returns those in the device table. Other devices are silently skipped.
func (d *Discoverer) DiscoverAll() ([]*types.Device, error) {
	entries, err := os.ReadDir(sysBusPci)
	if err != nil {
		return nil, fmt.Errorf("cannot read PCI bus directory %s: %w", sysBusPci, err)
	}

	var devices []*types.Device
	for _, e := range entries {
		pciAddr := e.Name()
		entry, ok := devtable.Lookup(GetPCIVendor(pciAddr), GetPCIDeviceID(pciAddr))
		if !ok {
			continue
		}
		devices = append(devices, buildDevice(pciAddr, entry))
	}

	if len(devices) == 0 {
		return nil, fmt.Errorf("no supported radios found on the host")
	}
	return devices, nil
}

// DiscoverDevice builds a Device from a PCI address (convenience wrapper).
func DiscoverDevice(pciAddress string) (*types.Device, error) {
	return NewDiscoverer().DiscoverByPCI(pciAddress)
}

// DiscoverDeviceByIfName resolves a network interface to its PCI function and
// discovers it.
func DiscoverDeviceByIfName(ifName string) (*types.Device, error) {
	pciAddr, err := GetPciAddress(ifName)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve PCI address for interface %q: %w", ifName, err)
	}
	return DiscoverDevice(pciAddr)
}
