// Package pci drives an MT7902 radio from userspace through sysfs and UIO.
//
// Discovery helpers read vendor, device, driver and interrupt attributes
// under /sys/bus/pci/devices. Device implements types.PCIDevice on the same
// tree: the enable attribute, exclusive locks on resource<N>, mmap of the
// register BAR, the command register in config space, hugepage-backed DMA
// buffers and interrupts delivered through /dev/uioN.
package pci

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vishvananda/netlink"
)

var (
	sysNetDevices = "/sys/class/net"
	sysBusPci     = "/sys/bus/pci/devices"
	devDir        = "/dev"
)

// Drivers that hand the function to userspace. Any other bound driver owns
// the hardware.
var userspaceDrivers = map[string]bool{
	"uio_pci_generic": true,
	"igb_uio":         true,
	"vfio-pci":        true,
}

// ───────────────────────────────────────────
//  sysfs helpers
// ───────────────────────────────────────────

// GetPciAddress returns the PCI address for a given network interface name
// by reading the /sys/class/net/<ifName>/device symlink.
func GetPciAddress(ifName string) (string, error) {
	ifaceDir := path.Join(sysNetDevices, ifName, "device")
	dirInfo, err := os.Lstat(ifaceDir)
	if err != nil {
		return "", fmt.Errorf("cannot stat device symlink for interface %q: %w", ifName, err)
	}

	if (dirInfo.Mode() & os.ModeSymlink) == 0 {
		return "", fmt.Errorf("no symbolic link for interface %q", ifName)
	}

	pciInfo, err := os.Readlink(ifaceDir)
	if err != nil {
		return "", fmt.Errorf("cannot read device symlink for interface %q: %w", ifName, err)
	}

	return path.Base(pciInfo), nil
}

// GetNetNames returns the network interfaces a kernel driver registered for
// a PCI device, from /sys/bus/pci/devices/<pciAddr>/net/.
func GetNetNames(pciAddr string) ([]string, error) {
	netDir := filepath.Join(sysBusPci, pciAddr, "net")
	if _, err := os.Lstat(netDir); err != nil {
		return nil, fmt.Errorf("no net directory under PCI device %s: %w", pciAddr, err)
	}

	entries, err := os.ReadDir(netDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read net directory %s: %w", netDir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// GetPCIDevDriver returns the kernel driver currently bound to a PCI device.
func GetPCIDevDriver(pciAddr string) (string, error) {
	driverLink := filepath.Join(sysBusPci, pciAddr, "driver")
	driverInfo, err := os.Readlink(driverLink)
	if err != nil {
		return "", fmt.Errorf("cannot read driver symlink for PCI device %s: %w", pciAddr, err)
	}
	return filepath.Base(driverInfo), nil
}

// IsUserspaceDriver reports whether driver leaves the device to userspace.
// An unbound device (empty driver) counts as free.
func IsUserspaceDriver(driver string) bool {
	return driver == "" || userspaceDrivers[driver]
}

// GetPCIVendor returns the PCI vendor ID for a device (e.g. "0x14c3" → "14c3").
func GetPCIVendor(pciAddr string) string {
	return readSysfsAttr(filepath.Join(sysBusPci, pciAddr, "vendor"))
}

// GetPCIDeviceID returns the PCI device/product ID for a device.
func GetPCIDeviceID(pciAddr string) string {
	return readSysfsAttr(filepath.Join(sysBusPci, pciAddr, "device"))
}

// GetIRQ returns the legacy interrupt line, or -1 if unknown.
func GetIRQ(pciAddr string) int {
	n, err := readSysfsInt(filepath.Join(sysBusPci, pciAddr, "irq"))
	if err != nil {
		return -1
	}
	return n
}

// GetEnabled reports whether the device's enable count is non-zero.
func GetEnabled(pciAddr string) (bool, error) {
	n, err := readSysfsInt(filepath.Join(sysBusPci, pciAddr, "enable"))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetDMAMaskBits returns the DMA addressing width sysfs reports.
func GetDMAMaskBits(pciAddr string) (int, error) {
	return readSysfsInt(filepath.Join(sysBusPci, pciAddr, "dma_mask_bits"))
}

// GetUIONode returns the /dev/uioN node of a device bound to a UIO driver.
func GetUIONode(pciAddr string) (string, error) {
	uioDir := filepath.Join(sysBusPci, pciAddr, "uio")
	entries, err := os.ReadDir(uioDir)
	if err != nil {
		return "", fmt.Errorf("no uio directory under PCI device %s: %w", pciAddr, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "uio") {
			return filepath.Join(devDir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("no uio node registered for PCI device %s", pciAddr)
}

// GetIOMMUGroup returns the /dev/vfio/<group> node for a device.
func GetIOMMUGroup(pciAddr string) (string, error) {
	group, err := filepath.EvalSymlinks(filepath.Join(sysBusPci, pciAddr, "iommu_group"))
	if err != nil {
		return "", fmt.Errorf("cannot resolve iommu group of PCI device %s: %w", pciAddr, err)
	}
	return filepath.Join(devDir, "vfio", filepath.Base(group)), nil
}

// GetLinkState returns the operational state of a network interface via
// netlink, or "" if it cannot be queried.
func GetLinkState(ifName string) string {
	if ifName == "" {
		return ""
	}
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return ""
	}
	return link.Attrs().OperState.String()
}

// readSysfsAttr reads a single sysfs attribute file, strips the "0x" prefix and whitespace.
func readSysfsAttr(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	val := strings.TrimSpace(string(data))
	val = strings.TrimPrefix(val, "0x")
	return val
}

func readSysfsInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed sysfs attribute %s: %w", path, err)
	}
	return n, nil
}

func writeSysfsAttr(path, val string) error {
	if err := os.WriteFile(path, []byte(val), 0o200); err != nil {
		return fmt.Errorf("cannot write %q to %s: %w", val, path, err)
	}
	return nil
}
