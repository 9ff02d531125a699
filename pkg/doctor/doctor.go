// Package doctor provides readiness diagnostics for userspace bring-up.
// It checks device identity, driver binding, the userspace I/O node, DMA
// capability, hugepages, firmware presence and any kernel network interface
// still attached to the radio.
package doctor

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/vishvananda/netlink"

	"github.com/Nativu5/mt7902-bringup/pkg/devtable"
	"github.com/Nativu5/mt7902-bringup/pkg/pci"
	"github.com/Nativu5/mt7902-bringup/pkg/types"
)

// Severity levels for diagnostic checks.
type Severity string

const (
	Pass Severity = "PASS"
	Warn Severity = "WARN"
	Fail Severity = "FAIL"
)

var nrHugepagesPath = "/proc/sys/vm/nr_hugepages"

// CheckResult represents one diagnostic check outcome.
type CheckResult struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Device   string   `json:"device,omitempty"`
}

// Report holds all diagnostic results for a device or the whole host.
type Report struct {
	Results []CheckResult `json:"results"`
	HasWarn bool          `json:"-"`
	HasFail bool          `json:"-"`
}

// add appends a result and updates summary flags.
func (r *Report) add(cr CheckResult) {
	r.Results = append(r.Results, cr)
	switch cr.Severity {
	case Warn:
		r.HasWarn = true
	case Fail:
		r.HasFail = true
	}
}

// filtered returns results, optionally excluding PASS entries.
func (r *Report) filtered(showPass bool) []CheckResult {
	if showPass {
		return r.Results
	}
	var out []CheckResult
	for _, cr := range r.Results {
		if cr.Severity != Pass {
			out = append(out, cr)
		}
	}
	return out
}

// FirmwareLocator resolves a firmware name to a file.
type FirmwareLocator interface {
	Locate(name string) (string, error)
}

// Options carries what the checks compare the device against.
type Options struct {
	// Firmware resolves the device's firmware image. Nil skips the check.
	Firmware FirmwareLocator
	// DMAMaskBits is the DMA width bring-up will declare.
	DMAMaskBits int
}

// DiagnoseDevice runs all checks on a single radio.
func DiagnoseDevice(dev *types.Device, opts Options) *Report {
	report := &Report{}
	addr := dev.PciAddress
	result := func(check string, sev Severity, format string, args ...any) {
		report.add(CheckResult{Check: check, Severity: sev, Message: fmt.Sprintf(format, args...), Device: addr})
	}

	// 1. Identity
	if e, ok := devtable.Lookup(dev.Vendor, dev.DeviceID); ok {
		result("device_id", Pass, "%s (%s)", e.Name, e.ID)
	} else {
		result("device_id", Fail, "%s:%s is not in the device table", dev.Vendor, dev.DeviceID)
	}

	// 2. Driver binding
	switch {
	case dev.Driver == "":
		result("driver_binding", Warn, "Device is unbound; bind uio_pci_generic or vfio-pci for interrupts")
	case pci.IsUserspaceDriver(dev.Driver):
		result("driver_binding", Pass, "Bound to %s", dev.Driver)
	default:
		result("driver_binding", Fail, "Bound to kernel driver %s; regions cannot be claimed", dev.Driver)
	}

	// 3. Userspace I/O node
	checkUserspaceNode(report, dev)

	// 4. Enable count and DMA capability
	if on, err := pci.GetEnabled(addr); err != nil {
		result("pci_enable", Warn, "Cannot read enable attribute: %v", err)
	} else if on {
		result("pci_enable", Pass, "Device is enabled")
	} else {
		result("pci_enable", Pass, "Device is disabled; attach enables it")
	}
	checkDMAMask(report, addr, opts.DMAMaskBits)

	// 5. IOMMU
	if group, err := pci.GetIOMMUGroup(addr); err != nil {
		result("iommu_group", Warn, "No IOMMU group; DMA buffers use physical addresses from pagemap")
	} else {
		result("iommu_group", Pass, "IOMMU group %s", group)
	}

	// 6. Hugepages for DMA buffers
	checkHugepages(report)

	// 7. Firmware image
	if opts.Firmware != nil {
		if p, err := opts.Firmware.Locate(dev.FirmwareName); err != nil {
			result("firmware", Fail, "%v", err)
		} else {
			result("firmware", Pass, "%s found at %s", dev.FirmwareName, p)
		}
	}

	// 8. Kernel network interface
	if dev.IfName != "" {
		result("net_interface", Warn, "Kernel interface %s is attached to the radio", dev.IfName)
		checkLinkAttrs(report, dev)
	} else {
		result("net_interface", Pass, "No kernel network interface attached")
	}

	return report
}

func checkUserspaceNode(report *Report, dev *types.Device) {
	node := dev.UIONode
	if node == "" {
		node = dev.IOMMUGroup
	}
	if node == "" {
		report.add(CheckResult{
			Check:    "userspace_node",
			Severity: Fail,
			Message:  "No UIO or VFIO node; interrupts cannot be delivered",
			Device:   dev.PciAddress,
		})
		return
	}
	if _, err := os.Stat(node); err != nil {
		report.add(CheckResult{
			Check:    "userspace_node",
			Severity: Warn,
			Message:  fmt.Sprintf("%s is registered but not accessible: %v", node, err),
			Device:   dev.PciAddress,
		})
		return
	}
	report.add(CheckResult{
		Check:    "userspace_node",
		Severity: Pass,
		Message:  fmt.Sprintf("Node %s", node),
		Device:   dev.PciAddress,
	})
}

func checkDMAMask(report *Report, addr string, want int) {
	bits, err := pci.GetDMAMaskBits(addr)
	switch {
	case err != nil:
		report.add(CheckResult{
			Check:    "dma_mask",
			Severity: Warn,
			Message:  fmt.Sprintf("Cannot read dma_mask_bits: %v", err),
			Device:   addr,
		})
	case bits < want:
		report.add(CheckResult{
			Check:    "dma_mask",
			Severity: Fail,
			Message:  fmt.Sprintf("Device reports %d-bit DMA, %d-bit required", bits, want),
			Device:   addr,
		})
	default:
		report.add(CheckResult{
			Check:    "dma_mask",
			Severity: Pass,
			Message:  fmt.Sprintf("%d-bit DMA", bits),
			Device:   addr,
		})
	}
}

// checkHugepages verifies that the hugepage pool can back a DMA buffer.
func checkHugepages(report *Report) {
	data, err := os.ReadFile(nrHugepagesPath)
	if err != nil {
		report.add(CheckResult{
			Check:    "hugepages",
			Severity: Warn,
			Message:  fmt.Sprintf("Cannot read %s: %v", nrHugepagesPath, err),
		})
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n == 0 {
		report.add(CheckResult{
			Check:    "hugepages",
			Severity: Fail,
			Message:  "No hugepages reserved (echo 8 > /proc/sys/vm/nr_hugepages)",
		})
		return
	}
	report.add(CheckResult{
		Check:    "hugepages",
		Severity: Pass,
		Message:  fmt.Sprintf("%d hugepages reserved", n),
	})
}

// checkLinkAttrs uses netlink to inspect the state of the attached interface.
func checkLinkAttrs(report *Report, dev *types.Device) {
	link, err := netlink.LinkByName(dev.IfName)
	if err != nil {
		report.add(CheckResult{
			Check:    "link_state",
			Severity: Warn,
			Message:  fmt.Sprintf("Cannot query link %s: %v", dev.IfName, err),
			Device:   dev.PciAddress,
		})
		return
	}

	attrs := link.Attrs()
	state := attrs.OperState.String()
	if attrs.OperState == netlink.OperUp {
		report.add(CheckResult{
			Check:    "link_state",
			Severity: Fail,
			Message:  fmt.Sprintf("Link %s is %s; take it down before bring-up", dev.IfName, state),
			Device:   dev.PciAddress,
		})
	} else {
		report.add(CheckResult{
			Check:    "link_state",
			Severity: Warn,
			Message:  fmt.Sprintf("Link %s is %s (MTU: %d)", dev.IfName, state, attrs.MTU),
			Device:   dev.PciAddress,
		})
	}
}

// PrintTable renders the diagnostic report as a table.
// When showPass is false, only WARN/FAIL results are shown.
func PrintTable(w io.Writer, report *Report, showPass bool) {
	results := report.filtered(showPass)
	if len(results) == 0 {
		fmt.Fprintln(w, "All checks passed.")
		return
	}
	table := tablewriter.NewTable(w)
	table.Header("STATUS", "CHECK", "DEVICE", "MESSAGE")
	for _, r := range results {
		marker := "✓"
		switch r.Severity {
		case Warn:
			marker = "!"
		case Fail:
			marker = "✗"
		}
		dev := r.Device
		if dev == "" {
			dev = "(host)"
		}
		status := fmt.Sprintf("%s %s", marker, r.Severity)
		table.Append(status, r.Check, dev, r.Message)
	}
	table.Render()
}

// PrintJSON renders the diagnostic report as JSON.
// When showPass is false, only WARN/FAIL results are included.
func PrintJSON(w io.Writer, report *Report, showPass bool) error {
	results := report.filtered(showPass)
	if results == nil {
		results = []CheckResult{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// MergeReports combines multiple per-device reports into one.
func MergeReports(reports ...*Report) *Report {
	merged := &Report{}
	for _, r := range reports {
		for _, cr := range r.Results {
			merged.add(cr)
		}
	}
	return merged
}
