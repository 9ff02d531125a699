// Package discover provides output formatting for the discover subcommand.
package discover

import (
	"encoding/json"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/Nativu5/mt7902-bringup/pkg/pci"
	"github.com/Nativu5/mt7902-bringup/pkg/types"
)

// linkState reports the operational state of a kernel interface.
var linkState = pci.GetLinkState

func orPlaceholder(s, placeholder string) string {
	if s == "" {
		return placeholder
	}
	return s
}

// PrintTable renders discovered radios as a human-readable table.
func PrintTable(w io.Writer, devices []*types.Device) {
	table := tablewriter.NewTable(w)
	table.Header("PCI ADDRESS", "ID", "DRIVER", "INTERFACE", "LINK", "IRQ", "NODE", "FIRMWARE")
	for _, dev := range devices {
		irq := "(none)"
		if dev.IRQ > 0 {
			irq = strconv.Itoa(dev.IRQ)
		}
		node := dev.UIONode
		if node == "" {
			node = dev.IOMMUGroup
		}
		table.Append(
			dev.PciAddress,
			dev.Vendor+":"+dev.DeviceID,
			orPlaceholder(dev.Driver, "(unbound)"),
			orPlaceholder(dev.IfName, "(none)"),
			orPlaceholder(linkState(dev.IfName), "-"),
			irq,
			orPlaceholder(node, "(none)"),
			dev.FirmwareName,
		)
	}
	table.Render()
}

// DeviceJSON is the JSON representation of a discovered radio.
type DeviceJSON struct {
	PciAddress   string   `json:"pci_address"`
	Vendor       string   `json:"vendor"`
	DeviceID     string   `json:"device"`
	Driver       string   `json:"driver,omitempty"`
	IfName       string   `json:"interface,omitempty"`
	LinkState    string   `json:"link_state,omitempty"`
	IRQ          int      `json:"irq,omitempty"`
	UIONode      string   `json:"uio_node,omitempty"`
	IOMMUGroup   string   `json:"iommu_group,omitempty"`
	FirmwareName string   `json:"firmware"`
	Nodes        []string `json:"nodes"`
}

// PrintJSON renders discovered radios as JSON.
func PrintJSON(w io.Writer, devices []*types.Device) error {
	out := make([]DeviceJSON, 0, len(devices))
	for _, dev := range devices {
		nodes := make([]string, 0, len(dev.DeviceSpecs))
		for _, s := range dev.DeviceSpecs {
			nodes = append(nodes, s.HostPath)
		}
		irq := dev.IRQ
		if irq < 0 {
			irq = 0
		}
		out = append(out, DeviceJSON{
			PciAddress:   dev.PciAddress,
			Vendor:       dev.Vendor,
			DeviceID:     dev.DeviceID,
			Driver:       dev.Driver,
			IfName:       dev.IfName,
			LinkState:    linkState(dev.IfName),
			IRQ:          irq,
			UIONode:      dev.UIONode,
			IOMMUGroup:   dev.IOMMUGroup,
			FirmwareName: dev.FirmwareName,
			Nodes:        nodes,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
