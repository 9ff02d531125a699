// Package devtable lists the hardware this tool drives. It is consulted by
// discovery and by the attach path; it carries no behavior beyond lookup.
package devtable

import (
	"strconv"
	"strings"

	"github.com/Nativu5/mt7902-bringup/pkg/types"
)

// DriverName identifies this driver when claiming regions and naming IRQs.
const DriverName = "mt7902_skeleton"

// Entry is one supported PCI function.
type Entry struct {
	ID           types.PCIID
	Name         string
	FirmwareName string
}

// Supported is the device-matching table.
var Supported = []Entry{
	{
		ID:           types.PCIID{Vendor: 0x14c3, Device: 0x7902},
		Name:         "MediaTek MT7902",
		FirmwareName: "mediatek/mt7902.bin",
	},
}

// Lookup returns the entry for vendor/device strings as read from sysfs
// ("0x14c3" or "14c3").
func Lookup(vendor, device string) (Entry, bool) {
	v, err := parseID(vendor)
	if err != nil {
		return Entry{}, false
	}
	d, err := parseID(device)
	if err != nil {
		return Entry{}, false
	}
	for _, e := range Supported {
		if e.ID.Vendor == v && e.ID.Device == d {
			return e, true
		}
	}
	return Entry{}, false
}

func parseID(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.TrimSpace(strings.ToLower(s)), "0x")
	n, err := strconv.ParseUint(s, 16, 16)
	return uint16(n), err
}
