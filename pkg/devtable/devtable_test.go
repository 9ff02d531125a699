package devtable

import "testing"

func TestLookup(t *testing.T) {
	tests := []struct {
		name   string
		vendor string
		device string
		want   bool
	}{
		{"sysfs format", "0x14c3", "0x7902", true},
		{"bare hex", "14c3", "7902", true},
		{"upper case with newline", "0x14C3\n", "0x7902\n", true},
		{"other mediatek part", "0x14c3", "0x7961", false},
		{"other vendor", "0x8086", "0x7902", false},
		{"garbage", "vendor", "0x7902", false},
		{"empty", "", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, ok := Lookup(tc.vendor, tc.device)
			if ok != tc.want {
				t.Fatalf("Lookup(%q, %q) ok = %v, want %v", tc.vendor, tc.device, ok, tc.want)
			}
			if ok && e.FirmwareName != "mediatek/mt7902.bin" {
				t.Errorf("FirmwareName = %q", e.FirmwareName)
			}
		})
	}
}
