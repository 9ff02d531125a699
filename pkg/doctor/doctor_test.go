package doctor

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Nativu5/mt7902-bringup/pkg/types"
)

// helpers

type fakeLocator map[string]string

func (f fakeLocator) Locate(name string) (string, error) {
	if p, ok := f[name]; ok {
		return p, nil
	}
	return "", errors.New("firmware not found: " + name)
}

func readyDevice(t *testing.T) *types.Device {
	t.Helper()
	node := filepath.Join(t.TempDir(), "uio0")
	if err := os.WriteFile(node, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	return &types.Device{
		PciAddress:   "0000:03:00.0",
		Vendor:       "14c3",
		DeviceID:     "7902",
		Driver:       "uio_pci_generic",
		UIONode:      node,
		FirmwareName: "mediatek/mt7902.bin",
	}
}

func defaultOptions() Options {
	return Options{
		Firmware:    fakeLocator{"mediatek/mt7902.bin": "/lib/firmware/mediatek/mt7902.bin"},
		DMAMaskBits: 32,
	}
}

func severityOf(report *Report, check string) (Severity, bool) {
	for _, r := range report.Results {
		if r.Check == check {
			return r.Severity, true
		}
	}
	return "", false
}

func withHugepages(t *testing.T, content string) {
	t.Helper()
	orig := nrHugepagesPath
	t.Cleanup(func() { nrHugepagesPath = orig })
	nrHugepagesPath = filepath.Join(t.TempDir(), "nr_hugepages")
	os.WriteFile(nrHugepagesPath, []byte(content), 0o644)
}

// DiagnoseDevice tests

func TestDiagnoseDevice_Ready(t *testing.T) {
	withHugepages(t, "8\n")
	report := DiagnoseDevice(readyDevice(t), defaultOptions())

	for _, check := range []string{"device_id", "driver_binding", "userspace_node", "hugepages", "firmware", "net_interface"} {
		sev, ok := severityOf(report, check)
		if !ok {
			t.Errorf("missing %s check", check)
			continue
		}
		if sev != Pass {
			t.Errorf("%s = %s, want PASS", check, sev)
		}
	}
	if report.HasFail {
		for _, r := range report.Results {
			t.Logf("  %s: %s - %s", r.Severity, r.Check, r.Message)
		}
		t.Error("ready device should not have FAILs")
	}
}

func TestDiagnoseDevice_Checks(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.Device, *Options)
		check  string
		want   Severity
	}{
		{"unknown id", func(d *types.Device, _ *Options) { d.DeviceID = "7961" }, "device_id", Fail},
		{"unbound", func(d *types.Device, _ *Options) { d.Driver = "" }, "driver_binding", Warn},
		{"vfio", func(d *types.Device, _ *Options) { d.Driver = "vfio-pci" }, "driver_binding", Pass},
		{"kernel driver", func(d *types.Device, _ *Options) { d.Driver = "mt7921e" }, "driver_binding", Fail},
		{"no node", func(d *types.Device, _ *Options) { d.UIONode = "" }, "userspace_node", Fail},
		{"node missing on disk", func(d *types.Device, _ *Options) { d.UIONode = "/nonexistent/uio9" }, "userspace_node", Warn},
		{"vfio group", func(d *types.Device, _ *Options) { d.UIONode, d.IOMMUGroup = "", os.TempDir() }, "userspace_node", Pass},
		{"firmware missing", func(_ *types.Device, o *Options) { o.Firmware = fakeLocator{} }, "firmware", Fail},
		{"kernel netdev", func(d *types.Device, _ *Options) { d.IfName = "wlp3s0" }, "net_interface", Warn},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			withHugepages(t, "8\n")
			dev, opts := readyDevice(t), defaultOptions()
			tc.mutate(dev, &opts)

			report := DiagnoseDevice(dev, opts)
			sev, ok := severityOf(report, tc.check)
			if !ok {
				t.Fatalf("missing %s check", tc.check)
			}
			if sev != tc.want {
				t.Errorf("%s = %s, want %s", tc.check, sev, tc.want)
			}
		})
	}
}

func TestDiagnoseDevice_NoFirmwareLocator(t *testing.T) {
	withHugepages(t, "8\n")
	report := DiagnoseDevice(readyDevice(t), Options{DMAMaskBits: 32})
	if _, ok := severityOf(report, "firmware"); ok {
		t.Error("firmware check should be skipped without a locator")
	}
}

func TestDiagnoseDevice_LinkQueriedForNetdev(t *testing.T) {
	withHugepages(t, "8\n")
	dev := readyDevice(t)
	dev.IfName = "nonexistent-wlan0"

	report := DiagnoseDevice(dev, defaultOptions())
	if sev, ok := severityOf(report, "link_state"); !ok || sev != Warn {
		t.Errorf("link_state = %s, %v; want WARN for an unknown link", sev, ok)
	}
}

func TestCheckHugepages(t *testing.T) {
	tests := []struct {
		content string
		want    Severity
	}{
		{"16\n", Pass},
		{"0\n", Fail},
		{"garbage", Fail},
	}
	for _, tc := range tests {
		withHugepages(t, tc.content)
		report := &Report{}
		checkHugepages(report)
		if got := report.Results[0].Severity; got != tc.want {
			t.Errorf("nr_hugepages=%q: %s, want %s", tc.content, got, tc.want)
		}
	}

	nrHugepagesPath = "/nonexistent/nr_hugepages"
	report := &Report{}
	checkHugepages(report)
	if got := report.Results[0].Severity; got != Warn {
		t.Errorf("unreadable pool: %s, want WARN", got)
	}
}

// MergeReports tests

func TestMergeReports(t *testing.T) {
	r1 := &Report{}
	r1.add(CheckResult{Check: "a", Severity: Pass, Message: "ok"})

	r2 := &Report{}
	r2.add(CheckResult{Check: "b", Severity: Warn, Message: "warn"})

	merged := MergeReports(r1, r2)

	if len(merged.Results) != 2 {
		t.Errorf("expected 2 results, got %d", len(merged.Results))
	}
	if !merged.HasWarn {
		t.Error("merged should have HasWarn=true")
	}
	if merged.HasFail {
		t.Error("merged should not have HasFail")
	}
}

func TestMergeReports_WithFail(t *testing.T) {
	r1 := &Report{}
	r1.add(CheckResult{Check: "a", Severity: Pass})
	r2 := &Report{}
	r2.add(CheckResult{Check: "b", Severity: Fail})

	merged := MergeReports(r1, r2)
	if !merged.HasFail {
		t.Error("merged should have HasFail=true")
	}
}

// Output tests

func TestPrintTable_Output(t *testing.T) {
	report := &Report{}
	report.add(CheckResult{Check: "test_check", Severity: Pass, Message: "all good", Device: "0000:03:00.0"})
	report.add(CheckResult{Check: "test_warn", Severity: Warn, Message: "heads up", Device: "0000:03:00.0"})
	report.add(CheckResult{Check: "hugepages", Severity: Fail, Message: "none"})

	// With showPass=true, all entries visible
	var buf bytes.Buffer
	PrintTable(&buf, report, true)
	output := buf.String()
	if !strings.Contains(output, "PASS") {
		t.Error("table with showPass=true should contain PASS")
	}
	if !strings.Contains(output, "(host)") {
		t.Error("host-wide check should show (host)")
	}

	// With showPass=false, PASS is hidden
	buf.Reset()
	PrintTable(&buf, report, false)
	output = buf.String()
	if strings.Contains(output, "PASS") {
		t.Error("table with showPass=false should not contain PASS")
	}
	if !strings.Contains(output, "WARN") || !strings.Contains(output, "FAIL") {
		t.Error("table with showPass=false should still contain WARN and FAIL")
	}
}

func TestPrintTable_AllPass_NoShowPass(t *testing.T) {
	report := &Report{}
	report.add(CheckResult{Check: "ok", Severity: Pass, Message: "fine"})

	var buf bytes.Buffer
	PrintTable(&buf, report, false)
	output := buf.String()
	if !strings.Contains(output, "All checks passed.") {
		t.Errorf("expected 'All checks passed.' message, got: %q", output)
	}
}

func TestPrintJSON_Output(t *testing.T) {
	report := &Report{}
	report.add(CheckResult{Check: "test", Severity: Pass, Message: "ok", Device: "0000:03:00.0"})

	var buf bytes.Buffer
	if err := PrintJSON(&buf, report, true); err != nil {
		t.Fatalf("PrintJSON failed: %v", err)
	}

	var results []CheckResult
	if err := json.Unmarshal(buf.Bytes(), &results); err != nil {
		t.Fatalf("JSON output is not valid: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected 1 result, got %d", len(results))
	}

	// With showPass=false, PASS should be excluded
	buf.Reset()
	if err := PrintJSON(&buf, report, false); err != nil {
		t.Fatalf("PrintJSON failed: %v", err)
	}
	var filtered []CheckResult
	if err := json.Unmarshal(buf.Bytes(), &filtered); err != nil {
		t.Fatalf("JSON output is not valid: %v", err)
	}
	if len(filtered) != 0 {
		t.Errorf("expected 0 results with showPass=false, got %d", len(filtered))
	}
}
