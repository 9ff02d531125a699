// Package config holds the tunable parameters of the bring-up sequence.
//
// The register offsets and the "running" firmware state were borrowed from
// the MT7921 register map and are not confirmed for MT7902. They are kept
// here, with defaults, so that a YAML file can override them without a
// rebuild.
package config

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"os"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/Nativu5/mt7902-bringup/pkg/devtable"
)

// Config is the complete bring-up configuration.
type Config struct {
	// FirmwareName is the provider-relative image name.
	FirmwareName string `json:"firmwareName"`
	// DMAMaskBits is the DMA addressing width declared for the device.
	DMAMaskBits int `json:"dmaMaskBits"`
	// BAR is the index of the register BAR to map.
	BAR       int       `json:"bar"`
	Registers Registers `json:"registers"`
	Timing    Timing    `json:"timing"`
}

// Registers describes the register layout used by the download handshake.
type Registers struct {
	// TopMisc2 is the control/status register carrying the firmware state.
	TopMisc2 uint32 `json:"topMisc2"`
	// FWStateMask selects the firmware-state field in TopMisc2.
	FWStateMask uint32 `json:"fwStateMask"`
	// FWStateRunning is the field value reported once firmware runs.
	FWStateRunning uint32 `json:"fwStateRunning"`

	DLAddr uint32 `json:"dlAddr"`
	DLLen  uint32 `json:"dlLen"`
	DLCtrl uint32 `json:"dlCtrl"`
	// DLCtrlStart is the bit mask that starts a download.
	DLCtrlStart uint32 `json:"dlCtrlStart"`
	// DLCtrlAck is the bit mask the device sets once it consumed the transfer.
	DLCtrlAck uint32 `json:"dlCtrlAck"`
}

// Timing bounds the two polling phases of the download handshake.
type Timing struct {
	PollInterval Duration `json:"pollInterval"`
	AckTimeout   Duration `json:"ackTimeout"`
	ReadyTimeout Duration `json:"readyTimeout"`
}

// Duration is a time.Duration that reads and writes as "100ms".
type Duration struct {
	time.Duration
}

// UnmarshalJSON accepts a Go duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		d.Duration = v
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(b))
	}
	d.Duration = time.Duration(n)
	return nil
}

// MarshalJSON writes the duration as a Go duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Default returns the configuration for MT7902 with the provisional MT7921
// register layout.
func Default() *Config {
	return &Config{
		FirmwareName: devtable.Supported[0].FirmwareName,
		DMAMaskBits:  32,
		BAR:          0,
		Registers: Registers{
			TopMisc2:       0x18060024,
			FWStateMask:    0x7, // 0 = ROM, 7 = RUN
			FWStateRunning: 0x7,
			DLAddr:         0x1846F200,
			DLLen:          0x1846F204,
			DLCtrl:         0x1846F208,
			DLCtrlStart:    1 << 0,
			DLCtrlAck:      1 << 1,
		},
		Timing: Timing{
			PollInterval: Duration{time.Millisecond},
			AckTimeout:   Duration{100 * time.Millisecond},
			ReadyTimeout: Duration{100 * time.Millisecond},
		},
	}
}

// Load reads a YAML (or JSON) file on top of the defaults and validates the
// result. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the handshake cannot work with.
func (c *Config) Validate() error {
	var problems []string

	if c.FirmwareName == "" {
		problems = append(problems, "firmwareName must not be empty")
	}
	if c.DMAMaskBits < 24 || c.DMAMaskBits > 64 {
		problems = append(problems, fmt.Sprintf("dmaMaskBits %d out of range 24-64", c.DMAMaskBits))
	}
	if c.BAR < 0 || c.BAR > 5 {
		problems = append(problems, fmt.Sprintf("bar %d out of range 0-5", c.BAR))
	}

	r := c.Registers
	for name, off := range map[string]uint32{
		"topMisc2": r.TopMisc2,
		"dlAddr":   r.DLAddr,
		"dlLen":    r.DLLen,
		"dlCtrl":   r.DLCtrl,
	} {
		if off%4 != 0 {
			problems = append(problems, fmt.Sprintf("%s offset 0x%x is not 4-byte aligned", name, off))
		}
	}
	if r.FWStateMask == 0 {
		problems = append(problems, "fwStateMask must not be zero")
	}
	if r.FWStateMask != 0 && r.FWStateRunning > r.FWStateMask>>bits.TrailingZeros32(r.FWStateMask) {
		problems = append(problems, fmt.Sprintf("fwStateRunning %d does not fit fwStateMask 0x%x", r.FWStateRunning, r.FWStateMask))
	}
	if bits.OnesCount32(r.DLCtrlStart) != 1 || bits.OnesCount32(r.DLCtrlAck) != 1 {
		problems = append(problems, "dlCtrlStart and dlCtrlAck must each be a single bit")
	} else if r.DLCtrlStart == r.DLCtrlAck {
		problems = append(problems, "dlCtrlStart and dlCtrlAck must differ")
	}

	t := c.Timing
	if t.PollInterval.Duration <= 0 {
		problems = append(problems, "pollInterval must be positive")
	}
	if t.AckTimeout.Duration < t.PollInterval.Duration {
		problems = append(problems, "ackTimeout must not be shorter than pollInterval")
	}
	if t.ReadyTimeout.Duration < t.PollInterval.Duration {
		problems = append(problems, "readyTimeout must not be shorter than pollInterval")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// HighestOffset returns the largest register offset in the layout. The
// mapped window must extend at least 4 bytes past it.
func (r Registers) HighestOffset() uint32 {
	return max(r.TopMisc2, r.DLAddr, r.DLLen, r.DLCtrl)
}

// FWState extracts the firmware-state field from a TopMisc2 value.
func (r Registers) FWState(val uint32) uint32 {
	return (val & r.FWStateMask) >> bits.TrailingZeros32(r.FWStateMask)
}
