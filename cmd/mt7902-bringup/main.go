// mt7902-bringup is a userspace bring-up tool for the MediaTek MT7902 PCIe
// radio. It claims the function through sysfs, downloads firmware to the MCU
// over DMA, binds the interrupt vector and can hand the ready radio to a
// container through a CDI spec file.
//
// Usage:
//
//	mt7902-bringup discover
//	mt7902-bringup doctor --pci 0000:03:00.0
//	mt7902-bringup attach --pci 0000:03:00.0
//	mt7902-bringup simulate --scenario c
//	mt7902-bringup generate --pci 0000:03:00.0
//	mt7902-bringup cleanup --prefix mediatek.com
package main

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Nativu5/mt7902-bringup/pkg/cdi"
	"github.com/Nativu5/mt7902-bringup/pkg/config"
	"github.com/Nativu5/mt7902-bringup/pkg/discover"
	"github.com/Nativu5/mt7902-bringup/pkg/doctor"
	"github.com/Nativu5/mt7902-bringup/pkg/firmware"
	"github.com/Nativu5/mt7902-bringup/pkg/pci"
	"github.com/Nativu5/mt7902-bringup/pkg/types"
	"github.com/Nativu5/mt7902-bringup/pkg/utils"
)

// Exit codes following CLI conventions.
const (
	exitOK           = 0
	exitRuntimeError = 1
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntimeError)
	}
}

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	logLevel   string
	logFile    string
	configPath string
}

// loadConfig returns the bring-up configuration from --config, or the
// defaults when the flag is empty.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	if g.configPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	log.Debugf("loaded configuration from %s", g.configPath)
	return cfg, nil
}

// rootCmd builds the top-level cobra command tree.
func rootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "mt7902-bringup",
		Short: "MT7902 PCIe radio bring-up tool",
		Long:  "A userspace tool for bringing up MediaTek MT7902 radios: resource acquisition, firmware download over DMA, interrupt binding and CDI hand-off.",
		// Silence default usage on runtime errors; we handle exit codes ourselves.
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := log.ParseLevel(g.logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", g.logLevel, err)
			}
			log.SetLevel(lvl)
			if g.logFile != "" {
				log.SetOutput(&lumberjack.Logger{
					Filename:   g.logFile,
					MaxSize:    10, // megabytes
					MaxBackups: 3,
					MaxAge:     28, // days
					Compress:   true,
				})
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	root.PersistentFlags().StringVar(&g.logFile, "log-file", "", "Write logs to this file with size-based rotation instead of stderr")
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML file overriding the register layout, DMA mask and poll timing")

	root.AddCommand(
		newAttachCmd(g),
		newSimulateCmd(g),
		newGenerateCmd(),
		newDiscoverCmd(),
		newDoctorCmd(g),
		newCleanupCmd(),
		newVersionCmd(),
	)

	return root
}

// ──────────────────────────────────────────────
//  generate
// ──────────────────────────────────────────────

func newGenerateCmd() *cobra.Command {
	var (
		all       bool
		pciAddr   string
		ifname    string
		prefix    string
		name      string
		outputDir string
		format    string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate CDI spec files for MT7902 radios",
		RunE: func(cmd *cobra.Command, args []string) error {
			discoverer := pci.NewDiscoverer()

			switch {
			case all:
				// Batch mode: generate a spec for every discovered radio
				devices, err := discoverer.DiscoverAll()
				if err != nil {
					return fmt.Errorf("device discovery failed: %w", err)
				}

				var errCount int
				for _, dev := range devices {
					autoName := deriveDefaultName(dev.PciAddress, "")
					if err := writeSpec(cmd.OutOrStdout(), prefix, autoName, dev, outputDir, format); err != nil {
						log.Errorf("failed to generate spec for %s: %v", dev.PciAddress, err)
						errCount++
					}
				}
				if errCount > 0 {
					return fmt.Errorf("%d device(s) failed to generate", errCount)
				}
				return nil

			default:
				// Single-device mode
				if name == "" {
					name = deriveDefaultName(pciAddr, ifname)
				}

				devices, err := resolveDevices(false, pciAddr, ifname)
				if err != nil {
					return fmt.Errorf("device discovery failed: %w", err)
				}

				if err := writeSpec(cmd.OutOrStdout(), prefix, name, devices[0], outputDir, format); err != nil {
					return fmt.Errorf("CDI spec generation failed: %w", err)
				}
				return nil
			}
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Generate specs for all discovered radios")
	cmd.Flags().StringVar(&pciAddr, "pci", "", "PCI BDF address (e.g. 0000:03:00.0)")
	cmd.Flags().StringVar(&ifname, "ifname", "", "Network interface of the radio (e.g. wlp3s0)")
	cmd.Flags().StringVar(&prefix, "prefix", cdi.DefaultPrefix, "CDI resource prefix")
	cmd.Flags().StringVar(&name, "name", "", "CDI resource name (auto-derived if omitted; incompatible with --all)")
	cmd.Flags().StringVar(&outputDir, "output-dir", cdi.DefaultOutputDir, "Output directory for CDI spec files")
	cmd.Flags().StringVar(&format, "format", "yaml", "Output format (json|yaml)")

	// --all, --pci, --ifname are mutually exclusive; at least one required
	cmd.MarkFlagsMutuallyExclusive("all", "pci")
	cmd.MarkFlagsMutuallyExclusive("all", "ifname")
	cmd.MarkFlagsMutuallyExclusive("pci", "ifname")
	cmd.MarkFlagsOneRequired("all", "pci", "ifname")
	// --name is only meaningful for single-device mode
	cmd.MarkFlagsMutuallyExclusive("all", "name")

	return cmd
}

// ──────────────────────────────────────────────
//  discover
// ──────────────────────────────────────────────

func newDiscoverCmd() *cobra.Command {
	var (
		all     bool
		pciAddr string
		ifname  string
		output  string
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover MT7902 radios and their userspace I/O nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := resolveDevices(all, pciAddr, ifname)
			if err != nil {
				return fmt.Errorf("discovery failed: %w", err)
			}

			switch output {
			case "json":
				return discover.PrintJSON(cmd.OutOrStdout(), devices)
			default:
				discover.PrintTable(cmd.OutOrStdout(), devices)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", true, "Discover all supported radios on the host")
	cmd.Flags().StringVar(&pciAddr, "pci", "", "PCI BDF address")
	cmd.Flags().StringVar(&ifname, "ifname", "", "Network interface name")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")

	cmd.MarkFlagsMutuallyExclusive("pci", "ifname")

	return cmd
}

// ──────────────────────────────────────────────
//  doctor
// ──────────────────────────────────────────────

func newDoctorCmd(g *globalFlags) *cobra.Command {
	var (
		all      bool
		pciAddr  string
		ifname   string
		fwPaths  []string
		strict   bool
		showPass bool
		output   string
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run environment diagnostics for radio bring-up readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			devices, err := resolveDevices(all, pciAddr, ifname)
			if err != nil {
				return fmt.Errorf("device discovery failed: %w", err)
			}

			opts := doctor.Options{
				Firmware:    firmware.NewLoader(fwPaths...),
				DMAMaskBits: cfg.DMAMaskBits,
			}

			// Run diagnostics on each device and merge
			var reports []*doctor.Report
			for _, dev := range devices {
				reports = append(reports, doctor.DiagnoseDevice(dev, opts))
			}
			merged := doctor.MergeReports(reports...)

			// Output
			switch output {
			case "json":
				if err := doctor.PrintJSON(cmd.OutOrStdout(), merged, showPass); err != nil {
					return err
				}
			default:
				doctor.PrintTable(cmd.OutOrStdout(), merged, showPass)
			}

			// Exit code strategy
			if merged.HasFail {
				os.Exit(exitRuntimeError)
			}
			if strict && merged.HasWarn {
				os.Exit(exitRuntimeError)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", true, "Check all supported radios")
	cmd.Flags().StringVar(&pciAddr, "pci", "", "PCI BDF address")
	cmd.Flags().StringVar(&ifname, "ifname", "", "Network interface name")
	cmd.Flags().StringSliceVar(&fwPaths, "firmware-path", nil, "Extra directory searched for firmware images")
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero on warnings")
	cmd.Flags().BoolVar(&showPass, "show-pass", false, "Show passed checks in output")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")

	cmd.MarkFlagsMutuallyExclusive("pci", "ifname")

	return cmd
}

// ──────────────────────────────────────────────
//  cleanup
// ──────────────────────────────────────────────

func newCleanupCmd() *cobra.Command {
	var (
		prefix    string
		name      string
		outputDir string
		dryRun    bool
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove CDI spec files created by this tool",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = force

			removed, err := cdi.CleanupSpecs(outputDir, prefix, name, dryRun)
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No matching spec files found.")
			} else {
				action := "Removed"
				if dryRun {
					action = "Would remove"
				}
				for _, f := range removed {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", action, f)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", cdi.DefaultPrefix, "CDI resource prefix to match")
	cmd.Flags().StringVar(&name, "name", "", "CDI resource name to match (all if omitted)")
	cmd.Flags().StringVar(&outputDir, "output-dir", cdi.DefaultOutputDir, "CDI spec directory")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Preview files that would be removed")
	cmd.Flags().BoolVar(&force, "force", false, "Skip confirmation prompts")

	return cmd
}

// ──────────────────────────────────────────────
//  version
// ──────────────────────────────────────────────

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mt7902-bringup %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

// ──────────────────────────────────────────────
//  helpers
// ──────────────────────────────────────────────

// writeSpec writes the CDI spec for one radio and prints the file and the
// qualified device name a container runtime is given.
func writeSpec(w io.Writer, prefix, name string, dev *types.Device, outputDir, format string) error {
	devices := []types.Device{*dev}
	if err := cdi.CreateCDISpec(prefix, name, devices, outputDir, format); err != nil {
		return err
	}
	annotations, err := cdi.CreateContainerAnnotations(devices, prefix, name)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "CDI spec written to %s/%s\n", outputDir, cdi.SpecFileName(prefix, name, format))
	for qn := range annotations {
		fmt.Fprintf(w, "CDI device: %s\n", qn)
	}
	return nil
}

// resolveDevices discovers the radio named by --pci or --ifname, or every
// supported radio when neither is set and all is true.
func resolveDevices(all bool, pciAddr, ifname string) ([]*types.Device, error) {
	// If a target is specified, --all is implicitly false
	if pciAddr != "" || ifname != "" {
		if all {
			log.Debug("--all ignored because --pci or --ifname was specified")
		}
		all = false
	}

	switch {
	case pciAddr != "":
		dev, err := pci.DiscoverDevice(pciAddr)
		if err != nil {
			return nil, err
		}
		return []*types.Device{dev}, nil
	case ifname != "":
		dev, err := pci.DiscoverDeviceByIfName(ifname)
		if err != nil {
			return nil, err
		}
		return []*types.Device{dev}, nil
	case all:
		return pci.NewDiscoverer().DiscoverAll()
	default:
		return nil, fmt.Errorf("one of --pci, --ifname or --all is required")
	}
}

// deriveDefaultName builds a default resource name from the locator flags.
func deriveDefaultName(pciAddr, ifname string) string {
	if ifname != "" {
		return utils.SanitizeName(ifname)
	}
	if pciAddr != "" {
		return utils.SanitizeName("pci-" + pciAddr)
	}
	return "unknown"
}
