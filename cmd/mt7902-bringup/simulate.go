package main

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Nativu5/mt7902-bringup/pkg/bringup"
	"github.com/Nativu5/mt7902-bringup/pkg/config"
	"github.com/Nativu5/mt7902-bringup/pkg/firmware"
	"github.com/Nativu5/mt7902-bringup/pkg/sim"
)

const simAddress = "0000:00:00.0"

// scenario is a canned simulated bring-up and the outcome it must produce.
type scenario struct {
	desc     string
	behavior sim.Behavior
	// noImage leaves the firmware provider empty.
	noImage bool
	// expect reports whether err is the outcome the scenario describes.
	expect func(err error) bool
}

var scenarios = map[string]scenario{
	"a": {
		desc:     "ack within 5ms, MCU running within 20ms",
		behavior: sim.Behavior{AckDelay: 2 * time.Millisecond, ReadyDelay: 10 * time.Millisecond},
		expect:   func(err error) bool { return err == nil },
	},
	"b": {
		desc:    "firmware image missing",
		noImage: true,
		expect: func(err error) bool {
			var fnf *bringup.FirmwareNotFoundError
			return errors.As(err, &fnf)
		},
	},
	"c": {
		desc:     "device never acknowledges the download",
		behavior: sim.Behavior{NeverAck: true},
		expect:   func(err error) bool { return errors.Is(err, bringup.ErrAckTimeout) },
	},
	"d": {
		desc:     "ack immediately, MCU stays in ROM",
		behavior: sim.Behavior{NeverReady: true},
		expect:   func(err error) bool { return errors.Is(err, bringup.ErrMcuReadyTimeout) },
	},
	"e": {
		desc:     "register window mapping fails",
		behavior: sim.Behavior{Fault: sim.FaultMap},
		expect: func(err error) bool {
			var ae *bringup.AcquireError
			return errors.As(err, &ae) && ae.Stage == bringup.StageMap
		},
	},
}

// simResult is what one simulated bring-up left behind.
type simResult struct {
	Err      error
	IRQ      bool
	Claims   []string
	Releases []string
	Events   []string
	Problems []string
	Allocs   int
	Frees    int
	Live     int
	Held     int
}

// Balanced reports whether everything claimed was released, in reverse
// order, with no coherent buffer or firmware image left behind.
func (r *simResult) Balanced() bool {
	rev := slices.Clone(r.Claims)
	slices.Reverse(rev)
	return slices.Equal(rev, r.Releases) && len(r.Problems) == 0 &&
		r.Allocs == r.Frees && r.Live == 0 && r.Held == 0
}

// runSimulation attaches a simulated radio, fires one interrupt if the
// attach succeeded, detaches, and collects the device ledger.
func runSimulation(cfg *config.Config, b sim.Behavior, imageSize int, noImage bool, logger log.FieldLogger) *simResult {
	dev := sim.New(simAddress, cfg.Registers, b)
	fw := firmware.NewMemory()
	if !noImage {
		image := make([]byte, imageSize)
		for i := range image {
			image[i] = byte(i)
		}
		fw.Add(cfg.FirmwareName, image)
	}

	res := &simResult{}
	bc, err := bringup.Attach(dev, fw, bringup.WithConfig(cfg), bringup.WithLogger(logger))
	res.Err = err
	if err == nil {
		_, res.IRQ = dev.Fire()
		bc.Detach()
	}

	res.Claims = dev.Claims()
	res.Releases = dev.Releases()
	res.Events = dev.Events()
	res.Problems = dev.Problems()
	res.Allocs, res.Frees, res.Live = dev.CoherentStats()
	res.Held = fw.Outstanding()
	return res
}

// printSimResult renders the platform call ledger and a summary.
func printSimResult(w io.Writer, res *simResult) {
	table := tablewriter.NewTable(w)
	table.Header("STEP", "PLATFORM CALL")
	for i, ev := range res.Events {
		table.Append(fmt.Sprintf("%d", i+1), ev)
	}
	table.Render()

	outcome := "attached"
	if res.Err != nil {
		outcome = res.Err.Error()
	}
	fmt.Fprintf(w, "outcome:  %s\n", outcome)
	fmt.Fprintf(w, "claimed:  %s\n", orNone(res.Claims))
	fmt.Fprintf(w, "released: %s\n", orNone(res.Releases))
	fmt.Fprintf(w, "coherent: %d allocated, %d freed, %d live\n", res.Allocs, res.Frees, res.Live)
	for _, p := range res.Problems {
		fmt.Fprintf(w, "problem:  %s\n", p)
	}
}

func orNone(s []string) string {
	if len(s) == 0 {
		return "(none)"
	}
	return strings.Join(s, " ")
}

func scenarioNames() []string {
	names := make([]string, 0, len(scenarios))
	for n := range scenarios {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ──────────────────────────────────────────────
//  simulate
// ──────────────────────────────────────────────

func newSimulateCmd(g *globalFlags) *cobra.Command {
	var (
		name       string
		fault      string
		imageSize  int
		ackDelay   time.Duration
		readyDelay time.Duration
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run bring-up against a simulated radio and print the resource ledger",
		Long: "Simulate runs the full attach/detach sequence against a register-level model of the " +
			"MT7902 download block. Scenarios: " + strings.Join(scenarioNames(), ", ") + ".",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}

			sc, ok := scenarios[strings.ToLower(name)]
			if !ok {
				return fmt.Errorf("unknown scenario %q: use one of %s", name, strings.Join(scenarioNames(), ", "))
			}
			b := sc.behavior
			if cmd.Flags().Changed("ack-delay") {
				b.AckDelay = ackDelay
			}
			if cmd.Flags().Changed("ready-delay") {
				b.ReadyDelay = readyDelay
			}
			if fault != "" {
				f := sim.Fault(fault)
				if !slices.Contains(sim.Faults, f) {
					return fmt.Errorf("unknown fault %q", fault)
				}
				// An injected fault replaces the scenario's expected outcome
				b.Fault = f
				sc.expect = func(err error) bool { return errors.Is(err, sim.ErrInjected) }
			}

			log.Infof("scenario %s: %s", name, sc.desc)
			res := runSimulation(cfg, b, imageSize, sc.noImage, log.StandardLogger())
			printSimResult(cmd.OutOrStdout(), res)

			if !sc.expect(res.Err) {
				return fmt.Errorf("scenario %s: unexpected outcome: %v", name, res.Err)
			}
			if !res.Balanced() {
				return fmt.Errorf("scenario %s: teardown did not mirror acquisition", name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "scenario", "a", "Scenario to run ("+strings.Join(scenarioNames(), "|")+")")
	cmd.Flags().StringVar(&fault, "fault", "", "Fail this platform step instead (enable, dma-mask, regions, map, alloc, irq-vectors, irq-lookup, irq-bind)")
	cmd.Flags().IntVar(&imageSize, "image-size", 512<<10, "Size in bytes of the simulated firmware image")
	cmd.Flags().DurationVar(&ackDelay, "ack-delay", 0, "Override the delay before the device acknowledges the download")
	cmd.Flags().DurationVar(&readyDelay, "ready-delay", 0, "Override the delay before the MCU reports running")

	return cmd
}
