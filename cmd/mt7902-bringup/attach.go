package main

import (
	"fmt"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Nativu5/mt7902-bringup/pkg/bringup"
	"github.com/Nativu5/mt7902-bringup/pkg/firmware"
	"github.com/Nativu5/mt7902-bringup/pkg/pci"
)

// ──────────────────────────────────────────────
//  attach
// ──────────────────────────────────────────────

func newAttachCmd(g *globalFlags) *cobra.Command {
	var (
		pciAddr      string
		fwPaths      []string
		hugepageSize int
		once         bool
	)

	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Bring up a radio: claim resources, download firmware and bind the interrupt",
		Long: "Attach claims the PCI function, downloads firmware to the MCU over DMA and binds an " +
			"interrupt handler. The radio stays attached until SIGINT or SIGTERM, then every " +
			"resource is released in reverse order.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}

			// Refuse anything the device table does not list before touching hardware
			if _, err := pci.DiscoverDevice(pciAddr); err != nil {
				return fmt.Errorf("device discovery failed: %w", err)
			}

			logger := log.WithField("device", pciAddr)
			dev, err := pci.Open(pciAddr, pci.WithLogger(logger), pci.WithHugepageSize(hugepageSize))
			if err != nil {
				return err
			}

			loader := firmware.NewLoader(fwPaths...)
			bc, err := bringup.Attach(dev, loader,
				bringup.WithConfig(cfg),
				bringup.WithLogger(log.StandardLogger()),
			)
			if err != nil {
				return fmt.Errorf("bring-up of %s failed: %w", pciAddr, err)
			}

			vector, class, _ := bc.Vector()
			fmt.Fprintf(cmd.OutOrStdout(), "%s ready: firmware %s, %s vector %d\n",
				pciAddr, cfg.FirmwareName, class, vector)

			if !once {
				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				<-ctx.Done()
				stop()
				log.Infof("%s: signal received after %d interrupt(s), detaching", pciAddr, bc.IRQHits())
			}

			bc.Detach()
			if n := loader.Outstanding(); n != 0 {
				log.Warnf("%d firmware image(s) still held after detach", n)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s detached\n", pciAddr)
			return nil
		},
	}

	cmd.Flags().StringVar(&pciAddr, "pci", "", "PCI BDF address (e.g. 0000:03:00.0)")
	cmd.Flags().StringSliceVar(&fwPaths, "firmware-path", nil, "Extra directory searched for firmware images")
	cmd.Flags().IntVar(&hugepageSize, "hugepage-size", 2<<20, "Size in bytes of the hugepages backing DMA buffers")
	cmd.Flags().BoolVar(&once, "once", false, "Detach immediately after a successful bring-up")

	_ = cmd.MarkFlagRequired("pci")

	return cmd
}
