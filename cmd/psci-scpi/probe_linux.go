// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/siderolabs/psci-scpi/internal/capcheck"
	"github.com/siderolabs/psci-scpi/internal/probe"
	"github.com/siderolabs/psci-scpi/internal/util"
	"github.com/siderolabs/psci-scpi/pkg/mmio"
	"github.com/siderolabs/psci-scpi/pkg/platform"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "dump the message slots, doorbells and interrupt controller of this board",
	Long:  "maps the firmware's register windows read-only through /dev/mem, which requires CAP_SYS_RAWIO",
	Args:  cobra.NoArgs,
	RunE:  probeBoard,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func probeBoard(_ *cobra.Command, _ []string) error {
	output, err := checkOutput()
	if err != nil {
		return err
	}

	layout, err := platform.Lookup(viper.GetString(flagPlatform))
	if err != nil {
		return err
	}

	if err = capcheck.Require(capcheck.CapSysRawio); err != nil {
		logger.Error("cannot map physical memory", "err", err)

		return err
	}

	mem := mmio.NewMemory()

	for _, w := range layout.Windows() {
		dev, err := mmio.OpenDevMem(w.Base, w.Size, false)
		if err != nil {
			return fmt.Errorf("error mapping %s: %w", w.Name, err)
		}

		defer func() {
			if err := dev.Close(); err != nil {
				logger.Warn("failed to unmap window", "name", w.Name, "err", err)
			}
		}()

		if err = mem.Map(w.Base, w.Size, dev); err != nil {
			return err
		}

		logger.Debug("mapped window", "name", w.Name, "base", util.Hex(w.Base), "size", humanize.IBytes(uint64(w.Size)))
	}

	snapshot := probe.Read(mem, layout)

	if output == outputYAML {
		return yaml.NewEncoder(os.Stdout).Encode(snapshot)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "WINDOW\tBASE\tSIZE")

	for _, w := range layout.Windows() {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", w.Name, util.Hex(w.Base), humanize.IBytes(uint64(w.Size)))
	}

	fmt.Fprintln(tw)
	fmt.Fprintf(tw, "entry\t%s at %s\n", snapshot.Entry, snapshot.EntryRegister)
	fmt.Fprintf(tw, "request\t%s size %d status %s\t% x\n", snapshot.Request.Command, snapshot.Request.Size, snapshot.Request.Status, snapshot.Request.Payload)
	fmt.Fprintf(tw, "response\t%s size %d status %s\t% x\n", snapshot.Response.Command, snapshot.Response.Size, snapshot.Response.Status, snapshot.Response.Payload)
	fmt.Fprintf(tw, "doorbells\trequest pending %t (%d queued), response pending %t (%d queued)\n",
		snapshot.Doorbells.RequestPending, snapshot.Doorbells.RequestQueued,
		snapshot.Doorbells.ResponsePending, snapshot.Doorbells.ResponseQueued)
	fmt.Fprintf(tw, "distributor\tenabled %t, %d interrupts\n", snapshot.Interrupts.DistributorEnabled, 32*(snapshot.Interrupts.Lines+1))
	fmt.Fprintf(tw, "groups\t%v\n", snapshot.Interrupts.Groups)
	fmt.Fprintf(tw, "priority mask\t%s\n", snapshot.Interrupts.PriorityMask)

	return tw.Flush()
}
