// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/siderolabs/psci-scpi/internal/util"
	"github.com/siderolabs/psci-scpi/pkg/psci"
)

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "list the call surface with the firmware's PSCI_FEATURES answers",
	Args:  cobra.NoArgs,
	RunE:  features,
}

func init() {
	addMachineFlags(featuresCmd.Flags())
	rootCmd.AddCommand(featuresCmd)
}

type feature struct {
	Function string `yaml:"function"`
	ID       string `yaml:"id"`
	Features string `yaml:"features"`
}

func features(cmd *cobra.Command, _ []string) error {
	output, err := checkOutput()
	if err != nil {
		return err
	}

	var list []feature

	for _, fid := range psci.Functions() {
		// a call may leave a machine halted, so every query boots a fresh one
		m, err := newMachine(machineConfig())
		if err != nil {
			return err
		}

		ctx, cancel := machineContext(cmd.Context())
		res, err := m.Call(ctx, psci.FnFeatures, psci.Args{uint32(fid)})

		cancel()

		if err != nil {
			return fmt.Errorf("error querying %s: %w", fid, err)
		}

		list = append(list, feature{Function: fid.String(), ID: util.Hex(uint32(fid)), Features: res.Result})
	}

	if output == outputYAML {
		return yaml.NewEncoder(os.Stdout).Encode(list)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FUNCTION\tID\tFEATURES")

	for _, f := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Function, f.ID, f.Features)
	}

	return tw.Flush()
}
