// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/siderolabs/psci-scpi/internal/sim"
	"github.com/siderolabs/psci-scpi/pkg/affinity"
	"github.com/siderolabs/psci-scpi/pkg/psci"
)

var callCmd = &cobra.Command{
	Use:   "call FUNCTION [ARG...]",
	Short: "make one call on a freshly booted machine",
	Long: "boots a simulated machine, makes the boot core issue FUNCTION (a name like CPU_ON or a function id) " +
		"with up to three arguments, and prints the result and the companion traffic it caused. " +
		"Arguments are integers in any Go base or cores written as cpu<cluster>.<core>",
	Example: "  psci-scpi call CPU_ON cpu0.1 0x40000000 0\n  psci-scpi call NODE_HW_STATE 0.0 1",
	Args:    cobra.RangeArgs(1, 1+len(psci.Args{})),
	RunE:    call,
}

func init() {
	addMachineFlags(callCmd.Flags())
	rootCmd.AddCommand(callCmd)
}

func parseArgs(in []string) (psci.Args, error) {
	var args psci.Args

	for i, s := range in {
		// affinity.Parse also takes plain integers
		v, err := affinity.Parse(s)
		if err != nil {
			return args, fmt.Errorf("argument %d: %w", i+1, err)
		}

		args[i] = uint32(v)
	}

	return args, nil
}

func call(cmd *cobra.Command, in []string) error {
	output, err := checkOutput()
	if err != nil {
		return err
	}

	fid, err := psci.ParseFunction(in[0])
	if err != nil {
		return err
	}

	args, err := parseArgs(in[1:])
	if err != nil {
		return err
	}

	m, err := newMachine(machineConfig())
	if err != nil {
		return err
	}

	ctx, cancel := machineContext(cmd.Context())
	defer cancel()

	res, err := m.Call(ctx, fid, args)
	if err != nil {
		return err
	}

	if output == outputYAML {
		return yaml.NewEncoder(os.Stdout).Encode(res)
	}

	return writeCallResult(res)
}

func writeCallResult(res *sim.CallResult) error {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "function\t%s\n", res.Function)
	fmt.Fprintf(tw, "args\t%#x %#x %#x\n", res.Args[0], res.Args[1], res.Args[2])

	switch {
	case res.Returned:
		fmt.Fprintf(tw, "returned\t%s (%#x)\n", res.Result, res.Value)
	case res.PowerLost:
		fmt.Fprintln(tw, "returned\tno, the core lost power")
	case res.System != "":
		fmt.Fprintf(tw, "returned\tno, system %s\n", res.System)
	default:
		fmt.Fprintln(tw, "returned\tno")
	}

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "COMMAND\tREQUEST\tSTATUS\tREPLY")

	for _, ev := range res.Trace {
		status := ev.Status.Error()
		if ev.Silent {
			status = "-"
		}

		fmt.Fprintf(tw, "%s\t% x\t%s\t% x\n", ev.Command, ev.Request, status, ev.Reply)
	}

	return tw.Flush()
}
