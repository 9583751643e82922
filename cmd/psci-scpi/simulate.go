// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/siderolabs/psci-scpi/internal/sim"
)

const (
	flagIterations = "iterations"
	flagSeed       = "seed"
	flagReset      = "reset"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "run a randomized power management workload on every core",
	Long: "boots a simulated machine, turns the secondary cores on, lets every core suspend and query " +
		"power states concurrently, then suspends and powers the whole system off",
	Args: cobra.NoArgs,
	RunE: simulate,
}

func init() {
	fs := simulateCmd.Flags()
	addMachineFlags(fs)

	def := sim.DefaultConfig()
	fs.Int(flagIterations, def.Iterations, "calls made by every core")
	fs.Uint64(flagSeed, def.Seed, "seed of the workload")
	fs.Bool(flagReset, false, "end with SYSTEM_RESET instead of SYSTEM_OFF")

	rootCmd.AddCommand(simulateCmd)
}

func simulate(cmd *cobra.Command, _ []string) error {
	output, err := checkOutput()
	if err != nil {
		return err
	}

	cfg := machineConfig()
	cfg.Iterations = viper.GetInt(flagIterations)
	cfg.Seed = viper.GetUint64(flagSeed)
	cfg.Reset = viper.GetBool(flagReset)

	m, err := newMachine(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := machineContext(cmd.Context())
	defer cancel()

	report, runErr := m.Run(ctx)

	if report.LockViolations > 0 {
		logger.Warn("command lock admitted two holders", "violations", report.LockViolations, "lock", report.Lock)
	}

	switch output {
	case outputYAML:
		out, err := report.YAML()
		if err != nil {
			return fmt.Errorf("error encoding report: %w", err)
		}

		if _, err = os.Stdout.Write(out); err != nil {
			return err
		}
	default:
		if err = report.WriteText(os.Stdout); err != nil {
			return err
		}
	}

	if runErr != nil {
		return fmt.Errorf("simulation failed: %w", runErr)
	}

	return nil
}
