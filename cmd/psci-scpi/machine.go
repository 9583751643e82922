// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/siderolabs/psci-scpi/internal/sim"
	"github.com/siderolabs/psci-scpi/pkg/scpi"
)

const (
	flagLock             = "lock"
	flagClusters         = "clusters"
	flagCores            = "cores"
	flagSpinLimit        = "spin-limit"
	flagCompanionLatency = "companion-latency"
	flagWakeDelay        = "wake-delay"
	flagTimerInterrupt   = "timer-interrupt"
	flagInterruptLines   = "interrupt-lines"
	flagTimeout          = "timeout"
)

// addMachineFlags adds the flags shaping a simulated machine to fs.
func addMachineFlags(fs *pflag.FlagSet) {
	def := sim.DefaultConfig()

	fs.String(flagLock, string(def.Lock), "command lock algorithm (cas, read-verify)")
	fs.Int(flagClusters, 0, "number of clusters, 0 for the platform's")
	fs.Int(flagCores, 0, "cores per cluster, 0 for the platform's")
	fs.Int(flagSpinLimit, def.SpinLimit, "polls before a busy-wait gives up, 0 to spin forever")
	fs.Duration(flagCompanionLatency, def.CompanionLatency, "delay before the companion answers")
	fs.Duration(flagWakeDelay, def.WakeDelay, "time a suspended core stays powered down")
	fs.Duration(flagTimerInterrupt, def.TimerInterrupt, "period of the timer interrupt, 0 to disable")
	fs.Uint32(flagInterruptLines, def.InterruptLines, "ITLinesNumber of the simulated interrupt distributor")
	fs.Duration(flagTimeout, 30*time.Second, "give up when the machine did not halt by then")
}

func machineConfig() sim.Config {
	cfg := sim.DefaultConfig()

	cfg.Platform = viper.GetString(flagPlatform)
	cfg.Lock = scpi.LockAlgorithm(viper.GetString(flagLock))
	cfg.Clusters = viper.GetInt(flagClusters)
	cfg.CoresPerCluster = viper.GetInt(flagCores)
	cfg.SpinLimit = viper.GetInt(flagSpinLimit)
	cfg.CompanionLatency = viper.GetDuration(flagCompanionLatency)
	cfg.WakeDelay = viper.GetDuration(flagWakeDelay)
	cfg.TimerInterrupt = viper.GetDuration(flagTimerInterrupt)
	cfg.InterruptLines = viper.GetUint32(flagInterruptLines)

	return cfg
}

func newMachine(cfg sim.Config) (*sim.Machine, error) {
	return sim.New(logger.With("module", "sim"), cfg)
}

func machineContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, viper.GetDuration(flagTimeout))
}
