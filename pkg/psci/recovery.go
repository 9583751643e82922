// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package psci

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/siderolabs/psci-scpi/internal/util"
	"github.com/siderolabs/psci-scpi/pkg/affinity"
	"github.com/siderolabs/psci-scpi/pkg/gic"
	"github.com/siderolabs/psci-scpi/pkg/mmio"
	"github.com/siderolabs/psci-scpi/pkg/platform"
	"github.com/siderolabs/psci-scpi/pkg/scpi"
)

// InitState tracks the one-time initialization done on the first firmware entry.
type InitState uint32

// Initialization states.
const (
	InitUninitialized InitState = iota
	InitInProgress
	InitReady
)

func (s InitState) String() string {
	switch s {
	case InitUninitialized:
		return "uninitialized"
	case InitInProgress:
		return "initializing"
	case InitReady:
		return "ready"
	}

	return fmt.Sprintf("init(%d)", uint32(s))
}

// DistributorState tracks whether the interrupt distributor lost its configuration.
type DistributorState uint32

// Distributor states.
const (
	DistributorIntact DistributorState = iota
	DistributorNeedsRestore
)

func (s DistributorState) String() string {
	switch s {
	case DistributorIntact:
		return "intact"
	case DistributorNeedsRestore:
		return "needs-restore"
	}

	return fmt.Sprintf("distributor(%d)", uint32(s))
}

// Recovery runs on every firmware entry and brings the shared state back to
// what the non-secure world expects.
type Recovery struct {
	logger  *slog.Logger
	bus     mmio.Bus
	layout  platform.Layout
	channel *scpi.Channel
	dist    *gic.Distributor
	cpuif   *gic.CPUInterface
	wait    scpi.WaitPolicy
	entry   uint32

	init        atomic.Uint32
	distributor atomic.Uint32
	restores    atomic.Uint64
}

// NewRecovery returns the recovery of a firmware whose secondary cores start at entry.
func NewRecovery(logger *slog.Logger, bus mmio.Bus, layout platform.Layout, channel *scpi.Channel, entry uint32, wait scpi.WaitPolicy) *Recovery {
	return &Recovery{
		logger:  logger,
		bus:     bus,
		layout:  layout,
		channel: channel,
		dist:    gic.NewDistributor(bus, layout.GICBase),
		cpuif:   gic.NewCPUInterface(bus, layout.GICBase),
		wait:    wait,
		entry:   entry,
	}
}

// InitState returns the state of the one-time initialization.
func (r *Recovery) InitState() InitState {
	return InitState(r.init.Load())
}

// DistributorState returns whether the distributor is due for a restore.
func (r *Recovery) DistributorState() DistributorState {
	return DistributorState(r.distributor.Load())
}

// Restores returns how many times the distributor was restored.
func (r *Recovery) Restores() uint64 {
	return r.restores.Load()
}

// DistributorLost records that the system domain is about to lose power.
func (r *Recovery) DistributorLost() {
	if r.distributor.Swap(uint32(DistributorNeedsRestore)) == uint32(DistributorIntact) {
		r.logger.Debug("distributor will need a restore")
	}
}

// Enter runs the entry sequence for the calling core.
func (r *Recovery) Enter(id affinity.ID) error {
	if r.init.CompareAndSwap(uint32(InitUninitialized), uint32(InitInProgress)) {
		if err := r.initialize(id); err != nil {
			r.init.Store(uint32(InitUninitialized))

			return err
		}

		r.init.Store(uint32(InitReady))
	} else if err := r.wait.Until(func() bool { return r.InitState() == InitReady }); err != nil {
		return fmt.Errorf("error waiting for the first entry to initialize: %w", err)
	}

	if r.distributor.CompareAndSwap(uint32(DistributorNeedsRestore), uint32(DistributorIntact)) {
		r.logger.Debug("restoring distributor", "core", id, "lines", r.dist.Lines())
		r.dist.RestoreNonSecure()
		r.restores.Add(1)
	}

	util.TraceLog(r.logger, "opening priority mask", "core", id)
	r.cpuif.AllowAllPriorities()

	return nil
}

func (r *Recovery) initialize(id affinity.ID) error {
	r.logger.Info("programming secondary entry point", "core", id, "entry", util.Hex(r.entry), "register", util.Hex(r.layout.EntryRegister()))
	r.layout.SetEntryAddress(r.bus, r.entry)

	if err := r.channel.WaitReady(id); err != nil {
		return fmt.Errorf("error waiting for the companion firmware: %w", err)
	}

	r.logger.Info("companion firmware ready", "core", id)

	return nil
}
