// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package psci

import (
	"errors"
	"log/slog"

	"github.com/siderolabs/psci-scpi/pkg/affinity"
	"github.com/siderolabs/psci-scpi/pkg/scpi"
)

// Coordinator translates calls into companion processor commands.
type Coordinator struct {
	logger   *slog.Logger
	channel  *scpi.Channel
	resume   ResumeRecorder
	recovery *Recovery
}

// NewCoordinator returns a coordinator sending its commands over channel.
func NewCoordinator(logger *slog.Logger, channel *scpi.Channel, resume ResumeRecorder, recovery *Recovery) *Coordinator {
	return &Coordinator{
		logger:   logger,
		channel:  channel,
		resume:   resume,
		recovery: recovery,
	}
}

// Version returns the implemented interface version.
func (c *Coordinator) Version() uint32 {
	return Version
}

// suspend asks the companion to move the calling core's domains to the given
// states and waits for an interrupt. The companion decides the actual depth,
// so the call succeeds whether or not power was lost.
func (c *Coordinator) suspend(cpu CPU, pc, context uint32, core, cluster, css scpi.PowerState) Result {
	id := cpu.MPIDR()
	l := c.logger.With("core", id)

	// the resume point must be in place before the companion can cut power
	if core == scpi.PowerOff {
		c.resume.Save(id, pc, context)
	}

	if css == scpi.PowerOff {
		c.recovery.DistributorLost()
	}

	if err := c.channel.SetCSSPowerState(id, id, core, cluster, css); err != nil {
		l.Error("error requesting power state", "err", err)

		return InternalFailure
	}

	cpu.PowerDown()
	cpu.WFI()
	cpu.EnableSMP()

	l.Debug("woke up from suspend")

	return Success
}

// CPUSuspend suspends the calling core to the levels encoded in state.
func (c *Coordinator) CPUSuspend(cpu CPU, state PowerState, pc, context uint32) Result {
	return c.suspend(cpu, pc, context, state.Core(), state.Cluster(), state.CSS())
}

// CPUOff powers the calling core and its cluster down. The core comes back
// only through a later CPUOn, which supplies a new resume point.
func (c *Coordinator) CPUOff(cpu CPU) Result {
	return c.suspend(cpu, 0, 0, scpi.PowerOff, scpi.PowerOff, scpi.PowerOn)
}

// CPUDefaultSuspend powers the calling core and its cluster down and lets the
// system enter retention.
func (c *Coordinator) CPUDefaultSuspend(cpu CPU, pc, context uint32) Result {
	return c.suspend(cpu, pc, context, scpi.PowerOff, scpi.PowerOff, scpi.PowerRetention)
}

// SystemSuspend powers every level down.
func (c *Coordinator) SystemSuspend(cpu CPU, pc, context uint32) Result {
	return c.suspend(cpu, pc, context, scpi.PowerOff, scpi.PowerOff, scpi.PowerOff)
}

// CPUOn asks the companion to power target up at pc. It returns once the
// request is posted; callers poll AffinityInfo to see the core come up.
func (c *Coordinator) CPUOn(cpu CPU, target affinity.ID, pc, context uint32) Result {
	c.resume.Save(target, pc, context)

	if err := c.channel.SetCSSPowerState(cpu.MPIDR(), target, scpi.PowerOn, scpi.PowerOn, scpi.PowerOn); err != nil {
		c.logger.Error("error requesting core power on", "core", cpu.MPIDR(), "target", target, "err", err)

		return InternalFailure
	}

	return Success
}

// AffinityInfo reports whether target is on. Only the core level is
// supported, where the answer coincides with NodeHWState.
func (c *Coordinator) AffinityInfo(cpu CPU, target affinity.ID, level PowerLevel) (HWState, Result) {
	if level != LevelCore {
		return 0, InvalidParameters
	}

	return c.NodeHWState(cpu, target, level)
}

// NodeHWState returns the hardware state of target's node at level. The
// state is only meaningful when the result is Success.
func (c *Coordinator) NodeHWState(cpu CPU, target affinity.ID, level PowerLevel) (HWState, Result) {
	// the system level is not reported by the companion; it is on while anybody asks
	if level >= LevelSystem {
		return HWOn, Success
	}

	l := c.logger.With("core", cpu.MPIDR(), "target", target)

	css, err := c.channel.GetCSSPowerState(cpu.MPIDR(), target)
	if err != nil {
		var status scpi.Status
		if errors.As(err, &status) || errors.Is(err, scpi.ErrNoClusterEntry) {
			l.Warn("power state not available", "err", err)

			return 0, NotSupported
		}

		l.Error("error querying power state", "err", err)

		return 0, InternalFailure
	}

	if level == LevelCluster {
		switch {
		case css.ClusterState == scpi.PowerOn:
			return HWOn, Success
		case css.ClusterState < scpi.PowerOff:
			return HWStandby, Success
		default:
			return HWOff, Success
		}
	}

	if css.CoreOn(target.Core()) {
		return HWOn, Success
	}

	return HWOff, Success
}

// SystemOff shuts the system down. It does not return: the companion cuts power.
func (c *Coordinator) SystemOff(cpu CPU) {
	c.systemPower(cpu, scpi.SystemShutdown)
}

// SystemReset reboots the system. It does not return.
func (c *Coordinator) SystemReset(cpu CPU) {
	c.systemPower(cpu, scpi.SystemReboot)
}

func (c *Coordinator) systemPower(cpu CPU, state scpi.SystemState) {
	if err := c.channel.SetSysPowerState(cpu.MPIDR(), state); err != nil {
		c.logger.Warn("system power state request not acknowledged", "core", cpu.MPIDR(), "state", state, "err", err)
	}

	for {
		cpu.WFI()
	}
}

// SystemReset2 performs a warm reset. Other reset types are rejected without
// reaching the companion. It only returns on failure.
func (c *Coordinator) SystemReset2(cpu CPU, resetType, cookie uint32) Result {
	if resetType != ResetWarm {
		return InvalidParameters
	}

	if err := c.channel.SetSysPowerState(cpu.MPIDR(), scpi.SystemReset); err != nil {
		c.logger.Error("warm reset rejected", "core", cpu.MPIDR(), "cookie", cookie, "err", err)

		return InvalidParameters
	}

	for {
		cpu.WFI()
	}
}

// Features reports whether fid is implemented.
func (c *Coordinator) Features(fid FunctionID) Result {
	switch fid {
	case FnVersion,
		FnCPUSuspend,
		FnCPUOff,
		FnCPUOn,
		FnAffinityInfo,
		FnSystemOff,
		FnSystemReset,
		FnFeatures,
		FnCPUDefaultSuspend,
		FnNodeHWState,
		FnSystemSuspend,
		FnSystemReset2:
		return Success
	}

	return NotSupported
}
