// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package psci

import (
	"log/slog"
	"sync"

	"github.com/siderolabs/psci-scpi/internal/util"
	"github.com/siderolabs/psci-scpi/pkg/affinity"
)

// Args are the call arguments, registers r1 to r3.
type Args [3]uint32

// Handler runs one call and returns the value of r0.
type Handler func(cpu CPU, args Args) uint32

// Dispatcher routes trapped calls to their handler.
type Dispatcher struct {
	logger      *slog.Logger
	coordinator *Coordinator

	mu       sync.RWMutex
	registry map[FunctionID]Handler
}

// NewDispatcher returns a dispatcher with every call of coordinator registered.
func NewDispatcher(logger *slog.Logger, coordinator *Coordinator) *Dispatcher {
	d := &Dispatcher{
		logger:      logger,
		coordinator: coordinator,
		registry:    make(map[FunctionID]Handler),
	}

	d.registerCalls()

	return d
}

func result(r Result) uint32 {
	return uint32(r)
}

func hwState(s HWState, r Result) uint32 {
	if r != Success {
		return result(r)
	}

	return uint32(s)
}

func (d *Dispatcher) registerCalls() {
	c := d.coordinator

	d.Register(FnVersion, func(CPU, Args) uint32 {
		return c.Version()
	})
	d.Register(FnCPUSuspend, func(cpu CPU, a Args) uint32 {
		return result(c.CPUSuspend(cpu, PowerState(a[0]), a[1], a[2]))
	})
	d.Register(FnCPUOff, func(cpu CPU, _ Args) uint32 {
		return result(c.CPUOff(cpu))
	})
	d.Register(FnCPUOn, func(cpu CPU, a Args) uint32 {
		return result(c.CPUOn(cpu, affinity.ID(a[0]), a[1], a[2]))
	})
	d.Register(FnAffinityInfo, func(cpu CPU, a Args) uint32 {
		return hwState(c.AffinityInfo(cpu, affinity.ID(a[0]), PowerLevel(a[1])))
	})
	d.Register(FnSystemOff, func(cpu CPU, _ Args) uint32 {
		c.SystemOff(cpu)

		return result(InternalFailure)
	})
	d.Register(FnSystemReset, func(cpu CPU, _ Args) uint32 {
		c.SystemReset(cpu)

		return result(InternalFailure)
	})
	d.Register(FnFeatures, func(_ CPU, a Args) uint32 {
		return result(c.Features(FunctionID(a[0])))
	})
	d.Register(FnCPUDefaultSuspend, func(cpu CPU, a Args) uint32 {
		return result(c.CPUDefaultSuspend(cpu, a[0], a[1]))
	})
	d.Register(FnNodeHWState, func(cpu CPU, a Args) uint32 {
		return hwState(c.NodeHWState(cpu, affinity.ID(a[0]), PowerLevel(a[1])))
	})
	d.Register(FnSystemSuspend, func(cpu CPU, a Args) uint32 {
		return result(c.SystemSuspend(cpu, a[0], a[1]))
	})
	d.Register(FnSystemReset2, func(cpu CPU, a Args) uint32 {
		return result(c.SystemReset2(cpu, a[0], a[1]))
	})
}

// Register installs handler for fid, replacing any previous one. It is safe
// to call while other cores trap.
func (d *Dispatcher) Register(fid FunctionID, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	util.TraceLog(d.logger, "registering call", "fid", fid)
	d.registry[fid] = handler
}

// Dispatch runs the firmware entry sequence and the call fid for cpu.
// Unknown calls return NOT_SUPPORTED.
func (d *Dispatcher) Dispatch(cpu CPU, fid FunctionID, args Args) uint32 {
	l := d.logger.With("core", cpu.MPIDR(), "fid", fid)

	if err := d.coordinator.recovery.Enter(cpu.MPIDR()); err != nil {
		l.Error("firmware entry failed", "err", err)

		return result(InternalFailure)
	}

	d.mu.RLock()
	handler, ok := d.registry[fid]
	d.mu.RUnlock()

	if !ok {
		l.Debug("unhandled call")

		return result(NotSupported)
	}

	l.Debug("handling call", "args", args)

	ret := handler(cpu, args)

	util.TraceLog(l, "call returned", "ret", int32(ret))

	return ret
}
