// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package sim

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/siderolabs/psci-scpi/pkg/psci"
	"github.com/siderolabs/psci-scpi/pkg/scpi"
)

// Non-secure addresses the simulated operating system runs from.
const (
	pcBoot       uint32 = 0x40008000
	pcBootWork   uint32 = 0x40008100
	pcSecondary  uint32 = 0x40008200
	pcFinish     uint32 = 0x40008300
	pcSingleCall uint32 = 0x40008400
)

const pollInterval = 100 * time.Microsecond

var errUnexpected = errors.New("unexpected result")

func (m *Machine) registerPrograms() {
	m.programs[pcBoot] = m.boot
	m.programs[pcBootWork] = func(c *Core, remaining uint32) {
		m.workload(c, remaining, pcBootWork)
		m.wrapUp(c)
	}
	m.programs[pcSecondary] = func(c *Core, remaining uint32) {
		m.workload(c, remaining, pcSecondary)

		c.finished.Store(true)
		m.call(c, psci.FnCPUOff)

		m.fail(c, "CPU_OFF", errors.New("core still running"))
	}
	m.programs[pcFinish] = m.finish
}

func (m *Machine) rand(c *Core) *rand.Rand {
	return rand.New(rand.NewPCG(m.cfg.Seed, uint64(c.id)<<32|c.launches.Load()))
}

func (m *Machine) expect(c *Core, fid psci.FunctionID, ret uint32, ok bool) {
	if !ok {
		m.fail(c, fid.String(), fmt.Errorf("%w %s", errUnexpected, describe(fid, ret)))
	}
}

// boot turns every secondary core on, then runs the boot core's share of the workload.
func (m *Machine) boot(c *Core, iterations uint32) {
	for _, other := range m.order[1:] {
		ret := m.call(c, psci.FnCPUOn, uint32(other.id), pcSecondary, iterations)
		m.expect(c, psci.FnCPUOn, ret, psci.Result(ret) == psci.Success)
	}

	m.workload(c, iterations, pcBootWork)
	m.wrapUp(c)
}

// workload makes remaining random calls. A core powered down in the middle
// resumes at resumePC with the calls left as context.
func (m *Machine) workload(c *Core, remaining, resumePC uint32) {
	rnd := m.rand(c)

	for remaining > 0 {
		remaining--

		switch rnd.IntN(6) {
		case 0:
			state := psci.NewPowerState(scpi.PowerRetention, scpi.PowerRetention, scpi.PowerOn)
			ret := m.call(c, psci.FnCPUSuspend, uint32(state), resumePC, remaining)
			m.expect(c, psci.FnCPUSuspend, ret, psci.Result(ret) == psci.Success)
		case 1:
			state := psci.NewPowerState(scpi.PowerOff, scpi.PowerOff, scpi.PowerOn)
			ret := m.call(c, psci.FnCPUSuspend, uint32(state), resumePC, remaining)
			// returning at all means the core kept power
			m.expect(c, psci.FnCPUSuspend, ret, psci.Result(ret) == psci.Success)
		case 2:
			target := m.order[rnd.IntN(len(m.order))]
			ret := m.call(c, psci.FnAffinityInfo, uint32(target.id), uint32(psci.LevelCore))
			m.expect(c, psci.FnAffinityInfo, ret, psci.HWState(ret) == psci.HWOn || psci.HWState(ret) == psci.HWOff)
		case 3:
			target := m.order[rnd.IntN(len(m.order))]
			ret := m.call(c, psci.FnNodeHWState, uint32(target.id), uint32(rnd.IntN(3)))
			m.expect(c, psci.FnNodeHWState, ret, int32(ret) >= int32(psci.HWOn) && int32(ret) <= int32(psci.HWStandby))
		case 4:
			fns := psci.Functions()
			ret := m.call(c, psci.FnFeatures, uint32(fns[rnd.IntN(len(fns))]))
			m.expect(c, psci.FnFeatures, ret, psci.Result(ret) == psci.Success)
		case 5:
			ret := m.call(c, psci.FnVersion)
			m.expect(c, psci.FnVersion, ret, ret == psci.Version)
		}
	}
}

// pause sleeps for a poll interval, unless the machine halted meanwhile.
func (m *Machine) pause(c *Core) {
	select {
	case <-m.halt:
		c.WFI()
	case <-time.After(pollInterval):
	}
}

// wrapUp waits for every secondary core to turn itself off, then suspends
// the whole system, which takes the interrupt distributor down with it.
func (m *Machine) wrapUp(c *Core) {
	for _, other := range m.order[1:] {
		for !other.finished.Load() || other.Live() {
			m.pause(c)
		}

		for {
			ret := m.call(c, psci.FnAffinityInfo, uint32(other.id), uint32(psci.LevelCore))
			if psci.HWState(ret) == psci.HWOff {
				break
			}

			m.pause(c)
		}
	}

	m.logger.Info("all secondary cores off, suspending system", "core", c.id)

	ret := m.call(c, psci.FnSystemSuspend, pcFinish, 0)
	m.expect(c, psci.FnSystemSuspend, ret, false)
	m.stop()
}

// finish runs on the boot core after the system suspend: the distributor
// must have been restored on the way in.
func (m *Machine) finish(c *Core, _ uint32) {
	if m.recovery.DistributorState() != psci.DistributorIntact || m.recovery.Restores() == 0 {
		m.fail(c, "resume", errors.New("interrupt distributor was not restored"))
	}

	fid := psci.FnSystemOff
	if m.cfg.Reset {
		fid = psci.FnSystemReset
	}

	ret := m.call(c, fid)
	m.expect(c, fid, ret, false)
	m.stop()
}

// describe renders the value a call returned.
func describe(fid psci.FunctionID, ret uint32) string {
	switch fid {
	case psci.FnVersion:
		return fmt.Sprintf("%d.%d", ret>>16, ret&0xffff)
	case psci.FnAffinityInfo, psci.FnNodeHWState:
		if int32(ret) >= 0 {
			return psci.HWState(ret).String()
		}
	}

	return psci.Result(int32(ret)).String()
}

var _ psci.CPU = (*Core)(nil)
