// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package psci_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/psci-scpi/pkg/affinity"
	"github.com/siderolabs/psci-scpi/pkg/psci"
	"github.com/siderolabs/psci-scpi/pkg/scpi"
)

var states = []scpi.PowerState{scpi.PowerOn, scpi.PowerRetention, scpi.PowerOff}

func TestPowerStateFields(t *testing.T) {
	for _, core := range states {
		for _, cluster := range states {
			for _, css := range states {
				ps := psci.NewPowerState(core, cluster, css)

				assert.Equal(t, core, ps.Core())
				assert.Equal(t, cluster, ps.Cluster())
				assert.Equal(t, css, ps.CSS())
			}
		}
	}

	assert.Equal(t, psci.PowerState(0x033), psci.NewPowerState(scpi.PowerOff, scpi.PowerOff, scpi.PowerOn))
}

func TestCPUSuspendPayload(t *testing.T) {
	h := newHarness(t, okReply)
	cpu := &fakeCPU{id: affinity.New(0, 2)}

	for _, core := range states {
		for _, cluster := range states {
			for _, css := range states {
				ps := psci.NewPowerState(core, cluster, css)
				require.Equal(t, psci.Success, h.coordinator.CPUSuspend(cpu, ps, 0x1000, 7))
			}
		}
	}

	reqs := h.companion.waitRequests(t, 27)
	require.Len(t, reqs, 27)

	i := 0

	for _, core := range states {
		for _, cluster := range states {
			for _, css := range states {
				req := reqs[i]
				i++

				assert.Equal(t, scpi.CommandSetCSSPowerState, req.Command)
				assert.Equal(t, []byte{cpu.id.Target(), uint8(cluster)<<4 | uint8(core), uint8(css), 0}, req.Payload)
			}
		}
	}

	assert.Equal(t, 27, cpu.powerDowns)
	assert.Equal(t, 27, cpu.wfis)
	assert.Equal(t, 27, cpu.smps)
}

func TestCPUSuspendCoreAndClusterOff(t *testing.T) {
	h := newHarness(t, okReply)
	cpu := &fakeCPU{id: affinity.New(0, 1)}

	assert.Equal(t, psci.Success, h.coordinator.CPUSuspend(cpu, 0x033, 0x40008000, 0x55))

	reqs := h.companion.waitRequests(t, 1)
	require.Len(t, reqs, 1)
	assert.Equal(t, scpi.CommandSetCSSPowerState, reqs[0].Command)
	assert.Equal(t, []byte{0x01, 0x33, 0x00, 0x00}, reqs[0].Payload)

	p, ok := h.resume.Get(cpu.id)
	require.True(t, ok)
	assert.Equal(t, resumePoint{pc: 0x40008000, context: 0x55}, p)

	assert.Equal(t, psci.DistributorIntact, h.recovery.DistributorState())
}

func TestCPUSuspendRetentionKeepsResumePoint(t *testing.T) {
	h := newHarness(t, okReply)
	cpu := &fakeCPU{id: affinity.New(0, 3)}

	assert.Equal(t, psci.Success, h.coordinator.CPUSuspend(cpu, psci.NewPowerState(scpi.PowerRetention, scpi.PowerOn, scpi.PowerOn), 0x1, 0x2))

	_, ok := h.resume.Get(cpu.id)
	assert.False(t, ok)
}

func TestSuspendVariants(t *testing.T) {
	for _, tc := range []struct {
		call    func(c *psci.Coordinator, cpu psci.CPU) psci.Result
		name    string
		payload []byte
		resume  resumePoint
		lost    bool
	}{
		{
			name:    "cpu off",
			call:    func(c *psci.Coordinator, cpu psci.CPU) psci.Result { return c.CPUOff(cpu) },
			payload: []byte{0x02, 0x33, 0x00, 0x00},
		},
		{
			name:    "default suspend",
			call:    func(c *psci.Coordinator, cpu psci.CPU) psci.Result { return c.CPUDefaultSuspend(cpu, 0x100, 0x200) },
			payload: []byte{0x02, 0x33, 0x01, 0x00},
			resume:  resumePoint{pc: 0x100, context: 0x200},
		},
		{
			name:    "system suspend",
			call:    func(c *psci.Coordinator, cpu psci.CPU) psci.Result { return c.SystemSuspend(cpu, 0x300, 0x400) },
			payload: []byte{0x02, 0x33, 0x03, 0x00},
			resume:  resumePoint{pc: 0x300, context: 0x400},
			lost:    true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, okReply)
			cpu := &fakeCPU{id: affinity.New(0, 2)}

			assert.Equal(t, psci.Success, tc.call(h.coordinator, cpu))

			reqs := h.companion.waitRequests(t, 1)
			require.Len(t, reqs, 1)
			assert.Equal(t, tc.payload, reqs[0].Payload)

			p, ok := h.resume.Get(cpu.id)
			require.True(t, ok)
			assert.Equal(t, tc.resume, p)

			if tc.lost {
				assert.Equal(t, psci.DistributorNeedsRestore, h.recovery.DistributorState())
			} else {
				assert.Equal(t, psci.DistributorIntact, h.recovery.DistributorState())
			}
		})
	}
}

func TestCPUOn(t *testing.T) {
	h := newHarness(t, okReply)
	cpu := &fakeCPU{id: affinity.New(0, 0)}
	target := affinity.New(1, 3)

	assert.Equal(t, psci.Success, h.coordinator.CPUOn(cpu, target, 0x40000000, 9))

	p, ok := h.resume.Get(target)
	require.True(t, ok)
	assert.Equal(t, resumePoint{pc: 0x40000000, context: 9}, p)

	reqs := h.companion.waitRequests(t, 1)
	require.Len(t, reqs, 1)
	assert.Equal(t, []byte{0x13, 0x00, 0x00, 0x00}, reqs[0].Payload)

	// the caller does not sleep
	assert.Zero(t, cpu.wfis)
}

func TestNodeHWState(t *testing.T) {
	cluster0 := func(state scpi.PowerState, cores uint8) replyFunc {
		return cssReply(scpi.StatusOK,
			scpi.CSSPowerState{Cluster: 1, ClusterState: scpi.PowerOff},
			scpi.CSSPowerState{Cluster: 0, ClusterState: state, CoresOn: cores},
		)
	}

	for _, tc := range []struct {
		reply  replyFunc
		target affinity.ID
		level  psci.PowerLevel
		state  psci.HWState
		result psci.Result
		trips  int
	}{
		{reply: cluster0(scpi.PowerOff, 0), target: affinity.New(0, 0), level: psci.LevelSystem, state: psci.HWOn},
		{reply: cluster0(scpi.PowerOff, 0), target: affinity.New(0, 0), level: 7, state: psci.HWOn},
		{reply: cluster0(scpi.PowerOn, 0b1), target: affinity.New(0, 0), level: psci.LevelCluster, state: psci.HWOn, trips: 1},
		{reply: cluster0(scpi.PowerRetention, 0), target: affinity.New(0, 0), level: psci.LevelCluster, state: psci.HWStandby, trips: 1},
		{reply: cluster0(scpi.PowerOff, 0), target: affinity.New(0, 0), level: psci.LevelCluster, state: psci.HWOff, trips: 1},
		{reply: cluster0(scpi.PowerOn, 0b0100), target: affinity.New(0, 2), level: psci.LevelCore, state: psci.HWOn, trips: 1},
		{reply: cluster0(scpi.PowerOn, 0b0100), target: affinity.New(0, 1), level: psci.LevelCore, state: psci.HWOff, trips: 1},
		{reply: cluster0(scpi.PowerOn, 0b0100), target: affinity.New(1, 2), level: psci.LevelCore, state: psci.HWOff, trips: 1},
		{reply: cluster0(scpi.PowerOn, 0b0100), target: affinity.New(2, 0), level: psci.LevelCore, result: psci.NotSupported, trips: 1},
		{reply: cssReply(scpi.StatusTimeout), target: affinity.New(0, 0), level: psci.LevelCore, result: psci.NotSupported, trips: 1},
		{reply: cssReply(scpi.StatusTimeout), target: affinity.New(0, 0), level: psci.LevelCluster, result: psci.NotSupported, trips: 1},
	} {
		t.Run(fmt.Sprintf("%s-level%d", tc.target, tc.level), func(t *testing.T) {
			h := newHarness(t, tc.reply)

			state, res := h.coordinator.NodeHWState(&fakeCPU{id: affinity.New(0, 0)}, tc.target, tc.level)
			assert.Equal(t, tc.result, res)

			if res == psci.Success {
				assert.Equal(t, tc.state, state)
			}

			reqs := h.companion.Requests()
			assert.Len(t, reqs, tc.trips)

			for _, req := range reqs {
				assert.Equal(t, scpi.CommandGetCSSPowerState, req.Command)
				assert.Empty(t, req.Payload)
			}
		})
	}
}

func TestAffinityInfo(t *testing.T) {
	h := newHarness(t, cssReply(scpi.StatusOK, scpi.CSSPowerState{Cluster: 0, CoresOn: 0b0011}))
	cpu := &fakeCPU{id: affinity.New(0, 0)}

	_, res := h.coordinator.AffinityInfo(cpu, affinity.New(0, 1), psci.LevelCluster)
	assert.Equal(t, psci.InvalidParameters, res)
	assert.Empty(t, h.companion.Requests())

	state, res := h.coordinator.AffinityInfo(cpu, affinity.New(0, 1), psci.LevelCore)
	assert.Equal(t, psci.Success, res)
	assert.Equal(t, psci.HWOn, state)

	state, res = h.coordinator.AffinityInfo(cpu, affinity.New(0, 3), psci.LevelCore)
	assert.Equal(t, psci.Success, res)
	assert.Equal(t, psci.HWOff, state)
}

func TestSystemOffAndReset(t *testing.T) {
	for _, tc := range []struct {
		call  func(c *psci.Coordinator, cpu psci.CPU)
		name  string
		state scpi.SystemState
	}{
		{name: "off", call: (*psci.Coordinator).SystemOff, state: scpi.SystemShutdown},
		{name: "reset", call: (*psci.Coordinator).SystemReset, state: scpi.SystemReboot},
	} {
		t.Run(tc.name, func(t *testing.T) {
			// a rejected request changes nothing: the core still waits to lose power
			h := newHarness(t, func(scpi.Message) (scpi.Message, bool) {
				return scpi.Message{Header: scpi.Header{Status: scpi.StatusBusy}}, true
			})
			cpu := &fakeCPU{id: affinity.New(0, 0), halt: true}

			assert.False(t, runHalting(func() { tc.call(h.coordinator, cpu) }))
			assert.Equal(t, 1, cpu.wfis)

			reqs := h.companion.Requests()
			require.Len(t, reqs, 1)
			assert.Equal(t, scpi.CommandSetSysPowerState, reqs[0].Command)
			assert.Equal(t, []byte{uint8(tc.state)}, reqs[0].Payload)
		})
	}
}

func TestSystemReset2(t *testing.T) {
	t.Run("cold reset", func(t *testing.T) {
		h := newHarness(t, okReply)
		cpu := &fakeCPU{id: affinity.New(0, 0)}

		assert.Equal(t, psci.InvalidParameters, h.coordinator.SystemReset2(cpu, 1, 0))
		assert.Empty(t, h.companion.Requests())
		assert.Zero(t, cpu.wfis)
	})

	t.Run("rejected", func(t *testing.T) {
		h := newHarness(t, func(scpi.Message) (scpi.Message, bool) {
			return scpi.Message{Header: scpi.Header{Status: scpi.StatusParam}}, true
		})
		cpu := &fakeCPU{id: affinity.New(0, 0)}

		assert.Equal(t, psci.InvalidParameters, h.coordinator.SystemReset2(cpu, psci.ResetWarm, 0))
		assert.Zero(t, cpu.wfis)
	})

	t.Run("warm reset", func(t *testing.T) {
		h := newHarness(t, okReply)
		cpu := &fakeCPU{id: affinity.New(0, 0), halt: true}

		assert.False(t, runHalting(func() { h.coordinator.SystemReset2(cpu, psci.ResetWarm, 0xdead) }))

		reqs := h.companion.Requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, []byte{uint8(scpi.SystemReset)}, reqs[0].Payload)
	})
}

func TestFeatures(t *testing.T) {
	h := newHarness(t, okReply)

	for _, fid := range psci.Functions() {
		assert.Equal(t, psci.Success, h.coordinator.Features(fid), fid.String())
	}

	assert.Len(t, psci.Functions(), 12)

	for _, fid := range []psci.FunctionID{0x84000005, 0x84000006, 0x84000007, 0x8400000b, 0x8400000f, 0xc4000001, 0} {
		assert.Equal(t, psci.NotSupported, h.coordinator.Features(fid), fid.String())
	}

	assert.Equal(t, uint32(0x00010001), h.coordinator.Version())
}

func TestCompanionTimeout(t *testing.T) {
	h := newHarness(t, func(scpi.Message) (scpi.Message, bool) { return scpi.Message{}, false })

	_, res := h.coordinator.NodeHWState(&fakeCPU{id: affinity.New(0, 0)}, affinity.New(0, 1), psci.LevelCore)
	assert.Equal(t, psci.InternalFailure, res)
	assert.Zero(t, h.channel.Holder())
}
