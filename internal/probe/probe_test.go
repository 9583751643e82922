// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package probe_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/psci-scpi/internal/probe"
	"github.com/siderolabs/psci-scpi/pkg/gic"
	"github.com/siderolabs/psci-scpi/pkg/mmio"
	"github.com/siderolabs/psci-scpi/pkg/msgbox"
	"github.com/siderolabs/psci-scpi/pkg/platform"
	"github.com/siderolabs/psci-scpi/pkg/scpi"
)

func board(t *testing.T, layout platform.Layout) *mmio.Memory {
	t.Helper()

	mem := mmio.NewMemory()

	for _, w := range layout.Windows() {
		var dev mmio.Device

		switch w.Name {
		case "msgbox":
			dev = msgbox.NewDevice()
		case "gicd":
			dev = gic.NewDistributorDevice(2)
		case "gicc":
			dev = &gic.CPUInterfaceDevice{}
		default:
			dev = mmio.NewRAM(w.Size)
		}

		require.NoError(t, mem.Map(w.Base, w.Size, dev))
	}

	return mem
}

func TestRead(t *testing.T) {
	layout, err := platform.Lookup("sun8i-h3")
	require.NoError(t, err)

	mem := board(t, layout)

	layout.SetEntryAddress(mem, 0x00044000)

	shmem := scpi.NewShmem(mem, layout.ShmemBase)
	require.NoError(t, shmem.PostRequest(scpi.CommandGetCSSPowerState, nil))
	require.NoError(t, shmem.PostResponse(scpi.Message{
		Header:  scpi.Header{Command: scpi.CommandGetCSSPowerState, Status: scpi.StatusBusy},
		Payload: []byte{0x00, 0x01},
	}))
	msgbox.New(mem, layout.MsgboxBase, msgbox.Application).Push(scpi.TXChannel, 1)

	gic.NewDistributor(mem, layout.GICBase).RestoreNonSecure()
	gic.NewCPUInterface(mem, layout.GICBase).AllowAllPriorities()

	s := probe.Read(mem, layout)

	assert.Equal(t, "sun8i-h3", s.Platform)
	assert.Equal(t, "0x01f01da4", s.EntryRegister)
	assert.Equal(t, "0x00044000", s.Entry)

	assert.Equal(t, scpi.CommandGetCSSPowerState.String(), s.Request.Command)
	assert.Zero(t, s.Request.Size)
	assert.Equal(t, "ok", s.Request.Status)

	assert.Equal(t, uint16(2), s.Response.Size)
	assert.Equal(t, scpi.StatusBusy.Error(), s.Response.Status)
	assert.Equal(t, []byte{0x00, 0x01}, s.Response.Payload)

	assert.True(t, s.Doorbells.RequestPending)
	assert.Equal(t, uint32(1), s.Doorbells.RequestQueued)
	assert.False(t, s.Doorbells.ResponsePending)
	assert.Zero(t, s.Doorbells.ResponseQueued)

	assert.True(t, s.Interrupts.DistributorEnabled)
	assert.Equal(t, uint32(2), s.Interrupts.Lines)
	assert.Equal(t, []string{"0xffffffff", "0xffffffff"}, s.Interrupts.Groups)
	assert.Equal(t, "0x000000ff", s.Interrupts.PriorityMask)
}

func TestReadDoesNotConsume(t *testing.T) {
	layout, err := platform.Lookup(platform.Default)
	require.NoError(t, err)

	mem := board(t, layout)
	msgbox.New(mem, layout.MsgboxBase, msgbox.Companion).Push(scpi.RXChannel, 1)

	first := probe.Read(mem, layout)
	second := probe.Read(mem, layout)

	assert.Equal(t, first, second)
	assert.True(t, second.Doorbells.ResponsePending)
	assert.Equal(t, uint32(1), second.Doorbells.ResponseQueued)
	assert.False(t, second.Interrupts.DistributorEnabled)
}
