// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package probe reads the firmware-visible state of a SoC without changing it:
// both message slots, the doorbells, the interrupt controller and the entry register.
package probe

import (
	"github.com/siderolabs/psci-scpi/internal/util"
	"github.com/siderolabs/psci-scpi/pkg/gic"
	"github.com/siderolabs/psci-scpi/pkg/mmio"
	"github.com/siderolabs/psci-scpi/pkg/msgbox"
	"github.com/siderolabs/psci-scpi/pkg/platform"
	"github.com/siderolabs/psci-scpi/pkg/scpi"
)

// Slot is the header of one message slot and its payload.
type Slot struct {
	Command string `yaml:"command"`
	Sender  uint8  `yaml:"sender"`
	Size    uint16 `yaml:"size"`
	Status  string `yaml:"status"`
	Payload []byte `yaml:"payload,flow,omitempty"`
}

func slot(m scpi.Message) Slot {
	status := "ok"
	if err := m.Status.Err(); err != nil {
		status = err.Error()
	}

	return Slot{
		Command: m.Command.String(),
		Sender:  m.Sender,
		Size:    m.Size,
		Status:  status,
		Payload: m.Payload,
	}
}

// Doorbells is the state of both message box channels.
type Doorbells struct {
	// RequestPending is set until the companion acknowledged the last request.
	RequestPending  bool   `yaml:"request_pending"`
	RequestQueued   uint32 `yaml:"request_queued"`
	ResponsePending bool   `yaml:"response_pending"`
	ResponseQueued  uint32 `yaml:"response_queued"`
}

// Interrupts is the state of the GIC-400 as the firmware leaves it.
type Interrupts struct {
	DistributorEnabled bool     `yaml:"distributor_enabled"`
	Lines              uint32   `yaml:"lines"`
	Groups             []string `yaml:"groups,flow"`
	PriorityMask       string   `yaml:"priority_mask"`
}

// Snapshot is everything Read found.
type Snapshot struct {
	Platform      string     `yaml:"platform"`
	EntryRegister string     `yaml:"entry_register"`
	Entry         string     `yaml:"entry"`
	Request       Slot       `yaml:"request"`
	Response      Slot       `yaml:"response"`
	Doorbells     Doorbells  `yaml:"doorbells"`
	Interrupts    Interrupts `yaml:"interrupts"`
}

// Read takes a snapshot through bus, which maps every window of layout.
// It never writes and never pops a message box word.
func Read(bus mmio.Bus, layout platform.Layout) Snapshot {
	shmem := scpi.NewShmem(bus, layout.ShmemBase)
	mbox := msgbox.New(bus, layout.MsgboxBase, msgbox.Application)
	dist := gic.NewDistributor(bus, layout.GICBase)
	cpuif := gic.NewCPUInterface(bus, layout.GICBase)

	s := Snapshot{
		Platform:      layout.Name,
		EntryRegister: util.Hex(layout.EntryRegister()),
		Entry:         util.Hex(bus.Read32(layout.EntryRegister())),
		Request:       slot(shmem.Request()),
		Response:      slot(shmem.Response()),
		Doorbells: Doorbells{
			RequestPending:  mbox.RemotePending(msgbox.RxIRQ(scpi.TXChannel)),
			RequestQueued:   mbox.Count(scpi.TXChannel),
			ResponsePending: mbox.LocalPending(msgbox.RxIRQ(scpi.RXChannel)),
			ResponseQueued:  mbox.Count(scpi.RXChannel),
		},
		Interrupts: Interrupts{
			DistributorEnabled: dist.Enabled(),
			Lines:              dist.Lines(),
			PriorityMask:       util.Hex(cpuif.PriorityMask()),
		},
	}

	for n := uint32(1); n <= s.Interrupts.Lines; n++ {
		s.Interrupts.Groups = append(s.Interrupts.Groups, util.Hex(dist.Group(n)))
	}

	return s
}
