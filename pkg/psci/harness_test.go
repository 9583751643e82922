// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package psci_test

import (
	"io"
	"log/slog"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/siderolabs/psci-scpi/pkg/affinity"
	"github.com/siderolabs/psci-scpi/pkg/gic"
	"github.com/siderolabs/psci-scpi/pkg/mmio"
	"github.com/siderolabs/psci-scpi/pkg/msgbox"
	"github.com/siderolabs/psci-scpi/pkg/platform"
	"github.com/siderolabs/psci-scpi/pkg/psci"
	"github.com/siderolabs/psci-scpi/pkg/scpi"
)

const entryPoint = 0x4a000040

// replyFunc answers a request; returning false sends nothing back.
type replyFunc func(req scpi.Message) (scpi.Message, bool)

// fakeCompanion consumes requests from the TX slot and answers with reply.
type fakeCompanion struct {
	shmem scpi.Shmem
	mbox  *msgbox.Block
	reply replyFunc

	mu       sync.Mutex
	requests []scpi.Message
}

func (f *fakeCompanion) serve(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		if !f.mbox.LocalPending(msgbox.RxIRQ(scpi.TXChannel)) {
			runtime.Gosched()

			continue
		}

		req := f.shmem.Request()
		f.mbox.Drain(scpi.TXChannel)
		f.mbox.ClearLocal(msgbox.RxIRQ(scpi.TXChannel))

		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.mu.Unlock()

		if req.Command == scpi.CommandSetCSSPowerState {
			continue
		}

		resp, ok := f.reply(req)
		if !ok {
			continue
		}

		resp.Command = req.Command

		if err := f.shmem.PostResponse(resp); err != nil {
			panic(err)
		}

		f.mbox.Push(scpi.RXChannel, 1)
	}
}

// announce posts the unsolicited boot message.
func (f *fakeCompanion) announce() {
	if err := f.shmem.PostResponse(scpi.Message{Header: scpi.Header{Command: scpi.CommandSCPReady}}); err != nil {
		panic(err)
	}

	f.mbox.Push(scpi.RXChannel, 1)
}

// waitRequests returns the requests once at least n were consumed. Posted
// commands return before the companion picks them up.
func (f *fakeCompanion) waitRequests(t *testing.T, n int) []scpi.Message {
	t.Helper()

	require.Eventually(t, func() bool { return len(f.Requests()) >= n }, 5*time.Second, time.Millisecond)

	return f.Requests()
}

func (f *fakeCompanion) Requests() []scpi.Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]scpi.Message(nil), f.requests...)
}

// fakeCPU wakes up immediately from every WFI unless halt is set, in which
// case WFI ends the calling goroutine as a power loss would.
type fakeCPU struct {
	id   affinity.ID
	halt bool

	powerDowns, wfis, smps int
}

func (c *fakeCPU) MPIDR() affinity.ID { return c.id }
func (c *fakeCPU) PowerDown()         { c.powerDowns++ }
func (c *fakeCPU) EnableSMP()         { c.smps++ }

func (c *fakeCPU) WFI() {
	c.wfis++

	if c.halt {
		runtime.Goexit()
	}
}

// runHalting runs fn on a goroutine that is expected to lose power.
func runHalting(fn func()) (returned bool) {
	done := make(chan bool)

	go func() {
		finished := false

		defer func() { done <- finished }()

		fn()

		finished = true
	}()

	return <-done
}

type resumePoint struct {
	pc, context uint32
}

type resumeTable struct {
	mu     sync.Mutex
	points map[affinity.ID]resumePoint
}

func (r *resumeTable) Save(core affinity.ID, pc, context uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.points == nil {
		r.points = map[affinity.ID]resumePoint{}
	}

	r.points[core] = resumePoint{pc: pc, context: context}
}

func (r *resumeTable) Get(core affinity.ID) (resumePoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.points[core]

	return p, ok
}

type harness struct {
	layout      platform.Layout
	mem         *mmio.Memory
	dist        *gic.DistributorDevice
	channel     *scpi.Channel
	companion   *fakeCompanion
	resume      *resumeTable
	recovery    *psci.Recovery
	coordinator *psci.Coordinator
	dispatcher  *psci.Dispatcher
}

func okReply(scpi.Message) (scpi.Message, bool) {
	return scpi.Message{}, true
}

func newHarness(t *testing.T, reply replyFunc) *harness {
	t.Helper()

	layout, err := platform.Lookup(platform.Default)
	require.NoError(t, err)

	h := &harness{
		layout: layout,
		mem:    mmio.NewMemory(),
		dist:   gic.NewDistributorDevice(4),
		resume: &resumeTable{},
	}

	require.NoError(t, h.mem.Map(layout.ShmemBase, scpi.RegionSize, mmio.NewRAM(scpi.RegionSize)))
	require.NoError(t, h.mem.Map(layout.MsgboxBase, msgbox.Size, msgbox.NewDevice()))
	require.NoError(t, h.mem.Map(layout.GICBase+gic.DistributorOffset, gic.DistributorSize, h.dist))
	require.NoError(t, h.mem.Map(layout.GICBase+gic.CPUInterfaceOffset, gic.CPUInterfaceSize, &gic.CPUInterfaceDevice{}))
	require.NoError(t, h.mem.Map(platform.CPUCFGBase, platform.CPUCFGSize, mmio.NewRAM(platform.CPUCFGSize)))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wait := scpi.WaitPolicy{Relax: runtime.Gosched, Limit: 1 << 20}

	lock, err := scpi.NewLock(scpi.LockCAS, &scpi.LockWord{}, wait, nil)
	require.NoError(t, err)

	shmem := scpi.NewShmem(h.mem, layout.ShmemBase)

	h.channel = scpi.NewChannel(logger, shmem, msgbox.New(h.mem, layout.MsgboxBase, msgbox.Application), lock, wait)
	h.companion = &fakeCompanion{
		shmem: shmem,
		mbox:  msgbox.New(h.mem, layout.MsgboxBase, msgbox.Companion),
		reply: reply,
	}
	h.recovery = psci.NewRecovery(logger, h.mem, layout, h.channel, entryPoint, wait)
	h.coordinator = psci.NewCoordinator(logger, h.channel, h.resume, h.recovery)
	h.dispatcher = psci.NewDispatcher(logger, h.coordinator)

	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)

		h.companion.serve(stop)
	}()

	t.Cleanup(func() {
		close(stop)
		<-done
	})

	return h
}

// cssReply answers GET_CSS_POWER_STATE with records.
func cssReply(status scpi.Status, records ...scpi.CSSPowerState) replyFunc {
	return func(scpi.Message) (scpi.Message, bool) {
		var payload []byte

		for _, r := range records {
			rec := scpi.EncodeCSSPowerRecord(r)
			payload = append(payload, rec[:]...)
		}

		return scpi.Message{Header: scpi.Header{Status: status}, Payload: payload}, true
	}
}
