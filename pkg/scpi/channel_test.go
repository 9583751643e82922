// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package scpi_test

import (
	"io"
	"log/slog"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/psci-scpi/pkg/affinity"
	"github.com/siderolabs/psci-scpi/pkg/mmio"
	"github.com/siderolabs/psci-scpi/pkg/msgbox"
	"github.com/siderolabs/psci-scpi/pkg/scpi"
)

const shmemBase = 0x00053e00

// responder plays the companion: it consumes every request and, unless the
// command is SET_CSS_POWER_STATE, answers with reply.
type responder struct {
	shmem scpi.Shmem
	mbox  *msgbox.Block
	reply scpi.Message

	mu       sync.Mutex
	requests []scpi.Message

	stop chan struct{}
	done chan struct{}
}

func (r *responder) run() {
	defer close(r.done)

	for {
		select {
		case <-r.stop:
			return
		default:
		}

		if !r.mbox.LocalPending(msgbox.RxIRQ(scpi.TXChannel)) {
			runtime.Gosched()

			continue
		}

		req := r.shmem.Request()
		r.mbox.Drain(scpi.TXChannel)
		r.mbox.ClearLocal(msgbox.RxIRQ(scpi.TXChannel))

		r.mu.Lock()
		r.requests = append(r.requests, req)
		r.mu.Unlock()

		if req.Command == scpi.CommandSetCSSPowerState {
			continue
		}

		reply := r.reply
		reply.Command = req.Command

		if err := r.shmem.PostResponse(reply); err != nil {
			panic(err)
		}

		r.mbox.Push(scpi.RXChannel, 1)
	}
}

func (r *responder) Requests() []scpi.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]scpi.Message(nil), r.requests...)
}

type fixture struct {
	channel *scpi.Channel
	shmem   scpi.Shmem
	scp     *msgbox.Block
}

func newFixture(t *testing.T, wait scpi.WaitPolicy) fixture {
	t.Helper()

	mem := mmio.NewMemory()
	require.NoError(t, mem.Map(shmemBase, scpi.RegionSize, mmio.NewRAM(scpi.RegionSize)))
	require.NoError(t, mem.Map(msgbox.DefaultBase, msgbox.Size, msgbox.NewDevice()))

	lock, err := scpi.NewLock(scpi.LockCAS, &scpi.LockWord{}, wait, nil)
	require.NoError(t, err)

	shmem := scpi.NewShmem(mem, shmemBase)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return fixture{
		channel: scpi.NewChannel(logger, shmem, msgbox.New(mem, msgbox.DefaultBase, msgbox.Application), lock, wait),
		shmem:   shmem,
		scp:     msgbox.New(mem, msgbox.DefaultBase, msgbox.Companion),
	}
}

func (f fixture) startResponder(t *testing.T, reply scpi.Message) *responder {
	t.Helper()

	r := &responder{
		shmem: f.shmem,
		mbox:  f.scp,
		reply: reply,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	go r.run()

	t.Cleanup(func() {
		close(r.stop)
		<-r.done
	})

	return r
}

var wait = scpi.WaitPolicy{Relax: runtime.Gosched}

func TestExchangeIsRepeatable(t *testing.T) {
	f := newFixture(t, wait)
	f.startResponder(t, scpi.Message{
		Header:  scpi.Header{Status: scpi.StatusOK, Size: 3},
		Payload: []byte{0xde, 0xad, 0x01},
	})

	id := affinity.New(0, 1)
	payload := []byte{0x10, 0x20}

	first, err := f.channel.Exchange(id, scpi.CommandGetCSSPowerState, payload)
	require.NoError(t, err)

	second, err := f.channel.Exchange(id, scpi.CommandGetCSSPowerState, payload)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []byte{0xde, 0xad, 0x01}, first.Payload)
	assert.Equal(t, scpi.CommandGetCSSPowerState, first.Command)
	assert.Zero(t, f.channel.Holder())
	assert.Zero(t, f.channel.Violations())
}

func TestPostDoesNotWait(t *testing.T) {
	f := newFixture(t, wait)
	r := f.startResponder(t, scpi.Message{})

	id := affinity.New(1, 0)
	target := affinity.New(1, 2)

	require.NoError(t, f.channel.SetCSSPowerState(id, target, scpi.PowerOff, scpi.PowerOff, scpi.PowerOn))

	// the next command waits until the companion consumed the doorbell
	_, err := f.channel.Exchange(id, scpi.CommandGetCSSPowerState, nil)
	require.NoError(t, err)

	reqs := r.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, scpi.CommandSetCSSPowerState, reqs[0].Command)
	assert.Equal(t, []byte{0x12, 0x33, 0x00, 0x00}, reqs[0].Payload)
	assert.Equal(t, scpi.CommandGetCSSPowerState, reqs[1].Command)
	assert.Empty(t, reqs[1].Payload)
}

func TestExchangeTimeoutReleasesLock(t *testing.T) {
	f := newFixture(t, scpi.WaitPolicy{Limit: 64})

	_, err := f.channel.Exchange(affinity.New(0, 0), scpi.CommandGetCSSPowerState, nil)
	require.ErrorIs(t, err, scpi.ErrWaitTimeout)
	assert.Zero(t, f.channel.Holder())
}

func TestWaitReady(t *testing.T) {
	f := newFixture(t, wait)

	require.NoError(t, f.shmem.PostResponse(scpi.Message{Header: scpi.Header{Command: scpi.CommandSCPReady}}))
	f.scp.Push(scpi.RXChannel, 1)

	require.NoError(t, f.channel.WaitReady(affinity.New(0, 0)))
	assert.Zero(t, f.channel.Holder())
}

func TestGetCSSPowerState(t *testing.T) {
	first := scpi.EncodeCSSPowerRecord(scpi.CSSPowerState{Cluster: 0, ClusterState: scpi.PowerOn, CoresOn: 0b0101})
	second := scpi.EncodeCSSPowerRecord(scpi.CSSPowerState{Cluster: 1, ClusterState: scpi.PowerRetention, CoresOn: 0b0010})
	records := append(first[:], second[:]...)

	for _, tc := range []struct {
		err    error
		name   string
		target affinity.ID
		reply  scpi.Message
		want   scpi.CSSPowerState
	}{
		{
			name:   "first cluster",
			target: affinity.New(0, 2),
			reply:  scpi.Message{Header: scpi.Header{Size: 4}, Payload: records},
			want:   scpi.CSSPowerState{Cluster: 0, ClusterState: scpi.PowerOn, CoresOn: 0b0101},
		},
		{
			name:   "second cluster",
			target: affinity.New(1, 1),
			reply:  scpi.Message{Header: scpi.Header{Size: 4}, Payload: records},
			want:   scpi.CSSPowerState{Cluster: 1, ClusterState: scpi.PowerRetention, CoresOn: 0b0010},
		},
		{
			name:   "missing cluster",
			target: affinity.New(2, 0),
			reply:  scpi.Message{Header: scpi.Header{Size: 4}, Payload: records},
			err:    scpi.ErrNoClusterEntry,
		},
		{
			name:   "companion timeout",
			target: affinity.New(0, 0),
			reply:  scpi.Message{Header: scpi.Header{Status: scpi.StatusTimeout, Size: 4}, Payload: records},
			err:    scpi.StatusTimeout,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, wait)
			f.startResponder(t, tc.reply)

			got, err := f.channel.GetCSSPowerState(affinity.New(0, 0), tc.target)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSetSysPowerState(t *testing.T) {
	f := newFixture(t, wait)
	r := f.startResponder(t, scpi.Message{Header: scpi.Header{Status: scpi.StatusBusy}})

	err := f.channel.SetSysPowerState(affinity.New(0, 0), scpi.SystemReset)
	require.ErrorIs(t, err, scpi.StatusBusy)

	reqs := r.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []byte{uint8(scpi.SystemReset)}, reqs[0].Payload)
}

func TestConcurrentExchanges(t *testing.T) {
	f := newFixture(t, wait)
	r := f.startResponder(t, scpi.Message{Header: scpi.Header{Size: 1}, Payload: []byte{0x42}})

	var wg sync.WaitGroup

	for core := range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 50 {
				resp, err := f.channel.Exchange(affinity.New(0, uint32(core)), scpi.CommandGetCSSPowerState, nil)
				assert.NoError(t, err)
				assert.Equal(t, []byte{0x42}, resp.Payload)
			}
		}()
	}

	wg.Wait()

	assert.Len(t, r.Requests(), 200)
	assert.Zero(t, f.channel.Violations())
}
