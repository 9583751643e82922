// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package sim

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/siderolabs/psci-scpi/pkg/affinity"
)

type coreEvent int

const (
	// the companion allowed the core to lose power at its next WFI
	eventPowerLoss coreEvent = iota
	// an interrupt is pending: the next WFI returns
	eventWake
)

// Core is a simulated application core. Its program runs on a goroutine;
// losing power ends the goroutine and regaining it starts a new one at the
// recorded resume point.
type Core struct {
	id      affinity.ID
	machine *Machine

	events chan coreEvent

	mu   sync.Mutex
	done chan struct{}
	live bool

	calls       atomic.Uint64
	powerDowns  atomic.Uint64
	powerLosses atomic.Uint64
	launches    atomic.Uint64
	wakeups     atomic.Uint64
	finished    atomic.Bool
}

func newCore(m *Machine, id affinity.ID) *Core {
	return &Core{
		id:      id,
		machine: m,
		events:  make(chan coreEvent, 4),
	}
}

// MPIDR implements psci.CPU.
func (c *Core) MPIDR() affinity.ID {
	return c.id
}

// PowerDown implements psci.CPU.
func (c *Core) PowerDown() {
	c.powerDowns.Add(1)
}

// EnableSMP implements psci.CPU.
func (c *Core) EnableSMP() {}

// WFI implements psci.CPU. It ends the calling goroutine when the core loses power.
func (c *Core) WFI() {
	for {
		select {
		case ev := <-c.events:
			if ev == eventPowerLoss {
				c.losePower()
			}

			c.wakeups.Add(1)

			return
		case <-c.machine.tick():
			// the timer only ends a wait the companion is done with
			if !c.machine.keepsPower(c) {
				continue
			}

			// the events for requests already served are answered by this wake-up
			c.drainEvents()
			c.wakeups.Add(1)

			return
		case <-c.machine.halt:
			runtime.Goexit()
		}
	}
}

func (c *Core) losePower() {
	c.powerLosses.Add(1)
	c.machine.lostPower(c)
	runtime.Goexit()
}

func (c *Core) drainEvents() {
	for {
		select {
		case ev := <-c.events:
			if ev == eventPowerLoss {
				c.losePower()
			}
		default:
			return
		}
	}
}

func (c *Core) signal(ev coreEvent) {
	select {
	case c.events <- ev:
	default:
		c.machine.logger.Warn("dropping core event", "core", c.id, "event", int(ev))
	}
}

// launch starts the core at its resume point once the previous run, if any, ended.
func (c *Core) launch(pc, context uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.done
	done := make(chan struct{})
	c.done = done
	c.live = true

	c.launches.Add(1)

	go func() {
		defer close(done)

		if prev != nil {
			<-prev
		}

		// events queued for the previous run are stale
		for len(c.events) > 0 {
			<-c.events
		}

		c.machine.run(c, pc, context)
	}()
}

// Live reports whether the core is powered.
func (c *Core) Live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.live
}

func (c *Core) setLive(live bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.live = live
}

// wait blocks until the current run of the core ended.
func (c *Core) wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done != nil {
		<-done
	}
}
