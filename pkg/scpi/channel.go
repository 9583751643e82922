// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package scpi

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/siderolabs/psci-scpi/pkg/affinity"
	"github.com/siderolabs/psci-scpi/pkg/msgbox"
)

const (
	// TXChannel carries doorbells from the application cores to the companion.
	TXChannel = 0
	// RXChannel carries doorbells from the companion to the application cores.
	RXChannel = 1

	// virtualChannel is the word written to ring the doorbell.
	virtualChannel uint32 = 1 << 0
)

// Channel models the command channel with the companion processor.
type Channel struct {
	logger *slog.Logger
	shmem  Shmem
	mbox   *msgbox.Block
	lock   Lock
	wait   WaitPolicy

	// inside holds the identifier of the core between Begin and End; a second
	// core getting there means the lock failed to exclude it.
	inside     atomic.Uint32
	violations atomic.Uint64
}

// NewChannel returns a channel over the shared memory region and the
// application side of the message box.
func NewChannel(logger *slog.Logger, shmem Shmem, mbox *msgbox.Block, lock Lock, wait WaitPolicy) *Channel {
	return &Channel{
		logger: logger,
		shmem:  shmem,
		mbox:   mbox,
		lock:   lock,
		wait:   wait,
	}
}

// Violations returns the number of times two cores were observed inside a
// Begin/End bracket at once.
func (c *Channel) Violations() uint64 {
	return c.violations.Load()
}

// Holder returns the core currently holding the command lock, or zero.
func (c *Channel) Holder() affinity.ID {
	return c.lock.Holder()
}

// Begin takes the command lock for id and waits until the companion has
// consumed the previous doorbell, so the TX slot can be overwritten.
func (c *Channel) Begin(id affinity.ID) error {
	if err := c.lock.Acquire(id); err != nil {
		return fmt.Errorf("error acquiring command lock as %s (held by %s): %w", id, c.lock.Holder(), err)
	}

	if !c.inside.CompareAndSwap(0, uint32(id)) {
		c.violations.Add(1)
		c.logger.Warn("command lock violation", "core", id, "other", affinity.ID(c.inside.Load()))
		c.inside.Store(uint32(id))
	}

	err := c.wait.Until(func() bool { return !c.mbox.RemotePending(msgbox.RxIRQ(TXChannel)) })
	if err != nil {
		c.End(id)

		return fmt.Errorf("error waiting for the previous doorbell to drain: %w", err)
	}

	return nil
}

// Send rings the doorbell for the request in the TX slot.
func (c *Channel) Send() {
	c.mbox.Push(TXChannel, virtualChannel)
}

// WaitResponse spins until the companion has posted a message.
func (c *Channel) WaitResponse() error {
	if err := c.wait.Until(func() bool { return c.mbox.Count(RXChannel) != 0 }); err != nil {
		return fmt.Errorf("error waiting for a response: %w", err)
	}

	return nil
}

// End drains the RX doorbell, acknowledges it and releases the command lock.
func (c *Channel) End(id affinity.ID) {
	if extra := c.mbox.Drain(RXChannel); extra > 1 {
		c.logger.Debug("drained extra doorbells", "core", id, "count", extra)
	}

	c.mbox.ClearLocal(msgbox.RxIRQ(RXChannel))
	c.inside.CompareAndSwap(uint32(id), 0)
	c.lock.Release()
}

// Post sends a request without waiting for a response.
func (c *Channel) Post(id affinity.ID, cmd Command, payload []byte) error {
	l := c.logger.With("core", id, "command", cmd)
	l.Debug("posting request", "payload", payload)

	if err := c.Begin(id); err != nil {
		l.Error("error starting command", "err", err)

		return err
	}

	defer c.End(id)

	if err := c.shmem.PostRequest(cmd, payload); err != nil {
		return err
	}

	c.Send()

	return nil
}

// Exchange sends a request and returns the companion's response.
func (c *Channel) Exchange(id affinity.ID, cmd Command, payload []byte) (Message, error) {
	l := c.logger.With("core", id, "command", cmd)
	l.Debug("exchanging request", "payload", payload)

	if err := c.Begin(id); err != nil {
		l.Error("error starting command", "err", err)

		return Message{}, err
	}

	defer c.End(id)

	if err := c.shmem.PostRequest(cmd, payload); err != nil {
		return Message{}, err
	}

	c.Send()

	if err := c.WaitResponse(); err != nil {
		l.Error("no response", "err", err)

		return Message{}, err
	}

	resp := c.shmem.Response()
	l.Debug("received response", "status", uint32(resp.Status), "size", resp.Size)

	return resp, nil
}

// WaitReady blocks until the companion has announced itself. No request is
// sent: the companion posts a message on its own once its firmware is up.
func (c *Channel) WaitReady(id affinity.ID) error {
	c.logger.Debug("waiting for the companion to boot", "core", id)

	if err := c.Begin(id); err != nil {
		return err
	}

	defer c.End(id)

	if err := c.WaitResponse(); err != nil {
		return err
	}

	if resp := c.shmem.Response(); resp.Command != CommandSCPReady {
		c.logger.Warn("unexpected boot message", "command", resp.Command)
	}

	return nil
}
