// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package msgbox drives the message box block used as the doorbell between the
// application cores and the companion processor.
//
// The block has a set of unidirectional channels, each a small FIFO of 32-bit
// words, and one interrupt status register per user. Bit RxIRQ(n) of a user's
// status register is pending while channel n holds a message for that user;
// it is cleared by writing it back (write-one-to-clear).
package msgbox

import "github.com/siderolabs/psci-scpi/pkg/mmio"

// DefaultBase is the physical base of the message box.
const DefaultBase uintptr = 0x01c17000

// Size is the size of the register window.
const Size uintptr = 0x200

const (
	user0IRQStatOffset = 0x0050 // companion processor's interrupt status
	user1IRQStatOffset = 0x0070 // application cores' interrupt status
	msgStatOffset      = 0x0140 // number of words queued, one register per channel
	msgDataOffset      = 0x0180 // FIFO head, one register per channel
)

const (
	// Channels is the number of channels in the block.
	Channels = 8
	// FIFODepth is the number of words a channel can queue.
	FIFODepth = 4
)

// User identifies a side of the message box.
type User int

const (
	// Companion is the low-power companion processor.
	Companion User = iota
	// Application is the cluster of application cores running the secure firmware.
	Application
)

func (u User) irqStatOffset() uintptr {
	if u == Companion {
		return user0IRQStatOffset
	}

	return user1IRQStatOffset
}

func (u User) peer() User {
	return 1 - u
}

// RxIRQ is the pending bit of a message received on channel n.
func RxIRQ(n int) uint32 {
	return 1 << (2 * n)
}

func msgStatReg(n int) uintptr {
	return msgStatOffset + 4*uintptr(n)
}

func msgDataReg(n int) uintptr {
	return msgDataOffset + 4*uintptr(n)
}

// Block is one user's view of the message box registers.
type Block struct {
	bus  mmio.Bus
	base uintptr
	user User
}

// New returns the view of user on the block mapped at base.
func New(bus mmio.Bus, base uintptr, user User) *Block {
	return &Block{
		bus:  bus,
		base: base,
		user: user,
	}
}

// LocalPending reports whether any of mask is pending in this user's status register.
func (b *Block) LocalPending(mask uint32) bool {
	return b.bus.Read32(b.base+b.user.irqStatOffset())&mask != 0
}

// RemotePending reports whether any of mask is pending in the peer's status register.
func (b *Block) RemotePending(mask uint32) bool {
	return b.bus.Read32(b.base+b.user.peer().irqStatOffset())&mask != 0
}

// ClearLocal acknowledges the bits of mask in this user's status register.
func (b *Block) ClearLocal(mask uint32) {
	b.bus.Write32(b.base+b.user.irqStatOffset(), mask)
}

// Count returns the number of words queued on channel n.
func (b *Block) Count(n int) uint32 {
	return b.bus.Read32(b.base + msgStatReg(n))
}

// Push queues a word on channel n, ringing the receiver's doorbell.
func (b *Block) Push(n int, word uint32) {
	b.bus.Write32(b.base+msgDataReg(n), word)
}

// Pop dequeues a word from channel n.
func (b *Block) Pop(n int) uint32 {
	return b.bus.Read32(b.base + msgDataReg(n))
}

// Drain dequeues every word queued on channel n and returns how many there were.
func (b *Block) Drain(n int) int {
	drained := 0

	for b.Count(n) != 0 {
		b.Pop(n)
		drained++
	}

	return drained
}
