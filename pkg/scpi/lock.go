// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package scpi

import (
	"fmt"
	"sync/atomic"

	"github.com/siderolabs/psci-scpi/pkg/affinity"
)

// LockWord is the shared word of the cross-core command lock: zero when free,
// otherwise the affinity identifier of the holder.
type LockWord struct {
	v atomic.Uint32
}

// Holder returns the identifier of the core holding the lock, or zero.
func (w *LockWord) Holder() affinity.ID {
	return affinity.ID(w.v.Load())
}

// Lock serializes access to the message slots across cores.
type Lock interface {
	Acquire(id affinity.ID) error
	Release()
	Holder() affinity.ID
}

// LockAlgorithm selects how the lock word is claimed.
type LockAlgorithm string

const (
	// LockCAS claims the word with an atomic compare-and-swap.
	LockCAS LockAlgorithm = "cas"
	// LockReadVerify spins until the word is free, writes the caller's
	// identifier, issues a barrier and reads it back. Two cores passing the
	// free check in the same window can both observe their own identifier.
	LockReadVerify LockAlgorithm = "read-verify"
)

// NewLock returns a lock over word using algo.
func NewLock(algo LockAlgorithm, word *LockWord, wait WaitPolicy, barrier func()) (Lock, error) {
	switch algo {
	case LockCAS:
		return &casLock{word: word, wait: wait}, nil
	case LockReadVerify:
		if barrier == nil {
			barrier = func() {}
		}

		return &readVerifyLock{word: word, wait: wait, barrier: barrier}, nil
	}

	return nil, fmt.Errorf("unknown lock algorithm %q", algo)
}

// attempt is one core's acquisition in progress. Every step performs at most
// one access to the shared word, so interleavings of attempts can be explored.
type attempt interface {
	step(word *LockWord) bool
}

type casAttempt struct {
	id affinity.ID
}

func (a *casAttempt) step(word *LockWord) bool {
	return word.v.CompareAndSwap(0, uint32(a.id))
}

type readVerifyPhase int

const (
	phaseSpin readVerifyPhase = iota
	phaseWrite
	phaseVerify
)

type readVerifyAttempt struct {
	id    affinity.ID
	phase readVerifyPhase
}

func (a *readVerifyAttempt) step(word *LockWord) bool {
	switch a.phase {
	case phaseSpin:
		if word.v.Load() == 0 {
			a.phase = phaseWrite
		}
	case phaseWrite:
		word.v.Store(uint32(a.id))
		a.phase = phaseVerify
	case phaseVerify:
		if word.v.Load() == uint32(a.id) {
			return true
		}

		a.phase = phaseSpin
	}

	return false
}

type casLock struct {
	word *LockWord
	wait WaitPolicy
}

func (l *casLock) Acquire(id affinity.ID) error {
	a := &casAttempt{id: id}

	return l.wait.Until(func() bool { return a.step(l.word) })
}

func (l *casLock) Release() {
	l.word.v.Store(0)
}

func (l *casLock) Holder() affinity.ID {
	return l.word.Holder()
}

type readVerifyLock struct {
	word    *LockWord
	barrier func()
	wait    WaitPolicy
}

func (l *readVerifyLock) Acquire(id affinity.ID) error {
	a := &readVerifyAttempt{id: id}

	return l.wait.Until(func() bool {
		wrote := a.phase == phaseWrite
		held := a.step(l.word)

		if wrote {
			l.barrier()
		}

		return held
	})
}

func (l *readVerifyLock) Release() {
	l.word.v.Store(0)
}

func (l *readVerifyLock) Holder() affinity.ID {
	return l.word.Holder()
}
