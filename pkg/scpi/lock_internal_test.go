// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package scpi

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/siderolabs/psci-scpi/pkg/affinity"
)

// lockModel is the state of two cores racing for the lock word.
// A core that acquires the lock stays in its critical section.
type lockModel[A comparable] struct {
	word     uint32
	attempts [2]A
	held     [2]bool
}

type exploration struct {
	// violation is an interleaving (sequence of core indices) ending with both cores holding the lock
	violation []int
	acquired  bool
	states    int
}

// exploreLock visits every interleaving of single shared-memory accesses of two attempts.
func exploreLock[A comparable, P interface {
	*A
	attempt
}](newAttempt func(affinity.ID) A) exploration {
	ids := [2]affinity.ID{affinity.New(0, 0), affinity.New(0, 1)}
	start := lockModel[A]{attempts: [2]A{newAttempt(ids[0]), newAttempt(ids[1])}}
	seen := map[lockModel[A]]bool{}

	var (
		res   exploration
		path  []int
		visit func(s lockModel[A])
	)

	visit = func(s lockModel[A]) {
		if seen[s] {
			return
		}

		seen[s] = true
		res.states++

		if s.held[0] && s.held[1] {
			if res.violation == nil {
				res.violation = append([]int(nil), path...)
			}

			return
		}

		for i := range 2 {
			if s.held[i] {
				continue
			}

			next := s

			var word LockWord
			word.v.Store(next.word)

			next.held[i] = P(&next.attempts[i]).step(&word)
			next.word = word.v.Load()

			if next.held[i] {
				res.acquired = true
			}

			path = append(path, i)
			visit(next)
			path = path[:len(path)-1]
		}
	}

	visit(start)

	return res
}

func TestCASLockExcludes(t *testing.T) {
	res := exploreLock[casAttempt](func(id affinity.ID) casAttempt { return casAttempt{id: id} })

	assert.True(t, res.acquired)
	assert.Nil(t, res.violation, "interleaving %v lets both cores hold the lock", res.violation)
}

func TestReadVerifyLockAdmitsTwoHolders(t *testing.T) {
	res := exploreLock[readVerifyAttempt](func(id affinity.ID) readVerifyAttempt { return readVerifyAttempt{id: id} })

	assert.True(t, res.acquired)

	// The documented algorithm does not exclude two cores that both pass the
	// free check before either writes; this is reported, not corrected.
	if assert.NotNil(t, res.violation) {
		t.Logf("both cores hold the lock after interleaving %v (%d states explored)", res.violation, res.states)
	}
}

func TestReadVerifyLockSequential(t *testing.T) {
	var word LockWord

	a := &readVerifyAttempt{id: affinity.New(0, 2)}

	assert.False(t, a.step(&word)) // observes free
	assert.False(t, a.step(&word)) // writes
	assert.True(t, a.step(&word))  // verifies
	assert.Equal(t, affinity.New(0, 2), word.Holder())

	b := &readVerifyAttempt{id: affinity.New(0, 3)}

	for range 10 {
		assert.False(t, b.step(&word))
	}

	assert.Equal(t, phaseSpin, b.phase)
}
