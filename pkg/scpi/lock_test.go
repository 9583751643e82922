// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package scpi_test

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/siderolabs/psci-scpi/pkg/affinity"
	"github.com/siderolabs/psci-scpi/pkg/scpi"
)

func TestNewLockUnknown(t *testing.T) {
	_, err := scpi.NewLock("ticket", &scpi.LockWord{}, scpi.WaitPolicy{}, nil)
	require.Error(t, err)
}

func TestLockHolder(t *testing.T) {
	for _, algo := range []scpi.LockAlgorithm{scpi.LockCAS, scpi.LockReadVerify} {
		t.Run(string(algo), func(t *testing.T) {
			var word scpi.LockWord

			lock, err := scpi.NewLock(algo, &word, scpi.WaitPolicy{}, nil)
			require.NoError(t, err)

			id := affinity.New(1, 3)
			require.NoError(t, lock.Acquire(id))
			assert.Equal(t, id, lock.Holder())
			assert.Equal(t, id, word.Holder())

			lock.Release()
			assert.Zero(t, lock.Holder())
		})
	}
}

func TestLockBoundedWait(t *testing.T) {
	var word scpi.LockWord

	lock, err := scpi.NewLock(scpi.LockCAS, &word, scpi.WaitPolicy{Limit: 16}, nil)
	require.NoError(t, err)

	require.NoError(t, lock.Acquire(affinity.New(0, 0)))
	require.ErrorIs(t, lock.Acquire(affinity.New(0, 1)), scpi.ErrWaitTimeout)
	assert.Equal(t, affinity.New(0, 0), lock.Holder())
}

// stressLock runs cores goroutines through rounds critical sections and
// returns how many times a core found another one inside.
func stressLock(t *testing.T, algo scpi.LockAlgorithm, cores, rounds int) uint64 {
	t.Helper()

	var (
		word       scpi.LockWord
		inside     atomic.Int32
		violations atomic.Uint64
	)

	lock, err := scpi.NewLock(algo, &word, scpi.WaitPolicy{Relax: runtime.Gosched}, runtime.Gosched)
	require.NoError(t, err)

	var eg errgroup.Group

	for core := range cores {
		id := affinity.New(uint32(core/4), uint32(core%4))

		eg.Go(func() error {
			for range rounds {
				if err := lock.Acquire(id); err != nil {
					return err
				}

				if inside.Add(1) != 1 {
					violations.Add(1)
				}

				runtime.Gosched()
				inside.Add(-1)

				lock.Release()
			}

			return nil
		})
	}

	require.NoError(t, eg.Wait())

	return violations.Load()
}

func TestCASLockStress(t *testing.T) {
	assert.Zero(t, stressLock(t, scpi.LockCAS, 8, 500))
}

func TestReadVerifyLockStress(t *testing.T) {
	// violations are possible with this algorithm; they are reported, not asserted away
	if v := stressLock(t, scpi.LockReadVerify, 8, 500); v != 0 {
		t.Logf("read-verify lock admitted two holders %d times", v)
	}
}
