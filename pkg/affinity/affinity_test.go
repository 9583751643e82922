// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package affinity_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/psci-scpi/pkg/affinity"
)

func TestDecode(t *testing.T) {
	for _, tc := range []struct {
		mpidr   affinity.ID
		core    uint32
		cluster uint32
		target  uint8
	}{
		{mpidr: 0x80000000, core: 0, cluster: 0, target: 0x00},
		{mpidr: 0x80000003, core: 3, cluster: 0, target: 0x03},
		{mpidr: 0x80000101, core: 1, cluster: 1, target: 0x11},
		{mpidr: 0x80000f02, core: 2, cluster: 15, target: 0xf2},
	} {
		t.Run(tc.mpidr.String(), func(t *testing.T) {
			assert.Equal(t, tc.core, tc.mpidr.Core())
			assert.Equal(t, tc.cluster, tc.mpidr.Cluster())
			assert.Equal(t, tc.target, tc.mpidr.Target())
		})
	}
}

func TestNew(t *testing.T) {
	id := affinity.New(1, 2)

	assert.Equal(t, affinity.ID(0x80000102), id)
	assert.NotZero(t, affinity.New(0, 0))
	assert.Equal(t, "cpu1.2", id.String())
}

func TestParse(t *testing.T) {
	for in, want := range map[string]affinity.ID{
		"cpu1.2":     affinity.New(1, 2),
		"0.3":        affinity.New(0, 3),
		"0x80000101": affinity.New(1, 1),
		"3":          affinity.ID(3),
	} {
		id, err := affinity.Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, id, in)
	}

	for _, in := range []string{"cpu16.0", "cpu0.x", "core", ""} {
		_, err := affinity.Parse(in)
		assert.Error(t, err, in)
	}
}
