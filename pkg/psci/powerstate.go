// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package psci

import "github.com/siderolabs/psci-scpi/pkg/scpi"

// PowerState is the CPU_SUSPEND power_state argument: one nibble per level,
// core in bits [3:0], cluster in [7:4] and the whole system in [11:8].
type PowerState uint32

// NewPowerState packs the target state of each level.
func NewPowerState(core, cluster, css scpi.PowerState) PowerState {
	return PowerState(uint32(core)&0xf | (uint32(cluster)&0xf)<<4 | (uint32(css)&0xf)<<8)
}

// Core returns the core level target.
func (p PowerState) Core() scpi.PowerState {
	return scpi.PowerState(p & 0xf)
}

// Cluster returns the cluster level target.
func (p PowerState) Cluster() scpi.PowerState {
	return scpi.PowerState(p >> 4 & 0xf)
}

// CSS returns the system level target.
func (p PowerState) CSS() scpi.PowerState {
	return scpi.PowerState(p >> 8 & 0xf)
}
