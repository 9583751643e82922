// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package psci

import "github.com/siderolabs/psci-scpi/pkg/affinity"

// CPU is the calling core's access to its own state.
type CPU interface {
	// MPIDR returns the core's affinity register.
	MPIDR() affinity.ID
	// PowerDown prepares the core to lose power: it leaves coherency and
	// flushes its caches.
	PowerDown()
	// WFI waits for an interrupt. It does not return when the core loses
	// power meanwhile; execution then restarts at the recorded resume point.
	WFI()
	// EnableSMP rejoins the coherency domain after a wake-up.
	EnableSMP()
}

// ResumeRecorder keeps the resume point of every core.
type ResumeRecorder interface {
	Save(core affinity.ID, pc, context uint32)
}
