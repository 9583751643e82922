// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package scpi

import "errors"

// ErrWaitTimeout is returned when a bounded busy-wait gives up.
var ErrWaitTimeout = errors.New("busy-wait limit reached")

// WaitPolicy shapes every busy-wait loop of the package.
//
// The zero value spins forever without relaxing, which is the firmware
// behavior: a companion that never answers stalls the calling core.
type WaitPolicy struct {
	// Relax is called between two polls, e.g. runtime.Gosched in simulation.
	Relax func()
	// Limit is the maximum number of polls; zero means unbounded.
	Limit int
}

// Until polls done until it returns true.
func (p WaitPolicy) Until(done func() bool) error {
	for n := 0; !done(); n++ {
		if p.Limit > 0 && n >= p.Limit {
			return ErrWaitTimeout
		}

		if p.Relax != nil {
			p.Relax()
		}
	}

	return nil
}
