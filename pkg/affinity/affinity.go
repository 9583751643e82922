// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package affinity decodes the multiprocessor affinity register (MPIDR) of an application core.
package affinity

import (
	"fmt"
	"strconv"
	"strings"
)

// ID is the value of a core's MPIDR. It is never zero on a multiprocessor
// system, which lets it double as a lock ticket.
type ID uint32

// MultiprocessingBit is set in every MPIDR of a core implementing the multiprocessing extensions.
const MultiprocessingBit ID = 1 << 31

// New builds the identifier of core within cluster.
func New(cluster, core uint32) ID {
	return MultiprocessingBit | ID(cluster&0xf)<<8 | ID(core&0xf)
}

// Core returns affinity level 0.
func (id ID) Core() uint32 {
	return uint32(id) & 0xf
}

// Cluster returns affinity level 1.
func (id ID) Cluster() uint32 {
	return uint32(id) >> 8 & 0xf
}

// Target returns the byte addressing this core in companion commands:
// the cluster in the high nibble and the core in the low nibble.
func (id ID) Target() uint8 {
	return uint8(uint32(id)>>4 | uint32(id))
}

// String implements fmt.Stringer.
func (id ID) String() string {
	return fmt.Sprintf("cpu%d.%d", id.Cluster(), id.Core())
}

// Parse reads an identifier written as String does ("cpu1.2"), as
// "cluster.core" ("1.2"), or as a raw MPIDR value in any Go integer base.
func Parse(s string) (ID, error) {
	trimmed := strings.TrimPrefix(s, "cpu")

	if cluster, core, ok := strings.Cut(trimmed, "."); ok {
		cl, err := strconv.ParseUint(cluster, 10, 4)
		if err != nil {
			return 0, fmt.Errorf("invalid cluster in %q: %w", s, err)
		}

		co, err := strconv.ParseUint(core, 10, 4)
		if err != nil {
			return 0, fmt.Errorf("invalid core in %q: %w", s, err)
		}

		return New(uint32(cl), uint32(co)), nil
	}

	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid affinity %q: %w", s, err)
	}

	return ID(v), nil
}
