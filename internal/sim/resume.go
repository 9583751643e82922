// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package sim

import (
	"sync"

	"github.com/siderolabs/psci-scpi/pkg/affinity"
)

type resumePoint struct {
	pc      uint32
	context uint32
}

// ResumeTable keeps the non-secure address and context argument every core
// resumes at when it regains power.
type ResumeTable struct {
	mu     sync.Mutex
	points map[affinity.ID]resumePoint
}

// NewResumeTable returns an empty table.
func NewResumeTable() *ResumeTable {
	return &ResumeTable{points: make(map[affinity.ID]resumePoint)}
}

// Save implements psci.ResumeRecorder.
func (t *ResumeTable) Save(core affinity.ID, pc, context uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.points[core] = resumePoint{pc: pc, context: context}
}

// Load returns the resume point of core; zero when none was saved.
func (t *ResumeTable) Load(core affinity.ID) (pc, context uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.points[core]

	return p.pc, p.context
}
