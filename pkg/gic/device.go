// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package gic

import "sync"

// maxGroupRegisters covers the largest ITLinesNumber encoding.
const maxGroupRegisters = typerITLinesMask + 1

// DistributorDevice models the distributor registers touched by the firmware.
// Everything else reads as zero and ignores writes.
type DistributorDevice struct {
	mu      sync.Mutex
	ctlr    uint32
	lines   uint32
	igroupr [maxGroupRegisters]uint32
}

// NewDistributorDevice returns a distributor implementing 32*(lines+1) interrupts.
func NewDistributorDevice(lines uint32) *DistributorDevice {
	return &DistributorDevice{lines: lines & typerITLinesMask}
}

// PowerDown loses the whole configuration, as a system domain power cycle does.
func (d *DistributorDevice) PowerDown() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ctlr = 0
	d.igroupr = [maxGroupRegisters]uint32{}
}

// Read32 implements mmio.Device.
func (d *DistributorDevice) Read32(off uintptr) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case off == gicdCTLR:
		return d.ctlr
	case off == gicdTYPER:
		return d.lines
	case off >= gicdIGROUPR && off < gicdIGROUPR+4*maxGroupRegisters:
		n := (off - gicdIGROUPR) / 4
		if uint32(n) > d.lines {
			return 0
		}

		return d.igroupr[n]
	}

	return 0
}

// Write32 implements mmio.Device.
func (d *DistributorDevice) Write32(off uintptr, val uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case off == gicdCTLR:
		d.ctlr = val & ctlrEnableGroups
	case off >= gicdIGROUPR && off < gicdIGROUPR+4*maxGroupRegisters:
		n := (off - gicdIGROUPR) / 4
		if uint32(n) <= d.lines {
			d.igroupr[n] = val
		}
	}
}

// CPUInterfaceDevice models the banked CPU interface of one core.
type CPUInterfaceDevice struct {
	mu  sync.Mutex
	pmr uint32
}

// Read32 implements mmio.Device.
func (c *CPUInterfaceDevice) Read32(off uintptr) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if off == giccPMR {
		return c.pmr
	}

	return 0
}

// Write32 implements mmio.Device.
func (c *CPUInterfaceDevice) Write32(off uintptr, val uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if off == giccPMR {
		c.pmr = val & PriorityMaskAll
	}
}
