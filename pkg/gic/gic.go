// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package gic accesses the GIC-400 interrupt controller registers the secure
// firmware has to restore after the system domain loses power.
package gic

import "github.com/siderolabs/psci-scpi/pkg/mmio"

// DefaultBase is the physical base of the GIC-400 block.
const DefaultBase uintptr = 0x01c80000

const (
	// DistributorOffset is the offset of the distributor within the block.
	DistributorOffset uintptr = 0x1000
	// CPUInterfaceOffset is the offset of the CPU interface within the block.
	CPUInterfaceOffset uintptr = 0x2000

	// DistributorSize is the size of the distributor register window.
	DistributorSize uintptr = 0x1000
	// CPUInterfaceSize is the size of the CPU interface register window.
	CPUInterfaceSize uintptr = 0x2000
)

// distributor registers
const (
	gicdCTLR    uintptr = 0x000
	gicdTYPER   uintptr = 0x004
	gicdIGROUPR uintptr = 0x080
)

// CPU interface registers
const (
	giccPMR uintptr = 0x004
)

const (
	// ctlrEnableGroups enables forwarding of both group 0 and group 1 interrupts.
	ctlrEnableGroups = 0x3
	typerITLinesMask = 0x1f

	// PriorityMaskAll lets interrupts of every priority through the CPU interface.
	PriorityMaskAll = 0xff
)

// Distributor is the shared interrupt distributor.
type Distributor struct {
	bus  mmio.Bus
	base uintptr
}

// NewDistributor returns the distributor of the GIC mapped at base.
func NewDistributor(bus mmio.Bus, base uintptr) *Distributor {
	return &Distributor{bus: bus, base: base + DistributorOffset}
}

// Enable turns on forwarding of both interrupt groups, keeping the other control bits.
func (d *Distributor) Enable() {
	d.bus.Write32(d.base+gicdCTLR, d.bus.Read32(d.base+gicdCTLR)|ctlrEnableGroups)
}

// Enabled reports whether both interrupt groups are forwarded.
func (d *Distributor) Enabled() bool {
	return d.bus.Read32(d.base+gicdCTLR)&ctlrEnableGroups == ctlrEnableGroups
}

// Lines returns the ITLinesNumber field: the number of implemented
// interrupts is 32*(Lines()+1).
func (d *Distributor) Lines() uint32 {
	return d.bus.Read32(d.base+gicdTYPER) & typerITLinesMask
}

// Group returns the group register covering interrupts 32*n to 32*n+31.
func (d *Distributor) Group(n uint32) uint32 {
	return d.bus.Read32(d.base + gicdIGROUPR + 4*uintptr(n))
}

// RestoreNonSecure enables the distributor and hands every shared interrupt
// to the non-secure world. Register 0 covers the banked per-core interrupts,
// which each core configures for itself, and is skipped.
func (d *Distributor) RestoreNonSecure() {
	d.Enable()

	lines := d.Lines()
	for n := uint32(1); n <= lines; n++ {
		d.bus.Write32(d.base+gicdIGROUPR+4*uintptr(n), 0xffffffff)
	}
}

// CPUInterface is the calling core's interrupt interface.
type CPUInterface struct {
	bus  mmio.Bus
	base uintptr
}

// NewCPUInterface returns the CPU interface of the GIC mapped at base.
func NewCPUInterface(bus mmio.Bus, base uintptr) *CPUInterface {
	return &CPUInterface{bus: bus, base: base + CPUInterfaceOffset}
}

// AllowAllPriorities opens the priority mask.
func (c *CPUInterface) AllowAllPriorities() {
	c.bus.Write32(c.base+giccPMR, PriorityMaskAll)
}

// PriorityMask returns the current priority mask.
func (c *CPUInterface) PriorityMask() uint32 {
	return c.bus.Read32(c.base + giccPMR)
}
