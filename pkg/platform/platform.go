// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package platform describes the SoC layouts the firmware runs on: where the
// shared memory, message box and interrupt controller live, and how the
// secondary-core wake-up entry point is programmed.
package platform

import (
	"errors"
	"fmt"
	"slices"

	"github.com/siderolabs/psci-scpi/pkg/gic"
	"github.com/siderolabs/psci-scpi/pkg/mmio"
	"github.com/siderolabs/psci-scpi/pkg/msgbox"
	"github.com/siderolabs/psci-scpi/pkg/scpi"
)

// ErrUnknownPlatform is returned by Lookup for a name with no layout.
var ErrUnknownPlatform = errors.New("unknown platform")

// EntryKind selects the register holding the secondary-core entry point.
type EntryKind int

const (
	// EntryCPUCFG writes the entry point to the CPU configuration block's private register.
	EntryCPUCFG EntryKind = iota
	// EntryCPUCFGResumeShim additionally redirects the boot core through the resume shim.
	EntryCPUCFGResumeShim
	// EntrySRAMC writes the entry point to the SRAM controller's soft entry register.
	EntrySRAMC
)

func (k EntryKind) String() string {
	switch k {
	case EntryCPUCFG:
		return "cpucfg"
	case EntryCPUCFGResumeShim:
		return "cpucfg+resume-shim"
	case EntrySRAMC:
		return "sramc"
	}

	return fmt.Sprintf("entry(%d)", int(k))
}

// Register block bases and offsets.
const (
	CPUCFGBase uintptr = 0x01f01c00
	CPUCFGSize uintptr = 0x400

	SuperStandbyFlagOffset uintptr = 0x1a0
	Priv0Offset            uintptr = 0x1a4
	Priv1Offset            uintptr = 0x1a8

	SRAMCBase uintptr = 0x01c00000
	SRAMCSize uintptr = 0x100

	SoftEntryOffset uintptr = 0xbc
)

// The super-standby flag is unlocked by writing these two words in order.
const (
	superStandbyKey0 = 0x16aaefe8
	superStandbyKey1 = 0xaa16efe8
)

// Layout is the memory map of one SoC family.
type Layout struct {
	Name string `yaml:"name"`

	ShmemBase  uintptr `yaml:"shmem_base"`
	MsgboxBase uintptr `yaml:"msgbox_base"`
	GICBase    uintptr `yaml:"gic_base"`

	Entry EntryKind `yaml:"-"`
	// ResumeBase is the resume shim the boot core is redirected to, for EntryCPUCFGResumeShim.
	ResumeBase uintptr `yaml:"resume_base,omitempty"`

	Clusters        int `yaml:"clusters"`
	CoresPerCluster int `yaml:"cores_per_cluster"`
}

var layouts = map[string]Layout{
	"sun8i": {
		Name:            "sun8i",
		ShmemBase:       0x00053e00,
		MsgboxBase:      msgbox.DefaultBase,
		GICBase:         gic.DefaultBase,
		Entry:           EntryCPUCFG,
		Clusters:        1,
		CoresPerCluster: 4,
	},
	"sun8i-a83t": {
		Name:            "sun8i-a83t",
		ShmemBase:       0x00053e00,
		MsgboxBase:      msgbox.DefaultBase,
		GICBase:         gic.DefaultBase,
		Entry:           EntryCPUCFG,
		Clusters:        2,
		CoresPerCluster: 4,
	},
	"sun8i-h3": {
		Name:            "sun8i-h3",
		ShmemBase:       0x0004be00,
		MsgboxBase:      msgbox.DefaultBase,
		GICBase:         gic.DefaultBase,
		Entry:           EntryCPUCFGResumeShim,
		ResumeBase:      0x00040000,
		Clusters:        1,
		CoresPerCluster: 4,
	},
	"sun8i-r40": {
		Name:            "sun8i-r40",
		ShmemBase:       0x00053e00,
		MsgboxBase:      msgbox.DefaultBase,
		GICBase:         gic.DefaultBase,
		Entry:           EntrySRAMC,
		Clusters:        1,
		CoresPerCluster: 4,
	},
}

// Default is the layout used when none is configured.
const Default = "sun8i"

// Lookup returns the layout called name.
func Lookup(name string) (Layout, error) {
	l, ok := layouts[name]
	if !ok {
		return Layout{}, fmt.Errorf("%w %q, known: %v", ErrUnknownPlatform, name, Names())
	}

	return l, nil
}

// Names returns the known layout names, sorted.
func Names() []string {
	names := make([]string, 0, len(layouts))
	for name := range layouts {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// Cores returns the number of application cores.
func (l Layout) Cores() int {
	return l.Clusters * l.CoresPerCluster
}

// EntryRegister returns the physical address the entry point is written to.
func (l Layout) EntryRegister() uintptr {
	if l.Entry == EntrySRAMC {
		return SRAMCBase + SoftEntryOffset
	}

	return CPUCFGBase + Priv0Offset
}

// SetEntryAddress programs the address secondary cores start executing at
// when the companion releases them from reset.
func (l Layout) SetEntryAddress(bus mmio.Bus, entry uint32) {
	bus.Write32(l.EntryRegister(), entry)

	if l.Entry == EntryCPUCFGResumeShim {
		bus.Write32(CPUCFGBase+SuperStandbyFlagOffset, superStandbyKey0)
		bus.Write32(CPUCFGBase+SuperStandbyFlagOffset, superStandbyKey1)
		bus.Write32(CPUCFGBase+Priv1Offset, uint32(l.ResumeBase))
	}
}

// Window is a physical register or memory range the firmware touches.
type Window struct {
	Name string
	Base uintptr
	Size uintptr
}

// Windows returns every range the firmware accesses on this layout.
func (l Layout) Windows() []Window {
	windows := []Window{
		{Name: "shmem", Base: l.ShmemBase, Size: scpi.RegionSize},
		{Name: "msgbox", Base: l.MsgboxBase, Size: msgbox.Size},
		{Name: "gicd", Base: l.GICBase + gic.DistributorOffset, Size: gic.DistributorSize},
		{Name: "gicc", Base: l.GICBase + gic.CPUInterfaceOffset, Size: gic.CPUInterfaceSize},
	}

	if l.Entry == EntrySRAMC {
		return append(windows, Window{Name: "sramc", Base: SRAMCBase, Size: SRAMCSize})
	}

	return append(windows, Window{Name: "cpucfg", Base: CPUCFGBase, Size: CPUCFGSize})
}
