// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package mmio models the physical address space seen by the secure firmware:
// device registers and uncached shared memory, accessed with explicit widths.
//
// A Memory routes accesses to the Device mapped at the address. Devices only
// have to implement aligned 32-bit accesses; narrower accesses are carried out
// as read-modify-write of the containing word unless the device implements
// them natively.
package mmio

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnmapped is the panic value for an access outside of every mapped region (a bus fault).
var ErrUnmapped = errors.New("access to unmapped physical address")

// ErrOverlap is returned when mapping a region over an existing one.
var ErrOverlap = errors.New("region overlaps an existing mapping")

// Bus is the access interface used by the firmware components.
type Bus interface {
	Read8(addr uintptr) uint8
	Write8(addr uintptr, val uint8)
	Read16(addr uintptr) uint16
	Write16(addr uintptr, val uint16)
	Read32(addr uintptr) uint32
	Write32(addr uintptr, val uint32)
}

// Device is a register block or memory window. Offsets are relative to the
// start of the mapping and 4-byte aligned.
type Device interface {
	Read32(off uintptr) uint32
	Write32(off uintptr, val uint32)
}

// narrowDevice is implemented by devices that support 8 and 16-bit accesses natively.
type narrowDevice interface {
	Read8(off uintptr) uint8
	Write8(off uintptr, val uint8)
	Read16(off uintptr) uint16
	Write16(off uintptr, val uint16)
}

type region struct {
	dev  Device
	base uintptr
	size uintptr
}

func (r region) contains(addr uintptr, width uintptr) bool {
	return addr >= r.base && addr+width <= r.base+r.size
}

// Memory is a physical address space made of mapped devices.
type Memory struct {
	mu      sync.RWMutex
	regions []region
}

// NewMemory returns an empty address space.
func NewMemory() *Memory {
	return &Memory{}
}

// Map attaches dev at [base, base+size).
func (m *Memory) Map(base, size uintptr, dev Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.regions {
		if base < r.base+r.size && r.base < base+size {
			return fmt.Errorf("%w: %#x+%#x and %#x+%#x", ErrOverlap, base, size, r.base, r.size)
		}
	}

	m.regions = append(m.regions, region{base: base, size: size, dev: dev})
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].base < m.regions[j].base })

	return nil
}

func (m *Memory) lookup(addr, width uintptr) region {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].base+m.regions[i].size > addr })
	if i < len(m.regions) && m.regions[i].contains(addr, width) {
		return m.regions[i]
	}

	panic(fmt.Errorf("%w: %#x (width %d)", ErrUnmapped, addr, width))
}

// Read32 implements Bus.
func (m *Memory) Read32(addr uintptr) uint32 {
	r := m.lookup(addr, 4)

	return r.dev.Read32(addr - r.base)
}

// Write32 implements Bus.
func (m *Memory) Write32(addr uintptr, val uint32) {
	r := m.lookup(addr, 4)
	r.dev.Write32(addr-r.base, val)
}

// Read16 implements Bus.
func (m *Memory) Read16(addr uintptr) uint16 {
	r := m.lookup(addr, 2)
	off := addr - r.base

	if nd, ok := r.dev.(narrowDevice); ok {
		return nd.Read16(off)
	}

	word := r.dev.Read32(off &^ 3)

	return uint16(word >> ((off & 3) * 8))
}

// Write16 implements Bus.
func (m *Memory) Write16(addr uintptr, val uint16) {
	r := m.lookup(addr, 2)
	off := addr - r.base

	if nd, ok := r.dev.(narrowDevice); ok {
		nd.Write16(off, val)

		return
	}

	shift := (off & 3) * 8
	word := r.dev.Read32(off &^ 3)
	word = word&^(0xffff<<shift) | uint32(val)<<shift
	r.dev.Write32(off&^3, word)
}

// Read8 implements Bus.
func (m *Memory) Read8(addr uintptr) uint8 {
	r := m.lookup(addr, 1)
	off := addr - r.base

	if nd, ok := r.dev.(narrowDevice); ok {
		return nd.Read8(off)
	}

	word := r.dev.Read32(off &^ 3)

	return uint8(word >> ((off & 3) * 8))
}

// Write8 implements Bus.
func (m *Memory) Write8(addr uintptr, val uint8) {
	r := m.lookup(addr, 1)
	off := addr - r.base

	if nd, ok := r.dev.(narrowDevice); ok {
		nd.Write8(off, val)

		return
	}

	shift := (off & 3) * 8
	word := r.dev.Read32(off &^ 3)
	word = word&^(0xff<<shift) | uint32(val)<<shift
	r.dev.Write32(off&^3, word)
}
