// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package mmio

import (
	"encoding/binary"
	"sync"
)

// RAM is a plain little-endian memory window, e.g. the SRAM holding the
// shared mailbox, or a register block with no side effects.
type RAM struct {
	mu   sync.Mutex
	data []byte
}

// NewRAM allocates a zeroed window of size bytes.
func NewRAM(size uintptr) *RAM {
	return &RAM{data: make([]byte, size)}
}

// Read32 implements Device.
func (r *RAM) Read32(off uintptr) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return binary.LittleEndian.Uint32(r.data[off:])
}

// Write32 implements Device.
func (r *RAM) Write32(off uintptr, val uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	binary.LittleEndian.PutUint32(r.data[off:], val)
}

// Read16 reads a half-word.
func (r *RAM) Read16(off uintptr) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return binary.LittleEndian.Uint16(r.data[off:])
}

// Write16 writes a half-word.
func (r *RAM) Write16(off uintptr, val uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	binary.LittleEndian.PutUint16(r.data[off:], val)
}

// Read8 reads a byte.
func (r *RAM) Read8(off uintptr) uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.data[off]
}

// Write8 writes a byte.
func (r *RAM) Write8(off uintptr, val uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data[off] = val
}
