// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package mmio

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrReadOnly is the panic value for a write through a read-only physical window.
var ErrReadOnly = errors.New("write to read-only physical window")

// DevMem is a window of physical memory mapped through /dev/mem.
// It implements Device, so it can be attached to a Memory at its physical base.
type DevMem struct {
	file     *os.File
	mapping  []byte
	skew     uintptr // distance between the page-aligned mapping start and the requested base
	size     uintptr
	writable bool
}

// OpenDevMem maps [base, base+size) of the physical address space.
// The mapping has to be page aligned, so the window around it is mapped and
// accesses are shifted by the misalignment.
func OpenDevMem(base, size uintptr, writable bool) (*DevMem, error) {
	flags := os.O_RDONLY | os.O_SYNC
	prot := unix.PROT_READ

	if writable {
		flags = os.O_RDWR | os.O_SYNC
		prot |= unix.PROT_WRITE
	}

	f, err := os.OpenFile("/dev/mem", flags, 0)
	if err != nil {
		return nil, fmt.Errorf("error opening /dev/mem: %w", err)
	}

	pageMask := uintptr(os.Getpagesize() - 1)
	aligned := base &^ pageMask
	skew := base - aligned
	length := (skew + size + pageMask) &^ pageMask

	mapping, err := unix.Mmap(int(f.Fd()), int64(aligned), int(length), prot, unix.MAP_SHARED)
	if err != nil {
		f.Close() //nolint:errcheck

		return nil, fmt.Errorf("error mapping %#x+%#x: %w", base, size, err)
	}

	return &DevMem{
		file:     f,
		mapping:  mapping,
		skew:     skew,
		size:     size,
		writable: writable,
	}, nil
}

// Size returns the size of the window as requested.
func (d *DevMem) Size() uintptr {
	return d.size
}

func (d *DevMem) word(off uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(&d.mapping[d.skew+off]))
}

// Read32 implements Device.
func (d *DevMem) Read32(off uintptr) uint32 {
	return *d.word(off)
}

// Write32 implements Device.
func (d *DevMem) Write32(off uintptr, val uint32) {
	if !d.writable {
		panic(ErrReadOnly)
	}

	*d.word(off) = val
}

// Close unmaps the window.
func (d *DevMem) Close() error {
	err := unix.Munmap(d.mapping)

	if closeErr := d.file.Close(); err == nil {
		err = closeErr
	}

	return err
}
