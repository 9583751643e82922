// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package msgbox

import "sync"

// Device is a behavioral model of the message box hardware, to be mapped into
// an mmio.Memory. Channel n is received by Companion when n is even and by
// Application when n is odd.
type Device struct {
	mu      sync.Mutex
	fifos   [Channels][]uint32
	pending [2]uint32
	rings   [Channels]uint64
}

// NewDevice returns a message box with every channel empty.
func NewDevice() *Device {
	return &Device{}
}

// Receiver returns the user receiving channel n.
func Receiver(n int) User {
	if n%2 == 0 {
		return Companion
	}

	return Application
}

// Rings returns the number of words ever written to channel n.
func (d *Device) Rings(n int) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.rings[n]
}

// Read32 implements mmio.Device.
func (d *Device) Read32(off uintptr) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case off == user0IRQStatOffset:
		return d.pending[Companion]
	case off == user1IRQStatOffset:
		return d.pending[Application]
	case off >= msgStatOffset && off < msgStatOffset+4*Channels:
		return uint32(len(d.fifos[(off-msgStatOffset)/4]))
	case off >= msgDataOffset && off < msgDataOffset+4*Channels:
		n := (off - msgDataOffset) / 4
		if len(d.fifos[n]) == 0 {
			return 0
		}

		word := d.fifos[n][0]
		d.fifos[n] = d.fifos[n][1:]

		return word
	}

	return 0
}

// Write32 implements mmio.Device.
func (d *Device) Write32(off uintptr, val uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case off == user0IRQStatOffset:
		d.acknowledge(Companion, val)
	case off == user1IRQStatOffset:
		d.acknowledge(Application, val)
	case off >= msgDataOffset && off < msgDataOffset+4*Channels:
		n := int((off - msgDataOffset) / 4)
		if len(d.fifos[n]) == FIFODepth {
			// a full FIFO drops the word, as the hardware does
			return
		}

		d.fifos[n] = append(d.fifos[n], val)
		d.rings[n]++
		d.pending[Receiver(n)] |= RxIRQ(n)
	}
}

// acknowledge clears the bits of mask for user; a channel that still holds
// words for the user raises its bit again.
func (d *Device) acknowledge(user User, mask uint32) {
	d.pending[user] &^= mask

	for n := range Channels {
		if Receiver(n) == user && len(d.fifos[n]) != 0 {
			d.pending[user] |= RxIRQ(n)
		}
	}
}
