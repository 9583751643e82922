// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package scpi

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/siderolabs/psci-scpi/pkg/mmio"
)

// Wire layout, shared bit-for-bit with the companion firmware.
const (
	// MessageSize is the size of one message slot.
	MessageSize = 0x100
	// HeaderSize is the size of the message header.
	HeaderSize = 8
	// PayloadSize is the payload capacity of a message.
	PayloadSize = MessageSize - HeaderSize

	// RXOffset is the offset of the slot written by the companion.
	RXOffset = 0
	// TXOffset is the offset of the slot written by the application cores.
	TXOffset = MessageSize
	// RegionSize is the size of the shared memory region.
	RegionSize = 2 * MessageSize
)

const (
	commandOffset = 0
	senderOffset  = 1
	sizeOffset    = 2
	statusOffset  = 4
)

// ErrPayloadTooLarge is returned when a payload does not fit a message slot.
var ErrPayloadTooLarge = errors.New("payload exceeds message capacity")

// ErrShortMessage is returned when decoding fewer bytes than a header.
var ErrShortMessage = errors.New("message shorter than its header")

// Header is the fixed message header.
type Header struct {
	Command Command
	Sender  uint8
	Size    uint16
	Status  Status
}

// Message is a header and its payload; Payload holds Header.Size bytes.
type Message struct {
	Header
	Payload []byte
}

// MarshalBinary encodes the message as it is laid out in a slot, without the unused tail.
func (m Message) MarshalBinary() ([]byte, error) {
	if len(m.Payload) > PayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(m.Payload))
	}

	buf := make([]byte, HeaderSize, HeaderSize+len(m.Payload))
	buf[commandOffset] = uint8(m.Command)
	buf[senderOffset] = m.Sender
	binary.LittleEndian.PutUint16(buf[sizeOffset:], m.Size)
	binary.LittleEndian.PutUint32(buf[statusOffset:], uint32(m.Status))

	return append(buf, m.Payload...), nil
}

// UnmarshalBinary decodes a message; the payload is clamped to the slot capacity.
func (m *Message) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return ErrShortMessage
	}

	m.Command = Command(data[commandOffset])
	m.Sender = data[senderOffset]
	m.Size = binary.LittleEndian.Uint16(data[sizeOffset:])
	m.Status = Status(binary.LittleEndian.Uint32(data[statusOffset:]))

	size := min(int(m.Size), PayloadSize, len(data)-HeaderSize)
	m.Payload = append([]byte(nil), data[HeaderSize:HeaderSize+size]...)

	return nil
}

// Shmem is the shared memory region holding both message slots.
type Shmem struct {
	bus  mmio.Bus
	base uintptr
}

// NewShmem returns the region mapped at base.
func NewShmem(bus mmio.Bus, base uintptr) Shmem {
	return Shmem{bus: bus, base: base}
}

// PostRequest writes command and payload into the TX slot. Sender and status
// are left untouched; the companion ignores them on requests.
func (s Shmem) PostRequest(cmd Command, payload []byte) error {
	buf, err := Message{Header: Header{Command: cmd, Size: uint16(len(payload))}, Payload: payload}.MarshalBinary()
	if err != nil {
		return err
	}

	slot := s.base + TXOffset

	s.bus.Write8(slot+commandOffset, buf[commandOffset])
	s.bus.Write16(slot+sizeOffset, binary.LittleEndian.Uint16(buf[sizeOffset:]))
	s.write(slot+HeaderSize, buf[HeaderSize:])

	return nil
}

// Response reads the RX slot.
func (s Shmem) Response() Message {
	return s.read(s.base + RXOffset)
}

// Request reads the TX slot, as the companion does.
func (s Shmem) Request() Message {
	return s.read(s.base + TXOffset)
}

// PostResponse writes a complete message into the RX slot, as the companion does.
// The size field is taken from the payload.
func (s Shmem) PostResponse(m Message) error {
	m.Size = uint16(len(m.Payload))

	buf, err := m.MarshalBinary()
	if err != nil {
		return err
	}

	s.write(s.base+RXOffset, buf)

	return nil
}

func (s Shmem) write(addr uintptr, data []byte) {
	for i, b := range data {
		s.bus.Write8(addr+uintptr(i), b)
	}
}

func (s Shmem) read(slot uintptr) Message {
	buf := make([]byte, HeaderSize, MessageSize)

	binary.LittleEndian.PutUint32(buf[commandOffset:], s.bus.Read32(slot))
	binary.LittleEndian.PutUint32(buf[statusOffset:], s.bus.Read32(slot+statusOffset))

	size := min(int(binary.LittleEndian.Uint16(buf[sizeOffset:])), PayloadSize)

	for i := range size {
		buf = append(buf, s.bus.Read8(slot+HeaderSize+uintptr(i)))
	}

	var m Message

	// buf holds a whole header
	_ = m.UnmarshalBinary(buf)

	return m
}
