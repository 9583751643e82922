// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package scpi

import "fmt"

// Status is the result code the companion puts in a response header.
type Status uint32

// Status codes.
const (
	StatusOK Status = iota
	StatusParam
	StatusAlign
	StatusSize
	StatusHandler
	StatusAccess
	StatusRange
	StatusTimeout
	StatusNoMem
	StatusPowerState
	StatusSupport
	StatusDevice
	StatusBusy
	StatusOS
	StatusData
	StatusState
)

var statusNames = [...]string{
	StatusOK:         "success",
	StatusParam:      "invalid parameter",
	StatusAlign:      "misaligned parameter",
	StatusSize:       "invalid size",
	StatusHandler:    "invalid handler",
	StatusAccess:     "access denied",
	StatusRange:      "value out of range",
	StatusTimeout:    "timeout",
	StatusNoMem:      "out of memory",
	StatusPowerState: "invalid power state",
	StatusSupport:    "not supported",
	StatusDevice:     "device error",
	StatusBusy:       "busy",
	StatusOS:         "os error",
	StatusData:       "unexpected data",
	StatusState:      "invalid state",
}

// Error implements error.
func (s Status) Error() string {
	if int(s) < len(statusNames) {
		return "scpi: " + statusNames[s]
	}

	return fmt.Sprintf("scpi: status %d", uint32(s))
}

// Err returns nil for StatusOK and the status itself otherwise.
func (s Status) Err() error {
	if s == StatusOK {
		return nil
	}

	return s
}
