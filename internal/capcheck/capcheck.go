// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package capcheck tells whether the process may map physical memory.
package capcheck

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const procStatus = "/proc/self/status"

// ErrMissingCapability is returned by Require.
var ErrMissingCapability = errors.New("missing capability")

// HasCapability reports whether capabilityBit is in the effective set of the process.
func HasCapability(capabilityBit int8) (bool, error) {
	status, err := os.ReadFile(procStatus)
	if err != nil {
		return false, fmt.Errorf("error reading %s: %w", procStatus, err)
	}

	return effective(string(status), capabilityBit)
}

// effective parses the CapEff line of a /proc/<pid>/status document.
func effective(status string, capabilityBit int8) (bool, error) {
	for _, line := range strings.Split(status, "\n") {
		if !strings.HasPrefix(line, "CapEff:") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 2 {
			return false, fmt.Errorf("invalid CapEff line %q", line)
		}

		val, err := strconv.ParseUint(parts[1], 16, 64)
		if err != nil {
			return false, fmt.Errorf("error parsing CapEff value: %w", err)
		}

		return val&(1<<capabilityBit) != 0, nil
	}

	return false, errors.New("CapEff line not found")
}

// Require fails with ErrMissingCapability unless capabilityBit is effective.
func Require(capabilityBit int8) error {
	ok, err := HasCapability(capabilityBit)
	if err != nil {
		return err
	}

	if !ok {
		name, known := capabilityNames[capabilityBit]
		if !known {
			name = "capability " + strconv.Itoa(int(capabilityBit))
		}

		return fmt.Errorf("%w %s", ErrMissingCapability, name)
	}

	return nil
}
