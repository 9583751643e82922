// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package psci

import (
	"fmt"
	"strconv"

	"github.com/siderolabs/psci-scpi/internal/util"
)

// FunctionID identifies a call in the SMC32 calling convention.
type FunctionID uint32

// Function identifiers implemented by the coordinator.
const (
	FnVersion           FunctionID = 0x84000000
	FnCPUSuspend        FunctionID = 0x84000001
	FnCPUOff            FunctionID = 0x84000002
	FnCPUOn             FunctionID = 0x84000003
	FnAffinityInfo      FunctionID = 0x84000004
	FnSystemOff         FunctionID = 0x84000008
	FnSystemReset       FunctionID = 0x84000009
	FnFeatures          FunctionID = 0x8400000a
	FnCPUDefaultSuspend FunctionID = 0x8400000c
	FnNodeHWState       FunctionID = 0x8400000d
	FnSystemSuspend     FunctionID = 0x8400000e
	FnSystemReset2      FunctionID = 0x84000012
)

var functionNames = map[FunctionID]string{
	FnVersion:           "PSCI_VERSION",
	FnCPUSuspend:        "CPU_SUSPEND",
	FnCPUOff:            "CPU_OFF",
	FnCPUOn:             "CPU_ON",
	FnAffinityInfo:      "AFFINITY_INFO",
	FnSystemOff:         "SYSTEM_OFF",
	FnSystemReset:       "SYSTEM_RESET",
	FnFeatures:          "PSCI_FEATURES",
	FnCPUDefaultSuspend: "CPU_DEFAULT_SUSPEND",
	FnNodeHWState:       "NODE_HW_STATE",
	FnSystemSuspend:     "SYSTEM_SUSPEND",
	FnSystemReset2:      "SYSTEM_RESET2",
}

func (f FunctionID) String() string {
	if name, ok := functionNames[f]; ok {
		return name
	}

	return util.Hex(uint32(f))
}

// ParseFunction accepts a function name (case as printed by String) or a numeric identifier.
func ParseFunction(s string) (FunctionID, error) {
	for id, name := range functionNames {
		if name == s {
			return id, nil
		}
	}

	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("unknown function %q", s)
	}

	return FunctionID(v), nil
}

// Functions returns every implemented identifier in ascending order.
func Functions() []FunctionID {
	return []FunctionID{
		FnVersion,
		FnCPUSuspend,
		FnCPUOff,
		FnCPUOn,
		FnAffinityInfo,
		FnSystemOff,
		FnSystemReset,
		FnFeatures,
		FnCPUDefaultSuspend,
		FnNodeHWState,
		FnSystemSuspend,
		FnSystemReset2,
	}
}

// Result is a call's return code.
type Result int32

// Return codes.
const (
	Success           Result = 0
	NotSupported      Result = -1
	InvalidParameters Result = -2
	InternalFailure   Result = -6
)

func (r Result) String() string {
	switch r {
	case Success:
		return "SUCCESS"
	case NotSupported:
		return "NOT_SUPPORTED"
	case InvalidParameters:
		return "INVALID_PARAMETERS"
	case InternalFailure:
		return "INTERNAL_FAILURE"
	}

	return fmt.Sprintf("result(%d)", int32(r))
}

// HWState is the NODE_HW_STATE answer for a powered node.
type HWState int32

// Hardware states.
const (
	HWOn      HWState = 0
	HWOff     HWState = 1
	HWStandby HWState = 2
)

func (s HWState) String() string {
	switch s {
	case HWOn:
		return "ON"
	case HWOff:
		return "OFF"
	case HWStandby:
		return "STANDBY"
	}

	return fmt.Sprintf("hwstate(%d)", int32(s))
}

// PowerLevel is a level of the power domain topology.
type PowerLevel uint32

// Power levels.
const (
	LevelCore    PowerLevel = 0
	LevelCluster PowerLevel = 1
	LevelSystem  PowerLevel = 2
)

// Version is the implemented interface version, 1.1.
const Version uint32 = 1<<16 | 1

// Reset types accepted by SYSTEM_RESET2.
const (
	ResetWarm uint32 = 0
)
