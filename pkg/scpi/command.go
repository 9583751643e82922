// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package scpi

import "fmt"

// Command is a message opcode.
type Command uint8

// Commands understood by the companion.
const (
	CommandSCPReady         Command = 0x01
	CommandSetCSSPowerState Command = 0x03
	CommandGetCSSPowerState Command = 0x04
	CommandSetSysPowerState Command = 0x05
)

var commandNames = map[Command]string{
	CommandSCPReady:         "SCP_READY",
	CommandSetCSSPowerState: "SET_CSS_POWER_STATE",
	CommandGetCSSPowerState: "GET_CSS_POWER_STATE",
	CommandSetSysPowerState: "SET_SYS_POWER_STATE",
}

// String implements fmt.Stringer.
func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}

	return fmt.Sprintf("CMD_%#02x", uint8(c))
}

// PowerState is the target or observed state of a core, a cluster or the
// whole system. The value 2 is reserved by the protocol.
type PowerState uint8

// Power states.
const (
	PowerOn        PowerState = 0x00
	PowerRetention PowerState = 0x01
	PowerOff       PowerState = 0x03
)

// Valid reports whether s is one of the defined states.
func (s PowerState) Valid() bool {
	return s == PowerOn || s == PowerRetention || s == PowerOff
}

// String implements fmt.Stringer.
func (s PowerState) String() string {
	switch s {
	case PowerOn:
		return "on"
	case PowerRetention:
		return "retention"
	case PowerOff:
		return "off"
	}

	return fmt.Sprintf("reserved(%d)", uint8(s))
}

// SystemState is the argument of SET_SYS_POWER_STATE.
type SystemState uint8

// System states.
const (
	SystemShutdown SystemState = 0x00
	SystemReboot   SystemState = 0x01
	SystemReset    SystemState = 0x02
)

// String implements fmt.Stringer.
func (s SystemState) String() string {
	switch s {
	case SystemShutdown:
		return "shutdown"
	case SystemReboot:
		return "reboot"
	case SystemReset:
		return "reset"
	}

	return fmt.Sprintf("unknown(%d)", uint8(s))
}
