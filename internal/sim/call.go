// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package sim

import (
	"context"

	"github.com/siderolabs/psci-scpi/internal/companion"
	"github.com/siderolabs/psci-scpi/pkg/psci"
)

// CallResult is the outcome of a single call made on a fresh machine.
type CallResult struct {
	Function string    `yaml:"function"`
	Args     psci.Args `yaml:"args,flow"`

	// Returned is false when the call did not return to the caller.
	Returned bool   `yaml:"returned"`
	Value    uint32 `yaml:"value"`
	Result   string `yaml:"result,omitempty"`

	PowerLost bool   `yaml:"power_lost,omitempty"`
	System    string `yaml:"system,omitempty"`

	Trace []companion.Event `yaml:"trace"`
}

// Call boots the machine with the boot core making the single call fid and
// records the companion traffic it caused.
func (m *Machine) Call(ctx context.Context, fid psci.FunctionID, args psci.Args) (*CallResult, error) {
	res := &CallResult{Function: fid.String(), Args: args}

	m.single = true
	m.programs[pcSingleCall] = func(c *Core, _ uint32) {
		// the boot handshake is done by now
		m.service.EnableTrace()

		ret := m.call(c, fid, args[:]...)

		m.mu.Lock()
		res.Returned = true
		res.Value = ret
		res.Result = describe(fid, ret)
		m.mu.Unlock()

		m.stop()
	}

	if err := m.start(ctx, pcSingleCall, 0); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	res.PowerLost = m.powerLost
	res.System = m.final
	res.Trace = m.service.Trace()

	return res, m.errs.ErrorOrNil()
}
