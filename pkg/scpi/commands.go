// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package scpi

// this file contains the typed power-management commands

import (
	"errors"

	"github.com/siderolabs/psci-scpi/pkg/affinity"
)

// ErrNoClusterEntry is returned when the power state report has no record for the queried cluster.
var ErrNoClusterEntry = errors.New("no power state record for cluster")

// CSSPowerRecordSize is the size of one cluster record in a GET_CSS_POWER_STATE response.
const CSSPowerRecordSize = 2

// CSSPowerState is the power state of one cluster and its cores, as reported by the companion.
type CSSPowerState struct {
	Cluster      uint8
	ClusterState PowerState
	// CoresOn has bit n set when core n of the cluster is powered.
	CoresOn uint8
}

// CoreOn reports whether core is powered.
func (s CSSPowerState) CoreOn(core uint32) bool {
	return s.CoresOn&(1<<core) != 0
}

// EncodeCSSPowerRecord packs one cluster record.
func EncodeCSSPowerRecord(s CSSPowerState) [CSSPowerRecordSize]byte {
	return [CSSPowerRecordSize]byte{uint8(s.ClusterState)<<4 | s.Cluster&0xf, s.CoresOn}
}

// SetCSSPowerStatePayload builds the request payload addressing target.
func SetCSSPowerStatePayload(target affinity.ID, core, cluster, css PowerState) []byte {
	return []byte{
		target.Target(),
		uint8(cluster)<<4 | uint8(core),
		uint8(css),
		0,
	}
}

// SetCSSPowerState asks the companion to move target's core, cluster and the
// system to the given states. The companion does not answer this command.
func (c *Channel) SetCSSPowerState(id, target affinity.ID, core, cluster, css PowerState) error {
	c.logger.Debug("setting css power state", "target", target, "core_state", core, "cluster_state", cluster, "css_state", css)

	return c.Post(id, CommandSetCSSPowerState, SetCSSPowerStatePayload(target, core, cluster, css))
}

// GetCSSPowerState returns the power state of target's cluster.
func (c *Channel) GetCSSPowerState(id, target affinity.ID) (CSSPowerState, error) {
	resp, err := c.Exchange(id, CommandGetCSSPowerState, nil)
	if err != nil {
		return CSSPowerState{}, err
	}

	if err = resp.Status.Err(); err != nil {
		return CSSPowerState{}, err
	}

	cluster := uint8(target.Cluster())

	for off := 0; off+CSSPowerRecordSize <= len(resp.Payload); off += CSSPowerRecordSize {
		if resp.Payload[off]&0xf == cluster {
			return CSSPowerState{
				Cluster:      cluster,
				ClusterState: PowerState(resp.Payload[off] >> 4),
				CoresOn:      resp.Payload[off+1],
			}, nil
		}
	}

	return CSSPowerState{}, ErrNoClusterEntry
}

// SetSysPowerState asks the companion to shut down, reboot or reset the system.
func (c *Channel) SetSysPowerState(id affinity.ID, state SystemState) error {
	c.logger.Debug("setting system power state", "state", state)

	resp, err := c.Exchange(id, CommandSetSysPowerState, []byte{uint8(state)})
	if err != nil {
		return err
	}

	return resp.Status.Err()
}
