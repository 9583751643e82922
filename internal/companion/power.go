// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package companion

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/siderolabs/psci-scpi/pkg/affinity"
	"github.com/siderolabs/psci-scpi/pkg/scpi"
)

// Hooks connect the power controller to the simulated hardware.
type Hooks struct {
	// CoreOn is called when a core gains power.
	CoreOn func(id affinity.ID)
	// CoreOff is called when a core is allowed to lose power at its next WFI.
	CoreOff func(id affinity.ID)
	// CoreRetention is called when a core may enter retention at its next WFI.
	CoreRetention func(id affinity.ID)
	// SystemDomainOff is called when the whole core subsystem loses power.
	SystemDomainOff func()
	// System is called after SET_SYS_POWER_STATE was acknowledged.
	System func(state scpi.SystemState)
}

func (h Hooks) withDefaults() Hooks {
	if h.CoreOn == nil {
		h.CoreOn = func(affinity.ID) {}
	}

	if h.CoreOff == nil {
		h.CoreOff = func(affinity.ID) {}
	}

	if h.CoreRetention == nil {
		h.CoreRetention = func(affinity.ID) {}
	}

	if h.SystemDomainOff == nil {
		h.SystemDomainOff = func() {}
	}

	if h.System == nil {
		h.System = func(scpi.SystemState) {}
	}

	return h
}

// Topology is the shape of the application core complex.
type Topology struct {
	Clusters        int
	CoresPerCluster int
}

// PowerController keeps the power state of every core, cluster and of the
// core subsystem, and serves the power commands.
type PowerController struct {
	logger   *slog.Logger
	service  *Service
	hooks    Hooks
	topology Topology

	mu      sync.Mutex
	cores   [][]scpi.PowerState
	cluster []scpi.PowerState
	css     scpi.PowerState
}

// NewPowerController returns a controller where only core 0 of cluster 0 is powered.
func NewPowerController(logger *slog.Logger, service *Service, topology Topology, hooks Hooks) *PowerController {
	logger.Debug("initializing", "clusters", topology.Clusters, "cores_per_cluster", topology.CoresPerCluster)

	p := &PowerController{
		logger:   logger,
		service:  service,
		hooks:    hooks.withDefaults(),
		topology: topology,
		cores:    make([][]scpi.PowerState, topology.Clusters),
		cluster:  make([]scpi.PowerState, topology.Clusters),
	}

	for c := range p.cores {
		p.cores[c] = make([]scpi.PowerState, topology.CoresPerCluster)
		p.cluster[c] = scpi.PowerOff

		for i := range p.cores[c] {
			p.cores[c][i] = scpi.PowerOff
		}
	}

	p.cores[0][0] = scpi.PowerOn
	p.cluster[0] = scpi.PowerOn
	p.css = scpi.PowerOn

	return p
}

// Register registers the power commands into the service.
func (p *PowerController) Register() {
	p.logger.Debug("registering")
	p.service.RegisterNotificationHandler(scpi.CommandSetCSSPowerState, p.handleSetCSSPowerState)
	p.service.RegisterCommandHandler(scpi.CommandGetCSSPowerState, p.handleGetCSSPowerState)
	p.service.RegisterCommandHandler(scpi.CommandSetSysPowerState, p.handleSetSysPowerState)
}

var errBadTarget = errors.New("target outside the topology")

func (p *PowerController) decodeTarget(target uint8) (cluster, core int, err error) {
	cluster, core = int(target>>4), int(target&0xf)

	if cluster >= p.topology.Clusters || core >= p.topology.CoresPerCluster {
		return 0, 0, fmt.Errorf("%w: cluster %d core %d", errBadTarget, cluster, core)
	}

	return cluster, core, nil
}

// CoreState returns the power state of core id.
func (p *PowerController) CoreState(id affinity.ID) scpi.PowerState {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.cores[id.Cluster()][id.Core()]
}

// CSSState returns the power state of the core subsystem.
func (p *PowerController) CSSState() scpi.PowerState {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.css
}

func (p *PowerController) handleSetCSSPowerState(payload []byte) {
	if len(payload) < 3 {
		p.logger.Warn("short SET_CSS_POWER_STATE payload", "payload", payload)

		return
	}

	cluster, core, err := p.decodeTarget(payload[0])
	if err != nil {
		p.logger.Warn("ignoring power request", "err", err)

		return
	}

	coreState := scpi.PowerState(payload[1] & 0xf)
	clusterState := scpi.PowerState(payload[1] >> 4)
	cssState := scpi.PowerState(payload[2])

	if !coreState.Valid() || !clusterState.Valid() || !cssState.Valid() {
		p.logger.Warn("ignoring invalid power states", "core_state", coreState, "cluster_state", clusterState, "css_state", cssState)

		return
	}

	id := affinity.New(uint32(cluster), uint32(core))
	l := p.logger.With("target", id)

	if coreState == scpi.PowerOn {
		p.powerOn(l, cluster, core)

		return
	}

	p.mu.Lock()

	p.cores[cluster][core] = coreState

	// a shared domain goes no deeper than its shallowest member
	if clusterState != scpi.PowerOn && p.allCores(cluster, coreState) {
		p.cluster[cluster] = clusterState
	}

	systemDown := false

	if cssState != scpi.PowerOn && p.allClusters(cssState) {
		systemDown = cssState == scpi.PowerOff && p.css != scpi.PowerOff
		p.css = cssState
	}

	p.mu.Unlock()

	l.Debug("lowering power", "core_state", coreState, "cluster_state", clusterState, "css_state", cssState)

	// the domain is down before the last core can be woken again
	if systemDown {
		l.Info("core subsystem powered down")
		p.hooks.SystemDomainOff()
	}

	if coreState == scpi.PowerOff {
		p.hooks.CoreOff(id)
	} else {
		p.hooks.CoreRetention(id)
	}
}

// allCores reports whether every core of cluster is at least as deep as state.
func (p *PowerController) allCores(cluster int, state scpi.PowerState) bool {
	for _, s := range p.cores[cluster] {
		if s < state {
			return false
		}
	}

	return true
}

// allClusters reports whether every cluster is at least as deep as state.
func (p *PowerController) allClusters(state scpi.PowerState) bool {
	for _, s := range p.cluster {
		if s < state {
			return false
		}
	}

	return true
}

func (p *PowerController) powerOn(l *slog.Logger, cluster, core int) {
	p.mu.Lock()
	wasOff := p.cores[cluster][core] == scpi.PowerOff
	p.cores[cluster][core] = scpi.PowerOn
	p.cluster[cluster] = scpi.PowerOn
	p.css = scpi.PowerOn
	p.mu.Unlock()

	if !wasOff {
		l.Debug("core already powered")

		return
	}

	l.Debug("powering core on")
	p.hooks.CoreOn(affinity.New(uint32(cluster), uint32(core)))
}

// Wake powers core id back on, as a wake-up interrupt routed to the companion does.
func (p *PowerController) Wake(id affinity.ID) {
	p.powerOn(p.logger.With("target", id, "reason", "wake-up"), int(id.Cluster()), int(id.Core()))
}

func (p *PowerController) handleGetCSSPowerState([]byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	payload := make([]byte, 0, scpi.CSSPowerRecordSize*len(p.cores))

	for c, cores := range p.cores {
		var on uint8

		for i, s := range cores {
			if s != scpi.PowerOff {
				on |= 1 << i
			}
		}

		rec := scpi.EncodeCSSPowerRecord(scpi.CSSPowerState{
			Cluster:      uint8(c),
			ClusterState: p.cluster[c],
			CoresOn:      on,
		})
		payload = append(payload, rec[:]...)
	}

	return payload, nil
}

func (p *PowerController) handleSetSysPowerState(payload []byte) ([]byte, error) {
	if len(payload) < 1 {
		return nil, scpi.StatusSize
	}

	state := scpi.SystemState(payload[0])
	if state > scpi.SystemReset {
		return nil, scpi.StatusParam
	}

	p.logger.Info("system power state requested", "state", state)
	p.service.AfterReply(func() { p.hooks.System(state) })

	return nil, nil
}
