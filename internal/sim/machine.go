// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package sim runs the power coordination firmware on a simulated SoC: the
// application cores are goroutines, the companion processor is served by
// package companion, and every register window lives on an mmio.Memory.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/siderolabs/psci-scpi/internal/companion"
	"github.com/siderolabs/psci-scpi/internal/util"
	"github.com/siderolabs/psci-scpi/pkg/affinity"
	"github.com/siderolabs/psci-scpi/pkg/gic"
	"github.com/siderolabs/psci-scpi/pkg/mmio"
	"github.com/siderolabs/psci-scpi/pkg/msgbox"
	"github.com/siderolabs/psci-scpi/pkg/platform"
	"github.com/siderolabs/psci-scpi/pkg/psci"
	"github.com/siderolabs/psci-scpi/pkg/scpi"
)

// SecondaryEntry is the secure entry point programmed for cores released from reset.
const SecondaryEntry uint32 = 0x00044000

// ErrAlreadyRan is returned when a machine is started twice.
var ErrAlreadyRan = errors.New("machine already ran")

// ErrTopology is returned for a core complex the companion commands cannot address.
var ErrTopology = errors.New("unsupported topology")

// GET_CSS_POWER_STATE carries one byte of core bits per cluster, and a
// target byte holds the cluster in a nibble.
const (
	maxClusters        = 16
	maxCoresPerCluster = 8
)

// Config shapes a simulation run.
type Config struct {
	Platform string             `yaml:"platform"`
	Lock     scpi.LockAlgorithm `yaml:"lock"`

	// Clusters and CoresPerCluster override the layout's topology when set.
	Clusters        int `yaml:"clusters,omitempty"`
	CoresPerCluster int `yaml:"cores_per_cluster,omitempty"`

	// Iterations is the number of calls every core's workload makes.
	Iterations int    `yaml:"iterations"`
	Seed       uint64 `yaml:"seed"`
	// Reset ends the run with SYSTEM_RESET instead of SYSTEM_OFF.
	Reset bool `yaml:"reset"`

	// SpinLimit bounds every busy-wait; zero spins forever.
	SpinLimit        int           `yaml:"spin_limit"`
	CompanionLatency time.Duration `yaml:"companion_latency"`
	// WakeDelay is how long a powered-down suspended core stays off.
	WakeDelay time.Duration `yaml:"wake_delay"`
	// TimerInterrupt is the period of the timer waking cores from WFI; zero disables it.
	TimerInterrupt time.Duration `yaml:"timer_interrupt"`
	// InterruptLines is the ITLinesNumber field of the simulated distributor.
	InterruptLines uint32 `yaml:"interrupt_lines"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Platform:       platform.Default,
		Lock:           scpi.LockCAS,
		Iterations:     32,
		Seed:           1,
		SpinLimit:      1 << 22,
		WakeDelay:      50 * time.Microsecond,
		TimerInterrupt: 50 * time.Millisecond,
		InterruptLines: 4,
	}
}

type program func(c *Core, context uint32)

// Machine is one simulated SoC.
type Machine struct {
	logger *slog.Logger
	cfg    Config
	layout platform.Layout

	mem  *mmio.Memory
	mbox *msgbox.Device
	gicd *gic.DistributorDevice

	lockWord    scpi.LockWord
	channel     *scpi.Channel
	recovery    *psci.Recovery
	coordinator *psci.Coordinator
	dispatcher  *psci.Dispatcher
	resume      *ResumeTable

	service *companion.Service
	power   *companion.PowerController

	cores    map[affinity.ID]*Core
	order    []*Core
	programs map[uint32]program

	halt     chan struct{}
	haltOnce sync.Once
	started  atomic.Bool

	domainLosses atomic.Uint64

	// single stops the machine as soon as the calling core loses power
	single bool

	mu        sync.Mutex
	errs      *multierror.Error
	final     string
	calls     map[psci.FunctionID]uint64
	results   map[string]uint64
	powerLost bool
}

// New builds a machine from cfg.
func New(logger *slog.Logger, cfg Config) (*Machine, error) {
	layout, err := platform.Lookup(cfg.Platform)
	if err != nil {
		return nil, err
	}

	if cfg.Clusters > 0 {
		layout.Clusters = cfg.Clusters
	}

	if cfg.CoresPerCluster > 0 {
		layout.CoresPerCluster = cfg.CoresPerCluster
	}

	if layout.Clusters > maxClusters || layout.CoresPerCluster > maxCoresPerCluster {
		return nil, fmt.Errorf("%w: %d clusters of %d cores", ErrTopology, layout.Clusters, layout.CoresPerCluster)
	}

	m := &Machine{
		logger:   logger,
		cfg:      cfg,
		layout:   layout,
		mem:      mmio.NewMemory(),
		mbox:     msgbox.NewDevice(),
		gicd:     gic.NewDistributorDevice(cfg.InterruptLines),
		resume:   NewResumeTable(),
		cores:    make(map[affinity.ID]*Core, layout.Cores()),
		programs: make(map[uint32]program),
		halt:     make(chan struct{}),
		calls:    make(map[psci.FunctionID]uint64),
		results:  make(map[string]uint64),
	}

	for _, w := range layout.Windows() {
		var dev mmio.Device

		switch w.Name {
		case "msgbox":
			dev = m.mbox
		case "gicd":
			dev = m.gicd
		case "gicc":
			dev = &gic.CPUInterfaceDevice{}
		default:
			dev = mmio.NewRAM(w.Size)
		}

		if err = m.mem.Map(w.Base, w.Size, dev); err != nil {
			return nil, fmt.Errorf("error mapping %s: %w", w.Name, err)
		}

		util.TraceLog(logger, "mapped window", "name", w.Name, "base", util.Hex(w.Base), "size", w.Size)
	}

	// the firmware found the distributor configured by the boot loader
	gic.NewDistributor(m.mem, layout.GICBase).RestoreNonSecure()

	wait := scpi.WaitPolicy{Relax: m.relax, Limit: cfg.SpinLimit}

	lock, err := scpi.NewLock(cfg.Lock, &m.lockWord, wait, runtime.Gosched)
	if err != nil {
		return nil, err
	}

	shmem := scpi.NewShmem(m.mem, layout.ShmemBase)

	m.channel = scpi.NewChannel(logger.With("module", "scpi"), shmem, msgbox.New(m.mem, layout.MsgboxBase, msgbox.Application), lock, wait)
	m.recovery = psci.NewRecovery(logger.With("module", "recovery"), m.mem, layout, m.channel, SecondaryEntry, wait)
	m.coordinator = psci.NewCoordinator(logger.With("module", "psci"), m.channel, m.resume, m.recovery)
	m.dispatcher = psci.NewDispatcher(logger.With("module", "dispatcher"), m.coordinator)

	m.service = companion.NewService(logger.With("module", "companion"), shmem, msgbox.New(m.mem, layout.MsgboxBase, msgbox.Companion))
	m.service.SetLatency(cfg.CompanionLatency)

	m.power = companion.NewPowerController(logger.With("module", "power"), m.service,
		companion.Topology{Clusters: layout.Clusters, CoresPerCluster: layout.CoresPerCluster},
		companion.Hooks{
			CoreOn:          m.coreOn,
			CoreOff:         func(id affinity.ID) { m.signal(id, eventPowerLoss) },
			CoreRetention:   func(id affinity.ID) { m.signal(id, eventWake) },
			SystemDomainOff: m.systemDomainOff,
			System:          m.systemState,
		})
	m.power.Register()

	for cluster := range layout.Clusters {
		for core := range layout.CoresPerCluster {
			c := newCore(m, affinity.New(uint32(cluster), uint32(core)))

			m.cores[c.id] = c
			m.order = append(m.order, c)
		}
	}

	m.registerPrograms()

	return m, nil
}

// Layout returns the simulated SoC's memory map.
func (m *Machine) Layout() platform.Layout {
	return m.layout
}

func (m *Machine) bootCore() *Core {
	return m.order[0]
}

func (m *Machine) halted() bool {
	select {
	case <-m.halt:
		return true
	default:
		return false
	}
}

func (m *Machine) stop() {
	m.haltOnce.Do(func() {
		m.logger.Debug("halting machine")
		close(m.halt)
	})
}

// relax is called between two polls of every busy-wait. A halted machine
// ends the spinning core.
func (m *Machine) relax() {
	if m.halted() {
		runtime.Goexit()
	}

	runtime.Gosched()
}

func (m *Machine) tick() <-chan time.Time {
	if m.cfg.TimerInterrupt <= 0 {
		return nil
	}

	return time.After(m.cfg.TimerInterrupt)
}

// keepsPower reports whether the companion served every request so far and
// left c powered, so that an interrupt may wake it.
func (m *Machine) keepsPower(c *Core) bool {
	return m.service.Settled() && m.power.CoreState(c.id) != scpi.PowerOff
}

func (m *Machine) signal(id affinity.ID, ev coreEvent) {
	c, ok := m.cores[id]
	if !ok {
		m.logger.Warn("event for unknown core", "core", id)

		return
	}

	c.signal(ev)
}

func (m *Machine) coreOn(id affinity.ID) {
	if m.halted() {
		return
	}

	c, ok := m.cores[id]
	if !ok {
		m.logger.Warn("power for unknown core", "core", id)

		return
	}

	pc, arg := m.resume.Load(id)
	m.logger.Debug("core powered", "core", id, "pc", util.Hex(pc), "context", arg)
	c.launch(pc, arg)
}

func (m *Machine) systemDomainOff() {
	m.domainLosses.Add(1)
	m.gicd.PowerDown()
}

func (m *Machine) systemState(state scpi.SystemState) {
	m.mu.Lock()
	m.final = state.String()
	m.mu.Unlock()

	m.logger.Info("system power state reached", "state", state)
	m.stop()
}

// lostPower is called on the core's goroutine right before it ends.
// A core with a resume point is woken after WakeDelay; one without stays
// off until another core turns it on.
func (m *Machine) lostPower(c *Core) {
	c.setLive(false)

	if m.single {
		m.mu.Lock()
		m.powerLost = true
		m.mu.Unlock()

		m.stop()

		return
	}

	if m.halted() {
		return
	}

	pc, _ := m.resume.Load(c.id)
	if pc == 0 {
		util.TraceLog(m.logger, "core off", "core", c.id)

		return
	}

	time.AfterFunc(m.cfg.WakeDelay, func() { m.power.Wake(c.id) })
}

// run is the body of a core's goroutine: the firmware entry sequence, then
// the program at pc.
func (m *Machine) run(c *Core, pc, context uint32) {
	l := m.logger.With("core", c.id)

	if err := m.recovery.Enter(c.id); err != nil {
		m.fail(c, "entry", err)
		m.park(c)
	}

	prog, ok := m.programs[pc]
	if !ok {
		l.Debug("nothing to run, parking", "pc", util.Hex(pc))
		m.park(c)
	}

	util.TraceLog(l, "running", "pc", util.Hex(pc), "context", context)
	prog(c, context)
	m.park(c)
}

// park idles the core until it loses power or the machine halts.
func (m *Machine) park(c *Core) {
	for {
		c.WFI()
	}
}

func (m *Machine) call(c *Core, fid psci.FunctionID, args ...uint32) uint32 {
	var a psci.Args

	copy(a[:], args)

	c.calls.Add(1)

	m.mu.Lock()
	m.calls[fid]++
	m.mu.Unlock()

	ret := m.dispatcher.Dispatch(c, fid, a)

	m.mu.Lock()
	m.results[describe(fid, ret)]++
	m.mu.Unlock()

	return ret
}

func (m *Machine) fail(c *Core, op string, err error) {
	m.logger.Error("core failed", "core", c.id, "op", op, "err", err)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.errs = multierror.Append(m.errs, fmt.Errorf("%s: %s: %w", c.id, op, err))
}

func (m *Machine) err() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.errs.ErrorOrNil()
}

// start powers the boot core at pc and blocks until the machine halts or ctx ends.
func (m *Machine) start(ctx context.Context, pc, arg uint32) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyRan
	}

	m.service.Start()

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		select {
		case <-m.halt:
			return nil
		case <-ctx.Done():
			m.stop()

			return fmt.Errorf("machine did not halt: %w", ctx.Err())
		}
	})

	eg.Go(func() error {
		if err := m.service.Announce(); err != nil {
			m.stop()

			return fmt.Errorf("error announcing companion firmware: %w", err)
		}

		m.bootCore().launch(pc, arg)

		return nil
	})

	err := eg.Wait()

	m.service.Stop()
	m.service.Wait()

	for _, c := range m.order {
		c.wait()
	}

	return err
}

// Run boots the machine, runs the workload on every core and powers the
// system off. The report is returned even when the run failed.
func (m *Machine) Run(ctx context.Context) (*Report, error) {
	m.logger.Info("starting simulation", "platform", m.layout.Name, "cores", len(m.order), "lock", m.cfg.Lock, "iterations", m.cfg.Iterations)

	begin := time.Now()

	err := m.start(ctx, pcBoot, uint32(m.cfg.Iterations))
	if err == nil {
		err = m.err()
	} else {
		err = multierror.Append(err, m.err()).ErrorOrNil()
	}

	return m.report(time.Since(begin), err), err
}
