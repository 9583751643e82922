// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package sim

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/siderolabs/psci-scpi/pkg/scpi"
)

// CoreReport is what one core went through.
type CoreReport struct {
	Core        string `yaml:"core"`
	Calls       uint64 `yaml:"calls"`
	Launches    uint64 `yaml:"launches"`
	PowerDowns  uint64 `yaml:"power_downs"`
	PowerLosses uint64 `yaml:"power_losses"`
	Wakeups     uint64 `yaml:"wakeups"`
}

// Report summarizes a simulation run.
type Report struct {
	Platform   string             `yaml:"platform"`
	Lock       scpi.LockAlgorithm `yaml:"lock"`
	Iterations int                `yaml:"iterations"`
	Seed       uint64             `yaml:"seed"`
	Elapsed    time.Duration      `yaml:"elapsed"`

	// System is the final system power state; empty when never reached.
	System string `yaml:"system"`

	Calls     map[string]uint64 `yaml:"calls"`
	Results   map[string]uint64 `yaml:"results"`
	Companion map[string]uint64 `yaml:"companion"`

	Doorbells struct {
		Requests  uint64 `yaml:"requests"`
		Responses uint64 `yaml:"responses"`
	} `yaml:"doorbells"`

	LockViolations      uint64 `yaml:"lock_violations"`
	DistributorLosses   uint64 `yaml:"distributor_losses"`
	DistributorRestores uint64 `yaml:"distributor_restores"`

	Cores  []CoreReport `yaml:"cores"`
	Errors []string     `yaml:"errors,omitempty"`
}

func (m *Machine) report(elapsed time.Duration, err error) *Report {
	r := &Report{
		Platform:   m.layout.Name,
		Lock:       m.cfg.Lock,
		Iterations: m.cfg.Iterations,
		Seed:       m.cfg.Seed,
		Elapsed:    elapsed.Round(time.Microsecond),

		Calls:     make(map[string]uint64),
		Results:   make(map[string]uint64),
		Companion: make(map[string]uint64),

		LockViolations:      m.channel.Violations(),
		DistributorLosses:   m.domainLosses.Load(),
		DistributorRestores: m.recovery.Restores(),
	}

	r.Doorbells.Requests = m.mbox.Rings(scpi.TXChannel)
	r.Doorbells.Responses = m.mbox.Rings(scpi.RXChannel)

	m.mu.Lock()
	r.System = m.final

	for fid, n := range m.calls {
		r.Calls[fid.String()] = n
	}

	for res, n := range m.results {
		r.Results[res] = n
	}
	m.mu.Unlock()

	for cmd, n := range m.service.Served() {
		r.Companion[cmd.String()] = n
	}

	for _, c := range m.order {
		r.Cores = append(r.Cores, CoreReport{
			Core:        c.id.String(),
			Calls:       c.calls.Load(),
			Launches:    c.launches.Load(),
			PowerDowns:  c.powerDowns.Load(),
			PowerLosses: c.powerLosses.Load(),
			Wakeups:     c.wakeups.Load(),
		})
	}

	var merr *multierror.Error

	if errors.As(err, &merr) {
		for _, e := range merr.Errors {
			r.Errors = append(r.Errors, e.Error())
		}
	} else if err != nil {
		r.Errors = append(r.Errors, err.Error())
	}

	return r
}

// YAML renders the report as a YAML document.
func (r *Report) YAML() ([]byte, error) {
	return yaml.Marshal(r)
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}

// WriteText renders the report as aligned tables.
func (r *Report) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "platform\t%s\n", r.Platform)
	fmt.Fprintf(tw, "lock\t%s\n", r.Lock)
	fmt.Fprintf(tw, "elapsed\t%s\n", r.Elapsed)
	fmt.Fprintf(tw, "system\t%s\n", r.System)
	fmt.Fprintf(tw, "doorbells\t%s requests, %s responses\n", humanize.Comma(int64(r.Doorbells.Requests)), humanize.Comma(int64(r.Doorbells.Responses)))
	fmt.Fprintf(tw, "lock violations\t%s\n", humanize.Comma(int64(r.LockViolations)))
	fmt.Fprintf(tw, "distributor\t%d lost, %d restored\n", r.DistributorLosses, r.DistributorRestores)
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "CALL\tCOUNT")

	for _, k := range sortedKeys(r.Calls) {
		fmt.Fprintf(tw, "%s\t%s\n", k, humanize.Comma(int64(r.Calls[k])))
	}

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "RESULT\tCOUNT")

	for _, k := range sortedKeys(r.Results) {
		fmt.Fprintf(tw, "%s\t%s\n", k, humanize.Comma(int64(r.Results[k])))
	}

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "COMMAND\tSERVED")

	for _, k := range sortedKeys(r.Companion) {
		fmt.Fprintf(tw, "%s\t%s\n", k, humanize.Comma(int64(r.Companion[k])))
	}

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "CORE\tCALLS\tLAUNCHES\tPOWER DOWNS\tPOWER LOSSES\tWAKEUPS")

	for _, c := range r.Cores {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", c.Core, c.Calls, c.Launches, c.PowerDowns, c.PowerLosses, c.Wakeups)
	}

	if len(r.Errors) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "ERRORS")

		for _, e := range r.Errors {
			fmt.Fprintln(tw, e)
		}
	}

	return tw.Flush()
}
