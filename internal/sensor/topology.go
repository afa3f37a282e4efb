// SPDX-FileCopyrightText: 2025 The vmjoule Authors
// SPDX-License-Identifier: Apache-2.0

// Package sensor acquires the raw data the exporters attribute and
// export: cumulative RAPL energy readings and the live process set with
// per-process CPU time history.
package sensor

import (
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

// Topology is the refreshable snapshot of host power and process state.
// It is not safe for concurrent use; each exporter owns its own instance
// and serializes access.
type Topology struct {
	logger  *slog.Logger
	clock   clock.PassiveClock
	energy  EnergyReader
	procs   ProcReader
	tracker *Tracker

	prevReadings map[string]Energy
	lastScan     time.Time
	scanned      bool

	dynamicPower Power
	timeDiff     time.Duration
	haveDiff     bool

	totalEnergy Energy // cumulative microjoules observed since start
}

type Opts struct {
	logger     *slog.Logger
	clock      clock.PassiveClock
	energy     EnergyReader
	procs      ProcReader
	sysfsPath  string
	procfsPath string
	maxRecords int
}

// OptionFn sets one or more options in Opts
type OptionFn func(*Opts)

func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) { o.logger = logger }
}

func WithClock(c clock.PassiveClock) OptionFn {
	return func(o *Opts) { o.clock = c }
}

// WithEnergyReader overrides the powercap-backed reader, mainly for tests
func WithEnergyReader(r EnergyReader) OptionFn {
	return func(o *Opts) { o.energy = r }
}

// WithProcReader overrides the procfs-backed reader, mainly for tests
func WithProcReader(r ProcReader) OptionFn {
	return func(o *Opts) { o.procs = r }
}

func WithSysFSPath(path string) OptionFn {
	return func(o *Opts) { o.sysfsPath = path }
}

func WithProcFSPath(path string) OptionFn {
	return func(o *Opts) { o.procfsPath = path }
}

func WithMaxRecords(n int) OptionFn {
	return func(o *Opts) { o.maxRecords = n }
}

func DefaultOpts() Opts {
	return Opts{
		logger:     slog.Default(),
		clock:      clock.RealClock{},
		sysfsPath:  "/sys",
		procfsPath: "/proc",
		maxRecords: DefaultMaxRecords,
	}
}

// NewTopology creates a Topology reading from the configured sysfs and
// procfs mount points.
func NewTopology(applyOpts ...OptionFn) (*Topology, error) {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	if opts.energy == nil {
		reader, err := NewPowercapReader(opts.sysfsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create powercap reader: %w", err)
		}
		opts.energy = reader
	}
	if opts.procs == nil {
		reader, err := NewProcFSReader(opts.procfsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create procfs reader: %w", err)
		}
		opts.procs = reader
	}

	logger := opts.logger.With("component", "topology")
	return &Topology{
		logger:       logger,
		clock:        opts.clock,
		energy:       opts.energy,
		procs:        opts.procs,
		tracker:      NewTracker(logger, opts.maxRecords),
		prevReadings: make(map[string]Energy),
	}, nil
}

// Refresh takes a new measurement of energy counters and the process
// set, and recomputes the power and time diffs of the interval that just
// ended. The diffs stay unavailable until the second refresh.
func (t *Topology) Refresh() error {
	now := t.clock.Now()

	zones, err := t.energy.Zones()
	if err != nil {
		return fmt.Errorf("failed to read energy zones: %w", err)
	}

	current := make(map[string]Energy, len(zones))
	var deltaTotal Energy
	for _, zone := range packageZones(zones) {
		reading, err := zone.Energy()
		if err != nil {
			t.logger.Warn("failed to read zone energy", "zone", zone.Name(), "error", err)
			continue
		}
		key := fmt.Sprintf("%s-%d", zone.Name(), zone.Index())
		current[key] = reading

		prev, seen := t.prevReadings[key]
		if !seen {
			continue
		}
		if reading >= prev {
			deltaTotal += reading - prev
		} else if max := zone.MaxEnergy(); max > prev {
			// counter wrapped
			deltaTotal += max - prev + reading
		}
	}

	ratio, err := t.procs.CPUUsageRatio()
	if err != nil {
		return fmt.Errorf("failed to read cpu usage: %w", err)
	}

	procs, err := t.procs.AllProcs()
	if err != nil {
		return fmt.Errorf("failed to list processes: %w", err)
	}
	t.tracker.Update(procs, now)

	if t.scanned && now.After(t.lastScan) {
		dt := now.Sub(t.lastScan)
		totalPower := Power(float64(deltaTotal) / dt.Seconds())
		t.dynamicPower = totalPower * Power(ratio)
		t.timeDiff = dt
		t.haveDiff = true
		t.totalEnergy += deltaTotal
	}

	t.prevReadings = current
	t.lastScan = now
	t.scanned = true
	return nil
}

// PowerDiff returns the dynamic host power of the last interval in
// microwatts: total measured power scaled by the host CPU usage ratio,
// so idle draw is excluded. False until two refreshes have happened.
func (t *Topology) PowerDiff() (Power, bool) {
	return t.dynamicPower, t.haveDiff
}

// TimeDiff returns the duration of the last interval in seconds.
// False until two refreshes have happened.
func (t *Topology) TimeDiff() (float64, bool) {
	if !t.haveDiff {
		return 0, false
	}
	return t.timeDiff.Seconds(), true
}

// CumulativeEnergy returns the total energy observed across all
// refreshes since the Topology was created.
func (t *Topology) CumulativeEnergy() Energy {
	return t.totalEnergy
}

// AttributionFactor returns pid's share of the dynamic energy of the
// last interval, in [0,1]. False when the pid is unknown, its history is
// too short, or no process consumed CPU time during the interval.
func (t *Topology) AttributionFactor(pid int) (float64, bool) {
	delta, ok := t.tracker.CPUTimeDelta(pid)
	if !ok {
		return 0, false
	}
	total := t.tracker.TotalCPUTimeDelta()
	if total <= 0 {
		return 0, false
	}
	factor := delta / total
	if factor > 1 {
		factor = 1
	}
	return factor, true
}

// AliveProcesses returns the record chains of live processes, ordered by
// pid, each chain ordered oldest to newest.
func (t *Topology) AliveProcesses() [][]ProcessRecord {
	return t.tracker.AliveChains()
}

// CleanTerminated purges the history of terminated processes.
func (t *Topology) CleanTerminated() {
	t.tracker.CleanTerminated()
}

// packageZones filters zones down to the package-level ones so that
// core/uncore/dram subzones are not double counted against their parent
// package. Falls back to all zones when no package zone is exposed.
func packageZones(zones []EnergyZone) []EnergyZone {
	pkgs := make([]EnergyZone, 0, len(zones))
	for _, zone := range zones {
		if zone.Name() == "package" {
			pkgs = append(pkgs, zone)
		}
	}
	if len(pkgs) == 0 {
		return zones
	}
	return pkgs
}
