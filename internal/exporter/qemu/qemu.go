// SPDX-FileCopyrightText: 2025 The vmjoule Authors
// SPDX-License-Identifier: Apache-2.0

// Package qemu exports the energy attributed to QEMU/KVM guests as
// powercap-style counter files guests can mount and read as their own
// hardware counters.
package qemu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"github.com/vmjoule/vmjoule/internal/sensor"
	"github.com/vmjoule/vmjoule/internal/service"
)

// Topology is the sensor surface the exporter consumes. It is owned
// exclusively by this exporter; access is single-threaded.
type Topology interface {
	Refresh() error
	PowerDiff() (sensor.Power, bool)
	TimeDiff() (float64, bool)
	AttributionFactor(pid int) (float64, bool)
	AliveProcesses() [][]sensor.ProcessRecord
	CleanTerminated()
}

type Opts struct {
	logger       *slog.Logger
	clock        clock.Clock
	interval     time.Duration
	cleanupEvery time.Duration
	exportPath   string
}

// OptionFn sets one or more options in Opts
type OptionFn func(*Opts)

func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) { o.logger = logger }
}

func WithClock(c clock.Clock) OptionFn {
	return func(o *Opts) { o.clock = c }
}

func WithInterval(d time.Duration) OptionFn {
	return func(o *Opts) { o.interval = d }
}

func WithCleanupEvery(d time.Duration) OptionFn {
	return func(o *Opts) { o.cleanupEvery = d }
}

func WithExportPath(path string) OptionFn {
	return func(o *Opts) { o.exportPath = path }
}

func DefaultOpts() Opts {
	return Opts{
		logger:       slog.Default(),
		clock:        clock.RealClock{},
		interval:     5 * time.Second,
		cleanupEvery: 120 * time.Second,
		exportPath:   "/var/lib/libvirt/vmjoule",
	}
}

// Exporter is the periodic measure-and-persist loop. One instance must
// own an export root exclusively; counter updates carry no cross-process
// locking.
type Exporter struct {
	logger *slog.Logger
	clock  clock.Clock

	topo  Topology
	store *CounterStore

	interval     time.Duration
	cleanupEvery time.Duration
	exportPath   string
}

var _ service.Runner = (*Exporter)(nil)

func NewExporter(topo Topology, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	logger := opts.logger.With("service", "qemu-exporter")
	return &Exporter{
		logger:       logger,
		clock:        opts.clock,
		topo:         topo,
		store:        NewCounterStore(logger),
		interval:     opts.interval,
		cleanupEvery: opts.cleanupEvery,
		exportPath:   opts.exportPath,
	}
}

func (e *Exporter) Name() string {
	return "qemu-exporter"
}

// Init verifies the export root can be created at all. A root that
// cannot be created means the exporter cannot fulfill its purpose, so
// the process refuses to start.
func (e *Exporter) Init() error {
	if err := os.MkdirAll(e.exportPath, 0o755); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrExportTree, e.exportPath, err)
	}
	return nil
}

// Run ticks forever: attribute and persist, sleep the fixed interval,
// and periodically purge terminated process history. The cleanup budget
// counts nominal tick durations, not wall-clock time, so its cadence
// drifts when ticks run long (slow filesystem writes); that drift is
// intended behavior.
func (e *Exporter) Run(ctx context.Context) error {
	e.logger.Info("Starting qemu exporter", "path", e.exportPath, "interval", e.interval)

	budget := e.cleanupEvery
	for {
		if err := e.iterate(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			e.logger.Info("qemu exporter stopped")
			return nil
		case <-e.clock.After(e.interval):
		}

		budget -= e.interval
		if budget <= 0 {
			e.topo.CleanTerminated()
			budget = e.cleanupEvery
		}
	}
}

// iterate runs one export tick. Only ErrExportTree aborts the loop;
// everything else is isolated to the affected VM or skipped silently
// when attribution data is not available yet.
func (e *Exporter) iterate() error {
	if err := e.topo.Refresh(); err != nil {
		e.logger.Error("failed to refresh topology", "error", err)
		return nil
	}

	interval, ok := computeInterval(e.topo)
	if !ok {
		return nil
	}

	attributed := map[string]struct{}{}
	for _, chain := range guestProcessChains(e.topo.AliveProcesses()) {
		// too few samples to trust: freshly spawned guests get
		// attributed once their history stabilizes
		if len(chain) <= 2 {
			continue
		}

		// the oldest sample names the guest, so later command line
		// mutation (reparenting) cannot rename the counter directory
		name := VMNameFromCmdline(chain[0].Cmdline)
		pid := chain[len(chain)-1].PID

		if !validVMName(name) {
			e.logger.Warn("skipping guest without a usable name", "pid", pid, "name", name)
			continue
		}
		if _, done := attributed[name]; done {
			e.logger.Warn("guest already attributed this tick", "vm", name, "pid", pid)
			continue
		}
		attributed[name] = struct{}{}

		factor, ok := e.topo.AttributionFactor(pid)
		if !ok {
			continue
		}

		delta := uint64(factor * interval.DynamicEnergy())
		vmPath := filepath.Join(e.exportPath, name)
		if err := e.store.ApplyEnergy(vmPath, delta); err != nil {
			if errors.Is(err, ErrExportTree) {
				return err
			}
			e.logger.Error("failed to update counters, check file permissions", "vm", name, "path", vmPath, "error", err)
			continue
		}
		e.logger.Debug("Updated guest counters", "vm", name, "energy_uj", delta)
	}
	return nil
}

// validVMName rejects names that would escape the per-VM directory: an
// empty name collapses onto the shared export root, silently merging
// unrelated guests' totals, and separators or dot dirs would write
// outside it.
func validVMName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsRune(name, os.PathSeparator)
}
