// SPDX-FileCopyrightText: 2025 The vmjoule Authors
// SPDX-License-Identifier: Apache-2.0

// Package prometheus serves power metrics in the Prometheus text
// exposition format from a rate-limited topology snapshot.
package prometheus

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/vmjoule/vmjoule/internal/sensor"
	"github.com/vmjoule/vmjoule/internal/service"
)

// Topology is the sensor surface the exporter consumes. It is mutated
// only inside the singleflight-guarded refresh, so request handling
// itself never touches it.
type Topology interface {
	Refresh() error
	PowerDiff() (sensor.Power, bool)
	CumulativeEnergy() sensor.Energy
	AttributionFactor(pid int) (float64, bool)
	AliveProcesses() [][]sensor.ProcessRecord
	CleanTerminated()
}

// APIRegistry is where the exporter mounts its handler
type APIRegistry interface {
	Register(endpoint string, handler http.Handler)
}

type Opts struct {
	logger          *slog.Logger
	clock           clock.PassiveClock
	staleness       time.Duration
	hostname        string
	vmLabels        bool
	containerLabels bool
}

// OptionFn sets one or more options in Opts
type OptionFn func(*Opts)

func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) { o.logger = logger }
}

func WithClock(c clock.PassiveClock) OptionFn {
	return func(o *Opts) { o.clock = c }
}

// WithStaleness sets how old a snapshot may get before a request
// triggers a refresh
func WithStaleness(d time.Duration) OptionFn {
	return func(o *Opts) { o.staleness = d }
}

func WithHostname(name string) OptionFn {
	return func(o *Opts) { o.hostname = name }
}

// WithVMLabels labels guest process series with the VM name
func WithVMLabels(enabled bool) OptionFn {
	return func(o *Opts) { o.vmLabels = enabled }
}

// WithContainerLabels labels containerized process series with the
// container id
func WithContainerLabels(enabled bool) OptionFn {
	return func(o *Opts) { o.containerLabels = enabled }
}

func DefaultOpts() Opts {
	return Opts{
		logger:    slog.Default(),
		clock:     clock.RealClock{},
		staleness: 5 * time.Second,
	}
}

// snapshot is one immutable generation of metric records
type snapshot struct {
	timestamp time.Time
	metrics   []Metric
}

// Exporter regenerates metric text from a shared topology. A request
// arriving after the staleness window purges terminated process
// history, refreshes the topology and rebuilds the snapshot; requests
// inside the window format the existing snapshot without locking. The
// refresh path is first-writer-wins: singleflight plus a double
// freshness check keeps concurrent arrivals from racing two refreshes
// on the one topology.
type Exporter struct {
	logger    *slog.Logger
	clock     clock.PassiveClock
	topo      Topology
	server    APIRegistry
	staleness time.Duration
	gen       *generator

	group    singleflight.Group
	snapshot atomic.Pointer[snapshot]
}

var _ service.Initializer = (*Exporter)(nil)

func NewExporter(topo Topology, server APIRegistry, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	if opts.hostname == "" {
		if name, err := os.Hostname(); err == nil {
			opts.hostname = name
		}
	}

	return &Exporter{
		logger:    opts.logger.With("service", "prometheus-exporter"),
		clock:     opts.clock,
		topo:      topo,
		server:    server,
		staleness: opts.staleness,
		gen: &generator{
			hostname:        opts.hostname,
			vmLabels:        opts.vmLabels,
			containerLabels: opts.containerLabels,
		},
	}
}

func (e *Exporter) Name() string {
	return "prometheus-exporter"
}

func (e *Exporter) Init() error {
	e.server.Register("/metrics", http.HandlerFunc(e.handleMetrics))
	return nil
}

func (e *Exporter) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := e.freshSnapshot()
	if err != nil {
		e.logger.Error("failed to refresh metrics", "error", err)
		// fall back to the previous generation if there is one
		if snap = e.snapshot.Load(); snap == nil {
			http.Error(w, "failed to generate metrics", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if _, err := w.Write([]byte(renderBody(snap.metrics))); err != nil {
		e.logger.Error("failed to write metrics response", "error", err)
	}
}

// freshSnapshot returns the current snapshot, refreshing it first when
// the staleness window has expired.
func (e *Exporter) freshSnapshot() (*snapshot, error) {
	if snap := e.snapshot.Load(); e.isFresh(snap) {
		return snap, nil
	}

	v, err, _ := e.group.Do("refresh", func() (any, error) {
		// double check after winning the flight: another request may
		// have refreshed while this one waited
		if snap := e.snapshot.Load(); e.isFresh(snap) {
			return snap, nil
		}

		e.topo.CleanTerminated()
		if err := e.topo.Refresh(); err != nil {
			return nil, fmt.Errorf("topology refresh failed: %w", err)
		}

		snap := &snapshot{
			timestamp: e.clock.Now(),
			metrics:   e.gen.metrics(e.topo),
		}
		e.snapshot.Store(snap)
		e.logger.Debug("refreshed metrics snapshot", "series", len(snap.metrics))
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*snapshot), nil
}

func (e *Exporter) isFresh(snap *snapshot) bool {
	return snap != nil && e.clock.Now().Sub(snap.timestamp) <= e.staleness
}
