// SPDX-FileCopyrightText: 2025 The vmjoule Authors
// SPDX-License-Identifier: Apache-2.0

package sensor

import (
	"log/slog"
	"sort"
	"time"
)

// ProcessRecord is one historical sample of a live process. Chains of
// records are owned by the Tracker and ordered oldest to newest.
type ProcessRecord struct {
	PID         int
	Comm        string
	Cmdline     []string
	CgroupPaths []string
	CPUTime     float64 // cumulative seconds
	Timestamp   time.Time
}

// Tracker is an arena of process record chains keyed by pid. A chain
// grows by one record per scan and is bounded to maxRecords by dropping
// its oldest entries. Chains of terminated processes stay in the arena
// until CleanTerminated runs, so attribution history survives short
// scan gaps.
type Tracker struct {
	logger     *slog.Logger
	maxRecords int

	chains map[int][]ProcessRecord
	alive  map[int]struct{}

	deltas     map[int]float64
	totalDelta float64
}

// DefaultMaxRecords bounds a chain between eviction passes
const DefaultMaxRecords = 10

func NewTracker(logger *slog.Logger, maxRecords int) *Tracker {
	if maxRecords < 3 {
		// chains with fewer than 3 samples are never attributed, so a
		// smaller bound would make every process permanently ineligible
		maxRecords = 3
	}
	return &Tracker{
		logger:     logger.With("component", "tracker"),
		maxRecords: maxRecords,
		chains:     make(map[int][]ProcessRecord),
		alive:      make(map[int]struct{}),
		deltas:     make(map[int]float64),
	}
}

// Update appends one record per live process and recomputes the per-pid
// CPU time deltas for the interval that just ended.
func (t *Tracker) Update(procs []procHandle, now time.Time) {
	t.alive = make(map[int]struct{}, len(procs))
	t.deltas = make(map[int]float64, len(procs))
	t.totalDelta = 0

	for _, proc := range procs {
		pid := proc.PID()

		cpuTime, err := proc.CPUTime()
		if err != nil {
			// process likely exited mid-scan
			t.logger.Debug("skipping process", "pid", pid, "error", err)
			continue
		}
		comm, err := proc.Comm()
		if err != nil {
			t.logger.Debug("skipping process", "pid", pid, "error", err)
			continue
		}
		cmdline, err := proc.CmdLine()
		if err != nil {
			t.logger.Debug("skipping process", "pid", pid, "error", err)
			continue
		}
		cgroups, err := proc.CgroupPaths()
		if err != nil {
			cgroups = nil
		}

		chain := append(t.chains[pid], ProcessRecord{
			PID:         pid,
			Comm:        comm,
			Cmdline:     cmdline,
			CgroupPaths: cgroups,
			CPUTime:     cpuTime,
			Timestamp:   now,
		})
		if len(chain) > t.maxRecords {
			chain = chain[len(chain)-t.maxRecords:]
		}
		t.chains[pid] = chain
		t.alive[pid] = struct{}{}

		if len(chain) >= 2 {
			delta := chain[len(chain)-1].CPUTime - chain[len(chain)-2].CPUTime
			if delta < 0 {
				// pid reuse; the old chain is stale history
				delta = 0
			}
			t.deltas[pid] = delta
			t.totalDelta += delta
		}
	}
}

// AliveChains returns the record chains of currently live processes,
// sorted by pid.
func (t *Tracker) AliveChains() [][]ProcessRecord {
	pids := make([]int, 0, len(t.alive))
	for pid := range t.alive {
		pids = append(pids, pid)
	}
	sort.Ints(pids)

	chains := make([][]ProcessRecord, 0, len(pids))
	for _, pid := range pids {
		chains = append(chains, t.chains[pid])
	}
	return chains
}

// CPUTimeDelta returns the CPU time consumed by pid over the last
// interval. The second return is false when the pid is unknown or its
// chain is too short to have an interval yet.
func (t *Tracker) CPUTimeDelta(pid int) (float64, bool) {
	delta, ok := t.deltas[pid]
	return delta, ok
}

// TotalCPUTimeDelta returns the summed CPU time deltas of all live
// processes for the last interval.
func (t *Tracker) TotalCPUTimeDelta() float64 {
	return t.totalDelta
}

// CleanTerminated drops the chains of processes that were not seen by
// the most recent Update.
func (t *Tracker) CleanTerminated() {
	removed := 0
	for pid := range t.chains {
		if _, ok := t.alive[pid]; !ok {
			delete(t.chains, pid)
			removed++
		}
	}
	if removed > 0 {
		t.logger.Debug("cleaned terminated process records", "count", removed)
	}
}
