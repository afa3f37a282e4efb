// SPDX-FileCopyrightText: 2025 The vmjoule Authors
// SPDX-License-Identifier: Apache-2.0

package sensor

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// procHandle wraps the subset of procfs.Proc the tracker needs, so tests
// can substitute fake processes.
type procHandle interface {
	PID() int
	Comm() (string, error)
	CmdLine() ([]string, error)
	CPUTime() (float64, error)
	CgroupPaths() ([]string, error)
}

// ProcReader enumerates live processes and reports host CPU usage.
type ProcReader interface {
	// AllProcs returns a handle for every currently live process
	AllProcs() ([]procHandle, error)

	// CPUUsageRatio returns the active share of host CPU time since the
	// previous call, in [0,1]. The first call returns 0.
	CPUUsageRatio() (float64, error)
}

// userHZ is the kernel clock tick rate assumed by procfs
const userHZ = 100

// procWrapper implements procHandle on top of procfs.Proc
type procWrapper struct {
	proc procfs.Proc
}

var _ procHandle = (*procWrapper)(nil)

func (p *procWrapper) PID() int {
	return p.proc.PID
}

func (p *procWrapper) Comm() (string, error) {
	return p.proc.Comm()
}

func (p *procWrapper) CmdLine() ([]string, error) {
	return p.proc.CmdLine()
}

func (p *procWrapper) CPUTime() (float64, error) {
	st, err := p.proc.Stat()
	if err != nil {
		return 0, err
	}
	return float64(st.UTime+st.STime) / userHZ, nil
}

func (p *procWrapper) CgroupPaths() ([]string, error) {
	cgroups, err := p.proc.Cgroups()
	if err != nil {
		return nil, fmt.Errorf("failed to read process cgroups: %w", err)
	}

	paths := make([]string, len(cgroups))
	for i, cg := range cgroups {
		paths[i] = cg.Path
	}
	return paths, nil
}

// procFSReader is the procfs-backed ProcReader
type procFSReader struct {
	fs       procfs.FS
	prevStat procfs.CPUStat
}

var _ ProcReader = (*procFSReader)(nil)

// NewProcFSReader creates a ProcReader for the given procfs mount point.
func NewProcFSReader(procfsPath string) (*procFSReader, error) {
	fs, err := procfs.NewFS(procfsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to access procfs: %w", err)
	}
	return &procFSReader{fs: fs}, nil
}

func (r *procFSReader) AllProcs() ([]procHandle, error) {
	procs, err := r.fs.AllProcs()
	if err != nil {
		return nil, err
	}

	ret := make([]procHandle, len(procs))
	for i, proc := range procs {
		ret[i] = &procWrapper{proc: proc}
	}
	return ret, nil
}

// CPUUsageRatio computes active / total from the /proc/stat deltas since
// the previous call, where active excludes idle and iowait time.
func (r *procFSReader) CPUUsageRatio() (float64, error) {
	stat, err := r.fs.Stat()
	if err != nil {
		return 0, err
	}

	prev := r.prevStat
	curr := stat.CPUTotal
	r.prevStat = curr

	if prev == (procfs.CPUStat{}) {
		return 0, nil
	}

	dUser := curr.User - prev.User
	dNice := curr.Nice - prev.Nice
	dSystem := curr.System - prev.System
	dIdle := curr.Idle - prev.Idle
	dIowait := curr.Iowait - prev.Iowait
	dIRQ := curr.IRQ - prev.IRQ
	dSoftIRQ := curr.SoftIRQ - prev.SoftIRQ
	dSteal := curr.Steal - prev.Steal

	total := dUser + dNice + dSystem + dIdle + dIowait + dIRQ + dSoftIRQ + dSteal
	if total <= 0 {
		return 0, nil
	}

	return (total - (dIdle + dIowait)) / total, nil
}
