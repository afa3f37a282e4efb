// SPDX-FileCopyrightText: 2025 The vmjoule Authors
// SPDX-License-Identifier: Apache-2.0

package sensor

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProc struct {
	pid     int
	comm    string
	cmdline []string
	cgroups []string
	cpuTime float64
	statErr error
}

var _ procHandle = (*fakeProc)(nil)

func (f *fakeProc) PID() int                        { return f.pid }
func (f *fakeProc) Comm() (string, error)           { return f.comm, nil }
func (f *fakeProc) CmdLine() ([]string, error)      { return f.cmdline, nil }
func (f *fakeProc) CgroupPaths() ([]string, error)  { return f.cgroups, nil }
func (f *fakeProc) CPUTime() (float64, error) {
	return f.cpuTime, f.statErr
}

func testTracker(maxRecords int) *Tracker {
	return NewTracker(slog.Default(), maxRecords)
}

func TestTrackerBuildsChains(t *testing.T) {
	tr := testTracker(DefaultMaxRecords)
	now := time.Now()

	tr.Update([]procHandle{
		&fakeProc{pid: 10, comm: "qemu", cpuTime: 1.0},
		&fakeProc{pid: 20, comm: "stress", cpuTime: 2.0},
	}, now)
	tr.Update([]procHandle{
		&fakeProc{pid: 10, comm: "qemu", cpuTime: 3.5},
	}, now.Add(5*time.Second))

	chains := tr.AliveChains()
	require.Len(t, chains, 1)
	require.Len(t, chains[0], 2)
	assert.Equal(t, 10, chains[0][0].PID)
	assert.Equal(t, 1.0, chains[0][0].CPUTime)
	assert.Equal(t, 3.5, chains[0][1].CPUTime)
	assert.Equal(t, now, chains[0][0].Timestamp)
}

func TestTrackerAliveChainsSortedByPID(t *testing.T) {
	tr := testTracker(DefaultMaxRecords)
	tr.Update([]procHandle{
		&fakeProc{pid: 30, comm: "c"},
		&fakeProc{pid: 10, comm: "a"},
		&fakeProc{pid: 20, comm: "b"},
	}, time.Now())

	chains := tr.AliveChains()
	require.Len(t, chains, 3)
	assert.Equal(t, 10, chains[0][0].PID)
	assert.Equal(t, 20, chains[1][0].PID)
	assert.Equal(t, 30, chains[2][0].PID)
}

func TestTrackerCPUTimeDeltas(t *testing.T) {
	tr := testTracker(DefaultMaxRecords)
	now := time.Now()

	tr.Update([]procHandle{
		&fakeProc{pid: 1, comm: "a", cpuTime: 10},
		&fakeProc{pid: 2, comm: "b", cpuTime: 20},
	}, now)

	// single-sample chains have no interval yet
	_, ok := tr.CPUTimeDelta(1)
	assert.False(t, ok)
	assert.Zero(t, tr.TotalCPUTimeDelta())

	tr.Update([]procHandle{
		&fakeProc{pid: 1, comm: "a", cpuTime: 13},
		&fakeProc{pid: 2, comm: "b", cpuTime: 21},
	}, now.Add(5*time.Second))

	d1, ok := tr.CPUTimeDelta(1)
	require.True(t, ok)
	assert.Equal(t, 3.0, d1)
	d2, ok := tr.CPUTimeDelta(2)
	require.True(t, ok)
	assert.Equal(t, 1.0, d2)
	assert.Equal(t, 4.0, tr.TotalCPUTimeDelta())
}

func TestTrackerNegativeDeltaTreatedAsPIDReuse(t *testing.T) {
	tr := testTracker(DefaultMaxRecords)
	now := time.Now()

	tr.Update([]procHandle{&fakeProc{pid: 1, comm: "old", cpuTime: 100}}, now)
	tr.Update([]procHandle{&fakeProc{pid: 1, comm: "new", cpuTime: 2}}, now.Add(time.Second))

	delta, ok := tr.CPUTimeDelta(1)
	require.True(t, ok)
	assert.Zero(t, delta)
	assert.Zero(t, tr.TotalCPUTimeDelta())
}

func TestTrackerBoundsChainLength(t *testing.T) {
	tr := testTracker(3)
	now := time.Now()

	for i := 0; i < 6; i++ {
		tr.Update([]procHandle{
			&fakeProc{pid: 1, comm: "a", cpuTime: float64(i)},
		}, now.Add(time.Duration(i)*time.Second))
	}

	chains := tr.AliveChains()
	require.Len(t, chains, 1)
	require.Len(t, chains[0], 3)
	// oldest entries were dropped
	assert.Equal(t, 3.0, chains[0][0].CPUTime)
	assert.Equal(t, 5.0, chains[0][2].CPUTime)
}

func TestTrackerCoercesTinyMaxRecords(t *testing.T) {
	tr := testTracker(1)
	now := time.Now()
	for i := 0; i < 5; i++ {
		tr.Update([]procHandle{
			&fakeProc{pid: 1, comm: "a", cpuTime: float64(i)},
		}, now.Add(time.Duration(i)*time.Second))
	}

	chains := tr.AliveChains()
	require.Len(t, chains, 1)
	assert.Len(t, chains[0], 3)
}

func TestTrackerSkipsUnreadableProcesses(t *testing.T) {
	tr := testTracker(DefaultMaxRecords)
	tr.Update([]procHandle{
		&fakeProc{pid: 1, comm: "gone", statErr: errors.New("no such process")},
		&fakeProc{pid: 2, comm: "live"},
	}, time.Now())

	chains := tr.AliveChains()
	require.Len(t, chains, 1)
	assert.Equal(t, 2, chains[0][0].PID)
}

func TestTrackerCleanTerminated(t *testing.T) {
	tr := testTracker(DefaultMaxRecords)
	now := time.Now()

	tr.Update([]procHandle{
		&fakeProc{pid: 1, comm: "a"},
		&fakeProc{pid: 2, comm: "b"},
	}, now)
	tr.Update([]procHandle{
		&fakeProc{pid: 2, comm: "b"},
	}, now.Add(time.Second))

	// pid 1 is gone but its history survives until a purge
	assert.Len(t, tr.chains, 2)

	tr.CleanTerminated()
	assert.Len(t, tr.chains, 1)
	_, kept := tr.chains[2]
	assert.True(t, kept)
}
