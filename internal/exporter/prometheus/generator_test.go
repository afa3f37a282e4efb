// SPDX-FileCopyrightText: 2025 The vmjoule Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmjoule/vmjoule/internal/sensor"
)

type genTopology struct {
	power    sensor.Power
	haveDiff bool
	energy   sensor.Energy
	factors  map[int]float64
	chains   [][]sensor.ProcessRecord
}

func (g *genTopology) Refresh() error                   { return nil }
func (g *genTopology) CleanTerminated()                 {}
func (g *genTopology) PowerDiff() (sensor.Power, bool)  { return g.power, g.haveDiff }
func (g *genTopology) CumulativeEnergy() sensor.Energy  { return g.energy }
func (g *genTopology) AliveProcesses() [][]sensor.ProcessRecord {
	return g.chains
}

func (g *genTopology) AttributionFactor(pid int) (float64, bool) {
	f, ok := g.factors[pid]
	return f, ok
}

func metricsByName(records []Metric, name string) []Metric {
	var out []Metric
	for _, m := range records {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

func TestGeneratorWithoutIntervalExposesOnlyEnergy(t *testing.T) {
	g := &generator{hostname: "h1"}
	records := g.metrics(&genTopology{energy: 1234})

	require.Len(t, records, 1)
	assert.Equal(t, "vmjoule_host_energy_microjoules", records[0].Name)
	assert.Equal(t, Counter, records[0].Kind)
	assert.Equal(t, "1234", records[0].Value)
	assert.Equal(t, map[string]string{"hostname": "h1"}, records[0].Attributes)
}

func TestGeneratorHostAndProcessSeries(t *testing.T) {
	topo := &genTopology{
		power:    45_000,
		haveDiff: true,
		energy:   900,
		factors:  map[int]float64{42: 0.5},
		chains: [][]sensor.ProcessRecord{{
			{PID: 42, Comm: "stress", Cmdline: []string{"/usr/bin/stress", "--cpu", "4"}},
		}},
	}

	g := &generator{hostname: "h1"}
	records := g.metrics(topo)

	hostPower := metricsByName(records, "vmjoule_host_power_microwatts")
	require.Len(t, hostPower, 1)
	assert.Equal(t, Gauge, hostPower[0].Kind)
	assert.Equal(t, "45000", hostPower[0].Value)

	procs := metricsByName(records, "vmjoule_process_power_consumption_microwatts")
	require.Len(t, procs, 1)
	assert.Equal(t, "22500", procs[0].Value)
	assert.Equal(t, map[string]string{
		"hostname": "h1",
		"pid":      "42",
		"exe":      "stress",
	}, procs[0].Attributes)
}

func TestGeneratorSkipsProcessesWithoutFactor(t *testing.T) {
	topo := &genTopology{
		power:    10_000,
		haveDiff: true,
		factors:  map[int]float64{},
		chains: [][]sensor.ProcessRecord{{
			{PID: 7, Comm: "idle"},
		}},
	}

	records := (&generator{hostname: "h1"}).metrics(topo)
	assert.Empty(t, metricsByName(records, "vmjoule_process_power_consumption_microwatts"))
}

func TestGeneratorVMLabelFromOldestSample(t *testing.T) {
	topo := &genTopology{
		power:    10_000,
		haveDiff: true,
		factors:  map[int]float64{9: 1.0},
		chains: [][]sensor.ProcessRecord{{
			{PID: 9, Cmdline: []string{"/usr/bin/qemu-system-x86_64", "-name", "guest=first,debug-threads=on"}},
			{PID: 9, Cmdline: []string{"/usr/bin/qemu-system-x86_64", "-name", "guest=renamed"}},
		}},
	}

	records := (&generator{hostname: "h1", vmLabels: true}).metrics(topo)
	procs := metricsByName(records, "vmjoule_process_power_consumption_microwatts")
	require.Len(t, procs, 1)
	assert.Equal(t, "first", procs[0].Attributes["vmname"])
}

func TestGeneratorVMLabelDisabled(t *testing.T) {
	topo := &genTopology{
		power:    10_000,
		haveDiff: true,
		factors:  map[int]float64{9: 1.0},
		chains: [][]sensor.ProcessRecord{{
			{PID: 9, Cmdline: []string{"/usr/bin/qemu-system-x86_64", "-name", "guest=vm1"}},
		}},
	}

	records := (&generator{hostname: "h1"}).metrics(topo)
	procs := metricsByName(records, "vmjoule_process_power_consumption_microwatts")
	require.Len(t, procs, 1)
	assert.NotContains(t, procs[0].Attributes, "vmname")
}

func TestGeneratorContainerLabel(t *testing.T) {
	id := strings.Repeat("ab", 32)
	topo := &genTopology{
		power:    10_000,
		haveDiff: true,
		factors:  map[int]float64{3: 1.0},
		chains: [][]sensor.ProcessRecord{{
			{PID: 3, Comm: "app", CgroupPaths: []string{"/system.slice/docker-" + id + ".scope"}},
		}},
	}

	records := (&generator{hostname: "h1", containerLabels: true}).metrics(topo)
	procs := metricsByName(records, "vmjoule_process_power_consumption_microwatts")
	require.Len(t, procs, 1)
	assert.Equal(t, id, procs[0].Attributes["container_id"])
}

func TestContainerID(t *testing.T) {
	id := strings.Repeat("0f", 32)
	tt := []struct {
		name  string
		paths []string
		found bool
	}{
		{"docker", []string{"/system.slice/docker-" + id + ".scope"}, true},
		{"crio", []string{"/machine.slice/crio-" + id + ".scope"}, true},
		{"libpod", []string{"/machine.slice/libpod-" + id + ".scope"}, true},
		{"plain service", []string{"/system.slice/sshd.service"}, false},
		{"short hash", []string{"/docker-0f0f.scope"}, false},
		{"empty", nil, false},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := containerID(tc.paths)
			assert.Equal(t, tc.found, ok)
			if tc.found {
				assert.Equal(t, id, got)
			}
		})
	}
}

func TestProcessExe(t *testing.T) {
	assert.Equal(t, "qemu-system-x86_64", processExe(sensor.ProcessRecord{
		Cmdline: []string{"/usr/bin/qemu-system-x86_64", "-enable-kvm"},
	}))
	assert.Equal(t, "kworker", processExe(sensor.ProcessRecord{Comm: "kworker"}))
	assert.Equal(t, "fallback", processExe(sensor.ProcessRecord{
		Comm:    "fallback",
		Cmdline: []string{""},
	}))
}
