// SPDX-FileCopyrightText: 2025 The vmjoule Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/vmjoule/vmjoule/internal/exporter/qemu"
	"github.com/vmjoule/vmjoule/internal/sensor"
)

// cgroup path patterns of the known container runtimes
var containerIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/docker[-/]([0-9a-f]{64})`),
	regexp.MustCompile(`/containerd[-/]([0-9a-f]{64})`),
	regexp.MustCompile(`[:/]cri-containerd[-:]([0-9a-f]{64})`),
	regexp.MustCompile(`/crio-([0-9a-f]{64})`),
	regexp.MustCompile(`libpod-([0-9a-f]{64})`),
	regexp.MustCompile(`/kubepods/[^/]+/pod[0-9a-f\-]+/([0-9a-f]{64})`),
}

// generator turns a refreshed topology into an ordered list of metric
// records, all series of one metric name adjacent.
type generator struct {
	hostname        string
	vmLabels        bool
	containerLabels bool
}

func (g *generator) metrics(topo Topology) []Metric {
	hostAttrs := map[string]string{"hostname": g.hostname}

	records := []Metric{{
		Name:       "vmjoule_host_energy_microjoules",
		Help:       "Total energy measured on the host since the agent started",
		Kind:       Counter,
		Value:      strconv.FormatUint(topo.CumulativeEnergy().MicroJoules(), 10),
		Attributes: hostAttrs,
	}}

	power, ok := topo.PowerDiff()
	if !ok {
		// no interval yet: only the cumulative counter is exposable
		return records
	}

	records = append(records, Metric{
		Name:       "vmjoule_host_power_microwatts",
		Help:       "Dynamic power consumption of the host",
		Kind:       Gauge,
		Value:      strconv.FormatFloat(power.MicroWatts(), 'f', -1, 64),
		Attributes: hostAttrs,
	})

	for _, chain := range topo.AliveProcesses() {
		if len(chain) == 0 {
			continue
		}
		newest := chain[len(chain)-1]

		factor, ok := topo.AttributionFactor(newest.PID)
		if !ok {
			continue
		}

		attrs := map[string]string{
			"hostname": g.hostname,
			"pid":      strconv.Itoa(newest.PID),
			"exe":      processExe(newest),
		}
		if g.vmLabels && qemu.IsGuestCmdline(newest.Cmdline) {
			// the oldest sample names the guest, matching the counter
			// export so the two surfaces agree on identity
			attrs["vmname"] = qemu.VMNameFromCmdline(chain[0].Cmdline)
		}
		if g.containerLabels {
			if id, ok := containerID(newest.CgroupPaths); ok {
				attrs["container_id"] = id
			}
		}

		records = append(records, Metric{
			Name:       "vmjoule_process_power_consumption_microwatts",
			Help:       "Power consumption attributed to the process",
			Kind:       Gauge,
			Value:      strconv.FormatFloat(factor*power.MicroWatts(), 'f', -1, 64),
			Attributes: attrs,
		})
	}

	return records
}

func processExe(rec sensor.ProcessRecord) string {
	if len(rec.Cmdline) > 0 && rec.Cmdline[0] != "" {
		return filepath.Base(rec.Cmdline[0])
	}
	return rec.Comm
}

// containerID extracts a container id from the process cgroup paths
func containerID(cgroupPaths []string) (string, bool) {
	for _, path := range cgroupPaths {
		for _, pattern := range containerIDPatterns {
			if m := pattern.FindStringSubmatch(path); m != nil {
				return m[1], true
			}
		}
	}
	return "", false
}
