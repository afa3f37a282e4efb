// SPDX-FileCopyrightText: 2025 The vmjoule Authors
// SPDX-License-Identifier: Apache-2.0

package qemu

// Interval is one measured slice of dynamic host consumption
type Interval struct {
	DynamicPower float64 // microwatts
	Duration     float64 // seconds
}

// DynamicEnergy returns the interval's total dynamic energy in
// microjoules.
func (iv Interval) DynamicEnergy() float64 {
	return iv.DynamicPower * iv.Duration
}

// computeInterval reads the latest power and time diffs from the
// topology. No result means there is no prior baseline yet (e.g. the
// very first tick) and the whole cycle must be skipped silently; it is
// an expected transient state, not an error.
func computeInterval(topo Topology) (Interval, bool) {
	power, ok := topo.PowerDiff()
	if !ok {
		return Interval{}, false
	}
	duration, ok := topo.TimeDiff()
	if !ok || duration <= 0 {
		return Interval{}, false
	}
	return Interval{DynamicPower: power.MicroWatts(), Duration: duration}, true
}
