// SPDX-FileCopyrightText: 2025 The vmjoule Authors
// SPDX-License-Identifier: Apache-2.0

package sensor

import "fmt"

// Energy is a cumulative energy reading as a uint64 microjoule count,
// matching the unit used by the powercap energy_uj counters.
type Energy uint64

const (
	MicroJoule Energy = 1
	MilliJoule        = 1000 * MicroJoule
	Joule             = 1000 * MilliJoule
)

func (e Energy) MicroJoules() uint64 {
	return uint64(e)
}

func (e Energy) Joules() float64 {
	return float64(e) / float64(Joule)
}

func (e Energy) String() string {
	return fmt.Sprintf("%.2fJ", e.Joules())
}

// Power is an instantaneous power value as float64 microwatts.
type Power float64

const (
	MicroWatt Power = 1.0
	MilliWatt       = 1000 * MicroWatt
	Watt            = 1000 * MilliWatt
)

func (p Power) MicroWatts() float64 {
	return float64(p)
}

func (p Power) Watts() float64 {
	return float64(p / Watt)
}

func (p Power) String() string {
	return fmt.Sprintf("%.2fW", p.Watts())
}
