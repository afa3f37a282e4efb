// SPDX-FileCopyrightText: 2025 The vmjoule Authors
// SPDX-License-Identifier: Apache-2.0

package sensor

import (
	"fmt"

	"github.com/prometheus/procfs/sysfs"
)

// EnergyZone is a single RAPL zone exposing a cumulative, wrapping
// microjoule counter.
type EnergyZone interface {
	// Name returns the zone base name, e.g. "package" or "core"
	Name() string

	// Index distinguishes zones sharing a base name on multi-socket hosts
	Index() int

	// Energy returns the current cumulative energy reading
	Energy() (Energy, error)

	// MaxEnergy returns the counter value at which the reading wraps to 0
	MaxEnergy() Energy
}

// EnergyReader enumerates the energy zones of the host
type EnergyReader interface {
	Zones() ([]EnergyZone, error)
}

// powercapReader reads RAPL zones through the Linux powercap sysfs interface
type powercapReader struct {
	fs sysfs.FS
}

var _ EnergyReader = (*powercapReader)(nil)

// NewPowercapReader creates an EnergyReader backed by the powercap
// hierarchy under the given sysfs mount point.
func NewPowercapReader(sysfsPath string) (*powercapReader, error) {
	fs, err := sysfs.NewFS(sysfsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to access sysfs: %w", err)
	}
	return &powercapReader{fs: fs}, nil
}

func (p *powercapReader) Zones() ([]EnergyZone, error) {
	raplZones, err := sysfs.GetRaplZones(p.fs)
	if err != nil {
		return nil, fmt.Errorf("failed to read rapl zones: %w", err)
	}

	zones := make([]EnergyZone, 0, len(raplZones))
	for _, z := range raplZones {
		zones = append(zones, sysfsRaplZone{z})
	}
	return zones, nil
}

// sysfsRaplZone adapts sysfs.RaplZone to the EnergyZone interface
type sysfsRaplZone struct {
	zone sysfs.RaplZone
}

func (s sysfsRaplZone) Name() string {
	return s.zone.Name
}

func (s sysfsRaplZone) Index() int {
	return s.zone.Index
}

func (s sysfsRaplZone) Energy() (Energy, error) {
	uj, err := s.zone.GetEnergyMicrojoules()
	return Energy(uj), err
}

func (s sysfsRaplZone) MaxEnergy() Energy {
	return Energy(s.zone.MaxMicrojoules)
}
