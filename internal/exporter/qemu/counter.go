// SPDX-FileCopyrightText: 2025 The vmjoule Authors
// SPDX-License-Identifier: Apache-2.0

package qemu

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// On-disk layout mimicking the powercap pseudo-filesystem, so guest
// tooling that reads hardware energy counters works unchanged:
//
//	<vm path>/domain-0/name                     = "package-0"
//	<vm path>/domain-0/energy_uj                = counter
//	<vm path>/domain-0/domain-0:core-0/name     = "core"
//	<vm path>/domain-0/domain-0:core-0/energy_uj = same counter
const (
	domainDir   = "domain-0"
	coreDir     = "domain-0:core-0"
	counterFile = "energy_uj"
	labelFile   = "name"
	domainLabel = "package-0"
	coreLabel   = "core"
)

// ErrExportTree marks directory-creation failures under the export
// root. The export target not being creatable means the exporter cannot
// fulfill its purpose at all, so callers must treat it as fatal.
var ErrExportTree = errors.New("cannot create export tree")

// CounterStore persists cumulative per-VM energy counters. Every update
// is read-modify-write on the domain-level counter, never a blind
// overwrite, so totals survive process restarts.
type CounterStore struct {
	logger *slog.Logger
}

func NewCounterStore(logger *slog.Logger) *CounterStore {
	return &CounterStore{logger: logger.With("component", "counter-store")}
}

// ApplyEnergy adds delta microjoules to the counters under vmPath,
// creating the directory layout and label files on first use. The
// domain-level counter is the source of truth: it is read back, while
// the core-level counter is only written, kept numerically identical so
// readers expecting either a package-wide or a single-core value see
// the full attributed draw. The two writes are not transactional; a
// crash in between diverges them until the next cycle rewrites both.
func (s *CounterStore) ApplyEnergy(vmPath string, delta uint64) error {
	domain := filepath.Join(vmPath, domainDir)
	core := filepath.Join(domain, coreDir)

	if err := s.ensureDomain(domain, domainLabel); err != nil {
		return err
	}
	if err := s.ensureDomain(core, coreLabel); err != nil {
		return err
	}

	total := delta
	if data, err := os.ReadFile(filepath.Join(domain, counterFile)); err == nil {
		if current, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64); err == nil {
			total += current
		}
	}

	value := []byte(strconv.FormatUint(total, 10))
	if err := os.WriteFile(filepath.Join(domain, counterFile), value, 0o644); err != nil {
		return fmt.Errorf("failed to write domain counter: %w", err)
	}
	if err := os.WriteFile(filepath.Join(core, counterFile), value, 0o644); err != nil {
		return fmt.Errorf("failed to write core counter: %w", err)
	}
	return nil
}

// ensureDomain creates dir and its label file the first time it is
// needed. Creation failure is the fatal ErrExportTree class; a label
// write failure is an ordinary filesystem error.
func (s *CounterStore) ensureDomain(dir, label string) error {
	if _, err := os.Stat(dir); err == nil {
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrExportTree, dir, err)
	}
	s.logger.Info("Created export directory", "path", dir)

	if err := os.WriteFile(filepath.Join(dir, labelFile), []byte(label), 0o644); err != nil {
		return fmt.Errorf("failed to write label file: %w", err)
	}
	return nil
}
