// SPDX-FileCopyrightText: 2025 The vmjoule Authors
// SPDX-License-Identifier: Apache-2.0

package qemu

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyEnergyBootstrap(t *testing.T) {
	vmPath := filepath.Join(t.TempDir(), "myvm")
	store := NewCounterStore(slog.Default())

	require.NoError(t, store.ApplyEnergy(vmPath, 100))

	domain := filepath.Join(vmPath, "domain-0")
	core := filepath.Join(domain, "domain-0:core-0")

	assert.Equal(t, "package-0", readFile(t, filepath.Join(domain, "name")))
	assert.Equal(t, "core", readFile(t, filepath.Join(core, "name")))
	assert.Equal(t, "100", readFile(t, filepath.Join(domain, "energy_uj")))
	assert.Equal(t, "100", readFile(t, filepath.Join(core, "energy_uj")))
}

func TestApplyEnergyCreatesLayoutOnlyOnce(t *testing.T) {
	vmPath := filepath.Join(t.TempDir(), "myvm")
	store := NewCounterStore(slog.Default())

	require.NoError(t, store.ApplyEnergy(vmPath, 5))

	// scribble over a label; a second apply must not recreate it
	label := filepath.Join(vmPath, "domain-0", "name")
	require.NoError(t, os.WriteFile(label, []byte("scribble"), 0o644))

	require.NoError(t, store.ApplyEnergy(vmPath, 5))

	assert.Equal(t, "scribble", readFile(t, label))
	assert.Equal(t, "10", readFile(t, filepath.Join(vmPath, "domain-0", "energy_uj")))
}

func TestApplyEnergyAccumulatesAcrossRestarts(t *testing.T) {
	vmPath := filepath.Join(t.TempDir(), "myvm")

	deltas := []uint64{0, 5, 10, 85}
	for _, delta := range deltas {
		// a fresh store per call simulates a service restart
		store := NewCounterStore(slog.Default())
		require.NoError(t, store.ApplyEnergy(vmPath, delta))
	}

	assert.Equal(t, "100", readFile(t, filepath.Join(vmPath, "domain-0", "energy_uj")))
	assert.Equal(t, "100", readFile(t, filepath.Join(vmPath, "domain-0", "domain-0:core-0", "energy_uj")))
}

func TestApplyEnergyTreatsUnparseableCounterAsZero(t *testing.T) {
	vmPath := filepath.Join(t.TempDir(), "myvm")
	store := NewCounterStore(slog.Default())

	require.NoError(t, store.ApplyEnergy(vmPath, 1))
	counter := filepath.Join(vmPath, "domain-0", "energy_uj")
	require.NoError(t, os.WriteFile(counter, []byte("garbage"), 0o644))

	require.NoError(t, store.ApplyEnergy(vmPath, 7))
	assert.Equal(t, "7", readFile(t, counter))
}

func TestApplyEnergyFatalWhenTreeNotCreatable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte{}, 0o644))

	store := NewCounterStore(slog.Default())
	err := store.ApplyEnergy(filepath.Join(blocker, "myvm"), 1)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExportTree)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
