// SPDX-FileCopyrightText: 2025 The vmjoule Authors
// SPDX-License-Identifier: Apache-2.0

package sensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnergyConversions(t *testing.T) {
	e := 2_500_000 * MicroJoule
	assert.Equal(t, uint64(2_500_000), e.MicroJoules())
	assert.Equal(t, 2.5, e.Joules())
	assert.Equal(t, "2.50J", e.String())
}

func TestPowerConversions(t *testing.T) {
	p := 1_500_000 * MicroWatt
	assert.Equal(t, 1_500_000.0, p.MicroWatts())
	assert.Equal(t, 1.5, p.Watts())
	assert.Equal(t, "1.50W", p.String())
}
