// SPDX-FileCopyrightText: 2025 The vmjoule Authors
// SPDX-License-Identifier: Apache-2.0

// Package service defines the lifecycle contracts shared by the
// long-running units of the agent and runs them as a group.
package service

import "context"

// Service is implemented by every named unit of the agent
type Service interface {
	// Name returns the name of the service
	Name() string
}

// Initializer is implemented by services that must set up state before
// any service runs
type Initializer interface {
	Service
	Init() error
}

// Runner is implemented by services that run in the background.
type Runner interface {
	Service
	// Run blocks until the service stops or ctx is cancelled
	Run(ctx context.Context) error
}

// Shutdowner is implemented by services that need cleanup on termination
type Shutdowner interface {
	Service
	Shutdown() error
}
