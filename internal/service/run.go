// SPDX-FileCopyrightText: 2025 The vmjoule Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/oklog/run"
)

// Init initializes all services implementing Initializer, in order. If
// one fails, the services initialized so far are shut down in reverse
// and the failure is returned.
func Init(logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	initialized := make([]Service, 0, len(services))
	for _, s := range services {
		init, ok := s.(Initializer)
		if !ok {
			continue
		}

		logger.Info("Initializing service", "service", s.Name())
		if err := init.Init(); err != nil {
			shutdownAll(logger, initialized)
			return fmt.Errorf("failed to initialize service %s: %w", s.Name(), err)
		}
		initialized = append(initialized, s)
	}

	return nil
}

// Run runs all services implementing Runner as a single group: the
// first to return takes the whole group down.
func Run(outer context.Context, logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	ctx, cancel := context.WithCancel(outer)
	defer cancel()

	var g run.Group
	for _, s := range services {
		runner, ok := s.(Runner)
		if !ok {
			logger.Debug("skipping non-runner service", "service", s.Name())
			continue
		}

		svc := s
		r := runner
		g.Add(
			func() error {
				logger.Info("Running service", "service", svc.Name())
				return r.Run(ctx)
			},
			func(err error) {
				cancel()
				if err != nil {
					logger.Warn("service terminated", "service", svc.Name(), "reason", err)
				}

				shutdowner, ok := svc.(Shutdowner)
				if !ok {
					return
				}
				logger.Info("shutting down", "service", svc.Name())
				if shutdownErr := shutdowner.Shutdown(); shutdownErr != nil {
					logger.Warn("service shutdown failed", "service", svc.Name(), "error", shutdownErr)
				}
			},
		)
	}

	return g.Run()
}

func shutdownAll(logger *slog.Logger, services []Service) {
	for i := len(services) - 1; i >= 0; i-- {
		s, ok := services[i].(Shutdowner)
		if !ok {
			continue
		}
		if err := s.Shutdown(); err != nil {
			logger.Error("failed to shutdown service", "service", services[i].Name(), "error", err)
		}
	}
}
