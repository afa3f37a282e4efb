// SPDX-FileCopyrightText: 2025 The vmjoule Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/alecthomas/kingpin/v2"

	"github.com/vmjoule/vmjoule/internal/config"
	"github.com/vmjoule/vmjoule/internal/exporter/prometheus"
	"github.com/vmjoule/vmjoule/internal/exporter/qemu"
	"github.com/vmjoule/vmjoule/internal/logger"
	"github.com/vmjoule/vmjoule/internal/sensor"
	"github.com/vmjoule/vmjoule/internal/server"
	"github.com/vmjoule/vmjoule/internal/service"
	"github.com/vmjoule/vmjoule/internal/version"
)

func main() {
	cmd, cfg, err := parseArgsAndConfig()
	if err != nil {
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	logVersionInfo(log)

	services, err := createServices(cmd, cfg, log)
	if err != nil {
		log.Error("failed to create services", "error", err)
		os.Exit(1)
	}
	services = append(services, service.NewSignalHandler(os.Interrupt, syscall.SIGTERM))

	if err := service.Init(log, services); err != nil {
		log.Error("initialization failed", "error", err)
		os.Exit(1)
	}

	if err := service.Run(context.Background(), log, services); err != nil {
		log.Error("terminated with an error", "error", err)
		os.Exit(1)
	}
	log.Info("Graceful shutdown completed")
}

func parseArgsAndConfig() (string, *config.Config, error) {
	app := kingpin.New("vmjoule", "Power consumption exporter for hosts and their QEMU/KVM guests.")

	configFile := app.Flag("config.file", "Path to YAML configuration file").String()
	updateConfig := config.RegisterFlags(app)

	app.Command("prometheus", "Expose power metrics on a Prometheus HTTP endpoint")
	app.Command("qemu", "Export per-guest energy counters as powercap-style files")

	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	log := logger.New("info", "text", os.Stderr)
	cfg := config.DefaultConfig()
	if *configFile != "" {
		loaded, err := config.FromFile(*configFile)
		if err != nil {
			log.Error("failed to load config file", "path", *configFile, "error", err)
			return "", nil, err
		}
		cfg = loaded
	}

	// command line flags override config file settings
	if err := updateConfig(cfg); err != nil {
		log.Error("invalid configuration", "error", err)
		return "", nil, err
	}

	return cmd, cfg, nil
}

func createServices(cmd string, cfg *config.Config, log *slog.Logger) ([]service.Service, error) {
	topo, err := sensor.NewTopology(
		sensor.WithLogger(log),
		sensor.WithSysFSPath(cfg.Host.SysFS),
		sensor.WithProcFSPath(cfg.Host.ProcFS),
	)
	if err != nil {
		return nil, err
	}

	switch cmd {
	case "prometheus":
		apiServer := server.NewAPIServer(
			server.WithLogger(log),
			server.WithListen(cfg.Web.Address, cfg.Web.Port),
		)
		exporter := prometheus.NewExporter(topo, apiServer,
			prometheus.WithLogger(log),
			prometheus.WithVMLabels(cfg.Web.VMLabels),
			prometheus.WithContainerLabels(cfg.Web.ContainerLabels),
		)
		return []service.Service{exporter, apiServer}, nil

	case "qemu":
		exporter := qemu.NewExporter(topo,
			qemu.WithLogger(log),
			qemu.WithExportPath(cfg.Qemu.ExportPath),
		)
		return []service.Service{exporter}, nil

	default:
		return nil, fmt.Errorf("unknown command: %s", cmd)
	}
}

func logVersionInfo(log *slog.Logger) {
	v := version.Get()
	log.Info("vmjoule",
		"version", v.Version,
		"buildTime", v.BuildTime,
		"gitCommit", v.GitCommit,
		"goVersion", v.GoVersion,
		"goOS", v.GoOS,
		"goArch", v.GoArch,
	)
}
