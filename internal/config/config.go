// SPDX-FileCopyrightText: 2025 The vmjoule Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"
)

type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}

	// Web configures the prometheus exporter's HTTP endpoint
	Web struct {
		Address string `yaml:"address"`
		Port    string `yaml:"port"`
		// Suffix is documented as the metrics path but the handler
		// currently hard-codes /metrics; the flag is accepted and kept
		// for compatibility with existing unit files.
		Suffix string `yaml:"suffix"`

		// VMLabels adds a vmname label to guest process series
		VMLabels bool `yaml:"vmLabels"`
		// ContainerLabels adds a container_id label to containerized
		// process series
		ContainerLabels bool `yaml:"containerLabels"`
	}

	// Qemu configures the per-VM energy counter exporter
	Qemu struct {
		ExportPath string `yaml:"exportPath"`
	}

	// Host points at the kernel pseudo-filesystems, overridable for
	// containerized deployments
	Host struct {
		SysFS  string `yaml:"sysfs"`
		ProcFS string `yaml:"procfs"`
	}

	Config struct {
		Log  Log  `yaml:"log"`
		Web  Web  `yaml:"web"`
		Qemu Qemu `yaml:"qemu"`
		Host Host `yaml:"host"`
	}
)

const (
	LogLevelFlag   = "log.level"
	LogFormatFlag  = "log.format"
	AddressFlag    = "address"
	PortFlag       = "port"
	SuffixFlag     = "suffix"
	QemuFlag       = "qemu"
	ContainersFlag = "containers"
	ExportPathFlag = "export-path"
	SysFSFlag      = "host.sysfs"
	ProcFSFlag     = "host.procfs"
)

// DefaultExportPath is where guest energy counters are exported,
// conventionally under the host's libvirt data directory so it can be
// shared into guests.
const DefaultExportPath = "/var/lib/libvirt/vmjoule"

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	return &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Web: Web{
			Address: "::",
			Port:    "8080",
			Suffix:  "metrics",
		},
		Qemu: Qemu{
			ExportPath: DefaultExportPath,
		},
		Host: Host{
			SysFS:  "/sys",
			ProcFS: "/proc",
		},
	}
}

// Load loads configuration from an io.Reader
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile loads configuration from a file
func FromFile(filePath string) (*Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return Load(file)
}

type UpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with the kingpin app and
// returns an UpdaterFn that applies the parsed flags on top of a config,
// so that explicitly set flags override config file settings.
func RegisterFlags(app *kingpin.Application) UpdaterFn {
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		flagsSet = map[string]bool{}
		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")

	address := app.Flag(AddressFlag, "IPv4 or IPv6 address to expose the metrics endpoint on").Short('a').Default("::").String()
	port := app.Flag(PortFlag, "TCP port of the metrics endpoint").Short('p').Default("8080").String()
	suffix := app.Flag(SuffixFlag, "URL suffix to access metrics").Short('s').Default("metrics").String()
	qemu := app.Flag(QemuFlag, "Label process metrics with the QEMU guest name").Short('q').Bool()
	containers := app.Flag(ContainersFlag, "Label process metrics with the container id").Bool()

	exportPath := app.Flag(ExportPathFlag, "Directory the per-VM energy counters are exported to").Default(DefaultExportPath).String()
	sysfs := app.Flag(SysFSFlag, "Path to the sysfs mount point").Default("/sys").String()
	procfs := app.Flag(ProcFSFlag, "Path to the procfs mount point").Default("/proc").String()

	return func(cfg *Config) error {
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}
		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}
		if flagsSet[AddressFlag] {
			cfg.Web.Address = *address
		}
		if flagsSet[PortFlag] {
			cfg.Web.Port = *port
		}
		if flagsSet[SuffixFlag] {
			cfg.Web.Suffix = *suffix
		}
		if flagsSet[QemuFlag] {
			cfg.Web.VMLabels = *qemu
		}
		if flagsSet[ContainersFlag] {
			cfg.Web.ContainerLabels = *containers
		}
		if flagsSet[ExportPathFlag] {
			cfg.Qemu.ExportPath = *exportPath
		}
		if flagsSet[SysFSFlag] {
			cfg.Host.SysFS = *sysfs
		}
		if flagsSet[ProcFSFlag] {
			cfg.Host.ProcFS = *procfs
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Web.Address = strings.TrimSpace(c.Web.Address)
	c.Web.Port = strings.TrimSpace(c.Web.Port)
	c.Web.Suffix = strings.TrimSpace(c.Web.Suffix)
	c.Qemu.ExportPath = strings.TrimSpace(c.Qemu.ExportPath)
	c.Host.SysFS = strings.TrimSpace(c.Host.SysFS)
	c.Host.ProcFS = strings.TrimSpace(c.Host.ProcFS)
}

// Validate checks for configuration errors. Anything it rejects is a
// refuse-to-start condition: the process must exit before binding or
// writing anywhere.
func (c *Config) Validate() error {
	var errs []string

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
	}

	if net.ParseIP(c.Web.Address) == nil {
		errs = append(errs, fmt.Sprintf("%s is not a valid IP address", c.Web.Address))
	}

	if port, err := strconv.Atoi(c.Web.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("%s is not a valid TCP port number", c.Web.Port))
	}

	if c.Qemu.ExportPath == "" {
		errs = append(errs, "qemu export path must not be empty")
	}
	if c.Host.SysFS == "" {
		errs = append(errs, "sysfs path must not be empty")
	}
	if c.Host.ProcFS == "" {
		errs = append(errs, "procfs path must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}
	return nil
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("error marshaling config: %v", err)
	}
	return string(bytes)
}
