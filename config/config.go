// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

// Package config loads the settings of the qxl tools: a YAML file merged over
// defaults, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"go.yaml.in/yaml/v3"

	"github.com/mulgadc/qxlmem/qxl"
	"github.com/mulgadc/qxlmem/qxl/backends/memory"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Backend  string         `yaml:"backend"`
	LogLevel string         `yaml:"log_level"`
	PCI      PCIConfig      `yaml:"pci"`
	Memory   MemoryConfig   `yaml:"memory"`
	OOM      OOMConfig      `yaml:"oom"`
	Surfaces SurfacesConfig `yaml:"surfaces"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type PCIConfig struct {
	Address string `yaml:"address"`
	DevPort string `yaml:"dev_port"`
}

type MemoryConfig struct {
	RAMSize     int    `yaml:"ram_size"`
	VRAMSize    int    `yaml:"vram_size"`
	ROMSize     int    `yaml:"rom_size"`
	NumSurfaces uint32 `yaml:"num_surfaces"`
}

type OOMConfig struct {
	RetryLimit int           `yaml:"retry_limit"`
	Backoff    time.Duration `yaml:"backoff"`
}

type SurfacesConfig struct {
	PoolSize int `yaml:"pool_size"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

func Defaults() Config {
	return Config{
		Backend:  "memory",
		LogLevel: "info",
		PCI: PCIConfig{
			DevPort: "/dev/port",
		},
		Memory: MemoryConfig{
			RAMSize:     memory.DefaultRAMSize,
			VRAMSize:    memory.DefaultVRAMSize,
			ROMSize:     memory.DefaultROMSize,
			NumSurfaces: 1024,
		},
		OOM: OOMConfig{
			RetryLimit: qxl.DefaultRetryLimit,
			Backoff:    qxl.DefaultOOMBackoff,
		},
		Surfaces: SurfacesConfig{
			PoolSize: qxl.DefaultSurfacePoolSize,
		},
		Metrics: MetricsConfig{
			Listen:    "127.0.0.1:9464",
			Path:      "/metrics",
			Namespace: "qxl",
		},
	}
}

// Load reads path, fills everything it leaves unset from Defaults and
// applies environment overrides. An empty path yields the defaults.
func Load(path string) (Config, error) {
	var raw []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		raw = b
	}
	return Parse(raw, os.Getenv)
}

// Parse is Load on an in-memory document with a custom environment lookup
func Parse(raw []byte, getenv func(string) string) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := mergo.Merge(&cfg, Defaults()); err != nil {
		return Config{}, fmt.Errorf("merge defaults: %w", err)
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (cfg *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("QXL_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := getenv("QXL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("QXL_PCI_ADDRESS"); v != "" {
		cfg.PCI.Address = v
	}
	if v := getenv("QXL_OOM_RETRY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("QXL_OOM_RETRY_LIMIT: %w", err)
		}
		cfg.OOM.RetryLimit = n
	}
	if v := getenv("QXL_OOM_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("QXL_OOM_BACKOFF: %w", err)
		}
		cfg.OOM.Backoff = d
	}
	if v := getenv("QXL_SURFACE_POOL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("QXL_SURFACE_POOL: %w", err)
		}
		cfg.Surfaces.PoolSize = n
	}
	if v := getenv("QXL_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = ParseBool(v)
	}
	if v := getenv("QXL_METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}
	return nil
}

// ParseBool accepts 0/off/false/no and 1/on/true/yes in any case. Anything
// else counts as true.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "off", "false", "no":
		return false
	case "1", "on", "true", "yes":
		return true
	}
	slog.Warn("unknown boolean value, assuming true", "value", s)
	return true
}

func (cfg Config) Validate() error {
	switch cfg.Backend {
	case "memory", "pci":
	default:
		return fmt.Errorf("backend %q: %w", cfg.Backend, ErrInvalid)
	}
	if cfg.Backend == "pci" && cfg.PCI.Address == "" {
		return fmt.Errorf("pci backend without address: %w", ErrInvalid)
	}
	if cfg.OOM.RetryLimit <= 0 {
		return fmt.Errorf("oom.retry_limit %d: %w", cfg.OOM.RetryLimit, ErrInvalid)
	}
	if cfg.OOM.Backoff < 0 {
		return fmt.Errorf("oom.backoff %s: %w", cfg.OOM.Backoff, ErrInvalid)
	}
	if cfg.Surfaces.PoolSize <= 0 {
		return fmt.Errorf("surfaces.pool_size %d: %w", cfg.Surfaces.PoolSize, ErrInvalid)
	}
	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return err
	}
	return nil
}

// Options converts the driver settings for qxl.Open
func (cfg Config) Options() qxl.Options {
	return qxl.Options{
		RetryLimit:      cfg.OOM.RetryLimit,
		OOMBackoff:      cfg.OOM.Backoff,
		SurfacePoolSize: cfg.Surfaces.PoolSize,
	}
}

// ParseLevel maps a log_level setting to a slog level
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, ErrInvalid)
	}
	return l, nil
}
