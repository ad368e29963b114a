// Package config holds the process-wide configuration read once at startup
// (spec §6 "Configuration"): arena reservation size, global residency
// budget, scratch directory, dispatcher worker-pool size, and the default
// min_load_elements used when a source specifies zero.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
)

// FormatVersion is the backing-store header format version this build
// writes and the minimum version it will read back (internal/backingstore
// enforces the major-version compatibility check against it).
var FormatVersion = semver.MustParse("1.0.0")

const (
	defaultArenaBytes      = 256 << 30 // 256 GiB of reserved address space, no physical commit
	defaultBudgetBytes     = 1 << 30   // 1 GiB global residency budget
	defaultWorkerPoolSize  = 8
	defaultMinLoadElements = 0 // 0: descriptor.New falls back to one element, rounded up to a one-page install unit
)

// Config is the process-wide configuration, read once by
// internal/lifecycle on first object creation.
type Config struct {
	ArenaBytes          uint64 `json:"arena_bytes"`
	ResidencyBudgetBytes uint64 `json:"residency_budget_bytes"`
	ScratchDir          string `json:"scratch_dir"`
	WorkerPoolSize      int    `json:"worker_pool_size"`
	DefaultMinLoad      int64  `json:"default_min_load_elements"`
}

// Default returns the built-in configuration, matching the orders of
// magnitude spec §4.1/§4.6 describe ("hundreds of GiB", a configurable
// residency budget).
func Default() *Config {
	return &Config{
		ArenaBytes:           defaultArenaBytes,
		ResidencyBudgetBytes: defaultBudgetBytes,
		ScratchDir:           os.TempDir(),
		WorkerPoolSize:       defaultWorkerPoolSize,
		DefaultMinLoad:       defaultMinLoadElements,
	}
}

// Load reads a JSON configuration file, falling back to Default() for any
// field left at its zero value.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var onDisk Config
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if onDisk.ArenaBytes != 0 {
		cfg.ArenaBytes = onDisk.ArenaBytes
	}
	if onDisk.ResidencyBudgetBytes != 0 {
		cfg.ResidencyBudgetBytes = onDisk.ResidencyBudgetBytes
	}
	if onDisk.ScratchDir != "" {
		cfg.ScratchDir = onDisk.ScratchDir
	}
	if onDisk.WorkerPoolSize != 0 {
		cfg.WorkerPoolSize = onDisk.WorkerPoolSize
	}
	if onDisk.DefaultMinLoad != 0 {
		cfg.DefaultMinLoad = onDisk.DefaultMinLoad
	}

	return cfg, nil
}

// Save writes cfg to path as indented JSON, matching the teacher's
// config-file round-trip conventions.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks the configuration for the obviously-invalid values spec
// §7's invalid-source kind is meant to catch at the boundary layer.
func (c *Config) Validate() error {
	if c.ArenaBytes == 0 {
		return fmt.Errorf("arena_bytes must be > 0")
	}
	if c.ResidencyBudgetBytes == 0 {
		return fmt.Errorf("residency_budget_bytes must be > 0")
	}
	if c.ResidencyBudgetBytes > c.ArenaBytes {
		return fmt.Errorf("residency_budget_bytes (%d) cannot exceed arena_bytes (%d)", c.ResidencyBudgetBytes, c.ArenaBytes)
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("worker_pool_size must be > 0")
	}
	return nil
}
