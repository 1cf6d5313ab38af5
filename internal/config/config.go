// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config holds the small set of recognized runtime tunables from
// spec.md §6.5. The teacher's internal/config round-trips HCL for a large
// policy surface (interfaces, zones, services); this service's tunable
// surface is two scalars, so JSON via encoding/json is proportionate —
// pulling in hashicorp/hcl for that would be the kind of dependency this
// exercise asks us to justify, not adopt reflexively.
package config

import (
	"encoding/json"
	"os"

	"grimm.is/trafficctl/internal/constants"
)

// Config is the service's runtime configuration (§6.5). All other tunables
// (max message size, timeouts, rate-limit capacity/window, max history
// entries) are compile-time constants in internal/constants.
type Config struct {
	// AutoApplyLKGOnStartup loads the last-known-good policy and applies it
	// when trafficctld starts. Failure to do so is logged but non-fatal.
	AutoApplyLKGOnStartup bool `json:"autoApplyLkgOnStartup"`

	// FileWatch holds the hot-reload watcher's tunables.
	FileWatch FileWatchConfig `json:"fileWatch"`

	// MetricsListenAddr, when non-empty, binds a loopback-only Prometheus
	// scrape endpoint (SPEC_FULL.md §3 domain stack). Empty disables it.
	MetricsListenAddr string `json:"metricsListenAddr,omitempty"`

	// LogLevel is the default structured-log level ("debug","info","warn","error").
	LogLevel string `json:"logLevel,omitempty"`
}

// FileWatchConfig holds the debounce tunable for the hot-reload watcher (§4.9).
type FileWatchConfig struct {
	DebounceMs int `json:"debounceMs"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		AutoApplyLKGOnStartup: false,
		FileWatch:             FileWatchConfig{DebounceMs: constants.DebounceDefaultMs},
		LogLevel:              "info",
	}
}

// LoadFile reads and validates a JSON config file, following the teacher's
// validate-then-apply two-step shape: parse, clamp/validate, only then
// hand back a Config callers can trust.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.clamp()
	return cfg, nil
}

// clamp normalizes out-of-range tunables instead of rejecting the whole
// file over one field, matching §6.5's "clamped to 100..30000" contract.
func (c *Config) clamp() {
	if c.FileWatch.DebounceMs < constants.DebounceMinMs {
		c.FileWatch.DebounceMs = constants.DebounceMinMs
	}
	if c.FileWatch.DebounceMs > constants.DebounceMaxMs {
		c.FileWatch.DebounceMs = constants.DebounceMaxMs
	}
	if c.FileWatch.DebounceMs == 0 {
		c.FileWatch.DebounceMs = constants.DebounceDefaultMs
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
