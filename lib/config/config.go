// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the master configuration for the agent.
type Config struct {
	// Path is the file this config was loaded from. Not serialised.
	Path string `toml:"-"`

	Agent       AgentConfig        `toml:"agent"`
	Cloud       CloudConfig        `toml:"cloud"`
	Skyline     SkylineConfig      `toml:"skyline"`
	Watcher     WatcherConfig      `toml:"watcher"`
	Spool       SpoolConfig        `toml:"spool"`
	Instruments []InstrumentConfig `toml:"instruments"`
}

// AgentConfig configures agent-level identity and logging.
type AgentConfig struct {
	// AgentID identifies this agent instance in outgoing payloads.
	// The literal "auto" derives an id from a SHA-256 hash of the host
	// name, computed again at every startup; no hardware identifiers
	// are read.
	AgentID string `toml:"agent_id"`

	// LogLevel is one of error|warn|info|debug|trace.
	LogLevel string `toml:"log_level"`

	// EnableToastNotifications is parsed from config.toml; no component
	// of the agent reads it, and no desktop notifications are emitted.
	EnableToastNotifications bool `toml:"enable_toast_notifications"`
}

// CloudConfig configures the upload destination.
type CloudConfig struct {
	// Endpoint is the URL prefix uploads are POSTed against.
	Endpoint string `toml:"endpoint"`

	// CertificateThumbprint selects the mTLS client certificate.
	CertificateThumbprint string `toml:"certificate_thumbprint"`
}

// SkylineConfig configures the extraction backend.
type SkylineConfig struct {
	// Path is the extractor binary path, or the literal "auto" to
	// run discovery.
	Path string `toml:"path"`

	// TimeoutSeconds bounds extraction wall-clock time.
	TimeoutSeconds int `toml:"timeout_seconds"`

	// ProcessPriority is one of normal|below_normal|idle.
	ProcessPriority string `toml:"process_priority"`
}

// WatcherConfig configures discovery and stabilization timing.
type WatcherConfig struct {
	ScanIntervalSeconds         int `toml:"scan_interval_seconds"`
	StabilityWindowSeconds      int `toml:"stability_window_seconds"`
	StabilizationTimeoutSeconds int `toml:"stabilization_timeout_seconds"`
}

// SpoolConfig bounds the on-disk queue's footprint.
type SpoolConfig struct {
	MaxPendingMB            int64 `toml:"max_pending_mb"`
	MaxAgeDays              int   `toml:"max_age_days"`
	CompletedRetentionCount int   `toml:"completed_retention_count"`
}

// InstrumentConfig is one watch configuration.
type InstrumentConfig struct {
	ID          string `toml:"id"`
	Vendor      string `toml:"vendor"`
	WatchPath   string `toml:"watch_path"`
	FilePattern string `toml:"file_pattern"`
	Template    string `toml:"template"`
}

// Default returns the configuration used as a base before loading the
// config file, matching every default spec names explicitly.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			AgentID:  "auto",
			LogLevel: "info",
		},
		Cloud: CloudConfig{
			Endpoint: "https://qc-ingest.massdynamics.com/v1/",
		},
		Skyline: SkylineConfig{
			TimeoutSeconds:  300,
			ProcessPriority: "below_normal",
		},
		Watcher: WatcherConfig{
			ScanIntervalSeconds:         30,
			StabilityWindowSeconds:      60,
			StabilizationTimeoutSeconds: 600,
		},
		Spool: SpoolConfig{
			MaxPendingMB:            1000,
			MaxAgeDays:              30,
			CompletedRetentionCount: 10,
		},
	}
}

// Load loads configuration from the MDQC_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit
// path. There is no fallback: if MDQC_CONFIG is not set, this fails.
func Load() (*Config, error) {
	path := os.Getenv("MDQC_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("MDQC_CONFIG environment variable not set; " +
			"set it to the path of your config.toml file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, merging
// values over the defaults returned by Default.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	cfg.Path = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for missing required instrument
// fields. Every configured instrument needs an id, watch path, and
// extraction template; everything else has a usable default.
func (c *Config) Validate() error {
	for i, inst := range c.Instruments {
		if inst.ID == "" {
			return fmt.Errorf("instruments[%d]: empty id", i)
		}
		if inst.WatchPath == "" {
			return fmt.Errorf("instrument %q: empty watch_path", inst.ID)
		}
		if inst.Template == "" {
			return fmt.Errorf("instrument %q: empty template", inst.ID)
		}
		if inst.FilePattern == "" {
			c.Instruments[i].FilePattern = "*"
		}
	}
	return nil
}
