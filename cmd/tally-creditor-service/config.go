// Copyright 2026 The Tally Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the service configuration, loaded from a single YAML file.
// There is no automatic discovery: the file is named by the --config
// flag or the TALLY_CONFIG environment variable.
type Config struct {
	// Database is the path of the SQLite database file.
	Database string `yaml:"database"`

	// PoolSize is the number of pooled database connections.
	// Default: 4.
	PoolSize int `yaml:"pool_size"`

	// SignalSocket is the Unix socket path on which peer signal
	// streams are accepted.
	SignalSocket string `yaml:"signal_socket"`

	// PublishSocket is the Unix socket path to which outbound
	// messages are written.
	PublishSocket string `yaml:"publish_socket"`

	// Epsilon is the relative tolerance for float comparison in
	// configuration echoes. Default: 1e-5.
	Epsilon float64 `yaml:"epsilon"`

	// MaxDelay bounds how long reconciliation waits on a missing
	// predecessor transfer before bridging the gap, and how stale a
	// peer's last-transfer report must be before the ledger jumps to
	// it. A time.ParseDuration string. Default: "336h" (14 days).
	MaxDelay string `yaml:"max_delay"`

	// ReconcileBurst is the maximum number of transfer facts applied
	// to one account ledger per reconciliation pass. Default: 100.
	ReconcileBurst int `yaml:"reconcile_burst"`

	// ScanBurst is the maximum number of work items (dirty ledgers,
	// creditors with staged log entries) claimed per scan.
	// Default: 50.
	ScanBurst int `yaml:"scan_burst"`

	// OutboxBurst is the maximum number of outbound messages
	// published per dispatch. Default: 100.
	OutboxBurst int `yaml:"outbox_burst"`

	// ScanInterval is the pause between scan passes when the
	// previous pass found no work. A time.ParseDuration string.
	// Default: "1s".
	ScanInterval string `yaml:"scan_interval"`

	maxDelay     time.Duration
	scanInterval time.Duration
}

// loadConfig reads and validates the configuration file.
func loadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := &Config{
		PoolSize:       4,
		Epsilon:        1e-5,
		MaxDelay:       "336h",
		ReconcileBurst: 100,
		ScanBurst:      50,
		OutboxBurst:    100,
		ScanInterval:   "1s",
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database == "" {
		return fmt.Errorf("database path is required")
	}
	if c.SignalSocket == "" {
		return fmt.Errorf("signal_socket is required")
	}
	if c.PublishSocket == "" {
		return fmt.Errorf("publish_socket is required")
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size %d is not positive", c.PoolSize)
	}
	if c.Epsilon <= 0 || c.Epsilon >= 1 {
		return fmt.Errorf("epsilon %g is outside (0, 1)", c.Epsilon)
	}
	if c.ReconcileBurst < 1 || c.ScanBurst < 1 || c.OutboxBurst < 1 {
		return fmt.Errorf("burst sizes must be positive")
	}
	var err error
	c.maxDelay, err = time.ParseDuration(c.MaxDelay)
	if err != nil {
		return fmt.Errorf("max_delay: %w", err)
	}
	if c.maxDelay <= 0 {
		return fmt.Errorf("max_delay %s is not positive", c.MaxDelay)
	}
	c.scanInterval, err = time.ParseDuration(c.ScanInterval)
	if err != nil {
		return fmt.Errorf("scan_interval: %w", err)
	}
	if c.scanInterval <= 0 {
		return fmt.Errorf("scan_interval %s is not positive", c.ScanInterval)
	}
	return nil
}
