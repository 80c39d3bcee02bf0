// SPDX-License-Identifier: MIT

// Package config loads process configuration from the environment with
// precedence ENV > defaults.
package config

import (
	"fmt"
	"time"
)

// Config holds all runtime configuration for the check-in service.
type Config struct {
	Listen  string // HTTP listen address
	DataDir string // Badger database directory

	// RedisAddr selects the cache backend. Empty means the no-op cache:
	// every capacity operation then runs against the durable store alone.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Global lifecycle defaults, overridable per session.
	AutoOpenMinutes      int
	AutoEndGraceMinutes  int
	LateThresholdMinutes int

	JobInterval       time.Duration // lifecycle scheduler tick
	ReconcileInterval time.Duration // cache reconciliation tick

	// Cache TTLs per data class. Capacity status sits on the check-in hot
	// path and deliberately uses a very short TTL.
	SessionTTL        time.Duration
	CapacityStatusTTL time.Duration
	CounterTTL        time.Duration
	StatsTTL          time.Duration

	LogLevel string
}

// Load reads configuration from CHECKIND_* environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Listen:        ParseString("CHECKIND_LISTEN", ":8080"),
		DataDir:       ParseString("CHECKIND_DATA_DIR", "/var/lib/checkind"),
		RedisAddr:     ParseString("CHECKIND_REDIS_ADDR", ""),
		RedisPassword: ParseString("CHECKIND_REDIS_PASSWORD", ""),
		RedisDB:       ParseInt("CHECKIND_REDIS_DB", 0),

		AutoOpenMinutes:      ParseInt("CHECKIND_AUTO_OPEN_MINUTES", 10),
		AutoEndGraceMinutes:  ParseInt("CHECKIND_AUTO_END_GRACE_MINUTES", 0),
		LateThresholdMinutes: ParseInt("CHECKIND_LATE_THRESHOLD_MINUTES", 15),

		JobInterval:       ParseDuration("CHECKIND_JOB_INTERVAL", 30*time.Second),
		ReconcileInterval: ParseDuration("CHECKIND_RECONCILE_INTERVAL", 30*time.Second),

		SessionTTL:        ParseDuration("CHECKIND_SESSION_TTL", time.Minute),
		CapacityStatusTTL: ParseDuration("CHECKIND_CAPACITY_STATUS_TTL", 5*time.Second),
		CounterTTL:        ParseDuration("CHECKIND_COUNTER_TTL", time.Hour),
		StatsTTL:          ParseDuration("CHECKIND_STATS_TTL", 30*time.Second),

		LogLevel: ParseString("LOG_LEVEL", "info"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data dir is empty")
	}
	if c.AutoOpenMinutes < 0 {
		return fmt.Errorf("auto-open minutes must not be negative: %d", c.AutoOpenMinutes)
	}
	if c.AutoEndGraceMinutes < 0 {
		return fmt.Errorf("auto-end grace minutes must not be negative: %d", c.AutoEndGraceMinutes)
	}
	if c.LateThresholdMinutes < 0 {
		return fmt.Errorf("late threshold minutes must not be negative: %d", c.LateThresholdMinutes)
	}
	if c.JobInterval <= 0 {
		return fmt.Errorf("job interval must be positive: %s", c.JobInterval)
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile interval must be positive: %s", c.ReconcileInterval)
	}
	return nil
}
