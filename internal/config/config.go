// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

// Package config provides layered configuration for Waypost.
//
// Precedence: environment variables > YAML config file > built-in defaults.
// Every operational constant of the pipeline (heartbeat interval, session
// TTL, reconnect ceiling, queue capacity) is configuration, not a hidden
// constant.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for both the server daemon and the
// tracker client.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Cache     CacheConfig     `koanf:"cache"`
	Database  DatabaseConfig  `koanf:"database"`
	Security  SecurityConfig  `koanf:"security"`
	Heartbeat HeartbeatConfig `koanf:"heartbeat"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Tracker   TrackerConfig   `koanf:"tracker"`
	API       APIConfig       `koanf:"api"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig holds HTTP server and worker-pool settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`

	// Workers is the number of worker processes to fork. 0 means one per
	// CPU. 1 runs the worker inline without forking (development mode).
	Workers int `koanf:"workers"`

	Environment string `koanf:"environment"`
}

// CacheConfig holds liveness-cache settings.
type CacheConfig struct {
	// Backend selects the cache implementation: "redis" or "memory".
	// The memory backend is single-process only and exists for development
	// and tests; multi-worker deployments require redis.
	Backend string `koanf:"backend"`

	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	// SessionTTL bounds session records and connection markers.
	SessionTTL time.Duration `koanf:"session_ttl"`

	// ResponseTTLAdmin and ResponseTTLUsers bound cached REST responses.
	ResponseTTLAdmin time.Duration `koanf:"response_ttl_admin"`
	ResponseTTLUsers time.Duration `koanf:"response_ttl_users"`
}

// DatabaseConfig holds durable-store settings.
type DatabaseConfig struct {
	Path         string `koanf:"path"`
	MaxOpenConns int    `koanf:"max_open_conns"`
}

// SecurityConfig holds authentication and rate-limit settings.
type SecurityConfig struct {
	JWTSecret    string        `koanf:"jwt_secret"`
	TokenTimeout time.Duration `koanf:"token_timeout"`
	BcryptCost   int           `koanf:"bcrypt_cost"`

	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`

	CORSOrigins []string `koanf:"cors_origins"`
}

// HeartbeatConfig holds liveness-probe settings.
type HeartbeatConfig struct {
	// Interval between monitor sweeps. A connection that produces no pong
	// across one full interval is terminated.
	Interval time.Duration `koanf:"interval"`
}

// PipelineConfig holds inbound update pipeline settings.
type PipelineConfig struct {
	// UpdatesPerSecond is the sustained per-user inbound rate; Burst is the
	// token bucket depth. Updates beyond the budget are dropped and logged.
	UpdatesPerSecond float64 `koanf:"updates_per_second"`
	Burst            int     `koanf:"burst"`
}

// TrackerConfig holds client reconnect state machine defaults.
type TrackerConfig struct {
	ServerURL            string        `koanf:"server_url"`
	UpdateInterval       time.Duration `koanf:"update_interval"`
	ConnectTimeout       time.Duration `koanf:"connect_timeout"`
	MaxReconnectAttempts int           `koanf:"max_reconnect_attempts"`
	QueueCapacity        int           `koanf:"queue_capacity"`
	BackoffBase          time.Duration `koanf:"backoff_base"`
	BackoffCap           time.Duration `koanf:"backoff_cap"`
}

// APIConfig holds REST pagination settings.
type APIConfig struct {
	DefaultPageSize int `koanf:"default_page_size"`
	MaxPageSize     int `koanf:"max_page_size"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// defaultConfig returns a Config with all default values applied.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        3000,
			Timeout:     30 * time.Second,
			Workers:     0,
			Environment: "development",
		},
		Cache: CacheConfig{
			Backend:          "redis",
			RedisAddr:        "127.0.0.1:6379",
			RedisPassword:    "",
			RedisDB:          0,
			SessionTTL:       time.Hour,
			ResponseTTLAdmin: 5 * time.Minute,
			ResponseTTLUsers: time.Minute,
		},
		Database: DatabaseConfig{
			Path:         "/data/waypost.db",
			MaxOpenConns: 1,
		},
		Security: SecurityConfig{
			JWTSecret:       "",
			TokenTimeout:    24 * time.Hour,
			BcryptCost:      10,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Heartbeat: HeartbeatConfig{
			Interval: 30 * time.Second,
		},
		Pipeline: PipelineConfig{
			UpdatesPerSecond: 1,
			Burst:            5,
		},
		Tracker: TrackerConfig{
			ServerURL:            "ws://127.0.0.1:3000/ws",
			UpdateInterval:       4000 * time.Millisecond,
			ConnectTimeout:       5000 * time.Millisecond,
			MaxReconnectAttempts: 5,
			QueueCapacity:        50,
			BackoffBase:          1000 * time.Millisecond,
			BackoffCap:           30000 * time.Millisecond,
		},
		API: APIConfig{
			DefaultPageSize: 10,
			MaxPageSize:     100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.Workers < 0 {
		return fmt.Errorf("server.workers must be >= 0, got %d", c.Server.Workers)
	}
	if c.Cache.Backend != "redis" && c.Cache.Backend != "memory" {
		return fmt.Errorf("cache.backend must be redis or memory, got %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr is required for the redis backend")
	}
	if c.Cache.SessionTTL <= 0 {
		return fmt.Errorf("cache.session_ttl must be positive, got %s", c.Cache.SessionTTL)
	}
	if c.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is required")
	}
	if c.Server.Environment == "production" && len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("security.jwt_secret must be at least 32 characters in production")
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive, got %s", c.Heartbeat.Interval)
	}
	if c.Pipeline.UpdatesPerSecond <= 0 {
		return fmt.Errorf("pipeline.updates_per_second must be positive, got %f", c.Pipeline.UpdatesPerSecond)
	}
	if c.Pipeline.Burst < 1 {
		return fmt.Errorf("pipeline.burst must be >= 1, got %d", c.Pipeline.Burst)
	}
	if c.Tracker.MaxReconnectAttempts < 1 {
		return fmt.Errorf("tracker.max_reconnect_attempts must be >= 1, got %d", c.Tracker.MaxReconnectAttempts)
	}
	if c.Tracker.QueueCapacity < 1 {
		return fmt.Errorf("tracker.queue_capacity must be >= 1, got %d", c.Tracker.QueueCapacity)
	}
	if c.Tracker.BackoffBase <= 0 || c.Tracker.BackoffCap < c.Tracker.BackoffBase {
		return fmt.Errorf("tracker backoff bounds invalid: base=%s cap=%s", c.Tracker.BackoffBase, c.Tracker.BackoffCap)
	}
	if c.API.DefaultPageSize < 1 || c.API.MaxPageSize < c.API.DefaultPageSize {
		return fmt.Errorf("api page sizes invalid: default=%d max=%d", c.API.DefaultPageSize, c.API.MaxPageSize)
	}
	return nil
}
