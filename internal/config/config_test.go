// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

package config

import (
	"testing"
	"time"
)

// validConfig returns a default config patched with a secret so that
// Validate passes.
func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Security.JWTSecret = "test-secret-value-0123456789abcdef"
	return cfg
}

func TestDefaultsMatchPipelineContract(t *testing.T) {
	cfg := defaultConfig()

	checks := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"heartbeat interval", cfg.Heartbeat.Interval, 30 * time.Second},
		{"session ttl", cfg.Cache.SessionTTL, time.Hour},
		{"tracker update interval", cfg.Tracker.UpdateInterval, 4000 * time.Millisecond},
		{"tracker connect timeout", cfg.Tracker.ConnectTimeout, 5000 * time.Millisecond},
		{"tracker reconnect ceiling", cfg.Tracker.MaxReconnectAttempts, 5},
		{"tracker queue capacity", cfg.Tracker.QueueCapacity, 50},
		{"tracker backoff base", cfg.Tracker.BackoffBase, 1000 * time.Millisecond},
		{"tracker backoff cap", cfg.Tracker.BackoffCap, 30000 * time.Millisecond},
	}

	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestValidateAcceptsDefaultsWithSecret(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing jwt secret", func(c *Config) { c.Security.JWTSecret = "" }},
		{"short secret in production", func(c *Config) {
			c.Server.Environment = "production"
			c.Security.JWTSecret = "short"
		}},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"negative workers", func(c *Config) { c.Server.Workers = -1 }},
		{"unknown cache backend", func(c *Config) { c.Cache.Backend = "memcached" }},
		{"redis without addr", func(c *Config) { c.Cache.RedisAddr = "" }},
		{"zero session ttl", func(c *Config) { c.Cache.SessionTTL = 0 }},
		{"zero heartbeat interval", func(c *Config) { c.Heartbeat.Interval = 0 }},
		{"zero update rate", func(c *Config) { c.Pipeline.UpdatesPerSecond = 0 }},
		{"zero queue capacity", func(c *Config) { c.Tracker.QueueCapacity = 0 }},
		{"zero reconnect ceiling", func(c *Config) { c.Tracker.MaxReconnectAttempts = 0 }},
		{"cap below base", func(c *Config) { c.Tracker.BackoffCap = c.Tracker.BackoffBase / 2 }},
		{"max page below default", func(c *Config) { c.API.MaxPageSize = 1 }},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := validConfig()
			c.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s", c.name)
			}
		})
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "env-secret-value-0123456789abcdef")
	t.Setenv("HTTP_PORT", "4100")
	t.Setenv("CACHE_BACKEND", "memory")
	t.Setenv("HEARTBEAT_INTERVAL", "10s")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv(ConfigPathEnvVar, "/nonexistent/waypost.yaml")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("expected port 4100, got %d", cfg.Server.Port)
	}
	if cfg.Cache.Backend != "memory" {
		t.Errorf("expected memory backend, got %q", cfg.Cache.Backend)
	}
	if cfg.Heartbeat.Interval != 10*time.Second {
		t.Errorf("expected 10s heartbeat, got %s", cfg.Heartbeat.Interval)
	}
	if len(cfg.Security.CORSOrigins) != 2 || cfg.Security.CORSOrigins[0] != "https://a.example" {
		t.Errorf("expected parsed CORS origins, got %v", cfg.Security.CORSOrigins)
	}
}

func TestEnvTransformIgnoresUnknownVariables(t *testing.T) {
	if got := envTransformFunc("PATH"); got != "" {
		t.Errorf("expected unknown variable to map to empty path, got %q", got)
	}
	if got := envTransformFunc("HTTP_PORT"); got != "server.port" {
		t.Errorf("expected server.port, got %q", got)
	}
}
