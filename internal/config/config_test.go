package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.API.BaseURL != "http://localhost:8000" {
		t.Fatalf("unexpected base url %q", cfg.API.BaseURL)
	}
	if got := cfg.PollInterval(); got != 2*time.Second {
		t.Fatalf("expected poll interval 2s, got %v", got)
	}
	if cfg.Push.DialAttempts != 1 {
		t.Fatalf("expected a single push dial attempt, got %d", cfg.Push.DialAttempts)
	}
	if cfg.Poll.MaxConsecutiveFailures != 30 {
		t.Fatalf("expected failure ceiling 30, got %d", cfg.Poll.MaxConsecutiveFailures)
	}
	if cfg.Redis.URL != "" {
		t.Fatalf("expected redis disabled by default")
	}
	if cfg.Logging.Level != "warn" || cfg.Logging.Output != "" {
		t.Fatalf("expected quiet stderr logging by default: %+v", cfg.Logging)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
api:
  base_url: https://analysis.example.com
  push_base_url: wss://push.example.com
  timeout_seconds: 45
  rate_limit_rps: 2
push:
  dial_attempts: 3
  dial_backoff_ms: 100
poll:
  interval_ms: 500
  backoff_max_ms: 4000
  max_consecutive_failures: -1
redis:
  url: redis://localhost:6379/0
  ttl_seconds: 60
server:
  listen: ":9464"
logging:
  development: false
  level: debug
  output: /var/log/jobwatch.log
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.PushBaseURL != "wss://push.example.com" {
		t.Fatalf("expected push base override, got %q", cfg.API.PushBaseURL)
	}
	if got := cfg.APITimeout(); got != 45*time.Second {
		t.Fatalf("expected api timeout 45s, got %v", got)
	}
	if cfg.Push.DialAttempts != 3 || cfg.DialBackoff() != 100*time.Millisecond {
		t.Fatalf("expected push overrides to apply: %+v", cfg.Push)
	}
	if cfg.PollInterval() != 500*time.Millisecond || cfg.PollBackoffMax() != 4*time.Second {
		t.Fatalf("expected poll overrides to apply: %+v", cfg.Poll)
	}
	if cfg.Poll.MaxConsecutiveFailures != -1 {
		t.Fatalf("expected disabled ceiling, got %d", cfg.Poll.MaxConsecutiveFailures)
	}
	if cfg.RedisTTL() != time.Minute || cfg.Redis.KeyPrefix != "jobwatch:snapshot:" {
		t.Fatalf("expected redis overrides with default prefix: %+v", cfg.Redis)
	}
	if cfg.Server.Listen != ":9464" || cfg.Logging.Development {
		t.Fatalf("expected server and logging overrides")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Output != "/var/log/jobwatch.log" {
		t.Fatalf("expected logging level and output overrides: %+v", cfg.Logging)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		API:  APIConfig{BaseURL: "http://localhost:8000", TimeoutSeconds: 10},
		Push: PushConfig{DialAttempts: 1},
		Poll: PollConfig{IntervalMs: 2000, BackoffMaxMs: 30000, MaxConsecutiveFailures: 30},
		Hub:  HubConfig{MaxBatchChanges: 64},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	tests := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{name: "relative base url", mut: func(c *Config) { c.API.BaseURL = "localhost:8000" }, want: "api.base_url"},
		{name: "websocket base url", mut: func(c *Config) { c.API.BaseURL = "ws://localhost:8000" }, want: "api.base_url"},
		{name: "http push base", mut: func(c *Config) { c.API.PushBaseURL = "http://localhost" }, want: "api.push_base_url"},
		{name: "zero timeout", mut: func(c *Config) { c.API.TimeoutSeconds = 0 }, want: "api.timeout_seconds"},
		{name: "no dial attempts", mut: func(c *Config) { c.Push.DialAttempts = 0 }, want: "push.dial_attempts"},
		{name: "zero interval", mut: func(c *Config) { c.Poll.IntervalMs = 0 }, want: "poll.interval_ms"},
		{name: "backoff below interval", mut: func(c *Config) { c.Poll.BackoffMaxMs = 100 }, want: "poll.backoff_max_ms"},
		{name: "zero ceiling", mut: func(c *Config) { c.Poll.MaxConsecutiveFailures = 0 }, want: "poll.max_consecutive_failures"},
		{name: "zero batch", mut: func(c *Config) { c.Hub.MaxBatchChanges = 0 }, want: "hub.max_batch_changes"},
		{name: "unknown log level", mut: func(c *Config) { c.Logging.Level = "chatty" }, want: "logging.level"},
		{
			name: "tracing without service name",
			mut:  func(c *Config) { c.Telemetry.TracingEnabled = true },
			want: "telemetry.service_name",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mut(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
