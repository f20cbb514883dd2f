// Package config loads and validates jobwatch configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/jobwatch/internal/logging"
)

// Config captures all client configuration knobs loaded via Viper.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Push      PushConfig      `mapstructure:"push"`
	Poll      PollConfig      `mapstructure:"poll"`
	Hub       HubConfig       `mapstructure:"hub"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// APIConfig points at the analysis backend.
type APIConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	PushBaseURL    string  `mapstructure:"push_base_url"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	UserAgent      string  `mapstructure:"user_agent"`
}

// PushConfig tunes the WebSocket subscription.
type PushConfig struct {
	DialAttempts       int `mapstructure:"dial_attempts"`
	DialBackoffMs      int `mapstructure:"dial_backoff_ms"`
	HandshakeTimeoutMs int `mapstructure:"handshake_timeout_ms"`
}

// PollConfig tunes the fallback poller.
type PollConfig struct {
	IntervalMs             int `mapstructure:"interval_ms"`
	BackoffMaxMs           int `mapstructure:"backoff_max_ms"`
	MaxConsecutiveFailures int `mapstructure:"max_consecutive_failures"`
	RequestTimeoutMs       int `mapstructure:"request_timeout_ms"`
}

// HubConfig controls change batching.
type HubConfig struct {
	BufferSize      int `mapstructure:"buffer_size"`
	MaxBatchChanges int `mapstructure:"max_batch_changes"`
	MaxBatchWaitMs  int `mapstructure:"max_batch_wait_ms"`
}

// RedisConfig enables the Redis snapshot store. An empty URL keeps snapshots
// in memory.
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	KeyPrefix  string `mapstructure:"key_prefix"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// ServerConfig controls the optional local mirror server.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// LoggingConfig controls the stderr logger. Progress lines on stdout are
// not affected.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	Output      string `mapstructure:"output"`
}

// TelemetryConfig toggles tracing and its OTLP exporter.
type TelemetryConfig struct {
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	Insecure       bool    `mapstructure:"insecure"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("JOBWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.push_base_url", "")
	v.SetDefault("api.timeout_seconds", 10)
	v.SetDefault("api.rate_limit_rps", 5)
	v.SetDefault("api.rate_limit_burst", 5)
	v.SetDefault("api.user_agent", "jobwatch/0.1")
	v.SetDefault("push.dial_attempts", 1)
	v.SetDefault("push.dial_backoff_ms", 500)
	v.SetDefault("push.handshake_timeout_ms", 10000)
	v.SetDefault("poll.interval_ms", 2000)
	v.SetDefault("poll.backoff_max_ms", 30000)
	v.SetDefault("poll.max_consecutive_failures", 30)
	v.SetDefault("poll.request_timeout_ms", 10000)
	v.SetDefault("hub.buffer_size", 256)
	v.SetDefault("hub.max_batch_changes", 64)
	v.SetDefault("hub.max_batch_wait_ms", 250)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.key_prefix", "jobwatch:snapshot:")
	v.SetDefault("redis.ttl_seconds", 86400)
	v.SetDefault("server.listen", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "warn")
	v.SetDefault("logging.output", "")
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.service_name", "jobwatch")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := validateURL("api.base_url", c.API.BaseURL, "http", "https"); err != nil {
		return err
	}
	if c.API.PushBaseURL != "" {
		if err := validateURL("api.push_base_url", c.API.PushBaseURL, "ws", "wss"); err != nil {
			return err
		}
	}
	if c.API.TimeoutSeconds <= 0 {
		return fmt.Errorf("api.timeout_seconds must be > 0")
	}
	if c.API.RateLimitRPS < 0 {
		return fmt.Errorf("api.rate_limit_rps must be >= 0")
	}
	if c.Push.DialAttempts <= 0 {
		return fmt.Errorf("push.dial_attempts must be > 0")
	}
	if c.Poll.IntervalMs <= 0 {
		return fmt.Errorf("poll.interval_ms must be > 0")
	}
	if c.Poll.BackoffMaxMs < c.Poll.IntervalMs {
		return fmt.Errorf("poll.backoff_max_ms must be >= poll.interval_ms")
	}
	if c.Poll.MaxConsecutiveFailures == 0 {
		return fmt.Errorf("poll.max_consecutive_failures must be non-zero (negative disables the ceiling)")
	}
	if c.Hub.MaxBatchChanges <= 0 {
		return fmt.Errorf("hub.max_batch_changes must be > 0")
	}
	if c.Redis.URL != "" && c.Redis.TTLSeconds < 0 {
		return fmt.Errorf("redis.ttl_seconds must be >= 0")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Telemetry.TracingEnabled && c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry.service_name must be set when tracing is enabled")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	return nil
}

func validateURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL", key)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %v", key, schemes)
}

// APITimeout is the per-call budget for backend requests.
func (c Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// PollInterval is the pause between successful pulls.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalMs) * time.Millisecond
}

// PollBackoffMax caps the pause after failed pulls.
func (c Config) PollBackoffMax() time.Duration {
	return time.Duration(c.Poll.BackoffMaxMs) * time.Millisecond
}

// PollRequestTimeout bounds one pull.
func (c Config) PollRequestTimeout() time.Duration {
	return time.Duration(c.Poll.RequestTimeoutMs) * time.Millisecond
}

// DialBackoff is the first pause between push dial attempts.
func (c Config) DialBackoff() time.Duration {
	return time.Duration(c.Push.DialBackoffMs) * time.Millisecond
}

// HandshakeTimeout bounds one push dial attempt.
func (c Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Push.HandshakeTimeoutMs) * time.Millisecond
}

// HubBatchWait is the longest a change waits before sinks see it.
func (c Config) HubBatchWait() time.Duration {
	return time.Duration(c.Hub.MaxBatchWaitMs) * time.Millisecond
}

// RedisTTL is the expiry applied to stored snapshots.
func (c Config) RedisTTL() time.Duration {
	return time.Duration(c.Redis.TTLSeconds) * time.Second
}
