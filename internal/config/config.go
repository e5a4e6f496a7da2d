// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration (spec §6).
type Config struct {
	Listen    string          `yaml:"listen"`
	Providers []ProviderEntry `yaml:"providers"`
	Retry     RetryConfig     `yaml:"retry"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Health    HealthConfig    `yaml:"health"`
	Queue     QueueConfig     `yaml:"queue"`
	Storage   StorageConfig   `yaml:"storage"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
}

// RetryConfig controls the retry/fallback executor (§4.6).
type RetryConfig struct {
	Enabled         bool    `yaml:"enabled"`
	MaxAttempts     int     `yaml:"max_attempts"`
	BaseBackoffMs   int     `yaml:"base_backoff_ms"`
	Jitter          float64 `yaml:"jitter"`
	RetryableStatus []int   `yaml:"retryable_statuses"`
}

// CacheConfig controls the response cache (§4.4).
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	DefaultTTL time.Duration `yaml:"default_ttl_s"`
	MaxEntries int           `yaml:"max_entries"`
	MaxBytes   int64         `yaml:"max_bytes"`
}

// RateLimitConfig controls the token-bucket rate limiter (§4.5).
type RateLimitConfig struct {
	DefaultRPM int64 `yaml:"default_rpm"`
	Burst      int64 `yaml:"burst"`
	GlobalRPM  int64 `yaml:"global_rpm"`
}

// HealthConfig controls the health monitor (§4.7).
type HealthConfig struct {
	IntervalSeconds   int     `yaml:"interval_s"`
	Window            int     `yaml:"window"`
	SuccessThreshold  float64 `yaml:"success_threshold"`
	DownAfterFailures int     `yaml:"down_after_failures"`
}

// QueueConfig controls the priority queue and worker pool (§4.3).
type QueueConfig struct {
	MaxDepth  int `yaml:"max_depth"`
	SkipAhead int `yaml:"skip_ahead"`
	Workers   int `yaml:"workers"`
}

// StorageConfig controls the durable state store.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// AuthEntry configures provider authentication.
type AuthEntry struct {
	Type    string `yaml:"type"` // "api_key", "gcp_oauth", "aws_sigv4"
	Region  string `yaml:"region"`
	Service string `yaml:"service"`
}

// ProviderEntry is a provider definition in the config file (§6).
type ProviderEntry struct {
	Name          string   `yaml:"name"`
	BackendType   string   `yaml:"backend_type"` // http_api, cli, terminal
	Enabled       *bool    `yaml:"enabled"`
	Priority      int      `yaml:"priority"`
	TimeoutS      int      `yaml:"timeout_s"`
	Model         string   `yaml:"model"`
	MaxTokens     int      `yaml:"max_tokens"`
	Concurrency   int      `yaml:"concurrency"`
	FallbackChain []string `yaml:"fallback_chain"`
	CostPer1K     float64  `yaml:"cost_per_1k"`

	// HTTP backend fields.
	APIBaseURL   string            `yaml:"api_base_url"`
	APIKeyEnv    string            `yaml:"api_key_env"`
	Dialect      string            `yaml:"dialect"` // anthropic, openai, gemini
	ExtraHeaders map[string]string `yaml:"extra_headers"`
	Auth         *AuthEntry        `yaml:"auth"`

	// CLI backend fields.
	Command        string            `yaml:"command"`
	ArgsTemplate   []string          `yaml:"args_template"`
	Env            map[string]string `yaml:"env"`
	AuthIndicators []string          `yaml:"auth_indicators"`

	// Terminal backend fields.
	PaneID         string `yaml:"pane_id"`
	PromptPrefix   string `yaml:"prompt_prefix"`
	CompletionMark string `yaml:"completion_marker"`
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ResolvedTimeout returns the provider's configured timeout, defaulting to 30s.
func (p ProviderEntry) ResolvedTimeout() time.Duration {
	if p.TimeoutS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.TimeoutS) * time.Second
}

// ResolvedConcurrency returns the provider's concurrency cap, defaulting to 4.
func (p ProviderEntry) ResolvedConcurrency() int {
	if p.Concurrency <= 0 {
		return 4
	}
	return p.Concurrency
}

// ResolvedAuthType returns the auth type, inferring "api_key" when unset.
func (p ProviderEntry) ResolvedAuthType() string {
	if p.Auth != nil && p.Auth.Type != "" {
		return p.Auth.Type
	}
	return "api_key"
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables
// and applying defaults before unmarshalling.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config populated with the gateway's baseline defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Retry: RetryConfig{
			Enabled:       true,
			MaxAttempts:   3,
			BaseBackoffMs: 200,
			Jitter:        0.25,
		},
		Cache: CacheConfig{
			Enabled:    true,
			DefaultTTL: 5 * time.Minute,
			MaxEntries: 10_000,
			MaxBytes:   64 << 20,
		},
		RateLimit: RateLimitConfig{
			DefaultRPM: 60,
			Burst:      10,
			GlobalRPM:  600,
		},
		Health: HealthConfig{
			IntervalSeconds:   30,
			Window:            20,
			SuccessThreshold:  0.7,
			DownAfterFailures: 3,
		},
		Queue: QueueConfig{
			MaxDepth:  1000,
			SkipAhead: 8,
			Workers:   8,
		},
		Storage: StorageConfig{
			Path: "gatewayd.db",
		},
	}
}
