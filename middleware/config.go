package middleware

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
)

// Config declares a middleware chain in data, typically loaded from a YAML
// file alongside provider credentials. Only the sections present in the
// document contribute entries.
type Config struct {
	Logging   *LoggingConfig   `yaml:"logging"`
	Defaults  *DefaultsConfig  `yaml:"defaults"`
	Safety    *SafetyConfig    `yaml:"safety"`
	Retry     *RetryConfig     `yaml:"retry"`
	RateLimit *RateLimitYAML   `yaml:"rate_limit"`
	Cache     *CacheConfig     `yaml:"cache"`
	Telemetry *TelemetryConfig `yaml:"telemetry"`
}

// Duration wraps time.Duration so YAML values like "250ms" or "1m" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// LoggingConfig configures the logging entry.
type LoggingConfig struct {
	Level string `yaml:"level"` // "debug", "info", "warn", "error"
}

// DefaultsConfig configures the default-settings entry.
type DefaultsConfig struct {
	Temperature  *float32 `yaml:"temperature"`
	MaxTokens    int      `yaml:"max_tokens"`
	SystemPrompt string   `yaml:"system_prompt"`
}

// RetryConfig configures the retry entry.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	Multiplier  float64  `yaml:"multiplier"`
	Jitter      bool     `yaml:"jitter"`
}

// RateLimitYAML configures the rate-limit entry.
type RateLimitYAML struct {
	RPS         float64  `yaml:"rps"`
	Burst       int      `yaml:"burst"`
	WaitTimeout Duration `yaml:"wait_timeout"`
}

// CacheConfig configures the cache entry. The store is always a fresh
// in-memory store when built from config; injected stores require code.
type CacheConfig struct {
	TTL          Duration `yaml:"ttl"`
	CacheStreams bool     `yaml:"cache_streams"`
}

// SafetyConfig configures the safety entry. Callback hooks and custom
// transforms require code.
type SafetyConfig struct {
	BlockPatterns     []string `yaml:"block_patterns"`
	RedactPatterns    []string `yaml:"redact_patterns"`
	RedactReplacement string   `yaml:"redact_replacement"`
	BlockWords        []string `yaml:"block_words"`
	MaxContentLength  int      `yaml:"max_content_length"`
}

// TelemetryConfig configures the telemetry entry.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ParseConfig parses a YAML middleware configuration document.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing middleware config: %w", err)
	}
	return &cfg, nil
}

// Build materializes the configured entries in a fixed order: logging,
// telemetry, safety, retry, rate limit, defaults, cache. The order keeps
// logging and telemetry outermost (so they bracket everything, retries
// included), blocks content before any attempt is spent on it, and puts
// the cache innermost (so retried attempts can still hit it).
func (c *Config) Build() ([]Middleware, error) {
	var entries []Middleware

	if c.Logging != nil {
		level, err := parseLevel(c.Logging.Level)
		if err != nil {
			return nil, err
		}
		entries = append(entries, WithLogging(LoggingOpts{Level: level}))
	}
	if c.Telemetry != nil && c.Telemetry.Enabled {
		entries = append(entries, WithTelemetry(TelemetryOpts{}))
	}
	if c.Safety != nil {
		entries = append(entries, WithSafety(SafetyOpts{
			BlockPatterns:     c.Safety.BlockPatterns,
			RedactPatterns:    c.Safety.RedactPatterns,
			RedactReplacement: c.Safety.RedactReplacement,
			BlockWords:        c.Safety.BlockWords,
			MaxContentLength:  c.Safety.MaxContentLength,
		}))
	}
	if c.Retry != nil {
		entries = append(entries, WithRetry(RetryOpts{
			MaxAttempts: c.Retry.MaxAttempts,
			BaseDelay:   time.Duration(c.Retry.BaseDelay),
			MaxDelay:    time.Duration(c.Retry.MaxDelay),
			Multiplier:  c.Retry.Multiplier,
			Jitter:      c.Retry.Jitter,
		}))
	}
	if c.RateLimit != nil {
		entries = append(entries, WithRateLimit(RateLimitOpts{
			RPS:         c.RateLimit.RPS,
			Burst:       c.RateLimit.Burst,
			WaitTimeout: time.Duration(c.RateLimit.WaitTimeout),
		}))
	}
	if c.Defaults != nil {
		entries = append(entries, WithDefaults(DefaultsOpts{
			Temperature:  c.Defaults.Temperature,
			MaxTokens:    c.Defaults.MaxTokens,
			SystemPrompt: c.Defaults.SystemPrompt,
		}))
	}
	if c.Cache != nil {
		entries = append(entries, WithCache(CacheOpts{
			TTL:          time.Duration(c.Cache.TTL),
			CacheStreams: c.Cache.CacheStreams,
		}))
	}

	return entries, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "", "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
