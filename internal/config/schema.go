package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// Config holds taxdesk configuration.
// Stored at: ~/.taxdesk/config.yaml
type Config struct {
	Server   ServerCfg   `mapstructure:"server" yaml:"server"`
	Pipeline PipelineCfg `mapstructure:"pipeline" yaml:"pipeline"`
	Log      LogCfg      `mapstructure:"log" yaml:"log"`
}

// ServerCfg locates the compliance service.
type ServerCfg struct {
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"`               // API root, e.g. http://localhost:8000/api/v1
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"` // Per-request timeout for non-stream calls
	MaxRetries     int    `mapstructure:"max_retries" yaml:"max_retries"`         // Attempts for idempotent requests
	RetryDelayMs   int    `mapstructure:"retry_delay_ms" yaml:"retry_delay_ms"`   // Base delay between attempts
}

// PipelineCfg tunes stage execution.
type PipelineCfg struct {
	// StageIdleTimeoutSeconds fails a stage whose stream is silent this long. 0 disables.
	StageIdleTimeoutSeconds int `mapstructure:"stage_idle_timeout_seconds" yaml:"stage_idle_timeout_seconds"`
}

// LogCfg configures the process logger.
type LogCfg struct {
	Level string `mapstructure:"level" yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerCfg{
			BaseURL:        "http://localhost:8000/api/v1",
			TimeoutSeconds: 600,
			MaxRetries:     3,
			RetryDelayMs:   500,
		},
		Pipeline: PipelineCfg{
			StageIdleTimeoutSeconds: 300,
		},
		Log: LogCfg{
			Level: "info",
		},
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return fmt.Errorf("server.base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.base_url: unsupported scheme %q", u.Scheme)
	}
	if c.Server.TimeoutSeconds <= 0 {
		return fmt.Errorf("server.timeout_seconds must be positive, got %d", c.Server.TimeoutSeconds)
	}
	if c.Server.MaxRetries < 1 {
		return fmt.Errorf("server.max_retries must be at least 1, got %d", c.Server.MaxRetries)
	}
	if c.Server.RetryDelayMs < 0 {
		return fmt.Errorf("server.retry_delay_ms must not be negative, got %d", c.Server.RetryDelayMs)
	}
	if c.Pipeline.StageIdleTimeoutSeconds < 0 {
		return fmt.Errorf("pipeline.stage_idle_timeout_seconds must not be negative, got %d", c.Pipeline.StageIdleTimeoutSeconds)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// Timeout returns the per-request timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// RetryDelay returns the base delay between retries.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Server.RetryDelayMs) * time.Millisecond
}

// IdleTimeout returns the stage idle timeout; zero means disabled.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Pipeline.StageIdleTimeoutSeconds) * time.Second
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level %q", s)
	}
}
