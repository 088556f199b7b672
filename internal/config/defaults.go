package config

import (
	"errors"
	"fmt"
	"unicode"
)

// ErrNoDefault is returned when no default value exists for a config key.
var ErrNoDefault = errors.New("no default exists")

// ErrInvalidKey is returned when a config key contains invalid characters.
var ErrInvalidKey = errors.New("invalid config key")

// Entry represents a single configuration key with its default.
type Entry struct {
	Key         string `json:"key" yaml:"key"`
	Value       any    `json:"value" yaml:"value"`
	Description string `json:"description" yaml:"description"`
}

// DefaultEntries returns the default configuration entries.
// Each one is registered as a viper default.
func DefaultEntries() []Entry {
	d := DefaultConfig()
	return []Entry{
		{
			Key:         "server.base_url",
			Value:       d.Server.BaseURL,
			Description: "Base URL of the compliance service API",
		},
		{
			Key:         "server.timeout_seconds",
			Value:       d.Server.TimeoutSeconds,
			Description: "HTTP timeout in seconds for non-stream requests",
		},
		{
			Key:         "server.max_retries",
			Value:       d.Server.MaxRetries,
			Description: "Maximum attempts for idempotent requests",
		},
		{
			Key:         "server.retry_delay_ms",
			Value:       d.Server.RetryDelayMs,
			Description: "Base delay in milliseconds between attempts",
		},
		{
			Key:         "pipeline.stage_idle_timeout_seconds",
			Value:       d.Pipeline.StageIdleTimeoutSeconds,
			Description: "Fail a stage whose stream is silent this long (0 disables)",
		},
		{
			Key:         "log.level",
			Value:       d.Log.Level,
			Description: "Log level: debug, info, warn or error",
		},
	}
}

// GetDefault returns the default entry for a config key.
// Returns nil if no default exists for the key.
func GetDefault(key string) *Entry {
	for _, entry := range DefaultEntries() {
		if entry.Key == key {
			return &entry
		}
	}
	return nil
}

// ValidateKey checks that key is well formed and known.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	for i, r := range key {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '_' {
			return fmt.Errorf("%w: invalid character %q at position %d", ErrInvalidKey, r, i)
		}
	}
	if GetDefault(key) == nil {
		return fmt.Errorf("%w for key %q", ErrNoDefault, key)
	}
	return nil
}
