package config

import (
	"errors"
	"testing"
)

func TestDefaultEntries(t *testing.T) {
	entries := DefaultEntries()

	requiredKeys := []string{
		"server.base_url",
		"server.timeout_seconds",
		"server.max_retries",
		"server.retry_delay_ms",
		"pipeline.stage_idle_timeout_seconds",
		"log.level",
	}

	keys := make(map[string]bool)
	for _, e := range entries {
		if e.Description == "" {
			t.Errorf("key %s has no description", e.Key)
		}
		keys[e.Key] = true
	}

	for _, key := range requiredKeys {
		if !keys[key] {
			t.Errorf("DefaultEntries() missing required key: %s", key)
		}
	}
}

func TestGetDefault(t *testing.T) {
	t.Run("existing_key", func(t *testing.T) {
		entry := GetDefault("pipeline.stage_idle_timeout_seconds")
		if entry == nil {
			t.Fatal("GetDefault() returned nil for existing key")
		}
		if entry.Value != 300 {
			t.Errorf("GetDefault() Value = %v, want 300", entry.Value)
		}
	})

	t.Run("non_existent_key", func(t *testing.T) {
		entry := GetDefault("does.not.exist")
		if entry != nil {
			t.Errorf("GetDefault() = %v, want nil for non-existent key", entry)
		}
	})
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key     string
		wantErr error
	}{
		{"server.base_url", nil},
		{"", ErrInvalidKey},
		{"server base", ErrInvalidKey},
		{"server/base_url", ErrInvalidKey},
		{"server.unknown", ErrNoDefault},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}
