package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}
	if cfg.Server.BaseURL != "http://localhost:8000/api/v1" {
		t.Errorf("unexpected base url %s", cfg.Server.BaseURL)
	}
	if cfg.IdleTimeout() != 300*time.Second {
		t.Errorf("expected 300s idle timeout, got %s", cfg.IdleTimeout())
	}
	if cfg.RetryDelay() != 500*time.Millisecond {
		t.Errorf("expected 500ms retry delay, got %s", cfg.RetryDelay())
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad scheme", func(c *Config) { c.Server.BaseURL = "ftp://x" }},
		{"zero timeout", func(c *Config) { c.Server.TimeoutSeconds = 0 }},
		{"no attempts", func(c *Config) { c.Server.MaxRetries = 0 }},
		{"negative delay", func(c *Config) { c.Server.RetryDelayMs = -1 }},
		{"negative idle timeout", func(c *Config) { c.Pipeline.StageIdleTimeoutSeconds = -5 }},
		{"unknown level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	t.Run("zero idle timeout disables", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Pipeline.StageIdleTimeoutSeconds = 0
		if err := cfg.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if cfg.IdleTimeout() != 0 {
			t.Errorf("expected 0, got %s", cfg.IdleTimeout())
		}
	})
}

func TestNewManager(t *testing.T) {
	t.Run("loads from config file", func(t *testing.T) {
		configFile := writeConfig(t, t.TempDir(), `
server:
  base_url: "https://compliance.example.com/api/v1"
pipeline:
  stage_idle_timeout_seconds: 0
`)
		mgr, err := NewManager(configFile, "")
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}

		cfg := mgr.Get()
		if cfg.Server.BaseURL != "https://compliance.example.com/api/v1" {
			t.Errorf("expected file base url, got %s", cfg.Server.BaseURL)
		}
		if cfg.Pipeline.StageIdleTimeoutSeconds != 0 {
			t.Errorf("expected idle timeout 0, got %d", cfg.Pipeline.StageIdleTimeoutSeconds)
		}
		// Unset keys keep their defaults
		if cfg.Server.MaxRetries != 3 {
			t.Errorf("expected default max_retries 3, got %d", cfg.Server.MaxRetries)
		}
		if mgr.ConfigFileUsed() != configFile {
			t.Errorf("ConfigFileUsed = %q", mgr.ConfigFileUsed())
		}
	})

	t.Run("finds config in home dir", func(t *testing.T) {
		homeDir := t.TempDir()
		writeConfig(t, homeDir, "log:\n  level: debug\n")
		t.Chdir(t.TempDir())

		mgr, err := NewManager("", homeDir)
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}
		if mgr.Get().Log.Level != "debug" {
			t.Errorf("expected debug level, got %s", mgr.Get().Log.Level)
		}
	})

	t.Run("defaults without a file", func(t *testing.T) {
		t.Chdir(t.TempDir())
		mgr, err := NewManager("", t.TempDir())
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}
		if mgr.Get().Server.TimeoutSeconds != 600 {
			t.Errorf("expected default timeout, got %d", mgr.Get().Server.TimeoutSeconds)
		}
		if err := mgr.WatchConfig(); !errors.Is(err, ErrNoConfigFile) {
			t.Errorf("expected ErrNoConfigFile, got %v", err)
		}
	})

	t.Run("environment overrides file", func(t *testing.T) {
		configFile := writeConfig(t, t.TempDir(), "server:\n  max_retries: 2\n")
		t.Setenv("TAXDESK_SERVER_MAX_RETRIES", "9")

		mgr, err := NewManager(configFile, "")
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}
		if mgr.Get().Server.MaxRetries != 9 {
			t.Errorf("expected 9 from env, got %d", mgr.Get().Server.MaxRetries)
		}
	})

	t.Run("rejects invalid file", func(t *testing.T) {
		configFile := writeConfig(t, t.TempDir(), "server:\n  timeout_seconds: -1\n")
		if _, err := NewManager(configFile, ""); err == nil {
			t.Error("expected error for invalid config")
		}
	})
}

func TestManager_Set(t *testing.T) {
	t.Chdir(t.TempDir())
	mgr, err := NewManager("", t.TempDir())
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	if err := mgr.Set("server.base_url", "https://other.example.com/api/v1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got := mgr.Get().Server.BaseURL; got != "https://other.example.com/api/v1" {
		t.Errorf("base url = %s", got)
	}

	// An invalid override is rolled back
	if err := mgr.Set("log.level", "loud"); err == nil {
		t.Error("expected error for invalid level")
	}
	if got, _ := mgr.Lookup("log.level"); got != "info" {
		t.Errorf("log.level = %v after rejected Set", got)
	}

	if err := mgr.Set("no.such.key", 1); !errors.Is(err, ErrNoDefault) {
		t.Errorf("expected ErrNoDefault, got %v", err)
	}
}

func TestManager_OnChange_Multiple(t *testing.T) {
	t.Chdir(t.TempDir())
	mgr, err := NewManager("", t.TempDir())
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	// Register multiple callbacks
	mgr.OnChange(func(cfg *Config) {})
	mgr.OnChange(func(cfg *Config) {})
	mgr.OnChange(func(cfg *Config) {})

	mgr.mu.RLock()
	if len(mgr.callbacks) != 3 {
		t.Errorf("expected 3 callbacks, got %d", len(mgr.callbacks))
	}
	mgr.mu.RUnlock()
}

func TestManager_Get_ThreadSafe(t *testing.T) {
	t.Chdir(t.TempDir())
	mgr, err := NewManager("", t.TempDir())
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	// Call Get concurrently to verify no race conditions
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				cfg := mgr.Get()
				_ = cfg.Server.BaseURL
			}
			done <- struct{}{}
		}()
	}

	// Wait for all goroutines
	for i := 0; i < 10; i++ {
		<-done
	}
}

func TestManager_WatchConfig(t *testing.T) {
	configFile := writeConfig(t, t.TempDir(), `
pipeline:
  stage_idle_timeout_seconds: 300
`)

	mgr, err := NewManager(configFile, "")
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	// Track callback invocations
	var callbackCount atomic.Int32
	var lastValue atomic.Int64

	mgr.OnChange(func(cfg *Config) {
		callbackCount.Add(1)
		lastValue.Store(int64(cfg.Pipeline.StageIdleTimeoutSeconds))
	})

	if err := mgr.WatchConfig(); err != nil {
		t.Fatalf("WatchConfig failed: %v", err)
	}

	// Give fsnotify time to set up the watcher
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(configFile, []byte("pipeline:\n  stage_idle_timeout_seconds: 45\n"), 0644); err != nil {
		t.Fatalf("failed to write updated config file: %v", err)
	}

	// Wait for the watcher to detect the change (fsnotify is async)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if lastValue.Load() == 45 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if callbackCount.Load() == 0 {
		t.Fatal("callback was not invoked after config file change")
	}
	if v := lastValue.Load(); v != 45 {
		t.Errorf("callback received wrong value: expected 45, got %d", v)
	}
	if got := mgr.Get().IdleTimeout(); got != 45*time.Second {
		t.Errorf("config not updated: expected 45s, got %s", got)
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# taxdesk configuration") {
		t.Error("missing header")
	}
	if !strings.Contains(string(data), "# pipeline.stage_idle_timeout_seconds:") {
		t.Error("missing key description")
	}

	// The written file loads back to the defaults
	mgr, err := NewManager(path, "")
	if err != nil {
		t.Fatalf("failed to load written config: %v", err)
	}
	if *mgr.Get() != *DefaultConfig() {
		t.Errorf("loaded %+v, want defaults", *mgr.Get())
	}
}
