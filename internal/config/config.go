package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

// ErrNoConfigFile is returned by WatchConfig when no file was loaded.
var ErrNoConfigFile = errors.New("no config file in use")

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	v      *viper.Viper
	logger *slog.Logger

	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a new config manager and loads initial config.
// cfgFile wins when set; otherwise config.yaml is looked up in the working
// directory, then in homeDir.
func NewManager(cfgFile, homeDir string) (*Manager, error) {
	cm := &Manager{
		v:         viper.New(),
		logger:    slog.Default(),
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile, homeDir); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults and config file.
func (cm *Manager) initViper(cfgFile, homeDir string) error {
	for _, e := range DefaultEntries() {
		cm.v.SetDefault(e.Key, e.Value)
	}

	// Environment variables with TAXDESK_ prefix (server.base_url -> TAXDESK_SERVER_BASE_URL)
	cm.v.SetEnvPrefix("TAXDESK")
	cm.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cm.v.AutomaticEnv()

	// Config file
	if cfgFile != "" {
		cm.v.SetConfigFile(cfgFile)
	} else {
		cm.v.SetConfigName("config")
		cm.v.SetConfigType("yaml")
		cm.v.AddConfigPath(".")
		if homeDir != "" {
			cm.v.AddConfigPath(homeDir)
		}
	}

	// Try to read config file (not required)
	if err := cm.v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// load parses the current viper state into a validated Config.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// SetLogger sets the logger used for reload reports.
func (cm *Manager) SetLogger(l *slog.Logger) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.logger = l
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// Set overrides key for this process (command-line flags) and reloads.
func (cm *Manager) Set(key string, value any) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	prev := cm.v.Get(key)
	cm.v.Set(key, value)

	cfg, err := cm.load()
	if err != nil {
		cm.v.Set(key, prev)
		return err
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()
	return nil
}

// Lookup returns the effective value of key.
func (cm *Manager) Lookup(key string) (any, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	return cm.v.Get(key), nil
}

// Settings returns every effective key with its value.
func (cm *Manager) Settings() map[string]any {
	out := make(map[string]any)
	for _, e := range DefaultEntries() {
		out[e.Key] = cm.v.Get(e.Key)
	}
	return out
}

// ConfigFileUsed returns the loaded config file, or "".
func (cm *Manager) ConfigFileUsed() string {
	return cm.v.ConfigFileUsed()
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration. A change that fails
// validation is logged and ignored.
func (cm *Manager) WatchConfig() error {
	if cm.v.ConfigFileUsed() == "" {
		return ErrNoConfigFile
	}

	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()

		cm.mu.Lock()
		logger := cm.logger
		if err != nil {
			cm.mu.Unlock()
			logger.Warn("ignoring config change", "file", e.Name, "error", err)
			return
		}
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		logger.Info("config reloaded", "file", e.Name)
		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	cm.v.WatchConfig()
	return nil
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	var header strings.Builder
	header.WriteString("# taxdesk configuration\n")
	header.WriteString("# Every key can be overridden with TAXDESK_<KEY> (dots become underscores),\n")
	header.WriteString("# e.g. TAXDESK_SERVER_BASE_URL=https://compliance.example.com/api/v1\n#\n")
	for _, e := range DefaultEntries() {
		fmt.Fprintf(&header, "# %s: %s\n", e.Key, e.Description)
	}
	header.WriteString("\n")

	return os.WriteFile(path, append([]byte(header.String()), data...), 0o644)
}
