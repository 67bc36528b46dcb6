package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ConfigGetter provides read access to the current configuration snapshot.
type ConfigGetter func() *Config

// Manager owns the mutable configuration. Readers get deep-copied
// snapshots; writers replace the whole config under the lock.
type Manager struct {
	mu         sync.RWMutex
	config     *Config
	configPath string
}

// NewManager loads the configuration file at path, applying defaults for
// missing keys. A missing file yields the default configuration.
func NewManager(path string) (*Manager, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Manager{config: cfg, configPath: path}, nil
}

// NewManagerWith wraps an in-memory configuration without file backing.
// Update calls will fail to persist; meant for embedding and tests.
func NewManagerWith(cfg *Config) *Manager {
	return &Manager{config: cfg}
}

func load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// Config returns a deep-copied snapshot of the current configuration.
func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.DeepCopy()
}

// Getter returns a ConfigGetter bound to this manager.
func (m *Manager) Getter() ConfigGetter {
	return m.Config
}

// Update validates and installs a new configuration, then persists it.
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	m.mu.Lock()
	m.config = cfg.DeepCopy()
	path := m.configPath
	snapshot := m.config.DeepCopy()
	m.mu.Unlock()

	return save(path, snapshot)
}

func save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return os.Rename(tmp, path)
}
