package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Manager loads, validates and serves the configuration
type Manager struct {
	mutex      sync.RWMutex
	configFile string
	current    *Config
}

// NewManager loads the configuration from file. A missing file yields
// the defaults; a present file must parse and validate.
func NewManager(configFile string) (*Manager, error) {
	m := &Manager{configFile: configFile}
	if err := m.ReloadConfig(); err != nil {
		return nil, err
	}
	return m, nil
}

// GetConfig returns the current configuration
func (m *Manager) GetConfig() *Config {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.current
}

// ReloadConfig reloads configuration from file
func (m *Manager) ReloadConfig() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	cfg := DefaultConfig()

	if m.configFile != "" {
		if _, err := os.Stat(m.configFile); err == nil {
			v := viper.New()
			v.SetConfigFile(m.configFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("error reading config file %s: %w", m.configFile, err)
			}
			if err := v.Unmarshal(cfg); err != nil {
				return fmt.Errorf("error unmarshaling config: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("error accessing config file %s: %w", m.configFile, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	m.current = cfg
	return nil
}

// SaveConfig writes the current configuration back to the file
func (m *Manager) SaveConfig() error {
	m.mutex.RLock()
	cfg := m.current
	file := m.configFile
	m.mutex.RUnlock()

	if file == "" {
		return fmt.Errorf("no config file configured")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := os.WriteFile(file, data, 0o644); err != nil {
		return fmt.Errorf("error writing config file %s: %w", file, err)
	}
	return nil
}
