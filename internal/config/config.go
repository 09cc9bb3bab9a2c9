// Package config holds the application configuration: API surface,
// streaming tunables, NNTP providers, live TV accounts and logging.
package config

import (
	"fmt"
	"strings"

	"github.com/stellarr/stellarr/internal/nntp"
)

// Config represents the complete application configuration
type Config struct {
	API       APIConfig        `yaml:"api" mapstructure:"api"`
	Mounts    MountsConfig     `yaml:"mounts" mapstructure:"mounts"`
	Streaming StreamingConfig  `yaml:"streaming" mapstructure:"streaming"`
	IPTV      IPTVConfig       `yaml:"iptv" mapstructure:"iptv"`
	Log       LogConfig        `yaml:"log" mapstructure:"log"`
	Providers []ProviderConfig `yaml:"providers" mapstructure:"providers"`
}

// APIConfig represents REST API configuration
type APIConfig struct {
	Host   string `yaml:"host" mapstructure:"host"`
	Port   int    `yaml:"port" mapstructure:"port"`
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
}

// MountsConfig locates mount metadata on disk
type MountsConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// StreamingConfig represents stream prefetch tunables
type StreamingConfig struct {
	PrefetchCount int `yaml:"prefetch_count" mapstructure:"prefetch_count"`
	MaxCacheSize  int `yaml:"max_cache_size" mapstructure:"max_cache_size"`
}

// IPTVConfig represents the live TV proxy configuration
type IPTVConfig struct {
	Enabled               *bool           `yaml:"enabled" mapstructure:"enabled"`
	RewriteFfmpegCommands *bool           `yaml:"rewrite_ffmpeg_commands" mapstructure:"rewrite_ffmpeg_commands"`
	Accounts              []AccountConfig `yaml:"accounts" mapstructure:"accounts"`
}

// AccountConfig identifies one Stalker portal account
type AccountConfig struct {
	Name      string `yaml:"name" mapstructure:"name"`
	PortalURL string `yaml:"portal_url" mapstructure:"portal_url"`
	MAC       string `yaml:"mac" mapstructure:"mac"`
}

// LogConfig represents logging configuration with rotation support
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file"`               // Log file path (empty = console only)
	Level      string `yaml:"level" mapstructure:"level"`             // Log level (debug, info, warn, error)
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`       // Max size in MB before rotation
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`         // Max age in days to keep files
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"` // Max number of old files to keep
	Compress   bool   `yaml:"compress" mapstructure:"compress"`       // Compress old log files
}

// ProviderConfig represents a single NNTP provider configuration
type ProviderConfig struct {
	Name           string `yaml:"name" mapstructure:"name"`
	Host           string `yaml:"host" mapstructure:"host"`
	Port           int    `yaml:"port" mapstructure:"port"`
	Username       string `yaml:"username" mapstructure:"username"`
	Password       string `yaml:"password" mapstructure:"password"`
	MaxConnections int    `yaml:"max_connections" mapstructure:"max_connections"`
	TLS            bool   `yaml:"tls" mapstructure:"tls"`
	InsecureTLS    bool   `yaml:"insecure_tls" mapstructure:"insecure_tls"`
	Priority       int    `yaml:"priority" mapstructure:"priority"`
	Enabled        *bool  `yaml:"enabled" mapstructure:"enabled"`
}

// DefaultConfig returns a configuration with working defaults
func DefaultConfig() *Config {
	enabled := true
	return &Config{
		API: APIConfig{
			Host:   "0.0.0.0",
			Port:   8080,
			Prefix: "/api",
		},
		Mounts: MountsConfig{
			Path: "./mounts",
		},
		Streaming: StreamingConfig{
			PrefetchCount: 5,
			MaxCacheSize:  20,
		},
		IPTV: IPTVConfig{
			Enabled:               &enabled,
			RewriteFfmpegCommands: &enabled,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 5,
			Compress:   true,
		},
	}
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be between 1 and 65535, got %d", c.API.Port)
	}
	if !strings.HasPrefix(c.API.Prefix, "/") {
		return fmt.Errorf("api.prefix must start with '/', got %q", c.API.Prefix)
	}
	if c.Mounts.Path == "" {
		return fmt.Errorf("mounts.path must not be empty")
	}
	if c.Streaming.PrefetchCount < 0 {
		return fmt.Errorf("streaming.prefetch_count must not be negative")
	}
	if c.Streaming.MaxCacheSize < 0 {
		return fmt.Errorf("streaming.max_cache_size must not be negative")
	}

	names := make(map[string]bool)
	for i, p := range c.Providers {
		if p.Host == "" {
			return fmt.Errorf("providers[%d].host must not be empty", i)
		}
		if p.Port <= 0 || p.Port > 65535 {
			return fmt.Errorf("providers[%d].port must be between 1 and 65535, got %d", i, p.Port)
		}
		label := p.Label()
		if names[label] {
			return fmt.Errorf("duplicate provider %s", label)
		}
		names[label] = true
	}

	accounts := make(map[string]bool)
	for i, a := range c.IPTV.Accounts {
		if a.Name == "" {
			return fmt.Errorf("iptv.accounts[%d].name must not be empty", i)
		}
		if a.PortalURL == "" {
			return fmt.Errorf("iptv.accounts[%d].portal_url must not be empty", i)
		}
		if a.MAC == "" {
			return fmt.Errorf("iptv.accounts[%d].mac must not be empty", i)
		}
		if accounts[a.Name] {
			return fmt.Errorf("duplicate iptv account %q", a.Name)
		}
		accounts[a.Name] = true
	}
	return nil
}

// Label names a provider for logs and stats
func (p *ProviderConfig) Label() string {
	if p.Name != "" {
		return p.Name
	}
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// IsEnabled reports whether the provider takes part in failover
func (p *ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// GetEnabledProviders converts enabled providers to NNTP server
// configurations in declaration order.
func (c *Config) GetEnabledProviders() []nntp.ServerConfig {
	servers := make([]nntp.ServerConfig, 0, len(c.Providers))
	for _, p := range c.Providers {
		if !p.IsEnabled() {
			continue
		}
		maxConns := p.MaxConnections
		if maxConns <= 0 {
			maxConns = 10
		}
		servers = append(servers, nntp.ServerConfig{
			Name:           p.Label(),
			Host:           p.Host,
			Port:           p.Port,
			TLS:            p.TLS,
			InsecureTLS:    p.InsecureTLS,
			Username:       p.Username,
			Password:       p.Password,
			MaxConnections: maxConns,
			Priority:       p.Priority,
		})
	}
	return servers
}

// IPTVEnabled reports whether the live TV proxy should start
func (c *Config) IPTVEnabled() bool {
	return (c.IPTV.Enabled == nil || *c.IPTV.Enabled) && len(c.IPTV.Accounts) > 0
}

// RewriteFfmpeg reports the create_link normalisation flag
// (default true).
func (c *IPTVConfig) RewriteFfmpeg() bool {
	return c.RewriteFfmpegCommands == nil || *c.RewriteFfmpegCommands
}
