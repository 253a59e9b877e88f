// Package config holds the gateway's persisted configuration document
// (spec.md §6) and its defaults, modeled after the teacher's
// internal/config.Config but scoped to this gateway's surface.
package config

import (
	"strconv"
	"time"
)

// ServerConfig controls the Gateway Server's HTTP listener.
type ServerConfig struct {
	Host           string `json:"host" mapstructure:"host"`
	Port           int    `json:"port" mapstructure:"port"`
	MaxConnections int    `json:"max_connections" mapstructure:"max_connections"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// LogConfig controls the zap logger built by internal/logging.
type LogConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	FileName   string `json:"file_name,omitempty" mapstructure:"file_name"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups,omitempty" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days,omitempty" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress,omitempty" mapstructure:"compress"`
}

// SecurityConfig controls host allow-listing and whether bearer auth is
// enforced on the gateway endpoint.
type SecurityConfig struct {
	AllowedHosts []string `json:"allowed_hosts" mapstructure:"allowed_hosts"`
	Auth         bool     `json:"auth" mapstructure:"auth"`
}

// SystemTraySettings is carried for round-trip fidelity with the original
// desktop-app config document; the tray itself is out of this gateway's
// scope (spec.md §1 Non-goals).
type SystemTraySettings struct {
	Enabled      bool `json:"enabled" mapstructure:"enabled"`
	CloseToTray  bool `json:"close_to_tray" mapstructure:"close_to_tray"`
	StartToTray  bool `json:"start_to_tray" mapstructure:"start_to_tray"`
}

// Settings carries the desktop-shell preferences that live in the same
// config document but are not consumed by the gateway core.
type Settings struct {
	Theme      string              `json:"theme" mapstructure:"theme"`
	Autostart  bool                `json:"autostart" mapstructure:"autostart"`
	SystemTray SystemTraySettings  `json:"system_tray" mapstructure:"system_tray"`
}

// Config is the single persisted document described in spec.md §6.
type Config struct {
	Server   ServerConfig   `json:"server" mapstructure:"server"`
	Logging  LogConfig      `json:"logging" mapstructure:"logging"`
	Security SecurityConfig `json:"security" mapstructure:"security"`
	Settings Settings       `json:"settings" mapstructure:"settings"`
}

// RequestTimeout returns the configured per-request timeout as a
// time.Duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// Addr returns the host:port the Gateway Server should bind.
func (c *Config) Addr() string {
	port := c.Server.Port
	if port <= 0 {
		port = DefaultConfig().Server.Port
	}
	return c.Server.Host + ":" + strconv.Itoa(port)
}

// DefaultLogConfig mirrors the teacher's DefaultLogConfig: console output
// by default, no file until one is configured.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:      "info",
		MaxSizeMB:  10,
		MaxBackups: 5,
		MaxAgeDays: 30,
		Compress:   true,
	}
}

// DefaultConfig returns the gateway's built-in defaults, matching spec.md §6
// (bind 127.0.0.1:8850, auth on, localhost-only allow-list).
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8850,
			MaxConnections: 100,
			TimeoutSeconds: 30,
		},
		Logging: *DefaultLogConfig(),
		Security: SecurityConfig{
			AllowedHosts: []string{"localhost", "127.0.0.1"},
			Auth:         true,
		},
		Settings: Settings{
			Theme: "auto",
		},
	}
}
