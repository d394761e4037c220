package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk broker configuration. It selects a server profile and
// declares the applications the broker serves.
type File struct {
	Default string                  `yaml:"default"`
	Servers map[string]ServerConfig `yaml:"servers"`
	Apps    AppsConfig              `yaml:"apps"`
}

// ServerConfig describes one server profile.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Path           string        `yaml:"path"`
	Hostname       string        `yaml:"hostname"`
	MaxRequestSize int           `yaml:"max_request_size"`
	Scaling        ScalingConfig `yaml:"scaling"`
	TLS            *TLSConfig    `yaml:"tls"`
}

// ScalingConfig configures the cross-node pub/sub bus.
type ScalingConfig struct {
	Enabled bool            `yaml:"enabled"`
	Channel string          `yaml:"channel"`
	Server  BusServerConfig `yaml:"server"`
}

// BusServerConfig points at the Redis instance backing the bus. Either URL or
// Host/Port must be set.
type BusServerConfig struct {
	URL        string `yaml:"url"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	TLS        bool   `yaml:"tls"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Addr returns the host:port form of the bus server address.
func (b BusServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// TLSConfig holds certificate paths for TLS termination.
type TLSConfig struct {
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
}

// AppsConfig declares the application provider and its applications.
type AppsConfig struct {
	Provider string      `yaml:"provider"`
	Apps     []AppConfig `yaml:"apps"`
}

// AppConfig is one application entry.
type AppConfig struct {
	AppID           string   `yaml:"app_id"`
	Key             string   `yaml:"key"`
	Secret          string   `yaml:"secret"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	PingInterval    int      `yaml:"ping_interval"`
	ActivityTimeout int      `yaml:"activity_timeout"`
	MaxConnections  int      `yaml:"max_connections"`
	MaxMessageSize  int      `yaml:"max_message_size"`
}

// LoadFile parses a broker configuration file.
func LoadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if f.Apps.Provider != "" && f.Apps.Provider != "config" {
		return nil, fmt.Errorf("unsupported apps provider %q", f.Apps.Provider)
	}

	return &f, nil
}

// Server resolves the selected server profile.
func (f *File) Server() (ServerConfig, error) {
	name := f.Default
	if name == "" {
		name = "default"
	}
	srv, ok := f.Servers[name]
	if !ok {
		return ServerConfig{}, fmt.Errorf("server profile %q not found", name)
	}
	return srv, nil
}
