// Package config provides configuration types and loading for the
// mcplens gateway.
package config

import (
	"time"
)

// Config is the top-level gateway configuration.
type Config struct {
	// Server configures the HTTP listener shared by the proxy surface
	// and the query API.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Storage configures the capture database location.
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`

	// Registry configures the upstream registry file.
	Registry RegistryConfig `yaml:"registry" mapstructure:"registry"`

	// Proxy configures upstream forwarding.
	Proxy ProxyConfig `yaml:"proxy" mapstructure:"proxy"`

	// Health configures the upstream health checker.
	Health HealthConfig `yaml:"health" mapstructure:"health"`
}

// ServerConfig configures the HTTP server listener.
type ServerConfig struct {
	// HTTPAddr is the listen address, host:port.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"required"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// StorageConfig configures persistent capture storage.
type StorageConfig struct {
	// Dir is the storage root; the capture database lives under it.
	Dir string `yaml:"dir" mapstructure:"dir" validate:"required"`
}

// RegistryConfig configures registry persistence.
type RegistryConfig struct {
	// Path is the registry JSON file.
	Path string `yaml:"path" mapstructure:"path" validate:"required"`
}

// ProxyConfig configures upstream forwarding behavior.
type ProxyConfig struct {
	// UpstreamTimeout bounds buffered (non-SSE) upstream exchanges.
	UpstreamTimeout time.Duration `yaml:"upstream_timeout" mapstructure:"upstream_timeout" validate:"omitempty,min=1s"`

	// MaxBodyBytes caps inbound request bodies. Zero means the 4 MB
	// default.
	MaxBodyBytes int64 `yaml:"max_body_bytes" mapstructure:"max_body_bytes" validate:"omitempty,min=1024"`
}

// HealthConfig configures the upstream health checker.
type HealthConfig struct {
	// Enabled toggles the background checker.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Interval is the probe cadence.
	Interval time.Duration `yaml:"interval" mapstructure:"interval" validate:"omitempty,min=100ms"`

	// Timeout bounds one probe.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,min=100ms"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: "127.0.0.1:8787",
			LogLevel: "info",
		},
		Storage: StorageConfig{
			Dir: "./data",
		},
		Registry: RegistryConfig{
			Path: "./registry.json",
		},
		Proxy: ProxyConfig{
			UpstreamTimeout: 30 * time.Second,
			MaxBodyBytes:    4 << 20,
		},
		Health: HealthConfig{
			Enabled:  true,
			Interval: 5 * time.Second,
			Timeout:  5 * time.Second,
		},
	}
}

// ApplyDefaults fills zero-valued fields from Default.
func (c *Config) ApplyDefaults() {
	def := Default()
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = def.Server.HTTPAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = def.Server.LogLevel
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = def.Storage.Dir
	}
	if c.Registry.Path == "" {
		c.Registry.Path = def.Registry.Path
	}
	if c.Proxy.UpstreamTimeout == 0 {
		c.Proxy.UpstreamTimeout = def.Proxy.UpstreamTimeout
	}
	if c.Proxy.MaxBodyBytes == 0 {
		c.Proxy.MaxBodyBytes = def.Proxy.MaxBodyBytes
	}
	if c.Health.Interval == 0 {
		c.Health.Interval = def.Health.Interval
	}
	if c.Health.Timeout == 0 {
		c.Health.Timeout = def.Health.Timeout
	}
}
