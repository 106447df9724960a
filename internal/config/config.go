// Package config provides configuration overlay parsing for socks4d.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the complete set of overlayable settings. CLI flags
// always win over a loaded file, and a loaded file always wins over
// these built-in defaults.
type Config struct {
	Port                    int     `yaml:"port"`
	Threads                 int     `yaml:"threads"`
	LogDirectory            string  `yaml:"log_directory"`
	LogLevel                string  `yaml:"log_level"`
	MaxConnectionsPerSecond float64 `yaml:"max_connections_per_second"`
}

// Default returns the built-in defaults: port 1080, one thread per
// hardware core, ${PREFIX}/var/log/socks4, info level.
func Default() *Config {
	return &Config{
		Port:                    1080,
		Threads:                 0, // 0 means runtime.GOMAXPROCS(0); resolved by the caller
		LogDirectory:            os.Getenv("PREFIX") + "/var/log/socks4",
		LogLevel:                "info",
		MaxConnectionsPerSecond: 0, // 0 means unlimited
	}
}

// Load reads and parses a YAML configuration file. A missing file is
// not treated specially here — callers that want "absence is fine"
// semantics should stat the path themselves before calling Load (see
// cmd/socks4d/main.go, where --config is optional).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, starting from Default()
// so a partial file only overrides the fields it sets.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks field-level constraints.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Threads < 0 {
		return fmt.Errorf("threads %d must not be negative", c.Threads)
	}
	if c.MaxConnectionsPerSecond < 0 {
		return fmt.Errorf("max_connections_per_second %f must not be negative", c.MaxConnectionsPerSecond)
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return fmt.Errorf("unrecognized log level %q", c.LogLevel)
	}
	return nil
}
