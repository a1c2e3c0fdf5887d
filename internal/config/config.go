// Package config loads the orchestrator's process configuration: defaults,
// optional YAML overlay, environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the orchestrator.
type Config struct {
	Region      string `yaml:"region"`      // control plane's own region, for locality scoring
	MetricsAddr string `yaml:"metricsAddr"` // prometheus listen address, empty disables

	Scheduling SchedulingServiceConfig `yaml:"scheduling"`
	Commands   CommandsConfig          `yaml:"commands"`
	Events     EventsConfig            `yaml:"events"`
	Database   DatabaseConfig          `yaml:"database"`
}

type SchedulingServiceConfig struct {
	CacheTTL time.Duration `yaml:"cacheTTL"` // scheduling-config cache lifetime
}

type CommandsConfig struct {
	ReapInterval   time.Duration `yaml:"reapInterval"`   // how often expired commands are reaped
	OutboxCapacity int           `yaml:"outboxCapacity"` // per-node outbound queue size

	// Delivery breaker: trip a node once its delivery error rate over
	// BreakerWindow exceeds BreakerErrorRate, probe again after the window.
	BreakerErrorRate float64       `yaml:"breakerErrorRate"`
	BreakerWindow    time.Duration `yaml:"breakerWindow"`
}

type EventsConfig struct {
	MaxBuffered int `yaml:"maxBuffered"` // in-memory ring size
}

type DatabaseConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retentionDays"`
	WriteBuffer   int    `yaml:"writeBuffer"` // async writer queue depth
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Region:      "",
		MetricsAddr: ":9090",
		Scheduling: SchedulingServiceConfig{
			CacheTTL: 5 * time.Minute,
		},
		Commands: CommandsConfig{
			ReapInterval:     time.Minute,
			OutboxCapacity:   64,
			BreakerErrorRate: 0.5,
			BreakerWindow:    5 * time.Minute,
		},
		Events: EventsConfig{
			MaxBuffered: 10000,
		},
		Database: DatabaseConfig{
			Path:          "orchestrator.db",
			RetentionDays: 30,
			WriteBuffer:   1000,
		},
	}
}

// LoadFromFile reads a YAML config file over the defaults and applies
// environment overrides.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Load returns the defaults with environment overrides, used when no config
// file is given.
func Load() *Config {
	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("VMGRID_REGION"); v != "" {
		c.Region = v
	} else if v := os.Getenv("REGION"); v != "" {
		c.Region = v
	}
	if v := os.Getenv("VMGRID_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("VMGRID_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("VMGRID_DB_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil {
			c.Database.RetentionDays = days
		}
	}
}
