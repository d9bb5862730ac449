// Package config loads the daemon configuration from a YAML file and
// applies defaults for anything left unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Runner    RunnerConfig    `yaml:"runner"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Activity  ActivityConfig  `yaml:"activity"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`
}

// StoreConfig controls topology store behavior.
type StoreConfig struct {
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// RunnerConfig controls job execution and cleanup.
type RunnerConfig struct {
	LogBufferLines int           `yaml:"log_buffer_lines"`
	Retention      time.Duration `yaml:"retention"`
	GCInterval     time.Duration `yaml:"gc_interval"`
}

// ReconcileConfig controls how discovery results are merged.
type ReconcileConfig struct {
	CreatePlaceholders bool `yaml:"create_placeholders"`
}

// MonitorConfig controls the monitoring scheduler.
type MonitorConfig struct {
	Interval     time.Duration `yaml:"interval"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	ProbeCount   int           `yaml:"probe_count"`
}

// ActivityConfig controls per-site activity log retention.
type ActivityConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Log: LogConfig{
			Level: "info",
		},
		Store: StoreConfig{
			LockTimeout: 3 * time.Second,
		},
		Runner: RunnerConfig{
			LogBufferLines: 500,
			Retention:      10 * time.Minute,
			GCInterval:     time.Minute,
		},
		Reconcile: ReconcileConfig{
			CreatePlaceholders: true,
		},
		Monitor: MonitorConfig{
			Interval:     5 * time.Second,
			ProbeTimeout: 2 * time.Second,
			ProbeCount:   5,
		},
		Activity: ActivityConfig{
			RetentionDays: 60,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9464",
		},
	}
}

// Load reads the YAML file at path on top of the defaults. A missing
// file is not an error; the defaults are returned as-is.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values that would break the
// daemon at runtime.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	if c.Store.LockTimeout <= 0 {
		return fmt.Errorf("store.lock_timeout must be positive")
	}
	if c.Runner.LogBufferLines <= 0 {
		return fmt.Errorf("runner.log_buffer_lines must be positive")
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive")
	}
	if c.Monitor.ProbeCount <= 0 {
		return fmt.Errorf("monitor.probe_count must be positive")
	}
	if c.Monitor.ProbeTimeout <= 0 || c.Monitor.ProbeTimeout >= c.Monitor.Interval {
		return fmt.Errorf("monitor.probe_timeout must be positive and shorter than the interval")
	}
	if c.Activity.RetentionDays <= 0 {
		return fmt.Errorf("activity.retention_days must be positive")
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/cmapper"
	}
	return filepath.Join(home, ".cmapper")
}
