package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 500, cfg.Runner.LogBufferLines)
	assert.Equal(t, 10*time.Minute, cfg.Runner.Retention)
	assert.Equal(t, 5*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, 5, cfg.Monitor.ProbeCount)
	assert.Equal(t, 60, cfg.Activity.RetentionDays)
	assert.True(t, cfg.Reconcile.CreatePlaceholders)

	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmapper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /tmp/cmapper-test
log:
  level: debug
  json: true
monitor:
  interval: 30s
  probe_timeout: 5s
metrics:
  enabled: false
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/cmapper-test", cfg.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, 30*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, 5*time.Second, cfg.Monitor.ProbeTimeout)
	assert.False(t, cfg.Metrics.Enabled)

	// Untouched sections keep their defaults.
	assert.Equal(t, 500, cfg.Runner.LogBufferLines)
	assert.Equal(t, 5, cfg.Monitor.ProbeCount)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmapper.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log level")
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmapper.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log level"},
		{"zero lock timeout", func(c *Config) { c.Store.LockTimeout = 0 }, "lock_timeout"},
		{"zero log buffer", func(c *Config) { c.Runner.LogBufferLines = 0 }, "log_buffer_lines"},
		{"zero interval", func(c *Config) { c.Monitor.Interval = 0 }, "interval"},
		{"zero probe count", func(c *Config) { c.Monitor.ProbeCount = 0 }, "probe_count"},
		{"probe timeout exceeds interval", func(c *Config) { c.Monitor.ProbeTimeout = time.Minute }, "probe_timeout"},
		{"zero retention days", func(c *Config) { c.Activity.RetentionDays = 0 }, "retention_days"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSub)
		})
	}
}
