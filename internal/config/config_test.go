package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Snapshot.LogDir = "/var/log/agents"
	cfg.Diagnose.ComponentsDir = "/opt/agents"
	cfg.Mutate.BackupDir = "/var/lib/mendloop/backups"
	cfg.Store.Path = "/var/lib/mendloop/state"
	cfg.Verify.TriggerBaseURL = "http://host.internal:8080"
	cfg.Host.BaseURL = "http://host.internal:8081"
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := validConfig()

	assert.Equal(t, 9340, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "mendd", cfg.Telemetry.ServiceName)
	assert.Equal(t, 10, cfg.Loop.MaxIterations)
	assert.Equal(t, 5.0, cfg.Loop.PlateauThresholdPct)
	assert.Equal(t, 2, cfg.Loop.PlateauWindow)
	assert.Equal(t, 90.0, cfg.Loop.TargetReductionPct)
	assert.Equal(t, 10*time.Minute, cfg.Loop.ObservationWindow.Duration())
	assert.Equal(t, 20, cfg.Verify.SampleSize)
	assert.Equal(t, 30*time.Second, cfg.Verify.SettleWait.Duration())
	assert.Equal(t, 0.75, cfg.Decide.KeepThreshold)
	assert.Equal(t, 0.50, cfg.Decide.MonitorThreshold)
	assert.Equal(t, "agent.py", cfg.Diagnose.ArtifactName)
	assert.Equal(t, int64(5), cfg.Diagnose.MinFailures)
}

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"no log dir", func(c *Config) { c.Snapshot.LogDir = "" }, "log_dir"},
		{"no components dir", func(c *Config) { c.Diagnose.ComponentsDir = "" }, "components_dir"},
		{"no backup dir", func(c *Config) { c.Mutate.BackupDir = "" }, "backup_dir"},
		{"no store path", func(c *Config) { c.Store.Path = "" }, "store path"},
		{"inverted thresholds", func(c *Config) {
			c.Decide.KeepThreshold = 0.4
			c.Decide.MonitorThreshold = 0.5
		}, "keep_threshold"},
		{"bad target", func(c *Config) { c.Loop.TargetReductionPct = 150 }, "target_reduction_pct"},
		{"no trigger url", func(c *Config) { c.Verify.TriggerBaseURL = "" }, "trigger_base_url"},
		{"no host url", func(c *Config) { c.Host.BaseURL = "" }, "base_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("bogus")))
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())

	data, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")

	var empty Secret
	assert.Equal(t, "", empty.String())
	assert.False(t, empty.IsSet())
}
