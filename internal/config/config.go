// Package config provides configuration loading for mendd.
//
// Configuration is loaded from a YAML file and overridden by
// environment variables, with hardcoded defaults underneath.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete mendd configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Loop      LoopConfig      `koanf:"loop"`
	Snapshot  SnapshotConfig  `koanf:"snapshot"`
	Diagnose  DiagnoseConfig  `koanf:"diagnose"`
	Mutate    MutateConfig    `koanf:"mutate"`
	Verify    VerifyConfig    `koanf:"verify"`
	Decide    DecideConfig    `koanf:"decide"`
	Store     StoreConfig     `koanf:"store"`
	Host      HostConfig      `koanf:"host"`
}

// ServerConfig holds the status HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	Insecure    bool   `koanf:"insecure"`
	ServiceName string `koanf:"service_name"`
	LogLevel    string `koanf:"log_level"`
}

// LoopConfig holds the iteration controller constants.
type LoopConfig struct {
	MaxIterations       int      `koanf:"max_iterations"`
	PlateauThresholdPct float64  `koanf:"plateau_threshold_pct"`
	PlateauWindow       int      `koanf:"plateau_window"`
	ExhaustedStreak     int      `koanf:"exhausted_streak"`
	TargetReductionPct  float64  `koanf:"target_reduction_pct"`
	ObservationWindow   Duration `koanf:"observation_window"`
	IterationPause      Duration `koanf:"iteration_pause"`
}

// SnapshotConfig holds the metric aggregation configuration.
type SnapshotConfig struct {
	LogDir        string `koanf:"log_dir"`
	EvidenceLimit int    `koanf:"evidence_limit"`
}

// DiagnoseConfig holds the candidate generator configuration.
type DiagnoseConfig struct {
	ComponentsDir string `koanf:"components_dir"`
	ArtifactName  string `koanf:"artifact_name"`
	MinFailures   int64  `koanf:"min_failures"`
}

// MutateConfig holds the mutation executor configuration.
type MutateConfig struct {
	BackupDir         string   `koanf:"backup_dir"`
	RestartTimeout    Duration `koanf:"restart_timeout"`
	ReadyPollInterval Duration `koanf:"ready_poll_interval"`
}

// VerifyConfig holds the active verifier configuration.
type VerifyConfig struct {
	SampleSize        int      `koanf:"sample_size"`
	Concurrency       int      `koanf:"concurrency"`
	TriggersPerSecond float64  `koanf:"triggers_per_second"`
	SettleWait        Duration `koanf:"settle_wait"`
	TriggerBaseURL    string   `koanf:"trigger_base_url"`
	TriggerToken      Secret   `koanf:"trigger_token"`
}

// DecideConfig holds the decision thresholds.
type DecideConfig struct {
	KeepThreshold    float64 `koanf:"keep_threshold"`
	MonitorThreshold float64 `koanf:"monitor_threshold"`
}

// StoreConfig holds the state store configuration. Writes are synced
// by default; NoSyncWrites trades durability for speed.
type StoreConfig struct {
	Path         string `koanf:"path"`
	NoSyncWrites bool   `koanf:"no_sync_writes"`
}

// HostConfig holds the component host control API configuration.
type HostConfig struct {
	BaseURL string `koanf:"base_url"`
	Token   Secret `koanf:"token"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9340
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "mendd"
	}
	if cfg.Telemetry.LogLevel == "" {
		cfg.Telemetry.LogLevel = "info"
	}

	if cfg.Loop.MaxIterations == 0 {
		cfg.Loop.MaxIterations = 10
	}
	if cfg.Loop.PlateauThresholdPct == 0 {
		cfg.Loop.PlateauThresholdPct = 5
	}
	if cfg.Loop.PlateauWindow == 0 {
		cfg.Loop.PlateauWindow = 2
	}
	if cfg.Loop.ExhaustedStreak == 0 {
		cfg.Loop.ExhaustedStreak = 2
	}
	if cfg.Loop.TargetReductionPct == 0 {
		cfg.Loop.TargetReductionPct = 90
	}
	if cfg.Loop.ObservationWindow == 0 {
		cfg.Loop.ObservationWindow = Duration(10 * time.Minute)
	}

	if cfg.Snapshot.EvidenceLimit == 0 {
		cfg.Snapshot.EvidenceLimit = 25
	}

	if cfg.Diagnose.ArtifactName == "" {
		cfg.Diagnose.ArtifactName = "agent.py"
	}
	if cfg.Diagnose.MinFailures == 0 {
		cfg.Diagnose.MinFailures = 5
	}

	if cfg.Mutate.RestartTimeout == 0 {
		cfg.Mutate.RestartTimeout = Duration(60 * time.Second)
	}
	if cfg.Mutate.ReadyPollInterval == 0 {
		cfg.Mutate.ReadyPollInterval = Duration(2 * time.Second)
	}

	if cfg.Verify.SampleSize == 0 {
		cfg.Verify.SampleSize = 20
	}
	if cfg.Verify.Concurrency == 0 {
		cfg.Verify.Concurrency = 4
	}
	if cfg.Verify.TriggersPerSecond == 0 {
		cfg.Verify.TriggersPerSecond = 2
	}
	if cfg.Verify.SettleWait == 0 {
		cfg.Verify.SettleWait = Duration(30 * time.Second)
	}

	if cfg.Decide.KeepThreshold == 0 {
		cfg.Decide.KeepThreshold = 0.75
	}
	if cfg.Decide.MonitorThreshold == 0 {
		cfg.Decide.MonitorThreshold = 0.50
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	if c.Loop.MaxIterations < 1 {
		return errors.New("max_iterations must be at least 1")
	}
	if c.Loop.PlateauThresholdPct < 0 {
		return errors.New("plateau_threshold_pct cannot be negative")
	}
	if c.Loop.TargetReductionPct <= 0 || c.Loop.TargetReductionPct > 100 {
		return fmt.Errorf("target_reduction_pct must be in (0,100], got %v", c.Loop.TargetReductionPct)
	}

	if c.Snapshot.LogDir == "" {
		return errors.New("snapshot log_dir is required")
	}
	if c.Diagnose.ComponentsDir == "" {
		return errors.New("diagnose components_dir is required")
	}
	if c.Mutate.BackupDir == "" {
		return errors.New("mutate backup_dir is required")
	}
	if c.Store.Path == "" {
		return errors.New("store path is required")
	}

	if c.Decide.KeepThreshold < c.Decide.MonitorThreshold {
		return fmt.Errorf("keep_threshold %v below monitor_threshold %v",
			c.Decide.KeepThreshold, c.Decide.MonitorThreshold)
	}

	if c.Verify.SampleSize < 1 {
		return errors.New("verify sample_size must be at least 1")
	}
	if c.Verify.TriggerBaseURL == "" {
		return errors.New("verify trigger_base_url is required")
	}
	if c.Host.BaseURL == "" {
		return errors.New("host base_url is required")
	}

	return nil
}
