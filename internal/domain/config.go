package domain

import (
	"log/slog"
	"time"
)

// Config carries everything the coordinator and its adapters need.
// Zero values are filled in by DefaultConfig / Normalize.
type Config struct {
	Logger *slog.Logger `json:"-"`

	// Namespace is the default pod namespace when a simulation does not
	// carry its own.
	Namespace string `json:"namespace"`

	// DataDir backs the badger progress store. Empty means in-memory.
	DataDir string `json:"data_dir"`

	// HistoryDSN is the Postgres connection string for the history store
	// and the read-only definition source.
	HistoryDSN string `json:"history_dsn"`

	Runner    RunnerConfig    `json:"runner"`
	Progress  ProgressConfig  `json:"progress"`
	Reconcile ReconcileConfig `json:"reconcile"`
}

type RunnerConfig struct {
	// PollInterval bounds how quickly a stop request is observed inside
	// a readiness poll loop.
	PollInterval time.Duration `json:"poll_interval"`

	// DefaultExecutionTime applies when a stage carries no readiness
	// budget of its own.
	DefaultExecutionTime time.Duration `json:"default_execution_time"`
}

type ProgressConfig struct {
	// TTL expires progress keys; the store is a disposable mirror, never
	// the system of record.
	TTL time.Duration `json:"ttl"`
}

type ReconcileConfig struct {
	// MaxAttempts bounds finalize retries before escalation.
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
}

func DefaultConfig() *Config {
	return &Config{
		Namespace: "fleetsim",
		Runner:    DefaultRunnerConfig(),
		Progress:  DefaultProgressConfig(),
		Reconcile: DefaultReconcileConfig(),
	}
}

func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		PollInterval:         2 * time.Second,
		DefaultExecutionTime: time.Hour,
	}
}

func DefaultProgressConfig() ProgressConfig {
	return ProgressConfig{TTL: 24 * time.Hour}
}

func DefaultReconcileConfig() ReconcileConfig {
	return ReconcileConfig{
		MaxAttempts: 10,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// Normalize fills zero values with defaults and reports configurations
// that cannot be repaired.
func (c *Config) Normalize() error {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Namespace == "" {
		c.Namespace = "fleetsim"
	}
	if c.Runner.PollInterval <= 0 {
		c.Runner.PollInterval = DefaultRunnerConfig().PollInterval
	}
	if c.Runner.DefaultExecutionTime <= 0 {
		c.Runner.DefaultExecutionTime = DefaultRunnerConfig().DefaultExecutionTime
	}
	if c.Progress.TTL <= 0 {
		c.Progress.TTL = DefaultProgressConfig().TTL
	}
	if c.Reconcile.MaxAttempts <= 0 {
		c.Reconcile.MaxAttempts = DefaultReconcileConfig().MaxAttempts
	}
	if c.Reconcile.BaseDelay <= 0 {
		c.Reconcile.BaseDelay = DefaultReconcileConfig().BaseDelay
	}
	if c.Reconcile.MaxDelay < c.Reconcile.BaseDelay {
		c.Reconcile.MaxDelay = DefaultReconcileConfig().MaxDelay
	}
	return nil
}
