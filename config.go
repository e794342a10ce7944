package fleetsim

import (
	"log/slog"
	"time"

	"dario.cat/mergo"
)

// ConfigBuilder assembles a Config fluently. Build fills anything left
// unset from the defaults, so partial configuration is always valid.
type ConfigBuilder struct {
	config *Config
}

func NewConfigBuilder(dataDir, historyDSN string) *ConfigBuilder {
	return &ConfigBuilder{config: &Config{
		DataDir:    dataDir,
		HistoryDSN: historyDSN,
	}}
}

// WithNamespace sets the default namespace for simulations that do not
// carry their own.
func (cb *ConfigBuilder) WithNamespace(namespace string) *ConfigBuilder {
	cb.config.Namespace = namespace
	return cb
}

// WithRunnerSettings tunes the readiness poll interval and the fallback
// execution-time budget.
func (cb *ConfigBuilder) WithRunnerSettings(pollInterval, defaultExecutionTime time.Duration) *ConfigBuilder {
	cb.config.Runner.PollInterval = pollInterval
	cb.config.Runner.DefaultExecutionTime = defaultExecutionTime
	return cb
}

// WithProgressTTL sets how long live progress keys survive without a
// terminal cleanup.
func (cb *ConfigBuilder) WithProgressTTL(ttl time.Duration) *ConfigBuilder {
	cb.config.Progress.TTL = ttl
	return cb
}

// WithReconcileSettings tunes the finalize retry policy.
func (cb *ConfigBuilder) WithReconcileSettings(maxAttempts int, baseDelay, maxDelay time.Duration) *ConfigBuilder {
	cb.config.Reconcile.MaxAttempts = maxAttempts
	cb.config.Reconcile.BaseDelay = baseDelay
	cb.config.Reconcile.MaxDelay = maxDelay
	return cb
}

func (cb *ConfigBuilder) WithLogger(logger *slog.Logger) *ConfigBuilder {
	cb.config.Logger = logger
	return cb
}

// Build merges the defaults into every field left at its zero value and
// returns the finished Config.
func (cb *ConfigBuilder) Build() *Config {
	merged := *cb.config
	if err := mergo.Merge(&merged, DefaultConfig()); err != nil {
		// Defaults and overrides share one type; a merge failure here
		// means a programming error, so fall back to the explicit values.
		return cb.config
	}
	return &merged
}
