package fleetsim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigBuilderFillsDefaults(t *testing.T) {
	cfg := NewConfigBuilder("/var/lib/fleetsim", "postgres://localhost/fleetsim").Build()

	assert.Equal(t, "/var/lib/fleetsim", cfg.DataDir)
	assert.Equal(t, "postgres://localhost/fleetsim", cfg.HistoryDSN)

	defaults := DefaultConfig()
	assert.Equal(t, defaults.Namespace, cfg.Namespace)
	assert.Equal(t, defaults.Runner.PollInterval, cfg.Runner.PollInterval)
	assert.Equal(t, defaults.Progress.TTL, cfg.Progress.TTL)
	assert.Equal(t, defaults.Reconcile.MaxAttempts, cfg.Reconcile.MaxAttempts)
}

func TestConfigBuilderKeepsOverrides(t *testing.T) {
	cfg := NewConfigBuilder("", "").
		WithNamespace("load-tests").
		WithRunnerSettings(time.Second, 10*time.Minute).
		WithProgressTTL(time.Hour).
		WithReconcileSettings(5, 100*time.Millisecond, 5*time.Second).
		Build()

	assert.Equal(t, "load-tests", cfg.Namespace)
	assert.Equal(t, time.Second, cfg.Runner.PollInterval)
	assert.Equal(t, 10*time.Minute, cfg.Runner.DefaultExecutionTime)
	assert.Equal(t, time.Hour, cfg.Progress.TTL)
	assert.Equal(t, 5, cfg.Reconcile.MaxAttempts)

	require.NoError(t, cfg.Normalize())
	assert.Equal(t, "load-tests", cfg.Namespace)
}
