package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coherencebus/internal/types"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 3, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 5, cfg.CircuitBreaker.RecoveryThreshold)
	assert.Equal(t, 300*time.Second, cfg.CircuitBreaker.TimeoutWindow())
	assert.Equal(t, int64(10_000), cfg.ChannelFor(types.ChannelMutations).MaxLen)
	assert.Equal(t, int64(1_000), cfg.ChannelFor(types.ChannelAlerts).MaxLen)
	assert.Equal(t, 200*time.Millisecond, cfg.Evaluator.Drift.Deadline())
	assert.Equal(t, 500*time.Millisecond, cfg.Evaluator.Contradiction.Deadline())
	assert.Equal(t, 256, cfg.Store.SnapshotEvery)
	assert.Equal(t, 3, cfg.Pipeline.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Pipeline.BackoffBase())
	assert.Equal(t, 0.7, cfg.Coherence.MinScore)
	assert.Equal(t, 0.8, cfg.Coherence.FloorFor(types.CriticalityHigh))
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().CircuitBreaker, cfg.CircuitBreaker)
}

func TestLoadPartialFileFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scb.yaml")
	body := `
circuit_breaker:
  failure_threshold: 7
channels:
  context_mutations:
    max_len: 500
evaluator:
  drift:
    deadline_ms: 50
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.CircuitBreaker.FailureThreshold)
	// Unset values fall back to defaults.
	assert.Equal(t, 5, cfg.CircuitBreaker.RecoveryThreshold)
	assert.Equal(t, int64(500), cfg.ChannelFor(types.ChannelMutations).MaxLen)
	assert.Equal(t, "7d", cfg.ChannelFor(types.ChannelMutations).Retention)
	assert.Equal(t, int64(20_000), cfg.ChannelFor(types.ChannelFragments).MaxLen)
	assert.Equal(t, 50*time.Millisecond, cfg.Evaluator.Drift.Deadline())
	assert.Equal(t, 100*time.Millisecond, cfg.Evaluator.Utility.Deadline())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATA_DIR", "/var/lib/scb")
	t.Setenv("BUS_URL", "redis:6380")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "/var/lib/scb", cfg.DataDir)
	assert.Equal(t, "redis:6380", cfg.BusURL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestRetentionParsing(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"7d", 7 * 24 * time.Hour},
		{"30d", 30 * 24 * time.Hour},
		{"72h", 72 * time.Hour},
		{"", 0},
	}
	for _, tt := range tests {
		d, err := ChannelConfig{Retention: tt.in}.RetentionDuration()
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, d, tt.in)
	}

	_, err := ChannelConfig{Retention: "soon"}.RetentionDuration()
	assert.Error(t, err)
}

func TestValidateRejectsUnknownChannel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Channels["side_channel"] = ChannelConfig{MaxLen: 10}
	assert.Error(t, cfg.Validate())
}
