package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, []string{"localhost:9092"}, cfg.MQ.Brokers)
	assert.Equal(t, int64(10000), cfg.Access.MaxQueueDepth)
	assert.Equal(t, "600s", cfg.Access.DedupTTL)
	assert.Equal(t, 5, cfg.Trigger.RecoverCount)
	assert.Equal(t, int64(1000), cfg.Trigger.QoSMaxPerMin)
	assert.Equal(t, "60s", cfg.Converge.Interval)
	assert.Equal(t, 100, cfg.Converge.MaxFold)
	assert.Equal(t, 3, cfg.Action.MaxRetries)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://cache:6380/2")
	t.Setenv("MQ_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("TRIGGER_RECOVER_N", "3")
	t.Setenv("QOS_MAX_PER_MINUTE", "50")
	t.Setenv("CONVERGE_INTERVAL_SECONDS", "30")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "redis://cache:6380/2", cfg.Redis.URL)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.MQ.Brokers)
	assert.Equal(t, 3, cfg.Trigger.RecoverCount)
	assert.Equal(t, int64(50), cfg.Trigger.QoSMaxPerMin)
	assert.Equal(t, "30s", cfg.Converge.Interval)
}

func TestLoadFileOverridesEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	path := filepath.Join(t.TempDir(), "alarmd.yaml")
	body := "logging:\n  level: warn\ntrigger:\n  recoverCount: 7\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 7, cfg.Trigger.RecoverCount)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("ACCESS_PRIORITY_TTL", "not-a-duration")
	_, err := Load("")
	require.Error(t, err)
}

func TestDurationFallback(t *testing.T) {
	assert.Equal(t, 5*time.Second, Duration("", 5*time.Second))
	assert.Equal(t, 2*time.Minute, Duration("2m", time.Second))
	assert.Equal(t, time.Second, Duration("bogus", time.Second))
}
