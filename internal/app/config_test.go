package app

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// unsetEnv clears keys for the test and restores them afterwards.
func unsetEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	unsetEnv(t, "APP_ENV", "APP_ADDR", "STOCK_CONFLICT_RETRIES", "IDEMPOTENCY_RETENTION", "ALERT_SWEEP_CRON", "CACHE_ENABLED", "RATE_LIMIT_PER_MINUTE", "PG_DSN", "WORKER_CONCURRENCY")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "development", cfg.AppEnv)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, 1, cfg.StockConflictRetries)
	require.Equal(t, 72*time.Hour, cfg.IdempotencyRetention)
	require.Equal(t, "*/5 * * * *", cfg.AlertSweepCron)
	require.Equal(t, 5, cfg.WorkerConcurrency)
	require.True(t, cfg.CacheEnabled)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("STOCK_CONFLICT_RETRIES", "3")
	t.Setenv("CACHE_TTL", "90s")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "10")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.True(t, cfg.IsProduction())
	require.Equal(t, 3, cfg.StockConflictRetries)
	require.Equal(t, 90*time.Second, cfg.CacheTTL)
	require.Equal(t, 10, cfg.RateLimitPerMinute)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	t.Setenv("STOCK_CONFLICT_RETRIES", "-1")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("STOCK_CONFLICT_RETRIES", "1")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "0")
	_, err = LoadConfig()
	require.Error(t, err)
}
