package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResetTime(t *testing.T) {
	hour, minute, err := parseResetTime("15:30")
	require.NoError(t, err)
	assert.Equal(t, 15, hour)
	assert.Equal(t, 30, minute)

	hour, minute, err = parseResetTime("00:00")
	require.NoError(t, err)
	assert.Zero(t, hour)
	assert.Zero(t, minute)

	for _, bad := range []string{"", "15", "25:00", "12:60", "ab:cd", "15:30:00x"} {
		_, _, err := parseResetTime(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BROKER_BASE_URL", "https://broker.test")
	t.Setenv("TOKEN_MANAGER_URL", "https://tokens.test")
	t.Setenv("INTERNAL_API_KEY", "secret")
	t.Setenv("JWT_SECRET", "jwt-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8002, cfg.Port)
	assert.Equal(t, 3000, cfg.Policy.DailyOrderLimit)
	assert.Equal(t, 10, cfg.Policy.OrdersPerSecond)
	assert.Equal(t, 200, cfg.Policy.OrdersPerMinute)
	assert.Equal(t, 1, cfg.Policy.QuotesPerSecond)
	assert.Equal(t, 3, cfg.Policy.HistoricalPerSecond)
	assert.Equal(t, 15, cfg.Policy.ResetHour)
	assert.Equal(t, 30, cfg.Policy.ResetMinute)
	assert.Equal(t, "Asia/Kolkata", cfg.Policy.ResetTimezone)

	assert.Equal(t, 5*time.Minute, cfg.Operational.ReconcileInterval)
	assert.Equal(t, 100, cfg.Operational.ReconcileBatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Operational.TickBatchInterval)
	assert.Equal(t, 100, cfg.Operational.TickBatchSize)
	assert.Equal(t, 5, cfg.Operational.BreakerFailures)
	assert.Equal(t, 60*time.Second, cfg.Operational.BreakerRecovery)
	assert.Equal(t, 30*time.Second, cfg.Operational.BrokerTimeout)
	assert.Equal(t, 30*time.Second, cfg.Operational.ShutdownGrace)
	assert.True(t, cfg.Operational.IdempotencyFailClosed)

	// The tick bus falls back to the main store when not set separately.
	assert.Equal(t, cfg.RedisURL, cfg.MarketDataRedis)
}

func TestLoadRejectsMissingRequired(t *testing.T) {
	t.Setenv("BROKER_BASE_URL", "")
	t.Setenv("TOKEN_MANAGER_URL", "https://tokens.test")
	t.Setenv("INTERNAL_API_KEY", "secret")
	t.Setenv("JWT_SECRET", "jwt-secret")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadCustomResetTime(t *testing.T) {
	t.Setenv("BROKER_BASE_URL", "https://broker.test")
	t.Setenv("TOKEN_MANAGER_URL", "https://tokens.test")
	t.Setenv("INTERNAL_API_KEY", "secret")
	t.Setenv("JWT_SECRET", "jwt-secret")
	t.Setenv("DAILY_RESET_TIME", "09:15")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Policy.ResetHour)
	assert.Equal(t, 15, cfg.Policy.ResetMinute)

	t.Setenv("DAILY_RESET_TIME", "bogus")
	_, err = Load()
	assert.Error(t, err)
}
