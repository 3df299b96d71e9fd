package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/oms/internal/config"
	"github.com/tradeforge/oms/internal/domain"
	"github.com/tradeforge/oms/internal/kv"
)

// deadStore returns a store pointed at a closed port, so every operation
// fails fast. Exercises the daily counter's degraded mode.
func deadStore(t *testing.T) *kv.Store {
	t.Helper()
	return kv.NewFromClient(redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  50 * time.Millisecond,
		ReadTimeout:  50 * time.Millisecond,
		WriteTimeout: 50 * time.Millisecond,
		MaxRetries:   -1,
	}), zerolog.Nop())
}

func newDeadStoreCounter(t *testing.T, limit int) *DailyCounter {
	t.Helper()
	policy := config.PolicyConfig{
		DailyOrderLimit: limit,
		ResetHour:       15,
		ResetMinute:     30,
		ResetTimezone:   "Asia/Kolkata",
	}
	d, err := NewDailyCounter(deadStore(t), policy, zerolog.Nop())
	require.NoError(t, err)
	return d
}

func TestDailyQuotaHoldsDuringStoreOutage(t *testing.T) {
	d := newDeadStoreCounter(t, 2)
	ctx := context.Background()

	require.NoError(t, d.Consume(ctx, 1))
	require.NoError(t, d.Consume(ctx, 1))

	// Every further attempt is refused, store outage or not.
	for i := 0; i < 8; i++ {
		err := d.Consume(ctx, 1)
		require.Error(t, err)
		de := domain.AsError(err)
		assert.Equal(t, domain.CodeRateLimitExceeded, de.Code)
		assert.False(t, de.ResetAt.IsZero())
	}
}

func TestDailyQuotaDegradedModeIsPerAccount(t *testing.T) {
	d := newDeadStoreCounter(t, 1)
	ctx := context.Background()

	require.NoError(t, d.Consume(ctx, 1))
	require.Error(t, d.Consume(ctx, 1))

	// Account 2 carries its own fallback count.
	assert.NoError(t, d.Consume(ctx, 2))
}

func TestDailyQuotaRefundInDegradedMode(t *testing.T) {
	d := newDeadStoreCounter(t, 2)
	ctx := context.Background()

	require.NoError(t, d.Consume(ctx, 1))
	require.NoError(t, d.Consume(ctx, 1))

	// A refund frees exactly one slot.
	d.Refund(ctx, 1)
	assert.NoError(t, d.Consume(ctx, 1))
	assert.Error(t, d.Consume(ctx, 1))
}

func TestDailyQuotaUsedReportsLocalCounts(t *testing.T) {
	d := newDeadStoreCounter(t, 5)
	ctx := context.Background()

	require.NoError(t, d.Consume(ctx, 1))
	require.NoError(t, d.Consume(ctx, 1))

	used, err := d.Used(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, used)
}
