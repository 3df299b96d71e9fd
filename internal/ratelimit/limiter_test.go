package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/oms/internal/config"
	"github.com/tradeforge/oms/internal/domain"
)

func testPolicy() config.PolicyConfig {
	return config.PolicyConfig{
		DailyOrderLimit:     3000,
		OrdersPerSecond:     10,
		OrdersPerMinute:     200,
		APIPerSecond:        10,
		QuotesPerSecond:     1,
		HistoricalPerSecond: 3,
		ResetHour:           15,
		ResetMinute:         30,
		ResetTimezone:       "Asia/Kolkata",
	}
}

func newTestLimiter(t *testing.T) (*Limiter, *time.Time) {
	t.Helper()
	l, err := New(testPolicy(), zerolog.Nop())
	require.NoError(t, err)

	clock := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	return l, &clock
}

func TestOrderLimitPerSecond(t *testing.T) {
	l, clock := newTestLimiter(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Acquire(1, OpOrder))
	}

	err := l.Acquire(1, OpOrder)
	require.Error(t, err)
	de := domain.AsError(err)
	assert.Equal(t, domain.CodeRateLimitExceeded, de.Code)
	assert.Greater(t, de.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, de.RetryAfter, time.Second)

	// A second later the window has drained.
	*clock = clock.Add(time.Second + time.Millisecond)
	assert.NoError(t, l.Acquire(1, OpOrder))
}

func TestOrderLimitPerMinute(t *testing.T) {
	l, clock := newTestLimiter(t)

	// Drip 200 orders at a rate the second window never blocks.
	for i := 0; i < 200; i++ {
		require.NoError(t, l.Acquire(1, OpOrder))
		*clock = clock.Add(200 * time.Millisecond)
	}

	err := l.Acquire(1, OpOrder)
	require.Error(t, err)
	de := domain.AsError(err)
	assert.Equal(t, domain.CodeRateLimitExceeded, de.Code)
	assert.Contains(t, de.Message, "per minute")
}

func TestMinuteRefusalDoesNotBurnSecondSlot(t *testing.T) {
	l, clock := newTestLimiter(t)

	for i := 0; i < 200; i++ {
		require.NoError(t, l.Acquire(1, OpOrder))
		*clock = clock.Add(200 * time.Millisecond)
	}

	// Hammer the exhausted minute window; the second window must stay empty.
	for i := 0; i < 5; i++ {
		require.Error(t, l.Acquire(1, OpOrder))
	}
	assert.Equal(t, 0, l.Usage(1)["orders_per_second"])
}

func TestAccountsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Acquire(1, OpOrder))
	}
	require.Error(t, l.Acquire(1, OpOrder))

	// Account 2 is untouched.
	assert.NoError(t, l.Acquire(2, OpOrder))
}

func TestQuoteAndHistoricalCategories(t *testing.T) {
	l, _ := newTestLimiter(t)

	require.NoError(t, l.Acquire(1, OpQuote))
	require.Error(t, l.Acquire(1, OpQuote))

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(1, OpHistorical))
	}
	require.Error(t, l.Acquire(1, OpHistorical))

	// Categories do not bleed into each other.
	assert.NoError(t, l.Acquire(1, OpAPI))
}

func TestAcquireWaitSleepsOutTheWindow(t *testing.T) {
	l, clock := newTestLimiter(t)
	var slept []time.Duration
	l.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		*clock = clock.Add(d)
		return nil
	}

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Acquire(1, OpOrder))
	}

	// Fail-fast refuses the 11th; the waiting variant sleeps out the hint
	// and then gets its permit.
	require.Error(t, l.Acquire(1, OpOrder))
	require.NoError(t, l.AcquireWait(context.Background(), 1, OpOrder))
	require.NotEmpty(t, slept)
	assert.LessOrEqual(t, slept[0], time.Second+waitBuffer)
}

func TestAcquireWaitHonoursContextDeadline(t *testing.T) {
	l, _ := newTestLimiter(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Acquire(1, OpOrder))
	}

	// The window needs ~1s to drain but the caller only has 5ms: the wait
	// surfaces a timeout, not a rate-limit error.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	err := l.AcquireWait(ctx, 1, OpOrder)
	require.Error(t, err)
	assert.Equal(t, domain.CodeGatewayTimeout, domain.AsError(err).Code)
}

func TestWaitAllowedMarker(t *testing.T) {
	ctx := context.Background()
	assert.False(t, WaitAllowed(ctx))
	assert.True(t, WaitAllowed(WithWait(ctx)))
}

func TestDailyCounterBoundaries(t *testing.T) {
	// Only the pure time arithmetic; the store-backed path is covered in
	// integration environments.
	d := &DailyCounter{hour: 15, minute: 30}
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	d.loc = loc

	// 10:00 IST is before the boundary: quota day is yesterday's label.
	before := time.Date(2026, 8, 24, 10, 0, 0, 0, loc)
	assert.Equal(t, "2026-08-23", d.quotaDay(before))
	assert.Equal(t, time.Date(2026, 8, 24, 15, 30, 0, 0, loc), d.NextReset(before))

	// 16:00 IST is after the boundary: today's label, reset tomorrow.
	after := time.Date(2026, 8, 24, 16, 0, 0, 0, loc)
	assert.Equal(t, "2026-08-24", d.quotaDay(after))
	assert.Equal(t, time.Date(2026, 8, 25, 15, 30, 0, 0, loc), d.NextReset(after))

	// Exactly at the boundary counts as the new day.
	at := time.Date(2026, 8, 24, 15, 30, 0, 0, loc)
	assert.Equal(t, "2026-08-24", d.quotaDay(at))
}
