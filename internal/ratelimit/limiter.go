package ratelimit

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/tradeforge/oms/internal/config"
	"github.com/tradeforge/oms/internal/domain"
)

// Operation classifies a broker call for rate limiting. Every outbound call
// acquires a permit for exactly one category before it leaves the process.
type Operation string

const (
	OpOrder      Operation = "order"      // place, modify, cancel
	OpAPI        Operation = "api"        // order book, positions, holdings, margins, GTT
	OpQuote      Operation = "quote"      // quote snapshots
	OpHistorical Operation = "historical" // candle history
)

// maxTrackedAccounts bounds limiter memory; least-recently-active accounts
// are evicted and rebuilt empty on next use, which only ever under-counts
// briefly for an account idle long enough to be evicted.
const maxTrackedAccounts = 1000

// accountWindows holds one window set per account.
type accountWindows struct {
	orderSec *slidingWindow
	orderMin *slidingWindow
	apiSec   *slidingWindow
	quoteSec *slidingWindow
	histSec  *slidingWindow
}

// Limiter hands out per-account permits for broker calls.
type Limiter struct {
	policy   config.PolicyConfig
	accounts *lru.Cache[int64, *accountWindows]
	log      zerolog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// New builds a limiter from policy config.
func New(policy config.PolicyConfig, log zerolog.Logger) (*Limiter, error) {
	cache, err := lru.New[int64, *accountWindows](maxTrackedAccounts)
	if err != nil {
		return nil, fmt.Errorf("failed to create limiter cache: %w", err)
	}
	return &Limiter{
		policy:   policy,
		accounts: cache,
		log:      log.With().Str("component", "ratelimit").Logger(),
		now:      time.Now,
		sleep:    sleepCtx,
	}, nil
}

func (l *Limiter) windows(accountID int64) *accountWindows {
	if w, ok := l.accounts.Get(accountID); ok {
		return w
	}
	w := &accountWindows{
		orderSec: newSlidingWindow(l.policy.OrdersPerSecond, time.Second),
		orderMin: newSlidingWindow(l.policy.OrdersPerMinute, time.Minute),
		apiSec:   newSlidingWindow(l.policy.APIPerSecond, time.Second),
		quoteSec: newSlidingWindow(l.policy.QuotesPerSecond, time.Second),
		histSec:  newSlidingWindow(l.policy.HistoricalPerSecond, time.Second),
	}
	// Racing goroutines may both build a set; ContainsOrAdd keeps the winner.
	if existing, ok, _ := l.accounts.PeekOrAdd(accountID, w); ok {
		return existing
	}
	return w
}

// Acquire takes a permit for one call in the given category, or returns a
// rate-limit error carrying the Retry-After hint. Order placement must clear
// both the per-second and per-minute windows; a grant consumes from both.
func (l *Limiter) Acquire(accountID int64, op Operation) error {
	w := l.windows(accountID)
	now := l.now()

	switch op {
	case OpOrder:
		// Check the minute window first without consuming: if the second
		// window grants but the minute window refuses, we must not have
		// burned a second-window slot.
		if w.orderMin.used(now) >= l.policy.OrdersPerMinute {
			_, retry := w.orderMin.tryAcquire(now)
			return l.limited(accountID, "orders per minute", l.policy.OrdersPerMinute, retry)
		}
		if ok, retry := w.orderSec.tryAcquire(now); !ok {
			return l.limited(accountID, "orders per second", l.policy.OrdersPerSecond, retry)
		}
		if ok, retry := w.orderMin.tryAcquire(now); !ok {
			return l.limited(accountID, "orders per minute", l.policy.OrdersPerMinute, retry)
		}
		return nil

	case OpAPI:
		if ok, retry := w.apiSec.tryAcquire(now); !ok {
			return l.limited(accountID, "api calls per second", l.policy.APIPerSecond, retry)
		}
		return nil

	case OpQuote:
		if ok, retry := w.quoteSec.tryAcquire(now); !ok {
			return l.limited(accountID, "quote calls per second", l.policy.QuotesPerSecond, retry)
		}
		return nil

	case OpHistorical:
		if ok, retry := w.histSec.tryAcquire(now); !ok {
			return l.limited(accountID, "historical calls per second", l.policy.HistoricalPerSecond, retry)
		}
		return nil
	}

	return domain.Internal(fmt.Errorf("unknown rate limit operation %q", op))
}

// waitBuffer pads the retry-after hint so the re-check lands after the
// oldest entry has actually left its window.
const waitBuffer = 25 * time.Millisecond

// AcquireWait takes a permit like Acquire, but on a window refusal sleeps
// out the retry-after hint and re-checks instead of failing. Background
// callers use this so a busy account delays them rather than erroring them
// out. The context bounds the total wait; on expiry the caller gets a typed
// timeout, not a rate-limit error.
func (l *Limiter) AcquireWait(ctx context.Context, accountID int64, op Operation) error {
	for {
		err := l.Acquire(accountID, op)
		if err == nil {
			return nil
		}
		de := domain.AsError(err)
		if de.Code != domain.CodeRateLimitExceeded {
			return err
		}
		if serr := l.sleep(ctx, de.RetryAfter+waitBuffer); serr != nil {
			return serr
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return domain.WaitTimeout("rate limit")
	}
}

// waitKey marks a context whose broker calls may block on the limiter.
type waitKey struct{}

// WithWait marks ctx so broker calls under it wait for a permit instead of
// failing fast. Request-path callers never set it; background workers do.
func WithWait(ctx context.Context) context.Context {
	return context.WithValue(ctx, waitKey{}, true)
}

// WaitAllowed reports whether ctx was marked by WithWait.
func WaitAllowed(ctx context.Context) bool {
	allowed, _ := ctx.Value(waitKey{}).(bool)
	return allowed
}

func (l *Limiter) limited(accountID int64, limit string, max int, retry time.Duration) error {
	if retry < 0 {
		retry = 0
	}
	l.log.Debug().
		Int64("trading_account_id", accountID).
		Str("limit", limit).
		Dur("retry_after", retry).
		Msg("rate limit hit")
	return domain.RateLimited(fmt.Sprintf("%s (%d)", limit, max), retry)
}

// Usage reports current window occupancy for an account, for the internal
// diagnostics endpoint.
func (l *Limiter) Usage(accountID int64) map[string]int {
	w := l.windows(accountID)
	now := l.now()
	return map[string]int{
		"orders_per_second":     w.orderSec.used(now),
		"orders_per_minute":     w.orderMin.used(now),
		"api_per_second":        w.apiSec.used(now),
		"quotes_per_second":     w.quoteSec.used(now),
		"historical_per_second": w.histSec.used(now),
	}
}
