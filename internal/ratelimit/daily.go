package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeforge/oms/internal/config"
	"github.com/tradeforge/oms/internal/domain"
	"github.com/tradeforge/oms/internal/kv"
)

// DailyCounter enforces the per-account daily order quota. The counter lives
// in the shared store so every process instance sees the same count. The
// quota day rolls over at the configured boundary in the configured
// timezone, not at midnight UTC.
//
// When the store is unreachable the counter drops to a process-local
// fallback: counts accumulate in memory and the limit keeps holding per
// process. The local counts are merged back into the store on the first
// successful store operation after recovery.
type DailyCounter struct {
	store  *kv.Store
	limit  int
	hour   int
	minute int
	loc    *time.Location
	log    zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	degraded bool
	local    map[string]int64
}

// NewDailyCounter builds the counter. An unknown timezone is a startup error.
func NewDailyCounter(store *kv.Store, policy config.PolicyConfig, log zerolog.Logger) (*DailyCounter, error) {
	loc, err := time.LoadLocation(policy.ResetTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid reset timezone %q: %w", policy.ResetTimezone, err)
	}
	return &DailyCounter{
		store:  store,
		limit:  policy.DailyOrderLimit,
		hour:   policy.ResetHour,
		minute: policy.ResetMinute,
		loc:    loc,
		log:    log.With().Str("component", "daily_counter").Logger(),
		now:    time.Now,
		local:  make(map[string]int64),
	}, nil
}

// quotaDay returns the label of the quota day containing t: the calendar
// date of the most recent reset boundary at or before t, in the reset zone.
func (d *DailyCounter) quotaDay(t time.Time) string {
	local := t.In(d.loc)
	boundary := time.Date(local.Year(), local.Month(), local.Day(), d.hour, d.minute, 0, 0, d.loc)
	if local.Before(boundary) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return boundary.Format("2006-01-02")
}

// NextReset returns the next quota rollover after t.
func (d *DailyCounter) NextReset(t time.Time) time.Time {
	local := t.In(d.loc)
	boundary := time.Date(local.Year(), local.Month(), local.Day(), d.hour, d.minute, 0, 0, d.loc)
	if !local.Before(boundary) {
		boundary = boundary.AddDate(0, 0, 1)
	}
	return boundary
}

func (d *DailyCounter) key(accountID int64, day string) string {
	return fmt.Sprintf("daily_orders:%d:%s", accountID, day)
}

// Consume counts one order against the quota. Over-quota returns a 429
// carrying the next reset time. A store outage switches enforcement to the
// in-memory fallback rather than waving orders through.
func (d *DailyCounter) Consume(ctx context.Context, accountID int64) error {
	now := d.now()
	key := d.key(accountID, d.quotaDay(now))

	// TTL past the next boundary so stale keys expire on their own.
	ttl := d.NextReset(now).Sub(now) + time.Hour

	count, err := d.store.IncrWithExpiry(ctx, key, ttl)
	if err != nil {
		return d.consumeDegraded(accountID, key, now, err)
	}
	count += d.resync(ctx, key, ttl)

	if count > int64(d.limit) {
		return domain.DailyLimitExceeded(d.limit, d.NextReset(now).UTC())
	}
	return nil
}

// consumeDegraded counts against the process-local fallback. A single
// instance cannot see its peers' counts, but the limit still holds here
// instead of becoming unlimited for the duration of the outage.
func (d *DailyCounter) consumeDegraded(accountID int64, key string, now time.Time, cause error) error {
	d.mu.Lock()
	if !d.degraded {
		d.degraded = true
		d.log.Warn().Err(cause).
			Msg("daily counter store unreachable, enforcing quota from local fallback")
	}
	if d.local == nil {
		d.local = make(map[string]int64)
	}
	d.local[key]++
	n := d.local[key]
	d.mu.Unlock()

	d.log.Warn().Int64("trading_account_id", accountID).Int64("local_count", n).
		Msg("daily quota counted in degraded mode")

	if n > int64(d.limit) {
		return domain.DailyLimitExceeded(d.limit, d.NextReset(now).UTC())
	}
	return nil
}

// resync merges counts taken while degraded back into the store. Returns
// the merged amount for key so the caller's own read stays accurate; counts
// that fail to merge stay local for the next attempt.
func (d *DailyCounter) resync(ctx context.Context, key string, ttl time.Duration) int64 {
	d.mu.Lock()
	if !d.degraded {
		d.mu.Unlock()
		return 0
	}
	pending := d.local
	d.local = make(map[string]int64)
	d.degraded = false
	d.mu.Unlock()

	d.log.Info().Int("keys", len(pending)).
		Msg("daily counter store recovered, merging local counts")

	var own int64
	for k, n := range pending {
		if n <= 0 {
			continue
		}
		if _, err := d.store.IncrByWithExpiry(ctx, k, n, ttl); err != nil {
			d.mu.Lock()
			d.degraded = true
			d.local[k] += n
			d.mu.Unlock()
			continue
		}
		if k == key {
			own = n
		}
	}
	return own
}

// Refund returns one unit of quota, used when the order never reached the
// broker (local validation or persistence failure after the count).
func (d *DailyCounter) Refund(ctx context.Context, accountID int64) {
	key := d.key(accountID, d.quotaDay(d.now()))
	if err := d.store.Decr(ctx, key); err != nil {
		d.mu.Lock()
		if d.degraded && d.local[key] > 0 {
			d.local[key]--
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
		d.log.Warn().Err(err).Int64("trading_account_id", accountID).
			Msg("failed to refund daily quota")
	}
}

// Used reports the current count for the diagnostics endpoint, folding in
// any counts held locally during a store outage.
func (d *DailyCounter) Used(ctx context.Context, accountID int64) (int64, error) {
	key := d.key(accountID, d.quotaDay(d.now()))

	d.mu.Lock()
	localCount := d.local[key]
	degraded := d.degraded
	d.mu.Unlock()

	raw, found, err := d.store.Get(ctx, key)
	if err != nil {
		if degraded {
			return localCount, nil
		}
		return 0, err
	}
	if !found {
		return localCount, nil
	}
	var n int64
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, err
	}
	return n + localCount, nil
}
