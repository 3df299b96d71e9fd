// Package tiers schedules per-account broker syncs by activity tier: busy
// accounts refresh often, dormant ones not at all, keeping the fleet inside
// the broker's rate budget.
package tiers

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Tier is an account's sync cadence class.
type Tier string

const (
	TierHot     Tier = "HOT"
	TierWarm    Tier = "WARM"
	TierCold    Tier = "COLD"
	TierDormant Tier = "DORMANT"
)

// Interval returns the poll cadence for a tier; zero means never.
func (t Tier) Interval() time.Duration {
	switch t {
	case TierHot:
		return 30 * time.Second
	case TierWarm:
		return 120 * time.Second
	case TierCold:
		return 900 * time.Second
	}
	return 0
}

// Classification ladder windows.
const (
	hotWindow  = 5 * time.Minute
	warmWindow = 24 * time.Hour
	coldWindow = 7 * 24 * time.Hour
)

// Signals are the inputs to classification: live order and position state
// outranks recency.
type Signals struct {
	HasActiveOrders  bool
	HasOpenPositions bool
	LastOrderAt      *time.Time
}

// Classify walks the ladder: active orders make an account HOT, very recent
// activity makes it HOT, open positions make it WARM, day-old activity
// makes it WARM, week-old silence makes it DORMANT. An account with no
// recorded activity at all is COLD, not DORMANT; it has never earned a
// demotion.
func Classify(sig Signals, now time.Time) Tier {
	if sig.HasActiveOrders {
		return TierHot
	}
	if sig.LastOrderAt != nil && now.Sub(*sig.LastOrderAt) <= hotWindow {
		return TierHot
	}
	if sig.HasOpenPositions {
		return TierWarm
	}
	if sig.LastOrderAt == nil {
		return TierCold
	}
	age := now.Sub(*sig.LastOrderAt)
	switch {
	case age <= warmWindow:
		return TierWarm
	case age >= coldWindow:
		return TierDormant
	}
	return TierCold
}

// AccountTier is one row of the tier table.
type AccountTier struct {
	TradingAccountID    int64      `json:"trading_account_id"`
	Tier                Tier       `json:"tier"`
	PromotedUntil       *time.Time `json:"promoted_until,omitempty"`
	LastOrderAt         *time.Time `json:"last_order_at,omitempty"`
	LastSyncedAt        *time.Time `json:"last_synced_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// EffectiveTier honors a still-valid promotion over the classified tier.
func (a *AccountTier) EffectiveTier(now time.Time) Tier {
	if a.PromotedUntil != nil && now.Before(*a.PromotedUntil) {
		return TierHot
	}
	return a.Tier
}

// Repository persists account tiers.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a tier repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const timeLayout = "2006-01-02 15:04:05"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	for _, layout := range []string{timeLayout, time.RFC3339} {
		if t, err := time.Parse(layout, ns.String); err == nil {
			return &t
		}
	}
	return nil
}

// RecordOrderActivity bumps last_order_at and reclassifies, typically to HOT.
func (r *Repository) RecordOrderActivity(ctx context.Context, accountID int64, at time.Time) error {
	tier := Classify(Signals{LastOrderAt: &at}, at)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO account_sync_tiers (trading_account_id, tier, last_order_at, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT (trading_account_id) DO UPDATE SET
			tier = excluded.tier,
			last_order_at = excluded.last_order_at,
			updated_at = datetime('now')`,
		accountID, tier, fmtTime(at))
	if err != nil {
		return fmt.Errorf("failed to record order activity: %w", err)
	}
	return nil
}

// Promote pins an account to HOT until the given time, regardless of its
// classified tier.
func (r *Repository) Promote(ctx context.Context, accountID int64, until time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO account_sync_tiers (trading_account_id, tier, promoted_until, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT (trading_account_id) DO UPDATE SET
			promoted_until = excluded.promoted_until,
			updated_at = datetime('now')`,
		accountID, TierCold, fmtTime(until))
	if err != nil {
		return fmt.Errorf("failed to promote account: %w", err)
	}
	return nil
}

// MarkSynced records a sync outcome; failures accumulate for backoff.
func (r *Repository) MarkSynced(ctx context.Context, accountID int64, ok bool) error {
	var query string
	if ok {
		query = `UPDATE account_sync_tiers SET last_synced_at = datetime('now'),
			consecutive_failures = 0, updated_at = datetime('now')
			WHERE trading_account_id = ?`
	} else {
		query = `UPDATE account_sync_tiers SET
			consecutive_failures = consecutive_failures + 1, updated_at = datetime('now')
			WHERE trading_account_id = ?`
	}
	if _, err := r.db.ExecContext(ctx, query, accountID); err != nil {
		return fmt.Errorf("failed to mark sync outcome: %w", err)
	}
	return nil
}

// Reclassify demotes accounts whose activity has aged out of their tier and
// clears expired promotions. Run periodically by the scheduler.
func (r *Repository) Reclassify(ctx context.Context, now time.Time) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT t.trading_account_id, t.last_order_at,
			EXISTS (SELECT 1 FROM orders o
				WHERE o.trading_account_id = t.trading_account_id
				  AND o.status IN ('PENDING', 'SUBMITTED', 'OPEN', 'TRIGGER_PENDING')),
			EXISTS (SELECT 1 FROM positions p
				WHERE p.trading_account_id = t.trading_account_id AND p.is_open = 1)
		FROM account_sync_tiers t`)
	if err != nil {
		return fmt.Errorf("failed to load tiers for reclassification: %w", err)
	}

	type update struct {
		id   int64
		tier Tier
	}
	var updates []update
	for rows.Next() {
		var id int64
		var lastOrder sql.NullString
		var activeOrders, openPositions bool
		if err := rows.Scan(&id, &lastOrder, &activeOrders, &openPositions); err != nil {
			rows.Close()
			return err
		}
		sig := Signals{
			HasActiveOrders:  activeOrders,
			HasOpenPositions: openPositions,
			LastOrderAt:      parseTimePtr(lastOrder),
		}
		updates = append(updates, update{id: id, tier: Classify(sig, now)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, u := range updates {
		if _, err := r.db.ExecContext(ctx, `
			UPDATE account_sync_tiers SET tier = ?,
				promoted_until = CASE WHEN promoted_until IS NOT NULL AND promoted_until < ? THEN NULL ELSE promoted_until END,
				updated_at = datetime('now')
			WHERE trading_account_id = ?`,
			u.tier, fmtTime(now), u.id); err != nil {
			return fmt.Errorf("failed to reclassify account %d: %w", u.id, err)
		}
	}
	return nil
}

// ListByEffectiveTier returns the accounts to poll for a tier, honoring
// promotions.
func (r *Repository) ListByEffectiveTier(ctx context.Context, tier Tier, now time.Time) ([]int64, error) {
	var rows *sql.Rows
	var err error
	if tier == TierHot {
		rows, err = r.db.QueryContext(ctx, `
			SELECT trading_account_id FROM account_sync_tiers
			WHERE tier = ? OR (promoted_until IS NOT NULL AND promoted_until >= ?)`,
			tier, fmtTime(now))
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT trading_account_id FROM account_sync_tiers
			WHERE tier = ? AND (promoted_until IS NULL OR promoted_until < ?)`,
			tier, fmtTime(now))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list tier accounts: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Get returns one account's tier row, nil when untracked.
func (r *Repository) Get(ctx context.Context, accountID int64) (*AccountTier, error) {
	var a AccountTier
	var promoted, lastOrder, lastSynced sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT trading_account_id, tier, promoted_until, last_order_at, last_synced_at, consecutive_failures
		FROM account_sync_tiers WHERE trading_account_id = ?`, accountID).
		Scan(&a.TradingAccountID, &a.Tier, &promoted, &lastOrder, &lastSynced, &a.ConsecutiveFailures)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account tier: %w", err)
	}
	a.PromotedUntil = parseTimePtr(promoted)
	a.LastOrderAt = parseTimePtr(lastOrder)
	a.LastSyncedAt = parseTimePtr(lastSynced)
	return &a, nil
}
