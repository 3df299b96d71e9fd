package subscriptions

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tradeforge/oms/internal/clients/marketdata"
)

// Manager owns the position_subscriptions table and keeps the market-data
// feed in step with it: an instrument is subscribed while any account holds
// a position or open order in it.
type Manager struct {
	db       *sql.DB
	registry *RegistryRepository
	feed     *marketdata.Client
	log      zerolog.Logger
}

// NewManager wires the subscription manager.
func NewManager(db *sql.DB, registry *RegistryRepository, feed *marketdata.Client, log zerolog.Logger) *Manager {
	return &Manager{
		db:       db,
		registry: registry,
		feed:     feed,
		log:      log.With().Str("component", "subscriptions").Logger(),
	}
}

// Ensure subscribes the account to an instrument's ticks. Non-subscribable
// segments are recorded but never pushed to the feed.
func (m *Manager) Ensure(ctx context.Context, accountID int64, exchange, symbol string) error {
	instrument, err := m.registry.LookupSymbol(ctx, exchange, symbol)
	if err != nil {
		return err
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO position_subscriptions (trading_account_id, instrument_token, symbol, exchange, active)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT (trading_account_id, instrument_token) DO UPDATE SET
			active = 1, updated_at = datetime('now')`,
		accountID, instrument.Token, symbol, exchange)
	if err != nil {
		return fmt.Errorf("failed to record subscription: %w", err)
	}

	if !Subscribable(instrument.Segment) {
		m.log.Debug().Str("symbol", symbol).Str("segment", instrument.Segment).
			Msg("segment has no live feed, subscription recorded only")
		return nil
	}

	if err := m.feed.Subscribe(ctx, []int64{instrument.Token}); err != nil {
		// The refresh pass retries; a missing tick stream must not block
		// the order flow that asked for it.
		m.log.Warn().Err(err).Int64("token", instrument.Token).Msg("feed subscribe failed")
	}
	return nil
}

// Drop releases the account's interest in an instrument. The feed
// subscription is removed only when no other account still wants it.
func (m *Manager) Drop(ctx context.Context, accountID int64, instrumentToken int64) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE position_subscriptions SET active = 0, updated_at = datetime('now')
		WHERE trading_account_id = ? AND instrument_token = ?`,
		accountID, instrumentToken)
	if err != nil {
		return fmt.Errorf("failed to drop subscription: %w", err)
	}

	var remaining int
	err = m.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM position_subscriptions
		WHERE instrument_token = ? AND active = 1`, instrumentToken).Scan(&remaining)
	if err != nil {
		return fmt.Errorf("failed to count remaining subscriptions: %w", err)
	}
	if remaining > 0 {
		return nil
	}

	if err := m.feed.Unsubscribe(ctx, []int64{instrumentToken}); err != nil {
		m.log.Warn().Err(err).Int64("token", instrumentToken).Msg("feed unsubscribe failed")
	}
	return nil
}

// DropSymbol releases the account's interest in an instrument addressed by
// symbol, for callers that flatten a position without holding its token.
func (m *Manager) DropSymbol(ctx context.Context, accountID int64, exchange, symbol string) error {
	instrument, err := m.registry.LookupSymbol(ctx, exchange, symbol)
	if err != nil {
		return err
	}
	return m.Drop(ctx, accountID, instrument.Token)
}

// DropAllForAccount deactivates every subscription of an account (account
// deletion cascade), releasing feed tokens nobody else holds.
func (m *Manager) DropAllForAccount(ctx context.Context, accountID int64) error {
	rows, err := m.db.QueryContext(ctx, `
		SELECT instrument_token FROM position_subscriptions
		WHERE trading_account_id = ? AND active = 1`, accountID)
	if err != nil {
		return fmt.Errorf("failed to list account subscriptions: %w", err)
	}
	var tokens []int64
	for rows.Next() {
		var t int64
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return err
		}
		tokens = append(tokens, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, t := range tokens {
		if err := m.Drop(ctx, accountID, t); err != nil {
			return err
		}
	}
	return nil
}

// ActiveTokens returns every token at least one account subscribes to.
func (m *Manager) ActiveTokens(ctx context.Context) ([]int64, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT DISTINCT instrument_token FROM position_subscriptions WHERE active = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active tokens: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var t int64
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Refresh re-asserts the active subscription set with the feed. The feed's
// admin endpoint re-reads the set itself; the token batch is re-sent as well
// in case the feed lost incremental updates while down.
func (m *Manager) Refresh(ctx context.Context) error {
	if err := m.feed.Refresh(ctx); err != nil {
		return err
	}

	tokens, err := m.ActiveTokens(ctx)
	if err != nil {
		return err
	}

	const batch = 100
	for start := 0; start < len(tokens); start += batch {
		end := start + batch
		if end > len(tokens) {
			end = len(tokens)
		}
		if err := m.feed.Subscribe(ctx, tokens[start:end]); err != nil {
			return err
		}
	}

	m.log.Info().Int("tokens", len(tokens)).Msg("subscriptions refreshed")
	return nil
}
