// Package subscriptions resolves instruments against the registry and keeps
// the market-data feed subscribed to every instrument the book needs.
package subscriptions

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/oms/internal/domain"
	"github.com/tradeforge/oms/internal/modules/orders"
)

// Segments with no live feed: tick subscriptions for these are skipped
// without failing the operation that asked.
var nonSubscribableSegments = map[string]bool{
	"BOND": true,
	"DEBT": true,
	"SGB":  true,
	"GSEC": true,
	"SDL":  true,
}

// Subscribable reports whether a segment has a live tick feed.
func Subscribable(segment string) bool {
	return !nonSubscribableSegments[segment]
}

// RegistryRepository reads the instrument registry (a read-only database
// owned by the market-data service).
type RegistryRepository struct {
	db *sql.DB
}

// NewRegistryRepository creates the registry reader.
func NewRegistryRepository(db *sql.DB) *RegistryRepository {
	return &RegistryRepository{db: db}
}

// LookupSymbol resolves (exchange, symbol) to an instrument. Implements the
// order service's instrument source.
func (r *RegistryRepository) LookupSymbol(ctx context.Context, exchange, symbol string) (*orders.Instrument, error) {
	var in orders.Instrument
	var lastPrice sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT instrument_token, tradingsymbol, exchange, segment, lot_size, last_price
		FROM instrument_registry WHERE exchange = ? AND tradingsymbol = ?`,
		exchange, symbol).
		Scan(&in.Token, &in.Symbol, &in.Exchange, &in.Segment, &in.LotSize, &lastPrice)
	if err == sql.ErrNoRows {
		return nil, domain.ValidationErrorf("unknown instrument %s:%s", exchange, symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up instrument: %w", err)
	}

	in.LastPrice = decimal.Zero
	if lastPrice.Valid && lastPrice.String != "" {
		if d, err := decimal.NewFromString(lastPrice.String); err == nil {
			in.LastPrice = d
		}
	}
	return &in, nil
}

// LookupToken resolves an instrument token.
func (r *RegistryRepository) LookupToken(ctx context.Context, token int64) (*orders.Instrument, error) {
	var in orders.Instrument
	var lastPrice sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT instrument_token, tradingsymbol, exchange, segment, lot_size, last_price
		FROM instrument_registry WHERE instrument_token = ?`, token).
		Scan(&in.Token, &in.Symbol, &in.Exchange, &in.Segment, &in.LotSize, &lastPrice)
	if err == sql.ErrNoRows {
		return nil, domain.NotFound("instrument")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up instrument token: %w", err)
	}
	in.LastPrice = decimal.Zero
	if lastPrice.Valid && lastPrice.String != "" {
		if d, err := decimal.NewFromString(lastPrice.String); err == nil {
			in.LastPrice = d
		}
	}
	return &in, nil
}
