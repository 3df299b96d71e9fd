// Package gtt manages good-till-triggered orders: the broker owns trigger
// evaluation; this service keeps a local cache for fast reads and syncs it
// against the broker's list.
package gtt

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tradeforge/oms/internal/clients/broker"
	"github.com/tradeforge/oms/internal/domain"
)

// Trigger is the locally cached view of a broker GTT.
type Trigger struct {
	ID               int64             `json:"id"`
	TradingAccountID int64             `json:"trading_account_id"`
	BrokerGTTID      int64             `json:"broker_gtt_id"`
	Symbol           string            `json:"symbol"`
	Exchange         string            `json:"exchange"`
	TriggerType      string            `json:"trigger_type"`
	TriggerValues    []decimal.Decimal `json:"trigger_values"`
	LastPrice        decimal.Decimal   `json:"last_price"`
	Legs             []broker.GTTLeg   `json:"orders"`
	Status           string            `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Repository caches GTTs locally.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a GTT repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) upsert(ctx context.Context, t *Trigger) error {
	values, err := json.Marshal(t.TriggerValues)
	if err != nil {
		return err
	}
	legs, err := json.Marshal(t.Legs)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO gtt_orders (trading_account_id, broker_gtt_id, symbol, exchange,
			trigger_type, trigger_values, last_price, orders_payload, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (broker_gtt_id) DO UPDATE SET
			trigger_values = excluded.trigger_values,
			last_price = excluded.last_price,
			orders_payload = excluded.orders_payload,
			status = excluded.status,
			updated_at = datetime('now')`,
		t.TradingAccountID, fmt.Sprint(t.BrokerGTTID), t.Symbol, t.Exchange,
		t.TriggerType, string(values), t.LastPrice.String(), string(legs), t.Status)
	if err != nil {
		return fmt.Errorf("failed to upsert gtt: %w", err)
	}
	return nil
}

func (r *Repository) setStatus(ctx context.Context, brokerGTTID int64, status string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE gtt_orders SET status = ?, updated_at = datetime('now') WHERE broker_gtt_id = ?`,
		status, fmt.Sprint(brokerGTTID))
	if err != nil {
		return fmt.Errorf("failed to update gtt status: %w", err)
	}
	return nil
}

func (r *Repository) listForAccount(ctx context.Context, accountID int64) ([]*Trigger, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, trading_account_id, broker_gtt_id, symbol, exchange, trigger_type,
			trigger_values, last_price, orders_payload, status, created_at, updated_at
		FROM gtt_orders WHERE trading_account_id = ? AND status != 'deleted'
		ORDER BY id DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list gtts: %w", err)
	}
	defer rows.Close()

	var out []*Trigger
	for rows.Next() {
		var t Trigger
		var brokerID, values, lastPrice, legs, createdAt, updatedAt string
		if err := rows.Scan(&t.ID, &t.TradingAccountID, &brokerID, &t.Symbol, &t.Exchange,
			&t.TriggerType, &values, &lastPrice, &legs, &t.Status, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		fmt.Sscanf(brokerID, "%d", &t.BrokerGTTID)
		if err := json.Unmarshal([]byte(values), &t.TriggerValues); err != nil {
			return nil, fmt.Errorf("corrupt trigger values on gtt %d: %w", t.ID, err)
		}
		if err := json.Unmarshal([]byte(legs), &t.Legs); err != nil {
			return nil, fmt.Errorf("corrupt legs on gtt %d: %w", t.ID, err)
		}
		if t.LastPrice, err = decimal.NewFromString(lastPrice); err != nil {
			return nil, fmt.Errorf("corrupt last price on gtt %d: %w", t.ID, err)
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, createdAt); err == nil {
				t.CreatedAt = ts
			}
			if ts, err := time.Parse(layout, updatedAt); err == nil {
				t.UpdatedAt = ts
			}
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// Service fronts the broker's GTT API with the local cache.
type Service struct {
	repo      *Repository
	brokerAPI broker.API
	log       zerolog.Logger
}

// NewService wires the GTT service.
func NewService(repo *Repository, api broker.API, log zerolog.Logger) *Service {
	return &Service{repo: repo, brokerAPI: api, log: log.With().Str("component", "gtt").Logger()}
}

// Place registers a trigger with the broker and caches it.
func (s *Service) Place(ctx context.Context, caller domain.Caller, accountID int64, req broker.GTTRequest) (*Trigger, error) {
	if !caller.CanAccess(accountID) {
		return nil, domain.Forbidden("no access to trading account")
	}
	if err := validateGTT(req); err != nil {
		return nil, err
	}

	gttID, err := s.brokerAPI.PlaceGTT(ctx, accountID, req)
	if err != nil {
		return nil, err
	}

	t := &Trigger{
		TradingAccountID: accountID,
		BrokerGTTID:      gttID,
		Symbol:           req.Symbol,
		Exchange:         req.Exchange,
		TriggerType:      req.TriggerType,
		TriggerValues:    req.TriggerValues,
		LastPrice:        req.LastPrice,
		Legs:             req.Orders,
		Status:           "active",
	}
	if err := s.repo.upsert(ctx, t); err != nil {
		// The broker holds the trigger; the next sync will cache it.
		s.log.Warn().Err(err).Int64("broker_gtt_id", gttID).Msg("failed to cache placed gtt")
	}
	s.log.Info().Int64("broker_gtt_id", gttID).Int64("trading_account_id", accountID).Msg("gtt placed")
	return t, nil
}

// Modify replaces a trigger upstream and refreshes the cache. Only an
// active trigger can be replaced; triggered, disabled or expired ones are
// immutable history.
func (s *Service) Modify(ctx context.Context, caller domain.Caller, accountID, gttID int64, req broker.GTTRequest) (*Trigger, error) {
	if !caller.CanAccess(accountID) {
		return nil, domain.Forbidden("no access to trading account")
	}
	if err := validateGTT(req); err != nil {
		return nil, err
	}
	if err := s.requireActive(ctx, accountID, gttID); err != nil {
		return nil, err
	}

	newID, err := s.brokerAPI.ModifyGTT(ctx, accountID, gttID, req)
	if err != nil {
		return nil, err
	}

	t := &Trigger{
		TradingAccountID: accountID,
		BrokerGTTID:      newID,
		Symbol:           req.Symbol,
		Exchange:         req.Exchange,
		TriggerType:      req.TriggerType,
		TriggerValues:    req.TriggerValues,
		LastPrice:        req.LastPrice,
		Legs:             req.Orders,
		Status:           "active",
	}
	if err := s.repo.upsert(ctx, t); err != nil {
		s.log.Warn().Err(err).Int64("broker_gtt_id", newID).Msg("failed to cache modified gtt")
	}
	return t, nil
}

// Delete removes a trigger upstream and marks the cache row. Like Modify it
// refuses triggers no longer active.
func (s *Service) Delete(ctx context.Context, caller domain.Caller, accountID, gttID int64) error {
	if !caller.CanAccess(accountID) {
		return domain.Forbidden("no access to trading account")
	}
	if err := s.requireActive(ctx, accountID, gttID); err != nil {
		return err
	}
	if err := s.brokerAPI.DeleteGTT(ctx, accountID, gttID); err != nil {
		return err
	}
	return s.repo.setStatus(ctx, gttID, "deleted")
}

// requireActive rejects mutations of cached triggers that already fired or
// were taken down. An uncached trigger passes: the broker is authoritative
// and the next sync will backfill the row.
func (s *Service) requireActive(ctx context.Context, accountID, gttID int64) error {
	list, err := s.repo.listForAccount(ctx, accountID)
	if err != nil {
		return err
	}
	for _, t := range list {
		if t.BrokerGTTID != gttID {
			continue
		}
		if t.Status != "active" {
			return domain.Conflict(fmt.Sprintf("gtt trigger is %s, only active triggers can be changed", t.Status))
		}
		return nil
	}
	return nil
}

// List serves from the local cache.
func (s *Service) List(ctx context.Context, caller domain.Caller, accountID int64) ([]*Trigger, error) {
	if !caller.CanAccess(accountID) {
		return nil, domain.Forbidden("no access to trading account")
	}
	return s.repo.listForAccount(ctx, accountID)
}

// Get serves one trigger from the local cache by its broker identifier.
func (s *Service) Get(ctx context.Context, caller domain.Caller, accountID, gttID int64) (*Trigger, error) {
	list, err := s.List(ctx, caller, accountID)
	if err != nil {
		return nil, err
	}
	for _, t := range list {
		if t.BrokerGTTID == gttID {
			return t, nil
		}
	}
	return nil, domain.NotFound("gtt trigger")
}

// Sync refreshes the cache from the broker's trigger list for one account.
// Called by the tiered sync scheduler and the explicit sync endpoint.
func (s *Service) Sync(ctx context.Context, accountID int64) error {
	gtts, err := s.brokerAPI.ListGTT(ctx, accountID)
	if err != nil {
		return err
	}
	for _, g := range gtts {
		t := &Trigger{
			TradingAccountID: accountID,
			BrokerGTTID:      g.ID,
			Symbol:           g.Symbol,
			Exchange:         g.Exchange,
			TriggerType:      g.TriggerType,
			TriggerValues:    g.TriggerValues,
			LastPrice:        g.LastPrice,
			Legs:             g.Orders,
			Status:           g.Status,
		}
		if err := s.repo.upsert(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func validateGTT(req broker.GTTRequest) error {
	if req.Symbol == "" || req.Exchange == "" {
		return domain.ValidationError("symbol and exchange are required")
	}
	switch req.TriggerType {
	case "single":
		if len(req.TriggerValues) != 1 {
			return domain.ValidationError("single triggers need exactly one trigger value")
		}
		if len(req.Orders) < 1 {
			return domain.ValidationError("single triggers need at least one order leg")
		}
	case "two-leg":
		if len(req.TriggerValues) != 2 {
			return domain.ValidationError("two-leg triggers need exactly two trigger values")
		}
		// OCO legs may each carry several follow-on orders.
		if len(req.Orders) < 2 {
			return domain.ValidationError("two-leg triggers need at least one order per leg")
		}
	default:
		return domain.ValidationErrorf("invalid trigger_type %q", req.TriggerType)
	}
	for _, v := range req.TriggerValues {
		if !v.IsPositive() {
			return domain.ValidationError("trigger values must be positive")
		}
	}
	for _, leg := range req.Orders {
		if leg.Quantity <= 0 {
			return domain.ValidationError("leg quantity must be positive")
		}
	}
	return nil
}
