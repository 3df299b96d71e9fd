package orders

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
)

// TradeRecord is one persisted fill.
type TradeRecord struct {
	ID               int64           `json:"id"`
	OrderID          int64           `json:"order_id"`
	TradingAccountID int64           `json:"trading_account_id"`
	BrokerTradeID    string          `json:"broker_trade_id"`
	Symbol           string          `json:"symbol"`
	Exchange         string          `json:"exchange"`
	Side             string          `json:"side"`
	Quantity         int64           `json:"quantity"`
	Price            decimal.Decimal `json:"price"`
	ExecutedAt       string          `json:"executed_at"`
}

// TradeRepository persists fills. Inserts are idempotent on the broker's
// trade ID so reconciliation can replay the trade list safely.
type TradeRepository struct {
	db *sql.DB
}

// NewTradeRepository creates a trade repository.
func NewTradeRepository(db *sql.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// Upsert inserts a fill unless a row with the same broker trade ID already
// exists. Returns true when a new row was written.
func (r *TradeRepository) Upsert(ctx context.Context, tx dbtx, t TradeRecord) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO trades (order_id, trading_account_id, broker_trade_id, symbol, exchange, side, quantity, price, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (broker_trade_id) DO NOTHING`,
		t.OrderID, t.TradingAccountID, t.BrokerTradeID, t.Symbol, t.Exchange,
		t.Side, t.Quantity, t.Price.String(), t.ExecutedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert trade: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListForOrder returns fills for one order, oldest first.
func (r *TradeRepository) ListForOrder(ctx context.Context, orderID int64) ([]*TradeRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, trading_account_id, COALESCE(broker_trade_id, ''), symbol, exchange, side, quantity, price, executed_at
		FROM trades WHERE order_id = ? ORDER BY executed_at ASC, id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

// ListForAccount returns unarchived fills for an account, newest first.
func (r *TradeRepository) ListForAccount(ctx context.Context, accountID int64, limit int) ([]*TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, trading_account_id, COALESCE(broker_trade_id, ''), symbol, exchange, side, quantity, price, executed_at
		FROM trades WHERE trading_account_id = ? AND archived = 0 ORDER BY id DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list account trades: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

// ArchiveForAccount flags every fill of an account as archived. Rows stay
// for audit but drop out of the account listings.
func (r *TradeRepository) ArchiveForAccount(ctx context.Context, tx dbtx, accountID int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE trades SET archived = 1 WHERE trading_account_id = ? AND archived = 0`, accountID)
	if err != nil {
		return fmt.Errorf("failed to archive trades for account %d: %w", accountID, err)
	}
	return nil
}

func collectTrades(rows *sql.Rows) ([]*TradeRecord, error) {
	var out []*TradeRecord
	for rows.Next() {
		var t TradeRecord
		var price string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.TradingAccountID, &t.BrokerTradeID,
			&t.Symbol, &t.Exchange, &t.Side, &t.Quantity, &price, &t.ExecutedAt); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("corrupt trade price on trade %d: %w", t.ID, err)
		}
		t.Price = d
		out = append(out, &t)
	}
	return out, rows.Err()
}
