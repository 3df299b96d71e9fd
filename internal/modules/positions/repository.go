package positions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const positionColumns = `id, trading_account_id, symbol, exchange, product, trading_day,
	buy_quantity, buy_value, buy_price, sell_quantity, sell_value, sell_price,
	day_quantity, overnight_quantity, realized_pnl, total_charges,
	COALESCE(last_price, '0'), is_open, closed_at, updated_at`

// Repository persists positions.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a positions repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// DB exposes the handle for transaction management.
func (r *Repository) DB() *sql.DB {
	return r.db
}

func parseDecimal(s, field string, id int64) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt %s on position %d: %w", field, id, err)
	}
	return d, nil
}

func parseDBTime(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func scanPosition(row interface{ Scan(...interface{}) error }) (*Position, error) {
	var p Position
	var buyValue, buyPrice, sellValue, sellPrice, realized, charges, last string
	var closedAt sql.NullString
	var updatedAt string
	err := row.Scan(&p.ID, &p.TradingAccountID, &p.Symbol, &p.Exchange, &p.Product, &p.TradingDay,
		&p.BuyQuantity, &buyValue, &buyPrice, &p.SellQuantity, &sellValue, &sellPrice,
		&p.DayQuantity, &p.OvernightQuantity, &realized, &charges,
		&last, &p.IsOpen, &closedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if p.BuyValue, err = parseDecimal(buyValue, "buy_value", p.ID); err != nil {
		return nil, err
	}
	if p.BuyPrice, err = parseDecimal(buyPrice, "buy_price", p.ID); err != nil {
		return nil, err
	}
	if p.SellValue, err = parseDecimal(sellValue, "sell_value", p.ID); err != nil {
		return nil, err
	}
	if p.SellPrice, err = parseDecimal(sellPrice, "sell_price", p.ID); err != nil {
		return nil, err
	}
	if p.RealizedPnL, err = parseDecimal(realized, "realized_pnl", p.ID); err != nil {
		return nil, err
	}
	if p.TotalCharges, err = parseDecimal(charges, "total_charges", p.ID); err != nil {
		return nil, err
	}
	if p.LastPrice, err = parseDecimal(last, "last_price", p.ID); err != nil {
		return nil, err
	}
	if closedAt.Valid && closedAt.String != "" {
		if t, ok := parseDBTime(closedAt.String); ok {
			p.ClosedAt = &t
		}
	}
	if t, ok := parseDBTime(updatedAt); ok {
		p.UpdatedAt = t
	}
	return &p, nil
}

// Get loads the row for one instrument, product and trading day, nil when
// absent.
func (r *Repository) Get(ctx context.Context, q dbtx, accountID int64, symbol, exchange, product, tradingDay string) (*Position, error) {
	p, err := scanPosition(q.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE trading_account_id = ? AND symbol = ? AND exchange = ? AND product = ? AND trading_day = ?`,
		accountID, symbol, exchange, product, tradingDay))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load position: %w", err)
	}
	return p, nil
}

// GetByID loads one position row by its identifier, nil when absent.
func (r *Repository) GetByID(ctx context.Context, q dbtx, id int64) (*Position, error) {
	p, err := scanPosition(q.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM positions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load position: %w", err)
	}
	return p, nil
}

// GetOpenBefore loads the most recent still-open row for an instrument from
// an earlier trading day, the source of an overnight carry-in.
func (r *Repository) GetOpenBefore(ctx context.Context, q dbtx, accountID int64, symbol, exchange, product, tradingDay string) (*Position, error) {
	p, err := scanPosition(q.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE trading_account_id = ? AND symbol = ? AND exchange = ? AND product = ?
		  AND trading_day < ? AND is_open = 1
		ORDER BY trading_day DESC LIMIT 1`,
		accountID, symbol, exchange, product, tradingDay))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load carried position: %w", err)
	}
	return p, nil
}

// Upsert writes a position row keyed by instrument, product and trading day.
func (r *Repository) Upsert(ctx context.Context, tx dbtx, p *Position) error {
	var closedAt interface{}
	if p.ClosedAt != nil {
		closedAt = p.ClosedAt.UTC().Format("2006-01-02 15:04:05")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO positions (trading_account_id, symbol, exchange, product, trading_day,
			buy_quantity, buy_value, buy_price, sell_quantity, sell_value, sell_price,
			day_quantity, overnight_quantity, realized_pnl, total_charges,
			last_price, is_open, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (trading_account_id, symbol, exchange, product, trading_day) DO UPDATE SET
			buy_quantity = excluded.buy_quantity,
			buy_value = excluded.buy_value,
			buy_price = excluded.buy_price,
			sell_quantity = excluded.sell_quantity,
			sell_value = excluded.sell_value,
			sell_price = excluded.sell_price,
			day_quantity = excluded.day_quantity,
			overnight_quantity = excluded.overnight_quantity,
			realized_pnl = excluded.realized_pnl,
			total_charges = excluded.total_charges,
			last_price = COALESCE(excluded.last_price, positions.last_price),
			is_open = excluded.is_open,
			closed_at = excluded.closed_at,
			updated_at = datetime('now')`,
		p.TradingAccountID, p.Symbol, p.Exchange, p.Product, p.TradingDay,
		p.BuyQuantity, p.BuyValue.String(), p.BuyPrice.String(),
		p.SellQuantity, p.SellValue.String(), p.SellPrice.String(),
		p.DayQuantity, p.OvernightQuantity, p.RealizedPnL.String(), p.TotalCharges.String(),
		p.LastPrice.String(), p.IsOpen, closedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert position: %w", err)
	}
	return nil
}

// RecordTransfer journals one product conversion. The position rows carry
// the moved aggregates; this row records who moved what.
func (r *Repository) RecordTransfer(ctx context.Context, tx dbtx, accountID int64, symbol, exchange, fromProduct, toProduct string, quantity int64, actor, requestID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO position_transfers (trading_account_id, symbol, exchange,
			from_product, to_product, quantity, actor, request_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		accountID, symbol, exchange, fromProduct, toProduct, quantity, actor, requestID)
	if err != nil {
		return fmt.Errorf("failed to record position transfer: %w", err)
	}
	return nil
}

// ListForAccount returns open rows plus the given day's closed rows: the
// book plus anything that realized P&L today.
func (r *Repository) ListForAccount(ctx context.Context, accountID int64, tradingDay string) ([]*Position, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE trading_account_id = ? AND (is_open = 1 OR trading_day = ?)
		ORDER BY symbol ASC, trading_day DESC`, accountID, tradingDay)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var out []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SumRealizedForDay totals realized P&L net of charges across one trading
// day, the input to the daily loss limit.
func (r *Repository) SumRealizedForDay(ctx context.Context, accountID int64, tradingDay string) (decimal.Decimal, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT realized_pnl, total_charges FROM positions
		WHERE trading_account_id = ? AND trading_day = ?`, accountID, tradingDay)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum day realized pnl: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var realized, charges string
		if err := rows.Scan(&realized, &charges); err != nil {
			return decimal.Zero, err
		}
		d, err := decimal.NewFromString(realized)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt realized_pnl: %w", err)
		}
		c, err := decimal.NewFromString(charges)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt total_charges: %w", err)
		}
		total = total.Add(d).Sub(c)
	}
	return total, rows.Err()
}

// CloseAllForAccount marks every open row closed, part of account teardown.
func (r *Repository) CloseAllForAccount(ctx context.Context, tx dbtx, accountID int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE positions SET is_open = 0, closed_at = datetime('now'), updated_at = datetime('now')
		WHERE trading_account_id = ? AND is_open = 1`, accountID)
	if err != nil {
		return fmt.Errorf("failed to close positions for account %d: %w", accountID, err)
	}
	return nil
}

// UpdateLastPrice marks open positions in a symbol to the latest tick.
func (r *Repository) UpdateLastPrice(ctx context.Context, symbol, exchange string, price decimal.Decimal) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE positions SET last_price = ?, updated_at = datetime('now')
		WHERE symbol = ? AND exchange = ? AND is_open = 1`,
		price.String(), symbol, exchange)
	if err != nil {
		return fmt.Errorf("failed to update last price: %w", err)
	}
	return nil
}

// SymbolsWithOpenPositions returns distinct (symbol, exchange) pairs held by
// any account, for subscription recovery at startup.
func (r *Repository) SymbolsWithOpenPositions(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT symbol, exchange FROM positions WHERE is_open = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to list open position symbols: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var symbol, exchange string
		if err := rows.Scan(&symbol, &exchange); err != nil {
			return nil, err
		}
		out[symbol] = exchange
	}
	return out, rows.Err()
}
