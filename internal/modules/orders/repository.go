package orders

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/oms/internal/domain"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so repository methods can
// run standalone or inside an enclosing transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const orderColumns = `id, trading_account_id, user_id, broker_order_id, exchange_order_id,
	symbol, exchange, segment, side, order_type, product, validity,
	quantity, disclosed_quantity, filled_quantity, pending_quantity, cancelled_quantity,
	price, trigger_price, average_price, status, status_message,
	strategy_id, portfolio_id, source, variety, tag,
	idempotency_key, placed_by, placed_at, updated_at, completed_at`

// Repository persists orders and their audit trail.
type Repository struct {
	db *sql.DB
}

// NewRepository creates an orders repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// DB exposes the handle for transaction management in the service layer.
func (r *Repository) DB() *sql.DB {
	return r.db
}

func scanOrder(row interface{ Scan(...interface{}) error }) (*Order, error) {
	var o Order
	var brokerOrderID, exchangeOrderID, statusMessage, tag, idemKey sql.NullString
	var price, triggerPrice, averagePrice sql.NullString
	var strategyID, portfolioID sql.NullInt64
	var placedAt, updatedAt string
	var completedAt sql.NullString

	err := row.Scan(
		&o.ID, &o.TradingAccountID, &o.UserID, &brokerOrderID, &exchangeOrderID,
		&o.Symbol, &o.Exchange, &o.Segment, &o.Side, &o.OrderType, &o.Product, &o.Validity,
		&o.Quantity, &o.DisclosedQuantity, &o.FilledQuantity, &o.PendingQuantity, &o.CancelledQuantity,
		&price, &triggerPrice, &averagePrice, &o.Status, &statusMessage,
		&strategyID, &portfolioID, &o.Source, &o.Variety, &tag,
		&idemKey, &o.PlacedBy, &placedAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	o.BrokerOrderID = nullStringPtr(brokerOrderID)
	o.ExchangeOrderID = nullStringPtr(exchangeOrderID)
	o.StatusMessage = nullStringPtr(statusMessage)
	o.Tag = nullStringPtr(tag)
	o.IdempotencyKey = nullStringPtr(idemKey)
	o.StrategyID = nullInt64Ptr(strategyID)
	o.PortfolioID = nullInt64Ptr(portfolioID)

	if o.Price, err = nullDecimalPtr(price); err != nil {
		return nil, fmt.Errorf("corrupt price on order %d: %w", o.ID, err)
	}
	if o.TriggerPrice, err = nullDecimalPtr(triggerPrice); err != nil {
		return nil, fmt.Errorf("corrupt trigger_price on order %d: %w", o.ID, err)
	}
	if o.AveragePrice, err = nullDecimalPtr(averagePrice); err != nil {
		return nil, fmt.Errorf("corrupt average_price on order %d: %w", o.ID, err)
	}

	o.PlacedAt = parseDBTime(placedAt)
	o.UpdatedAt = parseDBTime(updatedAt)
	if completedAt.Valid {
		t := parseDBTime(completedAt.String)
		o.CompletedAt = &t
	}
	return &o, nil
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullInt64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nullDecimalPtr(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func decimalString(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseDBTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Insert persists a new order in PENDING and writes the creation audit row
// in the same transaction.
func (r *Repository) Insert(ctx context.Context, tx dbtx, o *Order, caller domain.Caller) error {
	if o.Source == "" {
		o.Source = SourceManual
	}
	if o.Variety == "" {
		o.Variety = VarietyRegular
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO orders (trading_account_id, user_id, symbol, exchange, segment,
			side, order_type, product, validity, quantity, disclosed_quantity, pending_quantity,
			price, trigger_price, status, strategy_id, portfolio_id, source, variety,
			tag, idempotency_key, placed_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.TradingAccountID, o.UserID, o.Symbol, o.Exchange, o.Segment,
		o.Side, o.OrderType, o.Product, o.Validity, o.Quantity, o.DisclosedQuantity, o.Quantity,
		decimalString(o.Price), decimalString(o.TriggerPrice), StatusPending,
		nullableInt(o.StrategyID), nullableInt(o.PortfolioID), o.Source, o.Variety,
		nullableStr(o.Tag), nullableStr(o.IdempotencyKey), o.PlacedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	o.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get order id: %w", err)
	}
	o.Status = StatusPending
	o.PendingQuantity = o.Quantity

	return r.appendTransition(ctx, tx, o.ID, nil, StatusPending, nil, caller)
}

func nullableStr(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableInt(n *int64) interface{} {
	if n == nil {
		return nil
	}
	return *n
}

// UpdateStatus moves an order to a new status, enforcing the state machine
// and writing the audit row atomically with the status change. The WHERE
// clause re-checks the expected current status so concurrent writers cannot
// race past the machine.
//
// A move into CANCELLED shifts whatever is still pending into
// cancelled_quantity, keeping filled + pending + cancelled == quantity.
// The first move into any terminal status stamps completed_at.
func (r *Repository) UpdateStatus(ctx context.Context, tx dbtx, orderID int64, from, to Status, reason *string, caller domain.Caller) error {
	if !CanTransition(from, to) {
		return domain.Conflict(fmt.Sprintf("illegal order transition %s -> %s", from, to))
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = ?, status_message = COALESCE(?, status_message),
			cancelled_quantity = CASE WHEN ? THEN cancelled_quantity + pending_quantity ELSE cancelled_quantity END,
			pending_quantity = CASE WHEN ? THEN 0 ELSE pending_quantity END,
			completed_at = CASE WHEN ? THEN COALESCE(completed_at, datetime('now')) ELSE completed_at END,
			updated_at = datetime('now')
		WHERE id = ? AND status = ?`,
		to, nullableStr(reason), to == StatusCancelled, to == StatusCancelled,
		IsTerminal(to), orderID, from)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return domain.Conflict(fmt.Sprintf("order %d is no longer %s", orderID, from))
	}

	return r.appendTransition(ctx, tx, orderID, &from, to, reason, caller)
}

// SetBrokerOrderID records the upstream identifier after submission.
func (r *Repository) SetBrokerOrderID(ctx context.Context, tx dbtx, orderID int64, brokerOrderID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE orders SET broker_order_id = ?, updated_at = datetime('now') WHERE id = ?`,
		brokerOrderID, orderID)
	if err != nil {
		return fmt.Errorf("failed to set broker order id: %w", err)
	}
	return nil
}

// ExecutionState carries the execution fields the broker is authoritative
// for during reconciliation.
type ExecutionState struct {
	FilledQuantity    int64
	PendingQuantity   int64
	CancelledQuantity int64
	AveragePrice      *decimal.Decimal
	ExchangeOrderID   *string
}

// ApplyExecutionState overwrites the execution fields from the broker's view.
// Status changes still go through UpdateStatus so the audit trail stays
// complete.
func (r *Repository) ApplyExecutionState(ctx context.Context, tx dbtx, orderID int64, s ExecutionState) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE orders SET filled_quantity = ?, pending_quantity = ?, cancelled_quantity = ?,
			average_price = COALESCE(?, average_price),
			exchange_order_id = COALESCE(?, exchange_order_id),
			updated_at = datetime('now')
		WHERE id = ?`,
		s.FilledQuantity, s.PendingQuantity, s.CancelledQuantity,
		decimalString(s.AveragePrice), nullableStr(s.ExchangeOrderID), orderID)
	if err != nil {
		return fmt.Errorf("failed to apply execution state: %w", err)
	}
	return nil
}

func (r *Repository) appendTransition(ctx context.Context, tx dbtx, orderID int64, from *Status, to Status, reason *string, caller domain.Caller) error {
	var fromVal interface{}
	if from != nil {
		fromVal = string(*from)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO order_state_history (order_id, from_status, to_status, reason, actor, request_id, trace_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		orderID, fromVal, to, nullableStr(reason), actorFor(caller), caller.RequestID, caller.TraceID)
	if err != nil {
		return fmt.Errorf("failed to append state history: %w", err)
	}
	return nil
}

// GetByID loads one order.
func (r *Repository) GetByID(ctx context.Context, q dbtx, orderID int64) (*Order, error) {
	o, err := scanOrder(q.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, orderID))
	if err == sql.ErrNoRows {
		return nil, domain.NotFound("order")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %d: %w", orderID, err)
	}
	return o, nil
}

// GetByBrokerOrderID resolves a broker identifier to the local row.
func (r *Repository) GetByBrokerOrderID(ctx context.Context, q dbtx, brokerOrderID string) (*Order, error) {
	o, err := scanOrder(q.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE broker_order_id = ?`, brokerOrderID))
	if err == sql.ErrNoRows {
		return nil, domain.NotFound("order")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order by broker id %s: %w", brokerOrderID, err)
	}
	return o, nil
}

// ListFilter narrows List and Count.
type ListFilter struct {
	TradingAccountID int64
	UserID           int64
	Statuses         []Status
	Symbol           string
	Since            *time.Time
	Limit            int
	Offset           int
}

func (f ListFilter) where() (string, []interface{}) {
	clauses := []string{"trading_account_id = ?"}
	args := []interface{}{f.TradingAccountID}

	if f.UserID > 0 {
		clauses = append(clauses, "user_id = ?")
		args = append(args, f.UserID)
	}
	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, s)
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.Symbol != "" {
		clauses = append(clauses, "symbol = ?")
		args = append(args, f.Symbol)
	}
	if f.Since != nil {
		clauses = append(clauses, "placed_at >= ?")
		args = append(args, f.Since.UTC().Format("2006-01-02 15:04:05"))
	}
	return strings.Join(clauses, " AND "), args
}

// List returns orders for an account, newest first.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]*Order, error) {
	where, args := f.where()
	query := `SELECT ` + orderColumns + ` FROM orders WHERE ` + where + ` ORDER BY placed_at DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Count returns the number of orders matching the filter.
func (r *Repository) Count(ctx context.Context, f ListFilter) (int64, error) {
	where, args := f.where()
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE `+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count orders: %w", err)
	}
	return n, nil
}

// ListReconcilable returns non-terminal orders for the reconciliation sweep:
// capped in number, no older than maxAge, oldest first so stragglers are not
// starved by churn.
func (r *Repository) ListReconcilable(ctx context.Context, maxAge time.Duration, limit int) ([]*Order, error) {
	cutoff := time.Now().Add(-maxAge).UTC().Format("2006-01-02 15:04:05")
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status IN (?, ?, ?, ?) AND placed_at >= ? AND broker_order_id IS NOT NULL
		ORDER BY placed_at ASC
		LIMIT ?`,
		StatusSubmitted, StatusOpen, StatusTriggerPending, StatusPending, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconcilable orders: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// History returns the audit trail for one order, oldest first.
func (r *Repository) History(ctx context.Context, orderID int64) ([]*Transition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, from_status, to_status, reason, actor, request_id, trace_id, created_at
		FROM order_state_history WHERE order_id = ? ORDER BY id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order history: %w", err)
	}
	defer rows.Close()

	var out []*Transition
	for rows.Next() {
		var t Transition
		var from, reason, requestID, traceID sql.NullString
		var createdAt string
		if err := rows.Scan(&t.ID, &t.OrderID, &from, &t.ToStatus, &reason, &t.Actor, &requestID, &traceID, &createdAt); err != nil {
			return nil, err
		}
		if from.Valid {
			s := Status(from.String)
			t.FromStatus = &s
		}
		t.Reason = nullStringPtr(reason)
		if requestID.Valid {
			t.RequestID = requestID.String
		}
		if traceID.Valid {
			t.TraceID = traceID.String
		}
		t.CreatedAt = parseDBTime(createdAt)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// AccountsWithOpenOrders returns distinct account IDs holding non-terminal
// orders, for the reconciliation sweep's per-account grouping.
func (r *Repository) AccountsWithOpenOrders(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT trading_account_id FROM orders
		WHERE status IN (?, ?, ?)`,
		StatusSubmitted, StatusOpen, StatusTriggerPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts with open orders: %w", err)
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
