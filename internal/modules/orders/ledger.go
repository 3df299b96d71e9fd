package orders

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/oms/internal/domain"
)

// Ledger entry types. RESERVE holds funds for a pending buy, ALLOCATE debits
// funds consumed by fills and charges, RELEASE returns a hold or credits
// sale proceeds, FAIL records a hold voided because the order never took
// effect. Amounts are always non-negative; the entry type carries direction.
const (
	EntryReserve  = "RESERVE"
	EntryAllocate = "ALLOCATE"
	EntryRelease  = "RELEASE"
	EntryFail     = "FAIL"
)

// Ledger entry statuses. Only COMMITTED entries count toward available
// funds: available = total - sum(COMMITTED RESERVE + ALLOCATE)
// + sum(COMMITTED RELEASE).
const (
	LedgerPending     = "PENDING"
	LedgerCommitted   = "COMMITTED"
	LedgerFailed      = "FAILED"
	LedgerReconciling = "RECONCILING"
)

// ledgerTransitions is the entry status machine.
var ledgerTransitions = map[string][]string{
	LedgerPending:     {LedgerCommitted, LedgerFailed, LedgerReconciling},
	LedgerReconciling: {LedgerCommitted},
}

// CanTransitionLedger reports whether from -> to is a legal entry status step.
func CanTransitionLedger(from, to string) bool {
	for _, next := range ledgerTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// LedgerEntry is one funds movement. Rows are never deleted; only the
// status column moves, through the entry status machine.
type LedgerEntry struct {
	ID               int64           `json:"id"`
	TradingAccountID int64           `json:"trading_account_id"`
	EntryType        string          `json:"entry_type"`
	Status           string          `json:"status"`
	Amount           decimal.Decimal `json:"amount"`
	OrderID          *int64          `json:"order_id,omitempty"`
	Description      string          `json:"description,omitempty"`
	CreatedAt        string          `json:"created_at"`
}

// LedgerRepository appends to and reads the capital ledger.
type LedgerRepository struct {
	db *sql.DB
}

// NewLedgerRepository creates a ledger repository.
func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Append writes one entry inside the caller's transaction. Negative amounts
// are rejected; an empty status defaults to PENDING.
func (r *LedgerRepository) Append(ctx context.Context, tx dbtx, e LedgerEntry) (int64, error) {
	if e.Amount.IsNegative() {
		return 0, domain.ValidationErrorf("ledger amounts must be non-negative, got %s", e.Amount)
	}
	if e.Status == "" {
		e.Status = LedgerPending
	}
	var orderID interface{}
	if e.OrderID != nil {
		orderID = *e.OrderID
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO capital_ledger (trading_account_id, entry_type, status, amount, order_id, description)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.TradingAccountID, e.EntryType, e.Status, e.Amount.String(), orderID, e.Description)
	if err != nil {
		return 0, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return res.LastInsertId()
}

// SetStatus moves one entry through the status machine. The WHERE clause
// re-checks the expected current status so concurrent writers cannot race
// past it.
func (r *LedgerRepository) SetStatus(ctx context.Context, tx dbtx, entryID int64, from, to string) error {
	if !CanTransitionLedger(from, to) {
		return domain.Conflict(fmt.Sprintf("illegal ledger transition %s -> %s", from, to))
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE capital_ledger SET status = ? WHERE id = ? AND status = ?`,
		to, entryID, from)
	if err != nil {
		return fmt.Errorf("failed to update ledger entry status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return domain.Conflict(fmt.Sprintf("ledger entry %d is no longer %s", entryID, from))
	}
	return nil
}

// SetStatusForOrder moves every entry of the given type and status that
// belongs to an order. A zero match is not an error: sell orders carry no
// reservation.
func (r *LedgerRepository) SetStatusForOrder(ctx context.Context, tx dbtx, orderID int64, entryType, from, to string) error {
	if !CanTransitionLedger(from, to) {
		return domain.Conflict(fmt.Sprintf("illegal ledger transition %s -> %s", from, to))
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE capital_ledger SET status = ?
		WHERE order_id = ? AND entry_type = ? AND status = ?`,
		to, orderID, entryType, from)
	if err != nil {
		return fmt.Errorf("failed to update ledger entries for order %d: %w", orderID, err)
	}
	return nil
}

// CommittedNet returns the committed flow for an account:
// sum(RELEASE) - sum(RESERVE + ALLOCATE). Added to the account's funding
// total this yields available funds.
func (r *LedgerRepository) CommittedNet(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT entry_type, amount FROM capital_ledger
		WHERE trading_account_id = ? AND status = ?`, accountID, LedgerCommitted)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum ledger entries: %w", err)
	}
	defer rows.Close()

	net := decimal.Zero
	for rows.Next() {
		var entryType, amount string
		if err := rows.Scan(&entryType, &amount); err != nil {
			return decimal.Zero, err
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt ledger amount: %w", err)
		}
		switch entryType {
		case EntryReserve, EntryAllocate:
			net = net.Sub(d)
		case EntryRelease:
			net = net.Add(d)
		}
	}
	return net, rows.Err()
}

// ListForAccount returns entries newest first.
func (r *LedgerRepository) ListForAccount(ctx context.Context, accountID int64, limit int) ([]*LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, trading_account_id, entry_type, status, amount, order_id, description, created_at
		FROM capital_ledger WHERE trading_account_id = ?
		ORDER BY id DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []*LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var amount string
		var orderID sql.NullInt64
		var desc sql.NullString
		if err := rows.Scan(&e.ID, &e.TradingAccountID, &e.EntryType, &e.Status, &amount, &orderID, &desc, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("corrupt ledger amount on entry %d: %w", e.ID, err)
		}
		if orderID.Valid {
			v := orderID.Int64
			e.OrderID = &v
		}
		if desc.Valid {
			e.Description = desc.String
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
