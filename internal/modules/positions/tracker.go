package positions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tradeforge/oms/internal/database"
	"github.com/tradeforge/oms/internal/domain"
	"github.com/tradeforge/oms/internal/modules/orders"
)

// Tracker maintains positions from fills. It also answers the exposure
// questions the pre-trade risk checks ask.
type Tracker struct {
	repo   *Repository
	ledger *orders.LedgerRepository
	log    zerolog.Logger
}

// NewTracker creates the tracker.
func NewTracker(repo *Repository, ledger *orders.LedgerRepository, log zerolog.Logger) *Tracker {
	return &Tracker{
		repo:   repo,
		ledger: ledger,
		log:    log.With().Str("component", "positions").Logger(),
	}
}

// ApplyFill folds one fill into the book inside the caller's transaction and
// returns the resulting row. A fill landing on a new trading day first rolls
// the prior open row forward: the carried quantity seeds the new day's
// aggregates at its carried average and the old row is closed. The fill's
// cash movement and charges are journaled to the capital ledger in the same
// transaction.
func (t *Tracker) ApplyFill(ctx context.Context, tx *sql.Tx, fill Fill) (*Position, error) {
	now := time.Now()
	if fill.TradingDay == "" {
		fill.TradingDay = TradingDayOf(now)
	}

	pos, err := t.repo.Get(ctx, tx, fill.TradingAccountID, fill.Symbol, fill.Exchange, fill.Product, fill.TradingDay)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		if pos, err = t.rollForward(ctx, tx, fill, now); err != nil {
			return nil, err
		}
	}

	applyFillToPosition(pos, fill, now)
	pos.LastPrice = fill.Price

	if err := t.repo.Upsert(ctx, tx, pos); err != nil {
		return nil, err
	}
	if err := t.journalFill(ctx, tx, fill); err != nil {
		return nil, err
	}
	return pos, nil
}

// rollForward opens the trading-day row for a fill, carrying in any open
// quantity from an earlier day. The superseded row is closed.
func (t *Tracker) rollForward(ctx context.Context, tx *sql.Tx, fill Fill, now time.Time) (*Position, error) {
	pos := &Position{
		TradingAccountID: fill.TradingAccountID,
		Symbol:           fill.Symbol,
		Exchange:         fill.Exchange,
		Product:          fill.Product,
		TradingDay:       fill.TradingDay,
		BuyValue:         decimal.Zero,
		BuyPrice:         decimal.Zero,
		SellValue:        decimal.Zero,
		SellPrice:        decimal.Zero,
		RealizedPnL:      decimal.Zero,
		TotalCharges:     decimal.Zero,
		LastPrice:        decimal.Zero,
		IsOpen:           true,
	}

	prev, err := t.repo.GetOpenBefore(ctx, tx, fill.TradingAccountID, fill.Symbol, fill.Exchange, fill.Product, fill.TradingDay)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return pos, nil
	}

	carried := prev.NetQuantity()
	basis := prev.AveragePrice()
	if carried > 0 {
		pos.BuyQuantity = carried
		pos.BuyValue = basis.Mul(decimal.NewFromInt(carried))
	} else {
		pos.SellQuantity = -carried
		pos.SellValue = basis.Mul(decimal.NewFromInt(-carried))
	}
	pos.OvernightQuantity = carried
	pos.LastPrice = prev.LastPrice

	prev.IsOpen = false
	prev.ClosedAt = &now
	if err := t.repo.Upsert(ctx, tx, prev); err != nil {
		return nil, err
	}
	return pos, nil
}

// applyFillToPosition is the pure bookkeeping step, separated for testing:
// the fill lands on its side's aggregates, the day's net moves, charges
// accrue, and the derived columns are recomputed.
func applyFillToPosition(pos *Position, fill Fill, now time.Time) {
	qty := decimal.NewFromInt(fill.Quantity)
	value := fill.Price.Mul(qty)

	if fill.Side == orders.SideSell {
		pos.SellQuantity += fill.Quantity
		pos.SellValue = pos.SellValue.Add(value)
		pos.DayQuantity -= fill.Quantity
	} else {
		pos.BuyQuantity += fill.Quantity
		pos.BuyValue = pos.BuyValue.Add(value)
		pos.DayQuantity += fill.Quantity
	}

	pos.TotalCharges = pos.TotalCharges.Add(
		CalculateCharges(fill.Segment, fill.Product, fill.Side, fill.Quantity, fill.Price).Total)
	pos.recompute(now)
}

// journalFill writes the fill's committed cash movement: an ALLOCATE for the
// cost of a buy, a RELEASE for sale proceeds, and an ALLOCATE for charges on
// either side.
func (t *Tracker) journalFill(ctx context.Context, tx *sql.Tx, fill Fill) error {
	turnover := fill.Price.Mul(decimal.NewFromInt(fill.Quantity))
	entryType := orders.EntryAllocate
	if fill.Side == orders.SideSell {
		entryType = orders.EntryRelease
	}

	if _, err := t.ledger.Append(ctx, tx, orders.LedgerEntry{
		TradingAccountID: fill.TradingAccountID,
		EntryType:        entryType,
		Status:           orders.LedgerCommitted,
		Amount:           turnover,
		OrderID:          fill.OrderID,
		Description:      fmt.Sprintf("%s %d %s @ %s", fill.Side, fill.Quantity, fill.Symbol, fill.Price),
	}); err != nil {
		return err
	}

	charges := CalculateCharges(fill.Segment, fill.Product, fill.Side, fill.Quantity, fill.Price)
	if charges.Total.IsZero() {
		return nil
	}
	_, err := t.ledger.Append(ctx, tx, orders.LedgerEntry{
		TradingAccountID: fill.TradingAccountID,
		EntryType:        orders.EntryAllocate,
		Status:           orders.LedgerCommitted,
		Amount:           charges.Total,
		OrderID:          fill.OrderID,
		Description:      fmt.Sprintf("charges for %s %d %s", fill.Side, fill.Quantity, fill.Symbol),
	})
	return err
}

// List returns the account's book: open rows plus anything closed today.
func (t *Tracker) List(ctx context.Context, caller domain.Caller, accountID int64) ([]*Position, error) {
	if !caller.CanAccess(accountID) {
		return nil, domain.Forbidden("no access to trading account")
	}
	return t.repo.ListForAccount(ctx, accountID, TradingDayOf(time.Now()))
}

// Get loads one position by id, hidden behind NotFound for callers without
// access to its account.
func (t *Tracker) Get(ctx context.Context, caller domain.Caller, positionID int64) (*Position, error) {
	p, err := t.repo.GetByID(ctx, t.repo.DB(), positionID)
	if err != nil {
		return nil, err
	}
	if p == nil || !caller.CanAccess(p.TradingAccountID) {
		return nil, domain.NotFound("position")
	}
	return p, nil
}

// Summarize aggregates the account's book.
func (t *Tracker) Summarize(ctx context.Context, caller domain.Caller, accountID int64) (*Summary, error) {
	list, err := t.List(ctx, caller, accountID)
	if err != nil {
		return nil, err
	}

	today := TradingDayOf(time.Now())
	s := &Summary{
		TradingAccountID: accountID,
		TotalValue:       decimal.Zero,
		RealizedPnL:      decimal.Zero,
		UnrealizedPnL:    decimal.Zero,
		DayCharges:       decimal.Zero,
	}
	for _, p := range list {
		if p.NetQuantity() != 0 {
			s.OpenPositions++
			s.TotalValue = s.TotalValue.Add(p.MarketValue())
			s.UnrealizedPnL = s.UnrealizedPnL.Add(p.UnrealizedPnL())
		}
		s.RealizedPnL = s.RealizedPnL.Add(p.RealizedPnL)
		if p.TradingDay == today {
			s.DayCharges = s.DayCharges.Add(p.TotalCharges)
		}
	}
	return s, nil
}

// CloseAllForAccount closes every open row, part of account teardown.
func (t *Tracker) CloseAllForAccount(ctx context.Context, tx *sql.Tx, accountID int64) error {
	return t.repo.CloseAllForAccount(ctx, tx, accountID)
}

// MoveProduct converts quantity between products (e.g. MIS to CNC) locally.
// The broker-side conversion is assumed confirmed by the caller flow; the
// local book moves cost basis with the quantity, realizing nothing.
func (t *Tracker) MoveProduct(ctx context.Context, caller domain.Caller, accountID int64, symbol, exchange, fromProduct, toProduct string, quantity int64) error {
	if !caller.CanAccess(accountID) {
		return domain.Forbidden("no access to trading account")
	}
	if quantity <= 0 {
		return domain.ValidationError("quantity must be positive")
	}
	if fromProduct == toProduct {
		return domain.ValidationError("source and target products are identical")
	}

	now := time.Now()
	today := TradingDayOf(now)

	return database.WithTransaction(t.repo.DB(), func(tx *sql.Tx) error {
		src, err := t.repo.Get(ctx, tx, accountID, symbol, exchange, fromProduct, today)
		if err != nil {
			return err
		}
		if src == nil || abs(src.NetQuantity()) < quantity {
			return domain.Conflict("insufficient position quantity to move")
		}

		dst, err := t.repo.Get(ctx, tx, accountID, symbol, exchange, toProduct, today)
		if err != nil {
			return err
		}
		if dst == nil {
			dst = &Position{
				TradingAccountID: accountID,
				Symbol:           symbol,
				Exchange:         exchange,
				Product:          toProduct,
				TradingDay:       today,
				BuyValue:         decimal.Zero,
				SellValue:        decimal.Zero,
				RealizedPnL:      decimal.Zero,
				TotalCharges:     decimal.Zero,
				LastPrice:        src.LastPrice,
				IsOpen:           true,
			}
		}

		moveAggregates(src, dst, quantity)
		src.recompute(now)
		dst.recompute(now)

		if err := t.repo.Upsert(ctx, tx, src); err != nil {
			return err
		}
		if err := t.repo.Upsert(ctx, tx, dst); err != nil {
			return err
		}

		actor := "system"
		switch {
		case caller.System != "":
			actor = caller.System
		case caller.UserID != 0:
			actor = fmt.Sprintf("user:%d", caller.UserID)
		}
		return t.repo.RecordTransfer(ctx, tx, accountID, symbol, exchange, fromProduct, toProduct, quantity, actor, caller.RequestID)
	})
}

// moveAggregates transfers quantity and its cost basis between two same-day
// rows. A long moves buy-side basis, a short moves sell-side basis; the
// carry-in split follows the quantity so NetQuantity == Overnight + Day
// keeps holding on both rows.
func moveAggregates(src, dst *Position, quantity int64) {
	qty := decimal.NewFromInt(quantity)
	if src.NetQuantity() > 0 {
		basis := src.BuyPrice.Mul(qty)
		src.BuyQuantity -= quantity
		src.BuyValue = src.BuyValue.Sub(basis)
		dst.BuyQuantity += quantity
		dst.BuyValue = dst.BuyValue.Add(basis)
	} else {
		basis := src.SellPrice.Mul(qty)
		src.SellQuantity -= quantity
		src.SellValue = src.SellValue.Sub(basis)
		dst.SellQuantity += quantity
		dst.SellValue = dst.SellValue.Add(basis)
	}

	srcNet := src.NetQuantity()
	if abs(src.OvernightQuantity) > abs(srcNet) {
		movedCarry := src.OvernightQuantity
		if srcNet != 0 {
			movedCarry = src.OvernightQuantity - srcNet
		}
		src.OvernightQuantity -= movedCarry
		dst.OvernightQuantity += movedCarry
	}
	src.DayQuantity = src.NetQuantity() - src.OvernightQuantity
	dst.DayQuantity = dst.NetQuantity() - dst.OvernightQuantity
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// SymbolExposure implements the risk checker's exposure source.
func (t *Tracker) SymbolExposure(ctx context.Context, accountID int64, symbol string) (decimal.Decimal, error) {
	list, err := t.repo.ListForAccount(ctx, accountID, TradingDayOf(time.Now()))
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, p := range list {
		if p.Symbol == symbol && p.NetQuantity() != 0 {
			total = total.Add(p.MarketValue())
		}
	}
	return total, nil
}

// TotalExposure implements the risk checker's exposure source.
func (t *Tracker) TotalExposure(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	list, err := t.repo.ListForAccount(ctx, accountID, TradingDayOf(time.Now()))
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, p := range list {
		if p.NetQuantity() != 0 {
			total = total.Add(p.MarketValue())
		}
	}
	return total, nil
}

// DayRealizedPnL implements the risk checker's exposure source: today's
// realized P&L net of charges.
func (t *Tracker) DayRealizedPnL(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	return t.repo.SumRealizedForDay(ctx, accountID, TradingDayOf(time.Now()))
}
