// Package reconciliation converges local order state with the broker's
// authoritative view: statuses, fill quantities, imported trades, and the
// position book derived from them.
package reconciliation

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tradeforge/oms/internal/clients/broker"
	"github.com/tradeforge/oms/internal/config"
	"github.com/tradeforge/oms/internal/database"
	"github.com/tradeforge/oms/internal/domain"
	"github.com/tradeforge/oms/internal/metrics"
	"github.com/tradeforge/oms/internal/modules/gtt"
	"github.com/tradeforge/oms/internal/modules/orders"
	"github.com/tradeforge/oms/internal/modules/positions"
	"github.com/tradeforge/oms/internal/ratelimit"
)

// systemActor is the audit attribution for every correction this worker
// writes.
const systemActor = "reconciliation_worker"

// Worker runs the periodic sweep and serves on-demand per-account syncs.
type Worker struct {
	ordersRepo *orders.Repository
	trades     *orders.TradeRepository
	outbox     *orders.OutboxRepository
	ledger     *orders.LedgerRepository
	tracker    *positions.Tracker
	gttService *gtt.Service
	brokerAPI  broker.API
	subs       orders.SubscriptionIntents
	cfg        config.OperationalConfig
	metrics    *metrics.Metrics
	log        zerolog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewWorker wires the reconciliation worker.
func NewWorker(
	ordersRepo *orders.Repository,
	trades *orders.TradeRepository,
	outbox *orders.OutboxRepository,
	ledger *orders.LedgerRepository,
	tracker *positions.Tracker,
	gttService *gtt.Service,
	brokerAPI broker.API,
	cfg config.OperationalConfig,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Worker {
	return &Worker{
		ordersRepo: ordersRepo,
		trades:     trades,
		outbox:     outbox,
		ledger:     ledger,
		tracker:    tracker,
		gttService: gttService,
		brokerAPI:  brokerAPI,
		cfg:        cfg,
		metrics:    m,
		log:        log.With().Str("component", "reconciliation").Logger(),
		stop:       make(chan struct{}),
	}
}

// SetSubscriptions attaches the tick-feed subscription hook. Fill imports
// register interest in instruments a position opens in and release it when
// the position flattens; both run only after the owning transaction commits.
func (w *Worker) SetSubscriptions(subs orders.SubscriptionIntents) { w.subs = subs }

// Start launches the periodic sweep.
func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				// Sweeps may wait out busy rate windows, but never past
				// the next tick.
				ctx, cancel := context.WithTimeout(ratelimit.WithWait(context.Background()), w.cfg.ReconcileInterval)
				w.Sweep(ctx)
				cancel()
			case <-w.stop:
				return
			}
		}
	}()
	w.log.Info().Dur("interval", w.cfg.ReconcileInterval).Msg("reconciliation worker started")
}

// Stop shuts the sweep down and waits for an in-flight pass.
func (w *Worker) Stop() {
	close(w.stop)
	w.wg.Wait()
}

// Sweep reconciles up to the configured batch of open orders no older than
// the configured age, grouped so each account costs exactly one order-list
// call (plus one trade-list call when fills drifted).
func (w *Worker) Sweep(ctx context.Context) {
	open, err := w.ordersRepo.ListReconcilable(ctx, w.cfg.ReconcileMaxAge, w.cfg.ReconcileBatchSize)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to list reconcilable orders")
		return
	}
	if len(open) == 0 {
		w.metrics.ReconcileRuns.Inc()
		return
	}

	byAccount := make(map[int64][]*orders.Order)
	for _, o := range open {
		byAccount[o.TradingAccountID] = append(byAccount[o.TradingAccountID], o)
	}

	for accountID, accountOrders := range byAccount {
		select {
		case <-w.stop:
			return
		default:
		}
		if err := w.reconcileAccount(ctx, accountID, accountOrders); err != nil {
			w.log.Warn().Err(err).Int64("trading_account_id", accountID).
				Msg("account reconciliation failed")
		}
	}

	w.metrics.ReconcileRuns.Inc()
	w.log.Debug().Int("orders", len(open)).Int("accounts", len(byAccount)).Msg("reconciliation sweep done")
}

// SyncAccount reconciles everything for one account: open orders, fills and
// the GTT cache. Implements the tier scheduler's syncer.
func (w *Worker) SyncAccount(ctx context.Context, accountID int64) error {
	open, err := w.ordersRepo.ListReconcilable(ctx, w.cfg.ReconcileMaxAge, w.cfg.ReconcileBatchSize)
	if err != nil {
		return err
	}
	var mine []*orders.Order
	for _, o := range open {
		if o.TradingAccountID == accountID {
			mine = append(mine, o)
		}
	}
	if len(mine) > 0 {
		if err := w.reconcileAccount(ctx, accountID, mine); err != nil {
			return err
		}
	}
	return w.gttService.Sync(ctx, accountID)
}

// ReconcileOrder re-syncs a single order against the broker on demand.
// Terminal orders are left alone.
func (w *Worker) ReconcileOrder(ctx context.Context, orderID int64) error {
	o, err := w.ordersRepo.GetByID(ctx, w.ordersRepo.DB(), orderID)
	if err != nil {
		return err
	}
	if orders.IsTerminal(o.Status) || o.BrokerOrderID == nil {
		return nil
	}
	return w.reconcileAccount(ctx, o.TradingAccountID, []*orders.Order{o})
}

func (w *Worker) reconcileAccount(ctx context.Context, accountID int64, local []*orders.Order) error {
	remote, err := w.brokerAPI.ListOrders(ctx, accountID)
	if err != nil {
		return err
	}

	remoteByID := make(map[string]*broker.Order, len(remote))
	for i := range remote {
		remoteByID[remote[i].OrderID] = &remote[i]
	}

	var fillsDrifted bool
	for _, o := range local {
		if o.BrokerOrderID == nil {
			continue
		}
		b, ok := remoteByID[*o.BrokerOrderID]
		if !ok {
			// The broker no longer lists it (expired or aged out); leave it
			// for the age cutoff rather than guessing a terminal state.
			w.log.Debug().Int64("order_id", o.ID).Str("broker_order_id", *o.BrokerOrderID).
				Msg("order absent from broker list")
			continue
		}
		if b.FilledQuantity != o.FilledQuantity {
			fillsDrifted = true
		}
	}

	var remoteTrades []broker.Trade
	if fillsDrifted {
		if remoteTrades, err = w.brokerAPI.ListTrades(ctx, accountID); err != nil {
			return err
		}
	}

	for _, o := range local {
		if o.BrokerOrderID == nil {
			continue
		}
		b, ok := remoteByID[*o.BrokerOrderID]
		if !ok {
			continue
		}
		// The broker confirms this order exists: any hold parked in
		// RECONCILING by a recovered placement is now a real reservation.
		if err := w.ledger.SetStatusForOrder(ctx, w.ordersRepo.DB(), o.ID,
			orders.EntryReserve, orders.LedgerReconciling, orders.LedgerCommitted); err != nil {
			w.log.Warn().Err(err).Int64("order_id", o.ID).Msg("failed to commit recovering reservation")
		}
		if err := w.correctOrder(ctx, o, b, remoteTrades); err != nil {
			w.log.Warn().Err(err).Int64("order_id", o.ID).Msg("failed to correct order drift")
		}
	}
	return nil
}

// correctOrder applies one order's drift in a single transaction: execution
// fields, newly imported fills folded into positions, the audited status
// transition, and the funds release on terminal outcomes.
func (w *Worker) correctOrder(ctx context.Context, o *orders.Order, b *broker.Order, remoteTrades []broker.Trade) error {
	remoteStatus := orders.Status(b.Status)
	statusDrift := remoteStatus != o.Status
	fillDrift := b.FilledQuantity != o.FilledQuantity ||
		b.PendingQuantity != o.PendingQuantity ||
		b.CancelledQuantity != o.CancelledQuantity
	if !statusDrift && !fillDrift {
		return nil
	}

	// The broker's quantities must satisfy the conservation invariant
	// before we trust them.
	if b.FilledQuantity+b.PendingQuantity+b.CancelledQuantity != b.Quantity {
		w.log.Error().Int64("order_id", o.ID).
			Int64("filled", b.FilledQuantity).
			Int64("pending", b.PendingQuantity).
			Int64("cancelled", b.CancelledQuantity).
			Int64("quantity", b.Quantity).
			Msg("broker quantities violate conservation, skipping")
		return nil
	}

	caller := domain.SystemCaller(systemActor)

	var intents []subIntent
	err := database.WithTransaction(w.ordersRepo.DB(), func(tx *sql.Tx) error {
		intents = intents[:0]
		if fillDrift {
			state := orders.ExecutionState{
				FilledQuantity:    b.FilledQuantity,
				PendingQuantity:   b.PendingQuantity,
				CancelledQuantity: b.CancelledQuantity,
			}
			if !b.AveragePrice.IsZero() {
				avg := b.AveragePrice
				state.AveragePrice = &avg
			}
			if b.ExchangeOrderID != "" {
				ex := b.ExchangeOrderID
				state.ExchangeOrderID = &ex
			}
			if err := w.ordersRepo.ApplyExecutionState(ctx, tx, o.ID, state); err != nil {
				return err
			}
			imported, err := w.importFills(ctx, tx, o, remoteTrades)
			if err != nil {
				return err
			}
			intents = append(intents, imported...)
			w.metrics.ReconcileDrift.WithLabelValues("fills").Inc()
		}

		if statusDrift {
			if !orders.CanTransition(o.Status, remoteStatus) {
				// The broker state machine is authoritative but our audit
				// trail refuses impossible jumps; log loudly instead.
				w.log.Error().Int64("order_id", o.ID).
					Str("from", string(o.Status)).Str("to", string(remoteStatus)).
					Msg("broker reports an illegal transition")
				return nil
			}
			reason := "reconciled from broker"
			if b.StatusMessage != "" {
				reason = b.StatusMessage
			}
			if err := w.ordersRepo.UpdateStatus(ctx, tx, o.ID, o.Status, remoteStatus, &reason, caller); err != nil {
				return err
			}
			eventType := orders.EventOrderUpdated
			if remoteStatus == orders.StatusComplete {
				eventType = orders.EventOrderFilled
			}
			if err := w.outbox.Append(ctx, tx, o.ID, eventType, map[string]interface{}{
				"status": remoteStatus,
				"source": systemActor,
			}); err != nil {
				return err
			}
			if remoteStatus == orders.StatusCancelled || remoteStatus == orders.StatusRejected {
				if err := w.releaseRemainingReserve(ctx, tx, o, b); err != nil {
					return err
				}
			}
			w.metrics.ReconcileDrift.WithLabelValues("status").Inc()
			w.metrics.OrderStateChanges.WithLabelValues(string(remoteStatus)).Inc()
		}
		return nil
	})
	if err != nil {
		return err
	}

	w.applyIntents(ctx, o.TradingAccountID, intents)

	if statusDrift {
		w.log.Info().
			Int64("order_id", o.ID).
			Str("from", string(o.Status)).
			Str("to", string(remoteStatus)).
			Str("actor", systemActor).
			Msg("order drift corrected")
	}
	return nil
}

// releaseRemainingReserve returns the held funds a broker-side cancellation
// or rejection left unconsumed: the unfilled slice of a buy at the reserved
// per-unit estimate.
func (w *Worker) releaseRemainingReserve(ctx context.Context, tx *sql.Tx, o *orders.Order, b *broker.Order) error {
	if o.Side != orders.SideBuy {
		return nil
	}
	remaining := b.Quantity - b.FilledQuantity
	if remaining <= 0 {
		return nil
	}
	perUnit := b.AveragePrice
	if o.Price != nil {
		perUnit = *o.Price
	}
	if !perUnit.IsPositive() {
		return nil
	}
	_, err := w.ledger.Append(ctx, tx, orders.LedgerEntry{
		TradingAccountID: o.TradingAccountID,
		EntryType:        orders.EntryRelease,
		Status:           orders.LedgerCommitted,
		Amount:           perUnit.Mul(decimal.NewFromInt(remaining)),
		OrderID:          &o.ID,
		Description:      "release hold on broker-side terminal order",
	})
	return err
}

// subIntent is a post-commit tick-feed adjustment produced by a fill import.
type subIntent struct {
	drop     bool
	exchange string
	symbol   string
}

func (w *Worker) applyIntents(ctx context.Context, accountID int64, intents []subIntent) {
	if w.subs == nil {
		return
	}
	for _, in := range intents {
		var err error
		if in.drop {
			err = w.subs.DropSymbol(ctx, accountID, in.exchange, in.symbol)
		} else {
			err = w.subs.Ensure(ctx, accountID, in.exchange, in.symbol)
		}
		if err != nil {
			w.log.Warn().Err(err).Str("symbol", in.symbol).Bool("drop", in.drop).
				Msg("subscription intent failed")
		}
	}
}

// importFills upserts the broker's trades for this order and folds the new
// ones into the position book, inside the enclosing transaction. Each
// imported buy fill also releases its slice of the order's reservation,
// since the actual cost is allocated by the position tracker. The returned
// intents tell the caller which tick subscriptions to adjust after commit.
func (w *Worker) importFills(ctx context.Context, tx *sql.Tx, o *orders.Order, remoteTrades []broker.Trade) ([]subIntent, error) {
	var intents []subIntent
	for _, t := range remoteTrades {
		if o.BrokerOrderID == nil || t.OrderID != *o.BrokerOrderID {
			continue
		}
		inserted, err := w.trades.Upsert(ctx, tx, orders.TradeRecord{
			OrderID:          o.ID,
			TradingAccountID: o.TradingAccountID,
			BrokerTradeID:    t.TradeID,
			Symbol:           t.Symbol,
			Exchange:         t.Exchange,
			Side:             t.Side,
			Quantity:         t.Quantity,
			Price:            t.Price,
			ExecutedAt:       t.FillTimestamp,
		})
		if err != nil {
			return nil, err
		}
		if !inserted {
			continue
		}
		pos, err := w.tracker.ApplyFill(ctx, tx, positions.Fill{
			TradingAccountID: o.TradingAccountID,
			OrderID:          &o.ID,
			Symbol:           t.Symbol,
			Exchange:         t.Exchange,
			Segment:          o.Segment,
			Product:          o.Product,
			Side:             t.Side,
			Quantity:         t.Quantity,
			Price:            t.Price,
			TradingDay:       tradingDayOfFill(t.FillTimestamp),
		})
		if err != nil {
			return nil, err
		}
		if err := w.releaseFillReserve(ctx, tx, o, t); err != nil {
			return nil, err
		}
		intents = append(intents, subIntent{
			drop:     pos.NetQuantity() == 0,
			exchange: t.Exchange,
			symbol:   t.Symbol,
		})
	}
	return intents, nil
}

// releaseFillReserve returns the reserved estimate for a buy fill's
// quantity; the tracker allocates the actual cost in the same transaction.
func (w *Worker) releaseFillReserve(ctx context.Context, tx *sql.Tx, o *orders.Order, t broker.Trade) error {
	if o.Side != orders.SideBuy {
		return nil
	}
	perUnit := t.Price
	if o.Price != nil {
		perUnit = *o.Price
	}
	if !perUnit.IsPositive() {
		return nil
	}
	_, err := w.ledger.Append(ctx, tx, orders.LedgerEntry{
		TradingAccountID: o.TradingAccountID,
		EntryType:        orders.EntryRelease,
		Status:           orders.LedgerCommitted,
		Amount:           perUnit.Mul(decimal.NewFromInt(t.Quantity)),
		OrderID:          &o.ID,
		Description:      "release hold on filled quantity",
	})
	return err
}

// tradingDayOfFill buckets a broker fill timestamp into its trading day;
// an unparseable timestamp falls back to the current day.
func tradingDayOfFill(ts string) string {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, ts); err == nil {
			return positions.TradingDayOf(t)
		}
	}
	return ""
}
