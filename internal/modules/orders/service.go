package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tradeforge/oms/internal/clients/broker"
	"github.com/tradeforge/oms/internal/database"
	"github.com/tradeforge/oms/internal/domain"
	"github.com/tradeforge/oms/internal/kv"
	"github.com/tradeforge/oms/internal/metrics"
	"github.com/tradeforge/oms/internal/ratelimit"
)

// MaxBatchSize bounds batch placement.
const MaxBatchSize = 20

// Instrument is the registry's view of a tradable symbol.
type Instrument struct {
	Token     int64
	Symbol    string
	Exchange  string
	Segment   string
	LotSize   int64
	LastPrice decimal.Decimal
}

// InstrumentSource resolves symbols against the instrument registry.
type InstrumentSource interface {
	LookupSymbol(ctx context.Context, exchange, symbol string) (*Instrument, error)
}

// ActivityRecorder hears about order flow per account. Implemented by the
// tier scheduler, which promotes active accounts to a faster sync cadence.
type ActivityRecorder interface {
	NoteOrderActivity(ctx context.Context, accountID int64)
}

// Idempotency claims, completes and releases placement idempotency keys.
// Implemented by kv.IdempotencyStore; service tests substitute an in-memory
// fake.
type Idempotency interface {
	Begin(ctx context.Context, userID int64, key, fingerprint string) (claimed bool, prior *kv.IdempotencyRecord, err error)
	Complete(ctx context.Context, userID int64, key, fingerprint string, httpStatus int, response json.RawMessage) error
	Release(ctx context.Context, userID int64, key string) error
}

// SubscriptionIntents keeps the tick feed in step with order interest.
// Implemented by the subscriptions manager. Called only after the owning
// transaction commits; failures are logged, never surfaced to the caller.
type SubscriptionIntents interface {
	Ensure(ctx context.Context, accountID int64, exchange, symbol string) error
	DropSymbol(ctx context.Context, accountID int64, exchange, symbol string) error
}

// Service orchestrates the order lifecycle.
type Service struct {
	repo        *Repository
	trades      *TradeRepository
	ledger      *LedgerRepository
	outbox      *OutboxRepository
	brokerAPI   broker.API
	idempotency Idempotency
	daily       *ratelimit.DailyCounter
	risk        *RiskChecker
	instruments InstrumentSource
	activity    ActivityRecorder
	subs        SubscriptionIntents
	metrics     *metrics.Metrics
	log         zerolog.Logger
}

// SetActivityRecorder attaches the sync-tier promotion hook. Wired after
// construction because the scheduler depends on the reconciliation worker,
// which in turn reads this service's repositories.
func (s *Service) SetActivityRecorder(a ActivityRecorder) { s.activity = a }

// SetSubscriptions attaches the tick-feed subscription hook, wired after
// construction alongside the activity recorder.
func (s *Service) SetSubscriptions(subs SubscriptionIntents) { s.subs = subs }

// noteSubscription registers tick interest for a symbol the account now has
// an order or position in. Post-commit side effect only.
func (s *Service) noteSubscription(ctx context.Context, accountID int64, exchange, symbol string) {
	if s.subs == nil {
		return
	}
	if err := s.subs.Ensure(ctx, accountID, exchange, symbol); err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("subscription intent failed")
	}
}

// NewService wires the order service.
func NewService(
	repo *Repository,
	trades *TradeRepository,
	ledger *LedgerRepository,
	outbox *OutboxRepository,
	brokerAPI broker.API,
	idempotency Idempotency,
	daily *ratelimit.DailyCounter,
	risk *RiskChecker,
	instruments InstrumentSource,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Service {
	return &Service{
		repo:        repo,
		trades:      trades,
		ledger:      ledger,
		outbox:      outbox,
		brokerAPI:   brokerAPI,
		idempotency: idempotency,
		daily:       daily,
		risk:        risk,
		instruments: instruments,
		metrics:     m,
		log:         log.With().Str("component", "orders").Logger(),
	}
}

// PlaceResult is what placement returns: the order plus whether this was an
// idempotent replay of an earlier request.
type PlaceResult struct {
	Order    *Order
	Replayed bool
	Response json.RawMessage // set on replay: the originally stored response
	Status   int             // HTTP status of the original response on replay
}

// Place runs the full placement pipeline: idempotency claim, daily quota,
// symbol resolution, risk checks, local PENDING persist, broker submission,
// and the PENDING -> SUBMITTED (or REJECTED) transition.
func (s *Service) Place(ctx context.Context, caller domain.Caller, in *PlaceOrderInput, idemKey string, rawBody []byte) (*PlaceResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if !caller.CanAccess(in.TradingAccountID) {
		return nil, domain.Forbidden("no access to trading account")
	}

	var fingerprint string
	if idemKey != "" {
		var err error
		fingerprint, err = kv.Fingerprint(rawBody)
		if err != nil {
			return nil, domain.BadRequest("request body is not valid JSON")
		}
		claimed, prior, err := s.idempotency.Begin(ctx, caller.UserID, idemKey, fingerprint)
		if err != nil {
			return nil, err
		}
		if !claimed {
			return &PlaceResult{Replayed: true, Response: prior.Response, Status: prior.HTTPStatus}, nil
		}
	}

	order, err := s.placeOnce(ctx, caller, in, idemKey)

	if idemKey != "" {
		if err != nil {
			// Broker rejections are deterministic outcomes worth caching;
			// transport failures release the key so the client can retry.
			de := domain.AsError(err)
			if de.Code == domain.CodeBadRequest && order != nil {
				body, _ := json.Marshal(order)
				_ = s.idempotency.Complete(ctx, caller.UserID, idemKey, fingerprint, http.StatusBadRequest, body)
			} else {
				_ = s.idempotency.Release(ctx, caller.UserID, idemKey)
			}
		} else {
			body, _ := json.Marshal(order)
			_ = s.idempotency.Complete(ctx, caller.UserID, idemKey, fingerprint, http.StatusOK, body)
		}
	}

	if err != nil {
		return nil, err
	}
	return &PlaceResult{Order: order}, nil
}

// placeOnce is the non-idempotent core of placement. The PENDING persist,
// the broker call and the resulting transition all run in one transaction:
// a transport failure rolls the whole row back, so no order is ever left
// PENDING without a broker identifier. On broker rejection the REJECTED row
// survives, and both it and the error are returned so the caller can cache
// the outcome.
func (s *Service) placeOnce(ctx context.Context, caller domain.Caller, in *PlaceOrderInput, idemKey string) (*Order, error) {
	if err := s.daily.Consume(ctx, in.TradingAccountID); err != nil {
		return nil, err
	}

	instrument, err := s.instruments.LookupSymbol(ctx, in.Exchange, in.Symbol)
	if err != nil {
		s.daily.Refund(ctx, in.TradingAccountID)
		return nil, err
	}

	if err := s.risk.Check(ctx, in, instrument); err != nil {
		s.daily.Refund(ctx, in.TradingAccountID)
		return nil, err
	}

	order := s.buildOrder(caller, in, instrument, idemKey)

	var brokerErr error
	var orphanRef *broker.OrderRef

	err = database.WithTransaction(s.repo.DB(), func(tx *sql.Tx) error {
		if err := s.repo.Insert(ctx, tx, order, caller); err != nil {
			return err
		}
		if err := s.reserveFunds(ctx, tx, order, instrument.LastPrice); err != nil {
			return err
		}
		if err := s.outbox.Append(ctx, tx, order.ID, EventOrderPlaced, order); err != nil {
			return err
		}

		ref, err := s.brokerAPI.PlaceOrder(ctx, in.TradingAccountID, placeRequest(in))
		if err != nil {
			de := domain.AsError(err)
			if de.Code != domain.CodeBadRequest {
				// Transport failure: the broker may never have seen the
				// order. Roll everything back and let the client retry.
				return err
			}
			brokerErr = err
			return s.rejectInTx(ctx, tx, caller, order, de.Message)
		}

		if err := s.submitInTx(ctx, tx, caller, order, ref.OrderID); err != nil {
			// The broker accepted but the local commit cannot happen.
			// Cancel upstream so nothing runs that the database no longer
			// tracks; a failed cancel is re-persisted after rollback.
			if _, cancelErr := s.brokerAPI.CancelOrder(ctx, in.TradingAccountID, ref.OrderID); cancelErr != nil {
				orphanRef = ref
				s.log.Error().Err(cancelErr).Str("broker_order_id", ref.OrderID).
					Msg("local commit failed and upstream cancel failed")
			}
			return err
		}
		return nil
	})

	if err != nil {
		s.daily.Refund(ctx, in.TradingAccountID)
		s.metrics.OrdersPlaced.WithLabelValues("failed").Inc()
		if orphanRef != nil {
			s.persistOrphan(ctx, caller, in, instrument, orphanRef.OrderID)
		}
		var de *domain.Error
		if !errors.As(err, &de) {
			return nil, domain.Internal(err)
		}
		return nil, err
	}

	if brokerErr != nil {
		s.metrics.OrdersPlaced.WithLabelValues("rejected").Inc()
		s.metrics.OrderStateChanges.WithLabelValues(string(StatusRejected)).Inc()
		return order, brokerErr
	}

	if s.activity != nil {
		s.activity.NoteOrderActivity(ctx, order.TradingAccountID)
	}
	s.noteSubscription(ctx, order.TradingAccountID, order.Exchange, order.Symbol)
	s.metrics.OrdersPlaced.WithLabelValues("submitted").Inc()
	s.metrics.OrderStateChanges.WithLabelValues(string(StatusSubmitted)).Inc()

	s.log.Info().
		Int64("order_id", order.ID).
		Int64("trading_account_id", order.TradingAccountID).
		Str("broker_order_id", *order.BrokerOrderID).
		Str("symbol", order.Symbol).
		Str("side", order.Side).
		Int64("quantity", order.Quantity).
		Msg("order submitted")

	return order, nil
}

// placeRequest maps a validated input to the broker's wire shape.
func placeRequest(in *PlaceOrderInput) broker.PlaceOrderRequest {
	return broker.PlaceOrderRequest{
		Symbol:            in.Symbol,
		Exchange:          in.Exchange,
		Side:              in.Side,
		OrderType:         in.OrderType,
		Product:           in.Product,
		Validity:          in.Validity,
		Variety:           in.Variety,
		Quantity:          in.Quantity,
		DisclosedQuantity: in.DisclosedQuantity,
		Price:             in.Price,
		TriggerPrice:      in.TriggerPrice,
		Tag:               in.Tag,
	}
}

// submitInTx records the broker's acceptance: identifier, the
// PENDING -> SUBMITTED transition, the committed reservation and the event.
func (s *Service) submitInTx(ctx context.Context, tx *sql.Tx, caller domain.Caller, order *Order, brokerOrderID string) error {
	if err := s.repo.SetBrokerOrderID(ctx, tx, order.ID, brokerOrderID); err != nil {
		return err
	}
	if err := s.repo.UpdateStatus(ctx, tx, order.ID, StatusPending, StatusSubmitted, nil, caller); err != nil {
		return err
	}
	if err := s.ledger.SetStatusForOrder(ctx, tx, order.ID, EntryReserve, LedgerPending, LedgerCommitted); err != nil {
		return err
	}
	order.BrokerOrderID = &brokerOrderID
	order.Status = StatusSubmitted
	return s.outbox.Append(ctx, tx, order.ID, EventOrderUpdated, map[string]interface{}{
		"status":          StatusSubmitted,
		"broker_order_id": brokerOrderID,
	})
}

// rejectInTx records a broker rejection: the audited PENDING -> REJECTED
// transition, the failed reservation and the event. The quota unit stays
// consumed, because the broker did process the order.
func (s *Service) rejectInTx(ctx context.Context, tx *sql.Tx, caller domain.Caller, order *Order, reason string) error {
	if err := s.repo.UpdateStatus(ctx, tx, order.ID, StatusPending, StatusRejected, &reason, caller); err != nil {
		return err
	}
	if err := s.failReservation(ctx, tx, order, reason); err != nil {
		return err
	}
	order.Status = StatusRejected
	order.StatusMessage = &reason
	return s.outbox.Append(ctx, tx, order.ID, EventOrderRejected, map[string]interface{}{
		"reason": reason,
	})
}

// persistOrphan writes a fresh SUBMITTED row for an order the broker
// accepted but whose original transaction rolled back and whose cancel
// failed. The reservation enters RECONCILING; the sweep converges both.
// Best effort: if the database is the thing that failed, this fails too and
// the error log above is all that remains.
func (s *Service) persistOrphan(ctx context.Context, caller domain.Caller, in *PlaceOrderInput, instrument *Instrument, brokerOrderID string) {
	order := s.buildOrder(caller, in, instrument, "")
	err := database.WithTransaction(s.repo.DB(), func(tx *sql.Tx) error {
		if err := s.repo.Insert(ctx, tx, order, caller); err != nil {
			return err
		}
		if err := s.repo.SetBrokerOrderID(ctx, tx, order.ID, brokerOrderID); err != nil {
			return err
		}
		if err := s.repo.UpdateStatus(ctx, tx, order.ID, StatusPending, StatusSubmitted, nil, caller); err != nil {
			return err
		}
		amount := s.reserveAmount(order, instrument.LastPrice)
		if amount.IsPositive() {
			if _, err := s.ledger.Append(ctx, tx, LedgerEntry{
				TradingAccountID: order.TradingAccountID,
				EntryType:        EntryReserve,
				Status:           LedgerReconciling,
				Amount:           amount,
				OrderID:          &order.ID,
				Description:      fmt.Sprintf("recovered reserve for order %d", order.ID),
			}); err != nil {
				return err
			}
		}
		return s.outbox.Append(ctx, tx, order.ID, EventOrderPlaced, order)
	})
	if err != nil {
		s.log.Error().Err(err).Str("broker_order_id", brokerOrderID).
			Msg("failed to persist recovery row for upstream order")
		return
	}
	s.log.Warn().Int64("order_id", order.ID).Str("broker_order_id", brokerOrderID).
		Msg("upstream order re-persisted for reconciliation")
}

func (s *Service) buildOrder(caller domain.Caller, in *PlaceOrderInput, instrument *Instrument, idemKey string) *Order {
	order := &Order{
		TradingAccountID:  in.TradingAccountID,
		UserID:            caller.UserID,
		Symbol:            in.Symbol,
		Exchange:          in.Exchange,
		Segment:           instrument.Segment,
		Side:              in.Side,
		OrderType:         in.OrderType,
		Product:           in.Product,
		Validity:          in.Validity,
		Quantity:          in.Quantity,
		DisclosedQuantity: in.DisclosedQuantity,
		PendingQuantity:   in.Quantity,
		Price:             in.Price,
		TriggerPrice:      in.TriggerPrice,
		StrategyID:        in.StrategyID,
		PortfolioID:       in.PortfolioID,
		Source:            in.Source,
		Variety:           in.Variety,
		PlacedBy:          actorFor(caller),
		PlacedAt:          time.Now().UTC(),
	}
	if in.Tag != "" {
		order.Tag = &in.Tag
	}
	if idemKey != "" {
		order.IdempotencyKey = &idemKey
	}
	return order
}

// reserveAmount is the estimated hold for a buy: limit price when present,
// otherwise the last known price. Zero when neither is known.
func (s *Service) reserveAmount(order *Order, lastPrice decimal.Decimal) decimal.Decimal {
	if order.Side != SideBuy {
		return decimal.Zero
	}
	price := lastPrice
	if order.Price != nil {
		price = *order.Price
	}
	return price.Mul(decimal.NewFromInt(order.Quantity))
}

// reserveFunds journals the PENDING reservation for a buy. It commits with
// the broker's acceptance and fails with a rejection.
func (s *Service) reserveFunds(ctx context.Context, tx *sql.Tx, order *Order, lastPrice decimal.Decimal) error {
	amount := s.reserveAmount(order, lastPrice)
	if !amount.IsPositive() {
		return nil
	}
	_, err := s.ledger.Append(ctx, tx, LedgerEntry{
		TradingAccountID: order.TradingAccountID,
		EntryType:        EntryReserve,
		Status:           LedgerPending,
		Amount:           amount,
		OrderID:          &order.ID,
		Description:      fmt.Sprintf("reserve for %s %d %s", order.Side, order.Quantity, order.Symbol),
	})
	return err
}

// releaseFunds returns the unfilled part of a committed reservation when
// the order dies after submission.
func (s *Service) releaseFunds(ctx context.Context, tx *sql.Tx, order *Order) error {
	if order.Side != SideBuy {
		return nil
	}
	price := decimal.Zero
	if order.Price != nil {
		price = *order.Price
	}
	if price.IsZero() {
		return nil
	}
	remaining := order.Quantity - order.FilledQuantity
	if remaining <= 0 {
		return nil
	}
	_, err := s.ledger.Append(ctx, tx, LedgerEntry{
		TradingAccountID: order.TradingAccountID,
		EntryType:        EntryRelease,
		Status:           LedgerCommitted,
		Amount:           price.Mul(decimal.NewFromInt(remaining)),
		OrderID:          &order.ID,
		Description:      fmt.Sprintf("release for order %d", order.ID),
	})
	return err
}

// failReservation voids the pending hold of a rejected order: the RESERVE
// entry moves to FAILED and a FAIL entry records the void for the audit
// trail. FAIL entries never affect available funds.
func (s *Service) failReservation(ctx context.Context, tx *sql.Tx, order *Order, reason string) error {
	if err := s.ledger.SetStatusForOrder(ctx, tx, order.ID, EntryReserve, LedgerPending, LedgerFailed); err != nil {
		return err
	}
	amount := s.reserveAmount(order, decimal.Zero)
	if !amount.IsPositive() {
		return nil
	}
	_, err := s.ledger.Append(ctx, tx, LedgerEntry{
		TradingAccountID: order.TradingAccountID,
		EntryType:        EntryFail,
		Status:           LedgerCommitted,
		Amount:           amount,
		OrderID:          &order.ID,
		Description:      fmt.Sprintf("reserve voided: %s", reason),
	})
	return err
}

// Get loads an order the caller may see.
func (s *Service) Get(ctx context.Context, caller domain.Caller, orderID int64) (*Order, error) {
	order, err := s.repo.GetByID(ctx, s.repo.DB(), orderID)
	if err != nil {
		return nil, err
	}
	if !caller.CanAccess(order.TradingAccountID) {
		// Hide existence from callers without access.
		return nil, domain.NotFound("order")
	}
	return order, nil
}

// History returns the audit trail for an order the caller may see.
func (s *Service) History(ctx context.Context, caller domain.Caller, orderID int64) ([]*Transition, error) {
	if _, err := s.Get(ctx, caller, orderID); err != nil {
		return nil, err
	}
	return s.repo.History(ctx, orderID)
}

// List returns orders for an account the caller may see.
func (s *Service) List(ctx context.Context, caller domain.Caller, f ListFilter) ([]*Order, int64, error) {
	if !caller.CanAccess(f.TradingAccountID) {
		return nil, 0, domain.Forbidden("no access to trading account")
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	list, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repo.Count(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

// Trades returns fills for an order the caller may see.
func (s *Service) Trades(ctx context.Context, caller domain.Caller, orderID int64) ([]*TradeRecord, error) {
	if _, err := s.Get(ctx, caller, orderID); err != nil {
		return nil, err
	}
	return s.trades.ListForOrder(ctx, orderID)
}

// Modify forwards a modification to the broker and mirrors it locally.
// Only PENDING, SUBMITTED and OPEN orders are modifiable; a PENDING order
// has not reached the broker yet, so the change applies locally only.
func (s *Service) Modify(ctx context.Context, caller domain.Caller, orderID int64, in *ModifyOrderInput) (*Order, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	order, err := s.Get(ctx, caller, orderID)
	if err != nil {
		return nil, err
	}
	switch order.Status {
	case StatusPending, StatusSubmitted, StatusOpen:
	default:
		return nil, domain.Conflict(fmt.Sprintf("order in status %s cannot be modified", order.Status))
	}

	if order.BrokerOrderID != nil {
		if _, err := s.brokerAPI.ModifyOrder(ctx, order.TradingAccountID, *order.BrokerOrderID, broker.ModifyOrderRequest{
			Quantity:     in.Quantity,
			Price:        in.Price,
			TriggerPrice: in.TriggerPrice,
			OrderType:    in.OrderType,
			Validity:     in.Validity,
		}); err != nil {
			return nil, err
		}
	}

	err = database.WithTransaction(s.repo.DB(), func(tx *sql.Tx) error {
		if err := s.applyModification(ctx, tx, order, in); err != nil {
			return err
		}
		return s.outbox.Append(ctx, tx, order.ID, EventOrderModified, in)
	})
	if err != nil {
		return nil, domain.Internal(err)
	}

	s.log.Info().Int64("order_id", order.ID).Msg("order modified")
	return s.repo.GetByID(ctx, s.repo.DB(), order.ID)
}

func (s *Service) applyModification(ctx context.Context, tx dbtx, order *Order, in *ModifyOrderInput) error {
	set := "updated_at = datetime('now')"
	var args []interface{}
	if in.Quantity != nil {
		set += ", quantity = ?, pending_quantity = ? - filled_quantity"
		args = append(args, *in.Quantity, *in.Quantity)
	}
	if in.Price != nil {
		set += ", price = ?"
		args = append(args, in.Price.String())
	}
	if in.TriggerPrice != nil {
		set += ", trigger_price = ?"
		args = append(args, in.TriggerPrice.String())
	}
	if in.OrderType != nil {
		set += ", order_type = ?"
		args = append(args, *in.OrderType)
	}
	if in.Validity != nil {
		set += ", validity = ?"
		args = append(args, *in.Validity)
	}
	args = append(args, order.ID)

	_, err := tx.ExecContext(ctx, "UPDATE orders SET "+set+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to apply modification: %w", err)
	}
	return nil
}

// Cancel cancels a live order. Cancelling a terminal order is a conflict,
// including an already-cancelled one.
func (s *Service) Cancel(ctx context.Context, caller domain.Caller, orderID int64) (*Order, error) {
	order, err := s.Get(ctx, caller, orderID)
	if err != nil {
		return nil, err
	}
	if IsTerminal(order.Status) {
		return nil, domain.Conflict(fmt.Sprintf("order is already %s", order.Status))
	}
	if order.BrokerOrderID == nil {
		return nil, domain.Conflict("order has not been submitted yet")
	}

	if _, err := s.brokerAPI.CancelOrder(ctx, order.TradingAccountID, *order.BrokerOrderID); err != nil {
		return nil, err
	}

	err = database.WithTransaction(s.repo.DB(), func(tx *sql.Tx) error {
		if err := s.repo.UpdateStatus(ctx, tx, order.ID, order.Status, StatusCancelled, nil, caller); err != nil {
			return err
		}
		if err := s.releaseFunds(ctx, tx, order); err != nil {
			return err
		}
		return s.outbox.Append(ctx, tx, order.ID, EventOrderCancelled, nil)
	})
	if err != nil {
		return nil, domain.Internal(err)
	}

	s.metrics.OrderStateChanges.WithLabelValues(string(StatusCancelled)).Inc()
	s.log.Info().Int64("order_id", order.ID).Msg("order cancelled")
	return s.repo.GetByID(ctx, s.repo.DB(), order.ID)
}
