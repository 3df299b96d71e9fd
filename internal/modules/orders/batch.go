package orders

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tradeforge/oms/internal/database"
	"github.com/tradeforge/oms/internal/domain"
)

// BatchInput is the batch placement request. All orders in a batch belong
// to one trading account. In atomic mode they succeed or fail together; in
// non-atomic mode each order is placed independently and failures are
// reported per item.
type BatchInput struct {
	TradingAccountID int64             `json:"trading_account_id"`
	Atomic           bool              `json:"atomic"`
	Orders           []PlaceOrderInput `json:"orders"`
}

// Batch item outcomes.
const (
	BatchItemPlaced     = "placed"
	BatchItemFailed     = "failed"
	BatchItemRolledBack = "rolled_back"
)

// BatchItemResult reports one order's outcome within a batch.
type BatchItemResult struct {
	Index  int    `json:"index"`
	Status string `json:"status"`
	Order  *Order `json:"order,omitempty"`
	Error  string `json:"error,omitempty"`
}

// BatchResult is the batch placement response.
type BatchResult struct {
	Results           []BatchItemResult `json:"results"`
	Placed            int               `json:"placed"`
	Failed            int               `json:"failed"`
	RollbackPerformed bool              `json:"rollback_performed"`
}

// PlaceBatch places up to MaxBatchSize orders. The envelope is validated
// here; per-order failures land in the result rather than an error.
func (s *Service) PlaceBatch(ctx context.Context, caller domain.Caller, in *BatchInput) (*BatchResult, error) {
	if len(in.Orders) == 0 {
		return nil, domain.ValidationError("batch must contain at least one order")
	}
	if len(in.Orders) > MaxBatchSize {
		return nil, domain.ValidationErrorf("batch exceeds maximum size %d", MaxBatchSize)
	}
	if !caller.CanAccess(in.TradingAccountID) {
		return nil, domain.Forbidden("no access to trading account")
	}
	for i := range in.Orders {
		in.Orders[i].TradingAccountID = in.TradingAccountID
	}

	if in.Atomic {
		return s.placeBatchAtomic(ctx, caller, in)
	}
	return s.placeBatchIndependent(ctx, caller, in)
}

// placeBatchIndependent runs every item through the single-order pipeline.
// One item's failure leaves the others standing.
func (s *Service) placeBatchIndependent(ctx context.Context, caller domain.Caller, in *BatchInput) (*BatchResult, error) {
	result := &BatchResult{Results: make([]BatchItemResult, len(in.Orders))}

	for i := range in.Orders {
		item := &in.Orders[i]
		result.Results[i].Index = i

		if err := item.Validate(); err != nil {
			result.Results[i].Status = BatchItemFailed
			result.Results[i].Error = domain.AsError(err).Message
			result.Failed++
			continue
		}

		order, err := s.placeOnce(ctx, caller, item, "")
		if err != nil {
			result.Results[i].Status = BatchItemFailed
			result.Results[i].Error = domain.AsError(err).Message
			result.Results[i].Order = order // set on broker rejection
			result.Failed++
			continue
		}
		result.Results[i].Status = BatchItemPlaced
		result.Results[i].Order = order
		result.Placed++
	}

	s.log.Info().
		Int64("trading_account_id", in.TradingAccountID).
		Int("placed", result.Placed).
		Int("failed", result.Failed).
		Msg("batch placed independently")
	return result, nil
}

// placeBatchAtomic places the batch all-or-nothing. Every item is validated
// and risk-checked before anything is sent upstream; persistence runs in a
// single transaction with one savepoint per item. If any item fails the
// whole transaction rolls back and orders already accepted by the broker
// are cancelled best-effort.
func (s *Service) placeBatchAtomic(ctx context.Context, caller domain.Caller, in *BatchInput) (*BatchResult, error) {
	instruments := make([]*Instrument, len(in.Orders))
	for i := range in.Orders {
		item := &in.Orders[i]
		if err := item.Validate(); err != nil {
			return nil, domain.ValidationErrorf("order %d: %s", i, domain.AsError(err).Message)
		}
		instrument, err := s.instruments.LookupSymbol(ctx, item.Exchange, item.Symbol)
		if err != nil {
			return nil, domain.ValidationErrorf("order %d: %s", i, domain.AsError(err).Message)
		}
		if err := s.risk.Check(ctx, item, instrument); err != nil {
			return nil, domain.ValidationErrorf("order %d: %s", i, domain.AsError(err).Message)
		}
		instruments[i] = instrument
	}

	result := &BatchResult{Results: make([]BatchItemResult, len(in.Orders))}
	for i := range result.Results {
		result.Results[i].Index = i
	}

	var submittedBrokerIDs []string
	consumed := 0
	failedAt := -1

	err := database.WithTransaction(s.repo.DB(), func(tx *sql.Tx) error {
		for i := range in.Orders {
			item := &in.Orders[i]
			order := s.buildOrder(caller, item, instruments[i], "")

			if err := s.daily.Consume(ctx, in.TradingAccountID); err != nil {
				failedAt = i
				return err
			}
			consumed++

			err := database.WithSavepoint(tx, fmt.Sprintf("batch_item_%d", i), func() error {
				if err := s.repo.Insert(ctx, tx, order, caller); err != nil {
					return err
				}
				if err := s.reserveFunds(ctx, tx, order, instruments[i].LastPrice); err != nil {
					return err
				}

				ref, err := s.brokerAPI.PlaceOrder(ctx, in.TradingAccountID, placeRequest(item))
				if err != nil {
					return err
				}
				submittedBrokerIDs = append(submittedBrokerIDs, ref.OrderID)

				if err := s.submitInTx(ctx, tx, caller, order, ref.OrderID); err != nil {
					return err
				}
				return s.outbox.Append(ctx, tx, order.ID, EventOrderPlaced, order)
			})
			if err != nil {
				// One failure sinks the batch.
				failedAt = i
				return err
			}
			result.Results[i].Status = BatchItemPlaced
			result.Results[i].Order = order
		}
		return nil
	})

	if err != nil {
		s.unwindBatch(ctx, in.TradingAccountID, submittedBrokerIDs, consumed)
		s.metrics.OrdersPlaced.WithLabelValues("failed").Inc()

		cause := domain.AsError(err).Message
		for i := range result.Results {
			r := &result.Results[i]
			switch {
			case i == failedAt:
				r.Status = BatchItemFailed
				r.Error = cause
			case r.Status == BatchItemPlaced:
				r.Status = BatchItemRolledBack
				r.Order = nil
				r.Error = fmt.Sprintf("rolled back: order %d failed", failedAt)
			default:
				r.Status = BatchItemFailed
				r.Error = fmt.Sprintf("not attempted: order %d failed", failedAt)
			}
		}
		result.Failed = len(result.Results)
		result.RollbackPerformed = true
		return result, nil
	}

	result.Placed = len(result.Results)
	if s.activity != nil {
		s.activity.NoteOrderActivity(ctx, in.TradingAccountID)
	}
	for i := range in.Orders {
		s.noteSubscription(ctx, in.TradingAccountID, in.Orders[i].Exchange, in.Orders[i].Symbol)
	}
	s.metrics.OrdersPlaced.WithLabelValues("submitted").Add(float64(result.Placed))
	s.log.Info().
		Int64("trading_account_id", in.TradingAccountID).
		Int("orders", result.Placed).
		Msg("batch submitted")
	return result, nil
}

// unwindBatch cancels upstream what the rolled-back transaction no longer
// tracks, and refunds the quota. Cancel failures are logged and left to the
// reconciliation sweep, which will re-import any order that survives
// upstream.
func (s *Service) unwindBatch(ctx context.Context, accountID int64, brokerOrderIDs []string, consumed int) {
	for _, id := range brokerOrderIDs {
		if _, err := s.brokerAPI.CancelOrder(ctx, accountID, id); err != nil {
			s.log.Warn().Err(err).Str("broker_order_id", id).
				Msg("best-effort cancel failed during batch unwind")
		}
	}
	for i := 0; i < consumed; i++ {
		s.daily.Refund(ctx, accountID)
	}
}
