// Package events consumes account lifecycle events from the shared bus and
// applies their cascades: an account deleted upstream must stop costing
// rate budget, feed tokens and sync slots here.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeforge/oms/internal/clients/broker"
	"github.com/tradeforge/oms/internal/clients/tokenmanager"
	"github.com/tradeforge/oms/internal/database"
	"github.com/tradeforge/oms/internal/domain"
	"github.com/tradeforge/oms/internal/kv"
	"github.com/tradeforge/oms/internal/modules/orders"
	"github.com/tradeforge/oms/internal/modules/positions"
	"github.com/tradeforge/oms/internal/modules/subscriptions"
	"github.com/tradeforge/oms/internal/modules/tiers"
)

// accountChannel carries account lifecycle events.
const accountChannel = "accounts:events"

// Event names.
const (
	EventAccountCreated     = "account.created"
	EventAccountDeactivated = "account.deactivated"
	EventAccountDeleted     = "account.deleted"
	EventMembershipRevoked  = "membership.revoked"
	EventTokenRevoked       = "token.revoked"
)

// systemActor attributes the audit rows this consumer writes.
const systemActor = "account_event_handler"

// accountEvent is the wire format on the lifecycle bus.
type accountEvent struct {
	EventID          string          `json:"event_id"`
	EventType        string          `json:"event_type"`
	TradingAccountID int64           `json:"trading_account_id"`
	UserID           int64           `json:"user_id,omitempty"`
	Timestamp        string          `json:"timestamp,omitempty"`
	CorrelationID    string          `json:"correlation_id,omitempty"`
	Data             json.RawMessage `json:"data,omitempty"`
}

// AccountDirectory is the token-manager surface the consumer needs: cached
// token invalidation and account state lookups.
type AccountDirectory interface {
	Invalidate(tradingAccountID int64)
	ResolveAccount(ctx context.Context, tradingAccountID int64) (*tokenmanager.AccountConfig, error)
}

// Consumer applies account lifecycle cascades.
type Consumer struct {
	store      *kv.Store
	ordersRepo *orders.Repository
	trades     *orders.TradeRepository
	outbox     *orders.OutboxRepository
	posRepo    *positions.Repository
	subs       *subscriptions.Manager
	tierRepo   *tiers.Repository
	brokerAPI  broker.API
	tokens     AccountDirectory
	log        zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer wires the account event consumer.
func NewConsumer(
	store *kv.Store,
	ordersRepo *orders.Repository,
	trades *orders.TradeRepository,
	outbox *orders.OutboxRepository,
	posRepo *positions.Repository,
	subs *subscriptions.Manager,
	tierRepo *tiers.Repository,
	brokerAPI broker.API,
	tokens AccountDirectory,
	log zerolog.Logger,
) *Consumer {
	return &Consumer{
		store:      store,
		ordersRepo: ordersRepo,
		trades:     trades,
		outbox:     outbox,
		posRepo:    posRepo,
		subs:       subs,
		tierRepo:   tierRepo,
		brokerAPI:  brokerAPI,
		tokens:     tokens,
		log:        log.With().Str("component", "account_events").Logger(),
	}
}

// Start subscribes and dispatches until Stop.
func (c *Consumer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	sub := c.store.Subscribe(ctx, false, accountChannel)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				c.dispatch(ctx, []byte(msg.Payload))
			case <-ctx.Done():
				return
			}
		}
	}()

	c.log.Info().Str("channel", accountChannel).Msg("account event consumer started")
}

// Stop cancels the subscription and waits.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Consumer) dispatch(ctx context.Context, payload []byte) {
	var ev accountEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		c.log.Warn().Err(err).Msg("unparseable account event dropped")
		return
	}
	if ev.TradingAccountID == 0 {
		return
	}

	var err error
	switch ev.EventType {
	case EventAccountCreated:
		err = c.onCreated(ctx, ev.TradingAccountID)
	case EventAccountDeactivated:
		err = c.onDeactivated(ctx, ev.TradingAccountID)
	case EventAccountDeleted:
		err = c.onDeleted(ctx, ev.TradingAccountID)
	case EventMembershipRevoked:
		err = c.onMembershipRevoked(ctx, ev)
	case EventTokenRevoked:
		c.tokens.Invalidate(ev.TradingAccountID)
	default:
		c.log.Debug().Str("event", ev.EventType).Msg("ignoring unknown account event")
		return
	}
	if err != nil {
		c.log.Error().Err(err).Str("event", ev.EventType).
			Str("event_id", ev.EventID).
			Str("correlation_id", ev.CorrelationID).
			Int64("trading_account_id", ev.TradingAccountID).
			Msg("account event cascade failed")
	}
}

// onCreated seeds the tier row so the scheduler knows the account exists.
// Inactive accounts are ignored until a later activation event.
func (c *Consumer) onCreated(ctx context.Context, accountID int64) error {
	cfg, err := c.tokens.ResolveAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !cfg.IsActive {
		c.log.Info().Int64("trading_account_id", accountID).Msg("inactive account not seeded")
		return nil
	}

	now := time.Now()
	return c.tierRepo.RecordOrderActivity(ctx, accountID, now.Add(-25*time.Hour)) // lands in COLD
}

// onDeactivated stops spending resources on the account without touching
// its order history.
func (c *Consumer) onDeactivated(ctx context.Context, accountID int64) error {
	c.tokens.Invalidate(accountID)
	return c.subs.DropAllForAccount(ctx, accountID)
}

// onDeleted cancels every live order locally, closes the position book and
// archives the fill history in one transaction, then releases subscriptions
// and tokens. The broker side is already gone; there is nothing to cancel
// upstream.
func (c *Consumer) onDeleted(ctx context.Context, accountID int64) error {
	reason := "account deleted"

	live, err := c.ordersRepo.List(ctx, orders.ListFilter{
		TradingAccountID: accountID,
		Statuses:         []orders.Status{orders.StatusPending, orders.StatusSubmitted, orders.StatusOpen, orders.StatusTriggerPending},
	})
	if err != nil {
		return err
	}

	err = database.WithTransaction(c.ordersRepo.DB(), func(tx *sql.Tx) error {
		if err := c.cancelLocally(ctx, tx, live, reason); err != nil {
			return err
		}
		if err := c.posRepo.CloseAllForAccount(ctx, tx, accountID); err != nil {
			return err
		}
		return c.trades.ArchiveForAccount(ctx, tx, accountID)
	})
	if err != nil {
		return err
	}

	c.tokens.Invalidate(accountID)
	if err := c.subs.DropAllForAccount(ctx, accountID); err != nil {
		return err
	}

	c.log.Info().Int64("trading_account_id", accountID).Int("orders_closed", len(live)).
		Msg("account deletion cascade applied")
	return nil
}

// onMembershipRevoked cancels the revoked member's live orders on the
// account. The account itself stays: other members keep trading, so orders
// still open at the broker are cancelled upstream first, best effort.
func (c *Consumer) onMembershipRevoked(ctx context.Context, ev accountEvent) error {
	userID := ev.UserID
	if userID == 0 && len(ev.Data) > 0 {
		var data struct {
			MemberUserID int64 `json:"member_user_id"`
		}
		if err := json.Unmarshal(ev.Data, &data); err == nil {
			userID = data.MemberUserID
		}
	}
	if userID == 0 {
		c.log.Warn().Str("event_id", ev.EventID).Msg("membership revocation without a member user id dropped")
		return nil
	}

	live, err := c.ordersRepo.List(ctx, orders.ListFilter{
		TradingAccountID: ev.TradingAccountID,
		UserID:           userID,
		Statuses:         []orders.Status{orders.StatusPending, orders.StatusSubmitted, orders.StatusOpen, orders.StatusTriggerPending},
	})
	if err != nil {
		return err
	}

	for _, o := range live {
		if o.BrokerOrderID == nil {
			continue
		}
		if _, err := c.brokerAPI.CancelOrder(ctx, ev.TradingAccountID, *o.BrokerOrderID); err != nil {
			c.log.Warn().Err(err).Int64("order_id", o.ID).
				Msg("upstream cancel failed during membership revocation")
		}
	}

	err = database.WithTransaction(c.ordersRepo.DB(), func(tx *sql.Tx) error {
		return c.cancelLocally(ctx, tx, live, "membership revoked")
	})
	if err != nil {
		return err
	}

	c.log.Info().Int64("trading_account_id", ev.TradingAccountID).Int64("user_id", userID).
		Int("orders_cancelled", len(live)).Msg("membership revocation cascade applied")
	return nil
}

// cancelLocally walks live orders into their terminal state with an audited
// transition and an outbox event each.
func (c *Consumer) cancelLocally(ctx context.Context, tx *sql.Tx, live []*orders.Order, reason string) error {
	caller := domain.SystemCaller(systemActor)
	for _, o := range live {
		to := orders.StatusCancelled
		if o.Status == orders.StatusPending {
			// PENDING cannot reach CANCELLED; it dies as REJECTED.
			to = orders.StatusRejected
		}
		if err := c.ordersRepo.UpdateStatus(ctx, tx, o.ID, o.Status, to, &reason, caller); err != nil {
			return err
		}
		if err := c.outbox.Append(ctx, tx, o.ID, orders.EventOrderCancelled, map[string]interface{}{
			"reason": reason,
			"source": systemActor,
		}); err != nil {
			return err
		}
	}
	return nil
}
