package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event types written to the outbox.
const (
	EventOrderPlaced    = "order.placed"
	EventOrderModified  = "order.modified"
	EventOrderCancelled = "order.cancelled"
	EventOrderRejected  = "order.rejected"
	EventOrderFilled    = "order.filled"
	EventOrderUpdated   = "order.updated"
)

// OutboxRepository persists order lifecycle events in the same transaction
// as the state change; a background publisher drains them to the event bus
// afterwards. This keeps the bus write out of the commit path while never
// losing an event.
type OutboxRepository struct {
	db *sql.DB
}

// NewOutboxRepository creates the outbox repository.
func NewOutboxRepository(db *sql.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Append records an event inside the caller's transaction.
func (r *OutboxRepository) Append(ctx context.Context, tx dbtx, orderID int64, eventType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO order_events (order_id, event_type, payload) VALUES (?, ?, ?)`,
		orderID, eventType, string(body))
	if err != nil {
		return fmt.Errorf("failed to append outbox event: %w", err)
	}
	return nil
}

// pendingEvent is one undelivered row.
type pendingEvent struct {
	ID        int64
	OrderID   int64
	EventType string
	Payload   string
}

// EventSink receives drained events. The kv pub/sub implementation publishes
// on "orders:events".
type EventSink interface {
	Publish(ctx context.Context, channel, payload string) error
}

// Publisher drains the outbox on a short interval.
type Publisher struct {
	repo    *OutboxRepository
	sink    EventSink
	channel string
	log     zerolog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewPublisher creates an outbox publisher.
func NewPublisher(repo *OutboxRepository, sink EventSink, log zerolog.Logger) *Publisher {
	return &Publisher{
		repo:    repo,
		sink:    sink,
		channel: "orders:events",
		log:     log.With().Str("component", "outbox_publisher").Logger(),
		stop:    make(chan struct{}),
	}
}

// Start launches the drain loop.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := p.drain(context.Background()); err != nil {
					p.log.Warn().Err(err).Msg("outbox drain failed")
				}
			case <-p.stop:
				// Final drain on shutdown.
				_ = p.drain(context.Background())
				return
			}
		}
	}()
}

// Stop shuts the loop down and waits for it.
func (p *Publisher) Stop() {
	close(p.stop)
	p.wg.Wait()
}

func (p *Publisher) drain(ctx context.Context) error {
	rows, err := p.repo.db.QueryContext(ctx, `
		SELECT id, order_id, event_type, payload FROM order_events
		WHERE published = 0 ORDER BY id ASC LIMIT 100`)
	if err != nil {
		return fmt.Errorf("failed to read outbox: %w", err)
	}

	var events []pendingEvent
	for rows.Next() {
		var e pendingEvent
		if err := rows.Scan(&e.ID, &e.OrderID, &e.EventType, &e.Payload); err != nil {
			rows.Close()
			return err
		}
		events = append(events, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, e := range events {
		envelope, _ := json.Marshal(map[string]interface{}{
			"event":    e.EventType,
			"order_id": e.OrderID,
			"payload":  json.RawMessage(e.Payload),
		})
		if err := p.sink.Publish(ctx, p.channel, string(envelope)); err != nil {
			// Leave unpublished; the next tick retries in order.
			return fmt.Errorf("failed to publish event %d: %w", e.ID, err)
		}
		if _, err := p.repo.db.ExecContext(ctx,
			`UPDATE order_events SET published = 1 WHERE id = ?`, e.ID); err != nil {
			return fmt.Errorf("failed to mark event %d published: %w", e.ID, err)
		}
	}
	return nil
}
