// Package ticks consumes the live price stream from the shared bus and
// marks the position book to market. Ticks are coalesced per instrument so
// a fast market costs one write per instrument per flush, not one per tick.
package ticks

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tradeforge/oms/internal/kv"
	"github.com/tradeforge/oms/internal/metrics"
	"github.com/tradeforge/oms/internal/modules/orders"
	"github.com/tradeforge/oms/internal/modules/positions"
	"github.com/tradeforge/oms/internal/modules/subscriptions"
)

// tickChannelPattern matches the per-instrument channels the market-data
// service publishes on.
const tickChannelPattern = "ticks:*"

// Tick is the wire format on the bus.
type Tick struct {
	InstrumentToken int64           `json:"instrument_token"`
	LastPrice       decimal.Decimal `json:"last_price"`
	Volume          int64           `json:"volume,omitempty"`
	Timestamp       int64           `json:"timestamp,omitempty"`
}

// Consumer subscribes, coalesces and flushes.
type Consumer struct {
	store      *kv.Store
	registry   *subscriptions.RegistryRepository
	posRepo    *positions.Repository
	metrics    *metrics.Metrics
	log        zerolog.Logger
	batchSize  int
	interval   time.Duration
	tokenCache *lru.Cache[int64, *orders.Instrument]

	mu      sync.Mutex
	pending map[int64]Tick // latest tick per token since last flush

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer wires the tick consumer.
func NewConsumer(store *kv.Store, registry *subscriptions.RegistryRepository, posRepo *positions.Repository, batchSize int, interval time.Duration, m *metrics.Metrics, log zerolog.Logger) *Consumer {
	cache, _ := lru.New[int64, *orders.Instrument](4096)
	return &Consumer{
		store:      store,
		registry:   registry,
		posRepo:    posRepo,
		metrics:    m,
		log:        log.With().Str("component", "ticks").Logger(),
		batchSize:  batchSize,
		interval:   interval,
		tokenCache: cache,
		pending:    make(map[int64]Tick),
	}
}

// Start launches the subscriber and the flusher.
func (c *Consumer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	sub := c.store.Subscribe(ctx, true, tickChannelPattern)

	c.wg.Add(2)
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
				c.ingest([]byte(msg.Payload))
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.flush(context.Background())
			case <-ctx.Done():
				// Drain what's left before exiting.
				c.flush(context.Background())
				return
			}
		}
	}()

	c.log.Info().Dur("interval", c.interval).Int("batch_size", c.batchSize).Msg("tick consumer started")
}

// Stop cancels the subscription, drains, and waits.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Consumer) ingest(payload []byte) {
	var t Tick
	if err := json.Unmarshal(payload, &t); err != nil {
		c.log.Debug().Err(err).Msg("unparseable tick dropped")
		return
	}
	if t.InstrumentToken == 0 || t.LastPrice.IsZero() {
		return
	}

	c.mu.Lock()
	c.pending[t.InstrumentToken] = t
	full := len(c.pending) >= c.batchSize
	c.mu.Unlock()

	// A full buffer flushes immediately instead of waiting out the timer.
	if full {
		c.flush(context.Background())
	}
}

func (c *Consumer) flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.pending
	c.pending = make(map[int64]Tick)
	c.mu.Unlock()

	for token, tick := range batch {
		instrument, err := c.lookup(ctx, token)
		if err != nil {
			continue // unknown token, nothing holds it
		}
		if err := c.posRepo.UpdateLastPrice(ctx, instrument.Symbol, instrument.Exchange, tick.LastPrice); err != nil {
			c.log.Warn().Err(err).Int64("token", token).Msg("failed to mark positions to market")
		}
	}

	c.metrics.TickBatches.Inc()
	c.metrics.TickInstruments.Add(float64(len(batch)))
}

func (c *Consumer) lookup(ctx context.Context, token int64) (*orders.Instrument, error) {
	if in, ok := c.tokenCache.Get(token); ok {
		return in, nil
	}
	in, err := c.registry.LookupToken(ctx, token)
	if err != nil {
		return nil, err
	}
	c.tokenCache.Add(token, in)
	return in, nil
}
