package reconciliation

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/oms/internal/clients/broker"
	"github.com/tradeforge/oms/internal/config"
	"github.com/tradeforge/oms/internal/database"
	"github.com/tradeforge/oms/internal/domain"
	"github.com/tradeforge/oms/internal/metrics"
	"github.com/tradeforge/oms/internal/modules/gtt"
	"github.com/tradeforge/oms/internal/modules/orders"
	"github.com/tradeforge/oms/internal/modules/positions"
)

// recordingBroker serves canned order and trade lists and counts calls.
type recordingBroker struct {
	mu             sync.Mutex
	orders         []broker.Order
	trades         []broker.Trade
	listOrderCalls int
	listTradeCalls int
}

func (m *recordingBroker) ListOrders(ctx context.Context, accountID int64) ([]broker.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listOrderCalls++
	return m.orders, nil
}

func (m *recordingBroker) ListTrades(ctx context.Context, accountID int64) ([]broker.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listTradeCalls++
	return m.trades, nil
}

func (m *recordingBroker) PlaceOrder(ctx context.Context, accountID int64, req broker.PlaceOrderRequest) (*broker.OrderRef, error) {
	return &broker.OrderRef{OrderID: "BRK-X"}, nil
}
func (m *recordingBroker) ModifyOrder(ctx context.Context, accountID int64, brokerOrderID string, req broker.ModifyOrderRequest) (*broker.OrderRef, error) {
	return &broker.OrderRef{OrderID: brokerOrderID}, nil
}
func (m *recordingBroker) CancelOrder(ctx context.Context, accountID int64, brokerOrderID string) (*broker.OrderRef, error) {
	return &broker.OrderRef{OrderID: brokerOrderID}, nil
}
func (m *recordingBroker) ListPositions(ctx context.Context, accountID int64) ([]broker.Position, error) {
	return nil, nil
}
func (m *recordingBroker) ListHoldings(ctx context.Context, accountID int64) ([]broker.Holding, error) {
	return nil, nil
}
func (m *recordingBroker) GetMargins(ctx context.Context, accountID int64) (*broker.Margins, error) {
	return &broker.Margins{}, nil
}
func (m *recordingBroker) CalculateMargin(ctx context.Context, accountID int64, req broker.MarginRequest) (*broker.MarginResult, error) {
	return &broker.MarginResult{}, nil
}
func (m *recordingBroker) CalculateBasketMargin(ctx context.Context, accountID int64, reqs []broker.MarginRequest) (*broker.BasketMarginResult, error) {
	return &broker.BasketMarginResult{}, nil
}
func (m *recordingBroker) GetHistorical(ctx context.Context, accountID int64, instrumentToken int64, interval string, from, to time.Time) ([]broker.Candle, error) {
	return nil, nil
}
func (m *recordingBroker) PlaceGTT(ctx context.Context, accountID int64, req broker.GTTRequest) (int64, error) {
	return 1, nil
}
func (m *recordingBroker) ModifyGTT(ctx context.Context, accountID int64, gttID int64, req broker.GTTRequest) (int64, error) {
	return gttID, nil
}
func (m *recordingBroker) DeleteGTT(ctx context.Context, accountID int64, gttID int64) error {
	return nil
}
func (m *recordingBroker) ListGTT(ctx context.Context, accountID int64) ([]broker.GTT, error) {
	return nil, nil
}
func (m *recordingBroker) GetQuotes(ctx context.Context, accountID int64, tokens []int64) (map[int64]broker.Quote, error) {
	return map[int64]broker.Quote{}, nil
}

type fixture struct {
	worker     *Worker
	ordersRepo *orders.Repository
	trades     *orders.TradeRepository
	posRepo    *positions.Repository
	api        *recordingBroker
	conn       *sql.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zerolog.Nop()

	db, err := database.New(database.Config{
		Path:    "file::memory:",
		Profile: database.ProfileLedger,
		Name:    "orders",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.Conn().SetMaxOpenConns(1)
	require.NoError(t, db.Migrate())

	conn := db.Conn()
	api := &recordingBroker{}
	ordersRepo := orders.NewRepository(conn)
	tradeRepo := orders.NewTradeRepository(conn)
	posRepo := positions.NewRepository(conn)
	tracker := positions.NewTracker(posRepo, orders.NewLedgerRepository(conn), log)

	worker := NewWorker(
		ordersRepo,
		tradeRepo,
		orders.NewOutboxRepository(conn),
		orders.NewLedgerRepository(conn),
		tracker,
		gtt.NewService(gtt.NewRepository(conn), api, log),
		api,
		config.OperationalConfig{
			ReconcileInterval:  5 * time.Minute,
			ReconcileMaxAge:    24 * time.Hour,
			ReconcileBatchSize: 100,
		},
		metrics.New(),
		log,
	)
	return &fixture{worker: worker, ordersRepo: ordersRepo, trades: tradeRepo, posRepo: posRepo, api: api, conn: conn}
}

// seedSubmitted creates a SUBMITTED order with the given broker identifier.
func (f *fixture) seedSubmitted(t *testing.T, brokerOrderID string, qty int64) *orders.Order {
	t.Helper()
	ctx := context.Background()
	caller := domain.Caller{UserID: 7, TradingAccountID: 42}

	o := &orders.Order{
		TradingAccountID: 42,
		UserID:           7,
		Symbol:           "RELIANCE",
		Exchange:         "NSE",
		Segment:          "EQ",
		Side:             orders.SideBuy,
		OrderType:        orders.TypeMarket,
		Product:          orders.ProductDelivery,
		Validity:         orders.ValidityDay,
		Quantity:         qty,
		PlacedBy:         "user:7",
	}

	err := database.WithTransaction(f.conn, func(tx *sql.Tx) error {
		if err := f.ordersRepo.Insert(ctx, tx, o, caller); err != nil {
			return err
		}
		if err := f.ordersRepo.SetBrokerOrderID(ctx, tx, o.ID, brokerOrderID); err != nil {
			return err
		}
		return f.ordersRepo.UpdateStatus(ctx, tx, o.ID, orders.StatusPending, orders.StatusSubmitted, nil, caller)
	})
	require.NoError(t, err)

	loaded, err := f.ordersRepo.GetByID(ctx, f.conn, o.ID)
	require.NoError(t, err)
	return loaded
}

func TestSweepCorrectsFillDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	local := f.seedSubmitted(t, "BRK-1", 10)

	avg := decimal.NewFromInt(101)
	f.api.orders = []broker.Order{{
		OrderID:         "BRK-1",
		ExchangeOrderID: "EX-1",
		Status:          string(orders.StatusComplete),
		Symbol:          "RELIANCE",
		Exchange:        "NSE",
		Side:            orders.SideBuy,
		Quantity:        10,
		FilledQuantity:  10,
		AveragePrice:    avg,
	}}
	f.api.trades = []broker.Trade{{
		TradeID:       "T-1",
		OrderID:       "BRK-1",
		Symbol:        "RELIANCE",
		Exchange:      "NSE",
		Side:          orders.SideBuy,
		Quantity:      10,
		Price:         avg,
		FillTimestamp: "2026-08-24 10:15:00",
	}}

	f.worker.Sweep(ctx)

	// Status, execution fields and the exchange identifier converged.
	got, err := f.ordersRepo.GetByID(ctx, f.conn, local.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusComplete, got.Status)
	assert.EqualValues(t, 10, got.FilledQuantity)
	assert.EqualValues(t, 0, got.PendingQuantity)
	require.NotNil(t, got.AveragePrice)
	assert.True(t, got.AveragePrice.Equal(avg))
	require.NotNil(t, got.ExchangeOrderID)
	assert.Equal(t, "EX-1", *got.ExchangeOrderID)

	// The fill was imported and folded into the position book.
	fills, err := f.trades.ListForOrder(ctx, local.ID)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "T-1", fills[0].BrokerTradeID)

	book, err := f.posRepo.ListForAccount(ctx, 42, positions.TradingDayOf(time.Now()))
	require.NoError(t, err)
	require.Len(t, book, 1)
	assert.EqualValues(t, 10, book[0].NetQuantity())
	assert.True(t, book[0].AveragePrice().Equal(avg))

	// The correction is attributed to the worker, not a user.
	history, err := f.ordersRepo.History(ctx, local.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, "reconciliation_worker", last.Actor)
	assert.Equal(t, orders.StatusComplete, last.ToStatus)
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	local := f.seedSubmitted(t, "BRK-1", 10)

	f.api.orders = []broker.Order{{
		OrderID:        "BRK-1",
		Status:         string(orders.StatusComplete),
		Quantity:       10,
		FilledQuantity: 10,
		AveragePrice:   decimal.NewFromInt(101),
	}}
	f.api.trades = []broker.Trade{{
		TradeID: "T-1", OrderID: "BRK-1", Symbol: "RELIANCE", Exchange: "NSE",
		Side: orders.SideBuy, Quantity: 10, Price: decimal.NewFromInt(101),
	}}

	f.worker.Sweep(ctx)
	f.worker.Sweep(ctx)

	// A terminal order leaves the reconcilable set; the trade list is only
	// consulted on the first pass, and the fill is not double-applied.
	fills, err := f.trades.ListForOrder(ctx, local.ID)
	require.NoError(t, err)
	assert.Len(t, fills, 1)

	book, err := f.posRepo.ListForAccount(ctx, 42, positions.TradingDayOf(time.Now()))
	require.NoError(t, err)
	require.Len(t, book, 1)
	assert.EqualValues(t, 10, book[0].NetQuantity())
	assert.Equal(t, 1, f.api.listTradeCalls)
}

func TestSweepOneListCallPerAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSubmitted(t, "BRK-1", 10)
	f.seedSubmitted(t, "BRK-2", 5)

	// Status-only drift: quantities agree, so the trade list stays untouched.
	f.api.orders = []broker.Order{
		{OrderID: "BRK-1", Status: string(orders.StatusOpen), Quantity: 10, PendingQuantity: 10},
		{OrderID: "BRK-2", Status: string(orders.StatusOpen), Quantity: 5, PendingQuantity: 5},
	}

	f.worker.Sweep(ctx)

	assert.Equal(t, 1, f.api.listOrderCalls, "one account costs one order-list call")
	assert.Equal(t, 0, f.api.listTradeCalls, "no fill drift, no trade-list call")
}

func TestSweepRejectsConservationViolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	local := f.seedSubmitted(t, "BRK-1", 10)

	// filled + pending + cancelled != quantity: broker data is corrupt.
	f.api.orders = []broker.Order{{
		OrderID:         "BRK-1",
		Status:          string(orders.StatusComplete),
		Quantity:        10,
		FilledQuantity:  7,
		PendingQuantity: 1,
	}}

	f.worker.Sweep(ctx)

	got, err := f.ordersRepo.GetByID(ctx, f.conn, local.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusSubmitted, got.Status, "corrupt broker data must not be applied")
	assert.EqualValues(t, 0, got.FilledQuantity)
}

func TestSweepSkipsOrdersAbsentUpstream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	local := f.seedSubmitted(t, "BRK-1", 10)

	f.api.orders = nil // broker no longer lists it

	f.worker.Sweep(ctx)

	got, err := f.ordersRepo.GetByID(ctx, f.conn, local.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusSubmitted, got.Status, "absence is not evidence of a terminal state")
}
