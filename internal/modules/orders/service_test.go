package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/oms/internal/clients/broker"
	"github.com/tradeforge/oms/internal/config"
	"github.com/tradeforge/oms/internal/database"
	"github.com/tradeforge/oms/internal/domain"
	"github.com/tradeforge/oms/internal/kv"
	"github.com/tradeforge/oms/internal/metrics"
	"github.com/tradeforge/oms/internal/ratelimit"
)

// mockBroker is an in-memory broker.API. failPlaceAt makes the Nth PlaceOrder
// call (zero-based) fail with failErr; -1 disables.
type mockBroker struct {
	mu          sync.Mutex
	placed      []broker.PlaceOrderRequest
	cancelled   []string
	modified    []string
	failPlaceAt int
	failErr     error
	margins     decimal.Decimal
}

func newMockBroker() *mockBroker {
	return &mockBroker{
		failPlaceAt: -1,
		margins:     decimal.NewFromInt(10_000_000),
	}
}

func (m *mockBroker) PlaceOrder(ctx context.Context, accountID int64, req broker.PlaceOrderRequest) (*broker.OrderRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPlaceAt >= 0 && len(m.placed) == m.failPlaceAt {
		return nil, m.failErr
	}
	m.placed = append(m.placed, req)
	return &broker.OrderRef{OrderID: fmt.Sprintf("BRK-%d", len(m.placed))}, nil
}

func (m *mockBroker) ModifyOrder(ctx context.Context, accountID int64, brokerOrderID string, req broker.ModifyOrderRequest) (*broker.OrderRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modified = append(m.modified, brokerOrderID)
	return &broker.OrderRef{OrderID: brokerOrderID}, nil
}

func (m *mockBroker) CancelOrder(ctx context.Context, accountID int64, brokerOrderID string) (*broker.OrderRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, brokerOrderID)
	return &broker.OrderRef{OrderID: brokerOrderID}, nil
}

func (m *mockBroker) ListOrders(ctx context.Context, accountID int64) ([]broker.Order, error) {
	return nil, nil
}
func (m *mockBroker) ListTrades(ctx context.Context, accountID int64) ([]broker.Trade, error) {
	return nil, nil
}
func (m *mockBroker) ListPositions(ctx context.Context, accountID int64) ([]broker.Position, error) {
	return nil, nil
}
func (m *mockBroker) ListHoldings(ctx context.Context, accountID int64) ([]broker.Holding, error) {
	return nil, nil
}
func (m *mockBroker) GetMargins(ctx context.Context, accountID int64) (*broker.Margins, error) {
	return &broker.Margins{AvailableMargin: m.margins}, nil
}
func (m *mockBroker) CalculateMargin(ctx context.Context, accountID int64, req broker.MarginRequest) (*broker.MarginResult, error) {
	return &broker.MarginResult{Symbol: req.Symbol, Exchange: req.Exchange}, nil
}
func (m *mockBroker) CalculateBasketMargin(ctx context.Context, accountID int64, reqs []broker.MarginRequest) (*broker.BasketMarginResult, error) {
	return &broker.BasketMarginResult{}, nil
}
func (m *mockBroker) GetHistorical(ctx context.Context, accountID int64, instrumentToken int64, interval string, from, to time.Time) ([]broker.Candle, error) {
	return nil, nil
}
func (m *mockBroker) PlaceGTT(ctx context.Context, accountID int64, req broker.GTTRequest) (int64, error) {
	return 1, nil
}
func (m *mockBroker) ModifyGTT(ctx context.Context, accountID int64, gttID int64, req broker.GTTRequest) (int64, error) {
	return gttID, nil
}
func (m *mockBroker) DeleteGTT(ctx context.Context, accountID int64, gttID int64) error {
	return nil
}
func (m *mockBroker) ListGTT(ctx context.Context, accountID int64) ([]broker.GTT, error) {
	return nil, nil
}
func (m *mockBroker) GetQuotes(ctx context.Context, accountID int64, tokens []int64) (map[int64]broker.Quote, error) {
	return map[int64]broker.Quote{}, nil
}

// fakeIdempotency is an in-memory Idempotency with the same claim semantics
// as the store-backed implementation.
type fakeIdempotency struct {
	mu      sync.Mutex
	records map[string]*kv.IdempotencyRecord
}

func newFakeIdempotency() *fakeIdempotency {
	return &fakeIdempotency{records: map[string]*kv.IdempotencyRecord{}}
}

func idemTestKey(userID int64, key string) string {
	return fmt.Sprintf("%d:%s", userID, key)
}

func (f *fakeIdempotency) Begin(_ context.Context, userID int64, key, fingerprint string) (bool, *kv.IdempotencyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[idemTestKey(userID, key)]
	if !ok {
		f.records[idemTestKey(userID, key)] = &kv.IdempotencyRecord{Fingerprint: fingerprint, Status: "pending"}
		return true, nil, nil
	}
	if rec.Fingerprint != fingerprint {
		return false, nil, domain.IdempotencyConflict()
	}
	if rec.Status == "pending" {
		return false, nil, domain.Conflict("request with this idempotency key is still in progress")
	}
	return false, rec, nil
}

func (f *fakeIdempotency) Complete(_ context.Context, userID int64, key, fingerprint string, httpStatus int, response json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[idemTestKey(userID, key)] = &kv.IdempotencyRecord{
		Fingerprint: fingerprint,
		Status:      "complete",
		HTTPStatus:  httpStatus,
		Response:    response,
	}
	return nil
}

func (f *fakeIdempotency) Release(_ context.Context, userID int64, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, idemTestKey(userID, key))
	return nil
}

// staticInstruments resolves every symbol to a fixed instrument at 100.
type staticInstruments struct{}

func (staticInstruments) LookupSymbol(ctx context.Context, exchange, symbol string) (*Instrument, error) {
	return &Instrument{
		Token:     256265,
		Symbol:    symbol,
		Exchange:  exchange,
		Segment:   "EQ",
		LotSize:   1,
		LastPrice: decimal.NewFromInt(100),
	}, nil
}

// recordingSubs records tick-feed intents.
type recordingSubs struct {
	mu      sync.Mutex
	ensured []string
	dropped []string
}

func (r *recordingSubs) Ensure(ctx context.Context, accountID int64, exchange, symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensured = append(r.ensured, exchange+":"+symbol)
	return nil
}

func (r *recordingSubs) DropSymbol(ctx context.Context, accountID int64, exchange, symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = append(r.dropped, exchange+":"+symbol)
	return nil
}

func testPolicy() config.PolicyConfig {
	return config.PolicyConfig{
		DailyOrderLimit:  3000,
		ResetHour:        15,
		ResetMinute:      30,
		ResetTimezone:    "Asia/Kolkata",
		MaxOrderQuantity: 10000,
		MaxOrderValue:    10_000_000,
		MarginMultiplier: 1.0,
	}
}

func newTestService(t *testing.T, api broker.API) (*Service, *Repository) {
	t.Helper()
	log := zerolog.Nop()

	db, err := database.New(database.Config{
		Path:    "file::memory:",
		Profile: database.ProfileLedger,
		Name:    "orders",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	// A single connection keeps every statement on the same in-memory database.
	db.Conn().SetMaxOpenConns(1)
	require.NoError(t, db.Migrate())

	conn := db.Conn()
	repo := NewRepository(conn)

	// The store points at a closed port: the daily counter falls back to
	// its local degraded-mode counts, which stay far under the test limit.
	store := kv.NewFromClient(redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  50 * time.Millisecond,
		ReadTimeout:  50 * time.Millisecond,
		WriteTimeout: 50 * time.Millisecond,
		MaxRetries:   -1,
	}), log)
	daily, err := ratelimit.NewDailyCounter(store, testPolicy(), log)
	require.NoError(t, err)

	svc := NewService(
		repo,
		NewTradeRepository(conn),
		NewLedgerRepository(conn),
		NewOutboxRepository(conn),
		api,
		nil, // idempotency exercised separately; empty keys skip it
		daily,
		NewRiskChecker(testPolicy(), api, nil),
		staticInstruments{},
		metrics.New(),
		log,
	)
	return svc, repo
}

func testCaller() domain.Caller {
	return domain.Caller{UserID: 7, TradingAccountID: 42, RequestID: "req-1", TraceID: "trace-1"}
}

func marketBuy(qty int64) *PlaceOrderInput {
	return &PlaceOrderInput{
		TradingAccountID: 42,
		Symbol:           "RELIANCE",
		Exchange:         "NSE",
		Side:             SideBuy,
		OrderType:        TypeMarket,
		Product:          ProductDelivery,
		Quantity:         qty,
	}
}

func TestPlaceOrderHappyPath(t *testing.T) {
	api := newMockBroker()
	svc, repo := newTestService(t, api)
	ctx := context.Background()

	res, err := svc.Place(ctx, testCaller(), marketBuy(10), "", nil)
	require.NoError(t, err)
	require.NotNil(t, res.Order)
	assert.False(t, res.Replayed)

	order := res.Order
	assert.Equal(t, StatusSubmitted, order.Status)
	require.NotNil(t, order.BrokerOrderID)
	assert.Equal(t, "BRK-1", *order.BrokerOrderID)

	// Exactly two audit rows: creation and submission, attributed to the user.
	history, err := repo.History(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)

	assert.Nil(t, history[0].FromStatus)
	assert.Equal(t, StatusPending, history[0].ToStatus)
	assert.Equal(t, "user:7", history[0].Actor)
	assert.Equal(t, "req-1", history[0].RequestID)

	require.NotNil(t, history[1].FromStatus)
	assert.Equal(t, StatusPending, *history[1].FromStatus)
	assert.Equal(t, StatusSubmitted, history[1].ToStatus)
}

func TestPlaceOrderNotifiesTickFeed(t *testing.T) {
	api := newMockBroker()
	svc, _ := newTestService(t, api)
	subs := &recordingSubs{}
	svc.SetSubscriptions(subs)

	_, err := svc.Place(context.Background(), testCaller(), marketBuy(10), "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"NSE:RELIANCE"}, subs.ensured)
}

func TestPlaceOrderPersistsAttribution(t *testing.T) {
	api := newMockBroker()
	svc, repo := newTestService(t, api)
	ctx := context.Background()

	strategy, portfolio := int64(5), int64(9)
	in := marketBuy(100)
	in.DisclosedQuantity = 20
	in.StrategyID = &strategy
	in.PortfolioID = &portfolio
	in.Source = SourceScript
	in.Variety = VarietyIceberg

	res, err := svc.Place(ctx, testCaller(), in, "", nil)
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, repo.DB(), res.Order.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 20, got.DisclosedQuantity)
	require.NotNil(t, got.StrategyID)
	assert.EqualValues(t, 5, *got.StrategyID)
	require.NotNil(t, got.PortfolioID)
	assert.EqualValues(t, 9, *got.PortfolioID)
	assert.Equal(t, SourceScript, got.Source)
	assert.Equal(t, VarietyIceberg, got.Variety)

	// The broker request carries the variety and disclosed quantity too.
	require.Len(t, api.placed, 1)
	assert.Equal(t, VarietyIceberg, api.placed[0].Variety)
	assert.EqualValues(t, 20, api.placed[0].DisclosedQuantity)
}

func TestPlaceOrderBlocksFundsForBuys(t *testing.T) {
	api := newMockBroker()
	svc, repo := newTestService(t, api)
	ctx := context.Background()

	res, err := svc.Place(ctx, testCaller(), marketBuy(10), "", nil)
	require.NoError(t, err)

	ledger := NewLedgerRepository(repo.DB())
	entries, err := ledger.ListForAccount(ctx, 42, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, EntryReserve, entries[0].EntryType)
	// The hold commits with the broker's acceptance.
	assert.Equal(t, LedgerCommitted, entries[0].Status)
	// 10 shares at the last price of 100; amounts are non-negative, the
	// entry type carries direction.
	assert.True(t, entries[0].Amount.Equal(decimal.NewFromInt(1000)), "got %s", entries[0].Amount)
	require.NotNil(t, entries[0].OrderID)
	assert.Equal(t, res.Order.ID, *entries[0].OrderID)
}

func TestPlaceOrderBrokerRejection(t *testing.T) {
	api := newMockBroker()
	api.failPlaceAt = 0
	api.failErr = domain.BrokerRejected("insufficient funds at broker")
	svc, repo := newTestService(t, api)
	ctx := context.Background()

	_, err := svc.Place(ctx, testCaller(), marketBuy(10), "", nil)
	require.Error(t, err)
	assert.Equal(t, domain.CodeBadRequest, domain.AsError(err).Code)

	// No order may be left stuck in PENDING.
	list, err := repo.List(ctx, ListFilter{TradingAccountID: 42})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, StatusRejected, list[0].Status)
	require.NotNil(t, list[0].StatusMessage)
	assert.Equal(t, "insufficient funds at broker", *list[0].StatusMessage)

	history, err := repo.History(ctx, list[0].ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, StatusRejected, history[1].ToStatus)

	// The rejection voided the hold: RESERVE moved to FAILED and a FAIL
	// entry records the void.
	ledger := NewLedgerRepository(repo.DB())
	entries, err := ledger.ListForAccount(ctx, 42, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EntryFail, entries[0].EntryType)
	assert.Equal(t, LedgerCommitted, entries[0].Status)
	assert.Equal(t, EntryReserve, entries[1].EntryType)
	assert.Equal(t, LedgerFailed, entries[1].Status)

	// FAIL entries never count toward available funds.
	net, err := ledger.CommittedNet(ctx, 42)
	require.NoError(t, err)
	assert.True(t, net.IsZero(), "got %s", net)
}

func TestPlaceOrderTransportFailureLeavesNoRow(t *testing.T) {
	api := newMockBroker()
	api.failPlaceAt = 0
	api.failErr = domain.UpstreamUnavailable("broker", nil)
	svc, repo := newTestService(t, api)
	ctx := context.Background()

	_, err := svc.Place(ctx, testCaller(), marketBuy(10), "", nil)
	require.Error(t, err)
	// A transport failure is not a rejection: the broker may never have
	// seen the order, so the caller gets a retryable 503.
	assert.Equal(t, domain.CodeServiceUnavailable, domain.AsError(err).Code)

	// The whole placement rolled back: no order row, no ledger entry.
	n, err := repo.Count(ctx, ListFilter{TradingAccountID: 42})
	require.NoError(t, err)
	assert.Zero(t, n)

	ledger := NewLedgerRepository(repo.DB())
	entries, err := ledger.ListForAccount(ctx, 42, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPlaceOrderRejectsForeignAccount(t *testing.T) {
	svc, _ := newTestService(t, newMockBroker())

	in := marketBuy(10)
	in.TradingAccountID = 99

	_, err := svc.Place(context.Background(), testCaller(), in, "", nil)
	require.Error(t, err)
	assert.Equal(t, domain.CodeForbidden, domain.AsError(err).Code)
}

func TestPlaceOrderQuantityCap(t *testing.T) {
	svc, _ := newTestService(t, newMockBroker())

	_, err := svc.Place(context.Background(), testCaller(), marketBuy(10001), "", nil)
	require.Error(t, err)
	assert.Equal(t, domain.CodeValidation, domain.AsError(err).Code)
}

func TestCancelOrder(t *testing.T) {
	api := newMockBroker()
	svc, _ := newTestService(t, api)
	ctx := context.Background()

	res, err := svc.Place(ctx, testCaller(), marketBuy(10), "", nil)
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, testCaller(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, []string{"BRK-1"}, api.cancelled)

	// Cancelling a cancelled order is a conflict, not a no-op.
	_, err = svc.Cancel(ctx, testCaller(), res.Order.ID)
	require.Error(t, err)
	de := domain.AsError(err)
	assert.Equal(t, domain.CodeConflict, de.Code)
	assert.Contains(t, de.Message, "already CANCELLED")
}

func TestCancelReleasesPendingIntoCancelled(t *testing.T) {
	api := newMockBroker()
	svc, repo := newTestService(t, api)
	ctx := context.Background()

	res, err := svc.Place(ctx, testCaller(), marketBuy(10), "", nil)
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, testCaller(), res.Order.ID)
	require.NoError(t, err)

	// Nothing filled, so the whole book moves to cancelled and the
	// conservation invariant still holds.
	got, err := repo.GetByID(ctx, repo.DB(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.EqualValues(t, 10, got.CancelledQuantity)
	assert.Zero(t, got.PendingQuantity)
	assert.True(t, got.QuantityInvariantHolds())
	require.NotNil(t, got.CompletedAt)
}

func TestTerminalStatusStampsCompletedAt(t *testing.T) {
	api := newMockBroker()
	svc, repo := newTestService(t, api)
	ctx := context.Background()
	caller := testCaller()

	res, err := svc.Place(ctx, caller, marketBuy(10), "", nil)
	require.NoError(t, err)
	orderID := res.Order.ID

	// Working statuses carry no completion time.
	require.NoError(t, database.WithTransaction(repo.DB(), func(tx *sql.Tx) error {
		return repo.UpdateStatus(ctx, tx, orderID, StatusSubmitted, StatusOpen, nil, caller)
	}))
	got, err := repo.GetByID(ctx, repo.DB(), orderID)
	require.NoError(t, err)
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, database.WithTransaction(repo.DB(), func(tx *sql.Tx) error {
		return repo.UpdateStatus(ctx, tx, orderID, StatusOpen, StatusComplete, nil, caller)
	}))
	got, err = repo.GetByID(ctx, repo.DB(), orderID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	assert.False(t, got.CompletedAt.IsZero())
}

func TestPlaceIdempotentReplay(t *testing.T) {
	api := newMockBroker()
	svc, repo := newTestService(t, api)
	svc.idempotency = newFakeIdempotency()
	ctx := context.Background()
	body := []byte(`{"symbol":"RELIANCE","side":"BUY","quantity":10}`)

	first, err := svc.Place(ctx, testCaller(), marketBuy(10), "key-1", body)
	require.NoError(t, err)
	require.False(t, first.Replayed)

	second, err := svc.Place(ctx, testCaller(), marketBuy(10), "key-1", body)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, http.StatusOK, second.Status)

	// The replay returns the stored first response byte for byte.
	want, err := json.Marshal(first.Order)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(second.Response))

	// One broker call, one row.
	assert.Len(t, api.placed, 1)
	n, err := repo.Count(ctx, ListFilter{TradingAccountID: 42})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestPlaceIdempotencyKeyReuseWithDifferentBody(t *testing.T) {
	api := newMockBroker()
	svc, _ := newTestService(t, api)
	svc.idempotency = newFakeIdempotency()
	ctx := context.Background()

	_, err := svc.Place(ctx, testCaller(), marketBuy(10), "key-1",
		[]byte(`{"symbol":"RELIANCE","side":"BUY","quantity":10}`))
	require.NoError(t, err)

	_, err = svc.Place(ctx, testCaller(), marketBuy(20), "key-1",
		[]byte(`{"symbol":"RELIANCE","side":"BUY","quantity":20}`))
	require.Error(t, err)
	de := domain.AsError(err)
	assert.Equal(t, domain.CodeValidation, de.Code)
	assert.Equal(t, http.StatusUnprocessableEntity, de.Status)

	// Only the first request reached the broker.
	assert.Len(t, api.placed, 1)
}

func TestPlaceIdempotencyPendingMarkerConflicts(t *testing.T) {
	api := newMockBroker()
	svc, _ := newTestService(t, api)
	idem := newFakeIdempotency()
	svc.idempotency = idem
	ctx := context.Background()
	body := []byte(`{"symbol":"RELIANCE","side":"BUY","quantity":10}`)

	// Another request holds the key and has not finished yet.
	fp, err := kv.Fingerprint(body)
	require.NoError(t, err)
	claimed, _, err := idem.Begin(ctx, 7, "key-1", fp)
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = svc.Place(ctx, testCaller(), marketBuy(10), "key-1", body)
	require.Error(t, err)
	assert.Equal(t, domain.CodeConflict, domain.AsError(err).Code)
	assert.Empty(t, api.placed)
}

func TestPlaceIdempotencyReleasedOnTransportFailure(t *testing.T) {
	api := newMockBroker()
	api.failPlaceAt = 0
	api.failErr = domain.UpstreamUnavailable("broker", nil)
	svc, _ := newTestService(t, api)
	svc.idempotency = newFakeIdempotency()
	ctx := context.Background()
	body := []byte(`{"symbol":"RELIANCE","side":"BUY","quantity":10}`)

	_, err := svc.Place(ctx, testCaller(), marketBuy(10), "key-1", body)
	require.Error(t, err)
	assert.Equal(t, domain.CodeServiceUnavailable, domain.AsError(err).Code)

	// The failure released the key: the retry claims it fresh instead of
	// hitting the pending marker, and succeeds once the broker is back.
	api.mu.Lock()
	api.failPlaceAt = -1
	api.mu.Unlock()

	res, err := svc.Place(ctx, testCaller(), marketBuy(10), "key-1", body)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	require.NotNil(t, res.Order)
	assert.Equal(t, StatusSubmitted, res.Order.Status)
}

func TestModifyOrder(t *testing.T) {
	api := newMockBroker()
	svc, _ := newTestService(t, api)
	ctx := context.Background()

	in := marketBuy(10)
	in.OrderType = TypeLimit
	price := decimal.NewFromInt(95)
	in.Price = &price

	res, err := svc.Place(ctx, testCaller(), in, "", nil)
	require.NoError(t, err)

	newPrice := decimal.NewFromInt(97)
	updated, err := svc.Modify(ctx, testCaller(), res.Order.ID, &ModifyOrderInput{Price: &newPrice})
	require.NoError(t, err)
	require.NotNil(t, updated.Price)
	assert.True(t, updated.Price.Equal(newPrice))
	assert.Equal(t, []string{"BRK-1"}, api.modified)
}

func TestModifyAllowedWhileWorking(t *testing.T) {
	api := newMockBroker()
	svc, repo := newTestService(t, api)
	ctx := context.Background()
	caller := testCaller()

	res, err := svc.Place(ctx, caller, marketBuy(10), "", nil)
	require.NoError(t, err)
	orderID := res.Order.ID
	qty := int64(12)

	// SUBMITTED is modifiable.
	_, err = svc.Modify(ctx, caller, orderID, &ModifyOrderInput{Quantity: &qty})
	require.NoError(t, err)

	// So is OPEN, once the exchange acknowledges.
	require.NoError(t, database.WithTransaction(repo.DB(), func(tx *sql.Tx) error {
		return repo.UpdateStatus(ctx, tx, orderID, StatusSubmitted, StatusOpen, nil, caller)
	}))
	qty = 15
	_, err = svc.Modify(ctx, caller, orderID, &ModifyOrderInput{Quantity: &qty})
	require.NoError(t, err)

	// A terminal order is not.
	require.NoError(t, database.WithTransaction(repo.DB(), func(tx *sql.Tx) error {
		return repo.UpdateStatus(ctx, tx, orderID, StatusOpen, StatusComplete, nil, caller)
	}))
	qty = 20
	_, err = svc.Modify(ctx, caller, orderID, &ModifyOrderInput{Quantity: &qty})
	require.Error(t, err)
	assert.Equal(t, domain.CodeConflict, domain.AsError(err).Code)
}

func TestModifyRequiresAChange(t *testing.T) {
	svc, _ := newTestService(t, newMockBroker())

	_, err := svc.Modify(context.Background(), testCaller(), 1, &ModifyOrderInput{})
	require.Error(t, err)
	assert.Equal(t, domain.CodeValidation, domain.AsError(err).Code)
}

func TestGetHidesOtherAccountsOrders(t *testing.T) {
	svc, _ := newTestService(t, newMockBroker())
	ctx := context.Background()

	res, err := svc.Place(ctx, testCaller(), marketBuy(10), "", nil)
	require.NoError(t, err)

	stranger := domain.Caller{UserID: 8, TradingAccountID: 77}
	_, err = svc.Get(ctx, stranger, res.Order.ID)
	require.Error(t, err)
	// Existence is hidden: not-found, not forbidden.
	assert.Equal(t, domain.CodeNotFound, domain.AsError(err).Code)
}

func TestPlaceBatchAtomicRollsBack(t *testing.T) {
	api := newMockBroker()
	api.failPlaceAt = 1
	api.failErr = domain.UpstreamUnavailable("broker", nil)
	svc, repo := newTestService(t, api)
	ctx := context.Background()

	result, err := svc.PlaceBatch(ctx, testCaller(), &BatchInput{
		TradingAccountID: 42,
		Atomic:           true,
		Orders:           []PlaceOrderInput{*marketBuy(5), *marketBuy(7), *marketBuy(9)},
	})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.RollbackPerformed)
	assert.Zero(t, result.Placed)
	assert.Equal(t, 3, result.Failed)
	require.Len(t, result.Results, 3)
	assert.Equal(t, BatchItemRolledBack, result.Results[0].Status)
	assert.Equal(t, BatchItemFailed, result.Results[1].Status)
	assert.Equal(t, BatchItemFailed, result.Results[2].Status)
	assert.Contains(t, result.Results[2].Error, "not attempted")

	// The whole transaction rolled back: no rows survive.
	n, err := repo.Count(ctx, ListFilter{TradingAccountID: 42})
	require.NoError(t, err)
	assert.Zero(t, n)

	// The order the broker accepted before the failure was cancelled upstream.
	assert.Equal(t, []string{"BRK-1"}, api.cancelled)
}

func TestPlaceBatchIndependentKeepsSurvivors(t *testing.T) {
	api := newMockBroker()
	api.failPlaceAt = 1
	api.failErr = domain.UpstreamUnavailable("broker", nil)
	svc, repo := newTestService(t, api)
	ctx := context.Background()

	result, err := svc.PlaceBatch(ctx, testCaller(), &BatchInput{
		TradingAccountID: 42,
		Orders:           []PlaceOrderInput{*marketBuy(5), *marketBuy(7)},
	})
	require.NoError(t, err)

	assert.False(t, result.RollbackPerformed)
	assert.Equal(t, 1, result.Placed)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, BatchItemPlaced, result.Results[0].Status)
	assert.Equal(t, BatchItemFailed, result.Results[1].Status)
	require.NotNil(t, result.Results[0].Order)

	// The first order stands even though the second failed.
	n, err := repo.Count(ctx, ListFilter{TradingAccountID: 42})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestPlaceBatchHappyPath(t *testing.T) {
	api := newMockBroker()
	svc, repo := newTestService(t, api)
	ctx := context.Background()

	result, err := svc.PlaceBatch(ctx, testCaller(), &BatchInput{
		TradingAccountID: 42,
		Atomic:           true,
		Orders:           []PlaceOrderInput{*marketBuy(5), *marketBuy(7)},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Placed)
	assert.Zero(t, result.Failed)
	assert.False(t, result.RollbackPerformed)
	for _, r := range result.Results {
		assert.Equal(t, BatchItemPlaced, r.Status)
		require.NotNil(t, r.Order)
		assert.Equal(t, StatusSubmitted, r.Order.Status)
		assert.NotNil(t, r.Order.BrokerOrderID)
	}

	n, err := repo.Count(ctx, ListFilter{TradingAccountID: 42})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestPlaceBatchSizeLimit(t *testing.T) {
	svc, _ := newTestService(t, newMockBroker())

	in := &BatchInput{TradingAccountID: 42}
	for i := 0; i < MaxBatchSize+1; i++ {
		in.Orders = append(in.Orders, *marketBuy(1))
	}

	_, err := svc.PlaceBatch(context.Background(), testCaller(), in)
	require.Error(t, err)
	assert.Equal(t, domain.CodeValidation, domain.AsError(err).Code)
}
