package orders

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/tradeforge/oms/internal/domain"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{"", StatusPending, true},
		{"", StatusSubmitted, false},
		{StatusPending, StatusSubmitted, true},
		{StatusPending, StatusRejected, true},
		{StatusPending, StatusCancelled, false},
		{StatusPending, StatusComplete, false},
		{StatusSubmitted, StatusOpen, true},
		{StatusSubmitted, StatusComplete, true},
		{StatusSubmitted, StatusRejected, true},
		{StatusSubmitted, StatusCancelled, true},
		{StatusSubmitted, StatusTriggerPending, true},
		{StatusSubmitted, StatusPending, false},
		{StatusOpen, StatusComplete, true},
		{StatusOpen, StatusCancelled, true},
		{StatusOpen, StatusRejected, true},
		{StatusOpen, StatusSubmitted, false},
		{StatusTriggerPending, StatusOpen, true},
		{StatusTriggerPending, StatusCancelled, true},
		{StatusTriggerPending, StatusComplete, false},
		// Terminal states admit nothing.
		{StatusComplete, StatusOpen, false},
		{StatusCancelled, StatusOpen, false},
		{StatusRejected, StatusPending, false},
	}

	for _, tt := range tests {
		got := CanTransition(tt.from, tt.to)
		assert.Equal(t, tt.want, got, "%s -> %s", tt.from, tt.to)
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(StatusComplete))
	assert.True(t, IsTerminal(StatusCancelled))
	assert.True(t, IsTerminal(StatusRejected))
	assert.False(t, IsTerminal(StatusPending))
	assert.False(t, IsTerminal(StatusSubmitted))
	assert.False(t, IsTerminal(StatusOpen))
	assert.False(t, IsTerminal(StatusTriggerPending))
}

func TestQuantityInvariant(t *testing.T) {
	o := &Order{Quantity: 100, FilledQuantity: 40, PendingQuantity: 50, CancelledQuantity: 10}
	assert.True(t, o.QuantityInvariantHolds())

	o.PendingQuantity = 60
	assert.False(t, o.QuantityInvariantHolds())
}

func TestActorFor(t *testing.T) {
	assert.Equal(t, "user:7", actorFor(domain.Caller{UserID: 7}))
	assert.Equal(t, "reconciliation_worker", actorFor(domain.SystemCaller("reconciliation_worker")))
	assert.Equal(t, "system", actorFor(domain.Caller{}))
}

func TestPlaceOrderInputValidation(t *testing.T) {
	price := decimal.NewFromInt(100)
	trigger := decimal.NewFromInt(99)

	base := func() *PlaceOrderInput {
		return &PlaceOrderInput{
			TradingAccountID: 1,
			Symbol:           "INFY",
			Exchange:         "NSE",
			Side:             SideBuy,
			OrderType:        TypeMarket,
			Product:          ProductDelivery,
			Quantity:         10,
		}
	}

	t.Run("market order valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("validity defaults to DAY", func(t *testing.T) {
		in := base()
		assert.NoError(t, in.Validate())
		assert.Equal(t, ValidityDay, in.Validity)
	})

	t.Run("limit requires price", func(t *testing.T) {
		in := base()
		in.OrderType = TypeLimit
		assert.Error(t, in.Validate())
		in.Price = &price
		assert.NoError(t, in.Validate())
	})

	t.Run("market refuses price", func(t *testing.T) {
		in := base()
		in.Price = &price
		assert.Error(t, in.Validate())
	})

	t.Run("stop limit requires price and trigger", func(t *testing.T) {
		in := base()
		in.OrderType = TypeStop
		in.Price = &price
		assert.Error(t, in.Validate())
		in.TriggerPrice = &trigger
		assert.NoError(t, in.Validate())
	})

	t.Run("stop market requires trigger only", func(t *testing.T) {
		in := base()
		in.OrderType = TypeStopMkt
		assert.Error(t, in.Validate())
		in.TriggerPrice = &trigger
		assert.NoError(t, in.Validate())
	})

	t.Run("rejects bad enums", func(t *testing.T) {
		in := base()
		in.Side = "HOLD"
		assert.Error(t, in.Validate())

		in = base()
		in.Product = "MARGIN"
		assert.Error(t, in.Validate())

		in = base()
		in.Quantity = 0
		assert.Error(t, in.Validate())
	})
}
