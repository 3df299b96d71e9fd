package orders

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/oms/internal/domain"
)

// fakeExposure answers the exposure questions with fixed values.
type fakeExposure struct {
	symbol   decimal.Decimal
	total    decimal.Decimal
	realized decimal.Decimal
}

func (f fakeExposure) SymbolExposure(ctx context.Context, accountID int64, symbol string) (decimal.Decimal, error) {
	return f.symbol, nil
}
func (f fakeExposure) TotalExposure(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	return f.total, nil
}
func (f fakeExposure) DayRealizedPnL(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	return f.realized, nil
}

func derivativeInstrument(lotSize int64) *Instrument {
	return &Instrument{
		Token:     53179655,
		Symbol:    "NIFTY26AUGFUT",
		Exchange:  "NFO",
		Segment:   "NFO-FUT",
		LotSize:   lotSize,
		LastPrice: decimal.NewFromInt(100),
	}
}

func TestRiskRejectsBrokenLots(t *testing.T) {
	rc := NewRiskChecker(testPolicy(), newMockBroker(), nil)
	ctx := context.Background()

	in := marketBuy(30)
	err := rc.Check(ctx, in, derivativeInstrument(50))
	require.Error(t, err)
	de := domain.AsError(err)
	assert.Equal(t, domain.CodeValidation, de.Code)
	assert.Contains(t, de.Message, "lot size")

	in = marketBuy(100)
	assert.NoError(t, rc.Check(ctx, in, derivativeInstrument(50)))

	// Equity lots of one accept any quantity.
	in = marketBuy(37)
	assert.NoError(t, rc.Check(ctx, in, derivativeInstrument(1)))
}

func TestRiskDailyLossLimit(t *testing.T) {
	policy := testPolicy()
	policy.DailyLossLimit = 5000
	ctx := context.Background()

	bleeding := fakeExposure{realized: decimal.NewFromInt(-5000)}
	rc := NewRiskChecker(policy, newMockBroker(), bleeding)
	err := rc.Check(ctx, marketBuy(10), derivativeInstrument(1))
	require.Error(t, err)
	de := domain.AsError(err)
	assert.Equal(t, domain.CodeValidation, de.Code)
	assert.Contains(t, de.Message, "daily loss limit")

	// Under the limit, or in profit, placements flow.
	rc = NewRiskChecker(policy, newMockBroker(), fakeExposure{realized: decimal.NewFromInt(-4999)})
	assert.NoError(t, rc.Check(ctx, marketBuy(10), derivativeInstrument(1)))

	rc = NewRiskChecker(policy, newMockBroker(), fakeExposure{realized: decimal.NewFromInt(12000)})
	assert.NoError(t, rc.Check(ctx, marketBuy(10), derivativeInstrument(1)))
}

func TestRiskMarginCheck(t *testing.T) {
	api := newMockBroker()
	api.margins = decimal.NewFromInt(500)
	rc := NewRiskChecker(testPolicy(), api, nil)

	// 10 shares at 100 needs 1000 against 500 available.
	err := rc.Check(context.Background(), marketBuy(10), derivativeInstrument(1))
	require.Error(t, err)
	assert.Contains(t, domain.AsError(err).Message, "insufficient margin")

	// Sells release margin; they pass the same book.
	sell := marketBuy(10)
	sell.Side = SideSell
	assert.NoError(t, rc.Check(context.Background(), sell, derivativeInstrument(1)))
}
