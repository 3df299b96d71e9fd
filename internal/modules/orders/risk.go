package orders

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/oms/internal/clients/broker"
	"github.com/tradeforge/oms/internal/config"
	"github.com/tradeforge/oms/internal/domain"
)

// ExposureSource reports current exposure and the day's realized result for
// the concentration and loss-limit checks. Implemented by the positions
// tracker.
type ExposureSource interface {
	SymbolExposure(ctx context.Context, accountID int64, symbol string) (decimal.Decimal, error)
	TotalExposure(ctx context.Context, accountID int64) (decimal.Decimal, error)
	DayRealizedPnL(ctx context.Context, accountID int64) (decimal.Decimal, error)
}

// RiskChecker runs the pre-trade checks that gate every buy-side placement.
// All checks are local except the margin check, which consults the broker's
// funds endpoint.
type RiskChecker struct {
	policy    config.PolicyConfig
	brokerAPI broker.API
	exposure  ExposureSource
}

// NewRiskChecker builds the checker.
func NewRiskChecker(policy config.PolicyConfig, api broker.API, exposure ExposureSource) *RiskChecker {
	return &RiskChecker{policy: policy, brokerAPI: api, exposure: exposure}
}

// referencePrice is the price used for value-based checks: the limit price
// when present, the trigger price for stop-market orders, otherwise the
// last known price passed by the caller.
func referencePrice(in *PlaceOrderInput, lastPrice decimal.Decimal) decimal.Decimal {
	if in.Price != nil {
		return *in.Price
	}
	if in.TriggerPrice != nil {
		return *in.TriggerPrice
	}
	return lastPrice
}

// Check validates the order against policy limits. The instrument's last
// price may be zero when no quote is available, in which case value checks
// are skipped for market orders rather than blocking on a stale feed.
func (rc *RiskChecker) Check(ctx context.Context, in *PlaceOrderInput, instrument *Instrument) error {
	if rc.policy.MaxOrderQuantity > 0 && in.Quantity > int64(rc.policy.MaxOrderQuantity) {
		return domain.ValidationErrorf("quantity %d exceeds maximum %d", in.Quantity, rc.policy.MaxOrderQuantity)
	}
	if instrument.LotSize > 1 && in.Quantity%instrument.LotSize != 0 {
		return domain.ValidationErrorf("quantity %d is not a multiple of lot size %d", in.Quantity, instrument.LotSize)
	}

	if err := rc.checkDailyLoss(ctx, in.TradingAccountID); err != nil {
		return err
	}

	price := referencePrice(in, instrument.LastPrice)
	if price.IsZero() {
		return nil
	}
	orderValue := price.Mul(decimal.NewFromInt(in.Quantity))

	if rc.policy.MaxOrderValue > 0 {
		maxValue := decimal.NewFromFloat(rc.policy.MaxOrderValue)
		if orderValue.GreaterThan(maxValue) {
			return domain.ValidationErrorf("order value %s exceeds maximum %s", orderValue, maxValue)
		}
	}

	// Sells release exposure and margin; the remaining checks gate buys only.
	if in.Side != SideBuy {
		return nil
	}

	if err := rc.checkMargin(ctx, in.TradingAccountID, orderValue); err != nil {
		return err
	}
	return rc.checkExposure(ctx, in, orderValue)
}

// checkDailyLoss refuses further placements once the day's realized loss
// has reached the configured limit.
func (rc *RiskChecker) checkDailyLoss(ctx context.Context, accountID int64) error {
	if rc.policy.DailyLossLimit <= 0 || rc.exposure == nil {
		return nil
	}
	realized, err := rc.exposure.DayRealizedPnL(ctx, accountID)
	if err != nil {
		return err
	}
	limit := decimal.NewFromFloat(rc.policy.DailyLossLimit)
	if realized.IsNegative() && realized.Neg().GreaterThanOrEqual(limit) {
		return domain.ValidationErrorf("daily loss limit reached: realized %s against limit %s", realized, limit)
	}
	return nil
}

func (rc *RiskChecker) checkMargin(ctx context.Context, accountID int64, orderValue decimal.Decimal) error {
	margins, err := rc.brokerAPI.GetMargins(ctx, accountID)
	if err != nil {
		return err
	}

	available := margins.AvailableMargin
	if rc.policy.MarginMultiplier > 0 {
		available = available.Mul(decimal.NewFromFloat(rc.policy.MarginMultiplier))
	}
	if orderValue.GreaterThan(available) {
		return domain.ValidationErrorf("insufficient margin: order value %s, available %s", orderValue, available)
	}
	return nil
}

func (rc *RiskChecker) checkExposure(ctx context.Context, in *PlaceOrderInput, orderValue decimal.Decimal) error {
	if rc.exposure == nil {
		return nil
	}

	symbolExposure, err := rc.exposure.SymbolExposure(ctx, in.TradingAccountID, in.Symbol)
	if err != nil {
		return err
	}
	newSymbolExposure := symbolExposure.Add(orderValue)

	if rc.policy.MaxSymbolExposure > 0 {
		maxExposure := decimal.NewFromFloat(rc.policy.MaxSymbolExposure)
		if newSymbolExposure.GreaterThan(maxExposure) {
			return domain.ValidationErrorf("symbol exposure %s would exceed maximum %s", newSymbolExposure, maxExposure)
		}
	}

	if rc.policy.MaxConcentration > 0 {
		total, err := rc.exposure.TotalExposure(ctx, in.TradingAccountID)
		if err != nil {
			return err
		}
		newTotal := total.Add(orderValue)
		if newTotal.IsPositive() {
			concentration := newSymbolExposure.Div(newTotal)
			if concentration.GreaterThan(decimal.NewFromFloat(rc.policy.MaxConcentration)) {
				return domain.ValidationErrorf("order would concentrate %s%% of exposure in %s",
					concentration.Mul(decimal.NewFromInt(100)).Round(1), in.Symbol)
			}
		}
	}

	return nil
}
