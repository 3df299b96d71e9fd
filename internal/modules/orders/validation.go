package orders

import (
	"github.com/shopspring/decimal"

	"github.com/tradeforge/oms/internal/domain"
)

// PlaceOrderInput is the request body for order placement.
type PlaceOrderInput struct {
	TradingAccountID  int64            `json:"trading_account_id"`
	Symbol            string           `json:"symbol"`
	Exchange          string           `json:"exchange"`
	Side              string           `json:"side"`
	OrderType         string           `json:"order_type"`
	Product           string           `json:"product"`
	Validity          string           `json:"validity"`
	Quantity          int64            `json:"quantity"`
	DisclosedQuantity int64            `json:"disclosed_quantity,omitempty"`
	Price             *decimal.Decimal `json:"price,omitempty"`
	TriggerPrice      *decimal.Decimal `json:"trigger_price,omitempty"`
	StrategyID        *int64           `json:"strategy_id,omitempty"`
	PortfolioID       *int64           `json:"portfolio_id,omitempty"`
	Source            string           `json:"source,omitempty"`
	Variety           string           `json:"variety,omitempty"`
	Tag               string           `json:"tag,omitempty"`
}

// ModifyOrderInput is the request body for order modification. Only set
// fields are forwarded.
type ModifyOrderInput struct {
	Quantity     *int64           `json:"quantity,omitempty"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	TriggerPrice *decimal.Decimal `json:"trigger_price,omitempty"`
	OrderType    *string          `json:"order_type,omitempty"`
	Validity     *string          `json:"validity,omitempty"`
}

var (
	validSides      = map[string]bool{SideBuy: true, SideSell: true}
	validTypes      = map[string]bool{TypeMarket: true, TypeLimit: true, TypeStop: true, TypeStopMkt: true}
	validProducts   = map[string]bool{ProductDelivery: true, ProductIntraday: true, ProductNormal: true}
	validValidities = map[string]bool{ValidityDay: true, ValidityIOC: true}
	validSources    = map[string]bool{SourceManual: true, SourceScript: true, SourceExternal: true, SourceBrokerDirect: true}
	validVarieties  = map[string]bool{VarietyRegular: true, VarietyAMO: true, VarietyIceberg: true, VarietyAuction: true}
)

// Validate performs structural validation; risk and symbol checks come later.
func (in *PlaceOrderInput) Validate() error {
	if in.TradingAccountID <= 0 {
		return domain.ValidationError("trading_account_id is required")
	}
	if in.Symbol == "" {
		return domain.ValidationError("symbol is required")
	}
	if in.Exchange == "" {
		return domain.ValidationError("exchange is required")
	}
	if !validSides[in.Side] {
		return domain.ValidationErrorf("invalid side %q", in.Side)
	}
	if !validTypes[in.OrderType] {
		return domain.ValidationErrorf("invalid order_type %q", in.OrderType)
	}
	if !validProducts[in.Product] {
		return domain.ValidationErrorf("invalid product %q", in.Product)
	}
	if in.Validity == "" {
		in.Validity = ValidityDay
	}
	if !validValidities[in.Validity] {
		return domain.ValidationErrorf("invalid validity %q", in.Validity)
	}
	if in.Quantity <= 0 {
		return domain.ValidationError("quantity must be positive")
	}
	if in.DisclosedQuantity < 0 || in.DisclosedQuantity > in.Quantity {
		return domain.ValidationError("disclosed_quantity must be between 0 and quantity")
	}
	if in.Source == "" {
		in.Source = SourceManual
	}
	if !validSources[in.Source] {
		return domain.ValidationErrorf("invalid source %q", in.Source)
	}
	if in.Variety == "" {
		in.Variety = VarietyRegular
	}
	if !validVarieties[in.Variety] {
		return domain.ValidationErrorf("invalid variety %q", in.Variety)
	}
	if in.StrategyID != nil && *in.StrategyID <= 0 {
		return domain.ValidationError("strategy_id must be positive")
	}
	if in.PortfolioID != nil && *in.PortfolioID <= 0 {
		return domain.ValidationError("portfolio_id must be positive")
	}

	switch in.OrderType {
	case TypeLimit:
		if in.Price == nil || !in.Price.IsPositive() {
			return domain.ValidationError("limit orders require a positive price")
		}
	case TypeMarket:
		if in.Price != nil {
			return domain.ValidationError("market orders must not carry a price")
		}
	case TypeStop:
		if in.Price == nil || !in.Price.IsPositive() {
			return domain.ValidationError("stop-limit orders require a positive price")
		}
		if in.TriggerPrice == nil || !in.TriggerPrice.IsPositive() {
			return domain.ValidationError("stop orders require a positive trigger_price")
		}
	case TypeStopMkt:
		if in.TriggerPrice == nil || !in.TriggerPrice.IsPositive() {
			return domain.ValidationError("stop orders require a positive trigger_price")
		}
	}

	return nil
}

// Validate checks a modification request carries at least one change and
// that set fields are sane.
func (in *ModifyOrderInput) Validate() error {
	if in.Quantity == nil && in.Price == nil && in.TriggerPrice == nil && in.OrderType == nil && in.Validity == nil {
		return domain.ValidationError("modification must change at least one field")
	}
	if in.Quantity != nil && *in.Quantity <= 0 {
		return domain.ValidationError("quantity must be positive")
	}
	if in.Price != nil && !in.Price.IsPositive() {
		return domain.ValidationError("price must be positive")
	}
	if in.TriggerPrice != nil && !in.TriggerPrice.IsPositive() {
		return domain.ValidationError("trigger_price must be positive")
	}
	if in.OrderType != nil && !validTypes[*in.OrderType] {
		return domain.ValidationErrorf("invalid order_type %q", *in.OrderType)
	}
	if in.Validity != nil && !validValidities[*in.Validity] {
		return domain.ValidationErrorf("invalid validity %q", *in.Validity)
	}
	return nil
}
