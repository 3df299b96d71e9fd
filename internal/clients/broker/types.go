// Package broker is the HTTP client for the upstream execution broker. Every
// call is rate-limited per trading account, wrapped in the shared circuit
// breaker, and retried on transient failures.
package broker

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// envelope is the broker's standard response wrapper.
type envelope struct {
	Status  string          `json:"status"` // "success" or "error"
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error_type,omitempty"`
}

// PlaceOrderRequest is the order payload sent upstream.
type PlaceOrderRequest struct {
	Symbol            string           `json:"tradingsymbol"`
	Exchange          string           `json:"exchange"`
	Side              string           `json:"transaction_type"`
	OrderType         string           `json:"order_type"`
	Product           string           `json:"product"`
	Validity          string           `json:"validity"`
	Variety           string           `json:"variety,omitempty"`
	Quantity          int64            `json:"quantity"`
	DisclosedQuantity int64            `json:"disclosed_quantity,omitempty"`
	Price             *decimal.Decimal `json:"price,omitempty"`
	TriggerPrice      *decimal.Decimal `json:"trigger_price,omitempty"`
	Tag               string           `json:"tag,omitempty"`
}

// ModifyOrderRequest carries the mutable fields of an open order.
type ModifyOrderRequest struct {
	Quantity     *int64           `json:"quantity,omitempty"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	TriggerPrice *decimal.Decimal `json:"trigger_price,omitempty"`
	OrderType    *string          `json:"order_type,omitempty"`
	Validity     *string          `json:"validity,omitempty"`
}

// OrderRef is the broker's acknowledgement of a mutation.
type OrderRef struct {
	OrderID string `json:"order_id"`
}

// Order is the broker's view of an order, used during reconciliation.
type Order struct {
	OrderID           string          `json:"order_id"`
	ExchangeOrderID   string          `json:"exchange_order_id"`
	Status            string          `json:"status"`
	StatusMessage     string          `json:"status_message"`
	Symbol            string          `json:"tradingsymbol"`
	Exchange          string          `json:"exchange"`
	Side              string          `json:"transaction_type"`
	OrderType         string          `json:"order_type"`
	Product           string          `json:"product"`
	Quantity          int64           `json:"quantity"`
	FilledQuantity    int64           `json:"filled_quantity"`
	PendingQuantity   int64           `json:"pending_quantity"`
	CancelledQuantity int64           `json:"cancelled_quantity"`
	Price             decimal.Decimal `json:"price"`
	TriggerPrice      decimal.Decimal `json:"trigger_price"`
	AveragePrice      decimal.Decimal `json:"average_price"`
	OrderTimestamp    string          `json:"order_timestamp"`
	Tag               string          `json:"tag"`
}

// Trade is one fill reported by the broker.
type Trade struct {
	TradeID       string          `json:"trade_id"`
	OrderID       string          `json:"order_id"`
	Symbol        string          `json:"tradingsymbol"`
	Exchange      string          `json:"exchange"`
	Side          string          `json:"transaction_type"`
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `json:"average_price"`
	FillTimestamp string          `json:"fill_timestamp"`
}

// Position is the broker's view of an open position.
type Position struct {
	Symbol       string          `json:"tradingsymbol"`
	Exchange     string          `json:"exchange"`
	Product      string          `json:"product"`
	Quantity     int64           `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	LastPrice    decimal.Decimal `json:"last_price"`
	PnL          decimal.Decimal `json:"pnl"`
}

// Holding is one demat holding.
type Holding struct {
	Symbol          string          `json:"tradingsymbol"`
	Exchange        string          `json:"exchange"`
	ISIN            string          `json:"isin"`
	Quantity        int64           `json:"quantity"`
	AveragePrice    decimal.Decimal `json:"average_price"`
	LastPrice       decimal.Decimal `json:"last_price"`
	InstrumentToken int64           `json:"instrument_token"`
}

// Margins is the funds summary for an account.
type Margins struct {
	AvailableCash   decimal.Decimal `json:"available_cash"`
	UsedMargin      decimal.Decimal `json:"used_margin"`
	AvailableMargin decimal.Decimal `json:"available_margin"`
	Collateral      decimal.Decimal `json:"collateral"`
}

// MarginRequest describes one prospective order for the margin calculator.
type MarginRequest struct {
	Symbol       string           `json:"tradingsymbol"`
	Exchange     string           `json:"exchange"`
	Side         string           `json:"transaction_type"`
	OrderType    string           `json:"order_type"`
	Product      string           `json:"product"`
	Variety      string           `json:"variety,omitempty"`
	Quantity     int64            `json:"quantity"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	TriggerPrice *decimal.Decimal `json:"trigger_price,omitempty"`
}

// MarginResult is the required margin for one prospective order.
type MarginResult struct {
	Symbol   string          `json:"tradingsymbol"`
	Exchange string          `json:"exchange"`
	SPAN     decimal.Decimal `json:"span"`
	Exposure decimal.Decimal `json:"exposure"`
	Charges  decimal.Decimal `json:"additional"`
	Total    decimal.Decimal `json:"total"`
}

// BasketMarginResult is the margin for a basket, with the netting benefit
// the broker grants across its legs.
type BasketMarginResult struct {
	Initial decimal.Decimal `json:"initial_total"`
	Final   decimal.Decimal `json:"final_total"`
	Orders  []MarginResult  `json:"orders"`
}

// Candle is one historical bar.
type Candle struct {
	Timestamp string          `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
}

// GTTLeg is one contingent order inside a trigger.
type GTTLeg struct {
	Side      string          `json:"transaction_type"`
	Quantity  int64           `json:"quantity"`
	OrderType string          `json:"order_type"`
	Product   string          `json:"product"`
	Price     decimal.Decimal `json:"price"`
}

// GTTRequest creates or replaces a good-till-triggered order.
type GTTRequest struct {
	Symbol        string            `json:"tradingsymbol"`
	Exchange      string            `json:"exchange"`
	TriggerType   string            `json:"trigger_type"` // "single" or "two-leg"
	TriggerValues []decimal.Decimal `json:"trigger_values"`
	LastPrice     decimal.Decimal   `json:"last_price"`
	Orders        []GTTLeg          `json:"orders"`
}

// GTT is the broker's view of a trigger.
type GTT struct {
	ID            int64             `json:"id"`
	Status        string            `json:"status"`
	Symbol        string            `json:"tradingsymbol"`
	Exchange      string            `json:"exchange"`
	TriggerType   string            `json:"trigger_type"`
	TriggerValues []decimal.Decimal `json:"trigger_values"`
	LastPrice     decimal.Decimal   `json:"last_price"`
	Orders        []GTTLeg          `json:"orders"`
	CreatedAt     string            `json:"created_at"`
}

// Quote is a point-in-time snapshot for one instrument.
type Quote struct {
	InstrumentToken int64           `json:"instrument_token"`
	LastPrice       decimal.Decimal `json:"last_price"`
	Volume          int64           `json:"volume"`
	OHLC            struct {
		Open  decimal.Decimal `json:"open"`
		High  decimal.Decimal `json:"high"`
		Low   decimal.Decimal `json:"low"`
		Close decimal.Decimal `json:"close"`
	} `json:"ohlc"`
}
