// Package orders implements the order lifecycle: placement, modification,
// cancellation, the state machine, and the append-only audit trail.
package orders

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/oms/internal/domain"
)

// Status is an order lifecycle state.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusSubmitted      Status = "SUBMITTED"
	StatusOpen           Status = "OPEN"
	StatusTriggerPending Status = "TRIGGER_PENDING"
	StatusComplete       Status = "COMPLETE"
	StatusCancelled      Status = "CANCELLED"
	StatusRejected       Status = "REJECTED"
)

// transitions is the full state machine. The empty-string key covers order
// creation: a row is born PENDING before anything is sent upstream.
var transitions = map[Status][]Status{
	"":                   {StatusPending},
	StatusPending:        {StatusSubmitted, StatusRejected},
	StatusSubmitted:      {StatusOpen, StatusComplete, StatusRejected, StatusCancelled, StatusTriggerPending},
	StatusOpen:           {StatusComplete, StatusCancelled, StatusRejected},
	StatusTriggerPending: {StatusOpen, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status admits no further transitions.
func IsTerminal(status Status) bool {
	switch status {
	case StatusComplete, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Side, order type, product and validity enumerations.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	TypeMarket    = "MARKET"
	TypeLimit     = "LIMIT"
	TypeStop      = "SL"
	TypeStopMkt   = "SL-M"

	ProductDelivery = "CNC"
	ProductIntraday = "MIS"
	ProductNormal   = "NRML"

	ValidityDay = "DAY"
	ValidityIOC = "IOC"
)

// Source tracks where a placement originated; variety distinguishes the
// regular book from after-market, iceberg and auction flows.
const (
	SourceManual       = "manual"
	SourceScript       = "script"
	SourceExternal     = "external"
	SourceBrokerDirect = "broker_direct"

	VarietyRegular = "regular"
	VarietyAMO     = "amo"
	VarietyIceberg = "iceberg"
	VarietyAuction = "auction"
)

// Order is the persisted order row.
type Order struct {
	ID                int64            `json:"id"`
	TradingAccountID  int64            `json:"trading_account_id"`
	UserID            int64            `json:"user_id"`
	BrokerOrderID     *string          `json:"broker_order_id,omitempty"`
	ExchangeOrderID   *string          `json:"exchange_order_id,omitempty"`
	Symbol            string           `json:"symbol"`
	Exchange          string           `json:"exchange"`
	Segment           string           `json:"segment"`
	Side              string           `json:"side"`
	OrderType         string           `json:"order_type"`
	Product           string           `json:"product"`
	Validity          string           `json:"validity"`
	Quantity          int64            `json:"quantity"`
	DisclosedQuantity int64            `json:"disclosed_quantity,omitempty"`
	FilledQuantity    int64            `json:"filled_quantity"`
	PendingQuantity   int64            `json:"pending_quantity"`
	CancelledQuantity int64            `json:"cancelled_quantity"`
	Price             *decimal.Decimal `json:"price,omitempty"`
	TriggerPrice      *decimal.Decimal `json:"trigger_price,omitempty"`
	AveragePrice      *decimal.Decimal `json:"average_price,omitempty"`
	Status            Status           `json:"status"`
	StatusMessage     *string          `json:"status_message,omitempty"`
	StrategyID        *int64           `json:"strategy_id,omitempty"`
	PortfolioID       *int64           `json:"portfolio_id,omitempty"`
	Source            string           `json:"source"`
	Variety           string           `json:"variety"`
	Tag               *string          `json:"tag,omitempty"`
	IdempotencyKey    *string          `json:"-"`
	PlacedBy          string           `json:"placed_by"`
	PlacedAt          time.Time        `json:"placed_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
}

// QuantityInvariantHolds checks filled + pending + cancelled == quantity.
// Violations indicate upstream data corruption and are rejected before they
// reach the database.
func (o *Order) QuantityInvariantHolds() bool {
	return o.FilledQuantity+o.PendingQuantity+o.CancelledQuantity == o.Quantity
}

// Transition is one audit row.
type Transition struct {
	ID         int64     `json:"id"`
	OrderID    int64     `json:"order_id"`
	FromStatus *Status   `json:"from_status,omitempty"`
	ToStatus   Status    `json:"to_status"`
	Reason     *string   `json:"reason,omitempty"`
	Actor      string    `json:"actor"`
	RequestID  string    `json:"request_id,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// actorFor derives the audit actor string: "user:<id>" for authenticated
// callers, the system name (e.g. "reconciliation_worker") otherwise.
func actorFor(c domain.Caller) string {
	if c.UserID != 0 {
		return fmt.Sprintf("user:%d", c.UserID)
	}
	if c.System != "" {
		return c.System
	}
	return "system"
}
