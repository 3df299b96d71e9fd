// Package positions tracks per-account holdings derived from fills. Each
// trading day gets its own row per instrument and product, holding both-side
// aggregates; net quantity, average cost and realized P&L are derived from
// them.
package positions

import (
	"time"

	"github.com/shopspring/decimal"
)

// marketTZ is the exchange timezone used to bucket fills into trading days.
var marketTZ = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.UTC
	}
	return loc
}()

// TradingDayOf buckets an instant into its exchange trading day.
func TradingDayOf(t time.Time) string {
	return t.In(marketTZ).Format("2006-01-02")
}

// Position is one (account, symbol, exchange, product, trading day) row.
//
// Buy and sell aggregates include the overnight carry-in: when a position
// rolls into a new day, the carried quantity is folded into the aggregates
// at its carried average, so the realized formula prices closures of
// overnight stock correctly. OvernightQuantity records the signed carry-in
// and DayQuantity the signed net of the day's own fills, so
// NetQuantity == OvernightQuantity + DayQuantity always holds.
type Position struct {
	ID                int64           `json:"id"`
	TradingAccountID  int64           `json:"trading_account_id"`
	Symbol            string          `json:"symbol"`
	Exchange          string          `json:"exchange"`
	Product           string          `json:"product"`
	TradingDay        string          `json:"trading_day"`
	BuyQuantity       int64           `json:"buy_quantity"`
	BuyValue          decimal.Decimal `json:"buy_value"`
	BuyPrice          decimal.Decimal `json:"buy_price"`
	SellQuantity      int64           `json:"sell_quantity"`
	SellValue         decimal.Decimal `json:"sell_value"`
	SellPrice         decimal.Decimal `json:"sell_price"`
	DayQuantity       int64           `json:"day_quantity"`
	OvernightQuantity int64           `json:"overnight_quantity"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
	TotalCharges      decimal.Decimal `json:"total_charges"`
	LastPrice         decimal.Decimal `json:"last_price"`
	IsOpen            bool            `json:"is_open"`
	ClosedAt          *time.Time      `json:"closed_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// NetQuantity is the signed open quantity: negative means short.
func (p *Position) NetQuantity() int64 {
	return p.BuyQuantity - p.SellQuantity
}

// AveragePrice is the cost basis of the open side: the buy average for a
// long, the sell average for a short, zero when flat.
func (p *Position) AveragePrice() decimal.Decimal {
	net := p.NetQuantity()
	switch {
	case net > 0:
		return p.BuyPrice
	case net < 0:
		return p.SellPrice
	}
	return decimal.Zero
}

// UnrealizedPnL is mark-to-market on the open quantity.
func (p *Position) UnrealizedPnL() decimal.Decimal {
	net := p.NetQuantity()
	if net == 0 || p.LastPrice.IsZero() {
		return decimal.Zero
	}
	return p.LastPrice.Sub(p.AveragePrice()).Mul(decimal.NewFromInt(net))
}

// MarketValue is the current notional of the open quantity.
func (p *Position) MarketValue() decimal.Decimal {
	price := p.LastPrice
	if price.IsZero() {
		price = p.AveragePrice()
	}
	return price.Mul(decimal.NewFromInt(p.NetQuantity())).Abs()
}

// NetPnL is realized plus unrealized, net of charges.
func (p *Position) NetPnL() decimal.Decimal {
	return p.RealizedPnL.Add(p.UnrealizedPnL()).Sub(p.TotalCharges)
}

// recompute refreshes the derived columns after an aggregate change:
// side averages, realized P&L on the matched quantity, and the open flag.
func (p *Position) recompute(now time.Time) {
	if p.BuyQuantity > 0 {
		p.BuyPrice = p.BuyValue.Div(decimal.NewFromInt(p.BuyQuantity))
	} else {
		p.BuyPrice = decimal.Zero
	}
	if p.SellQuantity > 0 {
		p.SellPrice = p.SellValue.Div(decimal.NewFromInt(p.SellQuantity))
	} else {
		p.SellPrice = decimal.Zero
	}

	matched := p.BuyQuantity
	if p.SellQuantity < matched {
		matched = p.SellQuantity
	}
	if matched > 0 {
		p.RealizedPnL = p.SellPrice.Sub(p.BuyPrice).Mul(decimal.NewFromInt(matched))
	} else {
		p.RealizedPnL = decimal.Zero
	}

	if p.NetQuantity() == 0 {
		if p.IsOpen {
			t := now
			p.ClosedAt = &t
		}
		p.IsOpen = false
	} else {
		p.IsOpen = true
		p.ClosedAt = nil
	}
}

// Fill is the slice of a trade the tracker consumes. TradingDay may be left
// empty; the tracker buckets it into the current exchange day.
type Fill struct {
	TradingAccountID int64
	OrderID          *int64
	Symbol           string
	Exchange         string
	Segment          string
	Product          string
	Side             string // BUY or SELL
	Quantity         int64
	Price            decimal.Decimal
	TradingDay       string
}

// Summary aggregates an account's book.
type Summary struct {
	TradingAccountID int64           `json:"trading_account_id"`
	OpenPositions    int             `json:"open_positions"`
	TotalValue       decimal.Decimal `json:"total_value"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	DayCharges       decimal.Decimal `json:"day_charges"`
}
