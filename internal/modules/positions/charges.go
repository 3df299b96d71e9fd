package positions

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Charges itemizes the statutory and brokerage cost of one trade.
type Charges struct {
	Brokerage      decimal.Decimal `json:"brokerage"`
	STT            decimal.Decimal `json:"stt"`
	ExchangeCharge decimal.Decimal `json:"exchange_charge"`
	GST            decimal.Decimal `json:"gst"`
	SEBIFee        decimal.Decimal `json:"sebi_fee"`
	StampDuty      decimal.Decimal `json:"stamp_duty"`
	Total          decimal.Decimal `json:"total"`
}

// Charge schedule for NSE/BSE. Rates are fractions of turnover; options
// turnover is premium.
var (
	brokerageFlat   = decimal.NewFromInt(20)                // intraday cap, flat per order on derivatives
	brokerageRate   = decimal.RequireFromString("0.0003")   // 0.03% equity intraday
	sttDeliveryRate = decimal.RequireFromString("0.001")    // 0.1% both sides
	sttIntradaySell = decimal.RequireFromString("0.00025")  // 0.025% sell side only
	sttFuturesSell  = decimal.RequireFromString("0.000125") // 0.0125% sell side only
	sttOptionsSell  = decimal.RequireFromString("0.000625") // 0.0625% of premium, sell side only

	exchangeEquityRate  = decimal.RequireFromString("0.0000297")
	exchangeFuturesRate = decimal.RequireFromString("0.0000173")
	exchangeOptionsRate = decimal.RequireFromString("0.0003503")

	gstRate  = decimal.RequireFromString("0.18")
	sebiRate = decimal.RequireFromString("0.000001")

	stampDeliveryRate = decimal.RequireFromString("0.00015") // buy side only
	stampIntradayRate = decimal.RequireFromString("0.00003") // buy side only
	stampFuturesRate  = decimal.RequireFromString("0.00002") // buy side only
	stampOptionsRate  = decimal.RequireFromString("0.00003") // buy side only
)

// CalculateCharges computes the cost of one fill. Brokerage is three-way:
// flat per order on derivatives, zero on equity delivery (CNC), and 0.03%
// capped at the flat amount on equity intraday. STT, exchange and stamp
// rates follow the segment.
func CalculateCharges(segment, product, side string, quantity int64, price decimal.Decimal) Charges {
	turnover := price.Mul(decimal.NewFromInt(quantity))
	buy := side == "BUY"

	var c Charges

	switch {
	case strings.HasSuffix(segment, "-FUT"):
		c.Brokerage = brokerageFlat
		if !buy {
			c.STT = turnover.Mul(sttFuturesSell)
		}
		c.ExchangeCharge = turnover.Mul(exchangeFuturesRate)
		if buy {
			c.StampDuty = turnover.Mul(stampFuturesRate)
		}

	case strings.HasSuffix(segment, "-OPT"):
		c.Brokerage = brokerageFlat
		if !buy {
			c.STT = turnover.Mul(sttOptionsSell)
		}
		c.ExchangeCharge = turnover.Mul(exchangeOptionsRate)
		if buy {
			c.StampDuty = turnover.Mul(stampOptionsRate)
		}

	default: // cash equity
		delivery := product == "CNC"
		if !delivery {
			c.Brokerage = decimal.Min(brokerageFlat, turnover.Mul(brokerageRate))
		}
		if delivery {
			c.STT = turnover.Mul(sttDeliveryRate)
		} else if !buy {
			c.STT = turnover.Mul(sttIntradaySell)
		}
		c.ExchangeCharge = turnover.Mul(exchangeEquityRate)
		if buy {
			if delivery {
				c.StampDuty = turnover.Mul(stampDeliveryRate)
			} else {
				c.StampDuty = turnover.Mul(stampIntradayRate)
			}
		}
	}

	c.GST = c.Brokerage.Add(c.ExchangeCharge).Mul(gstRate)
	c.SEBIFee = turnover.Mul(sebiRate)

	c.Total = c.Brokerage.
		Add(c.STT).
		Add(c.ExchangeCharge).
		Add(c.GST).
		Add(c.SEBIFee).
		Add(c.StampDuty).
		Round(2)
	return c
}
