package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is one open position as reported by the broker for the current tick.
// Monitoring state is never stored here; see exitrule.TrailingState.
type Position struct {
	SecurityID    string          `json:"security_id"`
	Segment       Segment         `json:"segment"`
	ProductType   ProductType     `json:"product_type"`
	NetQty        int64           `json:"net_qty"` // positive = long, negative = short
	AvgPrice      decimal.Decimal `json:"avg_price"`
	TradingSymbol string          `json:"trading_symbol"`
	Expiry        time.Time       `json:"expiry,omitempty"` // zero when not a derivative
	OptionRight   OptionRight     `json:"option_right,omitempty"`
	Strike        decimal.Decimal `json:"strike"`
}

// Key returns the identity of this position.
func (p *Position) Key() InstrumentKey {
	return InstrumentKey{Segment: p.Segment, SecurityID: p.SecurityID}
}

// AbsQty returns the absolute net quantity.
func (p *Position) AbsQty() int64 {
	if p.NetQty < 0 {
		return -p.NetQty
	}
	return p.NetQty
}

// UnrealizedPnL computes (ltp - avg) * qty.
func (p *Position) UnrealizedPnL(ltp decimal.Decimal) decimal.Decimal {
	return ltp.Sub(p.AvgPrice).Mul(decimal.NewFromInt(p.NetQty))
}
