package model

import "github.com/shopspring/decimal"

// Quotes maps an instrument to its last traded price at one resolution instant.
// A missing key means the price is unknown for this tick, never zero.
type Quotes map[InstrumentKey]decimal.Decimal

// LTP returns the last traded price for k, if the upstream returned one.
func (q Quotes) LTP(k InstrumentKey) (decimal.Decimal, bool) {
	p, ok := q[k]
	return p, ok
}
