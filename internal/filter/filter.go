// Package filter decides which broker positions the exit engine may manage.
package filter

import (
	"strings"

	"dhan-autoexit/internal/model"
)

// Filter is a pure predicate over positions. It holds only configuration.
type Filter struct {
	allowed map[model.Segment]struct{}
}

// New builds a Filter accepting the given segments.
func New(allowed []model.Segment) *Filter {
	f := &Filter{allowed: make(map[model.Segment]struct{}, len(allowed))}
	for _, s := range allowed {
		f.allowed[s] = struct{}{}
	}
	return f
}

// Eligible reports whether p is a long intraday option position in an
// allowed segment with a known entry price.
func (f *Filter) Eligible(p model.Position) bool {
	if p.SecurityID == "" {
		return false
	}
	if p.ProductType != model.ProductIntraday {
		return false
	}
	if _, ok := f.allowed[p.Segment]; !ok {
		return false
	}
	if p.NetQty <= 0 {
		return false
	}
	if !p.AvgPrice.IsPositive() {
		return false
	}
	return IsOption(p)
}

// IsOption uses the option-right field, falling back to the CE/PE symbol suffix.
func IsOption(p model.Position) bool {
	if p.OptionRight.IsOption() {
		return true
	}
	sym := strings.ToUpper(strings.TrimSpace(p.TradingSymbol))
	return strings.HasSuffix(sym, "CE") || strings.HasSuffix(sym, "PE")
}

// Select returns the eligible positions in snapshot order.
func (f *Filter) Select(positions []model.Position) []model.Position {
	out := make([]model.Position, 0, len(positions))
	for _, p := range positions {
		if f.Eligible(p) {
			out = append(out, p)
		}
	}
	return out
}
