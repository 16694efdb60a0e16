package monitor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"dhan-autoexit/internal/filter"
	"dhan-autoexit/internal/model"
)

// Seed restricts the loop to one manually entered position. Entry and
// quantity override what the broker reports; when the broker has not
// reported the position yet and both are given, it is synthesised.
type Seed struct {
	Segment       model.Segment     `json:"segment"`
	SecurityID    string            `json:"security_id"`
	EntryPrice    *decimal.Decimal  `json:"entry,omitempty"`
	Quantity      *int64            `json:"qty,omitempty"`
	TradingSymbol string            `json:"symbol,omitempty"`
	OptionRight   model.OptionRight `json:"option_type,omitempty"`
}

func (s *Seed) Key() model.InstrumentKey {
	return model.InstrumentKey{Segment: s.Segment, SecurityID: s.SecurityID}
}

// Validate checks the seed's own fields; segment eligibility is left to the filter.
func (s *Seed) Validate() error {
	var errs []error
	if s.Segment == "" {
		errs = append(errs, errors.New("segment is required"))
	}
	if strings.TrimSpace(s.SecurityID) == "" {
		errs = append(errs, errors.New("security_id is required"))
	}
	if s.EntryPrice != nil && !s.EntryPrice.IsPositive() {
		errs = append(errs, fmt.Errorf("entry must be > 0, got %s", s.EntryPrice))
	}
	if s.Quantity != nil && *s.Quantity <= 0 {
		errs = append(errs, fmt.Errorf("qty must be > 0, got %d", *s.Quantity))
	}
	if s.OptionRight != "" && !s.OptionRight.IsOption() {
		errs = append(errs, fmt.Errorf("option_type must be CALL or PUT, got %q", s.OptionRight))
	}
	// A synthesised position must pass the option filter or the run never ends.
	if s.EntryPrice != nil && s.Quantity != nil && s.OptionRight == "" &&
		!filter.IsOption(model.Position{TradingSymbol: s.TradingSymbol}) {
		errs = append(errs, errors.New("option_type or a CE/PE symbol is required with entry and qty"))
	}
	return errors.Join(errs...)
}

// seedOutcome describes how a seed matched one snapshot.
type seedOutcome int

const (
	seedReported    seedOutcome = iota // broker reports it open
	seedSynthesised                    // built from the seed alone
	seedAbsent                         // not reported, not enough data to synthesise
	seedClosed                         // broker reports it with zero or negative quantity
)

// apply narrows positions to the seed key. Quantity overrides are capped at
// the broker's open quantity so an override can never sell more than is held.
func (s *Seed) apply(positions []model.Position) ([]model.Position, seedOutcome) {
	key := s.Key()
	for _, p := range positions {
		if p.Key() != key {
			continue
		}
		if p.NetQty <= 0 {
			return nil, seedClosed
		}
		if s.EntryPrice != nil {
			p.AvgPrice = *s.EntryPrice
		}
		if s.Quantity != nil && *s.Quantity < p.NetQty {
			p.NetQty = *s.Quantity
		}
		if p.TradingSymbol == "" {
			p.TradingSymbol = s.TradingSymbol
		}
		if p.OptionRight == "" {
			p.OptionRight = s.OptionRight
		}
		return []model.Position{p}, seedReported
	}

	if s.EntryPrice == nil || s.Quantity == nil {
		return nil, seedAbsent
	}
	return []model.Position{{
		SecurityID:    s.SecurityID,
		Segment:       s.Segment,
		ProductType:   model.ProductIntraday,
		NetQty:        *s.Quantity,
		AvgPrice:      *s.EntryPrice,
		TradingSymbol: s.TradingSymbol,
		OptionRight:   s.OptionRight,
	}}, seedSynthesised
}
