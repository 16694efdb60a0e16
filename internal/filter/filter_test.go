package filter

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"dhan-autoexit/internal/model"
)

func option() model.Position {
	return model.Position{
		SecurityID:    "49081",
		Segment:       model.SegmentNSEFNO,
		ProductType:   model.ProductIntraday,
		NetQty:        75,
		AvgPrice:      decimal.NewFromInt(100),
		TradingSymbol: "NIFTY-Oct2026-25000-CE",
		OptionRight:   model.OptionCall,
	}
}

func TestEligible_AcceptsLongIntradayOption(t *testing.T) {
	f := New([]model.Segment{model.SegmentNSEFNO, model.SegmentBSEFNO})
	assert.True(t, f.Eligible(option()))
}

func TestEligible_RejectsNonPositiveQty(t *testing.T) {
	f := New([]model.Segment{model.SegmentNSEFNO})
	for _, qty := range []int64{0, -1, -75} {
		p := option()
		p.NetQty = qty
		assert.False(t, f.Eligible(p), "qty %d", qty)
	}
}

func TestEligible_RejectsMalformedAndNonOptions(t *testing.T) {
	f := New([]model.Segment{model.SegmentNSEFNO})

	cases := map[string]func(*model.Position){
		"missing id":          func(p *model.Position) { p.SecurityID = "" },
		"delivery product":    func(p *model.Position) { p.ProductType = model.ProductCNC },
		"empty product":       func(p *model.Position) { p.ProductType = "" },
		"segment not allowed": func(p *model.Position) { p.Segment = model.SegmentBSEFNO },
		"unknown segment":     func(p *model.Position) { p.Segment = "" },
		"future": func(p *model.Position) {
			p.OptionRight = ""
			p.TradingSymbol = "NIFTY-Oct2026-FUT"
		},
		"no entry price":       func(p *model.Position) { p.AvgPrice = decimal.Zero },
		"negative entry price": func(p *model.Position) { p.AvgPrice = decimal.NewFromInt(-5) },
		"no symbol no right": func(p *model.Position) {
			p.OptionRight = ""
			p.TradingSymbol = ""
		},
	}
	for name, mutate := range cases {
		p := option()
		mutate(&p)
		assert.False(t, f.Eligible(p), name)
	}
}

func TestIsOption_SymbolFallback(t *testing.T) {
	p := option()
	p.OptionRight = ""
	p.TradingSymbol = " banknifty25oct52000pe "
	assert.True(t, IsOption(p))

	p.TradingSymbol = "SENSEX 85000 CE"
	assert.True(t, IsOption(p))

	// The suffix match is literal, so an equity symbol ending in CE counts.
	p.TradingSymbol = "RELIANCE"
	assert.True(t, IsOption(p))

	p.TradingSymbol = "NIFTY-Oct2026-FUT"
	assert.False(t, IsOption(p))

	p.OptionRight = model.OptionPut
	assert.True(t, IsOption(p), "option right wins over the symbol")
}

func TestSelect_PreservesOrder(t *testing.T) {
	f := New([]model.Segment{model.SegmentNSEFNO})

	a, b, c := option(), option(), option()
	a.SecurityID, b.SecurityID, c.SecurityID = "3", "1", "2"
	b.NetQty = 0

	got := f.Select([]model.Position{a, b, c})
	if assert.Len(t, got, 2) {
		assert.Equal(t, "3", got[0].SecurityID)
		assert.Equal(t, "2", got[1].SecurityID)
	}
}
