package portfolio

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"dhan-autoexit/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPortfolio_ReplaceAndTotals(t *testing.T) {
	pf := New()
	key := model.InstrumentKey{Segment: model.SegmentNSEFNO, SecurityID: "49081"}
	at := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

	pf.Replace([]Holding{
		{Key: key, Qty: 75, Entry: d("100"), LTP: d("101.2"), HasLTP: true},
		{Key: key, Qty: 50, Entry: d("80"), HasLTP: false},
	}, at)

	assert.True(t, pf.TotalUnrealizedPnL().Equal(d("90")))
	assert.Len(t, pf.Holdings(), 2)
	assert.Equal(t, at, pf.UpdatedAt())

	pf.Replace(nil, at.Add(time.Second))
	assert.Empty(t, pf.Holdings())
	assert.True(t, pf.TotalUnrealizedPnL().IsZero())
}

func TestPortfolio_HoldingsIsACopy(t *testing.T) {
	pf := New()
	pf.Replace([]Holding{{Qty: 1}}, time.Now())
	h := pf.Holdings()
	h[0].Qty = 99
	assert.Equal(t, int64(1), pf.Holdings()[0].Qty)
}

func TestPortfolio_ConcurrentReaders(t *testing.T) {
	pf := New()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = pf.Holdings()
				_ = pf.TotalUnrealizedPnL()
			}
		}()
	}
	for j := 0; j < 200; j++ {
		pf.Replace([]Holding{{Qty: int64(j), HasLTP: true, LTP: d("1"), Entry: d("0.5")}}, time.Now())
	}
	wg.Wait()
}

func TestPnLTracker(t *testing.T) {
	p := NewPnLTracker()
	win := p.RecordExit(Exit{Qty: 75, Entry: d("100"), Price: d("101.05"), Reason: "target_hit"})
	loss := p.RecordExit(Exit{Qty: 25, Entry: d("100"), Price: d("99"), Reason: "stop_hit"})

	assert.True(t, win.Equal(d("78.75")))
	assert.True(t, loss.Equal(d("-25")))

	s := p.Summary()
	assert.Equal(t, 2, s.Exits)
	assert.Equal(t, 1, s.Wins)
	assert.Equal(t, 1, s.Losses)
	assert.True(t, s.Realized.Equal(d("53.75")))
	assert.Len(t, p.Exits(), 2)
}
