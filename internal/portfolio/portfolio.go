// Package portfolio keeps the read-only view of tracked positions that the
// control API and metrics serve. The monitoring loop publishes a new view
// after every tick; HTTP handlers read it concurrently.
package portfolio

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dhan-autoexit/internal/model"
)

// Holding is one tracked position with its latest price and exit levels.
type Holding struct {
	Key           model.InstrumentKey `json:"key"`
	TradingSymbol string              `json:"trading_symbol"`
	Qty           int64               `json:"qty"`
	Entry         decimal.Decimal     `json:"entry"`
	LTP           decimal.Decimal     `json:"ltp"`
	HasLTP        bool                `json:"has_ltp"`
	Armed         bool                `json:"armed"`
	Target        decimal.Decimal     `json:"target"`
	Stop          decimal.Decimal     `json:"stop"`
	HasStop       bool                `json:"has_stop"`
	ExitPending   bool                `json:"exit_pending"`
}

// UnrealizedPnL returns (ltp - entry) * qty, zero when no price is known.
func (h Holding) UnrealizedPnL() decimal.Decimal {
	if !h.HasLTP {
		return decimal.Zero
	}
	return h.LTP.Sub(h.Entry).Mul(decimal.NewFromInt(h.Qty))
}

// Portfolio holds the latest published view.
type Portfolio struct {
	mu        sync.RWMutex
	holdings  []Holding
	updatedAt time.Time
	pnl       *PnLTracker
}

// New creates a new empty Portfolio.
func New() *Portfolio {
	return &Portfolio{pnl: NewPnLTracker()}
}

// Replace publishes the view computed by one tick. holdings keeps snapshot order.
func (pf *Portfolio) Replace(holdings []Holding, at time.Time) {
	cp := make([]Holding, len(holdings))
	copy(cp, holdings)

	pf.mu.Lock()
	pf.holdings = cp
	pf.updatedAt = at
	pf.mu.Unlock()
}

// Holdings returns a snapshot of all holdings.
func (pf *Portfolio) Holdings() []Holding {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	out := make([]Holding, len(pf.holdings))
	copy(out, pf.holdings)
	return out
}

// UpdatedAt returns when the view was last replaced.
func (pf *Portfolio) UpdatedAt() time.Time {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	return pf.updatedAt
}

// TotalUnrealizedPnL sums unrealized P&L over priced holdings.
func (pf *Portfolio) TotalUnrealizedPnL() decimal.Decimal {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	total := decimal.Zero
	for _, h := range pf.holdings {
		total = total.Add(h.UnrealizedPnL())
	}
	return total
}

// PnL returns the exit tracker.
func (pf *Portfolio) PnL() *PnLTracker { return pf.pnl }
