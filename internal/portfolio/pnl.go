package portfolio

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dhan-autoexit/internal/model"
)

// Exit is an exit handed to the broker, valued at the trigger price.
// Market orders fill near but not exactly at that price, so the realized
// figure is an estimate.
type Exit struct {
	Key       model.InstrumentKey `json:"key"`
	Qty       int64               `json:"qty"`
	Entry     decimal.Decimal     `json:"entry"`
	Price     decimal.Decimal     `json:"price"`
	Reason    string              `json:"reason"`
	Timestamp time.Time           `json:"timestamp"`
}

// PnL returns (price - entry) * qty.
func (e Exit) PnL() decimal.Decimal {
	return e.Price.Sub(e.Entry).Mul(decimal.NewFromInt(e.Qty))
}

// PnLTracker accumulates estimated realized P&L for the process lifetime.
type PnLTracker struct {
	mu       sync.RWMutex
	exits    []Exit
	realized decimal.Decimal
	wins     int
	losses   int
}

// NewPnLTracker creates a new P&L tracker.
func NewPnLTracker() *PnLTracker {
	return &PnLTracker{exits: make([]Exit, 0, 64)}
}

// RecordExit adds e and returns its P&L.
func (p *PnLTracker) RecordExit(e Exit) decimal.Decimal {
	pnl := e.PnL()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.exits = append(p.exits, e)
	p.realized = p.realized.Add(pnl)
	switch pnl.Sign() {
	case 1:
		p.wins++
	case -1:
		p.losses++
	}
	return pnl
}

// Summary is a point-in-time P&L summary.
type Summary struct {
	Exits    int             `json:"exits"`
	Wins     int             `json:"wins"`
	Losses   int             `json:"losses"`
	Realized decimal.Decimal `json:"realized_estimate"`
}

func (p *PnLTracker) Summary() Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Summary{Exits: len(p.exits), Wins: p.wins, Losses: p.losses, Realized: p.realized}
}

// Exits returns a snapshot of recorded exits.
func (p *PnLTracker) Exits() []Exit {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Exit, len(p.exits))
	copy(out, p.exits)
	return out
}
