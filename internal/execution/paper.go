package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"dhan-autoexit/internal/model"
)

// Fill is a simulated exit.
type Fill struct {
	OrderID  string                 `json:"order_id"`
	Request  model.ExitOrderRequest `json:"request"`
	FilledAt time.Time              `json:"filled_at"`
}

// PaperOrders is a model.OrderService that fills every order locally.
// Used when DRY_RUN is set: the loop runs against live positions and
// quotes, but no order reaches the exchange.
type PaperOrders struct {
	mu       sync.RWMutex
	fills    []Fill
	orderSeq int64
	log      *zap.Logger
}

var _ model.OrderService = (*PaperOrders)(nil)

func NewPaperOrders(log *zap.Logger) *PaperOrders {
	if log == nil {
		log = zap.NewNop()
	}
	return &PaperOrders{fills: make([]Fill, 0, 64), log: log.Named("paper")}
}

func (p *PaperOrders) PlaceOrder(ctx context.Context, req model.ExitOrderRequest) (model.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return model.OrderResult{}, err
	}
	if req.Quantity <= 0 {
		return model.OrderResult{Status: "REJECTED", Message: "quantity must be positive"},
			fmt.Errorf("%w: quantity %d", model.ErrOrderRejected, req.Quantity)
	}

	p.mu.Lock()
	p.orderSeq++
	orderID := fmt.Sprintf("PAPER-%d", p.orderSeq)
	p.fills = append(p.fills, Fill{OrderID: orderID, Request: req, FilledAt: time.Now()})
	p.mu.Unlock()

	p.log.Info("paper exit filled",
		zap.String("order_id", orderID),
		zap.String("instrument", model.InstrumentKey{Segment: req.Segment, SecurityID: req.SecurityID}.String()),
		zap.String("side", req.TransactionType),
		zap.Int64("qty", req.Quantity),
		zap.String("correlation_id", req.CorrelationID))

	return model.OrderResult{OrderID: orderID, Status: "TRADED", Message: "paper fill"}, nil
}

// Fills returns a snapshot of all fills.
func (p *PaperOrders) Fills() []Fill {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := make([]Fill, len(p.fills))
	copy(cp, p.fills)
	return cp
}
