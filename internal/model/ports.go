package model

import (
	"context"

	"github.com/shopspring/decimal"
)

// ── Broker Port Interfaces ──
// These decouple the monitoring loop from the concrete broker client so that
// tests can substitute in-memory fakes.

// PositionSource returns the account's open positions.
type PositionSource interface {
	// OpenPositions returns well-formed position records in broker order.
	// Malformed entries are skipped, not reported as errors.
	OpenPositions(ctx context.Context) ([]Position, error)
}

// QuoteService fetches last traded prices.
type QuoteService interface {
	// LTP fetches prices for ids in one segment with a single request.
	// The result contains only ids the upstream returned, keyed by text id.
	LTP(ctx context.Context, segment Segment, ids []string) (map[string]decimal.Decimal, error)
}

// OrderService submits orders to the broker.
type OrderService interface {
	// PlaceOrder submits req once. A broker rejection wraps ErrOrderRejected;
	// any other error leaves the outcome unknown.
	PlaceOrder(ctx context.Context, req ExitOrderRequest) (OrderResult, error)
}
