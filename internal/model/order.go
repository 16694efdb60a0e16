package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

const (
	TransactionSell = "SELL"
	OrderTypeMarket = "MARKET"
	ValidityDay     = "DAY"
)

// ErrOrderRejected marks a submission the broker answered with a rejection.
// No order exists at the broker when this error is returned.
var ErrOrderRejected = errors.New("order rejected by broker")

// ExitOrderRequest is a normalized market SELL that closes one long position.
type ExitOrderRequest struct {
	CorrelationID   string          `json:"correlation_id"`
	SecurityID      string          `json:"security_id"`
	Segment         Segment         `json:"segment"`
	TradingSymbol   string          `json:"trading_symbol"`
	TransactionType string          `json:"transaction_type"` // SELL
	ProductType     ProductType     `json:"product_type"`
	OrderType       string          `json:"order_type"` // MARKET
	Validity        string          `json:"validity"`   // DAY
	Quantity        int64           `json:"quantity"`
	Expiry          time.Time       `json:"expiry,omitempty"` // calendar date, time-of-day stripped
	OptionRight     OptionRight     `json:"option_right,omitempty"`
	Strike          decimal.Decimal `json:"strike"`
}

// OrderResult is the broker's answer to an order submission.
type OrderResult struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"` // PENDING, TRANSIT, TRADED, REJECTED, ...
	Message string `json:"message,omitempty"`
}

// DateOnly strips the time-of-day from t, keeping its calendar date.
func DateOnly(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
