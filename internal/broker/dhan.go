// Package broker adapts the Dhan REST client to the model port interfaces
// used by the monitoring loop.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"dhan-autoexit/internal/model"
	"dhan-autoexit/pkg/dhan"
)

// Client is the subset of *dhan.Client the adapter needs.
type Client interface {
	Positions(ctx context.Context) ([]json.RawMessage, error)
	LTP(ctx context.Context, instruments map[string][]any) (*dhan.LTPResponse, error)
	PlaceOrder(ctx context.Context, req dhan.OrderRequest) (*dhan.OrderResponse, error)
}

// Dhan implements model.PositionSource, model.QuoteService and model.OrderService.
type Dhan struct {
	client Client
	log    *zap.Logger
}

var (
	_ model.PositionSource = (*Dhan)(nil)
	_ model.QuoteService   = (*Dhan)(nil)
	_ model.OrderService   = (*Dhan)(nil)
)

func New(client Client, log *zap.Logger) *Dhan {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dhan{client: client, log: log.Named("broker")}
}

// ---- positions ----

// OpenPositions fetches the position book. Entries that are not JSON objects,
// or that lack a security id, are skipped.
func (d *Dhan) OpenPositions(ctx context.Context) ([]model.Position, error) {
	raw, err := d.client.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}

	out := make([]model.Position, 0, len(raw))
	for i, entry := range raw {
		var wire dhan.Position
		if err := json.Unmarshal(entry, &wire); err != nil {
			d.log.Debug("skip malformed position", zap.Int("index", i), zap.ByteString("raw", dhan.Compact(entry)))
			continue
		}
		p, ok := toPosition(wire)
		if !ok {
			d.log.Debug("skip position without id", zap.Int("index", i), zap.ByteString("raw", dhan.Compact(entry)))
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func toPosition(w dhan.Position) (model.Position, bool) {
	id := strings.TrimSpace(w.SecurityID.String())
	if id == "" {
		return model.Position{}, false
	}

	avg := entryPrice(w)
	strike, _ := model.ParsePrice(w.DrvStrikePrice.String())

	return model.Position{
		SecurityID:    id,
		Segment:       model.Segment(strings.TrimSpace(w.ExchangeSegment.String())),
		ProductType:   model.ProductType(strings.ToUpper(strings.TrimSpace(w.ProductType.String()))),
		NetQty:        model.ParseQty(w.NetQty.String()),
		AvgPrice:      avg,
		TradingSymbol: strings.TrimSpace(w.TradingSymbol.String()),
		Expiry:        parseExpiry(w.DrvExpiryDate.String()),
		OptionRight:   model.OptionRight(strings.ToUpper(strings.TrimSpace(w.DrvOptionType.String()))),
		Strike:        strike,
	}, true
}

// entryPrice prefers buyAvg and falls back to costPrice. It returns zero
// when neither is a positive number; the filter treats that as ineligible.
func entryPrice(w dhan.Position) decimal.Decimal {
	for _, v := range []string{w.BuyAvg.String(), w.CostPrice.String()} {
		if d, ok := model.ParsePrice(v); ok && d.IsPositive() {
			return d
		}
	}
	return decimal.Zero
}

var expiryLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02",
}

var ist = time.FixedZone("IST", 5*3600+1800)

// parseExpiry reads Dhan's drvExpiryDate. Unknown formats and the
// "0001-01-01" placeholder used for non-derivatives yield the zero time.
func parseExpiry(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range expiryLayouts {
		t, err := time.ParseInLocation(layout, s, ist)
		if err != nil {
			continue
		}
		if t.Year() <= 1 {
			return time.Time{}
		}
		return t
	}
	return time.Time{}
}

// ---- quotes ----

// LTP fetches last traded prices for ids in one segment with a single request.
// Ids that parse as integers are sent as numbers, others as text.
func (d *Dhan) LTP(ctx context.Context, segment model.Segment, ids []string) (map[string]decimal.Decimal, error) {
	if len(ids) == 0 {
		return map[string]decimal.Decimal{}, nil
	}
	wireIDs := make([]any, 0, len(ids))
	for _, id := range ids {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			wireIDs = append(wireIDs, n)
		} else {
			wireIDs = append(wireIDs, id)
		}
	}

	resp, err := d.client.LTP(ctx, map[string][]any{string(segment): wireIDs})
	if err != nil {
		return nil, fmt.Errorf("ltp %s: %w", segment, err)
	}

	out := make(map[string]decimal.Decimal, len(ids))
	for id, entry := range resp.Data[string(segment)] {
		px, ok := model.ParsePrice(entry.LastPrice.String())
		if !ok {
			d.log.Debug("skip unparsable ltp", zap.String("segment", string(segment)),
				zap.String("security_id", id), zap.String("last_price", entry.LastPrice.String()))
			continue
		}
		out[id] = px
	}
	return out, nil
}

// ---- orders ----

// Dhan order statuses that mean no order is working at the exchange.
const statusRejected = "REJECTED"

// PlaceOrder submits req once. A 4xx answer or a REJECTED status wraps
// model.ErrOrderRejected; transport failures and 5xx are returned as is,
// since the order may have reached the exchange.
func (d *Dhan) PlaceOrder(ctx context.Context, req model.ExitOrderRequest) (model.OrderResult, error) {
	wire := toOrderRequest(req)

	resp, err := d.client.PlaceOrder(ctx, wire)
	if err != nil {
		var apiErr *dhan.APIError
		if errors.As(err, &apiErr) && apiErr.Refused() {
			return model.OrderResult{Status: statusRejected, Message: apiErr.ErrorMessage},
				fmt.Errorf("%w: %w", model.ErrOrderRejected, err)
		}
		return model.OrderResult{}, fmt.Errorf("place order: %w", err)
	}

	res := model.OrderResult{OrderID: resp.OrderID, Status: strings.ToUpper(resp.OrderStatus), Message: resp.Raw}
	if res.Status == statusRejected {
		return res, fmt.Errorf("%w: order %s status %s", model.ErrOrderRejected, resp.OrderID, resp.OrderStatus)
	}
	return res, nil
}

func toOrderRequest(req model.ExitOrderRequest) dhan.OrderRequest {
	wire := dhan.OrderRequest{
		CorrelationID:   req.CorrelationID,
		TransactionType: req.TransactionType,
		ExchangeSegment: string(req.Segment),
		ProductType:     string(req.ProductType),
		OrderType:       req.OrderType,
		Validity:        req.Validity,
		TradingSymbol:   req.TradingSymbol,
		SecurityID:      req.SecurityID,
		Quantity:        req.Quantity,
		DrvOptionType:   string(req.OptionRight),
	}
	if !req.Expiry.IsZero() {
		wire.DrvExpiryDate = model.DateOnly(req.Expiry).Format("2006-01-02")
	}
	if !req.Strike.IsZero() {
		wire.DrvStrikePrice = req.Strike.InexactFloat64()
	}
	return wire
}
