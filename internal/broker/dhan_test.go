package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dhan-autoexit/internal/model"
	"dhan-autoexit/pkg/dhan"
)

type fakeClient struct {
	positions []json.RawMessage
	posErr    error

	ltpReq  map[string][]any
	ltpResp *dhan.LTPResponse
	ltpErr  error

	orderReq  dhan.OrderRequest
	orderResp *dhan.OrderResponse
	orderErr  error
}

func (f *fakeClient) Positions(context.Context) ([]json.RawMessage, error) {
	return f.positions, f.posErr
}

func (f *fakeClient) LTP(_ context.Context, in map[string][]any) (*dhan.LTPResponse, error) {
	f.ltpReq = in
	return f.ltpResp, f.ltpErr
}

func (f *fakeClient) PlaceOrder(_ context.Context, req dhan.OrderRequest) (*dhan.OrderResponse, error) {
	f.orderReq = req
	return f.orderResp, f.orderErr
}

func raw(s ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(s))
	for i, v := range s {
		out[i] = json.RawMessage(v)
	}
	return out
}

func TestOpenPositions_ParsesAndSkipsNoise(t *testing.T) {
	fc := &fakeClient{positions: raw(
		`{"securityId":"49081","tradingSymbol":"NIFTY-Oct2026-25000-CE","exchangeSegment":"NSE_FNO",
		  "productType":"INTRADAY","buyAvg":101.25,"netQty":"75","drvExpiryDate":"2026-10-27 14:30:00",
		  "drvOptionType":"CALL","drvStrikePrice":25000}`,
		`"noise"`,
		`17`,
		`{"tradingSymbol":"NO-ID"}`,
		`{"securityId":1234,"exchangeSegment":"NSE_EQ","productType":"CNC","buyAvg":0,"costPrice":"55.5",
		  "netQty":"abc","drvExpiryDate":"0001-01-01"}`,
	)}
	d := New(fc, nil)

	got, err := d.OpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	p := got[0]
	assert.Equal(t, "49081", p.SecurityID)
	assert.Equal(t, model.SegmentNSEFNO, p.Segment)
	assert.Equal(t, model.ProductIntraday, p.ProductType)
	assert.Equal(t, int64(75), p.NetQty)
	assert.True(t, p.AvgPrice.Equal(decimal.RequireFromString("101.25")))
	assert.Equal(t, model.OptionCall, p.OptionRight)
	assert.True(t, p.Strike.Equal(decimal.NewFromInt(25000)))
	assert.Equal(t, 2026, p.Expiry.Year())
	assert.Equal(t, 14, p.Expiry.Hour())

	q := got[1]
	assert.Equal(t, "1234", q.SecurityID)
	assert.Equal(t, int64(0), q.NetQty)
	assert.True(t, q.AvgPrice.Equal(decimal.RequireFromString("55.5")), "cost price fallback")
	assert.True(t, q.Expiry.IsZero())
}

func TestOpenPositions_MissingEntryPriceIsZero(t *testing.T) {
	fc := &fakeClient{positions: raw(
		`{"securityId":"49081","exchangeSegment":"NSE_FNO","productType":"INTRADAY","netQty":75,"drvOptionType":"CALL"}`,
		`{"securityId":"49082","exchangeSegment":"NSE_FNO","productType":"INTRADAY","netQty":75,
		  "buyAvg":"-3","costPrice":"n/a","drvOptionType":"PUT"}`,
		`{"securityId":"49083","exchangeSegment":"NSE_FNO","productType":"INTRADAY","netQty":75,
		  "buyAvg":"","costPrice":0,"drvOptionType":"PUT"}`,
	)}

	got, err := New(fc, nil).OpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, p := range got {
		assert.True(t, p.AvgPrice.IsZero(), p.SecurityID)
	}
}

func TestOpenPositions_TransportError(t *testing.T) {
	d := New(&fakeClient{posErr: errors.New("dial tcp: timeout")}, nil)
	_, err := d.OpenPositions(context.Background())
	require.Error(t, err)
}

func TestLTP_CoercesIDsAndSkipsBadPrices(t *testing.T) {
	fc := &fakeClient{ltpResp: &dhan.LTPResponse{
		Status: "success",
		Data: map[string]map[string]dhan.LTPEntry{
			"NSE_FNO": {
				"49081": {LastPrice: "101.5"},
				"X1":    {LastPrice: ""},
			},
		},
	}}
	d := New(fc, nil)

	got, err := d.LTP(context.Background(), model.SegmentNSEFNO, []string{"49081", "X1"})
	require.NoError(t, err)

	assert.Equal(t, []any{int64(49081), "X1"}, fc.ltpReq["NSE_FNO"])
	require.Len(t, got, 1)
	assert.True(t, got["49081"].Equal(decimal.RequireFromString("101.5")))
}

func exitReq() model.ExitOrderRequest {
	return model.ExitOrderRequest{
		CorrelationID:   "c-1",
		SecurityID:      "49081",
		Segment:         model.SegmentNSEFNO,
		TradingSymbol:   "NIFTY-Oct2026-25000-CE",
		TransactionType: model.TransactionSell,
		ProductType:     model.ProductIntraday,
		OrderType:       model.OrderTypeMarket,
		Validity:        model.ValidityDay,
		Quantity:        75,
		Expiry:          time.Date(2026, 10, 27, 14, 30, 0, 0, time.UTC),
		OptionRight:     model.OptionCall,
		Strike:          decimal.NewFromInt(25000),
	}
}

func TestPlaceOrder_MapsRequest(t *testing.T) {
	fc := &fakeClient{orderResp: &dhan.OrderResponse{OrderID: "1121", OrderStatus: "pending"}}
	d := New(fc, nil)

	res, err := d.PlaceOrder(context.Background(), exitReq())
	require.NoError(t, err)
	assert.Equal(t, "1121", res.OrderID)
	assert.Equal(t, "PENDING", res.Status)

	w := fc.orderReq
	assert.Equal(t, "SELL", w.TransactionType)
	assert.Equal(t, "NSE_FNO", w.ExchangeSegment)
	assert.Equal(t, "MARKET", w.OrderType)
	assert.Equal(t, "DAY", w.Validity)
	assert.Equal(t, int64(75), w.Quantity)
	assert.Equal(t, "2026-10-27", w.DrvExpiryDate)
	assert.Equal(t, "CALL", w.DrvOptionType)
	assert.Equal(t, 25000.0, w.DrvStrikePrice)
	assert.Zero(t, w.Price)
}

func TestPlaceOrder_RejectionClassification(t *testing.T) {
	t.Run("4xx is rejected", func(t *testing.T) {
		d := New(&fakeClient{orderErr: &dhan.APIError{StatusCode: 400, ErrorCode: "DH-906"}}, nil)
		_, err := d.PlaceOrder(context.Background(), exitReq())
		require.ErrorIs(t, err, model.ErrOrderRejected)
		var apiErr *dhan.APIError
		require.ErrorAs(t, err, &apiErr)
	})
	t.Run("REJECTED status is rejected", func(t *testing.T) {
		d := New(&fakeClient{orderResp: &dhan.OrderResponse{OrderID: "9", OrderStatus: "REJECTED"}}, nil)
		res, err := d.PlaceOrder(context.Background(), exitReq())
		require.ErrorIs(t, err, model.ErrOrderRejected)
		assert.Equal(t, "9", res.OrderID)
	})
	t.Run("5xx is unknown", func(t *testing.T) {
		d := New(&fakeClient{orderErr: &dhan.APIError{StatusCode: 502}}, nil)
		_, err := d.PlaceOrder(context.Background(), exitReq())
		require.Error(t, err)
		assert.NotErrorIs(t, err, model.ErrOrderRejected)
	})
	t.Run("timeout is unknown", func(t *testing.T) {
		d := New(&fakeClient{orderErr: context.DeadlineExceeded}, nil)
		_, err := d.PlaceOrder(context.Background(), exitReq())
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.NotErrorIs(t, err, model.ErrOrderRejected)
	})
}
