package dhan

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Flex is a JSON scalar kept in text form. Dhan returns some numeric fields as
// strings and some string fields as numbers; Flex accepts either, and null.
// Objects and arrays decode to "".
type Flex string

func (f *Flex) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0, bytes.Equal(b, []byte("null")):
		*f = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = Flex(s)
	case b[0] == '{' || b[0] == '[':
		*f = ""
	default:
		*f = Flex(b)
	}
	return nil
}

func (f Flex) String() string { return string(f) }

// Position is one entry of GET /v2/positions.
type Position struct {
	DhanClientID     string `json:"dhanClientId"`
	TradingSymbol    Flex   `json:"tradingSymbol"`
	SecurityID       Flex   `json:"securityId"`
	PositionType     Flex   `json:"positionType"` // LONG, SHORT, CLOSED
	ExchangeSegment  Flex   `json:"exchangeSegment"`
	ProductType      Flex   `json:"productType"`
	BuyAvg           Flex   `json:"buyAvg"`
	CostPrice        Flex   `json:"costPrice"`
	BuyQty           Flex   `json:"buyQty"`
	SellQty          Flex   `json:"sellQty"`
	NetQty           Flex   `json:"netQty"`
	RealizedProfit   Flex   `json:"realizedProfit"`
	UnrealizedProfit Flex   `json:"unrealizedProfit"`
	DrvExpiryDate    Flex   `json:"drvExpiryDate"`
	DrvOptionType    Flex   `json:"drvOptionType"` // CALL, PUT
	DrvStrikePrice   Flex   `json:"drvStrikePrice"`
}

// LTPResponse is the body of POST /v2/marketfeed/ltp.
type LTPResponse struct {
	Data   map[string]map[string]LTPEntry `json:"data"`
	Status string                         `json:"status"`
}

type LTPEntry struct {
	LastPrice Flex `json:"last_price"`
}

// OrderRequest is the body of POST /v2/orders.
type OrderRequest struct {
	DhanClientID      string  `json:"dhanClientId"`
	CorrelationID     string  `json:"correlationId,omitempty"`
	TransactionType   string  `json:"transactionType"`
	ExchangeSegment   string  `json:"exchangeSegment"`
	ProductType       string  `json:"productType"`
	OrderType         string  `json:"orderType"`
	Validity          string  `json:"validity"`
	TradingSymbol     string  `json:"tradingSymbol,omitempty"`
	SecurityID        string  `json:"securityId"`
	Quantity          int64   `json:"quantity"`
	DisclosedQuantity int64   `json:"disclosedQuantity"`
	Price             float64 `json:"price"`
	TriggerPrice      float64 `json:"triggerPrice"`
	AfterMarketOrder  bool    `json:"afterMarketOrder"`
	DrvExpiryDate     string  `json:"drvExpiryDate,omitempty"` // YYYY-MM-DD
	DrvOptionType     string  `json:"drvOptionType,omitempty"`
	DrvStrikePrice    float64 `json:"drvStrikePrice,omitempty"`
}

// OrderResponse is the success body of POST /v2/orders.
type OrderResponse struct {
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
	Raw         string `json:"-"`
}

// TokenResponse is the body of the access token endpoint.
type TokenResponse struct {
	DhanClientID   string `json:"dhanClientId"`
	DhanClientName string `json:"dhanClientName"`
	AccessToken    string `json:"accessToken"`
	ExpiryTime     string `json:"expiryTime"`
}

// APIError is a non-2xx answer from Dhan. 4xx answers (429 included) mean the
// request was refused and had no side effect.
type APIError struct {
	StatusCode   int    `json:"-"`
	ErrorType    string `json:"errorType"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	Raw          string `json:"-"`
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("dhan: http %d %s %s: %s", e.StatusCode, e.ErrorType, e.ErrorCode, e.ErrorMessage)
	}
	return fmt.Sprintf("dhan: http %d: %s", e.StatusCode, e.Raw)
}

// Temporary reports whether retrying on a later tick may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// Refused reports whether the broker definitely did not act on the request.
func (e *APIError) Refused() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// DecodeError is a 2xx response whose body could not be understood.
type DecodeError struct {
	What string
	Raw  string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("dhan: decode %s: %v (body=%s)", e.What, e.Err, e.Raw)
}

func (e *DecodeError) Unwrap() error { return e.Err }
