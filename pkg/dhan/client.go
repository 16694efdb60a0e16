// Package dhan is a small client for the Dhan HQ v2 REST API.
// It covers the endpoints the auto-exit engine needs: positions, LTP market
// feed, order placement and TOTP-based access token generation.
//
// Usage example:
//
//	c := dhan.New(dhan.Config{ClientID: "1000000001", AccessToken: "eyJ..."})
//	raw, err := c.Positions(ctx)
//	if err != nil { return err }
//	ltp, err := c.LTP(ctx, map[string][]any{"NSE_FNO": {49081}})
package dhan

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/pretty"
	"go.uber.org/zap"
)

// ---- Config & client ----

type Config struct {
	ClientID    string
	AccessToken string

	RootURL string        // default: https://api.dhan.co
	AuthURL string        // default: https://auth.dhan.co
	Timeout time.Duration // default: 7s, per-call contexts should be shorter
	Debug   bool

	HTTPClient *http.Client // optional, overrides Timeout
	Logger     *zap.Logger
}

type Client struct {
	clientID string

	mu          sync.RWMutex
	accessToken string

	rootURL string
	authURL string
	debug   bool

	httpClient *http.Client
	log        *zap.Logger
}

const (
	defaultRoot = "https://api.dhan.co"
	defaultAuth = "https://auth.dhan.co"
)

var routes = map[string]string{
	"api.positions":   "/v2/positions",
	"api.ltp":         "/v2/marketfeed/ltp",
	"api.order.place": "/v2/orders",
	"api.fund.limit":  "/v2/fundlimit",

	"auth.token": "/app/generateAccessToken",
}

// New initializes the client.
func New(cfg Config) *Client {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultAuth
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	client := cfg.HTTPClient
	if client == nil {
		tr := &http.Transport{
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			MaxIdleConnsPerHost: 4,
		}
		client = &http.Client{Transport: tr, Timeout: cfg.Timeout}
	}

	return &Client{
		clientID:    cfg.ClientID,
		accessToken: cfg.AccessToken,
		rootURL:     strings.TrimRight(cfg.RootURL, "/"),
		authURL:     strings.TrimRight(cfg.AuthURL, "/"),
		debug:       cfg.Debug,
		httpClient:  client,
		log:         cfg.Logger.Named("dhan"),
	}
}

// ---- Setters/Getters ----

func (c *Client) ClientID() string { return c.clientID }

func (c *Client) SetAccessToken(t string) {
	c.mu.Lock()
	c.accessToken = t
	c.mu.Unlock()
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// ---- Helpers ----

func (c *Client) requestHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("client-id", c.clientID)
	if t := c.token(); t != "" {
		h.Set("access-token", t)
	}
	return h
}

func (c *Client) buildURL(base, route string) (string, error) {
	uri, ok := routes[route]
	if !ok {
		return "", fmt.Errorf("unknown route: %s", route)
	}
	return base + uri, nil
}

// doRequest performs one HTTP call and returns the raw body.
// Non-2xx responses are returned as *APIError.
func (c *Client) doRequest(ctx context.Context, method, fullURL string, body any) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, rd)
	if err != nil {
		return nil, err
	}
	req.Header = c.requestHeaders()

	if c.debug {
		c.log.Debug("request", zap.String("method", method), zap.String("url", fullURL), zap.Any("body", body))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, fullURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if c.debug {
		c.log.Debug("response", zap.Int("code", resp.StatusCode), zap.ByteString("body", Compact(raw)))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Raw: string(Compact(raw))}
		_ = json.Unmarshal(raw, apiErr)
		return raw, apiErr
	}
	return raw, nil
}

// Compact strips insignificant whitespace from a JSON body for log fields.
// Non-JSON bodies are returned unchanged.
func Compact(raw []byte) []byte {
	if !json.Valid(raw) {
		return raw
	}
	return pretty.Ugly(raw)
}

// ---- API Methods ----

// Positions returns the raw position array. Entries are left undecoded so the
// caller can skip malformed records individually.
func (c *Client) Positions(ctx context.Context) ([]json.RawMessage, error) {
	u, err := c.buildURL(c.rootURL, "api.positions")
	if err != nil {
		return nil, err
	}
	raw, err := c.doRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return decodePositions(raw)
}

// decodePositions accepts either a bare array or the {"status","data":[...]} envelope.
func decodePositions(raw []byte) ([]json.RawMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr, nil
	}
	var env struct {
		Status string            `json:"status"`
		Data   []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{What: "positions", Raw: string(Compact(raw)), Err: err}
	}
	if env.Status != "" && !strings.EqualFold(env.Status, "success") {
		return nil, &DecodeError{What: "positions", Raw: string(Compact(raw)), Err: fmt.Errorf("status %q", env.Status)}
	}
	return env.Data, nil
}

// LTP fetches last traded prices. instruments maps segment to security ids
// (numbers where possible, strings otherwise).
func (c *Client) LTP(ctx context.Context, instruments map[string][]any) (*LTPResponse, error) {
	u, err := c.buildURL(c.rootURL, "api.ltp")
	if err != nil {
		return nil, err
	}
	raw, err := c.doRequest(ctx, http.MethodPost, u, instruments)
	if err != nil {
		return nil, err
	}
	var out LTPResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &DecodeError{What: "ltp", Raw: string(Compact(raw)), Err: err}
	}
	if !strings.EqualFold(out.Status, "success") {
		return nil, &DecodeError{What: "ltp", Raw: string(Compact(raw)), Err: fmt.Errorf("status %q", out.Status)}
	}
	return &out, nil
}

// PlaceOrder submits an order. The DhanClientID field is filled in when empty.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	if req.DhanClientID == "" {
		req.DhanClientID = c.clientID
	}
	u, err := c.buildURL(c.rootURL, "api.order.place")
	if err != nil {
		return nil, err
	}
	raw, err := c.doRequest(ctx, http.MethodPost, u, req)
	if err != nil {
		return nil, err
	}
	var out OrderResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &DecodeError{What: "order", Raw: string(Compact(raw)), Err: err}
	}
	out.Raw = string(Compact(raw))
	return &out, nil
}

// GenerateAccessToken exchanges PIN + TOTP for a fresh access token and
// installs it on the client.
func (c *Client) GenerateAccessToken(ctx context.Context, pin, totpCode string) (*TokenResponse, error) {
	u, err := c.buildURL(c.authURL, "auth.token")
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("dhanClientId", c.clientID)
	q.Set("pin", pin)
	q.Set("totp", totpCode)

	raw, err := c.doRequest(ctx, http.MethodPost, u+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var out TokenResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &DecodeError{What: "token", Raw: string(Compact(raw)), Err: err}
	}
	if out.AccessToken == "" {
		return nil, &DecodeError{What: "token", Raw: string(Compact(raw)), Err: fmt.Errorf("empty accessToken")}
	}
	c.SetAccessToken(out.AccessToken)
	return &out, nil
}

// Ping checks credentials with a cheap authenticated call.
func (c *Client) Ping(ctx context.Context) error {
	u, err := c.buildURL(c.rootURL, "api.fund.limit")
	if err != nil {
		return err
	}
	_, err = c.doRequest(ctx, http.MethodGet, u, nil)
	return err
}
