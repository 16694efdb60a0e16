package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dhan-autoexit/internal/execution"
	"dhan-autoexit/internal/exitrule"
	"dhan-autoexit/internal/lease"
	"dhan-autoexit/internal/metrics"
	"dhan-autoexit/internal/model"
	"dhan-autoexit/internal/monitor"
	"dhan-autoexit/internal/portfolio"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeLoop struct {
	mu       sync.Mutex
	running  bool
	seeds    []*monitor.Seed
	startErr error
	stops    int
}

func (f *fakeLoop) Start(_ context.Context, seed *monitor.Seed) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.running {
		return monitor.ErrAlreadyRunning
	}
	f.running = true
	f.seeds = append(f.seeds, seed)
	return nil
}

func (f *fakeLoop) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stops++
	return nil
}

func (f *fakeLoop) Status() monitor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return monitor.Status{Running: f.running}
}

type fakeJournal struct {
	recs  []execution.ExitRecord
	limit int
	err   error
}

func (f *fakeJournal) Recent(_ context.Context, limit int) ([]execution.ExitRecord, error) {
	f.limit = limit
	return f.recs, f.err
}

type fixedMarket string

func (m fixedMarket) Status(time.Time) string { return string(m) }

func newTestRouter(loop *fakeLoop, journal ExitLog) (*gin.Engine, *portfolio.Portfolio) {
	pf := portfolio.New()
	ticks := metrics.NewLatencyWindow(10)
	ticks.Observe(120 * time.Millisecond)
	r := NewRouter(Deps{
		Latency:   map[string]*metrics.LatencyWindow{"tick": ticks},
		Loop:      loop,
		Portfolio: pf,
		Journal:   journal,
		Market:    fixedMarket("open, closes in 2h"),
		Policy:    exitrule.Policy{Mode: exitrule.ModeTrailing, Distance: decimal.NewFromInt(1)},
	})
	return r, pf
}

func do(r http.Handler, method, target, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestBanner(t *testing.T) {
	r, _ := newTestRouter(&fakeLoop{}, nil)
	w := do(r, http.MethodGet, "/", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Dhan Auto Exit Bot Running!", w.Body.String())
}

func TestStart_NoSeed(t *testing.T) {
	loop := &fakeLoop{}
	r, _ := newTestRouter(loop, nil)

	w := do(r, http.MethodGet, "/start", "", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "Auto Exit Started for latest intraday options position.")
	require.Len(t, loop.seeds, 1)
	assert.Nil(t, loop.seeds[0])

	w = do(r, http.MethodPost, "/start", "", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStart_SeedFromQuery(t *testing.T) {
	loop := &fakeLoop{}
	r, _ := newTestRouter(loop, nil)

	w := do(r, http.MethodPost, "/start?security_id=49081&entry=101.25&qty=75&option_type=ce", "", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "NSE_FNO:49081")

	seed := loop.seeds[0]
	require.NotNil(t, seed)
	assert.Equal(t, model.SegmentNSEFNO, seed.Segment)
	assert.True(t, seed.EntryPrice.Equal(decimal.RequireFromString("101.25")))
	assert.Equal(t, int64(75), *seed.Quantity)
	assert.Equal(t, model.OptionCall, seed.OptionRight)
}

func TestStart_SeedFromJSON(t *testing.T) {
	loop := &fakeLoop{}
	r, _ := newTestRouter(loop, nil)

	body := `{"segment":"bse_fno","security_id":"1123","entry":55.5,"qty":20,"symbol":"SENSEX-PE","option_type":"PUT"}`
	w := do(r, http.MethodPost, "/start", "application/json", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	seed := loop.seeds[0]
	assert.Equal(t, model.SegmentBSEFNO, seed.Segment)
	assert.Equal(t, "SENSEX-PE", seed.TradingSymbol)
	assert.Equal(t, model.OptionPut, seed.OptionRight)
	assert.True(t, seed.EntryPrice.Equal(decimal.RequireFromString("55.5")))
}

func TestStart_BadInput(t *testing.T) {
	cases := map[string]struct {
		target, ctype, body string
	}{
		"bad entry":     {"/start?security_id=1&entry=abc", "", ""},
		"bad qty":       {"/start?security_id=1&qty=1.5", "", ""},
		"missing id":    {"/start?entry=100&qty=10", "", ""},
		"no option":     {"/start?security_id=1&entry=100&qty=10", "", ""},
		"negative qty":  {"/start?security_id=1&qty=-1", "", ""},
		"bad json":      {"/start", "application/json", "{"},
		"bad option":    {"/start?security_id=1&option_type=FUT", "", ""},
		"non-pos entry": {"/start", "application/json", `{"security_id":"1","entry":0}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			loop := &fakeLoop{}
			r, _ := newTestRouter(loop, nil)
			w := do(r, http.MethodPost, tc.target, tc.ctype, tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Empty(t, loop.seeds)
		})
	}
}

func TestStart_ErrorMapping(t *testing.T) {
	loop := &fakeLoop{startErr: lease.ErrLeaseHeld}
	r, _ := newTestRouter(loop, nil)
	assert.Equal(t, http.StatusServiceUnavailable, do(r, http.MethodPost, "/start", "", "").Code)

	loop.startErr = errors.New("redis down")
	assert.Equal(t, http.StatusInternalServerError, do(r, http.MethodPost, "/start", "", "").Code)
}

func TestStop(t *testing.T) {
	loop := &fakeLoop{running: true}
	r, _ := newTestRouter(loop, nil)

	w := do(r, http.MethodPost, "/stop", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, loop.stops)
	assert.False(t, loop.Status().Running)
}

func TestStatus(t *testing.T) {
	loop := &fakeLoop{running: true}
	r, pf := newTestRouter(loop, nil)
	pf.Replace([]portfolio.Holding{{
		Key:    model.InstrumentKey{Segment: model.SegmentNSEFNO, SecurityID: "49081"},
		Qty:    75,
		Entry:  decimal.NewFromInt(100),
		LTP:    decimal.NewFromInt(102),
		HasLTP: true,
		Armed:  true,
		Target: decimal.NewFromInt(102),
		Stop:   decimal.NewFromInt(100),
	}}, time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC))

	w := do(r, http.MethodGet, "/status", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Loop      monitor.Status                    `json:"loop"`
		Mode      string                            `json:"mode"`
		Market    string                            `json:"market"`
		Unreal    string                            `json:"unrealized_pnl"`
		Latency   map[string]metrics.LatencySummary `json:"latency"`
		Positions []struct {
			Key           model.InstrumentKey `json:"key"`
			UnrealizedPnL string              `json:"unrealized_pnl"`
		} `json:"positions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Loop.Running)
	assert.Equal(t, "trailing", body.Mode)
	assert.Equal(t, "open, closes in 2h", body.Market)
	assert.Equal(t, "150", body.Unreal)
	assert.Equal(t, 1, body.Latency["tick"].Count)
	assert.InDelta(t, 120, body.Latency["tick"].P50Ms, 1e-9)
	require.Len(t, body.Positions, 1)
	assert.Equal(t, "49081", body.Positions[0].Key.SecurityID)
	assert.Equal(t, "150", body.Positions[0].UnrealizedPnL)
}

func TestExits(t *testing.T) {
	r, _ := newTestRouter(&fakeLoop{}, nil)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/exits", "", "").Code)

	j := &fakeJournal{recs: []execution.ExitRecord{{ID: 1, OrderID: "OID-1", Outcome: "placed"}}}
	r, _ = newTestRouter(&fakeLoop{}, j)

	w := do(r, http.MethodGet, "/api/exits?limit=10000", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, maxExits, j.limit)
	assert.Contains(t, w.Body.String(), "OID-1")

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/exits?limit=x", "", "").Code)

	j.err = errors.New("disk I/O error")
	assert.Equal(t, http.StatusInternalServerError, do(r, http.MethodGet, "/api/exits", "", "").Code)
}
