// Package api is the HTTP control surface: start and stop the auto-exit
// loop, inspect tracked positions, read the exit journal and stream events.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"dhan-autoexit/internal/execution"
	"dhan-autoexit/internal/exitrule"
	"dhan-autoexit/internal/lease"
	"dhan-autoexit/internal/metrics"
	"dhan-autoexit/internal/model"
	"dhan-autoexit/internal/monitor"
	"dhan-autoexit/internal/portfolio"
)

const (
	bannerText     = "Dhan Auto Exit Bot Running!"
	startedLatest  = "Auto Exit Started for latest intraday options position."
	defaultExits   = 50
	maxExits       = 500
	startLeaseWait = 5 * time.Second
)

// Controller starts and stops the monitoring loop. *monitor.Supervisor satisfies it.
type Controller interface {
	Start(ctx context.Context, seed *monitor.Seed) error
	Stop(ctx context.Context) error
	Status() monitor.Status
}

// ExitLog lists journaled exit submissions. *execution.Journal satisfies it.
type ExitLog interface {
	Recent(ctx context.Context, limit int) ([]execution.ExitRecord, error)
}

// MarketStatus describes the exchange session. *markethours.Calendar satisfies it.
type MarketStatus interface {
	Status(t time.Time) string
}

// Deps wires the router. Loop and Portfolio are required.
type Deps struct {
	Loop      Controller
	Portfolio *portfolio.Portfolio
	Journal   ExitLog      // nil disables /api/exits
	Events    http.Handler // nil disables /ws
	Market    MarketStatus
	Latency   map[string]*metrics.LatencyWindow // keyed by operation name
	Policy    exitrule.Policy
	DryRun    bool
	Logger    *zap.Logger
	Now       func() time.Time
}

type handlers struct {
	Deps
	log *zap.Logger
}

// NewRouter builds the gin engine with every control route.
func NewRouter(deps Deps) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	h := &handlers{Deps: deps, log: deps.Logger.Named("api")}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.log))

	r.GET("/", h.banner)
	r.GET("/start", h.start)
	r.POST("/start", h.start)
	r.POST("/stop", h.stop)
	r.GET("/status", h.status)

	api := r.Group("/api")
	{
		api.GET("/exits", h.exits)
	}
	if deps.Events != nil {
		r.GET("/ws", gin.WrapH(deps.Events))
	}
	return r
}

// requestLogger logs one line per request at debug, or warn for 5xx.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("request failed", fields...)
			return
		}
		log.Debug("request", fields...)
	}
}

func (h *handlers) banner(c *gin.Context) {
	c.String(http.StatusOK, bannerText)
}

// startRequest is the optional seed for a single manually entered position.
type startRequest struct {
	Segment    string           `json:"segment"`
	SecurityID string           `json:"security_id"`
	Entry      *decimal.Decimal `json:"entry"`
	Qty        *int64           `json:"qty"`
	Symbol     string           `json:"symbol"`
	OptionType string           `json:"option_type"`
}

func (h *handlers) start(c *gin.Context) {
	req, err := bindStart(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	seed := req.seed()
	if seed != nil {
		if err := seed.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), startLeaseWait)
	defer cancel()
	switch err := h.Loop.Start(ctx, seed); {
	case err == nil:
	case errors.Is(err, monitor.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, lease.ErrLeaseHeld):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	default:
		h.log.Error("start failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	msg := startedLatest
	if seed != nil {
		msg = "Auto Exit Started for " + seed.Key().String() + "."
	}
	c.JSON(http.StatusAccepted, gin.H{"message": msg, "status": h.Loop.Status()})
}

// bindStart reads the seed from a JSON body or from query/form values.
func bindStart(c *gin.Context) (startRequest, error) {
	var req startRequest
	if c.Request.ContentLength > 0 && strings.HasPrefix(c.ContentType(), gin.MIMEJSON) {
		if err := c.ShouldBindJSON(&req); err != nil {
			return req, err
		}
		return req, nil
	}

	req.Segment = c.Request.FormValue("segment")
	req.SecurityID = c.Request.FormValue("security_id")
	req.Symbol = c.Request.FormValue("symbol")
	req.OptionType = c.Request.FormValue("option_type")
	if v := c.Request.FormValue("entry"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return req, errors.New("entry: not a number")
		}
		req.Entry = &d
	}
	if v := c.Request.FormValue("qty"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return req, errors.New("qty: not an integer")
		}
		req.Qty = &n
	}
	return req, nil
}

// seed returns nil when no position was named. Segment defaults to NSE_FNO.
func (r startRequest) seed() *monitor.Seed {
	if r.SecurityID == "" && r.Segment == "" && r.Entry == nil && r.Qty == nil {
		return nil
	}
	seg := model.Segment(strings.ToUpper(strings.TrimSpace(r.Segment)))
	if seg == "" {
		seg = model.SegmentNSEFNO
	}
	return &monitor.Seed{
		Segment:       seg,
		SecurityID:    strings.TrimSpace(r.SecurityID),
		EntryPrice:    r.Entry,
		Quantity:      r.Qty,
		TradingSymbol: strings.TrimSpace(r.Symbol),
		OptionRight:   optionRight(r.OptionType),
	}
}

func optionRight(s string) model.OptionRight {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return ""
	case "CE", "CALL":
		return model.OptionCall
	case "PE", "PUT":
		return model.OptionPut
	default:
		return model.OptionRight(strings.ToUpper(s))
	}
}

func (h *handlers) stop(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	if err := h.Loop.Stop(ctx); err != nil {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Auto Exit Stopped.", "status": h.Loop.Status()})
}

type holdingView struct {
	portfolio.Holding
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

func (h *handlers) status(c *gin.Context) {
	holdings := h.Portfolio.Holdings()
	views := make([]holdingView, len(holdings))
	for i, hd := range holdings {
		views[i] = holdingView{Holding: hd, UnrealizedPnL: hd.UnrealizedPnL()}
	}

	resp := gin.H{
		"loop":           h.Loop.Status(),
		"mode":           h.Policy.Mode,
		"distance":       h.Policy.Distance,
		"dry_run":        h.DryRun,
		"positions":      views,
		"unrealized_pnl": h.Portfolio.TotalUnrealizedPnL(),
		"pnl":            h.Portfolio.PnL().Summary(),
	}
	if at := h.Portfolio.UpdatedAt(); !at.IsZero() {
		resp["updated_at"] = at
	}
	if h.Market != nil {
		resp["market"] = h.Market.Status(h.Now())
	}
	if len(h.Latency) > 0 {
		lat := make(map[string]metrics.LatencySummary, len(h.Latency))
		for name, w := range h.Latency {
			lat[name] = w.Summary()
		}
		resp["latency"] = lat
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) exits(c *gin.Context) {
	if h.Journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "exit journal disabled"})
		return
	}
	limit := defaultExits
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxExits)
	}
	recs, err := h.Journal.Recent(c.Request.Context(), limit)
	if err != nil {
		h.log.Error("journal read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "journal read failed"})
		return
	}
	if recs == nil {
		recs = []execution.ExitRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"exits": recs, "count": len(recs)})
}
