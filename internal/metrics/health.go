package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthStatus represents the engine health served on /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	LoopRunning  bool      `json:"loop_running"`
	LastTickTime time.Time `json:"last_tick_time"`
	BrokerOK     bool      `json:"broker_ok"`
	MarketOpen   bool      `json:"market_open"`

	RedisEnabled   bool `json:"redis_enabled"`
	RedisConnected bool `json:"redis_connected"`
	JournalEnabled bool `json:"journal_enabled"`
	JournalOK      bool `json:"journal_ok"`

	// Liveness probe results
	RedisLatencyMs   float64   `json:"redis_latency_ms"`
	JournalLatencyMs float64   `json:"journal_latency_ms"`
	LastCheckAt      time.Time `json:"last_check_at"`
	StartedAt        time.Time `json:"started_at"`

	now func() time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now(), now: time.Now}
}

func (h *HealthStatus) SetLoopRunning(v bool) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.LoopRunning = v
	h.mu.Unlock()
}

// TickCompleted records a finished tick and whether the broker answered.
func (h *HealthStatus) TickCompleted(at time.Time, brokerOK bool) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.LastTickTime = at
	h.BrokerOK = brokerOK
	h.mu.Unlock()
}

func (h *HealthStatus) SetMarketOpen(v bool) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.MarketOpen = v
	h.mu.Unlock()
}

func (h *HealthStatus) EnableRedis() {
	h.mu.Lock()
	h.RedisEnabled = true
	h.mu.Unlock()
}

func (h *HealthStatus) EnableJournal() {
	h.mu.Lock()
	h.JournalEnabled = true
	h.JournalOK = true
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckJournal pings the SQLite journal and records latency + health.
func (h *HealthStatus) CheckJournal(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.JournalOK = err == nil
	h.JournalLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Nil handles are skipped.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if db != nil {
					h.CheckJournal(probeCtx, db)
				}
				cancel()
			}
		}
	}()
}

// Report is the /healthz body.
type Report struct {
	Status           string  `json:"status"`
	Uptime           string  `json:"uptime"`
	LoopRunning      bool    `json:"loop_running"`
	LastTickTime     string  `json:"last_tick_time,omitempty"`
	TickAge          string  `json:"tick_age,omitempty"`
	BrokerOK         bool    `json:"broker_ok"`
	MarketOpen       bool    `json:"market_open"`
	RedisEnabled     bool    `json:"redis_enabled"`
	RedisConnected   bool    `json:"redis_connected"`
	RedisLatencyMs   float64 `json:"redis_latency_ms"`
	JournalEnabled   bool    `json:"journal_enabled"`
	JournalOK        bool    `json:"journal_ok"`
	JournalLatencyMs float64 `json:"journal_latency_ms"`
}

// Report summarises health. The engine is degraded when the running loop
// cannot reach the broker or an enabled dependency is down.
func (h *HealthStatus) Report() Report {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := h.now()
	r := Report{
		Status:           "healthy",
		Uptime:           now.Sub(h.StartedAt).Round(time.Second).String(),
		LoopRunning:      h.LoopRunning,
		BrokerOK:         h.BrokerOK,
		MarketOpen:       h.MarketOpen,
		RedisEnabled:     h.RedisEnabled,
		RedisConnected:   h.RedisConnected,
		RedisLatencyMs:   h.RedisLatencyMs,
		JournalEnabled:   h.JournalEnabled,
		JournalOK:        h.JournalOK,
		JournalLatencyMs: h.JournalLatencyMs,
	}
	if !h.LastTickTime.IsZero() {
		r.LastTickTime = h.LastTickTime.Format(time.RFC3339)
		r.TickAge = now.Sub(h.LastTickTime).Round(time.Millisecond).String()
	}

	if (h.LoopRunning && !h.LastTickTime.IsZero() && !h.BrokerOK) ||
		(h.RedisEnabled && !h.RedisConnected) ||
		(h.JournalEnabled && !h.JournalOK) {
		r.Status = "degraded"
	}
	return r
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rep := h.Report()
	w.Header().Set("Content-Type", "application/json")
	if rep.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(rep)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
	log  *zap.Logger
}

// NewServer creates a metrics and health server. gatherer is usually
// prometheus.DefaultGatherer.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		log:  log.Named("metrics"),
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("server listening", zap.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
