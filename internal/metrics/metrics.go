package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the auto-exit engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	TicksTotal       prometheus.Counter
	TickErrors       *prometheus.CounterVec // labels: stage=positions|quotes|panic
	TickDuration     prometheus.Histogram
	TrackedPositions prometheus.Gauge
	LoopRunning      prometheus.Gauge

	QuoteRequests *prometheus.CounterVec // labels: segment, result=ok|error|breaker_open
	QuoteMisses   prometheus.Counter     // eligible positions without a price after resolution

	ExitOrders    *prometheus.CounterVec // labels: reason, outcome
	ExitTriggers  *prometheus.CounterVec // labels: reason
	UnrealizedPnL prometheus.Gauge
	LevelRatchets prometheus.Counter

	BreakerState *prometheus.GaugeVec // labels: name; 0=closed, 1=open, 2=half-open
	BreakerTrips *prometheus.CounterVec

	MarketState   prometheus.Gauge       // 0=closed, 1=open
	AlertsTotal   *prometheus.CounterVec // labels: channel, result
	EventsDropped prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autoexit_ticks_total",
			Help: "Monitoring loop ticks executed",
		}),
		TickErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoexit_tick_errors_total",
			Help: "Ticks degraded by a failure, by stage",
		}, []string{"stage"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "autoexit_tick_duration_seconds",
			Help:    "Wall time of one fetch-filter-resolve-evaluate pass",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		TrackedPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autoexit_tracked_positions",
			Help: "Eligible positions seen on the last tick",
		}),
		LoopRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autoexit_loop_running",
			Help: "1 while the monitoring loop is running",
		}),

		QuoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoexit_quote_requests_total",
			Help: "Batched LTP requests by segment and result",
		}, []string{"segment", "result"}),
		QuoteMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autoexit_quote_misses_total",
			Help: "Eligible positions skipped because no price was resolved",
		}),

		ExitOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoexit_exit_orders_total",
			Help: "Exit order submissions by trigger reason and outcome",
		}, []string{"reason", "outcome"}),
		ExitTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoexit_exit_triggers_total",
			Help: "Exit rule triggers by reason",
		}, []string{"reason"}),
		UnrealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autoexit_unrealized_pnl",
			Help: "Unrealized P&L of tracked positions at the last tick (INR)",
		}),
		LevelRatchets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autoexit_level_ratchets_total",
			Help: "Times trailing target/stop levels moved up",
		}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autoexit_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoexit_circuit_breaker_trips_total",
			Help: "Times a circuit breaker tripped open",
		}, []string{"name"}),

		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autoexit_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoexit_alerts_total",
			Help: "Alerts sent by channel and result",
		}, []string{"channel", "result"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autoexit_events_dropped_total",
			Help: "Events dropped because a subscriber was too slow",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.TickErrors,
		m.TickDuration,
		m.TrackedPositions,
		m.LoopRunning,
		m.QuoteRequests,
		m.QuoteMisses,
		m.ExitOrders,
		m.ExitTriggers,
		m.UnrealizedPnL,
		m.LevelRatchets,
		m.BreakerState,
		m.BreakerTrips,
		m.MarketState,
		m.AlertsTotal,
		m.EventsDropped,
	)
	return m
}

// ---- nil-safe recorders ----

func (m *Metrics) TickDone(seconds float64) {
	if m == nil {
		return
	}
	m.TicksTotal.Inc()
	m.TickDuration.Observe(seconds)
}

func (m *Metrics) TickError(stage string) {
	if m == nil {
		return
	}
	m.TickErrors.WithLabelValues(stage).Inc()
}

func (m *Metrics) SetTracked(n int) {
	if m == nil {
		return
	}
	m.TrackedPositions.Set(float64(n))
}

func (m *Metrics) SetLoopRunning(v bool) {
	if m == nil {
		return
	}
	m.LoopRunning.Set(boolGauge(v))
}

func (m *Metrics) QuoteRequest(segment, result string) {
	if m == nil {
		return
	}
	m.QuoteRequests.WithLabelValues(segment, result).Inc()
}

func (m *Metrics) QuoteMiss() {
	if m == nil {
		return
	}
	m.QuoteMisses.Inc()
}

func (m *Metrics) ExitTrigger(reason string) {
	if m == nil {
		return
	}
	m.ExitTriggers.WithLabelValues(reason).Inc()
}

func (m *Metrics) ExitOrder(reason, outcome string) {
	if m == nil {
		return
	}
	m.ExitOrders.WithLabelValues(reason, outcome).Inc()
}

func (m *Metrics) Ratchet() {
	if m == nil {
		return
	}
	m.LevelRatchets.Inc()
}

func (m *Metrics) SetUnrealizedPnL(v float64) {
	if m == nil {
		return
	}
	m.UnrealizedPnL.Set(v)
}

// BreakerTransition records a breaker state change. to is 0, 1 or 2.
func (m *Metrics) BreakerTransition(name string, to int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(float64(to))
	if to == 1 {
		m.BreakerTrips.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) SetMarketOpen(v bool) {
	if m == nil {
		return
	}
	m.MarketState.Set(boolGauge(v))
}

func (m *Metrics) Alert(channel string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.AlertsTotal.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
