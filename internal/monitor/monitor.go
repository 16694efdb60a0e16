// Package monitor runs the polling loop that watches open intraday option
// positions and hands triggered exits to the order submitter.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"dhan-autoexit/internal/events"
	"dhan-autoexit/internal/execution"
	"dhan-autoexit/internal/exitrule"
	"dhan-autoexit/internal/filter"
	"dhan-autoexit/internal/logger"
	"dhan-autoexit/internal/metrics"
	"dhan-autoexit/internal/model"
	"dhan-autoexit/internal/portfolio"
)

// QuoteResolver prices a set of positions. Missing keys mean unknown price.
type QuoteResolver interface {
	Resolve(ctx context.Context, positions []model.Position) model.Quotes
}

// ExitSubmitter sends one exit order and classifies the broker's answer.
type ExitSubmitter interface {
	Submit(ctx context.Context, pos model.Position, dec exitrule.Decision) execution.Result
}

// Session reports whether the exchange is trading. *markethours.Calendar satisfies it.
type Session interface {
	IsOpen(t time.Time) bool
	UntilOpen(t time.Time) time.Duration
}

// Deps are the collaborators of a Monitor. Positions, Quotes, Orders and
// Engine are required; the rest may be nil.
type Deps struct {
	Positions model.PositionSource
	Filter    *filter.Filter
	Quotes    QuoteResolver
	Engine    *exitrule.Engine
	Orders    ExitSubmitter

	Portfolio *portfolio.Portfolio
	Events    *events.Bus
	Metrics   *metrics.Metrics
	Health    *metrics.HealthStatus
	Latency   *metrics.LatencyWindow // tick durations
	Session   Session
	Logger    *zap.Logger
}

// Config tunes the loop.
type Config struct {
	Interval         time.Duration // default 1s
	PositionsTimeout time.Duration // default 3s
	MarketHoursOnly  bool
	// MaxClosedWait caps one sleep while the market is closed so Stop and
	// calendar changes are noticed. Default 1m.
	MaxClosedWait time.Duration
	// PendingTTL is how long a submitted exit may stay unresolved before the
	// position is evaluated again. Default 1m.
	PendingTTL time.Duration
	Seed       *Seed

	Now func() time.Time
}

// Monitor is the polling loop for one account. Tick must not be called
// concurrently; Run is the only caller in production.
type Monitor struct {
	deps Deps
	cfg  Config
	log  *zap.Logger

	seq     int64
	pending map[model.InstrumentKey]pendingExit

	closedAnnounced bool
}

type pendingExit struct {
	Outcome execution.Outcome
	OrderID string
	Qty     int64
	Since   time.Time
}

type expiredExit struct {
	Key     model.InstrumentKey `json:"key"`
	OrderID string              `json:"order_id,omitempty"`
	Outcome execution.Outcome   `json:"outcome"`
	Qty     int64               `json:"qty"`
	NetQty  int64               `json:"net_qty"`
	Age     time.Duration       `json:"age"`
}

// ExitReport is one submission made during a tick.
type ExitReport struct {
	Key     model.InstrumentKey `json:"key"`
	Reason  exitrule.Reason     `json:"reason"`
	Price   decimal.Decimal     `json:"price"`
	Outcome execution.Outcome   `json:"outcome"`
	OrderID string              `json:"order_id,omitempty"`
}

// TickReport summarises one iteration.
type TickReport struct {
	Seq      int64         `json:"seq"`
	TraceID  string        `json:"trace_id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Fetched  int           `json:"fetched"`
	Eligible int           `json:"eligible"`
	Priced   int           `json:"priced"`
	Pending  int           `json:"pending"`
	Exits    []ExitReport  `json:"exits,omitempty"`
	Err      error         `json:"-"`

	// Done is set when a seeded run has nothing left to watch.
	Done       bool   `json:"done,omitempty"`
	DoneReason string `json:"done_reason,omitempty"`
}

// New validates deps and cfg and returns an idle Monitor.
func New(deps Deps, cfg Config) (*Monitor, error) {
	var errs []error
	if deps.Positions == nil {
		errs = append(errs, errors.New("monitor: position source is required"))
	}
	if deps.Quotes == nil {
		errs = append(errs, errors.New("monitor: quote resolver is required"))
	}
	if deps.Engine == nil {
		errs = append(errs, errors.New("monitor: exit engine is required"))
	}
	if deps.Orders == nil {
		errs = append(errs, errors.New("monitor: order submitter is required"))
	}
	if cfg.Seed != nil {
		if err := cfg.Seed.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("monitor: seed: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if deps.Filter == nil {
		deps.Filter = filter.New([]model.Segment{model.SegmentNSEFNO, model.SegmentBSEFNO})
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.PositionsTimeout <= 0 {
		cfg.PositionsTimeout = 3 * time.Second
	}
	if cfg.MaxClosedWait <= 0 {
		cfg.MaxClosedWait = time.Minute
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{
		deps:    deps,
		cfg:     cfg,
		log:     deps.Logger.Named("monitor"),
		pending: make(map[model.InstrumentKey]pendingExit),
	}, nil
}

// Seed returns the seed this monitor was built with, or nil.
func (m *Monitor) Seed() *Seed { return m.cfg.Seed }

// Run polls until ctx is cancelled or a seeded run completes. It returns nil
// in both cases; tick failures are logged and never end the loop.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("monitor started",
		zap.Duration("interval", m.cfg.Interval),
		zap.String("mode", string(m.deps.Engine.Policy().Mode)),
		zap.String("distance", m.deps.Engine.Policy().Distance.String()),
		zap.Bool("seeded", m.cfg.Seed != nil))

	for {
		if wait, closed := m.closedWait(); closed {
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}

		rep := m.Tick(ctx)
		if rep.Done {
			m.log.Info("monitor finished", zap.String("reason", rep.DoneReason))
			return nil
		}
		if !sleep(ctx, m.cfg.Interval) {
			return nil
		}
	}
}

// closedWait reports how long to idle when the market-hours gate is shut.
func (m *Monitor) closedWait() (time.Duration, bool) {
	if !m.cfg.MarketHoursOnly || m.deps.Session == nil {
		return 0, false
	}
	now := m.cfg.Now()
	if m.deps.Session.IsOpen(now) {
		if m.closedAnnounced {
			m.log.Info("market open, resuming")
		}
		m.closedAnnounced = false
		m.deps.Metrics.SetMarketOpen(true)
		m.deps.Health.SetMarketOpen(true)
		return 0, false
	}

	wait := m.deps.Session.UntilOpen(now)
	if !m.closedAnnounced {
		m.closedAnnounced = true
		m.log.Info("market closed, idling", zap.Duration("until_open", wait))
		m.deps.Events.Emit(events.TypeMarketClosed, map[string]any{"until_open": wait.String()})
	}
	m.deps.Metrics.SetMarketOpen(false)
	m.deps.Health.SetMarketOpen(false)
	return min(wait, m.cfg.MaxClosedWait), true
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Tick runs one fetch, evaluate and submit cycle.
func (m *Monitor) Tick(ctx context.Context) (rep TickReport) {
	m.seq++
	start := m.cfg.Now()
	rep = TickReport{Seq: m.seq, Started: start}
	rep.TraceID = logger.GenerateTraceID("tick", start)
	ctx = logger.WithTraceID(ctx, rep.TraceID)
	log := logger.With(ctx, m.log)

	defer func() {
		if r := recover(); r != nil {
			rep.Err = fmt.Errorf("tick panic: %v", r)
			m.deps.Metrics.TickError("panic")
			log.Error("tick panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
		rep.Duration = m.cfg.Now().Sub(start)
		rep.Pending = len(m.pending)
		m.deps.Metrics.TickDone(rep.Duration.Seconds())
		m.deps.Latency.Observe(rep.Duration)
		m.deps.Events.Emit(events.TypeTick, rep)
	}()

	fctx, cancel := context.WithTimeout(ctx, m.cfg.PositionsTimeout)
	positions, err := m.deps.Positions.OpenPositions(fctx)
	cancel()
	if err != nil {
		// Tracked levels and pending exits survive a failed fetch; only an
		// observed absence releases them.
		rep.Err = fmt.Errorf("fetch positions: %w", err)
		m.deps.Metrics.TickError("positions")
		m.deps.Health.TickCompleted(m.cfg.Now(), false)
		if ctx.Err() == nil {
			log.Warn("fetch positions failed", zap.Error(err))
		}
		return rep
	}
	rep.Fetched = len(positions)

	if seed := m.cfg.Seed; seed != nil {
		var outcome seedOutcome
		positions, outcome = seed.apply(positions)
		switch outcome {
		case seedClosed:
			rep.Done, rep.DoneReason = true, "seed position closed"
		case seedAbsent:
			log.Debug("seed position not reported yet", zap.Stringer("key", seed.Key()))
		}
	}

	eligible := m.deps.Filter.Select(positions)
	rep.Eligible = len(eligible)
	m.release(log, eligible)
	m.deps.Metrics.SetTracked(len(eligible))

	quotes := m.deps.Quotes.Resolve(ctx, eligible)
	m.deps.Health.TickCompleted(m.cfg.Now(), true)

	holdings := make([]portfolio.Holding, 0, len(eligible))
	for _, pos := range eligible {
		key := pos.Key()
		price, ok := quotes.LTP(key)
		if ok {
			rep.Priced++
		} else {
			m.deps.Metrics.QuoteMiss()
		}

		h := portfolio.Holding{
			Key:           key,
			TradingSymbol: pos.TradingSymbol,
			Qty:           pos.NetQty,
			Entry:         pos.AvgPrice,
			LTP:           price,
			HasLTP:        ok,
		}

		if p, isPending := m.pending[key]; isPending {
			age := m.cfg.Now().Sub(p.Since)
			if age < m.cfg.PendingTTL {
				h.ExitPending = true
				holdings = append(holdings, h)
				log.Debug("exit pending, not evaluating",
					zap.Stringer("key", key), zap.String("outcome", string(p.Outcome)))
				continue
			}
			// The order never closed the position; watch it again from entry.
			delete(m.pending, key)
			m.deps.Events.Emit(events.TypeExitExpired, expiredExit{
				Key: key, OrderID: p.OrderID, Outcome: p.Outcome, Qty: p.Qty, NetQty: pos.NetQty, Age: age,
			})
			log.Warn("exit still open after pending ttl, re-evaluating",
				zap.Stringer("key", key), zap.String("order_id", p.OrderID),
				zap.String("outcome", string(p.Outcome)), zap.Int64("submitted_qty", p.Qty),
				zap.Int64("net_qty", pos.NetQty), zap.Duration("age", age))
		}

		dec := m.deps.Engine.Evaluate(pos, price, ok)
		h.Armed, h.Target, h.Stop, h.HasStop = dec.State.Armed, dec.State.Target, dec.State.Stop, dec.State.HasStop
		if dec.Ratcheted {
			m.deps.Metrics.Ratchet()
			m.deps.Events.Emit(events.TypeLevels, levelsEvent(pos, dec))
			log.Info("levels ratcheted", zap.Stringer("key", key),
				zap.String("price", price.String()),
				zap.String("target", dec.State.Target.String()),
				zap.String("stop", dec.State.Stop.String()))
		}
		if !dec.Exit {
			holdings = append(holdings, h)
			continue
		}

		m.deps.Metrics.ExitTrigger(string(dec.Reason))
		m.deps.Events.Emit(events.TypeExitTriggered, levelsEvent(pos, dec))
		log.Info("exit triggered", zap.Stringer("key", key),
			zap.String("reason", string(dec.Reason)), zap.String("price", price.String()))

		res := m.deps.Orders.Submit(ctx, pos, dec)
		er := ExitReport{Key: key, Reason: dec.Reason, Price: price, Outcome: res.Outcome, OrderID: res.Order.OrderID}
		rep.Exits = append(rep.Exits, er)
		m.deps.Events.Emit(events.TypeExitOrder, er)

		switch res.Outcome {
		case execution.OutcomePlaced, execution.OutcomeUnknown:
			m.deps.Engine.Disarm(key)
			m.pending[key] = pendingExit{Outcome: res.Outcome, OrderID: res.Order.OrderID, Qty: pos.NetQty, Since: m.cfg.Now()}
			h.Armed, h.ExitPending = false, true
			if m.deps.Portfolio != nil {
				m.deps.Portfolio.PnL().RecordExit(portfolio.Exit{
					Key: key, Qty: pos.NetQty, Entry: pos.AvgPrice, Price: price,
					Reason: string(dec.Reason), Timestamp: m.cfg.Now(),
				})
			}
			if seed := m.cfg.Seed; seed != nil && key == seed.Key() && res.Outcome == execution.OutcomePlaced {
				rep.Done, rep.DoneReason = true, "seed exit placed"
			}
		case execution.OutcomeRejected:
			// Levels stay armed and are evaluated again on the next tick.
		}
		holdings = append(holdings, h)
	}

	if m.deps.Portfolio != nil {
		m.deps.Portfolio.Replace(holdings, m.cfg.Now())
		m.deps.Metrics.SetUnrealizedPnL(m.deps.Portfolio.TotalUnrealizedPnL().InexactFloat64())
	}
	return rep
}

// release drops engine state and pending marks for keys absent from eligible.
func (m *Monitor) release(log *zap.Logger, eligible []model.Position) {
	keep := make(map[model.InstrumentKey]struct{}, len(eligible))
	for _, p := range eligible {
		keep[p.Key()] = struct{}{}
	}
	m.deps.Engine.Retain(keep)
	for k, p := range m.pending {
		if _, ok := keep[k]; ok {
			continue
		}
		delete(m.pending, k)
		log.Info("position gone, exit settled",
			zap.Stringer("key", k), zap.String("order_id", p.OrderID), zap.String("outcome", string(p.Outcome)))
	}
}

// Pending reports whether an exit for key is awaiting the position's
// disappearance or the pending TTL.
func (m *Monitor) Pending(key model.InstrumentKey) bool {
	_, ok := m.pending[key]
	return ok
}

type levels struct {
	Key    model.InstrumentKey `json:"key"`
	Symbol string              `json:"symbol,omitempty"`
	Price  decimal.Decimal     `json:"price"`
	Target decimal.Decimal     `json:"target"`
	Stop   *decimal.Decimal    `json:"stop,omitempty"`
	Reason exitrule.Reason     `json:"reason,omitempty"`
}

func levelsEvent(pos model.Position, dec exitrule.Decision) levels {
	l := levels{Key: dec.Key, Symbol: pos.TradingSymbol, Price: dec.Price, Target: dec.State.Target, Reason: dec.Reason}
	if dec.State.HasStop {
		stop := dec.State.Stop
		l.Stop = &stop
	}
	return l
}
