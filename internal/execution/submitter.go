// Package execution turns exit decisions into broker orders.
//
// The Submitter sends each exit exactly once. The broker's answer is
// authoritative and nothing is retried here.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dhan-autoexit/internal/exitrule"
	"dhan-autoexit/internal/logger"
	"dhan-autoexit/internal/metrics"
	"dhan-autoexit/internal/model"
	"dhan-autoexit/internal/notification"
)

// Outcome classifies a submission.
type Outcome string

const (
	// OutcomePlaced: the broker accepted the order.
	OutcomePlaced Outcome = "placed"
	// OutcomeRejected: the broker refused the order; nothing was placed.
	OutcomeRejected Outcome = "rejected"
	// OutcomeUnknown: transport failure or timeout; the order may exist.
	OutcomeUnknown Outcome = "unknown"
)

// Result is the outcome of one Submit call.
type Result struct {
	Outcome Outcome                `json:"outcome"`
	Request model.ExitOrderRequest `json:"request"`
	Order   model.OrderResult      `json:"order"`
	Err     error                  `json:"-"`
	Latency time.Duration          `json:"latency"`
}

// Recorder persists submission attempts.
type Recorder interface {
	Record(ctx context.Context, rec ExitRecord) error
}

// Options configures a Submitter. Journal and Notifier are optional.
type Options struct {
	Timeout  time.Duration // default 5s
	DryRun   bool
	Journal  Recorder
	Notifier notification.Notifier
	Metrics  *metrics.Metrics
	Latency  *metrics.LatencyWindow // order round trips
	Logger   *zap.Logger

	NewID func() string
	Now   func() time.Time
}

type Submitter struct {
	orders model.OrderService
	opts   Options
	log    *zap.Logger

	alerts sync.WaitGroup
}

func NewSubmitter(orders model.OrderService, opts Options) *Submitter {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Submitter{orders: orders, opts: opts, log: opts.Logger.Named("submitter")}
}

// BuildExitOrder creates a market SELL closing the whole of pos.
func BuildExitOrder(pos model.Position, correlationID string) model.ExitOrderRequest {
	return model.ExitOrderRequest{
		CorrelationID:   correlationID,
		SecurityID:      pos.SecurityID,
		Segment:         pos.Segment,
		TradingSymbol:   pos.TradingSymbol,
		TransactionType: model.TransactionSell,
		ProductType:     pos.ProductType,
		OrderType:       model.OrderTypeMarket,
		Validity:        model.ValidityDay,
		Quantity:        pos.AbsQty(),
		Expiry:          model.DateOnly(pos.Expiry),
		OptionRight:     pos.OptionRight,
		Strike:          pos.Strike,
	}
}

// Classify maps a PlaceOrder error to an Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomePlaced
	case errors.Is(err, model.ErrOrderRejected):
		return OutcomeRejected
	default:
		return OutcomeUnknown
	}
}

// Submit sends one exit order for pos and reports what happened. It never
// retries and never returns an error: failures are part of the Result.
func (s *Submitter) Submit(ctx context.Context, pos model.Position, dec exitrule.Decision) Result {
	req := BuildExitOrder(pos, s.opts.NewID())
	log := logger.With(ctx, s.log).With(
		zap.String("instrument", pos.Key().String()),
		zap.String("symbol", pos.TradingSymbol),
		zap.String("correlation_id", req.CorrelationID),
		zap.Int64("qty", req.Quantity),
		zap.String("reason", string(dec.Reason)),
		zap.Stringer("price", dec.Price),
		zap.Stringer("entry", dec.State.Entry),
		zap.Stringer("target", dec.State.Target),
		zap.Stringer("stop", dec.State.Stop),
	)

	callCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	start := s.opts.Now()
	order, err := s.orders.PlaceOrder(callCtx, req)
	cancel()

	res := Result{
		Outcome: Classify(err),
		Request: req,
		Order:   order,
		Err:     err,
		Latency: s.opts.Now().Sub(start),
	}
	s.opts.Metrics.ExitOrder(string(dec.Reason), string(res.Outcome))
	s.opts.Latency.Observe(res.Latency)

	switch res.Outcome {
	case OutcomePlaced:
		log.Info("exit order placed", zap.String("order_id", order.OrderID), zap.String("status", order.Status),
			zap.Duration("latency", res.Latency))
	case OutcomeRejected:
		log.Error("exit order rejected", zap.Error(err), zap.String("status", order.Status), zap.String("message", order.Message))
	default:
		log.Error("exit order outcome unknown", zap.Error(err), zap.Duration("latency", res.Latency))
	}

	s.journal(ctx, log, pos, dec, res)
	s.alert(pos, dec, res)
	return res
}

func (s *Submitter) journal(ctx context.Context, log *zap.Logger, pos model.Position, dec exitrule.Decision, res Result) {
	if s.opts.Journal == nil {
		return
	}
	rec := NewExitRecord(pos, dec, res, s.opts.DryRun, s.opts.Now())
	if err := s.opts.Journal.Record(context.WithoutCancel(ctx), rec); err != nil {
		log.Warn("journal write failed", zap.Error(err))
	}
}

// alert delivers off the loop goroutine; Flush waits for it.
func (s *Submitter) alert(pos model.Position, dec exitrule.Decision, res Result) {
	if s.opts.Notifier == nil {
		return
	}
	a := exitAlert(pos, dec, res, s.opts.DryRun)
	s.alerts.Add(1)
	go func() {
		defer s.alerts.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.opts.Notifier.Send(ctx, a); err != nil {
			s.log.Warn("alert delivery failed", zap.Error(err))
		}
	}()
}

// Flush waits for in-flight alerts.
func (s *Submitter) Flush() {
	s.alerts.Wait()
}

func exitAlert(pos model.Position, dec exitrule.Decision, res Result, dryRun bool) notification.Alert {
	prefix := ""
	if dryRun {
		prefix = "[paper] "
	}
	body := fmt.Sprintf("%s %s qty=%d reason=%s ltp=%s entry=%s target=%s stop=%s correlation=%s",
		pos.Key(), pos.TradingSymbol, res.Request.Quantity, dec.Reason, dec.Price,
		dec.State.Entry, dec.State.Target, dec.State.Stop, res.Request.CorrelationID)

	switch res.Outcome {
	case OutcomePlaced:
		return notification.Alert{Level: notification.AlertInfo, Title: prefix + "Exit order placed",
			Message: fmt.Sprintf("%s order=%s status=%s", body, res.Order.OrderID, res.Order.Status)}
	case OutcomeRejected:
		return notification.Alert{Level: notification.AlertCritical, Title: prefix + "Exit order rejected",
			Message: fmt.Sprintf("%s error=%v (will re-evaluate next tick)", body, res.Err)}
	default:
		return notification.Alert{Level: notification.AlertCritical, Title: prefix + "Exit order outcome unknown",
			Message: fmt.Sprintf("%s error=%v (check the order book manually)", body, res.Err)}
	}
}
