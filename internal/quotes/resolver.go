// Package quotes resolves last traded prices for a tick's eligible positions
// with one batched request per exchange segment.
package quotes

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dhan-autoexit/internal/breaker"
	"dhan-autoexit/internal/logger"
	"dhan-autoexit/internal/metrics"
	"dhan-autoexit/internal/model"
)

// Options tunes a Resolver. Zero values use 3s timeout, 5 failures, 10s cooldown.
type Options struct {
	Timeout         time.Duration
	BreakerFailures int
	BreakerCooldown time.Duration
	Metrics         *metrics.Metrics
	Logger          *zap.Logger
}

// Resolver fans out one LTP request per segment and joins them before
// returning, so callers always see a complete tick view.
type Resolver struct {
	svc     model.QuoteService
	timeout time.Duration
	m       *metrics.Metrics
	log     *zap.Logger

	bopts    breaker.Options
	mu       sync.Mutex
	breakers map[model.Segment]*breaker.Breaker
}

func NewResolver(svc model.QuoteService, opts Options) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := &Resolver{
		svc:      svc,
		timeout:  opts.Timeout,
		m:        opts.Metrics,
		log:      opts.Logger.Named("quotes"),
		breakers: make(map[model.Segment]*breaker.Breaker),
	}
	r.bopts = breaker.Options{
		MaxFailures: opts.BreakerFailures,
		Cooldown:    opts.BreakerCooldown,
		OnStateChange: func(name string, from, to breaker.State) {
			r.log.Warn("circuit breaker state change", zap.String("breaker", name),
				zap.Stringer("from", from), zap.Stringer("to", to))
			r.m.BreakerTransition(name, int(to))
		},
	}
	return r
}

type batch struct {
	segment model.Segment
	ids     []string
}

// groupBySegment returns one batch per distinct segment in first-seen order,
// with ids deduplicated and kept in snapshot order.
func groupBySegment(positions []model.Position) []batch {
	var out []batch
	index := make(map[model.Segment]int)
	seen := make(map[model.InstrumentKey]struct{})
	for _, p := range positions {
		k := p.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		i, ok := index[p.Segment]
		if !ok {
			i = len(out)
			index[p.Segment] = i
			out = append(out, batch{segment: p.Segment})
		}
		out[i].ids = append(out[i].ids, p.SecurityID)
	}
	return out
}

// Resolve returns prices for positions. Segments whose request fails are
// absent from the result; failures are logged and counted, never returned.
func (r *Resolver) Resolve(ctx context.Context, positions []model.Position) model.Quotes {
	batches := groupBySegment(positions)
	out := make(model.Quotes, len(positions))
	if len(batches) == 0 {
		return out
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, b := range batches {
		g.Go(func() error {
			prices := r.fetch(ctx, b)
			mu.Lock()
			for id, px := range prices {
				out[model.InstrumentKey{Segment: b.segment, SecurityID: id}] = px
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (r *Resolver) fetch(ctx context.Context, b batch) map[string]decimal.Decimal {
	log := logger.With(ctx, r.log).With(zap.String("segment", string(b.segment)), zap.Strings("ids", b.ids))

	var prices map[string]decimal.Decimal
	err := r.breakerFor(b.segment).Do(func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		var err error
		prices, err = r.svc.LTP(callCtx, b.segment, b.ids)
		return err
	})

	switch {
	case errors.Is(err, breaker.ErrCircuitOpen):
		r.m.QuoteRequest(string(b.segment), "breaker_open")
		log.Debug("ltp skipped, circuit open")
		return nil
	case err != nil:
		r.m.QuoteRequest(string(b.segment), "error")
		log.Warn("ltp request failed", zap.Error(err))
		return nil
	}
	r.m.QuoteRequest(string(b.segment), "ok")
	if len(prices) < len(b.ids) {
		log.Debug("ltp partial", zap.Int("returned", len(prices)))
	}
	return prices
}

func (r *Resolver) breakerFor(seg model.Segment) *breaker.Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[seg]
	if !ok {
		b = breaker.New("ltp:"+string(seg), r.bopts)
		r.breakers[seg] = b
	}
	return b
}

// BreakerStates reports the breaker position per segment.
func (r *Resolver) BreakerStates() map[model.Segment]breaker.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[model.Segment]breaker.State, len(r.breakers))
	for seg, b := range r.breakers {
		out[seg] = b.State()
	}
	return out
}
