// Package breaker guards calls to a flaky upstream. After a run of
// consecutive failures the breaker opens and fails fast for a cooldown, then
// lets a single probe through to decide whether to close again.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Do while the breaker is failing fast.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker position.
type State int

const (
	Closed   State = iota // calls pass through
	Open                  // calls rejected until cooldown elapses
	HalfOpen              // one probe in flight
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Options configures a Breaker. Zero values fall back to 5 failures / 10s.
type Options struct {
	MaxFailures   int
	Cooldown      time.Duration
	OnStateChange func(name string, from, to State)
	Now           func() time.Time
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name string
	opts Options

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

func New(name string, opts Options) *Breaker {
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{name: name, opts: opts}
}

func (b *Breaker) Name() string { return b.name }

// Do runs fn unless the breaker is open. A context cancellation coming back
// from fn is not counted as an upstream failure.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.opts.Now().Sub(b.openedAt) < b.opts.Cooldown {
			return ErrCircuitOpen
		}
		b.transition(HalfOpen)
		b.probing = true
	case HalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasProbe := b.state == HalfOpen
	b.probing = false

	if err != nil && errors.Is(err, context.Canceled) {
		if wasProbe {
			// probe never reached a verdict; allow another one
			b.transition(Open)
			b.openedAt = b.opts.Now().Add(-b.opts.Cooldown)
		}
		return
	}

	if err == nil {
		b.failures = 0
		if b.state != Closed {
			b.transition(Closed)
		}
		return
	}

	b.failures++
	if wasProbe || b.failures >= b.opts.MaxFailures {
		b.openedAt = b.opts.Now()
		if b.state != Open {
			b.transition(Open)
		}
	}
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if to == Closed {
		b.failures = 0
	}
	if b.opts.OnStateChange != nil && from != to {
		b.opts.OnStateChange(b.name, from, to)
	}
}
