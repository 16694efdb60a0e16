package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"dhan-autoexit/internal/events"
	"dhan-autoexit/internal/metrics"
)

// ErrAlreadyRunning is returned by Start while a loop is active.
var ErrAlreadyRunning = errors.New("auto exit already running")

// Lease guards the loop against a second instance on another host.
// *lease.Lease satisfies it.
type Lease interface {
	Acquire(ctx context.Context) error
	Keep(ctx context.Context) error
	Release(ctx context.Context) error
}

// Factory builds a fresh Monitor for one run. Each run starts with empty
// trailing state.
type Factory func(seed *Seed) (*Monitor, error)

// SupervisorOptions are optional collaborators of a Supervisor.
type SupervisorOptions struct {
	Lease   Lease
	Events  *events.Bus
	Metrics *metrics.Metrics
	Health  *metrics.HealthStatus
	Logger  *zap.Logger
	Now     func() time.Time
}

// Status is a snapshot of the supervisor for the control API.
type Status struct {
	Running    bool       `json:"running"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
	Seed       *Seed      `json:"seed,omitempty"`
	StopReason string     `json:"stop_reason,omitempty"`
	Runs       int        `json:"runs"`
}

// Supervisor owns at most one running Monitor per process.
type Supervisor struct {
	base    context.Context
	factory Factory
	opts    SupervisorOptions
	log     *zap.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	starting bool
	stopping bool
	status   Status
}

// NewSupervisor creates a Supervisor whose runs end when base is cancelled.
func NewSupervisor(base context.Context, factory Factory, opts SupervisorOptions) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Supervisor{base: base, factory: factory, opts: opts, log: opts.Logger.Named("supervisor")}
}

// Start launches a loop. seed may be nil to watch every eligible position.
// The loop outlives ctx, which only bounds lease acquisition.
func (s *Supervisor) Start(ctx context.Context, seed *Seed) error {
	s.mu.Lock()
	if s.cancel != nil || s.starting {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.starting = true
	s.mu.Unlock()

	// Lease acquisition talks to Redis; Status and Stop stay responsive meanwhile.
	mon, err := s.prepare(ctx, seed)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.starting = false
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(s.base)
	done := make(chan struct{})
	now := s.opts.Now()
	s.cancel, s.done = cancel, done
	s.status = Status{Running: true, StartedAt: &now, Seed: seed, Runs: s.status.Runs + 1}

	s.opts.Metrics.SetLoopRunning(true)
	s.opts.Health.SetLoopRunning(true)
	s.opts.Events.Emit(events.TypeLoopStarted, map[string]any{"seed": seed})
	s.log.Info("auto exit started", zap.Bool("seeded", seed != nil))

	go s.run(runCtx, cancel, done, mon)
	return nil
}

func (s *Supervisor) prepare(ctx context.Context, seed *Seed) (*Monitor, error) {
	mon, err := s.factory(seed)
	if err != nil {
		return nil, fmt.Errorf("build monitor: %w", err)
	}
	if s.opts.Lease != nil {
		if err := s.opts.Lease.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("acquire lease: %w", err)
		}
	}
	return mon, nil
}

func (s *Supervisor) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}, mon *Monitor) {
	defer close(done)
	defer cancel()

	var leaseErr error
	var keepers sync.WaitGroup
	if s.opts.Lease != nil {
		keepers.Add(1)
		go func() {
			defer keepers.Done()
			if err := s.opts.Lease.Keep(ctx); err != nil {
				leaseErr = err
				s.log.Error("lease lost, stopping loop", zap.Error(err))
				cancel()
			}
		}()
	}

	reason := "completed"
	if err := mon.Run(ctx); err != nil {
		reason = err.Error()
	}
	cancel()
	keepers.Wait()

	switch {
	case leaseErr != nil:
		reason = "lease lost"
	case s.stopRequested():
		reason = "stopped"
	case s.base.Err() != nil:
		reason = "shutdown"
	}

	if s.opts.Lease != nil && leaseErr == nil {
		rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		if err := s.opts.Lease.Release(rctx); err != nil {
			s.log.Warn("lease release failed", zap.Error(err))
		}
		rcancel()
	}

	s.mu.Lock()
	now := s.opts.Now()
	s.status.Running = false
	s.status.StoppedAt = &now
	s.status.StopReason = reason
	s.cancel, s.done = nil, nil
	s.stopping = false
	s.mu.Unlock()

	s.opts.Metrics.SetLoopRunning(false)
	s.opts.Health.SetLoopRunning(false)
	s.opts.Events.Emit(events.TypeLoopStopped, map[string]any{"reason": reason})
	s.log.Info("auto exit stopped", zap.String("reason", reason))
}

func (s *Supervisor) stopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// Stop cancels the running loop and waits for it to exit or for ctx to end.
// Stopping an idle supervisor is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	if cancel == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop: %w", ctx.Err())
	}
}

// Wait blocks until the current run, if any, has exited.
func (s *Supervisor) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Running reports whether a loop is active.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
