package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// NextFunc returns how long to wait, from now, before the next tick.
type NextFunc func(now time.Time) time.Duration

// Every ticks at a fixed interval.
func Every(interval time.Duration) NextFunc {
	return func(time.Time) time.Duration { return interval }
}

// AtMidnight ticks at every local midnight in loc.
func AtMidnight(loc *time.Location) NextFunc {
	if loc == nil {
		loc = time.Local
	}
	return func(now time.Time) time.Duration {
		l := now.In(loc)
		next := time.Date(l.Year(), l.Month(), l.Day()+1, 0, 0, 0, 0, loc)
		return next.Sub(now)
	}
}

type Scheduler struct {
	name      string
	next      NextFunc
	tickFn    func(context.Context)
	immediate bool

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Scheduler)

// WithImmediateTick runs tickFn once right after Start.
func WithImmediateTick() Option {
	return func(s *Scheduler) { s.immediate = true }
}

func New(name string, next NextFunc, tickFn func(context.Context), opts ...Option) (*Scheduler, error) {
	if next == nil {
		return nil, errors.New("next must not be nil")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	if d := next(time.Now()); d <= 0 {
		return nil, errors.New("next must return a delay > 0")
	}

	s := &Scheduler{
		name:   name,
		next:   next,
		tickFn: tickFn,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		slog.Info("scheduler started", "name", s.name)

		if s.immediate {
			s.safeTick(ctx)
		}

		for {
			timer := time.NewTimer(s.next(time.Now()))
			select {
			case <-ctx.Done():
				timer.Stop()
				slog.Info("scheduler stopping", "name", s.name)
				return
			case <-timer.C:
				s.safeTick(ctx)
			}
		}
	}()

	return true
}

func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	slog.Info("scheduler stopped", "name", s.name)
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler tick panic recovered", "name", s.name, "panic", r)
		}
	}()

	start := time.Now()
	s.tickFn(ctx)
	slog.Info("scheduler tick completed", "name", s.name, "duration_ms", time.Since(start).Milliseconds())
}
