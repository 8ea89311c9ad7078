package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultSweepInterval is how often the Sweeper checks for overdue items.
const DefaultSweepInterval = 30 * time.Second

// Sweeper periodically expires overdue items so expiry does not depend on
// someone reading the queue.
type Sweeper struct {
	queue    *Queue
	interval time.Duration
	clock    func() time.Time
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a sweeper for queue. A non-positive interval uses
// DefaultSweepInterval.
func NewSweeper(queue *Queue, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		queue:    queue,
		interval: interval,
		clock:    time.Now,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithClock overrides the time passed to ExpireOverdue.
func (s *Sweeper) WithClock(clock func() time.Time) *Sweeper {
	s.clock = clock
	return s
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start runs the sweep loop until ctx is done or Stop is called. Call in a
// goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweep loop to exit.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

// SweepOnce runs a single sweep and returns the number of items expired.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	return len(s.queue.ExpireOverdue(ctx, s.clock()))
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in approval sweeper", "panic", fmt.Sprint(r))
		}
	}()
	if n := s.SweepOnce(ctx); n > 0 {
		s.logger.Info("expired overdue approvals", "count", n)
	}
}
