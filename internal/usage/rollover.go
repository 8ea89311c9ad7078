package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedules used by Rollover. Midnight is evaluated in UTC.
const (
	MidnightSchedule = "0 0 * * *"
	FlushSchedule    = "@every 1m"
)

// Rollover runs the tracker's day-boundary check at UTC midnight, so the
// finished day is archived even when no traffic arrives, and periodically
// flushes counters to the store.
type Rollover struct {
	tracker *Tracker
	cron    *cron.Cron
	mu      sync.Mutex
	logger  *slog.Logger
	running bool
}

// NewRollover creates a scheduler for tracker.
func NewRollover(tracker *Tracker, logger *slog.Logger) *Rollover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rollover{
		tracker: tracker,
		logger:  logger.With("component", "usage.rollover"),
	}
}

// Start schedules the jobs. It returns once they are registered; the jobs
// stop when ctx is done or Stop is called.
func (r *Rollover) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(MidnightSchedule, r.runRollover); err != nil {
		return fmt.Errorf("failed to schedule usage rollover: %w", err)
	}
	if r.tracker.store != nil {
		if _, err := c.AddFunc(FlushSchedule, func() { r.runFlush(ctx) }); err != nil {
			return fmt.Errorf("failed to schedule usage flush: %w", err)
		}
	}

	c.Start()
	r.cron = c
	r.running = true
	r.logger.Info("usage rollover scheduled", "schedule", MidnightSchedule)

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// Stop halts the scheduler and waits for a running job to finish.
func (r *Rollover) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil && r.running {
		done := r.cron.Stop()
		<-done.Done()
		r.running = false
		r.logger.Info("usage rollover stopped")
	}
}

// IsRunning reports whether jobs are scheduled.
func (r *Rollover) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Rollover) runRollover() {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in usage rollover", "panic", fmt.Sprint(p))
		}
	}()
	if r.tracker.CheckRollover() {
		r.logger.Debug("usage counters reset for new day", "day", r.tracker.Today().Day)
	}
}

func (r *Rollover) runFlush(ctx context.Context) {
	if err := r.tracker.Flush(ctx); err != nil {
		r.logger.Warn("usage flush failed", "error", err)
	}
}
