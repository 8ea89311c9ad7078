package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/autonomy/internal/metrics"
)

// Tracker keeps today's per-category counters. A day boundary (UTC
// midnight) is noticed on the first access after it passes: the finished
// day is handed to the rollover hook and counters start again at zero.
//
// The usage gauges are only written under mu, so they always describe the
// tracker's current day.
type Tracker struct {
	mu       sync.Mutex
	day      string
	counters map[string]Counter
	limits   map[string]Limit

	clock      func() time.Time
	store      Store
	onRollover func(Snapshot)
	logger     *slog.Logger
}

// NewTracker creates a tracker enforcing limits (nil for none).
func NewTracker(limits map[string]Limit, logger *slog.Logger) (*Tracker, error) {
	if err := ValidateLimits(limits); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	copied := make(map[string]Limit, len(limits))
	for k, v := range limits {
		copied[k] = v
	}
	t := &Tracker{
		counters: make(map[string]Counter),
		limits:   copied,
		clock:    time.Now,
		logger:   logger,
	}
	t.day = DayOf(t.clock())
	return t, nil
}

// WithClock overrides the time source. The current day is re-read from it.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.mu.Lock()
	t.clock = clock
	t.day = DayOf(clock())
	t.mu.Unlock()
	return t
}

// WithStore enables persistence through Flush, Restore and rollover.
func (t *Tracker) WithStore(store Store) *Tracker {
	t.store = store
	return t
}

// OnRollover registers fn to receive each finished day. fn runs outside
// the tracker lock.
func (t *Tracker) OnRollover(fn func(Snapshot)) *Tracker {
	t.onRollover = fn
	return t
}

// Record adds one event of amount to category, ignoring limits.
func (t *Tracker) Record(category string, amount float64) {
	t.mu.Lock()
	finished := t.rolloverLocked()
	c := t.counters[category]
	c.Count++
	c.Value += amount
	t.counters[category] = c
	t.publishLocked(category, c)
	t.mu.Unlock()

	t.afterRollover(finished)
}

// Reserve records the event only if it fits under category's daily limit.
// The check and the increment are atomic.
func (t *Tracker) Reserve(category string, amount float64) bool {
	t.mu.Lock()
	finished := t.rolloverLocked()
	c := t.counters[category]
	if limit, ok := t.limits[category]; ok && !limit.allows(c, amount) {
		t.mu.Unlock()
		t.afterRollover(finished)
		return false
	}
	c.Count++
	c.Value += amount
	t.counters[category] = c
	t.publishLocked(category, c)
	t.mu.Unlock()

	t.afterRollover(finished)
	return true
}

// Today returns a copy of the current day's counters.
func (t *Tracker) Today() Snapshot {
	t.mu.Lock()
	finished := t.rolloverLocked()
	s := t.snapshotLocked()
	t.mu.Unlock()

	t.afterRollover(finished)
	return s
}

// Limits returns a copy of the configured limits.
func (t *Tracker) Limits() map[string]Limit {
	out := make(map[string]Limit, len(t.limits))
	for k, v := range t.limits {
		out[k] = v
	}
	return out
}

// CheckRollover forces the day-boundary check and reports whether a new
// day began.
func (t *Tracker) CheckRollover() bool {
	t.mu.Lock()
	finished := t.rolloverLocked()
	t.mu.Unlock()

	t.afterRollover(finished)
	return finished != nil
}

// Flush saves today's counters to the store.
func (t *Tracker) Flush(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	if err := t.store.SaveDay(ctx, t.Today()); err != nil {
		return fmt.Errorf("failed to save usage: %w", err)
	}
	return nil
}

// Restore loads today's counters from the store. Stored values replace
// in-memory ones only where they are larger, so a restore never loses
// events recorded since start.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	t.mu.Lock()
	day := DayOf(t.clock())
	t.mu.Unlock()

	stored, err := t.store.LoadDay(ctx, day)
	if err != nil {
		return fmt.Errorf("failed to load usage for %s: %w", day, err)
	}

	t.mu.Lock()
	finished := t.rolloverLocked()
	if t.day == stored.Day {
		for category, sc := range stored.Categories {
			c := t.counters[category]
			if sc.Count > c.Count {
				c.Count = sc.Count
			}
			if sc.Value > c.Value {
				c.Value = sc.Value
			}
			t.counters[category] = c
			t.publishLocked(category, c)
		}
	}
	t.mu.Unlock()

	t.afterRollover(finished)
	return nil
}

// rolloverLocked resets counters if the day changed and returns the
// finished day, or nil.
func (t *Tracker) rolloverLocked() *Snapshot {
	today := DayOf(t.clock())
	if today == t.day {
		return nil
	}
	finished := t.snapshotLocked()
	t.day = today
	t.counters = make(map[string]Counter)
	metrics.UsageCount.Reset()
	metrics.UsageValue.Reset()
	return &finished
}

func (t *Tracker) snapshotLocked() Snapshot {
	s := Snapshot{Day: t.day, Categories: make(map[string]Counter, len(t.counters))}
	for k, v := range t.counters {
		s.Categories[k] = v
	}
	return s
}

func (t *Tracker) publishLocked(category string, c Counter) {
	metrics.UsageCount.WithLabelValues(category).Set(float64(c.Count))
	metrics.UsageValue.WithLabelValues(category).Set(c.Value)
}

func (t *Tracker) afterRollover(finished *Snapshot) {
	if finished == nil {
		return
	}
	total := finished.Total()
	t.logger.Info("usage day closed",
		"day", finished.Day,
		"categories", len(finished.Categories),
		"count", total.Count,
		"value", total.Value,
	)

	if t.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := t.store.SaveDay(ctx, *finished); err != nil {
			t.logger.Warn("failed to archive usage day", "day", finished.Day, "error", err)
		}
	}
	if t.onRollover != nil {
		t.onRollover(*finished)
	}
}
