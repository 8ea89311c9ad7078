package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/autonomy/internal/autonomy"
	"github.com/mbd888/autonomy/internal/idgen"
	"github.com/mbd888/autonomy/internal/metrics"
)

// Queue is an in-memory approval queue. All state sits behind one mutex and
// callers only ever see copies of items.
//
// TTLs are enforced lazily on Get, List and Resolve, and eagerly by
// ExpireOverdue (see Sweeper). Every expiry, however it is detected, is
// reported once through the hook set by OnExpire.
//
// Only the most recent terminal items are kept (see WithRetention); older
// ones are dropped and look up as not found.
type Queue struct {
	mu       sync.Mutex
	items    map[string]*Item
	order    []string // creation order; may hold dropped ids until compacted
	terminal []string // ids in the order they became terminal
	counts   map[Status]int
	retain   int

	ttl      time.Duration
	clock    func() time.Time
	store    Store
	onExpire func([]*Item)
	logger   *slog.Logger
}

// NewQueue creates a queue whose items expire after ttl (DefaultTTL if zero).
func NewQueue(ttl time.Duration, logger *slog.Logger) (*Queue, error) {
	if ttl < 0 {
		return nil, &autonomy.ConfigError{Field: "approval.ttl", Reason: fmt.Sprintf("must not be negative (got %s)", ttl)}
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		items:  make(map[string]*Item),
		counts: make(map[Status]int),
		retain: DefaultRetainResolved,
		ttl:    ttl,
		clock:  time.Now,
		logger: logger,
	}, nil
}

// WithRetention sets how many terminal items stay queryable. Zero or less
// keeps DefaultRetainResolved.
func (q *Queue) WithRetention(n int) *Queue {
	if n > 0 {
		q.mu.Lock()
		q.retain = n
		q.pruneLocked()
		q.mu.Unlock()
	}
	return q
}

// WithClock overrides the queue's time source.
func (q *Queue) WithClock(clock func() time.Time) *Queue {
	q.clock = clock
	return q
}

// WithStore enables write-through persistence.
func (q *Queue) WithStore(store Store) *Queue {
	q.store = store
	return q
}

// OnExpire registers fn to receive items as they expire. fn runs outside
// the queue lock.
func (q *Queue) OnExpire(fn func([]*Item)) *Queue {
	q.onExpire = fn
	return q
}

// TTL returns the lifetime given to new items.
func (q *Queue) TTL() time.Duration { return q.ttl }

// Enqueue parks a decision for review and stamps it with the item ID.
func (q *Queue) Enqueue(ctx context.Context, decision *autonomy.Decision) (*Item, error) {
	if decision == nil || !decision.Outcome.NeedsHuman() {
		return nil, ErrNotQueueable
	}

	now := q.clock()
	id := idgen.WithPrefix("apv_")
	decision.ApprovalID = id
	item := &Item{
		ID:        id,
		Decision:  decision.Clone(),
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(q.ttl),
		TTL:       q.ttl,
	}

	q.mu.Lock()
	q.items[item.ID] = item
	q.order = append(q.order, item.ID)
	q.counts[StatusPending]++
	out := item.clone()
	q.updateGaugesLocked()
	q.mu.Unlock()

	q.persist(ctx, out)
	return out, nil
}

// Get returns a copy of the item.
func (q *Queue) Get(ctx context.Context, id string) (*Item, error) {
	q.mu.Lock()
	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	var expired []*Item
	if q.expireLocked(item, q.clock()) {
		expired = append(expired, item.clone())
		q.settleLocked()
	}
	out := item.clone()
	q.mu.Unlock()

	q.afterExpiry(ctx, expired)
	return out, nil
}

// List returns items with the given status in creation order. An empty
// status lists everything.
func (q *Queue) List(ctx context.Context, status Status) []*Item {
	q.mu.Lock()
	expired := q.expireAllLocked(q.clock())
	result := make([]*Item, 0, len(q.order))
	for _, id := range q.order {
		item, ok := q.items[id]
		if ok && (status == "" || item.Status == status) {
			result = append(result, item.clone())
		}
	}
	q.mu.Unlock()

	q.afterExpiry(ctx, expired)
	return result
}

// Resolve records a human verdict on a pending item. Unknown ids fail with
// ErrItemNotFound; terminal items, including ones found expired now, fail
// with a *StateError.
func (q *Queue) Resolve(ctx context.Context, id string, resolution Resolution, resolvedBy string) (*Item, error) {
	status, ok := resolution.status()
	if !ok {
		return nil, ErrInvalidResolution
	}
	resolvedBy = strings.TrimSpace(resolvedBy)
	if resolvedBy == "" {
		return nil, ErrMissingResolvedBy
	}

	q.mu.Lock()
	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}

	now := q.clock()
	var expired []*Item
	if q.expireLocked(item, now) {
		expired = append(expired, item.clone())
		q.settleLocked()
	}
	if item.Status.IsTerminal() {
		err := &StateError{ID: id, Status: item.Status}
		q.mu.Unlock()
		q.afterExpiry(ctx, expired)
		return nil, err
	}

	item.Status = status
	item.ResolvedAt = &now
	item.ResolvedBy = resolvedBy
	q.markTerminalLocked(item)
	out := item.clone()
	q.settleLocked()
	q.mu.Unlock()

	metrics.ApprovalResolutionsTotal.WithLabelValues(string(status)).Inc()
	metrics.ApprovalWaitDuration.Observe(now.Sub(out.CreatedAt).Seconds())
	q.persist(ctx, out)
	return out, nil
}

// ExpireOverdue expires every pending item whose deadline is at or before
// now and returns them.
func (q *Queue) ExpireOverdue(ctx context.Context, now time.Time) []*Item {
	q.mu.Lock()
	expired := q.expireAllLocked(now)
	q.mu.Unlock()

	q.afterExpiry(ctx, expired)
	return expired
}

// Snapshot returns per-status counts and copies of the pending items.
func (q *Queue) Snapshot(ctx context.Context) Snapshot {
	q.mu.Lock()
	expired := q.expireAllLocked(q.clock())
	s := Snapshot{
		Pending:  q.counts[StatusPending],
		Approved: q.counts[StatusApproved],
		Rejected: q.counts[StatusRejected],
		Expired:  q.counts[StatusExpired],
		Items:    make([]*Item, 0, q.counts[StatusPending]),
	}
	for _, id := range q.order {
		if item, ok := q.items[id]; ok && item.Status == StatusPending {
			s.Items = append(s.Items, item.clone())
		}
	}
	q.mu.Unlock()

	q.afterExpiry(ctx, expired)
	return s
}

// Restore loads pending items from the store. Items already in memory are
// left alone; items that expired while the process was down expire now.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	pending, err := q.store.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending approvals: %w", err)
	}

	q.mu.Lock()
	restored := 0
	for _, item := range pending {
		if _, exists := q.items[item.ID]; exists {
			continue
		}
		q.items[item.ID] = item.clone()
		q.order = append(q.order, item.ID)
		q.counts[StatusPending]++
		restored++
	}
	q.sortLocked()
	expired := q.expireAllLocked(q.clock())
	q.updateGaugesLocked()
	q.mu.Unlock()

	q.afterExpiry(ctx, expired)
	return restored, nil
}

func (q *Queue) expireLocked(item *Item, now time.Time) bool {
	if item.Status != StatusPending || now.Before(item.ExpiresAt) {
		return false
	}
	item.Status = StatusExpired
	item.ResolvedAt = &now
	q.markTerminalLocked(item)
	return true
}

func (q *Queue) expireAllLocked(now time.Time) []*Item {
	var expired []*Item
	for _, id := range q.order {
		item, ok := q.items[id]
		if ok && q.expireLocked(item, now) {
			expired = append(expired, item.clone())
		}
	}
	if len(expired) > 0 {
		q.settleLocked()
	}
	return expired
}

// markTerminalLocked moves a just-finished item from the pending count to
// its terminal status and queues it for pruning.
func (q *Queue) markTerminalLocked(item *Item) {
	q.counts[StatusPending]--
	q.counts[item.Status]++
	q.terminal = append(q.terminal, item.ID)
}

// settleLocked prunes old terminal items and republishes the gauges.
func (q *Queue) settleLocked() {
	q.pruneLocked()
	q.updateGaugesLocked()
}

// pruneLocked drops the oldest terminal items beyond the retention limit.
// q.order is compacted once dropped ids make up more than half of it.
func (q *Queue) pruneLocked() {
	excess := len(q.terminal) - q.retain
	if excess <= 0 {
		return
	}
	for _, id := range q.terminal[:excess] {
		delete(q.items, id)
	}
	q.terminal = append(q.terminal[:0:0], q.terminal[excess:]...)

	if len(q.order) > 2*len(q.items) {
		live := make([]string, 0, len(q.items))
		for _, id := range q.order {
			if _, ok := q.items[id]; ok {
				live = append(live, id)
			}
		}
		q.order = live
	}
}

// sortLocked keeps q.order in CreatedAt order after a restore.
func (q *Queue) sortLocked() {
	live := q.order[:0]
	for _, id := range q.order {
		if _, ok := q.items[id]; ok {
			live = append(live, id)
		}
	}
	q.order = live
	sort.SliceStable(q.order, func(i, j int) bool {
		return q.items[q.order[i]].CreatedAt.Before(q.items[q.order[j]].CreatedAt)
	})
}

func (q *Queue) updateGaugesLocked() {
	for _, s := range []Status{StatusPending, StatusApproved, StatusRejected, StatusExpired} {
		metrics.ApprovalItems.WithLabelValues(string(s)).Set(float64(q.counts[s]))
	}
}

func (q *Queue) afterExpiry(ctx context.Context, expired []*Item) {
	if len(expired) == 0 {
		return
	}
	metrics.ApprovalResolutionsTotal.WithLabelValues(string(StatusExpired)).Add(float64(len(expired)))
	for _, item := range expired {
		q.logger.Info("approval expired",
			"approvalId", item.ID,
			"actionId", actionID(item),
			"ttl", item.TTL,
		)
		q.persist(ctx, item)
	}
	if q.onExpire != nil {
		q.onExpire(expired)
	}
}

func (q *Queue) persist(ctx context.Context, item *Item) {
	if q.store == nil {
		return
	}
	if err := q.store.Save(ctx, item); err != nil {
		q.logger.Warn("failed to persist approval item", "approvalId", item.ID, "status", item.Status, "error", err)
	}
}

func actionID(item *Item) string {
	if a := item.Action(); a != nil {
		return a.ID
	}
	return ""
}
