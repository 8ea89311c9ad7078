package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/autonomy/internal/approval"
	"github.com/mbd888/autonomy/internal/autonomy"
	"github.com/mbd888/autonomy/internal/logging"
	"github.com/mbd888/autonomy/internal/risk"
	"github.com/mbd888/autonomy/internal/usage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func action(category, typ string, value float64, reversible bool, urgency autonomy.Urgency) *autonomy.Action {
	return &autonomy.Action{
		Engine:   "money",
		Category: category,
		Type:     typ,
		Metadata: autonomy.Metadata{
			EstimatedValue: autonomy.Float(value),
			Reversible:     autonomy.Bool(reversible),
			Urgency:        urgency,
		},
	}
}

func safeAction() *autonomy.Action {
	return action("content", "draft_post", 0, true, autonomy.UrgencyNormal)
}

// 35 + 20 + 5 = 60, medium: queued at level 2.
func mediumSwap() *autonomy.Action {
	return action("trades", "swap", 600, false, autonomy.UrgencyNormal)
}

func newEngine(t *testing.T, cfg Config, opts ...Option) (*Engine, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now), WithLogger(logging.Discard())}, opts...)
	e, err := New(cfg, opts...)
	require.NoError(t, err)
	return e, clock
}

func startedEngine(t *testing.T, cfg Config, opts ...Option) (*Engine, *fakeClock) {
	t.Helper()
	e, clock := newEngine(t, cfg, opts...)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return e, clock
}

func nextEvent(t *testing.T, ch <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestNew_InvalidConfiguration(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"level zero", func(c *Config) { c.Level = 0 }},
		{"level five", func(c *Config) { c.Level = 5 }},
		{"negative ttl", func(c *Config) { c.Approval.TTL = -time.Minute }},
		{"negative sweep", func(c *Config) { c.Approval.SweepInterval = -time.Second }},
		{"negative limit", func(c *Config) { c.Limits = map[string]usage.Limit{"trades": {MaxValue: -1}} }},
		{"bad rule", func(c *Config) {
			c.Policy.Rules = []risk.RuleSpec{{Name: "broken", Expr: "action.value >>"}}
		}},
		{"bad dangerous entry", func(c *Config) { c.Policy.Dangerous = []risk.TypeKey{{Type: "x"}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := New(cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, autonomy.ErrInvalidConfiguration))
		})
	}
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, DefaultConfig())

	assert.False(t, e.IsRunning())
	_, err := e.Route(ctx, safeAction())
	assert.ErrorIs(t, err, autonomy.ErrEngineNotRunning)

	require.NoError(t, e.Start(ctx))
	assert.True(t, e.IsRunning())
	require.NoError(t, e.Start(ctx), "second start is a no-op")
	assert.True(t, e.IsRunning())

	_, err = e.Route(ctx, safeAction())
	require.NoError(t, err)

	require.NoError(t, e.Stop(ctx))
	assert.False(t, e.IsRunning())
	require.NoError(t, e.Stop(ctx), "second stop is a no-op")

	_, err = e.Route(ctx, safeAction())
	assert.ErrorIs(t, err, autonomy.ErrEngineNotRunning)

	// Restart keeps state.
	require.NoError(t, e.Start(ctx))
	assert.Equal(t, 1, e.Usage().Get("content").Count)
	require.NoError(t, e.Stop(ctx))
}

func TestRoute_AutoExecuteRecordsUsage(t *testing.T) {
	ctx := context.Background()
	e, _ := startedEngine(t, DefaultConfig())

	d, err := e.Route(ctx, action("trades", "dca_buy", 20, false, autonomy.UrgencyNormal))
	require.NoError(t, err)
	assert.Equal(t, autonomy.OutcomeAutoExecute, d.Outcome)
	assert.Empty(t, d.ApprovalID)
	assert.NotEmpty(t, d.Action.ID)
	assert.False(t, d.Action.Timestamp.IsZero())

	u := e.Usage()
	assert.Equal(t, 1, u.Get("trades").Count)
	assert.InDelta(t, 20.0, u.Get("trades").Value, 1e-9)
	assert.Empty(t, e.Approvals(ctx, approval.StatusPending))
}

func TestRoute_KeepsCallerActionUntouched(t *testing.T) {
	e, _ := startedEngine(t, DefaultConfig())
	a := safeAction()

	d, err := e.Route(context.Background(), a)
	require.NoError(t, err)
	assert.Empty(t, a.ID)
	assert.NotEmpty(t, d.Action.ID)
}

func TestRoute_QueueApproval(t *testing.T) {
	ctx := context.Background()
	e, _ := startedEngine(t, DefaultConfig())

	d, err := e.Route(ctx, mediumSwap())
	require.NoError(t, err)
	assert.Equal(t, autonomy.OutcomeQueueApproval, d.Outcome)
	require.NotEmpty(t, d.ApprovalID)

	item, err := e.Approval(ctx, d.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, item.Status)
	assert.Equal(t, d.Action.ID, item.Action().ID)

	// Queued actions do not count until approved.
	assert.Zero(t, e.Usage().Get("trades").Count)

	status := e.Status(ctx)
	assert.True(t, status.Running)
	assert.Equal(t, autonomy.LevelBounded, status.Level)
	assert.Equal(t, 1, status.Queue.Pending)
}

func TestRoute_DangerousEscalates(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Level = autonomy.LevelMaximum
	e, _ := startedEngine(t, cfg)

	d, err := e.Route(ctx, action("configuration", "deploy_production", 0, false, autonomy.UrgencyNormal))
	require.NoError(t, err)
	assert.Equal(t, autonomy.OutcomeEscalate, d.Outcome)
	assert.Equal(t, autonomy.RuleDangerousOverride, d.Rule)
	assert.NotEmpty(t, d.ApprovalID)
}

func TestRoute_BlockedIsNotQueued(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Policy.Blocked = []risk.TypeKey{{Category: "trades", Type: "margin_long"}}
	e, _ := startedEngine(t, cfg)

	d, err := e.Route(ctx, action("trades", "margin_long", 10, true, autonomy.UrgencyLow))
	require.NoError(t, err)
	assert.Equal(t, autonomy.OutcomeReject, d.Outcome)
	assert.Empty(t, d.ApprovalID)
	assert.Empty(t, e.Approvals(ctx, ""))
	assert.Zero(t, e.Usage().Get("trades").Count)
}

func TestRoute_InvalidActionIsIsolated(t *testing.T) {
	ctx := context.Background()
	e, _ := startedEngine(t, DefaultConfig())

	bad := mediumSwap()
	bad.ID = "act_bad"
	bad.Metadata.EstimatedValue = nil

	_, err := e.Route(ctx, bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, autonomy.ErrInvalidAction)
	assert.Contains(t, err.Error(), "act_bad")
	assert.Contains(t, err.Error(), "metadata.estimatedValue")

	_, err = e.Route(ctx, nil)
	assert.ErrorIs(t, err, autonomy.ErrInvalidAction)

	d, err := e.Route(ctx, safeAction())
	require.NoError(t, err)
	assert.Equal(t, autonomy.OutcomeAutoExecute, d.Outcome)
}

func TestResolve_ApprovalRecordsUsage(t *testing.T) {
	ctx := context.Background()
	e, _ := startedEngine(t, DefaultConfig())

	d, err := e.Route(ctx, mediumSwap())
	require.NoError(t, err)

	item, err := e.Resolve(ctx, d.ApprovalID, approval.ResolutionApproved, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, item.Status)
	assert.Equal(t, 1, e.Usage().Get("trades").Count)
	assert.InDelta(t, 600.0, e.Usage().Get("trades").Value, 1e-9)

	_, err = e.Resolve(ctx, d.ApprovalID, approval.ResolutionApproved, "ops@example.com")
	assert.ErrorIs(t, err, autonomy.ErrQueueItemNotFound)
	assert.Equal(t, 1, e.Usage().Get("trades").Count, "second resolve must not double count")
}

func TestResolve_RejectionDoesNotRecordUsage(t *testing.T) {
	ctx := context.Background()
	e, _ := startedEngine(t, DefaultConfig())

	d, err := e.Route(ctx, mediumSwap())
	require.NoError(t, err)

	_, err = e.Resolve(ctx, d.ApprovalID, approval.ResolutionRejected, "ops")
	require.NoError(t, err)
	assert.Zero(t, e.Usage().Get("trades").Count)

	_, err = e.Resolve(ctx, "apv_unknown", approval.ResolutionApproved, "ops")
	assert.ErrorIs(t, err, autonomy.ErrQueueItemNotFound)
}

func TestRoute_DailyLimitDowngrades(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Limits = map[string]usage.Limit{"trades": {MaxCount: 2}}
	e, clock := startedEngine(t, cfg)

	small := func() *autonomy.Action { return action("trades", "dca_buy", 20, false, autonomy.UrgencyNormal) }

	for i := 0; i < 2; i++ {
		d, err := e.Route(ctx, small())
		require.NoError(t, err)
		assert.Equal(t, autonomy.OutcomeAutoExecute, d.Outcome)
	}

	d, err := e.Route(ctx, small())
	require.NoError(t, err)
	assert.Equal(t, autonomy.OutcomeQueueApproval, d.Outcome)
	assert.Equal(t, autonomy.RuleDailyLimit, d.Rule)
	assert.Contains(t, d.Reason, "daily limit")
	assert.NotEmpty(t, d.ApprovalID)

	// A human can still approve past the limit.
	_, err = e.Resolve(ctx, d.ApprovalID, approval.ResolutionApproved, "ops")
	require.NoError(t, err)
	assert.Equal(t, 3, e.Usage().Get("trades").Count)

	// Next day the limit resets.
	clock.Advance(24 * time.Hour)
	d, err = e.Route(ctx, small())
	require.NoError(t, err)
	assert.Equal(t, autonomy.OutcomeAutoExecute, d.Outcome)
	assert.Equal(t, 1, e.Usage().Get("trades").Count)
}

func TestNotifications_Subscribe(t *testing.T) {
	ctx := context.Background()
	e, _ := startedEngine(t, DefaultConfig())

	events, cancel := e.Subscribe(16)
	defer cancel()

	d, err := e.Route(ctx, mediumSwap())
	require.NoError(t, err)

	made := nextEvent(t, events, EventDecisionMade)
	assert.Equal(t, d.Action.ID, made.Decision.Action.ID)

	created := nextEvent(t, events, EventApprovalCreated)
	assert.Equal(t, d.ApprovalID, created.Item.ID)

	_, err = e.Resolve(ctx, d.ApprovalID, approval.ResolutionRejected, "ops")
	require.NoError(t, err)
	resolved := nextEvent(t, events, EventApprovalResolved)
	assert.Equal(t, approval.StatusRejected, resolved.Item.Status)
}

func TestNotifications_NotifyOnNewItemDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Approval.NotifyOnNewItem = false
	e, _ := startedEngine(t, cfg)

	events, cancel := e.Subscribe(16)
	defer cancel()

	_, err := e.Route(ctx, mediumSwap())
	require.NoError(t, err)
	_, err = e.Route(ctx, safeAction())
	require.NoError(t, err)

	var types []EventType
	for i := 0; i < 2; i++ {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []EventType{EventDecisionMade, EventDecisionMade}, types)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %s", ev.Type)
	default:
	}
}

func TestNotifications_Expired(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Approval.TTL = time.Hour
	e, clock := startedEngine(t, cfg)

	events, cancel := e.Subscribe(16)
	defer cancel()

	d, err := e.Route(ctx, mediumSwap())
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	items := e.Approvals(ctx, approval.StatusExpired)
	require.Len(t, items, 1)

	expired := nextEvent(t, events, EventApprovalExpired)
	assert.Equal(t, d.ApprovalID, expired.Item.ID)

	_, err = e.Resolve(ctx, d.ApprovalID, approval.ResolutionApproved, "ops")
	assert.ErrorIs(t, err, approval.ErrItemResolved)
}

func TestNotifications_SlowNotifierDoesNotBlockRoute(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	var delivered atomic.Int32
	slow := NotifierFunc(func(ctx context.Context, ev Event) error {
		delivered.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	failing := NotifierFunc(func(ctx context.Context, ev Event) error {
		return errors.New("sink down")
	})

	e, _ := startedEngine(t, DefaultConfig(), WithNotifier(slow), WithNotifier(failing))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			_, err := e.Route(context.Background(), safeAction())
			assert.NoError(t, err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("route blocked on a notifier")
	}
	assert.Eventually(t, func() bool { return delivered.Load() == 20 }, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribe_FullBufferDrops(t *testing.T) {
	e, _ := startedEngine(t, DefaultConfig())

	events, cancel := e.Subscribe(1)
	for i := 0; i < 5; i++ {
		_, err := e.Route(context.Background(), safeAction())
		require.NoError(t, err)
	}
	assert.Len(t, events, 1)

	cancel()
	cancel()
	_, open := <-events
	assert.True(t, open, "buffered event is still readable")
	_, open = <-events
	assert.False(t, open)
}

func TestSetLevel(t *testing.T) {
	ctx := context.Background()
	e, _ := startedEngine(t, DefaultConfig())

	d, err := e.Route(ctx, mediumSwap())
	require.NoError(t, err)
	assert.Equal(t, autonomy.OutcomeQueueApproval, d.Outcome)

	require.NoError(t, e.SetLevel(autonomy.LevelMaximum))
	assert.Equal(t, autonomy.LevelMaximum, e.Level())

	d, err = e.Route(ctx, mediumSwap())
	require.NoError(t, err)
	assert.Equal(t, autonomy.OutcomeAutoExecute, d.Outcome)
	assert.Equal(t, autonomy.LevelMaximum, d.Level)

	assert.ErrorIs(t, e.SetLevel(0), autonomy.ErrInvalidConfiguration)
	assert.Equal(t, autonomy.LevelMaximum, e.Level())
}

func TestPreview_HasNoSideEffects(t *testing.T) {
	e, _ := newEngine(t, DefaultConfig())

	d, err := e.Preview(mediumSwap())
	require.NoError(t, err)
	assert.Equal(t, autonomy.OutcomeQueueApproval, d.Outcome)
	assert.Empty(t, d.ApprovalID)
	assert.Empty(t, e.Approvals(context.Background(), ""))
}

func TestAssessmentsAreRecorded(t *testing.T) {
	ctx := context.Background()
	e, _ := startedEngine(t, DefaultConfig())

	a := mediumSwap()
	a.ID = "act_audit"
	_, err := e.Route(ctx, a)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		list, err := e.Assessments(ctx, "act_audit", 10)
		return err == nil && len(list) == 1 && list[0].Score == 60
	}, 2*time.Second, 10*time.Millisecond)

	recent, err := e.Assessments(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestConcurrentRoute(t *testing.T) {
	ctx := context.Background()
	e, _ := startedEngine(t, DefaultConfig())

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			a := action("trades", "dca_buy", 20, false, autonomy.UrgencyNormal)
			a.ID = fmt.Sprintf("act_auto_%d", i)
			d, err := e.Route(ctx, a)
			assert.NoError(t, err)
			assert.Equal(t, autonomy.OutcomeAutoExecute, d.Outcome)
		}(i)
		go func(i int) {
			defer wg.Done()
			a := mediumSwap()
			a.ID = fmt.Sprintf("act_queue_%d", i)
			d, err := e.Route(ctx, a)
			assert.NoError(t, err)
			assert.Equal(t, autonomy.OutcomeQueueApproval, d.Outcome)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n, e.Usage().Get("trades").Count)
	assert.Len(t, e.Approvals(ctx, approval.StatusPending), n)
}

type memApprovalStore struct {
	mu    sync.Mutex
	items map[string]*approval.Item
}

func (s *memApprovalStore) Save(ctx context.Context, item *approval.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *memApprovalStore) ListPending(ctx context.Context) ([]*approval.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*approval.Item
	for _, item := range s.items {
		if item.Status == approval.StatusPending {
			cp := *item
			out = append(out, &cp)
		}
	}
	return out, nil
}

func TestStart_RestoresPendingApprovals(t *testing.T) {
	ctx := context.Background()
	store := &memApprovalStore{items: make(map[string]*approval.Item)}

	e1, _ := startedEngine(t, DefaultConfig(), WithApprovalStore(store))
	d, err := e1.Route(ctx, mediumSwap())
	require.NoError(t, err)
	require.NoError(t, e1.Stop(ctx))

	e2, _ := startedEngine(t, DefaultConfig(), WithApprovalStore(store))
	item, err := e2.Approval(ctx, d.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, item.Status)

	_, err = e2.Resolve(ctx, d.ApprovalID, approval.ResolutionApproved, "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, e2.Usage().Get("trades").Count)
}
