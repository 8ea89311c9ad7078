// Package engine wires the classifier, router, approval queue and usage
// tracker into the bounded-autonomy engine that originating subsystems call.
//
// The engine is an explicit value: build it with New, Start it, Route
// actions through it, and Stop it. Route never waits for a human; actions
// that need one are parked in the approval queue and resolved later with
// Resolve. Notifications go out asynchronously after each state change.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/autonomy/internal/approval"
	"github.com/mbd888/autonomy/internal/autonomy"
	"github.com/mbd888/autonomy/internal/idgen"
	"github.com/mbd888/autonomy/internal/metrics"
	"github.com/mbd888/autonomy/internal/risk"
	"github.com/mbd888/autonomy/internal/router"
	"github.com/mbd888/autonomy/internal/traces"
	"github.com/mbd888/autonomy/internal/usage"
)

const assessmentRecordTimeout = 5 * time.Second

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock sets the time source for every component.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithNotifier adds a notification sink.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifiers = append(e.notifiers, n) }
}

// WithApprovalStore persists the approval queue.
func WithApprovalStore(s approval.Store) Option {
	return func(e *Engine) { e.approvalStore = s }
}

// WithUsageStore persists daily usage.
func WithUsageStore(s usage.Store) Option {
	return func(e *Engine) { e.usageStore = s }
}

// WithRiskStore replaces the in-memory assessment audit trail.
func WithRiskStore(s risk.Store) Option {
	return func(e *Engine) { e.riskStore = s }
}

// Engine is the bounded-autonomy decision engine. It is safe for concurrent
// use.
type Engine struct {
	cfg        Config
	classifier *risk.Classifier
	router     atomic.Pointer[router.Router]
	queue      *approval.Queue
	tracker    *usage.Tracker

	riskStore     risk.Store
	approvalStore approval.Store
	usageStore    usage.Store
	notifiers     []Notifier
	subs          subscribers

	lifecycle sync.Mutex
	running   atomic.Bool
	cancel    context.CancelFunc
	sweeper   *approval.Sweeper
	rollover  *usage.Rollover

	clock  func() time.Time
	logger *slog.Logger
}

// New builds a stopped engine. Invalid configuration is reported as
// autonomy.ErrInvalidConfiguration.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")
	if e.riskStore == nil {
		e.riskStore = risk.NewMemoryStore()
	}

	classifier, err := risk.NewClassifier(cfg.Policy)
	if err != nil {
		return nil, err
	}
	classifier.WithClock(e.clock)
	e.classifier = classifier

	r, err := router.New(classifier, cfg.Level)
	if err != nil {
		return nil, err
	}
	e.router.Store(r.WithClock(e.clock))

	queue, err := approval.NewQueue(cfg.Approval.TTL, e.logger)
	if err != nil {
		return nil, err
	}
	queue.WithClock(e.clock).WithRetention(cfg.Approval.RetainResolved).OnExpire(e.onExpired)
	if e.approvalStore != nil {
		queue.WithStore(e.approvalStore)
	}
	e.queue = queue

	tracker, err := usage.NewTracker(cfg.Limits, e.logger)
	if err != nil {
		return nil, err
	}
	tracker.WithClock(e.clock)
	if e.usageStore != nil {
		tracker.WithStore(e.usageStore)
	}
	e.tracker = tracker

	metrics.AutonomyLevel.Set(float64(cfg.Level))
	metrics.EngineRunning.Set(0)
	return e, nil
}

// Start restores persisted state and starts background work. Starting a
// running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.running.Load() {
		return nil
	}

	restored, err := e.queue.Restore(ctx)
	if err != nil {
		return err
	}
	if err := e.tracker.Restore(ctx); err != nil {
		return err
	}

	// Background work outlives the caller's request context.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	e.sweeper = approval.NewSweeper(e.queue, e.cfg.Approval.SweepInterval, e.logger).WithClock(e.clock)
	go e.sweeper.Start(runCtx)

	e.rollover = usage.NewRollover(e.tracker, e.logger)
	if err := e.rollover.Start(runCtx); err != nil {
		cancel()
		return err
	}

	e.cancel = cancel
	e.running.Store(true)
	metrics.EngineRunning.Set(1)
	e.logger.Info("engine started",
		"level", int(e.Level()),
		"approvalTTL", e.queue.TTL(),
		"restoredApprovals", restored,
	)
	return nil
}

// Stop halts background work and flushes usage. Stopping a stopped engine
// is a no-op. The engine may be started again.
func (e *Engine) Stop(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if !e.running.Load() {
		return nil
	}
	e.running.Store(false)
	metrics.EngineRunning.Set(0)

	e.cancel()
	e.rollover.Stop()
	e.sweeper.Stop()

	if err := e.tracker.Flush(ctx); err != nil {
		e.logger.Warn("failed to flush usage on stop", "error", err)
	}
	e.logger.Info("engine stopped")
	return nil
}

// IsRunning reports whether Route is accepting actions.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// Level returns the autonomy level in effect.
func (e *Engine) Level() autonomy.Level {
	return e.router.Load().Level()
}

// SetLevel changes the autonomy level for subsequent actions.
func (e *Engine) SetLevel(level autonomy.Level) error {
	r, err := e.router.Load().WithLevel(level)
	if err != nil {
		return err
	}
	prev := e.router.Swap(r)
	metrics.AutonomyLevel.Set(float64(level))
	e.logger.Info("autonomy level changed", "from", int(prev.Level()), "to", int(level))
	return nil
}

// Route classifies action, decides its outcome under the current level and
// applies it: auto-executed actions count against today's usage, actions
// needing a human are queued. The decision is returned immediately.
func (e *Engine) Route(ctx context.Context, action *autonomy.Action) (*autonomy.Decision, error) {
	if !e.running.Load() {
		return nil, autonomy.ErrEngineNotRunning
	}
	if action == nil {
		return nil, (*autonomy.Action)(nil).Validate()
	}

	a := *action
	if a.ID == "" {
		a.ID = idgen.WithPrefix("act_")
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = e.clock()
	}

	ctx, span := traces.StartSpan(ctx, "engine.route",
		traces.ActionID(a.ID),
		traces.ActionKind(a.Category, a.Type),
	)
	defer span.End()

	start := time.Now()
	decision, err := e.router.Load().Route(&a)
	metrics.ClassificationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		var ve *autonomy.ValidationError
		if errors.As(err, &ve) {
			metrics.InvalidActionsTotal.WithLabelValues(ve.Field).Inc()
		}
		traces.RecordError(span, err)
		e.logger.Warn("action rejected at validation", "actionId", a.ID, "engine", a.Engine, "error", err)
		return nil, err
	}

	e.recordAssessment(decision.Assessment)

	if decision.Outcome == autonomy.OutcomeAutoExecute && !e.tracker.Reserve(a.Category, a.Value()) {
		limit := e.tracker.Limits()[a.Category]
		decision.Outcome = autonomy.OutcomeQueueApproval
		decision.Rule = autonomy.RuleDailyLimit
		decision.Reason = fmt.Sprintf("daily limit for %s reached (maxCount %d, maxValue %.2f); %s",
			a.Category, limit.MaxCount, limit.MaxValue, decision.Reason)
	}

	var item *approval.Item
	if decision.Outcome.NeedsHuman() {
		item, err = e.queue.Enqueue(ctx, decision)
		if err != nil {
			traces.RecordError(span, err)
			return nil, fmt.Errorf("failed to queue action %s: %w", a.ID, err)
		}
	}

	metrics.DecisionsTotal.WithLabelValues(string(decision.Outcome), string(decision.Rule)).Inc()
	metrics.RiskScore.Observe(float64(decision.Assessment.Score))
	span.SetAttributes(
		traces.Outcome(string(decision.Outcome)),
		traces.Rule(string(decision.Rule)),
		traces.RiskScore(decision.Assessment.Score),
	)

	e.logger.Info("action routed",
		"actionId", a.ID,
		"engine", a.Engine,
		"kind", a.Category+"/"+a.Type,
		"score", decision.Assessment.Score,
		"risk", decision.Assessment.Level,
		"outcome", decision.Outcome,
		"rule", decision.Rule,
		"approvalId", decision.ApprovalID,
	)

	ev := e.newEvent(EventDecisionMade)
	ev.Decision = decision
	e.emit(ev)
	if item != nil && e.cfg.Approval.NotifyOnNewItem {
		ev := e.newEvent(EventApprovalCreated)
		ev.Item = item
		e.emit(ev)
	}
	return decision, nil
}

// Preview classifies and routes action without queueing it, counting usage
// or checking daily limits.
func (e *Engine) Preview(action *autonomy.Action) (*autonomy.Decision, error) {
	return e.router.Load().Route(action)
}

// Resolve records a human verdict. Approved actions count against today's
// usage for their category.
func (e *Engine) Resolve(ctx context.Context, id string, resolution approval.Resolution, resolvedBy string) (*approval.Item, error) {
	ctx, span := traces.StartSpan(ctx, "engine.resolve", traces.ApprovalID(id))
	defer span.End()

	item, err := e.queue.Resolve(ctx, id, resolution, resolvedBy)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	if item.Status == approval.StatusApproved {
		if a := item.Action(); a != nil {
			e.tracker.Record(a.Category, a.Value())
		}
	}

	e.logger.Info("approval resolved",
		"approvalId", item.ID,
		"actionId", actionID(item),
		"status", item.Status,
		"resolvedBy", item.ResolvedBy,
	)

	ev := e.newEvent(EventApprovalResolved)
	ev.Item = item
	e.emit(ev)
	return item, nil
}

// Approval returns one queue item.
func (e *Engine) Approval(ctx context.Context, id string) (*approval.Item, error) {
	return e.queue.Get(ctx, id)
}

// Approvals lists queue items with status, or all items if status is empty.
func (e *Engine) Approvals(ctx context.Context, status approval.Status) []*approval.Item {
	return e.queue.List(ctx, status)
}

// Usage returns today's counters.
func (e *Engine) Usage() usage.Snapshot {
	return e.tracker.Today()
}

// Limits returns the configured daily caps.
func (e *Engine) Limits() map[string]usage.Limit {
	return e.tracker.Limits()
}

// Assessments returns the audit trail, newest first. An empty actionID
// lists recent assessments across all actions.
func (e *Engine) Assessments(ctx context.Context, actionID string, limit int) ([]*autonomy.RiskAssessment, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if actionID == "" {
		return e.riskStore.ListRecent(ctx, limit)
	}
	return e.riskStore.ListByAction(ctx, actionID, limit)
}

// Status is a point-in-time view of the engine.
type Status struct {
	Running          bool                   `json:"running"`
	Level            autonomy.Level         `json:"level"`
	LevelName        string                 `json:"levelName"`
	LevelDescription string                 `json:"levelDescription"`
	Queue            approval.Snapshot      `json:"queue"`
	Usage            usage.Snapshot         `json:"usage"`
	Limits           map[string]usage.Limit `json:"limits,omitempty"`
}

// Status reports running state, level, queue and usage.
func (e *Engine) Status(ctx context.Context) Status {
	level := e.Level()
	return Status{
		Running:          e.IsRunning(),
		Level:            level,
		LevelName:        level.String(),
		LevelDescription: level.Description(),
		Queue:            e.queue.Snapshot(ctx),
		Usage:            e.tracker.Today(),
		Limits:           e.tracker.Limits(),
	}
}

// Subscribe returns a channel of events and a function that cancels the
// subscription and closes the channel. Events that do not fit in buffer
// are dropped.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	return e.subs.add(buffer)
}

func (e *Engine) onExpired(items []*approval.Item) {
	for _, item := range items {
		ev := e.newEvent(EventApprovalExpired)
		ev.Item = item
		e.emit(ev)
	}
}

func (e *Engine) recordAssessment(a *autonomy.RiskAssessment) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), assessmentRecordTimeout)
		defer cancel()
		if err := e.riskStore.Record(ctx, a); err != nil {
			e.logger.Warn("failed to record risk assessment", "actionId", a.ActionID, "error", err)
		}
	}()
}

func actionID(item *approval.Item) string {
	if a := item.Action(); a != nil {
		return a.ID
	}
	return ""
}
