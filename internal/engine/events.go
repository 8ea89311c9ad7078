package engine

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/autonomy/internal/approval"
	"github.com/mbd888/autonomy/internal/autonomy"
	"github.com/mbd888/autonomy/internal/idgen"
	"github.com/mbd888/autonomy/internal/metrics"
)

// EventType names an engine notification.
type EventType string

const (
	EventDecisionMade     EventType = "decision.made"
	EventApprovalCreated  EventType = "approval.created"
	EventApprovalResolved EventType = "approval.resolved"
	EventApprovalExpired  EventType = "approval.expired"
)

// AllEvents lists every event type the engine emits.
var AllEvents = []EventType{
	EventDecisionMade,
	EventApprovalCreated,
	EventApprovalResolved,
	EventApprovalExpired,
}

// Event is delivered to notifiers and subscribers after the state change it
// describes has been applied. Decision is set for decision.made; Item for
// the approval events.
type Event struct {
	ID        string             `json:"id"`
	Type      EventType          `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	Decision  *autonomy.Decision `json:"decision,omitempty"`
	Item      *approval.Item     `json:"item,omitempty"`
}

// Notifier receives engine events. Each event is delivered at most once per
// notifier, on its own goroutine, with no ordering across events.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event Event) error

func (f NotifierFunc) Notify(ctx context.Context, event Event) error { return f(ctx, event) }

const notifyTimeout = 10 * time.Second

// subscribers fans events out to channel subscriptions. Sends never block:
// a full buffer drops the event.
type subscribers struct {
	mu   sync.RWMutex
	next int
	subs map[int]chan Event
}

func (s *subscribers) add(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	s.mu.Lock()
	if s.subs == nil {
		s.subs = make(map[int]chan Event)
	}
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			close(ch)
			s.mu.Unlock()
		})
	}
}

func (s *subscribers) publish(event Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- event:
		default:
			metrics.NotificationsDroppedTotal.WithLabelValues("subscriber").Inc()
		}
	}
}

func (e *Engine) newEvent(t EventType) Event {
	return Event{ID: idgen.WithPrefix("evt_"), Type: t, Timestamp: e.clock()}
}

// emit hands event to every notifier and subscriber without blocking.
func (e *Engine) emit(event Event) {
	for _, n := range e.notifiers {
		go func(n Notifier) {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("panic in notifier", "event", event.Type, "panic", r)
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			if err := n.Notify(ctx, event); err != nil {
				e.logger.Warn("notification failed", "event", event.Type, "eventId", event.ID, "error", err)
			}
		}(n)
	}
	e.subs.publish(event)
}
