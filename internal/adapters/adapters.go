// Package adapters turns domain requests from the originating subsystems
// (money, growth, product) into well-formed actions and submits them to the
// engine.
//
// Adapters only build and submit. They never execute anything; the caller
// acts on the returned decision, and for queued actions waits for a human
// with Await.
package adapters

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/autonomy/internal/approval"
	"github.com/mbd888/autonomy/internal/autonomy"
	"github.com/mbd888/autonomy/internal/engine"
)

// EngineAdapter is implemented by every originating-subsystem adapter.
type EngineAdapter interface {
	// Name is the value placed in Action.Engine.
	Name() string
	// Categories lists the action categories the adapter produces.
	Categories() []string
}

// Router is the part of the engine adapters submit through.
type Router interface {
	Route(ctx context.Context, action *autonomy.Action) (*autonomy.Decision, error)
}

// ErrSubscriptionClosed is returned by Await when the event channel closes
// before the item reaches a terminal state.
var ErrSubscriptionClosed = errors.New("adapters: event subscription closed")

// Await blocks until the approval item reaches a terminal state and returns
// it. events should come from Engine.Subscribe and be subscribed before the
// action is routed, otherwise the transition may be missed.
func Await(ctx context.Context, events <-chan engine.Event, itemID string) (*approval.Item, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil, ErrSubscriptionClosed
			}
			if ev.Item == nil || ev.Item.ID != itemID {
				continue
			}
			if ev.Type == engine.EventApprovalResolved || ev.Type == engine.EventApprovalExpired {
				return ev.Item, nil
			}
		}
	}
}

type actionSpec struct {
	engine      string
	category    string
	typ         string
	description string
	value       float64
	reversible  bool
	urgency     autonomy.Urgency
	params      map[string]any
}

func (s actionSpec) build() *autonomy.Action {
	urgency := s.urgency
	if urgency == "" {
		urgency = autonomy.UrgencyNormal
	}
	return &autonomy.Action{
		Engine:      s.engine,
		Category:    s.category,
		Type:        s.typ,
		Description: s.description,
		Params:      s.params,
		Metadata: autonomy.Metadata{
			EstimatedValue: autonomy.Float(s.value),
			Reversible:     autonomy.Bool(s.reversible),
			Urgency:        urgency,
		},
	}
}

func submit(ctx context.Context, r Router, action *autonomy.Action, err error) (*autonomy.Decision, error) {
	if err != nil {
		return nil, err
	}
	d, err := r.Route(ctx, action)
	if err != nil {
		return nil, fmt.Errorf("failed to route %s/%s: %w", action.Category, action.Type, err)
	}
	return d, nil
}
