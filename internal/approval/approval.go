// Package approval holds decisions that are waiting for a human.
//
// Items enter the queue pending and leave it through exactly one terminal
// transition: approved, rejected, or expired once their TTL has passed.
// Terminal items are immutable.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/autonomy/internal/autonomy"
)

// DefaultTTL applies when no TTL is configured.
const DefaultTTL = 24 * time.Hour

// DefaultRetainResolved is how many terminal items a Queue keeps in memory.
const DefaultRetainResolved = 1000

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// Resolution is a human verdict on a pending item.
type Resolution string

const (
	ResolutionApproved Resolution = "approved"
	ResolutionRejected Resolution = "rejected"
)

func (r Resolution) status() (Status, bool) {
	switch r {
	case ResolutionApproved:
		return StatusApproved, true
	case ResolutionRejected:
		return StatusRejected, true
	}
	return "", false
}

// Item is a decision parked for human review.
type Item struct {
	ID         string             `json:"id"`
	Decision   *autonomy.Decision `json:"decision"`
	Status     Status             `json:"status"`
	CreatedAt  time.Time          `json:"createdAt"`
	ExpiresAt  time.Time          `json:"expiresAt"`
	TTL        time.Duration      `json:"-"`
	ResolvedAt *time.Time         `json:"resolvedAt,omitempty"`
	ResolvedBy string             `json:"resolvedBy,omitempty"`
}

// Action is a shortcut to the parked action.
func (i *Item) Action() *autonomy.Action {
	if i.Decision == nil {
		return nil
	}
	return i.Decision.Action
}

func (i *Item) clone() *Item {
	c := *i
	c.Decision = i.Decision.Clone()
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// Snapshot summarizes the queue. Approved, Rejected and Expired count every
// item that reached that state since the queue was created, including items
// no longer retained. Items holds the pending items only.
type Snapshot struct {
	Pending  int     `json:"pending"`
	Approved int     `json:"approved"`
	Rejected int     `json:"rejected"`
	Expired  int     `json:"expired"`
	Items    []*Item `json:"items"`
}

// Errors
var (
	ErrItemNotFound      = fmt.Errorf("approval: %w", autonomy.ErrQueueItemNotFound)
	ErrItemResolved      = errors.New("approval: item already resolved")
	ErrInvalidResolution = errors.New("approval: resolution must be approved or rejected")
	ErrNotQueueable      = errors.New("approval: only queue_approval and escalate decisions can be queued")
	ErrMissingResolvedBy = errors.New("approval: resolvedBy is required")
)

// StateError reports an attempt to resolve an item that is already
// terminal. It matches both ErrItemResolved and
// autonomy.ErrQueueItemNotFound, since a terminal item is no longer in the
// pending queue.
type StateError struct {
	ID     string
	Status Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("approval: item %s already %s", e.ID, e.Status)
}

func (e *StateError) Is(target error) bool {
	return target == ErrItemResolved || target == autonomy.ErrQueueItemNotFound
}

// Store persists queue items so pending approvals survive restarts.
type Store interface {
	Save(ctx context.Context, item *Item) error
	ListPending(ctx context.Context) ([]*Item, error)
}
