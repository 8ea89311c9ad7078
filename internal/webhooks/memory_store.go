package webhooks

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/autonomy/internal/engine"
)

// MemoryStore keeps subscriptions in process memory. Reads return copies.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = cloneSub(sub)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return cloneSub(sub), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) List(ctx context.Context) ([]*Subscription, error) {
	return m.filter(func(*Subscription) bool { return true }), nil
}

func (m *MemoryStore) ListByEvent(ctx context.Context, eventType engine.EventType) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool { return s.Active && s.Wants(eventType) }), nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	m.subs[sub.ID] = cloneSub(sub)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func (m *MemoryStore) filter(keep func(*Subscription) bool) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if keep(sub) {
			result = append(result, cloneSub(sub))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result
}

func cloneSub(s *Subscription) *Subscription {
	cp := *s
	cp.Events = append([]engine.EventType(nil), s.Events...)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		cp.LastSuccess = &t
	}
	return &cp
}
