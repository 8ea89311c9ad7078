package risk

import (
	"context"
	"sync"

	"github.com/mbd888/autonomy/internal/autonomy"
)

const defaultMemoryCapacity = 10000

// MemoryStore is an in-memory implementation of Store for demo/test use.
// It keeps the most recent assessments up to its capacity.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments []*autonomy.RiskAssessment
	capacity    int
}

// NewMemoryStore creates an in-memory risk assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{capacity: defaultMemoryCapacity}
}

func (s *MemoryStore) Record(ctx context.Context, assessment *autonomy.RiskAssessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.assessments = append(s.assessments, copyAssessment(assessment))
	if len(s.assessments) > s.capacity {
		s.assessments = s.assessments[len(s.assessments)-s.capacity:]
	}
	return nil
}

func (s *MemoryStore) ListByAction(ctx context.Context, actionID string, limit int) ([]*autonomy.RiskAssessment, error) {
	return s.list(limit, func(a *autonomy.RiskAssessment) bool { return a.ActionID == actionID }), nil
}

func (s *MemoryStore) ListRecent(ctx context.Context, limit int) ([]*autonomy.RiskAssessment, error) {
	return s.list(limit, func(*autonomy.RiskAssessment) bool { return true }), nil
}

// list returns matches most recent first, up to limit.
func (s *MemoryStore) list(limit int, match func(*autonomy.RiskAssessment) bool) []*autonomy.RiskAssessment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*autonomy.RiskAssessment
	for i := len(s.assessments) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		if match(s.assessments[i]) {
			result = append(result, copyAssessment(s.assessments[i]))
		}
	}
	return result
}

func copyAssessment(a *autonomy.RiskAssessment) *autonomy.RiskAssessment {
	c := *a
	c.Factors = append([]autonomy.Factor(nil), a.Factors...)
	return &c
}
