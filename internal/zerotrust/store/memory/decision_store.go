package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gatewarden/gatewarden/internal/zerotrust/store"
	"github.com/gatewarden/gatewarden/internal/zerotrust/types"
	"github.com/gatewarden/gatewarden/internal/zerotrust/zterr"
)

// DecisionStore is an in-memory append-only log of access decisions.
type DecisionStore struct {
	mu        sync.Mutex
	decisions []types.AccessDecision
}

func NewDecisionStore() *DecisionStore {
	return &DecisionStore{}
}

func (s *DecisionStore) RecordDecision(_ context.Context, d types.AccessDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, copyDecision(d))
	return nil
}

func (s *DecisionStore) QueryDecisions(_ context.Context, f store.DecisionFilter) ([]types.AccessDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.AccessDecision
	for _, d := range s.decisions {
		if !f.Matches(d) {
			continue
		}
		out = append(out, copyDecision(d))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *DecisionStore) PruneDecisionsOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.decisions[:0]
	var removed int64
	for _, d := range s.decisions {
		if d.DecidedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, d)
	}
	s.decisions = kept
	return removed, nil
}

// Decisions returns a copy of every recorded decision. Test-only helper.
func (s *DecisionStore) Decisions() []types.AccessDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.AccessDecision, 0, len(s.decisions))
	for _, d := range s.decisions {
		out = append(out, copyDecision(d))
	}
	return out
}

func copyDecision(d types.AccessDecision) types.AccessDecision {
	out := d
	out.RequestedPermissions = append([]string(nil), d.RequestedPermissions...)
	out.PolicyIDsEvaluated = append([]string(nil), d.PolicyIDsEvaluated...)
	out.Reasons = append([]string(nil), d.Reasons...)
	return out
}

// ViolationStore is an in-memory violation table.
type ViolationStore struct {
	mu         sync.RWMutex
	violations map[string]types.Violation
	order      []string // insertion order for stable queries
}

func NewViolationStore() *ViolationStore {
	return &ViolationStore{violations: make(map[string]types.Violation)}
}

func (s *ViolationStore) PutViolation(_ context.Context, v types.Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.violations[v.ID]; !ok {
		s.order = append(s.order, v.ID)
	}
	s.violations[v.ID] = v
	return nil
}

func (s *ViolationStore) GetViolation(_ context.Context, id string) (types.Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.violations[id]
	if !ok {
		return types.Violation{}, zterr.NotFound("violation", id)
	}
	return v, nil
}

func (s *ViolationStore) QueryViolations(_ context.Context, f store.ViolationFilter) ([]types.Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Violation
	for _, id := range s.order {
		v := s.violations[id]
		if !f.Matches(v) {
			continue
		}
		out = append(out, v)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

func (s *ViolationStore) UpdateViolationStatus(_ context.Context, id string, status types.ViolationStatus, at time.Time) (types.Violation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.violations[id]
	if !ok {
		return types.Violation{}, zterr.NotFound("violation", id)
	}
	v.Status = status
	v.UpdatedAt = at
	s.violations[id] = v
	return v, nil
}
