package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/gatewarden/gatewarden/internal/zerotrust/types"
	"github.com/gatewarden/gatewarden/internal/zerotrust/zterr"
)

// PolicyStore keeps every policy version in memory, indexed by version id
// and by name.
type PolicyStore struct {
	mu       sync.RWMutex
	byID     map[string]types.Policy
	versions map[string][]types.Policy // name -> versions, ascending
}

func NewPolicyStore() *PolicyStore {
	return &PolicyStore{
		byID:     make(map[string]types.Policy),
		versions: make(map[string][]types.Policy),
	}
}

func (s *PolicyStore) PutPolicy(_ context.Context, p types.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyPolicy(p)
	s.byID[cp.ID] = cp
	vs := append(s.versions[cp.Name], cp)
	sort.Slice(vs, func(i, j int) bool { return vs[i].Version < vs[j].Version })
	s.versions[cp.Name] = vs
	return nil
}

func (s *PolicyStore) GetPolicyByID(_ context.Context, id string) (types.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return types.Policy{}, zterr.NotFound("policy", id)
	}
	return copyPolicy(p), nil
}

func (s *PolicyStore) LatestPolicyByName(_ context.Context, name string) (types.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vs := s.versions[name]
	if len(vs) == 0 {
		return types.Policy{}, zterr.NotFound("policy", name)
	}
	return copyPolicy(vs[len(vs)-1]), nil
}

func (s *PolicyStore) ListLatestPolicies(_ context.Context) ([]types.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Policy, 0, len(s.versions))
	for _, vs := range s.versions {
		out = append(out, copyPolicy(vs[len(vs)-1]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *PolicyStore) DeletePolicy(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, ok := s.versions[name]
	if !ok {
		return zterr.NotFound("policy", name)
	}
	for _, p := range vs {
		delete(s.byID, p.ID)
	}
	delete(s.versions, name)
	return nil
}

func copyPolicy(p types.Policy) types.Policy {
	out := p
	out.Rules = append([]types.Rule(nil), p.Rules...)
	return out
}
