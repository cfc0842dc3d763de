package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gatewarden/gatewarden/internal/zerotrust/store"
	"github.com/gatewarden/gatewarden/internal/zerotrust/types"
	"github.com/gatewarden/gatewarden/internal/zerotrust/zterr"
)

// Draft is the caller-supplied shape for creating or updating a policy.
type Draft struct {
	Name              string            `json:"name"`
	Rules             []types.Rule      `json:"rules"`
	Enabled           bool              `json:"enabled"`
	TargetSensitivity types.Sensitivity `json:"target_sensitivity,omitempty"`
	Exclusive         bool              `json:"exclusive,omitempty"`
}

// Manager owns policy versioning and selection. Updates never mutate a stored
// version; they insert a new one, so decisions that referenced the old
// version stay reproducible.
type Manager struct {
	store    store.PolicyStore
	baseName string
	now      func() time.Time
}

// NewManager creates a manager. baseName is the policy applied to every
// request; empty defaults to "base".
func NewManager(st store.PolicyStore, baseName string) *Manager {
	if baseName == "" {
		baseName = "base"
	}
	return &Manager{store: st, baseName: baseName, now: time.Now}
}

// WithClock overrides the clock for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// BaseName returns the configured base policy name.
func (m *Manager) BaseName() string { return m.baseName }

// Create inserts version 1 of a new policy name.
func (m *Manager) Create(ctx context.Context, d Draft) (types.Policy, error) {
	if err := m.validate(d); err != nil {
		return types.Policy{}, err
	}
	if _, err := m.store.LatestPolicyByName(ctx, d.Name); err == nil {
		return types.Policy{}, zterr.Validationf("policy %q already exists, use update", d.Name)
	}
	return m.insert(ctx, d, 1)
}

// Update inserts a new version of an existing policy name.
func (m *Manager) Update(ctx context.Context, name string, d Draft) (types.Policy, error) {
	d.Name = name
	if err := m.validate(d); err != nil {
		return types.Policy{}, err
	}
	prev, err := m.store.LatestPolicyByName(ctx, name)
	if err != nil {
		return types.Policy{}, err
	}
	return m.insert(ctx, d, prev.Version+1)
}

// Get returns one immutable policy version by its version id.
func (m *Manager) Get(ctx context.Context, id string) (types.Policy, error) {
	return m.store.GetPolicyByID(ctx, id)
}

// Latest returns the newest version of a policy name.
func (m *Manager) Latest(ctx context.Context, name string) (types.Policy, error) {
	return m.store.LatestPolicyByName(ctx, name)
}

// List returns the newest version of every policy name.
func (m *Manager) List(ctx context.Context) ([]types.Policy, error) {
	return m.store.ListLatestPolicies(ctx)
}

// Delete removes all versions of a policy name. The base policy cannot be
// deleted; requests without it would have nothing to fail closed against.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if name == m.baseName {
		return zterr.Validationf("base policy %q cannot be deleted", name)
	}
	return m.store.DeletePolicy(ctx, name)
}

// SelectApplicable returns the policies to evaluate for a resource: the base
// policy always, plus every enabled policy scoped to the resource's
// sensitivity when that sensitivity is elevated. Two exclusive policies for
// the same sensitivity are a configuration conflict and abort evaluation.
func (m *Manager) SelectApplicable(ctx context.Context, res types.Resource) ([]types.Policy, error) {
	base, err := m.store.LatestPolicyByName(ctx, m.baseName)
	if err != nil {
		return nil, err
	}
	selected := []types.Policy{base}

	if !res.Sensitivity.Elevated() {
		return selected, nil
	}

	all, err := m.store.ListLatestPolicies(ctx)
	if err != nil {
		return nil, err
	}

	var scoped []types.Policy
	exclusives := 0
	for _, p := range all {
		if !p.Enabled || p.Name == m.baseName {
			continue
		}
		if p.TargetSensitivity != res.Sensitivity {
			continue
		}
		if p.Exclusive {
			exclusives++
		}
		scoped = append(scoped, p)
	}
	if exclusives > 0 && len(scoped) > 1 {
		names := make([]string, len(scoped))
		for i, p := range scoped {
			names[i] = p.Name
		}
		return nil, zterr.Conflictf("policies %s all target sensitivity %q but at least one is exclusive",
			strings.Join(names, ", "), res.Sensitivity)
	}
	sort.Slice(scoped, func(i, j int) bool { return scoped[i].Name < scoped[j].Name })

	return append(selected, scoped...), nil
}

func (m *Manager) insert(ctx context.Context, d Draft, version int) (types.Policy, error) {
	p := types.Policy{
		ID:                uuid.NewString(),
		Name:              d.Name,
		Version:           version,
		Rules:             append([]types.Rule(nil), d.Rules...),
		Enabled:           d.Enabled,
		TargetSensitivity: d.TargetSensitivity,
		Exclusive:         d.Exclusive,
		CreatedAt:         m.now().UTC(),
	}
	for i := range p.Rules {
		if p.Rules[i].ID == "" {
			p.Rules[i].ID = fmt.Sprintf("%s-v%d-r%d", p.Name, p.Version, i+1)
		}
	}
	if err := m.store.PutPolicy(ctx, p); err != nil {
		return types.Policy{}, err
	}
	return p, nil
}

func (m *Manager) validate(d Draft) error {
	if strings.TrimSpace(d.Name) == "" {
		return zterr.Validationf("policy name is required")
	}
	if len(d.Rules) == 0 {
		return zterr.Validationf("policy %q must have at least one rule", d.Name)
	}
	for i, r := range d.Rules {
		if r.Action != types.ActionAllow && r.Action != types.ActionDeny {
			return zterr.Validationf("policy %q rule %d: unknown action %q", d.Name, i, r.Action)
		}
		if strings.TrimSpace(r.Condition) == "" {
			return zterr.Validationf("policy %q rule %d: condition is required", d.Name, i)
		}
	}
	switch d.TargetSensitivity {
	case "", types.SensitivityLow, types.SensitivityMedium, types.SensitivityHigh:
	default:
		return zterr.Validationf("policy %q: unknown target sensitivity %q", d.Name, d.TargetSensitivity)
	}
	return nil
}
