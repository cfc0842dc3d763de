package service_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/internal/zerotrust/events"
	"github.com/gatewarden/gatewarden/internal/zerotrust/policy"
	"github.com/gatewarden/gatewarden/internal/zerotrust/registry"
	"github.com/gatewarden/gatewarden/internal/zerotrust/risk"
	"github.com/gatewarden/gatewarden/internal/zerotrust/service"
	"github.com/gatewarden/gatewarden/internal/zerotrust/store"
	"github.com/gatewarden/gatewarden/internal/zerotrust/store/memory"
	"github.com/gatewarden/gatewarden/internal/zerotrust/types"
	"github.com/gatewarden/gatewarden/internal/zerotrust/zterr"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// fixture wires a decision service over in-memory stores with a base policy
// of [{deny, risk_high}, {allow, always}] and three catalogued resources.
type fixture struct {
	registry   *registry.Registry
	policies   *policy.Manager
	decisions  *memory.DecisionStore
	violations *memory.ViolationStore
	bus        *events.Broadcaster
	svc        *service.DecisionService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	clock := func() time.Time { return testNow }

	reg := registry.New(
		memory.NewIdentityStore(),
		memory.NewDeviceStore(),
		memory.NewSessionStore(),
	).WithClock(clock)
	reg.RegisterResource(types.Resource{ID: "wiki", Sensitivity: types.SensitivityLow})
	reg.RegisterResource(types.Resource{ID: "billing", Sensitivity: types.SensitivityMedium})
	reg.RegisterResource(types.Resource{ID: "vault", Sensitivity: types.SensitivityHigh})

	policies := policy.NewManager(memory.NewPolicyStore(), "base").WithClock(clock)
	_, err := policies.Create(context.Background(), policy.Draft{
		Name:    "base",
		Enabled: true,
		Rules: []types.Rule{
			{ID: "deny-high-risk", Action: types.ActionDeny, Condition: "risk_high"},
			{ID: "allow-rest", Action: types.ActionAllow, Condition: "always"},
		},
	})
	require.NoError(t, err)

	engine, err := policy.NewEngine(logger)
	require.NoError(t, err)

	decisions := memory.NewDecisionStore()
	violations := memory.NewViolationStore()
	bus := events.NewBroadcaster(64, logger)

	assessor := risk.NewAssessor(risk.DefaultConfig()).WithClock(clock)
	svc := service.NewDecisionService(
		reg, assessor, engine, policies, decisions, violations, bus,
		service.DefaultConfig(), logger,
	).WithClock(clock)

	return &fixture{
		registry:   reg,
		policies:   policies,
		decisions:  decisions,
		violations: violations,
		bus:        bus,
		svc:        svc,
	}
}

// seedIdentity creates an identity with the given trust score, freshly
// verified, plus a device at the given trust level.
func (f *fixture) seedIdentity(t *testing.T, id string, trust float64, deviceLevel types.TrustLevel) {
	t.Helper()
	ctx := context.Background()
	ident, err := f.registry.UpsertIdentity(ctx, id, map[string]string{"role": "engineer"})
	require.NoError(t, err)
	ident.TrustScore = trust
	ident.LastVerifiedAt = testNow
	ident.Freshness = types.FreshnessFresh
	require.NoError(t, f.registry.SaveIdentity(ctx, ident))

	_, err = f.registry.RegisterDevice(ctx, id+"-device", id, nil)
	require.NoError(t, err)
	if deviceLevel != types.TrustProvisional {
		_, err = f.registry.UpdateDeviceTrustLevel(ctx, id+"-device", deviceLevel)
		require.NoError(t, err)
	}
}

func grantReq(id, resource string) service.GrantRequest {
	return service.GrantRequest{
		IdentityID:  id,
		DeviceID:    id + "-device",
		ResourceID:  resource,
		Permissions: []string{"read", "write"},
	}
}

func TestDecideGrant_HighTrustHighSensitivityGranted(t *testing.T) {
	f := newFixture(t)
	f.seedIdentity(t, "alice", 0.95, types.TrustTrusted)

	d, err := f.svc.DecideGrant(context.Background(), grantReq("alice", "vault"))
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeGranted, d.Outcome)
	assert.Equal(t, types.RiskLow, d.RiskLevel)
}

func TestDecideGrant_TrustFloorDeniesHighSensitivity(t *testing.T) {
	f := newFixture(t)
	f.seedIdentity(t, "bob", 0.5, types.TrustTrusted)

	d, err := f.svc.DecideGrant(context.Background(), grantReq("bob", "vault"))
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeDenied, d.Outcome)
	require.NotEmpty(t, d.Reasons)
	assert.Contains(t, d.Reasons[len(d.Reasons)-1], "high-sensitivity floor")

	// A routine floor denial opens no violation.
	vs, err := f.violations.QueryViolations(context.Background(), store.ViolationFilter{})
	require.NoError(t, err)
	assert.Empty(t, vs)
}

func TestDecideGrant_GeneralTrustFloor(t *testing.T) {
	f := newFixture(t)
	f.seedIdentity(t, "carol", 0.65, types.TrustTrusted)

	d, err := f.svc.DecideGrant(context.Background(), grantReq("carol", "wiki"))
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeDenied, d.Outcome)
	assert.Contains(t, d.Reasons[len(d.Reasons)-1], "grant floor")
}

func TestDecideGrant_QuarantinedDeviceDeniedWithViolation(t *testing.T) {
	f := newFixture(t)
	f.seedIdentity(t, "mallory", 0.95, types.TrustQuarantined)

	d, err := f.svc.DecideGrant(context.Background(), grantReq("mallory", "wiki"))
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeDenied, d.Outcome)
	assert.Equal(t, types.RiskHigh, d.RiskLevel)

	vs, err := f.violations.QueryViolations(context.Background(), store.ViolationFilter{SubjectID: "mallory"})
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, types.SeverityHigh, vs[0].Severity)
	assert.Equal(t, "deny-high-risk", vs[0].RuleID)
}

func TestDecideGrant_UnknownEntitiesAreNotFound(t *testing.T) {
	f := newFixture(t)
	f.seedIdentity(t, "alice", 0.95, types.TrustTrusted)

	_, err := f.svc.DecideGrant(context.Background(), grantReq("ghost", "wiki"))
	assert.ErrorIs(t, err, zterr.ErrNotFound)

	req := grantReq("alice", "wiki")
	req.DeviceID = "ghost-device"
	_, err = f.svc.DecideGrant(context.Background(), req)
	assert.ErrorIs(t, err, zterr.ErrNotFound)

	_, err = f.svc.DecideGrant(context.Background(), grantReq("alice", "no-such-resource"))
	assert.ErrorIs(t, err, zterr.ErrNotFound)

	// No audit record is written for a failed resolution.
	assert.Empty(t, f.decisions.Decisions())
}

func TestDecideGrant_ValidationBeforeAnyState(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.DecideGrant(context.Background(), service.GrantRequest{})
	assert.ErrorIs(t, err, zterr.ErrValidation)
	assert.Empty(t, f.decisions.Decisions())
}

func TestDecideCheck_IdempotentForIdenticalInputs(t *testing.T) {
	f := newFixture(t)
	f.seedIdentity(t, "alice", 0.95, types.TrustTrusted)

	req := service.CheckRequest{
		IdentityID: "alice",
		DeviceID:   "alice-device",
		ResourceID: "wiki",
		Action:     "read",
	}
	d1, err := f.svc.DecideCheck(context.Background(), req)
	require.NoError(t, err)
	d2, err := f.svc.DecideCheck(context.Background(), req)
	require.NoError(t, err)

	assert.NotEqual(t, d1.ID, d2.ID, "two audit records")
	assert.Equal(t, d1.Outcome, d2.Outcome)
	assert.Equal(t, d1.Reasons, d2.Reasons)
	assert.Len(t, f.decisions.Decisions(), 2)
}

func TestDecideCheck_NoTrustFloorGate(t *testing.T) {
	f := newFixture(t)
	// Trust 0.5 fails any grant but a check only runs policies.
	f.seedIdentity(t, "bob", 0.5, types.TrustTrusted)

	d, err := f.svc.DecideCheck(context.Background(), service.CheckRequest{
		IdentityID: "bob",
		DeviceID:   "bob-device",
		ResourceID: "wiki",
		Action:     "read",
	})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeGranted, d.Outcome)
}

func TestDecide_SensitivityScopedPolicyANDed(t *testing.T) {
	f := newFixture(t)
	f.seedIdentity(t, "alice", 0.95, types.TrustTrusted)

	// A high-sensitivity policy that denies anyone who is not an admin.
	_, err := f.policies.Create(context.Background(), policy.Draft{
		Name:              "vault-guard",
		Enabled:           true,
		TargetSensitivity: types.SensitivityHigh,
		Rules: []types.Rule{
			{ID: "deny-non-admin", Action: types.ActionDeny, Condition: `identity.attributes.role != "admin"`},
			{ID: "allow-admin", Action: types.ActionAllow, Condition: "always"},
		},
	})
	require.NoError(t, err)

	d, err := f.svc.DecideGrant(context.Background(), grantReq("alice", "vault"))
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeDenied, d.Outcome, "any denying policy denies the request")
	assert.Len(t, d.PolicyIDsEvaluated, 2)
}

func TestDecide_PolicyConflictSurfacedNotDecided(t *testing.T) {
	f := newFixture(t)
	f.seedIdentity(t, "alice", 0.95, types.TrustTrusted)

	for _, name := range []string{"vault-a", "vault-b"} {
		_, err := f.policies.Create(context.Background(), policy.Draft{
			Name:              name,
			Enabled:           true,
			TargetSensitivity: types.SensitivityHigh,
			Exclusive:         true,
			Rules:             []types.Rule{{Action: types.ActionAllow, Condition: "always"}},
		})
		require.NoError(t, err)
	}

	_, err := f.svc.DecideGrant(context.Background(), grantReq("alice", "vault"))
	assert.ErrorIs(t, err, zterr.ErrPolicyConflict)
	assert.Empty(t, f.decisions.Decisions(), "conflicts abort before the audit write")
}

func TestDecide_PublishesDecisionEvent(t *testing.T) {
	f := newFixture(t)
	f.seedIdentity(t, "alice", 0.95, types.TrustTrusted)

	ch, cancel := f.bus.Subscribe()
	defer cancel()

	_, err := f.svc.DecideGrant(context.Background(), grantReq("alice", "wiki"))
	require.NoError(t, err)

	ev := <-ch
	assert.Equal(t, events.TypeDecision, ev.Type)
	assert.Equal(t, "alice", ev.SubjectID)
	assert.Equal(t, "granted", ev.Payload["outcome"])
}

// failingDecisionStore simulates storage outages.
type failingDecisionStore struct {
	memory.DecisionStore
	failures int
	calls    int
}

func (s *failingDecisionStore) RecordDecision(ctx context.Context, d types.AccessDecision) error {
	s.calls++
	if s.calls <= s.failures {
		return zterr.Transientf("storage unavailable")
	}
	return s.DecisionStore.RecordDecision(ctx, d)
}

func TestDecideGrant_TransientStoreFailureRetriedThenSurfaced(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	clock := func() time.Time { return testNow }

	reg := registry.New(memory.NewIdentityStore(), memory.NewDeviceStore(), memory.NewSessionStore()).WithClock(clock)
	reg.RegisterResource(types.Resource{ID: "wiki", Sensitivity: types.SensitivityLow})
	ctx := context.Background()
	ident, err := reg.UpsertIdentity(ctx, "alice", nil)
	require.NoError(t, err)
	ident.TrustScore = 0.95
	ident.LastVerifiedAt = testNow
	require.NoError(t, reg.SaveIdentity(ctx, ident))
	_, err = reg.RegisterDevice(ctx, "alice-device", "alice", nil)
	require.NoError(t, err)
	_, err = reg.UpdateDeviceTrustLevel(ctx, "alice-device", types.TrustTrusted)
	require.NoError(t, err)

	policies := policy.NewManager(memory.NewPolicyStore(), "base")
	_, err = policies.Create(ctx, policy.Draft{
		Name:    "base",
		Enabled: true,
		Rules:   []types.Rule{{Action: types.ActionAllow, Condition: "always"}},
	})
	require.NoError(t, err)
	engine, err := policy.NewEngine(logger)
	require.NoError(t, err)

	cfg := service.DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond

	t.Run("recovers within retry budget", func(t *testing.T) {
		ds := &failingDecisionStore{failures: 2}
		svc := service.NewDecisionService(reg, risk.NewAssessor(risk.DefaultConfig()).WithClock(clock),
			engine, policies, ds, memory.NewViolationStore(), events.NewBroadcaster(8, logger), cfg, logger)

		d, err := svc.DecideGrant(ctx, grantReq("alice", "wiki"))
		require.NoError(t, err)
		assert.Equal(t, types.OutcomeGranted, d.Outcome)
		assert.Equal(t, 3, ds.calls)
	})

	t.Run("exhausted retries surface as transient, not denial", func(t *testing.T) {
		ds := &failingDecisionStore{failures: 10}
		svc := service.NewDecisionService(reg, risk.NewAssessor(risk.DefaultConfig()).WithClock(clock),
			engine, policies, ds, memory.NewViolationStore(), events.NewBroadcaster(8, logger), cfg, logger)

		_, err := svc.DecideGrant(ctx, grantReq("alice", "wiki"))
		assert.ErrorIs(t, err, zterr.ErrTransient)
	})
}

func TestAuditQueries_FilterAndValidate(t *testing.T) {
	f := newFixture(t)
	f.seedIdentity(t, "alice", 0.95, types.TrustTrusted)
	f.seedIdentity(t, "bob", 0.5, types.TrustTrusted)

	ctx := context.Background()
	_, err := f.svc.DecideGrant(ctx, grantReq("alice", "wiki"))
	require.NoError(t, err)
	_, err = f.svc.DecideGrant(ctx, grantReq("bob", "vault"))
	require.NoError(t, err)

	ds, err := f.svc.Decisions(ctx, store.DecisionFilter{IdentityID: "alice"})
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, types.OutcomeGranted, ds[0].Outcome)

	ds, err = f.svc.Decisions(ctx, store.DecisionFilter{Outcome: types.OutcomeDenied})
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "bob", ds[0].IdentityID)

	_, err = f.svc.Decisions(ctx, store.DecisionFilter{From: testNow, To: testNow.Add(-time.Hour)})
	assert.ErrorIs(t, err, zterr.ErrValidation)
}

func TestUpdateViolationStatus_Transitions(t *testing.T) {
	f := newFixture(t)
	f.seedIdentity(t, "mallory", 0.95, types.TrustQuarantined)

	ctx := context.Background()
	_, err := f.svc.DecideGrant(ctx, grantReq("mallory", "wiki"))
	require.NoError(t, err)

	vs, err := f.svc.Violations(ctx, store.ViolationFilter{SubjectID: "mallory"})
	require.NoError(t, err)
	require.Len(t, vs, 1)

	v, err := f.svc.UpdateViolationStatus(ctx, vs[0].ID, types.ViolationRemediating)
	require.NoError(t, err)
	assert.Equal(t, types.ViolationRemediating, v.Status)

	_, err = f.svc.UpdateViolationStatus(ctx, vs[0].ID, "closed")
	assert.ErrorIs(t, err, zterr.ErrValidation)
}
