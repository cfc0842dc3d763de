package monitor_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/internal/zerotrust/events"
	"github.com/gatewarden/gatewarden/internal/zerotrust/monitor"
	"github.com/gatewarden/gatewarden/internal/zerotrust/registry"
	"github.com/gatewarden/gatewarden/internal/zerotrust/risk"
	"github.com/gatewarden/gatewarden/internal/zerotrust/store"
	"github.com/gatewarden/gatewarden/internal/zerotrust/store/memory"
	"github.com/gatewarden/gatewarden/internal/zerotrust/types"
)

var baseTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// clock is a settable test clock shared by the registry and the monitor.
type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	clock      *clock
	registry   *registry.Registry
	violations *memory.ViolationStore
	bus        *events.Broadcaster
	mon        *monitor.Monitor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	ck := &clock{t: baseTime}

	reg := registry.New(
		memory.NewIdentityStore(),
		memory.NewDeviceStore(),
		memory.NewSessionStore(),
	).WithClock(ck.now)
	violations := memory.NewViolationStore()
	bus := events.NewBroadcaster(64, logger)

	mon := monitor.New(
		reg,
		risk.NewAssessor(risk.DefaultConfig()).WithClock(ck.now),
		violations,
		bus,
		monitor.Config{
			AgingAfter: 8 * time.Hour,
			StaleAfter: 24 * time.Hour,
			AgingDecay: 0.01,
			StaleDecay: 0.03,
		},
		logger,
	).WithClock(ck.now)

	return &harness{clock: ck, registry: reg, violations: violations, bus: bus, mon: mon}
}

// seed creates a verified identity with a trusted device and one session.
func (h *harness) seed(t *testing.T, id string, trust float64) types.Session {
	t.Helper()
	ctx := context.Background()
	ident, err := h.registry.UpsertIdentity(ctx, id, nil)
	require.NoError(t, err)
	ident.TrustScore = trust
	ident.LastVerifiedAt = h.clock.t
	ident.Freshness = types.FreshnessFresh
	require.NoError(t, h.registry.SaveIdentity(ctx, ident))

	_, err = h.registry.RegisterDevice(ctx, id+"-device", id, nil)
	require.NoError(t, err)
	_, err = h.registry.UpdateDeviceTrustLevel(ctx, id+"-device", types.TrustTrusted)
	require.NoError(t, err)

	sess, err := h.registry.CreateSession(ctx, id, id+"-device", types.RequestContext{})
	require.NoError(t, err)
	return sess
}

func (h *harness) identity(t *testing.T, id string) types.Identity {
	t.Helper()
	ident, err := h.registry.GetIdentity(context.Background(), id)
	require.NoError(t, err)
	return ident
}

func TestRecompute_FreshnessFollowsElapsedTime(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "alice", 0.9)
	ctx := context.Background()

	h.mon.RecomputeOnce(ctx)
	assert.Equal(t, types.FreshnessFresh, h.identity(t, "alice").Freshness)

	h.clock.advance(10 * time.Hour)
	h.mon.RecomputeOnce(ctx)
	assert.Equal(t, types.FreshnessAging, h.identity(t, "alice").Freshness)

	h.clock.advance(20 * time.Hour)
	h.mon.RecomputeOnce(ctx)
	assert.Equal(t, types.FreshnessStale, h.identity(t, "alice").Freshness)
}

func TestRecompute_SkipsIntermediateStatesAfterLongGap(t *testing.T) {
	// Freshness derives from elapsed time, not from tick count: a subject
	// that missed every intermediate tick still lands in the right state.
	h := newHarness(t)
	h.seed(t, "alice", 0.9)

	h.clock.advance(72 * time.Hour)
	h.mon.RecomputeOnce(context.Background())
	assert.Equal(t, types.FreshnessStale, h.identity(t, "alice").Freshness)
}

func TestRecompute_DecaysAgingAndStaleTrust(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "alice", 0.5)
	ctx := context.Background()

	h.clock.advance(10 * time.Hour) // aging
	h.mon.RecomputeOnce(ctx)
	h.mon.RecomputeOnce(ctx)
	assert.InDelta(t, 0.48, h.identity(t, "alice").TrustScore, 1e-9)

	h.clock.advance(20 * time.Hour) // stale
	h.mon.RecomputeOnce(ctx)
	assert.InDelta(t, 0.45, h.identity(t, "alice").TrustScore, 1e-9)
}

func TestRecompute_TrustNeverDecaysBelowZero(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "alice", 0.02)
	ctx := context.Background()

	h.clock.advance(48 * time.Hour)
	for i := 0; i < 5; i++ {
		h.mon.RecomputeOnce(ctx)
	}
	assert.Equal(t, 0.0, h.identity(t, "alice").TrustScore)
}

func TestRecompute_FreshIdentityUntouched(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "alice", 0.9)

	h.mon.RecomputeOnce(context.Background())
	ident := h.identity(t, "alice")
	assert.Equal(t, 0.9, ident.TrustScore)
	assert.Equal(t, types.FreshnessFresh, ident.Freshness)
}

func TestRecompute_SessionEscalationOpensViolation(t *testing.T) {
	h := newHarness(t)
	sess := h.seed(t, "alice", 0.9)
	ctx := context.Background()

	// First pass records the baseline low risk.
	h.mon.RecomputeOnce(ctx)
	got, err := h.registry.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RiskLow, got.CurrentRiskLevel)

	// Quarantining the device forces the next recompute to high.
	_, err = h.registry.UpdateDeviceTrustLevel(ctx, "alice-device", types.TrustQuarantined)
	require.NoError(t, err)

	ch, cancel := h.bus.Subscribe()
	defer cancel()
	h.mon.RecomputeOnce(ctx)

	got, err = h.registry.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RiskHigh, got.CurrentRiskLevel)

	vs, err := h.violations.QueryViolations(ctx, store.ViolationFilter{SubjectID: sess.ID})
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, types.SubjectSession, vs[0].SubjectType)
	assert.Equal(t, types.SeverityHigh, vs[0].Severity)

	seen := map[events.Type]bool{}
	for i := 0; i < 2; i++ {
		ev := <-ch
		seen[ev.Type] = true
	}
	assert.True(t, seen[events.TypeRiskChange])
	assert.True(t, seen[events.TypeViolation])
}

func TestRecompute_UnchangedSessionEmitsNothing(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "alice", 0.9)
	ctx := context.Background()

	h.mon.RecomputeOnce(ctx)
	ch, cancel := h.bus.Subscribe()
	defer cancel()
	h.mon.RecomputeOnce(ctx)

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestFastScan_CriticalViolationRevokesIdentity(t *testing.T) {
	h := newHarness(t)
	sess := h.seed(t, "alice", 0.9)
	ctx := context.Background()

	require.NoError(t, h.violations.PutViolation(ctx, types.Violation{
		ID:          uuid.NewString(),
		SubjectType: types.SubjectIdentity,
		SubjectID:   "alice",
		Severity:    types.SeverityCritical,
		Status:      types.ViolationOpen,
		DetectedAt:  h.clock.t,
		UpdatedAt:   h.clock.t,
	}))

	h.mon.FastScanOnce(ctx)

	ident := h.identity(t, "alice")
	assert.Equal(t, types.FreshnessRevoked, ident.Freshness)
	assert.Empty(t, ident.ActiveSessions)

	got, err := h.registry.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, got.Active())
	assert.Contains(t, got.RevokeReason, "critical violation")
}

func TestFastScan_CriticalViolationQuarantinesDevice(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "alice", 0.9)
	ctx := context.Background()

	require.NoError(t, h.violations.PutViolation(ctx, types.Violation{
		ID:          uuid.NewString(),
		SubjectType: types.SubjectDevice,
		SubjectID:   "alice-device",
		Severity:    types.SeverityCritical,
		Status:      types.ViolationOpen,
		DetectedAt:  h.clock.t,
		UpdatedAt:   h.clock.t,
	}))

	h.mon.FastScanOnce(ctx)

	dev, err := h.registry.GetDevice(ctx, "alice-device")
	require.NoError(t, err)
	assert.Equal(t, types.TrustQuarantined, dev.TrustLevel)
}

func TestFastScan_ResolvedCriticalViolationIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "alice", 0.9)
	ctx := context.Background()

	require.NoError(t, h.violations.PutViolation(ctx, types.Violation{
		ID:          uuid.NewString(),
		SubjectType: types.SubjectIdentity,
		SubjectID:   "alice",
		Severity:    types.SeverityCritical,
		Status:      types.ViolationResolved,
		DetectedAt:  h.clock.t,
		UpdatedAt:   h.clock.t,
	}))

	h.mon.FastScanOnce(ctx)
	assert.Equal(t, types.FreshnessFresh, h.identity(t, "alice").Freshness)
}

func TestRecompute_RevocationIsStickyUntilReverified(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "alice", 0.9)
	ctx := context.Background()

	ident := h.identity(t, "alice")
	ident.Freshness = types.FreshnessRevoked
	require.NoError(t, h.registry.SaveIdentity(ctx, ident))

	// The verification timestamp is still recent, but a recompute must not
	// quietly resurrect a revoked subject.
	h.mon.RecomputeOnce(ctx)
	assert.Equal(t, types.FreshnessRevoked, h.identity(t, "alice").Freshness)
}

func TestMonitor_StartStop(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "alice", 0.9)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.mon.Start(ctx)
	h.mon.Stop()
}

func TestDecisionPruner_DisabledWhenRetentionZero(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	pruner := monitor.NewDecisionPruner(memory.NewDecisionStore(), monitor.PrunerConfig{
		RetentionDays: 0,
		IntervalHours: 1,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pruner.Start(ctx)
	// Stop should return immediately without error.
	pruner.Stop()
}

func TestDecisionPruner_PrunesOldDecisions(t *testing.T) {
	ds := memory.NewDecisionStore()
	ctx := context.Background()

	old := types.AccessDecision{ID: "old", DecidedAt: time.Now().UTC().AddDate(0, 0, -40)}
	recent := types.AccessDecision{ID: "recent", DecidedAt: time.Now().UTC().AddDate(0, 0, -1)}
	require.NoError(t, ds.RecordDecision(ctx, old))
	require.NoError(t, ds.RecordDecision(ctx, recent))

	cutoff := time.Now().UTC().AddDate(0, 0, -30)
	deleted, err := ds.PruneDecisionsOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	kept := ds.Decisions()
	require.Len(t, kept, 1)
	assert.Equal(t, "recent", kept[0].ID)
}

func TestDecisionPruner_StopIsIdempotent(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	pruner := monitor.NewDecisionPruner(memory.NewDecisionStore(), monitor.PrunerConfig{
		RetentionDays: 30,
		IntervalHours: 1,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	pruner.Start(ctx)

	cancel()
	// Multiple stops should not panic.
	pruner.Stop()
	pruner.Stop()
}
