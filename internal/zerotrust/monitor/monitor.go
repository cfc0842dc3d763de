// Package monitor runs the continuous re-evaluation loops: freshness
// transitions, trust decay, per-session risk recompute, and forced
// revocation on critical violations. It never blocks the decision path;
// everything it learns is published through the event broadcaster.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatewarden/gatewarden/internal/zerotrust/events"
	"github.com/gatewarden/gatewarden/internal/zerotrust/registry"
	"github.com/gatewarden/gatewarden/internal/zerotrust/risk"
	"github.com/gatewarden/gatewarden/internal/zerotrust/store"
	"github.com/gatewarden/gatewarden/internal/zerotrust/types"
)

// Config holds the monitor cadences and decay tuning.
type Config struct {
	// RecomputeInterval is the trust-score recompute cadence.
	RecomputeInterval time.Duration
	// FastScanInterval is the fast threat-scan cadence.
	FastScanInterval time.Duration
	// AgingAfter is how long after the last verification a subject is aging.
	AgingAfter time.Duration
	// StaleAfter is how long after the last verification a subject is stale.
	StaleAfter time.Duration
	// AgingDecay is subtracted from the trust score per recompute tick while
	// the subject is aging; StaleDecay while stale.
	AgingDecay float64
	StaleDecay float64
}

// DefaultConfig returns the stock cadences: 30s recompute, 5s fast scan.
func DefaultConfig() Config {
	return Config{
		RecomputeInterval: 30 * time.Second,
		FastScanInterval:  5 * time.Second,
		AgingAfter:        8 * time.Hour,
		StaleAfter:        24 * time.Hour,
		AgingDecay:        0.01,
		StaleDecay:        0.03,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RecomputeInterval <= 0 {
		c.RecomputeInterval = d.RecomputeInterval
	}
	if c.FastScanInterval <= 0 {
		c.FastScanInterval = d.FastScanInterval
	}
	if c.AgingAfter <= 0 {
		c.AgingAfter = d.AgingAfter
	}
	if c.StaleAfter <= c.AgingAfter {
		c.StaleAfter = c.AgingAfter + d.StaleAfter
	}
	if c.AgingDecay <= 0 {
		c.AgingDecay = d.AgingDecay
	}
	if c.StaleDecay <= 0 {
		c.StaleDecay = d.StaleDecay
	}
	return c
}

// Monitor owns the two background loops. Create with New, then Start; Stop
// waits for both loops to exit.
type Monitor struct {
	registry   *registry.Registry
	assessor   *risk.Assessor
	violations store.ViolationStore
	events     *events.Broadcaster
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(
	reg *registry.Registry,
	assessor *risk.Assessor,
	violations store.ViolationStore,
	bus *events.Broadcaster,
	cfg Config,
	logger *slog.Logger,
) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		registry:   reg,
		assessor:   assessor,
		violations: violations,
		events:     bus,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock overrides the clock for tests.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Start launches the recompute and fast-scan loops. The loops exit when ctx
// is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(2)
	go m.loop(ctx, m.cfg.RecomputeInterval, m.RecomputeOnce)
	go m.loop(ctx, m.cfg.FastScanInterval, m.FastScanOnce)
	m.logger.Info("monitor started",
		"recompute_interval", m.cfg.RecomputeInterval,
		"fast_scan_interval", m.cfg.FastScanInterval)
}

// Stop signals both loops to exit and waits for them.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// RecomputeOnce runs one trust-score recompute pass: freshness transitions,
// decay for aging/stale identities, and a risk recompute for every active
// session. A tick is idempotent and interruptible between subjects.
func (m *Monitor) RecomputeOnce(ctx context.Context) {
	idents, err := m.registry.ListIdentities(ctx)
	if err != nil {
		m.logger.Error("monitor: list identities", "error", err)
		return
	}
	for _, ident := range idents {
		if ctx.Err() != nil {
			return
		}
		m.recomputeIdentity(ctx, ident)
	}

	sessions, err := m.registry.ListActiveSessions(ctx)
	if err != nil {
		m.logger.Error("monitor: list sessions", "error", err)
		return
	}
	for _, sess := range sessions {
		if ctx.Err() != nil {
			return
		}
		m.recomputeSession(ctx, sess)
	}
}

// FastScanOnce runs one fast threat scan: subjects with an open critical
// violation are revoked immediately rather than waiting for the slow cadence.
func (m *Monitor) FastScanOnce(ctx context.Context) {
	critical, err := m.violations.QueryViolations(ctx, store.ViolationFilter{
		Severity: types.SeverityCritical,
		Status:   types.ViolationOpen,
	})
	if err != nil {
		m.logger.Error("monitor: query critical violations", "error", err)
		return
	}
	for _, v := range critical {
		if ctx.Err() != nil {
			return
		}
		m.enforceCritical(ctx, v)
	}
}

func (m *Monitor) recomputeIdentity(ctx context.Context, ident types.Identity) {
	prev := ident.Freshness
	next := m.freshnessFor(ident.LastVerifiedAt)
	// Revocation is sticky until the subject re-verifies.
	if prev == types.FreshnessRevoked {
		next = types.FreshnessRevoked
	}

	changed := next != prev
	switch next {
	case types.FreshnessAging:
		ident.TrustScore = clamp01(ident.TrustScore - m.cfg.AgingDecay)
		changed = true
	case types.FreshnessStale:
		ident.TrustScore = clamp01(ident.TrustScore - m.cfg.StaleDecay)
		changed = true
	}
	if !changed {
		return
	}

	ident.Freshness = next
	if err := m.registry.SaveIdentity(ctx, ident); err != nil {
		m.logger.Error("monitor: save identity", "identity_id", ident.ID, "error", err)
		return
	}
	if next != prev {
		m.logger.Info("identity freshness transition",
			"identity_id", ident.ID, "from", prev, "to", next)
	}
}

func (m *Monitor) recomputeSession(ctx context.Context, sess types.Session) {
	ident, err := m.registry.GetIdentity(ctx, sess.IdentityID)
	if err != nil {
		m.logger.Error("monitor: session identity lookup", "session_id", sess.ID, "error", err)
		return
	}
	dev, err := m.registry.GetDevice(ctx, sess.DeviceID)
	if err != nil {
		m.logger.Error("monitor: session device lookup", "session_id", sess.ID, "error", err)
		return
	}

	res := m.assessor.Assess(ident, dev, sess.Context)
	prevLevel := sess.CurrentRiskLevel
	if res.Level == prevLevel && res.Score == sess.CurrentRiskScore {
		return
	}

	sess.CurrentRiskScore = res.Score
	sess.CurrentRiskLevel = res.Level
	if err := m.registry.SaveSession(ctx, sess); err != nil {
		m.logger.Error("monitor: save session", "session_id", sess.ID, "error", err)
		return
	}
	m.events.Publish(events.Event{
		Type:      events.TypeRiskChange,
		SubjectID: sess.IdentityID,
		Timestamp: m.now().UTC(),
		Payload: map[string]any{
			"session_id": sess.ID,
			"risk_score": res.Score,
			"risk_level": string(res.Level),
		},
	})

	escalated := res.Level == types.RiskHigh &&
		(prevLevel == types.RiskLow || prevLevel == types.RiskMedium)
	if !escalated {
		return
	}
	now := m.now().UTC()
	v := types.Violation{
		ID:          uuid.NewString(),
		SubjectType: types.SubjectSession,
		SubjectID:   sess.ID,
		Severity:    types.SeverityHigh,
		Status:      types.ViolationOpen,
		Detail:      "session risk escalated to high",
		DetectedAt:  now,
		UpdatedAt:   now,
	}
	if err := m.violations.PutViolation(ctx, v); err != nil {
		m.logger.Error("monitor: violation write", "session_id", sess.ID, "error", err)
		return
	}
	m.events.Publish(events.Event{
		Type:      events.TypeViolation,
		SubjectID: sess.ID,
		Severity:  v.Severity,
		Timestamp: now,
		Payload:   map[string]any{"violation_id": v.ID, "session_id": sess.ID},
	})
	m.logger.Warn("session risk escalated",
		"session_id", sess.ID, "identity_id", sess.IdentityID, "score", res.Score)
}

// enforceCritical forces the subject of an open critical violation into the
// revoked state, regardless of how fresh its verification is.
func (m *Monitor) enforceCritical(ctx context.Context, v types.Violation) {
	switch v.SubjectType {
	case types.SubjectIdentity:
		ident, err := m.registry.GetIdentity(ctx, v.SubjectID)
		if err != nil {
			return
		}
		if ident.Freshness == types.FreshnessRevoked {
			return
		}
		ident.Freshness = types.FreshnessRevoked
		if err := m.registry.SaveIdentity(ctx, ident); err != nil {
			m.logger.Error("monitor: revoke identity", "identity_id", ident.ID, "error", err)
			return
		}
		for _, sid := range ident.ActiveSessions {
			if _, err := m.registry.RevokeSession(ctx, sid, "critical violation against identity"); err != nil {
				m.logger.Error("monitor: revoke session", "session_id", sid, "error", err)
			}
		}
		m.logger.Warn("identity revoked by critical violation",
			"identity_id", ident.ID, "violation_id", v.ID)
		m.events.Publish(events.Event{
			Type:      events.TypeRiskChange,
			SubjectID: ident.ID,
			Severity:  types.SeverityCritical,
			Timestamp: m.now().UTC(),
			Payload:   map[string]any{"freshness": string(types.FreshnessRevoked), "violation_id": v.ID},
		})

	case types.SubjectDevice:
		dev, err := m.registry.GetDevice(ctx, v.SubjectID)
		if err != nil || dev.TrustLevel == types.TrustQuarantined {
			return
		}
		if _, err := m.registry.UpdateDeviceTrustLevel(ctx, dev.ID, types.TrustQuarantined); err != nil {
			m.logger.Error("monitor: quarantine device", "device_id", dev.ID, "error", err)
			return
		}
		m.logger.Warn("device quarantined by critical violation",
			"device_id", dev.ID, "violation_id", v.ID)

	case types.SubjectSession:
		sess, err := m.registry.GetSession(ctx, v.SubjectID)
		if err != nil || !sess.Active() {
			return
		}
		if _, err := m.registry.RevokeSession(ctx, sess.ID, "critical violation against session"); err != nil {
			m.logger.Error("monitor: revoke session", "session_id", sess.ID, "error", err)
		}
	}
}

// freshnessFor derives the verification state from elapsed time alone, so the
// transition sequence is deterministic regardless of tick ordering.
func (m *Monitor) freshnessFor(lastVerified time.Time) types.Freshness {
	if lastVerified.IsZero() {
		return types.FreshnessStale
	}
	elapsed := m.now().Sub(lastVerified)
	switch {
	case elapsed < m.cfg.AgingAfter:
		return types.FreshnessFresh
	case elapsed < m.cfg.StaleAfter:
		return types.FreshnessAging
	default:
		return types.FreshnessStale
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
