// Package service orchestrates access decisions: verification, risk
// assessment, policy evaluation, hard trust gates, and the write-once audit
// trail.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gatewarden/gatewarden/internal/zerotrust/events"
	"github.com/gatewarden/gatewarden/internal/zerotrust/policy"
	"github.com/gatewarden/gatewarden/internal/zerotrust/registry"
	"github.com/gatewarden/gatewarden/internal/zerotrust/risk"
	"github.com/gatewarden/gatewarden/internal/zerotrust/store"
	"github.com/gatewarden/gatewarden/internal/zerotrust/types"
	"github.com/gatewarden/gatewarden/internal/zerotrust/zterr"
)

// Config holds the decision service's systemic controls. The trust floors
// exist independently of policy rules so a misconfigured policy can never
// bypass them.
type Config struct {
	// TrustFloor is the minimum identity trust score for any grant.
	TrustFloor float64
	// HighSensitivityTrustFloor is the minimum for grants to high
	// sensitivity resources.
	HighSensitivityTrustFloor float64
	// RetryAttempts bounds internal retries of transient store failures.
	RetryAttempts int
	// RetryBaseDelay is the first backoff step; it doubles per attempt.
	RetryBaseDelay time.Duration
}

// DefaultConfig returns the systemic defaults.
func DefaultConfig() Config {
	return Config{
		TrustFloor:                0.7,
		HighSensitivityTrustFloor: 0.9,
		RetryAttempts:             3,
		RetryBaseDelay:            50 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TrustFloor <= 0 {
		c.TrustFloor = d.TrustFloor
	}
	if c.HighSensitivityTrustFloor <= 0 {
		c.HighSensitivityTrustFloor = d.HighSensitivityTrustFloor
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	return c
}

// GrantRequest asks for provisioning access to a resource.
type GrantRequest struct {
	IdentityID  string               `json:"identity_id"`
	DeviceID    string               `json:"device_id"`
	ResourceID  string               `json:"resource_id"`
	Permissions []string             `json:"permissions"`
	Context     types.RequestContext `json:"context"`
}

// CheckRequest asks for a point-in-time authorization of one action.
type CheckRequest struct {
	IdentityID string               `json:"identity_id"`
	DeviceID   string               `json:"device_id"`
	ResourceID string               `json:"resource_id"`
	Action     string               `json:"action"`
	Context    types.RequestContext `json:"context"`
}

// DecisionService runs the decide protocol. Identity, device, and risk state
// are snapshotted once at the start of a decision and never re-read, so a
// concurrent monitor update races at most one in-flight evaluation.
type DecisionService struct {
	registry   *registry.Registry
	assessor   *risk.Assessor
	engine     *policy.Engine
	policies   *policy.Manager
	decisions  store.DecisionStore
	violations store.ViolationStore
	events     *events.Broadcaster
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewDecisionService wires the decision pipeline.
func NewDecisionService(
	reg *registry.Registry,
	assessor *risk.Assessor,
	engine *policy.Engine,
	policies *policy.Manager,
	decisions store.DecisionStore,
	violations store.ViolationStore,
	bus *events.Broadcaster,
	cfg Config,
	logger *slog.Logger,
) *DecisionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DecisionService{
		registry:   reg,
		assessor:   assessor,
		engine:     engine,
		policies:   policies,
		decisions:  decisions,
		violations: violations,
		events:     bus,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock overrides the clock for tests.
func (s *DecisionService) WithClock(now func() time.Time) *DecisionService {
	s.now = now
	return s
}

// DecideGrant runs the full grant protocol: resolve, assess, evaluate
// policies with AND semantics, then apply the trust-score hard gates. The
// decision is built first and committed atomically at the end; a cancelled
// context never leaves a partial audit record.
func (s *DecisionService) DecideGrant(ctx context.Context, req GrantRequest) (types.AccessDecision, error) {
	if err := req.validate(); err != nil {
		return types.AccessDecision{}, err
	}

	snap, err := s.resolve(ctx, req.IdentityID, req.DeviceID, req.ResourceID)
	if err != nil {
		return types.AccessDecision{}, err
	}

	res := s.assessor.Assess(snap.identity, snap.device, req.Context)
	outcome, reasons, policyIDs, breachRule, err := s.evaluatePolicies(ctx, snap, res, req.Context, "", req.Permissions)
	if err != nil {
		return types.AccessDecision{}, err
	}

	// Hard gates apply on top of policy results; they can only tighten.
	if outcome == types.OutcomeGranted {
		if snap.resource.Sensitivity == types.SensitivityHigh && snap.identity.TrustScore <= s.cfg.HighSensitivityTrustFloor {
			outcome = types.OutcomeDenied
			reasons = append(reasons, fmt.Sprintf(
				"trust score %.2f does not exceed high-sensitivity floor %.2f",
				snap.identity.TrustScore, s.cfg.HighSensitivityTrustFloor))
			breachRule = "" // floor denials are routine, not policy breaches
		} else if snap.identity.TrustScore <= s.cfg.TrustFloor {
			outcome = types.OutcomeDenied
			reasons = append(reasons, fmt.Sprintf(
				"trust score %.2f does not exceed grant floor %.2f",
				snap.identity.TrustScore, s.cfg.TrustFloor))
			breachRule = ""
		}
	}

	decision := types.AccessDecision{
		ID:                   uuid.NewString(),
		IdentityID:           snap.identity.ID,
		DeviceID:             snap.device.ID,
		ResourceID:           snap.resource.ID,
		RequestedPermissions: req.Permissions,
		PolicyIDsEvaluated:   policyIDs,
		Outcome:              outcome,
		Reasons:              reasons,
		RiskScore:            res.Score,
		RiskLevel:            res.Level,
		DecidedAt:            s.now().UTC(),
	}
	if err := s.commit(ctx, decision); err != nil {
		return types.AccessDecision{}, err
	}
	s.afterDecision(ctx, decision, snap, breachRule)
	return decision, nil
}

// DecideCheck runs the point-in-time authorization protocol. No trust-floor
// gates: those are grant-only systemic controls.
func (s *DecisionService) DecideCheck(ctx context.Context, req CheckRequest) (types.AccessDecision, error) {
	if err := req.validate(); err != nil {
		return types.AccessDecision{}, err
	}

	snap, err := s.resolve(ctx, req.IdentityID, req.DeviceID, req.ResourceID)
	if err != nil {
		return types.AccessDecision{}, err
	}

	res := s.assessor.Assess(snap.identity, snap.device, req.Context)
	outcome, reasons, policyIDs, breachRule, err := s.evaluatePolicies(ctx, snap, res, req.Context, req.Action, nil)
	if err != nil {
		return types.AccessDecision{}, err
	}

	decision := types.AccessDecision{
		ID:                 uuid.NewString(),
		IdentityID:         snap.identity.ID,
		DeviceID:           snap.device.ID,
		ResourceID:         snap.resource.ID,
		Action:             req.Action,
		PolicyIDsEvaluated: policyIDs,
		Outcome:            outcome,
		Reasons:            reasons,
		RiskScore:          res.Score,
		RiskLevel:          res.Level,
		DecidedAt:          s.now().UTC(),
	}
	if err := s.commit(ctx, decision); err != nil {
		return types.AccessDecision{}, err
	}
	s.afterDecision(ctx, decision, snap, breachRule)
	return decision, nil
}

// snapshot is the state a decision is evaluated against, read once.
type snapshot struct {
	identity types.Identity
	device   types.Device
	resource types.Resource
}

func (s *DecisionService) resolve(ctx context.Context, identityID, deviceID, resourceID string) (snapshot, error) {
	ident, err := s.registry.GetIdentity(ctx, identityID)
	if err != nil {
		return snapshot{}, err
	}
	dev, err := s.registry.GetDevice(ctx, deviceID)
	if err != nil {
		return snapshot{}, err
	}
	res, err := s.registry.GetResource(resourceID)
	if err != nil {
		return snapshot{}, err
	}
	_ = s.registry.TouchDevice(ctx, deviceID)
	return snapshot{identity: ident, device: dev, resource: res}, nil
}

// evaluatePolicies ANDs all applicable policies. Any denying policy denies
// the request; breachRule carries the matched deny rule id (empty when the
// denial came from the fail-closed default rather than an explicit rule).
func (s *DecisionService) evaluatePolicies(
	ctx context.Context,
	snap snapshot,
	res risk.Result,
	rctx types.RequestContext,
	action string,
	perms []string,
) (types.Outcome, []string, []string, string, error) {
	applicable, err := s.policies.SelectApplicable(ctx, snap.resource)
	if err != nil {
		if errors.Is(err, zterr.ErrPolicyConflict) {
			s.logger.Error("policy configuration conflict", "resource_id", snap.resource.ID, "error", err)
		}
		return "", nil, nil, "", err
	}

	ec := policy.EvalContext{
		Identity: snap.identity,
		Device:   snap.device,
		Risk:     res,
		Resource: snap.resource,
		Request:  rctx,
		Action:   action,
		Perms:    perms,
	}

	outcome := types.OutcomeGranted
	var reasons []string
	var policyIDs []string
	var breachRule string

	for _, p := range applicable {
		policyIDs = append(policyIDs, p.ID)
		pr, err := s.engine.Evaluate(ctx, p, ec)
		if err != nil {
			return "", nil, nil, "", err
		}
		reasons = append(reasons, pr.Reasons...)
		if !pr.Allowed {
			outcome = types.OutcomeDenied
			if pr.MatchedRuleID != "" && breachRule == "" {
				breachRule = pr.MatchedRuleID
			}
		}
	}
	return outcome, reasons, policyIDs, breachRule, nil
}

// commit persists the finished decision, retrying transient store failures a
// bounded number of times. A persistent failure surfaces as transient to the
// caller and is never recorded as a denial.
func (s *DecisionService) commit(ctx context.Context, d types.AccessDecision) error {
	err := withRetry(ctx, s.cfg.RetryAttempts, s.cfg.RetryBaseDelay, func() error {
		return s.decisions.RecordDecision(ctx, d)
	})
	if err != nil {
		s.logger.Error("decision commit failed", "decision_id", d.ID, "error", err)
	}
	return err
}

// afterDecision publishes the decision event and, for denials that breached
// an explicit policy rule, opens a violation. Both are best-effort: a failed
// event or violation write must not retract a committed decision.
func (s *DecisionService) afterDecision(ctx context.Context, d types.AccessDecision, snap snapshot, breachRule string) {
	s.events.Publish(events.Event{
		Type:      events.TypeDecision,
		SubjectID: d.IdentityID,
		Timestamp: d.DecidedAt,
		Payload: map[string]any{
			"decision_id": d.ID,
			"resource_id": d.ResourceID,
			"outcome":     string(d.Outcome),
			"risk_level":  string(d.RiskLevel),
		},
	})

	if d.Outcome != types.OutcomeDenied || breachRule == "" {
		return
	}

	severity := types.SeverityMedium
	if snap.device.TrustLevel == types.TrustQuarantined {
		severity = types.SeverityHigh
	}
	v := types.Violation{
		ID:          uuid.NewString(),
		SubjectType: types.SubjectIdentity,
		SubjectID:   d.IdentityID,
		Severity:    severity,
		RuleID:      breachRule,
		Status:      types.ViolationOpen,
		Detail:      fmt.Sprintf("access to %s denied by rule %s", d.ResourceID, breachRule),
		DetectedAt:  d.DecidedAt,
		UpdatedAt:   d.DecidedAt,
	}
	if err := s.violations.PutViolation(ctx, v); err != nil {
		s.logger.Error("violation write failed", "violation_id", v.ID, "error", err)
		return
	}
	s.events.Publish(events.Event{
		Type:      events.TypeViolation,
		SubjectID: v.SubjectID,
		Severity:  v.Severity,
		Timestamp: v.DetectedAt,
		Payload:   map[string]any{"violation_id": v.ID, "rule_id": v.RuleID},
	})
}

func (r GrantRequest) validate() error {
	var missing []string
	if strings.TrimSpace(r.IdentityID) == "" {
		missing = append(missing, "identity_id")
	}
	if strings.TrimSpace(r.DeviceID) == "" {
		missing = append(missing, "device_id")
	}
	if strings.TrimSpace(r.ResourceID) == "" {
		missing = append(missing, "resource_id")
	}
	if len(r.Permissions) == 0 {
		missing = append(missing, "permissions")
	}
	if len(missing) > 0 {
		return zterr.Validationf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (r CheckRequest) validate() error {
	var missing []string
	if strings.TrimSpace(r.IdentityID) == "" {
		missing = append(missing, "identity_id")
	}
	if strings.TrimSpace(r.DeviceID) == "" {
		missing = append(missing, "device_id")
	}
	if strings.TrimSpace(r.ResourceID) == "" {
		missing = append(missing, "resource_id")
	}
	if strings.TrimSpace(r.Action) == "" {
		missing = append(missing, "action")
	}
	if len(missing) > 0 {
		return zterr.Validationf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}
