package types

import "time"

// TrustLevel classifies a registered device.
type TrustLevel string

const (
	TrustUntrusted   TrustLevel = "untrusted"
	TrustProvisional TrustLevel = "provisional"
	TrustTrusted     TrustLevel = "trusted"
	// TrustQuarantined is terminal until explicit reinstatement and forces
	// the risk level to high regardless of every other signal.
	TrustQuarantined TrustLevel = "quarantined"
)

// ValidTrustLevel reports whether l is one of the known device trust levels.
func ValidTrustLevel(l TrustLevel) bool {
	switch l {
	case TrustUntrusted, TrustProvisional, TrustTrusted, TrustQuarantined:
		return true
	}
	return false
}

// RiskLevel is the coarse classification derived from a numeric risk score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Severity grades a violation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Outcome is the result of an access decision.
type Outcome string

const (
	OutcomeGranted Outcome = "granted"
	OutcomeDenied  Outcome = "denied"
)

// SubjectType identifies what kind of entity a violation is recorded against.
type SubjectType string

const (
	SubjectIdentity SubjectType = "identity"
	SubjectDevice   SubjectType = "device"
	SubjectSession  SubjectType = "session"
)

// ViolationStatus tracks remediation of a violation. Status transitions are
// the only mutation path on a recorded violation.
type ViolationStatus string

const (
	ViolationOpen        ViolationStatus = "open"
	ViolationRemediating ViolationStatus = "remediating"
	ViolationResolved    ViolationStatus = "resolved"
)

// Freshness is the continuous-monitor verification state of a subject.
type Freshness string

const (
	FreshnessFresh   Freshness = "fresh"
	FreshnessAging   Freshness = "aging"
	FreshnessStale   Freshness = "stale"
	FreshnessRevoked Freshness = "revoked"
)

// Sensitivity classifies a protected resource.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// Elevated reports whether the sensitivity pulls in resource-scoped policies
// on top of the base policy.
func (s Sensitivity) Elevated() bool {
	return s == SensitivityMedium || s == SensitivityHigh
}

// Identity is a known principal. TrustScore is in [0,1] and is mutated only
// by verification, decay, and violation handling, never by callers directly.
type Identity struct {
	ID             string            `json:"id"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	TrustScore     float64           `json:"trust_score"`
	LastVerifiedAt time.Time         `json:"last_verified_at"`
	ActiveSessions []string          `json:"active_sessions,omitempty"`
	Freshness      Freshness         `json:"freshness"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Device is registered hardware owned by an identity. Posture signals are
// supplied by external collaborators; the engine never computes them.
type Device struct {
	ID              string            `json:"id"`
	OwnerIdentityID string            `json:"owner_identity_id"`
	TrustLevel      TrustLevel        `json:"trust_level"`
	PostureSignals  map[string]string `json:"posture_signals,omitempty"`
	LastSeenAt      time.Time         `json:"last_seen_at"`
	CreatedAt       time.Time         `json:"created_at"`
}

// RequestContext carries the contextual signals accompanying a request.
// Anomaly flags come from upstream detectors and are consumed as-is.
type RequestContext struct {
	Geolocation    string `json:"geolocation,omitempty"`
	NetworkSegment string `json:"network_segment,omitempty"`
	GeoAnomaly     bool   `json:"geo_anomaly,omitempty"`
	NetworkAnomaly bool   `json:"network_anomaly,omitempty"`
}

// Session is created at successful identity verification and invalidated when
// risk exceeds the policy threshold or on explicit revoke. A session is never
// resurrected; a new one is created instead.
type Session struct {
	ID               string         `json:"id"`
	IdentityID       string         `json:"identity_id"`
	DeviceID         string         `json:"device_id"`
	StartedAt        time.Time      `json:"started_at"`
	Context          RequestContext `json:"context"`
	CurrentRiskScore int            `json:"current_risk_score"`
	CurrentRiskLevel RiskLevel      `json:"current_risk_level"`
	RevokedAt        *time.Time     `json:"revoked_at,omitempty"`
	RevokeReason     string         `json:"revoke_reason,omitempty"`
}

// Active reports whether the session has not been revoked.
func (s Session) Active() bool { return s.RevokedAt == nil }

// RuleAction is the effect of a policy rule.
type RuleAction string

const (
	ActionAllow RuleAction = "allow"
	ActionDeny  RuleAction = "deny"
)

// Rule pairs a condition with an action. Condition is either the name of a
// registered builtin predicate or a CEL expression over the request context.
type Rule struct {
	ID        string     `json:"id"`
	Action    RuleAction `json:"action"`
	Condition string     `json:"condition"`
}

// Policy is an ordered, named set of allow/deny rules. A policy version is
// immutable once created; updates produce a new version with a fresh ID so
// audit records stay reproducible.
type Policy struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version int    `json:"version"`
	Rules   []Rule `json:"rules"`
	Enabled bool   `json:"enabled"`

	// TargetSensitivity scopes the policy to resources of that sensitivity.
	// Empty means the policy is a base policy candidate.
	TargetSensitivity Sensitivity `json:"target_sensitivity,omitempty"`

	// Exclusive marks a resource-scoped policy as the sole policy for its
	// sensitivity; two exclusive policies for the same sensitivity are a
	// configuration conflict.
	Exclusive bool `json:"exclusive,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Resource is an entry in the protected-resource catalog.
type Resource struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	Sensitivity Sensitivity `json:"sensitivity"`
}

// AccessDecision is a write-once audit record of a grant or check.
type AccessDecision struct {
	ID                   string    `json:"id"`
	IdentityID           string    `json:"identity_id"`
	DeviceID             string    `json:"device_id"`
	ResourceID           string    `json:"resource_id"`
	RequestedPermissions []string  `json:"requested_permissions,omitempty"`
	Action               string    `json:"action,omitempty"`
	PolicyIDsEvaluated   []string  `json:"policy_ids_evaluated,omitempty"`
	Outcome              Outcome   `json:"outcome"`
	Reasons              []string  `json:"reasons"`
	RiskScore            int       `json:"risk_score"`
	RiskLevel            RiskLevel `json:"risk_level"`
	DecidedAt            time.Time `json:"decided_at"`
}

// Violation records a breach of policy or risk threshold against a subject.
type Violation struct {
	ID          string          `json:"id"`
	SubjectType SubjectType     `json:"subject_type"`
	SubjectID   string          `json:"subject_id"`
	Severity    Severity        `json:"severity"`
	RuleID      string          `json:"rule_id,omitempty"`
	Status      ViolationStatus `json:"status"`
	Detail      string          `json:"detail,omitempty"`
	DetectedAt  time.Time       `json:"detected_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
