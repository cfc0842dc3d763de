// Package risk computes a composite risk score from identity, device, and
// context signals. Assessment is a pure function of its inputs and the
// injected clock; callers persist any derived score themselves.
package risk

import (
	"math"
	"time"

	"github.com/gatewarden/gatewarden/internal/zerotrust/types"
)

// Score thresholds for the coarse risk classification. Boundaries are exact:
// 40 is low, 41 is medium, 70 is medium, 71 is high.
const (
	lowMax    = 40
	mediumMax = 70
)

// Config holds the factor weights and the verification TTL. Zero values are
// replaced with the defaults below.
type Config struct {
	// VerificationTTL is the window over which the staleness penalty scales
	// linearly from 0 to StalenessMax.
	VerificationTTL time.Duration

	StalenessMax      float64 // max penalty for stale verification
	TrustWeight       float64 // multiplier on (1 - trustScore)
	DeviceUntrusted   float64 // contribution of an untrusted device
	DeviceProvisional float64 // contribution of a provisional device
	AnomalyPenalty    float64 // fixed penalty per context anomaly source
}

// DefaultConfig returns the standard weights.
func DefaultConfig() Config {
	return Config{
		VerificationTTL:   24 * time.Hour,
		StalenessMax:      30,
		TrustWeight:       25,
		DeviceUntrusted:   30,
		DeviceProvisional: 15,
		AnomalyPenalty:    20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.VerificationTTL <= 0 {
		c.VerificationTTL = d.VerificationTTL
	}
	if c.StalenessMax <= 0 {
		c.StalenessMax = d.StalenessMax
	}
	if c.TrustWeight <= 0 {
		c.TrustWeight = d.TrustWeight
	}
	if c.DeviceUntrusted <= 0 {
		c.DeviceUntrusted = d.DeviceUntrusted
	}
	if c.DeviceProvisional <= 0 {
		c.DeviceProvisional = d.DeviceProvisional
	}
	if c.AnomalyPenalty <= 0 {
		c.AnomalyPenalty = d.AnomalyPenalty
	}
	return c
}

// Factor is one weighted contribution to the composite score.
type Factor struct {
	Name   string  `json:"name"`
	Points float64 `json:"points"`
	Reason string  `json:"reason,omitempty"`
}

// Result is the outcome of a single assessment.
type Result struct {
	Level   types.RiskLevel `json:"level"`
	Score   int             `json:"score"`
	Factors []Factor        `json:"factors,omitempty"`
}

// Assessor computes risk results. Safe for concurrent use.
type Assessor struct {
	cfg Config
	now func() time.Time
}

// NewAssessor builds an assessor with the given weights.
func NewAssessor(cfg Config) *Assessor {
	return &Assessor{cfg: cfg.withDefaults(), now: time.Now}
}

// WithClock overrides the clock. Returns the assessor for chaining.
func (a *Assessor) WithClock(now func() time.Time) *Assessor {
	a.now = now
	return a
}

// Assess blends the identity, device, and context factors into a clamped
// [0,100] score. A quarantined device forces the level to high regardless of
// the numeric score; this is a hard override, not an additive contribution.
func (a *Assessor) Assess(identity types.Identity, device types.Device, rctx types.RequestContext) Result {
	var factors []Factor
	total := 0.0

	// Identity factor: stale verification plus low historical trust.
	if p := a.stalenessPenalty(identity.LastVerifiedAt); p > 0 {
		factors = append(factors, Factor{
			Name:   "identity_staleness",
			Points: p,
			Reason: "verification older than allowed",
		})
		total += p
	}
	if p := (1 - clamp01(identity.TrustScore)) * a.cfg.TrustWeight; p > 0 {
		factors = append(factors, Factor{
			Name:   "identity_trust",
			Points: p,
			Reason: "low historical trust score",
		})
		total += p
	}

	// Device factor.
	quarantined := device.TrustLevel == types.TrustQuarantined
	switch device.TrustLevel {
	case types.TrustUntrusted:
		factors = append(factors, Factor{Name: "device_untrusted", Points: a.cfg.DeviceUntrusted})
		total += a.cfg.DeviceUntrusted
	case types.TrustProvisional:
		factors = append(factors, Factor{Name: "device_provisional", Points: a.cfg.DeviceProvisional})
		total += a.cfg.DeviceProvisional
	case types.TrustQuarantined:
		factors = append(factors, Factor{Name: "device_quarantined", Points: 0, Reason: "forces high risk"})
	}

	// Context factor.
	if rctx.GeoAnomaly {
		factors = append(factors, Factor{Name: "geo_anomaly", Points: a.cfg.AnomalyPenalty})
		total += a.cfg.AnomalyPenalty
	}
	if rctx.NetworkAnomaly {
		factors = append(factors, Factor{Name: "network_anomaly", Points: a.cfg.AnomalyPenalty})
		total += a.cfg.AnomalyPenalty
	}

	score := int(math.Round(total))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	level := LevelForScore(score)
	if quarantined {
		level = types.RiskHigh
	}

	return Result{Level: level, Score: score, Factors: factors}
}

// LevelForScore maps a clamped numeric score to its coarse level.
func LevelForScore(score int) types.RiskLevel {
	switch {
	case score <= lowMax:
		return types.RiskLow
	case score <= mediumMax:
		return types.RiskMedium
	default:
		return types.RiskHigh
	}
}

// stalenessPenalty scales linearly with the age of the last verification,
// reaching StalenessMax at VerificationTTL and capping there. A zero
// LastVerifiedAt means the identity was never verified: full penalty.
func (a *Assessor) stalenessPenalty(lastVerified time.Time) float64 {
	if lastVerified.IsZero() {
		return a.cfg.StalenessMax
	}
	age := a.now().Sub(lastVerified)
	if age <= 0 {
		return 0
	}
	frac := float64(age) / float64(a.cfg.VerificationTTL)
	if frac > 1 {
		frac = 1
	}
	return frac * a.cfg.StalenessMax
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
