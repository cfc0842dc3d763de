package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gatewarden/gatewarden/internal/zerotrust/registry"
	"github.com/gatewarden/gatewarden/internal/zerotrust/types"
	"github.com/gatewarden/gatewarden/internal/zerotrust/zterr"
)

// VerificationResult is what an identity verification collaborator reports.
// The engine only consumes the boolean plus the method tag.
type VerificationResult struct {
	Verified bool
	Method   string
}

// IdentityVerifier is an opaque external collaborator (IdP, certificate
// check). Calls are retryable and bounded by the verifier's own timeout.
type IdentityVerifier interface {
	VerifyIdentity(ctx context.Context, identityID string) (VerificationResult, error)
}

// MFAVerifier checks a second factor for an identity.
type MFAVerifier interface {
	VerifyCode(ctx context.Context, identityID, code string) (bool, error)
}

// StaticIdentityVerifier always verifies. Dev and test collaborator.
type StaticIdentityVerifier struct{}

func (StaticIdentityVerifier) VerifyIdentity(context.Context, string) (VerificationResult, error) {
	return VerificationResult{Verified: true, Method: "static"}, nil
}

// StaticMFAVerifier accepts any non-empty code. Dev and test collaborator.
type StaticMFAVerifier struct{}

func (StaticMFAVerifier) VerifyCode(_ context.Context, _ string, code string) (bool, error) {
	return code != "", nil
}

// VerifyRequest asks the engine to verify an identity on a device and, on
// success, start a session.
type VerifyRequest struct {
	IdentityID string               `json:"identity_id"`
	DeviceID   string               `json:"device_id"`
	MFACode    string               `json:"mfa_code,omitempty"`
	Context    types.RequestContext `json:"context"`
}

// VerifyResponse reports the outcome. Session is nil when verification
// failed; a failed verification is a value, not an error.
type VerifyResponse struct {
	Verified bool           `json:"verified"`
	Method   string         `json:"method,omitempty"`
	Session  *types.Session `json:"session,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

// VerifierConfig tunes the verification flow.
type VerifierConfig struct {
	// RequireMFA demands a second factor on every verification.
	RequireMFA bool
	// TrustGain is the fraction of remaining headroom granted on success:
	// trust += (1 - trust) * TrustGain.
	TrustGain float64
	// CallTimeout bounds each collaborator call.
	CallTimeout time.Duration
	// RetryAttempts bounds retries of transient collaborator failures.
	RetryAttempts int
	// RetryBaseDelay is the first backoff step.
	RetryBaseDelay time.Duration
}

// DefaultVerifierConfig returns sensible defaults.
func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{
		TrustGain:      0.2,
		CallTimeout:    5 * time.Second,
		RetryAttempts:  3,
		RetryBaseDelay: 100 * time.Millisecond,
	}
}

func (c VerifierConfig) withDefaults() VerifierConfig {
	d := DefaultVerifierConfig()
	if c.TrustGain <= 0 {
		c.TrustGain = d.TrustGain
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	return c
}

// Verifier runs the identity verification flow and opens sessions.
type Verifier struct {
	registry *registry.Registry
	identity IdentityVerifier
	mfa      MFAVerifier
	cfg      VerifierConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewVerifier wires the verification flow.
func NewVerifier(reg *registry.Registry, idv IdentityVerifier, mfa MFAVerifier, cfg VerifierConfig, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		registry: reg,
		identity: idv,
		mfa:      mfa,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the clock for tests.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify checks the identity (and second factor when required) via the
// external collaborators, raises the trust score on success, and starts a
// session. Collaborator failures are retried and surface as transient.
func (v *Verifier) Verify(ctx context.Context, req VerifyRequest) (VerifyResponse, error) {
	if strings.TrimSpace(req.IdentityID) == "" || strings.TrimSpace(req.DeviceID) == "" {
		return VerifyResponse{}, zterr.Validationf("identity_id and device_id are required")
	}

	ident, err := v.registry.GetIdentity(ctx, req.IdentityID)
	if err != nil {
		return VerifyResponse{}, err
	}
	if _, err := v.registry.GetDevice(ctx, req.DeviceID); err != nil {
		return VerifyResponse{}, err
	}

	var result VerificationResult
	err = withRetry(ctx, v.cfg.RetryAttempts, v.cfg.RetryBaseDelay, func() error {
		callCtx, cancel := context.WithTimeout(ctx, v.cfg.CallTimeout)
		defer cancel()
		var callErr error
		result, callErr = v.identity.VerifyIdentity(callCtx, ident.ID)
		if callErr != nil {
			return zterr.Transientf("identity verification collaborator: %v", callErr)
		}
		return nil
	})
	if err != nil {
		return VerifyResponse{}, err
	}
	if !result.Verified {
		return VerifyResponse{Verified: false, Method: result.Method, Reason: "identity verification failed"}, nil
	}

	if v.cfg.RequireMFA {
		var ok bool
		err = withRetry(ctx, v.cfg.RetryAttempts, v.cfg.RetryBaseDelay, func() error {
			callCtx, cancel := context.WithTimeout(ctx, v.cfg.CallTimeout)
			defer cancel()
			var callErr error
			ok, callErr = v.mfa.VerifyCode(callCtx, ident.ID, req.MFACode)
			if callErr != nil {
				return zterr.Transientf("mfa collaborator: %v", callErr)
			}
			return nil
		})
		if err != nil {
			return VerifyResponse{}, err
		}
		if !ok {
			return VerifyResponse{Verified: false, Method: result.Method, Reason: "mfa verification failed"}, nil
		}
	}

	now := v.now().UTC()
	ident.LastVerifiedAt = now
	ident.Freshness = types.FreshnessFresh
	ident.TrustScore += (1 - ident.TrustScore) * v.cfg.TrustGain
	if err := v.registry.SaveIdentity(ctx, ident); err != nil {
		return VerifyResponse{}, err
	}

	sess, err := v.registry.CreateSession(ctx, ident.ID, req.DeviceID, req.Context)
	if err != nil {
		return VerifyResponse{}, err
	}

	v.logger.Info("identity verified",
		"identity_id", ident.ID, "method", result.Method, "session_id", sess.ID)
	return VerifyResponse{Verified: true, Method: result.Method, Session: &sess}, nil
}
