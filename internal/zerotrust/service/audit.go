package service

import (
	"context"

	"github.com/gatewarden/gatewarden/internal/zerotrust/store"
	"github.com/gatewarden/gatewarden/internal/zerotrust/types"
	"github.com/gatewarden/gatewarden/internal/zerotrust/zterr"
)

// maxAuditPage caps unbounded audit queries.
const maxAuditPage = 500

// Decisions retrieves access decisions by subject, time range, and outcome.
func (s *DecisionService) Decisions(ctx context.Context, f store.DecisionFilter) ([]types.AccessDecision, error) {
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return nil, zterr.Validationf("time range: to precedes from")
	}
	if f.Limit <= 0 || f.Limit > maxAuditPage {
		f.Limit = maxAuditPage
	}
	return s.decisions.QueryDecisions(ctx, f)
}

// Violations retrieves violations by subject, time range, severity, and
// status.
func (s *DecisionService) Violations(ctx context.Context, f store.ViolationFilter) ([]types.Violation, error) {
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return nil, zterr.Validationf("time range: to precedes from")
	}
	if f.Limit <= 0 || f.Limit > maxAuditPage {
		f.Limit = maxAuditPage
	}
	return s.violations.QueryViolations(ctx, f)
}

// UpdateViolationStatus transitions a violation's remediation status, the
// only legal mutation of a recorded violation.
func (s *DecisionService) UpdateViolationStatus(ctx context.Context, id string, status types.ViolationStatus) (types.Violation, error) {
	switch status {
	case types.ViolationOpen, types.ViolationRemediating, types.ViolationResolved:
	default:
		return types.Violation{}, zterr.Validationf("unknown violation status %q", status)
	}
	return s.violations.UpdateViolationStatus(ctx, id, status, s.now().UTC())
}
