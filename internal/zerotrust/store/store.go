// Package store defines the persistence interfaces for the engine. Two
// backends exist: memory (tests, dev) and sqlite (prod). Writes are
// last-writer-wins per entity key; the store provides per-entity atomicity
// but no cross-entity transactions.
package store

import (
	"time"

	"github.com/gatewarden/gatewarden/internal/zerotrust/types"
)

// DecisionFilter selects audit records for export. Zero fields match all.
type DecisionFilter struct {
	IdentityID string
	ResourceID string
	Outcome    types.Outcome
	From       time.Time
	To         time.Time
	Limit      int
}

// ViolationFilter selects violations for export and for monitor scans.
type ViolationFilter struct {
	SubjectID   string
	SubjectType types.SubjectType
	Severity    types.Severity
	Status      types.ViolationStatus
	From        time.Time
	To          time.Time
	Limit       int
}

// Matches reports whether d passes the filter (time range is half-open:
// From inclusive, To exclusive).
func (f DecisionFilter) Matches(d types.AccessDecision) bool {
	if f.IdentityID != "" && d.IdentityID != f.IdentityID {
		return false
	}
	if f.ResourceID != "" && d.ResourceID != f.ResourceID {
		return false
	}
	if f.Outcome != "" && d.Outcome != f.Outcome {
		return false
	}
	if !f.From.IsZero() && d.DecidedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !d.DecidedAt.Before(f.To) {
		return false
	}
	return true
}

// Matches reports whether v passes the filter.
func (f ViolationFilter) Matches(v types.Violation) bool {
	if f.SubjectID != "" && v.SubjectID != f.SubjectID {
		return false
	}
	if f.SubjectType != "" && v.SubjectType != f.SubjectType {
		return false
	}
	if f.Severity != "" && v.Severity != f.Severity {
		return false
	}
	if f.Status != "" && v.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && v.DetectedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !v.DetectedAt.Before(f.To) {
		return false
	}
	return true
}
