package store

import (
	"context"
	"time"

	"github.com/gatewarden/gatewarden/internal/zerotrust/types"
)

// DecisionStore persists access decisions as a write-once audit log.
type DecisionStore interface {
	RecordDecision(ctx context.Context, d types.AccessDecision) error
	QueryDecisions(ctx context.Context, f DecisionFilter) ([]types.AccessDecision, error)
	// PruneDecisionsOlderThan deletes audit records decided before cutoff
	// and returns how many were removed.
	PruneDecisionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ViolationStore persists violations. Status is the only mutable field after
// creation.
type ViolationStore interface {
	PutViolation(ctx context.Context, v types.Violation) error
	GetViolation(ctx context.Context, id string) (types.Violation, error)
	QueryViolations(ctx context.Context, f ViolationFilter) ([]types.Violation, error)
	UpdateViolationStatus(ctx context.Context, id string, status types.ViolationStatus, at time.Time) (types.Violation, error)
}
