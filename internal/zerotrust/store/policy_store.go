package store

import (
	"context"

	"github.com/gatewarden/gatewarden/internal/zerotrust/types"
)

// PolicyStore persists policy versions. A version row is immutable once
// written; updating a policy inserts a new row with a higher version number.
// Deleting a policy removes every version of the name, which is only legal
// for policies no audit record references yet — the caller enforces that.
type PolicyStore interface {
	PutPolicy(ctx context.Context, p types.Policy) error
	GetPolicyByID(ctx context.Context, id string) (types.Policy, error)
	LatestPolicyByName(ctx context.Context, name string) (types.Policy, error)
	// ListLatestPolicies returns the newest version of every policy name.
	ListLatestPolicies(ctx context.Context) ([]types.Policy, error)
	DeletePolicy(ctx context.Context, name string) error
}
