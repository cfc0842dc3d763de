package store

import (
	"context"

	"github.com/gatewarden/gatewarden/internal/zerotrust/types"
)

// IdentityStore persists identities. Get on an unknown id returns a
// zterr.NotFound error, never a zero value — an unknown identity must not be
// mistakable for a low-risk one.
type IdentityStore interface {
	PutIdentity(ctx context.Context, id types.Identity) error
	GetIdentity(ctx context.Context, id string) (types.Identity, error)
	ListIdentities(ctx context.Context) ([]types.Identity, error)
	DeleteIdentity(ctx context.Context, id string) error
}

// DeviceStore persists registered devices.
type DeviceStore interface {
	PutDevice(ctx context.Context, dev types.Device) error
	GetDevice(ctx context.Context, id string) (types.Device, error)
	ListDevices(ctx context.Context) ([]types.Device, error)
}

// SessionStore persists sessions. Sessions are never deleted; revocation is
// recorded on the row.
type SessionStore interface {
	PutSession(ctx context.Context, s types.Session) error
	GetSession(ctx context.Context, id string) (types.Session, error)
	ListActiveSessions(ctx context.Context) ([]types.Session, error)
	ListSessionsByIdentity(ctx context.Context, identityID string) ([]types.Session, error)
}
