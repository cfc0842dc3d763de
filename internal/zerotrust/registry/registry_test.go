package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/internal/zerotrust/registry"
	"github.com/gatewarden/gatewarden/internal/zerotrust/store/memory"
	"github.com/gatewarden/gatewarden/internal/zerotrust/types"
	"github.com/gatewarden/gatewarden/internal/zerotrust/zterr"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestRegistry() *registry.Registry {
	return registry.New(
		memory.NewIdentityStore(),
		memory.NewDeviceStore(),
		memory.NewSessionStore(),
	).WithClock(func() time.Time { return testNow })
}

func TestUpsertIdentity_CreateThenUpdate(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	ident, err := r.UpsertIdentity(ctx, "alice", map[string]string{"role": "engineer"})
	require.NoError(t, err)
	assert.Equal(t, registry.DefaultInitialTrust, ident.TrustScore)
	assert.Equal(t, types.FreshnessStale, ident.Freshness)

	// Second upsert replaces attributes but leaves trust untouched.
	ident, err = r.UpsertIdentity(ctx, "alice", map[string]string{"role": "admin"})
	require.NoError(t, err)
	assert.Equal(t, "admin", ident.Attributes["role"])
	assert.Equal(t, registry.DefaultInitialTrust, ident.TrustScore)
}

func TestGetIdentity_UnknownIsNotFound(t *testing.T) {
	r := newTestRegistry()
	_, err := r.GetIdentity(context.Background(), "nobody")
	assert.ErrorIs(t, err, zterr.ErrNotFound)
}

func TestRegisterDevice_RequiresExistingOwner(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	_, err := r.RegisterDevice(ctx, "laptop-1", "ghost", nil)
	assert.ErrorIs(t, err, zterr.ErrNotFound)

	_, err = r.UpsertIdentity(ctx, "alice", nil)
	require.NoError(t, err)

	dev, err := r.RegisterDevice(ctx, "laptop-1", "alice", map[string]string{"os": "linux"})
	require.NoError(t, err)
	assert.Equal(t, types.TrustProvisional, dev.TrustLevel)
}

func TestUpdateDeviceTrustLevel_QuarantineIsTerminal(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	_, err := r.UpsertIdentity(ctx, "alice", nil)
	require.NoError(t, err)
	_, err = r.RegisterDevice(ctx, "laptop-1", "alice", nil)
	require.NoError(t, err)

	_, err = r.UpdateDeviceTrustLevel(ctx, "laptop-1", types.TrustQuarantined)
	require.NoError(t, err)

	// Direct un-quarantine is rejected.
	_, err = r.UpdateDeviceTrustLevel(ctx, "laptop-1", types.TrustTrusted)
	assert.ErrorIs(t, err, zterr.ErrValidation)

	// Explicit reinstatement drops the device back to provisional.
	dev, err := r.ReinstateDevice(ctx, "laptop-1")
	require.NoError(t, err)
	assert.Equal(t, types.TrustProvisional, dev.TrustLevel)
}

func TestUpdateDeviceTrustLevel_RejectsUnknownLevel(t *testing.T) {
	r := newTestRegistry()
	_, err := r.UpdateDeviceTrustLevel(context.Background(), "laptop-1", "sketchy")
	assert.ErrorIs(t, err, zterr.ErrValidation)
}

func TestSessions_CreateRevokeLifecycle(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	_, err := r.UpsertIdentity(ctx, "alice", nil)
	require.NoError(t, err)
	_, err = r.RegisterDevice(ctx, "laptop-1", "alice", nil)
	require.NoError(t, err)

	sess, err := r.CreateSession(ctx, "alice", "laptop-1", types.RequestContext{Geolocation: "berlin"})
	require.NoError(t, err)
	assert.True(t, sess.Active())

	ident, err := r.GetIdentity(ctx, "alice")
	require.NoError(t, err)
	assert.Contains(t, ident.ActiveSessions, sess.ID)

	revoked, err := r.RevokeSession(ctx, sess.ID, "risk threshold exceeded")
	require.NoError(t, err)
	assert.False(t, revoked.Active())
	assert.Equal(t, "risk threshold exceeded", revoked.RevokeReason)

	// Re-revoking is a no-op, not an error.
	again, err := r.RevokeSession(ctx, sess.ID, "other reason")
	require.NoError(t, err)
	assert.Equal(t, "risk threshold exceeded", again.RevokeReason)

	ident, err = r.GetIdentity(ctx, "alice")
	require.NoError(t, err)
	assert.NotContains(t, ident.ActiveSessions, sess.ID)
}

func TestDeprovisionIdentity_RevokesSessionsAndDeletes(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	_, err := r.UpsertIdentity(ctx, "alice", nil)
	require.NoError(t, err)
	_, err = r.RegisterDevice(ctx, "laptop-1", "alice", nil)
	require.NoError(t, err)
	sess, err := r.CreateSession(ctx, "alice", "laptop-1", types.RequestContext{})
	require.NoError(t, err)

	require.NoError(t, r.DeprovisionIdentity(ctx, "alice"))

	_, err = r.GetIdentity(ctx, "alice")
	assert.ErrorIs(t, err, zterr.ErrNotFound)

	got, err := r.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, got.Active())
}

func TestResourceCatalog(t *testing.T) {
	r := newTestRegistry()
	r.RegisterResource(types.Resource{ID: "vault", Sensitivity: types.SensitivityHigh})

	res, err := r.GetResource("vault")
	require.NoError(t, err)
	assert.Equal(t, types.SensitivityHigh, res.Sensitivity)

	_, err = r.GetResource("unknown")
	assert.ErrorIs(t, err, zterr.ErrNotFound)
}
