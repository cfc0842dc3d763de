// Package registry is the engine's shared mutable store of identities,
// devices, and sessions, plus the protected-resource catalog. All writes are
// last-writer-wins per entity; cross-entity operations are not transactional.
package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatewarden/gatewarden/internal/zerotrust/store"
	"github.com/gatewarden/gatewarden/internal/zerotrust/types"
	"github.com/gatewarden/gatewarden/internal/zerotrust/zterr"
)

// DefaultInitialTrust is the trust score assigned to an identity on first
// registration, before any verification has happened.
const DefaultInitialTrust = 0.5

// Registry fronts the entity stores and owns entity-level invariants:
// unknown ids are NotFound (never zero values), quarantine is terminal until
// explicit reinstatement, sessions are never resurrected.
type Registry struct {
	identities store.IdentityStore
	devices    store.DeviceStore
	sessions   store.SessionStore

	resMu     sync.RWMutex
	resources map[string]types.Resource

	initialTrust float64
	now          func() time.Time
}

// New creates a registry over the given stores.
func New(ids store.IdentityStore, devs store.DeviceStore, sess store.SessionStore) *Registry {
	return &Registry{
		identities:   ids,
		devices:      devs,
		sessions:     sess,
		resources:    make(map[string]types.Resource),
		initialTrust: DefaultInitialTrust,
		now:          time.Now,
	}
}

// WithClock overrides the clock for tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// WithInitialTrust overrides the trust score given to new identities.
func (r *Registry) WithInitialTrust(score float64) *Registry {
	r.initialTrust = score
	return r
}

// ── Identities ──────────────────────────────────────────────────────────────

// UpsertIdentity creates or updates an identity's attributes. Attributes are
// replaced wholesale (last writer wins); trust score and verification state
// are untouched on update.
func (r *Registry) UpsertIdentity(ctx context.Context, id string, attrs map[string]string) (types.Identity, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return types.Identity{}, zterr.Validationf("identity id is required")
	}
	now := r.now().UTC()

	existing, err := r.identities.GetIdentity(ctx, id)
	if err == nil {
		existing.Attributes = attrs
		existing.UpdatedAt = now
		if err := r.identities.PutIdentity(ctx, existing); err != nil {
			return types.Identity{}, err
		}
		return existing, nil
	}

	ident := types.Identity{
		ID:         id,
		Attributes: attrs,
		TrustScore: r.initialTrust,
		Freshness:  types.FreshnessStale, // never verified yet
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.identities.PutIdentity(ctx, ident); err != nil {
		return types.Identity{}, err
	}
	return ident, nil
}

// GetIdentity returns the identity or a NotFound error.
func (r *Registry) GetIdentity(ctx context.Context, id string) (types.Identity, error) {
	return r.identities.GetIdentity(ctx, strings.TrimSpace(id))
}

// ListIdentities returns all identities.
func (r *Registry) ListIdentities(ctx context.Context) ([]types.Identity, error) {
	return r.identities.ListIdentities(ctx)
}

// SaveIdentity writes back a mutated identity. Engine-internal: only the
// verification flow and the continuous monitor may move trust scores.
func (r *Registry) SaveIdentity(ctx context.Context, ident types.Identity) error {
	ident.UpdatedAt = r.now().UTC()
	return r.identities.PutIdentity(ctx, ident)
}

// DeprovisionIdentity revokes the identity's active sessions and deletes it.
func (r *Registry) DeprovisionIdentity(ctx context.Context, id string) error {
	sessions, err := r.sessions.ListSessionsByIdentity(ctx, id)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if s.Active() {
			if _, err := r.RevokeSession(ctx, s.ID, "identity deprovisioned"); err != nil {
				return err
			}
		}
	}
	return r.identities.DeleteIdentity(ctx, id)
}

// ── Devices ─────────────────────────────────────────────────────────────────

// RegisterDevice creates a device owned by an existing identity. New devices
// start provisional.
func (r *Registry) RegisterDevice(ctx context.Context, id, ownerID string, posture map[string]string) (types.Device, error) {
	id = strings.TrimSpace(id)
	ownerID = strings.TrimSpace(ownerID)
	if id == "" {
		return types.Device{}, zterr.Validationf("device id is required")
	}
	if ownerID == "" {
		return types.Device{}, zterr.Validationf("owner identity id is required")
	}
	if _, err := r.identities.GetIdentity(ctx, ownerID); err != nil {
		return types.Device{}, err
	}

	now := r.now().UTC()
	dev := types.Device{
		ID:              id,
		OwnerIdentityID: ownerID,
		TrustLevel:      types.TrustProvisional,
		PostureSignals:  posture,
		LastSeenAt:      now,
		CreatedAt:       now,
	}
	if err := r.devices.PutDevice(ctx, dev); err != nil {
		return types.Device{}, err
	}
	return dev, nil
}

// GetDevice returns the device or a NotFound error.
func (r *Registry) GetDevice(ctx context.Context, id string) (types.Device, error) {
	return r.devices.GetDevice(ctx, strings.TrimSpace(id))
}

// ListDevices returns all devices.
func (r *Registry) ListDevices(ctx context.Context) ([]types.Device, error) {
	return r.devices.ListDevices(ctx)
}

// UpdateDeviceTrustLevel moves a device to a new trust level. Quarantine is
// terminal: a quarantined device only leaves quarantine via ReinstateDevice.
func (r *Registry) UpdateDeviceTrustLevel(ctx context.Context, id string, level types.TrustLevel) (types.Device, error) {
	if !types.ValidTrustLevel(level) {
		return types.Device{}, zterr.Validationf("unknown trust level %q", level)
	}
	dev, err := r.devices.GetDevice(ctx, strings.TrimSpace(id))
	if err != nil {
		return types.Device{}, err
	}
	if dev.TrustLevel == types.TrustQuarantined && level != types.TrustQuarantined {
		return types.Device{}, zterr.Validationf("device %q is quarantined, reinstate it explicitly", id)
	}
	dev.TrustLevel = level
	if err := r.devices.PutDevice(ctx, dev); err != nil {
		return types.Device{}, err
	}
	return dev, nil
}

// ReinstateDevice lifts a quarantine. The device re-enters as provisional;
// trust has to be re-earned.
func (r *Registry) ReinstateDevice(ctx context.Context, id string) (types.Device, error) {
	dev, err := r.devices.GetDevice(ctx, strings.TrimSpace(id))
	if err != nil {
		return types.Device{}, err
	}
	if dev.TrustLevel != types.TrustQuarantined {
		return types.Device{}, zterr.Validationf("device %q is not quarantined", id)
	}
	dev.TrustLevel = types.TrustProvisional
	if err := r.devices.PutDevice(ctx, dev); err != nil {
		return types.Device{}, err
	}
	return dev, nil
}

// UpdateDevicePosture replaces the device's posture signals and marks it seen.
func (r *Registry) UpdateDevicePosture(ctx context.Context, id string, posture map[string]string) (types.Device, error) {
	dev, err := r.devices.GetDevice(ctx, strings.TrimSpace(id))
	if err != nil {
		return types.Device{}, err
	}
	dev.PostureSignals = posture
	dev.LastSeenAt = r.now().UTC()
	if err := r.devices.PutDevice(ctx, dev); err != nil {
		return types.Device{}, err
	}
	return dev, nil
}

// TouchDevice updates the device's last-seen time. Missing devices are
// ignored; a touch must never create registry state.
func (r *Registry) TouchDevice(ctx context.Context, id string) error {
	dev, err := r.devices.GetDevice(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil
	}
	dev.LastSeenAt = r.now().UTC()
	return r.devices.PutDevice(ctx, dev)
}

// ── Sessions ────────────────────────────────────────────────────────────────

// CreateSession starts a session for a verified identity on a device.
func (r *Registry) CreateSession(ctx context.Context, identityID, deviceID string, rctx types.RequestContext) (types.Session, error) {
	ident, err := r.identities.GetIdentity(ctx, identityID)
	if err != nil {
		return types.Session{}, err
	}
	if _, err := r.devices.GetDevice(ctx, deviceID); err != nil {
		return types.Session{}, err
	}

	sess := types.Session{
		ID:         uuid.NewString(),
		IdentityID: ident.ID,
		DeviceID:   deviceID,
		StartedAt:  r.now().UTC(),
		Context:    rctx,
	}
	if err := r.sessions.PutSession(ctx, sess); err != nil {
		return types.Session{}, err
	}

	ident.ActiveSessions = append(ident.ActiveSessions, sess.ID)
	if err := r.identities.PutIdentity(ctx, ident); err != nil {
		return types.Session{}, err
	}
	return sess, nil
}

// GetSession returns the session or a NotFound error.
func (r *Registry) GetSession(ctx context.Context, id string) (types.Session, error) {
	return r.sessions.GetSession(ctx, id)
}

// ListActiveSessions returns every non-revoked session.
func (r *Registry) ListActiveSessions(ctx context.Context) ([]types.Session, error) {
	return r.sessions.ListActiveSessions(ctx)
}

// SaveSession writes back a mutated session. Engine-internal: the monitor
// updates CurrentRiskScore through this.
func (r *Registry) SaveSession(ctx context.Context, sess types.Session) error {
	return r.sessions.PutSession(ctx, sess)
}

// RevokeSession invalidates a session. Revoking an already-revoked session is
// a no-op returning the session as-is; sessions are never resurrected.
func (r *Registry) RevokeSession(ctx context.Context, id, reason string) (types.Session, error) {
	sess, err := r.sessions.GetSession(ctx, id)
	if err != nil {
		return types.Session{}, err
	}
	if !sess.Active() {
		return sess, nil
	}
	at := r.now().UTC()
	sess.RevokedAt = &at
	sess.RevokeReason = reason
	if err := r.sessions.PutSession(ctx, sess); err != nil {
		return types.Session{}, err
	}

	if ident, err := r.identities.GetIdentity(ctx, sess.IdentityID); err == nil {
		ident.ActiveSessions = removeString(ident.ActiveSessions, id)
		_ = r.identities.PutIdentity(ctx, ident)
	}
	return sess, nil
}

// ── Resource catalog ────────────────────────────────────────────────────────

// RegisterResource adds or replaces a catalog entry.
func (r *Registry) RegisterResource(res types.Resource) {
	r.resMu.Lock()
	defer r.resMu.Unlock()
	r.resources[res.ID] = res
}

// GetResource looks up a protected resource. Unknown resources are NotFound;
// a decision must never proceed with guessed sensitivity.
func (r *Registry) GetResource(id string) (types.Resource, error) {
	r.resMu.RLock()
	defer r.resMu.RUnlock()
	res, ok := r.resources[id]
	if !ok {
		return types.Resource{}, zterr.NotFound("resource", id)
	}
	return res, nil
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
