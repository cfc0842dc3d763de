// Package memory provides in-memory store backends for tests and dev
// environments. Each store guards its own map, so writes to different entity
// kinds never contend; entries are copied on the way in and out so callers
// cannot alias store state.
package memory

import (
	"context"
	"sync"

	"github.com/gatewarden/gatewarden/internal/zerotrust/types"
	"github.com/gatewarden/gatewarden/internal/zerotrust/zterr"
)

// IdentityStore is an in-memory identity table.
type IdentityStore struct {
	mu         sync.RWMutex
	identities map[string]types.Identity
}

func NewIdentityStore() *IdentityStore {
	return &IdentityStore{identities: make(map[string]types.Identity)}
}

func (s *IdentityStore) PutIdentity(_ context.Context, id types.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[id.ID] = copyIdentity(id)
	return nil
}

func (s *IdentityStore) GetIdentity(_ context.Context, id string) (types.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.identities[id]
	if !ok {
		return types.Identity{}, zterr.NotFound("identity", id)
	}
	return copyIdentity(rec), nil
}

func (s *IdentityStore) ListIdentities(_ context.Context) ([]types.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Identity, 0, len(s.identities))
	for _, rec := range s.identities {
		out = append(out, copyIdentity(rec))
	}
	return out, nil
}

func (s *IdentityStore) DeleteIdentity(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[id]; !ok {
		return zterr.NotFound("identity", id)
	}
	delete(s.identities, id)
	return nil
}

func copyIdentity(id types.Identity) types.Identity {
	out := id
	out.Attributes = copyStringMap(id.Attributes)
	out.ActiveSessions = append([]string(nil), id.ActiveSessions...)
	return out
}

// DeviceStore is an in-memory device table.
type DeviceStore struct {
	mu      sync.RWMutex
	devices map[string]types.Device
}

func NewDeviceStore() *DeviceStore {
	return &DeviceStore{devices: make(map[string]types.Device)}
}

func (s *DeviceStore) PutDevice(_ context.Context, dev types.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[dev.ID] = copyDevice(dev)
	return nil
}

func (s *DeviceStore) GetDevice(_ context.Context, id string) (types.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.devices[id]
	if !ok {
		return types.Device{}, zterr.NotFound("device", id)
	}
	return copyDevice(rec), nil
}

func (s *DeviceStore) ListDevices(_ context.Context) ([]types.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Device, 0, len(s.devices))
	for _, rec := range s.devices {
		out = append(out, copyDevice(rec))
	}
	return out, nil
}

func copyDevice(dev types.Device) types.Device {
	out := dev
	out.PostureSignals = copyStringMap(dev.PostureSignals)
	return out
}

// SessionStore is an in-memory session table.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]types.Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]types.Session)}
}

func (s *SessionStore) PutSession(_ context.Context, sess types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = copySession(sess)
	return nil
}

func (s *SessionStore) GetSession(_ context.Context, id string) (types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return types.Session{}, zterr.NotFound("session", id)
	}
	return copySession(rec), nil
}

func (s *SessionStore) ListActiveSessions(_ context.Context) ([]types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Session
	for _, rec := range s.sessions {
		if rec.Active() {
			out = append(out, copySession(rec))
		}
	}
	return out, nil
}

func (s *SessionStore) ListSessionsByIdentity(_ context.Context, identityID string) ([]types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Session
	for _, rec := range s.sessions {
		if rec.IdentityID == identityID {
			out = append(out, copySession(rec))
		}
	}
	return out, nil
}

func copySession(sess types.Session) types.Session {
	out := sess
	if sess.RevokedAt != nil {
		t := *sess.RevokedAt
		out.RevokedAt = &t
	}
	return out
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
