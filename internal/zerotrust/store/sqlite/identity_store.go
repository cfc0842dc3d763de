// Package sqlite implements the engine stores over a single-writer SQLite
// database. Reads go straight to the pool; every write funnels through the
// db.Worker so concurrent callers never contend on SQLITE_BUSY.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	dbpkg "github.com/gatewarden/gatewarden/internal/db"
	"github.com/gatewarden/gatewarden/internal/zerotrust/types"
	"github.com/gatewarden/gatewarden/internal/zerotrust/zterr"
)

type IdentityStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewIdentityStore(db *sql.DB, writer *dbpkg.Worker) *IdentityStore {
	return &IdentityStore{db: db, writer: writer}
}

func (s *IdentityStore) PutIdentity(ctx context.Context, ident types.Identity) error {
	attrs, err := json.Marshal(orEmptyMap(ident.Attributes))
	if err != nil {
		return zterr.Validationf("encode identity attributes: %v", err)
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO identities(
  identity_id, attributes, trust_score, last_verified_at_ms, freshness,
  created_at_ms, updated_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(identity_id) DO UPDATE SET
  attributes          = excluded.attributes,
  trust_score         = excluded.trust_score,
  last_verified_at_ms = excluded.last_verified_at_ms,
  freshness           = excluded.freshness,
  updated_at_ms       = excluded.updated_at_ms;
`,
			ident.ID, string(attrs), ident.TrustScore, msOrNil(ident.LastVerifiedAt),
			string(ident.Freshness), ident.CreatedAt.UTC().UnixMilli(), ident.UpdatedAt.UTC().UnixMilli(),
		)
		if err != nil {
			return zterr.Transientf("put identity %s: %v", ident.ID, err)
		}
		return nil
	})
}

func (s *IdentityStore) GetIdentity(ctx context.Context, id string) (types.Identity, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT identity_id, attributes, trust_score, last_verified_at_ms, freshness,
       created_at_ms, updated_at_ms
FROM identities WHERE identity_id = ?;`, id)
	ident, err := scanIdentity(row)
	if err == sql.ErrNoRows {
		return types.Identity{}, zterr.NotFound("identity", id)
	}
	if err != nil {
		return types.Identity{}, zterr.Transientf("get identity %s: %v", id, err)
	}
	// Active session ids live on the sessions table; fold them in so the
	// registry sees the same shape the memory backend stores directly.
	sessions, err := activeSessionIDs(ctx, s.db, id)
	if err != nil {
		return types.Identity{}, zterr.Transientf("get identity sessions %s: %v", id, err)
	}
	ident.ActiveSessions = sessions
	return ident, nil
}

func (s *IdentityStore) ListIdentities(ctx context.Context) ([]types.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT identity_id, attributes, trust_score, last_verified_at_ms, freshness,
       created_at_ms, updated_at_ms
FROM identities ORDER BY identity_id;`)
	if err != nil {
		return nil, zterr.Transientf("list identities: %v", err)
	}
	defer rows.Close()

	var out []types.Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, zterr.Transientf("scan identity: %v", err)
		}
		out = append(out, ident)
	}
	if err := rows.Err(); err != nil {
		return nil, zterr.Transientf("list identities: %v", err)
	}
	for i := range out {
		sessions, err := activeSessionIDs(ctx, s.db, out[i].ID)
		if err != nil {
			return nil, zterr.Transientf("list identity sessions: %v", err)
		}
		out[i].ActiveSessions = sessions
	}
	return out, nil
}

func (s *IdentityStore) DeleteIdentity(ctx context.Context, id string) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM identities WHERE identity_id = ?;`, id)
		if err != nil {
			return zterr.Transientf("delete identity %s: %v", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return zterr.NotFound("identity", id)
		}
		return nil
	})
}

type DeviceStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewDeviceStore(db *sql.DB, writer *dbpkg.Worker) *DeviceStore {
	return &DeviceStore{db: db, writer: writer}
}

func (s *DeviceStore) PutDevice(ctx context.Context, dev types.Device) error {
	posture, err := json.Marshal(orEmptyMap(dev.PostureSignals))
	if err != nil {
		return zterr.Validationf("encode device posture: %v", err)
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO devices(
  device_id, owner_identity_id, trust_level, posture_signals,
  last_seen_at_ms, created_at_ms
) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET
  owner_identity_id = excluded.owner_identity_id,
  trust_level       = excluded.trust_level,
  posture_signals   = excluded.posture_signals,
  last_seen_at_ms   = excluded.last_seen_at_ms;
`,
			dev.ID, dev.OwnerIdentityID, string(dev.TrustLevel), string(posture),
			msOrNil(dev.LastSeenAt), dev.CreatedAt.UTC().UnixMilli(),
		)
		if err != nil {
			return zterr.Transientf("put device %s: %v", dev.ID, err)
		}
		return nil
	})
}

func (s *DeviceStore) GetDevice(ctx context.Context, id string) (types.Device, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT device_id, owner_identity_id, trust_level, posture_signals,
       last_seen_at_ms, created_at_ms
FROM devices WHERE device_id = ?;`, id)
	dev, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return types.Device{}, zterr.NotFound("device", id)
	}
	if err != nil {
		return types.Device{}, zterr.Transientf("get device %s: %v", id, err)
	}
	return dev, nil
}

func (s *DeviceStore) ListDevices(ctx context.Context) ([]types.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT device_id, owner_identity_id, trust_level, posture_signals,
       last_seen_at_ms, created_at_ms
FROM devices ORDER BY device_id;`)
	if err != nil {
		return nil, zterr.Transientf("list devices: %v", err)
	}
	defer rows.Close()

	var out []types.Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, zterr.Transientf("scan device: %v", err)
		}
		out = append(out, dev)
	}
	if err := rows.Err(); err != nil {
		return nil, zterr.Transientf("list devices: %v", err)
	}
	return out, nil
}

type SessionStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewSessionStore(db *sql.DB, writer *dbpkg.Worker) *SessionStore {
	return &SessionStore{db: db, writer: writer}
}

func (s *SessionStore) PutSession(ctx context.Context, sess types.Session) error {
	rctx, err := json.Marshal(sess.Context)
	if err != nil {
		return zterr.Validationf("encode session context: %v", err)
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO sessions(
  session_id, identity_id, device_id, started_at_ms, context,
  current_risk_score, current_risk_level, revoked_at_ms, revoke_reason
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
  current_risk_score = excluded.current_risk_score,
  current_risk_level = excluded.current_risk_level,
  revoked_at_ms      = excluded.revoked_at_ms,
  revoke_reason      = excluded.revoke_reason;
`,
			sess.ID, sess.IdentityID, sess.DeviceID, sess.StartedAt.UTC().UnixMilli(),
			string(rctx), sess.CurrentRiskScore, string(sess.CurrentRiskLevel),
			msPtrOrNil(sess.RevokedAt), sess.RevokeReason,
		)
		if err != nil {
			return zterr.Transientf("put session %s: %v", sess.ID, err)
		}
		return nil
	})
}

func (s *SessionStore) GetSession(ctx context.Context, id string) (types.Session, error) {
	row := s.db.QueryRowContext(ctx, sessionSelect+`WHERE session_id = ?;`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return types.Session{}, zterr.NotFound("session", id)
	}
	if err != nil {
		return types.Session{}, zterr.Transientf("get session %s: %v", id, err)
	}
	return sess, nil
}

func (s *SessionStore) ListActiveSessions(ctx context.Context) ([]types.Session, error) {
	return s.querySessions(ctx, sessionSelect+`WHERE revoked_at_ms IS NULL ORDER BY started_at_ms;`)
}

func (s *SessionStore) ListSessionsByIdentity(ctx context.Context, identityID string) ([]types.Session, error) {
	return s.querySessions(ctx, sessionSelect+`WHERE identity_id = ? ORDER BY started_at_ms;`, identityID)
}

func (s *SessionStore) querySessions(ctx context.Context, query string, args ...any) ([]types.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, zterr.Transientf("query sessions: %v", err)
	}
	defer rows.Close()

	var out []types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, zterr.Transientf("scan session: %v", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, zterr.Transientf("query sessions: %v", err)
	}
	return out, nil
}

const sessionSelect = `
SELECT session_id, identity_id, device_id, started_at_ms, context,
       current_risk_score, current_risk_level, revoked_at_ms, revoke_reason
FROM sessions `

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row scanner) (types.Identity, error) {
	var (
		ident      types.Identity
		attrs      string
		verifiedMs sql.NullInt64
		freshness  string
		createdMs  int64
		updatedMs  int64
	)
	if err := row.Scan(&ident.ID, &attrs, &ident.TrustScore, &verifiedMs,
		&freshness, &createdMs, &updatedMs); err != nil {
		return types.Identity{}, err
	}
	if err := json.Unmarshal([]byte(attrs), &ident.Attributes); err != nil {
		return types.Identity{}, err
	}
	if len(ident.Attributes) == 0 {
		ident.Attributes = nil
	}
	if verifiedMs.Valid {
		ident.LastVerifiedAt = time.UnixMilli(verifiedMs.Int64).UTC()
	}
	ident.Freshness = types.Freshness(freshness)
	ident.CreatedAt = time.UnixMilli(createdMs).UTC()
	ident.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return ident, nil
}

func scanDevice(row scanner) (types.Device, error) {
	var (
		dev       types.Device
		level     string
		posture   string
		seenMs    sql.NullInt64
		createdMs int64
	)
	if err := row.Scan(&dev.ID, &dev.OwnerIdentityID, &level, &posture,
		&seenMs, &createdMs); err != nil {
		return types.Device{}, err
	}
	if err := json.Unmarshal([]byte(posture), &dev.PostureSignals); err != nil {
		return types.Device{}, err
	}
	if len(dev.PostureSignals) == 0 {
		dev.PostureSignals = nil
	}
	dev.TrustLevel = types.TrustLevel(level)
	if seenMs.Valid {
		dev.LastSeenAt = time.UnixMilli(seenMs.Int64).UTC()
	}
	dev.CreatedAt = time.UnixMilli(createdMs).UTC()
	return dev, nil
}

func scanSession(row scanner) (types.Session, error) {
	var (
		sess      types.Session
		startedMs int64
		rctx      string
		level     string
		revokedMs sql.NullInt64
		reason    sql.NullString
	)
	if err := row.Scan(&sess.ID, &sess.IdentityID, &sess.DeviceID, &startedMs,
		&rctx, &sess.CurrentRiskScore, &level, &revokedMs, &reason); err != nil {
		return types.Session{}, err
	}
	if err := json.Unmarshal([]byte(rctx), &sess.Context); err != nil {
		return types.Session{}, err
	}
	sess.StartedAt = time.UnixMilli(startedMs).UTC()
	sess.CurrentRiskLevel = types.RiskLevel(level)
	if revokedMs.Valid {
		at := time.UnixMilli(revokedMs.Int64).UTC()
		sess.RevokedAt = &at
	}
	sess.RevokeReason = reason.String
	return sess, nil
}

func activeSessionIDs(ctx context.Context, db *sql.DB, identityID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
SELECT session_id FROM sessions
WHERE identity_id = ? AND revoked_at_ms IS NULL
ORDER BY started_at_ms;`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func msOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().UnixMilli()
}

func msPtrOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
