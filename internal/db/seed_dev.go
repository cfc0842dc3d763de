package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type SeedDevOptions struct {
	// IdentityID names the starter identity. Defaults to "dev-admin".
	IdentityID string
}

// SeedDev inserts a starter identity and device so a fresh dev database can
// serve verification and decision requests immediately. Idempotent.
func SeedDev(ctx context.Context, db *sql.DB, opt SeedDevOptions) error {
	id := opt.IdentityID
	if id == "" {
		id = "dev-admin"
	}
	now := time.Now().UTC().UnixMilli()

	if _, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO identities(
  identity_id, attributes, trust_score, freshness, created_at_ms, updated_at_ms
) VALUES (?, '{"role":"admin"}', 0.5, 'stale', ?, ?);`, id, now, now); err != nil {
		return fmt.Errorf("seed identity: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO devices(
  device_id, owner_identity_id, trust_level, created_at_ms
) VALUES (?, ?, 'provisional', ?);`, id+"-laptop", id, now); err != nil {
		return fmt.Errorf("seed device: %w", err)
	}

	return nil
}
