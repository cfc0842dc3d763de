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

type PolicyStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewPolicyStore(db *sql.DB, writer *dbpkg.Worker) *PolicyStore {
	return &PolicyStore{db: db, writer: writer}
}

func (s *PolicyStore) PutPolicy(ctx context.Context, p types.Policy) error {
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return zterr.Validationf("encode policy rules: %v", err)
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		// Version rows are immutable: plain INSERT, no upsert. A duplicate
		// (name, version) pair trips the unique index and surfaces as an
		// error rather than silently rewriting history.
		_, err := tx.ExecContext(ctx, `
INSERT INTO policies(
  policy_id, name, version, rules, enabled, target_sensitivity, exclusive,
  created_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`,
			p.ID, p.Name, p.Version, string(rules), boolInt(p.Enabled),
			string(p.TargetSensitivity), boolInt(p.Exclusive),
			p.CreatedAt.UTC().UnixMilli(),
		)
		if err != nil {
			return zterr.Transientf("put policy %s v%d: %v", p.Name, p.Version, err)
		}
		return nil
	})
}

func (s *PolicyStore) GetPolicyByID(ctx context.Context, id string) (types.Policy, error) {
	row := s.db.QueryRowContext(ctx, policySelect+`WHERE policy_id = ?;`, id)
	p, err := scanPolicy(row)
	if err == sql.ErrNoRows {
		return types.Policy{}, zterr.NotFound("policy", id)
	}
	if err != nil {
		return types.Policy{}, zterr.Transientf("get policy %s: %v", id, err)
	}
	return p, nil
}

func (s *PolicyStore) LatestPolicyByName(ctx context.Context, name string) (types.Policy, error) {
	row := s.db.QueryRowContext(ctx,
		policySelect+`WHERE name = ? ORDER BY version DESC LIMIT 1;`, name)
	p, err := scanPolicy(row)
	if err == sql.ErrNoRows {
		return types.Policy{}, zterr.NotFound("policy", name)
	}
	if err != nil {
		return types.Policy{}, zterr.Transientf("latest policy %s: %v", name, err)
	}
	return p, nil
}

func (s *PolicyStore) ListLatestPolicies(ctx context.Context) ([]types.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT p.policy_id, p.name, p.version, p.rules, p.enabled,
       p.target_sensitivity, p.exclusive, p.created_at_ms
FROM policies p
JOIN (SELECT name, MAX(version) AS version FROM policies GROUP BY name) latest
  ON p.name = latest.name AND p.version = latest.version
ORDER BY p.name;`)
	if err != nil {
		return nil, zterr.Transientf("list policies: %v", err)
	}
	defer rows.Close()

	var out []types.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, zterr.Transientf("scan policy: %v", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, zterr.Transientf("list policies: %v", err)
	}
	return out, nil
}

func (s *PolicyStore) DeletePolicy(ctx context.Context, name string) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM policies WHERE name = ?;`, name)
		if err != nil {
			return zterr.Transientf("delete policy %s: %v", name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return zterr.NotFound("policy", name)
		}
		return nil
	})
}

const policySelect = `
SELECT policy_id, name, version, rules, enabled, target_sensitivity,
       exclusive, created_at_ms
FROM policies `

func scanPolicy(row scanner) (types.Policy, error) {
	var (
		p           types.Policy
		rules       string
		enabled     int
		sensitivity string
		exclusive   int
		createdMs   int64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Version, &rules, &enabled,
		&sensitivity, &exclusive, &createdMs); err != nil {
		return types.Policy{}, err
	}
	if err := json.Unmarshal([]byte(rules), &p.Rules); err != nil {
		return types.Policy{}, err
	}
	p.Enabled = enabled == 1
	p.TargetSensitivity = types.Sensitivity(sensitivity)
	p.Exclusive = exclusive == 1
	p.CreatedAt = time.UnixMilli(createdMs).UTC()
	return p, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
