package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	dbpkg "github.com/gatewarden/gatewarden/internal/db"
	"github.com/gatewarden/gatewarden/internal/zerotrust/store"
	"github.com/gatewarden/gatewarden/internal/zerotrust/types"
	"github.com/gatewarden/gatewarden/internal/zerotrust/zterr"
)

type DecisionStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewDecisionStore(db *sql.DB, writer *dbpkg.Worker) *DecisionStore {
	return &DecisionStore{db: db, writer: writer}
}

func (s *DecisionStore) RecordDecision(ctx context.Context, d types.AccessDecision) error {
	perms, err := json.Marshal(d.RequestedPermissions)
	if err != nil {
		return zterr.Validationf("encode permissions: %v", err)
	}
	policyIDs, err := json.Marshal(d.PolicyIDsEvaluated)
	if err != nil {
		return zterr.Validationf("encode policy ids: %v", err)
	}
	reasons, err := json.Marshal(d.Reasons)
	if err != nil {
		return zterr.Validationf("encode reasons: %v", err)
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		// Append-only: plain INSERT, decisions are never rewritten.
		_, err := tx.ExecContext(ctx, `
INSERT INTO access_decisions(
  decision_id, identity_id, device_id, resource_id, requested_permissions,
  action, policy_ids, outcome, reasons, risk_score, risk_level, decided_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
			d.ID, d.IdentityID, d.DeviceID, d.ResourceID, string(perms),
			d.Action, string(policyIDs), string(d.Outcome), string(reasons),
			d.RiskScore, string(d.RiskLevel), d.DecidedAt.UTC().UnixMilli(),
		)
		if err != nil {
			return zterr.Transientf("record decision %s: %v", d.ID, err)
		}
		return nil
	})
}

func (s *DecisionStore) QueryDecisions(ctx context.Context, f store.DecisionFilter) ([]types.AccessDecision, error) {
	query := `
SELECT decision_id, identity_id, device_id, resource_id, requested_permissions,
       action, policy_ids, outcome, reasons, risk_score, risk_level, decided_at_ms
FROM access_decisions `

	var where []string
	var args []any
	if f.IdentityID != "" {
		where = append(where, "identity_id = ?")
		args = append(args, f.IdentityID)
	}
	if f.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, f.ResourceID)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(f.Outcome))
	}
	if !f.From.IsZero() {
		where = append(where, "decided_at_ms >= ?")
		args = append(args, f.From.UTC().UnixMilli())
	}
	if !f.To.IsZero() {
		where = append(where, "decided_at_ms < ?")
		args = append(args, f.To.UTC().UnixMilli())
	}
	if len(where) > 0 {
		query += "WHERE " + strings.Join(where, " AND ") + " "
	}
	query += "ORDER BY decided_at_ms "
	if f.Limit > 0 {
		query += "LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, zterr.Transientf("query decisions: %v", err)
	}
	defer rows.Close()

	var out []types.AccessDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, zterr.Transientf("scan decision: %v", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, zterr.Transientf("query decisions: %v", err)
	}
	return out, nil
}

// PruneDecisionsOlderThan deletes audit rows decided before cutoff. Uses the
// idx_decisions_time index for an efficient range scan.
func (s *DecisionStore) PruneDecisionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffMs := cutoff.UTC().UnixMilli()

	var deleted int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM access_decisions WHERE decided_at_ms < ?;`, cutoffMs)
		if err != nil {
			return zterr.Transientf("prune decisions: %v", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}

func scanDecision(row scanner) (types.AccessDecision, error) {
	var (
		d         types.AccessDecision
		perms     string
		action    sql.NullString
		policyIDs string
		outcome   string
		reasons   string
		level     string
		decidedMs int64
	)
	if err := row.Scan(&d.ID, &d.IdentityID, &d.DeviceID, &d.ResourceID, &perms,
		&action, &policyIDs, &outcome, &reasons, &d.RiskScore, &level, &decidedMs); err != nil {
		return types.AccessDecision{}, err
	}
	if err := json.Unmarshal([]byte(perms), &d.RequestedPermissions); err != nil {
		return types.AccessDecision{}, err
	}
	if err := json.Unmarshal([]byte(policyIDs), &d.PolicyIDsEvaluated); err != nil {
		return types.AccessDecision{}, err
	}
	if err := json.Unmarshal([]byte(reasons), &d.Reasons); err != nil {
		return types.AccessDecision{}, err
	}
	d.Action = action.String
	d.Outcome = types.Outcome(outcome)
	d.RiskLevel = types.RiskLevel(level)
	d.DecidedAt = time.UnixMilli(decidedMs).UTC()
	return d, nil
}

type ViolationStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewViolationStore(db *sql.DB, writer *dbpkg.Worker) *ViolationStore {
	return &ViolationStore{db: db, writer: writer}
}

func (s *ViolationStore) PutViolation(ctx context.Context, v types.Violation) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO violations(
  violation_id, subject_type, subject_id, severity, rule_id, status, detail,
  detected_at_ms, updated_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(violation_id) DO UPDATE SET
  status        = excluded.status,
  updated_at_ms = excluded.updated_at_ms;
`,
			v.ID, string(v.SubjectType), v.SubjectID, string(v.Severity),
			v.RuleID, string(v.Status), v.Detail,
			v.DetectedAt.UTC().UnixMilli(), v.UpdatedAt.UTC().UnixMilli(),
		)
		if err != nil {
			return zterr.Transientf("put violation %s: %v", v.ID, err)
		}
		return nil
	})
}

func (s *ViolationStore) GetViolation(ctx context.Context, id string) (types.Violation, error) {
	row := s.db.QueryRowContext(ctx, violationSelect+`WHERE violation_id = ?;`, id)
	v, err := scanViolation(row)
	if err == sql.ErrNoRows {
		return types.Violation{}, zterr.NotFound("violation", id)
	}
	if err != nil {
		return types.Violation{}, zterr.Transientf("get violation %s: %v", id, err)
	}
	return v, nil
}

func (s *ViolationStore) QueryViolations(ctx context.Context, f store.ViolationFilter) ([]types.Violation, error) {
	query := violationSelect

	var where []string
	var args []any
	if f.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, f.SubjectID)
	}
	if f.SubjectType != "" {
		where = append(where, "subject_type = ?")
		args = append(args, string(f.SubjectType))
	}
	if f.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.From.IsZero() {
		where = append(where, "detected_at_ms >= ?")
		args = append(args, f.From.UTC().UnixMilli())
	}
	if !f.To.IsZero() {
		where = append(where, "detected_at_ms < ?")
		args = append(args, f.To.UTC().UnixMilli())
	}
	if len(where) > 0 {
		query += "WHERE " + strings.Join(where, " AND ") + " "
	}
	query += "ORDER BY detected_at_ms "
	if f.Limit > 0 {
		query += "LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, zterr.Transientf("query violations: %v", err)
	}
	defer rows.Close()

	var out []types.Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, zterr.Transientf("scan violation: %v", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, zterr.Transientf("query violations: %v", err)
	}
	return out, nil
}

func (s *ViolationStore) UpdateViolationStatus(ctx context.Context, id string, status types.ViolationStatus, at time.Time) (types.Violation, error) {
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE violations SET status = ?, updated_at_ms = ? WHERE violation_id = ?;`,
			string(status), at.UTC().UnixMilli(), id)
		if err != nil {
			return zterr.Transientf("update violation %s: %v", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return zterr.NotFound("violation", id)
		}
		return nil
	})
	if err != nil {
		return types.Violation{}, err
	}
	return s.GetViolation(ctx, id)
}

const violationSelect = `
SELECT violation_id, subject_type, subject_id, severity, rule_id, status,
       detail, detected_at_ms, updated_at_ms
FROM violations `

func scanViolation(row scanner) (types.Violation, error) {
	var (
		v           types.Violation
		subjectType string
		severity    string
		ruleID      sql.NullString
		status      string
		detail      sql.NullString
		detectedMs  int64
		updatedMs   int64
	)
	if err := row.Scan(&v.ID, &subjectType, &v.SubjectID, &severity, &ruleID,
		&status, &detail, &detectedMs, &updatedMs); err != nil {
		return types.Violation{}, err
	}
	v.SubjectType = types.SubjectType(subjectType)
	v.Severity = types.Severity(severity)
	v.RuleID = ruleID.String
	v.Status = types.ViolationStatus(status)
	v.Detail = detail.String
	v.DetectedAt = time.UnixMilli(detectedMs).UTC()
	v.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return v, nil
}
