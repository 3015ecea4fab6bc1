package postgres

import (
	"context"
	"database/sql"

	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
)

type CheckRepository struct{ db *sql.DB }

func NewCheckRepository(db *sql.DB) *CheckRepository { return &CheckRepository{db: db} }

const checkColumns = `id, project_id, scan_id, type, status, result, details, timestamp`

func scanCheck(row rowScanner) (*domain.Check, error) {
	var (
		c      domain.Check
		result sql.NullBool
	)
	if err := row.Scan(&c.ID, &c.ProjectID, &c.ScanID, &c.Type, &c.Status, &result, &c.Details, &c.Timestamp); err != nil {
		return nil, err
	}
	c.Result = boolPtr(result)
	return &c, nil
}

func (r *CheckRepository) Create(ctx context.Context, c *domain.Check) error {
	const q = `
INSERT INTO compliance_checks (id, project_id, scan_id, type, status, result, details, timestamp)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8);`
	_, err := r.db.ExecContext(ctx, q,
		c.ID, c.ProjectID, c.ScanID, c.Type, c.Status, nullBool(c.Result), c.Details, c.Timestamp)
	return err
}

func (r *CheckRepository) Get(ctx context.Context, id string) (*domain.Check, error) {
	q := `SELECT ` + checkColumns + ` FROM compliance_checks WHERE id = $1;`
	c, err := scanCheck(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

// ListByScan returns checks in creation order, ties broken by battery order.
func (r *CheckRepository) ListByScan(ctx context.Context, scanID string) ([]*domain.Check, error) {
	q := `SELECT ` + checkColumns + `
FROM compliance_checks
WHERE scan_id = $1
ORDER BY timestamp,
         CASE type WHEN 'mfa' THEN 0 WHEN 'rls' THEN 1 WHEN 'pitr' THEN 2 ELSE 3 END;`
	rows, err := r.db.QueryContext(ctx, q, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*domain.Check{}
	for rows.Next() {
		c, err := scanCheck(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateStatus and Complete never touch a completed check.
func (r *CheckRepository) UpdateStatus(ctx context.Context, id string, status domain.CheckStatus) error {
	const q = `UPDATE compliance_checks SET status = $2 WHERE id = $1 AND status <> 'completed';`
	return finished(ctx, r.db, "compliance_checks", id, affected(r.db.ExecContext(ctx, q, id, status)))
}

func (r *CheckRepository) Complete(ctx context.Context, id string, result *bool, details string) error {
	const q = `
UPDATE compliance_checks
SET status = 'completed', result = $2, details = $3
WHERE id = $1 AND status <> 'completed';`
	return finished(ctx, r.db, "compliance_checks", id, affected(r.db.ExecContext(ctx, q, id, nullBool(result), details)))
}

func (r *CheckRepository) ForceComplete(ctx context.Context, scanID string, result *bool, details string) (int64, error) {
	const q = `
UPDATE compliance_checks
SET status = 'completed', result = $2, details = $3
WHERE scan_id = $1 AND status <> 'completed';`
	res, err := r.db.ExecContext(ctx, q, scanID, nullBool(result), details)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
