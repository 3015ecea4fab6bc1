package mysql

import (
	"context"
	"database/sql"
	"time"

	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
)

type ScanRepository struct {
	db *sql.DB
}

func NewScanRepository(db *sql.DB) *ScanRepository {
	return &ScanRepository{db: db}
}

const scanColumns = `id, project_id, status, started_at, completed_at,
       total_checks, passed_checks, failed_checks, error`

func scanScan(row rowScanner) (*domain.Scan, error) {
	var (
		s         domain.Scan
		completed sql.NullTime
	)
	if err := row.Scan(
		&s.ID, &s.ProjectID, &s.Status, &s.StartedAt, &completed,
		&s.Summary.TotalChecks, &s.Summary.PassedChecks, &s.Summary.FailedChecks, &s.Summary.Error,
	); err != nil {
		return nil, err
	}
	s.CompletedAt = timePtr(completed)
	return &s, nil
}

func (r *ScanRepository) Create(ctx context.Context, s *domain.Scan) error {
	const q = `
INSERT INTO compliance_scans
(id, project_id, status, started_at, completed_at, total_checks, passed_checks, failed_checks, error)
VALUES (?,?,?,?,?,?,?,?,?);
`
	_, err := r.db.ExecContext(ctx, q,
		s.ID, s.ProjectID, s.Status, s.StartedAt, nullTime(s.CompletedAt),
		s.Summary.TotalChecks, s.Summary.PassedChecks, s.Summary.FailedChecks, s.Summary.Error,
	)
	return err
}

func (r *ScanRepository) Get(ctx context.Context, id string) (*domain.Scan, error) {
	q := `SELECT ` + scanColumns + ` FROM compliance_scans WHERE id=? LIMIT 1;`
	s, err := scanScan(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

func (r *ScanRepository) UpdateSummary(ctx context.Context, id string, sum domain.ScanSummary) error {
	const q = `
UPDATE compliance_scans
SET total_checks=?, passed_checks=?, failed_checks=?, error=?
WHERE id=?;
`
	return affected(r.db.ExecContext(ctx, q, sum.TotalChecks, sum.PassedChecks, sum.FailedChecks, sum.Error, id))
}

// Finish only moves running scans. A finished scan is left as is and
// reported with ErrAlreadyFinished.
func (r *ScanRepository) Finish(ctx context.Context, id string, status domain.ScanStatus, completedAt time.Time, sum domain.ScanSummary) error {
	const q = `
UPDATE compliance_scans
SET status=?, completed_at=?, total_checks=?, passed_checks=?, failed_checks=?, error=?
WHERE id=? AND status='running';
`
	res, err := r.db.ExecContext(ctx, q, status, completedAt,
		sum.TotalChecks, sum.PassedChecks, sum.FailedChecks, sum.Error, id)
	return finished(ctx, r.db, "compliance_scans", id, affected(res, err))
}

// Latest scans per project
func (r *ScanRepository) LatestByProject(ctx context.Context, projectID string, limit int) ([]*domain.Scan, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + scanColumns + `
FROM compliance_scans
WHERE project_id=?
ORDER BY started_at DESC
LIMIT ?;`
	return r.list(ctx, q, projectID, limit)
}

func (r *ScanRepository) ListStale(ctx context.Context, startedBefore time.Time) ([]*domain.Scan, error) {
	q := `SELECT ` + scanColumns + `
FROM compliance_scans
WHERE status='running' AND started_at < ?
ORDER BY started_at;`
	return r.list(ctx, q, startedBefore)
}

func (r *ScanRepository) list(ctx context.Context, q string, args ...any) ([]*domain.Scan, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*domain.Scan{}
	for rows.Next() {
		s, err := scanScan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
