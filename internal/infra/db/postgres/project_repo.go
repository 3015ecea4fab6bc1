package postgres

import (
	"context"
	"database/sql"
	"time"

	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
)

type ProjectRepository struct{ db *sql.DB }

func NewProjectRepository(db *sql.DB) *ProjectRepository { return &ProjectRepository{db: db} }

// Save insert/update project
func (r *ProjectRepository) Save(ctx context.Context, p *domain.Project) error {
	const q = `
INSERT INTO projects
(id, owner_id, name, external_api_url, external_api_key, external_sql_dsn,
 check_mfa, check_rls, check_pitr, status, last_scan_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO UPDATE SET
 name = EXCLUDED.name,
 external_api_url = EXCLUDED.external_api_url,
 external_api_key = EXCLUDED.external_api_key,
 external_sql_dsn = EXCLUDED.external_sql_dsn,
 check_mfa = EXCLUDED.check_mfa,
 check_rls = EXCLUDED.check_rls,
 check_pitr = EXCLUDED.check_pitr,
 status = EXCLUDED.status,
 last_scan_at = EXCLUDED.last_scan_at;`

	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	status := p.Status
	if status == "" {
		status = domain.ProjectActive
	}
	_, err := r.db.ExecContext(ctx, q,
		p.ID, p.OwnerID, p.Name, p.ExternalAPIURL, p.ExternalAPIKey, p.ExternalSQLDSN,
		p.EnabledChecks.MFA, p.EnabledChecks.RLS, p.EnabledChecks.PITR,
		status, nullTime(p.LastScanAt), created,
	)
	return err
}

func (r *ProjectRepository) Get(ctx context.Context, id string) (*domain.Project, error) {
	const q = `
SELECT id, owner_id, name, external_api_url, external_api_key, external_sql_dsn,
       check_mfa, check_rls, check_pitr, status, last_scan_at, created_at
FROM projects
WHERE id = $1;`
	var (
		p    domain.Project
		last sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&p.ID, &p.OwnerID, &p.Name, &p.ExternalAPIURL, &p.ExternalAPIKey, &p.ExternalSQLDSN,
		&p.EnabledChecks.MFA, &p.EnabledChecks.RLS, &p.EnabledChecks.PITR,
		&p.Status, &last, &p.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	p.LastScanAt = timePtr(last)
	return &p, nil
}

func (r *ProjectRepository) UpdateStatus(ctx context.Context, id string, status domain.ProjectStatus, lastScanAt *time.Time) error {
	const q = `
UPDATE projects
SET status = $2,
    last_scan_at = COALESCE($3, last_scan_at)
WHERE id = $1;`
	return affected(r.db.ExecContext(ctx, q, id, status, nullTime(lastScanAt)))
}
