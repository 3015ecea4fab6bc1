package mysql

import (
	"context"
	"database/sql"
	"time"

	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
)

type ProjectRepository struct {
	db *sql.DB
}

func NewProjectRepository(db *sql.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// Save insert/update project
func (r *ProjectRepository) Save(ctx context.Context, p *domain.Project) error {
	const q = `
INSERT INTO projects
(id, owner_id, name, external_api_url, external_api_key, external_sql_dsn,
 check_mfa, check_rls, check_pitr, status, last_scan_at, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON DUPLICATE KEY UPDATE
 name=VALUES(name),
 external_api_url=VALUES(external_api_url), external_api_key=VALUES(external_api_key),
 external_sql_dsn=VALUES(external_sql_dsn),
 check_mfa=VALUES(check_mfa), check_rls=VALUES(check_rls), check_pitr=VALUES(check_pitr),
 status=VALUES(status), last_scan_at=VALUES(last_scan_at);
`
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	status := p.Status
	if status == "" {
		status = domain.ProjectActive
	}
	_, err := r.db.ExecContext(ctx, q,
		p.ID, stringOrDash(p.OwnerID), stringOrDash(p.Name),
		p.ExternalAPIURL, p.ExternalAPIKey, p.ExternalSQLDSN,
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
WHERE id=? LIMIT 1;
`
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
	const q = `UPDATE projects SET status=?, last_scan_at=COALESCE(?, last_scan_at) WHERE id=?;`
	return affected(r.db.ExecContext(ctx, q, status, nullTime(lastScanAt), id))
}
