package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
)

type SessionRepository struct{ db *sql.DB }

func NewSessionRepository(db *sql.DB) *SessionRepository { return &SessionRepository{db: db} }

const sessionColumns = `id, check_id, status, config, result, created_at, updated_at`

func encodeJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode session json: %w", err)
	}
	return b, nil
}

func scanSession(row rowScanner) (*domain.AutoFixSession, error) {
	var (
		s              domain.AutoFixSession
		config, result []byte
	)
	if err := row.Scan(&s.ID, &s.CheckID, &s.Status, &config, &result, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Config = map[string]any{}
	s.Result = map[string]any{}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &s.Config); err != nil {
			return nil, fmt.Errorf("decode session config: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &s.Result); err != nil {
			return nil, fmt.Errorf("decode session result: %w", err)
		}
	}
	return &s, nil
}

func (r *SessionRepository) Create(ctx context.Context, s *domain.AutoFixSession) error {
	config, err := encodeJSON(s.Config)
	if err != nil {
		return err
	}
	result, err := encodeJSON(s.Result)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO auto_fix_sessions (id, check_id, status, config, result, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7);`
	_, err = r.db.ExecContext(ctx, q, s.ID, s.CheckID, s.Status, config, result, s.CreatedAt, s.UpdatedAt)
	return uniqueViolation(err)
}

func (r *SessionRepository) Get(ctx context.Context, id string) (*domain.AutoFixSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM auto_fix_sessions WHERE id = $1;`
	s, err := scanSession(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

func (r *SessionRepository) LatestByCheck(ctx context.Context, checkID string) (*domain.AutoFixSession, error) {
	q := `SELECT ` + sessionColumns + `
FROM auto_fix_sessions
WHERE check_id = $1
ORDER BY created_at DESC, id DESC
LIMIT 1;`
	s, err := scanSession(r.db.QueryRowContext(ctx, q, checkID))
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

func (r *SessionRepository) Update(ctx context.Context, s *domain.AutoFixSession) error {
	config, err := encodeJSON(s.Config)
	if err != nil {
		return err
	}
	result, err := encodeJSON(s.Result)
	if err != nil {
		return err
	}
	const q = `
UPDATE auto_fix_sessions
SET status = $2, config = $3, result = $4, updated_at = $5
WHERE id = $1;`
	return uniqueViolation(affected(r.db.ExecContext(ctx, q, s.ID, s.Status, config, result, s.UpdatedAt)))
}

func (r *SessionRepository) Claim(ctx context.Context, id string, config map[string]any, at time.Time) error {
	b, err := encodeJSON(config)
	if err != nil {
		return err
	}
	const q = `
UPDATE auto_fix_sessions
SET status = 'in_progress', config = $2, updated_at = $3
WHERE id = $1 AND status NOT IN ('fixed', 'failed');`
	return r.conflict(ctx, id, affected(r.db.ExecContext(ctx, q, id, b, at)))
}

func (r *SessionRepository) Finish(ctx context.Context, id string, status domain.SessionStatus, result map[string]any, at time.Time) error {
	b, err := encodeJSON(result)
	if err != nil {
		return err
	}
	const q = `
UPDATE auto_fix_sessions
SET status = $2, result = $3, updated_at = $4
WHERE id = $1 AND status = 'in_progress';`
	return r.conflict(ctx, id, affected(r.db.ExecContext(ctx, q, id, status, b, at)))
}

// conflict tells a guarded update that matched nothing apart from a
// missing row.
func (r *SessionRepository) conflict(ctx context.Context, id string, err error) error {
	if err != domain.ErrNotFound {
		return err
	}
	var exists bool
	if qerr := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM auto_fix_sessions WHERE id = $1);`, id).Scan(&exists); qerr != nil {
		return qerr
	}
	if exists {
		return domain.ErrSessionConflict
	}
	return domain.ErrNotFound
}

func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	return affected(r.db.ExecContext(ctx, `DELETE FROM auto_fix_sessions WHERE id = $1;`, id))
}
