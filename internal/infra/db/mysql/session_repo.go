package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
)

type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, check_id, status, config, result, created_at, updated_at`

func encodeJSON(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode session json: %w", err)
	}
	return string(b), nil
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
	q := `INSERT INTO auto_fix_sessions (` + sessionColumns + `) VALUES (?,?,?,?,?,?,?);`
	_, err = r.db.ExecContext(ctx, q, s.ID, s.CheckID, s.Status, config, result, s.CreatedAt, s.UpdatedAt)
	return uniqueViolation(err)
}

func (r *SessionRepository) Get(ctx context.Context, id string) (*domain.AutoFixSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM auto_fix_sessions WHERE id=? LIMIT 1;`
	s, err := scanSession(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

func (r *SessionRepository) LatestByCheck(ctx context.Context, checkID string) (*domain.AutoFixSession, error) {
	q := `SELECT ` + sessionColumns + `
FROM auto_fix_sessions
WHERE check_id=?
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
	const q = `UPDATE auto_fix_sessions SET status=?, config=?, result=?, updated_at=? WHERE id=?;`
	return uniqueViolation(affected(r.db.ExecContext(ctx, q, s.Status, config, result, s.UpdatedAt, s.ID)))
}

func (r *SessionRepository) Claim(ctx context.Context, id string, config map[string]any, at time.Time) error {
	b, err := encodeJSON(config)
	if err != nil {
		return err
	}
	const q = `
UPDATE auto_fix_sessions
SET status='in_progress', config=?, updated_at=?
WHERE id=? AND status NOT IN ('fixed', 'failed');
`
	return r.conflict(ctx, id, affected(r.db.ExecContext(ctx, q, b, at, id)))
}

func (r *SessionRepository) Finish(ctx context.Context, id string, status domain.SessionStatus, result map[string]any, at time.Time) error {
	b, err := encodeJSON(result)
	if err != nil {
		return err
	}
	const q = `
UPDATE auto_fix_sessions
SET status=?, result=?, updated_at=?
WHERE id=? AND status='in_progress';
`
	return r.conflict(ctx, id, affected(r.db.ExecContext(ctx, q, status, b, at, id)))
}

func (r *SessionRepository) conflict(ctx context.Context, id string, err error) error {
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	var n int
	if qerr := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM auto_fix_sessions WHERE id=?;`, id).Scan(&n); qerr != nil {
		return qerr
	}
	if n > 0 {
		return domain.ErrSessionConflict
	}
	return domain.ErrNotFound
}

func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	return affected(r.db.ExecContext(ctx, `DELETE FROM auto_fix_sessions WHERE id=?;`, id))
}
