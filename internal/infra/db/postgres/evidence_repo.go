package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
)

type EvidenceRepository struct{ db *sql.DB }

func NewEvidenceRepository(db *sql.DB) *EvidenceRepository { return &EvidenceRepository{db: db} }

func (r *EvidenceRepository) Append(ctx context.Context, e *domain.Evidence) error {
	const q = `
INSERT INTO evidence (id, check_id, type, content, severity, timestamp, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7);`
	var checkID sql.NullString
	if e.CheckID != nil {
		checkID = sql.NullString{String: *e.CheckID, Valid: true}
	}
	var meta any
	if len(e.Metadata) > 0 {
		meta = []byte(e.Metadata)
	}
	_, err := r.db.ExecContext(ctx, q, e.ID, checkID, e.Type, e.Content, e.Severity, e.Timestamp, meta)
	return err
}

// ListByCheck returns one page of a check's evidence, oldest first, plus the
// total row count.
func (r *EvidenceRepository) ListByCheck(ctx context.Context, checkID string, page, pageSize int) ([]*domain.Evidence, int64, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	offset := (page - 1) * pageSize

	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM evidence WHERE check_id = $1;`, checkID).Scan(&total); err != nil {
		return nil, 0, err
	}

	const q = `
SELECT id, check_id, type, content, severity, timestamp, metadata
FROM evidence
WHERE check_id = $1
ORDER BY timestamp, id
LIMIT $2 OFFSET $3;`
	rows, err := r.db.QueryContext(ctx, q, checkID, pageSize, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []*domain.Evidence{}
	for rows.Next() {
		var (
			e    domain.Evidence
			cid  sql.NullString
			meta []byte
		)
		if err := rows.Scan(&e.ID, &cid, &e.Type, &e.Content, &e.Severity, &e.Timestamp, &meta); err != nil {
			return nil, 0, err
		}
		if cid.Valid {
			e.CheckID = &cid.String
		}
		if len(meta) > 0 {
			e.Metadata = json.RawMessage(meta)
		}
		out = append(out, &e)
	}
	return out, total, rows.Err()
}
