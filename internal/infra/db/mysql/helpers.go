package mysql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"

	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
)

// stringOrDash returns "-" when the input is empty/whitespace
func stringOrDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

// uniqueViolation maps a duplicate open session onto ErrSessionConflict.
func uniqueViolation(err error) error {
	var me *driver.MySQLError
	if errors.As(err, &me) && me.Number == 1062 {
		return domain.ErrSessionConflict
	}
	return err
}

// affected maps a zero-row update to ErrNotFound. Needs clientFoundRows.
func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// finished tells a guarded update that matched nothing apart from a missing
// row. table is a constant of this package.
func finished(ctx context.Context, db *sql.DB, table, id string, err error) error {
	if err != domain.ErrNotFound {
		return err
	}
	var n int
	if qerr := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id=?`, id).Scan(&n); qerr != nil {
		return qerr
	}
	if n > 0 {
		return domain.ErrAlreadyFinished
	}
	return domain.ErrNotFound
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func boolPtr(b sql.NullBool) *bool {
	if !b.Valid {
		return nil
	}
	v := b.Bool
	return &v
}

type rowScanner interface {
	Scan(dest ...any) error
}
