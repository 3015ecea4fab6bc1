package checks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
)

const qPITRSettings = `
SELECT name, setting, unit, context, category
FROM pg_settings
WHERE name IN (
  'archive_mode',
  'archive_command',
  'archive_timeout',
  'wal_level',
  'max_wal_senders',
  'wal_keep_size',
  'checkpoint_timeout',
  'checkpoint_completion_target'
)`

const qWALStatus = `
SELECT
  pg_current_wal_lsn()::text,
  pg_walfile_name(pg_current_wal_lsn()),
  pg_wal_lsn_diff(pg_current_wal_lsn(), '0/0')::bigint`

const qArchiver = `
SELECT archived_count, failed_count, last_archived_wal, last_failed_wal
FROM pg_stat_archiver`

// PITRChecker passes when WAL archiving is on and wal_level supports it.
type PITRChecker struct{}

func (PITRChecker) Evaluate(ctx context.Context, env domain.CheckEnv) (domain.Outcome, error) {
	if env.SQL == nil {
		return domain.Outcome{}, &domain.ConnectionError{Target: "sql", Err: errors.New("target database not provisioned")}
	}

	settings, err := pitrSettings(ctx, env.SQL)
	if err != nil {
		return domain.Outcome{}, err
	}

	var wal domain.WALStatus
	if err := env.SQL.QueryRowContext(ctx, qWALStatus).Scan(&wal.CurrentLSN, &wal.CurrentFile, &wal.BytesWritten); err != nil {
		return domain.Outcome{}, fmt.Errorf("read wal status: %w", err)
	}

	var archive domain.ArchiveStatus
	var lastArchived, lastFailed sql.NullString
	if err := env.SQL.QueryRowContext(ctx, qArchiver).Scan(&archive.ArchivedCount, &archive.FailedCount, &lastArchived, &lastFailed); err != nil {
		return domain.Outcome{}, fmt.Errorf("read archiver stats: %w", err)
	}
	if lastArchived.Valid {
		archive.LastArchived = &lastArchived.String
	}
	if lastFailed.Valid {
		archive.LastFailed = &lastFailed.String
	}

	env.Log(ctx, "Retrieved PITR configuration settings", domain.SeverityInfo,
		map[string]any{"settings": settings})
	env.Log(ctx, "Retrieved WAL archiving status", domain.SeverityInfo,
		map[string]any{"wal_status": wal, "archive_status": archive})

	enabled := PITRCompliant(settings["wal_level"].Value, settings["archive_mode"].Value)
	return domain.Outcome{
		Passed: enabled,
		Details: domain.PITRDetails{
			PITREnabled:   enabled,
			Settings:      settings,
			WALStatus:     wal,
			ArchiveStatus: archive,
		},
	}, nil
}

// PITRCompliant is the shared predicate of the pitr check and fixer.
func PITRCompliant(walLevel, archiveMode string) bool {
	return archiveMode == "on" && (walLevel == "replica" || walLevel == "logical")
}

func pitrSettings(ctx context.Context, db domain.SQLConn) (map[string]domain.PGSetting, error) {
	rows, err := db.QueryContext(ctx, qPITRSettings)
	if err != nil {
		return nil, fmt.Errorf("read pg_settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.PGSetting)
	for rows.Next() {
		var (
			name string
			s    domain.PGSetting
			unit sql.NullString
		)
		if err := rows.Scan(&name, &s.Value, &unit, &s.Context, &s.Category); err != nil {
			return nil, fmt.Errorf("scan setting row: %w", err)
		}
		if unit.Valid {
			u := unit.String
			s.Unit = &u
		}
		out[name] = s
	}
	return out, rows.Err()
}
