package autofix

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/bryanwahyu/supabase-compliance/internal/application/checks"
	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
)

const (
	defaultRetentionDays = 7
	archiveCommand       = "cp %p /var/lib/postgresql/archive/%f"
	pitrDashboardPath    = "Project Settings > Database > Point-in-Time Recovery"
)

const qCurrentRole = `SELECT current_user::text, rolsuper FROM pg_roles WHERE rolname = current_user`

// PITRFixer turns on WAL archiving when the target role is allowed to.
// A non-superuser connection gets manual remediation steps instead.
type PITRFixer struct {
	Provisioner domain.Provisioner
	Evidence    domain.EvidenceRecorder
}

func decodePITRConfig(raw map[string]any) (domain.PITRFixConfig, error) {
	var cfg domain.PITRFixConfig
	if err := domain.DecodeConfig(raw, &cfg); err != nil {
		return cfg, err
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	if cfg.RetentionDays < 1 {
		return cfg, domain.Invalid("retention_days", "Invalid retention period specified")
	}
	return cfg, nil
}

// Validate checks the config without touching the target.
func (f *PITRFixer) Validate(raw map[string]any) error {
	_, err := decodePITRConfig(raw)
	return err
}

func manualSteps(days int) map[string]any {
	return map[string]any{
		"dashboard_path": pitrDashboardPath,
		"recommended_settings": map[string]any{
			"enabled":        true,
			"retention_days": days,
		},
	}
}

func (f *PITRFixer) Fix(ctx context.Context, req domain.FixRequest) domain.FixResult {
	tr := trail{rec: f.Evidence, checkID: req.CheckID, projectID: req.ProjectID}

	cfg, err := decodePITRConfig(req.Config)
	if err != nil {
		tr.event(ctx, "pitr_technical_validation", "PITR enablement received an invalid retention period", domain.SeverityError,
			map[string]any{"validation_error": err.Error(), "retention_days": cfg.RetentionDays})
		return domain.FixResult{Success: false, Error: err.Error()}
	}

	db, err := f.Provisioner.SQL(ctx, req.ProjectID)
	if err != nil {
		tr.event(ctx, "pitr_connection_technical_error", "PITR database connection encountered a technical error", domain.SeverityError,
			map[string]any{"error_message": err.Error(), "error_type": "connection_failure", "attempted_operation": "connect_to_database"})
		return domain.FixResult{
			Success: false,
			Error:   err.Error(),
			Message: "An error occurred while connecting to the database. Please ensure your database connection information is correct. For Supabase databases, use the Supabase dashboard to enable PITR.",
		}
	}
	defer db.Close()

	var walLevel, archiveMode string
	if err := db.QueryRowContext(ctx, "SHOW wal_level").Scan(&walLevel); err != nil {
		return f.readFailed(ctx, tr, err)
	}
	if err := db.QueryRowContext(ctx, "SHOW archive_mode").Scan(&archiveMode); err != nil {
		return f.readFailed(ctx, tr, err)
	}

	current := map[string]any{"wal_level": walLevel, "archive_mode": archiveMode}
	if checks.PITRCompliant(walLevel, archiveMode) {
		tr.event(ctx, "pitr_technical_details", "PITR technical configuration details", domain.SeverityInfo,
			map[string]any{"wal_level": walLevel, "archive_mode": archiveMode, "status": "already_enabled"})
		return domain.FixResult{
			Success: true,
			Message: "Point-in-Time Recovery is already enabled on this database.",
			Details: map[string]any{"settings": current, "requires_restart": false},
		}
	}

	role, super := currentRole(ctx, db)
	if !super {
		perr := &domain.PrivilegeError{Required: "superuser", Current: role}
		tr.event(ctx, "pitr_technical_limitation", "PITR cannot be enabled due to technical limitation", domain.SeverityError,
			map[string]any{"limitation_type": "insufficient_privileges", "current_role": role, "required_role": "superuser", "error_message": perr.Error()})
		return domain.FixResult{
			Success: false,
			Error:   "Insufficient privileges to enable PITR",
			Message: "Your database connection does not have superuser privileges required to enable PITR. For Supabase databases, you must enable PITR through the Supabase dashboard in Settings > Database > Point-in-Time Recovery.",
			Details: map[string]any{
				"manual_steps":   manualSteps(cfg.RetentionDays),
				"settings":       current,
				"supabase_info":  "Supabase connection strings typically don't include superuser privileges for security reasons.",
				"privilege_hint": perr.Error(),
			},
		}
	}

	keep := fmt.Sprintf("%dGB", cfg.RetentionDays)
	applied := []struct{ name, value string }{
		{"wal_level", "logical"},
		{"archive_mode", "on"},
		{"archive_command", archiveCommand},
		{"wal_keep_size", keep},
	}
	for _, s := range applied {
		stmt := fmt.Sprintf("ALTER SYSTEM SET %s = %s", s.name, pq.QuoteLiteral(s.value))
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return f.configFailed(ctx, tr, cfg.RetentionDays, err)
		}
	}
	if _, err := db.ExecContext(ctx, "SELECT pg_reload_conf()"); err != nil {
		return f.configFailed(ctx, tr, cfg.RetentionDays, err)
	}

	settings := map[string]any{"wal_level": "logical", "archive_mode": "on", "wal_keep_size": keep}
	tr.event(ctx, "pitr_technical_configuration", "PITR technical settings applied", domain.SeverityInfo,
		map[string]any{"settings_applied": map[string]any{
			"wal_level": "logical", "archive_mode": "on", "archive_command": archiveCommand, "wal_keep_size": keep,
		}, "config_reloaded": true})

	return domain.FixResult{
		Success: true,
		Message: fmt.Sprintf("Successfully enabled Point-in-Time Recovery with %d days retention. A database restart may be required for all changes to take effect.", cfg.RetentionDays),
		Details: map[string]any{
			"requires_restart": true,
			"settings":         settings,
			"important_note":   "For Supabase databases, these settings may not persist or function correctly. Using the Supabase dashboard is still recommended.",
		},
	}
}

// currentRole reports the connected role and whether it is a superuser. A
// failed lookup counts as not privileged.
func currentRole(ctx context.Context, db domain.SQLConn) (string, bool) {
	var (
		role  string
		super bool
	)
	if err := db.QueryRowContext(ctx, qCurrentRole).Scan(&role, &super); err != nil {
		return "unknown", false
	}
	return role, super
}

func (f *PITRFixer) readFailed(ctx context.Context, tr trail, err error) domain.FixResult {
	tr.event(ctx, "pitr_technical_error", "PITR configuration encountered a technical error", domain.SeverityError,
		map[string]any{"error_type": "settings_read_failure", "error_message": err.Error(), "attempted_operation": "read_pitr_settings"})
	return domain.FixResult{Success: false, Error: err.Error(), Message: "Could not read the current WAL settings."}
}

func (f *PITRFixer) configFailed(ctx context.Context, tr trail, days int, err error) domain.FixResult {
	msg := err.Error()
	permission := isPermissionError(msg)

	guidance := "This could be due to database restrictions or configuration issues. Please try enabling it through the Supabase dashboard."
	errType := "configuration_error"
	if permission {
		guidance = "Permission denied when attempting to modify database settings. For Supabase databases, you must enable PITR through the Supabase dashboard."
		errType = "permission_denied"
	}
	tr.event(ctx, "pitr_technical_error", "PITR configuration encountered a technical error", domain.SeverityError,
		map[string]any{"error_type": errType, "error_message": msg, "attempted_operation": "apply_pitr_settings"})

	return domain.FixResult{
		Success: false,
		Error:   msg,
		Message: guidance,
		Details: map[string]any{
			"error_details": msg,
			"manual_steps":  manualSteps(days),
		},
	}
}

func isPermissionError(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "permission") || strings.Contains(m, "privilege") || strings.Contains(m, "denied")
}
