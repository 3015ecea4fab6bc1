package autofix

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
)

// DefaultPolicyName is the policy created on tables that have none.
const DefaultPolicyName = "Default allow authenticated users"

const qPolicyCount = `
SELECT COUNT(*)
FROM pg_policy p
JOIN pg_class c ON p.polrelid = c.oid
WHERE c.relname = $1
  AND c.relnamespace = (SELECT oid FROM pg_namespace WHERE nspname = 'public')`

// RLSFixer enables row level security on selected public tables.
type RLSFixer struct {
	Provisioner domain.Provisioner
	Evidence    domain.EvidenceRecorder
}

func decodeRLSConfig(raw map[string]any) (domain.RLSFixConfig, error) {
	var cfg domain.RLSFixConfig
	if err := domain.DecodeConfig(raw, &cfg); err != nil {
		return cfg, err
	}
	if len(cfg.SelectedTables) == 0 {
		return cfg, domain.Invalid("selected_tables", "No tables specified for RLS enablement")
	}
	return cfg, nil
}

// Validate checks the config without touching the target.
func (f *RLSFixer) Validate(raw map[string]any) error {
	_, err := decodeRLSConfig(raw)
	return err
}

func (f *RLSFixer) Fix(ctx context.Context, req domain.FixRequest) domain.FixResult {
	tr := trail{rec: f.Evidence, checkID: req.CheckID, projectID: req.ProjectID}

	cfg, err := decodeRLSConfig(req.Config)
	if err != nil {
		tr.event(ctx, "rls_technical_validation", "RLS enablement missing required input", domain.SeverityError,
			map[string]any{"validation_error": err.Error(), "table_count": len(cfg.SelectedTables)})
		return domain.FixResult{Success: false, Error: err.Error()}
	}
	createPolicy := cfg.DefaultPolicy()

	db, err := f.Provisioner.SQL(ctx, req.ProjectID)
	if err != nil {
		tr.event(ctx, "rls_technical_connection_error", "RLS enablement encountered a database connection error", domain.SeverityError,
			map[string]any{"error_type": "database_connection_failure", "error_message": err.Error()})
		return domain.FixResult{Success: false, Error: err.Error()}
	}
	defer db.Close()

	tr.event(ctx, "rls_technical_operation_started", "Beginning RLS enablement database operations", domain.SeverityInfo,
		map[string]any{"table_count": len(cfg.SelectedTables), "create_default_policy": createPolicy})

	items := make([]domain.FixItem, 0, len(cfg.SelectedTables))
	success := 0
	for _, table := range cfg.SelectedTables {
		note, err := f.fixTable(ctx, db, tr, table, createPolicy)
		if err != nil {
			tr.event(ctx, "rls_technical_table_error", "Technical database error during RLS enablement", domain.SeverityError,
				map[string]any{"table_name": table, "operation": "enable_rls", "error_type": "database_update_failure", "error_message": err.Error()})
			items = append(items, domain.FixItem{Identifier: table, Success: false, Error: err.Error()})
			continue
		}
		items = append(items, domain.FixItem{Identifier: table, Success: true, Note: note})
		success++
	}

	total := len(cfg.SelectedTables)
	tr.event(ctx, "rls_technical_operation_completed", "RLS database operations technical summary", domain.SeverityInfo,
		map[string]any{"total_tables": total, "successful_updates": success, "failed_updates": total - success,
			"operation_status": operationStatus(success, total)})

	res := domain.FixResult{
		Success: success > 0,
		Message: fmt.Sprintf("Successfully enabled RLS for %d of %d tables.", success, total),
		Details: items,
	}
	if success == 0 {
		res.Error = "Failed to enable RLS for any tables"
	}
	return res
}

// fixTable enables RLS and, when asked, adds the default policy to a table
// that has no policy at all. Existing policies are never inspected for
// adequacy, only counted.
func (f *RLSFixer) fixTable(ctx context.Context, db domain.SQLConn, tr trail, table string, createPolicy bool) (string, error) {
	ident := "public." + pq.QuoteIdentifier(table)
	if _, err := db.ExecContext(ctx, "ALTER TABLE "+ident+" ENABLE ROW LEVEL SECURITY"); err != nil {
		return "", fmt.Errorf("enable rls on %s: %w", table, err)
	}
	tr.event(ctx, "rls_technical_table_update", "Technical database update for RLS enablement", domain.SeverityInfo,
		map[string]any{"table_name": table, "operation": "enable_rls", "result": "success"})

	if !createPolicy {
		return "rls enabled", nil
	}

	var count int
	if err := db.QueryRowContext(ctx, qPolicyCount, table).Scan(&count); err != nil {
		return "", fmt.Errorf("count policies on %s: %w", table, err)
	}
	if count > 0 {
		tr.event(ctx, "rls_technical_policy_skipped", "Technical policy creation skipped", domain.SeverityInfo,
			map[string]any{"table_name": table, "existing_policy_count": count, "skip_reason": "existing_policies_found"})
		return fmt.Sprintf("rls enabled, %d existing policies kept", count), nil
	}

	stmt := fmt.Sprintf("CREATE POLICY %s ON %s FOR ALL TO authenticated USING (true) WITH CHECK (true)",
		pq.QuoteIdentifier(DefaultPolicyName), ident)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return "", fmt.Errorf("create default policy on %s: %w", table, err)
	}
	tr.event(ctx, "rls_technical_policy_creation", "Technical database operation: policy creation", domain.SeverityInfo,
		map[string]any{"table_name": table, "policy_name": DefaultPolicyName,
			"policy_type": "authenticated_users_all_operations", "result": "success"})
	return "rls enabled, default policy created", nil
}
