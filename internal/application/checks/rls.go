package checks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
)

const qPublicTables = `
SELECT c.relname, c.relrowsecurity, c.relforcerowsecurity, obj_description(c.oid)
FROM pg_class c
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = 'public' AND c.relkind = 'r'
ORDER BY c.relname`

const qTablePolicies = `
SELECT p.polname, p.polcmd, p.polroles::text[], p.polqual::text
FROM pg_policy p
JOIN pg_class c ON c.oid = p.polrelid
WHERE c.relname = $1
ORDER BY p.polname`

// RLSChecker passes when every public base table has row level security
// enabled. Policies are reported but do not affect the verdict.
type RLSChecker struct{}

func (RLSChecker) Evaluate(ctx context.Context, env domain.CheckEnv) (domain.Outcome, error) {
	if env.SQL == nil {
		return domain.Outcome{}, &domain.ConnectionError{Target: "sql", Err: errors.New("target database not provisioned")}
	}

	tables, err := publicTables(ctx, env.SQL)
	if err != nil {
		return domain.Outcome{}, err
	}
	env.Log(ctx, fmt.Sprintf("Found %d tables in the public schema", len(tables)), domain.SeverityInfo,
		map[string]any{"total_tables": len(tables)})

	// policies are fetched after the table cursor is closed; the scan shares
	// one connection across queries
	for i := range tables {
		policies, err := tablePolicies(ctx, env.SQL, tables[i].Name)
		if err != nil {
			return domain.Outcome{}, err
		}
		tables[i].Policies = policies
		tables[i].PolicyCount = len(policies)
	}

	d := domain.RLSDetails{TotalTables: len(tables), Tables: tables}
	for _, t := range tables {
		sev, state := domain.SeverityInfo, "enabled"
		if t.RLSEnabled {
			d.TablesWithRLS++
		} else {
			d.TablesWithoutRLS++
			sev, state = domain.SeverityWarning, "disabled"
		}
		env.Log(ctx, fmt.Sprintf("Table %s: RLS %s", t.Name, state), sev, map[string]any{
			"table_name":  t.Name,
			"has_rls":     t.RLSEnabled,
			"force_rls":   t.ForceRLS,
			"description": t.Description,
			"policies":    t.Policies,
		})
		for _, p := range t.Policies {
			env.Log(ctx, fmt.Sprintf("Policy %q on table %s", p.Name, t.Name), domain.SeverityInfo, map[string]any{
				"policy_name": p.Name,
				"command":     p.Command,
				"roles":       p.Roles,
				"expression":  p.Expression,
			})
		}
	}
	d.CompliancePercentage = domain.Percentage(d.TablesWithRLS, d.TotalTables)

	return domain.Outcome{Passed: d.TablesWithoutRLS == 0, Details: d}, nil
}

func publicTables(ctx context.Context, db domain.SQLConn) ([]domain.RLSTable, error) {
	rows, err := db.QueryContext(ctx, qPublicTables)
	if err != nil {
		return nil, fmt.Errorf("list public tables: %w", err)
	}
	defer rows.Close()

	out := []domain.RLSTable{}
	for rows.Next() {
		var (
			t    domain.RLSTable
			desc sql.NullString
		)
		if err := rows.Scan(&t.Name, &t.RLSEnabled, &t.ForceRLS, &desc); err != nil {
			return nil, fmt.Errorf("scan table row: %w", err)
		}
		t.Description = desc.String
		t.Policies = []domain.RLSPolicy{}
		out = append(out, t)
	}
	return out, rows.Err()
}

func tablePolicies(ctx context.Context, db domain.SQLConn, table string) ([]domain.RLSPolicy, error) {
	rows, err := db.QueryContext(ctx, qTablePolicies, table)
	if err != nil {
		return nil, fmt.Errorf("list policies for %s: %w", table, err)
	}
	defer rows.Close()

	out := []domain.RLSPolicy{}
	for rows.Next() {
		var (
			p     domain.RLSPolicy
			roles pq.StringArray
			qual  sql.NullString
		)
		if err := rows.Scan(&p.Name, &p.Command, &roles, &qual); err != nil {
			return nil, fmt.Errorf("scan policy row: %w", err)
		}
		p.Roles = []string(roles)
		p.Expression = qual.String
		out = append(out, p)
	}
	return out, rows.Err()
}
