// Package registry is the one place check types are bound to their
// checker, fixer, details schema and human summaries.
package registry

import (
	"github.com/bryanwahyu/supabase-compliance/internal/application/autofix"
	"github.com/bryanwahyu/supabase-compliance/internal/application/checks"
	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
)

// Default builds the registry of the three supported check types.
func Default(prov domain.Provisioner, rec domain.EvidenceRecorder) *domain.Registry {
	return domain.NewRegistry(
		domain.Variant{
			Type:       domain.CheckMFA,
			Title:      "MFA",
			Checker:    checks.MFAChecker{},
			Fixer:      &autofix.MFAFixer{Provisioner: prov, Evidence: rec},
			NewDetails: func() any { return &domain.MFADetails{} },
			Summary: summary(
				"Successfully enforced MFA for users in your Supabase project. ",
				"Failed to enforce MFA: "),
		},
		domain.Variant{
			Type:       domain.CheckRLS,
			Title:      "RLS",
			Checker:    checks.RLSChecker{},
			Fixer:      &autofix.RLSFixer{Provisioner: prov, Evidence: rec},
			NewDetails: func() any { return &domain.RLSDetails{} },
			Summary: summary(
				"Successfully enabled Row Level Security for tables in your Supabase project. ",
				"Failed to enable Row Level Security: "),
		},
		domain.Variant{
			Type:       domain.CheckPITR,
			Title:      "PITR",
			Checker:    checks.PITRChecker{},
			Fixer:      &autofix.PITRFixer{Provisioner: prov, Evidence: rec},
			NewDetails: func() any { return &domain.PITRDetails{} },
			Summary: summary(
				"Successfully enabled Point-in-Time Recovery for your Supabase project. ",
				"Failed to enable Point-in-Time Recovery: "),
		},
	)
}

func summary(ok, failed string) func(domain.FixResult) string {
	return func(r domain.FixResult) string {
		if r.Success {
			return ok + r.Message
		}
		return failed + r.Error
	}
}
