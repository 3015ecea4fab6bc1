package checks

import (
	"context"
	"errors"
	"fmt"

	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
)

// MFAChecker passes when every auth user has at least one enrolled factor.
type MFAChecker struct{}

func (MFAChecker) Evaluate(ctx context.Context, env domain.CheckEnv) (domain.Outcome, error) {
	if env.Auth == nil {
		return domain.Outcome{}, &domain.ConnectionError{Target: "auth", Err: errors.New("auth admin client not provisioned")}
	}

	users, err := env.Auth.ListUsers(ctx)
	if err != nil {
		env.Log(ctx, fmt.Sprintf("Error retrieving users: %v", err), domain.SeverityError,
			map[string]any{"error": err.Error()})
		return domain.Outcome{}, fmt.Errorf("list users: %w", err)
	}
	env.Log(ctx, fmt.Sprintf("Retrieved %d users from Supabase Auth", len(users)), domain.SeverityInfo,
		map[string]any{"total_users": len(users)})

	d := domain.MFADetails{
		TotalUsers: len(users),
		Users:      make([]domain.MFAUser, 0, len(users)),
	}
	for _, u := range users {
		factors := make([]string, 0, len(u.Factors))
		for _, f := range u.Factors {
			factors = append(factors, f.FactorType)
		}
		enabled := len(u.Factors) > 0
		if enabled {
			d.UsersWithMFA++
		} else {
			d.UsersWithoutMFA++
		}
		d.Users = append(d.Users, domain.MFAUser{
			ID:         u.ID,
			Email:      u.Email,
			MFAEnabled: enabled,
			MFAFactors: factors,
		})

		sev, state := domain.SeverityInfo, "enabled"
		if !enabled {
			sev, state = domain.SeverityWarning, "disabled"
		}
		env.Log(ctx, fmt.Sprintf("User %s: MFA %s", u.Email, state), sev, map[string]any{
			"user_id":      u.ID,
			"email":        u.Email,
			"mfa_status":   enabled,
			"mfa_factors":  factors,
			"created_at":   u.CreatedAt,
			"last_sign_in": u.LastSignInAt,
		})
	}
	d.CompliancePercentage = domain.Percentage(d.UsersWithMFA, d.TotalUsers)

	return domain.Outcome{Passed: d.UsersWithoutMFA == 0, Details: d}, nil
}
