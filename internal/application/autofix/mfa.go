package autofix

import (
	"context"
	"fmt"
	"strings"

	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
)

// MFAFixer marks selected users as mfa_required in their auth metadata.
type MFAFixer struct {
	Provisioner domain.Provisioner
	Evidence    domain.EvidenceRecorder
}

func decodeMFAConfig(raw map[string]any) (domain.MFAFixConfig, error) {
	var cfg domain.MFAFixConfig
	if err := domain.DecodeConfig(raw, &cfg); err != nil {
		return cfg, err
	}
	if cfg.SelectionType == "" {
		cfg.SelectionType = "id"
	}
	if cfg.SelectionType != "id" && cfg.SelectionType != "email" {
		return cfg, domain.Invalid("selection_type", "must be id or email")
	}
	if len(cfg.SelectedUsers) == 0 {
		return cfg, domain.Invalid("selected_users", "No users specified for MFA enablement")
	}
	return cfg, nil
}

// Validate checks the config without touching the target.
func (f *MFAFixer) Validate(raw map[string]any) error {
	_, err := decodeMFAConfig(raw)
	return err
}

func (f *MFAFixer) Fix(ctx context.Context, req domain.FixRequest) domain.FixResult {
	tr := trail{rec: f.Evidence, checkID: req.CheckID, projectID: req.ProjectID}

	cfg, err := decodeMFAConfig(req.Config)
	if err != nil {
		tr.event(ctx, "mfa_technical_validation", "MFA enablement missing required input", domain.SeverityError,
			map[string]any{"validation_error": err.Error(), "selection_type": cfg.SelectionType, "user_count": len(cfg.SelectedUsers)})
		return domain.FixResult{Success: false, Error: err.Error(), FixPhase: domain.PhaseUserLevel}
	}

	connFailed := func(err error) domain.FixResult {
		tr.event(ctx, "mfa_technical_connection_error", "MFA enablement encountered an auth API connection error", domain.SeverityError,
			map[string]any{"error_type": "connection_failure", "error_message": err.Error()})
		return domain.FixResult{Success: false, Error: err.Error(), FixPhase: domain.PhaseUserLevel}
	}

	auth, err := f.Provisioner.AuthAdmin(ctx, req.ProjectID)
	if err != nil {
		return connFailed(err)
	}
	users, err := auth.ListUsers(ctx)
	if err != nil {
		return connFailed(fmt.Errorf("list users: %w", err))
	}

	tr.event(ctx, "mfa_technical_operation_started", "Beginning MFA enablement operations", domain.SeverityInfo,
		map[string]any{"user_count": len(cfg.SelectedUsers), "selection_type": cfg.SelectionType})

	byKey := make(map[string]domain.AuthUser, len(users))
	for _, u := range users {
		if cfg.SelectionType == "email" {
			byKey[strings.ToLower(u.Email)] = u
		} else {
			byKey[u.ID] = u
		}
	}

	items := make([]domain.FixItem, 0, len(cfg.SelectedUsers))
	success := 0
	for _, ident := range cfg.SelectedUsers {
		key := ident
		if cfg.SelectionType == "email" {
			key = strings.ToLower(ident)
		}
		u, ok := byKey[key]
		if !ok {
			tr.event(ctx, "mfa_technical_user_lookup", "Technical lookup failed for user identifier", domain.SeverityError,
				map[string]any{"lookup_field": cfg.SelectionType, "identifier_value": ident, "result": "not_found"})
			items = append(items, domain.FixItem{
				Identifier: ident,
				Success:    false,
				Error:      fmt.Sprintf("User with %s '%s' not found", cfg.SelectionType, ident),
			})
			continue
		}

		meta := domain.MergeConfig(u.UserMetadata, map[string]any{"mfa_required": true})
		if err := auth.UpdateUserMetadata(ctx, u.ID, meta); err != nil {
			tr.event(ctx, "mfa_technical_update_error", "Technical error updating user MFA setting", domain.SeverityError,
				map[string]any{"identifier": ident, "user_email": u.Email, "error_type": "metadata_update_failure", "error_message": err.Error()})
			items = append(items, domain.FixItem{Identifier: ident, UserID: u.ID, Email: u.Email, Success: false, Error: err.Error()})
			continue
		}

		tr.event(ctx, "mfa_technical_user_update", "Technical update for user MFA setting", domain.SeverityInfo,
			map[string]any{"user_id": u.ID, "user_email": u.Email, "update_type": "metadata_update",
				"field_changed": "mfa_required", "new_value": true, "result": "success"})
		items = append(items, domain.FixItem{Identifier: ident, UserID: u.ID, Email: u.Email, Success: true})
		success++
	}

	total := len(cfg.SelectedUsers)
	tr.event(ctx, "mfa_technical_operation_completed", "MFA operation technical summary", domain.SeverityInfo,
		map[string]any{"total_users": total, "successful_updates": success, "failed_updates": total - success,
			"operation_status": operationStatus(success, total)})

	res := domain.FixResult{
		Success:  success > 0,
		Message:  fmt.Sprintf("Successfully enabled MFA for %d of %d users.", success, total),
		FixPhase: domain.PhaseUserLevel,
		Details:  items,
	}
	if success == 0 {
		res.Error = "Failed to enable MFA for any users"
	}
	return res
}
