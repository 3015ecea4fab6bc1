// Package projects registers target projects and scopes reads to their owner.
package projects

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/bryanwahyu/supabase-compliance/internal/application"
	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
	"github.com/bryanwahyu/supabase-compliance/internal/middleware"
)

type Service struct {
	Projects domain.ProjectRepository
	Clock    application.Clock
}

// CreateCommand is the input of Create. A nil EnabledChecks enables all.
type CreateCommand struct {
	Name           string                `json:"name"`
	ExternalAPIURL string                `json:"external_api_url"`
	ExternalAPIKey string                `json:"external_api_key"`
	ExternalSQLDSN string                `json:"external_sql_dsn"`
	EnabledChecks  *domain.EnabledChecks `json:"enabled_checks"`
}

func (s *Service) Create(ctx context.Context, owner string, cmd CreateCommand) (*domain.Project, error) {
	if err := middleware.ValidateOwnerID(owner); err != nil {
		return nil, domain.Invalid("owner_id", err.Error())
	}
	name := middleware.SanitizeString(cmd.Name)
	if name == "" {
		return nil, domain.Invalid("name", "Project name is required")
	}
	enabled := domain.EnabledChecks{MFA: true, RLS: true, PITR: true}
	if cmd.EnabledChecks != nil {
		enabled = *cmd.EnabledChecks
	}
	if len(enabled.Types()) == 0 {
		return nil, domain.Invalid("enabled_checks", "At least one check must be enabled")
	}
	if cmd.ExternalAPIURL != "" {
		if err := middleware.ValidateURL(cmd.ExternalAPIURL); err != nil {
			return nil, domain.Invalid("external_api_url", err.Error())
		}
	}
	if cmd.ExternalSQLDSN != "" {
		if err := middleware.ValidateDSN(cmd.ExternalSQLDSN); err != nil {
			return nil, domain.Invalid("external_sql_dsn", err.Error())
		}
	}

	p := &domain.Project{
		ID:             uuid.NewString(),
		OwnerID:        owner,
		Name:           name,
		ExternalAPIURL: strings.TrimRight(strings.TrimSpace(cmd.ExternalAPIURL), "/"),
		ExternalAPIKey: strings.TrimSpace(cmd.ExternalAPIKey),
		ExternalSQLDSN: strings.TrimSpace(cmd.ExternalSQLDSN),
		EnabledChecks:  enabled,
		Status:         domain.ProjectActive,
		CreatedAt:      s.Clock.Now().UTC(),
	}
	if err := s.Projects.Save(ctx, p); err != nil {
		return nil, fmt.Errorf("save project: %w", err)
	}
	return p, nil
}

// Get returns the project when it belongs to owner. Another owner's
// project reads as not found.
func (s *Service) Get(ctx context.Context, owner, id string) (*domain.Project, error) {
	p, err := s.Projects.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if owner != "" && p.OwnerID != owner {
		return nil, domain.ErrNotFound
	}
	return p, nil
}
