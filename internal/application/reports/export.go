// Package reports exports a scan, its checks and their evidence as a single
// JSON document to the artifact store.
package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bryanwahyu/supabase-compliance/internal/application"
	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
)

// ErrDisabled is returned when no artifact store is configured.
var ErrDisabled = errors.New("report export is not configured")

const evidencePageSize = 200

type Service struct {
	Scans    domain.ScanRepository
	Checks   domain.CheckRepository
	Evidence domain.EvidenceRepository
	Registry *domain.Registry
	Store    domain.ArtifactStore
	Clock    application.Clock
}

// Report is the exported document.
type Report struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Scan        *domain.Scan  `json:"scan"`
	Checks      []CheckReport `json:"checks"`
}

type CheckReport struct {
	ID        string             `json:"id"`
	Type      domain.CheckType   `json:"type"`
	Title     string             `json:"title"`
	Status    domain.CheckStatus `json:"status"`
	Result    *bool              `json:"result"`
	Details   any                `json:"details"`
	Evidence  []*domain.Evidence `json:"evidence"`
	Timestamp time.Time          `json:"timestamp"`
}

// Build assembles the report without uploading it.
func (s *Service) Build(ctx context.Context, scanID string) (*Report, error) {
	scan, err := s.Scans.Get(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if scan.Status == domain.ScanRunning {
		return nil, domain.Invalid("scan_id", "Scan is still running")
	}
	rows, err := s.Checks.ListByScan(ctx, scanID)
	if err != nil {
		return nil, fmt.Errorf("list checks: %w", err)
	}

	rep := &Report{GeneratedAt: s.Clock.Now().UTC(), Scan: scan, Checks: make([]CheckReport, 0, len(rows))}
	for _, c := range rows {
		details, err := s.Registry.DecodeDetails(c.Type, c.Details)
		if err != nil {
			// keep the raw payload rather than dropping the check
			log.Warn().Err(err).Str("check_id", c.ID).Msg("decode check details")
			details = c.Details
		}
		ev, err := s.allEvidence(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("evidence for %s: %w", c.ID, err)
		}
		rep.Checks = append(rep.Checks, CheckReport{
			ID:        c.ID,
			Type:      c.Type,
			Title:     s.Registry.Title(c.Type),
			Status:    c.Status,
			Result:    c.Result,
			Details:   details,
			Evidence:  ev,
			Timestamp: c.Timestamp,
		})
	}
	return rep, nil
}

// Export uploads the report and returns its download URL.
func (s *Service) Export(ctx context.Context, scanID string) (string, error) {
	if s.Store == nil {
		return "", ErrDisabled
	}
	rep, err := s.Build(ctx, scanID)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	key := Key(rep.Scan)
	url, err := s.Store.Put(ctx, key, data, "application/json")
	if err != nil {
		return "", fmt.Errorf("upload report: %w", err)
	}
	log.Info().Str("scan_id", scanID).Str("key", key).Int("bytes", len(data)).Msg("report uploaded")
	return url, nil
}

// Key is the object key of a scan's report.
func Key(scan *domain.Scan) string {
	return fmt.Sprintf("reports/%s/%s/scan-%s.json", scan.ProjectID, scan.StartedAt.UTC().Format("2006-01-02"), scan.ID)
}

func (s *Service) allEvidence(ctx context.Context, checkID string) ([]*domain.Evidence, error) {
	out := []*domain.Evidence{}
	for page := 1; ; page++ {
		rows, total, err := s.Evidence.ListByCheck(ctx, checkID, page, evidencePageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
		if len(rows) < evidencePageSize || int64(len(out)) >= total {
			return out, nil
		}
	}
}
