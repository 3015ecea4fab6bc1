package scans

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/bryanwahyu/supabase-compliance/internal/application"
	"github.com/bryanwahyu/supabase-compliance/internal/application/checks"
	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
	"github.com/bryanwahyu/supabase-compliance/internal/middleware"
)

// Exporter publishes a finished scan's report. Optional.
type Exporter interface {
	Export(ctx context.Context, scanID string) (string, error)
}

// Service implements use-cases untuk Scan: start (fire-and-forget), run
// (synchronous) and reads. Safe for concurrent use.
type Service struct {
	Projects    domain.ProjectRepository
	Scans       domain.ScanRepository
	Checks      domain.CheckRepository
	Engine      *checks.Engine
	Provisioner domain.Provisioner
	Evidence    domain.EvidenceRecorder
	Clock       application.Clock

	// Reports, when set with AutoExport, receives every completed scan.
	Reports    Exporter
	AutoExport bool

	wg sync.WaitGroup
}

//
// ==== USE CASES ====
//

// Start creates the scan and its checks, then runs the battery in the
// background. The returned scan is still running.
func (s *Service) Start(ctx context.Context, projectID string) (*domain.Scan, error) {
	p, scan, pending, err := s.prepare(ctx, projectID)
	if err != nil {
		return nil, err
	}

	// detach supaya request yang selesai tidak meng-cancel scan
	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(bg, p, scan, pending)
	}()
	return scan, nil
}

// Run executes a scan to completion and returns its final state.
func (s *Service) Run(ctx context.Context, projectID string) (*domain.Scan, error) {
	p, scan, pending, err := s.prepare(ctx, projectID)
	if err != nil {
		return nil, err
	}
	// a scan runs to completion or failure even if the caller goes away
	ctx = context.WithoutCancel(ctx)
	s.execute(ctx, p, scan, pending)
	return s.Scans.Get(ctx, scan.ID)
}

// Wait blocks until every background scan started by Start has finished.
func (s *Service) Wait() { s.wg.Wait() }

// Get returns a scan by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Scan, error) {
	return s.Scans.Get(ctx, id)
}

// ListChecks returns a scan's checks in execution order.
func (s *Service) ListChecks(ctx context.Context, scanID string) ([]*domain.Check, error) {
	if _, err := s.Scans.Get(ctx, scanID); err != nil {
		return nil, err
	}
	return s.Checks.ListByScan(ctx, scanID)
}

// Latest returns the most recent scans of a project.
func (s *Service) Latest(ctx context.Context, projectID string, limit int) ([]*domain.Scan, error) {
	if _, err := s.Projects.Get(ctx, projectID); err != nil {
		return nil, err
	}
	return s.Scans.LatestByProject(ctx, projectID, limit)
}

// prepare validates the project and persists the scan with one pending
// check per enabled type.
func (s *Service) prepare(ctx context.Context, projectID string) (*domain.Project, *domain.Scan, []*domain.Check, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, nil, nil, domain.Invalid("project_id", "Project ID is required")
	}
	p, err := s.Projects.Get(ctx, projectID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load project %s: %w", projectID, err)
	}
	if err := ValidateProject(p); err != nil {
		return nil, nil, nil, err
	}

	now := s.Clock.Now().UTC()
	scan := &domain.Scan{
		ID:        uuid.NewString(),
		ProjectID: p.ID,
		Status:    domain.ScanRunning,
		StartedAt: now,
	}
	if err := s.Scans.Create(ctx, scan); err != nil {
		return nil, nil, nil, fmt.Errorf("create scan: %w", err)
	}
	if err := s.Projects.UpdateStatus(ctx, p.ID, domain.ProjectRunning, &now); err != nil {
		return nil, nil, nil, fmt.Errorf("mark project running: %w", err)
	}

	types := p.EnabledChecks.Types()
	pending := make([]*domain.Check, 0, len(types))
	for _, t := range types {
		c := &domain.Check{
			ID:        uuid.NewString(),
			ProjectID: p.ID,
			ScanID:    scan.ID,
			Type:      t,
			Status:    domain.CheckPending,
			Details: domain.EncodeDetails(domain.NoteDetails{
				Message: fmt.Sprintf("Starting %s compliance check...", s.Engine.Registry.Title(t)),
			}),
			Timestamp: now,
		}
		if err := s.Checks.Create(ctx, c); err != nil {
			err = fmt.Errorf("create %s check: %w", t, err)
			s.fail(context.WithoutCancel(ctx), p.ID, scan.ID, err.Error())
			return nil, nil, nil, err
		}
		pending = append(pending, c)
	}

	scan.Summary = domain.ScanSummary{TotalChecks: len(pending)}
	if err := s.Scans.UpdateSummary(ctx, scan.ID, scan.Summary); err != nil {
		log.Warn().Err(err).Str("scan_id", scan.ID).Msg("update initial scan summary")
	}

	middleware.IncrementScans()
	log.Info().Str("project_id", p.ID).Str("scan_id", scan.ID).Int("checks", len(pending)).Msg("scan created")
	return p, scan, pending, nil
}

// ValidateProject checks the connection fields the enabled checks need.
func ValidateProject(p *domain.Project) error {
	var needSQL, needAuth bool
	for _, t := range p.EnabledChecks.Types() {
		switch t {
		case domain.CheckMFA:
			needAuth = true
		case domain.CheckRLS, domain.CheckPITR:
			needSQL = true
		}
	}
	if needAuth && (p.ExternalAPIURL == "" || p.ExternalAPIKey == "") {
		return domain.Invalid("project", "Project is missing required properties: external API URL and key")
	}
	if needSQL && p.ExternalSQLDSN == "" {
		return domain.Invalid("project", "Project is missing required properties: database connection string")
	}
	return nil
}

// execute runs the checks sequentially over one shared SQL connection and
// finalizes the scan. It never returns an error: failures end in a failed
// scan.
func (s *Service) execute(ctx context.Context, p *domain.Project, scan *domain.Scan, pending []*domain.Check) {
	middleware.IncrementScansRunning()
	defer middleware.DecrementScansRunning()

	logger := log.With().Str("project_id", p.ID).Str("scan_id", scan.ID).Logger()

	env := domain.CheckEnv{ProjectID: p.ID, ScanID: scan.ID}
	needs := neededConnections(pending)

	if needs.sql {
		db, err := s.Provisioner.SQL(ctx, p.ID)
		if err != nil {
			s.Evidence.Record(ctx, "", "Failed to connect to PostgreSQL database", domain.SeverityError,
				map[string]any{"error": err.Error(), "scan_id": scan.ID})
			s.fail(ctx, p.ID, scan.ID, "Database connection failed")
			return
		}
		defer func() {
			if cerr := db.Close(); cerr != nil {
				logger.Warn().Err(cerr).Msg("close target connection")
			}
		}()
		env.SQL = db
	}
	if needs.auth {
		auth, err := s.Provisioner.AuthAdmin(ctx, p.ID)
		if err != nil {
			s.Evidence.Record(ctx, "", "Failed to initialize auth admin client", domain.SeverityError,
				map[string]any{"error": err.Error(), "scan_id": scan.ID})
			s.fail(ctx, p.ID, scan.ID, "Auth API connection failed")
			return
		}
		env.Auth = auth
	}

	for _, c := range pending {
		if _, err := s.Engine.Run(ctx, c, env); err != nil {
			if errors.Is(err, domain.ErrAlreadyFinished) {
				logger.Warn().Str("check_type", string(c.Type)).Msg("scan was finalized elsewhere, abandoning run")
				return
			}
			// continue with next check even if one fails
			logger.Error().Err(err).Str("check_type", string(c.Type)).Msg("check run failed")
			s.Evidence.Record(ctx, "", fmt.Sprintf("Error running %s check: %v", c.Type, err), domain.SeverityError,
				map[string]any{"error": err.Error(), "scan_id": scan.ID})
		}
	}

	if err := s.finalize(ctx, p.ID, scan.ID); err != nil {
		if errors.Is(err, domain.ErrAlreadyFinished) {
			logger.Warn().Msg("scan was finalized elsewhere, keeping its outcome")
			return
		}
		logger.Error().Err(err).Msg("finalize scan")
		s.fail(ctx, p.ID, scan.ID, err.Error())
		return
	}
	logger.Info().Msg("scan completed")

	if s.AutoExport && s.Reports != nil {
		if url, err := s.Reports.Export(ctx, scan.ID); err != nil {
			logger.Warn().Err(err).Msg("auto export report")
		} else {
			logger.Info().Str("url", url).Msg("report exported")
		}
	}
}

func (s *Service) finalize(ctx context.Context, projectID, scanID string) error {
	rows, err := s.Checks.ListByScan(ctx, scanID)
	if err != nil {
		return fmt.Errorf("list checks: %w", err)
	}
	// a check row left unfinished here means its own update failed
	for _, c := range rows {
		if c.Status != domain.CheckCompleted {
			return fmt.Errorf("check %s left in %s", c.ID, c.Status)
		}
	}

	now := s.Clock.Now().UTC()
	if err := s.Scans.Finish(ctx, scanID, domain.ScanCompleted, now, domain.Summarize(rows)); err != nil {
		return fmt.Errorf("finish scan: %w", err)
	}
	if err := s.Projects.UpdateStatus(ctx, projectID, domain.ProjectCompleted, &now); err != nil {
		return fmt.Errorf("mark project completed: %w", err)
	}
	middleware.ScanFinished(string(domain.ScanCompleted))
	return nil
}

// fail marks scan and project failed and forces unfinished checks to a
// false result so none is left dangling.
func (s *Service) fail(ctx context.Context, projectID, scanID, reason string) {
	failScan(ctx, s.Scans, s.Checks, s.Projects, s.Clock, projectID, scanID, reason)
}

func failScan(ctx context.Context, scans domain.ScanRepository, checkRepo domain.CheckRepository, projects domain.ProjectRepository,
	clock application.Clock, projectID, scanID, reason string) {
	logger := log.With().Str("project_id", projectID).Str("scan_id", scanID).Logger()

	detail := domain.EncodeDetails(domain.ErrorDetails{Error: reason})
	if n, err := checkRepo.ForceComplete(ctx, scanID, domain.BoolPtr(false), detail); err != nil {
		logger.Error().Err(err).Msg("force complete checks")
	} else if n > 0 {
		logger.Warn().Int64("checks", n).Msg("forced unfinished checks to completed")
	}

	summary := domain.ScanSummary{}
	if rows, err := checkRepo.ListByScan(ctx, scanID); err == nil {
		summary = domain.Summarize(rows)
	}
	summary.Error = reason

	now := clock.Now().UTC()
	if err := scans.Finish(ctx, scanID, domain.ScanFailed, now, summary); err != nil {
		if errors.Is(err, domain.ErrAlreadyFinished) {
			// the other writer already set the project status
			logger.Warn().Str("reason", reason).Msg("scan already finished, not failing it")
			return
		}
		logger.Error().Err(err).Msg("mark scan failed")
	}
	if err := projects.UpdateStatus(ctx, projectID, domain.ProjectFailed, &now); err != nil {
		logger.Error().Err(err).Msg("mark project failed")
	}
	middleware.ScanFinished(string(domain.ScanFailed))
	logger.Error().Str("reason", reason).Msg("scan failed")
}

type connNeeds struct{ sql, auth bool }

func neededConnections(pending []*domain.Check) connNeeds {
	var n connNeeds
	for _, c := range pending {
		switch c.Type {
		case domain.CheckMFA:
			n.auth = true
		case domain.CheckRLS, domain.CheckPITR:
			n.sql = true
		}
	}
	return n
}
