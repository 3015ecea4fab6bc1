package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bryanwahyu/supabase-compliance/internal/application"
	appai "github.com/bryanwahyu/supabase-compliance/internal/application/ai"
	"github.com/bryanwahyu/supabase-compliance/internal/application/autofix"
	"github.com/bryanwahyu/supabase-compliance/internal/application/checks"
	"github.com/bryanwahyu/supabase-compliance/internal/application/evidence"
	"github.com/bryanwahyu/supabase-compliance/internal/application/projects"
	"github.com/bryanwahyu/supabase-compliance/internal/application/registry"
	"github.com/bryanwahyu/supabase-compliance/internal/application/reports"
	appscans "github.com/bryanwahyu/supabase-compliance/internal/application/scans"
	"github.com/bryanwahyu/supabase-compliance/internal/config"
	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
	"github.com/bryanwahyu/supabase-compliance/internal/infra/ai/openai"
	"github.com/bryanwahyu/supabase-compliance/internal/infra/db/memory"
	mysqlp "github.com/bryanwahyu/supabase-compliance/internal/infra/db/mysql"
	"github.com/bryanwahyu/supabase-compliance/internal/infra/db/postgres"
	minioStore "github.com/bryanwahyu/supabase-compliance/internal/infra/storage"
	"github.com/bryanwahyu/supabase-compliance/internal/infra/target"
	"github.com/bryanwahyu/supabase-compliance/internal/middleware"
)

// repos is the persistence layer selected by database.driver.
type repos struct {
	Projects domain.ProjectRepository
	Scans    domain.ScanRepository
	Checks   domain.CheckRepository
	Evidence domain.EvidenceRepository
	Sessions domain.SessionRepository

	pinger  middleware.Pinger
	migrate func(context.Context) error
	close   func() error
}

func openRepos(ctx context.Context, cfg *config.Config) (*repos, error) {
	switch cfg.Database.Driver {
	case "memory":
		log.Warn().Msg("using in-memory store, data is lost on exit")
		m := memory.New()
		return &repos{
			Projects: m.Projects(),
			Scans:    m.Scans(),
			Checks:   m.Checks(),
			Evidence: m.Evidence(),
			Sessions: m.Sessions(),
			pinger:   m,
			migrate:  func(context.Context) error { return nil },
			close:    func() error { return nil },
		}, nil

	case "mysql":
		db, err := mysqlp.Connect(ctx, cfg.MySQLDSN())
		if err != nil {
			return nil, fmt.Errorf("mysql connect: %w", err)
		}
		return &repos{
			Projects: mysqlp.NewProjectRepository(db),
			Scans:    mysqlp.NewScanRepository(db),
			Checks:   mysqlp.NewCheckRepository(db),
			Evidence: mysqlp.NewEvidenceRepository(db),
			Sessions: mysqlp.NewSessionRepository(db),
			pinger:   db,
			migrate:  func(ctx context.Context) error { return mysqlp.Migrate(ctx, db) },
			close:    db.Close,
		}, nil

	default:
		db, err := postgres.Connect(ctx, cfg.PostgresDSN())
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		return newPostgresRepos(db), nil
	}
}

func newPostgresRepos(db *sql.DB) *repos {
	return &repos{
		Projects: postgres.NewProjectRepository(db),
		Scans:    postgres.NewScanRepository(db),
		Checks:   postgres.NewCheckRepository(db),
		Evidence: postgres.NewEvidenceRepository(db),
		Sessions: postgres.NewSessionRepository(db),
		pinger:   db,
		migrate:  func(ctx context.Context) error { return postgres.Migrate(ctx, db) },
		close:    db.Close,
	}
}

// app holds every wired service.
type app struct {
	cfg      *config.Config
	repos    *repos
	broker   *evidence.Broker
	registry *domain.Registry

	projects *projects.Service
	scans    *appscans.Service
	autofix  *autofix.Service
	reports  *reports.Service
	ai       *appai.Service
	sweeper  *appscans.Sweeper

	health map[string]middleware.HealthChecker
}

func buildApp(ctx context.Context, cfg *config.Config, r *repos) (*app, error) {
	clock := application.SystemClock{}
	broker := evidence.NewBroker()
	rec := evidence.NewRecorder(r.Evidence, clock, broker)
	prov := target.NewProvisioner(r.Projects, cfg.Target.HTTPTimeout, cfg.Target.MaxConnsPerProject)
	reg := registry.Default(prov, rec)

	a := &app{
		cfg:      cfg,
		repos:    r,
		broker:   broker,
		registry: reg,
		projects: &projects.Service{Projects: r.Projects, Clock: clock},
		autofix:  autofix.NewService(reg, r.Checks, r.Sessions, rec, clock),
		reports: &reports.Service{
			Scans: r.Scans, Checks: r.Checks, Evidence: r.Evidence, Registry: reg, Clock: clock,
		},
		health: map[string]middleware.HealthChecker{
			"database": &middleware.DatabaseHealthChecker{DB: r.pinger},
		},
	}

	if cfg.MinioEnabled() {
		store, err := minioStore.New(ctx, minioStore.Options{
			Endpoint:   cfg.Minio.Endpoint,
			Region:     cfg.Minio.Region,
			Bucket:     cfg.Minio.BucketName,
			AccessKey:  cfg.Minio.AccessKey,
			SecretKey:  cfg.Minio.SecretKey,
			UseSSL:     cfg.Minio.UseSSL,
			PresignTTL: cfg.Minio.PresignTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("minio init: %w", err)
		}
		a.reports.Store = store
		a.health["storage"] = middleware.Optional(middleware.CheckFunc(store.Ping))
		log.Info().Str("endpoint", cfg.Minio.Endpoint).Str("bucket", cfg.Minio.BucketName).Msg("report export enabled")
	}

	if cfg.OpenAIEnabled() {
		client := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.BaseURL)
		a.ai = appai.NewService(client, r.Projects, r.Checks, r.Evidence)
		log.Info().Str("model", cfg.OpenAI.Model).Msg("ai advisor enabled")
	}

	a.scans = &appscans.Service{
		Projects: r.Projects,
		Scans:    r.Scans,
		Checks:   r.Checks,
		Engine: &checks.Engine{
			Registry: reg,
			Checks:   r.Checks,
			Evidence: rec,
			Timeout:  cfg.Scan.CheckTimeout,
		},
		Provisioner: prov,
		Evidence:    rec,
		Clock:       clock,
		AutoExport:  cfg.Scan.AutoExport,
	}
	if a.reports.Store != nil {
		a.scans.Reports = a.reports
	}

	a.sweeper = &appscans.Sweeper{
		Projects:   r.Projects,
		Scans:      r.Scans,
		Checks:     r.Checks,
		Clock:      clock,
		StaleAfter: cfg.Scan.StaleAfter,
		Interval:   cfg.Scan.SweepInterval,
	}
	if cfg.Scan.StaleAfter > 0 {
		a.health["sweeper"] = &middleware.SweeperHealthChecker{
			Sweeper: a.sweeper,
			MaxAge:  3 * sweepInterval(cfg.Scan.SweepInterval),
		}
	}
	return a, nil
}

// sweepInterval mirrors the sweeper's own default.
func sweepInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Minute
	}
	return d
}
