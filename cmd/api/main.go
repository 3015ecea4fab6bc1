package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bryanwahyu/supabase-compliance/internal/config"
	"github.com/bryanwahyu/supabase-compliance/internal/infra/httpserver"
	"github.com/bryanwahyu/supabase-compliance/internal/logging"
	"github.com/bryanwahyu/supabase-compliance/internal/middleware"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "compliance",
		Short:         "Supabase compliance scanner and auto-fix API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default $CONFIG_PATH or ./config.yaml)")

	root.AddCommand(serveCmd(), migrateCmd(), scanCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// setup loads config, initializes logging and opens the store.
func setup(ctx context.Context, component string) (*config.Config, *repos, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("config load: %w", err)
	}
	logging.Init(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level, Component: component})

	r, err := openRepos(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, r, nil
}

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the stale scan sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, r, err := setup(ctx, "api")
			if err != nil {
				return err
			}
			defer r.close()

			if migrate {
				if err := r.migrate(ctx); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
			}

			a, err := buildApp(ctx, cfg, r)
			if err != nil {
				return err
			}
			return serve(ctx, a)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the schema before serving")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	limiter := middleware.NewRateLimiter(cfg.Server.RateLimit.Capacity, cfg.Server.RateLimit.Refill, ctx.Done())

	handler := httpserver.NewRouter(httpserver.Deps{
		Projects:    a.projects,
		Scans:       a.scans,
		AutoFix:     a.autofix,
		Reports:     a.reports,
		AI:          a.ai,
		Checks:      a.repos.Checks,
		Evidence:    a.repos.Evidence,
		Broker:      a.broker,
		Registry:    a.registry,
		SyncScans:   cfg.Scan.Mode == "sync",
		APIKeys:     cfg.Server.APIKeys,
		CORSOrigins: cfg.Server.CORSOrigins,
		Limiter:     limiter,
		Health:      a.health,
	})
	if len(cfg.Server.APIKeys) == 0 {
		log.Warn().Msg("no api keys configured, every /v1 request will be rejected")
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// synchronous scans and auto-fix calls hold the response open
		WriteTimeout: cfg.Scan.CheckTimeout*3 + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server...")

		// graceful shutdown
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Error().Err(err).Msg("shutdown error")
		}
		// let background scans record their outcome
		a.scans.Wait()
		return nil
	})
	return g.Wait()
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, r, err := setup(cmd.Context(), "migrate")
			if err != nil {
				return err
			}
			defer r.close()

			if err := r.migrate(cmd.Context()); err != nil {
				return err
			}
			log.Info().Str("driver", cfg.Database.Driver).Msg("schema up to date")
			return nil
		},
	}
}

func scanCmd() *cobra.Command {
	var export bool
	cmd := &cobra.Command{
		Use:   "scan <project-id>",
		Short: "Run a scan synchronously and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, r, err := setup(ctx, "scan")
			if err != nil {
				return err
			}
			defer r.close()

			a, err := buildApp(ctx, cfg, r)
			if err != nil {
				return err
			}
			scan, err := a.scans.Run(ctx, args[0])
			if err != nil {
				return err
			}
			checks, err := a.scans.ListChecks(ctx, scan.ID)
			if err != nil {
				return err
			}

			out := map[string]any{"scan": scan, "checks": checks}
			if export {
				url, err := a.reports.Export(ctx, scan.ID)
				if err != nil {
					return fmt.Errorf("export report: %w", err)
				}
				out["report_url"] = url
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().BoolVar(&export, "export", false, "upload the report after the scan")
	return cmd
}
