// Package target connects to the Supabase projects under assessment: their
// Postgres database over lib/pq and their GoTrue admin API over HTTP.
package target

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
)

const defaultPingTimeout = 10 * time.Second

// Provisioner implements domain.Provisioner from stored project rows.
type Provisioner struct {
	Projects domain.ProjectRepository
	HTTP     *http.Client
	// MaxConns caps concurrently held SQL connections per project.
	MaxConns int
	// OpenDB opens a target database. Defaults to lib/pq.
	OpenDB func(ctx context.Context, dsn string) (*sql.DB, error)

	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewProvisioner(projects domain.ProjectRepository, timeout time.Duration, maxConns int) *Provisioner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Provisioner{
		Projects: projects,
		HTTP:     &http.Client{Timeout: timeout},
		MaxConns: maxConns,
	}
}

func openPostgres(_ context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

func (p *Provisioner) project(ctx context.Context, projectID string) (*domain.Project, error) {
	proj, err := p.Projects.Get(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", projectID, err)
	}
	return proj, nil
}

// SQL opens a dedicated connection to the project's database. The returned
// TargetDB owns both the connection and its pool.
func (p *Provisioner) SQL(ctx context.Context, projectID string) (domain.TargetDB, error) {
	proj, err := p.project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	dsn := strings.TrimSpace(proj.ExternalSQLDSN)
	if dsn == "" {
		return nil, &domain.ConnectionError{Target: "sql", Err: errors.New("project has no database connection string")}
	}

	release, err := p.acquire(ctx, projectID)
	if err != nil {
		return nil, &domain.ConnectionError{Target: "sql", Err: err}
	}

	open := p.OpenDB
	if open == nil {
		open = openPostgres
	}
	db, err := open(ctx, dsn)
	if err != nil {
		release()
		return nil, &domain.ConnectionError{Target: "sql", Err: fmt.Errorf("open: %w", redact(err, dsn))}
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		release()
		return nil, &domain.ConnectionError{Target: "sql", Err: fmt.Errorf("ping: %w", redact(err, dsn))}
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		release()
		return nil, &domain.ConnectionError{Target: "sql", Err: fmt.Errorf("acquire connection: %w", err)}
	}

	log.Debug().Str("project_id", projectID).Msg("target database connected")
	return &targetConn{Conn: conn, db: db, release: release}, nil
}

// AuthAdmin builds an admin client for the project's auth service.
func (p *Provisioner) AuthAdmin(ctx context.Context, projectID string) (domain.AuthAdmin, error) {
	proj, err := p.project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if proj.ExternalAPIURL == "" || proj.ExternalAPIKey == "" {
		return nil, &domain.ConnectionError{Target: "auth", Err: errors.New("project has no API URL or service key")}
	}
	return NewAuthClient(proj.ExternalAPIURL, proj.ExternalAPIKey, p.HTTP)
}

// acquire reserves one of the project's connection slots.
func (p *Provisioner) acquire(ctx context.Context, projectID string) (func(), error) {
	if p.MaxConns <= 0 {
		return func() {}, nil
	}
	p.mu.Lock()
	if p.slots == nil {
		p.slots = make(map[string]chan struct{})
	}
	sem, ok := p.slots[projectID]
	if !ok {
		sem = make(chan struct{}, p.MaxConns)
		p.slots[projectID] = sem
	}
	p.mu.Unlock()

	select {
	case sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-sem }) }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for connection slot: %w", ctx.Err())
	}
}

// targetConn is a single *sql.Conn plus the pool it was taken from.
type targetConn struct {
	*sql.Conn
	db      *sql.DB
	release func()
}

func (c *targetConn) Close() error {
	defer c.release()
	return errors.Join(c.Conn.Close(), c.db.Close())
}

// redact keeps passwords in DSNs out of error messages.
func redact(err error, dsn string) error {
	msg := err.Error()
	if !strings.Contains(msg, dsn) {
		return err
	}
	return errors.New(strings.ReplaceAll(msg, dsn, "[dsn]"))
}
