package compliance

import (
	"context"
	"database/sql"
	"time"
)

// ProjectRepository port
type ProjectRepository interface {
	Save(ctx context.Context, p *Project) error
	Get(ctx context.Context, id string) (*Project, error)
	UpdateStatus(ctx context.Context, id string, status ProjectStatus, lastScanAt *time.Time) error
}

// ScanRepository port
type ScanRepository interface {
	Create(ctx context.Context, s *Scan) error
	Get(ctx context.Context, id string) (*Scan, error)
	UpdateSummary(ctx context.Context, id string, summary ScanSummary) error
	// Finish moves a running scan to a terminal status. Scans already
	// completed or failed are left untouched and ErrAlreadyFinished is
	// returned.
	Finish(ctx context.Context, id string, status ScanStatus, completedAt time.Time, summary ScanSummary) error
	LatestByProject(ctx context.Context, projectID string, limit int) ([]*Scan, error)
	ListStale(ctx context.Context, startedBefore time.Time) ([]*Scan, error)
}

// CheckRepository port
type CheckRepository interface {
	Create(ctx context.Context, c *Check) error
	Get(ctx context.Context, id string) (*Check, error)
	ListByScan(ctx context.Context, scanID string) ([]*Check, error)
	// UpdateStatus and Complete return ErrAlreadyFinished for a check that
	// is already completed.
	UpdateStatus(ctx context.Context, id string, status CheckStatus) error
	Complete(ctx context.Context, id string, result *bool, details string) error
	// ForceComplete finalizes every unfinished check of a scan with the given
	// result and details, returning how many rows changed.
	ForceComplete(ctx context.Context, scanID string, result *bool, details string) (int64, error)
}

// EvidenceRepository port. Evidence is append-only.
type EvidenceRepository interface {
	Append(ctx context.Context, e *Evidence) error
	ListByCheck(ctx context.Context, checkID string, page, pageSize int) ([]*Evidence, int64, error)
}

// SessionRepository port
type SessionRepository interface {
	// Create and Update return ErrSessionConflict when the check would end up
	// with two open (not_started or in_progress) sessions.
	Create(ctx context.Context, s *AutoFixSession) error
	Get(ctx context.Context, id string) (*AutoFixSession, error)
	LatestByCheck(ctx context.Context, checkID string) (*AutoFixSession, error)
	Update(ctx context.Context, s *AutoFixSession) error
	// Claim moves a non-terminal session to in_progress with the given config.
	// It returns ErrSessionConflict when the stored status is terminal.
	Claim(ctx context.Context, id string, config map[string]any, at time.Time) error
	// Finish records the outcome of an in_progress session. It returns
	// ErrSessionConflict when the session is not in_progress.
	Finish(ctx context.Context, id string, status SessionStatus, result map[string]any, at time.Time) error
	Delete(ctx context.Context, id string) error
}

// SQLConn is the raw SQL channel into a target project. *sql.Conn and
// *sql.DB both satisfy it.
type SQLConn interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// TargetDB is an acquired target connection. Close must always be called.
type TargetDB interface {
	SQLConn
	Close() error
}

// AuthFactor is an enrolled MFA factor.
type AuthFactor struct {
	ID         string `json:"id"`
	FactorType string `json:"factor_type"`
	Status     string `json:"status"`
}

// AuthUser is a user of the target project's auth service.
type AuthUser struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	Factors      []AuthFactor   `json:"factors"`
	UserMetadata map[string]any `json:"user_metadata"`
	CreatedAt    *time.Time     `json:"created_at"`
	LastSignInAt *time.Time     `json:"last_sign_in_at"`
}

// AuthAdmin is the target project's administrative auth API.
type AuthAdmin interface {
	ListUsers(ctx context.Context) ([]AuthUser, error)
	UpdateUserMetadata(ctx context.Context, userID string, metadata map[string]any) error
}

// Provisioner resolves a project's stored connection info into live
// clients. Each call returns a fresh resource owned by the caller.
type Provisioner interface {
	SQL(ctx context.Context, projectID string) (TargetDB, error)
	AuthAdmin(ctx context.Context, projectID string) (AuthAdmin, error)
}

// EvidenceRecorder appends evidence and never reports failure to the caller.
// An empty checkID records unattached evidence.
type EvidenceRecorder interface {
	Record(ctx context.Context, checkID string, content string, severity Severity, metadata any)
}

// ArtifactStore port for exported reports.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}
