package compliance

import (
	"encoding/json"
	"time"
)

// CheckType is the closed set of compliance properties a scan can evaluate.
type CheckType string

const (
	CheckMFA  CheckType = "mfa"
	CheckRLS  CheckType = "rls"
	CheckPITR CheckType = "pitr"
)

// CheckOrder is the fixed execution order of a scan battery.
var CheckOrder = []CheckType{CheckMFA, CheckRLS, CheckPITR}

func (t CheckType) Valid() bool {
	switch t {
	case CheckMFA, CheckRLS, CheckPITR:
		return true
	}
	return false
}

// ProjectStatus enum
type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectRunning   ProjectStatus = "running"
	ProjectCompleted ProjectStatus = "completed"
	ProjectFailed    ProjectStatus = "failed"
)

// ScanStatus enum
type ScanStatus string

const (
	ScanRunning   ScanStatus = "running"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
)

// CheckStatus enum
type CheckStatus string

const (
	CheckPending   CheckStatus = "pending"
	CheckRunning   CheckStatus = "running"
	CheckCompleted CheckStatus = "completed"
)

// Severity of an evidence row.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

func (s Severity) Valid() bool {
	return s == SeverityInfo || s == SeverityWarning || s == SeverityError
}

// SessionStatus enum
type SessionStatus string

const (
	SessionNotStarted SessionStatus = "not_started"
	SessionInProgress SessionStatus = "in_progress"
	SessionFixed      SessionStatus = "fixed"
	SessionFailed     SessionStatus = "failed"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionNotStarted, SessionInProgress, SessionFixed, SessionFailed:
		return true
	}
	return false
}

// Terminal reports whether no further remediation may run on the session.
func (s SessionStatus) Terminal() bool {
	return s == SessionFixed || s == SessionFailed
}

// EnabledChecks flags which check types run for a project.
type EnabledChecks struct {
	MFA  bool `json:"mfa"`
	RLS  bool `json:"rls"`
	PITR bool `json:"pitr"`
}

func (e EnabledChecks) Enabled(t CheckType) bool {
	switch t {
	case CheckMFA:
		return e.MFA
	case CheckRLS:
		return e.RLS
	case CheckPITR:
		return e.PITR
	}
	return false
}

// Types returns the enabled check types in execution order.
func (e EnabledChecks) Types() []CheckType {
	out := make([]CheckType, 0, len(CheckOrder))
	for _, t := range CheckOrder {
		if e.Enabled(t) {
			out = append(out, t)
		}
	}
	return out
}

// Project is the external Supabase project being assessed.
type Project struct {
	ID             string        `json:"id"`
	OwnerID        string        `json:"owner_id"`
	Name           string        `json:"name"`
	ExternalAPIURL string        `json:"external_api_url"`
	ExternalAPIKey string        `json:"-"`
	ExternalSQLDSN string        `json:"-"`
	EnabledChecks  EnabledChecks `json:"enabled_checks"`
	Status         ProjectStatus `json:"status"`
	LastScanAt     *time.Time    `json:"last_scan_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ScanSummary is recomputed from persisted checks on finalization.
type ScanSummary struct {
	TotalChecks  int    `json:"total_checks"`
	PassedChecks int    `json:"passed_checks"`
	FailedChecks int    `json:"failed_checks"`
	Error        string `json:"error,omitempty"`
}

// Summarize counts passed/failed checks. Null results count toward neither.
func Summarize(checks []*Check) ScanSummary {
	s := ScanSummary{TotalChecks: len(checks)}
	for _, c := range checks {
		if c.Result == nil {
			continue
		}
		if *c.Result {
			s.PassedChecks++
		} else {
			s.FailedChecks++
		}
	}
	return s
}

// Scan is one execution of the check battery against a project.
type Scan struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"project_id"`
	Status      ScanStatus  `json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Summary     ScanSummary `json:"summary"`
}

// Check is one check type evaluated within a scan. Details holds the
// serialized payload; decode it with Registry.DecodeDetails.
type Check struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"project_id"`
	ScanID    string      `json:"scan_id"`
	Type      CheckType   `json:"type"`
	Status    CheckStatus `json:"status"`
	Result    *bool       `json:"result"`
	Details   string      `json:"details"`
	Timestamp time.Time   `json:"timestamp"`
}

// Evidence is an append-only observation. CheckID is nil for evidence
// recorded before any check row could be attached.
type Evidence struct {
	ID        string          `json:"id"`
	CheckID   *string         `json:"check_id"`
	Type      string          `json:"type"`
	Content   string          `json:"content"`
	Severity  Severity        `json:"severity"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// AutoFixSession tracks one remediation campaign for a check.
type AutoFixSession struct {
	ID        string         `json:"id"`
	CheckID   string         `json:"check_id"`
	Status    SessionStatus  `json:"status"`
	Config    map[string]any `json:"config"`
	Result    map[string]any `json:"result"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// EvidencePage represents a paginated evidence listing
type EvidencePage struct {
	Data       []*Evidence `json:"data"`
	Page       int         `json:"page"`
	PageSize   int         `json:"pageSize"`
	Total      int64       `json:"totalItems"`
	TotalPages int         `json:"totalPages"`
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool { return &b }
