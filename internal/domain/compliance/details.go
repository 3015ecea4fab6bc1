package compliance

import "encoding/json"

// MFAUser is one row of the MFA per-user breakdown.
type MFAUser struct {
	ID         string   `json:"id,omitempty"`
	Email      string   `json:"email"`
	MFAEnabled bool     `json:"mfa_enabled"`
	MFAFactors []string `json:"mfa_factors"`
}

// MFADetails is the details payload of an mfa check.
type MFADetails struct {
	TotalUsers           int       `json:"total_users"`
	UsersWithMFA         int       `json:"users_with_mfa"`
	UsersWithoutMFA      int       `json:"users_without_mfa"`
	CompliancePercentage float64   `json:"compliance_percentage"`
	Users                []MFAUser `json:"users"`
}

// RLSPolicy describes a pg_policy row.
type RLSPolicy struct {
	Name       string   `json:"name"`
	Command    string   `json:"command"`
	Roles      []string `json:"roles"`
	Expression string   `json:"expression,omitempty"`
}

// RLSTable is one public base table.
type RLSTable struct {
	Name        string      `json:"name"`
	RLSEnabled  bool        `json:"rls_enabled"`
	ForceRLS    bool        `json:"force_rls"`
	Description string      `json:"description,omitempty"`
	PolicyCount int         `json:"policy_count"`
	Policies    []RLSPolicy `json:"policies"`
}

// RLSDetails is the details payload of an rls check.
type RLSDetails struct {
	TotalTables          int        `json:"total_tables"`
	TablesWithRLS        int        `json:"tables_with_rls"`
	TablesWithoutRLS     int        `json:"tables_without_rls"`
	CompliancePercentage float64    `json:"compliance_percentage"`
	Tables               []RLSTable `json:"tables"`
}

// PGSetting is one pg_settings row.
type PGSetting struct {
	Value    string  `json:"value"`
	Unit     *string `json:"unit"`
	Context  string  `json:"context"`
	Category string  `json:"category"`
}

type WALStatus struct {
	CurrentLSN   string `json:"current_lsn"`
	CurrentFile  string `json:"current_file"`
	BytesWritten int64  `json:"bytes_written"`
}

type ArchiveStatus struct {
	ArchivedCount int64   `json:"archived_count"`
	FailedCount   int64   `json:"failed_count"`
	LastArchived  *string `json:"last_archived"`
	LastFailed    *string `json:"last_failed"`
}

// PITRDetails is the details payload of a pitr check.
type PITRDetails struct {
	PITREnabled   bool                 `json:"pitr_enabled"`
	Settings      map[string]PGSetting `json:"settings"`
	WALStatus     WALStatus            `json:"wal_status"`
	ArchiveStatus ArchiveStatus        `json:"archive_status"`
}

// ErrorDetails is stored when a check could not be evaluated.
type ErrorDetails struct {
	Error string `json:"error"`
}

// NoteDetails is the placeholder stored on a check before it has run.
type NoteDetails struct {
	Message string `json:"message"`
}

// Percentage returns part/total*100, or 0 when total is 0.
func Percentage(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

// EncodeDetails serializes a details payload for storage.
func EncodeDetails(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(ErrorDetails{Error: err.Error()})
	}
	return string(b)
}

// MFAFixConfig selects users by id or email.
type MFAFixConfig struct {
	SelectedUsers []string `json:"selected_users"`
	SelectionType string   `json:"selection_type"`
}

// RLSFixConfig selects tables. CreateDefaultPolicy defaults to true.
type RLSFixConfig struct {
	SelectedTables      []string `json:"selected_tables"`
	CreateDefaultPolicy *bool    `json:"create_default_policy,omitempty"`
}

func (c RLSFixConfig) DefaultPolicy() bool {
	return c.CreateDefaultPolicy == nil || *c.CreateDefaultPolicy
}

// PITRFixConfig carries the requested retention. Zero means the default.
type PITRFixConfig struct {
	RetentionDays int `json:"retention_days"`
}

// DecodeConfig converts a loosely typed session config into a typed variant.
func DecodeConfig(raw map[string]any, dst any) error {
	if raw == nil {
		raw = map[string]any{}
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return Invalid("config", err.Error())
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return Invalid("config", err.Error())
	}
	return nil
}

// FixResult is the structured outcome of a fixer run.
type FixResult struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
	FixPhase string `json:"fix_phase,omitempty"`
	Details  any    `json:"details,omitempty"`
}

// Map returns the result in the loosely typed form stored on sessions.
func (r FixResult) Map() map[string]any {
	b, err := json.Marshal(r)
	if err != nil {
		return map[string]any{"success": r.Success, "error": err.Error()}
	}
	out := map[string]any{}
	_ = json.Unmarshal(b, &out)
	return out
}

// FixItem reports the outcome for one user or table.
type FixItem struct {
	Identifier string `json:"identifier"`
	UserID     string `json:"user_id,omitempty"`
	Email      string `json:"email,omitempty"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	Note       string `json:"note,omitempty"`
}

// MFA fix phases. A session result moving from project_level to user_level
// keeps the earlier result nested under the project_level key.
const (
	PhaseProjectLevel = "project_level"
	PhaseUserLevel    = "user_level"
)
