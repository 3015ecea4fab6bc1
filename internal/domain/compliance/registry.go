package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CheckEnv is what a checker needs to evaluate one check.
type CheckEnv struct {
	ProjectID string
	ScanID    string
	CheckID   string
	SQL       SQLConn
	Auth      AuthAdmin
	Evidence  EvidenceRecorder
}

// Log records evidence against the current check.
func (e CheckEnv) Log(ctx context.Context, content string, severity Severity, metadata any) {
	if e.Evidence != nil {
		e.Evidence.Record(ctx, e.CheckID, content, severity, metadata)
	}
}

// Outcome is the evaluated predicate plus its details payload.
type Outcome struct {
	Passed  bool
	Details any
}

// Checker evaluates one compliance property.
type Checker interface {
	Evaluate(ctx context.Context, env CheckEnv) (Outcome, error)
}

// FixRequest is the input of a fixer run.
type FixRequest struct {
	ProjectID string
	CheckID   string
	Config    map[string]any
}

// Fixer remediates one compliance property on the target project.
type Fixer interface {
	Fix(ctx context.Context, req FixRequest) FixResult
}

// Variant binds every per-type behaviour to one registration.
type Variant struct {
	Type       CheckType
	Title      string
	Checker    Checker
	Fixer      Fixer
	NewDetails func() any
	// Summary renders the human outcome line logged after a fix.
	Summary func(FixResult) string
}

// Registry is the closed table of check variants.
type Registry struct {
	variants map[CheckType]Variant
}

func NewRegistry(variants ...Variant) *Registry {
	r := &Registry{variants: make(map[CheckType]Variant, len(variants))}
	for _, v := range variants {
		r.variants[v.Type] = v
	}
	return r
}

func (r *Registry) Get(t CheckType) (Variant, error) {
	v, ok := r.variants[t]
	if !ok {
		return Variant{}, fmt.Errorf("unsupported check type: %s", t)
	}
	return v, nil
}

// Title returns the display label of a check type.
func (r *Registry) Title(t CheckType) string {
	if v, ok := r.variants[t]; ok && v.Title != "" {
		return v.Title
	}
	return strings.ToUpper(string(t))
}

// DecodeDetails parses a stored details payload into its tagged variant:
// ErrorDetails, NoteDetails, or the type-specific struct.
func (r *Registry) DecodeDetails(t CheckType, raw string) (any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var probe struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		// pre-JSON placeholder text
		return NoteDetails{Message: raw}, nil
	}
	if probe.Error != "" {
		return ErrorDetails{Error: probe.Error}, nil
	}
	if probe.Message != "" {
		return NoteDetails{Message: probe.Message}, nil
	}
	v, err := r.Get(t)
	if err != nil {
		return nil, err
	}
	if v.NewDetails == nil {
		var m map[string]any
		err := json.Unmarshal([]byte(raw), &m)
		return m, err
	}
	dst := v.NewDetails()
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return nil, fmt.Errorf("decoding %s details: %w", t, err)
	}
	return dst, nil
}
