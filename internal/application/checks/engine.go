package checks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
	"github.com/bryanwahyu/supabase-compliance/internal/middleware"
)

// Engine drives a single check through pending → running → completed.
// A checker error never escapes: it is recorded as evidence and the check
// is completed with a null result.
type Engine struct {
	Registry *domain.Registry
	Checks   domain.CheckRepository
	Evidence domain.EvidenceRecorder
	// Timeout bounds one checker evaluation. Zero disables it.
	Timeout time.Duration
}

// Run evaluates c and persists its terminal state. The returned error is
// only non-nil when the check row itself could not be written.
func (e *Engine) Run(ctx context.Context, c *domain.Check, env domain.CheckEnv) (*bool, error) {
	env.CheckID = c.ID
	env.Evidence = e.Evidence
	title := e.Registry.Title(c.Type)

	logger := log.With().
		Str("scan_id", c.ScanID).
		Str("check_id", c.ID).
		Str("check_type", string(c.Type)).
		Logger()

	if err := e.Checks.UpdateStatus(ctx, c.ID, domain.CheckRunning); err != nil {
		return nil, fmt.Errorf("mark check running: %w", err)
	}
	env.Log(ctx, fmt.Sprintf("Starting %s compliance check", title), domain.SeverityInfo,
		map[string]any{"check_type": c.Type, "scan_id": c.ScanID})

	out, err := e.evaluate(ctx, c.Type, env)
	if err != nil {
		logger.Warn().Err(err).Msg("check failed")
		middleware.ObserveCheck(string(c.Type), "error")
		env.Log(ctx, fmt.Sprintf("%s check failed", title), domain.SeverityError,
			map[string]any{"error": err.Error()})
		if cerr := e.Checks.Complete(ctx, c.ID, nil, domain.EncodeDetails(domain.ErrorDetails{Error: err.Error()})); cerr != nil {
			return nil, fmt.Errorf("complete check: %w", cerr)
		}
		return nil, nil
	}

	result := out.Passed
	if err := e.Checks.Complete(ctx, c.ID, &result, domain.EncodeDetails(out.Details)); err != nil {
		return nil, fmt.Errorf("complete check: %w", err)
	}
	outcome := "failed"
	if result {
		outcome = "passed"
	}
	middleware.ObserveCheck(string(c.Type), outcome)
	logger.Info().Bool("result", result).Msg("check completed")
	return &result, nil
}

func (e *Engine) evaluate(ctx context.Context, t domain.CheckType, env domain.CheckEnv) (out domain.Outcome, err error) {
	v, err := e.Registry.Get(t)
	if err != nil {
		return domain.Outcome{}, err
	}
	if v.Checker == nil {
		return domain.Outcome{}, fmt.Errorf("no checker registered for %s", t)
	}

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("checker panic: %v", r)
		}
	}()

	out, err = v.Checker.Evaluate(ctx, env)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out, fmt.Errorf("check timed out after %s: %w", e.Timeout, err)
	}
	return out, err
}
