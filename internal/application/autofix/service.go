package autofix

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/bryanwahyu/supabase-compliance/internal/application"
	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
	"github.com/bryanwahyu/supabase-compliance/internal/middleware"
)

// ConfigValidator is implemented by fixers that can reject a config before
// any session or target is touched.
type ConfigValidator interface {
	Validate(config map[string]any) error
}

// Service is the auto-fix session state machine:
// not_started → in_progress → fixed | failed. Terminal sessions are never
// reopened; a retry needs a new check.
type Service struct {
	Registry *domain.Registry
	Checks   domain.CheckRepository
	Sessions domain.SessionRepository
	Evidence domain.EvidenceRecorder
	Clock    application.Clock

	locks *keyedMutex
}

func NewService(reg *domain.Registry, checks domain.CheckRepository, sessions domain.SessionRepository,
	rec domain.EvidenceRecorder, clock application.Clock) *Service {
	return &Service{
		Registry: reg,
		Checks:   checks,
		Sessions: sessions,
		Evidence: rec,
		Clock:    clock,
		locks:    newKeyedMutex(),
	}
}

// ExecuteResult is the fixer outcome plus the session it was recorded on.
type ExecuteResult struct {
	domain.FixResult
	SessionID string                 `json:"session_id"`
	Session   *domain.AutoFixSession `json:"-"`
}

// Execute runs the fixer of a check's type under that check's session.
//
// A missing session is created in_progress; a terminal one rejects the call
// with *domain.SessionTerminalError before anything is mutated; otherwise the
// session is claimed with the new config.
func (s *Service) Execute(ctx context.Context, checkID string, config map[string]any) (*ExecuteResult, error) {
	if strings.TrimSpace(checkID) == "" {
		return nil, domain.Invalid("check_id", "Missing required parameter: checkId")
	}
	if config == nil {
		config = map[string]any{}
	}

	check, err := s.Checks.Get(ctx, checkID)
	if err != nil {
		return nil, fmt.Errorf("load check %s: %w", checkID, err)
	}
	v, err := s.Registry.Get(check.Type)
	if err != nil {
		return nil, domain.Invalid("type", err.Error())
	}
	if v.Fixer == nil {
		return nil, domain.Invalid("type", fmt.Sprintf("no auto-fix available for %s", check.Type))
	}
	if cv, ok := v.Fixer.(ConfigValidator); ok {
		if err := cv.Validate(config); err != nil {
			return nil, err
		}
	}

	unlock := s.locks.Lock(checkID)
	defer unlock()

	sess, err := s.claim(ctx, check, config)
	if err != nil {
		return nil, err
	}

	title := strings.ToUpper(string(check.Type))
	logger := log.With().Str("check_id", check.ID).Str("session_id", sess.ID).Str("check_type", string(check.Type)).Logger()

	s.business(ctx, check, "auto_fix_started", fmt.Sprintf("Starting %s auto-fix operation", title), domain.SeverityInfo,
		map[string]any{"check_type": check.Type, "operation_type": "auto_fix", "config": config})

	result := s.runFixer(ctx, v, check, config)

	event, sev, outcome := "auto_fix_succeeded", domain.SeverityInfo, "success"
	if !result.Success {
		event, sev, outcome = "auto_fix_failed", domain.SeverityError, "failure"
	}
	s.business(ctx, check, event, summarize(v, check.Type, result), sev, map[string]any{
		"check_type": check.Type,
		"success":    result.Success,
		"operation_summary": map[string]any{
			"operation_type": "auto_fix",
			"fix_type":       check.Type,
			"result":         outcome,
		},
	})

	status := domain.SessionFailed
	if result.Success {
		status = domain.SessionFixed
	}
	merged := domain.MergeResult(check.Type, sess.Result, result.Map())
	if err := s.finish(ctx, sess.ID, status, merged); err != nil {
		logger.Error().Err(err).Bool("success", result.Success).Msg("auto-fix outcome not saved, session left in_progress")
		s.business(ctx, check, "auto_fix_outcome_unrecorded",
			fmt.Sprintf("%s auto-fix ran but its outcome could not be saved on session %s", title, sess.ID), domain.SeverityError,
			map[string]any{
				"check_type": check.Type,
				"session_id": sess.ID,
				"status":     status,
				"success":    result.Success,
				"result":     merged,
				"error":      err.Error(),
			})
		return nil, fmt.Errorf("record auto-fix outcome: %w", err)
	}
	middleware.ObserveFix(string(check.Type), outcome)
	logger.Info().Bool("success", result.Success).Str("status", string(status)).Msg("auto-fix finished")

	sess.Status = status
	sess.Result = merged
	return &ExecuteResult{FixResult: result, SessionID: sess.ID, Session: sess}, nil
}

// finish stores the terminal status, retrying once. A conflict or a
// missing row is final.
func (s *Service) finish(ctx context.Context, id string, status domain.SessionStatus, result map[string]any) error {
	err := s.Sessions.Finish(ctx, id, status, result, s.Clock.Now().UTC())
	if err == nil || errors.Is(err, domain.ErrSessionConflict) || errors.Is(err, domain.ErrNotFound) {
		return err
	}
	log.Warn().Err(err).Str("session_id", id).Msg("retrying auto-fix session finish")
	return s.Sessions.Finish(ctx, id, status, result, s.Clock.Now().UTC())
}

// claim resolves the session an execute call runs under and moves it to
// in_progress.
func (s *Service) claim(ctx context.Context, check *domain.Check, config map[string]any) (*domain.AutoFixSession, error) {
	now := s.Clock.Now().UTC()

	sess, err := s.Sessions.LatestByCheck(ctx, check.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		sess = &domain.AutoFixSession{
			ID:        uuid.NewString(),
			CheckID:   check.ID,
			Status:    domain.SessionInProgress,
			Config:    config,
			Result:    map[string]any{},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.Sessions.Create(ctx, sess); err != nil {
			if errors.Is(err, domain.ErrSessionConflict) {
				// another process opened a session first
				return nil, s.occupied(ctx, check.ID, err)
			}
			return nil, fmt.Errorf("create auto-fix session: %w", err)
		}
		return sess, nil
	case err != nil:
		return nil, fmt.Errorf("query auto-fix sessions: %w", err)
	}

	if sess.Status.Terminal() {
		return nil, &domain.SessionTerminalError{SessionID: sess.ID, Status: sess.Status}
	}
	if err := s.Sessions.Claim(ctx, sess.ID, config, now); err != nil {
		if errors.Is(err, domain.ErrSessionConflict) {
			// lost a race with another process
			if fresh, gerr := s.Sessions.Get(ctx, sess.ID); gerr == nil {
				return nil, &domain.SessionTerminalError{SessionID: fresh.ID, Status: fresh.Status}
			}
		}
		return nil, fmt.Errorf("claim auto-fix session: %w", err)
	}
	sess.Status = domain.SessionInProgress
	sess.Config = config
	sess.UpdatedAt = now
	return sess, nil
}

// occupied explains a lost session insert: the winner is either still open
// (conflict) or already terminal.
func (s *Service) occupied(ctx context.Context, checkID string, cause error) error {
	latest, err := s.Sessions.LatestByCheck(ctx, checkID)
	if err == nil && latest.Status.Terminal() {
		return &domain.SessionTerminalError{SessionID: latest.ID, Status: latest.Status}
	}
	return fmt.Errorf("check %s already has an open auto-fix session: %w", checkID, cause)
}

func (s *Service) runFixer(ctx context.Context, v domain.Variant, check *domain.Check, config map[string]any) (res domain.FixResult) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("%v", r)
			s.business(ctx, check, "auto_fix_error",
				fmt.Sprintf("Auto-fix operation for %s encountered an unexpected error: %s", strings.ToUpper(string(check.Type)), msg),
				domain.SeverityError, map[string]any{"check_type": check.Type, "operation_summary": map[string]any{
					"operation_type": "auto_fix", "fix_type": check.Type, "result": "unexpected_error",
				}})
			res = domain.FixResult{Success: false, Error: msg}
		}
	}()
	return v.Fixer.Fix(ctx, domain.FixRequest{ProjectID: check.ProjectID, CheckID: check.ID, Config: config})
}

func (s *Service) business(ctx context.Context, check *domain.Check, event, message string, sev domain.Severity, meta map[string]any) {
	meta["event_type"] = event
	meta["project_id"] = check.ProjectID
	s.Evidence.Record(ctx, check.ID, message, sev, meta)
}

func summarize(v domain.Variant, t domain.CheckType, r domain.FixResult) string {
	if v.Summary != nil {
		return v.Summary(r)
	}
	if r.Success {
		return fmt.Sprintf("Successfully completed auto-fix operation for %s", t)
	}
	return fmt.Sprintf("Failed to complete auto-fix operation for %s: %s", t, r.Error)
}

// Get returns a session by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.AutoFixSession, error) {
	return s.Sessions.Get(ctx, id)
}

// Latest returns the most recent session of a check, or nil when none exists.
func (s *Service) Latest(ctx context.Context, checkID string) (*domain.AutoFixSession, error) {
	if strings.TrimSpace(checkID) == "" {
		return nil, domain.Invalid("check_id", "check_id is required")
	}
	sess, err := s.Sessions.LatestByCheck(ctx, checkID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return sess, err
}

// Create opens a not_started session for a check. An open session is
// returned as is; a terminal one means the check cannot be remediated again.
func (s *Service) Create(ctx context.Context, checkID string, config map[string]any) (*domain.AutoFixSession, error) {
	if strings.TrimSpace(checkID) == "" {
		return nil, domain.Invalid("check_id", "check_id is required")
	}
	if _, err := s.Checks.Get(ctx, checkID); err != nil {
		return nil, fmt.Errorf("load check %s: %w", checkID, err)
	}

	unlock := s.locks.Lock(checkID)
	defer unlock()

	existing, err := s.Sessions.LatestByCheck(ctx, checkID)
	switch {
	case err == nil && existing.Status.Terminal():
		return nil, &domain.SessionTerminalError{SessionID: existing.ID, Status: existing.Status}
	case err == nil:
		return existing, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("query auto-fix sessions: %w", err)
	}

	if config == nil {
		config = map[string]any{}
	}
	now := s.Clock.Now().UTC()
	sess := &domain.AutoFixSession{
		ID:        uuid.NewString(),
		CheckID:   checkID,
		Status:    domain.SessionNotStarted,
		Config:    config,
		Result:    map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Sessions.Create(ctx, sess); err != nil {
		if errors.Is(err, domain.ErrSessionConflict) {
			if open, gerr := s.Sessions.LatestByCheck(ctx, checkID); gerr == nil && !open.Status.Terminal() {
				return open, nil
			}
			return nil, s.occupied(ctx, checkID, err)
		}
		return nil, fmt.Errorf("create auto-fix session: %w", err)
	}
	return sess, nil
}

// Patch merges config, replaces status and merges result (with the MFA
// phase nesting rule). A terminal session cannot be moved back to an open
// status.
func (s *Service) Patch(ctx context.Context, id string, patch domain.SessionPatch) (*domain.AutoFixSession, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, domain.Invalid("status", fmt.Sprintf("unknown session status %q", *patch.Status))
	}

	sess, err := s.Sessions.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	unlock := s.locks.Lock(sess.CheckID)
	defer unlock()

	// re-read under the lock
	if sess, err = s.Sessions.Get(ctx, id); err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	check, err := s.Checks.Get(ctx, sess.CheckID)
	if err != nil {
		return nil, fmt.Errorf("load check %s: %w", sess.CheckID, err)
	}

	if patch.Status != nil {
		if sess.Status.Terminal() && !patch.Status.Terminal() {
			return nil, &domain.SessionTerminalError{SessionID: sess.ID, Status: sess.Status}
		}
		sess.Status = *patch.Status
	}
	if patch.Config != nil {
		sess.Config = domain.MergeConfig(sess.Config, patch.Config)
	}
	if patch.Result != nil {
		sess.Result = domain.MergeResult(check.Type, sess.Result, patch.Result)
	}
	sess.UpdatedAt = s.Clock.Now().UTC()

	if err := s.Sessions.Update(ctx, sess); err != nil {
		return nil, fmt.Errorf("update session %s: %w", id, err)
	}
	return sess, nil
}

// Delete removes an open session. A fixed or failed session is the
// check's remediation record and stays; deleting it would let Execute run
// the fixer again.
func (s *Service) Delete(ctx context.Context, id string) error {
	sess, err := s.Sessions.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load session %s: %w", id, err)
	}
	unlock := s.locks.Lock(sess.CheckID)
	defer unlock()

	if sess, err = s.Sessions.Get(ctx, id); err != nil {
		return fmt.Errorf("load session %s: %w", id, err)
	}
	if sess.Status.Terminal() {
		return &domain.SessionTerminalError{SessionID: sess.ID, Status: sess.Status}
	}
	return s.Sessions.Delete(ctx, id)
}
