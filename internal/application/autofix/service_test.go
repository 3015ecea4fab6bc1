package autofix

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/supabase-compliance/internal/application"
	"github.com/bryanwahyu/supabase-compliance/internal/application/evidence"
	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
	"github.com/bryanwahyu/supabase-compliance/internal/infra/db/memory"
)

type countingFixer struct {
	calls  atomic.Int32
	result domain.FixResult
	delay  time.Duration
	panics bool
}

func (f *countingFixer) Fix(context.Context, domain.FixRequest) domain.FixResult {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.panics {
		panic("boom")
	}
	return f.result
}

type fixture struct {
	store *memory.Store
	svc   *Service
	fixer *countingFixer
	check *domain.Check
}

func newFixture(t *testing.T, typ domain.CheckType, fixer *countingFixer) *fixture {
	t.Helper()
	store := memory.New()
	clock := application.SystemClock{}
	reg := domain.NewRegistry(domain.Variant{Type: typ, Title: string(typ), Fixer: fixer})
	svc := NewService(reg, store.Checks(), store.Sessions(), evidence.NewRecorder(store.Evidence(), clock, nil), clock)

	check := &domain.Check{ID: "chk-1", ProjectID: "prj-1", ScanID: "scn-1", Type: typ,
		Status: domain.CheckCompleted, Timestamp: time.Now()}
	require.NoError(t, store.Checks().Create(context.Background(), check))
	return &fixture{store: store, svc: svc, fixer: fixer, check: check}
}

func eventTypes(store *memory.Store) []string {
	var out []string
	for _, e := range store.AllEvidence() {
		var meta map[string]any
		if json.Unmarshal(e.Metadata, &meta) == nil {
			if ev, ok := meta["event_type"].(string); ok {
				out = append(out, ev)
			}
		}
	}
	return out
}

func TestExecuteCreatesSessionAndRecordsOutcome(t *testing.T) {
	fx := newFixture(t, domain.CheckRLS, &countingFixer{result: domain.FixResult{Success: true, Message: "done"}})

	res, err := fx.svc.Execute(context.Background(), fx.check.ID, map[string]any{"selected_tables": []any{"orders"}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.SessionID)

	sess, err := fx.svc.Latest(context.Background(), fx.check.ID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, domain.SessionFixed, sess.Status)
	assert.Equal(t, true, sess.Result["success"])
	assert.Equal(t, []any{"orders"}, sess.Config["selected_tables"])
	assert.Equal(t, []string{"auto_fix_started", "auto_fix_succeeded"}, eventTypes(fx.store))
}

func TestExecuteRejectsTerminalSessionWithoutSideEffects(t *testing.T) {
	fx := newFixture(t, domain.CheckPITR, &countingFixer{result: domain.FixResult{Success: false, Error: "nope"}})
	ctx := context.Background()

	first, err := fx.svc.Execute(ctx, fx.check.ID, nil)
	require.NoError(t, err)
	assert.False(t, first.Success)

	before, err := fx.svc.Get(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, before.Status)
	evidenceBefore := len(fx.store.AllEvidence())

	_, err = fx.svc.Execute(ctx, fx.check.ID, map[string]any{"retention_days": 30})
	var terr *domain.SessionTerminalError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, first.SessionID, terr.SessionID)
	assert.Equal(t, domain.SessionFailed, terr.Status)

	after, err := fx.svc.Get(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, int32(1), fx.fixer.calls.Load())
	assert.Len(t, fx.store.AllEvidence(), evidenceBefore)
}

func TestConcurrentExecuteRunsFixerOnce(t *testing.T) {
	fx := newFixture(t, domain.CheckRLS, &countingFixer{
		result: domain.FixResult{Success: true},
		delay:  20 * time.Millisecond,
	})

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		rejected  atomic.Int32
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.svc.Execute(context.Background(), fx.check.ID, nil)
			var terr *domain.SessionTerminalError
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.As(err, &terr):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(3), rejected.Load())
	assert.Equal(t, int32(1), fx.fixer.calls.Load())
}

func TestExecuteRecoversFixerPanic(t *testing.T) {
	fx := newFixture(t, domain.CheckMFA, &countingFixer{panics: true})

	res, err := fx.svc.Execute(context.Background(), fx.check.ID, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "boom", res.Error)

	sess, err := fx.svc.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, sess.Status)
	assert.Contains(t, eventTypes(fx.store), "auto_fix_error")
}

func TestExecuteValidatesBeforeTouchingSession(t *testing.T) {
	store := memory.New()
	clock := application.SystemClock{}
	prov := &fakeProvisioner{auth: &fakeAuth{}}
	reg := domain.NewRegistry(domain.Variant{Type: domain.CheckMFA, Fixer: &MFAFixer{Provisioner: prov}})
	svc := NewService(reg, store.Checks(), store.Sessions(), evidence.NewRecorder(store.Evidence(), clock, nil), clock)
	require.NoError(t, store.Checks().Create(context.Background(), &domain.Check{ID: "c", Type: domain.CheckMFA}))

	_, err := svc.Execute(context.Background(), "c", map[string]any{"selected_users": []any{}})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	sess, err := svc.Latest(context.Background(), "c")
	require.NoError(t, err)
	assert.Nil(t, sess)
	assert.Zero(t, prov.authCalls)
}

func TestExecuteUnknownCheck(t *testing.T) {
	fx := newFixture(t, domain.CheckRLS, &countingFixer{})
	_, err := fx.svc.Execute(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = fx.svc.Execute(context.Background(), "  ", nil)
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCreateSessionLifecycle(t *testing.T) {
	fx := newFixture(t, domain.CheckRLS, &countingFixer{result: domain.FixResult{Success: true}})
	ctx := context.Background()

	none, err := fx.svc.Latest(ctx, fx.check.ID)
	require.NoError(t, err)
	assert.Nil(t, none)

	created, err := fx.svc.Create(ctx, fx.check.ID, map[string]any{"selected_tables": []any{"a"}})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionNotStarted, created.Status)

	again, err := fx.svc.Create(ctx, fx.check.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)

	res, err := fx.svc.Execute(ctx, fx.check.ID, map[string]any{"selected_tables": []any{"b"}})
	require.NoError(t, err)
	assert.Equal(t, created.ID, res.SessionID)

	_, err = fx.svc.Create(ctx, fx.check.ID, nil)
	var terr *domain.SessionTerminalError
	assert.ErrorAs(t, err, &terr)
}

func TestPatchNestsMFAProjectLevelResult(t *testing.T) {
	fx := newFixture(t, domain.CheckMFA, &countingFixer{})
	ctx := context.Background()

	sess, err := fx.svc.Create(ctx, fx.check.ID, map[string]any{"selection_type": "id"})
	require.NoError(t, err)

	inProgress := domain.SessionInProgress
	_, err = fx.svc.Patch(ctx, sess.ID, domain.SessionPatch{
		Status: &inProgress,
		Config: map[string]any{"selected_users": []any{"u1"}},
		Result: map[string]any{"fix_phase": domain.PhaseProjectLevel, "project_enabled": true},
	})
	require.NoError(t, err)

	fixed := domain.SessionFixed
	out, err := fx.svc.Patch(ctx, sess.ID, domain.SessionPatch{
		Status: &fixed,
		Result: map[string]any{"fix_phase": domain.PhaseUserLevel, "success": true},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.SessionFixed, out.Status)
	assert.Equal(t, "id", out.Config["selection_type"])
	assert.Equal(t, []any{"u1"}, out.Config["selected_users"])
	assert.Equal(t, domain.PhaseUserLevel, out.Result["fix_phase"])
	nested, ok := out.Result[domain.PhaseProjectLevel].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, nested["project_enabled"])

	reopen := domain.SessionInProgress
	_, err = fx.svc.Patch(ctx, sess.ID, domain.SessionPatch{Status: &reopen})
	var terr *domain.SessionTerminalError
	assert.ErrorAs(t, err, &terr)

	bogus := domain.SessionStatus("paused")
	_, err = fx.svc.Patch(ctx, sess.ID, domain.SessionPatch{Status: &bogus})
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestDeleteSession(t *testing.T) {
	fx := newFixture(t, domain.CheckRLS, &countingFixer{})
	ctx := context.Background()

	sess, err := fx.svc.Create(ctx, fx.check.ID, nil)
	require.NoError(t, err)
	require.NoError(t, fx.svc.Delete(ctx, sess.ID))
	assert.ErrorIs(t, fx.svc.Delete(ctx, sess.ID), domain.ErrNotFound)
}

func TestDeleteKeepsTerminalSessionSoFixerDoesNotRerun(t *testing.T) {
	fx := newFixture(t, domain.CheckRLS, &countingFixer{result: domain.FixResult{Success: false, Error: "permission denied"}})
	ctx := context.Background()

	first, err := fx.svc.Execute(ctx, fx.check.ID, nil)
	require.NoError(t, err)
	require.False(t, first.Success)

	var terr *domain.SessionTerminalError
	err = fx.svc.Delete(ctx, first.SessionID)
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, domain.SessionFailed, terr.Status)

	sess, err := fx.svc.Get(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, sess.Status)

	_, err = fx.svc.Execute(ctx, fx.check.ID, nil)
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, first.SessionID, terr.SessionID)
	assert.Equal(t, int32(1), fx.fixer.calls.Load())
}

// racingSessions lets another process open a session between the lookup
// and the insert of the first Execute call.
type racingSessions struct {
	domain.SessionRepository
	rival *domain.AutoFixSession
	once  sync.Once
}

func (r *racingSessions) LatestByCheck(ctx context.Context, checkID string) (*domain.AutoFixSession, error) {
	var raced bool
	r.once.Do(func() { raced = true })
	if raced {
		if err := r.SessionRepository.Create(ctx, r.rival); err != nil {
			return nil, err
		}
		return nil, domain.ErrNotFound
	}
	return r.SessionRepository.LatestByCheck(ctx, checkID)
}

func TestExecuteLosingSessionInsertDoesNotRunFixer(t *testing.T) {
	fx := newFixture(t, domain.CheckRLS, &countingFixer{result: domain.FixResult{Success: true}})
	now := time.Now().UTC()
	sessions := &racingSessions{
		SessionRepository: fx.store.Sessions(),
		rival: &domain.AutoFixSession{ID: "rival", CheckID: fx.check.ID, Status: domain.SessionInProgress,
			Config: map[string]any{}, Result: map[string]any{}, CreatedAt: now, UpdatedAt: now},
	}
	fx.svc.Sessions = sessions

	_, err := fx.svc.Execute(context.Background(), fx.check.ID, nil)
	assert.ErrorIs(t, err, domain.ErrSessionConflict)
	assert.Zero(t, fx.fixer.calls.Load())
	assert.Empty(t, eventTypes(fx.store))

	sess, err := fx.store.Sessions().LatestByCheck(context.Background(), fx.check.ID)
	require.NoError(t, err)
	assert.Equal(t, "rival", sess.ID)
}

func TestMemoryStoreAllowsOneOpenSessionPerCheck(t *testing.T) {
	fx := newFixture(t, domain.CheckRLS, &countingFixer{})
	ctx := context.Background()
	now := time.Now().UTC()

	open := &domain.AutoFixSession{ID: "a", CheckID: fx.check.ID, Status: domain.SessionNotStarted, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, fx.store.Sessions().Create(ctx, open))
	second := &domain.AutoFixSession{ID: "b", CheckID: fx.check.ID, Status: domain.SessionInProgress, CreatedAt: now, UpdatedAt: now}
	assert.ErrorIs(t, fx.store.Sessions().Create(ctx, second), domain.ErrSessionConflict)

	// Create on the service hands back the open session instead
	got, err := fx.svc.Create(ctx, fx.check.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)
}

// flakyFinish fails the first failures Finish calls.
type flakyFinish struct {
	domain.SessionRepository
	failures int
	calls    atomic.Int32
}

func (f *flakyFinish) Finish(ctx context.Context, id string, status domain.SessionStatus, result map[string]any, at time.Time) error {
	if int(f.calls.Add(1)) <= f.failures {
		return errors.New("connection reset by peer")
	}
	return f.SessionRepository.Finish(ctx, id, status, result, at)
}

func TestExecuteRetriesSessionFinishOnce(t *testing.T) {
	fx := newFixture(t, domain.CheckPITR, &countingFixer{result: domain.FixResult{Success: true}})
	flaky := &flakyFinish{SessionRepository: fx.store.Sessions(), failures: 1}
	fx.svc.Sessions = flaky

	res, err := fx.svc.Execute(context.Background(), fx.check.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), flaky.calls.Load())

	sess, err := fx.svc.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFixed, sess.Status)
	assert.NotContains(t, eventTypes(fx.store), "auto_fix_outcome_unrecorded")
}

func TestExecuteRecordsOutcomeWhenFinishKeepsFailing(t *testing.T) {
	fx := newFixture(t, domain.CheckPITR, &countingFixer{result: domain.FixResult{Success: true, Message: "pitr enabled"}})
	flaky := &flakyFinish{SessionRepository: fx.store.Sessions(), failures: 2}
	fx.svc.Sessions = flaky

	_, err := fx.svc.Execute(context.Background(), fx.check.ID, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record auto-fix outcome")
	assert.Equal(t, int32(2), flaky.calls.Load())
	assert.Equal(t, int32(1), fx.fixer.calls.Load())

	assert.Equal(t, []string{"auto_fix_started", "auto_fix_succeeded", "auto_fix_outcome_unrecorded"}, eventTypes(fx.store))
	rows := fx.store.AllEvidence()
	last := rows[len(rows)-1]
	assert.Equal(t, domain.SeverityError, last.Severity)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(last.Metadata, &meta))
	assert.Equal(t, "fixed", meta["status"])
	assert.Equal(t, true, meta["success"])
}
