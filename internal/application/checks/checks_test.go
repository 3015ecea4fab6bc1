package checks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
	"github.com/bryanwahyu/supabase-compliance/internal/infra/db/memory"
)

type recorded struct {
	checkID  string
	content  string
	severity domain.Severity
}

type fakeRecorder struct {
	mu   sync.Mutex
	rows []recorded
}

func (f *fakeRecorder) Record(_ context.Context, checkID, content string, sev domain.Severity, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, recorded{checkID: checkID, content: content, severity: sev})
}

func (f *fakeRecorder) contents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.rows))
	for i, r := range f.rows {
		out[i] = r.content
	}
	return out
}

type fakeAuth struct {
	users []domain.AuthUser
	err   error
}

func (f *fakeAuth) ListUsers(context.Context) ([]domain.AuthUser, error) { return f.users, f.err }

func (f *fakeAuth) UpdateUserMetadata(context.Context, string, map[string]any) error { return nil }

func TestMFACheckerPredicate(t *testing.T) {
	rec := &fakeRecorder{}
	env := domain.CheckEnv{
		CheckID:  "c1",
		Evidence: rec,
		Auth: &fakeAuth{users: []domain.AuthUser{
			{ID: "u1", Email: "a@example.com", Factors: []domain.AuthFactor{{ID: "f1", FactorType: "totp", Status: "verified"}}},
			{ID: "u2", Email: "b@example.com"},
		}},
	}

	out, err := MFAChecker{}.Evaluate(context.Background(), env)
	require.NoError(t, err)

	assert.False(t, out.Passed)
	d := out.Details.(domain.MFADetails)
	assert.Equal(t, 2, d.TotalUsers)
	assert.Equal(t, 1, d.UsersWithMFA)
	assert.Equal(t, 1, d.UsersWithoutMFA)
	assert.Equal(t, 50.0, d.CompliancePercentage)
	assert.Equal(t, []string{"totp"}, d.Users[0].MFAFactors)

	assert.Equal(t, []string{
		"Retrieved 2 users from Supabase Auth",
		"User a@example.com: MFA enabled",
		"User b@example.com: MFA disabled",
	}, rec.contents())
	assert.Equal(t, domain.SeverityWarning, rec.rows[2].severity)
}

func TestMFACheckerNoUsersPasses(t *testing.T) {
	out, err := MFAChecker{}.Evaluate(context.Background(), domain.CheckEnv{Auth: &fakeAuth{}})
	require.NoError(t, err)
	assert.True(t, out.Passed)
	assert.Equal(t, 0.0, out.Details.(domain.MFADetails).CompliancePercentage)
}

func TestMFACheckerListError(t *testing.T) {
	rec := &fakeRecorder{}
	_, err := MFAChecker{}.Evaluate(context.Background(), domain.CheckEnv{
		Evidence: rec,
		Auth:     &fakeAuth{err: errors.New("401 unauthorized")},
	})
	require.Error(t, err)
	require.Len(t, rec.rows, 1)
	assert.Equal(t, domain.SeverityError, rec.rows[0].severity)
}

func TestRLSCheckerPredicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM pg_class c").
		WillReturnRows(sqlmock.NewRows([]string{"relname", "relrowsecurity", "relforcerowsecurity", "obj_description"}).
			AddRow("orders", true, false, nil).
			AddRow("profiles", true, true, "user profiles"))
	mock.ExpectQuery("FROM pg_policy p").WithArgs("orders").
		WillReturnRows(sqlmock.NewRows([]string{"polname", "polcmd", "polroles", "polqual"}).
			AddRow("owner only", "r", "{authenticated}", "(auth.uid() = user_id)"))
	mock.ExpectQuery("FROM pg_policy p").WithArgs("profiles").
		WillReturnRows(sqlmock.NewRows([]string{"polname", "polcmd", "polroles", "polqual"}))

	rec := &fakeRecorder{}
	out, err := RLSChecker{}.Evaluate(context.Background(), domain.CheckEnv{SQL: db, Evidence: rec})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.True(t, out.Passed)
	d := out.Details.(domain.RLSDetails)
	assert.Equal(t, 2, d.TotalTables)
	assert.Equal(t, 100.0, d.CompliancePercentage)
	assert.Equal(t, []string{"authenticated"}, d.Tables[0].Policies[0].Roles)
	assert.Equal(t, 1, d.Tables[0].PolicyCount)
	assert.Equal(t, "user profiles", d.Tables[1].Description)
	assert.Contains(t, rec.contents(), `Policy "owner only" on table orders`)
}

func TestRLSCheckerFailsOnTableWithoutRLS(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM pg_class c").
		WillReturnRows(sqlmock.NewRows([]string{"relname", "relrowsecurity", "relforcerowsecurity", "obj_description"}).
			AddRow("orders", false, false, nil))
	mock.ExpectQuery("FROM pg_policy p").WithArgs("orders").
		WillReturnRows(sqlmock.NewRows([]string{"polname", "polcmd", "polroles", "polqual"}).
			AddRow("anything", "*", "{authenticated}", "true"))

	out, err := RLSChecker{}.Evaluate(context.Background(), domain.CheckEnv{SQL: db})
	require.NoError(t, err)
	assert.False(t, out.Passed)
	assert.Equal(t, 1, out.Details.(domain.RLSDetails).TablesWithoutRLS)
}

func expectPITRQueries(mock sqlmock.Sqlmock, walLevel, archiveMode string) {
	mock.ExpectQuery("FROM pg_settings").
		WillReturnRows(sqlmock.NewRows([]string{"name", "setting", "unit", "context", "category"}).
			AddRow("archive_mode", archiveMode, nil, "postmaster", "Write-Ahead Log / Archiving").
			AddRow("wal_level", walLevel, nil, "postmaster", "Write-Ahead Log / Settings").
			AddRow("wal_keep_size", "0", "MB", "sighup", "Replication / Sending Servers"))
	mock.ExpectQuery("pg_current_wal_lsn").
		WillReturnRows(sqlmock.NewRows([]string{"lsn", "file", "bytes"}).AddRow("0/16B3748", "000000010000000000000001", 23803720))
	mock.ExpectQuery("FROM pg_stat_archiver").
		WillReturnRows(sqlmock.NewRows([]string{"archived_count", "failed_count", "last_archived_wal", "last_failed_wal"}).
			AddRow(0, 0, nil, nil))
}

func TestPITRChecker(t *testing.T) {
	cases := []struct {
		walLevel, archiveMode string
		want                  bool
	}{
		{"replica", "on", true},
		{"logical", "on", true},
		{"minimal", "on", false},
		{"replica", "off", false},
	}
	for _, tc := range cases {
		t.Run(tc.walLevel+"/"+tc.archiveMode, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()
			expectPITRQueries(mock, tc.walLevel, tc.archiveMode)

			out, err := PITRChecker{}.Evaluate(context.Background(), domain.CheckEnv{SQL: db})
			require.NoError(t, err)
			require.NoError(t, mock.ExpectationsWereMet())

			assert.Equal(t, tc.want, out.Passed)
			d := out.Details.(domain.PITRDetails)
			assert.Equal(t, tc.want, d.PITREnabled)
			assert.Equal(t, int64(23803720), d.WALStatus.BytesWritten)
			require.NotNil(t, d.Settings["wal_keep_size"].Unit)
			assert.Equal(t, "MB", *d.Settings["wal_keep_size"].Unit)
			assert.Nil(t, d.ArchiveStatus.LastArchived)
		})
	}
}

func TestPITRCheckerWithoutConnection(t *testing.T) {
	_, err := PITRChecker{}.Evaluate(context.Background(), domain.CheckEnv{})
	var cerr *domain.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "sql", cerr.Target)
}

type checkerFunc func(ctx context.Context, env domain.CheckEnv) (domain.Outcome, error)

func (f checkerFunc) Evaluate(ctx context.Context, env domain.CheckEnv) (domain.Outcome, error) {
	return f(ctx, env)
}

func newEngine(t *testing.T, c checkerFunc) (*Engine, *memory.Store, *fakeRecorder) {
	t.Helper()
	store := memory.New()
	rec := &fakeRecorder{}
	reg := domain.NewRegistry(domain.Variant{
		Type:       domain.CheckMFA,
		Title:      "MFA",
		Checker:    c,
		NewDetails: func() any { return &domain.MFADetails{} },
	})
	return &Engine{Registry: reg, Checks: store.Checks(), Evidence: rec, Timeout: 50 * time.Millisecond}, store, rec
}

func seedCheck(t *testing.T, store *memory.Store) *domain.Check {
	t.Helper()
	c := &domain.Check{ID: "chk", ScanID: "scan", Type: domain.CheckMFA, Status: domain.CheckPending, Timestamp: time.Now()}
	require.NoError(t, store.Checks().Create(context.Background(), c))
	return c
}

func TestEngineCompletesWithResult(t *testing.T) {
	e, store, rec := newEngine(t, func(ctx context.Context, env domain.CheckEnv) (domain.Outcome, error) {
		assert.Equal(t, "chk", env.CheckID)
		return domain.Outcome{Passed: true, Details: domain.MFADetails{TotalUsers: 1, UsersWithMFA: 1, CompliancePercentage: 100}}, nil
	})
	c := seedCheck(t, store)

	res, err := e.Run(context.Background(), c, domain.CheckEnv{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, *res)

	got, err := store.Checks().Get(context.Background(), "chk")
	require.NoError(t, err)
	assert.Equal(t, domain.CheckCompleted, got.Status)
	assert.True(t, *got.Result)
	assert.JSONEq(t, `{"total_users":1,"users_with_mfa":1,"users_without_mfa":0,"compliance_percentage":100,"users":null}`, got.Details)
	assert.Equal(t, "Starting MFA compliance check", rec.contents()[0])
}

func TestEngineRecordsErrorAndNullResult(t *testing.T) {
	e, store, rec := newEngine(t, func(context.Context, domain.CheckEnv) (domain.Outcome, error) {
		return domain.Outcome{}, errors.New("auth api unreachable")
	})
	c := seedCheck(t, store)

	res, err := e.Run(context.Background(), c, domain.CheckEnv{})
	require.NoError(t, err)
	assert.Nil(t, res)

	got, _ := store.Checks().Get(context.Background(), "chk")
	assert.Equal(t, domain.CheckCompleted, got.Status)
	assert.Nil(t, got.Result)
	assert.JSONEq(t, `{"error":"auth api unreachable"}`, got.Details)
	assert.Equal(t, "MFA check failed", rec.rows[len(rec.rows)-1].content)
	assert.Equal(t, domain.SeverityError, rec.rows[len(rec.rows)-1].severity)
}

func TestEngineTimeout(t *testing.T) {
	e, store, _ := newEngine(t, func(ctx context.Context, _ domain.CheckEnv) (domain.Outcome, error) {
		<-ctx.Done()
		return domain.Outcome{}, ctx.Err()
	})
	c := seedCheck(t, store)

	res, err := e.Run(context.Background(), c, domain.CheckEnv{})
	require.NoError(t, err)
	assert.Nil(t, res)

	got, _ := store.Checks().Get(context.Background(), "chk")
	assert.Contains(t, got.Details, "timed out")
}

func TestEngineRecoversPanic(t *testing.T) {
	e, store, _ := newEngine(t, func(context.Context, domain.CheckEnv) (domain.Outcome, error) {
		panic("nil map")
	})
	c := seedCheck(t, store)

	res, err := e.Run(context.Background(), c, domain.CheckEnv{})
	require.NoError(t, err)
	assert.Nil(t, res)
	got, _ := store.Checks().Get(context.Background(), "chk")
	assert.Contains(t, got.Details, "checker panic")
}
