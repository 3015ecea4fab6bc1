package reports_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/supabase-compliance/internal/application/registry"
	"github.com/bryanwahyu/supabase-compliance/internal/application/reports"
	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
	"github.com/bryanwahyu/supabase-compliance/internal/infra/db/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type captureStore struct {
	key         string
	data        []byte
	contentType string
	err         error
}

func (s *captureStore) Put(_ context.Context, key string, data []byte, contentType string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.key, s.data, s.contentType = key, data, contentType
	return "https://minio.local/" + key + "?sig=x", nil
}

func seed(t *testing.T, store *memory.Store, status domain.ScanStatus, evidenceRows int) *domain.Scan {
	t.Helper()
	ctx := context.Background()
	started := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	scan := &domain.Scan{ID: "s1", ProjectID: "p1", Status: status, StartedAt: started}
	require.NoError(t, store.Scans().Create(ctx, scan))

	mfa := domain.EncodeDetails(domain.MFADetails{TotalUsers: 2, UsersWithMFA: 1, UsersWithoutMFA: 1, CompliancePercentage: 50})
	require.NoError(t, store.Checks().Create(ctx, &domain.Check{
		ID: "c1", ProjectID: "p1", ScanID: "s1", Type: domain.CheckMFA,
		Status: domain.CheckCompleted, Result: domain.BoolPtr(false), Details: mfa, Timestamp: started,
	}))
	require.NoError(t, store.Checks().Create(ctx, &domain.Check{
		ID: "c2", ProjectID: "p1", ScanID: "s1", Type: domain.CheckRLS,
		Status: domain.CheckCompleted, Result: domain.BoolPtr(false),
		Details: domain.EncodeDetails(domain.ErrorDetails{Error: "Database connection failed"}), Timestamp: started,
	}))

	cid := "c1"
	for i := 0; i < evidenceRows; i++ {
		require.NoError(t, store.Evidence().Append(ctx, &domain.Evidence{
			ID: fmt.Sprintf("e%d", i), CheckID: &cid, Type: "log",
			Content: fmt.Sprintf("line %d", i), Severity: domain.SeverityInfo,
			Timestamp: started.Add(time.Duration(i) * time.Millisecond),
		}))
	}
	return scan
}

func newService(store *memory.Store, artifacts domain.ArtifactStore) *reports.Service {
	return &reports.Service{
		Scans:    store.Scans(),
		Checks:   store.Checks(),
		Evidence: store.Evidence(),
		Registry: registry.Default(nil, nil),
		Store:    artifacts,
		Clock:    fixedClock{time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC)},
	}
}

func TestExportUploadsDecodedReport(t *testing.T) {
	store := memory.New()
	seed(t, store, domain.ScanCompleted, 3)
	artifacts := &captureStore{}

	url, err := newService(store, artifacts).Export(context.Background(), "s1")
	require.NoError(t, err)

	assert.Equal(t, "reports/p1/2026-03-04/scan-s1.json", artifacts.key)
	assert.Equal(t, "application/json", artifacts.contentType)
	assert.Contains(t, url, artifacts.key)

	var doc struct {
		Scan   domain.Scan `json:"scan"`
		Checks []struct {
			ID       string            `json:"id"`
			Title    string            `json:"title"`
			Details  map[string]any    `json:"details"`
			Evidence []domain.Evidence `json:"evidence"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(artifacts.data, &doc))
	assert.Equal(t, "s1", doc.Scan.ID)
	require.Len(t, doc.Checks, 2)
	assert.Equal(t, "MFA", doc.Checks[0].Title)
	assert.EqualValues(t, 50, doc.Checks[0].Details["compliance_percentage"])
	assert.Len(t, doc.Checks[0].Evidence, 3)
	assert.Equal(t, "Database connection failed", doc.Checks[1].Details["error"])
	assert.Empty(t, doc.Checks[1].Evidence)
}

func TestBuildPagesThroughAllEvidence(t *testing.T) {
	store := memory.New()
	seed(t, store, domain.ScanFailed, 450)

	rep, err := newService(store, nil).Build(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, rep.Checks[0].Evidence, 450)
	assert.Equal(t, "line 0", rep.Checks[0].Evidence[0].Content)
	assert.Equal(t, "line 449", rep.Checks[0].Evidence[449].Content)
}

func TestExportRejectsRunningScan(t *testing.T) {
	store := memory.New()
	seed(t, store, domain.ScanRunning, 0)

	_, err := newService(store, &captureStore{}).Export(context.Background(), "s1")
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestExportDisabledWithoutStore(t *testing.T) {
	_, err := newService(memory.New(), nil).Export(context.Background(), "s1")
	assert.ErrorIs(t, err, reports.ErrDisabled)
}

func TestExportMissingScan(t *testing.T) {
	_, err := newService(memory.New(), &captureStore{}).Export(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
