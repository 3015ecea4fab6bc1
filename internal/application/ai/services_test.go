package ai

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/supabase-compliance/internal/domain/ai"
	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
	"github.com/bryanwahyu/supabase-compliance/internal/infra/db/memory"
)

type fakeClient struct {
	got   ai.AdviceRequest
	calls int
	err   error
}

func (f *fakeClient) Advise(_ context.Context, req ai.AdviceRequest) (string, error) {
	f.calls++
	f.got = req
	if f.err != nil {
		return "", f.err
	}
	return "Turn on RLS.", nil
}

func seedCheck(t *testing.T, store *memory.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Projects().Save(ctx, &domain.Project{ID: "p1", Name: "acme"}))
	require.NoError(t, store.Checks().Create(ctx, &domain.Check{
		ID: "c1", ProjectID: "p1", ScanID: "s1", Type: domain.CheckRLS,
		Status: domain.CheckCompleted, Result: domain.BoolPtr(false), Details: `{"total_tables":3}`,
	}))
	cid := "c1"
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	sev := []domain.Severity{domain.SeverityInfo, domain.SeverityError, domain.SeverityInfo, domain.SeverityWarning,
		domain.SeverityInfo, domain.SeverityInfo, domain.SeverityError}
	for i, s := range sev {
		require.NoError(t, store.Evidence().Append(ctx, &domain.Evidence{
			ID: fmt.Sprintf("e%d", i), CheckID: &cid, Type: "log", Content: fmt.Sprintf("row %d", i),
			Severity: s, Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}
}

func TestChatBuildsCheckContext(t *testing.T) {
	store := memory.New()
	seedCheck(t, store)
	client := &fakeClient{}
	svc := NewService(client, store.Projects(), store.Checks(), store.Evidence())

	reply, err := svc.Chat(context.Background(), ChatRequest{
		CheckID: "c1", Message: "why did this fail?",
		History: []ai.Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Turn on RLS.", reply)

	cc := client.got.Check
	assert.Equal(t, "acme", cc.ProjectName)
	assert.Equal(t, "rls", cc.CheckType)
	assert.Equal(t, 7, cc.EvidenceTotal)
	require.Len(t, cc.Evidence, 5)
	// errors first, newest first within a severity
	assert.Equal(t, "row 6", cc.Evidence[0].Content)
	assert.Equal(t, "row 1", cc.Evidence[1].Content)
	assert.Equal(t, "warning", cc.Evidence[2].Severity)
	assert.Equal(t, "row 5", cc.Evidence[3].Content)
	assert.Len(t, client.got.History, 1)
}

func TestChatValidatesBeforeCallingModel(t *testing.T) {
	client := &fakeClient{}
	store := memory.New()
	svc := NewService(client, store.Projects(), store.Checks(), store.Evidence())

	_, err := svc.Chat(context.Background(), ChatRequest{CheckID: "c1", Message: "  "})
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = svc.Chat(context.Background(), ChatRequest{CheckID: "missing", Message: "hi"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, client.calls)
}

func TestChatDisabled(t *testing.T) {
	store := memory.New()
	svc := NewService(nil, store.Projects(), store.Checks(), store.Evidence())
	_, err := svc.Chat(context.Background(), ChatRequest{CheckID: "c1", Message: "hi"})
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestChatPassesQuotaError(t *testing.T) {
	store := memory.New()
	seedCheck(t, store)
	svc := NewService(&fakeClient{err: ai.ErrQuotaExceeded}, store.Projects(), store.Checks(), store.Evidence())
	_, err := svc.Chat(context.Background(), ChatRequest{CheckID: "c1", Message: "hi"})
	assert.ErrorIs(t, err, ai.ErrQuotaExceeded)
}
