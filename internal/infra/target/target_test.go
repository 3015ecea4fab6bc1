package target

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
	"github.com/bryanwahyu/supabase-compliance/internal/infra/db/memory"
)

func TestAuthClientListUsersPages(t *testing.T) {
	var pages []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/admin/users", r.URL.Path)
		assert.Equal(t, "service-key", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer service-key", r.Header.Get("Authorization"))
		assert.Equal(t, strconv.Itoa(usersPerPage), r.URL.Query().Get("per_page"))
		pages = append(pages, r.URL.Query().Get("page"))

		n := usersPerPage
		if r.URL.Query().Get("page") == "2" {
			n = 1
		}
		users := make([]map[string]any, n)
		for i := range users {
			users[i] = map[string]any{
				"id":         uuid.NewString(),
				"email":      "user@example.com",
				"created_at": "2026-01-02T03:04:05Z",
				"factors": []map[string]any{
					{"id": uuid.NewString(), "factor_type": "totp", "status": "verified"},
				},
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"users": users, "aud": "authenticated"})
	}))
	defer srv.Close()

	c, err := NewAuthClient(srv.URL+"/", "service-key", srv.Client())
	require.NoError(t, err)

	users, err := c.ListUsers(context.Background())
	require.NoError(t, err)
	assert.Len(t, users, usersPerPage+1)
	assert.Equal(t, []string{"1", "2"}, pages)
	assert.Equal(t, "totp", users[0].Factors[0].FactorType)
	assert.Equal(t, "verified", users[0].Factors[0].Status)
	require.NotNil(t, users[0].CreatedAt)
	assert.Equal(t, 2026, users[0].CreatedAt.Year())
}

func TestAuthClientUpdateUserMetadata(t *testing.T) {
	userID := uuid.NewString()
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/auth/v1/admin/users/"+userID, r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": userID})
	}))
	defer srv.Close()

	c, err := NewAuthClient(srv.URL, "k", srv.Client())
	require.NoError(t, err)
	require.NoError(t, c.UpdateUserMetadata(context.Background(), userID, map[string]any{"mfa_required": true}))
	assert.Equal(t, map[string]any{"mfa_required": true}, got["user_metadata"])

	assert.Error(t, c.UpdateUserMetadata(context.Background(), "not-a-uuid", nil))
}

func TestAuthClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"msg":"Invalid API key"}`))
	}))

	c, err := NewAuthClient(srv.URL, "bad", srv.Client())
	require.NoError(t, err)
	_, err = c.ListUsers(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "Invalid API key", apiErr.Message)

	// unreachable host
	srv.Close()
	_, err = c.ListUsers(context.Background())
	var connErr *domain.ConnectionError
	assert.ErrorAs(t, err, &connErr)

	_, err = NewAuthClient("not a url", "k", nil)
	assert.ErrorAs(t, err, &connErr)
}

func TestAuthClientHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, err := NewAuthClient(srv.URL, "k", srv.Client())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.ListUsers(ctx)
	var connErr *domain.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func saveProject(t *testing.T, store *memory.Store, p domain.Project) {
	t.Helper()
	require.NoError(t, store.Projects().Save(context.Background(), &p))
}

func TestProvisionerRequiresConnectionFields(t *testing.T) {
	store := memory.New()
	saveProject(t, store, domain.Project{ID: "p1"})
	prov := NewProvisioner(store.Projects(), time.Second, 1)

	var connErr *domain.ConnectionError
	_, err := prov.SQL(context.Background(), "p1")
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "sql", connErr.Target)

	_, err = prov.AuthAdmin(context.Background(), "p1")
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "auth", connErr.Target)

	_, err = prov.SQL(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProvisionerSQLOwnsPool(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	mock.ExpectPing()
	mock.ExpectQuery("SHOW wal_level").WillReturnRows(sqlmock.NewRows([]string{"wal_level"}).AddRow("replica"))
	mock.ExpectClose()

	store := memory.New()
	saveProject(t, store, domain.Project{ID: "p1", ExternalSQLDSN: "postgres://u:secret@db/postgres"})
	prov := NewProvisioner(store.Projects(), time.Second, 1)
	prov.OpenDB = func(context.Context, string) (*sql.DB, error) { return db, nil }

	conn, err := prov.SQL(context.Background(), "p1")
	require.NoError(t, err)

	var level string
	require.NoError(t, conn.QueryRowContext(context.Background(), "SHOW wal_level").Scan(&level))
	assert.Equal(t, "replica", level)

	require.NoError(t, conn.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProvisionerPingFailureRedactsDSN(t *testing.T) {
	dsn := "postgres://u:secret@db/postgres"
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	mock.ExpectPing().WillReturnError(errors.New("cannot reach " + dsn))
	mock.ExpectClose()

	store := memory.New()
	saveProject(t, store, domain.Project{ID: "p1", ExternalSQLDSN: dsn})
	prov := NewProvisioner(store.Projects(), time.Second, 1)
	prov.OpenDB = func(context.Context, string) (*sql.DB, error) { return db, nil }

	_, err = prov.SQL(context.Background(), "p1")
	var connErr *domain.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.NotContains(t, err.Error(), "secret")

	// the slot was released, so a second attempt is not blocked
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	release, err := prov.acquire(ctx, "p1")
	require.NoError(t, err)
	release()
}

func TestProvisionerSlotsBlockUntilReleased(t *testing.T) {
	prov := &Provisioner{MaxConns: 1}
	release, err := prov.acquire(context.Background(), "p1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = prov.acquire(ctx, "p1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	again, err := prov.acquire(context.Background(), "p1")
	require.NoError(t, err)
	again()
}
