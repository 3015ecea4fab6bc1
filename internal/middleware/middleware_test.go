package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ownerEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(GetOwnerFromContext(r.Context())))
	})
}

func TestAPIKeyAuth(t *testing.T) {
	h := APIKeyAuth(map[string]string{"team-a": "key-a"})(ownerEcho())

	tests := []struct {
		name   string
		target string
		header string
		code   int
		owner  string
	}{
		{name: "bearer", target: "/v1/x", header: "Bearer key-a", code: http.StatusOK, owner: "team-a"},
		{name: "bare key", target: "/v1/x", header: "key-a", code: http.StatusOK, owner: "team-a"},
		{name: "query fallback", target: "/v1/x?api_key=key-a", code: http.StatusOK, owner: "team-a"},
		{name: "missing", target: "/v1/x", code: http.StatusUnauthorized},
		{name: "wrong", target: "/v1/x", header: "Bearer nope", code: http.StatusUnauthorized},
		{name: "public path", target: "/health", code: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code)
			if tt.code == http.StatusOK {
				assert.Equal(t, tt.owner, rec.Body.String())
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	done := make(chan struct{})
	defer close(done)
	rl := NewRateLimiter(2, 1, done)
	h := RateLimitMiddleware(rl)(ownerEcho())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/x", nil)
		req = req.WithContext(WithOwner(req.Context(), "team-a"))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)

	// other owners have their own bucket
	req := httptest.NewRequest(http.MethodGet, "/v1/x", nil)
	req = req.WithContext(WithOwner(req.Context(), "team-b"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthHandler(t *testing.T) {
	h := HealthHandler(map[string]HealthChecker{
		"database": CheckFunc(func(context.Context) error { return nil }),
		"storage":  CheckFunc(func(context.Context) error { return errors.New("bucket missing") }),
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "bucket missing")
	assert.Contains(t, rec.Body.String(), `"unhealthy"`)
}

func TestHealthDegradesOnOptionalDependency(t *testing.T) {
	checkers := map[string]HealthChecker{
		"database": CheckFunc(func(context.Context) error { return nil }),
		"storage":  Optional(CheckFunc(func(context.Context) error { return errors.New("bucket missing") })),
	}
	rec := httptest.NewRecorder()
	HealthHandler(checkers).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.True(t, body.Checks["storage"].Optional)
	assert.Equal(t, "unhealthy", body.Checks["storage"].Status)
	assert.Equal(t, "healthy", body.Checks["database"].Status)

	// readiness ignores optional dependencies
	rec = httptest.NewRecorder()
	ReadinessHandler(checkers).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready"`)
}

func TestReadinessFailsOnDatabase(t *testing.T) {
	checkers := map[string]HealthChecker{
		"database": &DatabaseHealthChecker{DB: pingFunc(func(context.Context) error { return errors.New("connection refused") })},
	}
	rec := httptest.NewRecorder()
	ReadinessHandler(checkers).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_ready")
}

type pingFunc func(context.Context) error

func (f pingFunc) PingContext(ctx context.Context) error { return f(ctx) }

type lastSweep struct {
	at    time.Time
	swept int
	err   error
}

func (l lastSweep) LastSweep() (time.Time, int, error) { return l.at, l.swept, l.err }

func TestSweeperHealthChecker(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	tests := []struct {
		name    string
		sweep   lastSweep
		wantErr string
	}{
		{name: "fresh", sweep: lastSweep{at: now.Add(-time.Minute), swept: 2}},
		{name: "never ran", sweep: lastSweep{}, wantErr: "no sweep has completed yet"},
		{name: "stuck", sweep: lastSweep{at: now.Add(-10 * time.Minute)}, wantErr: "last sweep was 10m0s ago"},
		{name: "store error", sweep: lastSweep{at: now, err: errors.New("list stale scans: timeout")}, wantErr: "last sweep failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &SweeperHealthChecker{Sweeper: tt.sweep, MaxAge: 3 * time.Minute, Now: clock}
			err := c.Check(context.Background())
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	c := &SweeperHealthChecker{Sweeper: lastSweep{at: now, swept: 3}, MaxAge: time.Minute, Now: clock}
	rec := httptest.NewRecorder()
	HealthHandler(map[string]HealthChecker{"sweeper": c}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(3), body.Checks["sweeper"].Details["abandoned_scans_failed"])
}

func TestValidators(t *testing.T) {
	require.NoError(t, ValidateURL("https://abc.supabase.co"))
	assert.Error(t, ValidateURL("ftp://abc"))
	assert.Error(t, ValidateURL("https://"))

	require.NoError(t, ValidateDSN("postgres://u:p@h:5432/db"))
	require.NoError(t, ValidateDSN("host=h user=u dbname=db"))
	assert.Error(t, ValidateDSN("mysql://u@h/db"))
	assert.Error(t, ValidateDSN("garbage"))

	require.NoError(t, ValidateID("scan_id", "3f1c2a4e-9d55-4b0a-8a8e-2f3a4b5c6d7e"))
	assert.EqualError(t, ValidateID("scan_id", "123"), "invalid scan_id format")

	assert.NoError(t, ValidateOwnerID("team_a-1"))
	assert.Error(t, ValidateOwnerID("team a"))

	assert.Equal(t, "ab", SanitizeString(" a\x00\x07b "))
	assert.Equal(t, 20, ValidateLimit(0))
	assert.Equal(t, 100, ValidateLimit(500))
	assert.Equal(t, 1, ValidatePage(-3))
}

func TestMiddlewareWrapperKeepsStatus(t *testing.T) {
	h := LoggingMiddleware(MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
