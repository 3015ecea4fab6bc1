package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// HealthChecker reports on one dependency of the compliance service.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// Describer adds facts to a checker's entry in /health, e.g. when the stale
// scan sweeper last ran.
type Describer interface {
	Describe() map[string]any
}

// Pinger is anything with a context-aware ping: *sql.DB, the memory store.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// DatabaseHealthChecker pings the store holding scans, checks and sessions.
type DatabaseHealthChecker struct {
	DB Pinger
}

func (d *DatabaseHealthChecker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return d.DB.PingContext(ctx)
}

// CheckFunc adapts a function to HealthChecker.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Optional marks a dependency whose loss degrades the service (report
// export, advisor) without making it unready.
func Optional(c HealthChecker) HealthChecker { return optional{c} }

type optional struct{ HealthChecker }

func (o optional) Describe() map[string]any {
	if d, ok := o.HealthChecker.(Describer); ok {
		return d.Describe()
	}
	return nil
}

func isOptional(c HealthChecker) bool {
	_, ok := c.(optional)
	return ok
}

// SweepReporter exposes the outcome of the stale scan sweeper's last pass.
type SweepReporter interface {
	LastSweep() (at time.Time, swept int, err error)
}

// SweeperHealthChecker fails when the last sweep errored or none finished
// within MaxAge. A scan abandoned by a dead worker stays running until a
// sweep fails it, so a stuck sweeper leaves projects in running.
type SweeperHealthChecker struct {
	Sweeper SweepReporter
	MaxAge  time.Duration
	Now     func() time.Time
}

func (s *SweeperHealthChecker) Check(context.Context) error {
	at, _, err := s.Sweeper.LastSweep()
	if err != nil {
		return fmt.Errorf("last sweep failed: %w", err)
	}
	if at.IsZero() {
		return errors.New("no sweep has completed yet")
	}
	if age := s.now().Sub(at); s.MaxAge > 0 && age > s.MaxAge {
		return fmt.Errorf("last sweep was %s ago", age.Round(time.Second))
	}
	return nil
}

func (s *SweeperHealthChecker) Describe() map[string]any {
	at, swept, _ := s.Sweeper.LastSweep()
	if at.IsZero() {
		return nil
	}
	return map[string]any{"last_sweep_at": at.UTC(), "abandoned_scans_failed": swept}
}

func (s *SweeperHealthChecker) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// HealthStatus is the /health body. Status is degraded when only optional
// dependencies fail.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckStatus `json:"checks"`
}

// CheckStatus is one dependency's entry.
type CheckStatus struct {
	Status   string         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Optional bool           `json:"optional,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// runChecks evaluates checkers concurrently.
func runChecks(ctx context.Context, checkers map[string]HealthChecker) HealthStatus {
	health := HealthStatus{
		Status:    statusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckStatus, len(checkers)),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker HealthChecker) {
			defer wg.Done()
			st := CheckStatus{Status: statusHealthy, Optional: isOptional(checker)}
			if err := checker.Check(ctx); err != nil {
				st.Status = statusUnhealthy
				st.Message = err.Error()
			}
			if d, ok := checker.(Describer); ok {
				st.Details = d.Describe()
			}

			mu.Lock()
			defer mu.Unlock()
			health.Checks[name] = st
			switch {
			case st.Status == statusHealthy:
			case st.Optional && health.Status == statusHealthy:
				health.Status = statusDegraded
			case !st.Optional:
				health.Status = statusUnhealthy
			}
		}(name, checker)
	}
	wg.Wait()
	return health
}

// HealthHandler reports every dependency. Only a failing required
// dependency turns it into a 503.
func HealthHandler(checkers map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := runChecks(ctx, checkers)
		statusCode := http.StatusOK
		if health.Status == statusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(health)
	}
}

// ReadinessHandler is ready when the required dependencies answer: scans
// can be created and recorded. Optional ones are not consulted.
func ReadinessHandler(checkers map[string]HealthChecker) http.HandlerFunc {
	required := make(map[string]HealthChecker, len(checkers))
	for name, c := range checkers {
		if !isOptional(c) {
			required[name] = c
		}
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status, code := "ready", http.StatusOK
		if runChecks(ctx, required).Status != statusHealthy {
			status, code = "not_ready", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    status,
			"timestamp": time.Now(),
		})
	}
}

// LivenessHandler only proves the process serves HTTP.
func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
