package scans

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bryanwahyu/supabase-compliance/internal/application"
	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
)

// Sweeper fails scans left running past StaleAfter, e.g. when the process
// died between Start and finalization.
type Sweeper struct {
	Projects   domain.ProjectRepository
	Scans      domain.ScanRepository
	Checks     domain.CheckRepository
	Clock      application.Clock
	StaleAfter time.Duration
	Interval   time.Duration

	mu        sync.Mutex
	lastAt    time.Time
	lastSwept int
	lastErr   error
}

// LastSweep reports when the last pass ended, how many scans it failed and
// its error. The zero time means no pass has run.
func (s *Sweeper) LastSweep() (time.Time, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAt, s.lastSwept, s.lastErr
}

func (s *Sweeper) record(swept int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAt = s.Clock.Now()
	s.lastSwept = swept
	s.lastErr = err
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Dur("stale_after", s.StaleAfter).Msg("stale scan sweeper started")
	for {
		if _, err := s.Sweep(ctx); err != nil {
			log.Error().Err(err).Msg("stale scan sweep")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep fails every stale scan once and reports how many were failed.
func (s *Sweeper) Sweep(ctx context.Context) (n int, err error) {
	defer func() { s.record(n, err) }()
	if s.StaleAfter <= 0 {
		return 0, nil
	}
	cutoff := s.Clock.Now().UTC().Add(-s.StaleAfter)
	stale, err := s.Scans.ListStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale scans: %w", err)
	}
	for _, sc := range stale {
		reason := fmt.Sprintf("scan abandoned: still running after %s", s.StaleAfter)
		failScan(ctx, s.Scans, s.Checks, s.Projects, s.Clock, sc.ProjectID, sc.ID, reason)
	}
	return len(stale), nil
}
