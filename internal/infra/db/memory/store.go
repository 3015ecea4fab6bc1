// Package memory is an in-process implementation of every compliance
// repository port. It backs tests and `database.driver: memory` runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
)

type Store struct {
	mu       sync.Mutex
	projects map[string]domain.Project
	scans    map[string]domain.Scan
	checks   map[string]domain.Check
	evidence []domain.Evidence
	sessions map[string]domain.AutoFixSession

	// FailEvidence makes Append fail, for exercising swallow paths.
	FailEvidence error
}

func New() *Store {
	return &Store{
		projects: make(map[string]domain.Project),
		scans:    make(map[string]domain.Scan),
		checks:   make(map[string]domain.Check),
		sessions: make(map[string]domain.AutoFixSession),
	}
}

func (s *Store) Projects() domain.ProjectRepository  { return projectRepo{s} }
func (s *Store) Scans() domain.ScanRepository        { return scanRepo{s} }
func (s *Store) Checks() domain.CheckRepository      { return checkRepo{s} }
func (s *Store) Evidence() domain.EvidenceRepository { return evidenceRepo{s} }
func (s *Store) Sessions() domain.SessionRepository  { return sessionRepo{s} }

// PingContext satisfies health checks.
func (s *Store) PingContext(context.Context) error { return nil }

// ---- projects

type projectRepo struct{ s *Store }

func (r projectRepo) Save(_ context.Context, p *domain.Project) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.projects[p.ID] = *p
	return nil
}

func (r projectRepo) Get(_ context.Context, id string) (*domain.Project, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.projects[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (r projectRepo) UpdateStatus(_ context.Context, id string, status domain.ProjectStatus, lastScanAt *time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.projects[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.Status = status
	if lastScanAt != nil {
		t := *lastScanAt
		p.LastScanAt = &t
	}
	r.s.projects[id] = p
	return nil
}

// ---- scans

type scanRepo struct{ s *Store }

func (r scanRepo) Create(_ context.Context, sc *domain.Scan) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.scans[sc.ID] = *sc
	return nil
}

func (r scanRepo) Get(_ context.Context, id string) (*domain.Scan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sc, ok := r.s.scans[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &sc, nil
}

func (r scanRepo) UpdateSummary(_ context.Context, id string, summary domain.ScanSummary) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sc, ok := r.s.scans[id]
	if !ok {
		return domain.ErrNotFound
	}
	sc.Summary = summary
	r.s.scans[id] = sc
	return nil
}

func (r scanRepo) Finish(_ context.Context, id string, status domain.ScanStatus, completedAt time.Time, summary domain.ScanSummary) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sc, ok := r.s.scans[id]
	if !ok {
		return domain.ErrNotFound
	}
	if sc.Status != domain.ScanRunning {
		return domain.ErrAlreadyFinished
	}
	sc.Status = status
	sc.CompletedAt = &completedAt
	sc.Summary = summary
	r.s.scans[id] = sc
	return nil
}

func (r scanRepo) LatestByProject(_ context.Context, projectID string, limit int) ([]*domain.Scan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Scan
	for _, sc := range r.s.scans {
		if sc.ProjectID == projectID {
			c := sc
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r scanRepo) ListStale(_ context.Context, startedBefore time.Time) ([]*domain.Scan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Scan
	for _, sc := range r.s.scans {
		if sc.Status == domain.ScanRunning && sc.StartedAt.Before(startedBefore) {
			c := sc
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// ---- checks

type checkRepo struct{ s *Store }

func (r checkRepo) Create(_ context.Context, c *domain.Check) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.checks[c.ID] = *c
	return nil
}

func (r checkRepo) Get(_ context.Context, id string) (*domain.Check, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.checks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &c, nil
}

func (r checkRepo) ListByScan(_ context.Context, scanID string) ([]*domain.Check, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Check
	for _, c := range r.s.checks {
		if c.ScanID == scanID {
			cc := c
			out = append(out, &cc)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return checkRank(out[i].Type) < checkRank(out[j].Type)
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func checkRank(t domain.CheckType) int {
	for i, ct := range domain.CheckOrder {
		if ct == t {
			return i
		}
	}
	return len(domain.CheckOrder)
}

func (r checkRepo) UpdateStatus(_ context.Context, id string, status domain.CheckStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.checks[id]
	if !ok {
		return domain.ErrNotFound
	}
	if c.Status == domain.CheckCompleted {
		return domain.ErrAlreadyFinished
	}
	c.Status = status
	r.s.checks[id] = c
	return nil
}

func (r checkRepo) Complete(_ context.Context, id string, result *bool, details string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.checks[id]
	if !ok {
		return domain.ErrNotFound
	}
	if c.Status == domain.CheckCompleted {
		return domain.ErrAlreadyFinished
	}
	c.Status = domain.CheckCompleted
	c.Result = copyBool(result)
	c.Details = details
	r.s.checks[id] = c
	return nil
}

func (r checkRepo) ForceComplete(_ context.Context, scanID string, result *bool, details string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, c := range r.s.checks {
		if c.ScanID != scanID || c.Status == domain.CheckCompleted {
			continue
		}
		c.Status = domain.CheckCompleted
		c.Result = copyBool(result)
		c.Details = details
		r.s.checks[id] = c
		n++
	}
	return n, nil
}

func copyBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

// ---- evidence

type evidenceRepo struct{ s *Store }

func (r evidenceRepo) Append(_ context.Context, e *domain.Evidence) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.FailEvidence != nil {
		return r.s.FailEvidence
	}
	r.s.evidence = append(r.s.evidence, *e)
	return nil
}

func (r evidenceRepo) ListByCheck(_ context.Context, checkID string, page, pageSize int) ([]*domain.Evidence, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	var all []*domain.Evidence
	for _, e := range r.s.evidence {
		if e.CheckID != nil && *e.CheckID == checkID {
			ee := e
			all = append(all, &ee)
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	total := int64(len(all))
	start := (page - 1) * pageSize
	if start >= len(all) {
		return []*domain.Evidence{}, total, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

// AllEvidence returns every evidence row in append order.
func (s *Store) AllEvidence() []domain.Evidence {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Evidence, len(s.evidence))
	copy(out, s.evidence)
	return out
}

// ---- sessions

type sessionRepo struct{ s *Store }

func cloneSession(a domain.AutoFixSession) domain.AutoFixSession {
	a.Config = domain.MergeConfig(nil, a.Config)
	a.Result = domain.MergeConfig(nil, a.Result)
	return a
}

// openConflict reports whether another open session exists for the check.
// Callers hold the lock.
func (r sessionRepo) openConflict(a *domain.AutoFixSession) bool {
	if a.Status.Terminal() {
		return false
	}
	for id, other := range r.s.sessions {
		if id != a.ID && other.CheckID == a.CheckID && !other.Status.Terminal() {
			return true
		}
	}
	return false
}

func (r sessionRepo) Create(_ context.Context, a *domain.AutoFixSession) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.openConflict(a) {
		return domain.ErrSessionConflict
	}
	r.s.sessions[a.ID] = cloneSession(*a)
	return nil
}

func (r sessionRepo) Get(_ context.Context, id string) (*domain.AutoFixSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := cloneSession(a)
	return &c, nil
}

func (r sessionRepo) LatestByCheck(_ context.Context, checkID string) (*domain.AutoFixSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var best *domain.AutoFixSession
	for _, a := range r.s.sessions {
		if a.CheckID != checkID {
			continue
		}
		if best == nil || a.CreatedAt.After(best.CreatedAt) {
			c := cloneSession(a)
			best = &c
		}
	}
	if best == nil {
		return nil, domain.ErrNotFound
	}
	return best, nil
}

func (r sessionRepo) Update(_ context.Context, a *domain.AutoFixSession) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.sessions[a.ID]; !ok {
		return domain.ErrNotFound
	}
	if r.openConflict(a) {
		return domain.ErrSessionConflict
	}
	r.s.sessions[a.ID] = cloneSession(*a)
	return nil
}

func (r sessionRepo) Claim(_ context.Context, id string, config map[string]any, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if a.Status.Terminal() {
		return domain.ErrSessionConflict
	}
	a.Status = domain.SessionInProgress
	a.Config = domain.MergeConfig(nil, config)
	a.UpdatedAt = at
	r.s.sessions[id] = a
	return nil
}

func (r sessionRepo) Finish(_ context.Context, id string, status domain.SessionStatus, result map[string]any, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if a.Status != domain.SessionInProgress {
		return domain.ErrSessionConflict
	}
	a.Status = status
	a.Result = domain.MergeConfig(nil, result)
	a.UpdatedAt = at
	r.s.sessions[id] = a
	return nil
}

func (r sessionRepo) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.sessions[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.s.sessions, id)
	return nil
}
