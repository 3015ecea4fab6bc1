package ai

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/bryanwahyu/supabase-compliance/internal/domain/ai"
	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
)

// ErrDisabled is returned when no advisor model is configured.
var ErrDisabled = errors.New("ai advisor is not configured")

const (
	evidenceWindow = 100
	evidenceShown  = 5
)

type Service struct {
	client   ai.Client
	projects domain.ProjectRepository
	checks   domain.CheckRepository
	evidence domain.EvidenceRepository
}

func NewService(client ai.Client, projects domain.ProjectRepository, checks domain.CheckRepository, evidence domain.EvidenceRepository) *Service {
	return &Service{client: client, projects: projects, checks: checks, evidence: evidence}
}

// ChatRequest is one user question about a check.
type ChatRequest struct {
	CheckID string       `json:"check_id"`
	Message string       `json:"message"`
	History []ai.Message `json:"history"`
}

// Chat answers a question with the check's details and most relevant
// evidence as context.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (string, error) {
	if strings.TrimSpace(req.Message) == "" {
		return "", domain.Invalid("message", "Message is required")
	}
	if strings.TrimSpace(req.CheckID) == "" {
		return "", domain.Invalid("check_id", "Check ID is required")
	}
	if s.client == nil {
		return "", ErrDisabled
	}

	c, err := s.checks.Get(ctx, req.CheckID)
	if err != nil {
		return "", err
	}
	cc := ai.CheckContext{
		CheckType: string(c.Type),
		Status:    string(c.Status),
		Result:    c.Result,
		Details:   c.Details,
	}
	if p, err := s.projects.Get(ctx, c.ProjectID); err == nil {
		cc.ProjectName = p.Name
	}

	rows, total, err := s.evidence.ListByCheck(ctx, c.ID, 1, evidenceWindow)
	if err != nil {
		// advice without evidence is still useful
		log.Warn().Err(err).Str("check_id", c.ID).Msg("load evidence for advisor")
	} else {
		cc.Evidence = pickEvidence(rows)
		cc.EvidenceTotal = int(total)
	}

	reply, err := s.client.Advise(ctx, ai.AdviceRequest{Check: cc, History: req.History, Question: req.Message})
	if err != nil {
		return "", err
	}
	return reply, nil
}

var severityRank = map[domain.Severity]int{
	domain.SeverityError:   0,
	domain.SeverityWarning: 1,
	domain.SeverityInfo:    2,
}

// pickEvidence keeps the most severe, newest rows.
func pickEvidence(rows []*domain.Evidence) []ai.EvidenceLine {
	sorted := make([]*domain.Evidence, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := severityRank[sorted[i].Severity], severityRank[sorted[j].Severity]
		if ri != rj {
			return ri < rj
		}
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})
	if len(sorted) > evidenceShown {
		sorted = sorted[:evidenceShown]
	}
	out := make([]ai.EvidenceLine, 0, len(sorted))
	for _, e := range sorted {
		out = append(out, ai.EvidenceLine{Severity: string(e.Severity), Content: e.Content, Timestamp: e.Timestamp})
	}
	return out
}
