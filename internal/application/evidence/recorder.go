package evidence

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/bryanwahyu/supabase-compliance/internal/application"
	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
)

// Recorder is the append-only evidence log. Write failures are logged and
// swallowed so that recording never fails a check or fix.
type Recorder struct {
	Repo   domain.EvidenceRepository
	Clock  application.Clock
	Broker *Broker
}

func NewRecorder(repo domain.EvidenceRepository, clock application.Clock, broker *Broker) *Recorder {
	return &Recorder{Repo: repo, Clock: clock, Broker: broker}
}

// Record implements domain.EvidenceRecorder.
func (r *Recorder) Record(ctx context.Context, checkID string, content string, severity domain.Severity, metadata any) {
	if !severity.Valid() {
		severity = domain.SeverityInfo
	}
	e := &domain.Evidence{
		ID:        uuid.NewString(),
		Type:      "log",
		Content:   content,
		Severity:  severity,
		Timestamp: r.Clock.Now().UTC(),
		Metadata:  encodeMetadata(metadata),
	}
	if checkID != "" {
		id := checkID
		e.CheckID = &id
	}

	if err := r.Repo.Append(ctx, e); err != nil {
		log.Error().Err(err).
			Str("check_id", checkID).
			Str("severity", string(severity)).
			Str("content", content).
			Msg("evidence write failed")
		return
	}

	if r.Broker != nil {
		r.Broker.Publish(e)
	}
}

func encodeMetadata(metadata any) json.RawMessage {
	if metadata == nil {
		return nil
	}
	if raw, ok := metadata.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"unencodable": err.Error()})
	}
	return b
}
