package autofix

import (
	"context"

	domain "github.com/bryanwahyu/supabase-compliance/internal/domain/compliance"
)

// trail writes the technical evidence of one fixer run.
type trail struct {
	rec       domain.EvidenceRecorder
	checkID   string
	projectID string
}

func (t trail) event(ctx context.Context, eventType, message string, sev domain.Severity, technical map[string]any) {
	if t.rec == nil || t.checkID == "" {
		return
	}
	t.rec.Record(ctx, t.checkID, message, sev, map[string]any{
		"event_type":        eventType,
		"project_id":        t.projectID,
		"technical_details": technical,
	})
}

// operationStatus labels a batch outcome for the completion event.
func operationStatus(success, total int) string {
	switch {
	case success == 0:
		return "failed"
	case success == total:
		return "fully_successful"
	default:
		return "partially_successful"
	}
}
