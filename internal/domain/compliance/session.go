package compliance

// SessionPatch is a partial update of an auto-fix session.
type SessionPatch struct {
	Config map[string]any `json:"config,omitempty"`
	Status *SessionStatus `json:"status,omitempty"`
	Result map[string]any `json:"result,omitempty"`
}

// MergeConfig shallow-merges patch keys over the existing config.
func MergeConfig(current, patch map[string]any) map[string]any {
	out := make(map[string]any, len(current)+len(patch))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// MergeResult combines a stored session result with an incoming one.
//
// For MFA sessions that move from the project_level phase (or no phase) to
// user_level, the previous result is nested under "project_level" inside the
// new result. Other MFA updates shallow-merge. Non-MFA results are replaced.
func MergeResult(t CheckType, current, incoming map[string]any) map[string]any {
	if t != CheckMFA || len(current) == 0 {
		return incoming
	}
	newPhase, _ := incoming["fix_phase"].(string)
	oldPhase, _ := current["fix_phase"].(string)
	if newPhase == PhaseUserLevel && (oldPhase == "" || oldPhase == PhaseProjectLevel) {
		out := make(map[string]any, len(incoming)+1)
		for k, v := range incoming {
			out[k] = v
		}
		out[PhaseProjectLevel] = current
		return out
	}
	return MergeConfig(current, incoming)
}
