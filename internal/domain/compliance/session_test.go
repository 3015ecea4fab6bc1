package compliance

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeResultNestsProjectLevelPhaseForMFA(t *testing.T) {
	current := map[string]any{"fix_phase": PhaseProjectLevel, "project_enabled": true}
	incoming := map[string]any{"fix_phase": PhaseUserLevel, "success": true}

	got := MergeResult(CheckMFA, current, incoming)

	assert.Equal(t, PhaseUserLevel, got["fix_phase"])
	assert.Equal(t, true, got["success"])
	assert.Equal(t, current, got[PhaseProjectLevel])
	assert.NotContains(t, got, "project_enabled")
}

func TestMergeResultNestsWhenCurrentHasNoPhase(t *testing.T) {
	current := map[string]any{"success": false}
	incoming := map[string]any{"fix_phase": PhaseUserLevel}

	got := MergeResult(CheckMFA, current, incoming)

	assert.Equal(t, current, got[PhaseProjectLevel])
}

func TestMergeResultShallowMergesOtherMFAUpdates(t *testing.T) {
	current := map[string]any{"fix_phase": PhaseUserLevel, "a": 1, "b": 2}
	incoming := map[string]any{"fix_phase": PhaseUserLevel, "b": 3}

	got := MergeResult(CheckMFA, current, incoming)

	assert.Equal(t, map[string]any{"fix_phase": PhaseUserLevel, "a": 1, "b": 3}, got)
}

func TestMergeResultReplacesForOtherTypes(t *testing.T) {
	current := map[string]any{"a": 1}
	incoming := map[string]any{"fix_phase": PhaseUserLevel}

	assert.Equal(t, incoming, MergeResult(CheckRLS, current, incoming))
	assert.Equal(t, incoming, MergeResult(CheckPITR, current, incoming))
}

func TestMergeConfigKeepsExistingKeys(t *testing.T) {
	got := MergeConfig(map[string]any{"a": 1, "b": 1}, map[string]any{"b": 2})
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, got)
}

func TestSummarizeIgnoresNullResults(t *testing.T) {
	checks := []*Check{
		{Result: BoolPtr(true)},
		{Result: BoolPtr(false)},
		{Result: nil},
	}
	s := Summarize(checks)
	assert.Equal(t, 3, s.TotalChecks)
	assert.Equal(t, 1, s.PassedChecks)
	assert.Equal(t, 1, s.FailedChecks)
}

func TestEnabledChecksTypesKeepsFixedOrder(t *testing.T) {
	e := EnabledChecks{PITR: true, MFA: true}
	assert.Equal(t, []CheckType{CheckMFA, CheckPITR}, e.Types())
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, 0.0, Percentage(0, 0))
	assert.Equal(t, 50.0, Percentage(1, 2))
	assert.Equal(t, 100.0, Percentage(3, 3))
}

func TestSessionStatusTerminal(t *testing.T) {
	assert.True(t, SessionFixed.Terminal())
	assert.True(t, SessionFailed.Terminal())
	assert.False(t, SessionInProgress.Terminal())
	assert.False(t, SessionNotStarted.Terminal())
}
