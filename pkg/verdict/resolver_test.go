package verdict

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve_EmptyInput(t *testing.T) {
	r := NewResolver(PrecedenceFirst)
	out := r.Resolve(nil)

	assert.Equal(t, ActionContinue, out.WinningAction)
	assert.Empty(t, out.WinningPolicyID)
	assert.False(t, out.ConflictDetected)
	assert.Empty(t, out.AllTriggered)
}

func TestResolve_SingleVerdict(t *testing.T) {
	r := NewResolver(PrecedenceFirst)
	out := r.Resolve([]PolicyVerdict{
		{PolicyID: "rate-guard", Action: ActionPause, Precedence: 20},
	})

	assert.Equal(t, ActionPause, out.WinningAction)
	assert.Equal(t, "rate-guard", out.WinningPolicyID)
	assert.False(t, out.ConflictDetected)
	assert.Len(t, out.AllTriggered, 1)
}

func TestResolve_EqualPrecedenceSeverityBreaksTie(t *testing.T) {
	// Scenario: P1 STOP and P2 WARN at equal precedence. STOP is more
	// severe, so P1 must win.
	r := NewResolver(PrecedenceFirst)
	out := r.Resolve([]PolicyVerdict{
		{PolicyID: "P1", Action: ActionStop, Precedence: 10},
		{PolicyID: "P2", Action: ActionWarn, Precedence: 10},
	})

	assert.Equal(t, "P1", out.WinningPolicyID)
	assert.Equal(t, ActionStop, out.WinningAction)
	assert.True(t, out.ConflictDetected)
}

func TestResolve_PrecedenceFirstBeatsSeverity(t *testing.T) {
	// Scenario: P1 STOP at precedence 50, P2 ALLOW at precedence 1.
	// Under PRECEDENCE_FIRST the lower precedence number wins even though
	// its action is less severe.
	r := NewResolver(PrecedenceFirst)
	out := r.Resolve([]PolicyVerdict{
		{PolicyID: "P1", Action: ActionStop, Precedence: 50},
		{PolicyID: "P2", Action: ActionContinue, Precedence: 1},
	})

	assert.Equal(t, "P2", out.WinningPolicyID)
	assert.Equal(t, ActionContinue, out.WinningAction)
	assert.True(t, out.ConflictDetected)
}

func TestResolve_SeverityFirst(t *testing.T) {
	r := NewResolver(SeverityFirst)
	out := r.Resolve([]PolicyVerdict{
		{PolicyID: "P1", Action: ActionStop, Precedence: 50},
		{PolicyID: "P2", Action: ActionContinue, Precedence: 1},
	})

	assert.Equal(t, "P1", out.WinningPolicyID)
	assert.Equal(t, ActionStop, out.WinningAction)
}

func TestResolve_FailClosedPicksMostRestrictive(t *testing.T) {
	r := NewResolver(FailClosed)
	out := r.Resolve([]PolicyVerdict{
		{PolicyID: "low", Action: ActionWarn, Precedence: 1},
		{PolicyID: "high", Action: ActionKill, Precedence: 99},
	})

	assert.Equal(t, ActionKill, out.WinningAction)
	assert.Equal(t, "high", out.WinningPolicyID)
}

func TestResolve_FullTieBreaksOnPolicyID(t *testing.T) {
	r := NewResolver(PrecedenceFirst)
	out := r.Resolve([]PolicyVerdict{
		{PolicyID: "zeta", Action: ActionStop, Precedence: 5},
		{PolicyID: "alpha", Action: ActionStop, Precedence: 5},
		{PolicyID: "mike", Action: ActionStop, Precedence: 5},
	})

	assert.Equal(t, "alpha", out.WinningPolicyID)
	assert.False(t, out.ConflictDetected, "identical actions are not a conflict")
}

func TestResolve_Idempotent(t *testing.T) {
	r := NewResolver(SeverityFirst)
	in := []PolicyVerdict{
		{PolicyID: "b", Action: ActionPause, Precedence: 3},
		{PolicyID: "a", Action: ActionStop, Precedence: 7},
		{PolicyID: "c", Action: ActionWarn, Precedence: 1},
	}

	first := r.Resolve(in)
	second := r.Resolve(in)
	assert.Equal(t, first, second)
}

func TestResolve_DoesNotMutateInput(t *testing.T) {
	r := NewResolver(SeverityFirst)
	in := []PolicyVerdict{
		{PolicyID: "b", Action: ActionWarn, Precedence: 3},
		{PolicyID: "a", Action: ActionStop, Precedence: 7},
	}
	r.Resolve(in)
	assert.Equal(t, "b", in[0].PolicyID, "caller slice must keep its order")
}

func TestResolve_ConflictFlagDoesNotChangeWinner(t *testing.T) {
	r := NewResolver(PrecedenceFirst)
	uniform := r.Resolve([]PolicyVerdict{
		{PolicyID: "x", Action: ActionStop, Precedence: 2},
		{PolicyID: "y", Action: ActionStop, Precedence: 4},
	})
	assert.False(t, uniform.ConflictDetected)
	assert.Equal(t, "x", uniform.WinningPolicyID)
}

func TestNewResolver_UnknownStrategyFallsBackToFailClosed(t *testing.T) {
	r := NewResolver(Strategy("MAJORITY_VOTE"))
	assert.Equal(t, FailClosed, r.Strategy())
}

func TestParseAction_Aliases(t *testing.T) {
	cases := map[string]Action{
		"ALLOW":    ActionContinue,
		"BLOCK":    ActionStop,
		"ABORT":    ActionKill,
		"CONTINUE": ActionContinue,
		"KILL":     ActionKill,
	}
	for in, want := range cases {
		got, err := ParseAction(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseAction("SHRUG")
	assert.Error(t, err)
}

func TestActionSeverity_UnknownRanksAboveKill(t *testing.T) {
	assert.Greater(t, Action("GARBAGE").Severity(), ActionKill.Severity())
}
