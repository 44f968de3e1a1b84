// Package verdict defines policy verdicts and the deterministic conflict
// resolver that merges simultaneously-triggered verdicts into one action.
package verdict

import "fmt"

// Action is the closed set of actions a policy can demand.
// Severity is strictly ordered: Continue < Warn < Pause < Stop < Kill.
type Action string

const (
	ActionContinue Action = "CONTINUE"
	ActionWarn     Action = "WARN"
	ActionPause    Action = "PAUSE"
	ActionStop     Action = "STOP"
	ActionKill     Action = "KILL"
)

// severityRank orders actions from least to most restrictive.
var severityRank = map[Action]int{
	ActionContinue: 0,
	ActionWarn:     1,
	ActionPause:    2,
	ActionStop:     3,
	ActionKill:     4,
}

// Severity returns the restrictiveness rank of the action.
// Unknown actions rank above Kill so a corrupted verdict can never
// silently resolve to an allow.
func (a Action) Severity() int {
	if r, ok := severityRank[a]; ok {
		return r
	}
	return len(severityRank)
}

// Valid reports whether a is one of the five canonical actions.
func (a Action) Valid() bool {
	_, ok := severityRank[a]
	return ok
}

// ParseAction decodes an action string at the boundary, folding the
// legacy aliases ALLOW, BLOCK and ABORT onto their canonical values.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionContinue, ActionWarn, ActionPause, ActionStop, ActionKill:
		return Action(s), nil
	}
	switch s {
	case "ALLOW":
		return ActionContinue, nil
	case "BLOCK":
		return ActionStop, nil
	case "ABORT":
		return ActionKill, nil
	}
	return "", fmt.Errorf("verdict: unknown action %q", s)
}

// PolicyVerdict is one policy's demand for the in-flight action.
// Lower precedence numbers bind tighter.
type PolicyVerdict struct {
	PolicyID   string `json:"policy_id"`
	Action     Action `json:"action"`
	Precedence int    `json:"precedence"`
	Reason     string `json:"reason,omitempty"`
}

// ResolvedVerdict is the deterministic merge of all triggered verdicts.
type ResolvedVerdict struct {
	WinningAction    Action          `json:"winning_action"`
	WinningPolicyID  string          `json:"winning_policy_id,omitempty"`
	ConflictDetected bool            `json:"conflict_detected"`
	AllTriggered     []PolicyVerdict `json:"all_triggered"`
}
