package verdict

import "sort"

// Strategy selects the primary sort key used to pick a winner.
type Strategy string

const (
	// PrecedenceFirst ranks by precedence (ascending), then severity.
	PrecedenceFirst Strategy = "PRECEDENCE_FIRST"
	// SeverityFirst ranks by action severity (descending), then precedence.
	SeverityFirst Strategy = "SEVERITY_FIRST"
	// FailClosed always picks the most restrictive action, ignoring precedence
	// as a primary key. Use when policy authorship cannot be trusted to keep
	// precedence numbers coherent.
	FailClosed Strategy = "FAIL_CLOSED"
)

// Resolver merges simultaneously-triggered policy verdicts into one
// deterministic outcome. It is pure: no I/O, no shared state, and identical
// input always yields an identical ResolvedVerdict.
type Resolver struct {
	strategy Strategy
}

// NewResolver returns a resolver for the given strategy.
// An unknown strategy falls back to FailClosed.
func NewResolver(s Strategy) *Resolver {
	switch s {
	case PrecedenceFirst, SeverityFirst, FailClosed:
		return &Resolver{strategy: s}
	}
	return &Resolver{strategy: FailClosed}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() Strategy { return r.strategy }

// Resolve picks a single winning verdict from the triggered set.
//
// The sort key is total: primary per strategy, secondary the complementary
// key, tertiary policy_id lexicographic ascending. The tertiary key
// guarantees a reproducible winner even for verdicts identical in both
// precedence and severity.
func (r *Resolver) Resolve(verdicts []PolicyVerdict) ResolvedVerdict {
	if len(verdicts) == 0 {
		return ResolvedVerdict{
			WinningAction:    ActionContinue,
			ConflictDetected: false,
			AllTriggered:     []PolicyVerdict{},
		}
	}

	// Work on a copy so the caller's slice is never reordered.
	sorted := make([]PolicyVerdict, len(verdicts))
	copy(sorted, verdicts)

	sort.SliceStable(sorted, func(i, j int) bool {
		return r.less(sorted[i], sorted[j])
	})

	winner := sorted[0]
	return ResolvedVerdict{
		WinningAction:    winner.Action,
		WinningPolicyID:  winner.PolicyID,
		ConflictDetected: len(verdicts) > 1 && distinctActions(verdicts),
		AllTriggered:     sorted,
	}
}

// less reports whether a outranks b under the configured strategy.
func (r *Resolver) less(a, b PolicyVerdict) bool {
	switch r.strategy {
	case PrecedenceFirst:
		if a.Precedence != b.Precedence {
			return a.Precedence < b.Precedence
		}
		if a.Action.Severity() != b.Action.Severity() {
			return a.Action.Severity() > b.Action.Severity()
		}
	default: // SeverityFirst and FailClosed both rank restrictiveness first.
		if a.Action.Severity() != b.Action.Severity() {
			return a.Action.Severity() > b.Action.Severity()
		}
		if a.Precedence != b.Precedence {
			return a.Precedence < b.Precedence
		}
	}
	return a.PolicyID < b.PolicyID
}

func distinctActions(verdicts []PolicyVerdict) bool {
	first := verdicts[0].Action
	for _, v := range verdicts[1:] {
		if v.Action != first {
			return true
		}
	}
	return false
}
