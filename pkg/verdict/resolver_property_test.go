//go:build property
// +build property

// Property-based tests for the conflict resolver's determinism guarantees.
package verdict_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/Mindburn-Labs/aegis/pkg/verdict"
)

var actionGen = gen.OneConstOf(
	verdict.ActionContinue,
	verdict.ActionWarn,
	verdict.ActionPause,
	verdict.ActionStop,
	verdict.ActionKill,
)

func verdictsGen() gopter.Gen {
	return gen.SliceOf(gopter.CombineGens(
		gen.Identifier(),
		actionGen,
		gen.IntRange(0, 100),
	).Map(func(vals []interface{}) verdict.PolicyVerdict {
		return verdict.PolicyVerdict{
			PolicyID:   vals[0].(string),
			Action:     vals[1].(verdict.Action),
			Precedence: vals[2].(int),
		}
	}))
}

// Property: Resolve(v) == Resolve(v) for any verdict list.
func TestResolveIdempotence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	for _, strategy := range []verdict.Strategy{
		verdict.PrecedenceFirst, verdict.SeverityFirst, verdict.FailClosed,
	} {
		r := verdict.NewResolver(strategy)
		properties.Property(string(strategy)+" is idempotent", prop.ForAll(
			func(vs []verdict.PolicyVerdict) bool {
				first := r.Resolve(vs)
				second := r.Resolve(vs)
				if first.WinningAction != second.WinningAction {
					return false
				}
				if first.WinningPolicyID != second.WinningPolicyID {
					return false
				}
				return first.ConflictDetected == second.ConflictDetected
			},
			verdictsGen(),
		))
	}

	properties.TestingRun(t)
}

// Property: under FAIL_CLOSED the winner's severity is maximal.
func TestFailClosedWinnerIsMostRestrictive(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	r := verdict.NewResolver(verdict.FailClosed)
	properties.Property("winner has maximal severity", prop.ForAll(
		func(vs []verdict.PolicyVerdict) bool {
			out := r.Resolve(vs)
			for _, v := range vs {
				if v.Action.Severity() > out.WinningAction.Severity() {
					return false
				}
			}
			return true
		},
		verdictsGen(),
	))

	properties.TestingRun(t)
}
