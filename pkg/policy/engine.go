// Package policy evaluates governance rules against a request context.
// Rules are CEL predicates; each rule that fires emits a PolicyVerdict,
// and the verdict resolver merges the set into one action.
package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/aegis/pkg/verdict"
)

// Rule is one governance policy: a CEL predicate plus the verdict it
// emits when the predicate holds.
type Rule struct {
	ID         string         `json:"id" yaml:"id"`
	Expression string         `json:"expression" yaml:"expression"`
	Action     verdict.Action `json:"action" yaml:"action"`
	Precedence int            `json:"precedence" yaml:"precedence"`
	Reason     string         `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Request is the evaluation input exposed to rule expressions as the
// `request` variable.
type Request struct {
	Action     string         `json:"action"`
	TargetID   string         `json:"target_id"`
	IncidentID string         `json:"incident_id"`
	CostCents  int64          `json:"cost_cents"`
	Context    map[string]any `json:"context"`
}

// Engine compiles and evaluates rules. Compiled programs are cached
// behind an RWMutex; evaluation itself is lock-free reads.
type Engine struct {
	env   *cel.Env
	clock func() time.Time

	mu       sync.RWMutex
	rules    []Rule
	programs map[string]cel.Program
}

// NewEngine compiles the given rules eagerly so a malformed expression
// fails configuration, not a live governance decision.
func NewEngine(rules []Rule) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.DynType),
		cel.Variable("timestamp", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: creating CEL environment: %w", err)
	}

	e := &Engine{
		env:      env,
		clock:    time.Now,
		programs: make(map[string]cel.Program),
	}
	for _, r := range rules {
		if err := e.AddRule(r); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// AddRule compiles and registers a rule.
func (e *Engine) AddRule(r Rule) error {
	if r.ID == "" {
		return fmt.Errorf("policy: rule ID required")
	}
	if !r.Action.Valid() {
		return fmt.Errorf("policy: rule %s has unknown action %q", r.ID, r.Action)
	}

	ast, issues := e.env.Compile(r.Expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("policy: compiling rule %s: %w", r.ID, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return fmt.Errorf("policy: building program for rule %s: %w", r.ID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.programs[r.ID]; exists {
		return fmt.Errorf("policy: duplicate rule %s", r.ID)
	}
	e.programs[r.ID] = prg
	e.rules = append(e.rules, r)
	return nil
}

// RuleCount returns the number of registered rules.
func (e *Engine) RuleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Evaluate runs every rule against the request and returns the verdicts
// of those that fired. An evaluation error aborts the whole call — the
// caller routes it through the failure-mode handler rather than acting on
// a partial verdict set.
func (e *Engine) Evaluate(ctx context.Context, req Request) ([]verdict.PolicyVerdict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	input := map[string]any{
		"timestamp": e.clock().Unix(),
		"request": map[string]any{
			"action":      req.Action,
			"target_id":   req.TargetID,
			"incident_id": req.IncidentID,
			"cost_cents":  req.CostCents,
			"context":     normalizeContext(req.Context),
		},
	}

	e.mu.RLock()
	rules := make([]Rule, len(e.rules))
	copy(rules, e.rules)
	e.mu.RUnlock()

	var fired []verdict.PolicyVerdict
	for _, r := range rules {
		e.mu.RLock()
		prg := e.programs[r.ID]
		e.mu.RUnlock()

		out, _, err := prg.Eval(input)
		if err != nil {
			return nil, fmt.Errorf("policy: evaluating rule %s: %w", r.ID, err)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			return nil, fmt.Errorf("policy: rule %s returned %T, want bool", r.ID, out.Value())
		}
		if matched {
			fired = append(fired, verdict.PolicyVerdict{
				PolicyID:   r.ID,
				Action:     r.Action,
				Precedence: r.Precedence,
				Reason:     r.Reason,
			})
		}
	}
	return fired, nil
}

// normalizeContext guarantees rule expressions can always index into
// request.context without a missing-map error.
func normalizeContext(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
