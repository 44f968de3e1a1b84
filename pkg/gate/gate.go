// Package gate is the single entry point for governance decisions. It
// composes the kill switch, circuit breakers, policy evaluation, verdict
// resolution, failure-mode handling and execution scopes into one
// check-then-act surface, and labels every denial with what actually
// denied it: a policy said no, the infrastructure could not say yes, or
// a grant was misused.
package gate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/aegis/pkg/auditchain"
	"github.com/Mindburn-Labs/aegis/pkg/breaker"
	"github.com/Mindburn-Labs/aegis/pkg/failuremode"
	"github.com/Mindburn-Labs/aegis/pkg/killswitch"
	"github.com/Mindburn-Labs/aegis/pkg/observability"
	"github.com/Mindburn-Labs/aegis/pkg/policy"
	"github.com/Mindburn-Labs/aegis/pkg/scope"
	"github.com/Mindburn-Labs/aegis/pkg/verdict"
)

// Outcome classifies a governance decision. Denials carry their origin:
// conflating "a policy blocked this" with "the store was down" would
// make both policy audits and incident response lie.
type Outcome string

const (
	OutcomeAllowed            Outcome = "ALLOWED"
	OutcomeAllowedWithWarning Outcome = "ALLOWED_WITH_WARNING"

	OutcomeBlockedKillSwitch Outcome = "BLOCKED_KILL_SWITCH"
	OutcomeBlockedBreaker    Outcome = "BLOCKED_BREAKER"
	OutcomeBlockedPolicy     Outcome = "BLOCKED_POLICY"

	// OutcomeBlockedInfrastructure means evaluation itself failed and the
	// failure mode resolved to block. Nothing about the request was judged.
	OutcomeBlockedInfrastructure Outcome = "BLOCKED_INFRASTRUCTURE"
)

// Decision is the result of one governance check.
type Decision struct {
	Outcome  Outcome                  `json:"outcome"`
	Reason   string                   `json:"reason,omitempty"`
	Resolved *verdict.ResolvedVerdict `json:"resolved,omitempty"`
	Breaker  *breaker.Snapshot        `json:"breaker,omitempty"`
	Failure  *failuremode.Decision    `json:"failure,omitempty"`
}

// Allowed reports whether the guarded action may proceed.
func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeAllowed || d.Outcome == OutcomeAllowedWithWarning
}

// Deps are the collaborators a Gate composes. All are required except
// Observability and Logger.
type Deps struct {
	TenantID      string
	KillSwitch    *killswitch.Switch
	Guard         *breaker.Guard
	Engine        *policy.Engine
	Resolver      *verdict.Resolver
	Failures      *failuremode.Handler
	Scopes        *scope.Manager
	Audit         *auditchain.Chain
	Observability *observability.Provider
	Logger        *slog.Logger
}

// Gate is the governance facade. Safe for concurrent use.
type Gate struct {
	tenantID string
	kill     *killswitch.Switch
	guard    *breaker.Guard
	engine   *policy.Engine
	resolver *verdict.Resolver
	failures *failuremode.Handler
	scopes   *scope.Manager
	audit    *auditchain.Chain
	obs      *observability.Provider
	logger   *slog.Logger
}

// New builds a gate from its dependencies.
func New(deps Deps) (*Gate, error) {
	if deps.TenantID == "" {
		return nil, fmt.Errorf("gate: tenant ID required")
	}
	for name, missing := range map[string]bool{
		"kill switch":     deps.KillSwitch == nil,
		"breaker guard":   deps.Guard == nil,
		"policy engine":   deps.Engine == nil,
		"resolver":        deps.Resolver == nil,
		"failure handler": deps.Failures == nil,
		"scope manager":   deps.Scopes == nil,
		"audit chain":     deps.Audit == nil,
	} {
		if missing {
			return nil, fmt.Errorf("gate: %s required", name)
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		tenantID: deps.TenantID,
		kill:     deps.KillSwitch,
		guard:    deps.Guard,
		engine:   deps.Engine,
		resolver: deps.Resolver,
		failures: deps.Failures,
		scopes:   deps.Scopes,
		audit:    deps.Audit,
		obs:      deps.Observability,
		logger:   logger.With("component", "gate"),
	}, nil
}

// Check runs the full governance pipeline for one intended action.
//
// Order matters: the kill switch outranks everything, breakers outrank
// policy, and only a fully evaluated policy set can produce a policy
// verdict. A KILL verdict additionally throws the kill switch.
func (g *Gate) Check(ctx context.Context, req policy.Request) Decision {
	ctx, finish := g.track(ctx, req)
	d := g.check(ctx, req)
	finish(string(d.Outcome), nil)

	if !d.Allowed() {
		g.auditDecision(ctx, req, d)
	}
	return d
}

func (g *Gate) check(ctx context.Context, req policy.Request) Decision {
	if g.kill.IsDisabled() {
		return Decision{
			Outcome: OutcomeBlockedKillSwitch,
			Reason:  "kill switch is active",
		}
	}

	snap := g.guard.Check(req.TargetID)
	if snap.Blocked() {
		reason := fmt.Sprintf("circuit breaker for %s is open", req.TargetID)
		if snap.Stale {
			reason = fmt.Sprintf("circuit breaker state for %s is unknown", req.TargetID)
		}
		return Decision{
			Outcome: OutcomeBlockedBreaker,
			Reason:  reason,
			Breaker: &snap,
		}
	}

	fired, err := g.engine.Evaluate(ctx, req)
	if err != nil {
		fd := g.failures.Handle(err, fmt.Sprintf("policy evaluation for %s", req.TargetID), failuremode.FailurePolicyEval)
		if fd.ShouldBlock {
			return Decision{
				Outcome: OutcomeBlockedInfrastructure,
				Reason:  fd.Reason,
				Failure: &fd,
			}
		}
		outcome := OutcomeAllowed
		if fd.Action == verdict.ActionWarn {
			outcome = OutcomeAllowedWithWarning
		}
		return Decision{Outcome: outcome, Reason: fd.Reason, Failure: &fd}
	}

	resolved := g.resolver.Resolve(fired)
	switch resolved.WinningAction {
	case verdict.ActionContinue:
		return Decision{Outcome: OutcomeAllowed, Resolved: &resolved}
	case verdict.ActionWarn:
		return Decision{
			Outcome:  OutcomeAllowedWithWarning,
			Reason:   winnerReason(resolved),
			Resolved: &resolved,
		}
	case verdict.ActionKill:
		// A KILL verdict is not just a denial of this request; it takes
		// the whole tenant's automation down with it.
		if _, err := g.kill.Activate(ctx, winnerReason(resolved), killswitch.TriggerSystem, 0); err != nil {
			g.logger.Error("kill switch activation after KILL verdict failed", "error", err)
		}
		if g.obs != nil {
			g.obs.RecordKillSwitch(ctx, g.tenantID, string(killswitch.TriggerSystem))
		}
		return Decision{
			Outcome:  OutcomeBlockedPolicy,
			Reason:   winnerReason(resolved),
			Resolved: &resolved,
		}
	default: // PAUSE and STOP both deny the action.
		return Decision{
			Outcome:  OutcomeBlockedPolicy,
			Reason:   winnerReason(resolved),
			Resolved: &resolved,
		}
	}
}

// Redeem consumes one attempt against an execution scope, after the same
// kill-switch and breaker screens as Check. Grant misuse is surfaced to
// telemetry as a tamper signal.
func (g *Gate) Redeem(ctx context.Context, targetID string, req scope.ExecuteRequest) scope.Outcome {
	if g.kill.IsDisabled() {
		return scope.Outcome{Code: scope.OutcomeRevoked, Reason: "kill switch is active"}
	}
	if snap := g.guard.Check(targetID); snap.Blocked() {
		return scope.Outcome{Code: scope.OutcomeRevoked,
			Reason: fmt.Sprintf("circuit breaker for %s is open", targetID)}
	}

	out := g.scopes.Execute(ctx, req)
	if out.Tampering() && g.obs != nil {
		g.obs.RecordTamperSignal(ctx, g.tenantID, string(out.Code))
	}
	return out
}

// Grant mints a new execution scope.
func (g *Gate) Grant(ctx context.Context, req scope.CreateRequest) (*scope.Scope, error) {
	if g.kill.IsDisabled() {
		return nil, fmt.Errorf("gate: kill switch is active, refusing to mint scopes")
	}
	return g.scopes.CreateScope(ctx, req)
}

func (g *Gate) track(ctx context.Context, req policy.Request) (context.Context, func(string, error)) {
	if g.obs == nil {
		return ctx, func(string, error) {}
	}
	return g.obs.TrackDecision(ctx, "governance.check",
		observability.AttrTenantID.String(g.tenantID),
		observability.AttrTargetID.String(req.TargetID),
		observability.AttrAction.String(req.Action),
	)
}

func (g *Gate) auditDecision(ctx context.Context, req policy.Request, d Decision) {
	details := map[string]any{
		"outcome":   string(d.Outcome),
		"action":    req.Action,
		"target_id": req.TargetID,
		"reason":    d.Reason,
	}
	if d.Resolved != nil {
		details["winning_policy_id"] = d.Resolved.WinningPolicyID
		details["conflict_detected"] = d.Resolved.ConflictDetected
	}
	if d.Failure != nil {
		details["failure_type"] = string(d.Failure.FailureType)
	}
	if _, err := g.audit.Append(ctx, auditchain.Event{
		TenantID:   g.tenantID,
		Actor:      "system",
		Intent:     "GOVERNANCE_DECISION_BLOCKED",
		ObjectType: "governance_decision",
		ObjectID:   req.TargetID,
		Details:    details,
	}); err != nil {
		g.logger.Error("audit append for blocked decision failed",
			"target_id", req.TargetID, "outcome", string(d.Outcome), "error", err)
	}
}

func winnerReason(r verdict.ResolvedVerdict) string {
	for _, v := range r.AllTriggered {
		if v.PolicyID == r.WinningPolicyID && v.Reason != "" {
			return fmt.Sprintf("policy %s: %s", v.PolicyID, v.Reason)
		}
	}
	return fmt.Sprintf("policy %s demands %s", r.WinningPolicyID, r.WinningAction)
}
