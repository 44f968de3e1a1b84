package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes for governance telemetry.
var (
	AttrTenantID   = attribute.Key("aegis.tenant.id")
	AttrTargetID   = attribute.Key("aegis.target.id")
	AttrIncidentID = attribute.Key("aegis.incident.id")
	AttrAction     = attribute.Key("aegis.action")

	AttrDecisionOutcome = attribute.Key("aegis.decision.outcome")
	AttrWinningPolicy   = attribute.Key("aegis.policy.winner")
	AttrConflict        = attribute.Key("aegis.policy.conflict")

	AttrBreakerState = attribute.Key("aegis.breaker.state")
	AttrBreakerStale = attribute.Key("aegis.breaker.stale")
	AttrTripCause    = attribute.Key("aegis.breaker.trip_cause")

	AttrScopeID      = attribute.Key("aegis.scope.id")
	AttrScopeOutcome = attribute.Key("aegis.scope.outcome")

	AttrFailureMode = attribute.Key("aegis.failure_mode")
	AttrFailureType = attribute.Key("aegis.failure_type")
)

// SpanAttrs sets attributes on the span in ctx, if any.
func SpanAttrs(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}
