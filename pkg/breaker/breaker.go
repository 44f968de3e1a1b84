package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/aegis/pkg/auditchain"
)

// casRetries bounds the optimistic-concurrency retry loop. Past this the
// store is either down or pathologically contended; both are reported as
// ErrUnavailable and treated as OPEN by callers.
const casRetries = 5

// Breaker manages circuit state for all guarded targets of one tenant.
// All state mutation goes through the store's compare-and-swap, so
// instances in separate processes sharing a store stay coherent.
type Breaker struct {
	tenantID string
	cfg      Config
	store    Store
	audit    *auditchain.Chain
	notifier IncidentNotifier
	logger   *slog.Logger
	clock    func() time.Time
}

// New builds a breaker. notifier may be nil when no incident tracker is
// wired.
func New(tenantID string, cfg Config, store Store, audit *auditchain.Chain, notifier IncidentNotifier, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Breaker{
		tenantID: tenantID,
		cfg:      cfg,
		store:    store,
		audit:    audit,
		notifier: notifier,
		logger:   logger.With("component", "breaker"),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// GetState returns the current state for a target, creating a CLOSED row
// on first use.
//
// This read has a side effect: an OPEN breaker whose cooldown has elapsed
// transitions back to CLOSED here, on the read path. There is no
// background timer. The compare-and-swap guarantees exactly one reader
// wins the transition and emits the single recovery audit event; everyone
// else just observes CLOSED.
func (b *Breaker) GetState(ctx context.Context, targetID string) (*State, error) {
	state, err := b.getOrCreate(ctx, targetID)
	if err != nil {
		return nil, err
	}

	if state.State == StateOpen && !state.CooldownUntil.IsZero() && !b.clock().Before(state.CooldownUntil) {
		next := *state
		next.State = StateClosed
		next.OpenedAt = time.Time{}
		next.CooldownUntil = time.Time{}
		next.UpdatedAt = b.clock().UTC()

		err := b.store.CompareAndSwap(ctx, state.Version, next)
		switch {
		case err == nil:
			next.Version = state.Version + 1
			b.appendAudit(ctx, "BREAKER_RECOVERED", targetID, map[string]any{
				"cooldown_until": state.CooldownUntil,
			})
			b.fireAndForget(func(ctx context.Context) {
				b.notifier.NotifyResolve(ctx, next)
			})
			return &next, nil
		case errors.Is(err, ErrConditionFailed):
			// Another reader or a manual operation got there first.
			return b.getOrCreate(ctx, targetID)
		default:
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return state, nil
}

// IsDisabled reports whether the target is currently blocked. Any store
// fault reads as disabled: unreachable state is never an allow.
func (b *Breaker) IsDisabled(ctx context.Context, targetID string) bool {
	state, err := b.GetState(ctx, targetID)
	if err != nil {
		b.logger.Warn("breaker state unreachable, failing closed",
			"target_id", targetID, "error", err)
		return true
	}
	return state.State == StateOpen
}

// RecordFailure increments the cumulative failure count and trips the
// breaker when the count reaches the configured threshold. The increment
// and the trip are one compare-and-swap, so the threshold crossing trips
// exactly once.
func (b *Breaker) RecordFailure(ctx context.Context, targetID string) (*State, error) {
	return b.mutate(ctx, targetID, func(next *State) TripCause {
		next.FailureCount++
		if next.State == StateClosed && next.FailureCount >= b.cfg.FailureThreshold {
			return CauseFailures
		}
		return ""
	})
}

// ReportDrift records the latest drift score and trips when it exceeds
// the drift threshold.
func (b *Breaker) ReportDrift(ctx context.Context, targetID string, score float64) (*State, error) {
	return b.mutate(ctx, targetID, func(next *State) TripCause {
		next.DriftScore = score
		if next.State == StateClosed && score > b.cfg.DriftThreshold {
			return CauseDrift
		}
		return ""
	})
}

// ReportSchemaError increments the schema error count and trips when it
// exceeds the threshold.
func (b *Breaker) ReportSchemaError(ctx context.Context, targetID string) (*State, error) {
	return b.mutate(ctx, targetID, func(next *State) TripCause {
		next.SchemaErrorCount++
		if next.State == StateClosed && next.SchemaErrorCount > b.cfg.SchemaErrorThreshold {
			return CauseSchemaError
		}
		return ""
	})
}

// Disable opens the breaker manually. A manual open has no cooldown; it
// stays open until Enable.
func (b *Breaker) Disable(ctx context.Context, targetID, reason string) (*State, error) {
	state, err := b.mutate(ctx, targetID, func(next *State) TripCause {
		if next.State == StateOpen {
			// Already open; make it sticky.
			next.CooldownUntil = time.Time{}
			return ""
		}
		return CauseManual
	})
	if err != nil {
		return nil, err
	}
	b.logger.Info("breaker manually disabled", "target_id", targetID, "reason", reason)
	return state, nil
}

// Enable closes the breaker manually and resets all cumulative counters.
// This is the only place counters reset; they are not on a rolling window.
func (b *Breaker) Enable(ctx context.Context, targetID, reason string) (*State, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		state, err := b.getOrCreate(ctx, targetID)
		if err != nil {
			return nil, err
		}
		if state.State == StateClosed {
			return state, nil
		}

		next := *state
		next.State = StateClosed
		next.FailureCount = 0
		next.DriftScore = 0
		next.SchemaErrorCount = 0
		next.OpenedAt = time.Time{}
		next.CooldownUntil = time.Time{}
		next.UpdatedAt = b.clock().UTC()

		err = b.store.CompareAndSwap(ctx, state.Version, next)
		if errors.Is(err, ErrConditionFailed) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		next.Version = state.Version + 1

		b.appendAudit(ctx, "BREAKER_ENABLED", targetID, map[string]any{"reason": reason})
		b.fireAndForget(func(ctx context.Context) {
			b.notifier.NotifyResolve(ctx, next)
		})
		return &next, nil
	}
	return nil, fmt.Errorf("%w: enable contention on %s", ErrUnavailable, targetID)
}

// mutate runs the read-modify-CAS loop. apply adjusts counters on next and
// returns a non-empty TripCause when the mutation must also open the
// breaker.
func (b *Breaker) mutate(ctx context.Context, targetID string, apply func(*State) TripCause) (*State, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		state, err := b.getOrCreate(ctx, targetID)
		if err != nil {
			return nil, err
		}

		next := *state
		cause := apply(&next)
		tripped := cause != ""
		if tripped {
			now := b.clock().UTC()
			next.State = StateOpen
			next.OpenedAt = now
			if cause == CauseManual {
				next.CooldownUntil = time.Time{}
			} else {
				next.CooldownUntil = now.Add(b.cfg.Cooldown)
			}
		}
		next.UpdatedAt = b.clock().UTC()

		err = b.store.CompareAndSwap(ctx, state.Version, next)
		if errors.Is(err, ErrConditionFailed) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		next.Version = state.Version + 1

		if tripped {
			b.appendAudit(ctx, "BREAKER_TRIPPED", targetID, map[string]any{
				"cause":          string(cause),
				"failure_count":  next.FailureCount,
				"drift_score":    next.DriftScore,
				"schema_errors":  next.SchemaErrorCount,
				"cooldown_until": next.CooldownUntil,
			})
			tripState := next
			tripCause := cause
			b.fireAndForget(func(ctx context.Context) {
				b.notifier.NotifyTrip(ctx, tripState, tripCause)
			})
		}
		return &next, nil
	}
	return nil, fmt.Errorf("%w: cas contention on %s", ErrUnavailable, targetID)
}

func (b *Breaker) getOrCreate(ctx context.Context, targetID string) (*State, error) {
	state, err := b.store.Get(ctx, targetID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	fresh := State{
		TargetID:  targetID,
		State:     StateClosed,
		UpdatedAt: b.clock().UTC(),
		Version:   1,
	}
	if err := b.store.Create(ctx, fresh); err != nil {
		// Lost the creation race; the row exists now.
		if state, getErr := b.store.Get(ctx, targetID); getErr == nil {
			return state, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &fresh, nil
}

func (b *Breaker) appendAudit(ctx context.Context, intent, targetID string, details map[string]any) {
	if _, err := b.audit.Append(ctx, auditchain.Event{
		TenantID:   b.tenantID,
		Actor:      "system",
		Intent:     intent,
		ObjectType: "circuit_breaker",
		ObjectID:   targetID,
		Details:    details,
	}); err != nil {
		b.logger.Error("audit append failed", "intent", intent, "target_id", targetID, "error", err)
	}
}

// fireAndForget runs the incident notification on its own goroutine with
// a detached deadline. Notifier failures never propagate into the gate's
// authority.
func (b *Breaker) fireAndForget(fn func(context.Context)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("incident notifier panicked", "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		fn(ctx)
	}()
}
