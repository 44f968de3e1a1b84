// Package killswitch implements the global human/system-triggered override
// that disables all risky automation at once.
//
// The switch is an explicit handle constructed at process bootstrap and
// passed to call sites; there is no package-level singleton, so tests
// construct a fresh instance instead of resetting shared state.
package killswitch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/aegis/pkg/auditchain"
)

// State is the switch position. There are exactly two legal values and
// activation is atomic, so observers can never see a partial state.
type State string

const (
	StateEnabled  State = "ENABLED"
	StateDisabled State = "DISABLED"
)

// Trigger identifies who threw the switch.
type Trigger string

const (
	TriggerHuman  Trigger = "HUMAN"
	TriggerSystem Trigger = "SYSTEM"
)

// RollbackStatus tracks the cleanup that follows an activation.
type RollbackStatus string

const (
	RollbackPending RollbackStatus = "PENDING"
	RollbackSuccess RollbackStatus = "SUCCESS"
	RollbackPartial RollbackStatus = "PARTIAL"
	RollbackFailed  RollbackStatus = "FAILED"
)

// Event records one activation, append-only.
type Event struct {
	EventID        string         `json:"event_id"`
	Trigger        Trigger        `json:"trigger"`
	Reason         string         `json:"reason"`
	ActiveCount    int            `json:"active_count"`
	ActivatedAt    time.Time      `json:"activated_at"`
	RollbackStatus RollbackStatus `json:"rollback_status"`
}

// Observer is notified after each activation. Observers run outside the
// state lock, so an observer may re-enter the switch without deadlocking,
// and a panicking observer is logged and isolated.
type Observer func(Event)

// Switch is the process-wide kill switch. Safe for concurrent use.
type Switch struct {
	tenantID string
	audit    *auditchain.Chain
	logger   *slog.Logger
	clock    func() time.Time

	mu        sync.Mutex
	state     State
	events    []Event
	observers []Observer
}

// New creates an ENABLED switch whose state changes are recorded on the
// given audit chain under tenantID.
func New(tenantID string, audit *auditchain.Chain, logger *slog.Logger) *Switch {
	if logger == nil {
		logger = slog.Default()
	}
	return &Switch{
		tenantID: tenantID,
		audit:    audit,
		logger:   logger.With("component", "killswitch"),
		clock:    time.Now,
		state:    StateEnabled,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Switch) WithClock(clock func() time.Time) *Switch {
	s.clock = clock
	return s
}

// Subscribe registers an observer for future activations.
func (s *Switch) Subscribe(obs Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, obs)
}

// Activate unconditionally moves the switch to DISABLED. It is idempotent
// in state — repeat calls keep DISABLED — but every call appends a fresh
// event, because each activation is an operator-visible fact of its own.
//
// The mutex covers only the state write and event bookkeeping; the audit
// append and observer notification happen after the lock is released.
func (s *Switch) Activate(ctx context.Context, reason string, trigger Trigger, activeCount int) (*Event, error) {
	event := Event{
		EventID:        uuid.New().String(),
		Trigger:        trigger,
		Reason:         reason,
		ActiveCount:    activeCount,
		ActivatedAt:    s.clock().UTC(),
		RollbackStatus: RollbackPending,
	}

	s.mu.Lock()
	s.state = StateDisabled
	s.events = append(s.events, event)
	observers := make([]Observer, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	// The chain entry must exist before any caller can observe the new
	// state through this call's return.
	if _, err := s.audit.Append(ctx, auditchain.Event{
		TenantID:   s.tenantID,
		Actor:      actorFor(trigger),
		Intent:     "KILL_SWITCH_ACTIVATED",
		ObjectType: "kill_switch",
		ObjectID:   event.EventID,
		Details: map[string]any{
			"reason":       reason,
			"trigger":      string(trigger),
			"active_count": activeCount,
		},
	}); err != nil {
		// The switch is already DISABLED — the safe state — so surface the
		// audit fault without undoing the activation.
		return &event, fmt.Errorf("killswitch: activated but audit append failed: %w", err)
	}

	for _, obs := range observers {
		s.notify(obs, event)
	}
	return &event, nil
}

func (s *Switch) notify(obs Observer, event Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("kill switch observer panicked", "panic", r, "event_id", event.EventID)
		}
	}()
	obs(event)
}

// Rearm transitions DISABLED back to ENABLED. It is never automatic and
// never time-based. Rearming an already-ENABLED switch is a no-op, not an
// error, and appends nothing.
func (s *Switch) Rearm(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.state == StateEnabled {
		s.mu.Unlock()
		return nil
	}
	s.state = StateEnabled
	s.mu.Unlock()

	if _, err := s.audit.Append(ctx, auditchain.Event{
		TenantID:   s.tenantID,
		Actor:      "operator",
		Intent:     "KILL_SWITCH_REARMED",
		ObjectType: "kill_switch",
		ObjectID:   "global",
		Details:    map[string]any{"reason": reason},
	}); err != nil {
		return fmt.Errorf("killswitch: rearmed but audit append failed: %w", err)
	}
	return nil
}

// MarkRollbackComplete updates the rollback bookkeeping on a historical
// activation event. It never touches the current switch state.
func (s *Switch) MarkRollbackComplete(eventID string, status RollbackStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].EventID == eventID {
			s.events[i].RollbackStatus = status
			return nil
		}
	}
	return fmt.Errorf("killswitch: event %s not found", eventID)
}

// IsEnabled reports whether risky automation may proceed.
func (s *Switch) IsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateEnabled
}

// IsDisabled is the inverse snapshot read.
func (s *Switch) IsDisabled() bool {
	return !s.IsEnabled()
}

// Events returns a copy of the activation history, oldest first.
func (s *Switch) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func actorFor(trigger Trigger) string {
	if trigger == TriggerHuman {
		return "operator"
	}
	return "system"
}
