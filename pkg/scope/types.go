// Package scope implements single-use, expiring, cost-bounded permission
// grants. A scope ties one risky action to one incident and bounds its
// blast radius: attempts are consumed pessimistically and never refunded,
// so the bound is strictly decreasing.
package scope

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a scope.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusExhausted Status = "EXHAUSTED"
	StatusExpired   Status = "EXPIRED"
	StatusRevoked   Status = "REVOKED"
)

// Scope is one execution grant. AttemptsUsed <= MaxAttempts holds at every
// observable instant; the store enforces it with an atomic conditional
// increment, never a read-then-write.
type Scope struct {
	ScopeID       string    `json:"scope_id"`
	TenantID      string    `json:"tenant_id"`
	IncidentID    string    `json:"incident_id"`
	AllowedAction string    `json:"allowed_action"`
	MaxCostCents  int64     `json:"max_cost_cents"`
	MaxAttempts   int       `json:"max_attempts"`
	AttemptsUsed  int       `json:"attempts_used"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Status        Status    `json:"status"`
	DryRun        bool      `json:"dry_run"`
}

var (
	// ErrNotFound is returned by stores for unknown scope IDs.
	ErrNotFound = errors.New("scope: not found")
	// ErrConditionFailed is returned when an atomic conditional update
	// finds its precondition no longer holds.
	ErrConditionFailed = errors.New("scope: condition failed")
)

// Store is the durable backing for scopes.
type Store interface {
	Create(ctx context.Context, s Scope) error
	Get(ctx context.Context, scopeID string) (*Scope, error)

	// ConsumeAttempt increments attempts_used by one, in a single storage
	// operation conditioned on status == ACTIVE and attempts_used <
	// max_attempts. It returns the post-increment scope. Two concurrent
	// callers racing for the last attempt must see exactly one success and
	// one ErrConditionFailed.
	ConsumeAttempt(ctx context.Context, scopeID string) (*Scope, error)

	// UpdateStatus transitions status from -> to as a compare-and-swap.
	UpdateStatus(ctx context.Context, scopeID string, from, to Status) error
}

// Code discriminates redemption outcomes. Callers switch on it instead of
// catching typed errors.
type Code string

const (
	OutcomeOK               Code = "OK"
	OutcomeNotFound         Code = "NOT_FOUND"
	OutcomeExpired          Code = "EXPIRED"
	OutcomeExhausted        Code = "EXHAUSTED"
	OutcomeRevoked          Code = "REVOKED"
	OutcomeActionMismatch   Code = "ACTION_MISMATCH"
	OutcomeIncidentMismatch Code = "INCIDENT_MISMATCH"
	OutcomeCostExceeded     Code = "COST_EXCEEDED"
	OutcomeStoreError       Code = "STORE_ERROR"
)

// Outcome is the result of a redemption attempt.
type Outcome struct {
	Code   Code   `json:"code"`
	Scope  *Scope `json:"scope,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Allowed reports whether the guarded action may proceed.
func (o Outcome) Allowed() bool { return o.Code == OutcomeOK }

// Tampering reports whether the outcome indicates a grant redeemed for
// something it was never issued for — an operator-level alarm, not a
// routine denial.
func (o Outcome) Tampering() bool {
	return o.Code == OutcomeActionMismatch || o.Code == OutcomeIncidentMismatch
}
