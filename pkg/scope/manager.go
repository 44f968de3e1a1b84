package scope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/aegis/pkg/auditchain"
)

// CreateRequest describes the grant being requested.
type CreateRequest struct {
	IncidentID   string
	Action       string
	MaxCostCents int64
	MaxAttempts  int
	TTL          time.Duration
	// DryRun mints a scope purely to validate feasibility and cost. The
	// resulting scope is never redeemable.
	DryRun bool
}

// ExecuteRequest describes a redemption attempt.
type ExecuteRequest struct {
	ScopeID    string
	Action     string
	IncidentID string
	// EstimatedCostCents, when positive, is checked against the grant's
	// cost ceiling before an attempt is consumed.
	EstimatedCostCents int64
	Params             map[string]any
}

// Manager mints and redeems scopes against a Store, recording every state
// change on the audit chain before returning.
type Manager struct {
	tenantID string
	store    Store
	audit    *auditchain.Chain
	logger   *slog.Logger
	clock    func() time.Time
}

// NewManager builds a scope manager for one tenant.
func NewManager(tenantID string, store Store, audit *auditchain.Chain, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		tenantID: tenantID,
		store:    store,
		audit:    audit,
		logger:   logger.With("component", "scope"),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// CreateScope mints a new ACTIVE grant.
func (m *Manager) CreateScope(ctx context.Context, req CreateRequest) (*Scope, error) {
	if req.Action == "" {
		return nil, errors.New("scope: action required")
	}
	if req.IncidentID == "" {
		return nil, errors.New("scope: incident ID required")
	}
	if req.MaxAttempts < 1 {
		return nil, fmt.Errorf("scope: max attempts must be >= 1, got %d", req.MaxAttempts)
	}
	if req.TTL <= 0 {
		return nil, fmt.Errorf("scope: ttl must be positive, got %s", req.TTL)
	}

	now := m.clock().UTC()
	s := Scope{
		ScopeID:       uuid.New().String(),
		TenantID:      m.tenantID,
		IncidentID:    req.IncidentID,
		AllowedAction: req.Action,
		MaxCostCents:  req.MaxCostCents,
		MaxAttempts:   req.MaxAttempts,
		AttemptsUsed:  0,
		CreatedAt:     now,
		ExpiresAt:     now.Add(req.TTL),
		Status:        StatusActive,
		DryRun:        req.DryRun,
	}

	if err := m.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("scope: persisting scope: %w", err)
	}

	intent := "SCOPE_CREATED"
	if req.DryRun {
		intent = "SCOPE_DRY_RUN_CREATED"
	}
	if err := m.appendAudit(ctx, intent, s.ScopeID, map[string]any{
		"incident_id":    s.IncidentID,
		"allowed_action": s.AllowedAction,
		"max_cost_cents": s.MaxCostCents,
		"max_attempts":   s.MaxAttempts,
		"expires_at":     s.ExpiresAt,
		"dry_run":        s.DryRun,
	}); err != nil {
		return nil, err
	}
	return &s, nil
}

// Execute redeems one attempt against a scope. Checks run in order and
// short-circuit; only when every check passes is an attempt consumed, via
// the store's atomic conditional increment.
//
// Cancelling the guarded action after the increment does not refund the
// attempt. Scopes are pessimistic so the blast-radius bound only shrinks.
func (m *Manager) Execute(ctx context.Context, req ExecuteRequest) Outcome {
	s, err := m.store.Get(ctx, req.ScopeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Outcome{Code: OutcomeNotFound, Reason: fmt.Sprintf("scope %s does not exist", req.ScopeID)}
		}
		return Outcome{Code: OutcomeStoreError, Reason: err.Error()}
	}

	if s.DryRun {
		return Outcome{Code: OutcomeRevoked, Scope: s, Reason: "dry-run scope is not redeemable"}
	}

	switch s.Status {
	case StatusActive:
	case StatusExhausted:
		return Outcome{Code: OutcomeExhausted, Scope: s, Reason: "all attempts consumed"}
	case StatusExpired:
		return Outcome{Code: OutcomeExpired, Scope: s, Reason: "scope expired"}
	default:
		return Outcome{Code: OutcomeRevoked, Scope: s, Reason: "scope revoked"}
	}

	now := m.clock().UTC()
	if !now.Before(s.ExpiresAt) {
		// Lazy expiry: the read observes the deadline has passed and
		// performs the transition itself.
		if err := m.store.UpdateStatus(ctx, s.ScopeID, StatusActive, StatusExpired); err == nil {
			_ = m.appendAudit(ctx, "SCOPE_EXPIRED", s.ScopeID, map[string]any{
				"expired_at": s.ExpiresAt,
			})
		}
		return Outcome{Code: OutcomeExpired, Scope: s, Reason: "scope expired"}
	}

	if req.Action != s.AllowedAction {
		// A grant for action A redeemed for action B is tamper evidence,
		// not a routine denial.
		_ = m.appendAudit(ctx, "SCOPE_TAMPER_SUSPECTED", s.ScopeID, map[string]any{
			"expected_action": s.AllowedAction,
			"presented":       req.Action,
			"mismatch":        "action",
		})
		return Outcome{Code: OutcomeActionMismatch, Scope: s,
			Reason: fmt.Sprintf("scope grants %q, not %q", s.AllowedAction, req.Action)}
	}

	if req.IncidentID != s.IncidentID {
		_ = m.appendAudit(ctx, "SCOPE_TAMPER_SUSPECTED", s.ScopeID, map[string]any{
			"expected_incident": s.IncidentID,
			"presented":         req.IncidentID,
			"mismatch":          "incident",
		})
		return Outcome{Code: OutcomeIncidentMismatch, Scope: s,
			Reason: "scope is bound to a different incident"}
	}

	if req.EstimatedCostCents > 0 && req.EstimatedCostCents > s.MaxCostCents {
		return Outcome{Code: OutcomeCostExceeded, Scope: s,
			Reason: fmt.Sprintf("estimated cost %d exceeds ceiling %d", req.EstimatedCostCents, s.MaxCostCents)}
	}

	consumed, err := m.store.ConsumeAttempt(ctx, s.ScopeID)
	if err != nil {
		if errors.Is(err, ErrConditionFailed) {
			// A concurrent caller took the last attempt between our read
			// and the conditional increment.
			return Outcome{Code: OutcomeExhausted, Scope: s, Reason: "all attempts consumed"}
		}
		return Outcome{Code: OutcomeStoreError, Reason: err.Error()}
	}

	if consumed.AttemptsUsed >= consumed.MaxAttempts {
		if err := m.store.UpdateStatus(ctx, consumed.ScopeID, StatusActive, StatusExhausted); err == nil {
			consumed.Status = StatusExhausted
			_ = m.appendAudit(ctx, "SCOPE_EXHAUSTED", consumed.ScopeID, map[string]any{
				"attempts_used": consumed.AttemptsUsed,
			})
		}
	}

	if err := m.appendAudit(ctx, "SCOPE_ATTEMPT_CONSUMED", consumed.ScopeID, map[string]any{
		"attempts_used": consumed.AttemptsUsed,
		"max_attempts":  consumed.MaxAttempts,
		"action":        req.Action,
	}); err != nil {
		m.logger.Error("audit append failed after attempt consumption",
			"scope_id", consumed.ScopeID, "error", err)
	}

	return Outcome{Code: OutcomeOK, Scope: consumed}
}

// Revoke withdraws an ACTIVE scope. Redemptions in flight that already
// consumed an attempt are unaffected.
func (m *Manager) Revoke(ctx context.Context, scopeID, reason string) error {
	if err := m.store.UpdateStatus(ctx, scopeID, StatusActive, StatusRevoked); err != nil {
		return fmt.Errorf("scope: revoking %s: %w", scopeID, err)
	}
	return m.appendAudit(ctx, "SCOPE_REVOKED", scopeID, map[string]any{"reason": reason})
}

func (m *Manager) appendAudit(ctx context.Context, intent, scopeID string, details map[string]any) error {
	_, err := m.audit.Append(ctx, auditchain.Event{
		TenantID:   m.tenantID,
		Actor:      "system",
		Intent:     intent,
		ObjectType: "execution_scope",
		ObjectID:   scopeID,
		Details:    details,
	})
	return err
}
