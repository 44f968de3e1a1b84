// Package failuremode decides what happens when governance evaluation
// itself fails. The default is to block: infrastructure uncertainty must
// never resolve to an allow unless an operator explicitly configured
// FAIL_OPEN, and every FAIL_OPEN pass-through is logged loudly.
package failuremode

import (
	"log/slog"

	"github.com/Mindburn-Labs/aegis/pkg/verdict"
)

// Mode is the configured behavior for evaluation failures.
type Mode string

const (
	// FailClosedMode blocks the action. Default.
	FailClosedMode Mode = "FAIL_CLOSED"
	// FailWarnMode lets the action proceed but demands a warning.
	FailWarnMode Mode = "FAIL_WARN"
	// FailOpenMode lets the action proceed silently from the caller's view.
	// The handler itself is never silent about it.
	FailOpenMode Mode = "FAIL_OPEN"
)

// FailureType classifies what failed, for the audit record.
type FailureType string

const (
	FailurePolicyEval   FailureType = "POLICY_EVALUATION"
	FailureStoreTimeout FailureType = "STORE_TIMEOUT"
	FailureStoreError   FailureType = "STORE_ERROR"
	FailureInternal     FailureType = "INTERNAL"
)

// Decision is the handler's verdict on a failed evaluation.
type Decision struct {
	Action        verdict.Action `json:"action"`
	ShouldBlock   bool           `json:"should_block"`
	AuditRequired bool           `json:"audit_required"`
	FailureType   FailureType    `json:"failure_type"`
	Reason        string         `json:"reason"`
}

// Handler maps evaluation failures to decisions. It holds no mutable
// state; a single instance is safe for concurrent use.
type Handler struct {
	mode   Mode
	logger *slog.Logger
}

// NewHandler builds a handler for the configured mode. An unrecognized
// mode is treated as FAIL_CLOSED, never as a pass-through.
func NewHandler(mode Mode, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "failuremode")

	switch mode {
	case FailClosedMode, FailWarnMode, FailOpenMode:
	default:
		logger.Warn("unrecognized failure mode, defaulting to FAIL_CLOSED",
			"configured", string(mode))
		mode = FailClosedMode
	}
	return &Handler{mode: mode, logger: logger}
}

// Mode returns the effective mode after default substitution.
func (h *Handler) Mode() Mode { return h.mode }

// Handle converts an evaluation failure into a Decision.
func (h *Handler) Handle(err error, context string, failureType FailureType) Decision {
	reason := "evaluation failure"
	if err != nil {
		reason = err.Error()
	}

	switch h.mode {
	case FailWarnMode:
		return Decision{
			Action:        verdict.ActionWarn,
			ShouldBlock:   false,
			AuditRequired: true,
			FailureType:   failureType,
			Reason:        reason,
		}
	case FailOpenMode:
		// Allow-on-failure is the single most dangerous configuration, so
		// every pass-through is logged at warning severity regardless of
		// the caller's log level discipline.
		h.logger.Warn("FAIL_OPEN pass-through on evaluation failure",
			"context", context,
			"failure_type", string(failureType),
			"error", reason)
		return Decision{
			Action:        verdict.ActionContinue,
			ShouldBlock:   false,
			AuditRequired: true,
			FailureType:   failureType,
			Reason:        reason,
		}
	default:
		return Decision{
			Action:        verdict.ActionStop,
			ShouldBlock:   true,
			AuditRequired: true,
			FailureType:   failureType,
			Reason:        reason,
		}
	}
}
