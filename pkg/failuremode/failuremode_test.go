package failuremode

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/aegis/pkg/verdict"
)

func TestHandle_FailClosed(t *testing.T) {
	h := NewHandler(FailClosedMode, nil)
	d := h.Handle(errors.New("store unreachable"), "breaker-read", FailureStoreError)

	assert.Equal(t, verdict.ActionStop, d.Action)
	assert.True(t, d.ShouldBlock)
	assert.True(t, d.AuditRequired)
	assert.Equal(t, FailureStoreError, d.FailureType)
	assert.Contains(t, d.Reason, "store unreachable")
}

func TestHandle_FailWarn(t *testing.T) {
	h := NewHandler(FailWarnMode, nil)
	d := h.Handle(errors.New("cel compile error"), "policy-eval", FailurePolicyEval)

	assert.Equal(t, verdict.ActionWarn, d.Action)
	assert.False(t, d.ShouldBlock)
	assert.True(t, d.AuditRequired)
}

func TestHandle_FailOpen(t *testing.T) {
	h := NewHandler(FailOpenMode, nil)
	d := h.Handle(errors.New("timeout"), "gate", FailureStoreTimeout)

	assert.Equal(t, verdict.ActionContinue, d.Action)
	assert.False(t, d.ShouldBlock)
	// Even FAIL_OPEN must leave an audit trail.
	assert.True(t, d.AuditRequired)
}

func TestNewHandler_UnknownModeDefaultsClosed(t *testing.T) {
	h := NewHandler(Mode("FAIL_YOLO"), nil)
	assert.Equal(t, FailClosedMode, h.Mode())

	d := h.Handle(errors.New("boom"), "gate", FailureInternal)
	assert.True(t, d.ShouldBlock)
	assert.Equal(t, verdict.ActionStop, d.Action)
}

func TestHandle_NilError(t *testing.T) {
	h := NewHandler(FailClosedMode, nil)
	d := h.Handle(nil, "gate", FailureInternal)
	assert.True(t, d.ShouldBlock)
	assert.NotEmpty(t, d.Reason)
}
