package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/aegis/pkg/auditchain"
	"github.com/Mindburn-Labs/aegis/pkg/breaker"
	"github.com/Mindburn-Labs/aegis/pkg/gate"
	"github.com/Mindburn-Labs/aegis/pkg/killswitch"
	"github.com/Mindburn-Labs/aegis/pkg/policy"
	"github.com/Mindburn-Labs/aegis/pkg/scope"
)

// Service wires the governance components behind HTTP handlers.
type Service struct {
	gate    *gate.Gate
	kill    *killswitch.Switch
	breaker *breaker.Breaker
	audit   *auditchain.Chain
	tenant  string
	logger  *slog.Logger
}

// NewService builds the HTTP service.
func NewService(tenant string, g *gate.Gate, kill *killswitch.Switch, b *breaker.Breaker, audit *auditchain.Chain, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		gate:    g,
		kill:    kill,
		breaker: b,
		audit:   audit,
		tenant:  tenant,
		logger:  logger.With("component", "api"),
	}
}

// Routes registers all handlers on the given mux.
func (s *Service) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/api/v1/governance/check", s.HandleCheck)
	mux.HandleFunc("/api/v1/scopes", s.HandleGrant)
	mux.HandleFunc("/api/v1/scopes/redeem", s.HandleRedeem)
	mux.HandleFunc("/api/v1/killswitch/activate", s.HandleKillSwitchActivate)
	mux.HandleFunc("/api/v1/killswitch/rearm", s.HandleKillSwitchRearm)
	mux.HandleFunc("/api/v1/breaker/failure", s.HandleBreakerFailure)
	mux.HandleFunc("/api/v1/breaker/disable", s.HandleBreakerDisable)
	mux.HandleFunc("/api/v1/breaker/enable", s.HandleBreakerEnable)
	mux.HandleFunc("/api/v1/audit/verify", s.HandleAuditVerify)
	mux.HandleFunc("/api/v1/audit/export", s.HandleAuditExport)
}

// HandleHealth handles the /health endpoint.
func (s *Service) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"kill_switch": s.kill.IsEnabled(),
	})
}

// HandleCheck handles POST /api/v1/governance/check.
func (s *Service) HandleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req policy.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Action == "" || req.TargetID == "" {
		WriteBadRequest(w, "Missing required fields: action, target_id")
		return
	}

	d := s.gate.Check(r.Context(), req)
	status := http.StatusOK
	if !d.Allowed() {
		// The check itself succeeded; the denial is the payload.
		status = http.StatusForbidden
	}
	writeJSON(w, status, d)
}

// GrantRequest is the wire form of a scope creation.
type GrantRequest struct {
	IncidentID   string `json:"incident_id"`
	Action       string `json:"action"`
	MaxCostCents int64  `json:"max_cost_cents"`
	MaxAttempts  int    `json:"max_attempts"`
	TTLSeconds   int    `json:"ttl_seconds"`
	DryRun       bool   `json:"dry_run"`
}

// HandleGrant handles POST /api/v1/scopes.
func (s *Service) HandleGrant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	sc, err := s.gate.Grant(r.Context(), scope.CreateRequest{
		IncidentID:   req.IncidentID,
		Action:       req.Action,
		MaxCostCents: req.MaxCostCents,
		MaxAttempts:  req.MaxAttempts,
		TTL:          secondsToDuration(req.TTLSeconds),
		DryRun:       req.DryRun,
	})
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

// RedeemRequest is the wire form of a scope redemption.
type RedeemRequest struct {
	ScopeID            string         `json:"scope_id"`
	TargetID           string         `json:"target_id"`
	Action             string         `json:"action"`
	IncidentID         string         `json:"incident_id"`
	EstimatedCostCents int64          `json:"estimated_cost_cents"`
	Params             map[string]any `json:"params,omitempty"`
}

// HandleRedeem handles POST /api/v1/scopes/redeem.
func (s *Service) HandleRedeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.ScopeID == "" || req.Action == "" {
		WriteBadRequest(w, "Missing required fields: scope_id, action")
		return
	}

	out := s.gate.Redeem(r.Context(), req.TargetID, scope.ExecuteRequest{
		ScopeID:            req.ScopeID,
		Action:             req.Action,
		IncidentID:         req.IncidentID,
		EstimatedCostCents: req.EstimatedCostCents,
		Params:             req.Params,
	})

	status := http.StatusOK
	switch {
	case out.Code == scope.OutcomeNotFound:
		status = http.StatusNotFound
	case out.Code == scope.OutcomeStoreError:
		status = http.StatusServiceUnavailable
	case !out.Allowed():
		status = http.StatusForbidden
	}
	writeJSON(w, status, out)
}

// KillSwitchRequest carries the reason for an activation or rearm.
type KillSwitchRequest struct {
	Reason      string `json:"reason"`
	ActiveCount int    `json:"active_count"`
}

// HandleKillSwitchActivate handles POST /api/v1/killswitch/activate.
func (s *Service) HandleKillSwitchActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	var req KillSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Reason == "" {
		WriteBadRequest(w, "Missing required field: reason")
		return
	}

	// API calls are human-initiated; system activations come from the
	// gate's KILL verdict path.
	event, err := s.kill.Activate(r.Context(), req.Reason, killswitch.TriggerHuman, req.ActiveCount)
	if err != nil {
		// The switch is DISABLED regardless; report the audit fault.
		s.logger.Error("kill switch audit append failed", "error", err)
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// HandleKillSwitchRearm handles POST /api/v1/killswitch/rearm.
func (s *Service) HandleKillSwitchRearm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	var req KillSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := s.kill.Rearm(r.Context(), req.Reason); err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(killswitch.StateEnabled)})
}

// BreakerRequest identifies a breaker target and optional detail.
type BreakerRequest struct {
	TargetID    string  `json:"target_id"`
	Reason      string  `json:"reason,omitempty"`
	Drift       float64 `json:"drift,omitempty"`
	SchemaError bool    `json:"schema_error,omitempty"`
}

// HandleBreakerFailure handles POST /api/v1/breaker/failure.
func (s *Service) HandleBreakerFailure(w http.ResponseWriter, r *http.Request) {
	s.breakerOp(w, r, func(req BreakerRequest) (*breaker.State, error) {
		switch {
		case req.Drift > 0:
			return s.breaker.ReportDrift(r.Context(), req.TargetID, req.Drift)
		case req.SchemaError:
			return s.breaker.ReportSchemaError(r.Context(), req.TargetID)
		default:
			return s.breaker.RecordFailure(r.Context(), req.TargetID)
		}
	})
}

// HandleBreakerDisable handles POST /api/v1/breaker/disable.
func (s *Service) HandleBreakerDisable(w http.ResponseWriter, r *http.Request) {
	s.breakerOp(w, r, func(req BreakerRequest) (*breaker.State, error) {
		return s.breaker.Disable(r.Context(), req.TargetID, req.Reason)
	})
}

// HandleBreakerEnable handles POST /api/v1/breaker/enable.
func (s *Service) HandleBreakerEnable(w http.ResponseWriter, r *http.Request) {
	s.breakerOp(w, r, func(req BreakerRequest) (*breaker.State, error) {
		return s.breaker.Enable(r.Context(), req.TargetID, req.Reason)
	})
}

func (s *Service) breakerOp(w http.ResponseWriter, r *http.Request, op func(BreakerRequest) (*breaker.State, error)) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	var req BreakerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.TargetID == "" {
		WriteBadRequest(w, "Missing required field: target_id")
		return
	}

	state, err := op(req)
	if err != nil {
		if errors.Is(err, breaker.ErrUnavailable) {
			WriteConflict(w, "breaker state contended, retry")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// HandleAuditVerify handles GET /api/v1/audit/verify.
func (s *Service) HandleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	ok, err := s.audit.Verify(r.Context(), s.tenant)
	if err != nil {
		var integrity *auditchain.IntegrityError
		if errors.As(err, &integrity) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"verified": false,
				"tenant":   integrity.TenantID,
				"index":    integrity.Index,
				"reason":   integrity.Reason,
			})
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verified": ok})
}

// HandleAuditExport handles GET /api/v1/audit/export. The chain is
// verified before export; a tampered chain is never served.
func (s *Service) HandleAuditExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	data, err := s.audit.Export(r.Context(), s.tenant)
	if err != nil {
		var integrity *auditchain.IntegrityError
		if errors.As(err, &integrity) {
			WriteConflict(w, integrity.Error())
			return
		}
		WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
