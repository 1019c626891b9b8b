package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/toolgate/toolgate/internal/gateway/chaos"
	"github.com/toolgate/toolgate/internal/gateway/degrade"
	"github.com/toolgate/toolgate/internal/gateway/fault"
	"github.com/toolgate/toolgate/internal/gateway/policy"
	"github.com/toolgate/toolgate/internal/gateway/registry"
	"github.com/toolgate/toolgate/internal/gateway/tools"
)

type policyView struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id,omitempty"`
	Role    string `json:"role,omitempty"`
	Spec    any    `json:"spec"`
}

func policyToView(row *registry.PolicyRow) policyView {
	v := policyView{ID: row.ID}
	if row.AgentID.Valid {
		v.AgentID = row.AgentID.String
	}
	if row.Role.Valid {
		v.Role = row.Role.String
	}
	if spec, err := policy.ParseJSON([]byte(row.SpecJSON)); err == nil {
		v.Spec = spec
	} else {
		v.Spec = row.SpecJSON
	}
	return v
}

type createPolicyRequest struct {
	AgentID string `json:"agent_id,omitempty"`
	Role    string `json:"role,omitempty"`
	Spec    jsonRaw `json:"spec"`
}

type jsonRaw []byte

func (r *jsonRaw) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}

func (r jsonRaw) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Registry.ListPolicies(r.Context())
	if err != nil {
		writeError(w, fault.Wrap(fault.KindInternal, "list policies", err))
		return
	}
	views := make([]policyView, 0, len(rows))
	for _, row := range rows {
		views = append(views, policyToView(row))
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": views})
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req createPolicyRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if (req.AgentID == "") == (req.Role == "") {
		writeBadRequest(w, "exactly one of agent_id or role must be set")
		return
	}
	if _, err := policy.ParseJSON(req.Spec); err != nil {
		writeBadRequest(w, "invalid policy spec: "+err.Error())
		return
	}

	row, err := s.deps.Registry.CreatePolicy(r.Context(), req.AgentID, req.Role, string(req.Spec))
	if err != nil {
		writeError(w, fault.Wrap(fault.KindInternal, "create policy", err))
		return
	}
	writeJSON(w, http.StatusCreated, policyToView(row))
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	row, err := s.deps.Registry.GetPolicy(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, registry.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Details: "policy not found"})
		return
	}
	if err != nil {
		writeError(w, fault.Wrap(fault.KindInternal, "get policy", err))
		return
	}
	writeJSON(w, http.StatusOK, policyToView(row))
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Spec jsonRaw `json:"spec"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if _, err := policy.ParseJSON(req.Spec); err != nil {
		writeBadRequest(w, "invalid policy spec: "+err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	err := s.deps.Registry.UpdatePolicy(r.Context(), id, string(req.Spec))
	if errors.Is(err, registry.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Details: "policy not found"})
		return
	}
	if err != nil {
		writeError(w, fault.Wrap(fault.KindInternal, "update policy", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "updated": true})
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Registry.DeletePolicy(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, registry.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Details: "policy not found"})
		return
	}
	if err != nil {
		writeError(w, fault.Wrap(fault.KindInternal, "delete policy", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type chaosRequest struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Mode    string `json:"mode,omitempty"`
	Pct     int    `json:"pct,omitempty"`
	DelayMs int    `json:"delay_ms,omitempty"`
	Clear   bool   `json:"clear,omitempty"`
}

func (s *Server) handleGetChaos(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": s.deps.Chaos.Enabled(),
		"rules":   s.deps.Chaos.Rules(),
	})
}

func (s *Server) handleSetChaos(w http.ResponseWriter, r *http.Request) {
	var req chaosRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.Enabled != nil {
		s.deps.Chaos.SetEnabled(*req.Enabled)
	}
	if req.Tool != "" {
		if req.Clear {
			s.deps.Chaos.ClearRule(req.Tool)
		} else {
			switch req.Mode {
			case chaos.ModeTimeout, chaos.ModeError, chaos.ModeJitter:
			default:
				writeBadRequest(w, "mode must be timeout, error_500, or jitter")
				return
			}
			s.deps.Chaos.SetRule(req.Tool, chaos.Rule{
				Mode:    req.Mode,
				Percent: req.Pct,
				Delay:   time.Duration(req.DelayMs) * time.Millisecond,
			})
		}
	}
	s.handleGetChaos(w, r)
}

type credentialRequest struct {
	Tool   string            `json:"tool"`
	APIKey string            `json:"api_key"`
	Extra  map[string]string `json:"extra,omitempty"`
}

// handleUploadCredential seals the credential on write; plaintext never
// reaches the registry.
func (s *Server) handleUploadCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.Tool == "" || req.APIKey == "" {
		writeBadRequest(w, "tool and api_key are required")
		return
	}

	envelope, err := tools.SealCredential(tools.Credential{APIKey: req.APIKey, Extra: req.Extra}, s.deps.KEK)
	if err != nil {
		writeError(w, fault.Wrap(fault.KindIntegrity, "seal credential", err))
		return
	}
	if err := s.deps.Registry.PutCredential(r.Context(), req.Tool, envelope); err != nil {
		writeError(w, fault.Wrap(fault.KindInternal, "store credential", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"tool": req.Tool, "sealed": true})
}

func (s *Server) handleTriggerRecovery(w http.ResponseWriter, r *http.Request) {
	component := chi.URLParam(r, "component")
	attempt := s.deps.Recovery.Recover(r.Context(), component)
	if attempt == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Details: "unknown component"})
		return
	}
	s.deps.Metrics.RecoveryAttempts.WithLabelValues(attempt.Strategy, recoveryResult(attempt.Success)).Inc()
	writeJSON(w, http.StatusOK, attempt)
}

func recoveryResult(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

type degradeRequest struct {
	Level int `json:"level"`
}

func (s *Server) handleGetDegrade(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Degrade.State())
}

func (s *Server) handleForceDegrade(w http.ResponseWriter, r *http.Request) {
	var req degradeRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.Level < degrade.LevelNormal || req.Level > degrade.LevelShedAll {
		writeBadRequest(w, "level must be 0-3")
		return
	}
	s.deps.Degrade.Force(req.Level)
	writeJSON(w, http.StatusOK, s.deps.Degrade.State())
}

func (s *Server) handleRecoverDegrade(w http.ResponseWriter, r *http.Request) {
	s.deps.Degrade.Recover()
	writeJSON(w, http.StatusOK, s.deps.Degrade.State())
}

// handleInventory lists configured tools and their actions for operators.
func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	inventory := make([]map[string]any, 0)
	for _, tool := range s.deps.Dispatcher.Tools() {
		inventory = append(inventory, map[string]any{
			"tool":       tool,
			"actions":    s.deps.Dispatcher.Actions(tool),
			"configured": s.deps.Dispatcher.IsConfigured(r.Context(), tool),
			"breaker":    s.deps.Breakers.Get(tool).State(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": inventory})
}
