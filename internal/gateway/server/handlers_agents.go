package server

import (
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/toolgate/toolgate/internal/gateway/fault"
	"github.com/toolgate/toolgate/internal/gateway/registry"
)

type createAgentRequest struct {
	Name      string `json:"name"`
	CreatedBy string `json:"created_by"`
	Role      string `json:"role"`
}

type agentView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by,omitempty"`
	Role      string    `json:"role,omitempty"`
	PublicKey string    `json:"public_key"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func agentToView(a *registry.Agent) agentView {
	return agentView{
		ID:        a.ID,
		Name:      a.Name,
		CreatedBy: a.CreatedBy,
		Role:      a.Role,
		PublicKey: base64.StdEncoding.EncodeToString(a.PublicKey),
		Status:    a.Status,
		CreatedAt: a.CreatedAt,
	}
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeBadRequest(w, "name is required")
		return
	}

	agent, priv, err := s.deps.Registry.CreateAgent(r.Context(), req.Name, req.CreatedBy, req.Role)
	if err != nil {
		writeError(w, fault.Wrap(fault.KindInternal, "create agent", err))
		return
	}

	// The private key is surfaced exactly once, at creation.
	writeJSON(w, http.StatusCreated, map[string]any{
		"agent":       agentToView(agent),
		"private_key": base64.StdEncoding.EncodeToString(priv),
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Registry.ListAgents(r.Context())
	if err != nil {
		writeError(w, fault.Wrap(fault.KindInternal, "list agents", err))
		return
	}
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, agentToView(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": views})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.deps.Registry.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, registry.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Details: "agent not found"})
		return
	}
	if err != nil {
		writeError(w, fault.Wrap(fault.KindInternal, "get agent", err))
		return
	}
	writeJSON(w, http.StatusOK, agentToView(agent))
}
