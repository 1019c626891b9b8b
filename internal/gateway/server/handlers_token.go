package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/toolgate/toolgate/internal/gateway/fault"
	"github.com/toolgate/toolgate/internal/gateway/registry"
	"github.com/toolgate/toolgate/internal/gateway/token"
)

type generateTokenRequest struct {
	AgentID     string   `json:"agent_id"`
	Tools       []string `json:"tools"`
	Permissions []string `json:"permissions"`
	ExpiresAt   string   `json:"expires_at"`
}

func (s *Server) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	var req generateTokenRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.AgentID == "" || len(req.Tools) == 0 || len(req.Permissions) == 0 {
		writeBadRequest(w, "agent_id, tools and permissions are required")
		return
	}

	agent, err := s.deps.Registry.GetAgent(r.Context(), req.AgentID)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, fault.New(fault.KindAuth, "unknown agent"))
		return
	}
	if err != nil {
		writeError(w, fault.Wrap(fault.KindInternal, "get agent", err))
		return
	}
	if agent.Status != registry.AgentActive {
		writeError(w, fault.New(fault.KindAuth, "agent is disabled"))
		return
	}

	ttl := s.cfg.DefaultTokenTTL
	if req.ExpiresAt != "" {
		expiry, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			writeBadRequest(w, "expires_at must be RFC 3339")
			return
		}
		ttl = time.Until(expiry)
		if ttl <= 0 {
			writeBadRequest(w, "expires_at is in the past")
			return
		}
	}

	scopes := make([]string, 0, len(req.Tools)*len(req.Permissions))
	for _, tool := range req.Tools {
		for _, perm := range req.Permissions {
			scopes = append(scopes, fmt.Sprintf("%s:%s", tool, perm))
		}
	}

	tok, payload, err := s.deps.Codec.Issue(token.IssueParams{
		AgentID:        req.AgentID,
		Scopes:         scopes,
		TTL:            ttl,
		WithRegistryID: true,
	})
	if err != nil {
		writeError(w, fault.Wrap(fault.KindValidation, "issue token", err))
		return
	}

	// Record provenance: the registry binds the token ID to the hash of the
	// encoded payload so later proxy calls can prove possession.
	encoded, _ := token.EncodedPayload(tok)
	entry := &registry.TokenEntry{
		TokenID:     payload.TokenID,
		AgentID:     payload.AgentID,
		PayloadHash: token.ProofHash(encoded),
		IssuedAt:    time.Unix(payload.IssuedAt, 0).UTC(),
		ExpiresAt:   payload.Expiry(),
	}
	if err := s.deps.Registry.RegisterToken(r.Context(), entry); err != nil {
		writeError(w, fault.Wrap(fault.KindInternal, "register token", err))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"agent_token": tok,
		"expires_at":  payload.Expiry().Format(time.RFC3339),
		"agent_name":  agent.Name,
		"token_id":    payload.TokenID,
	})
}

type sandboxTokenRequest struct {
	AgentID string   `json:"agent_id"`
	Scopes  []string `json:"scopes"`
}

// handleSandboxToken issues a short-lived, registry-less token for sandbox
// exploration.  Only reachable when DEMO_MODE is on.
func (s *Server) handleSandboxToken(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.DemoMode() {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
		return
	}
	var req sandboxTokenRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.AgentID == "" {
		// A throwaway agent backs the sandbox so the proxy pipeline runs
		// unchanged.
		agent, _, err := s.deps.Registry.CreateAgent(r.Context(), "sandbox", "demo", "sandbox")
		if err != nil {
			writeError(w, fault.Wrap(fault.KindInternal, "create sandbox agent", err))
			return
		}
		req.AgentID = agent.ID
	}
	if len(req.Scopes) == 0 {
		req.Scopes = []string{"search:query", "http_fetch:get"}
	}

	tok, payload, err := s.deps.Codec.Issue(token.IssueParams{
		AgentID: req.AgentID,
		Scopes:  req.Scopes,
		TTL:     15 * time.Minute,
	})
	if err != nil {
		writeError(w, fault.Wrap(fault.KindValidation, "issue sandbox token", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"agent_token": tok,
		"expires_at":  payload.Expiry().Format(time.RFC3339),
		"sandbox":     true,
	})
}
