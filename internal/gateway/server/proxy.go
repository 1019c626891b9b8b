package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/toolgate/toolgate/common/retry"
	"github.com/toolgate/toolgate/common/trace"
	"github.com/toolgate/toolgate/internal/gateway/audit"
	"github.com/toolgate/toolgate/internal/gateway/cache"
	"github.com/toolgate/toolgate/internal/gateway/fault"
	"github.com/toolgate/toolgate/internal/gateway/policy"
	"github.com/toolgate/toolgate/internal/gateway/registry"
	"github.com/toolgate/toolgate/internal/gateway/token"
)

type proxyRequest struct {
	AgentToken   string         `json:"agent_token"`
	TokenID      string         `json:"token_id,omitempty"`
	ProofPayload string         `json:"proof_payload,omitempty"`
	Tool         string         `json:"tool"`
	Action       string         `json:"action"`
	Params       map[string]any `json:"params"`
}

// handleProxy runs the full pipeline: body validation, token codec,
// registry provenance, agent check, policy, rate limit, tool configuration,
// degradation, cache, chaos, breaker, retry, adapter, response filters,
// quota commit, audit.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if s.shuttingDown.Load() {
		writeError(w, fault.New(fault.KindShuttingDown, "gateway is shutting down"))
		return
	}

	var req proxyRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.AgentToken == "" || req.Tool == "" || req.Action == "" {
		writeBadRequest(w, "agent_token, tool and action are required")
		return
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HTTPTimeout)
	defer cancel()

	pr, err := s.runPipeline(ctx, w, &req)

	outcome := "success"
	if err != nil {
		outcome = string(fault.KindOf(err))
	}
	s.deps.Metrics.Requests.WithLabelValues(req.Tool, req.Action, outcome).Inc()
	s.deps.Metrics.RequestDuration.WithLabelValues(req.Tool, req.Action).Observe(time.Since(start).Seconds())

	// Every pipeline outcome lands in the audit trail, denials included.
	s.deps.Recorder.Record(ctx, audit.Call{
		AgentID:  pr.agentID,
		Tool:     req.Tool,
		Action:   req.Action,
		Status:   proxyStatus(err),
		Duration: pr.upstream,
		Err:      err,
	})

	if err != nil {
		writeError(w, err)
		return
	}

	meta := map[string]any{
		"correlation_id":   trace.FromContext(ctx),
		"tool":             req.Tool,
		"action":           req.Action,
		"response_time_ms": time.Since(start).Milliseconds(),
		"cached":           pr.cached,
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"data":     pr.filtered.Result,
		"metadata": meta,
	})
}

// pipelineResult carries what the stages produced. agentID is filled as
// soon as the token decodes so denied requests are still attributable.
type pipelineResult struct {
	filtered policy.FilterResult
	cached   bool
	agentID  string
	// upstream is the adapter-call duration; zero for requests denied
	// before the upstream section.
	upstream time.Duration
}

// runPipeline executes the stages and returns the filtered result.  It
// writes nothing to w except the rotation headers; error rendering is the
// caller's job.
func (s *Server) runPipeline(ctx context.Context, w http.ResponseWriter, req *proxyRequest) (pipelineResult, error) {
	var pr pipelineResult

	// Token codec.
	payload, err := s.deps.Codec.Validate(req.AgentToken)
	if err != nil {
		s.deps.Metrics.TokenValidations.WithLabelValues("invalid").Inc()
		return pr, fault.Wrap(fault.KindAuth, tokenReason(err), err)
	}
	s.deps.Metrics.TokenValidations.WithLabelValues("valid").Inc()
	pr.agentID = payload.AgentID

	if s.deps.Codec.ExpiringSoon(payload) {
		w.Header().Set("X-Token-Rotation-Recommended", "true")
		w.Header().Set("X-Token-Expires-At", payload.Expiry().Format(time.RFC3339))
	}

	// Registry provenance, when the token carries or the caller supplies an ID.
	tokenID := req.TokenID
	if tokenID == "" {
		tokenID = payload.TokenID
	}
	if tokenID != "" {
		proof := req.ProofPayload
		if proof == "" {
			proof, _ = token.EncodedPayload(req.AgentToken)
		}
		if _, err := s.deps.Registry.VerifyProof(ctx, tokenID, token.ProofHash(proof)); err != nil {
			return pr, provenanceFault(err)
		}
	}

	// Agent check.
	agent, err := s.deps.Registry.GetAgent(ctx, payload.AgentID)
	if errors.Is(err, registry.ErrNotFound) {
		return pr, fault.New(fault.KindAuth, "unknown agent")
	}
	if err != nil {
		return pr, fault.Wrap(fault.KindInternal, "agent lookup", err)
	}
	if agent.Status != registry.AgentActive {
		return pr, fault.New(fault.KindAuth, "agent is disabled")
	}

	// Token scope gate before policy: the token must grant the scope at all.
	if !payload.HasScope(req.Tool + ":" + req.Action) {
		return pr, fault.New(fault.KindPolicyDenied,
			"token does not grant "+req.Tool+":"+req.Action)
	}

	// Policy resolve + evaluate.
	merged, err := s.deps.Policy.Resolve(ctx, agent.ID, agent.Role)
	if err != nil {
		return pr, fault.Wrap(fault.KindInternal, "resolve policy", err)
	}
	decision, err := s.deps.Policy.Evaluate(ctx, merged, agent.ID, req.Tool, req.Action, req.Params)
	if err != nil {
		return pr, fault.Wrap(fault.KindInternal, "evaluate policy", err)
	}
	if !decision.Allowed {
		if decision.Reason == policy.ReasonQuotaExceeded {
			for _, q := range decision.Quotas {
				s.deps.Metrics.QuotaDenials.WithLabelValues(q.Action, q.Window).Inc()
			}
		}
		return pr, fault.New(fault.KindPolicyDenied, decision.Reason+": "+decision.Detail)
	}
	params := decision.Params

	// Per-agent rate limit.
	if err := s.deps.Limiter.Allow(agent.ID); err != nil {
		s.deps.Metrics.RateLimited.Inc()
		return pr, err
	}

	// Tool configuration.
	if !s.deps.Dispatcher.IsConfigured(ctx, req.Tool) {
		return pr, fault.New(fault.KindUnconfigured,
			"tool "+req.Tool+" has no active credential")
	}

	// Degradation admission.
	if err := s.deps.Degrade.Admit("proxy:" + req.Tool); err != nil {
		return pr, err
	}

	// Cache wraps chaos/breaker/retry/adapter; bypassed tools and degraded
	// caching fall through to a direct call.
	call := func(ctx context.Context) (map[string]any, error) {
		return s.callUpstream(ctx, req.Tool, req.Action, params)
	}

	var result map[string]any
	callStart := time.Now()
	if s.deps.Degrade.CachingEnabled() && !s.deps.Cache.Bypassed(req.Tool, req.Action) {
		key := cache.Key{Tool: req.Tool, Action: req.Action, Params: params, Scopes: merged.ScopeList()}
		result, pr.cached, err = s.deps.Cache.Do(ctx, key, call)
		event := "miss"
		if pr.cached {
			event = "hit"
		}
		s.deps.Metrics.CacheEvents.WithLabelValues(event).Inc()
	} else {
		result, err = call(ctx)
	}
	pr.upstream = time.Since(callStart)
	if err != nil {
		return pr, err
	}

	// Response filters from the merged policy.
	pr.filtered = policy.ApplyFilters(result, merged.Filters)
	if pr.filtered.Blocked {
		return pr, fault.New(fault.KindPolicyDenied,
			"response blocked by filter pattern")
	}

	// Response size guard, checked on the filtered body the agent would see.
	if max := merged.MaxResponseSize; max > 0 {
		if raw, merr := json.Marshal(pr.filtered.Result); merr == nil && int64(len(raw)) > max {
			return pr, fault.New(fault.KindPolicyDenied, fmt.Sprintf(
				"%s: response size %d exceeds limit %d", policy.ReasonGuardViolated, len(raw), max))
		}
	}

	// Quota commit only after upstream success.
	if err := decision.Commit(ctx); err != nil {
		s.log.Error("quota commit failed", "agent_id", agent.ID, "error", err)
	}

	return pr, nil
}

// callUpstream is the chaos → breaker → retry → adapter core.
func (s *Server) callUpstream(ctx context.Context, tool, action string, params map[string]any) (map[string]any, error) {
	if mode, err := s.deps.Chaos.Apply(ctx, tool); mode != "" {
		s.deps.Metrics.ChaosInjections.WithLabelValues(tool, mode).Inc()
		if err != nil {
			// Injected faults count toward the breaker like real ones.
			s.deps.Breakers.Get(tool).Record(err)
			return nil, err
		}
	}

	br := s.deps.Breakers.Get(tool)
	if err := br.Allow(); err != nil {
		s.deps.Metrics.BreakerRejections.WithLabelValues(tool).Inc()
		return nil, err
	}

	var result map[string]any
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  s.cfg.RetryMaxAttempts,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		ShouldRetry:  fault.IsRetryable,
		RetryAfter:   fault.RetryAfterOf,
		OnRetry: func(attempt int, err error, _ time.Duration) {
			s.deps.Metrics.ObserveRetry(tool, action, attempt)
		},
	}, func() error {
		var callErr error
		result, callErr = s.deps.Dispatcher.Call(ctx, tool, action, params)
		return callErr
	})
	br.Record(err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func proxyStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return fault.HTTPStatus(err)
}

func tokenReason(err error) string {
	switch {
	case errors.Is(err, token.ErrExpired):
		return "token expired"
	case errors.Is(err, token.ErrBadSignature):
		return "token signature invalid"
	default:
		return "token malformed"
	}
}

func provenanceFault(err error) error {
	switch {
	case errors.Is(err, registry.ErrTokenRevoked):
		return fault.New(fault.KindAuth, "token revoked")
	case errors.Is(err, registry.ErrProofMismatch):
		return fault.New(fault.KindIntegrity, "proof payload mismatch")
	case errors.Is(err, registry.ErrNotFound):
		return fault.New(fault.KindAuth, "unknown token ID")
	default:
		return fault.Wrap(fault.KindInternal, "verify provenance", err)
	}
}
