package registry_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/gateway/registry"
)

func openRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestCreateAgent_ReturnsPrivateKeyOnce(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()

	agent, priv, err := r.CreateAgent(ctx, "crawler", "ops@example", "reader")
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if len(priv) == 0 {
		t.Fatal("private key must be returned at creation")
	}
	if agent.Status != registry.AgentActive {
		t.Fatalf("new agent should be active, got %s", agent.Status)
	}

	loaded, err := r.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if len(loaded.PublicKey) == 0 {
		t.Fatal("public key must be stored")
	}
	if loaded.Role != "reader" {
		t.Fatalf("role mismatch: %q", loaded.Role)
	}
}

func TestCreateAgent_RequiresName(t *testing.T) {
	r := openRegistry(t)
	if _, _, err := r.CreateAgent(context.Background(), "", "ops", "r"); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestAgentLifecycle(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()

	agent, _, err := r.CreateAgent(ctx, "worker", "ops", "writer")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := r.UpdateAgentStatus(ctx, agent.ID, registry.AgentDisabled); err != nil {
		t.Fatalf("disable: %v", err)
	}
	loaded, err := r.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Status != registry.AgentDisabled {
		t.Fatalf("expected disabled, got %s", loaded.Status)
	}

	if err := r.DeleteAgent(ctx, agent.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetAgent(ctx, agent.ID); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestTokenProvenance(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()
	now := time.Now().UTC()

	entry := &registry.TokenEntry{
		TokenID:     "tok-1",
		AgentID:     "agent-1",
		PayloadHash: "abc123",
		IssuedAt:    now,
		ExpiresAt:   now.Add(time.Hour),
	}
	if err := r.RegisterToken(ctx, entry); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := r.VerifyProof(ctx, "tok-1", "abc123"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := r.VerifyProof(ctx, "tok-1", "wrong"); !errors.Is(err, registry.ErrProofMismatch) {
		t.Fatalf("expected proof mismatch, got %v", err)
	}
	if _, err := r.VerifyProof(ctx, "missing", "abc123"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := r.RevokeToken(ctx, "tok-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := r.VerifyProof(ctx, "tok-1", "abc123"); !errors.Is(err, registry.ErrTokenRevoked) {
		t.Fatalf("expected revoked, got %v", err)
	}
}

func TestRegisterToken_RejectsInvertedExpiry(t *testing.T) {
	r := openRegistry(t)
	now := time.Now().UTC()
	err := r.RegisterToken(context.Background(), &registry.TokenEntry{
		TokenID: "t", AgentID: "a", PayloadHash: "h",
		IssuedAt: now, ExpiresAt: now,
	})
	if err == nil {
		t.Fatal("expected error when expiresAt equals issuedAt")
	}
}

func TestPruneExpiredTokens(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = r.RegisterToken(ctx, &registry.TokenEntry{
		TokenID: "old", AgentID: "a", PayloadHash: "h",
		IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	})
	_ = r.RegisterToken(ctx, &registry.TokenEntry{
		TokenID: "live", AgentID: "a", PayloadHash: "h",
		IssuedAt: now, ExpiresAt: now.Add(time.Hour),
	})

	n, err := r.PruneExpiredTokens(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if _, err := r.GetToken(ctx, "live"); err != nil {
		t.Fatalf("live token must survive: %v", err)
	}
}

func TestCredentials_SingleActivePerTool(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()

	if err := r.PutCredential(ctx, "search", `{"v":1}`); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := r.PutCredential(ctx, "search", `{"v":2}`); err != nil {
		t.Fatalf("put second: %v", err)
	}

	active, err := r.ActiveCredential(ctx, "search")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active.EnvelopeJSON != `{"v":2}` {
		t.Fatalf("expected latest credential, got %s", active.EnvelopeJSON)
	}

	if err := r.RevokeCredential(ctx, "search"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := r.ActiveCredential(ctx, "search"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected no active credential, got %v", err)
	}
}

func TestConfiguredTools(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()
	_ = r.PutCredential(ctx, "search", `{}`)
	_ = r.PutCredential(ctx, "chat", `{}`)
	_ = r.RevokeCredential(ctx, "chat")

	tools, err := r.ConfiguredTools(ctx)
	if err != nil {
		t.Fatalf("configured tools: %v", err)
	}
	if len(tools) != 1 || tools[0] != "search" {
		t.Fatalf("expected [search], got %v", tools)
	}
}

func TestRequestLogs_AppendAndList(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()

	l := &registry.RequestLog{
		CorrID: "c_1", AgentID: "agent-1", Tool: "search", Action: "query",
		ResponseTimeMs: 42, StatusCode: 200, Success: true,
	}
	if err := r.AppendRequestLog(ctx, l); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = r.AppendRequestLog(ctx, &registry.RequestLog{
		CorrID: "c_2", AgentID: "agent-2", Tool: "chat", Action: "complete",
		ResponseTimeMs: 9, StatusCode: 403, Success: false,
		ErrorMessage: sql.NullString{String: "policy_denied", Valid: true},
	})

	all, err := r.ListRequestLogs(ctx, "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(all))
	}

	mine, err := r.ListRequestLogs(ctx, "agent-1", 10)
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(mine) != 1 || mine[0].CorrID != "c_1" {
		t.Fatalf("unexpected filtered rows: %+v", mine)
	}
	if !mine[0].Success || mine[0].ResponseTimeMs != 42 {
		t.Fatalf("row fields lost: %+v", mine[0])
	}
}

func TestPolicies_CRUDAndResolution(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()

	agentPolicy, err := r.CreatePolicy(ctx, "agent-1", "", `{"scopes":["search:query"]}`)
	if err != nil {
		t.Fatalf("create agent policy: %v", err)
	}
	_, err = r.CreatePolicy(ctx, "", "reader", `{"scopes":["http_fetch:get"]}`)
	if err != nil {
		t.Fatalf("create role policy: %v", err)
	}

	if _, err := r.CreatePolicy(ctx, "a", "r", `{}`); err == nil {
		t.Fatal("policy with both agent and role must be rejected")
	}
	if _, err := r.CreatePolicy(ctx, "", "", `{}`); err == nil {
		t.Fatal("policy with neither agent nor role must be rejected")
	}

	both, err := r.PoliciesFor(ctx, "agent-1", "reader")
	if err != nil {
		t.Fatalf("policies for: %v", err)
	}
	if len(both) != 2 {
		t.Fatalf("expected 2 applicable policies, got %d", len(both))
	}

	norole, err := r.PoliciesFor(ctx, "agent-1", "")
	if err != nil {
		t.Fatalf("policies for (no role): %v", err)
	}
	if len(norole) != 1 {
		t.Fatalf("expected 1 applicable policy without role, got %d", len(norole))
	}

	if err := r.UpdatePolicy(ctx, agentPolicy.ID, `{"scopes":["chat:complete"]}`); err != nil {
		t.Fatalf("update: %v", err)
	}
	loaded, err := r.GetPolicy(ctx, agentPolicy.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.SpecJSON != `{"scopes":["chat:complete"]}` {
		t.Fatalf("update lost: %s", loaded.SpecJSON)
	}

	if err := r.DeletePolicy(ctx, agentPolicy.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetPolicy(ctx, agentPolicy.ID); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
