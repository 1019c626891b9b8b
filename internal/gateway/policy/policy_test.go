package policy_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/toolgate/toolgate/internal/gateway/policy"
	"github.com/toolgate/toolgate/internal/gateway/quota"
	"github.com/toolgate/toolgate/internal/gateway/registry"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustSpec(t *testing.T, raw string) *policy.Spec {
	t.Helper()
	s, err := policy.ParseJSON([]byte(raw))
	if err != nil {
		t.Fatalf("parse spec: %v", err)
	}
	return s
}

func TestSpecValidate(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"minimal", `{"scopes":["search:query"]}`, true},
		{"no scopes", `{"scopes":[]}`, false},
		{"bad scope shape", `{"scopes":["search"]}`, false},
		{"bad quota window", `{"scopes":["a:b"],"quotas":[{"action":"a:b","limit":5,"window":"soon"}]}`, false},
		{"zero quota limit", `{"scopes":["a:b"],"quotas":[{"action":"a:b","limit":0,"window":"1h"}]}`, false},
		{"bad block pattern", `{"scopes":["a:b"],"responseFilters":{"blockPatterns":["["]}}`, false},
		{"unknown pii filter", `{"scopes":["a:b"],"guards":{"piiFilters":["passport"]}}`, false},
		{"unknown day", `{"scopes":["a:b"],"schedule":{"allowedDays":["blursday"]}}`, false},
		{"full", `{
			"scopes":["search:query","http_fetch:get"],
			"guards":{"maxRequestSize":1024,"allowedDomains":["example.com"],"piiFilters":["email"]},
			"quotas":[{"action":"search:query","limit":10,"window":"1h","resetStrategy":"fixed"}],
			"schedule":{"timezone":"UTC","allowedDays":["mon","tue"],"allowedHours":{"start":9,"end":17}},
			"responseFilters":{"redactFields":["api_key"],"truncateFields":[{"field":"body","maxLength":100}]}
		}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := policy.ParseJSON([]byte(tc.raw))
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestMerge_ScopesUnionAndQuotaLowerLimitWins(t *testing.T) {
	a := mustSpec(t, `{"scopes":["search:query"],"quotas":[{"action":"search:query","limit":100,"window":"1h"}]}`)
	b := mustSpec(t, `{"scopes":["chat:send"],"quotas":[{"action":"search:query","limit":10,"window":"1h"}]}`)

	m := policy.Merge([]*policy.Spec{a, b})

	if !m.HasScope("search", "query") || !m.HasScope("chat", "send") {
		t.Fatalf("scopes not unioned: %v", m.ScopeList())
	}
	if len(m.Quotas) != 1 || m.Quotas[0].Limit != 10 {
		t.Fatalf("lower limit should win: %+v", m.Quotas)
	}
}

func TestMerge_GuardsTighten(t *testing.T) {
	a := mustSpec(t, `{"scopes":["a:b"],"guards":{"maxRequestSize":4096,"allowedDomains":["example.com","api.example.com"],"blockedDomains":["evil.com"]}}`)
	b := mustSpec(t, `{"scopes":["a:b"],"guards":{"maxRequestSize":1024,"allowedDomains":["example.com"],"blockedDomains":["worse.com"]}}`)

	m := policy.Merge([]*policy.Spec{a, b})

	if m.MaxRequestSize != 1024 {
		t.Fatalf("smallest size should win, got %d", m.MaxRequestSize)
	}
	if len(m.AllowedDomains) != 1 || m.AllowedDomains[0] != "example.com" {
		t.Fatalf("allowlists should intersect, got %v", m.AllowedDomains)
	}
	if len(m.BlockedDomains) != 2 {
		t.Fatalf("blocklists should union, got %v", m.BlockedDomains)
	}
	if m.DomainAllowed("evil.com") || m.DomainAllowed("sub.evil.com") {
		t.Fatal("blocked domain and subdomains must be denied")
	}
	if !m.DomainAllowed("example.com") || !m.DomainAllowed("www.example.com") {
		t.Fatal("allowed domain and subdomains must pass")
	}
	if m.DomainAllowed("elsewhere.org") {
		t.Fatal("restricted allowlist must deny unlisted hosts")
	}
}

type stubStore struct {
	rows []*registry.PolicyRow
	err  error
}

func (s *stubStore) PoliciesFor(ctx context.Context, agentID, role string) ([]*registry.PolicyRow, error) {
	return s.rows, s.err
}

func row(t *testing.T, spec string) *registry.PolicyRow {
	t.Helper()
	// Round-trip through the parser so stored JSON is always valid.
	s := mustSpec(t, spec)
	raw, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &registry.PolicyRow{ID: "p1", SpecJSON: string(raw)}
}

func newEngine(t *testing.T, store policy.Store, at time.Time) *policy.Engine {
	t.Helper()
	return policy.NewEngine(store, quota.NewMemoryCounter(), discard(),
		policy.WithClock(func() time.Time { return at }))
}

func TestEvaluate_ScopeDenied(t *testing.T) {
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	e := newEngine(t, &stubStore{rows: []*registry.PolicyRow{row(t, `{"scopes":["search:query"]}`)}}, at)

	m, err := e.Resolve(context.Background(), "agent-1", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	d, err := e.Evaluate(context.Background(), m, "agent-1", "chat", "send", nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Allowed || d.Reason != policy.ReasonOutOfScope {
		t.Fatalf("want out_of_scope denial, got %+v", d)
	}
}

func TestEvaluate_Schedule(t *testing.T) {
	spec := `{"scopes":["search:query"],"schedule":{"timezone":"UTC","allowedDays":["tue"],"allowedHours":{"start":9,"end":17}}}`
	store := &stubStore{rows: []*registry.PolicyRow{row(t, spec)}}

	cases := []struct {
		name    string
		at      time.Time
		allowed bool
	}{
		{"tuesday noon", time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), true},
		{"tuesday night", time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC), false},
		{"wednesday noon", time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEngine(t, store, tc.at)
			m, _ := e.Resolve(context.Background(), "agent-1", "")
			d, err := e.Evaluate(context.Background(), m, "agent-1", "search", "query", nil)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if d.Allowed != tc.allowed {
				t.Fatalf("allowed=%v want %v (%s)", d.Allowed, tc.allowed, d.Detail)
			}
			if !tc.allowed && d.Reason != policy.ReasonOutOfSchedule {
				t.Fatalf("want out_of_schedule, got %s", d.Reason)
			}
		})
	}
}

func TestEvaluate_GuardDomain(t *testing.T) {
	spec := `{"scopes":["http_fetch:get"],"guards":{"allowedDomains":["example.com"]}}`
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	e := newEngine(t, &stubStore{rows: []*registry.PolicyRow{row(t, spec)}}, at)
	m, _ := e.Resolve(context.Background(), "agent-1", "")

	d, err := e.Evaluate(context.Background(), m, "agent-1", "http_fetch", "get",
		map[string]any{"url": "https://attacker.net/steal"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Allowed || d.Reason != policy.ReasonGuardViolated {
		t.Fatalf("want guard_violation, got %+v", d)
	}

	d, err = e.Evaluate(context.Background(), m, "agent-1", "http_fetch", "get",
		map[string]any{"url": "https://api.example.com/v1"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("subdomain of allowed domain should pass: %s", d.Detail)
	}
}

func TestEvaluate_QuotaPeekThenCommit(t *testing.T) {
	spec := `{"scopes":["search:query"],"quotas":[{"action":"search:query","limit":2,"window":"1h","resetStrategy":"fixed"}]}`
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	e := newEngine(t, &stubStore{rows: []*registry.PolicyRow{row(t, spec)}}, at)
	m, _ := e.Resolve(context.Background(), "agent-1", "")
	ctx := context.Background()

	eval := func() *policy.Decision {
		d, err := e.Evaluate(ctx, m, "agent-1", "search", "query", nil)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		return d
	}

	// Evaluating without committing must not consume quota.
	for i := 0; i < 5; i++ {
		if d := eval(); !d.Allowed {
			t.Fatalf("peek-only evaluation %d consumed quota: %s", i, d.Detail)
		}
	}

	for i := 0; i < 2; i++ {
		d := eval()
		if !d.Allowed {
			t.Fatalf("call %d should be allowed: %s", i, d.Detail)
		}
		if err := d.Commit(ctx); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	d := eval()
	if d.Allowed || d.Reason != policy.ReasonQuotaExceeded {
		t.Fatalf("want quota_exceeded after limit reached, got %+v", d)
	}
}

func TestEvaluate_PIIMasking(t *testing.T) {
	spec := `{"scopes":["chat:send"],"guards":{"piiFilters":["email"]}}`
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	e := newEngine(t, &stubStore{rows: []*registry.PolicyRow{row(t, spec)}}, at)
	m, _ := e.Resolve(context.Background(), "agent-1", "")

	d, err := e.Evaluate(context.Background(), m, "agent-1", "chat", "send",
		map[string]any{"message": "contact bob@example.com please", "channel": "ops"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("should be allowed: %s", d.Detail)
	}
	msg := d.Params["message"].(string)
	if strings.Contains(msg, "bob@example.com") {
		t.Fatalf("email not masked: %q", msg)
	}
	if d.Params["channel"] != "ops" {
		t.Fatalf("non-PII value altered: %v", d.Params["channel"])
	}
}

func TestApplyFilters(t *testing.T) {
	filters := []policy.ResponseFilters{
		{
			RedactFields:   []string{"api_key"},
			TruncateFields: []policy.TruncateField{{Field: "body", MaxLength: 5}},
		},
		{BlockPatterns: []string{`(?i)top secret`}},
	}

	t.Run("redact and truncate", func(t *testing.T) {
		out := policy.ApplyFilters(map[string]any{
			"api_key": "sk-12345",
			"body":    "0123456789",
			"nested":  map[string]any{"api_key": "sk-67890", "note": "fine"},
		}, filters)
		if out.Blocked {
			t.Fatal("should not block")
		}
		if out.Result["api_key"] != "***" {
			t.Fatalf("api_key not redacted: %v", out.Result["api_key"])
		}
		if out.Result["body"] != "01234" {
			t.Fatalf("body not truncated: %v", out.Result["body"])
		}
		nested := out.Result["nested"].(map[string]any)
		if nested["api_key"] != "***" || nested["note"] != "fine" {
			t.Fatalf("nested rewrite wrong: %v", nested)
		}
	})

	t.Run("truncation keeps valid utf8", func(t *testing.T) {
		// "é" occupies bytes 4-5, so a naive 5-byte cut would land inside it.
		out := policy.ApplyFilters(map[string]any{"body": "abcdéf"}, filters)
		got := out.Result["body"].(string)
		if !utf8.ValidString(got) {
			t.Fatalf("truncation split a rune: %q", got)
		}
		if got != "abcd" {
			t.Fatalf("want cut backed up to %q, got %q", "abcd", got)
		}
	})

	t.Run("block pattern", func(t *testing.T) {
		out := policy.ApplyFilters(map[string]any{"summary": "this is Top Secret material"}, filters)
		if !out.Blocked {
			t.Fatal("expected block")
		}
		if out.Result != nil {
			t.Fatal("blocked responses must carry no body")
		}
	})

	t.Run("no filters aliases input", func(t *testing.T) {
		in := map[string]any{"x": 1}
		out := policy.ApplyFilters(in, nil)
		if out.Blocked || out.Result["x"] != 1 {
			t.Fatalf("unexpected outcome: %+v", out)
		}
	})
}
