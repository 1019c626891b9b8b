package token_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/gateway/token"
)

func newCodec(t *testing.T) *token.Codec {
	t.Helper()
	c, err := token.NewCodec([]byte("test-signing-secret"))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return c
}

func TestIssueValidate_RoundTrip(t *testing.T) {
	c := newCodec(t)
	tok, issued, err := c.Issue(token.IssueParams{
		AgentID: "agent-1",
		Scopes:  []string{"search:query", "http_fetch:get"},
		TTL:     15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	payload, err := c.Validate(tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if payload.AgentID != issued.AgentID {
		t.Fatalf("agent mismatch: %q vs %q", payload.AgentID, issued.AgentID)
	}
	if !payload.HasScope("search:query") || !payload.HasScope("http_fetch:get") {
		t.Fatalf("scopes lost in round trip: %v", payload.Scopes)
	}
	if payload.HasScope("send_mail:send") {
		t.Fatal("unexpected scope granted")
	}
	if payload.ExpiresAt <= payload.IssuedAt {
		t.Fatal("expiry must be after issuance")
	}
	if payload.Nonce == "" {
		t.Fatal("nonce missing")
	}
}

func TestIssue_RegistryID(t *testing.T) {
	c := newCodec(t)
	_, p1, err := c.Issue(token.IssueParams{AgentID: "a", Scopes: []string{"s:q"}, TTL: time.Minute, WithRegistryID: true})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if p1.TokenID == "" {
		t.Fatal("expected a token ID")
	}
	_, p2, err := c.Issue(token.IssueParams{AgentID: "a", Scopes: []string{"s:q"}, TTL: time.Minute})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if p2.TokenID != "" {
		t.Fatal("token ID should be absent without registry backing")
	}
}

func TestValidate_TamperedPayload(t *testing.T) {
	c := newCodec(t)
	tok, _, err := c.Issue(token.IssueParams{AgentID: "a", Scopes: []string{"s:q"}, TTL: time.Minute})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Flip a payload byte: signature no longer matches.
	b := []byte(tok)
	if b[0] == 'A' {
		b[0] = 'B'
	} else {
		b[0] = 'A'
	}
	if _, err := c.Validate(string(b)); !errors.Is(err, token.ErrBadSignature) {
		t.Fatalf("expected bad signature, got %v", err)
	}
}

func TestValidate_TamperedSignature(t *testing.T) {
	c := newCodec(t)
	tok, _, err := c.Issue(token.IssueParams{AgentID: "a", Scopes: []string{"s:q"}, TTL: time.Minute})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	i := strings.LastIndex(tok, ".") + 1
	b := []byte(tok)
	if b[i] == '0' {
		b[i] = '1'
	} else {
		b[i] = '0'
	}
	if _, err := c.Validate(string(b)); !errors.Is(err, token.ErrBadSignature) {
		t.Fatalf("expected bad signature, got %v", err)
	}
}

func TestValidate_Malformed(t *testing.T) {
	c := newCodec(t)
	for _, tok := range []string{"", "no-dot", ".", "a.", ".b"} {
		if _, err := c.Validate(tok); !errors.Is(err, token.ErrMalformed) {
			t.Errorf("%q: expected malformed, got %v", tok, err)
		}
	}
}

func TestValidate_WrongSecret(t *testing.T) {
	c1 := newCodec(t)
	c2, err := token.NewCodec([]byte("other-secret"))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	tok, _, err := c1.Issue(token.IssueParams{AgentID: "a", Scopes: []string{"s:q"}, TTL: time.Minute})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := c2.Validate(tok); !errors.Is(err, token.ErrBadSignature) {
		t.Fatalf("expected bad signature across secrets, got %v", err)
	}
}

func TestValidate_Expired(t *testing.T) {
	now := time.Now()
	c := newCodec(t).WithClock(func() time.Time { return now })

	tok, _, err := c.Issue(token.IssueParams{AgentID: "a", Scopes: []string{"s:q"}, TTL: time.Second})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	now = now.Add(2 * time.Second)
	if _, err := c.Validate(tok); !errors.Is(err, token.ErrExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestExpiringSoon(t *testing.T) {
	now := time.Now()
	c := newCodec(t).WithClock(func() time.Time { return now })

	_, shortLived, err := c.Issue(token.IssueParams{AgentID: "a", Scopes: []string{"s:q"}, TTL: 4 * time.Minute})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !c.ExpiringSoon(shortLived) {
		t.Fatal("4-minute token should be expiring soon")
	}

	_, longLived, err := c.Issue(token.IssueParams{AgentID: "a", Scopes: []string{"s:q"}, TTL: time.Hour})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if c.ExpiringSoon(longLived) {
		t.Fatal("1-hour token should not be expiring soon")
	}
}

func TestProofHash_Deterministic(t *testing.T) {
	c := newCodec(t)
	tok, _, err := c.Issue(token.IssueParams{AgentID: "a", Scopes: []string{"s:q"}, TTL: time.Minute})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	encoded, err := token.EncodedPayload(tok)
	if err != nil {
		t.Fatalf("encoded payload: %v", err)
	}
	if token.ProofHash(encoded) != token.ProofHash(encoded) {
		t.Fatal("proof hash must be deterministic")
	}
	if len(token.ProofHash(encoded)) != 64 {
		t.Fatal("proof hash must be sha256 hex")
	}
}
