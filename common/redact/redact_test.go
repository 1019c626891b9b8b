package redact_test

import (
	"strings"
	"testing"

	"github.com/toolgate/toolgate/common/redact"
)

func TestString_ReplacesSensitiveValues(t *testing.T) {
	out := redact.String("calling upstream with key sk-abcdef123", "sk-abcdef123")
	if strings.Contains(out, "sk-abcdef123") {
		t.Fatalf("secret survived redaction: %q", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected placeholder in %q", out)
	}
}

func TestString_SkipsShortValues(t *testing.T) {
	out := redact.String("a/b c", "a", "b")
	if out != "a/b c" {
		t.Fatalf("short values must not be redacted, got %q", out)
	}
}

func TestMap_RedactsSensitiveKeys(t *testing.T) {
	in := map[string]any{
		"api_key":  "secret-value",
		"question": "what is the weather",
		"count":    3,
	}
	out := redact.Map(in)
	if out["api_key"] != "[REDACTED]" {
		t.Fatalf("api_key not redacted: %v", out["api_key"])
	}
	if out["question"] != "what is the weather" {
		t.Fatalf("non-sensitive key modified: %v", out["question"])
	}
	if out["count"] != 3 {
		t.Fatalf("non-string value modified: %v", out["count"])
	}
}

func TestPII_MasksEmailAndPhone(t *testing.T) {
	in := "contact alice@example.com or +1 (555) 123-4567"
	out := redact.PII(in, "email", "phone")
	if strings.Contains(out, "alice@example.com") {
		t.Fatalf("email survived: %q", out)
	}
	if strings.Contains(out, "555") {
		t.Fatalf("phone survived: %q", out)
	}
	if !strings.Contains(out, redact.MaskSentinel) {
		t.Fatalf("expected mask sentinel in %q", out)
	}
}

func TestPII_UnknownFilterIgnored(t *testing.T) {
	in := "nothing to see"
	if out := redact.PII(in, "does-not-exist"); out != in {
		t.Fatalf("unknown filter changed input: %q", out)
	}
}

func TestPIIValue_WalksNestedStructures(t *testing.T) {
	v := map[string]any{
		"to":   "bob@example.org",
		"tags": []any{"note", "carol@example.org"},
		"n":    1.0,
	}
	out := redact.PIIValue(v, "email").(map[string]any)
	if out["to"] != redact.MaskSentinel {
		t.Fatalf("top-level email survived: %v", out["to"])
	}
	tags := out["tags"].([]any)
	if tags[1] != redact.MaskSentinel {
		t.Fatalf("nested email survived: %v", tags[1])
	}
	if out["n"] != 1.0 {
		t.Fatalf("numeric leaf modified: %v", out["n"])
	}
}

func TestKnownPIIFilter(t *testing.T) {
	if !redact.KnownPIIFilter("email") {
		t.Fatal("email should be known")
	}
	if redact.KnownPIIFilter("dna") {
		t.Fatal("dna should not be known")
	}
}
