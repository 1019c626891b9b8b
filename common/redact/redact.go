// Package redact provides helpers for stripping sensitive values from log
// output and structured data before it leaves the process boundary, and for
// masking PII fragments in tool-call parameters.
//
// # Threat model
//
// Secrets (upstream API keys, token HMAC material, the KEK) must never
// appear in:
//   - Log lines emitted by the gateway
//   - Audit rows stored in SQLite (except sealed envelopes)
//   - Proxy responses returned to agents
//
// Redaction is best-effort: it operates on string representations and relies
// on callers to pass the right set of sensitive terms.  It is NOT a substitute
// for keeping secrets out of log call-sites in the first place.
package redact

import (
	"regexp"
	"strings"
)

const placeholder = "[REDACTED]"

// MaskSentinel replaces PII fragments matched by policy filters.
const MaskSentinel = "***"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED].  Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Map returns a shallow copy of m with values replaced by [REDACTED] for
// every key whose name suggests it contains a secret (password, token, key,
// secret, credential, auth).  Non-string values are left unchanged.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			if str, ok := v.(string); ok && str != "" {
				out[k] = placeholder
				continue
			}
		}
		out[k] = v
	}
	return out
}

// isSensitiveKey returns true when the key name suggests it holds a secret.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth", "apikey"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// Named PII filters available to policy guards. Each maps a filter name to a
// compiled pattern whose matches are replaced with the mask sentinel.
var piiPatterns = map[string]*regexp.Regexp{
	"email": regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	"phone": regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`),
	"ssn":   regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	"card":  regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`),
	"ipv4":  regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
}

// KnownPIIFilter reports whether name is a recognized PII filter.
func KnownPIIFilter(name string) bool {
	_, ok := piiPatterns[strings.ToLower(name)]
	return ok
}

// PII masks every fragment of s matched by the named filters.  Unknown
// filter names are ignored so a policy referencing a newer filter set still
// evaluates on older gateways.
func PII(s string, filters ...string) string {
	for _, name := range filters {
		re, ok := piiPatterns[strings.ToLower(name)]
		if !ok {
			continue
		}
		s = re.ReplaceAllString(s, MaskSentinel)
	}
	return s
}

// PIIValue walks a decoded JSON value (maps, slices, strings) and masks PII
// in every string leaf.  The input is modified in place where possible and
// returned for convenience.
func PIIValue(v any, filters ...string) any {
	switch t := v.(type) {
	case string:
		return PII(t, filters...)
	case map[string]any:
		for k, child := range t {
			t[k] = PIIValue(child, filters...)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = PIIValue(child, filters...)
		}
		return t
	default:
		return v
	}
}
