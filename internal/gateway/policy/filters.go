package policy

import (
	"encoding/json"
	"regexp"
	"unicode/utf8"

	"github.com/toolgate/toolgate/common/redact"
)

// FilterResult is the outcome of running response filters over an upstream
// result.
type FilterResult struct {
	// Result is the (possibly rewritten) response body.  Nil when Blocked.
	Result map[string]any
	// Blocked means a block pattern matched and the response must not
	// reach the agent.
	Blocked bool
	// Pattern is the block pattern that fired.
	Pattern string
}

// ApplyFilters runs every merged response filter, in order, over the
// upstream result.  Redaction and truncation rewrite a copy; block patterns
// are checked against the rewritten body so that redacted content cannot
// trip them.
func ApplyFilters(result map[string]any, filters []ResponseFilters) FilterResult {
	if len(filters) == 0 {
		return FilterResult{Result: result}
	}

	redactSet := make(map[string]struct{})
	truncate := make(map[string]int)
	var patterns []string
	for _, f := range filters {
		for _, field := range f.RedactFields {
			redactSet[field] = struct{}{}
		}
		for _, tf := range f.TruncateFields {
			// Tightest cap wins when filters disagree.
			if cur, ok := truncate[tf.Field]; !ok || tf.MaxLength < cur {
				truncate[tf.Field] = tf.MaxLength
			}
		}
		patterns = append(patterns, f.BlockPatterns...)
	}

	rewritten, _ := rewriteMap(result, redactSet, truncate)

	if len(patterns) > 0 {
		raw, err := json.Marshal(rewritten)
		if err == nil {
			for _, p := range patterns {
				re, err := regexp.Compile(p)
				if err != nil {
					continue // validated at spec creation
				}
				if re.Match(raw) {
					return FilterResult{Blocked: true, Pattern: p}
				}
			}
		}
	}
	return FilterResult{Result: rewritten}
}

// rewriteMap walks the decoded JSON tree applying redaction and truncation
// by field name at any depth.  The second return reports whether anything
// changed, letting untouched subtrees alias the input.
func rewriteMap(in map[string]any, redactSet map[string]struct{}, truncate map[string]int) (map[string]any, bool) {
	changed := false
	out := make(map[string]any, len(in))
	for k, v := range in {
		if _, ok := redactSet[k]; ok {
			out[k] = redact.MaskSentinel
			changed = true
			continue
		}
		if max, ok := truncate[k]; ok {
			if s, isStr := v.(string); isStr && len(s) > max {
				out[k] = truncateRunes(s, max)
				changed = true
				continue
			}
		}
		nv, c := rewriteValue(v, redactSet, truncate)
		out[k] = nv
		changed = changed || c
	}
	if !changed {
		return in, false
	}
	return out, true
}

// truncateRunes cuts s to at most max bytes without splitting a UTF-8
// sequence; the cut backs up to the nearest rune start.
func truncateRunes(s string, max int) string {
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func rewriteValue(v any, redactSet map[string]struct{}, truncate map[string]int) (any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return rewriteMap(t, redactSet, truncate)
	case []any:
		changed := false
		out := make([]any, len(t))
		for i, e := range t {
			ne, c := rewriteValue(e, redactSet, truncate)
			out[i] = ne
			changed = changed || c
		}
		if !changed {
			return t, false
		}
		return out, true
	default:
		return v, false
	}
}
