package policy

import (
	"sort"
	"strings"
)

// Merged is the effective policy for one agent after combining every spec
// that applies to it (agent-scoped plus role-scoped).  Merging is always
// conservative: permissions union, restrictions tighten.
type Merged struct {
	// Scopes is the union of all granted scopes.
	Scopes map[string]struct{}
	// MaxRequestSize / MaxResponseSize: smallest non-zero value wins.
	MaxRequestSize  int64
	MaxResponseSize int64
	// AllowedDomains is the intersection of the non-empty allowlists.
	// Empty plus restricted == false means no domain restriction applies.
	AllowedDomains   []string
	DomainRestricted bool
	// BlockedDomains is the union of all blocklists.
	BlockedDomains []string
	// PIIFilters is the union of all requested masks.
	PIIFilters []string
	// TimeWindows and Schedules must all admit the request (intersection
	// semantics without computing the interval arithmetic up front).
	TimeWindows []TimeWindow
	Schedules   []Schedule
	// Quotas keeps one entry per (action, window); when specs disagree the
	// lower limit wins.
	Quotas []Quota
	// Filters are applied in order after the upstream call.
	Filters []ResponseFilters
}

// HasScope reports whether the merged policy grants "tool:action".
func (m *Merged) HasScope(tool, action string) bool {
	_, ok := m.Scopes[tool+":"+action]
	return ok
}

// ScopeList returns the granted scopes sorted, for cache keys and audit
// records.
func (m *Merged) ScopeList() []string {
	out := make([]string, 0, len(m.Scopes))
	for s := range m.Scopes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Merge combines the given specs into one effective policy.  An empty input
// yields a policy with no scopes, which denies everything.
func Merge(specs []*Spec) *Merged {
	m := &Merged{Scopes: make(map[string]struct{})}

	blocked := make(map[string]struct{})
	pii := make(map[string]struct{})
	quotas := make(map[string]Quota) // keyed by action|window

	for _, s := range specs {
		if s == nil {
			continue
		}
		for _, scope := range s.Scopes {
			m.Scopes[scope] = struct{}{}
		}
		if g := s.Guards; g != nil {
			if g.MaxRequestSize > 0 && (m.MaxRequestSize == 0 || g.MaxRequestSize < m.MaxRequestSize) {
				m.MaxRequestSize = g.MaxRequestSize
			}
			if g.MaxResponseSize > 0 && (m.MaxResponseSize == 0 || g.MaxResponseSize < m.MaxResponseSize) {
				m.MaxResponseSize = g.MaxResponseSize
			}
			if len(g.AllowedDomains) > 0 {
				if !m.DomainRestricted {
					m.DomainRestricted = true
					m.AllowedDomains = normalizeDomains(g.AllowedDomains)
				} else {
					m.AllowedDomains = intersectDomains(m.AllowedDomains, normalizeDomains(g.AllowedDomains))
				}
			}
			for _, d := range g.BlockedDomains {
				blocked[strings.ToLower(d)] = struct{}{}
			}
			for _, f := range g.PIIFilters {
				pii[f] = struct{}{}
			}
			if g.TimeWindow != nil {
				m.TimeWindows = append(m.TimeWindows, *g.TimeWindow)
			}
		}
		for _, q := range s.Quotas {
			key := q.Action + "|" + q.Window
			if prev, ok := quotas[key]; !ok || q.Limit < prev.Limit {
				quotas[key] = q
			}
		}
		if s.Schedule != nil {
			m.Schedules = append(m.Schedules, *s.Schedule)
		}
		if s.ResponseFilters != nil {
			m.Filters = append(m.Filters, *s.ResponseFilters)
		}
	}

	for d := range blocked {
		m.BlockedDomains = append(m.BlockedDomains, d)
	}
	sort.Strings(m.BlockedDomains)
	for f := range pii {
		m.PIIFilters = append(m.PIIFilters, f)
	}
	sort.Strings(m.PIIFilters)

	keys := make([]string, 0, len(quotas))
	for k := range quotas {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.Quotas = append(m.Quotas, quotas[k])
	}
	return m
}

func normalizeDomains(in []string) []string {
	out := make([]string, 0, len(in))
	for _, d := range in {
		out = append(out, strings.ToLower(strings.TrimSpace(d)))
	}
	return out
}

func intersectDomains(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, d := range b {
		set[d] = struct{}{}
	}
	var out []string
	for _, d := range a {
		if _, ok := set[d]; ok {
			out = append(out, d)
		}
	}
	return out
}

// DomainAllowed checks host against the merged allow and block lists.  A
// blocked entry matches the host and its subdomains; the allowlist, when
// restricted, works the same way.
func (m *Merged) DomainAllowed(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, d := range m.BlockedDomains {
		if hostMatches(host, d) {
			return false
		}
	}
	if !m.DomainRestricted {
		return true
	}
	for _, d := range m.AllowedDomains {
		if hostMatches(host, d) {
			return true
		}
	}
	return false
}

func hostMatches(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}
