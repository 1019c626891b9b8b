// Package policy implements the gateway's declarative policy engine.
//
// A policy spec grants "tool:action" scopes and constrains their use with
// guards, quotas, schedules, and response filters.  Specs are assigned to a
// specific agent or to a role; all assignments applying to a request are
// merged conservatively before evaluation.  Evaluation is purely
// deterministic.
package policy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/toolgate/toolgate/common/redact"
	"github.com/toolgate/toolgate/internal/gateway/quota"
)

// Denial reasons, stable across releases.
const (
	ReasonOutOfScope    = "out_of_scope"
	ReasonOutOfSchedule = "out_of_schedule"
	ReasonGuardViolated = "guard_violation"
	ReasonQuotaExceeded = "quota_exceeded"
)

// Spec is one declarative policy record.
type Spec struct {
	Scopes          []string         `json:"scopes" yaml:"scopes"`
	Intent          string           `json:"intent,omitempty" yaml:"intent,omitempty"`
	Guards          *Guards          `json:"guards,omitempty" yaml:"guards,omitempty"`
	Quotas          []Quota          `json:"quotas,omitempty" yaml:"quotas,omitempty"`
	Schedule        *Schedule        `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	ResponseFilters *ResponseFilters `json:"responseFilters,omitempty" yaml:"responseFilters,omitempty"`
}

// Guards constrain request shape and destinations.
type Guards struct {
	MaxRequestSize  int64        `json:"maxRequestSize,omitempty" yaml:"maxRequestSize,omitempty"`
	MaxResponseSize int64        `json:"maxResponseSize,omitempty" yaml:"maxResponseSize,omitempty"`
	AllowedDomains  []string     `json:"allowedDomains,omitempty" yaml:"allowedDomains,omitempty"`
	BlockedDomains  []string     `json:"blockedDomains,omitempty" yaml:"blockedDomains,omitempty"`
	PIIFilters      []string     `json:"piiFilters,omitempty" yaml:"piiFilters,omitempty"`
	TimeWindow      *TimeWindow  `json:"timeWindow,omitempty" yaml:"timeWindow,omitempty"`
}

// TimeWindow is a daily wall-clock interval in a timezone.
type TimeWindow struct {
	Start    string `json:"start" yaml:"start"` // "HH:MM"
	End      string `json:"end" yaml:"end"`     // "HH:MM"
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// Quota bounds an action over a time window.
type Quota struct {
	Action        string `json:"action" yaml:"action"`
	Limit         int64  `json:"limit" yaml:"limit"`
	Window        string `json:"window" yaml:"window"`
	ResetStrategy string `json:"resetStrategy,omitempty" yaml:"resetStrategy,omitempty"`
}

// Strategy returns the effective reset strategy (sliding by default).
func (q Quota) Strategy() string {
	if strings.EqualFold(q.ResetStrategy, quota.ResetFixed) {
		return quota.ResetFixed
	}
	return quota.ResetSliding
}

// Schedule gates requests by day-of-week and hour-of-day.
type Schedule struct {
	// Enabled defaults to true when nil.
	Enabled      *bool      `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Timezone     string     `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	AllowedDays  []string   `json:"allowedDays,omitempty" yaml:"allowedDays,omitempty"`
	AllowedHours *HourRange `json:"allowedHours,omitempty" yaml:"allowedHours,omitempty"`
}

// IsEnabled resolves the Enabled default.
func (s *Schedule) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// HourRange is a half-open [Start, End) hour-of-day interval.
type HourRange struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// ResponseFilters rewrite adapter results before they reach the agent.
type ResponseFilters struct {
	RedactFields   []string        `json:"redactFields,omitempty" yaml:"redactFields,omitempty"`
	TruncateFields []TruncateField `json:"truncateFields,omitempty" yaml:"truncateFields,omitempty"`
	BlockPatterns  []string        `json:"blockPatterns,omitempty" yaml:"blockPatterns,omitempty"`
}

// TruncateField caps the length of one string field.
type TruncateField struct {
	Field     string `json:"field" yaml:"field"`
	MaxLength int    `json:"maxLength" yaml:"maxLength"`
}

var scopeRe = regexp.MustCompile(`^[a-z0-9_]+:[a-z0-9_]+$`)

// Validate checks the spec for structural problems.  A spec failing
// validation is rejected at creation time, never at evaluation time.
func (s *Spec) Validate() error {
	if len(s.Scopes) == 0 {
		return fmt.Errorf("policy: at least one scope required")
	}
	for _, scope := range s.Scopes {
		if !scopeRe.MatchString(scope) {
			return fmt.Errorf("policy: invalid scope %q (want \"tool:action\")", scope)
		}
	}
	if g := s.Guards; g != nil {
		if g.MaxRequestSize < 0 || g.MaxResponseSize < 0 {
			return fmt.Errorf("policy: guard sizes must be non-negative")
		}
		for _, f := range g.PIIFilters {
			if !redact.KnownPIIFilter(f) {
				return fmt.Errorf("policy: unknown pii filter %q", f)
			}
		}
		if tw := g.TimeWindow; tw != nil {
			if _, err := parseClock(tw.Start); err != nil {
				return fmt.Errorf("policy: time window start: %w", err)
			}
			if _, err := parseClock(tw.End); err != nil {
				return fmt.Errorf("policy: time window end: %w", err)
			}
		}
	}
	for _, q := range s.Quotas {
		if q.Action == "" {
			return fmt.Errorf("policy: quota action required")
		}
		if q.Limit <= 0 {
			return fmt.Errorf("policy: quota limit must be positive")
		}
		if _, err := quota.ParseWindow(q.Window); err != nil {
			return err
		}
		if q.ResetStrategy != "" &&
			!strings.EqualFold(q.ResetStrategy, quota.ResetSliding) &&
			!strings.EqualFold(q.ResetStrategy, quota.ResetFixed) {
			return fmt.Errorf("policy: unknown reset strategy %q", q.ResetStrategy)
		}
	}
	if sc := s.Schedule; sc != nil {
		for _, d := range sc.AllowedDays {
			if _, ok := parseDay(d); !ok {
				return fmt.Errorf("policy: unknown day %q", d)
			}
		}
		if h := sc.AllowedHours; h != nil {
			if h.Start < 0 || h.Start > 23 || h.End < 0 || h.End > 24 {
				return fmt.Errorf("policy: allowed hours out of range")
			}
		}
	}
	if rf := s.ResponseFilters; rf != nil {
		for _, p := range rf.BlockPatterns {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("policy: block pattern %q: %w", p, err)
			}
		}
		for _, tf := range rf.TruncateFields {
			if tf.Field == "" || tf.MaxLength <= 0 {
				return fmt.Errorf("policy: truncate fields need a name and positive length")
			}
		}
	}
	return nil
}

// ParseJSON decodes and validates a spec from its stored JSON form.
func ParseJSON(data []byte) (*Spec, error) {
	var s Spec
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("policy: parse spec: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// ParseYAML decodes and validates a spec from YAML (bundle files, admin
// uploads).
func ParseYAML(data []byte) (*Spec, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("policy: parse spec yaml: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	return h*60 + m, nil
}

var dayNames = map[string]int{
	"sun": 0, "sunday": 0,
	"mon": 1, "monday": 1,
	"tue": 2, "tuesday": 2,
	"wed": 3, "wednesday": 3,
	"thu": 4, "thursday": 4,
	"fri": 5, "friday": 5,
	"sat": 6, "saturday": 6,
}

func parseDay(s string) (int, bool) {
	d, ok := dayNames[strings.ToLower(s)]
	return d, ok
}
