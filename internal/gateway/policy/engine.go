package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/toolgate/toolgate/common/redact"
	"github.com/toolgate/toolgate/internal/gateway/quota"
	"github.com/toolgate/toolgate/internal/gateway/registry"
)

// Store is the slice of the registry the engine reads.
type Store interface {
	PoliciesFor(ctx context.Context, agentID, role string) ([]*registry.PolicyRow, error)
}

// Engine resolves and evaluates policies for proxied tool calls.
type Engine struct {
	store   Store
	counter quota.Counter
	log     *slog.Logger
	loc     *time.Location
	now     func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLocation sets the default timezone for schedules that omit one.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

// NewEngine creates a policy engine backed by the given store and quota
// counter.
func NewEngine(store Store, counter quota.Counter, log *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		counter: counter,
		log:     log,
		loc:     time.UTC,
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Resolve loads and merges every policy applying to the agent.  Rows whose
// stored spec no longer parses are skipped with a warning rather than
// failing the whole request.
func (e *Engine) Resolve(ctx context.Context, agentID, role string) (*Merged, error) {
	rows, err := e.store.PoliciesFor(ctx, agentID, role)
	if err != nil {
		return nil, fmt.Errorf("policy: resolve: %w", err)
	}
	specs := make([]*Spec, 0, len(rows))
	for _, row := range rows {
		s, err := ParseJSON([]byte(row.SpecJSON))
		if err != nil {
			e.log.Warn("skipping unparseable policy", "policy_id", row.ID, "error", err)
			continue
		}
		specs = append(specs, s)
	}
	return Merge(specs), nil
}

// QuotaStatus reports one quota's standing at evaluation time.
type QuotaStatus struct {
	Action string `json:"action"`
	Window string `json:"window"`
	Limit  int64  `json:"limit"`
	Used   int64  `json:"used"`
}

// Decision is the outcome of evaluating a request against a merged policy.
type Decision struct {
	Allowed bool
	// Reason is set on denial: out_of_scope, out_of_schedule,
	// guard_violation, quota_exceeded.
	Reason string
	// Detail elaborates the reason for audit records and error bodies.
	Detail string
	// Quotas lists the standing of each quota that matched the action,
	// populated on allowed decisions.
	Quotas []QuotaStatus
	// Params is the request parameter map after PII masking.  It aliases
	// the input map when no masking applied.
	Params map[string]any
	// commit increments the matched quotas; the pipeline calls it only
	// after the upstream call succeeds.
	commit func(ctx context.Context) error
}

// Commit records quota usage for an allowed request.  Calling it on a denied
// decision is a no-op.
func (d *Decision) Commit(ctx context.Context) error {
	if d.commit == nil {
		return nil
	}
	return d.commit(ctx)
}

func deny(reason, detail string) *Decision {
	return &Decision{Allowed: false, Reason: reason, Detail: detail}
}

// Evaluate checks a tool call against the merged policy.  Order is fixed:
// scope, schedule, guards, quotas.  Quotas are peeked here and committed
// separately so failed upstream calls never consume quota.
func (e *Engine) Evaluate(ctx context.Context, m *Merged, agentID, tool, action string, params map[string]any) (*Decision, error) {
	now := e.now().UTC()

	if !m.HasScope(tool, action) {
		return deny(ReasonOutOfScope, fmt.Sprintf("scope %s:%s not granted", tool, action)), nil
	}

	if reason := e.checkSchedule(m, now); reason != "" {
		return deny(ReasonOutOfSchedule, reason), nil
	}

	if detail := e.checkGuards(m, params); detail != "" {
		return deny(ReasonGuardViolated, detail), nil
	}

	scoped := tool + ":" + action
	var statuses []QuotaStatus
	var buckets []quota.Bucket
	for _, q := range m.Quotas {
		if q.Action != scoped && q.Action != action {
			continue
		}
		b, err := quota.NewBucket(agentID, q.Action, q.Window, q.Strategy(), now)
		if err != nil {
			return nil, err
		}
		// Peek here, commit after upstream success: concurrent requests
		// landing near the limit can each observe used < limit and all be
		// admitted.  Quotas count completed calls, they are not reservations.
		used, err := e.counter.Peek(ctx, b)
		if err != nil {
			return nil, fmt.Errorf("policy: quota peek: %w", err)
		}
		if used >= q.Limit {
			return deny(ReasonQuotaExceeded,
				fmt.Sprintf("quota %s: %d of %d used in %s", q.Action, used, q.Limit, q.Window)), nil
		}
		statuses = append(statuses, QuotaStatus{Action: q.Action, Window: q.Window, Limit: q.Limit, Used: used})
		buckets = append(buckets, b)
	}

	masked := params
	if len(m.PIIFilters) > 0 {
		masked = maskParams(params, m.PIIFilters)
	}

	return &Decision{
		Allowed: true,
		Quotas:  statuses,
		Params:  masked,
		commit: func(ctx context.Context) error {
			for _, b := range buckets {
				if _, err := e.counter.Add(ctx, b); err != nil {
					return fmt.Errorf("policy: quota commit: %w", err)
				}
			}
			return nil
		},
	}, nil
}

// checkSchedule returns a denial detail when any schedule or time window
// excludes now; empty string means admitted.
func (e *Engine) checkSchedule(m *Merged, now time.Time) string {
	for _, s := range m.Schedules {
		if !s.IsEnabled() {
			return "schedule disabled"
		}
		local := now.In(e.location(s.Timezone))
		if len(s.AllowedDays) > 0 && !dayAllowed(s.AllowedDays, local.Weekday()) {
			return fmt.Sprintf("%s not in allowed days", strings.ToLower(local.Weekday().String()))
		}
		if h := s.AllowedHours; h != nil {
			if !hourInRange(local.Hour(), h.Start, h.End) {
				return fmt.Sprintf("hour %02d outside allowed hours %02d-%02d", local.Hour(), h.Start, h.End)
			}
		}
	}
	for _, tw := range m.TimeWindows {
		local := now.In(e.location(tw.Timezone))
		minute := local.Hour()*60 + local.Minute()
		start, err1 := parseClock(tw.Start)
		end, err2 := parseClock(tw.End)
		if err1 != nil || err2 != nil {
			continue // validated at creation; never trust stored data blindly
		}
		if !minuteInWindow(minute, start, end) {
			return fmt.Sprintf("outside time window %s-%s", tw.Start, tw.End)
		}
	}
	return ""
}

func (e *Engine) location(name string) *time.Location {
	if name == "" {
		return e.loc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		e.log.Warn("unknown policy timezone, using default", "timezone", name)
		return e.loc
	}
	return loc
}

func dayAllowed(days []string, wd time.Weekday) bool {
	for _, d := range days {
		if n, ok := parseDay(d); ok && n == int(wd) {
			return true
		}
	}
	return false
}

// hourInRange treats [start, end) as the allowed interval; end <= start
// means the window wraps midnight.
func hourInRange(h, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

func minuteInWindow(m, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return m >= start && m < end
	}
	return m >= start || m < end
}

// checkGuards returns a denial detail, or "" when all guards pass.
func (e *Engine) checkGuards(m *Merged, params map[string]any) string {
	if m.MaxRequestSize > 0 {
		raw, err := json.Marshal(params)
		if err == nil && int64(len(raw)) > m.MaxRequestSize {
			return fmt.Sprintf("request size %d exceeds limit %d", len(raw), m.MaxRequestSize)
		}
	}
	if m.DomainRestricted || len(m.BlockedDomains) > 0 {
		if host := targetHost(params); host != "" && !m.DomainAllowed(host) {
			return fmt.Sprintf("domain %s not permitted", host)
		}
	}
	return ""
}

// targetHost extracts the destination host from params for tools that reach
// arbitrary URLs.
func targetHost(params map[string]any) string {
	raw, ok := params["url"].(string)
	if !ok || raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// maskParams applies PII masks to every string value in the parameter map,
// returning a copy.
func maskParams(params map[string]any, filters []string) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = maskValue(v, filters)
	}
	return out
}

func maskValue(v any, filters []string) any {
	switch t := v.(type) {
	case string:
		return redact.PII(t, filters...)
	case map[string]any:
		return maskParams(t, filters)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = maskValue(e, filters)
		}
		return out
	default:
		return v
	}
}
