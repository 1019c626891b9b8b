// Package chaos injects controlled faults into tool calls for resilience
// drills.  Injection is configured per tool and applied with one coin flip
// per call, before the upstream adapter runs.
package chaos

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/toolgate/toolgate/internal/gateway/fault"
)

// Injection modes.
const (
	ModeTimeout = "timeout"
	ModeError   = "error_500"
	ModeJitter  = "jitter"
)

// Rule configures injection for one tool.
type Rule struct {
	Mode    string `json:"mode"`
	Percent int    `json:"percent"`
	// Delay bounds jitter / timeout sleeps.  Zero picks the mode default.
	Delay time.Duration `json:"-"`
}

const (
	defaultTimeoutDelay = 10 * time.Second
	jitterMinDelay      = 1 * time.Second
	jitterMaxDelay      = 6 * time.Second
)

// Injector holds the active rules.  Safe for concurrent use; the read path
// is a single RLock.
type Injector struct {
	mu      sync.RWMutex
	enabled bool
	rules   map[string]Rule

	flip  func(percent int) bool
	sleep func(ctx context.Context, d time.Duration)
}

// New creates a disabled injector with no rules.
func New() *Injector {
	return &Injector{
		rules: make(map[string]Rule),
		flip: func(percent int) bool {
			return rand.IntN(100) < percent
		},
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// SetEnabled flips the master switch without touching rules.
func (i *Injector) SetEnabled(on bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.enabled = on
}

// Enabled reports the master switch.
func (i *Injector) Enabled() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.enabled
}

// SetRule installs or replaces the rule for a tool.  Percent is clamped to
// [0, 100].
func (i *Injector) SetRule(tool string, r Rule) {
	if r.Percent < 0 {
		r.Percent = 0
	}
	if r.Percent > 100 {
		r.Percent = 100
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.rules[tool] = r
}

// ClearRule removes a tool's rule.
func (i *Injector) ClearRule(tool string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.rules, tool)
}

// Rules snapshots the active configuration for the admin surface.
func (i *Injector) Rules() map[string]Rule {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make(map[string]Rule, len(i.rules))
	for k, v := range i.rules {
		out[k] = v
	}
	return out
}

// Apply performs at most one injection for this call.  It returns the mode
// that fired ("" when none) and an error for fault modes.  Jitter delays and
// returns no error; timeout sleeps then fails like a deadline.
func (i *Injector) Apply(ctx context.Context, tool string) (string, error) {
	i.mu.RLock()
	r, ok := i.rules[tool]
	on := i.enabled
	flip, sleep := i.flip, i.sleep
	i.mu.RUnlock()

	if !on || !ok || r.Percent == 0 || !flip(r.Percent) {
		return "", nil
	}

	switch r.Mode {
	case ModeTimeout:
		d := r.Delay
		if d <= 0 {
			d = defaultTimeoutDelay
		}
		sleep(ctx, d)
		return ModeTimeout, fault.New(fault.KindChaos, "injected timeout")
	case ModeError:
		return ModeError, fault.New(fault.KindChaos, "injected upstream failure")
	case ModeJitter:
		if d := r.Delay; d > 0 {
			// Admin-set cap: uniform over (0, d].
			sleep(ctx, time.Duration(rand.Int64N(int64(d)))+1)
		} else {
			// Uniform over [1s, 6s].
			span := int64(jitterMaxDelay - jitterMinDelay)
			sleep(ctx, jitterMinDelay+time.Duration(rand.Int64N(span+1)))
		}
		return ModeJitter, nil
	default:
		return "", nil
	}
}
