// Package breaker provides per-tool circuit breakers for upstream calls.
//
// A breaker opens after enough failures inside a trailing window, rejects
// calls during a cooldown, then admits a single probe.  Two consecutive
// probe successes close it again; any probe failure reopens it.
package breaker

import (
	"sync"
	"time"

	"github.com/toolgate/toolgate/internal/gateway/fault"
)

// States.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// Config tunes one breaker.
type Config struct {
	// FailureThreshold failures within Window open the breaker.
	FailureThreshold int
	// Window is the trailing period failures are counted over.
	Window time.Duration
	// Cooldown is how long an open breaker rejects before probing.
	Cooldown time.Duration
	// SuccessThreshold consecutive half-open successes close the breaker.
	SuccessThreshold int
}

// DefaultConfig matches the gateway's shipped tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           30 * time.Second,
		Cooldown:         30 * time.Second,
		SuccessThreshold: 2,
	}
}

// Breaker guards one upstream tool.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu        sync.Mutex
	state     string
	failures  []time.Time
	successes int
	openedAt  time.Time
	probing   bool

	onChange func(tool, state string)
}

// Option configures a breaker.
type Option func(*Breaker)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a closed breaker.
func New(name string, cfg Config, opts ...Option) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultConfig()
	}
	b := &Breaker{name: name, cfg: cfg, now: time.Now, state: StateClosed}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow decides whether a call may proceed.  In half-open state it reserves
// the single probe slot; the caller must invoke Record afterwards to release
// it.  On rejection the error carries the remaining cooldown.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		remaining := b.cfg.Cooldown - now.Sub(b.openedAt)
		if remaining > 0 {
			return b.rejection(remaining)
		}
		b.setState(StateHalfOpen)
		b.successes = 0
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return b.rejection(0)
		}
		b.probing = true
		return nil
	}
	return nil
}

func (b *Breaker) rejection(retryAfter time.Duration) error {
	e := fault.New(fault.KindBreakerOpen, "upstream "+b.name+" unavailable, breaker open")
	if retryAfter > 0 {
		e.RetryAfter = retryAfter
	}
	return e
}

// Record reports a call's outcome.  Policy denials and validation errors do
// not count against the breaker; only genuine upstream failures do.
func (b *Breaker) Record(err error) {
	counts := err != nil && fault.BreakerCounts(err)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		if !counts {
			return
		}
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.tripLocked(now)
		}
	case StateHalfOpen:
		b.probing = false
		if counts {
			b.tripLocked(now)
			return
		}
		if err != nil {
			// Non-counting failure neither advances nor resets the
			// probe streak.
			return
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.setState(StateClosed)
			b.failures = nil
			b.successes = 0
		}
	case StateOpen:
		// Late results from calls admitted before the trip.
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	horizon := now.Add(-b.cfg.Window)
	i := 0
	for ; i < len(b.failures); i++ {
		if b.failures[i].After(horizon) {
			break
		}
	}
	if i > 0 {
		b.failures = append(b.failures[:0:0], b.failures[i:]...)
	}
}

func (b *Breaker) tripLocked(now time.Time) {
	b.setState(StateOpen)
	b.openedAt = now
	b.failures = nil
	b.successes = 0
	b.probing = false
}

func (b *Breaker) setState(state string) {
	if b.state == state {
		return
	}
	b.state = state
	if b.onChange != nil {
		b.onChange(b.name, state)
	}
}

// State returns the current state for health and admin views.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Surface the pending transition so an idle open breaker past its
	// cooldown reads as half_open.
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Registry hands out one breaker per tool.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
	onChange func(tool, state string)
}

// NewRegistry creates a registry; onChange (optional) observes every state
// transition, keyed by tool.
func NewRegistry(cfg Config, onChange func(tool, state string)) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultConfig()
	}
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker), onChange: onChange}
}

// Get returns the breaker for tool, creating it closed on first use.
func (r *Registry) Get(tool string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[tool]
	if !ok {
		b = New(tool, r.cfg)
		b.onChange = r.onChange
		r.breakers[tool] = b
	}
	return b
}

// States snapshots every known breaker's state.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for tool, b := range r.breakers {
		out[tool] = b.State()
	}
	return out
}
