package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Transition is emitted whenever a component's status changes.
type Transition struct {
	Component string    `json:"component"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Registry schedules checks and caches their results.
type Registry struct {
	log *slog.Logger
	now func() time.Time

	mu     sync.Mutex
	checks map[string]*entry

	// onTransition observes status flips (audit hub, metrics).
	onTransition func(Transition)
	// onResult observes every probe outcome (watchdog).
	onResult func(Result)

	wg sync.WaitGroup
}

type entry struct {
	cfg    CheckConfig
	result Result
	// counters toward the thresholds
	fails  int
	passes int
}

// Option configures the registry.
type Option func(*Registry)

// WithTransitionHook observes status changes.
func WithTransitionHook(fn func(Transition)) Option {
	return func(r *Registry) { r.onTransition = fn }
}

// WithResultHook observes every probe result.
func WithResultHook(fn func(Result)) Option {
	return func(r *Registry) { r.onResult = fn }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(log *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		log:    log,
		now:    time.Now,
		checks: make(map[string]*entry),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a check.  Components start unknown until first probed.
func (r *Registry) Register(cfg CheckConfig) {
	cfg.defaults()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[cfg.Name] = &entry{
		cfg: cfg,
		result: Result{
			Name:   cfg.Name,
			Kind:   cfg.Kind,
			Status: StatusUnknown,
		},
	}
}

// Run starts one scheduler goroutine per check and blocks until ctx is
// done.  Every check probes immediately, then on its interval.
func (r *Registry) Run(ctx context.Context) {
	r.mu.Lock()
	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		r.wg.Add(1)
		go r.schedule(ctx, name)
	}
	<-ctx.Done()
	r.wg.Wait()
}

func (r *Registry) schedule(ctx context.Context, name string) {
	defer r.wg.Done()

	r.mu.Lock()
	e, ok := r.checks[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	interval := e.cfg.Interval
	r.mu.Unlock()

	r.RunCheck(ctx, name)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunCheck(ctx, name)
		}
	}
}

// RunCheck probes one component now and folds the outcome into its cached
// result.  Exposed for tests and for forced re-checks after recovery.
func (r *Registry) RunCheck(ctx context.Context, name string) {
	r.mu.Lock()
	e, ok := r.checks[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	cfg := e.cfg
	r.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	start := r.now()
	err := cfg.Check(probeCtx)
	latency := r.now().Sub(start)
	cancel()

	r.mu.Lock()
	prev := e.result.Status
	if err != nil {
		e.fails++
		e.passes = 0
		if e.fails >= cfg.FailureThreshold {
			e.result.Status = StatusUnhealthy
		} else if prev == StatusHealthy {
			// Failing but under threshold: degraded, not yet unhealthy.
			e.result.Status = StatusDegraded
		}
		e.result.Error = err.Error()
		e.result.Streak = e.fails
	} else {
		e.passes++
		e.fails = 0
		if e.passes >= cfg.SuccessThreshold {
			e.result.Status = StatusHealthy
			e.result.Error = ""
		}
		e.result.Streak = e.passes
	}
	e.result.CheckedAt = r.now()
	e.result.Latency = latency
	res := e.result
	curr := e.result.Status
	r.mu.Unlock()

	if r.onResult != nil {
		r.onResult(res)
	}
	if curr != prev {
		t := Transition{
			Component: name,
			From:      prev,
			To:        curr,
			Error:     res.Error,
			At:        res.CheckedAt,
		}
		r.log.Info("component health changed",
			"component", name, "from", string(prev), "to", string(curr), "error", res.Error)
		if r.onTransition != nil {
			r.onTransition(t)
		}
	}
}

// Snapshot returns every component's latest result, sorted by name.
func (r *Registry) Snapshot() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Result, 0, len(r.checks))
	for _, e := range r.checks {
		out = append(out, e.result)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Aggregate is the worst status across all components; a registry with no
// checks is healthy.
func (r *Registry) Aggregate() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	agg := StatusHealthy
	for _, e := range r.checks {
		if severity(e.result.Status) > severity(agg) {
			agg = e.result.Status
		}
	}
	return agg
}
