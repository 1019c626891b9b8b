package health

import (
	"context"
	"log/slog"
	"sync"
)

// Watchdog watches one component's probe results and fires a recovery
// trigger after enough consecutive unhealthy intervals.  It fires once per
// unhealthy episode; the component must report healthy again before the
// watchdog re-arms.
type Watchdog struct {
	component string
	threshold int
	trigger   func(ctx context.Context, r Result)
	log       *slog.Logger

	mu        sync.Mutex
	unhealthy int
	fired     bool
}

// NewWatchdog creates a watchdog for component.  threshold is the number of
// consecutive unhealthy results before trigger fires; zero means 3.
func NewWatchdog(component string, threshold int, log *slog.Logger, trigger func(ctx context.Context, r Result)) *Watchdog {
	if threshold <= 0 {
		threshold = 3
	}
	return &Watchdog{
		component: component,
		threshold: threshold,
		trigger:   trigger,
		log:       log,
	}
}

// Observe is wired as the registry's result hook.  Results for other
// components are ignored.
func (w *Watchdog) Observe(ctx context.Context, r Result) {
	if r.Name != w.component {
		return
	}

	w.mu.Lock()
	if r.Status == StatusHealthy {
		if w.fired {
			w.log.Info("watchdog re-armed", "component", w.component)
		}
		w.unhealthy = 0
		w.fired = false
		w.mu.Unlock()
		return
	}
	if r.Status != StatusUnhealthy {
		w.mu.Unlock()
		return
	}
	w.unhealthy++
	shouldFire := !w.fired && w.unhealthy >= w.threshold
	if shouldFire {
		w.fired = true
	}
	count := w.unhealthy
	w.mu.Unlock()

	if shouldFire {
		w.log.Warn("watchdog triggering recovery",
			"component", w.component, "consecutive_unhealthy", count)
		w.trigger(ctx, r)
	}
}
