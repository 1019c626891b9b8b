// Package ratelimit provides per-agent admission control at the front of
// the proxy pipeline.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/toolgate/toolgate/internal/gateway/fault"
)

// Config tunes the per-agent limiter.
type Config struct {
	// Requests per Window, also the burst size.
	Requests int
	Window   time.Duration
}

// DefaultConfig is 5 requests per rolling minute.
func DefaultConfig() Config {
	return Config{Requests: 5, Window: time.Minute}
}

// Limiter hands out one token bucket per agent.  Buckets idle longer than
// the window are garbage collected opportunistically.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*entry
	lastGC  time.Time
}

type entry struct {
	lim  *rate.Limiter
	seen time.Time
}

// New creates a limiter.
func New(cfg Config) *Limiter {
	if cfg.Requests <= 0 || cfg.Window <= 0 {
		cfg = DefaultConfig()
	}
	return &Limiter{cfg: cfg, buckets: make(map[string]*entry), lastGC: time.Now()}
}

// Allow admits or rejects one request for the agent.  Rejections carry the
// wait until the next token, rounded up to whole seconds for the
// Retry-After header.
func (l *Limiter) Allow(agentID string) error {
	l.mu.Lock()
	e, ok := l.buckets[agentID]
	if !ok {
		per := rate.Limit(float64(l.cfg.Requests) / l.cfg.Window.Seconds())
		e = &entry{lim: rate.NewLimiter(per, l.cfg.Requests)}
		l.buckets[agentID] = e
	}
	now := time.Now()
	e.seen = now
	l.gcLocked(now)
	l.mu.Unlock()

	r := e.lim.Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		fe := fault.New(fault.KindRateLimited, "rate limit exceeded")
		fe.RetryAfter = time.Duration(math.Ceil(delay.Seconds())) * time.Second
		return fe
	}
	return nil
}

// gcLocked drops buckets idle for more than two windows.  Caller holds mu.
func (l *Limiter) gcLocked(now time.Time) {
	if now.Sub(l.lastGC) < l.cfg.Window {
		return
	}
	l.lastGC = now
	idle := 2 * l.cfg.Window
	for id, e := range l.buckets {
		if now.Sub(e.seen) > idle {
			delete(l.buckets, id)
		}
	}
}
