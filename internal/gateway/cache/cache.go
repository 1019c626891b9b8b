// Package cache deduplicates and memoizes read-only tool calls.
//
// Identical in-flight requests collapse onto one upstream call
// (singleflight); completed results are kept in a TTL-bounded LRU.  Failures
// are never cached, and side-effecting actions are bypassed entirely.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mitchellh/hashstructure"
	"golang.org/x/sync/singleflight"
)

// Config tunes the response cache.
type Config struct {
	TTL        time.Duration
	MaxEntries int
	// Bypass lists "tool:action" pairs that must always hit upstream.
	Bypass []string
}

// DefaultConfig caches for a minute, bounded to 1024 entries, bypassing the
// side-effecting actions.
func DefaultConfig() Config {
	return Config{
		TTL:        time.Minute,
		MaxEntries: 1024,
		Bypass:     []string{"send_mail:send", "chat:send"},
	}
}

// Key identifies one cacheable call.  Scopes participate so agents with
// different grants never share entries.
type Key struct {
	Tool   string
	Action string
	Params map[string]any
	Scopes []string
}

// Fingerprint hashes the key deterministically.
func (k Key) Fingerprint() (string, error) {
	scopes := append([]string(nil), k.Scopes...)
	sort.Strings(scopes)
	h, err := hashstructure.Hash(struct {
		Tool   string
		Action string
		Params map[string]any
		Scopes []string
	}{k.Tool, k.Action, k.Params, scopes}, nil)
	if err != nil {
		return "", fmt.Errorf("cache: fingerprint: %w", err)
	}
	return k.Tool + ":" + k.Action + ":" + strconv.FormatUint(h, 16), nil
}

type item struct {
	key     string
	value   map[string]any
	expires time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	cfg    Config
	bypass map[string]struct{}
	group  singleflight.Group
	now    func() time.Time

	mu      sync.Mutex
	ll      *list.List
	entries map[string]*list.Element
}

// Option configures the cache.
type Option func(*Cache)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates the cache.
func New(cfg Config, opts ...Option) *Cache {
	if cfg.TTL <= 0 || cfg.MaxEntries <= 0 {
		def := DefaultConfig()
		if cfg.TTL <= 0 {
			cfg.TTL = def.TTL
		}
		if cfg.MaxEntries <= 0 {
			cfg.MaxEntries = def.MaxEntries
		}
	}
	bypass := make(map[string]struct{}, len(cfg.Bypass))
	for _, b := range cfg.Bypass {
		bypass[b] = struct{}{}
	}
	c := &Cache{
		cfg:     cfg,
		bypass:  bypass,
		now:     time.Now,
		ll:      list.New(),
		entries: make(map[string]*list.Element),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Bypassed reports whether the tool action skips caching.
func (c *Cache) Bypassed(tool, action string) bool {
	_, ok := c.bypass[tool+":"+action]
	return ok
}

// Do returns the cached result for key, or runs fn (collapsing concurrent
// identical calls) and caches its success.  hit reports whether the value
// came from the store without an upstream call by this caller.
func (c *Cache) Do(ctx context.Context, key Key, fn func(ctx context.Context) (map[string]any, error)) (value map[string]any, hit bool, err error) {
	if c.Bypassed(key.Tool, key.Action) {
		v, err := fn(ctx)
		return v, false, err
	}
	fp, err := key.Fingerprint()
	if err != nil {
		// Unhashable params: degrade to a plain upstream call.
		v, err := fn(ctx)
		return v, false, err
	}

	if v, ok := c.get(fp); ok {
		return v, true, nil
	}

	v, err, shared := c.group.Do(fp, func() (any, error) {
		// Double-check under singleflight: a racing caller may have
		// stored the value while we waited for the slot.
		if v, ok := c.get(fp); ok {
			return v, nil
		}
		res, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.put(fp, res)
		return res, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(map[string]any), shared, nil
}

// Invalidate drops one entry; used when credentials rotate mid-flight.
func (c *Cache) Invalidate(key Key) {
	fp, err := key.Fingerprint()
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[fp]; ok {
		c.removeLocked(el)
	}
}

// Len reports live entries, for the health snapshot.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache) get(fp string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[fp]
	if !ok {
		return nil, false
	}
	it := el.Value.(*item)
	if c.now().After(it.expires) {
		c.removeLocked(el)
		return nil, false
	}
	c.ll.MoveToFront(el)
	return it.value, true
}

func (c *Cache) put(fp string, value map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[fp]; ok {
		it := el.Value.(*item)
		it.value = value
		it.expires = c.now().Add(c.cfg.TTL)
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&item{key: fp, value: value, expires: c.now().Add(c.cfg.TTL)})
	c.entries[fp] = el
	for c.ll.Len() > c.cfg.MaxEntries {
		c.removeLocked(c.ll.Back())
	}
}

// removeLocked unlinks the element.  Caller holds mu.
func (c *Cache) removeLocked(el *list.Element) {
	it := el.Value.(*item)
	c.ll.Remove(el)
	delete(c.entries, it.key)
}
