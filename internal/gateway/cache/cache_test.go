package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/gateway/cache"
)

func key(tool, action string, params map[string]any) cache.Key {
	return cache.Key{Tool: tool, Action: action, Params: params, Scopes: []string{tool + ":" + action}}
}

func TestFingerprint_Deterministic(t *testing.T) {
	a := cache.Key{Tool: "search", Action: "query",
		Params: map[string]any{"q": "golang", "n": 3},
		Scopes: []string{"b:b", "a:a"}}
	b := cache.Key{Tool: "search", Action: "query",
		Params: map[string]any{"n": 3, "q": "golang"},
		Scopes: []string{"a:a", "b:b"}}

	fa, err := a.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	fb, _ := b.Fingerprint()
	if fa != fb {
		t.Fatalf("map order and scope order must not matter: %s vs %s", fa, fb)
	}

	c := key("search", "query", map[string]any{"q": "rust"})
	fc, _ := c.Fingerprint()
	if fa == fc {
		t.Fatal("different params must fingerprint differently")
	}
}

func TestDo_CachesSuccess(t *testing.T) {
	c := cache.New(cache.DefaultConfig())
	ctx := context.Background()
	var calls atomic.Int32

	fn := func(ctx context.Context) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{"result": "ok"}, nil
	}

	v, hit, err := c.Do(ctx, key("search", "query", map[string]any{"q": "x"}), fn)
	if err != nil || hit {
		t.Fatalf("first call: hit=%v err=%v", hit, err)
	}
	if v["result"] != "ok" {
		t.Fatalf("value: %v", v)
	}

	_, hit, err = c.Do(ctx, key("search", "query", map[string]any{"q": "x"}), fn)
	if err != nil || !hit {
		t.Fatalf("second call should hit: hit=%v err=%v", hit, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("upstream called %d times, want 1", calls.Load())
	}
}

func TestDo_FailuresNotCached(t *testing.T) {
	c := cache.New(cache.DefaultConfig())
	ctx := context.Background()
	var calls atomic.Int32

	fail := errors.New("upstream down")
	fn := func(ctx context.Context) (map[string]any, error) {
		calls.Add(1)
		return nil, fail
	}

	for i := 0; i < 3; i++ {
		if _, _, err := c.Do(ctx, key("search", "query", nil), fn); !errors.Is(err, fail) {
			t.Fatalf("expected upstream error, got %v", err)
		}
	}
	if calls.Load() != 3 {
		t.Fatalf("failures must not be cached, got %d calls", calls.Load())
	}
}

func TestDo_TTLExpiry(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }

	c := cache.New(cache.Config{TTL: time.Minute, MaxEntries: 10}, cache.WithClock(clock))
	ctx := context.Background()
	var calls atomic.Int32
	fn := func(ctx context.Context) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{"n": calls.Load()}, nil
	}

	k := key("search", "query", nil)
	c.Do(ctx, k, fn)

	mu.Lock()
	now = now.Add(61 * time.Second)
	mu.Unlock()

	_, hit, err := c.Do(ctx, k, fn)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if hit {
		t.Fatal("expired entry must not serve")
	}
	if calls.Load() != 2 {
		t.Fatalf("upstream calls: %d", calls.Load())
	}
}

func TestDo_BypassListSkipsCache(t *testing.T) {
	c := cache.New(cache.DefaultConfig())
	ctx := context.Background()
	var calls atomic.Int32
	fn := func(ctx context.Context) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{}, nil
	}

	for i := 0; i < 3; i++ {
		_, hit, err := c.Do(ctx, key("send_mail", "send", map[string]any{"to": "x"}), fn)
		if err != nil || hit {
			t.Fatalf("bypassed action must never hit: hit=%v err=%v", hit, err)
		}
	}
	if calls.Load() != 3 {
		t.Fatalf("bypassed calls: %d, want 3", calls.Load())
	}
}

func TestDo_LRUEviction(t *testing.T) {
	c := cache.New(cache.Config{TTL: time.Minute, MaxEntries: 2})
	ctx := context.Background()
	var calls atomic.Int32
	fn := func(ctx context.Context) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{}, nil
	}

	k1 := key("search", "query", map[string]any{"q": "1"})
	k2 := key("search", "query", map[string]any{"q": "2"})
	k3 := key("search", "query", map[string]any{"q": "3"})

	c.Do(ctx, k1, fn)
	c.Do(ctx, k2, fn)
	c.Do(ctx, k1, fn) // refresh k1's recency
	c.Do(ctx, k3, fn) // evicts k2

	if _, hit, _ := c.Do(ctx, k1, fn); !hit {
		t.Fatal("k1 should have survived eviction")
	}
	if _, hit, _ := c.Do(ctx, k2, fn); hit {
		t.Fatal("k2 should have been evicted")
	}
	if c.Len() != 2 {
		t.Fatalf("len: %d", c.Len())
	}
}

func TestDo_ConcurrentCallersShareOneBuild(t *testing.T) {
	c := cache.New(cache.DefaultConfig())
	ctx := context.Background()
	k := key("search", "query", map[string]any{"q": "shared"})

	var builds atomic.Int32
	entered := make(chan struct{})
	gate := make(chan struct{})
	fn := func(ctx context.Context) (map[string]any, error) {
		if builds.Add(1) == 1 {
			close(entered)
		}
		<-gate
		return map[string]any{"result": "shared"}, nil
	}

	const callers = 8
	results := make([]map[string]any, callers)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _, _ = c.Do(ctx, k, fn)
	}()
	<-entered

	// Everyone arriving while the build is in flight must wait on it.
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, _ = c.Do(ctx, k, fn)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if n := builds.Load(); n != 1 {
		t.Fatalf("build ran %d times for one fingerprint, want 1", n)
	}
	for i, r := range results {
		if r["result"] != "shared" {
			t.Fatalf("caller %d got %v", i, r)
		}
	}
}
