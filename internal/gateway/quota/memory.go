package quota

import (
	"context"
	"sync"
	"time"
)

// MemoryCounter is the in-process quota backend.  Each bucket carries its
// own lock so unrelated counters never contend.
type MemoryCounter struct {
	mu      sync.Mutex // guards the cells map, not the counters themselves
	cells   map[string]*cell
	lastGC  time.Time
	gcEvery time.Duration
}

type cell struct {
	mu sync.Mutex
	// fixed-window state
	count   int64
	resetAt time.Time
	// sliding-window state: event timestamps within the window
	ring []time.Time
}

// NewMemoryCounter creates the in-memory backend.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		cells:   make(map[string]*cell),
		gcEvery: 10 * time.Minute,
	}
}

func (m *MemoryCounter) get(b Bucket) *cell {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lastGC.IsZero() && b.Now.Sub(m.lastGC) > m.gcEvery {
		for k, c := range m.cells {
			if c.expired(b.Now) {
				delete(m.cells, k)
			}
		}
		m.lastGC = b.Now
	} else if m.lastGC.IsZero() {
		m.lastGC = b.Now
	}

	c, ok := m.cells[b.Key]
	if !ok {
		c = &cell{}
		m.cells[b.Key] = c
	}
	return c
}

func (c *cell) expired(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ring) == 0 && !c.resetAt.IsZero() && now.After(c.resetAt)
}

// Peek implements Counter.
func (m *MemoryCounter) Peek(ctx context.Context, b Bucket) (int64, error) {
	c := m.get(b)
	c.mu.Lock()
	defer c.mu.Unlock()

	if b.Sliding {
		c.prune(b)
		return int64(len(c.ring)), nil
	}
	if !c.resetAt.IsZero() && b.Now.After(c.resetAt) {
		c.count = 0
		c.resetAt = time.Time{}
	}
	return c.count, nil
}

// Add implements Counter.
func (m *MemoryCounter) Add(ctx context.Context, b Bucket) (int64, error) {
	c := m.get(b)
	c.mu.Lock()
	defer c.mu.Unlock()

	if b.Sliding {
		c.prune(b)
		c.ring = append(c.ring, b.Now)
		return int64(len(c.ring)), nil
	}
	if !c.resetAt.IsZero() && b.Now.After(c.resetAt) {
		c.count = 0
	}
	if c.count == 0 {
		c.resetAt = b.Now.Add(b.Window)
	}
	c.count++
	return c.count, nil
}

// prune drops sliding-window timestamps older than the horizon.
// Caller holds c.mu.
func (c *cell) prune(b Bucket) {
	horizon := b.Now.Add(-b.Window)
	i := 0
	for ; i < len(c.ring); i++ {
		if c.ring[i].After(horizon) {
			break
		}
	}
	if i > 0 {
		c.ring = append(c.ring[:0:0], c.ring[i:]...)
	}
}
