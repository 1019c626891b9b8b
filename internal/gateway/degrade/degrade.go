// Package degrade implements the graceful-degradation controller.
//
// Levels:
//
//	0  normal operation
//	1  non-essential caches disabled
//	2  non-essential features refused (503)
//	3  everything but health endpoints shed
//
// Features register with an essential flag; unknown features are treated as
// essential so a missing registration can never accidentally shed the
// request path's core.
package degrade

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/toolgate/toolgate/internal/gateway/fault"
)

// Levels.
const (
	LevelNormal   = 0
	LevelCaches   = 1
	LevelFeatures = 2
	LevelShedAll  = 3
)

// LevelName renders a level for logs and API responses.
func LevelName(level int) string {
	switch level {
	case LevelNormal:
		return "normal"
	case LevelCaches:
		return "reduced_caching"
	case LevelFeatures:
		return "essential_only"
	case LevelShedAll:
		return "shedding"
	default:
		return fmt.Sprintf("level_%d", level)
	}
}

// Controller tracks the current level.  The automatic level (driven by
// health/resource inputs) and a manual override combine by maximum: an
// operator can force degradation deeper but cannot mask real pressure.
type Controller struct {
	log *slog.Logger

	mu       sync.Mutex
	auto     int
	manual   int
	forced   bool
	features map[string]bool // name → essential

	onChange func(level int)
}

// New creates the controller at level 0.
func New(log *slog.Logger, onChange func(level int)) *Controller {
	return &Controller{
		log:      log,
		features: make(map[string]bool),
		onChange: onChange,
	}
}

// RegisterFeature declares a feature and whether it is essential.
func (c *Controller) RegisterFeature(name string, essential bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.features[name] = essential
}

// Level returns the effective level.
func (c *Controller) Level() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effectiveLocked()
}

func (c *Controller) effectiveLocked() int {
	level := c.auto
	if c.forced && c.manual > level {
		level = c.manual
	}
	return level
}

// SetAuto reports the level computed from health and resource inputs.
func (c *Controller) SetAuto(level int) {
	c.set(func() { c.auto = clampLevel(level) }, "auto")
}

// Force pins a manual floor on the level until Recover.
func (c *Controller) Force(level int) {
	c.set(func() { c.manual = clampLevel(level); c.forced = true }, "manual")
}

// Recover clears the manual override; the automatic level still applies.
func (c *Controller) Recover() {
	c.set(func() { c.manual = 0; c.forced = false }, "recover")
}

func (c *Controller) set(apply func(), source string) {
	c.mu.Lock()
	before := c.effectiveLocked()
	apply()
	after := c.effectiveLocked()
	c.mu.Unlock()

	if before != after {
		c.log.Warn("degradation level changed",
			"from", LevelName(before), "to", LevelName(after), "source", source)
		if c.onChange != nil {
			c.onChange(after)
		}
	}
}

func clampLevel(level int) int {
	if level < LevelNormal {
		return LevelNormal
	}
	if level > LevelShedAll {
		return LevelShedAll
	}
	return level
}

// CachingEnabled reports whether non-essential caches may serve.
func (c *Controller) CachingEnabled() bool {
	return c.Level() < LevelCaches
}

// Admit decides whether a feature may serve at the current level.  The
// returned error is nil or a typed degraded fault.
func (c *Controller) Admit(feature string) error {
	c.mu.Lock()
	level := c.effectiveLocked()
	essential, known := c.features[feature]
	c.mu.Unlock()

	if !known {
		// Unregistered features are essential.
		essential = true
	}

	switch {
	case level >= LevelShedAll:
		return fault.New(fault.KindDegraded, "gateway is shedding load")
	case level >= LevelFeatures && !essential:
		return fault.New(fault.KindDegraded, "feature "+feature+" disabled while degraded")
	default:
		return nil
	}
}

// Snapshot reports the state for the admin surface.
type Snapshot struct {
	Level     int    `json:"level"`
	LevelName string `json:"level_name"`
	Auto      int    `json:"auto_level"`
	Forced    bool   `json:"forced"`
	Manual    int    `json:"manual_level,omitempty"`
}

// State returns the current snapshot.
func (c *Controller) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Level:     c.effectiveLocked(),
		LevelName: LevelName(c.effectiveLocked()),
		Auto:      c.auto,
		Forced:    c.forced,
		Manual:    c.manual,
	}
}
