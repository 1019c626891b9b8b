package degrade_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/toolgate/toolgate/internal/gateway/degrade"
	"github.com/toolgate/toolgate/internal/gateway/fault"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAdmit_LevelGates(t *testing.T) {
	c := degrade.New(discard(), nil)
	c.RegisterFeature("proxy", true)
	c.RegisterFeature("sse_stream", false)

	// Level 0: everything admitted.
	if err := c.Admit("proxy"); err != nil {
		t.Fatalf("level 0 proxy: %v", err)
	}
	if err := c.Admit("sse_stream"); err != nil {
		t.Fatalf("level 0 sse: %v", err)
	}

	// Level 1 disables caches but admits features.
	c.SetAuto(degrade.LevelCaches)
	if c.CachingEnabled() {
		t.Fatal("caching must be off at level 1")
	}
	if err := c.Admit("sse_stream"); err != nil {
		t.Fatalf("level 1 sse: %v", err)
	}

	// Level 2 refuses non-essential features only.
	c.SetAuto(degrade.LevelFeatures)
	if err := c.Admit("proxy"); err != nil {
		t.Fatalf("essential feature must survive level 2: %v", err)
	}
	err := c.Admit("sse_stream")
	if fault.KindOf(err) != fault.KindDegraded {
		t.Fatalf("non-essential at level 2: %v", err)
	}

	// Level 3 sheds everything.
	c.SetAuto(degrade.LevelShedAll)
	if err := c.Admit("proxy"); fault.KindOf(err) != fault.KindDegraded {
		t.Fatalf("level 3 must shed essential traffic too: %v", err)
	}
}

func TestAdmit_UnknownFeatureIsEssential(t *testing.T) {
	c := degrade.New(discard(), nil)
	c.SetAuto(degrade.LevelFeatures)

	if err := c.Admit("never_registered"); err != nil {
		t.Fatalf("unknown features must be treated as essential: %v", err)
	}
}

func TestForce_CannotMaskAutoLevel(t *testing.T) {
	c := degrade.New(discard(), nil)
	c.SetAuto(degrade.LevelFeatures)

	// Manual force below the auto level does not lower it.
	c.Force(degrade.LevelCaches)
	if got := c.Level(); got != degrade.LevelFeatures {
		t.Fatalf("manual override must not mask pressure, level=%d", got)
	}

	// Force above raises.
	c.Force(degrade.LevelShedAll)
	if got := c.Level(); got != degrade.LevelShedAll {
		t.Fatalf("force up: %d", got)
	}

	// Recover drops back to auto.
	c.Recover()
	if got := c.Level(); got != degrade.LevelFeatures {
		t.Fatalf("recover: %d", got)
	}
}

func TestOnChangeFiresOnEffectiveTransitions(t *testing.T) {
	var levels []int
	c := degrade.New(discard(), func(level int) { levels = append(levels, level) })

	c.SetAuto(degrade.LevelCaches)
	c.SetAuto(degrade.LevelCaches) // no-op, no event
	c.Force(degrade.LevelShedAll)
	c.Recover()

	want := []int{1, 3, 1}
	if len(levels) != len(want) {
		t.Fatalf("events: %v", levels)
	}
	for i := range want {
		if levels[i] != want[i] {
			t.Fatalf("events: %v, want %v", levels, want)
		}
	}
}

func TestState(t *testing.T) {
	c := degrade.New(discard(), nil)
	c.SetAuto(degrade.LevelCaches)
	c.Force(degrade.LevelFeatures)

	s := c.State()
	if s.Level != degrade.LevelFeatures || !s.Forced || s.Auto != degrade.LevelCaches {
		t.Fatalf("state: %+v", s)
	}
	if s.LevelName != "essential_only" {
		t.Fatalf("level name: %s", s.LevelName)
	}
}
