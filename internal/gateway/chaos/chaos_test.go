package chaos

import (
	"context"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/gateway/fault"
)

func deterministic(i *Injector, hit bool) {
	i.flip = func(percent int) bool { return hit }
	i.sleep = func(ctx context.Context, d time.Duration) {}
}

func TestApply_DisabledInjectsNothing(t *testing.T) {
	i := New()
	deterministic(i, true)
	i.SetRule("search", Rule{Mode: ModeError, Percent: 100})

	mode, err := i.Apply(context.Background(), "search")
	if mode != "" || err != nil {
		t.Fatalf("master switch off, got mode=%q err=%v", mode, err)
	}
}

func TestApply_ErrorMode(t *testing.T) {
	i := New()
	deterministic(i, true)
	i.SetEnabled(true)
	i.SetRule("search", Rule{Mode: ModeError, Percent: 100})

	mode, err := i.Apply(context.Background(), "search")
	if mode != ModeError {
		t.Fatalf("mode: %q", mode)
	}
	if fault.KindOf(err) != fault.KindChaos {
		t.Fatalf("kind: %s", fault.KindOf(err))
	}
}

func TestApply_TimeoutModeSleepsThenFails(t *testing.T) {
	i := New()
	i.flip = func(int) bool { return true }
	var slept time.Duration
	i.sleep = func(ctx context.Context, d time.Duration) { slept = d }
	i.SetEnabled(true)
	i.SetRule("search", Rule{Mode: ModeTimeout, Percent: 100, Delay: 3 * time.Second})

	mode, err := i.Apply(context.Background(), "search")
	if mode != ModeTimeout || err == nil {
		t.Fatalf("mode=%q err=%v", mode, err)
	}
	if slept != 3*time.Second {
		t.Fatalf("slept %v", slept)
	}
}

func TestApply_JitterDelaysWithoutError(t *testing.T) {
	i := New()
	i.flip = func(int) bool { return true }
	var slept time.Duration
	i.sleep = func(ctx context.Context, d time.Duration) { slept = d }
	i.SetEnabled(true)
	i.SetRule("search", Rule{Mode: ModeJitter, Percent: 100, Delay: time.Second})

	mode, err := i.Apply(context.Background(), "search")
	if mode != ModeJitter || err != nil {
		t.Fatalf("mode=%q err=%v", mode, err)
	}
	if slept <= 0 || slept > time.Second {
		t.Fatalf("jitter delay out of range: %v", slept)
	}
}

func TestApply_JitterDefaultRange(t *testing.T) {
	i := New()
	i.flip = func(int) bool { return true }
	var slept time.Duration
	i.sleep = func(ctx context.Context, d time.Duration) { slept = d }
	i.SetEnabled(true)
	i.SetRule("search", Rule{Mode: ModeJitter, Percent: 100})

	for n := 0; n < 50; n++ {
		if _, err := i.Apply(context.Background(), "search"); err != nil {
			t.Fatalf("apply: %v", err)
		}
		if slept < time.Second || slept > 6*time.Second {
			t.Fatalf("default jitter delay out of range: %v", slept)
		}
	}
}

func TestApply_PercentZeroAndMiss(t *testing.T) {
	i := New()
	i.SetEnabled(true)

	deterministic(i, true)
	i.SetRule("search", Rule{Mode: ModeError, Percent: 0})
	if mode, err := i.Apply(context.Background(), "search"); mode != "" || err != nil {
		t.Fatalf("percent 0 must never fire: %q %v", mode, err)
	}

	deterministic(i, false)
	i.SetRule("search", Rule{Mode: ModeError, Percent: 99})
	if mode, err := i.Apply(context.Background(), "search"); mode != "" || err != nil {
		t.Fatalf("losing the flip must not fire: %q %v", mode, err)
	}
}

func TestSetRule_ClampsPercent(t *testing.T) {
	i := New()
	i.SetRule("a", Rule{Mode: ModeError, Percent: 150})
	i.SetRule("b", Rule{Mode: ModeError, Percent: -5})
	rules := i.Rules()
	if rules["a"].Percent != 100 || rules["b"].Percent != 0 {
		t.Fatalf("clamping wrong: %+v", rules)
	}
}

func TestClearRule(t *testing.T) {
	i := New()
	deterministic(i, true)
	i.SetEnabled(true)
	i.SetRule("search", Rule{Mode: ModeError, Percent: 100})
	i.ClearRule("search")

	if mode, err := i.Apply(context.Background(), "search"); mode != "" || err != nil {
		t.Fatalf("cleared rule fired: %q %v", mode, err)
	}
}
