package breaker_test

import (
	"errors"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/gateway/breaker"
	"github.com/toolgate/toolgate/internal/gateway/fault"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newBreaker(c *clock) *breaker.Breaker {
	return breaker.New("search", breaker.DefaultConfig(), breaker.WithClock(c.now))
}

func upstreamErr() error {
	return fault.Upstream(502, "bad gateway")
}

func TestBreaker_OpensAfterThresholdWithinWindow(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	b := newBreaker(c)

	for i := 0; i < 4; i++ {
		b.Record(upstreamErr())
		c.advance(time.Second)
	}
	if b.State() != breaker.StateClosed {
		t.Fatalf("4 failures should not trip, state=%s", b.State())
	}

	b.Record(upstreamErr())
	if b.State() != breaker.StateOpen {
		t.Fatalf("5th failure should trip, state=%s", b.State())
	}

	err := b.Allow()
	if err == nil {
		t.Fatal("open breaker must reject")
	}
	if fault.KindOf(err) != fault.KindBreakerOpen {
		t.Fatalf("wrong kind: %s", fault.KindOf(err))
	}
	if fault.RetryAfterOf(err) <= 0 {
		t.Fatal("rejection should advertise the remaining cooldown")
	}
}

func TestBreaker_OldFailuresAgeOut(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	b := newBreaker(c)

	for i := 0; i < 4; i++ {
		b.Record(upstreamErr())
	}
	// Past the trailing window, the streak restarts.
	c.advance(31 * time.Second)
	b.Record(upstreamErr())
	if b.State() != breaker.StateOpen {
		// One recent failure only; still closed.
	}
	if got := b.State(); got != breaker.StateClosed {
		t.Fatalf("aged-out failures must not trip, state=%s", got)
	}
}

func TestBreaker_PolicyDenialsDoNotCount(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	b := newBreaker(c)

	for i := 0; i < 10; i++ {
		b.Record(fault.New(fault.KindPolicyDenied, "out of scope"))
		b.Record(fault.New(fault.KindValidation, "bad params"))
	}
	if b.State() != breaker.StateClosed {
		t.Fatalf("denials tripped the breaker, state=%s", b.State())
	}
}

func TestBreaker_HalfOpenSingleProbeAndRecovery(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	b := newBreaker(c)

	for i := 0; i < 5; i++ {
		b.Record(upstreamErr())
	}
	c.advance(31 * time.Second)

	if err := b.Allow(); err != nil {
		t.Fatalf("cooldown elapsed, probe should be admitted: %v", err)
	}
	// Second concurrent call must not get a probe slot.
	if err := b.Allow(); err == nil {
		t.Fatal("only one probe may be in flight")
	}

	b.Record(nil)
	if b.State() != breaker.StateHalfOpen {
		t.Fatalf("one success should stay half-open, state=%s", b.State())
	}

	if err := b.Allow(); err != nil {
		t.Fatalf("second probe should be admitted: %v", err)
	}
	b.Record(nil)
	if b.State() != breaker.StateClosed {
		t.Fatalf("two successes should close, state=%s", b.State())
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	b := newBreaker(c)

	for i := 0; i < 5; i++ {
		b.Record(upstreamErr())
	}
	c.advance(31 * time.Second)

	if err := b.Allow(); err != nil {
		t.Fatalf("probe: %v", err)
	}
	b.Record(upstreamErr())
	if err := b.Allow(); err == nil {
		t.Fatal("failed probe must reopen the breaker")
	}
}

func TestBreaker_UntypedErrorsCount(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	b := newBreaker(c)

	for i := 0; i < 5; i++ {
		b.Record(errors.New("connection reset"))
	}
	if b.State() != breaker.StateOpen {
		t.Fatalf("plain errors should count as failures, state=%s", b.State())
	}
}

func TestRegistry_PerToolIsolationAndStateHook(t *testing.T) {
	var transitions []string
	r := breaker.NewRegistry(breaker.DefaultConfig(), func(tool, state string) {
		transitions = append(transitions, tool+"="+state)
	})

	search := r.Get("search")
	chat := r.Get("chat")
	if search == chat {
		t.Fatal("tools must get distinct breakers")
	}
	if r.Get("search") != search {
		t.Fatal("registry must reuse breakers")
	}

	for i := 0; i < 5; i++ {
		search.Record(upstreamErr())
	}
	states := r.States()
	if states["search"] != breaker.StateOpen || states["chat"] != breaker.StateClosed {
		t.Fatalf("isolation broken: %v", states)
	}
	if len(transitions) != 1 || transitions[0] != "search=open" {
		t.Fatalf("transitions: %v", transitions)
	}
}
