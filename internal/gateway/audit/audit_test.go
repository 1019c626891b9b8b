package audit_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/toolgate/toolgate/common/trace"
	"github.com/toolgate/toolgate/internal/gateway/audit"
	"github.com/toolgate/toolgate/internal/gateway/registry"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func drain(ch <-chan audit.Event) []audit.Event {
	var out []audit.Event
	for {
		select {
		case evt := <-ch:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestHub_MonotonicIDsAndFanOut(t *testing.T) {
	h := audit.NewHub()
	a, cancelA := h.Subscribe("", 0)
	defer cancelA()
	b, cancelB := h.Subscribe("", 0)
	defer cancelB()

	first := h.Publish(audit.Event{Kind: audit.KindProxyCall, Message: "one"})
	second := h.Publish(audit.Event{Kind: audit.KindProxyCall, Message: "two"})
	if second.ID != first.ID+1 {
		t.Fatalf("ids not monotonic: %d then %d", first.ID, second.ID)
	}

	for name, ch := range map[string]<-chan audit.Event{"a": a, "b": b} {
		got := drain(ch)
		if len(got) != 2 || got[0].Message != "one" || got[1].Message != "two" {
			t.Fatalf("subscriber %s: %+v", name, got)
		}
	}
}

func TestHub_RunFilter(t *testing.T) {
	h := audit.NewHub()
	ch, cancel := h.Subscribe("run-1", 0)
	defer cancel()

	h.Publish(audit.Event{RunID: "run-1", Message: "mine"})
	h.Publish(audit.Event{RunID: "run-2", Message: "other"})

	got := drain(ch)
	if len(got) != 1 || got[0].Message != "mine" {
		t.Fatalf("filtered stream: %+v", got)
	}
}

func TestHub_ReplayAfterID(t *testing.T) {
	h := audit.NewHub()
	h.Publish(audit.Event{Message: "e1"})
	e2 := h.Publish(audit.Event{Message: "e2"})
	h.Publish(audit.Event{Message: "e3"})

	// Resume after e2: only e3 is replayed.
	ch, cancel := h.Subscribe("", e2.ID)
	defer cancel()
	got := drain(ch)
	if len(got) != 1 || got[0].Message != "e3" {
		t.Fatalf("replay: %+v", got)
	}
}

func TestHub_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	h := audit.NewHub()
	_, cancel := h.Subscribe("", 0)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			h.Publish(audit.Event{Message: "flood"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

type captureStore struct {
	rows []*registry.RequestLog
	err  error
}

func (s *captureStore) AppendRequestLog(_ context.Context, l *registry.RequestLog) error {
	if s.err != nil {
		return s.err
	}
	s.rows = append(s.rows, l)
	return nil
}

func TestRecorder_WritesRowAndPublishes(t *testing.T) {
	store := &captureStore{}
	h := audit.NewHub()
	ch, cancel := h.Subscribe("", 0)
	defer cancel()

	rec := audit.NewRecorder(store, h, discard())
	ctx := trace.WithCorrelationID(context.Background(), "corr-42")
	rec.Record(ctx, audit.Call{
		AgentID:  "agent-1",
		Tool:     "search",
		Action:   "query",
		Status:   200,
		Duration: 120 * time.Millisecond,
	})

	if len(store.rows) != 1 {
		t.Fatalf("rows: %d", len(store.rows))
	}
	row := store.rows[0]
	if row.CorrID != "corr-42" || !row.Success || row.ResponseTimeMs != 120 {
		t.Fatalf("row: %+v", row)
	}
	if row.ErrorMessage.Valid {
		t.Fatal("success row must not carry an error message")
	}

	got := drain(ch)
	if len(got) != 1 || got[0].Kind != audit.KindProxyCall || got[0].AgentID != "agent-1" {
		t.Fatalf("published: %+v", got)
	}
}

func TestRecorder_FailureRowAndStoreErrorSwallowed(t *testing.T) {
	store := &captureStore{}
	rec := audit.NewRecorder(store, nil, discard())
	rec.Record(context.Background(), audit.Call{
		AgentID: "agent-1",
		Tool:    "chat",
		Action:  "send",
		Status:  502,
		Err:     errors.New("upstream exploded"),
	})
	if len(store.rows) != 1 || store.rows[0].Success {
		t.Fatalf("rows: %+v", store.rows)
	}
	if !store.rows[0].ErrorMessage.Valid || store.rows[0].ErrorMessage.String == "" {
		t.Fatal("failure row must carry the error message")
	}

	// A broken store never propagates to the caller.
	broken := audit.NewRecorder(&captureStore{err: errors.New("disk full")}, nil, discard())
	broken.Record(context.Background(), audit.Call{Tool: "search", Action: "query"})
}

type captureSender struct {
	room string
	msgs []string
	err  error
}

func (s *captureSender) SendNotice(roomID, message string) error {
	s.room = roomID
	s.msgs = append(s.msgs, message)
	return s.err
}

func TestMatrixNotifier_FormatsNotice(t *testing.T) {
	sender := &captureSender{}
	n := audit.NewMatrixNotifier(sender, "!ops:example.org")

	ctx := trace.WithCorrelationID(context.Background(), "corr-7")
	n.Notify(ctx, audit.Notice{
		Kind:    audit.KindBreakerOpened,
		Target:  "search",
		Message: "circuit opened after 5 failures",
	})

	if sender.room != "!ops:example.org" || len(sender.msgs) != 1 {
		t.Fatalf("sender: %+v", sender)
	}
	msg := sender.msgs[0]
	if !strings.Contains(msg, "search") || !strings.Contains(msg, "circuit opened") {
		t.Fatalf("message: %q", msg)
	}
	if !strings.Contains(msg, "corr-7") {
		t.Fatalf("correlation id missing: %q", msg)
	}
}

func TestMatrixNotifier_EmptyRoomIsNoop(t *testing.T) {
	sender := &captureSender{}
	n := audit.NewMatrixNotifier(sender, "")
	n.Notify(context.Background(), audit.Notice{Kind: audit.KindError, Message: "boom"})
	if len(sender.msgs) != 0 {
		t.Fatal("empty room must not send")
	}
}
