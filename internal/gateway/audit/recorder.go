package audit

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/toolgate/toolgate/common/trace"
	"github.com/toolgate/toolgate/internal/gateway/registry"
)

// LogStore is the registry subset the recorder writes to.
type LogStore interface {
	AppendRequestLog(ctx context.Context, l *registry.RequestLog) error
}

// Recorder writes the append-only request log and mirrors each call onto
// the live event hub.
type Recorder struct {
	store LogStore
	hub   *Hub
	log   *slog.Logger
}

// NewRecorder wires a recorder.  hub may be nil when no live stream is
// attached.
func NewRecorder(store LogStore, hub *Hub, log *slog.Logger) *Recorder {
	return &Recorder{store: store, hub: hub, log: log}
}

// Call is the outcome of one proxy request.
type Call struct {
	AgentID  string
	Tool     string
	Action   string
	Status   int
	Duration time.Duration
	Err      error
}

// Record persists the call and publishes it.  Persistence failures are
// logged, never propagated: the proxy response must not depend on the
// audit trail being writable.
func (rec *Recorder) Record(ctx context.Context, c Call) {
	row := &registry.RequestLog{
		CorrID:         trace.FromContext(ctx),
		AgentID:        c.AgentID,
		Tool:           c.Tool,
		Action:         c.Action,
		ResponseTimeMs: c.Duration.Milliseconds(),
		StatusCode:     c.Status,
		Success:        c.Err == nil,
	}
	if c.Err != nil {
		row.ErrorMessage = sql.NullString{String: c.Err.Error(), Valid: true}
	}
	if err := rec.store.AppendRequestLog(ctx, row); err != nil {
		rec.log.Error("audit: request log write failed",
			"agent_id", c.AgentID, "tool", c.Tool, "error", err)
	}

	if rec.hub == nil {
		return
	}
	kind := KindProxyCall
	msg := c.Tool + ":" + c.Action + " succeeded"
	if c.Err != nil {
		kind = KindProxyDenied
		msg = c.Tool + ":" + c.Action + " failed: " + c.Err.Error()
	}
	rec.hub.Publish(Event{
		Kind:    kind,
		RunID:   trace.FromContext(ctx),
		AgentID: c.AgentID,
		Message: msg,
		Fields: map[string]any{
			"status_code":      c.Status,
			"response_time_ms": c.Duration.Milliseconds(),
		},
	})
}
