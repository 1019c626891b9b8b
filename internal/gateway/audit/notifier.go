package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/toolgate/toolgate/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindProxyCall        Kind = "proxy.call"
	KindProxyDenied      Kind = "proxy.denied"
	KindBreakerOpened    Kind = "breaker.opened"
	KindBreakerClosed    Kind = "breaker.closed"
	KindRecoveryStarted  Kind = "recovery.started"
	KindRecoveryFinished Kind = "recovery.finished"
	KindRecoveryFailed   Kind = "recovery.failed"
	KindDegradeChanged   Kind = "degrade.changed"
	KindConfigUpdated    Kind = "config.updated"
	KindConfigRollback   Kind = "config.rollback"
	KindHealthChanged    Kind = "health.changed"
	KindError            Kind = "error"
)

// Notice carries the data the operator notifier formats and sends.
type Notice struct {
	Kind Kind
	// Target is the primary resource affected (tool, container, config key).
	Target  string
	Message string
	// CorrID ties the notification back to the request-log row.  When
	// empty the value is taken from the context.
	CorrID string
	// Timestamp defaults to time.Now() when zero.
	Timestamp time.Time
}

// Notifier sends operator notifications for major gateway events.
type Notifier interface {
	// Notify posts a notice. Implementations MUST NOT block the caller
	// for longer than a short timeout; send failures should be logged,
	// not propagated.
	Notify(ctx context.Context, n Notice)
}

// Sender is the subset of the Matrix client needed by MatrixNotifier.
// Defined as an interface so the notifier can be unit-tested independently.
type Sender interface {
	SendNotice(roomID, message string) error
}

// MatrixNotifier posts formatted notices to a Matrix operator room.
type MatrixNotifier struct {
	sender Sender
	roomID string
}

// NewMatrixNotifier creates a MatrixNotifier that posts to roomID via sender.
func NewMatrixNotifier(sender Sender, roomID string) *MatrixNotifier {
	return &MatrixNotifier{sender: sender, roomID: roomID}
}

// Notify formats n as a human-readable notice and posts it to the room.
// Errors are logged at WARN level; the caller is never blocked.
func (mn *MatrixNotifier) Notify(ctx context.Context, n Notice) {
	if mn.roomID == "" {
		return
	}

	corr := n.CorrID
	if corr == "" {
		corr = trace.FromContext(ctx)
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	icon := kindIcon(n.Kind)
	msg := fmt.Sprintf("%s [%s] %s", icon, n.Kind, n.Message)
	if n.Target != "" {
		msg = fmt.Sprintf("%s %s → %s", icon, n.Target, n.Message)
	}
	if corr != "" {
		msg = fmt.Sprintf("%s\n  correlation: %s", msg, corr)
	}

	if err := mn.sender.SendNotice(mn.roomID, msg); err != nil {
		slog.Warn("audit notifier: failed to send room notice",
			"room", mn.roomID, "kind", n.Kind, "err", err)
	} else {
		slog.Debug("audit notifier: sent notice", "room", mn.roomID, "kind", n.Kind)
	}
}

// Noop is a no-op Notifier used when operator notifications are disabled.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(_ context.Context, _ Notice) {}

// kindIcon returns a Unicode icon for the event kind.
func kindIcon(k Kind) string {
	switch k {
	case KindProxyDenied:
		return "🚫"
	case KindBreakerOpened:
		return "⛔"
	case KindBreakerClosed:
		return "✅"
	case KindRecoveryStarted:
		return "🔄"
	case KindRecoveryFinished:
		return "🟢"
	case KindRecoveryFailed:
		return "🚨"
	case KindDegradeChanged:
		return "📉"
	case KindConfigUpdated:
		return "⚙️"
	case KindConfigRollback:
		return "⏪"
	case KindHealthChanged:
		return "🩺"
	case KindError:
		return "🚨"
	default:
		return "ℹ️"
	}
}
