// Package quota implements windowed usage counters for policy quotas.
//
// Counters are keyed by (quotaKey, agentID) where quotaKey derives from the
// action and window: a fixed-window key truncates the timestamp to the
// window boundary, a sliding-window key is stable and the backend keeps a
// ring of event timestamps instead.
//
// Two backends are provided: an in-memory default, and a Redis backend for
// deployments where several gateway instances share quota state.
package quota

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Reset strategies.
const (
	ResetSliding = "sliding"
	ResetFixed   = "fixed"
)

// Known windows with dedicated key formats.
const (
	WindowHour = "1h"
	WindowDay  = "24h"
	WindowWeek = "7d"
)

// ParseWindow converts a window label into a duration.  Beyond the three
// canonical labels, any Go duration string is accepted.
func ParseWindow(label string) (time.Duration, error) {
	switch label {
	case WindowHour:
		return time.Hour, nil
	case WindowDay:
		return 24 * time.Hour, nil
	case WindowWeek:
		return 7 * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(label)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("quota: invalid window %q", label)
	}
	return d, nil
}

// BucketKey computes the quota key for an action and window at time now.
//
//	1h  → action:YYYY-MM-DD:HH
//	24h → action:YYYY-MM-DD
//	7d  → action:week:YYYY-MM-DD   (date of the ISO week's Monday)
//
// Sliding counters use a stable key (no time component); the backend prunes
// by timestamp instead.
func BucketKey(action, window string, sliding bool, now time.Time) string {
	now = now.UTC()
	if sliding {
		return action + ":sliding:" + window
	}
	switch window {
	case WindowHour:
		return fmt.Sprintf("%s:%s", action, now.Format("2006-01-02:15"))
	case WindowDay:
		return fmt.Sprintf("%s:%s", action, now.Format("2006-01-02"))
	case WindowWeek:
		return fmt.Sprintf("%s:week:%s", action, weekStart(now).Format("2006-01-02"))
	default:
		d, err := ParseWindow(window)
		if err != nil {
			d = time.Hour
		}
		return fmt.Sprintf("%s:%d", action, now.Truncate(d).Unix())
	}
}

// weekStart returns the Monday of now's ISO week.
func weekStart(now time.Time) time.Time {
	day := now.Truncate(24 * time.Hour)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// Bucket identifies one counter instance.
type Bucket struct {
	// Key is the composite counter key: "<agentID>:<quotaKey>".
	Key string
	// Window bounds the counter's lifetime (fixed TTL or sliding horizon).
	Window time.Duration
	// Sliding selects timestamp-ring semantics over fixed buckets.
	Sliding bool
	// Now is the evaluation instant.
	Now time.Time
}

// NewBucket builds the composite bucket for an agent's quota at time now.
func NewBucket(agentID, action, window, resetStrategy string, now time.Time) (Bucket, error) {
	dur, err := ParseWindow(window)
	if err != nil {
		return Bucket{}, err
	}
	sliding := !strings.EqualFold(resetStrategy, ResetFixed)
	return Bucket{
		Key:     agentID + ":" + BucketKey(action, window, sliding, now),
		Window:  dur,
		Sliding: sliding,
		Now:     now.UTC(),
	}, nil
}

// Counter is the pluggable quota backend.  Implementations must be safe for
// concurrent use.
type Counter interface {
	// Peek returns the current count for the bucket without recording
	// anything.  Sliding buckets drop expired timestamps first.
	Peek(ctx context.Context, b Bucket) (int64, error)
	// Add records one event and returns the new count.
	Add(ctx context.Context, b Bucket) (int64, error)
}
