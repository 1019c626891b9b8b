// Package trace provides correlation ID generation and context propagation
// for request correlation across the proxy pipeline and outbound tool calls.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Header is the HTTP header used to carry the correlation ID on both
// inbound and outbound requests.
const Header = "X-Correlation-Id"

// corrKey is the unexported context key used to store the correlation ID.
type corrKey struct{}

// GenerateID generates a unique correlation ID.
func GenerateID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID if random fails (should never happen)
		return fmt.Sprintf("corr_%d", time.Now().UnixNano())
	}
	return "c_" + hex.EncodeToString(bytes)
}

// WithCorrelationID returns a child context carrying the given correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey{}, id)
}

// FromContext extracts the correlation ID from ctx, returning "" if absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(corrKey{}).(string); ok {
		return v
	}
	return ""
}

// Ensure returns ctx unchanged when it already carries a correlation ID,
// otherwise it generates one and attaches it. The second return value is the
// effective ID.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := GenerateID()
	return WithCorrelationID(ctx, id), id
}
