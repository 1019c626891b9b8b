// Package fault defines the gateway-wide error taxonomy.
//
// Adapters raise typed errors; the proxy pipeline maps them onto HTTP
// statuses; the breaker and retry layers consult the classification to
// decide what counts as a failure and what is worth retrying.  Nothing
// above the adapter layer inspects provider-specific error shapes.
package fault

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is the machine-readable error category.
type Kind string

const (
	// KindValidation covers malformed input, schema mismatches, and invalid
	// adapter parameters.  Never retried, never breaker-counted.
	KindValidation Kind = "validation_error"
	// KindAuth covers malformed/expired/revoked tokens and unknown or
	// disabled agents.  Never retried.
	KindAuth Kind = "auth_error"
	// KindPolicyDenied covers scope, schedule, guard, and quota denials.
	KindPolicyDenied Kind = "policy_denied"
	// KindRateLimited is per-agent admission control.
	KindRateLimited Kind = "rate_limited"
	// KindDegraded is returned when the degradation controller sheds load.
	KindDegraded Kind = "degraded"
	// KindShuttingDown is returned once graceful shutdown has begun.
	KindShuttingDown Kind = "shutting_down"
	// KindUpstream is an adapter/upstream failure.
	KindUpstream Kind = "upstream_error"
	// KindBreakerOpen is a fast failure while the circuit is open.
	KindBreakerOpen Kind = "breaker_open"
	// KindUnconfigured means the tool adapter has no usable credential.
	KindUnconfigured Kind = "tool_unconfigured"
	// KindIntegrity covers envelope unseal failures, registry proof
	// mismatches, and corrupted backups.  Operator-visible, never ignored.
	KindIntegrity Kind = "integrity_error"
	// KindChaos marks injected faults so metrics can distinguish them from
	// real upstream failures.  Chaos errors still count toward the breaker.
	KindChaos Kind = "chaos_500"
	// KindConfig covers configuration validation and rollback failures.
	KindConfig Kind = "config_error"
	// KindInternal is the fallback for unclassified errors.
	KindInternal Kind = "internal_error"
)

// Error is the typed error carried through the pipeline.
type Error struct {
	Kind   Kind
	Reason string
	// Status is the upstream HTTP status when the error originated from an
	// outbound call; zero otherwise.
	Status int
	// Retryable marks errors the retry layer may re-attempt.
	Retryable bool
	// RetryAfter is a server-directed backoff (e.g. from a 429), zero when
	// none was supplied.
	RetryAfter time.Duration
	// Details is an optional structured payload surfaced to the caller
	// (e.g. quota info on quota_exceeded).  Never contains secrets.
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a typed error with a stable reason string.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap attaches a cause to a typed error.
func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// Upstream builds an upstream error from an HTTP status, classifying
// retryability: 5xx and 429 are retryable, other 4xx are not.
func Upstream(status int, reason string) *Error {
	return &Error{
		Kind:      KindUpstream,
		Reason:    reason,
		Status:    status,
		Retryable: status >= 500 || status == http.StatusTooManyRequests,
	}
}

// KindOf extracts the category, returning KindInternal for untyped errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// ReasonOf extracts the stable reason string, falling back to the kind.
func ReasonOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Reason != "" {
		return fe.Reason
	}
	return string(KindOf(err))
}

// IsRetryable reports whether the retry layer may re-attempt the call.
// Untyped errors are treated as transient network failures and retried.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return true
}

// RetryAfterOf returns the server-directed backoff, zero when absent.
func RetryAfterOf(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// BreakerCounts reports whether the error counts as a breaker failure.
// Policy denials and validation errors reflect the caller, not the
// upstream, so they are excluded; everything else counts (chaos included).
func BreakerCounts(err error) bool {
	switch KindOf(err) {
	case KindPolicyDenied, KindValidation:
		return false
	default:
		return true
	}
}

// HTTPStatus maps the category onto the response status code.
func HTTPStatus(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		switch fe.Kind {
		case KindValidation:
			return http.StatusBadRequest
		case KindAuth, KindPolicyDenied:
			return http.StatusForbidden
		case KindRateLimited:
			return http.StatusTooManyRequests
		case KindDegraded, KindShuttingDown, KindBreakerOpen, KindUnconfigured:
			return http.StatusServiceUnavailable
		case KindUpstream, KindChaos:
			return http.StatusBadGateway
		case KindIntegrity, KindConfig, KindInternal:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
