package fault_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/gateway/fault"
)

func TestKindOf_TypedAndWrapped(t *testing.T) {
	base := fault.New(fault.KindPolicyDenied, "out_of_scope")
	wrapped := fmt.Errorf("pipeline: %w", base)

	if got := fault.KindOf(wrapped); got != fault.KindPolicyDenied {
		t.Fatalf("expected policy_denied through wrapping, got %s", got)
	}
	if got := fault.KindOf(errors.New("plain")); got != fault.KindInternal {
		t.Fatalf("expected internal for untyped, got %s", got)
	}
}

func TestUpstream_RetryClassification(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{500, true},
		{502, true},
		{429, true},
		{404, false},
		{400, false},
	}
	for _, tc := range cases {
		err := fault.Upstream(tc.status, "upstream")
		if fault.IsRetryable(err) != tc.retryable {
			t.Errorf("status %d: expected retryable=%v", tc.status, tc.retryable)
		}
	}
}

func TestBreakerCounts_ExcludesCallerErrors(t *testing.T) {
	if fault.BreakerCounts(fault.New(fault.KindPolicyDenied, "out_of_scope")) {
		t.Fatal("policy denial must not count toward the breaker")
	}
	if fault.BreakerCounts(fault.New(fault.KindValidation, "bad_params")) {
		t.Fatal("validation error must not count toward the breaker")
	}
	if !fault.BreakerCounts(fault.New(fault.KindChaos, "chaos_500")) {
		t.Fatal("chaos failures must count toward the breaker")
	}
	if !fault.BreakerCounts(fault.Upstream(500, "boom")) {
		t.Fatal("upstream failures must count toward the breaker")
	}
}

func TestHTTPStatus_Mapping(t *testing.T) {
	cases := []struct {
		kind fault.Kind
		want int
	}{
		{fault.KindValidation, http.StatusBadRequest},
		{fault.KindAuth, http.StatusForbidden},
		{fault.KindPolicyDenied, http.StatusForbidden},
		{fault.KindRateLimited, http.StatusTooManyRequests},
		{fault.KindBreakerOpen, http.StatusServiceUnavailable},
		{fault.KindDegraded, http.StatusServiceUnavailable},
		{fault.KindShuttingDown, http.StatusServiceUnavailable},
		{fault.KindUnconfigured, http.StatusServiceUnavailable},
		{fault.KindUpstream, http.StatusBadGateway},
		{fault.KindChaos, http.StatusBadGateway},
		{fault.KindIntegrity, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := fault.HTTPStatus(fault.New(tc.kind, "r")); got != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.kind, tc.want, got)
		}
	}
	if got := fault.HTTPStatus(errors.New("plain")); got != http.StatusInternalServerError {
		t.Errorf("untyped: expected 500, got %d", got)
	}
}

func TestRetryAfterOf(t *testing.T) {
	err := &fault.Error{Kind: fault.KindUpstream, Retryable: true, RetryAfter: 2 * time.Second}
	if got := fault.RetryAfterOf(err); got != 2*time.Second {
		t.Fatalf("expected 2s, got %v", got)
	}
	if got := fault.RetryAfterOf(errors.New("plain")); got != 0 {
		t.Fatalf("expected 0 for untyped, got %v", got)
	}
}
