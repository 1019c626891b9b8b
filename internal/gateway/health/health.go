// Package health runs periodic component checks and aggregates them into
// the gateway's overall status.  A watchdog rides on the results to trigger
// recovery when a component stays unhealthy.
package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/toolgate/toolgate/internal/gateway/runtime"
)

// Status of one component or the aggregate.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// severity orders statuses for worst-of aggregation.
func severity(s Status) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusUnknown:
		return 1
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 3
	default:
		return 1
	}
}

// CheckFunc probes one component.  nil means healthy.
type CheckFunc func(ctx context.Context) error

// Check kinds.
const (
	KindHTTP    = "http"
	KindTCP     = "tcp"
	KindCommand = "command"
	KindCustom  = "custom"
)

// CheckConfig declares one scheduled check.
type CheckConfig struct {
	Name string
	Kind string
	// Interval between probes.  Zero means 15 seconds.
	Interval time.Duration
	// Timeout bounds one probe.  Zero means 5 seconds.
	Timeout time.Duration
	// FailureThreshold consecutive failures flip the component unhealthy.
	// Zero means 3.
	FailureThreshold int
	// SuccessThreshold consecutive passes flip it back healthy.  Zero
	// means 1.
	SuccessThreshold int
	Check            CheckFunc
}

func (c *CheckConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
}

// Result is the cached outcome of a component's latest probe.
type Result struct {
	Name      string        `json:"name"`
	Kind      string        `json:"kind"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
	Latency   time.Duration `json:"latency_ns"`
	// Streak counts consecutive results of the current polarity.
	Streak int `json:"streak"`
}

// HTTPCheck probes a URL, expecting a 2xx.
func HTTPCheck(url string) CheckFunc {
	client := &http.Client{}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("health: %s returned %d", url, resp.StatusCode)
		}
		return nil
	}
}

// TCPCheck probes a TCP endpoint by connecting.
func TCPCheck(addr string) CheckFunc {
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// CommandCheck runs a command, healthy on exit code 0.
func CommandCheck(exec *runtime.Executor, name string, args ...string) CheckFunc {
	return func(ctx context.Context) error {
		res, err := exec.Run(ctx, name, args...)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("health: %s exited %d", name, res.ExitCode)
		}
		return nil
	}
}

// CustomCheck adapts any probe function.
func CustomCheck(fn CheckFunc) CheckFunc { return fn }
