// Package recovery executes ordered remediation strategies when a watchdog
// declares a supervised component unhealthy.
package recovery

import (
	"time"

	"github.com/toolgate/toolgate/internal/gateway/health"
)

// ActionType enumerates the known remediation actions.
type ActionType string

const (
	ActionCollectLogs       ActionType = "collect_logs"
	ActionRestartContainer  ActionType = "restart_container"
	ActionStopContainer     ActionType = "stop_container"
	ActionRecreateContainer ActionType = "recreate_container"
	ActionNotifyOperator    ActionType = "notify_operator"
)

// Action is one step of a strategy.  Timeout bounds the step; zero means
// 30 s.
type Action struct {
	Type    ActionType    `json:"type"`
	Timeout time.Duration `json:"timeout"`
}

func (a Action) timeout() time.Duration {
	if a.Timeout > 0 {
		return a.Timeout
	}
	return 30 * time.Second
}

// Conditions guard a strategy.  Zero-valued fields do not constrain.
type Conditions struct {
	// HealthStatus requires the component's current status to match.
	HealthStatus health.Status `json:"health_status,omitempty"`
	// MaxRestartCount skips the strategy once the component has been
	// restarted that many times; escalation strategies set MinRestartCount.
	MaxRestartCount int `json:"max_restart_count,omitempty"`
	MinRestartCount int `json:"min_restart_count,omitempty"`
	// MemoryUsagePercent and CPUUsagePercent require usage at or above
	// the threshold.
	MemoryUsagePercent float64 `json:"memory_usage_percent,omitempty"`
	CPUUsagePercent    float64 `json:"cpu_usage_percent,omitempty"`
	// MinUptime requires the container to have been up at least this long,
	// protecting freshly restarted containers from another bounce.
	MinUptime time.Duration `json:"min_uptime,omitempty"`
}

// Observation is the component state conditions are evaluated against.
type Observation struct {
	HealthStatus  health.Status
	RestartCount  int
	MemoryPercent float64
	CPUPercent    float64
	Uptime        time.Duration
}

// Match reports whether every set condition holds for obs.
func (c Conditions) Match(obs Observation) bool {
	if c.HealthStatus != "" && obs.HealthStatus != c.HealthStatus {
		return false
	}
	if c.MaxRestartCount > 0 && obs.RestartCount >= c.MaxRestartCount {
		return false
	}
	if c.MinRestartCount > 0 && obs.RestartCount < c.MinRestartCount {
		return false
	}
	if c.MemoryUsagePercent > 0 && obs.MemoryPercent < c.MemoryUsagePercent {
		return false
	}
	if c.CPUUsagePercent > 0 && obs.CPUPercent < c.CPUUsagePercent {
		return false
	}
	if c.MinUptime > 0 && obs.Uptime < c.MinUptime {
		return false
	}
	return true
}

// Strategy is a named, prioritised remediation plan.  Lower Priority runs
// first.
type Strategy struct {
	Name       string     `json:"name"`
	Priority   int        `json:"priority"`
	Conditions Conditions `json:"conditions"`
	Actions    []Action   `json:"actions"`
}

// DefaultStrategies is the plan applied to components without a bespoke
// one: restart while young, recreate after repeated restarts, and page the
// operator as the last resort.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{
			Name:       "restart",
			Priority:   1,
			Conditions: Conditions{HealthStatus: health.StatusUnhealthy, MaxRestartCount: 3},
			Actions: []Action{
				{Type: ActionCollectLogs, Timeout: 10 * time.Second},
				{Type: ActionRestartContainer, Timeout: 60 * time.Second},
			},
		},
		{
			Name:       "recreate",
			Priority:   2,
			Conditions: Conditions{HealthStatus: health.StatusUnhealthy, MinRestartCount: 3},
			Actions: []Action{
				{Type: ActionCollectLogs, Timeout: 10 * time.Second},
				{Type: ActionRecreateContainer, Timeout: 120 * time.Second},
				{Type: ActionNotifyOperator, Timeout: 10 * time.Second},
			},
		},
		{
			Name:     "escalate",
			Priority: 3,
			Actions: []Action{
				{Type: ActionCollectLogs, Timeout: 10 * time.Second},
				{Type: ActionNotifyOperator, Timeout: 10 * time.Second},
			},
		},
	}
}
