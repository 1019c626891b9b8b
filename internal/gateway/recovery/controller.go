package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolgate/toolgate/internal/gateway/audit"
	"github.com/toolgate/toolgate/internal/gateway/health"
	"github.com/toolgate/toolgate/internal/gateway/runtime"
)

const (
	defaultStabilization = 10 * time.Second
	defaultConcurrency   = 2
	defaultQueueDepth    = 16
)

// Prober re-probes a component's health after remediation.
type Prober func(ctx context.Context, component string) health.Status

// StatsFunc samples a container's resource usage as percentages.  Optional;
// when nil, memory/cpu conditions never match.
type StatsFunc func(ctx context.Context, handle runtime.Handle) (memPercent, cpuPercent float64, err error)

// ActionResult records one executed action.
type ActionResult struct {
	Type     ActionType    `json:"type"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ms"`
}

// Attempt is the persisted record of one recovery run.
type Attempt struct {
	ID           string         `json:"id"`
	Component    string         `json:"component"`
	Strategy     string         `json:"strategy"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
	Actions      []ActionResult `json:"actions"`
	HealthAfter  health.Status  `json:"health_after"`
	Success      bool           `json:"success"`
	RestartCount int            `json:"restart_count"`
}

// Config tunes the controller.
type Config struct {
	// LogDir holds collected container logs and attempt records.
	LogDir string
	// Stabilization is the delay before the post-remediation health
	// re-check; zero means 10 s.
	Stabilization time.Duration
	// MaxConcurrent caps simultaneous recoveries; zero means 2.
	MaxConcurrent int
	// QueueDepth bounds pending triggers; zero means 16.
	QueueDepth int
}

func (c *Config) defaults() {
	if c.LogDir == "" {
		c.LogDir = filepath.Join("logs", "containers")
	}
	if c.Stabilization <= 0 {
		c.Stabilization = defaultStabilization
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultConcurrency
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaultQueueDepth
	}
}

// service is one registered recoverable component.
type service struct {
	spec     runtime.ServiceSpec
	handle   runtime.Handle
	restarts int
}

// Controller runs recovery strategies with bounded concurrency.
type Controller struct {
	rt       runtime.Runtime
	probe    Prober
	stats    StatsFunc
	notifier audit.Notifier
	hub      *audit.Hub
	log      *slog.Logger
	cfg      Config
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration)

	mu         sync.Mutex
	services   map[string]*service
	strategies map[string][]Strategy
	inFlight   map[string]bool

	queue chan string
	wg    sync.WaitGroup
}

// Option configures the controller.
type Option func(*Controller)

// WithStats wires a resource usage sampler.
func WithStats(fn StatsFunc) Option { return func(c *Controller) { c.stats = fn } }

// WithHub mirrors recovery events onto the live stream.
func WithHub(h *audit.Hub) Option { return func(c *Controller) { c.hub = h } }

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// WithSleep overrides the stabilization wait (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration)) Option {
	return func(c *Controller) { c.sleep = fn }
}

// NewController wires a controller.  notifier may be audit.Noop{}.
func NewController(rt runtime.Runtime, probe Prober, notifier audit.Notifier, log *slog.Logger, cfg Config, opts ...Option) *Controller {
	cfg.defaults()
	c := &Controller{
		rt:         rt,
		probe:      probe,
		notifier:   notifier,
		log:        log,
		cfg:        cfg,
		now:        time.Now,
		services:   make(map[string]*service),
		strategies: make(map[string][]Strategy),
		inFlight:   make(map[string]bool),
		queue:      make(chan string, cfg.QueueDepth),
	}
	c.sleep = func(ctx context.Context, d time.Duration) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RegisterService declares a recoverable component with its container
// handle and the spec needed to recreate it.  strategies may be nil to use
// DefaultStrategies.
func (c *Controller) RegisterService(spec runtime.ServiceSpec, handle runtime.Handle, strategies []Strategy) {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	sorted := make([]Strategy, len(strategies))
	copy(sorted, strategies)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[spec.Name] = &service{spec: spec, handle: handle}
	c.strategies[spec.Name] = sorted
}

// Trigger queues a recovery for component.  Returns false when the
// component is unknown, already recovering, or the queue is full.
func (c *Controller) Trigger(component string) bool {
	c.mu.Lock()
	_, known := c.services[component]
	busy := c.inFlight[component]
	if known && !busy {
		c.inFlight[component] = true
	}
	c.mu.Unlock()
	if !known || busy {
		return false
	}

	select {
	case c.queue <- component:
		return true
	default:
		c.mu.Lock()
		c.inFlight[component] = false
		c.mu.Unlock()
		c.log.Warn("recovery queue full, dropping trigger", "component", component)
		return false
	}
}

// Run starts the worker pool and blocks until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	for i := 0; i < c.cfg.MaxConcurrent; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case component := <-c.queue:
					attempt := c.Recover(ctx, component)
					c.mu.Lock()
					c.inFlight[component] = false
					c.mu.Unlock()
					_ = attempt
				}
			}
		}()
	}
	<-ctx.Done()
	c.wg.Wait()
}

// Recover executes the first matching strategy for component synchronously
// and returns the attempt record.  Exposed for the admin trigger endpoint
// and tests; Trigger/Run is the watchdog path.
func (c *Controller) Recover(ctx context.Context, component string) *Attempt {
	c.mu.Lock()
	svc, ok := c.services[component]
	strategies := c.strategies[component]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	attempt := &Attempt{
		ID:        uuid.NewString(),
		Component: component,
		StartedAt: c.now().UTC(),
	}

	obs := c.observe(ctx, svc)
	attempt.RestartCount = obs.RestartCount
	strategy := pickStrategy(strategies, obs)
	if strategy == nil {
		c.log.Warn("no recovery strategy matched", "component", component,
			"health", string(obs.HealthStatus), "restarts", obs.RestartCount)
		attempt.FinishedAt = c.now().UTC()
		attempt.HealthAfter = obs.HealthStatus
		c.record(attempt)
		return attempt
	}
	attempt.Strategy = strategy.Name

	c.log.Info("recovery started", "component", component, "strategy", strategy.Name)
	c.publish(audit.KindRecoveryStarted, component,
		fmt.Sprintf("strategy %s started", strategy.Name))

	for _, action := range strategy.Actions {
		res := c.runAction(ctx, svc, action)
		attempt.Actions = append(attempt.Actions, res)
		if !res.OK {
			c.log.Error("recovery action failed", "component", component,
				"action", string(action.Type), "error", res.Error)
			break
		}
	}

	c.sleep(ctx, c.cfg.Stabilization)
	attempt.HealthAfter = c.probe(ctx, component)
	attempt.Success = attempt.HealthAfter == health.StatusHealthy
	attempt.FinishedAt = c.now().UTC()
	c.record(attempt)

	if attempt.Success {
		c.log.Info("recovery succeeded", "component", component, "strategy", strategy.Name)
		c.publish(audit.KindRecoveryFinished, component,
			fmt.Sprintf("strategy %s restored health", strategy.Name))
	} else {
		c.log.Error("recovery failed", "component", component,
			"strategy", strategy.Name, "health_after", string(attempt.HealthAfter))
		c.publish(audit.KindRecoveryFailed, component,
			fmt.Sprintf("strategy %s left component %s", strategy.Name, attempt.HealthAfter))
		c.notifier.Notify(ctx, audit.Notice{
			Kind:    audit.KindRecoveryFailed,
			Target:  component,
			Message: fmt.Sprintf("recovery %s failed, component still %s", strategy.Name, attempt.HealthAfter),
		})
	}
	return attempt
}

func pickStrategy(strategies []Strategy, obs Observation) *Strategy {
	for i := range strategies {
		if strategies[i].Conditions.Match(obs) {
			return &strategies[i]
		}
	}
	return nil
}

func (c *Controller) observe(ctx context.Context, svc *service) Observation {
	c.mu.Lock()
	restarts := svc.restarts
	handle := svc.handle
	name := svc.spec.Name
	c.mu.Unlock()

	obs := Observation{
		HealthStatus: c.probe(ctx, name),
		RestartCount: restarts,
	}
	if st, err := c.rt.Status(ctx, handle); err == nil && !st.StartedAt.IsZero() {
		obs.Uptime = c.now().Sub(st.StartedAt)
	}
	if c.stats != nil {
		if mem, cpu, err := c.stats(ctx, handle); err == nil {
			obs.MemoryPercent = mem
			obs.CPUPercent = cpu
		}
	}
	return obs
}

func (c *Controller) runAction(ctx context.Context, svc *service, action Action) ActionResult {
	actx, cancel := context.WithTimeout(ctx, action.timeout())
	defer cancel()
	start := c.now()

	var err error
	switch action.Type {
	case ActionCollectLogs:
		err = c.collectLogs(actx, svc)
	case ActionRestartContainer:
		err = c.rt.Restart(actx, svc.handle)
		if err == nil {
			c.mu.Lock()
			svc.restarts++
			c.mu.Unlock()
		}
	case ActionStopContainer:
		err = c.rt.Stop(actx, svc.handle)
	case ActionRecreateContainer:
		var handle runtime.Handle
		handle, err = c.rt.Recreate(actx, svc.handle, svc.spec)
		if err == nil {
			c.mu.Lock()
			svc.handle = handle
			svc.restarts++
			c.mu.Unlock()
		}
	case ActionNotifyOperator:
		c.notifier.Notify(actx, audit.Notice{
			Kind:    audit.KindRecoveryStarted,
			Target:  svc.spec.Name,
			Message: "operator attention requested",
		})
	default:
		err = fmt.Errorf("recovery: unknown action %q", action.Type)
	}

	res := ActionResult{
		Type:     action.Type,
		OK:       err == nil,
		Duration: c.now().Sub(start),
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// collectLogs tails the container and appends to its diagnostic log file.
func (c *Controller) collectLogs(ctx context.Context, svc *service) error {
	out, err := c.rt.Logs(ctx, svc.handle, 200)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(c.cfg.LogDir, 0o755); err != nil {
		return fmt.Errorf("recovery: create log dir: %w", err)
	}
	path := filepath.Join(c.cfg.LogDir, svc.handle.ContainerID+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("recovery: open log file: %w", err)
	}
	defer f.Close()
	header := fmt.Sprintf("--- collected %s ---\n", c.now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(header); err != nil {
		return err
	}
	_, err = f.Write(out)
	return err
}

// record persists the attempt next to the collected logs.  Failures are
// logged only; recovery must not fail because bookkeeping did.
func (c *Controller) record(a *Attempt) {
	if err := os.MkdirAll(c.cfg.LogDir, 0o755); err != nil {
		c.log.Error("recovery: create log dir", "error", err)
		return
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		c.log.Error("recovery: marshal attempt", "error", err)
		return
	}
	path := filepath.Join(c.cfg.LogDir, "recovery-"+a.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		c.log.Error("recovery: write attempt record", "path", path, "error", err)
	}
}

func (c *Controller) publish(kind audit.Kind, component, msg string) {
	if c.hub == nil {
		return
	}
	c.hub.Publish(audit.Event{Kind: kind, Message: msg, Fields: map[string]any{
		"component": component,
	}})
}
