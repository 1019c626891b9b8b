// Package app wires the gateway's components from the configuration file
// and runs their lifecycles.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/toolgate/toolgate/common/crypto"
	"github.com/toolgate/toolgate/common/environment"
	"github.com/toolgate/toolgate/internal/gateway/audit"
	"github.com/toolgate/toolgate/internal/gateway/breaker"
	"github.com/toolgate/toolgate/internal/gateway/cache"
	"github.com/toolgate/toolgate/internal/gateway/chaos"
	"github.com/toolgate/toolgate/internal/gateway/configfile"
	"github.com/toolgate/toolgate/internal/gateway/degrade"
	"github.com/toolgate/toolgate/internal/gateway/health"
	"github.com/toolgate/toolgate/internal/gateway/httpclient"
	"github.com/toolgate/toolgate/internal/gateway/matrix"
	"github.com/toolgate/toolgate/internal/gateway/metrics"
	"github.com/toolgate/toolgate/internal/gateway/policy"
	"github.com/toolgate/toolgate/internal/gateway/quota"
	"github.com/toolgate/toolgate/internal/gateway/ratelimit"
	"github.com/toolgate/toolgate/internal/gateway/recovery"
	"github.com/toolgate/toolgate/internal/gateway/registry"
	"github.com/toolgate/toolgate/internal/gateway/runtime"
	"github.com/toolgate/toolgate/internal/gateway/server"
	"github.com/toolgate/toolgate/internal/gateway/token"
	"github.com/toolgate/toolgate/internal/gateway/tools"
)

// shutdownDeadline is how long in-flight requests get to drain before
// remaining connections are force-cancelled.
const shutdownDeadline = 20 * time.Second

// App owns the wired gateway.
type App struct {
	log      *slog.Logger
	cfg      *configfile.Manager
	registry *registry.Registry
	quotas   quota.Counter
	chaos    *chaos.Injector
	degrade  *degrade.Controller
	health   *health.Registry
	recovery *recovery.Controller
	hub      *audit.Hub
	metrics  *metrics.Metrics
	srv      *server.Server
	httpSrv  *http.Server
}

// New loads the config file and wires every component.  Nothing is started
// yet; Run drives the lifecycles.
func New(ctx context.Context, configPath string, log *slog.Logger) (*App, error) {
	cfgMgr, err := configfile.NewManager(configPath, log)
	if err != nil {
		return nil, fmt.Errorf("app: load config: %w", err)
	}
	cfg := cfgMgr.Snapshot()

	kek, err := crypto.ParseKEK(cfg["KEK_BASE64"])
	if err != nil {
		return nil, fmt.Errorf("app: parse KEK: %w", err)
	}

	reg, err := registry.Open(cfg["DATABASE_URL"])
	if err != nil {
		return nil, fmt.Errorf("app: open registry: %w", err)
	}

	codec, err := token.NewCodec([]byte(cfg["TOKEN_HMAC_SECRET"]))
	if err != nil {
		return nil, fmt.Errorf("app: token codec: %w", err)
	}

	counter, err := buildQuotaCounter(cfg["REDIS_URL"], log)
	if err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation(cfg["DEFAULT_TIMEZONE"])
	if err != nil {
		return nil, fmt.Errorf("app: load timezone: %w", err)
	}

	m := metrics.New()
	hub := audit.NewHub()

	notifier, err := buildNotifier(ctx, log)
	if err != nil {
		return nil, err
	}

	deg := degrade.New(log, func(level int) {
		m.DegradationLevel.Set(float64(level))
		hub.Publish(audit.Event{
			Kind:    audit.KindDegradeChanged,
			Message: fmt.Sprintf("degradation level now %s", degrade.LevelName(level)),
		})
	})

	breakers := breaker.NewRegistry(breaker.DefaultConfig(), func(tool, state string) {
		m.BreakerState.WithLabelValues(tool).Set(breakerStateValue(state))
		kind := audit.KindBreakerOpened
		if state == breaker.StateClosed {
			kind = audit.KindBreakerClosed
		}
		hub.Publish(audit.Event{Kind: kind, Message: fmt.Sprintf("breaker for %s is %s", tool, state)})
	})

	inj := chaos.New()
	inj.SetEnabled(cfgMgr.GetBool("CHAOS_ENABLED"))

	httpTimeout := time.Duration(cfgMgr.GetInt("HTTP_TIMEOUT_MS", 6000)) * time.Millisecond
	client := httpclient.New(httpclient.Config{Timeout: httpTimeout})

	dispatcher, err := buildDispatcher(cfg, client, httpTimeout, reg, kek, log)
	if err != nil {
		return nil, err
	}

	cacheTTL := time.Duration(cfgMgr.GetInt("CACHE_TTL_MS", 60_000)) * time.Millisecond
	cacheCfg := cache.DefaultConfig()
	cacheCfg.TTL = cacheTTL
	respCache := cache.New(cacheCfg)

	// The watchdog and recovery controller reference each other through the
	// health registry; rec is assigned before any scheduled check runs.
	var rec *recovery.Controller
	watchdog := health.NewWatchdog("redis", 3, log, func(ctx context.Context, r health.Result) {
		rec.Trigger(r.Name)
	})

	var healthReg *health.Registry
	healthReg = health.NewRegistry(log,
		health.WithResultHook(func(r health.Result) {
			watchdog.Observe(context.Background(), r)
		}),
		health.WithTransitionHook(func(tr health.Transition) {
			m.ComponentHealth.WithLabelValues(tr.Component).Set(healthStateValue(tr.To))
			// Aggregate health drives the automatic degradation level;
			// operator forcing can only raise it further.
			deg.SetAuto(autoDegradeLevel(healthReg.Aggregate()))
			hub.Publish(audit.Event{
				Kind:    audit.KindHealthChanged,
				Message: fmt.Sprintf("%s went from %s to %s", tr.Component, tr.From, tr.To),
			})
		}),
	)
	healthReg.Register(health.CheckConfig{
		Name: "registry",
		Kind: health.KindCustom,
		Check: func(ctx context.Context) error {
			return reg.DB().PingContext(ctx)
		},
	})
	if addr := redisAddr(cfg["REDIS_URL"]); addr != "" {
		healthReg.Register(health.CheckConfig{
			Name:  "redis",
			Kind:  health.KindTCP,
			Check: health.TCPCheck(addr),
		})
	}

	rec = buildRecovery(ctx, healthReg, notifier, hub, log)

	app := &App{
		log:      log,
		cfg:      cfgMgr,
		registry: reg,
		quotas:   counter,
		chaos:    inj,
		degrade:  deg,
		health:   healthReg,
		recovery: rec,
		hub:      hub,
		metrics:  m,
	}

	app.srv = server.New(server.Config{
		HTTPTimeout:      httpTimeout,
		RetryMaxAttempts: cfgMgr.GetInt("RETRY_MAX_ATTEMPTS", 3),
		DemoMode:         func() bool { return cfgMgr.GetBool("DEMO_MODE") },
	}, server.Deps{
		Log:        log,
		Registry:   reg,
		Codec:      codec,
		Policy:     policy.NewEngine(reg, counter, log, policy.WithLocation(loc)),
		Limiter:    ratelimit.New(ratelimit.DefaultConfig()),
		Dispatcher: dispatcher,
		Chaos:      inj,
		Breakers:   breakers,
		Cache:      respCache,
		Degrade:    deg,
		Health:     healthReg,
		Recovery:   rec,
		Hub:        hub,
		Recorder:   audit.NewRecorder(reg, hub, log),
		Metrics:    m,
		KEK:        kek,
	})

	app.httpSrv = &http.Server{
		Addr:              ":" + cfg["PORT"],
		Handler:           app.srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return app, nil
}

// Run starts the schedulers and serves HTTP until ctx is cancelled, then
// shuts down in two phases: refuse new proxy requests, drain in-flight ones
// up to the shutdown deadline.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.health.Run(runCtx)
	go a.recovery.Run(runCtx)
	go runMaintenance(runCtx, a.registry, maintenanceInterval, requestLogRetention, a.log)
	go func() {
		if err := a.cfg.Watch(runCtx, a.applyConfig); err != nil {
			a.log.Error("config watcher stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("gateway listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	a.log.Info("shutting down", "deadline", shutdownDeadline.String())
	a.srv.BeginShutdown()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancelShutdown()
	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("forced connection close after drain deadline", "error", err)
	}
	if closer, ok := a.quotas.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	return a.registry.Close()
}

// Registry retention.
const (
	maintenanceInterval = time.Hour
	requestLogRetention = 30 * 24 * time.Hour
)

// runMaintenance periodically prunes expired token provenance rows and
// request logs past retention. One pass runs immediately so restarts do not
// postpone overdue cleanup by a full interval.
func runMaintenance(ctx context.Context, reg *registry.Registry, interval, retention time.Duration, log *slog.Logger) {
	prune := func() {
		if n, err := reg.PruneExpiredTokens(ctx); err != nil {
			log.Error("token pruning failed", "error", err)
		} else if n > 0 {
			log.Info("pruned expired tokens", "rows", n)
		}
		if n, err := reg.PruneRequestLogs(ctx, retention); err != nil {
			log.Error("request log pruning failed", "error", err)
		} else if n > 0 {
			log.Info("pruned request logs", "rows", n)
		}
	}

	prune()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			prune()
		}
	}
}

// applyConfig reacts to hot-reloaded keys.  Only the flags safe to flip at
// runtime are applied; the rest require a restart.
func (a *App) applyConfig(cfg map[string]string) {
	a.chaos.SetEnabled(cfg["CHAOS_ENABLED"] == "true")
	a.hub.Publish(audit.Event{
		Kind:    audit.KindConfigUpdated,
		Message: "configuration reloaded",
	})
}

func buildQuotaCounter(redisURL string, log *slog.Logger) (quota.Counter, error) {
	if addr := redisAddr(redisURL); addr != "" {
		c, err := quota.NewRedisCounter(redisURL)
		if err != nil {
			return nil, fmt.Errorf("app: redis quota counter: %w", err)
		}
		log.Info("quota counters backed by redis", "addr", addr)
		return c, nil
	}
	log.Info("quota counters in memory")
	return quota.NewMemoryCounter(), nil
}

// redisAddr extracts host:port from a redis URL; "memory" and empty mean
// the in-process backend.
func redisAddr(url string) string {
	switch url {
	case "", "memory":
		return ""
	}
	addr := url
	for _, prefix := range []string{"redis://", "rediss://"} {
		addr = strings.TrimPrefix(addr, prefix)
	}
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		addr = addr[:i]
	}
	return addr
}

func buildDispatcher(cfg map[string]string, client *httpclient.Client, timeout time.Duration, reg *registry.Registry, kek []byte, log *slog.Logger) (*tools.Dispatcher, error) {
	switch cfg["UPSTREAM_MODE"] {
	case tools.ModeLive:
		live := tools.LiveSet(client, tools.LiveConfig{
			SearchBaseURL: cfg["SEARCH_BASE_URL"],
			ChatBaseURL:   cfg["CHAT_BASE_URL"],
			MailBaseURL:   cfg["MAIL_BASE_URL"],
			MailFrom:      cfg["MAIL_FROM"],
			FetchClient:   buildFetchClient(cfg["FETCH_ALLOWED_DOMAINS"], timeout, log),
		})
		return tools.NewDispatcher(reg, kek, log, live...), nil
	case tools.ModeMock, "":
		return tools.NewDispatcher(reg, kek, log, tools.MockSet()...), nil
	default:
		return nil, fmt.Errorf("app: unknown UPSTREAM_MODE %q", cfg["UPSTREAM_MODE"])
	}
}

// buildFetchClient gives the fetch adapter its own client carrying the hard
// domain-suffix allowlist from FETCH_ALLOWED_DOMAINS. The allowlist is a
// second gate under the policy guards and is re-checked on every redirect.
func buildFetchClient(allowed string, timeout time.Duration, log *slog.Logger) *httpclient.Client {
	cfg := httpclient.Config{Timeout: timeout}
	if domains := splitCSV(allowed); len(domains) > 0 {
		cfg.AllowHost = httpclient.AllowSuffixes(domains)
	} else {
		log.Warn("FETCH_ALLOWED_DOMAINS is empty; fetch destinations are limited by policy guards only")
	}
	return httpclient.New(cfg)
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// buildNotifier wires the Matrix operator notifier from the environment.
// Matrix credentials are deliberately environment-only so access tokens
// never land in the managed config file or its backups.
func buildNotifier(ctx context.Context, log *slog.Logger) (audit.Notifier, error) {
	homeserver := environment.StringOr("MATRIX_HOMESERVER", "")
	room := environment.StringOr("MATRIX_OPERATOR_ROOM", "")
	if homeserver == "" || room == "" {
		return audit.Noop{}, nil
	}
	client, err := matrix.New(ctx, matrix.Config{
		Homeserver:  homeserver,
		UserID:      environment.StringOr("MATRIX_USER_ID", ""),
		AccessToken: environment.StringOr("MATRIX_ACCESS_TOKEN", ""),
		RoomID:      room,
	})
	if err != nil {
		return nil, fmt.Errorf("app: matrix notifier: %w", err)
	}
	log.Info("operator notifications enabled", "room", room)
	return audit.NewMatrixNotifier(client, room), nil
}

// buildRecovery assembles the recovery controller over the docker runtime.
// When the docker daemon is unreachable the controller still exists so the
// admin surface stays consistent; triggers will fail with the daemon error.
func buildRecovery(ctx context.Context, healthReg *health.Registry, notifier audit.Notifier, hub *audit.Hub, log *slog.Logger) *recovery.Controller {
	var rt runtime.Runtime
	docker, err := runtime.NewDocker(runtime.DefaultNetwork)
	if err != nil {
		log.Warn("docker runtime unavailable, recovery actions will fail", "error", err)
		rt = unavailableRuntime{err: err}
	} else {
		rt = docker
	}

	probe := func(ctx context.Context, component string) health.Status {
		healthReg.RunCheck(ctx, component)
		for _, r := range healthReg.Snapshot() {
			if r.Name == component {
				return r.Status
			}
		}
		return health.StatusUnknown
	}

	rec := recovery.NewController(rt, probe, notifier, log,
		recovery.Config{}, recovery.WithHub(hub))

	// Adopt every gateway-managed container as a recoverable service.
	if docker != nil {
		if handles, err := docker.List(ctx); err == nil {
			for _, h := range handles {
				rec.RegisterService(runtime.ServiceSpec{Name: h.Name}, h, nil)
			}
		}
	}
	return rec
}

func breakerStateValue(state string) float64 {
	switch state {
	case breaker.StateOpen:
		return 1
	case breaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

func healthStateValue(s health.Status) float64 {
	switch s {
	case health.StatusHealthy:
		return 0
	case health.StatusDegraded:
		return 1
	case health.StatusUnhealthy:
		return 2
	default:
		return 1
	}
}

// autoDegradeLevel maps aggregate component health onto a degradation
// level: a degraded dependency costs the caches, an unhealthy one sheds
// non-essential features. Level 3 stays manual; shedding everything is an
// operator call.
func autoDegradeLevel(s health.Status) int {
	switch s {
	case health.StatusDegraded:
		return degrade.LevelCaches
	case health.StatusUnhealthy:
		return degrade.LevelFeatures
	default:
		return degrade.LevelNormal
	}
}

// unavailableRuntime surfaces the daemon connection error on every call.
type unavailableRuntime struct{ err error }

func (u unavailableRuntime) Spawn(context.Context, runtime.ServiceSpec) (runtime.Handle, error) {
	return runtime.Handle{}, u.err
}
func (u unavailableRuntime) Stop(context.Context, runtime.Handle) error    { return u.err }
func (u unavailableRuntime) Restart(context.Context, runtime.Handle) error { return u.err }
func (u unavailableRuntime) Recreate(context.Context, runtime.Handle, runtime.ServiceSpec) (runtime.Handle, error) {
	return runtime.Handle{}, u.err
}
func (u unavailableRuntime) Status(context.Context, runtime.Handle) (runtime.Status, error) {
	return runtime.Status{}, u.err
}
func (u unavailableRuntime) Logs(context.Context, runtime.Handle, int) ([]byte, error) {
	return nil, u.err
}
func (u unavailableRuntime) List(context.Context) ([]runtime.Handle, error) { return nil, u.err }
func (u unavailableRuntime) Remove(context.Context, runtime.Handle) error   { return u.err }
