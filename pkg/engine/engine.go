// Package engine assembles the store, limiter, breakers, worker pool,
// heartbeat monitor and admin API from a config.Config and runs them
// together.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/conveyor/pkg/admin"
	"github.com/Mindburn-Labs/conveyor/pkg/audit"
	"github.com/Mindburn-Labs/conveyor/pkg/auth"
	"github.com/Mindburn-Labs/conveyor/pkg/breaker"
	"github.com/Mindburn-Labs/conveyor/pkg/config"
	"github.com/Mindburn-Labs/conveyor/pkg/metrics"
	"github.com/Mindburn-Labs/conveyor/pkg/monitor"
	"github.com/Mindburn-Labs/conveyor/pkg/notify"
	"github.com/Mindburn-Labs/conveyor/pkg/observability"
	"github.com/Mindburn-Labs/conveyor/pkg/ratelimit"
	"github.com/Mindburn-Labs/conveyor/pkg/retry"
	"github.com/Mindburn-Labs/conveyor/pkg/store"
	"github.com/Mindburn-Labs/conveyor/pkg/triage"
	"github.com/Mindburn-Labs/conveyor/pkg/worker"
	"golang.org/x/sync/errgroup"
)

// Option configures an Engine.
type Option func(*options)

type options struct {
	store store.Store
	audit audit.Logger
	gate  worker.Gate
	log   *slog.Logger
}

// WithStore runs the engine on an existing store instead of opening the
// configured database. The caller keeps ownership of st.
func WithStore(st store.Store) Option {
	return func(o *options) { o.store = st }
}

// WithAudit overrides the audit logger. Without it the engine writes
// audit events to the database, or to stdout when WithStore is used.
func WithAudit(l audit.Logger) Option {
	return func(o *options) { o.audit = l }
}

// WithGate installs a budget admission check in front of every handler.
func WithGate(g worker.Gate) Option {
	return func(o *options) { o.gate = g }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// Engine is one running conveyor instance.
type Engine struct {
	cfg       *config.Config
	store     store.Store
	sqlStore  *store.SQLStore
	registry  *worker.Registry
	limits    *ratelimit.Table
	limiter   ratelimit.Limiter
	redis     *ratelimit.RedisLimiter
	breakers  *breaker.Registry
	telemetry *observability.Provider
	triage    *triage.Service
	pool      *worker.Pool
	monitor   *monitor.Monitor
	admin     *admin.Server
	log       *slog.Logger
}

// New wires every component. Handlers must already be registered in reg.
func New(ctx context.Context, cfg *config.Config, reg *worker.Registry, opts ...Option) (_ *Engine, err error) {
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	e := &Engine{cfg: cfg, registry: reg, log: o.log.With("component", "engine")}
	defer func() {
		if err != nil {
			_ = e.Close(context.Background())
		}
	}()

	var lister audit.Lister
	if o.store != nil {
		e.store = o.store
		if o.audit == nil {
			o.audit = audit.NewLogger()
		}
	} else {
		sqlStore, err := store.Open(ctx, cfg.DatabaseURL, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		e.sqlStore = sqlStore
		e.store = sqlStore
		if err := sqlStore.Migrate(ctx); err != nil {
			return nil, err
		}
		auditStore := audit.NewStoreLogger(sqlStore.DB())
		if err := auditStore.Migrate(ctx); err != nil {
			return nil, err
		}
		lister = auditStore
		if o.audit == nil {
			o.audit = auditStore
		}
	}

	otelCfg := observability.DefaultConfig()
	otelCfg.Enabled = cfg.OTelEnabled
	if cfg.OTelEndpoint != "" {
		otelCfg.OTLPEndpoint = cfg.OTelEndpoint
	}
	if e.telemetry, err = observability.New(ctx, otelCfg); err != nil {
		return nil, err
	}

	defLimit, keyLimits := cfg.LimitTable()
	e.limits = ratelimit.NewTable(defLimit, keyLimits)
	if cfg.RedisURL != "" {
		if e.redis, err = ratelimit.NewRedisLimiterFromURL(cfg.RedisURL, e.limits); err != nil {
			return nil, err
		}
		if err := e.redis.Ping(ctx); err != nil {
			return nil, err
		}
		e.limiter = e.redis
	} else {
		e.limiter = ratelimit.NewMemoryLimiter(e.limits, nil)
	}

	defBreaker, keyBreakers := cfg.BreakerSettings()
	e.breakers = breaker.NewRegistry(defBreaker, keyBreakers,
		breaker.WithObserver(e.telemetry.BreakerObserver()),
		breaker.WithLogger(o.log))

	jitter := retry.SeededJitter{}
	e.triage = triage.NewService(e.store, o.audit,
		triage.WithValidator(reg),
		triage.WithRetryPolicy(cfg.Retry, jitter),
		triage.WithLogger(o.log))

	poolOpts := []worker.Option{
		worker.WithBreakers(e.breakers),
		worker.WithLimiter(e.limiter),
		worker.WithTelemetry(e.telemetry),
		worker.WithRetryPolicy(cfg.Retry, jitter),
		worker.WithLogger(o.log),
	}
	monitorOpts := []monitor.Option{
		monitor.WithRetryPolicy(cfg.Retry, jitter),
		monitor.WithLogger(o.log),
		monitor.WithSweepHook(e.reportSweep),
	}
	if o.gate != nil {
		poolOpts = append(poolOpts, worker.WithGate(o.gate))
	}
	if cfg.NtfyTopic != "" {
		n := notify.NewDeadLetterNotifier(notify.NewNtfyClient(cfg.NtfyURL, cfg.NtfyTopic), o.log)
		poolOpts = append(poolOpts, worker.WithNotifier(n))
		monitorOpts = append(monitorOpts, monitor.WithNotifier(n))
	}
	e.pool = worker.NewPool(worker.Config{
		WorkerID:          cfg.WorkerID,
		PoolSize:          cfg.Worker.PoolSize,
		PollInterval:      cfg.Worker.PollInterval,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		HandlerTimeout:    cfg.Worker.HandlerTimeout,
	}, e.store, reg, poolOpts...)
	e.monitor = monitor.New(e.store, monitor.Config{
		Threshold:     cfg.Stuck.Threshold,
		SweepInterval: cfg.Stuck.SweepInterval,
		Mode:          cfg.Stuck.Mode,
	}, monitorOpts...)

	adminOpts := []admin.Option{
		admin.WithBreakers(e.breakers),
		admin.WithLimiter(e.limiter),
		admin.WithValidator(reg),
		admin.WithAudit(o.audit),
		admin.WithRetryPolicy(cfg.Retry, jitter),
		admin.WithStuckThreshold(cfg.Stuck.Threshold),
		admin.WithMetrics(metrics.NewRegistry(metrics.NewCollector(e.store, e.breakers))),
		admin.WithClientRateLimit(cfg.AdminRPS, cfg.AdminBurst),
		admin.WithLogger(o.log),
	}
	if cfg.AdminJWTSecret != "" {
		adminOpts = append(adminOpts, admin.WithJWT(auth.NewJWTValidator(cfg.AdminJWTSecret)))
	} else if cfg.AdminAddr != "" {
		e.log.Warn("ADMIN_JWT_SECRET is not set; admin API will reject every authenticated route")
	}
	if lister != nil {
		adminOpts = append(adminOpts, admin.WithAuditLister(lister))
	}
	e.admin = admin.NewServer(e.store, e.triage, adminOpts...)
	return e, nil
}

// Store returns the engine's task store.
func (e *Engine) Store() store.Store { return e.store }

// Breakers returns the live circuit breaker registry.
func (e *Engine) Breakers() *breaker.Registry { return e.breakers }

// Triage returns the operator triage service.
func (e *Engine) Triage() *triage.Service { return e.triage }

// Admin returns the admin API server.
func (e *Engine) Admin() *admin.Server { return e.admin }

// Run starts the worker pool, the heartbeat monitor, the admin API (when
// AdminAddr is set) and the config watcher (when ConfigPath is set). It
// blocks until ctx ends or one of them fails.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.pool.Run(ctx) })
	g.Go(func() error { return e.monitor.Run(ctx) })
	if e.cfg.AdminAddr != "" {
		g.Go(func() error { return e.admin.ListenAndServe(ctx, e.cfg.AdminAddr) })
	}
	if e.cfg.ConfigPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, e.cfg.ConfigPath, e.applyResources, e.log)
		})
	}
	e.log.InfoContext(ctx, "engine started",
		"worker_id", e.cfg.WorkerID,
		"lite_mode", e.sqlStore != nil && e.cfg.LiteMode(),
		"handlers", e.registry.Types())
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (e *Engine) applyResources(r config.Resources) { r.Apply(e.limits, e.breakers) }

// reportSweep feeds monitor results into telemetry; the monitor logs them.
func (e *Engine) reportSweep(rep monitor.Report) {
	e.telemetry.RecordStuck(context.Background(), rep.Requeued, rep.DeadLettered, rep.Flagged)
}

// Close releases the resources New opened.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if e.telemetry != nil {
		if err := e.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if e.sqlStore != nil {
		if err := e.sqlStore.DB().Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	return errors.Join(errs...)
}
