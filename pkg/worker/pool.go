// Package worker claims tasks from the store and executes them behind the
// circuit breaker, rate limiter and retry policy.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/breaker"
	"github.com/Mindburn-Labs/conveyor/pkg/ratelimit"
	"github.com/Mindburn-Labs/conveyor/pkg/retry"
	"github.com/Mindburn-Labs/conveyor/pkg/store"
	"github.com/Mindburn-Labs/conveyor/pkg/task"
)

// Deferral reasons reported when a claimed task is handed back unpenalised.
const (
	DeferCircuitOpen  = "circuit_open"
	DeferRateLimited  = "rate_limited"
	DeferBudgetDenied = "budget_denied"
	DeferLimiterError = "limiter_error"
)

// cancelGrace is how long a handler whose context ended may take to report
// its own verdict.
const cancelGrace = 2 * time.Second

// Config tunes a Pool.
type Config struct {
	WorkerID          string
	PoolSize          int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	HandlerTimeout    time.Duration
	BlockedDelay      time.Duration
	RateLimitedDelay  time.Duration
	ShutdownTimeout   time.Duration
	// ResourceKeys restricts claims to these resources; empty claims all.
	ResourceKeys []string
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		WorkerID:          "worker",
		PoolSize:          4,
		PollInterval:      2 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HandlerTimeout:    5 * time.Minute,
		BlockedDelay:      15 * time.Second,
		RateLimitedDelay:  5 * time.Second,
		ShutdownTimeout:   30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WorkerID == "" {
		c.WorkerID = d.WorkerID
	}
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = d.HandlerTimeout
	}
	if c.BlockedDelay <= 0 {
		c.BlockedDelay = d.BlockedDelay
	}
	if c.RateLimitedDelay <= 0 {
		c.RateLimitedDelay = d.RateLimitedDelay
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// Admission is a Gate verdict.
type Admission struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// Gate is an external admission check, such as a spend budget. A refusal
// defers the task without consuming an attempt.
type Gate interface {
	Admit(ctx context.Context, t *task.Task) (Admission, error)
}

// DeadLetterNotifier is told when a task is dead-lettered.
type DeadLetterNotifier interface {
	NotifyDeadLetter(ctx context.Context, t *task.Task, reason string) error
}

// Telemetry receives execution events.
type Telemetry interface {
	StartExecution(ctx context.Context, t *task.Task) (context.Context, func(outcome task.Kind, err error))
	RecordDeferral(ctx context.Context, resourceKey, reason string)
	RecordDeadLetter(ctx context.Context, t *task.Task)
}

type nopTelemetry struct{}

func (nopTelemetry) StartExecution(ctx context.Context, _ *task.Task) (context.Context, func(task.Kind, error)) {
	return ctx, func(task.Kind, error) {}
}
func (nopTelemetry) RecordDeferral(context.Context, string, string) {}
func (nopTelemetry) RecordDeadLetter(context.Context, *task.Task)   {}

// Option configures a Pool.
type Option func(*Pool)

func WithBreakers(b *breaker.Registry) Option {
	return func(p *Pool) { p.breakers = b }
}

func WithLimiter(l ratelimit.Limiter) Option {
	return func(p *Pool) { p.limiter = l }
}

func WithGate(g Gate) Option {
	return func(p *Pool) { p.gate = g }
}

func WithNotifier(n DeadLetterNotifier) Option {
	return func(p *Pool) { p.notifier = n }
}

func WithTelemetry(t Telemetry) Option {
	return func(p *Pool) { p.telemetry = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// WithRetryPolicy sets the backoff policy and jitter source.
func WithRetryPolicy(policy retry.Policy, jitter retry.JitterSource) Option {
	return func(p *Pool) {
		p.policy = policy
		p.jitter = jitter
	}
}

// Pool runs PoolSize independent claim/execute slots against a Store.
type Pool struct {
	cfg       Config
	store     store.Store
	registry  *Registry
	breakers  *breaker.Registry
	limiter   ratelimit.Limiter
	gate      Gate
	notifier  DeadLetterNotifier
	telemetry Telemetry
	policy    retry.Policy
	jitter    retry.JitterSource
	log       *slog.Logger
}

func NewPool(cfg Config, st store.Store, registry *Registry, opts ...Option) *Pool {
	p := &Pool{
		cfg:       cfg.withDefaults(),
		store:     st,
		registry:  registry,
		telemetry: nopTelemetry{},
		policy:    retry.DefaultPolicy(),
		jitter:    retry.SeededJitter{},
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("component", "worker")
	return p
}

// Run blocks until ctx is cancelled, then waits up to ShutdownTimeout for
// in-flight handlers. Tasks still running after that are left IN_PROGRESS
// for the heartbeat monitor.
func (p *Pool) Run(ctx context.Context) error {
	p.log.InfoContext(ctx, "worker pool started", "worker_id", p.cfg.WorkerID, "pool_size", p.cfg.PoolSize)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.PoolSize; i++ {
		wg.Add(1)
		go func(slot string) {
			defer wg.Done()
			p.loop(ctx, slot)
		}(fmt.Sprintf("%s/%d", p.cfg.WorkerID, i+1))
	}

	<-ctx.Done()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Info("worker pool stopped", "worker_id", p.cfg.WorkerID)
	case <-time.After(p.cfg.ShutdownTimeout):
		p.log.Warn("worker pool shutdown timed out; in-flight tasks left to the heartbeat monitor",
			"worker_id", p.cfg.WorkerID, "timeout", p.cfg.ShutdownTimeout)
	}
	return nil
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	for ctx.Err() == nil {
		worked, err := p.RunOnce(ctx, workerID)
		if err != nil {
			p.log.ErrorContext(ctx, "claim failed", "worker_id", workerID, "error", err)
		}
		if worked && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// RunOnce claims and processes at most one task. It reports whether a task
// was claimed.
func (p *Pool) RunOnce(ctx context.Context, workerID string) (bool, error) {
	t, err := p.store.ClaimNext(ctx, workerID, p.cfg.ResourceKeys)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, nil
	}
	// Past the claim, state changes must land even if the pool is stopping.
	p.process(context.WithoutCancel(ctx), t)
	return true, nil
}

func (p *Pool) logger(t *task.Task) *slog.Logger {
	return p.log.With("task_id", t.ID, "task_type", t.Type, "resource_key", t.ResourceKey,
		"worker_id", t.ClaimedBy, "attempt", t.Attempts+1)
}

func (p *Pool) process(ctx context.Context, t *task.Task) {
	log := p.logger(t)

	// The zero ticket is a no-op, so a pool without breakers settles nothing.
	var ticket breaker.Ticket
	if p.breakers != nil {
		tk, ok := p.breakers.Allow(t.ResourceKey)
		if !ok {
			p.deferTask(ctx, t, p.cfg.BlockedDelay, DeferCircuitOpen, "circuit open", log)
			return
		}
		ticket = tk
	}

	if p.gate != nil {
		adm, err := p.gate.Admit(ctx, t)
		if err != nil || !adm.Allowed {
			ticket.Abandon()
			reason := adm.Reason
			if err != nil {
				reason = err.Error()
			}
			p.deferTask(ctx, t, max(adm.RetryAfter, p.cfg.RateLimitedDelay), DeferBudgetDenied, reason, log)
			return
		}
	}

	h, ok := p.registry.Lookup(t.Type)
	if !ok {
		ticket.Abandon()
		p.finish(ctx, t, task.Terminal(fmt.Errorf("%w: %s", ErrUnknownType, t.Type)), log)
		return
	}
	if err := h.Validate(t.Payload); err != nil {
		ticket.Abandon()
		p.finish(ctx, t, task.Terminal(err), log)
		return
	}

	// Reserve last: budget is only spent on a call that is about to happen.
	if p.limiter != nil {
		decision, err := p.limiter.Reserve(ctx, t.ResourceKey, t.Domain)
		if err != nil {
			ticket.Abandon()
			log.ErrorContext(ctx, "rate limiter unavailable", "error", err)
			p.deferTask(ctx, t, p.cfg.RateLimitedDelay, DeferLimiterError, err.Error(), log)
			return
		}
		if !decision.Allowed {
			ticket.Abandon()
			p.deferTask(ctx, t, max(decision.RetryAfter, p.cfg.RateLimitedDelay), DeferRateLimited, decision.Reason, log)
			return
		}
	}

	outcome := p.execute(ctx, t, h, log)

	switch {
	case outcome.Kind() == task.KindSuccess:
		ticket.Success()
	case errors.Is(outcome.Err(), store.ErrLeaseLost):
		// Another worker owns the task now; says nothing about the resource.
		ticket.Abandon()
	case outcome.Kind() == task.KindRetryable:
		ticket.Failure()
	default:
		// Terminal failures describe the input, not the resource.
		ticket.Abandon()
	}
	p.finish(ctx, t, outcome, log)
}

// deferTask hands a task back without consuming an attempt.
func (p *Pool) deferTask(ctx context.Context, t *task.Task, delay time.Duration, reason, detail string, log *slog.Logger) {
	p.telemetry.RecordDeferral(ctx, t.ResourceKey, reason)
	log.InfoContext(ctx, "task deferred", "reason", reason, "detail", detail, "delay", delay)
	if err := p.store.Release(ctx, t.Lease(), delay); err != nil {
		log.ErrorContext(ctx, "failed to release task", "error", err)
	}
}

// execute runs the handler under its timeout while heartbeating the lease.
func (p *Pool) execute(ctx context.Context, t *task.Task, h *Handler, log *slog.Logger) task.Outcome {
	timeout := p.cfg.HandlerTimeout
	if h.Timeout > 0 {
		timeout = h.Timeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	hctx, leaseCancel := context.WithCancelCause(hctx)
	defer leaseCancel(nil)

	hctx, end := p.telemetry.StartExecution(hctx, t)

	stopHeartbeat := p.heartbeat(hctx, t, leaseCancel, log)
	defer stopHeartbeat()

	result := make(chan task.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.ErrorContext(ctx, "handler panicked", "panic", r)
				result <- task.Retryable(fmt.Errorf("handler panic: %v", r))
			}
		}()
		result <- h.Fn(hctx, t)
	}()

	var outcome task.Outcome
	returned := false
	select {
	case outcome = <-result:
		returned = true
	case <-hctx.Done():
		select {
		case outcome = <-result:
			returned = true
		case <-time.After(cancelGrace):
		}
	}
	// A handler that gave up because its context ended is reported by cause.
	// Success and terminal verdicts stand.
	if hctx.Err() != nil && (!returned || outcome.Kind() == task.KindRetryable) {
		if cause := context.Cause(hctx); errors.Is(cause, store.ErrLeaseLost) {
			outcome = task.Retryable(cause)
		} else {
			outcome = task.Retryable(fmt.Errorf("handler timed out after %s", timeout))
		}
	}
	end(outcome.Kind(), outcome.Err())
	return outcome
}

// heartbeat refreshes the lease until the returned stop func is called.
// Losing the lease cancels the handler context.
func (p *Pool) heartbeat(ctx context.Context, t *task.Task, cancel context.CancelCauseFunc, log *slog.Logger) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := p.store.Heartbeat(context.WithoutCancel(ctx), t.Lease())
				if errors.Is(err, store.ErrLeaseLost) || errors.Is(err, store.ErrNotFound) {
					log.WarnContext(ctx, "lease lost during execution", "error", err)
					cancel(store.ErrLeaseLost)
					return
				}
				if err != nil {
					log.WarnContext(ctx, "heartbeat failed", "error", err)
				}
			}
		}
	}()
	return func() {
		close(stop)
		wg.Wait()
	}
}

// finish persists the outcome.
func (p *Pool) finish(ctx context.Context, t *task.Task, outcome task.Outcome, log *slog.Logger) {
	if outcome.Kind() == task.KindSuccess {
		if err := p.store.Complete(ctx, t.Lease(), outcome.Result()); err != nil {
			p.logPersistError(ctx, log, "complete", err)
			return
		}
		log.InfoContext(ctx, "task completed")
		return
	}

	failure := store.Failure{
		Err:      outcome.Err().Error(),
		Terminal: outcome.Kind() == task.KindTerminal,
		Delay:    p.policy.Backoff(p.jitter, t.ID),
	}
	res, err := p.store.Fail(ctx, t.Lease(), failure)
	if err != nil {
		p.logPersistError(ctx, log, "fail", err)
		return
	}
	if !res.DeadLettered() {
		log.WarnContext(ctx, "task failed; retry scheduled", "kind", outcome.Kind().String(),
			"error", failure.Err, "attempts", res.Attempts, "next_attempt_at", res.ScheduledAt)
		return
	}

	log.ErrorContext(ctx, "task dead-lettered", "kind", outcome.Kind().String(), "error", failure.Err, "attempts", res.Attempts)
	dead := t.Clone()
	dead.Status = task.StatusDeadLetter
	dead.Attempts = res.Attempts
	dead.LastError = task.TruncateError(failure.Err)
	p.telemetry.RecordDeadLetter(ctx, dead)
	if p.notifier != nil {
		if err := p.notifier.NotifyDeadLetter(ctx, dead, dead.LastError); err != nil {
			log.WarnContext(ctx, "dead-letter notification failed", "error", err)
		}
	}
}

func (p *Pool) logPersistError(ctx context.Context, log *slog.Logger, op string, err error) {
	if errors.Is(err, store.ErrLeaseLost) {
		log.WarnContext(ctx, "lease lost before "+op+"; result discarded")
		return
	}
	log.ErrorContext(ctx, "failed to "+op+" task", "error", err)
}
