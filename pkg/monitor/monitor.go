// Package monitor sweeps for IN_PROGRESS tasks whose worker stopped
// heartbeating and either requeues or flags them.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/retry"
	"github.com/Mindburn-Labs/conveyor/pkg/store"
	"github.com/Mindburn-Labs/conveyor/pkg/task"
	"github.com/Mindburn-Labs/conveyor/pkg/worker"
)

// Mode selects what a sweep does with a stuck task.
type Mode string

const (
	// ModeRecover counts the abandoned run as a failed attempt.
	ModeRecover Mode = "recover"
	// ModeFlag marks the task for an operator and leaves it IN_PROGRESS.
	ModeFlag Mode = "flag"
)

// ParseMode accepts "recover" or "flag".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeRecover, ModeFlag:
		return Mode(s), nil
	case "":
		return ModeRecover, nil
	}
	return "", fmt.Errorf("unknown stuck mode %q", s)
}

type Config struct {
	Threshold     time.Duration
	SweepInterval time.Duration
	Mode          Mode
}

func DefaultConfig() Config {
	return Config{Threshold: 5 * time.Minute, SweepInterval: time.Minute, Mode: ModeRecover}
}

// Report summarises one sweep.
type Report struct {
	Found        int
	Requeued     int
	DeadLettered int
	Flagged      int
	// Raced counts tasks that heartbeated or finished between list and update.
	Raced int
}

type Option func(*Monitor)

func WithRetryPolicy(p retry.Policy, src retry.JitterSource) Option {
	return func(m *Monitor) {
		m.policy = p
		m.jitter = src
	}
}

func WithNotifier(n worker.DeadLetterNotifier) Option {
	return func(m *Monitor) { m.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// WithSweepHook is called after every sweep.
func WithSweepHook(fn func(Report)) Option {
	return func(m *Monitor) { m.hook = fn }
}

type Monitor struct {
	cfg      Config
	store    store.Store
	policy   retry.Policy
	jitter   retry.JitterSource
	notifier worker.DeadLetterNotifier
	hook     func(Report)
	log      *slog.Logger
}

func New(st store.Store, cfg Config, opts ...Option) *Monitor {
	d := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = d.Threshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = d.SweepInterval
	}
	if cfg.Mode == "" {
		cfg.Mode = d.Mode
	}
	m := &Monitor{
		cfg:    cfg,
		store:  st,
		policy: retry.DefaultPolicy(),
		jitter: retry.SeededJitter{},
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "monitor")
	return m
}

// Run sweeps immediately and then every SweepInterval until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.InfoContext(ctx, "heartbeat monitor started",
		"threshold", m.cfg.Threshold, "interval", m.cfg.SweepInterval, "mode", string(m.cfg.Mode))
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
			m.log.ErrorContext(ctx, "stuck sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep handles every task stuck for longer than the threshold.
func (m *Monitor) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	stuck, err := m.store.ListStuck(ctx, m.cfg.Threshold)
	if err != nil {
		return rep, fmt.Errorf("list stuck: %w", err)
	}
	rep.Found = len(stuck)

	var errs []error
	for _, t := range stuck {
		if err := m.handle(ctx, t, &rep); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", t.ID, err))
		}
	}
	if rep.Found > 0 {
		m.log.InfoContext(ctx, "stuck sweep finished", "found", rep.Found, "requeued", rep.Requeued,
			"dead_lettered", rep.DeadLettered, "flagged", rep.Flagged, "raced", rep.Raced)
	}
	if m.hook != nil {
		m.hook(rep)
	}
	return rep, errors.Join(errs...)
}

func (m *Monitor) handle(ctx context.Context, t *task.Task, rep *Report) error {
	log := m.log.With("task_id", t.ID, "task_type", t.Type, "resource_key", t.ResourceKey, "worker_id", t.ClaimedBy)

	if m.cfg.Mode == ModeFlag {
		if t.FlaggedAt != nil {
			return nil
		}
		err := m.store.FlagStuck(ctx, t.ID, m.cfg.Threshold)
		switch {
		case errors.Is(err, store.ErrNotStuck):
			rep.Raced++
			return nil
		case err != nil:
			return err
		}
		rep.Flagged++
		log.WarnContext(ctx, "task flagged as stuck")
		return nil
	}

	res, err := m.store.RecoverStuck(ctx, t.ID, m.cfg.Threshold, m.policy.Backoff(m.jitter, t.ID))
	switch {
	case errors.Is(err, store.ErrNotStuck):
		rep.Raced++
		return nil
	case err != nil:
		return err
	}
	if !res.DeadLettered() {
		rep.Requeued++
		log.WarnContext(ctx, "stuck task requeued", "attempts", res.Attempts, "next_attempt_at", res.ScheduledAt)
		return nil
	}

	rep.DeadLettered++
	log.ErrorContext(ctx, "stuck task dead-lettered", "attempts", res.Attempts)
	if m.notifier != nil {
		dead := t.Clone()
		dead.Status = task.StatusDeadLetter
		dead.Attempts = res.Attempts
		if err := m.notifier.NotifyDeadLetter(ctx, dead, "worker stopped heartbeating"); err != nil {
			log.WarnContext(ctx, "dead-letter notification failed", "error", err)
		}
	}
	return nil
}
