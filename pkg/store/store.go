// Package store persists tasks and implements the atomic claim that gives
// the engine at-most-one-owner semantics across workers and processes.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/task"
)

var (
	ErrNotFound  = errors.New("task not found")
	ErrLeaseLost = errors.New("task lease lost")
	ErrNotStuck  = errors.New("task is not stuck")
	ErrConflict  = errors.New("concurrent modification")
)

// DelayFunc returns the backoff before the next attempt, given the number
// of attempts made so far (including the one that just failed).
type DelayFunc func(attempts int) time.Duration

// Failure describes a failed attempt.
type Failure struct {
	Err      string
	Terminal bool
	Delay    DelayFunc
}

// FailResult reports where a failed task ended up.
type FailResult struct {
	Status      task.Status `json:"status"`
	Attempts    int         `json:"attempts"`
	ScheduledAt time.Time   `json:"scheduled_at,omitempty"`
}

// DeadLettered reports whether the failure exhausted the task.
func (r FailResult) DeadLettered() bool { return r.Status == task.StatusDeadLetter }

// Filter narrows dead-letter listings.
type Filter struct {
	Type        string
	ResourceKey string
	Limit       int
	Offset      int
}

// DefaultListLimit caps listings when no limit is given.
const DefaultListLimit = 100

// MaxListLimit is the largest page a listing returns.
const MaxListLimit = 1000

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

// ArchiveFilter selects terminal tasks last updated before a cutoff.
type ArchiveFilter struct {
	Before time.Time
	Limit  int
	Offset int
}

// Store is the durable task store. Every state change is a compare-and-set
// on the task's current status (and, for leased operations, its owner and
// claim epoch); a lost race surfaces as an error and never as a silent
// overwrite.
type Store interface {
	// Enqueue persists a new PENDING task and returns its id. When the
	// request carries a dedupe key that matches a live task, the existing
	// id is returned instead.
	Enqueue(ctx context.Context, n task.NewTask) (string, error)
	// ClaimNext atomically moves the oldest due PENDING task to
	// IN_PROGRESS for workerID. It returns nil, nil when nothing is due.
	// An empty resourceKeys claims from every resource.
	ClaimNext(ctx context.Context, workerID string, resourceKeys []string) (*task.Task, error)
	Heartbeat(ctx context.Context, lease task.Lease) error
	Complete(ctx context.Context, lease task.Lease, result json.RawMessage) error
	Fail(ctx context.Context, lease task.Lease, f Failure) (FailResult, error)
	// Release returns a claimed task to PENDING without consuming an attempt.
	Release(ctx context.Context, lease task.Lease, delay time.Duration) error

	Get(ctx context.Context, id string) (*task.Task, error)
	Cancel(ctx context.Context, id string) error
	ListDeadLetter(ctx context.Context, f Filter) ([]*task.Task, error)
	// ListStuck returns IN_PROGRESS tasks whose last heartbeat is older than threshold.
	ListStuck(ctx context.Context, threshold time.Duration) ([]*task.Task, error)
	// RecoverStuck treats an abandoned task as a failed attempt. It fails
	// with ErrNotStuck if the task heartbeated or left IN_PROGRESS meanwhile.
	RecoverStuck(ctx context.Context, id string, threshold time.Duration, delay DelayFunc) (FailResult, error)
	FlagStuck(ctx context.Context, id string, threshold time.Duration) error
	// Requeue moves a DEAD_LETTER task back to PENDING with attempts reset,
	// optionally replacing its payload.
	Requeue(ctx context.Context, id string, payload json.RawMessage) error
	Skip(ctx context.Context, id string, reason string) error

	ListTerminal(ctx context.Context, f ArchiveFilter) ([]*task.Task, error)
	Counts(ctx context.Context) (map[task.Status]int, error)
}

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func skipResult(reason string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"skip_reason": reason})
	return b
}

func failTarget(t *task.Task, f Failure, now time.Time) (task.Status, int, time.Time) {
	attempts := t.Attempts + 1
	if f.Terminal || attempts >= t.MaxAttempts {
		return task.StatusDeadLetter, attempts, t.ScheduledAt
	}
	var delay time.Duration
	if f.Delay != nil {
		delay = f.Delay(attempts)
	}
	return task.StatusPending, attempts, now.Add(delay)
}
