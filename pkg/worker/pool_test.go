package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/breaker"
	"github.com/Mindburn-Labs/conveyor/pkg/ratelimit"
	"github.com/Mindburn-Labs/conveyor/pkg/retry"
	"github.com/Mindburn-Labs/conveyor/pkg/store"
	"github.com/Mindburn-Labs/conveyor/pkg/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu    sync.Mutex
	tasks []*task.Task
}

func (n *recordingNotifier) NotifyDeadLetter(_ context.Context, t *task.Task, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tasks = append(n.tasks, t)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.tasks)
}

type denyGate struct{}

func (denyGate) Admit(context.Context, *task.Task) (Admission, error) {
	return Admission{Allowed: false, Reason: "daily budget exhausted", RetryAfter: time.Hour}, nil
}

// leaseLostStore reports every heartbeat as a lost lease.
type leaseLostStore struct {
	store.Store
}

func (leaseLostStore) Heartbeat(context.Context, task.Lease) error { return store.ErrLeaseLost }

type harness struct {
	clock    *clock
	store    *store.MemoryStore
	registry *Registry
	breakers *breaker.Registry
	notifier *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	c := newClock()
	return &harness{
		clock:    c,
		store:    store.NewMemoryStore(store.WithClock(c.Now)),
		registry: NewRegistry(),
		breakers: breaker.NewRegistry(breaker.Settings{FailureThreshold: 2, Window: time.Minute, RecoveryWait: 30 * time.Second}, nil, breaker.WithClock(c.Now)),
		notifier: &recordingNotifier{},
	}
}

func (h *harness) pool(cfg Config, opts ...Option) *Pool {
	base := []Option{
		WithBreakers(h.breakers),
		WithNotifier(h.notifier),
		WithRetryPolicy(retry.Policy{Base: time.Second, Multiplier: 2, Max: time.Minute}, retry.SeededJitter{}),
	}
	return NewPool(cfg, h.store, h.registry, append(base, opts...)...)
}

func (h *harness) enqueue(t *testing.T, typ, key string) string {
	t.Helper()
	id, err := h.store.Enqueue(context.Background(), task.NewTask{Type: typ, ResourceKey: key, Payload: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)
	return id
}

func (h *harness) get(t *testing.T, id string) *task.Task {
	t.Helper()
	got, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return got
}

func TestRunOnceCompletesTask(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register("echo", func(_ context.Context, tk *task.Task) task.Outcome {
		return task.Success(tk.Payload)
	}))
	id := h.enqueue(t, "echo", "arxiv")

	worked, err := h.pool(Config{WorkerID: "w"}).RunOnce(context.Background(), "w/1")
	require.NoError(t, err)
	assert.True(t, worked)

	got := h.get(t, id)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"n":1}`, string(got.Result))
	assert.Equal(t, breaker.StateClosed, h.breakers.Snapshot("arxiv").State)
}

func TestRunOnceIdle(t *testing.T) {
	h := newHarness(t)
	worked, err := h.pool(Config{}).RunOnce(context.Background(), "w/1")
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestRetryableFailuresExhaustToDeadLetter(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	require.NoError(t, h.registry.Register("flaky", func(context.Context, *task.Task) task.Outcome {
		calls.Add(1)
		return task.Retryable(errors.New("upstream 503"))
	}))
	id := h.enqueue(t, "flaky", "pubmed")
	// Each resource failure would open a threshold-2 breaker; isolate retry behaviour.
	p := NewPool(Config{}, h.store, h.registry, WithNotifier(h.notifier),
		WithRetryPolicy(retry.Policy{Base: time.Second, Multiplier: 2, Max: time.Minute}, retry.SeededJitter{}))

	for i := 1; i <= task.DefaultMaxAttempts; i++ {
		worked, err := p.RunOnce(context.Background(), "w/1")
		require.NoError(t, err)
		require.True(t, worked, "attempt %d", i)
		got := h.get(t, id)
		assert.Equal(t, i, got.Attempts)
		if i < task.DefaultMaxAttempts {
			assert.Equal(t, task.StatusPending, got.Status)
			assert.True(t, got.ScheduledAt.After(h.clock.Now()))
			h.clock.Advance(time.Hour)
		}
	}

	got := h.get(t, id)
	assert.Equal(t, task.StatusDeadLetter, got.Status)
	assert.Equal(t, "upstream 503", got.LastError)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, 1, h.notifier.count())
}

func TestTerminalFailureDeadLettersImmediately(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register("parse", func(context.Context, *task.Task) task.Outcome {
		return task.Terminal(errors.New("malformed record"))
	}))
	id := h.enqueue(t, "parse", "arxiv")

	_, err := h.pool(Config{}).RunOnce(context.Background(), "w/1")
	require.NoError(t, err)

	got := h.get(t, id)
	assert.Equal(t, task.StatusDeadLetter, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 0, h.breakers.Snapshot("arxiv").Failures)
	assert.Equal(t, 1, h.notifier.count())
}

func TestRateLimitedTaskIsDeferredWithoutPenalty(t *testing.T) {
	h := newHarness(t)
	limiter := ratelimit.NewMemoryLimiter(ratelimit.NewTable(ratelimit.DefaultLimit(), map[string]ratelimit.Limit{
		"arxiv": {PerMinute: 1, PerHour: 100},
	}), h.clock.Now)
	var calls atomic.Int32
	require.NoError(t, h.registry.Register("fetch", func(context.Context, *task.Task) task.Outcome {
		calls.Add(1)
		return task.Success(nil)
	}))
	first := h.enqueue(t, "fetch", "arxiv")
	second := h.enqueue(t, "fetch", "arxiv")
	p := h.pool(Config{RateLimitedDelay: 5 * time.Second}, WithLimiter(limiter))

	for range 2 {
		_, err := p.RunOnce(context.Background(), "w/1")
		require.NoError(t, err)
	}

	assert.Equal(t, task.StatusCompleted, h.get(t, first).Status)
	deferred := h.get(t, second)
	assert.Equal(t, task.StatusPending, deferred.Status)
	assert.Equal(t, 0, deferred.Attempts)
	assert.True(t, deferred.ScheduledAt.After(h.clock.Now()))
	assert.EqualValues(t, 1, calls.Load())

	h.clock.Advance(2 * time.Minute)
	_, err := p.RunOnce(context.Background(), "w/1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, h.get(t, second).Status)
}

func TestOpenCircuitDefersTask(t *testing.T) {
	h := newHarness(t)
	h.breakers.Failure("arxiv")
	h.breakers.Failure("arxiv")
	require.Equal(t, breaker.StateOpen, h.breakers.Snapshot("arxiv").State)

	var calls atomic.Int32
	require.NoError(t, h.registry.Register("fetch", func(context.Context, *task.Task) task.Outcome {
		calls.Add(1)
		return task.Success(nil)
	}))
	id := h.enqueue(t, "fetch", "arxiv")

	_, err := h.pool(Config{BlockedDelay: 10 * time.Second}).RunOnce(context.Background(), "w/1")
	require.NoError(t, err)

	got := h.get(t, id)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, h.clock.Now().Add(10*time.Second), got.ScheduledAt)
	assert.Zero(t, calls.Load())
}

func TestRetryableFailuresOpenCircuit(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register("fetch", func(context.Context, *task.Task) task.Outcome {
		return task.Retryable(errors.New("timeout"))
	}))
	h.enqueue(t, "fetch", "arxiv")
	h.enqueue(t, "fetch", "arxiv")
	p := h.pool(Config{})

	for range 2 {
		_, err := p.RunOnce(context.Background(), "w/1")
		require.NoError(t, err)
	}
	assert.Equal(t, breaker.StateOpen, h.breakers.Snapshot("arxiv").State)
}

func TestGateRefusalDefersTask(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register("fetch", func(context.Context, *task.Task) task.Outcome {
		return task.Success(nil)
	}))
	id := h.enqueue(t, "fetch", "arxiv")

	_, err := h.pool(Config{}, WithGate(denyGate{})).RunOnce(context.Background(), "w/1")
	require.NoError(t, err)

	got := h.get(t, id)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, h.clock.Now().Add(time.Hour), got.ScheduledAt)
	assert.False(t, h.breakers.Snapshot("arxiv").ProbeInFlight)
}

func TestHandlerPanicIsRetryable(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register("boom", func(context.Context, *task.Task) task.Outcome {
		panic("nil map write")
	}))
	id := h.enqueue(t, "boom", "arxiv")

	_, err := h.pool(Config{}).RunOnce(context.Background(), "w/1")
	require.NoError(t, err)

	got := h.get(t, id)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.LastError, "nil map write")
}

func TestHandlerTimeoutIsRetryable(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register("slow", func(ctx context.Context, _ *task.Task) task.Outcome {
		<-ctx.Done()
		return task.Retryable(ctx.Err())
	}, WithTimeout(20*time.Millisecond)))
	id := h.enqueue(t, "slow", "arxiv")

	_, err := h.pool(Config{}).RunOnce(context.Background(), "w/1")
	require.NoError(t, err)

	got := h.get(t, id)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.LastError, "timed out")
}

func TestUnknownTypeIsTerminal(t *testing.T) {
	h := newHarness(t)
	id := h.enqueue(t, "mystery", "arxiv")

	_, err := h.pool(Config{}).RunOnce(context.Background(), "w/1")
	require.NoError(t, err)

	got := h.get(t, id)
	assert.Equal(t, task.StatusDeadLetter, got.Status)
	assert.Contains(t, got.LastError, "unknown task type")
	assert.False(t, h.breakers.Snapshot("arxiv").ProbeInFlight)
}

func TestSchemaViolationIsTerminal(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	require.NoError(t, h.registry.Register("fetch", func(context.Context, *task.Task) task.Outcome {
		calls.Add(1)
		return task.Success(nil)
	}, WithSchema(`{"type":"object","required":["url"]}`)))
	id := h.enqueue(t, "fetch", "arxiv")

	_, err := h.pool(Config{}).RunOnce(context.Background(), "w/1")
	require.NoError(t, err)

	got := h.get(t, id)
	assert.Equal(t, task.StatusDeadLetter, got.Status)
	assert.Contains(t, got.LastError, "invalid payload")
	assert.Zero(t, calls.Load())
}

func TestLostLeaseCancelsHandler(t *testing.T) {
	h := newHarness(t)
	cancelled := make(chan struct{})
	require.NoError(t, h.registry.Register("long", func(ctx context.Context, _ *task.Task) task.Outcome {
		<-ctx.Done()
		close(cancelled)
		return task.Retryable(ctx.Err())
	}))
	h.enqueue(t, "long", "arxiv")

	p := NewPool(Config{HeartbeatInterval: 5 * time.Millisecond}, leaseLostStore{h.store}, h.registry)
	_, err := p.RunOnce(context.Background(), "w/1")
	require.NoError(t, err)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("handler context was not cancelled after the lease was lost")
	}
}

func TestLostLeaseIsNotChargedToBreaker(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register("long", func(ctx context.Context, _ *task.Task) task.Outcome {
		<-ctx.Done()
		return task.Retryable(ctx.Err())
	}))
	h.enqueue(t, "long", "arxiv")

	p := NewPool(Config{HeartbeatInterval: 5 * time.Millisecond}, leaseLostStore{h.store}, h.registry, WithBreakers(h.breakers))
	_, err := p.RunOnce(context.Background(), "w/1")
	require.NoError(t, err)

	assert.Equal(t, 0, h.breakers.Snapshot("arxiv").Failures)
}

func TestTerminalVerdictAfterTimeoutStands(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register("slow", func(ctx context.Context, _ *task.Task) task.Outcome {
		<-ctx.Done()
		return task.Terminal(errors.New("record withdrawn"))
	}, WithTimeout(20*time.Millisecond)))
	id := h.enqueue(t, "slow", "arxiv")

	_, err := h.pool(Config{}).RunOnce(context.Background(), "w/1")
	require.NoError(t, err)

	got := h.get(t, id)
	assert.Equal(t, task.StatusDeadLetter, got.Status)
	assert.Contains(t, got.LastError, "record withdrawn")
	assert.Equal(t, 0, h.breakers.Snapshot("arxiv").Failures)
}

func TestCallAdmittedWhileClosedKeepsHalfOpenSlot(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, h.registry.Register("fetch", func(context.Context, *task.Task) task.Outcome {
		close(started)
		<-release
		return task.Terminal(errors.New("not found"))
	}))
	h.enqueue(t, "fetch", "arxiv")

	done := make(chan error, 1)
	go func() {
		_, err := h.pool(Config{}).RunOnce(context.Background(), "w/1")
		done <- err
	}()
	<-started

	// Other workers trip the circuit and one of them takes the probe.
	h.breakers.Failure("arxiv")
	h.breakers.Failure("arxiv")
	h.clock.Advance(30 * time.Second)
	probe, ok := h.breakers.Allow("arxiv")
	require.True(t, ok)
	require.True(t, probe.Probe())

	close(release)
	require.NoError(t, <-done)

	_, ok = h.breakers.Allow("arxiv")
	assert.False(t, ok, "a second probe must not be admitted")
	assert.True(t, h.breakers.Snapshot("arxiv").ProbeInFlight)

	probe.Success()
	assert.Equal(t, breaker.StateClosed, h.breakers.Snapshot("arxiv").State)
}

func TestRunDrainsQueueAndStops(t *testing.T) {
	st := store.NewMemoryStore()
	reg := NewRegistry()
	require.NoError(t, Handle(reg, "sum", func(_ context.Context, p struct{ A, B int }) task.Outcome {
		return task.SuccessValue(map[string]int{"sum": p.A + p.B})
	}))
	ids := make([]string, 0, 5)
	for i := range 5 {
		payload, _ := json.Marshal(map[string]int{"A": i, "B": 1})
		id, err := st.Enqueue(context.Background(), task.NewTask{Type: "sum", ResourceKey: "calc", Payload: payload})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := NewPool(Config{WorkerID: "test", PoolSize: 2, PollInterval: 5 * time.Millisecond}, st, reg)
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		counts, err := st.Counts(context.Background())
		return err == nil && counts[task.StatusCompleted] == 5
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}

	got, err := st.Get(context.Background(), ids[2])
	require.NoError(t, err)
	assert.JSONEq(t, `{"sum":3}`, string(got.Result))
	assert.Contains(t, got.ClaimedBy, "test/")
}
