package triage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/audit"
	"github.com/Mindburn-Labs/conveyor/pkg/auth"
	"github.com/Mindburn-Labs/conveyor/pkg/store"
	"github.com/Mindburn-Labs/conveyor/pkg/task"
	"github.com/Mindburn-Labs/conveyor/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store *store.MemoryStore
	audit *bytes.Buffer
	svc   *Service
	now   time.Time
	ctx   context.Context
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore(store.WithClock(func() time.Time { return now }))
	buf := &bytes.Buffer{}
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return &fixture{
		store: st,
		audit: buf,
		svc:   NewService(st, audit.NewLoggerWithWriter(buf), opts...),
		now:   now,
		ctx:   auth.WithPrincipal(context.Background(), &auth.BasePrincipal{ID: "alice", Roles: []string{auth.RoleOperator}}),
	}
}

// deadLetter enqueues a task and fails it terminally.
func (f *fixture) deadLetter(t *testing.T, n task.NewTask, reason string) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.store.Enqueue(ctx, n)
	require.NoError(t, err)
	claimed, err := f.store.ClaimNext(ctx, "w/1", []string{n.ResourceKey})
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)
	res, err := f.store.Fail(ctx, claimed.Lease(), store.Failure{Err: reason, Terminal: true})
	require.NoError(t, err)
	require.True(t, res.DeadLettered())
	return id
}

func (f *fixture) events(t *testing.T) []audit.Event {
	t.Helper()
	var out []audit.Event
	for _, line := range strings.Split(strings.TrimSpace(f.audit.String()), "\n") {
		if line == "" {
			continue
		}
		var e audit.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "AUDIT: ")), &e))
		out = append(out, e)
	}
	return out
}

func TestRetryResetsAttemptsAndAudits(t *testing.T) {
	f := newFixture(t)
	id := f.deadLetter(t, task.NewTask{Type: "fetch", ResourceKey: "arxiv"}, "404 gone")

	require.NoError(t, f.svc.Retry(f.ctx, id))

	got, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)

	events := f.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0].ActorID)
	assert.Equal(t, ActionRetry, events[0].Action)
	assert.Equal(t, "task:"+id, events[0].Resource)
	assert.Equal(t, "404 gone", events[0].Metadata["last_error"])
}

func TestRetryRejectsLiveTask(t *testing.T) {
	f := newFixture(t)
	id, err := f.store.Enqueue(context.Background(), task.NewTask{Type: "fetch", ResourceKey: "arxiv"})
	require.NoError(t, err)

	err = f.svc.Retry(f.ctx, id)
	assert.ErrorIs(t, err, task.ErrInvalidTransition)
	assert.Empty(t, f.events(t))
}

func TestRetryUnknownTask(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.svc.Retry(f.ctx, "missing"), store.ErrNotFound)
}

func TestUpdatePayloadAndRetryValidates(t *testing.T) {
	reg := worker.NewRegistry()
	require.NoError(t, reg.Register("fetch", func(context.Context, *task.Task) task.Outcome {
		return task.Success(nil)
	}, worker.WithSchema(`{"type":"object","required":["url"],"properties":{"url":{"type":"string"}}}`)))
	f := newFixture(t, WithValidator(reg))
	id := f.deadLetter(t, task.NewTask{Type: "fetch", ResourceKey: "arxiv", Payload: json.RawMessage(`{"uri":"x"}`)}, "bad payload")

	err := f.svc.UpdatePayloadAndRetry(f.ctx, id, json.RawMessage(`{"uri":"still wrong"}`))
	assert.ErrorIs(t, err, worker.ErrInvalidPayload)
	err = f.svc.UpdatePayloadAndRetry(f.ctx, id, json.RawMessage(`{not json`))
	assert.ErrorIs(t, err, task.ErrInvalidTask)
	err = f.svc.UpdatePayloadAndRetry(f.ctx, id, nil)
	assert.ErrorIs(t, err, ErrPayloadRequired)

	require.NoError(t, f.svc.UpdatePayloadAndRetry(f.ctx, id, json.RawMessage(`{"url":"https://arxiv.org/abs/1"}`)))
	got, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.JSONEq(t, `{"url":"https://arxiv.org/abs/1"}`, string(got.Payload))

	events := f.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, ActionUpdatePayload, events[0].Action)
	assert.NotEqual(t, events[0].Metadata["previous_payload_fp"], events[0].Metadata["payload_fp"])
}

func TestSkipRequiresReason(t *testing.T) {
	f := newFixture(t)
	id := f.deadLetter(t, task.NewTask{Type: "fetch", ResourceKey: "arxiv"}, "retired")

	assert.ErrorIs(t, f.svc.Skip(f.ctx, id, "  "), ErrReasonRequired)
	require.NoError(t, f.svc.Skip(f.ctx, id, "source retired"))

	got, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSkipped, got.Status)
	assert.JSONEq(t, `{"skip_reason":"source retired"}`, string(got.Result))
	assert.ErrorIs(t, f.svc.Retry(f.ctx, id), task.ErrInvalidTransition)
}

func TestCancelPendingOnly(t *testing.T) {
	f := newFixture(t)
	id, err := f.store.Enqueue(context.Background(), task.NewTask{Type: "fetch", ResourceKey: "arxiv"})
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel(f.ctx, id))
	assert.ErrorIs(t, f.svc.Cancel(f.ctx, id), task.ErrInvalidTransition)
	assert.Len(t, f.events(t), 1)
}

func TestRecoverStuck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.store.Enqueue(ctx, task.NewTask{Type: "fetch", ResourceKey: "arxiv"})
	require.NoError(t, err)
	_, err = f.store.ClaimNext(ctx, "w/1", nil)
	require.NoError(t, err)

	_, err = f.svc.RecoverStuck(f.ctx, id, time.Hour)
	assert.ErrorIs(t, err, store.ErrNotStuck)

	res, err := f.svc.RecoverStuck(f.ctx, id, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Len(t, f.events(t), 1)
}

func TestRetryMatching(t *testing.T) {
	f := newFixture(t)
	rateLimited := f.deadLetter(t, task.NewTask{Type: "fetch", ResourceKey: "arxiv", Payload: json.RawMessage(`{"page":1}`)}, "HTTP 429 from upstream")
	notFound := f.deadLetter(t, task.NewTask{Type: "fetch", ResourceKey: "arxiv", Payload: json.RawMessage(`{"page":2}`)}, "HTTP 404")
	other := f.deadLetter(t, task.NewTask{Type: "fetch", ResourceKey: "pubmed"}, "HTTP 429 from upstream")

	dry, err := f.svc.RetryMatching(f.ctx, MatchRequest{ResourceKey: "arxiv", Expr: `task.last_error.contains("429")`, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, []string{rateLimited}, dry.Matched)
	assert.Empty(t, dry.Retried)
	assert.Empty(t, f.events(t))

	res, err := f.svc.RetryMatching(f.ctx, MatchRequest{ResourceKey: "arxiv", Expr: `task.last_error.contains("429")`})
	require.NoError(t, err)
	assert.Equal(t, []string{rateLimited}, res.Retried)

	for id, want := range map[string]task.Status{rateLimited: task.StatusPending, notFound: task.StatusDeadLetter, other: task.StatusDeadLetter} {
		got, err := f.store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
	}

	// other has no page field; the expression errors on it but the rest of
	// the page is still handled.
	byPayload, err := f.svc.RetryMatching(f.ctx, MatchRequest{Expr: `task.payload.page == 2.0`})
	require.NoError(t, err)
	assert.Equal(t, []string{notFound}, byPayload.Retried)
	require.Contains(t, byPayload.Failed, other)
	assert.Contains(t, byPayload.Failed[other], "no such key")
	assert.Len(t, f.events(t), 2)

	got, err := f.store.Get(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDeadLetter, got.Status)
}

func TestRetryMatchingEvaluatesWholePageFirst(t *testing.T) {
	f := newFixture(t)
	withoutPage := f.deadLetter(t, task.NewTask{Type: "fetch", ResourceKey: "arxiv"}, "HTTP 500")
	withPage := f.deadLetter(t, task.NewTask{Type: "fetch", ResourceKey: "arxiv", Payload: json.RawMessage(`{"page":1}`)}, "HTTP 500")

	res, err := f.svc.RetryMatching(f.ctx, MatchRequest{Expr: `has(task.payload.page) && task.payload.page == 1.0`})
	require.NoError(t, err)
	assert.Equal(t, []string{withPage}, res.Retried)
	assert.Empty(t, res.Failed)

	res, err = f.svc.RetryMatching(f.ctx, MatchRequest{Expr: `task.payload.page == 1.0`, DryRun: true})
	require.NoError(t, err)
	assert.Empty(t, res.Matched)
	assert.Contains(t, res.Failed, withoutPage)
}

func TestRetryMatchingRejectsBadExpression(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RetryMatching(f.ctx, MatchRequest{Expr: `task.attempts +`})
	assert.True(t, errors.Is(err, ErrInvalidExpression))
	_, err = f.svc.RetryMatching(f.ctx, MatchRequest{Expr: `"not a bool"`})
	assert.ErrorIs(t, err, ErrInvalidExpression)
}

func TestMatcherFields(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tk := &task.Task{
		ID: "t-1", Type: "fetch", ResourceKey: "openalex", Attempts: 3, MaxAttempts: 3,
		LastError: "timeout", Payload: json.RawMessage(`{"doi":"10.1/x"}`),
		CreatedAt: now.Add(-2 * time.Hour),
	}
	cases := []struct {
		expr string
		want bool
	}{
		{``, true},
		{`task.attempts >= task.max_attempts`, true},
		{`task.age_seconds > 3600`, true},
		{`task.payload.doi.startsWith("10.")`, true},
		{`task.created_at < timestamp("2026-03-01T11:00:00Z")`, true},
		{`task.resource_key == "arxiv"`, false},
	}
	for _, tc := range cases {
		m, err := Compile(tc.expr)
		require.NoError(t, err, tc.expr)
		got, err := m.Match(tk, now)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}
