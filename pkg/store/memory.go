package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/task"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. It gives the same guarantees as the
// SQL store within one process and is used for tests and single-node runs.
type MemoryStore struct {
	mu     sync.Mutex
	tasks  map[string]*task.Task
	dedupe map[string]string
	opts   options
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		tasks:  make(map[string]*task.Task),
		dedupe: make(map[string]string),
		opts:   buildOptions(opts),
	}
}

func (s *MemoryStore) now() time.Time { return s.opts.now().UTC() }

func (s *MemoryStore) Enqueue(_ context.Context, n task.NewTask) (string, error) {
	now := s.now()
	n, err := n.Normalize(now)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if n.DedupeKey != "" {
		if id, ok := s.dedupe[n.DedupeKey]; ok {
			if existing := s.tasks[id]; existing != nil && !existing.Status.Terminal() {
				return id, nil
			}
		}
	}

	t := &task.Task{
		ID:          uuid.NewString(),
		Type:        n.Type,
		Payload:     append(json.RawMessage(nil), n.Payload...),
		ResourceKey: n.ResourceKey,
		Domain:      n.Domain,
		Status:      task.StatusPending,
		MaxAttempts: n.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
		ScheduledAt: n.ScheduledAt,
		DedupeKey:   n.DedupeKey,
	}
	s.tasks[t.ID] = t
	if n.DedupeKey != "" {
		s.dedupe[n.DedupeKey] = t.ID
	}
	return t.ID, nil
}

func (s *MemoryStore) ClaimNext(_ context.Context, workerID string, resourceKeys []string) (*task.Task, error) {
	now := s.now()
	allowed := make(map[string]bool, len(resourceKeys))
	for _, k := range resourceKeys {
		allowed[task.NormalizeResourceKey(k)] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var next *task.Task
	for _, t := range s.tasks {
		if t.Status != task.StatusPending || t.ScheduledAt.After(now) {
			continue
		}
		if len(allowed) > 0 && !allowed[t.ResourceKey] {
			continue
		}
		if next == nil || fifoBefore(t, next) {
			next = t
		}
	}
	if next == nil {
		return nil, nil
	}

	next.Status = task.StatusInProgress
	next.ClaimedBy = workerID
	next.ClaimedAt = &now
	hb := now
	next.LastHeartbeatAt = &hb
	next.FlaggedAt = nil
	next.ClaimEpoch++
	next.UpdatedAt = now
	return next.Clone(), nil
}

func fifoBefore(a, b *task.Task) bool {
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// leased returns the task if lease still owns it. Caller holds mu.
func (s *MemoryStore) leased(lease task.Lease) (*task.Task, error) {
	t, ok := s.tasks[lease.TaskID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != task.StatusInProgress || t.ClaimedBy != lease.WorkerID || t.ClaimEpoch != lease.Epoch {
		return nil, ErrLeaseLost
	}
	return t, nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, lease task.Lease) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.leased(lease)
	if err != nil {
		return err
	}
	t.LastHeartbeatAt = &now
	t.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, lease task.Lease, result json.RawMessage) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.leased(lease)
	if err != nil {
		return err
	}
	t.Status = task.StatusCompleted
	t.CompletedAt = &now
	t.UpdatedAt = now
	t.Result = append(json.RawMessage(nil), result...)
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, lease task.Lease, f Failure) (FailResult, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.leased(lease)
	if err != nil {
		return FailResult{}, err
	}
	return s.applyFailure(t, f, now), nil
}

// applyFailure transitions an IN_PROGRESS task after a failed attempt. Caller holds mu.
func (s *MemoryStore) applyFailure(t *task.Task, f Failure, now time.Time) FailResult {
	status, attempts, scheduledAt := failTarget(t, f, now)
	t.Status = status
	t.Attempts = attempts
	t.ScheduledAt = scheduledAt
	t.LastError = task.TruncateError(f.Err)
	t.FlaggedAt = nil
	t.UpdatedAt = now
	if status == task.StatusPending {
		t.ClaimedBy = ""
		t.ClaimedAt = nil
	}
	return FailResult{Status: status, Attempts: attempts, ScheduledAt: scheduledAt}
}

func (s *MemoryStore) Release(_ context.Context, lease task.Lease, delay time.Duration) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.leased(lease)
	if err != nil {
		return err
	}
	t.Status = task.StatusPending
	t.ScheduledAt = now.Add(delay)
	t.ClaimedBy = ""
	t.ClaimedAt = nil
	t.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// transition checks and applies a status-only edge. Caller holds mu.
func (s *MemoryStore) transition(id string, to task.Status) (*task.Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := task.CheckTransition(t.Status, to); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *MemoryStore) Cancel(_ context.Context, id string) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.transition(id, task.StatusCancelled)
	if err != nil {
		return err
	}
	t.Status = task.StatusCancelled
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

func (s *MemoryStore) ListDeadLetter(_ context.Context, f Filter) ([]*task.Task, error) {
	s.mu.Lock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.Status != task.StatusDeadLetter {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		if f.ResourceKey != "" && t.ResourceKey != task.NormalizeResourceKey(f.ResourceKey) {
			continue
		}
		out = append(out, t.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, f.Offset, f.limit()), nil
}

func page(in []*task.Task, offset, limit int) []*task.Task {
	if offset >= len(in) {
		return []*task.Task{}
	}
	if offset < 0 {
		offset = 0
	}
	end := offset + limit
	if end > len(in) {
		end = len(in)
	}
	return in[offset:end]
}

func stuckSince(t *task.Task) time.Time {
	if t.LastHeartbeatAt != nil {
		return *t.LastHeartbeatAt
	}
	if t.ClaimedAt != nil {
		return *t.ClaimedAt
	}
	return t.UpdatedAt
}

func (s *MemoryStore) isStuck(t *task.Task, cutoff time.Time) bool {
	return t.Status == task.StatusInProgress && stuckSince(t).Before(cutoff)
}

func (s *MemoryStore) ListStuck(_ context.Context, threshold time.Duration) ([]*task.Task, error) {
	cutoff := s.now().Add(-threshold)
	s.mu.Lock()
	var out []*task.Task
	for _, t := range s.tasks {
		if s.isStuck(t, cutoff) {
			out = append(out, t.Clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return stuckSince(out[i]).Before(stuckSince(out[j])) })
	return out, nil
}

func (s *MemoryStore) RecoverStuck(_ context.Context, id string, threshold time.Duration, delay DelayFunc) (FailResult, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return FailResult{}, ErrNotFound
	}
	if !s.isStuck(t, now.Add(-threshold)) {
		return FailResult{}, ErrNotStuck
	}
	msg := fmt.Sprintf("abandoned by worker %s: no heartbeat since %s", t.ClaimedBy, stuckSince(t).Format(time.RFC3339))
	return s.applyFailure(t, Failure{Err: msg, Delay: delay}, now), nil
}

func (s *MemoryStore) FlagStuck(_ context.Context, id string, threshold time.Duration) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if !s.isStuck(t, now.Add(-threshold)) {
		return ErrNotStuck
	}
	if t.FlaggedAt == nil {
		t.FlaggedAt = &now
		t.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) Requeue(_ context.Context, id string, payload json.RawMessage) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.transition(id, task.StatusPending)
	if err != nil {
		return err
	}
	if t.Status != task.StatusDeadLetter {
		return fmt.Errorf("%w: %s is not dead-lettered", task.ErrInvalidTransition, id)
	}
	if payload != nil {
		t.Payload = append(json.RawMessage(nil), payload...)
	}
	t.Status = task.StatusPending
	t.Attempts = 0
	t.ScheduledAt = now
	t.ClaimedBy = ""
	t.ClaimedAt = nil
	t.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Skip(_ context.Context, id string, reason string) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.transition(id, task.StatusSkipped)
	if err != nil {
		return err
	}
	t.Status = task.StatusSkipped
	t.Result = skipResult(reason)
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

func (s *MemoryStore) ListTerminal(_ context.Context, f ArchiveFilter) ([]*task.Task, error) {
	s.mu.Lock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.Status.Terminal() && t.UpdatedAt.Before(f.Before) {
			out = append(out, t.Clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, f.Offset, Filter{Limit: f.Limit}.limit()), nil
}

func (s *MemoryStore) Counts(_ context.Context) (map[task.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[task.Status]int)
	for _, t := range s.tasks {
		out[t.Status]++
	}
	return out, nil
}
