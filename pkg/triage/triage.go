// Package triage holds the explicit, audited operator actions on
// dead-lettered and stuck tasks.
package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/audit"
	"github.com/Mindburn-Labs/conveyor/pkg/retry"
	"github.com/Mindburn-Labs/conveyor/pkg/store"
	"github.com/Mindburn-Labs/conveyor/pkg/task"
)

var (
	ErrReasonRequired  = errors.New("skip reason is required")
	ErrPayloadRequired = errors.New("payload is required")
)

// Action names used in audit events.
const (
	ActionRetry         = "retry"
	ActionUpdatePayload = "update_payload"
	ActionSkip          = "skip"
	ActionCancel        = "cancel"
	ActionRecoverStuck  = "recover_stuck"
)

// Validator checks a payload against the contract of its task type.
type Validator interface {
	Validate(typ string, payload json.RawMessage) error
}

type Option func(*Service)

// WithValidator enables payload validation for UpdatePayloadAndRetry.
func WithValidator(v Validator) Option {
	return func(s *Service) { s.validator = v }
}

func WithRetryPolicy(p retry.Policy, src retry.JitterSource) Option {
	return func(s *Service) {
		s.policy = p
		s.jitter = src
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service applies operator actions. Each one touches a single task and is
// recorded in the audit log under the acting principal.
type Service struct {
	store     store.Store
	audit     audit.Logger
	validator Validator
	policy    retry.Policy
	jitter    retry.JitterSource
	log       *slog.Logger
	now       func() time.Time
}

func NewService(st store.Store, auditLog audit.Logger, opts ...Option) *Service {
	s := &Service{
		store:  st,
		audit:  auditLog,
		policy: retry.DefaultPolicy(),
		jitter: retry.SeededJitter{},
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "triage")
	return s
}

func (s *Service) record(ctx context.Context, action, id string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, audit.EventTriage, action, "task:"+id, meta); err != nil {
		s.log.ErrorContext(ctx, "failed to record audit event", "action", action, "task_id", id, "error", err)
	}
}

// Retry moves a dead-lettered task back to PENDING with a fresh attempt budget.
func (s *Service) Retry(ctx context.Context, id string) error {
	prev, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Requeue(ctx, id, nil); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "dead-letter task retried", "task_id", id, "task_type", prev.Type, "resource_key", prev.ResourceKey)
	s.record(ctx, ActionRetry, id, map[string]any{"previous_attempts": prev.Attempts, "last_error": prev.LastError})
	return nil
}

// UpdatePayloadAndRetry replaces the payload of a dead-lettered task and
// requeues it.
func (s *Service) UpdatePayloadAndRetry(ctx context.Context, id string, payload json.RawMessage) error {
	if len(payload) == 0 {
		return ErrPayloadRequired
	}
	if !json.Valid(payload) {
		return fmt.Errorf("%w: payload is not valid JSON", task.ErrInvalidTask)
	}
	prev, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.validator != nil {
		if err := s.validator.Validate(prev.Type, payload); err != nil {
			return err
		}
	}
	if err := s.store.Requeue(ctx, id, payload); err != nil {
		return err
	}
	oldFP, _ := task.Fingerprint(prev.Payload)
	newFP, _ := task.Fingerprint(payload)
	s.log.InfoContext(ctx, "dead-letter task retried with new payload", "task_id", id, "task_type", prev.Type)
	s.record(ctx, ActionUpdatePayload, id, map[string]any{
		"previous_attempts":   prev.Attempts,
		"previous_payload_fp": oldFP,
		"payload_fp":          newFP,
	})
	return nil
}

// Skip closes a dead-lettered task for good.
func (s *Service) Skip(ctx context.Context, id, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ErrReasonRequired
	}
	if err := s.store.Skip(ctx, id, reason); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "dead-letter task skipped", "task_id", id, "reason", reason)
	s.record(ctx, ActionSkip, id, map[string]any{"reason": reason})
	return nil
}

// Cancel withdraws a PENDING task.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if err := s.store.Cancel(ctx, id); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "task cancelled", "task_id", id)
	s.record(ctx, ActionCancel, id, nil)
	return nil
}

// RecoverStuck requeues (or dead-letters) an IN_PROGRESS task whose worker
// has been silent for longer than threshold, consuming one attempt.
func (s *Service) RecoverStuck(ctx context.Context, id string, threshold time.Duration) (store.FailResult, error) {
	res, err := s.store.RecoverStuck(ctx, id, threshold, s.policy.Backoff(s.jitter, id))
	if err != nil {
		return res, err
	}
	s.log.InfoContext(ctx, "stuck task recovered", "task_id", id, "status", string(res.Status), "attempts", res.Attempts)
	s.record(ctx, ActionRecoverStuck, id, map[string]any{"status": string(res.Status), "attempts": res.Attempts})
	return res, nil
}

// MatchRequest selects dead-lettered tasks for RetryMatching.
type MatchRequest struct {
	Type        string `json:"type,omitempty"`
	ResourceKey string `json:"resource,omitempty"`
	Expr        string `json:"expr,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	// DryRun reports matches without retrying them.
	DryRun bool `json:"dry_run,omitempty"`
}

// MatchResult lists what RetryMatching did. Failed holds tasks the
// expression could not be evaluated on as well as retries that failed.
type MatchResult struct {
	Matched []string          `json:"matched"`
	Retried []string          `json:"retried"`
	Failed  map[string]string `json:"failed,omitempty"`
}

func (r *MatchResult) fail(id string, err error) {
	if r.Failed == nil {
		r.Failed = map[string]string{}
	}
	r.Failed[id] = err.Error()
}

// RetryMatching retries the dead-lettered tasks on one page of the
// filtered dead-letter list that also satisfy req.Expr. The whole page is
// evaluated before anything is retried; a task the expression errors on
// is reported in Failed and left alone. Each retry is a separate audited
// action.
func (s *Service) RetryMatching(ctx context.Context, req MatchRequest) (MatchResult, error) {
	res := MatchResult{Matched: []string{}, Retried: []string{}}
	m, err := Compile(req.Expr)
	if err != nil {
		return res, err
	}
	candidates, err := s.store.ListDeadLetter(ctx, store.Filter{
		Type:        req.Type,
		ResourceKey: req.ResourceKey,
		Limit:       req.Limit,
	})
	if err != nil {
		return res, err
	}

	now := s.now()
	for _, t := range candidates {
		ok, err := m.Match(t, now)
		if err != nil {
			res.fail(t.ID, err)
			continue
		}
		if ok {
			res.Matched = append(res.Matched, t.ID)
		}
	}
	if !req.DryRun {
		for _, id := range res.Matched {
			if err := s.Retry(ctx, id); err != nil {
				res.fail(id, err)
				continue
			}
			res.Retried = append(res.Retried, id)
		}
	}
	s.log.InfoContext(ctx, "retry-matching finished", "expr", req.Expr, "type", req.Type,
		"resource_key", req.ResourceKey, "matched", len(res.Matched), "retried", len(res.Retried), "failed", len(res.Failed))
	return res, nil
}
