package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/api"
	"github.com/Mindburn-Labs/conveyor/pkg/audit"
	"github.com/Mindburn-Labs/conveyor/pkg/breaker"
	"github.com/Mindburn-Labs/conveyor/pkg/ratelimit"
	"github.com/Mindburn-Labs/conveyor/pkg/retry"
	"github.com/Mindburn-Labs/conveyor/pkg/store"
	"github.com/Mindburn-Labs/conveyor/pkg/task"
	"github.com/Mindburn-Labs/conveyor/pkg/triage"
	"github.com/Mindburn-Labs/conveyor/pkg/worker"
)

// IdempotencyHeader carries a dedupe key when the body has none.
const IdempotencyHeader = "Idempotency-Key"

// Triage actions accepted by POST /v1/dead-letter/{id}/triage.
const (
	TriageRetry         = "retry"
	TriageUpdatePayload = "update_payload"
	TriageSkip          = "skip"
)

const (
	actionPause  = "pause"
	actionResume = "resume"
	actionReset  = "reset"
)

// TaskView is a task plus the retry schedule it would follow if every
// remaining attempt failed.
type TaskView struct {
	*task.Task
	RetrySchedule []retry.Step `json:"retry_schedule,omitempty"`
}

// TaskList is a page of tasks.
type TaskList struct {
	Tasks  []*task.Task `json:"tasks"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// EnqueueResponse is returned by POST /v1/tasks.
type EnqueueResponse struct {
	ID string `json:"id"`
}

// TriageRequest is the body of POST /v1/dead-letter/{id}/triage.
type TriageRequest struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// ResourceView combines circuit and rate budget state for one key.
type ResourceView struct {
	Key       string           `json:"key"`
	Circuit   breaker.Snapshot `json:"circuit"`
	RateLimit *ratelimit.Stats `json:"rate_limit,omitempty"`
}

// writeErr maps domain errors to problem responses.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		api.WriteErrorR(w, r, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, store.ErrNotStuck),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrLeaseLost):
		api.WriteErrorR(w, r, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, task.ErrInvalidTask),
		errors.Is(err, worker.ErrInvalidPayload),
		errors.Is(err, worker.ErrUnknownType),
		errors.Is(err, triage.ErrReasonRequired),
		errors.Is(err, triage.ErrPayloadRequired):
		api.WriteErrorR(w, r, http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error())
	case errors.Is(err, triage.ErrInvalidExpression):
		api.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
	default:
		s.log.ErrorContext(r.Context(), "admin request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		api.WriteInternal(w, err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		api.WriteBadRequest(w, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func (s *Server) recordAudit(r *http.Request, typ audit.EventType, action, resource string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(r.Context(), typ, action, resource, meta); err != nil {
		s.log.ErrorContext(r.Context(), "failed to record audit event", "action", action, "resource", resource, "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.Counts(r.Context()); err != nil {
		s.log.WarnContext(r.Context(), "health check failed", "error", err)
		api.WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "task store unreachable")
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req task.NewTask
	if !decode(w, r, &req) {
		return
	}
	if req.DedupeKey == "" {
		req.DedupeKey = r.Header.Get(IdempotencyHeader)
	}
	if s.validator != nil {
		if err := s.validator.Validate(req.Type, req.Payload); err != nil {
			s.writeErr(w, r, err)
			return
		}
	}
	id, err := s.store.Enqueue(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.recordAudit(r, audit.EventTask, "enqueue", "task:"+id, map[string]any{
		"type":         req.Type,
		"resource_key": req.ResourceKey,
	})
	w.Header().Set("Location", "/v1/tasks/"+id)
	api.WriteJSON(w, http.StatusCreated, EnqueueResponse{ID: id})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	view := TaskView{Task: t}
	if t.Status == task.StatusPending || t.Status == task.StatusInProgress {
		view.RetrySchedule = s.policy.Plan(s.jitter, t.ID, t.Attempts, t.MaxAttempts, s.now())
	}
	api.WriteJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.triage.Cancel(r.Context(), r.PathValue("id")); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDeadLetter(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", store.DefaultListLimit)
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	limit = min(max(limit, 1), store.MaxListLimit)
	q := r.URL.Query()
	tasks, err := s.store.ListDeadLetter(r.Context(), store.Filter{
		Type:        q.Get("type"),
		ResourceKey: q.Get("resource"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	api.WriteJSON(w, http.StatusOK, TaskList{Tasks: tasks, Limit: limit, Offset: offset})
}

func (s *Server) handleTriage(w http.ResponseWriter, r *http.Request) {
	var req TriageRequest
	if !decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")

	var err error
	switch req.Action {
	case TriageRetry:
		err = s.triage.Retry(r.Context(), id)
	case TriageUpdatePayload:
		err = s.triage.UpdatePayloadAndRetry(r.Context(), id, req.Payload)
	case TriageSkip:
		err = s.triage.Skip(r.Context(), id, req.Reason)
	default:
		api.WriteBadRequest(w, fmt.Sprintf("unknown action %q (want retry, update_payload or skip)", req.Action))
		return
	}
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	t, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, t)
}

func (s *Server) handleRetryMatching(w http.ResponseWriter, r *http.Request) {
	var req triage.MatchRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.triage.RetryMatching(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) threshold(r *http.Request) (time.Duration, error) {
	v := r.URL.Query().Get("threshold")
	if v == "" {
		return s.stuckThreshold, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("threshold must be a positive duration such as 5m")
	}
	return d, nil
}

func (s *Server) handleListStuck(w http.ResponseWriter, r *http.Request) {
	threshold, err := s.threshold(r)
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	tasks, err := s.store.ListStuck(r.Context(), threshold)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	api.WriteJSON(w, http.StatusOK, TaskList{Tasks: tasks, Limit: len(tasks)})
}

func (s *Server) handleRecoverStuck(w http.ResponseWriter, r *http.Request) {
	threshold, err := s.threshold(r)
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	res, err := s.triage.RecoverStuck(r.Context(), r.PathValue("id"), threshold)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	if s.breakers == nil {
		api.WriteJSON(w, http.StatusOK, []breaker.Snapshot{})
		return
	}
	api.WriteJSON(w, http.StatusOK, s.breakers.List())
}

func (s *Server) resourceView(r *http.Request, key string) (ResourceView, error) {
	key = task.NormalizeResourceKey(key)
	view := ResourceView{Key: key}
	if s.breakers != nil {
		view.Circuit = s.breakers.Snapshot(key)
	}
	if s.limiter != nil {
		stats, err := s.limiter.Stats(r.Context(), key)
		if err != nil {
			return view, err
		}
		view.RateLimit = &stats
	}
	return view, nil
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	view, err := s.resourceView(r, r.PathValue("key"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, view)
}

func (s *Server) handleResourceAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.breakers == nil {
			api.WriteConflict(w, "circuit breakers are not enabled")
			return
		}
		key := task.NormalizeResourceKey(r.PathValue("key"))
		if key == "" {
			api.WriteBadRequest(w, "resource key is required")
			return
		}
		switch action {
		case actionPause:
			s.breakers.Pause(key)
		case actionResume:
			s.breakers.Resume(key)
		case actionReset:
			s.breakers.Reset(key)
		}
		s.log.InfoContext(r.Context(), "resource action", "action", action, "resource_key", key)
		s.recordAudit(r, audit.EventResource, action, "resource:"+key, nil)

		view, err := s.resourceView(r, key)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, view)
	}
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		api.WriteError(w, http.StatusNotImplemented, "Not Implemented", "audit store is not configured")
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	q := audit.Query{Resource: r.URL.Query().Get("resource"), Limit: limit}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			api.WriteBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		q.Since = since
	}
	events, err := s.auditLog.List(r.Context(), q)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	api.WriteJSON(w, http.StatusOK, events)
}
