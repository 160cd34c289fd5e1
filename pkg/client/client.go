// Package client provides a typed Go client for the conveyor admin API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/admin"
	"github.com/Mindburn-Labs/conveyor/pkg/api"
	"github.com/Mindburn-Labs/conveyor/pkg/audit"
	"github.com/Mindburn-Labs/conveyor/pkg/breaker"
	"github.com/Mindburn-Labs/conveyor/pkg/store"
	"github.com/Mindburn-Labs/conveyor/pkg/task"
	"github.com/Mindburn-Labs/conveyor/pkg/triage"
)

// APIError is returned when the API responds with a non-2xx status.
type APIError struct {
	Status  int
	Title   string
	Detail  string
	TraceID string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("conveyor api %d: %s", e.Status, e.Title)
	}
	return fmt.Sprintf("conveyor api %d: %s: %s", e.Status, e.Title, e.Detail)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client is a typed client for the admin API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.Token = token }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// New creates a client for baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any, header ...string) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var problem api.ProblemDetail
		if err := json.NewDecoder(resp.Body).Decode(&problem); err == nil && problem.Title != "" {
			return &APIError{Status: resp.StatusCode, Title: problem.Title, Detail: problem.Detail, TraceID: problem.TraceID}
		}
		return &APIError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Enqueue calls POST /v1/tasks. A non-empty idempotencyKey is sent as the
// Idempotency-Key header.
func (c *Client) Enqueue(ctx context.Context, n task.NewTask, idempotencyKey string) (string, error) {
	var out admin.EnqueueResponse
	var header []string
	if idempotencyKey != "" {
		header = []string{admin.IdempotencyHeader, idempotencyKey}
	}
	err := c.do(ctx, http.MethodPost, "/v1/tasks", n, &out, header...)
	return out.ID, err
}

// GetTask calls GET /v1/tasks/{id}.
func (c *Client) GetTask(ctx context.Context, id string) (*admin.TaskView, error) {
	var out admin.TaskView
	err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(id), nil, &out)
	return &out, err
}

// Cancel calls POST /v1/tasks/{id}/cancel.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// ListDeadLetter calls GET /v1/dead-letter.
func (c *Client) ListDeadLetter(ctx context.Context, f store.Filter) (*admin.TaskList, error) {
	q := url.Values{}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	if f.ResourceKey != "" {
		q.Set("resource", f.ResourceKey)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	var out admin.TaskList
	err := c.do(ctx, http.MethodGet, withQuery("/v1/dead-letter", q), nil, &out)
	return &out, err
}

// Triage calls POST /v1/dead-letter/{id}/triage.
func (c *Client) Triage(ctx context.Context, id string, req admin.TriageRequest) (*task.Task, error) {
	var out task.Task
	err := c.do(ctx, http.MethodPost, "/v1/dead-letter/"+url.PathEscape(id)+"/triage", req, &out)
	return &out, err
}

// RetryMatching calls POST /v1/dead-letter/retry-matching.
func (c *Client) RetryMatching(ctx context.Context, req triage.MatchRequest) (*triage.MatchResult, error) {
	var out triage.MatchResult
	err := c.do(ctx, http.MethodPost, "/v1/dead-letter/retry-matching", req, &out)
	return &out, err
}

// ListStuck calls GET /v1/stuck. A zero threshold uses the server default.
func (c *Client) ListStuck(ctx context.Context, threshold time.Duration) ([]*task.Task, error) {
	var out admin.TaskList
	err := c.do(ctx, http.MethodGet, withQuery("/v1/stuck", thresholdQuery(threshold)), nil, &out)
	return out.Tasks, err
}

// RecoverStuck calls POST /v1/stuck/{id}/recover.
func (c *Client) RecoverStuck(ctx context.Context, id string, threshold time.Duration) (*store.FailResult, error) {
	var out store.FailResult
	path := withQuery("/v1/stuck/"+url.PathEscape(id)+"/recover", thresholdQuery(threshold))
	err := c.do(ctx, http.MethodPost, path, nil, &out)
	return &out, err
}

// ListResources calls GET /v1/resources.
func (c *Client) ListResources(ctx context.Context) ([]breaker.Snapshot, error) {
	var out []breaker.Snapshot
	err := c.do(ctx, http.MethodGet, "/v1/resources", nil, &out)
	return out, err
}

// GetResource calls GET /v1/resources/{key}.
func (c *Client) GetResource(ctx context.Context, key string) (*admin.ResourceView, error) {
	var out admin.ResourceView
	err := c.do(ctx, http.MethodGet, "/v1/resources/"+url.PathEscape(key), nil, &out)
	return &out, err
}

// ResourceAction calls POST /v1/resources/{key}/{action} where action is
// pause, resume or reset.
func (c *Client) ResourceAction(ctx context.Context, key, action string) (*admin.ResourceView, error) {
	switch action {
	case "pause", "resume", "reset":
	default:
		return nil, fmt.Errorf("unknown resource action %q", action)
	}
	var out admin.ResourceView
	err := c.do(ctx, http.MethodPost, "/v1/resources/"+url.PathEscape(key)+"/"+action, nil, &out)
	return &out, err
}

// ListAudit calls GET /v1/audit.
func (c *Client) ListAudit(ctx context.Context, resource string, since time.Time, limit int) ([]audit.Event, error) {
	q := url.Values{}
	if resource != "" {
		q.Set("resource", resource)
	}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []audit.Event
	err := c.do(ctx, http.MethodGet, withQuery("/v1/audit", q), nil, &out)
	return out, err
}

func thresholdQuery(d time.Duration) url.Values {
	q := url.Values{}
	if d > 0 {
		q.Set("threshold", d.String())
	}
	return q
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
