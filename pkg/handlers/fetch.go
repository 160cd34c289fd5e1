// Package handlers holds the task handlers the conveyor binary registers
// out of the box.
package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/retry"
	"github.com/Mindburn-Labs/conveyor/pkg/task"
	"github.com/Mindburn-Labs/conveyor/pkg/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// FetchType is the task type of the HTTP fetch handler.
const FetchType = "http.fetch"

// maxFetchBytes caps how much of a response body is hashed.
const maxFetchBytes = 10 << 20

// FetchSchema constrains http.fetch payloads.
const FetchSchema = `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": {"type": "string", "minLength": 1},
    "method": {"enum": ["GET", "HEAD"]},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}}
  },
  "additionalProperties": false
}`

// FetchRequest is the http.fetch payload.
type FetchRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// FetchResult is stored as the task result.
type FetchResult struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Bytes       int64  `json:"bytes"`
	SHA256      string `json:"sha256,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// Fetcher performs HTTP requests for http.fetch tasks. Retries and circuit
// breaking are left to the engine; the fetcher only classifies outcomes.
type Fetcher struct {
	client *http.Client
}

func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{client: client}
}

// Register adds the built-in handlers to reg.
func Register(reg *worker.Registry, f *Fetcher) error {
	if f == nil {
		f = NewFetcher(nil)
	}
	return worker.Handle(reg, FetchType, f.Fetch, worker.WithSchema(FetchSchema))
}

// Fetch requests req.URL and classifies failures with retry.Classify.
func (f *Fetcher) Fetch(ctx context.Context, req FetchRequest) task.Outcome {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return retry.Classify(fmt.Errorf("%w: url %q", retry.ErrMalformed, req.URL))
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return retry.Classify(fmt.Errorf("%w: %v", retry.ErrMalformed, err))
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return retry.Classify(fmt.Errorf("fetch %s: %w", u.Host, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return retry.Classify(&retry.StatusError{
			Code: resp.StatusCode,
			Err:  fmt.Errorf("fetch %s", u.Host),
		})
	}

	h := sha256.New()
	n, err := io.Copy(h, io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return task.Retryable(fmt.Errorf("read body: %w", err))
	}
	res := FetchResult{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Bytes:       n,
	}
	if n > maxFetchBytes {
		res.Bytes = maxFetchBytes
		res.Truncated = true
	} else if method != http.MethodHead {
		res.SHA256 = hex.EncodeToString(h.Sum(nil))
	}
	return task.SuccessValue(res)
}
