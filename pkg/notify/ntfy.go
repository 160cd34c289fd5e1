// Package notify pushes operator alerts to an ntfy server.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/task"
)

const (
	PriorityUrgent  = "urgent"
	PriorityHigh    = "high"
	PriorityDefault = "default"
	PriorityLow     = "low"
)

// NtfyClient sends notifications to one ntfy topic.
type NtfyClient struct {
	serverURL string
	topic     string
	token     string
	http      *http.Client
}

// Option configures an NtfyClient.
type Option func(*NtfyClient)

// WithToken sets a bearer token for protected topics.
func WithToken(token string) Option {
	return func(c *NtfyClient) { c.token = token }
}

// WithHTTPClient replaces the default 10s-timeout client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *NtfyClient) { c.http = h }
}

// NewNtfyClient creates a client for serverURL/topic.
func NewNtfyClient(serverURL, topic string, opts ...Option) *NtfyClient {
	c := &NtfyClient{
		serverURL: strings.TrimRight(serverURL, "/"),
		topic:     topic,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send posts message with a title, priority and tags.
func (c *NtfyClient) Send(ctx context.Context, title, message, priority string, tags ...string) error {
	url := fmt.Sprintf("%s/%s", c.serverURL, c.topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(message))
	if err != nil {
		return err
	}
	req.Header.Set("Title", title)
	if priority != "" {
		req.Header.Set("Priority", priority)
	}
	if len(tags) > 0 {
		req.Header.Set("Tags", strings.Join(tags, ","))
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ntfy request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ntfy request failed: status %d, body: %s", resp.StatusCode, string(body))
	}
	return nil
}

// DeadLetterNotifier alerts operators when a task lands in the
// dead-letter queue. Delivery errors are returned to the caller, which
// logs them; they never affect the task.
type DeadLetterNotifier struct {
	client *NtfyClient
	log    *slog.Logger
}

func NewDeadLetterNotifier(client *NtfyClient, log *slog.Logger) *DeadLetterNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &DeadLetterNotifier{client: client, log: log.With("component", "notify")}
}

// NotifyDeadLetter sends one alert for t.
func (n *DeadLetterNotifier) NotifyDeadLetter(ctx context.Context, t *task.Task, reason string) error {
	title := fmt.Sprintf("Task dead-lettered: %s", t.Type)
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s on %s failed %d/%d attempts", t.ID, t.ResourceKey, t.Attempts, t.MaxAttempts)
	if reason != "" {
		fmt.Fprintf(&b, " (%s)", reason)
	}
	if t.LastError != "" {
		fmt.Fprintf(&b, ".\nLast error: %s", t.LastError)
	}
	if err := n.client.Send(ctx, title, b.String(), PriorityHigh, "warning", t.ResourceKey); err != nil {
		return err
	}
	n.log.DebugContext(ctx, "dead-letter alert sent", "task_id", t.ID)
	return nil
}
