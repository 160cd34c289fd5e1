// Package task defines the durable unit of work and its status state machine.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusDeadLetter Status = "DEAD_LETTER"
	StatusCancelled  Status = "CANCELLED"
	StatusSkipped    Status = "SKIPPED"
)

// DefaultMaxAttempts applies when a task is enqueued without an explicit budget.
const DefaultMaxAttempts = 3

// MaxErrorLength bounds the stored last_error text.
const MaxErrorLength = 1000

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidTask       = errors.New("invalid task")
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusPending, StatusDeadLetter},
	StatusDeadLetter: {StatusPending, StatusSkipped},
}

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{StatusPending, StatusInProgress, StatusCompleted, StatusDeadLetter, StatusCancelled, StatusSkipped}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses() {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusSkipped
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition wrapped with the offending edge.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Task is a persisted unit of work.
type Task struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	ResourceKey     string          `json:"resource_key"`
	Domain          string          `json:"domain,omitempty"`
	Status          Status          `json:"status"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"max_attempts"`
	ClaimEpoch      int64           `json:"claim_epoch"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ScheduledAt     time.Time       `json:"scheduled_at"`
	ClaimedAt       *time.Time      `json:"claimed_at,omitempty"`
	ClaimedBy       string          `json:"claimed_by,omitempty"`
	LastHeartbeatAt *time.Time      `json:"last_heartbeat_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	FlaggedAt       *time.Time      `json:"flagged_at,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	DedupeKey       string          `json:"dedupe_key,omitempty"`
}

// Lease returns the ownership token the current claimant must present.
func (t *Task) Lease() Lease {
	return Lease{TaskID: t.ID, WorkerID: t.ClaimedBy, Epoch: t.ClaimEpoch}
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Payload = cloneRaw(t.Payload)
	c.Result = cloneRaw(t.Result)
	c.ClaimedAt = cloneTime(t.ClaimedAt)
	c.LastHeartbeatAt = cloneTime(t.LastHeartbeatAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.FlaggedAt = cloneTime(t.FlaggedAt)
	return &c
}

// Lease identifies one claim of a task. Epoch increases on every claim so a
// worker whose task was recovered and re-claimed can no longer mutate it.
type Lease struct {
	TaskID   string
	WorkerID string
	Epoch    int64
}

// NewTask is the enqueue request.
type NewTask struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	ResourceKey string          `json:"resource_key"`
	Domain      string          `json:"domain,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	ScheduledAt time.Time       `json:"scheduled_at,omitempty"`
	DedupeKey   string          `json:"dedupe_key,omitempty"`
}

// Normalize fills defaults and validates the request.
func (n NewTask) Normalize(now time.Time) (NewTask, error) {
	n.Type = strings.TrimSpace(n.Type)
	if n.Type == "" {
		return n, fmt.Errorf("%w: type is required", ErrInvalidTask)
	}
	n.ResourceKey = NormalizeResourceKey(n.ResourceKey)
	if n.ResourceKey == "" {
		return n, fmt.Errorf("%w: resource_key is required", ErrInvalidTask)
	}
	n.Domain = NormalizeResourceKey(n.Domain)
	if len(n.Payload) == 0 {
		n.Payload = json.RawMessage(`{}`)
	}
	if !json.Valid(n.Payload) {
		return n, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidTask)
	}
	if n.MaxAttempts < 0 {
		return n, fmt.Errorf("%w: max_attempts must be positive", ErrInvalidTask)
	}
	if n.MaxAttempts == 0 {
		n.MaxAttempts = DefaultMaxAttempts
	}
	if n.ScheduledAt.IsZero() {
		n.ScheduledAt = now
	}
	n.ScheduledAt = n.ScheduledAt.UTC()
	return n, nil
}

// TruncateError clips an error message to MaxErrorLength bytes on a rune boundary.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorLength {
		return msg
	}
	cut := MaxErrorLength
	for cut > 0 && !utf8RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
