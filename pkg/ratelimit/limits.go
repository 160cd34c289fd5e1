// Package ratelimit enforces sliding-window call ceilings per resource key.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/task"
)

const (
	minute = time.Minute
	hour   = time.Hour
)

// Limit is the ceiling for one resource key. DomainPerMinute bounds calls
// to a single domain behind the resource; zero means half of PerMinute.
type Limit struct {
	PerMinute       int `yaml:"requests_per_minute" json:"requests_per_minute"`
	PerHour         int `yaml:"requests_per_hour" json:"requests_per_hour"`
	DomainPerMinute int `yaml:"domain_requests_per_minute,omitempty" json:"domain_requests_per_minute,omitempty"`
}

// DefaultLimit applies to keys without an explicit entry.
func DefaultLimit() Limit {
	return Limit{PerMinute: 10, PerHour: 500}
}

func (l Limit) domainPerMinute() int {
	if l.DomainPerMinute > 0 {
		return l.DomainPerMinute
	}
	if half := l.PerMinute / 2; half > 0 {
		return half
	}
	return 1
}

func (l Limit) withDefaults(def Limit) Limit {
	if l.PerMinute <= 0 {
		l.PerMinute = def.PerMinute
	}
	if l.PerHour <= 0 {
		l.PerHour = def.PerHour
	}
	return l
}

// Table resolves the Limit for a key. It is safe for concurrent use and
// can be replaced at runtime.
type Table struct {
	mu   sync.RWMutex
	def  Limit
	keys map[string]Limit
}

func NewTable(def Limit, keys map[string]Limit) *Table {
	t := &Table{}
	t.Set(def, keys)
	return t
}

// Set replaces the default and per-key limits.
func (t *Table) Set(def Limit, keys map[string]Limit) {
	def = def.withDefaults(DefaultLimit())
	norm := make(map[string]Limit, len(keys))
	for k, v := range keys {
		norm[task.NormalizeResourceKey(k)] = v.withDefaults(def)
	}
	t.mu.Lock()
	t.def = def
	t.keys = norm
	t.mu.Unlock()
}

// For returns the limit for key, falling back to the default.
func (t *Table) For(key string) Limit {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if l, ok := t.keys[key]; ok {
		return l
	}
	return t.def
}

// Decision is the outcome of a Check. A rejection is a value, not an error.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

func allow() Decision { return Decision{Allowed: true} }

func reject(retryAfter time.Duration, format string, args ...any) Decision {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return Decision{Reason: fmt.Sprintf(format, args...), RetryAfter: retryAfter}
}

// Stats reports current usage for a resource key.
type Stats struct {
	Key             string `json:"key"`
	Limit           Limit  `json:"limits"`
	LastMinute      int    `json:"requests_last_minute"`
	LastHour        int    `json:"requests_last_hour"`
	RemainingMinute int    `json:"remaining_minute"`
	RemainingHour   int    `json:"remaining_hour"`
}

func newStats(key string, l Limit, lastMinute, lastHour int) Stats {
	return Stats{
		Key:             key,
		Limit:           l,
		LastMinute:      lastMinute,
		LastHour:        lastHour,
		RemainingMinute: max(0, l.PerMinute-lastMinute),
		RemainingHour:   max(0, l.PerHour-lastHour),
	}
}

// Limiter checks and records calls. Check never consumes budget; Record
// is called once the guarded call is actually made. Reserve does both in
// one step, so concurrent callers cannot all pass on the last unit.
type Limiter interface {
	Check(ctx context.Context, key, domain string) (Decision, error)
	Reserve(ctx context.Context, key, domain string) (Decision, error)
	Record(ctx context.Context, key, domain string) error
	Stats(ctx context.Context, key string) (Stats, error)
}
