package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/task"
)

// MemoryLimiter keeps call timestamps in process. Budgets are per instance.
type MemoryLimiter struct {
	mu      sync.Mutex
	limits  *Table
	calls   map[string][]time.Time
	domains map[string][]time.Time
	now     func() time.Time
}

func NewMemoryLimiter(limits *Table, now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{
		limits:  limits,
		calls:   make(map[string][]time.Time),
		domains: make(map[string][]time.Time),
		now:     now,
	}
}

// prune drops entries older than the hour window. Caller holds mu.
func prune(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-hour)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}

// since counts entries newer than cutoff and returns the oldest of them.
func since(ts []time.Time, cutoff time.Time) (int, time.Time) {
	for i, t := range ts {
		if t.After(cutoff) {
			return len(ts) - i, t
		}
	}
	return 0, time.Time{}
}

func (m *MemoryLimiter) Check(_ context.Context, key, domain string) (Decision, error) {
	key = task.NormalizeResourceKey(key)
	domain = task.NormalizeResourceKey(domain)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check(key, domain, now), nil
}

func (m *MemoryLimiter) Reserve(_ context.Context, key, domain string) (Decision, error) {
	key = task.NormalizeResourceKey(key)
	domain = task.NormalizeResourceKey(domain)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.check(key, domain, now)
	if d.Allowed {
		m.record(key, domain, now)
	}
	return d, nil
}

// check evaluates the windows. Caller holds mu.
func (m *MemoryLimiter) check(key, domain string, now time.Time) Decision {
	l := m.limits.For(key)
	calls := prune(m.calls[key], now)
	m.calls[key] = calls

	if n, oldest := since(calls, now.Add(-minute)); n >= l.PerMinute {
		return reject(oldest.Add(minute).Sub(now), "rate limit exceeded: %d/%d requests per minute for %s", n, l.PerMinute, key)
	}
	if len(calls) >= l.PerHour {
		return reject(calls[0].Add(hour).Sub(now), "rate limit exceeded: %d/%d requests per hour for %s", len(calls), l.PerHour, key)
	}
	if domain != "" {
		dcalls := prune(m.domains[domain], now)
		m.domains[domain] = dcalls
		limit := l.domainPerMinute()
		if n, oldest := since(dcalls, now.Add(-minute)); n >= limit {
			return reject(oldest.Add(minute).Sub(now), "rate limit exceeded for domain %q: %d/%d requests per minute", domain, n, limit)
		}
	}
	return allow()
}

func (m *MemoryLimiter) Record(_ context.Context, key, domain string) error {
	key = task.NormalizeResourceKey(key)
	domain = task.NormalizeResourceKey(domain)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(key, domain, now)
	return nil
}

// record appends one call. Caller holds mu.
func (m *MemoryLimiter) record(key, domain string, now time.Time) {
	m.calls[key] = append(prune(m.calls[key], now), now)
	if domain != "" {
		m.domains[domain] = append(prune(m.domains[domain], now), now)
	}
}

func (m *MemoryLimiter) Stats(_ context.Context, key string) (Stats, error) {
	key = task.NormalizeResourceKey(key)
	now := m.now()

	m.mu.Lock()
	calls := prune(m.calls[key], now)
	m.calls[key] = calls
	lastMinute, _ := since(calls, now.Add(-minute))
	m.mu.Unlock()

	return newStats(key, m.limits.For(key), lastMinute, len(calls)), nil
}
