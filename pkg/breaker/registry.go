package breaker

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/task"
)

// Registry holds one CircuitBreaker per resource key, created on first use.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	defaults  Settings
	overrides map[string]Settings
	now       func() time.Time
	observe   Observer
	log       *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithObserver registers a state-change callback.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observe = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

func NewRegistry(defaults Settings, overrides map[string]Settings, opts ...Option) *Registry {
	r := &Registry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults.withDefaults(),
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "breaker")
	r.overrides = normalizeOverrides(overrides)
	return r
}

func normalizeOverrides(in map[string]Settings) map[string]Settings {
	out := make(map[string]Settings, len(in))
	for k, v := range in {
		out[task.NormalizeResourceKey(k)] = v
	}
	return out
}

func (r *Registry) settingsFor(key string) Settings {
	if s, ok := r.overrides[key]; ok {
		return s.withDefaults()
	}
	return r.defaults
}

// Get returns the breaker for key, creating it if needed.
func (r *Registry) Get(key string) *CircuitBreaker {
	key = task.NormalizeResourceKey(key)
	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	cb = newCircuitBreaker(key, r.settingsFor(key), r.now, r.observe, r.log)
	r.breakers[key] = cb
	return cb
}

func (r *Registry) Allow(key string) (Ticket, bool) { return r.Get(key).Allow() }

// Success and Failure report outcomes that hold no ticket. They feed the
// failure window but never settle a half-open probe.
func (r *Registry) Success(key string) { r.Get(key).Success() }
func (r *Registry) Failure(key string) { r.Get(key).Failure() }

func (r *Registry) Pause(key string)  { r.Get(key).Pause() }
func (r *Registry) Resume(key string) { r.Get(key).Resume() }

// Reset forgets all state for key, including a pause.
func (r *Registry) Reset(key string) {
	key = task.NormalizeResourceKey(key)
	r.mu.Lock()
	delete(r.breakers, key)
	r.mu.Unlock()
	r.log.Info("circuit reset", "resource_key", key)
}

func (r *Registry) Snapshot(key string) Snapshot { return r.Get(key).Snapshot() }

// List snapshots every known circuit, sorted by key.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, cb.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// SetSettings replaces the defaults and per-resource overrides and applies
// them to existing circuits without resetting their state.
func (r *Registry) SetSettings(defaults Settings, overrides map[string]Settings) {
	r.mu.Lock()
	r.defaults = defaults.withDefaults()
	r.overrides = normalizeOverrides(overrides)
	for key, cb := range r.breakers {
		cb.setSettings(r.settingsFor(key))
	}
	r.mu.Unlock()
}
