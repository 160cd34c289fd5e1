// Package breaker implements per-resource circuit breakers.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is a circuit state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Settings tune one circuit.
type Settings struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	Window           time.Duration `yaml:"window" json:"window"`
	RecoveryWait     time.Duration `yaml:"recovery_wait" json:"recovery_wait"`
}

// DefaultSettings opens after 5 failures within 60s and probes after 30s.
func DefaultSettings() Settings {
	return Settings{FailureThreshold: 5, Window: 60 * time.Second, RecoveryWait: 30 * time.Second}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.Window <= 0 {
		s.Window = d.Window
	}
	if s.RecoveryWait <= 0 {
		s.RecoveryWait = d.RecoveryWait
	}
	return s
}

// Snapshot is a point-in-time view of one circuit.
type Snapshot struct {
	Key           string     `json:"key"`
	State         State      `json:"state"`
	Paused        bool       `json:"paused"`
	Failures      int        `json:"failures_in_window"`
	WindowStart   *time.Time `json:"window_start,omitempty"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
	RecoveryAt    *time.Time `json:"recovery_at,omitempty"`
	ProbeInFlight bool       `json:"probe_in_flight"`
	Settings      Settings   `json:"settings"`
}

// Observer is told about every state change.
type Observer func(key string, from, to State)

// CircuitBreaker guards one resource. In HALF_OPEN exactly one probe is
// let through; every other caller is refused until the probe reports back.
type CircuitBreaker struct {
	mu       sync.Mutex
	key      string
	settings Settings
	state    State
	failures []time.Time
	openedAt time.Time
	probe    bool
	gen      uint64
	paused   bool
	now      func() time.Time
	observe  Observer
	log      *slog.Logger
}

func newCircuitBreaker(key string, settings Settings, now func() time.Time, observe Observer, log *slog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		key:      key,
		settings: settings.withDefaults(),
		state:    StateClosed,
		now:      now,
		observe:  observe,
		log:      log,
	}
}

// setState records a transition. Caller holds mu.
func (cb *CircuitBreaker) setState(to State, reason string) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	cb.log.Log(context.Background(), level, "circuit state change",
		"resource_key", cb.key, "from", string(from), "to", string(to), "reason", reason)
	if cb.observe != nil {
		cb.observe(cb.key, from, to)
	}
}

// prune drops failures outside the window. Caller holds mu.
func (cb *CircuitBreaker) prune(now time.Time) {
	cutoff := now.Add(-cb.settings.Window)
	i := 0
	for i < len(cb.failures) && !cb.failures[i].After(cutoff) {
		i++
	}
	cb.failures = cb.failures[i:]
}

// Ticket is handed out by Allow. Only the ticket holding the half-open probe
// slot can close, reopen or free the circuit; every other ticket reports into
// the failure window and nothing more. The zero Ticket is a no-op.
type Ticket struct {
	cb    *CircuitBreaker
	probe bool
	gen   uint64
}

// Probe reports whether t holds the half-open probe slot it was issued for.
func (t Ticket) Probe() bool { return t.probe }

// Success reports a successful call.
func (t Ticket) Success() {
	if t.cb != nil {
		t.cb.success(t)
	}
}

// Failure reports a failed call.
func (t Ticket) Failure() {
	if t.cb != nil {
		t.cb.failure(t)
	}
}

// Abandon reports that the admitted call never reached the resource, or
// that its outcome says nothing about it. A held probe slot is freed.
func (t Ticket) Abandon() {
	if t.cb != nil {
		t.cb.abandon(t)
	}
}

// holds reports whether t still owns the probe slot. Caller holds mu.
func (cb *CircuitBreaker) holds(t Ticket) bool {
	return t.probe && cb.probe && cb.state == StateHalfOpen && t.gen == cb.gen
}

// Allow reports whether a call may proceed. In HALF_OPEN a single ticket
// is issued with the probe slot; the caller must settle it with Success,
// Failure or Abandon.
func (cb *CircuitBreaker) Allow() (Ticket, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return Ticket{cb: cb}, true
	case StateOpen:
		if cb.paused || cb.now().Before(cb.openedAt.Add(cb.settings.RecoveryWait)) {
			return Ticket{}, false
		}
		cb.setState(StateHalfOpen, "recovery wait elapsed")
		return cb.reserveProbe(), true
	default:
		if cb.probe {
			return Ticket{}, false
		}
		return cb.reserveProbe(), true
	}
}

// reserveProbe takes the probe slot. Caller holds mu.
func (cb *CircuitBreaker) reserveProbe() Ticket {
	cb.gen++
	cb.probe = true
	return Ticket{cb: cb, probe: true, gen: cb.gen}
}

// Success records a successful call made without a probe ticket.
func (cb *CircuitBreaker) Success() { cb.success(Ticket{}) }

// Failure records a failed call made without a probe ticket.
func (cb *CircuitBreaker) Failure() { cb.failure(Ticket{}) }

func (cb *CircuitBreaker) success(t Ticket) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		if !cb.holds(t) {
			return
		}
		cb.probe = false
		cb.failures = nil
		cb.setState(StateClosed, "probe succeeded")
	case StateClosed:
		cb.prune(cb.now())
	}
}

func (cb *CircuitBreaker) failure(t Ticket) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.failures = append(cb.failures, now)
	cb.prune(now)

	switch cb.state {
	case StateHalfOpen:
		if !cb.holds(t) {
			return
		}
		cb.probe = false
		cb.openedAt = now
		cb.setState(StateOpen, "probe failed")
	case StateClosed:
		if len(cb.failures) >= cb.settings.FailureThreshold {
			cb.openedAt = now
			cb.setState(StateOpen, "failure threshold reached")
		}
	}
}

func (cb *CircuitBreaker) abandon(t Ticket) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.holds(t) {
		cb.probe = false
	}
}

// Pause forces the circuit open until Resume.
func (cb *CircuitBreaker) Pause() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.paused = true
	cb.probe = false
	cb.gen++
	cb.openedAt = cb.now()
	cb.setState(StateOpen, "paused by operator")
}

// Resume closes the circuit and clears failure history.
func (cb *CircuitBreaker) Resume() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.paused = false
	cb.probe = false
	cb.gen++
	cb.failures = nil
	cb.openedAt = time.Time{}
	cb.setState(StateClosed, "resumed by operator")
}

func (cb *CircuitBreaker) setSettings(s Settings) {
	cb.mu.Lock()
	cb.settings = s.withDefaults()
	cb.mu.Unlock()
}

// Snapshot returns the current state. An OPEN circuit whose recovery wait
// has elapsed still reports OPEN until the next Allow.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.prune(now)
	snap := Snapshot{
		Key:           cb.key,
		State:         cb.state,
		Paused:        cb.paused,
		Failures:      len(cb.failures),
		ProbeInFlight: cb.probe,
		Settings:      cb.settings,
	}
	if len(cb.failures) > 0 {
		first, last := cb.failures[0], cb.failures[len(cb.failures)-1]
		snap.WindowStart = &first
		snap.LastFailureAt = &last
	}
	if cb.state == StateOpen {
		opened := cb.openedAt
		snap.OpenedAt = &opened
		if !cb.paused {
			recovery := opened.Add(cb.settings.RecoveryWait)
			snap.RecoveryAt = &recovery
		}
	}
	return snap
}
