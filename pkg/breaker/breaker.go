// Package breaker implements a sliding-window circuit breaker and a registry
// that shares one breaker per endpoint group.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	// Closed lets every attempt through.
	Closed State = iota
	// Open rejects attempts until the reset timeout elapses.
	Open
	// HalfOpen lets a single probe through.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds the tunables of one breaker. It is fixed at creation.
type Config struct {
	// FailureThreshold is the number of failures inside MonitoringWindow that opens the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before a probe is allowed.
	ResetTimeout time.Duration
	// MonitoringWindow bounds which failures count toward the threshold.
	MonitoringWindow time.Duration
}

// DefaultConfig returns the defaults: 5 failures in 60s, 60s cooldown.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		MonitoringWindow: 60 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("breaker: failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.ResetTimeout <= 0 {
		return errors.New("breaker: reset timeout must be positive")
	}
	if c.MonitoringWindow <= 0 {
		return errors.New("breaker: monitoring window must be positive")
	}
	return nil
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.MonitoringWindow <= 0 {
		c.MonitoringWindow = d.MonitoringWindow
	}
	return c
}

// FailureRecord is one observed failure.
type FailureRecord struct {
	At  time.Time
	Err error
}

// Breaker gates attempts to one endpoint group. It is safe for concurrent use.
type Breaker struct {
	name   string
	config Config
	now    func() time.Time

	// onStateChange is invoked with mu held; it must not call back into the breaker.
	onStateChange func(name string, from, to State)

	mu          sync.Mutex
	state       State
	failures    []FailureRecord
	lastFailure time.Time
	probeAt     time.Time // zero when no probe is outstanding
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// OnStateChange registers a transition callback.
func OnStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// New creates a closed breaker. Zero config fields take their defaults.
func New(name string, config Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:   name,
		config: config.withDefaults(),
		now:    time.Now,
		state:  Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the endpoint group this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Config returns the breaker configuration.
func (b *Breaker) Config() Config {
	return b.config
}

// CanAttempt reports whether an attempt may proceed. An open breaker whose
// reset timeout has elapsed moves to half-open and admits the caller as the probe.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case Closed:
		return true
	case Open:
		if now.Sub(b.lastFailure) < b.config.ResetTimeout {
			return false
		}
		b.transitionTo(HalfOpen)
		b.probeAt = now
		return true
	case HalfOpen:
		// A probe whose outcome was never recorded (caller gave up, 4xx) stops
		// blocking once it is older than the reset timeout.
		if b.probeAt.IsZero() || now.Sub(b.probeAt) >= b.config.ResetTimeout {
			b.probeAt = now
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful attempt. In half-open it clears the
// failure history and closes the circuit; otherwise it only prunes.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.failures = nil
		b.probeAt = time.Time{}
		b.transitionTo(Closed)
		return
	}
	b.prune(b.now())
}

// RecordFailure records a failed attempt.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.failures = append(b.failures, FailureRecord{At: now, Err: err})
	b.prune(now)
	b.lastFailure = now

	switch b.state {
	case HalfOpen:
		b.probeAt = time.Time{}
		b.transitionTo(Open)
	case Closed:
		if len(b.failures) >= b.config.FailureThreshold {
			b.transitionTo(Open)
		}
	}
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the circuit and forgets all failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = nil
	b.lastFailure = time.Time{}
	b.probeAt = time.Time{}
	b.transitionTo(Closed)
}

// Failures returns the failures currently inside the monitoring window, oldest first.
func (b *Breaker) Failures() []FailureRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(b.now())
	return append([]FailureRecord(nil), b.failures...)
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Group       string    `json:"group"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitzero"`
}

// Snapshot returns the breaker's state for inspection.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(b.now())
	return Snapshot{
		Group:       b.name,
		State:       b.state.String(),
		Failures:    len(b.failures),
		LastFailure: b.lastFailure,
	}
}

// prune drops failures older than the monitoring window. Must be called with mu held.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.config.MonitoringWindow)
	i := 0
	for i < len(b.failures) && !b.failures[i].At.After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	b.failures = append(b.failures[:0], b.failures[i:]...)
}

// transitionTo must be called with mu held.
func (b *Breaker) transitionTo(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}
