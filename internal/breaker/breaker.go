// ============================================================================
// Circuit Breaker - per-provider failure isolation
// ============================================================================
//
// Package: internal/breaker
// File: breaker.go
// Purpose: Stops routing calls to a provider after repeated failures
//
// State machine (per provider):
//
//   Closed --(consecutive failures >= threshold)--> Open
//   Open   --(next Allow after now-lastFailure > resetTimeout)--> Closed
//   any    --(RecordSuccess)--> Closed
//
// The reset is lazy: there is no background timer. An open circuit closes on
// the first Allow call that observes the reset timeout has elapsed.
//
// Concurrency:
//   One mutex guards the state map. All operations are O(1).
//
// ============================================================================

package breaker

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultFailureThreshold opens a circuit after this many consecutive failures.
	DefaultFailureThreshold = 3
	// DefaultResetTimeout is how long an open circuit rejects calls.
	DefaultResetTimeout = 60 * time.Second
)

// Config configures the breaker thresholds.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// State is a snapshot of one provider's circuit.
type State struct {
	Provider            string     `json:"provider"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailureTime     *time.Time `json:"last_failure_time,omitempty"`
	IsOpen              bool       `json:"is_open"`
}

type circuit struct {
	failures    int
	lastFailure time.Time
	open        bool
}

// Breaker tracks circuits for any number of providers, keyed by provider id.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	circuits map[string]*circuit
	now      func() time.Time

	// onChange is invoked (outside the lock) when a circuit opens or closes.
	onChange func(provider string, open bool)
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateListener registers a callback for open/close transitions.
func WithStateListener(fn func(provider string, open bool)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New creates a breaker; zero config fields take the defaults.
func New(cfg Config, opts ...Option) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	b := &Breaker{
		cfg:      cfg,
		circuits: make(map[string]*circuit),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) get(provider string) *circuit {
	c, ok := b.circuits[provider]
	if !ok {
		c = &circuit{}
		b.circuits[provider] = c
	}
	return c
}

// Allow reports whether a call to provider may proceed.
//
// An open circuit whose reset timeout has elapsed is closed (failures reset to 0)
// and the call is allowed.
func (b *Breaker) Allow(provider string) bool {
	b.mu.Lock()
	c := b.get(provider)
	if !c.open {
		b.mu.Unlock()
		return true
	}
	if b.now().Sub(c.lastFailure) <= b.cfg.ResetTimeout {
		b.mu.Unlock()
		return false
	}
	c.open = false
	c.failures = 0
	b.mu.Unlock()

	slog.Info("Circuit reset after timeout", "provider", provider)
	b.notify(provider, false)
	return true
}

// RecordSuccess closes the circuit and clears the failure count.
func (b *Breaker) RecordSuccess(provider string) {
	b.mu.Lock()
	c := b.get(provider)
	wasOpen := c.open
	c.failures = 0
	c.open = false
	b.mu.Unlock()

	if wasOpen {
		b.notify(provider, false)
	}
}

// RecordFailure counts a failure and opens the circuit at the threshold.
func (b *Breaker) RecordFailure(provider string) {
	b.mu.Lock()
	c := b.get(provider)
	c.failures++
	c.lastFailure = b.now()
	opened := false
	if c.failures >= b.cfg.FailureThreshold && !c.open {
		c.open = true
		opened = true
	}
	failures := c.failures
	b.mu.Unlock()

	if opened {
		slog.Warn("Circuit opened", "provider", provider, "consecutive_failures", failures, "reset_timeout", b.cfg.ResetTimeout)
		b.notify(provider, true)
	}
}

// State returns a snapshot of provider's circuit without triggering a lazy reset.
func (b *Breaker) State(provider string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(provider, b.get(provider))
}

// Snapshot returns every known circuit, sorted by provider id.
func (b *Breaker) Snapshot() []State {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]State, 0, len(b.circuits))
	for name, c := range b.circuits {
		out = append(out, b.stateLocked(name, c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

func (b *Breaker) stateLocked(provider string, c *circuit) State {
	s := State{Provider: provider, ConsecutiveFailures: c.failures, IsOpen: c.open}
	if !c.lastFailure.IsZero() {
		t := c.lastFailure
		s.LastFailureTime = &t
	}
	return s
}

func (b *Breaker) notify(provider string, open bool) {
	if b.onChange != nil {
		b.onChange(provider, open)
	}
}
