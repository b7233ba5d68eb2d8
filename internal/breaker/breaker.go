// Package breaker implements a per-route circuit breaker. The open to
// half-open transition is evaluated lazily on the next request for the
// route; there is no background timer.
package breaker

import (
	"sort"
	"sync"
	"time"
)

// Phase is the state of one circuit.
type Phase string

const (
	Closed   Phase = "closed"
	HalfOpen Phase = "half-open"
	Open     Phase = "open"
)

// Config tunes the breaker. Zero values fall back to defaults.
type Config struct {
	FailureThreshold  int
	ResetTimeout      time.Duration
	HalfOpenSuccesses int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = 3
	}
	return c
}

// State is a snapshot of one circuit.
type State struct {
	Key               string    `json:"key"`
	Phase             Phase     `json:"phase"`
	Failures          int       `json:"failures"`
	LastFailure       time.Time `json:"last_failure,omitzero"`
	HalfOpenSuccesses int       `json:"half_open_successes"`
}

// TransitionFunc is called after a circuit changes phase. It runs without
// the breaker lock held.
type TransitionFunc func(key string, from, to Phase)

type circuit struct {
	phase             Phase
	failures          int
	lastFailure       time.Time
	halfOpenSuccesses int
}

// Breaker tracks circuits by route key. Safe for concurrent use.
type Breaker struct {
	cfg          Config
	now          func() time.Time
	onTransition TransitionFunc

	mu       sync.Mutex
	circuits map[string]*circuit
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// OnTransition registers the phase change hook.
func OnTransition(fn TransitionFunc) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		circuits: make(map[string]*circuit),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a request for key may proceed. When it may not,
// retryAfter is the remaining time until the circuit will be probed.
func (b *Breaker) Allow(key string) (ok bool, retryAfter time.Duration) {
	now := b.now()

	b.mu.Lock()
	c := b.circuitLocked(key)
	if c.phase != Open {
		b.mu.Unlock()
		return true, 0
	}
	reopen := c.lastFailure.Add(b.cfg.ResetTimeout)
	if now.Before(reopen) {
		b.mu.Unlock()
		return false, reopen.Sub(now)
	}
	c.phase = HalfOpen
	c.halfOpenSuccesses = 0
	b.mu.Unlock()

	b.notify(key, Open, HalfOpen)
	return true, 0
}

// RecordSuccess records a non-failing outcome.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	c := b.circuitLocked(key)

	switch c.phase {
	case HalfOpen:
		c.halfOpenSuccesses++
		if c.halfOpenSuccesses < b.cfg.HalfOpenSuccesses {
			b.mu.Unlock()
			return
		}
		c.phase = Closed
		c.failures = 0
		c.halfOpenSuccesses = 0
		b.mu.Unlock()
		b.notify(key, HalfOpen, Closed)
		return
	case Closed:
		if c.failures > 0 {
			c.failures--
		}
	case Open:
	}
	b.mu.Unlock()
}

// RecordFailure records a server-side failure.
func (b *Breaker) RecordFailure(key string) {
	now := b.now()

	b.mu.Lock()
	c := b.circuitLocked(key)
	c.lastFailure = now

	from := c.phase
	switch c.phase {
	case HalfOpen:
		c.phase = Open
		c.halfOpenSuccesses = 0
	case Closed:
		c.failures++
		if c.failures >= b.cfg.FailureThreshold {
			c.phase = Open
		}
	case Open:
		c.failures++
	}
	to := c.phase
	b.mu.Unlock()

	if from != to {
		b.notify(key, from, to)
	}
}

// State returns the snapshot for key. Unknown keys report closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return State{Key: key, Phase: Closed}
	}
	return c.snapshot(key)
}

// Snapshot returns every tracked circuit sorted by key.
func (b *Breaker) Snapshot() []State {
	b.mu.Lock()
	out := make([]State, 0, len(b.circuits))
	for key, c := range b.circuits {
		out = append(out, c.snapshot(key))
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Reset forces key back to closed. It reports whether the circuit existed.
func (b *Breaker) Reset(key string) bool {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		b.mu.Unlock()
		return false
	}
	from := c.phase
	*c = circuit{phase: Closed}
	b.mu.Unlock()

	if from != Closed {
		b.notify(key, from, Closed)
	}
	return true
}

func (b *Breaker) circuitLocked(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{phase: Closed}
		b.circuits[key] = c
	}
	return c
}

func (b *Breaker) notify(key string, from, to Phase) {
	if b.onTransition != nil {
		b.onTransition(key, from, to)
	}
}

func (c *circuit) snapshot(key string) State {
	return State{
		Key:               key,
		Phase:             c.phase,
		Failures:          c.failures,
		LastFailure:       c.lastFailure,
		HalfOpenSuccesses: c.halfOpenSuccesses,
	}
}
