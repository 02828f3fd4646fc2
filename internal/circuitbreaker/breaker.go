// Package circuitbreaker guards calls to the remote store.
//
// # State machine
//
//	Closed ──(FailureThreshold consecutive failures)──► Open ──(OpenDuration elapsed)──► HalfOpen
//	  ▲                                                                                      │
//	  └────────────────────────(probe succeeds)──────────────────────────────────────────────┘
//	                           (probe fails) ───────────────────────────────────────────► Open
//
// While Open, Allow reports false and callers take their benign default
// without touching the network. A single probe is admitted in HalfOpen.
//
// All methods are safe for concurrent use.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation, calls pass through
	StateOpen                  // Calls are short-circuited
	StateHalfOpen              // One probe call is allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the circuit breaker configuration.
type Config struct {
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"` // consecutive failures that open the breaker
	OpenDuration     time.Duration `mapstructure:"open_duration" yaml:"open_duration"`         // time spent open before a probe is allowed
}

// Enabled reports whether the configuration describes an active breaker.
func (c Config) Enabled() bool {
	return c.FailureThreshold > 0 && c.OpenDuration > 0
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	failures int
	openedAt time.Time
	probing  bool

	now      func() time.Time
	onChange func(from, to State)
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// OnStateChange registers a callback invoked (outside the lock) on every transition.
func OnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New creates a new circuit breaker. A disabled config yields a breaker that
// always allows calls.
func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	if !b.cfg.Enabled() {
		return true
	}

	b.mu.Lock()
	from := b.state
	allowed := false
	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
			b.state = StateHalfOpen
			b.probing = true
			allowed = true
		}
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			allowed = true
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return allowed
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	if !b.cfg.Enabled() {
		return
	}

	b.mu.Lock()
	from := b.state
	b.failures = 0
	b.probing = false
	b.state = StateClosed
	b.mu.Unlock()

	b.notify(from, StateClosed)
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	if !b.cfg.Enabled() {
		return
	}

	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
		b.probing = false
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
}
