// Package breaker implements the CircuitBreaker: a three-state
// (closed/open/half_open) guard per upstream route, tripping after a
// run of consecutive failures and probing for recovery after a cooldown.
//
// No direct precedent exists elsewhere in this codebase for this exact
// shape (outbound integrations elsewhere lean on their own SDKs' retry
// logic rather than a standalone breaker); built fresh as a state
// machine, named and commented in the prevailing terse style.
package breaker

import (
	"sync"
	"time"
)

// State is one of the breaker's three states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes a Breaker's thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures before tripping open
	CooldownPeriod   time.Duration // time in Open before probing
	HalfOpenMax      int           // trial calls allowed while half-open
}

// DefaultConfig returns reasonable starting thresholds.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, CooldownPeriod: 30 * time.Second, HalfOpenMax: 1}
}

// Stats snapshots a Breaker's CircuitState counters.
type Stats struct {
	State               State
	ConsecutiveFailures int
	TotalFailures       int64
	TotalSuccesses      int64
	TotalRejections     int64
	OpenedAt            time.Time
	LastFailureAt       time.Time
}

// Breaker guards a single upstream route.
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	state            State
	consecutiveFails int
	openedAt         time.Time
	halfOpenInFlight int

	totalFailures   int64
	totalSuccesses  int64
	totalRejections int64
	lastFailureAt   time.Time

	now func() time.Time
}

// New creates a Breaker in the Closed state.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: Closed, now: time.Now}
}

// Allow reports whether a call may proceed right now, transitioning
// Open -> HalfOpen once the cooldown has elapsed. Every HalfOpen
// admission consumes one of HalfOpenMax trial slots until the trial is
// resolved by RecordSuccess/RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.openedAt) >= b.cfg.CooldownPeriod {
			b.state = HalfOpen
			b.halfOpenInFlight = 0
		} else {
			b.totalRejections++
			return false
		}
		fallthrough
	case HalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMax {
			return false
		}
		b.halfOpenInFlight++
		return true
	default:
		return false
	}
}

// RecordSuccess resets failure tracking and, from HalfOpen, closes the
// breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalSuccesses++
	b.consecutiveFails = 0
	if b.state == HalfOpen {
		b.state = Closed
		b.halfOpenInFlight = 0
	}
}

// RecordFailure tracks a failed call, tripping the breaker open once
// FailureThreshold consecutive failures accrue, or immediately re-opening
// from HalfOpen on a failed trial.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.lastFailureAt = b.now()

	if b.state == HalfOpen {
		b.trip()
		return
	}

	b.consecutiveFails++
	if b.consecutiveFails >= b.cfg.FailureThreshold {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.halfOpenInFlight = 0
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker's CircuitState counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFails,
		TotalFailures:       b.totalFailures,
		TotalSuccesses:      b.totalSuccesses,
		TotalRejections:     b.totalRejections,
		OpenedAt:            b.openedAt,
		LastFailureAt:       b.lastFailureAt,
	}
}

// Reset forces the breaker back to Closed, used by administrative
// override.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.consecutiveFails = 0
	b.halfOpenInFlight = 0
}

// SetClock overrides the breaker's time source; intended for tests only.
func (b *Breaker) SetClock(now func() time.Time) {
	b.now = now
}
