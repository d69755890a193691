// Package breaker implements the three-state circuit breaker (C2) that
// wraps every outbound call the worker pool makes to a child-process agent.
//
// The state-derived-from-timestamps idiom below is adapted from the
// teacher's HealthTracker (registry/health_tracker.go), which derives a
// toolset's health from a last-pong timestamp and a staleness threshold
// rather than an explicit state field pushed on every tick. Here the
// "pong" is a classified success/failure outcome and the derived state is
// CLOSED/OPEN/HALF_OPEN rather than healthy/unhealthy, but the shape —
// small options struct, one lock per scope, state recomputed from stored
// timestamps rather than driven by a background ticker — carries over.
package breaker

import (
	"sync"
	"time"

	"github.com/agentrelay/orchestrator/internal/errs"
)

// State is one of the three circuit states named in spec.md §4.2 / §3.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Config configures a single scope's breaker.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
	HalfOpenMax      int
}

// DefaultConfig returns the §6 environment-variable defaults:
// CIRCUIT_FAILURE_THRESHOLD (5), CIRCUIT_COOLDOWN_S (60s); HalfOpenMax
// defaults to 1 per §4.2.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Cooldown: 60 * time.Second, HalfOpenMax: 1}
}

// Snapshot is a point-in-time read of a scope's circuit record (§3 Circuit).
type Snapshot struct {
	Scope               string
	State                State
	ConsecutiveFailures int
	OpenedAt            time.Time
	HalfOpenInFlight    int
}

type circuit struct {
	mu               sync.Mutex
	cfg              Config
	state            State
	consecutiveFails int
	openedAt         time.Time
	halfOpenInFlight int
}

// Breaker owns one circuit per named scope, created lazily from a default
// config or explicitly via Configure.
type Breaker struct {
	mu       sync.RWMutex
	circuits map[string]*circuit
	dflt     Config
}

// New constructs a Breaker.
func New(dflt Config) *Breaker {
	return &Breaker{circuits: make(map[string]*circuit), dflt: dflt}
}

// Configure sets an explicit per-scope config, resetting that scope to
// CLOSED with zero counters.
func (b *Breaker) Configure(scope string, cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.circuits[scope] = &circuit{cfg: cfg, state: Closed}
}

func (b *Breaker) getOrCreate(scope string) *circuit {
	b.mu.RLock()
	c, ok := b.circuits[scope]
	b.mu.RUnlock()
	if ok {
		return c
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok = b.circuits[scope]; ok {
		return c
	}
	c = &circuit{cfg: b.dflt, state: Closed}
	b.circuits[scope] = c
	return c
}

// Allow decides, at time now, whether a call against scope may proceed. It
// returns a nil error when the call should be attempted (CLOSED, or a
// HALF_OPEN probe slot granted), or an *errs.Error of kind CircuitOpen when
// it must be rejected without invoking the operation.
//
// The caller must report the outcome via Success or Failure exactly once
// per admitted call.
func (b *Breaker) Allow(scope string) error {
	return b.allowAt(scope, time.Now())
}

func (b *Breaker) allowAt(scope string, now time.Time) error {
	c := b.getOrCreate(scope)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Closed:
		return nil
	case Open:
		if now.Sub(c.openedAt) < c.cfg.Cooldown {
			return errs.New(errs.KindCircuitOpen, "circuit open for scope "+scope)
		}
		c.state = HalfOpen
		c.halfOpenInFlight = 0
		fallthrough
	case HalfOpen:
		max := c.cfg.HalfOpenMax
		if max <= 0 {
			max = 1
		}
		if c.halfOpenInFlight >= max {
			return errs.New(errs.KindCircuitOpen, "half-open probe allowance exceeded for scope "+scope)
		}
		c.halfOpenInFlight++
		return nil
	}
	return nil
}

// Success records a classified success for scope. In HALF_OPEN, the first
// success closes the circuit and resets counters. In CLOSED, it resets the
// consecutive-failure counter.
func (b *Breaker) Success(scope string) {
	c := b.getOrCreate(scope)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case HalfOpen:
		c.state = Closed
		c.consecutiveFails = 0
		c.halfOpenInFlight = 0
	case Closed:
		c.consecutiveFails = 0
	}
}

// Failure records a classified failure for scope at time now. In CLOSED, it
// increments the consecutive-failure counter and opens the circuit at
// threshold. In HALF_OPEN, any failure reopens the circuit with a fresh
// opened_at. Rejections returned by Allow (CircuitOpen) must never be
// reported here — only failures of calls that were actually admitted count
// per §4.2.
func (b *Breaker) Failure(scope string) {
	b.failureAt(scope, time.Now())
}

func (b *Breaker) failureAt(scope string, now time.Time) {
	c := b.getOrCreate(scope)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Closed:
		c.consecutiveFails++
		if c.consecutiveFails >= c.cfg.FailureThreshold {
			c.state = Open
			c.openedAt = now
		}
	case HalfOpen:
		c.state = Open
		c.openedAt = now
		c.halfOpenInFlight = 0
	}
}

// Snapshot returns the current record for scope.
func (b *Breaker) Snapshot(scope string) Snapshot {
	c := b.getOrCreate(scope)
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Scope:               scope,
		State:               c.state,
		ConsecutiveFailures: c.consecutiveFails,
		OpenedAt:            c.openedAt,
		HalfOpenInFlight:     c.halfOpenInFlight,
	}
}
