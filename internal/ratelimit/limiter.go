// Package ratelimit implements the per-scope token-bucket admission layer
// (C1). Each named scope gets its own bucket; admission is non-blocking —
// the caller decides whether to fail, queue, or retry a rejected call.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a single scope's bucket. Capacity is the bucket size in
// tokens; RefillRate is tokens added per second.
type Config struct {
	Capacity   int
	RefillRate float64
}

// DefaultConfig returns the environment-variable-driven defaults from §6:
// RATE_LIMIT_DEFAULT_CAPACITY (default 60), RATE_LIMIT_DEFAULT_RATE (default
// 1.0 tokens/s).
func DefaultConfig() Config {
	return Config{Capacity: 60, RefillRate: 1.0}
}

// Stats reports a scope's admitted/rejected counters alongside a snapshot of
// its current token level.
type Stats struct {
	Scope    string
	Admitted uint64
	Rejected uint64
	Tokens   float64
	Capacity int
}

type scope struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	capacity int
	admitted uint64
	rejected uint64
}

// Limiter is the token-bucket rate limiter: one bucket per named scope,
// created lazily on first use from a default config, or explicitly via
// Configure. It mirrors the teacher's AdaptiveRateLimiter in spirit — one
// lock per scope, lazy refill delegated to golang.org/x/time/rate — but
// drops the provider-specific AIMD/backoff machinery: this layer has no
// downstream response to adapt to, only an admit/reject decision (§4.1).
type Limiter struct {
	mu      sync.RWMutex
	scopes  map[string]*scope
	dflt    Config
	cluster *ClusterMirror
}

// New constructs a Limiter. dflt is applied to any scope not explicitly
// configured via Configure.
func New(dflt Config) *Limiter {
	return &Limiter{scopes: make(map[string]*scope), dflt: dflt}
}

// Configure sets an explicit per-scope capacity/rate, creating or replacing
// the scope's bucket (reset to full capacity).
func (l *Limiter) Configure(name string, cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scopes[name] = newScope(cfg)
}

func newScope(cfg Config) *scope {
	return &scope{
		limiter:  rate.NewLimiter(rate.Limit(cfg.RefillRate), cfg.Capacity),
		capacity: cfg.Capacity,
	}
}

func (l *Limiter) getOrCreate(name string) *scope {
	l.mu.RLock()
	s, ok := l.scopes[name]
	l.mu.RUnlock()
	if ok {
		return s
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok = l.scopes[name]; ok {
		return s
	}
	s = newScope(l.dflt)
	l.scopes[name] = s
	return s
}

// Allow reports whether a call against scope is admitted right now. It
// lazily refills the bucket to min(capacity, tokens+elapsed*rate) and, if at
// least one token is available, decrements by one and returns true.
func (l *Limiter) Allow(scope string) bool {
	s := l.getOrCreate(scope)
	s.mu.Lock()
	defer s.mu.Unlock()

	ok := s.limiter.Allow()
	if ok {
		s.admitted++
	} else {
		s.rejected++
	}
	return ok
}

// AllowAt is like Allow but evaluated at an explicit instant, useful for
// deterministic tests of the refill computation.
func (l *Limiter) AllowAt(scopeName string, now time.Time) bool {
	s := l.getOrCreate(scopeName)
	s.mu.Lock()
	defer s.mu.Unlock()

	ok := s.limiter.AllowN(now, 1)
	if ok {
		s.admitted++
	} else {
		s.rejected++
	}
	return ok
}

// Stats returns the current admitted/rejected counters and token snapshot
// for scope. A scope that has never been touched reports a full bucket.
func (l *Limiter) Stats(scopeName string) Stats {
	s := l.getOrCreate(scopeName)
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Scope:    scopeName,
		Admitted: s.admitted,
		Rejected: s.rejected,
		Tokens:   s.limiter.Tokens(),
		Capacity: s.capacity,
	}
}

// Snapshot returns Stats for every scope touched so far.
func (l *Limiter) Snapshot() []Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Stats, 0, len(l.scopes))
	for name, s := range l.scopes {
		s.mu.Lock()
		out = append(out, Stats{
			Scope:    name,
			Admitted: s.admitted,
			Rejected: s.rejected,
			Tokens:   s.limiter.Tokens(),
			Capacity: s.capacity,
		})
		s.mu.Unlock()
	}
	return out
}
