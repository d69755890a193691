// Package shutdown implements the Shutdown Coordinator (C10): it listens
// for the platform's graceful-terminate signal and the interactive
// interrupt the same way the teacher's gRPC server loop does
// (signal.Notify on syscall.SIGINT/SIGTERM), then drains in-flight work
// and runs cleanup hooks within configured bounds.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/agentrelay/orchestrator/internal/telemetry"
)

// Config bounds the drain-then-cleanup sequence (§4.10).
type Config struct {
	RequestTimeout   time.Duration
	CleanupTimeout   time.Duration
	ForceAfterTimeout bool
}

// DefaultConfig returns the §6 env-var defaults: 30s request timeout, 10s
// cleanup timeout, force-after-timeout enabled.
func DefaultConfig() Config {
	return Config{RequestTimeout: 30 * time.Second, CleanupTimeout: 10 * time.Second, ForceAfterTimeout: true}
}

// CleanupFunc is a shutdown cleanup hook, run in registration order and
// individually bounded by Config.CleanupTimeout.
type CleanupFunc func(ctx context.Context) error

// Coordinator tracks the shutdown flag C6 and C11 consult on every entry,
// tracks in-flight requests, and runs registered cleanup hooks.
type Coordinator struct {
	cfg Config

	shuttingDown atomic.Bool
	wg           sync.WaitGroup

	mu       sync.Mutex
	cleanups []namedCleanup

	Logger telemetry.Logger
}

type namedCleanup struct {
	name string
	fn   CleanupFunc
}

// New constructs a Coordinator.
func New(cfg Config, logger telemetry.Logger) *Coordinator {
	return &Coordinator{cfg: cfg, Logger: logger}
}

// IsShuttingDown reports the shared flag C6 (Submit) and C11 (the tool
// dispatcher) query on every entry.
func (c *Coordinator) IsShuttingDown() bool {
	return c.shuttingDown.Load()
}

// RegisterCleanup appends a cleanup hook, run in registration order during
// Shutdown's step 3.
func (c *Coordinator) RegisterCleanup(name string, fn CleanupFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanups = append(c.cleanups, namedCleanup{name: name, fn: fn})
}

// TrackRequest marks one in-flight request as started; the returned func
// must be called exactly once when the request finishes. Shutdown's drain
// step waits for every tracked request to call its done func.
func (c *Coordinator) TrackRequest() (done func()) {
	c.wg.Add(1)
	var once sync.Once
	return func() { once.Do(c.wg.Done) }
}

// ListenForSignals blocks until SIGINT, SIGTERM, or ctx is cancelled, then
// runs Shutdown. It is the entry point for a process with POSIX signals;
// systems without them call Coordinator.Shutdown directly (§6 "Signals").
func (c *Coordinator) ListenForSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case <-sigCh:
	}
	c.Shutdown(context.Background())
}

// Shutdown runs the sequence from §4.10:
//  1. set the shutting-down flag so new submissions/request-tracking are refused;
//  2. wait for tracked requests to drain, bounded by RequestTimeout;
//  3. run cleanup hooks in order, each bounded by CleanupTimeout, logging
//     (not halting on) individual failures;
//  4. return once logs/DLQ persistence have had a chance to flush — step 4's
//     actual flush is the caller's responsibility (it owns the DLQ/logger).
func (c *Coordinator) Shutdown(ctx context.Context) {
	if !c.shuttingDown.CompareAndSwap(false, true) {
		return // already shutting down
	}

	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(c.cfg.RequestTimeout):
		if c.Logger != nil {
			c.Logger.Error(ctx, "shutdown.drain_timeout", "timeout_s", c.cfg.RequestTimeout.Seconds())
		}
		if !c.cfg.ForceAfterTimeout {
			return
		}
	}

	c.mu.Lock()
	cleanups := append([]namedCleanup(nil), c.cleanups...)
	c.mu.Unlock()

	for _, nc := range cleanups {
		cleanupCtx, cancel := context.WithTimeout(ctx, c.cfg.CleanupTimeout)
		err := nc.fn(cleanupCtx)
		cancel()
		if err != nil && c.Logger != nil {
			c.Logger.Error(ctx, "shutdown.cleanup_failed", "cleanup", nc.name, "error", err.Error())
		}
	}
}
