package shutdown

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsShuttingDownFalseBeforeShutdown(t *testing.T) {
	c := New(DefaultConfig(), nil)
	assert.False(t, c.IsShuttingDown())
}

func TestShutdownSetsFlagImmediately(t *testing.T) {
	c := New(Config{RequestTimeout: time.Second, CleanupTimeout: time.Second, ForceAfterTimeout: true}, nil)
	c.Shutdown(context.Background())
	assert.True(t, c.IsShuttingDown())
}

func TestShutdownWaitsForTrackedRequestsToDrain(t *testing.T) {
	c := New(Config{RequestTimeout: time.Second, CleanupTimeout: time.Second, ForceAfterTimeout: true}, nil)
	done := c.TrackRequest()

	var cleanupRan atomic.Bool
	c.RegisterCleanup("mark", func(ctx context.Context) error {
		cleanupRan.Store(true)
		return nil
	})

	shutdownDone := make(chan struct{})
	go func() {
		c.Shutdown(context.Background())
		close(shutdownDone)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, cleanupRan.Load(), "cleanup must not run before the tracked request finishes")

	done()
	select {
	case <-shutdownDone:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not complete after request drained")
	}
	assert.True(t, cleanupRan.Load())
}

func TestShutdownForcesCleanupAfterRequestTimeout(t *testing.T) {
	c := New(Config{RequestTimeout: 20 * time.Millisecond, CleanupTimeout: time.Second, ForceAfterTimeout: true}, nil)
	_ = c.TrackRequest() // never completed

	var cleanupRan atomic.Bool
	c.RegisterCleanup("mark", func(ctx context.Context) error {
		cleanupRan.Store(true)
		return nil
	})

	c.Shutdown(context.Background())
	assert.True(t, cleanupRan.Load())
}

func TestCleanupFailureDoesNotHaltSequence(t *testing.T) {
	c := New(Config{RequestTimeout: time.Second, CleanupTimeout: time.Second, ForceAfterTimeout: true}, nil)

	var secondRan atomic.Bool
	c.RegisterCleanup("first", func(ctx context.Context) error {
		return assertError
	})
	c.RegisterCleanup("second", func(ctx context.Context) error {
		secondRan.Store(true)
		return nil
	})

	c.Shutdown(context.Background())
	assert.True(t, secondRan.Load())
}

func TestShutdownIsIdempotent(t *testing.T) {
	c := New(DefaultConfig(), nil)
	var calls atomic.Int32
	c.RegisterCleanup("count", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	c.Shutdown(context.Background())
	c.Shutdown(context.Background())
	require.Equal(t, int32(1), calls.Load())
}

var assertError = errCleanupFailed{}

type errCleanupFailed struct{}

func (errCleanupFailed) Error() string { return "cleanup failed" }
