package breaker

import (
	"testing"
	"time"

	"github.com/agentrelay/orchestrator/internal/errs"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpensAtFailureThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, Cooldown: time.Minute, HalfOpenMax: 1})

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Allow("flaky"))
		b.Failure("flaky")
	}

	err := b.Allow("flaky")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindCircuitOpen))
	assert.Equal(t, Open, b.Snapshot("flaky").State)
}

func TestHalfOpenAfterCooldownAllowsOneProbe(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Cooldown: 2 * time.Second, HalfOpenMax: 1})
	start := time.Unix(0, 0)

	require.NoError(t, b.allowAt("svc", start))
	b.failureAt("svc", start)
	assert.Equal(t, Open, b.Snapshot("svc").State)

	// still within cooldown
	err := b.allowAt("svc", start.Add(time.Second))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindCircuitOpen))

	// cooldown elapsed: exactly one probe admitted
	require.NoError(t, b.allowAt("svc", start.Add(3*time.Second)))
	assert.Equal(t, HalfOpen, b.Snapshot("svc").State)

	err = b.allowAt("svc", start.Add(3*time.Second))
	require.Error(t, err, "half_open_max=1 admits only one concurrent probe")
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Cooldown: time.Second, HalfOpenMax: 1})
	start := time.Unix(0, 0)

	require.NoError(t, b.allowAt("svc", start))
	b.failureAt("svc", start)
	require.NoError(t, b.allowAt("svc", start.Add(2*time.Second)))

	b.Success("svc")
	snap := b.Snapshot("svc")
	assert.Equal(t, Closed, snap.State)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Cooldown: time.Second, HalfOpenMax: 1})
	start := time.Unix(0, 0)

	require.NoError(t, b.allowAt("svc", start))
	b.failureAt("svc", start)
	require.NoError(t, b.allowAt("svc", start.Add(2*time.Second)))

	b.failureAt("svc", start.Add(2*time.Second))
	assert.Equal(t, Open, b.Snapshot("svc").State)
}

func TestCircuitOpenRejectionsDoNotCountAsFailures(t *testing.T) {
	b := New(Config{FailureThreshold: 2, Cooldown: time.Minute, HalfOpenMax: 1})
	start := time.Unix(0, 0)

	require.NoError(t, b.allowAt("svc", start))
	b.failureAt("svc", start)
	require.NoError(t, b.allowAt("svc", start.Add(time.Millisecond)))
	b.failureAt("svc", start.Add(time.Millisecond))
	assert.Equal(t, Open, b.Snapshot("svc").State)

	// Repeated rejections while open must not themselves tally as failures.
	for i := 0; i < 5; i++ {
		_ = b.allowAt("svc", start.Add(time.Millisecond))
	}
	assert.Equal(t, 2, b.Snapshot("svc").ConsecutiveFailures)
}

// TestThresholdThenCooldownProperty verifies the §8 invariant: after
// failure_threshold consecutive classified failures, the next call within
// cooldown returns CircuitOpen; after cooldown, exactly one probe is
// admitted when half_open_max=1.
func TestThresholdThenCooldownProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("breaker opens at threshold and half-opens after cooldown", prop.ForAll(
		func(threshold int, cooldownSec int) bool {
			cooldown := time.Duration(cooldownSec) * time.Second
			b := New(Config{FailureThreshold: threshold, Cooldown: cooldown, HalfOpenMax: 1})
			start := time.Unix(0, 0)

			for i := 0; i < threshold; i++ {
				if err := b.allowAt("p", start); err != nil {
					return false
				}
				b.failureAt("p", start)
			}
			if b.Snapshot("p").State != Open {
				return false
			}
			if err := b.allowAt("p", start.Add(cooldown-time.Millisecond)); err == nil {
				return false
			}
			if err := b.allowAt("p", start.Add(cooldown+time.Millisecond)); err != nil {
				return false
			}
			return b.Snapshot("p").State == HalfOpen
		},
		gen.IntRange(1, 10),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}
