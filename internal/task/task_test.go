package task

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/orchestrator/internal/errs"
)

func newQueuedTask(id string) Task {
	return Task{ID: id, Type: "code_generation", Description: "do a thing", Status: Queued}
}

func TestTransitionFollowsLifecycleDAG(t *testing.T) {
	r := NewRegistry()
	r.Put(newQueuedTask("t1"))

	require.NoError(t, r.Transition("t1", Running, nil))
	require.NoError(t, r.Transition("t1", Completed, func(tt *Task) { tt.Result = map[string]any{"ok": true} }))

	tt, ok := r.Get("t1")
	require.True(t, ok)
	assert.Equal(t, Completed, tt.Status)
	assert.True(t, tt.Status.IsTerminal())
	assert.False(t, tt.FinishedAt.IsZero())
}

func TestTransitionRejectsIllegalJump(t *testing.T) {
	r := NewRegistry()
	r.Put(newQueuedTask("t1"))

	err := r.Transition("t1", Completed, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestTransitionRejectsOnceTerminal(t *testing.T) {
	r := NewRegistry()
	r.Put(newQueuedTask("t1"))
	require.NoError(t, r.Transition("t1", Running, nil))
	require.NoError(t, r.Transition("t1", Failed, nil))

	err := r.Transition("t1", Completed, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindTerminalState))
}

func TestCancelQueuedTaskSucceeds(t *testing.T) {
	r := NewRegistry()
	r.Put(newQueuedTask("t1"))

	res, err := r.Cancel("t1")
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, Queued, res.PreviousStatus)

	tt, _ := r.Get("t1")
	assert.Equal(t, Cancelled, tt.Status)
}

func TestCancelTerminalTaskIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Put(newQueuedTask("t1"))
	require.NoError(t, r.Transition("t1", Running, nil))
	require.NoError(t, r.Transition("t1", Completed, nil))

	res, err := r.Cancel("t1")
	require.NoError(t, err)
	assert.False(t, res.Cancelled)
	assert.Equal(t, Completed, res.PreviousStatus)

	tt, _ := r.Get("t1")
	assert.Equal(t, Completed, tt.Status)
}

func TestListActiveExcludesTerminalTasks(t *testing.T) {
	r := NewRegistry()
	r.Put(newQueuedTask("t1"))
	r.Put(newQueuedTask("t2"))
	require.NoError(t, r.Transition("t1", Running, nil))
	require.NoError(t, r.Transition("t1", Completed, nil))

	active := r.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, "t2", active[0].ID)
}

// TestLifecyclePrefixProperty is the §8 invariant that a task either stays
// QUEUED or moves through RUNNING to exactly one terminal state, after which
// no further transition is accepted.
func TestLifecyclePrefixProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("every task either stays QUEUED or reaches exactly one terminal state", prop.ForAll(
		func(toRunning bool, outcome int) bool {
			r := NewRegistry()
			r.Put(newQueuedTask("t"))

			if !toRunning {
				tt, _ := r.Get("t")
				return tt.Status == Queued && !tt.Status.IsTerminal()
			}

			if err := r.Transition("t", Running, nil); err != nil {
				return false
			}

			var final Status
			switch outcome % 3 {
			case 0:
				final = Completed
			case 1:
				final = Failed
			default:
				final = Cancelled
			}
			if err := r.Transition("t", final, nil); err != nil {
				return false
			}

			tt, _ := r.Get("t")
			if tt.Status != final || !tt.Status.IsTerminal() {
				return false
			}
			return r.Transition("t", Running, nil) != nil
		},
		gen.Bool(),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
