package supervisor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/agentrelay/orchestrator/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnParallelRunsIndependently(t *testing.T) {
	s := New()
	cmds := []Cmd{
		{ID: "a", Args: []string{"echo", "A"}},
		{ID: "b", Args: []string{"does-not-exist-binary-xyz"}},
		{ID: "c", Args: []string{"echo", "C"}},
	}

	results := s.SpawnParallel(context.Background(), cmds)
	require.Len(t, results, 3)

	assert.Equal(t, "started", results[0].Status)
	assert.Contains(t, results[0].Stdout, "A")

	assert.Equal(t, "failed", results[1].Status)
	assert.True(t, errs.Is(results[1].Err, errs.KindSpawnFailed), "missing executable classifies as SpawnFailed")

	assert.Equal(t, "started", results[2].Status)
	assert.Contains(t, results[2].Stdout, "C")
}

func TestSpawnParallelClassifiesNonZeroExit(t *testing.T) {
	s := New()
	results := s.SpawnParallel(context.Background(), []Cmd{{ID: "x", Args: []string{"sh", "-c", "exit 7"}}})
	require.Len(t, results, 1)
	assert.Equal(t, "failed", results[0].Status)
	assert.Equal(t, 7, results[0].ExitCode)
	assert.True(t, errs.Is(results[0].Err, errs.KindChildExitedNonZero))
}

func TestSpawnStreamingMergesLinesWithSourceTag(t *testing.T) {
	s := New()
	script := "echo out1; echo err1 1>&2; echo out2"
	pid, lines, err := s.SpawnStreaming(context.Background(), Cmd{Args: []string{"sh", "-c", script}})
	require.NoError(t, err)
	require.Greater(t, pid, 0)

	var seen []StreamLine
	for l := range lines {
		seen = append(seen, l)
	}
	require.Len(t, seen, 3)
	for _, l := range seen {
		assert.Contains(t, []string{"stdout", "stderr"}, l.Source)
	}
}

func TestHealthReportsNotAliveForUnknownPID(t *testing.T) {
	s := New()
	h := s.Health(999999)
	assert.False(t, h.Alive)
}

func TestKillAlreadyExitedIsNoopSuccess(t *testing.T) {
	s := New()
	res := s.Kill(os.Getpid() + 1_000_000)
	assert.True(t, res.Terminated)
	assert.Equal(t, "already_exited", res.Method)
}

func TestKillGracefullyTerminatesRunningProcess(t *testing.T) {
	s := New()
	s.KillGracePeriod = 500 * time.Millisecond
	pid, _, err := s.SpawnStreaming(context.Background(), Cmd{Args: []string{"sleep", "30"}})
	require.NoError(t, err)

	res := s.Kill(pid)
	assert.True(t, res.Terminated)
}

func TestDetectInstalledFindsKnownBinaries(t *testing.T) {
	s := New()
	found := s.DetectInstalled([]string{"sh", "definitely-not-a-real-binary-abc"})
	assert.Contains(t, found, "sh")
	assert.NotContains(t, found, "definitely-not-a-real-binary-abc")
}
