// Package supervisor implements the child-process supervisor (C5): parallel
// spawning of agent processes, streaming stdout/stderr capture, CPU/memory
// health sampling, and cross-platform graceful-then-forced termination.
//
// The subprocess lifecycle (exec.CommandContext, stdin/stdout/stderr
// wiring, exit-code classification) follows the shape of the pack's
// cub-executor (other_examples/c46d33b8_dyluth-holt__internal-cub-executor.go.go):
// start the command, stream its output, classify the result from its exit
// code and captured streams. That file runs one tool synchronously per
// claim; this package generalizes it to N concurrently supervised
// processes with a live handle table so health(pid) and kill(pid) can be
// addressed from any worker goroutine.
package supervisor

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"

	"github.com/agentrelay/orchestrator/internal/errs"
)

// Cmd is a command-argument vector to spawn.
type Cmd struct {
	ID   string // caller-supplied correlation tag, echoed back in results
	Args []string
	Dir  string
	Env  []string
}

// SpawnResult is the per-command outcome of SpawnParallel.
type SpawnResult struct {
	ID       string
	PID      int
	Status   string // "started" | "failed"
	Err      error
	ExitCode int
	Stdout   string
	Stderr   string
}

// StreamLine is one line of merged stdout/stderr output from SpawnStreaming,
// tagged with its source.
type StreamLine struct {
	Source string // "stdout" | "stderr"
	Text   string
}

// Health is a point-in-time snapshot for health(pid).
type Health struct {
	PID      int
	CPUPct   float64
	RSSBytes uint64
	Alive    bool
	Status   string
}

// KillResult reports the outcome of a termination request.
type KillResult struct {
	Terminated bool
	Method     string // "graceful" | "forced" | "already_exited"
}

type handle struct {
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	doneCh   chan struct{}
	exitErr  error
}

// Supervisor owns handles to live child processes until they exit or are
// killed.
type Supervisor struct {
	mu      sync.Mutex
	handles map[int]*handle

	// KillGracePeriod bounds the wait between a graceful termination request
	// and escalation to a forced kill (default 3s per §4.5).
	KillGracePeriod time.Duration
}

// New constructs a Supervisor.
func New() *Supervisor {
	return &Supervisor{handles: make(map[int]*handle), KillGracePeriod: 3 * time.Second}
}

// SpawnParallel launches every command in cmds concurrently via an
// errgroup; each spawn is independent, so one command's failure to start
// never prevents the others from running, and results are returned in the
// same order as cmds regardless of completion order.
func (s *Supervisor) SpawnParallel(ctx context.Context, cmds []Cmd) []SpawnResult {
	results := make([]SpawnResult, len(cmds))
	g, gctx := errgroup.WithContext(context.Background())
	_ = gctx // each spawn uses its own lifetime, not a shared cancellation

	for i, c := range cmds {
		i, c := i, c
		g.Go(func() error {
			results[i] = s.runToCompletion(ctx, c)
			return nil
		})
	}
	_ = g.Wait() // runToCompletion never returns an error; failures are captured per-result
	return results
}

func (s *Supervisor) runToCompletion(ctx context.Context, c Cmd) SpawnResult {
	if len(c.Args) == 0 {
		return SpawnResult{ID: c.ID, Status: "failed", Err: errs.New(errs.KindSpawnFailed, "empty command")}
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}

	var stdout, stderr buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return SpawnResult{ID: c.ID, Status: "failed", Err: errs.Wrap(errs.KindSpawnFailed, err, "failed to start "+c.Args[0])}
	}

	pid := cmd.Process.Pid
	s.track(pid, cmd, nil)
	defer s.untrack(pid)

	err := cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return SpawnResult{ID: c.ID, PID: pid, Status: "failed", Err: errs.Wrap(errs.KindSpawnFailed, err, "process wait failed")}
		}
	}
	if exitCode != 0 {
		return SpawnResult{
			ID: c.ID, PID: pid, Status: "failed", ExitCode: exitCode,
			Stdout: stdout.String(), Stderr: stderr.String(),
			Err: errs.Newf(errs.KindChildExitedNonZero, "process exited with code %d", exitCode),
		}
	}
	return SpawnResult{ID: c.ID, PID: pid, Status: "started", ExitCode: 0, Stdout: stdout.String(), Stderr: stderr.String()}
}

// RunAsync starts cmd and returns its pid immediately alongside a channel
// that receives the single classified SpawnResult once the process exits.
// It is the entry point task cancellation needs: the caller learns the pid
// in time to call Kill before the process finishes on its own.
func (s *Supervisor) RunAsync(ctx context.Context, c Cmd) (int, <-chan SpawnResult, error) {
	if len(c.Args) == 0 {
		return 0, nil, errs.New(errs.KindSpawnFailed, "empty command")
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}

	var stdout, stderr buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return 0, nil, errs.Wrap(errs.KindSpawnFailed, err, "failed to start "+c.Args[0])
	}

	pid := cmd.Process.Pid
	s.track(pid, cmd, nil)

	resultCh := make(chan SpawnResult, 1)
	go func() {
		defer s.untrack(pid)
		err := cmd.Wait()
		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				resultCh <- SpawnResult{ID: c.ID, PID: pid, Status: "failed", Err: errs.Wrap(errs.KindSpawnFailed, err, "process wait failed")}
				close(resultCh)
				return
			}
		}
		if exitCode != 0 {
			resultCh <- SpawnResult{
				ID: c.ID, PID: pid, Status: "failed", ExitCode: exitCode,
				Stdout: stdout.String(), Stderr: stderr.String(),
				Err: errs.Newf(errs.KindChildExitedNonZero, "process exited with code %d", exitCode),
			}
			close(resultCh)
			return
		}
		resultCh <- SpawnResult{ID: c.ID, PID: pid, Status: "started", ExitCode: 0, Stdout: stdout.String(), Stderr: stderr.String()}
		close(resultCh)
	}()

	return pid, resultCh, nil
}

// SpawnStreaming launches cmd and returns its pid alongside a channel
// yielding merged stdout+stderr lines in arrival order, each tagged with
// its source. The channel closes when the process exits; it is a finite,
// non-restartable sequence per §4.5.
func (s *Supervisor) SpawnStreaming(ctx context.Context, c Cmd) (int, <-chan StreamLine, error) {
	if len(c.Args) == 0 {
		return 0, nil, errs.New(errs.KindSpawnFailed, "empty command")
	}
	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return 0, nil, errs.Wrap(errs.KindSpawnFailed, err, "stdout pipe")
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return 0, nil, errs.Wrap(errs.KindSpawnFailed, err, "stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return 0, nil, errs.Wrap(errs.KindSpawnFailed, err, "failed to start "+c.Args[0])
	}
	pid := cmd.Process.Pid
	s.track(pid, cmd, nil)

	out := make(chan StreamLine, 16)
	var wg sync.WaitGroup
	wg.Add(2)
	go pumpLines(&wg, out, stdoutPipe, "stdout")
	go pumpLines(&wg, out, stderrPipe, "stderr")

	go func() {
		wg.Wait()
		_ = cmd.Wait()
		s.untrack(pid)
		close(out)
	}()

	return pid, out, nil
}

func pumpLines(wg *sync.WaitGroup, out chan<- StreamLine, r io.Reader, source string) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		out <- StreamLine{Source: source, Text: scanner.Text()}
	}
}

// Health samples CPU percent and RSS for pid without blocking on the child.
// Any pid is sampled, whether or not the supervisor spawned it; a pid
// gopsutil cannot find is reported not alive.
func (s *Supervisor) Health(pid int) Health {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return Health{PID: pid, Alive: false, Status: "not_found"}
	}
	cpu, _ := proc.CPUPercent()
	mem, err := proc.MemoryInfo()
	rss := uint64(0)
	if err == nil && mem != nil {
		rss = mem.RSS
	}
	running, _ := proc.IsRunning()
	status := "running"
	if !running {
		status = "exited"
	}
	return Health{PID: pid, CPUPct: cpu, RSSBytes: rss, Alive: running, Status: status}
}

// Kill attempts graceful termination of pid first (platform-appropriate
// signal), then escalates to a forced kill after KillGracePeriod if the
// process has not exited.
func (s *Supervisor) Kill(pid int) KillResult {
	s.mu.Lock()
	h, ok := s.handles[pid]
	s.mu.Unlock()
	if !ok {
		return KillResult{Terminated: true, Method: "already_exited"}
	}

	if err := terminateGracefully(h.cmd.Process); err != nil {
		if killErr := h.cmd.Process.Kill(); killErr != nil {
			return KillResult{Terminated: false, Method: "forced"}
		}
		return KillResult{Terminated: true, Method: "forced"}
	}

	select {
	case <-h.doneCh:
		return KillResult{Terminated: true, Method: "graceful"}
	case <-time.After(s.KillGracePeriod):
		if err := h.cmd.Process.Kill(); err != nil {
			return KillResult{Terminated: false, Method: "forced"}
		}
		return KillResult{Terminated: true, Method: "forced"}
	}
}

func (s *Supervisor) track(pid int, cmd *exec.Cmd, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[pid] = &handle{cmd: cmd, cancel: cancel, doneCh: make(chan struct{})}
}

func (s *Supervisor) untrack(pid int) {
	s.mu.Lock()
	h, ok := s.handles[pid]
	if ok {
		delete(s.handles, pid)
	}
	s.mu.Unlock()
	if ok {
		close(h.doneCh)
	}
}

// DetectInstalled reports which of names is resolvable on PATH. It
// supplements the routing policy (§4.6) and the Project Store's
// onboarding-time agent detection (SPEC_FULL.md §3 Project.metadata).
func (s *Supervisor) DetectInstalled(names []string) []string {
	var found []string
	for _, n := range names {
		if _, err := exec.LookPath(n); err == nil {
			found = append(found, n)
		}
	}
	return found
}

// buffer is a tiny io.Writer adapter so both spawn paths can share one
// in-memory sink type. It has no size limit: it keeps every byte the child
// writes.
type buffer struct {
	data []byte
}

func (b *buffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *buffer) String() string { return string(b.data) }
