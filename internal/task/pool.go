package task

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentrelay/orchestrator/internal/agentadapter"
	"github.com/agentrelay/orchestrator/internal/breaker"
	"github.com/agentrelay/orchestrator/internal/compensation"
	"github.com/agentrelay/orchestrator/internal/dlq"
	"github.com/agentrelay/orchestrator/internal/errs"
	"github.com/agentrelay/orchestrator/internal/ratelimit"
	"github.com/agentrelay/orchestrator/internal/supervisor"
	"github.com/agentrelay/orchestrator/internal/telemetry"
)

// DefaultRoutingTable is the static task.type -> ordered agent preference
// list consulted when a task has no recognized preferred_agent (§4.6).
var DefaultRoutingTable = map[string][]string{
	"code_generation": {"claude-code", "aider"},
	"research":        {"claude-code"},
	"review":          {"claude-code", "aider"},
	"test":            {"claude-code", "aider"},
	"design":          {"claude-code"},
}

// PoolConfig configures the worker pool (§6 environment variables).
type PoolConfig struct {
	WorkerCount    int
	QueueCapacity  int
	RoutingTable   map[string][]string
	AvailableAgents map[string]bool // agent name -> installed; noop-echo is always available
}

// DefaultPoolConfig returns the §6 defaults: WORKER_COUNT=3,
// QUEUE_CAPACITY=1024.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{WorkerCount: 3, QueueCapacity: 1024, RoutingTable: DefaultRoutingTable}
}

// WorkerStats is the aggregate shape getWorkerStats returns (§6).
type WorkerStats struct {
	MaxWorkers     int
	ActiveWorkers  int
	Queued         int
	TotalProcessed int
}

// Pool is the bounded FIFO task queue plus its N worker loops (C6). It
// consults the rate limiter and circuit breaker for the resolved agent's
// scope before every spawn, and on failure routes the operation to the DLQ
// and triggers any registered compensation — the composition spec.md §2
// describes as "Delegation flows C11 -> C6 -> Worker -> C5".
type Pool struct {
	cfg PoolConfig

	Registry   *Registry
	Limiter    *ratelimit.Limiter
	Breaker    *breaker.Breaker
	Supervisor *supervisor.Supervisor
	Adapters   *agentadapter.Registry
	DLQ        *dlq.Queue
	Comp       *compensation.Registry

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer

	queueCh chan string
	busy    []int32 // per-worker busy flag, index = worker number

	wg         sync.WaitGroup
	stopCh     chan struct{}
	isStopped  bool
	mu         sync.Mutex
	runningPID map[string]int // task id -> pid, for RUNNING tasks only

	// ShuttingDown, when non-nil, is consulted by Submit to reject new
	// work once the shutdown coordinator (C10) has begun draining.
	ShuttingDown func() bool
}

// New constructs a Pool. Call Start to launch its worker goroutines.
func New(cfg PoolConfig, reg *Registry, limiter *ratelimit.Limiter, br *breaker.Breaker, sup *supervisor.Supervisor, adapters *agentadapter.Registry, q *dlq.Queue, comp *compensation.Registry, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 3
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.RoutingTable == nil {
		cfg.RoutingTable = DefaultRoutingTable
	}
	return &Pool{
		cfg:        cfg,
		Registry:   reg,
		Limiter:    limiter,
		Breaker:    br,
		Supervisor: sup,
		Adapters:   adapters,
		DLQ:        q,
		Comp:       comp,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     tracer,
		queueCh:    make(chan string, cfg.QueueCapacity),
		busy:       make([]int32, cfg.WorkerCount),
		stopCh:     make(chan struct{}),
		runningPID: make(map[string]int),
	}
}

// Start launches the N worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}
}

// Stop is StopContext with a background context — unbounded, for callers
// (most tests included) with no cleanup deadline to honor.
func (p *Pool) Stop() {
	p.StopContext(context.Background())
}

// StopContext signals every worker to exit after its current task, waits
// for them to drain bounded by ctx, then cancels every task still sitting
// in the queue (§4.10/§8: "after request_timeout, M QUEUED tasks are
// CANCELLED"). A task a worker had already dequeued before stopCh closed
// runs to its own terminal transition and is unaffected. If ctx expires
// before the workers drain, StopContext returns anyway (the §4.10
// force-after-timeout behavior the shutdown coordinator itself uses) and
// the still-running workers finish in the background.
func (p *Pool) StopContext(ctx context.Context) {
	p.mu.Lock()
	if p.isStopped {
		p.mu.Unlock()
		return
	}
	p.isStopped = true
	close(p.stopCh)
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		if p.Logger != nil {
			p.Logger.Error(ctx, "task.pool_stop_timeout")
		}
	}
	p.DrainQueued()
}

// DrainQueued cancels every task id still sitting in the queue channel,
// without blocking for more to arrive. Safe to call once workers have
// stopped pulling from queueCh; harmless (a no-op) otherwise beyond
// cancelling whatever happens to be queued at the moment it runs.
func (p *Pool) DrainQueued() {
	for {
		select {
		case id := <-p.queueCh:
			_, _ = p.Registry.Cancel(id)
			if p.Metrics != nil {
				p.Metrics.RecordGauge("tasks_queued", float64(len(p.queueCh)))
			}
		default:
			return
		}
	}
}

// Submit enqueues a new task and returns immediately (§4.6: "target:
// sub-millisecond, no downstream I/O"). It never blocks: a full queue
// returns QueueFull without mutating any state; a draining pool returns
// ShuttingDown.
func (p *Pool) Submit(description, taskType, preferredAgent string, ctxMap map[string]any) (Task, error) {
	return p.SubmitInProject(description, taskType, preferredAgent, ".", ctxMap)
}

// SubmitInProject is Submit with an explicit project_path, used as the
// child process's working directory (§4.6's "rendered into the agent's
// command-line convention" extends to its cwd).
func (p *Pool) SubmitInProject(description, taskType, preferredAgent, projectPath string, ctxMap map[string]any) (Task, error) {
	if p.ShuttingDown != nil && p.ShuttingDown() {
		return Task{}, errs.New(errs.KindShuttingDown, "server is shutting down")
	}
	if description == "" {
		return Task{}, errs.New(errs.KindValidation, "task_description must not be empty")
	}
	if taskType == "" {
		taskType = "code_generation"
	}
	if projectPath == "" {
		projectPath = "."
	}

	t := Task{
		ID:             "task-" + uuid.NewString(),
		Type:           taskType,
		Description:    description,
		ProjectPath:    projectPath,
		PreferredAgent: preferredAgent,
		Status:         Queued,
		Context:        ctxMap,
		CreatedAt:      time.Now().UTC(),
	}

	// Put before enqueue: a worker may dequeue t.ID the instant it lands on
	// queueCh, and runTask's first step is Registry.Transition(id, Running,
	// ...), which requires the record to already exist. Enqueueing first
	// races that lookup and can lose the task entirely.
	p.Registry.Put(t)

	select {
	case p.queueCh <- t.ID:
	default:
		p.Registry.Delete(t.ID)
		return Task{}, errs.New(errs.KindQueueFull, "task queue at capacity")
	}

	if p.Metrics != nil {
		p.Metrics.RecordGauge("tasks_queued", float64(len(p.queueCh)))
	}
	return t, nil
}

// Stats reports the aggregate worker-pool picture for getWorkerStats (§6).
func (p *Pool) Stats() WorkerStats {
	active := 0
	for i := range p.busy {
		if p.busy[i] != 0 {
			active++
		}
	}
	return WorkerStats{
		MaxWorkers:     p.cfg.WorkerCount,
		ActiveWorkers:  active,
		Queued:         len(p.queueCh),
		TotalProcessed: p.Registry.TotalProcessed(),
	}
}

func (p *Pool) workerLoop(ctx context.Context, worker int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case id := <-p.queueCh:
			p.busy[worker] = 1
			p.emitActiveWorkers()
			if p.Metrics != nil {
				p.Metrics.RecordGauge("tasks_queued", float64(len(p.queueCh)))
			}
			p.runTask(ctx, worker, id)
			p.busy[worker] = 0
			p.emitActiveWorkers()
		}
	}
}

// emitActiveWorkers publishes the live count of busy workers as the
// tasks_running gauge (§4.12): a point-in-time value re-emitted on every
// busy/idle transition, not a monotonic counter incremented once per start.
func (p *Pool) emitActiveWorkers() {
	if p.Metrics == nil {
		return
	}
	p.Metrics.RecordGauge("tasks_running", float64(p.Stats().ActiveWorkers))
}

// runTask drives one task from RUNNING through its terminal transition. It
// never panics on a routing/admission failure; every failure path ends in
// a FAILED transition, a DLQ entry, and a compensation pass.
func (p *Pool) runTask(ctx context.Context, worker int, id string) {
	if err := p.Registry.Transition(id, Running, func(t *Task) {
		t.AssignedWorker = worker
		t.HasWorker = true
	}); err != nil {
		// Already cancelled while queued; nothing further to do.
		return
	}

	t, ok := p.Registry.Get(id)
	if !ok {
		return
	}

	agentName, routeErr := p.resolveAgent(t)
	if routeErr != nil {
		p.fail(ctx, t, routeErr)
		return
	}

	adapter, _ := p.Adapters.Get(agentName)

	if p.Limiter != nil && !p.Limiter.Allow(agentName) {
		p.fail(ctx, t, errs.New(errs.KindRateLimited, "rate limit exceeded for agent "+agentName))
		return
	}

	if p.Breaker != nil {
		if err := p.Breaker.Allow(agentName); err != nil {
			p.fail(ctx, t, err)
			return
		}
	}

	args := adapter.ResolveCommand(t.Description, t.Context)
	pid, resultCh, spawnErr := p.Supervisor.RunAsync(ctx, supervisor.Cmd{ID: t.ID, Args: args, Dir: t.ProjectPath})
	if spawnErr != nil {
		if p.Breaker != nil {
			p.Breaker.Failure(agentName)
		}
		p.fail(ctx, t, spawnErr)
		return
	}

	p.mu.Lock()
	p.runningPID[t.ID] = pid
	p.mu.Unlock()
	res := <-resultCh
	p.mu.Lock()
	delete(p.runningPID, t.ID)
	p.mu.Unlock()

	if res.Err != nil && res.ExitCode == 0 {
		if p.Breaker != nil {
			p.Breaker.Failure(agentName)
		}
		p.fail(ctx, t, res.Err)
		return
	}

	ok2, result, classifyErr := adapter.ClassifyExit(res.ExitCode, res.Stdout, res.Stderr)
	if classifyErr != nil || !ok2 {
		if p.Breaker != nil {
			p.Breaker.Failure(agentName)
		}
		errText := "agent reported failure"
		if classifyErr != nil {
			errText = classifyErr.Error()
		}
		p.fail(ctx, t, errs.New(errs.KindChildExitedNonZero, errText))
		return
	}

	if p.Breaker != nil {
		p.Breaker.Success(agentName)
	}

	_ = p.Registry.Transition(t.ID, Completed, func(tt *Task) {
		tt.AssignedAgent = agentName
		tt.Result = result
	})
	if p.Metrics != nil {
		p.Metrics.IncCounter("tasks_completed_total", 1)
	}
}

func (p *Pool) fail(ctx context.Context, t Task, cause error) {
	_ = p.Registry.Transition(t.ID, Failed, func(tt *Task) {
		tt.Error = cause.Error()
	})
	if p.Metrics != nil {
		p.Metrics.IncCounter("tasks_failed_total", 1)
	}
	if p.DLQ != nil {
		p.DLQ.Add(t.ID, "delegate_task", retryContext(t), cause.Error())
	}
	if p.Comp != nil {
		p.Comp.Compensate(t.ID)
	}
	if p.Logger != nil {
		p.Logger.Error(ctx, "task.failed", "task_id", t.ID, "error", cause.Error())
	}
}

// retryContext captures everything a DLQ retry handler needs to resubmit a
// failed task: the original submission fields alongside the task's own
// free-form context, under reserved keys that never collide with a caller's
// context (the caller's context is itself nested under "context").
func retryContext(t Task) map[string]any {
	return map[string]any{
		"task_description": t.Description,
		"task_type":        t.Type,
		"project_path":     t.ProjectPath,
		"preferred_agent":  t.PreferredAgent,
		"context":          t.Context,
	}
}

// resolveAgent implements the routing policy (§4.6): an explicit, known,
// available preferred_agent wins; otherwise the first available agent in
// task.type's preference list; otherwise NoAgentAvailable.
func (p *Pool) resolveAgent(t Task) (string, error) {
	if t.PreferredAgent != "" && p.isAvailable(t.PreferredAgent) {
		return t.PreferredAgent, nil
	}

	for _, candidate := range p.cfg.RoutingTable[t.Type] {
		if p.isAvailable(candidate) {
			return candidate, nil
		}
	}
	return "", errs.Newf(errs.KindNoAgentAvailable, "no agent available for task type %q", t.Type)
}

// CancelTask implements §5's cancellation semantics. A QUEUED task is
// cancelled immediately via the registry (runTask's own Transition-to-RUNNING
// call then fails harmlessly if the worker dequeues it afterward). A RUNNING
// task's child process is killed through the supervisor — gracefully, then
// forced after Supervisor.KillGracePeriod — and the task is transitioned to
// CANCELLED once the kill is confirmed.
func (p *Pool) CancelTask(id string) (CancelResult, error) {
	t, ok := p.Registry.Get(id)
	if !ok {
		return CancelResult{}, errs.New(errs.KindNotFound, "task not found: "+id)
	}

	if t.Status != Running {
		return p.Registry.Cancel(id)
	}

	p.mu.Lock()
	pid, hasPID := p.runningPID[id]
	p.mu.Unlock()

	if hasPID {
		kr := p.Supervisor.Kill(pid)
		if !kr.Terminated {
			return CancelResult{}, errs.New(errs.KindKillFailed, "failed to terminate task process")
		}
	}

	return p.Registry.Cancel(id)
}

func (p *Pool) isAvailable(name string) bool {
	if _, ok := p.Adapters.Get(name); !ok {
		return false
	}
	if name == "noop-echo" {
		return true
	}
	if p.cfg.AvailableAgents == nil {
		return true
	}
	return p.cfg.AvailableAgents[name]
}
