// Package tooldispatch implements the Tool Dispatcher (C11): the sole
// adapter boundary between external tool invocations and the core
// operations. Every entry acquires a correlation id, checks the shutdown
// flag, validates its inputs, and calls into a component. Failures are
// returned as the components' errors (typed *errs.Error values); the
// dispatcher does not convert them into the errs.Envelope shape. getHealth
// only reads the shutdown flag, so it keeps answering during a shutdown.
// It carries no business rules of its own.
package tooldispatch

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/agentrelay/orchestrator/internal/errs"
	"github.com/agentrelay/orchestrator/internal/project"
	"github.com/agentrelay/orchestrator/internal/shutdown"
	"github.com/agentrelay/orchestrator/internal/task"
	"github.com/agentrelay/orchestrator/internal/telemetry"
	"github.com/agentrelay/orchestrator/internal/workflow"
)

// Dispatcher binds the named tool surface (§6) to core operations.
type Dispatcher struct {
	Pool        *task.Pool
	Projects    *project.Store
	Workflows   *workflow.Engine
	Coordinator *shutdown.Coordinator

	Logger  telemetry.Logger
	Tracer  telemetry.Tracer
	Metrics telemetry.Metrics

	startedAt time.Time
}

// New constructs a Dispatcher. startedAt is recorded for getHealth's
// uptime_seconds.
func New(pool *task.Pool, projects *project.Store, workflows *workflow.Engine, coord *shutdown.Coordinator, logger telemetry.Logger, tracer telemetry.Tracer, metrics telemetry.Metrics) *Dispatcher {
	return &Dispatcher{
		Pool: pool, Projects: projects, Workflows: workflows, Coordinator: coord,
		Logger: logger, Tracer: tracer, Metrics: metrics, startedAt: time.Now().UTC(),
	}
}

// enter implements the per-invocation prelude every tool shares: a fresh
// correlation id attached to the context, tracked for the shutdown drain,
// and a rejection if the coordinator is already shutting down. The caller
// must invoke the returned done func exactly once.
func (d *Dispatcher) enter(ctx context.Context) (context.Context, func(), error) {
	if d.Coordinator != nil && d.Coordinator.IsShuttingDown() {
		return ctx, func() {}, errs.New(errs.KindShuttingDown, "server is shutting down")
	}
	ctx = telemetry.WithCorrelationID(ctx, uuid.NewString())
	done := func() {}
	if d.Coordinator != nil {
		done = d.Coordinator.TrackRequest()
	}
	return ctx, done, nil
}

// DelegateTaskInput is delegateTask's input contract (§6).
type DelegateTaskInput struct {
	TaskDescription string
	TaskType        string
	ProjectPath     string
	Context         map[string]any
	PreferredAgent  string
}

// DelegateTaskOutput is delegateTask's success shape.
type DelegateTaskOutput struct {
	TaskID      string
	Status      string
	SubmittedAt time.Time
}

// DelegateTask implements the delegateTask tool.
func (d *Dispatcher) DelegateTask(ctx context.Context, in DelegateTaskInput) (DelegateTaskOutput, error) {
	_, done, err := d.enter(ctx)
	defer done()
	if err != nil {
		return DelegateTaskOutput{}, err
	}
	if in.TaskDescription == "" {
		return DelegateTaskOutput{}, errs.New(errs.KindValidation, "task_description must not be empty")
	}
	taskType := in.TaskType
	if taskType == "" {
		taskType = "code_generation"
	}
	projectPath := in.ProjectPath
	if projectPath == "" {
		projectPath = "."
	}

	t, err := d.Pool.SubmitInProject(in.TaskDescription, taskType, in.PreferredAgent, projectPath, in.Context)
	if err != nil {
		return DelegateTaskOutput{}, err
	}
	return DelegateTaskOutput{TaskID: t.ID, Status: string(t.Status), SubmittedAt: t.CreatedAt}, nil
}

// GetTaskStatus implements the getTaskStatus tool.
func (d *Dispatcher) GetTaskStatus(ctx context.Context, taskID string) (task.Task, error) {
	_, done, err := d.enter(ctx)
	defer done()
	if err != nil {
		return task.Task{}, err
	}
	if taskID == "" {
		return task.Task{}, errs.New(errs.KindValidation, "task_id must not be empty")
	}
	t, ok := d.Pool.Registry.Get(taskID)
	if !ok {
		return task.Task{}, errs.New(errs.KindNotFound, "task not found: "+taskID)
	}
	return t, nil
}

// ListActiveTasksOutput is listActiveTasks's success shape.
type ListActiveTasksOutput struct {
	Total int
	Tasks []task.Task
}

// ListActiveTasks implements the listActiveTasks tool.
func (d *Dispatcher) ListActiveTasks(ctx context.Context) (ListActiveTasksOutput, error) {
	_, done, err := d.enter(ctx)
	defer done()
	if err != nil {
		return ListActiveTasksOutput{}, err
	}
	active := d.Pool.Registry.ListActive()
	return ListActiveTasksOutput{Total: len(active), Tasks: active}, nil
}

// GetWorkerStats implements the getWorkerStats tool.
func (d *Dispatcher) GetWorkerStats(ctx context.Context) (task.WorkerStats, error) {
	_, done, err := d.enter(ctx)
	defer done()
	if err != nil {
		return task.WorkerStats{}, err
	}
	return d.Pool.Stats(), nil
}

// CancelTask implements the cancelTask tool.
func (d *Dispatcher) CancelTask(ctx context.Context, taskID string) (task.CancelResult, error) {
	_, done, err := d.enter(ctx)
	defer done()
	if err != nil {
		return task.CancelResult{}, err
	}
	if taskID == "" {
		return task.CancelResult{}, errs.New(errs.KindValidation, "task_id must not be empty")
	}
	return d.Pool.CancelTask(taskID)
}

// StartFeatureOutput is startFeature's success shape.
type StartFeatureOutput struct {
	FeatureID     string
	Phase         string
	RenderedPrompt string
}

// StartFeature implements the startFeature tool. projectPath is resolved
// to the registered Project by absolute path (§4.8's path index).
func (d *Dispatcher) StartFeature(ctx context.Context, projectPath, userPrompt string) (StartFeatureOutput, error) {
	_, done, err := d.enter(ctx)
	defer done()
	if err != nil {
		return StartFeatureOutput{}, err
	}
	if projectPath == "" || userPrompt == "" {
		return StartFeatureOutput{}, errs.New(errs.KindValidation, "project_path and user_prompt are required")
	}
	abs, absErr := filepath.Abs(projectPath)
	if absErr != nil {
		return StartFeatureOutput{}, errs.Wrap(errs.KindValidation, absErr, "resolving project_path")
	}
	p, pErr := d.Projects.GetByPath(abs)
	if pErr != nil {
		return StartFeatureOutput{}, errs.Wrap(errs.KindNotFound, pErr, "no project registered at "+abs)
	}

	f, fErr := d.Workflows.StartFeature(p.ID, userPrompt, "")
	if fErr != nil {
		return StartFeatureOutput{}, fErr
	}
	return StartFeatureOutput{FeatureID: f.ID, Phase: f.CurrentPhase, RenderedPrompt: renderPrompt(f.CurrentPhase, userPrompt)}, nil
}

// SubmitWorkOutput is submitWork's success shape.
type SubmitWorkOutput struct {
	Status         string
	NextPhase      string
	RenderedPrompt string
}

// SubmitWork implements the submitWork tool.
func (d *Dispatcher) SubmitWork(ctx context.Context, projectPath, featureID, phaseID string, results map[string]any) (SubmitWorkOutput, error) {
	_, done, err := d.enter(ctx)
	defer done()
	if err != nil {
		return SubmitWorkOutput{}, err
	}
	if projectPath == "" || featureID == "" || phaseID == "" {
		return SubmitWorkOutput{}, errs.New(errs.KindValidation, "project_path, feature_id, and phase_id are required")
	}
	abs, absErr := filepath.Abs(projectPath)
	if absErr != nil {
		return SubmitWorkOutput{}, errs.Wrap(errs.KindValidation, absErr, "resolving project_path")
	}
	p, pErr := d.Projects.GetByPath(abs)
	if pErr != nil {
		return SubmitWorkOutput{}, errs.Wrap(errs.KindNotFound, pErr, "no project registered at "+abs)
	}

	res, wErr := d.Workflows.SubmitPhase(p.ID, featureID, phaseID, results)
	if wErr != nil {
		return SubmitWorkOutput{}, wErr
	}
	out := SubmitWorkOutput{Status: res.Status, NextPhase: res.NextPhase}
	if res.NextPhase != "" {
		out.RenderedPrompt = renderPrompt(res.NextPhase, "")
	}
	return out, nil
}

// GetHealthOutput is getHealth's success shape.
type GetHealthOutput struct {
	Status        string
	UptimeSeconds float64
	Metrics       task.WorkerStats
	Checks        map[string]string
}

// GetHealth implements the getHealth tool. It does not go through enter:
// it is not rejected once shutdown has begun, and reports "shutting_down".
func (d *Dispatcher) GetHealth(ctx context.Context) (GetHealthOutput, error) {
	status := "ok"
	checks := map[string]string{"task_pool": "ok"}
	if d.Coordinator != nil && d.Coordinator.IsShuttingDown() {
		status = "shutting_down"
		checks["shutdown"] = "in_progress"
	}
	return GetHealthOutput{
		Status:        status,
		UptimeSeconds: time.Since(d.startedAt).Seconds(),
		Metrics:       d.Pool.Stats(),
		Checks:        checks,
	}, nil
}

// renderPrompt is the minimal phase-prompt template behind startFeature's
// and submitWork's RenderedPrompt outputs; phase-specific wording lives here rather
// than in the engine, which only tracks state transitions.
func renderPrompt(phase, userPrompt string) string {
	if userPrompt != "" {
		return "Phase " + phase + ": " + userPrompt
	}
	return "Continue to phase " + phase
}
