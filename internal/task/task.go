// Package task implements the task lifecycle record (C7 Task Registry) and
// the bounded FIFO queue plus N-worker pool that drains it (C6).
package task

import (
	"sync"
	"time"

	"github.com/agentrelay/orchestrator/internal/errs"
)

// Status is one of the lifecycle states named in spec.md §3.
type Status string

const (
	Queued    Status = "QUEUED"
	Running   Status = "RUNNING"
	Completed Status = "COMPLETED"
	Failed    Status = "FAILED"
	Cancelled Status = "CANCELLED"
)

// IsTerminal reports whether s is a final lifecycle state.
func (s Status) IsTerminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// validTransitions encodes the lifecycle DAG from §3/§7: QUEUED can move to
// RUNNING or CANCELLED; RUNNING can move to COMPLETED, FAILED, or
// CANCELLED; terminal states are final.
var validTransitions = map[Status]map[Status]bool{
	Queued:  {Running: true, Cancelled: true},
	Running: {Completed: true, Failed: true, Cancelled: true},
}

// Task is a single unit of work (§3).
type Task struct {
	ID             string
	Type           string
	Description    string
	ProjectPath    string
	PreferredAgent string
	Status         Status
	AssignedAgent  string
	AssignedWorker int
	HasWorker      bool
	Context        map[string]any
	Result         map[string]any
	Error          string
	RetryCount     int

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// Clone returns a deep-enough copy safe to hand to a caller outside the
// registry's lock.
func (t Task) Clone() Task {
	c := t
	if t.Context != nil {
		c.Context = cloneMap(t.Context)
	}
	if t.Result != nil {
		c.Result = cloneMap(t.Result)
	}
	return c
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type record struct {
	mu   sync.Mutex
	task Task
}

// Registry is the in-memory id -> Task map (§4.7), with auxiliary indices
// for active (non-terminal) tasks. A coarse lock protects the indices; each
// task additionally has its own lock for the check-and-set transition
// pattern (§5).
type Registry struct {
	mu       sync.RWMutex
	tasks    map[string]*record
	active   map[string]bool
	total    int
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*record), active: make(map[string]bool)}
}

// Put inserts a newly created task. Tasks are always created QUEUED (§3).
func (r *Registry) Put(t Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = &record{task: t}
	if !t.Status.IsTerminal() {
		r.active[t.ID] = true
	}
	r.total++
}

// Delete removes a task the caller is rolling back — used only when a
// submission never actually took effect (e.g. the queue was full after the
// record was provisionally Put), so TotalProcessed must not count it.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
	delete(r.active, id)
	r.total--
}

// Get returns a copy of the task with id, if known.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.RLock()
	rec, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return Task{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.task.Clone(), true
}

// ListActive returns a copy of every non-terminal task.
func (r *Registry) ListActive() []Task {
	r.mu.RLock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := r.Get(id); ok {
			out = append(out, t)
		}
	}
	return out
}

// TotalProcessed reports the number of tasks ever submitted to the
// registry, for getWorkerStats (§6).
func (r *Registry) TotalProcessed() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Mutate applies fn to the task under its per-task lock without changing
// status, for recording incremental fields (assigned_worker, result, ...).
// fn must not be used to perform a status transition; use Transition.
func (r *Registry) Mutate(id string, fn func(t *Task)) bool {
	r.mu.RLock()
	rec, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	fn(&rec.task)
	return true
}

// Transition validates and applies a status change, and keeps the active
// index consistent. payload, when non-nil, is applied to the task before
// the status is written (e.g. setting Result/Error on a terminal
// transition) so callers observe a fully-formed terminal record.
func (r *Registry) Transition(id string, newStatus Status, payload func(t *Task)) error {
	r.mu.RLock()
	rec, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return errs.New(errs.KindNotFound, "task not found: "+id)
	}

	rec.mu.Lock()
	cur := rec.task.Status
	if cur.IsTerminal() {
		rec.mu.Unlock()
		return errs.New(errs.KindTerminalState, "task already terminal: "+id)
	}
	if !validTransitions[cur][newStatus] {
		rec.mu.Unlock()
		return errs.Newf(errs.KindValidation, "illegal transition %s -> %s", cur, newStatus)
	}
	if payload != nil {
		payload(&rec.task)
	}
	rec.task.Status = newStatus
	switch newStatus {
	case Running:
		rec.task.StartedAt = time.Now().UTC()
	case Completed, Failed, Cancelled:
		rec.task.FinishedAt = time.Now().UTC()
	}
	rec.mu.Unlock()

	if newStatus.IsTerminal() {
		r.mu.Lock()
		delete(r.active, id)
		r.mu.Unlock()
	}
	return nil
}

// CancelResult is the structured outcome of a cancel request (§6 cancelTask).
type CancelResult struct {
	Cancelled      bool
	PreviousStatus Status
}

// Cancel requests cancellation of task id. A QUEUED task is cancelled
// immediately. A RUNNING task is also transitioned to CANCELLED here; the
// caller (the worker pool, which owns the supervisor handle) is
// responsible for actually signalling the child process to terminate
// before or after this call, per §5's cancellation semantics. A task
// already in a terminal state returns Cancelled=false with a distinct
// indicator and leaves the task unchanged (§8 round-trip law).
func (r *Registry) Cancel(id string) (CancelResult, error) {
	r.mu.RLock()
	rec, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return CancelResult{}, errs.New(errs.KindNotFound, "task not found: "+id)
	}

	rec.mu.Lock()
	prev := rec.task.Status
	if prev.IsTerminal() {
		rec.mu.Unlock()
		return CancelResult{Cancelled: false, PreviousStatus: prev}, nil
	}
	rec.task.Status = Cancelled
	rec.task.FinishedAt = time.Now().UTC()
	rec.mu.Unlock()

	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()

	return CancelResult{Cancelled: true, PreviousStatus: prev}, nil
}
