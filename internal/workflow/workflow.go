// Package workflow implements the Feature Workflow Engine (C9): a named,
// ordered sequence of phases, each with a JSON Schema describing the
// artifact shape its submission must satisfy, driving a Feature through
// start_feature/submit_phase/advance.
package workflow

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentrelay/orchestrator/internal/errs"
	"github.com/agentrelay/orchestrator/internal/project"
)

// Phase is one step of a Workflow: a key, the Feature status that key maps
// to, a compiled schema its submitted artifacts must satisfy, and the key
// of the next phase (empty if terminal).
type Phase struct {
	Key    string
	Status string
	Schema *jsonschema.Schema
	Next   string // "" marks a terminal phase
}

// Workflow is an ordered sequence of Phases, looked up by key.
type Workflow struct {
	Name    string
	Phases  []Phase
	byKey   map[string]Phase
}

func newWorkflow(name string, phases []Phase) Workflow {
	byKey := make(map[string]Phase, len(phases))
	for _, p := range phases {
		byKey[p.Key] = p
	}
	return Workflow{Name: name, Phases: phases, byKey: byKey}
}

func (w Workflow) phase(key string) (Phase, bool) {
	p, ok := w.byKey[key]
	return p, ok
}

func (w Workflow) first() Phase {
	return w.Phases[0]
}

// phaseSchemas defines each standard phase's required-artifact shape: an
// object requiring the named keys, their value shape otherwise open
// (§4.9's "required-keys schema" — full content schemas are out of scope
// per SPEC_FULL.md's Non-goals, "artifact content validation beyond
// shape").
var phaseSchemas = map[string][]string{
	"define":     {"specification"},
	"decompose":  {"subtasks"},
	"design":     {"design_doc"},
	"implement":  {"changed_files"},
	"test":       {"test_results"},
	"review":     {"approved"},
}

func requiredKeysSchema(keys []string) *jsonschema.Schema {
	doc := map[string]any{
		"type":     "object",
		"required": keys,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		panic(err) // doc is a fixed literal; marshaling it can never fail
	}
	var schemaDoc any
	if err := json.Unmarshal(data, &schemaDoc); err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	resource := "phase-" + keys[0] + ".json"
	if err := c.AddResource(resource, schemaDoc); err != nil {
		panic(err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		panic(err)
	}
	return schema
}

// Standard is the canonical six-phase workflow registered under the name
// "standard" (SPEC_FULL.md §4.9 / Open Question resolution):
// define -> decompose -> design -> implement -> test -> review -> COMPLETED.
func Standard() Workflow {
	order := []string{"define", "decompose", "design", "implement", "test", "review"}
	statuses := map[string]string{
		"define":    "DEFINING",
		"decompose": "DECOMPOSING",
		"design":    "DESIGNING",
		"implement": "IMPLEMENTING",
		"test":      "TESTING",
		"review":    "REVIEWING",
	}
	phases := make([]Phase, len(order))
	for i, key := range order {
		next := ""
		if i+1 < len(order) {
			next = order[i+1]
		}
		phases[i] = Phase{Key: key, Status: statuses[key], Schema: requiredKeysSchema(phaseSchemas[key]), Next: next}
	}
	return newWorkflow("standard", phases)
}

// Engine drives Features through registered Workflows, persisting each
// Feature's owning Project via the Project State Store so a Feature's
// current_phase/status/artifacts survive a restart.
type Engine struct {
	store     *project.Store
	workflows map[string]Workflow
}

// NewEngine constructs an Engine backed by store, with the "standard"
// workflow pre-registered.
func NewEngine(store *project.Store) *Engine {
	e := &Engine{store: store, workflows: make(map[string]Workflow)}
	e.Register(Standard())
	return e
}

// Register adds or replaces a named workflow.
func (e *Engine) Register(w Workflow) {
	e.workflows[w.Name] = w
}

// Result is the shape submit_phase returns per §6's submitWork contract.
type Result struct {
	Status     string // "success" | "completed"
	NextPhase  string
}

// StartFeature implements §4.9's start_feature: requires the project be
// ACTIVE, creates a Feature in DEFINING with current_phase = workflow[0],
// and persists it.
func (e *Engine) StartFeature(projectID, prompt, workflowType string) (project.Feature, error) {
	p, err := e.store.GetByID(projectID)
	if err != nil {
		return project.Feature{}, err
	}
	if p.Status != project.Active {
		return project.Feature{}, errs.Newf(errs.KindInvalidProjectState, "project %s is not ACTIVE", projectID)
	}
	if workflowType == "" {
		workflowType = "standard"
	}
	w, ok := e.workflows[workflowType]
	if !ok {
		return project.Feature{}, errs.Newf(errs.KindValidation, "unknown workflow type %q", workflowType)
	}

	now := time.Now().UTC()
	first := w.first()
	f := project.Feature{
		ID:           "feat-" + uuid.NewString(),
		ProjectID:    projectID,
		Prompt:       prompt,
		Status:       "DEFINING",
		CurrentPhase: first.Key,
		WorkflowType: workflowType,
		CreatedAt:    now,
		UpdatedAt:    now,
		Artifacts:    make(map[string]map[string]any),
	}

	updated, err := e.store.Mutate(projectID, func(pr *project.Project) {
		pr.Features = append(pr.Features, f)
	})
	if err != nil {
		return project.Feature{}, err
	}
	return updated.Features[len(updated.Features)-1], nil
}

// SubmitPhase implements §4.9's submit_phase: validates feature.current_phase
// == phaseKey and the project is not READ_ONLY, validates artifacts against
// the phase's schema, appends to feature.artifacts, and advances to the
// next phase or to COMPLETED if phaseKey was terminal.
func (e *Engine) SubmitPhase(projectID, featureID, phaseKey string, artifacts map[string]any) (Result, error) {
	p, err := e.store.GetByID(projectID)
	if err != nil {
		return Result{}, err
	}
	if p.Status == project.ReadOnly {
		return Result{}, errs.New(errs.KindReadOnly, "project is read-only: "+projectID)
	}

	idx, f, err := findFeature(p, featureID)
	if err != nil {
		return Result{}, err
	}
	if f.Status == "COMPLETED" || f.Status == "FAILED" {
		return Result{}, errs.New(errs.KindTerminalState, "feature already terminal: "+featureID)
	}
	if f.CurrentPhase != phaseKey {
		return Result{}, errs.Newf(errs.KindPhaseMismatch, "feature %s is at phase %q, not %q", featureID, f.CurrentPhase, phaseKey)
	}

	w, ok := e.workflows[f.WorkflowType]
	if !ok {
		return Result{}, errs.Newf(errs.KindValidation, "unknown workflow type %q", f.WorkflowType)
	}
	phase, ok := w.phase(phaseKey)
	if !ok {
		return Result{}, errs.Newf(errs.KindValidation, "unknown phase %q", phaseKey)
	}
	if err := phase.Schema.Validate(artifacts); err != nil {
		return Result{}, errs.Wrap(errs.KindArtifactValidation, err, "artifacts for phase "+phaseKey)
	}

	result, err := e.advance(&f, phase, artifacts)
	if err != nil {
		return Result{}, err
	}

	_, err = e.store.Mutate(projectID, func(pr *project.Project) {
		pr.Features[idx] = f
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// advance records artifacts for phase and moves f along phase.Next, the
// only outgoing edge a workflow defines, mutating f in place (§4.9's
// internal advance helper). It performs no validation of its own. Unknown phase keys leave the Feature's previous status
// untouched, per §4.9's "the engine does not invent statuses".
func (e *Engine) advance(f *project.Feature, phase Phase, artifacts map[string]any) (Result, error) {
	if f.Artifacts == nil {
		f.Artifacts = make(map[string]map[string]any)
	}
	f.Artifacts[phase.Key] = artifacts
	f.UpdatedAt = time.Now().UTC()

	if phase.Next == "" {
		f.Status = "COMPLETED"
		return Result{Status: "completed"}, nil
	}

	w := e.workflows[f.WorkflowType]
	next, ok := w.phase(phase.Next)
	if ok {
		f.Status = next.Status
	}
	f.CurrentPhase = phase.Next
	return Result{Status: "success", NextPhase: phase.Next}, nil
}

func findFeature(p project.Project, featureID string) (int, project.Feature, error) {
	for i, f := range p.Features {
		if f.ID == featureID {
			return i, f, nil
		}
	}
	return -1, project.Feature{}, errs.New(errs.KindNotFound, "feature not found: "+featureID)
}
