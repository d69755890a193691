// Package project implements the Project State Store (C8): one JSON state
// file per project directory, plus a path->id index for the registry root,
// both written through the same atomic create-temp-then-rename idiom the
// DLQ uses for its own single-file persistence.
package project

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentrelay/orchestrator/internal/errs"
)

// Status is one of the exact tokens §3 names for a Project.
type Status string

const (
	Onboarding Status = "ONBOARDING"
	Active     Status = "ACTIVE"
	Archived   Status = "ARCHIVED"
	Error      Status = "ERROR"
	ReadOnly   Status = "READ_ONLY"
)

// Feature is a unit of work tracked against a Project by the Workflow
// Engine (C9). Artifacts maps phase key to the payload submitted for that
// phase. It is a plain Go map and keeps no insertion order: iteration and
// the JSON encoding (sorted by key) do not follow submission order.
type Feature struct {
	ID           string                    `json:"id"`
	ProjectID    string                    `json:"project_id"`
	Prompt       string                    `json:"prompt"`
	Status       string                    `json:"status"`
	CurrentPhase string                    `json:"current_phase"`
	WorkflowType string                    `json:"workflow_type"`
	CreatedAt    time.Time                 `json:"created_at"`
	UpdatedAt    time.Time                 `json:"updated_at"`
	Artifacts    map[string]map[string]any `json:"artifacts"`
}

// Project is the on-disk and in-memory record §4.8 describes.
type Project struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Path      string         `json:"path"`
	Status    Status         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Features  []Feature      `json:"features"`
	Metadata  map[string]any `json:"metadata"`
}

func (p Project) clone() Project {
	c := p
	c.Features = append([]Feature(nil), p.Features...)
	if p.Metadata != nil {
		meta := make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			meta[k] = v
		}
		c.Metadata = meta
	}
	return c
}

const stateFileRelPath = ".state/state.json"

type record struct {
	mu      sync.Mutex
	project Project
}

// candidateAgents mirrors task.DefaultRoutingTable's agent universe; kept as
// its own short list here rather than imported, since the Project Store has
// no other reason to depend on the task package.
var candidateAgents = []string{"claude-code", "aider"}

// Store is the C8 Project State Store: one lock per project id guards that
// project's load/modify/save cycle and its in-memory view, per §5.
type Store struct {
	mu        sync.RWMutex
	byID      map[string]*record
	pathToID  map[string]string
	indexPath string

	// Detector, when non-nil, is called once at Register time with
	// candidateAgents and its result cached into Project.Metadata's
	// "detected_agents" key (SPEC_FULL.md §3: "the Project Store calls
	// [DetectInstalled] once at onboarding and caches" it). Left nil, no
	// detection runs and the key is simply absent.
	Detector func(names []string) []string
}

// New constructs an empty Store. indexPath is the registry-root index file
// (`<registry_root>/index.json`) mapping absolute project path to id.
func New(indexPath string) *Store {
	return &Store{
		byID:      make(map[string]*record),
		pathToID:  make(map[string]string),
		indexPath: indexPath,
	}
}

// LoadIndex reads the registry-root index file, if present, and loads every
// indexed project's state file into memory. A missing index file is not an
// error — it means an empty registry.
func (s *Store) LoadIndex() error {
	data, err := os.ReadFile(s.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.KindPersistenceError, err, "reading project index")
	}

	var index map[string]string // path -> id
	if err := json.Unmarshal(data, &index); err != nil {
		return errs.Wrap(errs.KindPersistenceError, err, "parsing project index")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for path, id := range index {
		s.pathToID[path] = id
		p, loadErr := loadProjectFile(path)
		if loadErr != nil {
			p = Project{ID: id, Path: path, Status: Error}
		}
		s.byID[id] = &record{project: p}
	}
	return nil
}

func loadProjectFile(projectPath string) (Project, error) {
	statePath := filepath.Join(projectPath, stateFileRelPath)
	data, err := os.ReadFile(statePath)
	if err != nil {
		return Project{}, err
	}
	var p Project
	if err := json.Unmarshal(data, &p); err != nil {
		return Project{}, err
	}
	return p, nil
}

// Register creates a new Project rooted at path in ONBOARDING status,
// persists its state file and updates the registry index. path must be
// absolute (§3 invariant); callers are responsible for resolving it first.
func (s *Store) Register(path, name string, metadata map[string]any) (Project, error) {
	s.mu.Lock()
	if _, exists := s.pathToID[path]; exists {
		s.mu.Unlock()
		return Project{}, errs.New(errs.KindValidation, "project already registered at path: "+path)
	}
	now := time.Now().UTC()
	if s.Detector != nil {
		if metadata == nil {
			metadata = make(map[string]any)
		}
		metadata["detected_agents"] = s.Detector(candidateAgents)
	}
	p := Project{
		ID:        "proj-" + uuid.NewString(),
		Name:      name,
		Path:      path,
		Status:    Onboarding,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  metadata,
	}
	rec := &record{project: p}
	s.byID[p.ID] = rec
	s.pathToID[path] = p.ID
	s.mu.Unlock()

	if err := s.flush(rec); err != nil {
		return Project{}, err
	}
	return p.clone(), s.flushIndex()
}

// GetByID returns a copy of the project with id, if known.
func (s *Store) GetByID(id string) (Project, error) {
	s.mu.RLock()
	rec, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return Project{}, errs.New(errs.KindNotFound, "project not found: "+id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.project.clone(), nil
}

// GetByPath returns a copy of the project registered at path, if known.
func (s *Store) GetByPath(path string) (Project, error) {
	s.mu.RLock()
	id, ok := s.pathToID[path]
	s.mu.RUnlock()
	if !ok {
		return Project{}, errs.New(errs.KindNotFound, "no project registered at path: "+path)
	}
	return s.GetByID(id)
}

// ListAll returns a copy of every known project.
func (s *Store) ListAll() []Project {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.byID))
	for _, rec := range s.byID {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	out := make([]Project, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.project.clone())
		rec.mu.Unlock()
	}
	return out
}

// Mutate applies fn to the project under its per-project lock and persists
// the result. If the project is READ_ONLY, fn is not invoked and a ReadOnly
// error is returned (reads never call Mutate; this guard exists for
// would-be writers).
func (s *Store) Mutate(id string, fn func(p *Project)) (Project, error) {
	s.mu.RLock()
	rec, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return Project{}, errs.New(errs.KindNotFound, "project not found: "+id)
	}

	rec.mu.Lock()
	if rec.project.Status == ReadOnly {
		rec.mu.Unlock()
		return Project{}, errs.New(errs.KindReadOnly, "project is read-only: "+id)
	}
	fn(&rec.project)
	rec.project.UpdatedAt = time.Now().UTC()
	snapshot := rec.project.clone()
	rec.mu.Unlock()

	if err := s.flush(rec); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

// Delete removes a project from the store and its index. It does not
// remove the project's on-disk state file, which belongs to the caller's
// filesystem, not the registry.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	rec, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return errs.New(errs.KindNotFound, "project not found: "+id)
	}
	delete(s.byID, id)
	delete(s.pathToID, rec.project.Path)
	s.mu.Unlock()
	return s.flushIndex()
}

// flush writes rec's project to its state file via the atomic
// create-temp-then-rename idiom. On I/O failure the project is marked
// READ_ONLY in memory and the error is surfaced, per §4.8.
func (s *Store) flush(rec *record) error {
	rec.mu.Lock()
	p := rec.project.clone()
	rec.mu.Unlock()

	dir := filepath.Join(p.Path, filepath.Dir(stateFileRelPath))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.markReadOnly(rec)
		return errs.Wrap(errs.KindPersistenceError, err, "creating state directory for "+p.Path)
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindPersistenceError, err, "encoding project state for "+p.Path)
	}

	tmp, err := os.CreateTemp(dir, "state-*.json.tmp")
	if err != nil {
		s.markReadOnly(rec)
		return errs.Wrap(errs.KindPersistenceError, err, "creating temp state file for "+p.Path)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		s.markReadOnly(rec)
		return errs.Wrap(errs.KindPersistenceError, err, "writing temp state file for "+p.Path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		s.markReadOnly(rec)
		return errs.Wrap(errs.KindPersistenceError, err, "closing temp state file for "+p.Path)
	}
	target := filepath.Join(p.Path, stateFileRelPath)
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		s.markReadOnly(rec)
		return errs.Wrap(errs.KindPersistenceError, err, "renaming temp state file for "+p.Path)
	}
	return nil
}

func (s *Store) markReadOnly(rec *record) {
	rec.mu.Lock()
	rec.project.Status = ReadOnly
	rec.mu.Unlock()
}

func (s *Store) flushIndex() error {
	s.mu.RLock()
	index := make(map[string]string, len(s.pathToID))
	for path, id := range s.pathToID {
		index[path] = id
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindPersistenceError, err, "encoding project index")
	}

	dir := filepath.Dir(s.indexPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.KindPersistenceError, err, "creating registry root "+dir)
	}
	tmp, err := os.CreateTemp(dir, "index-*.json.tmp")
	if err != nil {
		return errs.Wrap(errs.KindPersistenceError, err, "creating temp index file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.Wrap(errs.KindPersistenceError, err, "writing temp index file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.KindPersistenceError, err, "closing temp index file")
	}
	if err := os.Rename(tmpName, s.indexPath); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.KindPersistenceError, err, "renaming temp index file")
	}
	return nil
}
