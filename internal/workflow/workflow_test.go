package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/orchestrator/internal/errs"
	"github.com/agentrelay/orchestrator/internal/project"
)

func newActiveProject(t *testing.T) (*project.Store, project.Project) {
	t.Helper()
	root := t.TempDir()
	store := project.New(filepath.Join(root, "index.json"))
	projPath := filepath.Join(root, "proj-a")
	require.NoError(t, os.MkdirAll(projPath, 0o755))

	p, err := store.Register(projPath, "proj-a", nil)
	require.NoError(t, err)
	p, err = store.Mutate(p.ID, func(pr *project.Project) { pr.Status = project.Active })
	require.NoError(t, err)
	return store, p
}

func TestStartFeatureRequiresActiveProject(t *testing.T) {
	root := t.TempDir()
	store := project.New(filepath.Join(root, "index.json"))
	projPath := filepath.Join(root, "proj-a")
	require.NoError(t, os.MkdirAll(projPath, 0o755))
	p, err := store.Register(projPath, "proj-a", nil) // stays ONBOARDING
	require.NoError(t, err)

	engine := NewEngine(store)
	_, err = engine.StartFeature(p.ID, "add auth", "")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidProjectState))
}

func TestStartFeatureCreatesFeatureInDefiningPhase(t *testing.T) {
	store, p := newActiveProject(t)
	engine := NewEngine(store)

	f, err := engine.StartFeature(p.ID, "add auth", "")
	require.NoError(t, err)
	assert.Equal(t, "define", f.CurrentPhase)
	assert.Equal(t, "DEFINING", f.Status)
}

func TestSubmitPhaseAdvancesToNextPhase(t *testing.T) {
	store, p := newActiveProject(t)
	engine := NewEngine(store)
	f, err := engine.StartFeature(p.ID, "add auth", "")
	require.NoError(t, err)

	res, err := engine.SubmitPhase(p.ID, f.ID, "define", map[string]any{"specification": "X"})
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, "decompose", res.NextPhase)
}

func TestSubmitPhaseRejectsWrongPhase(t *testing.T) {
	store, p := newActiveProject(t)
	engine := NewEngine(store)
	f, err := engine.StartFeature(p.ID, "add auth", "")
	require.NoError(t, err)

	_, err = engine.SubmitPhase(p.ID, f.ID, "decompose", map[string]any{"subtasks": []string{"a"}})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindPhaseMismatch))
}

func TestSubmitPhaseRejectsMissingRequiredKey(t *testing.T) {
	store, p := newActiveProject(t)
	engine := NewEngine(store)
	f, err := engine.StartFeature(p.ID, "add auth", "")
	require.NoError(t, err)

	_, err = engine.SubmitPhase(p.ID, f.ID, "define", map[string]any{"wrong_key": "X"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindArtifactValidation))
}

func TestSubmitPhaseOnTerminalPhaseCompletesFeature(t *testing.T) {
	store, p := newActiveProject(t)
	engine := NewEngine(store)
	f, err := engine.StartFeature(p.ID, "add auth", "")
	require.NoError(t, err)

	phases := []struct {
		key  string
		args map[string]any
	}{
		{"define", map[string]any{"specification": "X"}},
		{"decompose", map[string]any{"subtasks": []string{"a"}}},
		{"design", map[string]any{"design_doc": "X"}},
		{"implement", map[string]any{"changed_files": []string{"a.go"}}},
		{"test", map[string]any{"test_results": "pass"}},
	}
	for _, ph := range phases {
		_, err := engine.SubmitPhase(p.ID, f.ID, ph.key, ph.args)
		require.NoError(t, err)
	}

	res, err := engine.SubmitPhase(p.ID, f.ID, "review", map[string]any{"approved": true})
	require.NoError(t, err)
	assert.Equal(t, "completed", res.Status)

	_, err = engine.SubmitPhase(p.ID, f.ID, "review", map[string]any{"approved": true})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindTerminalState))
}

func TestSubmitPhaseRejectedOnReadOnlyProject(t *testing.T) {
	store, p := newActiveProject(t)
	engine := NewEngine(store)
	f, err := engine.StartFeature(p.ID, "add auth", "")
	require.NoError(t, err)

	_, err = store.Mutate(p.ID, func(pr *project.Project) { pr.Status = project.ReadOnly })
	require.NoError(t, err)

	_, err = engine.SubmitPhase(p.ID, f.ID, "define", map[string]any{"specification": "X"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindReadOnly))
}
