package project

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/orchestrator/internal/errs"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	return New(filepath.Join(root, "index.json")), root
}

func TestRegisterCachesDetectedAgentsWhenDetectorConfigured(t *testing.T) {
	s, root := newTestStore(t)
	s.Detector = func(names []string) []string { return []string{"aider"} }
	projPath := filepath.Join(root, "proj-a")
	require.NoError(t, os.MkdirAll(projPath, 0o755))

	p, err := s.Register(projPath, "proj-a", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"aider"}, p.Metadata["detected_agents"])
}

func TestRegisterCreatesStateFile(t *testing.T) {
	s, root := newTestStore(t)
	projPath := filepath.Join(root, "proj-a")
	require.NoError(t, os.MkdirAll(projPath, 0o755))

	p, err := s.Register(projPath, "proj-a", nil)
	require.NoError(t, err)
	assert.Equal(t, Onboarding, p.Status)
	assert.NotEmpty(t, p.ID)

	data, err := os.ReadFile(filepath.Join(projPath, ".state", "state.json"))
	require.NoError(t, err)
	var onDisk Project
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, p.ID, onDisk.ID)

	_, err = os.Stat(filepath.Join(root, "index.json"))
	require.NoError(t, err)
}

func TestRegisterRejectsDuplicatePath(t *testing.T) {
	s, root := newTestStore(t)
	projPath := filepath.Join(root, "proj-a")
	require.NoError(t, os.MkdirAll(projPath, 0o755))

	_, err := s.Register(projPath, "proj-a", nil)
	require.NoError(t, err)

	_, err = s.Register(projPath, "proj-a", nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestGetByPathResolvesRegisteredProject(t *testing.T) {
	s, root := newTestStore(t)
	projPath := filepath.Join(root, "proj-a")
	require.NoError(t, os.MkdirAll(projPath, 0o755))

	p, err := s.Register(projPath, "proj-a", nil)
	require.NoError(t, err)

	got, err := s.GetByPath(projPath)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
}

func TestMutateUpdatesAndPersistsProject(t *testing.T) {
	s, root := newTestStore(t)
	projPath := filepath.Join(root, "proj-a")
	require.NoError(t, os.MkdirAll(projPath, 0o755))

	p, err := s.Register(projPath, "proj-a", nil)
	require.NoError(t, err)

	updated, err := s.Mutate(p.ID, func(pr *Project) {
		pr.Status = Active
	})
	require.NoError(t, err)
	assert.Equal(t, Active, updated.Status)

	data, err := os.ReadFile(filepath.Join(projPath, ".state", "state.json"))
	require.NoError(t, err)
	var onDisk Project
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, Active, onDisk.Status)
}

func TestMutateRejectedWhenReadOnly(t *testing.T) {
	s, root := newTestStore(t)
	projPath := filepath.Join(root, "proj-a")
	require.NoError(t, os.MkdirAll(projPath, 0o755))

	p, err := s.Register(projPath, "proj-a", nil)
	require.NoError(t, err)

	_, err = s.Mutate(p.ID, func(pr *Project) { pr.Status = ReadOnly })
	require.NoError(t, err)

	_, err = s.Mutate(p.ID, func(pr *Project) { pr.Status = Active })
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindReadOnly))

	// Reads still succeed while read-only.
	got, err := s.GetByID(p.ID)
	require.NoError(t, err)
	assert.Equal(t, ReadOnly, got.Status)
}

func TestLoadIndexSurfacesMalformedStateFileAsError(t *testing.T) {
	root := t.TempDir()
	projPath := filepath.Join(root, "proj-a")
	require.NoError(t, os.MkdirAll(filepath.Join(projPath, ".state"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(projPath, ".state", "state.json"), []byte("not json"), 0o644))

	indexPath := filepath.Join(root, "index.json")
	index := map[string]string{projPath: "proj-broken"}
	data, err := json.Marshal(index)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(indexPath, data, 0o644))

	s := New(indexPath)
	require.NoError(t, s.LoadIndex())

	got, err := s.GetByID("proj-broken")
	require.NoError(t, err)
	assert.Equal(t, Error, got.Status)
}

func TestDeleteRemovesFromIndex(t *testing.T) {
	s, root := newTestStore(t)
	projPath := filepath.Join(root, "proj-a")
	require.NoError(t, os.MkdirAll(projPath, 0o755))

	p, err := s.Register(projPath, "proj-a", nil)
	require.NoError(t, err)

	require.NoError(t, s.Delete(p.ID))

	_, err = s.GetByID(p.ID)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}
