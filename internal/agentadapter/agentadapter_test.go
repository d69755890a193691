package agentadapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryHasBuiltins(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"claude-code", "aider", "noop-echo"} {
		_, ok := r.Get(name)
		assert.True(t, ok, "expected built-in adapter %q", name)
	}
}

func TestNoopEchoResolvesToEchoCommand(t *testing.T) {
	r := NewRegistry()
	a, ok := r.Get("noop-echo")
	require.True(t, ok)

	args := a.ResolveCommand("echo A", nil)
	assert.Equal(t, []string{"echo", "echo A"}, args)
}

func TestDefaultClassifyReportsOkOnZeroExit(t *testing.T) {
	r := NewRegistry()
	a, _ := r.Get("noop-echo")
	ok, result, err := a.ClassifyExit(0, "A\n", "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "A\n", result["stdout"])
}

func TestDefaultClassifyReportsFailureOnNonZeroExit(t *testing.T) {
	r := NewRegistry()
	a, _ := r.Get("noop-echo")
	ok, _, err := a.ClassifyExit(1, "", "boom")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegisterOverridesAdapter(t *testing.T) {
	r := NewRegistry()
	r.Register(Adapter{Name: "noop-echo", ResolveCommand: func(d string, c map[string]any) []string {
		return []string{"true"}
	}, ClassifyExit: defaultClassify})

	a, _ := r.Get("noop-echo")
	assert.Equal(t, []string{"true"}, a.ResolveCommand("x", nil))
}
