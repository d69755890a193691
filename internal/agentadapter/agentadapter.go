// Package agentadapter implements the capability set spec.md §9 calls
// "Dynamic dispatch over agent adapters": a small interface fulfilled by
// each locally installed coding-assistant command, plus a built-in registry
// of the variants exercised by the end-to-end scenarios in §8.
package agentadapter

import (
	"fmt"
	"strings"
)

// Adapter is the capability set a coding-assistant command fulfills:
// resolving a task description into a command-argument vector in its own
// CLI convention, and classifying a finished child process's exit code and
// captured streams into a task outcome.
type Adapter struct {
	Name string

	// ResolveCommand renders a task description and context into the
	// argv the Process Supervisor spawns.
	ResolveCommand func(description string, taskCtx map[string]any) []string

	// ClassifyExit turns a child process's exit code and captured streams
	// into (ok, result, err). ok=false with a nil err indicates a
	// non-zero exit that is nonetheless not a hard execution failure
	// (e.g. the agent reported a task-level failure on stdout).
	ClassifyExit func(code int, stdout, stderr string) (ok bool, result map[string]any, err error)
}

// Registry maps agent names to their Adapter.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry constructs a Registry seeded with the built-in adapters:
// claude-code, aider, and noop-echo (the test agent named in Scenario A).
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range []Adapter{claudeCode(), aider(), noopEcho()} {
		r.adapters[a.Name] = a
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) { r.adapters[a.Name] = a }

// Get returns the adapter for name, if known.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns every registered adapter name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	return names
}

func defaultClassify(code int, stdout, stderr string) (bool, map[string]any, error) {
	result := map[string]any{"stdout": stdout, "stderr": stderr, "exit_code": code}
	if code != 0 {
		return false, result, nil
	}
	return true, result, nil
}

// claudeCode models the Claude Code CLI: `claude -p "<description>"`.
func claudeCode() Adapter {
	return Adapter{
		Name: "claude-code",
		ResolveCommand: func(description string, taskCtx map[string]any) []string {
			args := []string{"claude", "-p", description}
			if dir, ok := taskCtx["project_path"].(string); ok && dir != "" {
				args = append(args, "--add-dir", dir)
			}
			return args
		},
		ClassifyExit: defaultClassify,
	}
}

// aider models the aider CLI: `aider --message "<description>" --yes`.
func aider() Adapter {
	return Adapter{
		Name: "aider",
		ResolveCommand: func(description string, taskCtx map[string]any) []string {
			return []string{"aider", "--message", description, "--yes"}
		},
		ClassifyExit: defaultClassify,
	}
}

// noopEcho is the test agent named in Scenario A: its "command" is
// `echo <description>`, used to exercise the dispatcher/queue/supervisor
// path without depending on a real coding-assistant binary being installed.
func noopEcho() Adapter {
	return Adapter{
		Name: "noop-echo",
		ResolveCommand: func(description string, taskCtx map[string]any) []string {
			return []string{"echo", description}
		},
		ClassifyExit: defaultClassify,
	}
}

// String renders a readable description of a to help with logging.
func (a Adapter) String() string {
	return fmt.Sprintf("agent(%s)", strings.TrimSpace(a.Name))
}
