package tools

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"llmos/internal/logging"
)

var (
	// ErrToolNotFound is returned when executing an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")

	// ErrInvalidTool is returned when a registration fails validation.
	ErrInvalidTool = errors.New("invalid tool")
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Tool is one crystallized callable: interpreted Go source defining
// RunTool, registered under a stable name.
type Tool struct {
	Name        string
	Description string
	Code        string
	Path        string
	LoadedAt    time.Time
}

// Validate checks the structural requirements for registration.
func (t *Tool) Validate() error {
	if !namePattern.MatchString(t.Name) {
		return fmt.Errorf("%w: bad name %q", ErrInvalidTool, t.Name)
	}
	if strings.TrimSpace(t.Code) == "" {
		return fmt.Errorf("%w: %s has no code", ErrInvalidTool, t.Name)
	}
	return nil
}

// Registry holds the crystallized tools available for dispatch. It is
// safe for concurrent use; the watcher registers and removes tools at
// runtime while dispatches execute them.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	runner *Runner
}

// NewRegistry creates an empty registry backed by the given runner.
func NewRegistry(runner *Runner) *Registry {
	if runner == nil {
		runner = NewRunner(0)
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		runner: runner,
	}
}

// Register validates the tool's source under yaegi and adds it.
// Re-registering a name replaces the previous version, which is how
// the watcher applies edits to tool files.
func (r *Registry) Register(tool *Tool) error {
	if err := tool.Validate(); err != nil {
		return err
	}
	if err := r.runner.Validate(tool.Code); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidTool, tool.Name, err)
	}
	if tool.Description == "" {
		tool.Description = describeCode(tool.Code)
	}
	if tool.LoadedAt.IsZero() {
		tool.LoadedAt = time.Now()
	}

	r.mu.Lock()
	_, replaced := r.tools[tool.Name]
	r.tools[tool.Name] = tool
	r.mu.Unlock()

	if replaced {
		logging.ToolsDebug("Replaced tool: %s", tool.Name)
	} else {
		logging.ToolsDebug("Registered tool: %s", tool.Name)
	}
	return nil
}

// Remove drops a tool by name. Used when its file is deleted.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	logging.ToolsDebug("Removed tool: %s", name)
	return true
}

// Get returns a tool by name, or nil if not registered.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Execute runs a tool by name with the given input string and returns
// its output. Returns ErrToolNotFound for unregistered names.
func (r *Registry) Execute(ctx context.Context, name, input string) (string, error) {
	tool := r.Get(name)
	if tool == nil {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	start := time.Now()
	logging.ToolsDebug("Executing tool: %s", name)

	output, err := r.runner.Run(ctx, tool.Code, input)

	duration := time.Since(start)
	logging.Tools("Tool %s completed in %v (success=%v)", name, duration, err == nil)

	if err != nil {
		return "", fmt.Errorf("tool %s: %w", name, err)
	}
	return output, nil
}

// describeCode derives a description from the first comment above the
// tool body, skipping the package clause and imports.
func describeCode(code string) string {
	inImports := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "" || strings.HasPrefix(trimmed, "package "):
			continue
		case strings.HasPrefix(trimmed, "import ("):
			inImports = true
		case inImports:
			if strings.HasPrefix(trimmed, ")") {
				inImports = false
			}
		case strings.HasPrefix(trimmed, "import "):
			continue
		case strings.HasPrefix(trimmed, "//"):
			return strings.TrimSpace(strings.TrimPrefix(trimmed, "//"))
		default:
			return "crystallized tool"
		}
	}
	return "crystallized tool"
}
