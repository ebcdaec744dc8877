// Package project manages project directories and per-run execution
// state.
package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"llmos/internal/logging"
	"llmos/internal/memory"
)

// Project is a named working directory with the standard subpaths.
type Project struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Path        string    `json:"path"`
	CreatedAt   time.Time `json:"created_at"`
}

var projectSubdirs = []string{"components", "output", "memory", "state"}

// StateDir returns the project's run-state directory.
func (p *Project) StateDir() string {
	return filepath.Join(p.Path, "state")
}

// OutputDir returns the project's output directory.
func (p *Project) OutputDir() string {
	return filepath.Join(p.Path, "output")
}

// Manager creates and resolves projects under <workspace>/projects. The
// core never deletes a project.
type Manager struct {
	mu       sync.RWMutex
	root     string
	projects map[string]*Project
}

// NewManager scans <workspace>/projects and indexes what already
// exists.
func NewManager(workspace string) (*Manager, error) {
	root := filepath.Join(workspace, "projects")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating projects dir: %w", err)
	}

	m := &Manager{root: root, projects: make(map[string]*Project)}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("scanning projects dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		p, err := loadProject(filepath.Join(root, entry.Name()))
		if err != nil {
			logging.StateWarn("skipping unreadable project %s: %v", entry.Name(), err)
			continue
		}
		m.projects[p.Name] = p
	}
	return m, nil
}

func loadProject(dir string) (*Project, error) {
	data, err := os.ReadFile(filepath.Join(dir, "project.json"))
	if err != nil {
		return nil, err
	}
	var p Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	p.Path = dir
	return &p, nil
}

// Create makes a project directory with the standard layout. Creating
// an existing name returns the existing project unchanged.
func (m *Manager) Create(name, description string) (*Project, error) {
	if !validName(name) {
		return nil, fmt.Errorf("project name %q must match the agent naming charset", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.projects[name]; ok {
		return existing, nil
	}

	dir := filepath.Join(m.root, name)
	for _, sub := range projectSubdirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating project layout: %w", err)
		}
	}

	p := &Project{
		Name:        name,
		Description: description,
		Path:        dir,
		CreatedAt:   time.Now().UTC(),
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "project.json"), data, 0o644); err != nil {
		return nil, fmt.Errorf("writing project metadata: %w", err)
	}

	m.projects[name] = p
	logging.State("project %s created at %s", name, dir)
	return p, nil
}

// Get returns the named project.
func (m *Manager) Get(name string) (*Project, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[name]
	return p, ok
}

// List returns all projects sorted by name.
func (m *Manager) List() []*Project {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Ensure resolves a project by name, creating it when absent. An empty
// name derives one from the goal.
func (m *Manager) Ensure(name, goal string) (*Project, error) {
	if name == "" {
		name = AutoName(goal)
	}
	return m.Create(name, "")
}

// AutoName derives a project name from the first three normalized goal
// tokens, sanitized to the agent naming charset.
func AutoName(goal string) string {
	tokens := strings.Fields(memory.Normalize(goal))
	if len(tokens) > 3 {
		tokens = tokens[:3]
	}

	var clean []string
	for _, tok := range tokens {
		var b strings.Builder
		for _, r := range tok {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
				b.WriteRune(r)
			}
		}
		if s := strings.Trim(b.String(), "-"); s != "" {
			clean = append(clean, s)
		}
	}

	name := strings.Join(clean, "-")
	if !validName(name) {
		name = strings.TrimSuffix("task-"+name, "-")
	}
	if !validName(name) {
		name = "task"
	}
	return name
}

// validName checks the project naming charset, which matches agent
// names.
func validName(name string) bool {
	if name == "" || name[0] < 'a' || name[0] > 'z' {
		return false
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return false
		}
	}
	return true
}
