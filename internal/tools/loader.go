package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"llmos/internal/logging"
)

// Dir returns the crystallized tool directory for a workspace.
func Dir(workspace string) string {
	return filepath.Join(workspace, "memories", "tools")
}

// LoadDir scans <dir>/*.go tool files and registers each valid one.
// Invalid files are skipped with a warning; a missing directory loads
// nothing. It returns the number of tools registered.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading tool dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".go") {
			continue
		}

		if _, err := r.LoadFile(filepath.Join(dir, name)); err != nil {
			logging.ToolsWarn("skipping tool file %s: %v", name, err)
			continue
		}
		loaded++
	}

	logging.Tools("loaded %d tool(s) from %s", loaded, dir)
	return loaded, nil
}

// LoadFile reads one tool file and registers it under the file's base
// name (is_prime.go registers "is_prime"). Returns the tool name.
func (r *Registry) LoadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	name := ToolName(path)
	tool := &Tool{
		Name:     name,
		Code:     string(data),
		Path:     path,
		LoadedAt: time.Now(),
	}
	if err := r.Register(tool); err != nil {
		return "", err
	}
	return name, nil
}

// ToolName derives the registry name from a tool file path.
func ToolName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".go")
}
