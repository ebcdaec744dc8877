package cognitive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"llmos/internal/logging"
)

// maxToolOutput truncates tool output fed back to the model.
const maxToolOutput = 50000

// defaultBashTimeout bounds one shell invocation.
const defaultBashTimeout = 60 * time.Second

// HostExecutor runs the built-in tools against the local filesystem and
// shell. Relative paths resolve under the root directory.
type HostExecutor struct {
	root string
}

// NewHostExecutor creates an executor rooted at dir. An empty dir means
// the current working directory.
func NewHostExecutor(dir string) *HostExecutor {
	return &HostExecutor{root: dir}
}

// BuiltinToolDefs returns tool definitions for the given names, in the
// shape backends advertise to the model. Unknown names are skipped.
func BuiltinToolDefs(names []string) []ToolDef {
	defs := make([]ToolDef, 0, len(names))
	for _, name := range names {
		if def, ok := builtinDefs[name]; ok {
			defs = append(defs, def)
		}
	}
	return defs
}

var builtinDefs = map[string]ToolDef{
	"bash": {
		Name:        "bash",
		Description: "Execute a bash command and return its output",
		InputSchema: map[string]interface{}{
			"properties": map[string]interface{}{
				"command": map[string]interface{}{"type": "string", "description": "The command to execute"},
			},
			"required": []string{"command"},
		},
	},
	"read_file": {
		Name:        "read_file",
		Description: "Read the contents of a file",
		InputSchema: map[string]interface{}{
			"properties": map[string]interface{}{
				"path": map[string]interface{}{"type": "string", "description": "The file path to read"},
			},
			"required": []string{"path"},
		},
	},
	"write_file": {
		Name:        "write_file",
		Description: "Write content to a file, creating parent directories as needed",
		InputSchema: map[string]interface{}{
			"properties": map[string]interface{}{
				"path":    map[string]interface{}{"type": "string", "description": "The file path to write"},
				"content": map[string]interface{}{"type": "string", "description": "The content to write"},
			},
			"required": []string{"path", "content"},
		},
	},
	"list_dir": {
		Name:        "list_dir",
		Description: "List the entries of a directory",
		InputSchema: map[string]interface{}{
			"properties": map[string]interface{}{
				"path": map[string]interface{}{"type": "string", "description": "The directory to list (default: the working root)"},
			},
			"required": []string{},
		},
	},
}

// Execute runs one built-in tool. The input is the JSON argument object
// produced by the model.
func (h *HostExecutor) Execute(ctx context.Context, name, input string) (string, error) {
	args := map[string]interface{}{}
	if strings.TrimSpace(input) != "" {
		if err := json.Unmarshal([]byte(input), &args); err != nil {
			return "", fmt.Errorf("invalid tool input: %w", err)
		}
	}

	switch name {
	case "bash":
		return h.execBash(ctx, args)
	case "read_file":
		return h.execReadFile(args)
	case "write_file":
		return h.execWriteFile(args)
	case "list_dir":
		return h.execListDir(args)
	}
	return "", fmt.Errorf("unknown tool %q", name)
}

func (h *HostExecutor) execBash(ctx context.Context, args map[string]interface{}) (string, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return "", fmt.Errorf("command is required")
	}

	logging.ToolsDebug("bash: cmd=%s dir=%s", command, h.root)

	execCtx, cancel := context.WithTimeout(ctx, defaultBashTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "bash", "-c", command)
	cmd.Dir = h.root

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += stderr.String()
	}
	if len(output) > maxToolOutput {
		output = output[:maxToolOutput] + "\n...[truncated]"
	}

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return output, fmt.Errorf("command timed out after %s", defaultBashTimeout)
		}
		return output, fmt.Errorf("command failed: %w", err)
	}
	logging.ToolsDebug("bash completed: %d bytes output", len(output))
	return output, nil
}

func (h *HostExecutor) execReadFile(args map[string]interface{}) (string, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	content, err := os.ReadFile(h.resolve(path))
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	result := string(content)
	if len(result) > maxToolOutput {
		result = result[:maxToolOutput] + "\n...[truncated]"
	}
	return result, nil
}

func (h *HostExecutor) execWriteFile(args map[string]interface{}) (string, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	content, _ := args["content"].(string)

	full := h.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("failed to create directories: %w", err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
}

func (h *HostExecutor) execListDir(args map[string]interface{}) (string, error) {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	entries, err := os.ReadDir(h.resolve(path))
	if err != nil {
		return "", fmt.Errorf("failed to list directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

func (h *HostExecutor) resolve(path string) string {
	if filepath.IsAbs(path) || h.root == "" {
		return path
	}
	return filepath.Join(h.root, path)
}
