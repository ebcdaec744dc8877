package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Crystallized tools are interpreted with yaegi rather than compiled
// with `go build`. Interpretation cannot hang on the module cache,
// cannot fail on linker issues, and keeps the sandbox boundary inside
// the process: only whitelisted stdlib packages are importable, so a
// generated tool has no filesystem, network, or exec access.

// RunToolContract documents the function every tool file must define.
const RunToolContract = "func RunTool(input string) (string, error)"

// DefaultRunTimeout bounds tool execution when the caller's context
// carries no deadline of its own.
const DefaultRunTimeout = 30 * time.Second

// allowedImports is the stdlib whitelist for tool code. Anything not
// listed here (os, net, syscall, unsafe, ...) is rejected before the
// interpreter ever sees the code.
var allowedImports = map[string]bool{
	"strings":       true,
	"strconv":       true,
	"fmt":           true,
	"math":          true,
	"time":          true,
	"encoding/json": true,
	"regexp":        true,
	"sort":          true,
	"unicode":       true,
	"errors":        true,
}

// Runner interprets crystallized tool source under yaegi.
type Runner struct {
	timeout time.Duration
}

// NewRunner creates a runner with the given execution timeout. A
// non-positive timeout falls back to DefaultRunTimeout.
func NewRunner(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	return &Runner{timeout: timeout}
}

// Validate checks tool source without running it: imports must be
// whitelisted, the code must evaluate, and it must define RunTool with
// the documented signature.
func (r *Runner) Validate(code string) error {
	_, err := r.load(code)
	return err
}

// Run interprets the tool source and calls RunTool(input). The
// interpreter is fresh per call; tools cannot share state through it.
// When ctx has no deadline the runner's own timeout applies.
func (r *Runner) Run(ctx context.Context, code, input string) (string, error) {
	fn, err := r.load(code)
	if err != nil {
		return "", err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	resultChan := make(chan string, 1)
	errChan := make(chan error, 1)

	go func() {
		result, err := fn(input)
		if err != nil {
			errChan <- err
			return
		}
		resultChan <- result
	}()

	select {
	case result := <-resultChan:
		return result, nil
	case err := <-errChan:
		return "", fmt.Errorf("tool failed: %w", err)
	case <-ctx.Done():
		return "", fmt.Errorf("tool execution timed out: %w", ctx.Err())
	}
}

// load validates imports, evaluates the source, and resolves RunTool.
func (r *Runner) load(code string) (func(string) (string, error), error) {
	if err := validateImports(code); err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib: %w", err)
	}

	if _, err := i.Eval(wrapCode(code)); err != nil {
		return nil, fmt.Errorf("code evaluation failed: %w", err)
	}

	v, err := i.Eval("main.RunTool")
	if err != nil {
		return nil, fmt.Errorf("RunTool function not found: %w", err)
	}

	fn, ok := v.Interface().(func(string) (string, error))
	if !ok {
		return nil, fmt.Errorf("RunTool has wrong signature (expected: %s)", RunToolContract)
	}
	return fn, nil
}

// validateImports scans the source line by line and rejects any import
// outside the whitelist. The scan runs before interpretation so
// forbidden packages are never evaluated.
func validateImports(code string) error {
	var imports []string

	inImportBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "import (") {
			inImportBlock = true
			continue
		}
		if inImportBlock && strings.HasPrefix(trimmed, ")") {
			inImportBlock = false
			continue
		}

		if inImportBlock {
			if trimmed == "" || strings.HasPrefix(trimmed, "//") {
				continue
			}
			imports = append(imports, strings.Trim(trimmed, `"`))
		} else if strings.HasPrefix(trimmed, "import ") {
			pkg := strings.TrimPrefix(trimmed, "import ")
			imports = append(imports, strings.Trim(pkg, `"`))
		}
	}

	var forbidden []string
	for _, pkg := range imports {
		// Aliased imports ("js encoding/json") resolve by path.
		if idx := strings.LastIndex(pkg, " "); idx != -1 {
			pkg = strings.Trim(pkg[idx+1:], `"`)
		}
		if !allowedImports[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %v (allowed: %v)", forbidden, allowedList())
	}
	return nil
}

// wrapCode ensures the source carries a main package clause so a bare
// RunTool definition still evaluates.
func wrapCode(code string) string {
	if strings.Contains(code, "package main") {
		return code
	}
	return "package main\n\n" + code
}

func allowedList() []string {
	pkgs := make([]string, 0, len(allowedImports))
	for pkg := range allowedImports {
		pkgs = append(pkgs, pkg)
	}
	return pkgs
}
