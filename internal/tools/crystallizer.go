package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"llmos/internal/logging"
	"llmos/internal/memory"
)

// scanConcurrency bounds parallel generation calls. Each candidate
// costs a paid model call, so the scan stays narrow.
const scanConcurrency = 2

// codegenSystemPrompt instructs the model to emit a tool body that the
// yaegi runner will accept.
const codegenSystemPrompt = `You turn a proven task execution into a reusable Go tool.
Write a single self-contained Go function:

    func RunTool(input string) (string, error)

Rules:
- Imports limited to: strings, strconv, fmt, math, time, encoding/json, regexp, sort, unicode, errors.
- No file, network, or process access.
- The input is the task text; return the result as a string.
Output ONLY Go code. No explanations.`

// Codegen produces tool source from a prompt. Implemented by the
// cognitive adapter's plain completion path.
type Codegen interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, float64, error)
}

// Budget gates and records the paid generation calls.
type Budget interface {
	Check(amountUSD float64) error
	Deduct(amountUSD float64, reason string) error
}

// Crystallizer promotes well-worn traces into registered tools. A
// trace qualifies once its usage count and success rating clear the
// configured floors; generation is a paid call, so every candidate is
// budget checked first.
type Crystallizer struct {
	query    *memory.Query
	store    *memory.TraceStore
	registry *Registry
	codegen  Codegen
	budget   Budget

	dir          string
	minUsage     int
	minSuccess   float64
	costEstimate float64
}

// CrystallizerOptions wires the crystallizer's collaborators.
type CrystallizerOptions struct {
	Query    *memory.Query
	Store    *memory.TraceStore
	Registry *Registry
	Codegen  Codegen
	Budget   Budget

	Workspace    string
	MinUsage     int     // default 5
	MinSuccess   float64 // default 0.95
	CostEstimate float64 // default 0.50, the learner-class estimate
}

// NewCrystallizer creates a crystallizer over the workspace tool dir.
func NewCrystallizer(opts CrystallizerOptions) *Crystallizer {
	if opts.MinUsage <= 0 {
		opts.MinUsage = 5
	}
	if opts.MinSuccess <= 0 {
		opts.MinSuccess = 0.95
	}
	if opts.CostEstimate <= 0 {
		opts.CostEstimate = 0.50
	}
	return &Crystallizer{
		query:        opts.Query,
		store:        opts.Store,
		registry:     opts.Registry,
		codegen:      opts.Codegen,
		budget:       opts.Budget,
		dir:          Dir(opts.Workspace),
		minUsage:     opts.MinUsage,
		minSuccess:   opts.MinSuccess,
		costEstimate: opts.CostEstimate,
	}
}

// Scan finds qualifying traces and crystallizes each into a tool file.
// Per-candidate failures are logged and skipped; a budget refusal stops
// the scan. Returns the number of tools crystallized.
func (c *Crystallizer) Scan(ctx context.Context) (int, error) {
	candidates := c.query.CrystallizationCandidates(c.minUsage, c.minSuccess)
	if len(candidates) == 0 {
		logging.ToolsDebug("crystallizer: no candidates")
		return 0, nil
	}
	logging.Tools("crystallizer: %d candidate(s)", len(candidates))

	var (
		mu           sync.Mutex
		crystallized int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)

	for _, trace := range candidates {
		g.Go(func() error {
			if err := c.budget.Check(c.costEstimate); err != nil {
				return err // out of budget, stop the scan
			}

			name, err := c.crystallize(gctx, trace)
			if err != nil {
				logging.ToolsWarn("crystallizer: %s: %v", trace.GoalSignature, err)
				return nil
			}

			mu.Lock()
			crystallized++
			mu.Unlock()
			logging.Tools("crystallized %q into tool %s", trace.GoalText, name)
			return nil
		})
	}

	err := g.Wait()
	return crystallized, err
}

// crystallize generates, validates, writes, and registers one tool.
func (c *Crystallizer) crystallize(ctx context.Context, trace *memory.ExecutionTrace) (string, error) {
	prompt := c.buildPrompt(trace)

	raw, cost, err := c.codegen.Complete(ctx, codegenSystemPrompt, prompt)
	if cost <= 0 {
		cost = c.costEstimate
	}
	if err != nil {
		return "", fmt.Errorf("generation failed: %w", err)
	}
	if derr := c.budget.Deduct(cost, "crystallize "+trace.GoalSignature); derr != nil {
		return "", derr
	}

	code := extractCodeBlock(raw, "go")
	if err := c.registry.runner.Validate(code); err != nil {
		return "", fmt.Errorf("generated code rejected: %w", err)
	}

	name := c.toolNameFor(trace)
	path := filepath.Join(c.dir, name+".go")

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(code), 0644); err != nil {
		return "", err
	}

	tool := &Tool{
		Name:        name,
		Description: fmt.Sprintf("crystallized from %q", trace.GoalText),
		Code:        code,
		Path:        path,
	}
	if err := c.registry.Register(tool); err != nil {
		return "", err
	}

	if _, err := c.store.SetCrystallized(trace.GoalSignature, name); err != nil {
		logging.ToolsWarn("crystallizer: tool %s registered but trace update failed: %v", name, err)
	}
	return name, nil
}

// buildPrompt describes the proven execution the tool must reproduce.
func (c *Crystallizer) buildPrompt(trace *memory.ExecutionTrace) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", trace.GoalText)
	fmt.Fprintf(&b, "Executed %d times with %.0f%% success.\n", trace.UsageCount, trace.SuccessRating*100)
	if len(trace.ToolsUsed) > 0 {
		fmt.Fprintf(&b, "Tools used: %s\n", strings.Join(trace.ToolsUsed, ", "))
	}
	if trace.OutputSummary != "" {
		fmt.Fprintf(&b, "Known-good output:\n%s\n", trace.OutputSummary)
	}
	b.WriteString("\nWrite RunTool so it performs this task directly.")
	return b.String()
}

// toolNameFor derives a stable registry name from the trace goal.
// Collisions with an existing tool get a signature suffix.
func (c *Crystallizer) toolNameFor(trace *memory.ExecutionTrace) string {
	name := slugify(trace.GoalText)
	if name == "" {
		name = "tool_" + trace.GoalSignature[:8]
	}
	if c.registry.Has(name) {
		name = name + "_" + trace.GoalSignature[:6]
	}
	return name
}

// slugify maps free-form goal text to a tool name: lowercase, first
// four words, underscores between them.
func slugify(goal string) string {
	fields := strings.Fields(memory.Normalize(goal))
	if len(fields) > 4 {
		fields = fields[:4]
	}
	var parts []string
	for _, f := range fields {
		var b strings.Builder
		for _, r := range f {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			}
		}
		if b.Len() > 0 {
			parts = append(parts, b.String())
		}
	}
	slug := strings.Join(parts, "_")
	if slug != "" && (slug[0] < 'a' || slug[0] > 'z') {
		slug = "t_" + slug
	}
	return slug
}

// extractCodeBlock pulls a fenced code block out of a model response,
// or returns the trimmed response when no fence is present.
func extractCodeBlock(text, lang string) string {
	patterns := []string{
		"```" + lang + "\n",
		"```" + lang + "\r\n",
		"```\n",
	}
	for _, pattern := range patterns {
		if idx := strings.Index(text, pattern); idx != -1 {
			start := idx + len(pattern)
			end := strings.Index(text[start:], "```")
			if end != -1 {
				return strings.TrimSpace(text[start : start+end])
			}
		}
	}
	return strings.TrimSpace(text)
}
