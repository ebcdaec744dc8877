package cognitive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"llmos/internal/agent"
	"llmos/internal/logging"
	"llmos/internal/memory"
	"llmos/internal/project"
)

// defaultSystemPrompt is used when no agent spec provides one.
const defaultSystemPrompt = "You are a capable general-purpose agent. " +
	"Accomplish the user's goal directly, use the available tools when needed, " +
	"and state the outcome plainly."

// similarityTimeout bounds one classification call.
const similarityTimeout = 30 * time.Second

// ToolRunner executes registered crystallized tools. Satisfied by the
// tools registry.
type ToolRunner interface {
	Has(name string) bool
	Execute(ctx context.Context, name, input string) (string, error)
}

// Options wires an Adapter. Backend is required; everything else
// degrades gracefully when absent.
type Options struct {
	Backend Backend

	// Economy enables the budget veto hook.
	Economy BudgetChecker
	// Memory enables prompt injection of similar-trace summaries.
	Memory *memory.Query
	// Runner resolves crystallized tools for calls and replays.
	Runner ToolRunner

	// WorkRoot is the host tool working directory when a call has no
	// project. Empty means the process working directory.
	WorkRoot string
	// DenyPatterns feed the security veto hook.
	DenyPatterns []string
}

// Adapter is the cognitive layer every paid execution goes through. It
// owns the hook pipeline and builds a trace per call.
type Adapter struct {
	backend  Backend
	economy  BudgetChecker
	runner   ToolRunner
	workRoot string
	hooks    Hooks
}

// Outcome is the adapter-level result of one call. Builder carries the
// accumulated trace material for the caller to persist.
type Outcome struct {
	Success bool
	Output  string
	CostUSD float64
	Builder *TraceBuilder
}

// New creates an adapter with the standard hook pipeline: security
// veto, memory injection, and per-call budget and trace capture.
func New(opts Options) *Adapter {
	a := &Adapter{
		backend:  opts.Backend,
		economy:  opts.Economy,
		runner:   opts.Runner,
		workRoot: opts.WorkRoot,
	}
	if len(opts.DenyPatterns) > 0 {
		a.hooks.OnPreTool(SecurityHook(opts.DenyPatterns))
	}
	if opts.Memory != nil {
		a.hooks.OnPrompt(MemoryInjectionHook(opts.Memory))
	}
	return a
}

// AddHooks extends the base pipeline, e.g. from tests or the kernel.
func (a *Adapter) AddHooks(configure func(*Hooks)) {
	configure(&a.hooks)
}

// OneShot runs one goal to completion and returns the collected output.
func (a *Adapter) OneShot(ctx context.Context, goal string, spec *agent.Spec, proj *project.Project) (*Outcome, error) {
	return a.run(ctx, goal, spec, proj, nil)
}

// Stream runs one goal, forwarding every message to onMessage as it
// arrives. Used by the orchestrator for per-step activity.
func (a *Adapter) Stream(ctx context.Context, goal string, spec *agent.Spec, proj *project.Project, onMessage func(Message)) (*Outcome, error) {
	return a.run(ctx, goal, spec, proj, onMessage)
}

func (a *Adapter) run(ctx context.Context, goal string, spec *agent.Spec, proj *project.Project, onMessage func(Message)) (*Outcome, error) {
	builder := NewTraceBuilder(goal)

	hooks := a.hooks.clone()
	if a.economy != nil {
		hooks.OnPreTool(BudgetHook(a.economy, builder))
	}
	hooks.OnPostTool(TraceCaptureHook(builder))

	systemPrompt := defaultSystemPrompt
	toolNames := agent.DefaultToolUniverse()
	agentName := agent.SystemAgentName
	if spec != nil {
		agentName = spec.Name
		if spec.SystemPrompt != "" {
			systemPrompt = spec.SystemPrompt
		}
		if len(spec.Tools) > 0 {
			toolNames = spec.Tools
		}
	}

	root := a.workRoot
	if proj != nil {
		root = proj.OutputDir()
	}
	host := NewHostExecutor(root)

	prompt := hooks.applyPrompt(ctx, goal)

	logging.Adapter("call %s: agent=%s backend=%s tools=%v", builder.CallID()[:8], agentName, a.backend.Name(), toolNames)

	stream, err := a.backend.Query(ctx, prompt, QueryOptions{
		SystemPrompt: systemPrompt,
		Tools:        a.toolDefs(toolNames),
		OnTool:       a.toolHandler(&hooks, host),
	})
	if err != nil {
		builder.AddError(err.Error())
		return &Outcome{Success: false, Builder: builder}, err
	}
	defer stream.Close()

	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			builder.AddError(err.Error())
			logging.AdapterError("call %s failed: %v", builder.CallID()[:8], err)
			return &Outcome{
				Success: false,
				Output:  builder.Output(),
				CostUSD: builder.CostUSD(),
				Builder: builder,
			}, err
		}
		switch msg.Kind {
		case KindText:
			builder.AddOutput(msg.Text)
		case KindResult:
			builder.SetTotalCost(msg.TotalCostUSD)
		}
		if msg.CostUSD > 0 {
			builder.AddCost(msg.CostUSD)
		}
		if onMessage != nil {
			onMessage(msg)
		}
	}

	logging.Adapter("call %s done: cost=$%.4f tools=%v elapsed=%s",
		builder.CallID()[:8], builder.CostUSD(), builder.Tools(), builder.Elapsed().Round(time.Millisecond))
	return &Outcome{
		Success: true,
		Output:  builder.Output(),
		CostUSD: builder.CostUSD(),
		Builder: builder,
	}, nil
}

// Replay re-executes a trace's recorded tool sequence without any model
// call. Crystallized tools run through the registry runner; built-in
// tool names carry no recorded arguments, so each is acknowledged as a
// deterministic no-op. Cost is always zero.
func (a *Adapter) Replay(ctx context.Context, trace *memory.ExecutionTrace) (*Outcome, error) {
	builder := NewTraceBuilder(trace.GoalText)

	for _, name := range trace.ToolsUsed {
		if err := ctx.Err(); err != nil {
			builder.AddError(err.Error())
			return &Outcome{Success: false, Output: builder.Output(), Builder: builder}, err
		}
		builder.AddTool(name)
		if a.runner != nil && a.runner.Has(name) {
			out, err := a.runner.Execute(ctx, name, trace.GoalText)
			if err != nil {
				builder.AddError(fmt.Sprintf("%s: %v", name, err))
				logging.AdapterDebug("replay of %s stopped at %s: %v", trace.GoalSignature, name, err)
				return &Outcome{Success: false, Output: builder.Output(), Builder: builder}, nil
			}
			builder.AddOutput(out)
			continue
		}
		builder.AddOutput("replayed " + name)
	}

	if len(trace.ToolsUsed) == 0 && trace.OutputSummary != "" {
		builder.AddOutput(trace.OutputSummary)
	}

	logging.Adapter("replayed %s: %d tools, no cost", trace.GoalSignature, len(trace.ToolsUsed))
	return &Outcome{Success: true, Output: builder.Output(), Builder: builder}, nil
}

// Complete issues a plain completion with no tool loop. Used for
// planning, similarity classification, and tool generation.
func (a *Adapter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, float64, error) {
	stream, err := a.backend.Query(ctx, userPrompt, QueryOptions{SystemPrompt: systemPrompt})
	if err != nil {
		return "", 0, err
	}
	defer stream.Close()

	var sb strings.Builder
	var total, accrued float64
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", accrued, err
		}
		switch msg.Kind {
		case KindText:
			sb.WriteString(msg.Text)
		case KindResult:
			total = msg.TotalCostUSD
		}
		accrued += msg.CostUSD
	}
	if total <= 0 {
		total = accrued
	}
	return strings.TrimSpace(sb.String()), total, nil
}

var scorePattern = regexp.MustCompile(`[0-9]*\.?[0-9]+`)

// ClassifySimilarity rates how similar two goals are on [0,1] with a
// single bounded model call. Implements the matcher's classifier
// strategy when llm matching is enabled.
func (a *Adapter) ClassifySimilarity(ctx context.Context, goal, candidate string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, similarityTimeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Rate how similar these two task goals are on a scale from 0.0 to 1.0, "+
			"where 1.0 means the same steps would accomplish both.\n\n"+
			"Goal A: %s\nGoal B: %s\n\nRespond with ONLY the number.",
		goal, candidate)

	text, _, err := a.Complete(ctx, "", prompt)
	if err != nil {
		return 0, err
	}
	raw := scorePattern.FindString(text)
	if raw == "" {
		return 0, fmt.Errorf("no score in classifier response %q", text)
	}
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("bad score %q: %w", raw, err)
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}

// toolDefs collects definitions for the whitelist: built-ins by name,
// plus crystallized tools the runner knows.
func (a *Adapter) toolDefs(names []string) []ToolDef {
	defs := BuiltinToolDefs(names)
	if a.runner == nil {
		return defs
	}
	for _, name := range names {
		if _, builtin := builtinDefs[name]; builtin {
			continue
		}
		if a.runner.Has(name) {
			defs = append(defs, ToolDef{
				Name:        name,
				Description: "Crystallized tool " + name,
				InputSchema: map[string]interface{}{
					"properties": map[string]interface{}{
						"input": map[string]interface{}{"type": "string", "description": "Tool input"},
					},
					"required": []string{"input"},
				},
			})
		}
	}
	return defs
}

// toolHandler routes a requested call through the hooks, then to the
// crystallized runner or the host executor.
func (a *Adapter) toolHandler(hooks *Hooks, host *HostExecutor) ToolHandler {
	return func(ctx context.Context, name, input string) (string, error) {
		call := ToolCall{Name: name, Input: input}
		if err := hooks.runPre(ctx, call); err != nil {
			hooks.runPost(ctx, call, "", err)
			return "", err
		}
		var result string
		var err error
		if a.runner != nil && a.runner.Has(name) {
			result, err = a.runner.Execute(ctx, name, unwrapToolInput(input))
		} else {
			result, err = host.Execute(ctx, name, input)
		}
		hooks.runPost(ctx, call, result, err)
		return result, err
	}
}

// unwrapToolInput extracts the "input" argument crystallized tools are
// advertised with. Anything else passes through verbatim.
func unwrapToolInput(raw string) string {
	var args struct {
		Input string `json:"input"`
	}
	if err := json.Unmarshal([]byte(raw), &args); err == nil && args.Input != "" {
		return args.Input
	}
	return raw
}
