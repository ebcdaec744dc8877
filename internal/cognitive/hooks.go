package cognitive

import (
	"context"
	"fmt"
	"strings"

	"llmos/internal/logging"
	"llmos/internal/memory"
)

// ToolCall is the hook view of one requested tool invocation.
type ToolCall struct {
	Name  string
	Input string
}

// PreToolHook runs before a tool call executes. An error wrapping
// ErrHookVeto rejects the call; the reason goes back to the model as a
// tool error.
type PreToolHook func(ctx context.Context, call ToolCall) error

// PostToolHook runs after a tool call completes, vetoed or not.
type PostToolHook func(ctx context.Context, call ToolCall, result string, callErr error)

// PromptHook may rewrite the user prompt before submission.
type PromptHook func(ctx context.Context, prompt string) string

// Hooks is an ordered pipeline around tool events and prompt
// submission. The zero value is an empty pipeline.
type Hooks struct {
	pre    []PreToolHook
	post   []PostToolHook
	prompt []PromptHook
}

// OnPreTool appends pre-tool hooks. The first veto wins.
func (h *Hooks) OnPreTool(hooks ...PreToolHook) { h.pre = append(h.pre, hooks...) }

// OnPostTool appends post-tool hooks.
func (h *Hooks) OnPostTool(hooks ...PostToolHook) { h.post = append(h.post, hooks...) }

// OnPrompt appends prompt hooks, applied in order.
func (h *Hooks) OnPrompt(hooks ...PromptHook) { h.prompt = append(h.prompt, hooks...) }

// clone copies the pipeline so per-call additions never leak back.
func (h *Hooks) clone() Hooks {
	return Hooks{
		pre:    append([]PreToolHook(nil), h.pre...),
		post:   append([]PostToolHook(nil), h.post...),
		prompt: append([]PromptHook(nil), h.prompt...),
	}
}

func (h *Hooks) runPre(ctx context.Context, call ToolCall) error {
	for _, hook := range h.pre {
		if err := hook(ctx, call); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hooks) runPost(ctx context.Context, call ToolCall, result string, callErr error) {
	for _, hook := range h.post {
		hook(ctx, call, result, callErr)
	}
}

func (h *Hooks) applyPrompt(ctx context.Context, prompt string) string {
	for _, hook := range h.prompt {
		prompt = hook(ctx, prompt)
	}
	return prompt
}

// SecurityHook vetoes tool input containing any deny pattern. Matching
// is case-insensitive substring, mirroring the config format.
func SecurityHook(denyPatterns []string) PreToolHook {
	patterns := make([]string, 0, len(denyPatterns))
	for _, p := range denyPatterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			patterns = append(patterns, p)
		}
	}
	return func(ctx context.Context, call ToolCall) error {
		input := strings.ToLower(call.Input)
		for _, p := range patterns {
			if strings.Contains(input, p) {
				logging.ToolsWarn("security hook vetoed %s: matched %q", call.Name, p)
				return fmt.Errorf("%w: input matches denied pattern %q", ErrHookVeto, p)
			}
		}
		return nil
	}
}

// BudgetChecker is the slice of the token economy hooks need.
type BudgetChecker interface {
	Check(amountUSD float64) error
}

// BudgetHook vetoes further tool use once the cost accumulated so far
// no longer fits the remaining balance.
func BudgetHook(economy BudgetChecker, builder *TraceBuilder) PreToolHook {
	return func(ctx context.Context, call ToolCall) error {
		spent := builder.CostUSD()
		if err := economy.Check(spent); err != nil {
			logging.ToolsWarn("budget hook vetoed %s: $%.4f already accrued: %v", call.Name, spent, err)
			return fmt.Errorf("%w: projected cost $%.4f exceeds remaining budget", ErrHookVeto, spent)
		}
		return nil
	}
}

// TraceCaptureHook appends completed tool calls to the builder.
func TraceCaptureHook(builder *TraceBuilder) PostToolHook {
	return func(ctx context.Context, call ToolCall, result string, callErr error) {
		builder.AddTool(call.Name)
		if callErr != nil {
			builder.AddError(fmt.Sprintf("%s: %v", call.Name, callErr))
		}
	}
}

// memoryInjectionLimit caps how many prior-trace summaries the prompt
// hook prepends.
const memoryInjectionLimit = 3

// MemoryInjectionHook prepends summaries of similar past executions so
// the model can lean on established approaches.
func MemoryInjectionHook(query *memory.Query) PromptHook {
	return func(ctx context.Context, prompt string) string {
		matches := query.FindSimilar(prompt, memoryInjectionLimit, 0.5)
		if len(matches) == 0 {
			return prompt
		}
		var sb strings.Builder
		sb.WriteString("Relevant prior executions:\n")
		for _, m := range matches {
			sb.WriteString(fmt.Sprintf("- %q ran %d times with %.0f%% success",
				m.Trace.GoalText, m.Trace.UsageCount, m.Trace.SuccessRating*100))
			if len(m.Trace.ToolsUsed) > 0 {
				sb.WriteString(fmt.Sprintf(" using %s", strings.Join(m.Trace.ToolsUsed, ", ")))
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
		sb.WriteString(prompt)
		logging.AdapterDebug("memory injection: %d prior executions prepended", len(matches))
		return sb.String()
	}
}
