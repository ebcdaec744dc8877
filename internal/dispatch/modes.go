package dispatch

import (
	"context"
	"fmt"
	"strings"

	"llmos/internal/agent"
	"llmos/internal/cognitive"
	"llmos/internal/logging"
	"llmos/internal/memory"
	"llmos/internal/orchestrate"
)

// guidanceSummaryLimit bounds how much of a prior outcome is quoted in
// the MIXED guidance prompt.
const guidanceSummaryLimit = 600

// execCrystallized replays a generated tool for free. A missing tool
// downgrades to replaying the trace; a failing tool downgrades to MIXED
// so fresh guidance can repair the stale memory.
func (d *Dispatcher) execCrystallized(ctx context.Context, st *state) *Result {
	trace := st.decision.Trace
	toolName := ""
	if trace != nil {
		toolName = trace.CrystallizedIntoTool
	}

	if toolName == "" || d.tools == nil || !d.tools.Has(toolName) {
		logging.DispatchWarn("dispatch %s: crystallized tool %q not registered, downgrading", st.id, toolName)
		if trace != nil {
			st.decision.Mode = memory.ModeFollower
			return d.execFollower(ctx, st)
		}
		st.decision.Mode = memory.ModeLearner
		return d.execLearner(ctx, st)
	}

	output, err := d.tools.Execute(ctx, toolName, st.goal)
	if err != nil {
		if ctx.Err() != nil {
			return &Result{Success: false, Mode: memory.ModeCrystallized, ToolName: toolName, Err: ReasonCancelled}
		}
		logging.DispatchWarn("dispatch %s: crystallized tool %s failed: %v", st.id, toolName, err)
		if _, uerr := d.store.UpdateUsage(trace.GoalSignature, false); uerr != nil {
			logging.DispatchWarn("usage update for %s failed: %v", trace.GoalSignature, uerr)
		}
		st.decision.Mode = memory.ModeMixed
		return d.execMixed(ctx, st)
	}

	updated, uerr := d.store.UpdateUsage(trace.GoalSignature, true)
	if uerr != nil {
		logging.DispatchWarn("usage update for %s failed: %v", trace.GoalSignature, uerr)
		updated = trace
	}

	return &Result{
		Success:  true,
		Mode:     memory.ModeCrystallized,
		Output:   output,
		Trace:    updated,
		ToolName: toolName,
	}
}

// execFollower replays the matched trace's recorded tool sequence with
// no model call. A trivially-successful replay (nothing recorded to
// re-run) counts as usage but produces no new evidence, so the success
// rating is left alone.
func (d *Dispatcher) execFollower(ctx context.Context, st *state) *Result {
	trace := st.decision.Trace
	if trace == nil {
		logging.DispatchWarn("dispatch %s: follower with no trace, downgrading to learner", st.id)
		st.decision.Mode = memory.ModeLearner
		return d.execLearner(ctx, st)
	}

	outcome, err := d.cognitive.Replay(ctx, trace)
	if err != nil {
		return &Result{
			Success: false,
			Mode:    memory.ModeFollower,
			Trace:   trace,
			Err:     reasonFor(ctx, err),
		}
	}

	if !outcome.Success {
		if _, uerr := d.store.UpdateUsage(trace.GoalSignature, false); uerr != nil {
			logging.DispatchWarn("usage update for %s failed: %v", trace.GoalSignature, uerr)
		}
		logging.Dispatch("dispatch %s: replay of %s failed, downgrading to MIXED", st.id, trace.GoalSignature)
		st.decision.Mode = memory.ModeMixed
		return d.execMixed(ctx, st)
	}

	var updated *memory.ExecutionTrace
	var uerr error
	if len(trace.ToolsUsed) == 0 {
		updated, uerr = d.store.Touch(trace.GoalSignature)
	} else {
		updated, uerr = d.store.UpdateUsage(trace.GoalSignature, true)
	}
	if uerr != nil {
		logging.DispatchWarn("usage update for %s failed: %v", trace.GoalSignature, uerr)
		updated = trace
	}

	return &Result{
		Success: true,
		Mode:    memory.ModeFollower,
		Output:  outcome.Output,
		Trace:   updated,
	}
}

// execMixed makes one paid call seeded with the matched trace as
// few-shot guidance.
func (d *Dispatcher) execMixed(ctx context.Context, st *state) *Result {
	trace := st.decision.Trace
	if trace == nil {
		logging.DispatchWarn("dispatch %s: mixed with no trace, downgrading to learner", st.id)
		st.decision.Mode = memory.ModeLearner
		return d.execLearner(ctx, st)
	}

	if res := d.admit(st, memory.ModeMixed, d.cfg.Dispatcher.MixedCostEstimate); res != nil {
		return res
	}

	outcome, err := d.cognitive.OneShot(ctx, st.goal, guidanceSpec(trace), d.resolveProject(st))
	return d.finishPaid(ctx, st, memory.ModeMixed, outcome, err)
}

// execLearner reasons from scratch: the most expensive path and the one
// that seeds the memory.
func (d *Dispatcher) execLearner(ctx context.Context, st *state) *Result {
	if res := d.admit(st, memory.ModeLearner, d.cfg.Dispatcher.LearnerCostEstimate); res != nil {
		return res
	}

	outcome, err := d.cognitive.OneShot(ctx, st.goal, nil, d.resolveProject(st))
	return d.finishPaid(ctx, st, memory.ModeLearner, outcome, err)
}

// finishPaid settles the bill and persists the experience for a MIXED
// or LEARNER call. A caught failure is still saved, rated 0.5, so the
// attempt counts as experience.
func (d *Dispatcher) finishPaid(ctx context.Context, st *state, mode memory.Mode, outcome *cognitive.Outcome, err error) *Result {
	var cost float64
	if outcome != nil {
		cost = d.settle(st, mode, outcome.CostUSD)
	}

	success := err == nil && outcome != nil && outcome.Success

	res := &Result{
		Success: success,
		Mode:    mode,
		CostUSD: cost,
	}
	if outcome != nil {
		res.Output = outcome.Output
		if outcome.Builder != nil {
			res.Trace = d.persistExperience(outcome.Builder.Build(mode, success), success)
		}
	}
	if !success {
		res.Err = reasonFor(ctx, err)
		if res.Err == "" {
			res.Err = ReasonAdapterError
		}
	}
	return res
}

// execOrchestrator hands the goal to the planner/delegation loop and
// records the whole run as one ORCHESTRATOR trace.
func (d *Dispatcher) execOrchestrator(ctx context.Context, st *state) *Result {
	maxCost := st.req.MaxCostUSD
	if maxCost <= 0 {
		maxCost = orchestrate.DefaultMaxCostUSD
	}

	if res := d.admit(st, memory.ModeOrchestrator, maxCost); res != nil {
		return res
	}

	orc, err := d.orchestrator.Orchestrate(ctx, st.goal, d.resolveProject(st), maxCost)
	if err != nil {
		logging.DispatchWarn("dispatch %s: orchestration setup failed: %v", st.id, err)
		return &Result{Success: false, Mode: memory.ModeOrchestrator, Err: reasonFor(ctx, err)}
	}

	cost := d.settle(st, memory.ModeOrchestrator, orc.CostUSD)

	trace := memory.NewTrace(st.goal, memory.ModeOrchestrator)
	trace.OutputSummary = orc.Output
	trace.EstimatedCostUSD = orc.CostUSD
	trace.EstimatedTimeSecs = orc.ExecutionTimeSecs
	if orc.Success {
		trace.SuccessRating = 1.0
	} else {
		trace.SuccessRating = 0.5
		trace.ErrorNotes = orc.Reason
	}

	res := &Result{
		Success:        orc.Success,
		Mode:           memory.ModeOrchestrator,
		CostUSD:        cost,
		Output:         orc.Output,
		Trace:          d.persistExperience(trace, orc.Success),
		StepsCompleted: orc.StepsCompleted,
		TotalSteps:     orc.TotalSteps,
		RunID:          orc.RunID,
	}
	if !orc.Success {
		res.Err = orc.Reason
	}
	return res
}

// guidanceSpec wraps the matched trace into an agent spec whose system
// prompt carries the proven approach.
func guidanceSpec(trace *memory.ExecutionTrace) *agent.Spec {
	var sb strings.Builder
	sb.WriteString("You are executing a task that closely matches earlier successful work. Follow the proven approach.\n\n")
	fmt.Fprintf(&sb, "Earlier task: %s\n", trace.GoalText)
	fmt.Fprintf(&sb, "Success rate: %.0f%% over %d run(s)\n", trace.SuccessRating*100, trace.UsageCount)
	if len(trace.ToolsUsed) > 0 {
		fmt.Fprintf(&sb, "Tools that worked: %s\n", strings.Join(trace.ToolsUsed, ", "))
	}
	if trace.OutputSummary != "" {
		fmt.Fprintf(&sb, "Earlier outcome:\n%s\n", clip(trace.OutputSummary, guidanceSummaryLimit))
	}
	sb.WriteString("\nApply the same approach to the current task, deviating only where the tasks differ. ")
	sb.WriteString("State the outcome plainly.")

	return &agent.Spec{
		Name:         "mixed-guidance",
		SystemPrompt: sb.String(),
		Tools:        agent.DefaultToolUniverse(),
	}
}

func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
