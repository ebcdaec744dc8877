package orchestrate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"llmos/internal/agent"
	"llmos/internal/bus"
	"llmos/internal/cognitive"
	"llmos/internal/logging"
	"llmos/internal/memory"
	"llmos/internal/project"
)

// DefaultMaxCostUSD bounds an orchestration when the caller gives none.
const DefaultMaxCostUSD = 5.0

// stepResultLimit caps how much step output is persisted to the run
// state file.
const stepResultLimit = 2000

// Cognitive is the model surface the orchestrator needs: a plain
// completion for planning and a streaming call for step delegation.
// Implemented by the cognitive adapter.
type Cognitive interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, float64, error)
	Stream(ctx context.Context, goal string, spec *agent.Spec, proj *project.Project, onMessage func(cognitive.Message)) (*cognitive.Outcome, error)
}

// Result reports one orchestrated execution.
type Result struct {
	Success           bool
	Output            string
	StepsCompleted    int
	TotalSteps        int
	CostUSD           float64
	ExecutionTimeSecs float64
	Summary           project.Summary
	RunID             string

	// Reason is the structured failure code when Success is false:
	// ADAPTER_ERROR, BUDGET_EXCEEDED, CRITICAL_STEP_FAILED, or STEP_FAIL.
	Reason string
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Bus       *bus.Bus
	Projects  *project.Manager
	Agents    *agent.Registry
	Query     *memory.Query
	Knowledge *memory.KnowledgeStore
	Cognitive Cognitive

	// StepTimeout bounds each delegation; zero means no per-step bound
	// beyond the caller's context.
	StepTimeout time.Duration
}

// Orchestrator decomposes a goal into a plan and delegates each step to
// a named agent. Steps run strictly in order; a step's failure does not
// stop the run unless its agent is marked critical.
type Orchestrator struct {
	bus       *bus.Bus
	projects  *project.Manager
	agents    *agent.Registry
	query     *memory.Query
	knowledge *memory.KnowledgeStore
	cognitive Cognitive

	stepTimeout time.Duration
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		bus:         opts.Bus,
		projects:    opts.Projects,
		agents:      opts.Agents,
		query:       opts.Query,
		knowledge:   opts.Knowledge,
		cognitive:   opts.Cognitive,
		stepTimeout: opts.StepTimeout,
	}
}

// Orchestrate plans and executes the goal. The returned Result is
// always usable for accounting: even a failed run reports the cost it
// accrued. An error is returned only for environment failures before
// any paid call.
func (o *Orchestrator) Orchestrate(ctx context.Context, goal string, proj *project.Project, maxCostUSD float64) (*Result, error) {
	start := time.Now()
	if maxCostUSD <= 0 {
		maxCostUSD = DefaultMaxCostUSD
	}

	if proj == nil {
		var err error
		proj, err = o.projects.Ensure("", goal)
		if err != nil {
			return nil, fmt.Errorf("creating project: %w", err)
		}
	}

	state, err := project.NewStateManager(proj, goal)
	if err != nil {
		return nil, fmt.Errorf("initializing run state: %w", err)
	}
	runID := state.RunID()

	state.SetConstraint("max_token_cost", maxCostUSD)
	state.LogEvent("ORCHESTRATION_STARTED", map[string]interface{}{
		"goal":         goal,
		"project":      proj.Name,
		"max_cost_usd": maxCostUSD,
	})
	logging.Orchestrator("run %s: orchestrating %q (max $%.2f)", runID, goal, maxCostUSD)

	// Consult memory before planning.
	insights := o.query.Recommendations(goal)
	state.LogEvent("MEMORY_CONSULTATION", map[string]interface{}{"insights": len(insights)})
	if len(insights) > 0 {
		state.SetVariable("memory_insights", strings.Join(insights, "; "))
	}

	totalCost := 0.0

	// Decompose. The planning call is itself a paid learner-class call.
	prompt := buildPlanPrompt(goal, o.agents.List(), insights)
	resp, planCost, err := o.cognitive.Complete(ctx, plannerSystemPrompt, prompt)
	totalCost += planCost
	if err != nil {
		state.LogEvent("ORCHESTRATION_FAILED", map[string]interface{}{"error": err.Error()})
		state.SetFinalStatus("failed")
		logging.OrchestratorWarn("run %s: planning call failed: %v", runID, err)
		return &Result{
			Success:           false,
			Output:            err.Error(),
			CostUSD:           totalCost,
			ExecutionTimeSecs: time.Since(start).Seconds(),
			Summary:           state.Summary(),
			RunID:             runID,
			Reason:            "ADAPTER_ERROR",
		}, nil
	}

	steps, perr := parsePlan(resp)
	if perr != nil {
		logging.OrchestratorWarn("run %s: plan unusable (%v), falling back to single step", runID, perr)
		state.LogEvent("PLAN_PARSE_FAIL", map[string]interface{}{"error": perr.Error()})
		steps = fallbackPlan(goal)
	}
	if err := state.SetPlan(steps); err != nil {
		return nil, err
	}
	logging.Orchestrator("run %s: %d step(s) planned", runID, len(steps))

	// Execute in plan order.
	reason := ""
	for i := range steps {
		step := steps[i]

		if totalCost >= maxCostUSD {
			logging.OrchestratorWarn("run %s: budget exhausted ($%.4f >= $%.2f), halting", runID, totalCost, maxCostUSD)
			state.LogEvent("BUDGET_EXCEEDED", map[string]interface{}{
				"total_cost": totalCost,
				"max_cost":   maxCostUSD,
			})
			o.publish(bus.Event{
				Kind:  bus.BudgetExceeded,
				RunID: runID,
				Goal:  goal,
				Payload: map[string]interface{}{
					"total_cost": totalCost,
					"max_cost":   maxCostUSD,
				},
			})
			for j := i; j < len(steps); j++ {
				state.UpdateStep(steps[j].Number, project.StepFailed, "", "BUDGET_EXCEEDED")
			}
			reason = "BUDGET_EXCEEDED"
			break
		}

		cost, fatal := o.executeStep(ctx, state, proj, goal, step)
		totalCost += cost
		if fatal {
			for j := i + 1; j < len(steps); j++ {
				state.UpdateStep(steps[j].Number, project.StepFailed, "", "CRITICAL_STEP_FAILED")
			}
			reason = "CRITICAL_STEP_FAILED"
			break
		}
	}

	summary := state.Summary()
	success := summary.Completed == summary.Total
	if success {
		state.SetFinalStatus("completed")
		reason = ""
	} else {
		state.SetFinalStatus("failed")
		if reason == "" {
			reason = "STEP_FAIL"
		}
	}
	summary = state.Summary()

	o.recordInsight(goal, summary)

	logging.Orchestrator("run %s: %s (cost $%.4f)", runID, summary.String(), totalCost)
	return &Result{
		Success:           success,
		Output:            summary.String(),
		StepsCompleted:    summary.Completed,
		TotalSteps:        summary.Total,
		CostUSD:           totalCost,
		ExecutionTimeSecs: time.Since(start).Seconds(),
		Summary:           summary,
		RunID:             runID,
		Reason:            reason,
	}, nil
}

// executeStep delegates one step to its agent. Returns the step's cost
// and whether the failure aborts the run (critical agents only).
func (o *Orchestrator) executeStep(ctx context.Context, state *project.StateManager, proj *project.Project, goal string, step project.Step) (float64, bool) {
	runID := state.RunID()

	spec := o.agents.Resolve(step.AgentName)

	o.publish(bus.Event{
		Kind:  bus.StepStarted,
		RunID: runID,
		Goal:  goal,
		Agent: spec.Name,
		Payload: map[string]interface{}{
			"step":        step.Number,
			"description": step.Description,
		},
	})
	state.UpdateStep(step.Number, project.StepInProgress, "", "")
	logging.OrchestratorDebug("run %s: step %d -> %s", runID, step.Number, spec.Name)

	stepCtx := ctx
	if o.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, o.stepTimeout)
		defer cancel()
	}

	onMessage := func(msg cognitive.Message) {
		if msg.Kind != cognitive.KindToolUse {
			return
		}
		o.publish(bus.Event{
			Kind:    bus.AgentActivity,
			RunID:   runID,
			Goal:    goal,
			Agent:   spec.Name,
			Payload: map[string]interface{}{"tool": msg.ToolName},
		})
	}

	outcome, err := o.cognitive.Stream(stepCtx, step.Description, &spec, proj, onMessage)

	cost := 0.0
	if outcome != nil {
		cost = outcome.CostUSD
	}

	if err != nil || outcome == nil || !outcome.Success {
		errMsg := "delegation failed"
		if err != nil {
			errMsg = err.Error()
		} else if outcome != nil && outcome.Output != "" {
			errMsg = truncate(outcome.Output, stepResultLimit)
		}
		state.UpdateStep(step.Number, project.StepFailed, "", errMsg)
		o.publishStepDone(runID, goal, spec.Name, step.Number, false, cost)
		logging.OrchestratorWarn("run %s: step %d failed: %s", runID, step.Number, errMsg)

		if spec.Metadata["critical"] == "true" {
			logging.OrchestratorWarn("run %s: step %d was critical, aborting run", runID, step.Number)
			return cost, true
		}
		return cost, false
	}

	state.UpdateStep(step.Number, project.StepCompleted, truncate(outcome.Output, stepResultLimit), "")
	o.publishStepDone(runID, goal, spec.Name, step.Number, true, cost)
	return cost, false
}

func (o *Orchestrator) publishStepDone(runID, goal, agentName string, number int, success bool, cost float64) {
	o.publish(bus.Event{
		Kind:  bus.StepDone,
		RunID: runID,
		Goal:  goal,
		Agent: agentName,
		Payload: map[string]interface{}{
			"step":    number,
			"success": success,
			"cost":    cost,
		},
	})
}

func (o *Orchestrator) publish(evt bus.Event) {
	if o.bus != nil {
		o.bus.Publish(evt)
	}
}

// recordInsight writes one knowledge entry summarizing the run.
func (o *Orchestrator) recordInsight(goal string, summary project.Summary) {
	if o.knowledge == nil {
		return
	}
	content := fmt.Sprintf("Orchestrated %q: %s", goal, summary.String())
	if _, err := o.knowledge.AddInsight(content, memory.Signature(goal)); err != nil {
		logging.OrchestratorWarn("recording insight: %v", err)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "...[truncated]"
}
