package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"llmos/internal/agent"
	"llmos/internal/bus"
	"llmos/internal/cognitive"
	"llmos/internal/memory"
	"llmos/internal/project"
)

type fakeCognitive struct {
	mu sync.Mutex

	planResp string
	planCost float64
	planErr  error

	stepCost  float64
	failDescs map[string]bool
	emitTool  string

	planPrompts []string
	delegations []string
	agents      []string
}

func (f *fakeCognitive) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, float64, error) {
	f.mu.Lock()
	f.planPrompts = append(f.planPrompts, userPrompt)
	f.mu.Unlock()
	if f.planErr != nil {
		return "", f.planCost, f.planErr
	}
	return f.planResp, f.planCost, nil
}

func (f *fakeCognitive) Stream(ctx context.Context, goal string, spec *agent.Spec, proj *project.Project, onMessage func(cognitive.Message)) (*cognitive.Outcome, error) {
	f.mu.Lock()
	f.delegations = append(f.delegations, goal)
	f.agents = append(f.agents, spec.Name)
	f.mu.Unlock()

	if f.emitTool != "" && onMessage != nil {
		onMessage(cognitive.Message{Kind: cognitive.KindToolUse, ToolName: f.emitTool})
	}

	if f.failDescs[goal] {
		return &cognitive.Outcome{Success: false, Output: "step went sideways", CostUSD: f.stepCost}, nil
	}
	return &cognitive.Outcome{Success: true, Output: "did: " + goal, CostUSD: f.stepCost}, nil
}

func (f *fakeCognitive) delegationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delegations)
}

func planJSON(t *testing.T, steps ...map[string]interface{}) string {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{"steps": steps})
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func newTestOrchestrator(t *testing.T, fake *fakeCognitive, specs ...agent.Spec) (*Orchestrator, *project.Manager, *bus.Collector) {
	t.Helper()
	workspace := t.TempDir()

	projects, err := project.NewManager(workspace)
	if err != nil {
		t.Fatal(err)
	}

	registry := agent.NewRegistry()
	registry.Register(agent.SystemAgentSpec())
	for _, spec := range specs {
		registry.Register(spec)
	}

	store, err := memory.NewTraceStore(workspace)
	if err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	t.Cleanup(b.Close)
	collector := bus.NewCollector(b)

	o := New(Options{
		Bus:       b,
		Projects:  projects,
		Agents:    registry,
		Query:     memory.NewQuery(store, nil),
		Cognitive: fake,
	})
	return o, projects, collector
}

func readRunState(t *testing.T, proj *project.Project) project.ExecutionState {
	t.Helper()
	entries, err := os.ReadDir(proj.StateDir())
	if err != nil {
		t.Fatal(err)
	}
	var state project.ExecutionState
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(proj.StateDir(), entry.Name()))
		if err != nil {
			t.Fatal(err)
		}
		if err := json.Unmarshal(data, &state); err != nil {
			t.Fatal(err)
		}
		return state
	}
	t.Fatal("no run state file found")
	return state
}

func TestOrchestrateHappyPath(t *testing.T) {
	fake := &fakeCognitive{
		planResp: planJSON(t,
			map[string]interface{}{"number": 1, "description": "gather sources", "agent": "researcher"},
			map[string]interface{}{"number": 2, "description": "write the report", "agent": "system-agent"},
		),
		planCost: 0.40,
		stepCost: 0.10,
		emitTool: "bash",
	}
	researcher := agent.Spec{Name: "researcher", Type: agent.TypeSpecialized, SystemPrompt: "research things"}
	o, projects, collector := newTestOrchestrator(t, fake, researcher)

	proj, err := projects.Create("report", "")
	if err != nil {
		t.Fatal(err)
	}

	res, err := o.Orchestrate(context.Background(), "produce the quarterly report", proj, 5.0)
	if err != nil {
		t.Fatalf("Orchestrate failed: %v", err)
	}

	if !res.Success {
		t.Errorf("Success = false, want true")
	}
	if res.StepsCompleted != 2 || res.TotalSteps != 2 {
		t.Errorf("steps = %d/%d, want 2/2", res.StepsCompleted, res.TotalSteps)
	}
	wantCost := 0.40 + 2*0.10
	if res.CostUSD < wantCost-1e-9 || res.CostUSD > wantCost+1e-9 {
		t.Errorf("CostUSD = %f, want %f", res.CostUSD, wantCost)
	}
	if res.RunID == "" {
		t.Error("RunID empty")
	}
	if !strings.Contains(res.Output, "2/2 steps completed") {
		t.Errorf("Output = %q", res.Output)
	}

	if fake.agents[0] != "researcher" || fake.agents[1] != "system-agent" {
		t.Errorf("delegated agents = %v", fake.agents)
	}

	kinds := collector.Kinds()
	counts := map[bus.Kind]int{}
	for _, k := range kinds {
		counts[k]++
	}
	if counts[bus.StepStarted] != 2 || counts[bus.StepDone] != 2 {
		t.Errorf("step events = %v", counts)
	}
	if counts[bus.AgentActivity] != 2 {
		t.Errorf("agent activity events = %d, want 2", counts[bus.AgentActivity])
	}

	state := readRunState(t, proj)
	if state.Goal != "produce the quarterly report" {
		t.Errorf("state goal = %q", state.Goal)
	}
	if state.Constraints["max_token_cost"] != 5.0 {
		t.Errorf("constraints = %v", state.Constraints)
	}
	for _, step := range state.Plan {
		if step.Status != project.StepCompleted {
			t.Errorf("step %d status = %s, want completed", step.Number, step.Status)
		}
	}
	if state.FinalStatus != "completed" {
		t.Errorf("final status = %q", state.FinalStatus)
	}
}

func TestOrchestrateFallsBackOnUnparseablePlan(t *testing.T) {
	fake := &fakeCognitive{planResp: "I would rather not produce JSON today.", planCost: 0.25}
	o, projects, _ := newTestOrchestrator(t, fake)

	proj, err := projects.Create("fallback", "")
	if err != nil {
		t.Fatal(err)
	}

	res, err := o.Orchestrate(context.Background(), "compress the logs", proj, 5.0)
	if err != nil {
		t.Fatalf("Orchestrate failed: %v", err)
	}

	if res.TotalSteps != 1 {
		t.Fatalf("TotalSteps = %d, want 1 fallback step", res.TotalSteps)
	}
	if !res.Success {
		t.Error("fallback step should have succeeded")
	}
	if fake.delegations[0] != "compress the logs" {
		t.Errorf("delegated %q, want the original goal", fake.delegations[0])
	}
	if fake.agents[0] != agent.SystemAgentName {
		t.Errorf("agent = %q, want system-agent", fake.agents[0])
	}

	state := readRunState(t, proj)
	found := false
	for _, evt := range state.Events {
		if evt.Type == "PLAN_PARSE_FAIL" {
			found = true
		}
	}
	if !found {
		t.Error("PLAN_PARSE_FAIL not logged")
	}
}

func TestOrchestrateBudgetHaltsRemainingSteps(t *testing.T) {
	fake := &fakeCognitive{
		planResp: planJSON(t,
			map[string]interface{}{"number": 1, "description": "step one", "agent": "system-agent"},
			map[string]interface{}{"number": 2, "description": "step two", "agent": "system-agent"},
			map[string]interface{}{"number": 3, "description": "step three", "agent": "system-agent"},
		),
		planCost: 0.30,
		stepCost: 0.30,
	}
	o, projects, collector := newTestOrchestrator(t, fake)

	proj, err := projects.Create("budgeted", "")
	if err != nil {
		t.Fatal(err)
	}

	res, err := o.Orchestrate(context.Background(), "do three things", proj, 0.50)
	if err != nil {
		t.Fatalf("Orchestrate failed: %v", err)
	}

	// Plan ($0.30) + step one ($0.30) exceeds $0.50 before step two.
	if fake.delegationCount() != 1 {
		t.Errorf("delegations = %d, want 1", fake.delegationCount())
	}
	if res.Success {
		t.Error("Success = true with halted steps")
	}
	if res.StepsCompleted != 1 {
		t.Errorf("StepsCompleted = %d, want 1", res.StepsCompleted)
	}
	if res.Reason != "BUDGET_EXCEEDED" {
		t.Errorf("Reason = %q, want BUDGET_EXCEEDED", res.Reason)
	}

	state := readRunState(t, proj)
	for _, step := range state.Plan {
		switch step.Number {
		case 1:
			if step.Status != project.StepCompleted {
				t.Errorf("step 1 = %s, want completed", step.Status)
			}
		default:
			if step.Status != project.StepFailed || step.Error != "BUDGET_EXCEEDED" {
				t.Errorf("step %d = %s error %q, want failed BUDGET_EXCEEDED", step.Number, step.Status, step.Error)
			}
		}
	}

	sawBudget := false
	for _, k := range collector.Kinds() {
		if k == bus.BudgetExceeded {
			sawBudget = true
		}
	}
	if !sawBudget {
		t.Error("no BUDGET_EXCEEDED event published")
	}
}

func TestOrchestrateStepFailureIsNonFatal(t *testing.T) {
	fake := &fakeCognitive{
		planResp: planJSON(t,
			map[string]interface{}{"number": 1, "description": "flaky step", "agent": "system-agent"},
			map[string]interface{}{"number": 2, "description": "steady step", "agent": "system-agent"},
		),
		stepCost:  0.05,
		failDescs: map[string]bool{"flaky step": true},
	}
	o, projects, _ := newTestOrchestrator(t, fake)

	proj, err := projects.Create("nonfatal", "")
	if err != nil {
		t.Fatal(err)
	}

	res, err := o.Orchestrate(context.Background(), "run both steps", proj, 5.0)
	if err != nil {
		t.Fatalf("Orchestrate failed: %v", err)
	}

	if fake.delegationCount() != 2 {
		t.Errorf("delegations = %d, want 2 (failure must not halt)", fake.delegationCount())
	}
	if res.Success {
		t.Error("Success = true with a failed step")
	}
	if res.StepsCompleted != 1 {
		t.Errorf("StepsCompleted = %d, want 1", res.StepsCompleted)
	}
	if res.Reason != "STEP_FAIL" {
		t.Errorf("Reason = %q, want STEP_FAIL", res.Reason)
	}

	state := readRunState(t, proj)
	if state.Plan[0].Status != project.StepFailed || state.Plan[0].Error == "" {
		t.Errorf("step 1 = %+v, want failed with error text", state.Plan[0])
	}
	if state.Plan[1].Status != project.StepCompleted {
		t.Errorf("step 2 = %s, want completed", state.Plan[1].Status)
	}
}

func TestOrchestrateCriticalAgentAbortsRun(t *testing.T) {
	fake := &fakeCognitive{
		planResp: planJSON(t,
			map[string]interface{}{"number": 1, "description": "guarded step", "agent": "gatekeeper"},
			map[string]interface{}{"number": 2, "description": "later step", "agent": "system-agent"},
		),
		stepCost:  0.05,
		failDescs: map[string]bool{"guarded step": true},
	}
	gatekeeper := agent.Spec{
		Name:         "gatekeeper",
		Type:         agent.TypeSpecialized,
		SystemPrompt: "guard the gate",
		Metadata:     map[string]string{"critical": "true"},
	}
	o, projects, _ := newTestOrchestrator(t, fake, gatekeeper)

	proj, err := projects.Create("critical", "")
	if err != nil {
		t.Fatal(err)
	}

	res, err := o.Orchestrate(context.Background(), "guarded run", proj, 5.0)
	if err != nil {
		t.Fatalf("Orchestrate failed: %v", err)
	}

	if fake.delegationCount() != 1 {
		t.Errorf("delegations = %d, want 1 (critical failure halts)", fake.delegationCount())
	}
	if res.Success || res.StepsCompleted != 0 {
		t.Errorf("res = %+v, want complete failure", res)
	}
	if res.Reason != "CRITICAL_STEP_FAILED" {
		t.Errorf("Reason = %q, want CRITICAL_STEP_FAILED", res.Reason)
	}

	state := readRunState(t, proj)
	if state.Plan[1].Error != "CRITICAL_STEP_FAILED" {
		t.Errorf("step 2 error = %q, want CRITICAL_STEP_FAILED", state.Plan[1].Error)
	}
}

func TestOrchestratePlanningCallFailure(t *testing.T) {
	fake := &fakeCognitive{planErr: errors.New("backend unreachable"), planCost: 0.02}
	o, projects, _ := newTestOrchestrator(t, fake)

	proj, err := projects.Create("doomed", "")
	if err != nil {
		t.Fatal(err)
	}

	res, err := o.Orchestrate(context.Background(), "anything", proj, 5.0)
	if err != nil {
		t.Fatalf("Orchestrate returned error: %v", err)
	}

	if res.Success {
		t.Error("Success = true after planning failure")
	}
	if !strings.Contains(res.Output, "backend unreachable") {
		t.Errorf("Output = %q", res.Output)
	}
	if res.CostUSD != 0.02 {
		t.Errorf("CostUSD = %f, want the planning cost", res.CostUSD)
	}
	if res.Reason != "ADAPTER_ERROR" {
		t.Errorf("Reason = %q, want ADAPTER_ERROR", res.Reason)
	}
	if fake.delegationCount() != 0 {
		t.Error("steps were delegated despite planning failure")
	}
}

func TestOrchestrateAutoCreatesProject(t *testing.T) {
	fake := &fakeCognitive{planResp: planJSON(t,
		map[string]interface{}{"number": 1, "description": "only step", "agent": "system-agent"},
	)}
	o, projects, _ := newTestOrchestrator(t, fake)

	res, err := o.Orchestrate(context.Background(), "summarize the quarterly report", nil, 5.0)
	if err != nil {
		t.Fatalf("Orchestrate failed: %v", err)
	}
	if !res.Success {
		t.Error("Success = false")
	}

	if _, ok := projects.Get("summarize-the-quarterly"); !ok {
		names := []string{}
		for _, p := range projects.List() {
			names = append(names, p.Name)
		}
		t.Errorf("auto project missing, have %v", names)
	}
}

func TestOrchestrateWritesInsight(t *testing.T) {
	workspace := t.TempDir()

	knowledge, err := memory.OpenKnowledge(workspace)
	if err != nil {
		t.Fatal(err)
	}
	defer knowledge.Close()

	projects, err := project.NewManager(workspace)
	if err != nil {
		t.Fatal(err)
	}
	store, err := memory.NewTraceStore(workspace)
	if err != nil {
		t.Fatal(err)
	}
	registry := agent.NewRegistry()
	registry.Register(agent.SystemAgentSpec())

	fake := &fakeCognitive{planResp: planJSON(t,
		map[string]interface{}{"number": 1, "description": "only step", "agent": "system-agent"},
	)}
	o := New(Options{
		Projects:  projects,
		Agents:    registry,
		Query:     memory.NewQuery(store, knowledge),
		Knowledge: knowledge,
		Cognitive: fake,
	})

	if _, err := o.Orchestrate(context.Background(), "archive old notes", nil, 5.0); err != nil {
		t.Fatalf("Orchestrate failed: %v", err)
	}

	n, err := knowledge.InsightsCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("InsightsCount = %d, want 1", n)
	}

	insights, err := knowledge.InsightsFor(memory.Signature("archive old notes"))
	if err != nil {
		t.Fatal(err)
	}
	if len(insights) != 1 || !strings.Contains(insights[0].Content, "archive old notes") {
		t.Errorf("insights = %+v", insights)
	}
}
