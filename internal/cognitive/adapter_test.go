package cognitive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/goleak"

	"llmos/internal/agent"
	"llmos/internal/memory"
)

func TestMain(m *testing.M) {
	// opencensus (pulled in transitively via google.golang.org/genai) starts
	// a permanent worker goroutine from its package init; it is not a leak
	// from the code under test.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func testSpec(name, prompt string, tools []string) *agent.Spec {
	return &agent.Spec{Name: name, Type: agent.TypeSpecialized, SystemPrompt: prompt, Tools: tools}
}

// fakeBackend scripts one query: requested tool calls first, then text
// messages, then the terminal result.
type fakeBackend struct {
	toolCalls []ToolCall
	texts     []string
	totalCost float64
	queryErr  error
	streamErr error

	gotPrompt string
	gotOpts   QueryOptions
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Query(ctx context.Context, prompt string, opts QueryOptions) (*Stream, error) {
	f.gotPrompt = prompt
	f.gotOpts = opts
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	ctx, cancel := context.WithCancel(ctx)
	s := newStream(cancel)
	go func() {
		defer s.finish()
		for _, call := range f.toolCalls {
			if err := s.emit(ctx, Message{Kind: KindToolUse, ToolName: call.Name, ToolInput: call.Input}); err != nil {
				return
			}
			if opts.OnTool != nil {
				opts.OnTool(ctx, call.Name, call.Input)
			}
		}
		for _, text := range f.texts {
			if err := s.emit(ctx, Message{Kind: KindText, Text: text}); err != nil {
				return
			}
		}
		if f.streamErr != nil {
			s.fail(fmt.Errorf("%w: %v", ErrBackend, f.streamErr))
			return
		}
		_ = s.emit(ctx, Message{Kind: KindResult, TotalCostUSD: f.totalCost})
	}()
	return s, nil
}

// fakeRunner answers for a fixed set of crystallized tools.
type fakeRunner struct {
	tools map[string]string
	fail  bool
	calls []string
}

func (r *fakeRunner) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

func (r *fakeRunner) Execute(ctx context.Context, name, input string) (string, error) {
	r.calls = append(r.calls, name)
	if r.fail {
		return "", errors.New("tool exploded")
	}
	return r.tools[name], nil
}

type fakeEconomy struct {
	err error
}

func (e *fakeEconomy) Check(amountUSD float64) error { return e.err }

func TestOneShotCollectsOutputAndCost(t *testing.T) {
	backend := &fakeBackend{texts: []string{"working on it", "done"}, totalCost: 0.42}
	a := New(Options{Backend: backend})

	out, err := a.OneShot(context.Background(), "summarize the report", nil, nil)
	if err != nil {
		t.Fatalf("OneShot: %v", err)
	}
	if !out.Success {
		t.Error("expected success")
	}
	if out.Output != "working on it\ndone" {
		t.Errorf("output = %q", out.Output)
	}
	if out.CostUSD != 0.42 {
		t.Errorf("cost = %f, want 0.42", out.CostUSD)
	}

	trace := out.Builder.Build(memory.ModeLearner, true)
	if trace.SuccessRating != 1.0 {
		t.Errorf("rating = %f, want 1.0", trace.SuccessRating)
	}
	if trace.EstimatedCostUSD != 0.42 {
		t.Errorf("estimated cost = %f", trace.EstimatedCostUSD)
	}
	if err := trace.Validate(); err != nil {
		t.Errorf("built trace invalid: %v", err)
	}
}

func TestOneShotCapturesToolUse(t *testing.T) {
	dir := t.TempDir()
	backend := &fakeBackend{
		toolCalls: []ToolCall{{
			Name:  "write_file",
			Input: `{"path":"out.txt","content":"hi"}`,
		}},
		texts:     []string{"wrote the file"},
		totalCost: 0.10,
	}
	a := New(Options{Backend: backend, WorkRoot: dir})

	out, err := a.OneShot(context.Background(), "create out.txt", nil, nil)
	if err != nil {
		t.Fatalf("OneShot: %v", err)
	}
	if !out.Success {
		t.Fatal("expected success")
	}

	tools := out.Builder.Tools()
	if len(tools) != 1 || tools[0] != "write_file" {
		t.Errorf("tools = %v, want [write_file]", tools)
	}
	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil {
		t.Fatalf("tool did not write the file: %v", err)
	}
	if string(data) != "hi" {
		t.Errorf("file content = %q", data)
	}
}

func TestOneShotAdvertisesDefaultTools(t *testing.T) {
	backend := &fakeBackend{texts: []string{"ok"}}
	a := New(Options{Backend: backend})

	if _, err := a.OneShot(context.Background(), "anything", nil, nil); err != nil {
		t.Fatalf("OneShot: %v", err)
	}
	var names []string
	for _, def := range backend.gotOpts.Tools {
		names = append(names, def.Name)
	}
	want := []string{"bash", "read_file", "write_file", "list_dir"}
	if len(names) != len(want) {
		t.Fatalf("advertised tools = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("tool %d = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestSecurityHookVetoesDestructiveInput(t *testing.T) {
	backend := &fakeBackend{
		toolCalls: []ToolCall{{Name: "bash", Input: `{"command":"rm -rf /tmp/x"}`}},
		texts:     []string{"could not run that"},
	}
	a := New(Options{Backend: backend, DenyPatterns: []string{"rm -rf"}, WorkRoot: t.TempDir()})

	out, err := a.OneShot(context.Background(), "clean up", nil, nil)
	if err != nil {
		t.Fatalf("OneShot: %v", err)
	}
	// The veto surfaces to the model, not as a call failure.
	if !out.Success {
		t.Error("veto must not fail the call")
	}
	trace := out.Builder.Build(memory.ModeLearner, true)
	if !strings.Contains(trace.ErrorNotes, "HOOK_VETO") {
		t.Errorf("error notes = %q, want a HOOK_VETO note", trace.ErrorNotes)
	}
}

func TestBudgetHookVetoesWhenEconomyRefuses(t *testing.T) {
	backend := &fakeBackend{
		toolCalls: []ToolCall{{Name: "list_dir", Input: `{}`}},
	}
	a := New(Options{
		Backend: backend,
		Economy: &fakeEconomy{err: errors.New("LOW_BATTERY")},
		WorkRoot: t.TempDir(),
	})

	out, err := a.OneShot(context.Background(), "look around", nil, nil)
	if err != nil {
		t.Fatalf("OneShot: %v", err)
	}
	trace := out.Builder.Build(memory.ModeLearner, out.Success)
	if !strings.Contains(trace.ErrorNotes, "HOOK_VETO") {
		t.Errorf("error notes = %q, want a HOOK_VETO note", trace.ErrorNotes)
	}
}

func TestOneShotBackendFailureKeepsBuilder(t *testing.T) {
	backend := &fakeBackend{
		texts:     []string{"partial progress"},
		streamErr: errors.New("connection reset"),
	}
	a := New(Options{Backend: backend})

	out, err := a.OneShot(context.Background(), "fragile goal", nil, nil)
	if err == nil {
		t.Fatal("expected stream error")
	}
	if !errors.Is(err, ErrBackend) {
		t.Errorf("error = %v, want ErrBackend", err)
	}
	if out.Success {
		t.Error("outcome must not be successful")
	}
	// The failure trace still carries what happened, rated 0.5.
	trace := out.Builder.Build(memory.ModeLearner, false)
	if trace.SuccessRating != 0.5 {
		t.Errorf("rating = %f, want 0.5", trace.SuccessRating)
	}
	if !strings.Contains(trace.OutputSummary, "partial progress") {
		t.Errorf("output summary = %q", trace.OutputSummary)
	}
	if trace.ErrorNotes == "" {
		t.Error("expected error notes")
	}
}

func TestStreamForwardsMessages(t *testing.T) {
	backend := &fakeBackend{
		toolCalls: []ToolCall{{Name: "list_dir", Input: `{}`}},
		texts:     []string{"a", "b"},
		totalCost: 0.05,
	}
	a := New(Options{Backend: backend, WorkRoot: t.TempDir()})

	var kinds []MessageKind
	out, err := a.Stream(context.Background(), "inspect", nil, nil, func(msg Message) {
		kinds = append(kinds, msg.Kind)
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if !out.Success {
		t.Fatal("expected success")
	}
	want := []MessageKind{KindToolUse, KindText, KindText, KindResult}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("message %d = %q, want %q", i, kinds[i], want[i])
		}
	}
}

func TestReplayRunsCrystallizedTools(t *testing.T) {
	runner := &fakeRunner{tools: map[string]string{"extract-dates": "2024-01-01"}}
	a := New(Options{Backend: &fakeBackend{}, Runner: runner})

	trace := memory.NewTrace("extract dates from the log", memory.ModeLearner)
	trace.ToolsUsed = []string{"extract-dates"}

	out, err := a.Replay(context.Background(), trace)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if !out.Success {
		t.Fatal("expected success")
	}
	if out.CostUSD != 0 {
		t.Errorf("replay cost = %f, want 0", out.CostUSD)
	}
	if out.Output != "2024-01-01" {
		t.Errorf("output = %q", out.Output)
	}
	if len(runner.calls) != 1 {
		t.Errorf("runner calls = %v", runner.calls)
	}
}

func TestReplayUnknownToolIsNoop(t *testing.T) {
	a := New(Options{Backend: &fakeBackend{}})

	trace := memory.NewTrace("touch some files", memory.ModeLearner)
	trace.ToolsUsed = []string{"bash", "write_file"}

	out, err := a.Replay(context.Background(), trace)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if !out.Success {
		t.Fatal("expected success")
	}
	if !strings.Contains(out.Output, "replayed bash") {
		t.Errorf("output = %q", out.Output)
	}
}

func TestReplayEmptyTraceSurfacesSummary(t *testing.T) {
	a := New(Options{Backend: &fakeBackend{}})

	trace := memory.NewTrace("what is 2+2", memory.ModeLearner)
	trace.OutputSummary = "4"

	out, err := a.Replay(context.Background(), trace)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if !out.Success || out.Output != "4" {
		t.Errorf("success=%v output=%q", out.Success, out.Output)
	}
}

func TestReplayRunnerFailureIsNotFatal(t *testing.T) {
	runner := &fakeRunner{tools: map[string]string{"broken": ""}, fail: true}
	a := New(Options{Backend: &fakeBackend{}, Runner: runner})

	trace := memory.NewTrace("use the broken tool", memory.ModeLearner)
	trace.ToolsUsed = []string{"broken"}

	out, err := a.Replay(context.Background(), trace)
	if err != nil {
		t.Fatalf("Replay must not return an error for tool failure: %v", err)
	}
	if out.Success {
		t.Error("expected failed outcome")
	}
}

func TestCompleteAggregatesTextAndFallbackCost(t *testing.T) {
	backend := &fakeBackend{texts: []string{"{", `"steps": []`, "}"}}
	a := New(Options{Backend: backend})

	text, cost, err := a.Complete(context.Background(), "you are a planner", "plan it")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != `{"steps": []}` {
		t.Errorf("text = %q", text)
	}
	if cost != 0 {
		t.Errorf("cost = %f", cost)
	}
	if backend.gotOpts.SystemPrompt != "you are a planner" {
		t.Errorf("system prompt = %q", backend.gotOpts.SystemPrompt)
	}
	if len(backend.gotOpts.Tools) != 0 {
		t.Error("plain completion must not advertise tools")
	}
}

func TestClassifySimilarity(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    float64
		wantErr bool
	}{
		{"plain number", "0.85", 0.85, false},
		{"wrapped in prose", "The similarity is 0.3 overall.", 0.3, false},
		{"clamped high", "1.7", 1.0, false},
		{"no number", "cannot say", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(Options{Backend: &fakeBackend{texts: []string{tt.reply}}})
			got, err := a.ClassifySimilarity(context.Background(), "goal a", "goal b")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ClassifySimilarity: %v", err)
			}
			if got != tt.want {
				t.Errorf("score = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestMemoryInjectionRewritesPrompt(t *testing.T) {
	store, err := memory.NewTraceStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	prior := memory.NewTrace("convert csv file to json", memory.ModeLearner)
	prior.SuccessRating = 1.0
	prior.ToolsUsed = []string{"bash"}
	if err := store.Save(prior); err != nil {
		t.Fatal(err)
	}

	backend := &fakeBackend{texts: []string{"ok"}}
	a := New(Options{Backend: backend, Memory: memory.NewQuery(store, nil)})

	if _, err := a.OneShot(context.Background(), "convert csv file to yaml", nil, nil); err != nil {
		t.Fatalf("OneShot: %v", err)
	}
	if !strings.Contains(backend.gotPrompt, "Relevant prior executions") {
		t.Errorf("prompt = %q, want injected memory", backend.gotPrompt)
	}
	if !strings.Contains(backend.gotPrompt, "convert csv file to yaml") {
		t.Error("original goal must survive injection")
	}
}

func TestAgentSpecOverridesPromptAndTools(t *testing.T) {
	backend := &fakeBackend{texts: []string{"ok"}}
	a := New(Options{Backend: backend})

	spec := testSpec("researcher", "You research things.", []string{"read_file"})
	if _, err := a.OneShot(context.Background(), "research", spec, nil); err != nil {
		t.Fatalf("OneShot: %v", err)
	}
	if backend.gotOpts.SystemPrompt != "You research things." {
		t.Errorf("system prompt = %q", backend.gotOpts.SystemPrompt)
	}
	if len(backend.gotOpts.Tools) != 1 || backend.gotOpts.Tools[0].Name != "read_file" {
		t.Errorf("tools = %+v", backend.gotOpts.Tools)
	}
}
