package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"llmos/internal/memory"
)

type fakeCodegen struct {
	mu    sync.Mutex
	code  string
	cost  float64
	err   error
	calls int
}

func (f *fakeCodegen) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, float64, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return "", 0, f.err
	}
	return "Here is the tool:\n```go\n" + f.code + "\n```\n", f.cost, nil
}

func (f *fakeCodegen) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeBudget struct {
	mu       sync.Mutex
	checkErr error
	deducts  []float64
	reasons  []string
}

func (f *fakeBudget) Check(amountUSD float64) error { return f.checkErr }

func (f *fakeBudget) Deduct(amountUSD float64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deducts = append(f.deducts, amountUSD)
	f.reasons = append(f.reasons, reason)
	return nil
}

func seedCandidate(t *testing.T, store *memory.TraceStore, goal string) *memory.ExecutionTrace {
	t.Helper()
	trace := memory.NewTrace(goal, memory.ModeLearner)
	trace.UsageCount = 6
	trace.SuccessRating = 0.97
	trace.ToolsUsed = []string{"bash"}
	trace.OutputSummary = "verified against known primes"
	if err := store.Save(trace); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return trace
}

func newTestCrystallizer(t *testing.T, workspace string, cg Codegen, budget Budget) (*Crystallizer, *memory.TraceStore, *Registry) {
	t.Helper()
	store, err := memory.NewTraceStore(workspace)
	if err != nil {
		t.Fatalf("NewTraceStore: %v", err)
	}
	registry := NewRegistry(NewRunner(0))
	c := NewCrystallizer(CrystallizerOptions{
		Query:     memory.NewQuery(store, nil),
		Store:     store,
		Registry:  registry,
		Codegen:   cg,
		Budget:    budget,
		Workspace: workspace,
	})
	return c, store, registry
}

func TestScanCrystallizesCandidate(t *testing.T) {
	workspace := t.TempDir()
	cg := &fakeCodegen{code: echoToolCode, cost: 0.31}
	budget := &fakeBudget{}
	c, store, registry := newTestCrystallizer(t, workspace, cg, budget)
	trace := seedCandidate(t, store, "check prime numbers")

	n, err := c.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Scan = %d, want 1", n)
	}

	name := "check_prime_numbers"
	if !registry.Has(name) {
		t.Fatalf("tool %s not registered, have %v", name, registry.Names())
	}

	if _, err := os.Stat(filepath.Join(Dir(workspace), name+".go")); err != nil {
		t.Errorf("tool file not written: %v", err)
	}

	updated, err := store.Load(trace.GoalSignature)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if updated.CrystallizedIntoTool != name {
		t.Errorf("crystallized_into_tool = %q, want %q", updated.CrystallizedIntoTool, name)
	}

	if len(budget.deducts) != 1 || budget.deducts[0] != 0.31 {
		t.Errorf("deducts = %v, want [0.31]", budget.deducts)
	}
	if len(budget.reasons) != 1 || !strings.Contains(budget.reasons[0], trace.GoalSignature) {
		t.Errorf("deduct reason = %v, want signature reference", budget.reasons)
	}

	// The written file round-trips through the loader.
	fresh := NewRegistry(NewRunner(0))
	loaded, err := fresh.LoadDir(Dir(workspace))
	if err != nil || loaded != 1 {
		t.Errorf("LoadDir = (%d, %v), want (1, nil)", loaded, err)
	}
}

func TestScanNoCandidates(t *testing.T) {
	cg := &fakeCodegen{code: echoToolCode}
	c, _, _ := newTestCrystallizer(t, t.TempDir(), cg, &fakeBudget{})

	n, err := c.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Scan = %d, want 0", n)
	}
	if cg.callCount() != 0 {
		t.Errorf("codegen called %d times on empty store", cg.callCount())
	}
}

func TestScanBudgetRefusalStopsScan(t *testing.T) {
	refused := errors.New("LOW_BATTERY")
	cg := &fakeCodegen{code: echoToolCode}
	budget := &fakeBudget{checkErr: refused}
	c, store, registry := newTestCrystallizer(t, t.TempDir(), cg, budget)
	seedCandidate(t, store, "check prime numbers")

	n, err := c.Scan(context.Background())
	if !errors.Is(err, refused) {
		t.Errorf("Scan error = %v, want budget refusal", err)
	}
	if n != 0 {
		t.Errorf("Scan = %d, want 0", n)
	}
	if cg.callCount() != 0 {
		t.Error("codegen called despite budget refusal")
	}
	if registry.Count() != 0 {
		t.Error("tool registered despite budget refusal")
	}
}

func TestScanSkipsRejectedCode(t *testing.T) {
	cg := &fakeCodegen{code: `package main

import "os"

func RunTool(input string) (string, error) { return os.Getwd() }`, cost: 0.20}
	budget := &fakeBudget{}
	c, store, registry := newTestCrystallizer(t, t.TempDir(), cg, budget)
	trace := seedCandidate(t, store, "check prime numbers")

	n, err := c.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Scan = %d, want 0 for rejected code", n)
	}
	if registry.Count() != 0 {
		t.Error("rejected tool was registered")
	}

	// The generation call happened, so its cost is still recorded.
	if len(budget.deducts) != 1 {
		t.Errorf("deducts = %v, want one entry", budget.deducts)
	}

	updated, err := store.Load(trace.GoalSignature)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if updated.CrystallizedIntoTool != "" {
		t.Errorf("crystallized_into_tool = %q, want empty", updated.CrystallizedIntoTool)
	}
}

func TestToolNameCollisionGetsSuffix(t *testing.T) {
	workspace := t.TempDir()
	c, _, registry := newTestCrystallizer(t, workspace, &fakeCodegen{code: echoToolCode}, &fakeBudget{})

	if err := registry.Register(&Tool{Name: "check_prime_numbers", Code: echoToolCode}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	trace := memory.NewTrace("check prime numbers", memory.ModeLearner)
	name := c.toolNameFor(trace)
	want := "check_prime_numbers_" + trace.GoalSignature[:6]
	if name != want {
		t.Errorf("toolNameFor = %q, want %q", name, want)
	}
}

func TestSlugify(t *testing.T) {
	cases := []struct {
		goal string
		want string
	}{
		{"Check Prime Numbers", "check_prime_numbers"},
		{"deploy   the  Service then restart everything", "deploy_the_service_then"},
		{"123 go", "t_123_go"},
		{"!!! ???", ""},
		{"summarize, sort & count", "summarize_sort_count"},
	}
	for _, tc := range cases {
		if got := slugify(tc.goal); got != tc.want {
			t.Errorf("slugify(%q) = %q, want %q", tc.goal, got, tc.want)
		}
	}
}

func TestExtractCodeBlock(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"go fence", "text\n```go\ncode here\n```\nmore", "code here"},
		{"plain fence", "```\ncode here\n```", "code here"},
		{"no fence", "  raw code  ", "raw code"},
		{"crlf fence", "```go\r\ncode here\n```", "code here"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractCodeBlock(tc.in, "go"); got != tc.want {
				t.Errorf("extractCodeBlock = %q, want %q", got, tc.want)
			}
		})
	}
}
