package cognitive

import (
	"strings"
	"testing"

	"llmos/internal/memory"
)

func TestBuilderDeduplicatesToolsInOrder(t *testing.T) {
	b := NewTraceBuilder("a goal")
	for _, name := range []string{"bash", "read_file", "bash", "write_file", "read_file"} {
		b.AddTool(name)
	}
	got := b.Tools()
	want := []string{"bash", "read_file", "write_file"}
	if len(got) != len(want) {
		t.Fatalf("tools = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tool %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBuilderCostPrefersTerminalTotal(t *testing.T) {
	b := NewTraceBuilder("a goal")
	b.AddCost(0.10)
	b.AddCost(0.15)
	if got := b.CostUSD(); got != 0.25 {
		t.Errorf("fallback cost = %f, want 0.25", got)
	}
	b.SetTotalCost(0.30)
	if got := b.CostUSD(); got != 0.30 {
		t.Errorf("cost = %f, want terminal 0.30", got)
	}
}

func TestBuilderSummaryKeepsFirstFiveParts(t *testing.T) {
	b := NewTraceBuilder("a goal")
	parts := []string{"one", "two", "three", "four", "five", "six", "seven"}
	for _, p := range parts {
		b.AddOutput(p)
	}
	trace := b.Build(memory.ModeLearner, true)
	if strings.Contains(trace.OutputSummary, "six") {
		t.Errorf("summary kept too much: %q", trace.OutputSummary)
	}
	if !strings.HasPrefix(trace.OutputSummary, "one\ntwo") {
		t.Errorf("summary = %q", trace.OutputSummary)
	}
	// Full output is still available before Build truncation.
	if !strings.Contains(b.Output(), "seven") {
		t.Error("Output() must keep everything")
	}
}

func TestBuilderRatings(t *testing.T) {
	clean := NewTraceBuilder("works").Build(memory.ModeMixed, true)
	if clean.SuccessRating != 1.0 {
		t.Errorf("clean rating = %f", clean.SuccessRating)
	}
	caught := NewTraceBuilder("breaks").Build(memory.ModeMixed, false)
	if caught.SuccessRating != 0.5 {
		t.Errorf("caught failure rating = %f", caught.SuccessRating)
	}
}

func TestBuilderIgnoresBlankOutputAndZeroCost(t *testing.T) {
	b := NewTraceBuilder("a goal")
	b.AddOutput("   ")
	b.AddOutput("")
	b.AddCost(0)
	b.AddCost(-1)
	if b.Output() != "" {
		t.Errorf("output = %q", b.Output())
	}
	if b.CostUSD() != 0 {
		t.Errorf("cost = %f", b.CostUSD())
	}
}

func TestBuilderProducesValidTrace(t *testing.T) {
	b := NewTraceBuilder("list the repository files")
	b.AddTool("list_dir")
	b.AddOutput("README.md\nmain.go")
	b.SetTotalCost(0.02)

	trace := b.Build(memory.ModeLearner, true)
	if err := trace.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if trace.GoalSignature != memory.Signature("list the repository files") {
		t.Error("signature mismatch")
	}
	if trace.EstimatedCostUSD != 0.02 {
		t.Errorf("estimated cost = %f", trace.EstimatedCostUSD)
	}
	if trace.EstimatedTimeSecs < 0 {
		t.Errorf("estimated time = %f", trace.EstimatedTimeSecs)
	}
}
