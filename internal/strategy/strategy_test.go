package strategy

import (
	"context"
	"strings"
	"testing"

	"llmos/internal/memory"
)

type fakeMatcher struct {
	trace      *memory.ExecutionTrace
	confidence float64
}

func (f *fakeMatcher) FindSmart(ctx context.Context, goal string) (*memory.ExecutionTrace, float64, memory.Mode) {
	if f.trace == nil {
		return nil, 0, memory.ModeLearner
	}
	return f.trace, f.confidence, memory.ModeLearner
}

func testConfig() Config {
	return Config{
		FollowerThreshold:   0.92,
		MixedThreshold:      0.75,
		ComplexityThreshold: 2,
		AdvancedToolUse:     true,
	}
}

func matchedTrace(goal string) *memory.ExecutionTrace {
	tr := memory.NewTrace(goal, memory.ModeLearner)
	tr.UsageCount = 3
	tr.SuccessRating = 0.9
	return tr
}

func TestGetAndNames(t *testing.T) {
	want := []string{"auto", "cost-optimized", "forced-follower", "forced-learner", "speed-optimized"}
	got := Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	for _, name := range want {
		s, err := Get(name)
		if err != nil {
			t.Errorf("Get(%s): %v", name, err)
			continue
		}
		if s.Name() != name {
			t.Errorf("Get(%s).Name() = %s", name, s.Name())
		}
	}

	if _, err := Get("warp-speed"); err == nil {
		t.Error("Get of unknown strategy succeeded")
	}
}

func TestAutoBands(t *testing.T) {
	ctx := context.Background()
	auto, _ := Get("auto")

	cases := []struct {
		name       string
		confidence float64
		want       memory.Mode
	}{
		{"follower boundary", 0.92, memory.ModeFollower},
		{"high confidence", 0.99, memory.ModeFollower},
		{"mixed band", 0.80, memory.ModeMixed},
		{"mixed boundary", 0.75, memory.ModeMixed},
		{"below mixed", 0.60, memory.ModeLearner},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := Input{
				Goal:    "do something",
				Matcher: &fakeMatcher{trace: matchedTrace("do something"), confidence: tc.confidence},
				Config:  testConfig(),
			}
			d, err := auto.Decide(ctx, in)
			if err != nil {
				t.Fatalf("Decide: %v", err)
			}
			if d.Mode != tc.want {
				t.Errorf("mode = %s, want %s", d.Mode, tc.want)
			}
			if d.Trace == nil {
				t.Error("decision lost the matched trace")
			}
			if d.Confidence != tc.confidence {
				t.Errorf("confidence = %f, want %f", d.Confidence, tc.confidence)
			}
		})
	}
}

func TestAutoCrystallizedUpgrade(t *testing.T) {
	ctx := context.Background()
	auto, _ := Get("auto")

	tr := matchedTrace("check prime")
	tr.CrystallizedIntoTool = "is_prime"
	in := Input{
		Goal:    "check prime",
		Matcher: &fakeMatcher{trace: tr, confidence: 1.0},
		Config:  testConfig(),
	}

	d, err := auto.Decide(ctx, in)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Mode != memory.ModeCrystallized {
		t.Errorf("mode = %s, want %s", d.Mode, memory.ModeCrystallized)
	}

	// With advanced tool use off the trace replays as plain FOLLOWER.
	in.Config.AdvancedToolUse = false
	d, err = auto.Decide(ctx, in)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Mode != memory.ModeFollower {
		t.Errorf("mode = %s, want %s with tool use disabled", d.Mode, memory.ModeFollower)
	}
}

func TestAutoNoTraceRouting(t *testing.T) {
	ctx := context.Background()
	auto, _ := Get("auto")

	simple := Input{
		Goal:    "Create a Python function to calculate factorial recursively",
		Matcher: &fakeMatcher{},
		Config:  testConfig(),
	}
	d, err := auto.Decide(ctx, simple)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Mode != memory.ModeLearner {
		t.Errorf("simple goal mode = %s, want %s", d.Mode, memory.ModeLearner)
	}

	complexGoal := Input{
		Goal:    "Research quantum computing trends and create a summary report",
		Matcher: &fakeMatcher{},
		Config:  testConfig(),
	}
	d, err = auto.Decide(ctx, complexGoal)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Mode != memory.ModeOrchestrator {
		t.Errorf("multi-step goal mode = %s, want %s", d.Mode, memory.ModeOrchestrator)
	}
}

func TestCostOptimizedLowersBands(t *testing.T) {
	ctx := context.Background()
	cost, _ := Get("cost-optimized")

	cases := []struct {
		confidence float64
		want       memory.Mode
	}{
		{0.80, memory.ModeFollower}, // would be MIXED under auto
		{0.75, memory.ModeFollower},
		{0.60, memory.ModeMixed}, // would be LEARNER under auto
		{0.50, memory.ModeMixed},
		{0.40, memory.ModeLearner},
	}
	for _, tc := range cases {
		in := Input{
			Goal:    "do something",
			Matcher: &fakeMatcher{trace: matchedTrace("do something"), confidence: tc.confidence},
			Config:  testConfig(),
		}
		d, err := cost.Decide(ctx, in)
		if err != nil {
			t.Fatalf("Decide: %v", err)
		}
		if d.Mode != tc.want {
			t.Errorf("confidence %.2f: mode = %s, want %s", tc.confidence, d.Mode, tc.want)
		}
	}
}

func TestCostOptimizedNeverOrchestrates(t *testing.T) {
	cost, _ := Get("cost-optimized")

	in := Input{
		Goal:    "Research quantum computing trends and create a summary report",
		Matcher: &fakeMatcher{},
		Config:  testConfig(),
	}
	d, err := cost.Decide(context.Background(), in)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Mode != memory.ModeLearner {
		t.Errorf("mode = %s, want %s", d.Mode, memory.ModeLearner)
	}
}

func TestSpeedOptimizedSkipsMixed(t *testing.T) {
	ctx := context.Background()
	speed, _ := Get("speed-optimized")

	// Mid-band confidence: auto would say MIXED, speed says LEARNER.
	in := Input{
		Goal:    "do something",
		Matcher: &fakeMatcher{trace: matchedTrace("do something"), confidence: 0.85},
		Config:  testConfig(),
	}
	d, err := speed.Decide(ctx, in)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Mode != memory.ModeLearner {
		t.Errorf("mode = %s, want %s", d.Mode, memory.ModeLearner)
	}

	// High confidence replays; crystallized wins over plain replay.
	in.Matcher = &fakeMatcher{trace: matchedTrace("do something"), confidence: 0.95}
	d, _ = speed.Decide(ctx, in)
	if d.Mode != memory.ModeFollower {
		t.Errorf("mode = %s, want %s", d.Mode, memory.ModeFollower)
	}

	tr := matchedTrace("do something")
	tr.CrystallizedIntoTool = "do_something"
	in.Matcher = &fakeMatcher{trace: tr, confidence: 0.95}
	d, _ = speed.Decide(ctx, in)
	if d.Mode != memory.ModeCrystallized {
		t.Errorf("mode = %s, want %s", d.Mode, memory.ModeCrystallized)
	}
}

func TestForcedLearner(t *testing.T) {
	forced, _ := Get("forced-learner")

	in := Input{
		Goal:    "anything",
		Matcher: &fakeMatcher{trace: matchedTrace("anything"), confidence: 1.0},
		Config:  testConfig(),
	}
	d, err := forced.Decide(context.Background(), in)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Mode != memory.ModeLearner {
		t.Errorf("mode = %s, want %s", d.Mode, memory.ModeLearner)
	}
}

func TestForcedFollower(t *testing.T) {
	ctx := context.Background()
	forced, _ := Get("forced-follower")

	// Replays even below the usual bands.
	in := Input{
		Goal:    "do something",
		Matcher: &fakeMatcher{trace: matchedTrace("do something"), confidence: 0.55},
		Config:  testConfig(),
	}
	d, err := forced.Decide(ctx, in)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Mode != memory.ModeFollower {
		t.Errorf("mode = %s, want %s", d.Mode, memory.ModeFollower)
	}

	// Infeasible without any trace: LEARNER plus a warning note.
	in.Matcher = &fakeMatcher{}
	d, err = forced.Decide(ctx, in)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Mode != memory.ModeLearner {
		t.Errorf("mode = %s, want %s", d.Mode, memory.ModeLearner)
	}
	if !strings.Contains(d.Reasoning, "warning") {
		t.Errorf("reasoning %q carries no warning", d.Reasoning)
	}
}
