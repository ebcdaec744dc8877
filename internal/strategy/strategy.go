// Package strategy implements the mode decision policies that pick how
// a goal gets executed: replay a crystallized tool, follow a stored
// trace, blend guidance into a fresh call, reason from scratch, or
// orchestrate a multi-step plan.
package strategy

import (
	"context"
	"fmt"
	"sort"

	"llmos/internal/logging"
	"llmos/internal/memory"
)

// Matcher is the narrow slice of the trace matcher a strategy needs.
type Matcher interface {
	FindSmart(ctx context.Context, goal string) (*memory.ExecutionTrace, float64, memory.Mode)
}

// Config carries the tunables a decision depends on.
type Config struct {
	FollowerThreshold   float64
	MixedThreshold      float64
	ComplexityThreshold int
	AdvancedToolUse     bool
}

// Input is the decision context. Strategies are stateless and pure
// with respect to it.
type Input struct {
	Goal    string
	Matcher Matcher
	Config  Config
}

// Decision is the outcome of a strategy.
type Decision struct {
	Mode       memory.Mode
	Confidence float64
	Trace      *memory.ExecutionTrace
	Reasoning  string
}

// Strategy decides the execution mode for a goal.
type Strategy interface {
	Name() string
	Decide(ctx context.Context, in Input) (Decision, error)
}

var strategies = map[string]Strategy{
	"auto":            autoStrategy{},
	"cost-optimized":  costOptimized{},
	"speed-optimized": speedOptimized{},
	"forced-learner":  forcedLearner{},
	"forced-follower": forcedFollower{},
}

// Get returns the named strategy.
func Get(name string) (Strategy, error) {
	s, ok := strategies[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (valid: %v)", name, Names())
	}
	return s, nil
}

// Names returns the registered strategy names, sorted.
func Names() []string {
	out := make([]string, 0, len(strategies))
	for name := range strategies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// crystallizable reports whether the matched trace can route to its
// crystallized tool.
func crystallizable(trace *memory.ExecutionTrace, cfg Config) bool {
	return trace != nil && trace.CrystallizedIntoTool != "" && cfg.AdvancedToolUse
}

type autoStrategy struct{}

func (autoStrategy) Name() string { return "auto" }

// Decide maps confidence onto the configured bands. A crystallized tool
// in the FOLLOWER band routes to CRYSTALLIZED; no match routes to
// ORCHESTRATOR when the goal reads as multi-step, else LEARNER.
func (autoStrategy) Decide(ctx context.Context, in Input) (Decision, error) {
	trace, confidence, _ := in.Matcher.FindSmart(ctx, in.Goal)

	if trace == nil {
		score := Complexity(in.Goal)
		if score >= in.Config.ComplexityThreshold {
			return Decision{
				Mode:      memory.ModeOrchestrator,
				Reasoning: fmt.Sprintf("no trace; complexity %d >= %d", score, in.Config.ComplexityThreshold),
			}, nil
		}
		return Decision{
			Mode:      memory.ModeLearner,
			Reasoning: "no trace; single-step goal",
		}, nil
	}

	switch {
	case confidence >= in.Config.FollowerThreshold:
		if crystallizable(trace, in.Config) {
			return Decision{
				Mode:       memory.ModeCrystallized,
				Confidence: confidence,
				Trace:      trace,
				Reasoning:  fmt.Sprintf("crystallized tool %q at confidence %.2f", trace.CrystallizedIntoTool, confidence),
			}, nil
		}
		return Decision{
			Mode:       memory.ModeFollower,
			Confidence: confidence,
			Trace:      trace,
			Reasoning:  fmt.Sprintf("trace confidence %.2f >= %.2f", confidence, in.Config.FollowerThreshold),
		}, nil
	case confidence >= in.Config.MixedThreshold:
		return Decision{
			Mode:       memory.ModeMixed,
			Confidence: confidence,
			Trace:      trace,
			Reasoning:  fmt.Sprintf("trace confidence %.2f in [%.2f, %.2f)", confidence, in.Config.MixedThreshold, in.Config.FollowerThreshold),
		}, nil
	default:
		return Decision{
			Mode:       memory.ModeLearner,
			Confidence: confidence,
			Trace:      trace,
			Reasoning:  fmt.Sprintf("trace confidence %.2f below %.2f", confidence, in.Config.MixedThreshold),
		}, nil
	}
}

type costOptimized struct{}

func (costOptimized) Name() string { return "cost-optimized" }

// Decide reuses aggressively: the FOLLOWER band starts at 0.75 and the
// MIXED band at 0.5. It never orchestrates.
func (costOptimized) Decide(ctx context.Context, in Input) (Decision, error) {
	lowered := in.Config
	lowered.FollowerThreshold = 0.75
	lowered.MixedThreshold = 0.5

	trace, confidence, _ := in.Matcher.FindSmart(ctx, in.Goal)
	if trace == nil {
		return Decision{Mode: memory.ModeLearner, Reasoning: "no trace; cost-optimized never orchestrates"}, nil
	}

	switch {
	case confidence >= lowered.FollowerThreshold:
		if crystallizable(trace, lowered) {
			return Decision{
				Mode:       memory.ModeCrystallized,
				Confidence: confidence,
				Trace:      trace,
				Reasoning:  fmt.Sprintf("crystallized tool %q is free", trace.CrystallizedIntoTool),
			}, nil
		}
		return Decision{
			Mode:       memory.ModeFollower,
			Confidence: confidence,
			Trace:      trace,
			Reasoning:  fmt.Sprintf("lowered follower band: %.2f >= 0.75", confidence),
		}, nil
	case confidence >= lowered.MixedThreshold:
		return Decision{
			Mode:       memory.ModeMixed,
			Confidence: confidence,
			Trace:      trace,
			Reasoning:  fmt.Sprintf("lowered mixed band: %.2f >= 0.50", confidence),
		}, nil
	default:
		return Decision{
			Mode:       memory.ModeLearner,
			Confidence: confidence,
			Trace:      trace,
			Reasoning:  fmt.Sprintf("confidence %.2f below lowered bands", confidence),
		}, nil
	}
}

type speedOptimized struct{}

func (speedOptimized) Name() string { return "speed-optimized" }

// Decide prefers the fastest feasible path: CRYSTALLIZED, then
// FOLLOWER, then LEARNER. MIXED is never chosen because assembling the
// guidance prompt costs a slow paid call.
func (speedOptimized) Decide(ctx context.Context, in Input) (Decision, error) {
	trace, confidence, _ := in.Matcher.FindSmart(ctx, in.Goal)
	if trace == nil {
		return Decision{Mode: memory.ModeLearner, Reasoning: "no trace; speed-optimized skips orchestration"}, nil
	}

	if confidence >= in.Config.FollowerThreshold {
		if crystallizable(trace, in.Config) {
			return Decision{
				Mode:       memory.ModeCrystallized,
				Confidence: confidence,
				Trace:      trace,
				Reasoning:  fmt.Sprintf("crystallized tool %q is fastest", trace.CrystallizedIntoTool),
			}, nil
		}
		return Decision{
			Mode:       memory.ModeFollower,
			Confidence: confidence,
			Trace:      trace,
			Reasoning:  fmt.Sprintf("replay at confidence %.2f", confidence),
		}, nil
	}

	return Decision{
		Mode:       memory.ModeLearner,
		Confidence: confidence,
		Trace:      trace,
		Reasoning:  "below follower band; MIXED skipped for speed",
	}, nil
}

type forcedLearner struct{}

func (forcedLearner) Name() string { return "forced-learner" }

func (forcedLearner) Decide(ctx context.Context, in Input) (Decision, error) {
	return Decision{Mode: memory.ModeLearner, Reasoning: "forced"}, nil
}

type forcedFollower struct{}

func (forcedFollower) Name() string { return "forced-follower" }

// Decide replays whatever trace matches, at any confidence. With no
// trace at all the only feasible mode is LEARNER, flagged in the
// reasoning.
func (forcedFollower) Decide(ctx context.Context, in Input) (Decision, error) {
	trace, confidence, _ := in.Matcher.FindSmart(ctx, in.Goal)
	if trace == nil {
		logging.DispatchDebug("forced-follower has no trace for %q, downgrading", in.Goal)
		return Decision{
			Mode:      memory.ModeLearner,
			Reasoning: "warning: forced-follower infeasible with no trace, downgraded to LEARNER",
		}, nil
	}
	return Decision{
		Mode:       memory.ModeFollower,
		Confidence: confidence,
		Trace:      trace,
		Reasoning:  fmt.Sprintf("forced replay at confidence %.2f", confidence),
	}, nil
}
