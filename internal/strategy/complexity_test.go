package strategy

import "testing"

func TestComplexity(t *testing.T) {
	cases := []struct {
		goal string
		want int
	}{
		// Single imperative task.
		{"Create a Python function to calculate factorial recursively", 1},
		{"check prime", 1},
		// Conjunction plus two verb-led clauses.
		{"Research quantum computing trends and create a summary report", 3},
		// Two imperative sentences.
		{"Build the parser. Test the parser.", 2},
		// Semicolon-chained steps.
		{"update readme; bump version", 2},
		// Sequencing word.
		{"Deploy the service then verify the health endpoint", 3},
		// Not imperative at all.
		{"the weather in lisbon", 0},
		{"", 0},
	}
	for _, tc := range cases {
		if got := Complexity(tc.goal); got != tc.want {
			t.Errorf("Complexity(%q) = %d, want %d", tc.goal, got, tc.want)
		}
	}
}

func TestComplexityThresholdRouting(t *testing.T) {
	// The default threshold of 2 separates one-verb goals from chained
	// ones.
	threshold := 2

	simple := []string{
		"Create a Python function to calculate factorial recursively",
		"write a haiku about the ocean",
		"fix the failing login test",
	}
	for _, goal := range simple {
		if Complexity(goal) >= threshold {
			t.Errorf("%q scored %d, expected below %d", goal, Complexity(goal), threshold)
		}
	}

	multi := []string{
		"Research quantum computing trends and create a summary report",
		"download the dataset then analyze it and report findings",
		"create the schema; write the migration; update the docs",
	}
	for _, goal := range multi {
		if Complexity(goal) < threshold {
			t.Errorf("%q scored %d, expected at least %d", goal, Complexity(goal), threshold)
		}
	}
}
