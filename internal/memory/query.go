package memory

import (
	"context"
	"fmt"
	"sort"
)

// Statistics is the aggregated view over stored traces and knowledge.
type Statistics struct {
	Total               int     `json:"total"`
	HighConfidenceCount int     `json:"high_confidence_count"`
	AvgSuccess          float64 `json:"avg_success"`
	FactsCount          int     `json:"facts_count"`
	InsightsCount       int     `json:"insights_count"`
}

// highConfidenceRating is the success_rating floor for the
// high_confidence_count statistic.
const highConfidenceRating = 0.9

// Match pairs a trace with the confidence it scored against a goal.
type Match struct {
	Trace      *ExecutionTrace
	Confidence float64
}

// Query is a read-only aggregator over the trace store and the
// optional knowledge store. All answers are pure functions of the
// stores' contents.
type Query struct {
	store     *TraceStore
	knowledge *KnowledgeStore
}

// NewQuery creates a query surface. The knowledge store may be nil, in
// which case fact and insight counts report zero.
func NewQuery(store *TraceStore, knowledge *KnowledgeStore) *Query {
	return &Query{store: store, knowledge: knowledge}
}

// Statistics aggregates counts and the mean success rating across the
// whole store.
func (q *Query) Statistics() Statistics {
	traces := q.store.All()

	stats := Statistics{Total: len(traces)}
	var sum float64
	for _, t := range traces {
		sum += t.SuccessRating
		if t.SuccessRating >= highConfidenceRating {
			stats.HighConfidenceCount++
		}
	}
	if len(traces) > 0 {
		stats.AvgSuccess = sum / float64(len(traces))
	}

	if q.knowledge != nil {
		if n, err := q.knowledge.FactsCount(); err == nil {
			stats.FactsCount = n
		}
		if n, err := q.knowledge.InsightsCount(); err == nil {
			stats.InsightsCount = n
		}
	}
	return stats
}

// FindSimilar returns up to limit traces scoring at or above
// minConfidence against the goal, ordered by confidence descending.
// Equal scores fall back to the usage/success/recency tie-break.
func (q *Query) FindSimilar(goal string, limit int, minConfidence float64) []Match {
	var matches []Match
	for _, trace := range q.store.All() {
		score := LexicalSimilarity(goal, trace)
		if score >= minConfidence {
			matches = append(matches, Match{Trace: trace, Confidence: score})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Confidence != matches[j].Confidence {
			return matches[i].Confidence > matches[j].Confidence
		}
		return preferTrace(matches[i].Trace, matches[j].Trace)
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// Recommendations derives human-readable hints for a goal from the
// store's history.
func (q *Query) Recommendations(goal string) []string {
	var recs []string

	if trace, err := q.store.Load(Signature(goal)); err == nil {
		recs = append(recs, fmt.Sprintf(
			"exact match: executed %d times with %.0f%% success",
			trace.UsageCount, trace.SuccessRating*100))
		if trace.CrystallizedIntoTool != "" {
			recs = append(recs, fmt.Sprintf(
				"crystallized into tool %q, replay is free", trace.CrystallizedIntoTool))
		}
		if len(trace.ToolsUsed) > 0 {
			recs = append(recs, fmt.Sprintf("previously used tools: %v", trace.ToolsUsed))
		}
		return recs
	}

	matches := q.FindSimilar(goal, 3, 0.5)
	for _, m := range matches {
		recs = append(recs, fmt.Sprintf(
			"similar task %q executed %d times (%.0f%% success, %.0f%% match)",
			m.Trace.GoalText, m.Trace.UsageCount,
			m.Trace.SuccessRating*100, m.Confidence*100))
	}
	if len(recs) == 0 {
		recs = append(recs, "no execution history for this goal, full reasoning required")
	}

	if q.knowledge != nil {
		if insights, err := q.knowledge.InsightsFor(Signature(goal)); err == nil {
			for _, in := range insights {
				recs = append(recs, "insight: "+in.Content)
			}
		}
	}
	return recs
}

// CrystallizationCandidates returns traces meeting the usage and
// success floors that have not yet been crystallized.
func (q *Query) CrystallizationCandidates(minUsage int, minSuccess float64) []*ExecutionTrace {
	var out []*ExecutionTrace
	for _, trace := range q.store.All() {
		if trace.CrystallizedIntoTool != "" {
			continue
		}
		if trace.UsageCount >= minUsage && trace.SuccessRating >= minSuccess {
			out = append(out, trace)
		}
	}
	return out
}

// Prune removes traces whose success rating has decayed below the
// floor after at least minUsage attempts. It returns the removed
// signatures.
func (q *Query) Prune(ctx context.Context, floor float64, minUsage int) ([]string, error) {
	var removed []string
	for _, trace := range q.store.All() {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if trace.UsageCount >= minUsage && trace.SuccessRating < floor {
			if err := q.store.Delete(trace.GoalSignature); err != nil {
				return removed, err
			}
			removed = append(removed, trace.GoalSignature)
		}
	}
	return removed, nil
}
