package memory

import (
	"context"
	"math"
	"strings"

	"llmos/internal/logging"
)

// MatcherConfig carries the confidence band boundaries.
type MatcherConfig struct {
	// FollowerThreshold and above maps to FOLLOWER.
	FollowerThreshold float64
	// MixedThreshold (inclusive) up to FollowerThreshold maps to MIXED.
	MixedThreshold float64
	// Below MinConfidence a similar trace is discarded.
	MinConfidence float64
	// AllowCrystallized upgrades the hint to CRYSTALLIZED when the
	// matched trace names a crystallized tool.
	AllowCrystallized bool
}

// SimilarityFunc scores a goal against a stored trace on [0,1].
type SimilarityFunc func(goal string, trace *ExecutionTrace) float64

// SimilarityClassifier refines a lexical match with one paid model
// call per dispatch. Implementations live in the cognitive layer.
type SimilarityClassifier interface {
	ClassifySimilarity(ctx context.Context, goal, candidate string) (float64, error)
}

// Embedder produces a vector for a text. Used by the optional
// embedding similarity strategy.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// TraceMatcher finds the best stored trace for a goal.
type TraceMatcher struct {
	store      *TraceStore
	cfg        MatcherConfig
	similarity SimilarityFunc

	classifier SimilarityClassifier
	embedder   Embedder
	knowledge  *KnowledgeStore
}

// NewTraceMatcher creates a matcher with the lexical similarity
// strategy. Optional strategies are attached with UseClassifier and
// UseEmbedder.
func NewTraceMatcher(store *TraceStore, cfg MatcherConfig) *TraceMatcher {
	return &TraceMatcher{
		store:      store,
		cfg:        cfg,
		similarity: LexicalSimilarity,
	}
}

// UseSimilarity replaces the similarity strategy.
func (m *TraceMatcher) UseSimilarity(fn SimilarityFunc) {
	if fn != nil {
		m.similarity = fn
	}
}

// UseClassifier attaches a model-backed similarity refiner. At most one
// classification call is made per FindSimilar, on the top lexical
// candidate only.
func (m *TraceMatcher) UseClassifier(c SimilarityClassifier) {
	m.classifier = c
}

// UseEmbedder attaches an embedding engine. Vectors are cached in the
// knowledge store when one is provided.
func (m *TraceMatcher) UseEmbedder(e Embedder, cache *KnowledgeStore) {
	m.embedder = e
	m.knowledge = cache
}

// FindExact returns the trace with the goal's signature, or ErrNoTrace.
func (m *TraceMatcher) FindExact(goal string) (*ExecutionTrace, error) {
	return m.store.Load(Signature(goal))
}

// FindSimilar returns the best-scoring trace and its confidence, or
// (nil, 0) when nothing reaches MinConfidence. Ties are broken by
// usage_count, then success_rating, then recency.
func (m *TraceMatcher) FindSimilar(ctx context.Context, goal string) (*ExecutionTrace, float64) {
	score := m.scorer(ctx, goal)

	var best *ExecutionTrace
	var bestScore float64
	for _, trace := range m.store.All() {
		s := score(trace)
		if best == nil || s > bestScore || (s == bestScore && preferTrace(trace, best)) {
			best = trace
			bestScore = s
		}
	}

	if best == nil {
		return nil, 0
	}

	// One bounded classification call refines the top candidate.
	if m.classifier != nil {
		if refined, err := m.classifier.ClassifySimilarity(ctx, goal, best.GoalText); err == nil {
			logging.MemoryDebug("classifier refined %.3f -> %.3f for %s", bestScore, refined, best.GoalSignature)
			bestScore = refined
		} else {
			logging.MemoryWarn("similarity classifier failed, keeping lexical score: %v", err)
		}
	}

	if bestScore < m.cfg.MinConfidence {
		return nil, 0
	}
	return best, bestScore
}

// FindSmart is the top-level lookup: exact match first, then semantic.
// It returns the matched trace (nil when none), the confidence, and a
// mode hint derived from the confidence bands.
func (m *TraceMatcher) FindSmart(ctx context.Context, goal string) (*ExecutionTrace, float64, Mode) {
	trace, err := m.FindExact(goal)
	confidence := 1.0
	if err != nil {
		trace, confidence = m.FindSimilar(ctx, goal)
	}

	if trace == nil {
		return nil, 0, ModeLearner
	}

	hint := ModeLearner
	switch {
	case confidence >= m.cfg.FollowerThreshold:
		hint = ModeFollower
	case confidence >= m.cfg.MixedThreshold:
		hint = ModeMixed
	}

	if m.cfg.AllowCrystallized && trace.CrystallizedIntoTool != "" && hint == ModeFollower {
		hint = ModeCrystallized
	}

	logging.Memory("find_smart %q -> trace=%s confidence=%.3f hint=%s",
		Normalize(goal), trace.GoalSignature, confidence, hint)
	return trace, confidence, hint
}

// scorer builds the per-trace scoring function for one lookup. With an
// embedder attached the goal is embedded once here; if that fails the
// whole pass falls back to the lexical strategy.
func (m *TraceMatcher) scorer(ctx context.Context, goal string) func(*ExecutionTrace) float64 {
	lexical := func(trace *ExecutionTrace) float64 { return m.similarity(goal, trace) }
	if m.embedder == nil {
		return lexical
	}

	goalVec, err := m.embedder.Embed(ctx, Normalize(goal))
	if err != nil {
		logging.MemoryWarn("goal embedding failed, falling back to lexical: %v", err)
		return lexical
	}

	return func(trace *ExecutionTrace) float64 {
		traceVec, err := m.traceVector(ctx, trace)
		if err != nil {
			logging.MemoryWarn("trace embedding failed for %s: %v", trace.GoalSignature, err)
			return m.similarity(goal, trace)
		}
		sim := CosineSimilarity(goalVec, traceVec)
		if math.IsNaN(sim) || sim < 0 {
			return 0
		}
		return sim
	}
}

// traceVector returns the cached embedding for a trace, computing and
// caching it on first use.
func (m *TraceMatcher) traceVector(ctx context.Context, trace *ExecutionTrace) ([]float32, error) {
	if m.knowledge != nil {
		if vec, ok, err := m.knowledge.GetEmbedding(trace.GoalSignature); err == nil && ok {
			return vec, nil
		}
	}

	vec, err := m.embedder.Embed(ctx, Normalize(trace.GoalText))
	if err != nil {
		return nil, err
	}
	if m.knowledge != nil {
		if err := m.knowledge.PutEmbedding(trace.GoalSignature, vec); err != nil {
			logging.MemoryWarn("embedding cache write failed: %v", err)
		}
	}
	return vec, nil
}

// preferTrace is the tie-break order for equal confidence: higher
// usage_count, then higher success_rating, then most recent use.
func preferTrace(a, b *ExecutionTrace) bool {
	if a.UsageCount != b.UsageCount {
		return a.UsageCount > b.UsageCount
	}
	if a.SuccessRating != b.SuccessRating {
		return a.SuccessRating > b.SuccessRating
	}
	return a.LastUsedAt.After(b.LastUsedAt)
}

// LexicalSimilarity is the reference similarity strategy: token-set
// Jaccard overlap on normalized text, plus a small bonus for traces
// with a proven record.
func LexicalSimilarity(goal string, trace *ExecutionTrace) float64 {
	jaccard := tokenJaccard(Normalize(goal), Normalize(trace.GoalText))
	bonus := 0.05 * math.Log(float64(trace.UsageCount)+1) * trace.SuccessRating

	score := jaccard + bonus
	if score > 1 {
		score = 1
	}
	return score
}

func tokenJaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(s) {
		set[tok] = true
	}
	return set
}
