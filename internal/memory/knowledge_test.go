package memory

import (
	"path/filepath"
	"testing"
)

func newTestKnowledge(t *testing.T) *KnowledgeStore {
	t.Helper()
	ks, err := OpenKnowledge(t.TempDir())
	if err != nil {
		t.Fatalf("OpenKnowledge: %v", err)
	}
	t.Cleanup(func() { ks.Close() })
	return ks
}

func TestOpenKnowledgeCreatesFile(t *testing.T) {
	dir := t.TempDir()
	ks, err := OpenKnowledge(dir)
	if err != nil {
		t.Fatalf("OpenKnowledge: %v", err)
	}
	defer ks.Close()

	want := filepath.Join(dir, "memories", "knowledge.db")
	if ks.Path() != want {
		t.Errorf("path = %s, want %s", ks.Path(), want)
	}
}

func TestFactsLifecycle(t *testing.T) {
	ks := newTestKnowledge(t)

	if _, err := ks.AddFact("repo uses cobra for its CLI", "boot scan"); err != nil {
		t.Fatalf("AddFact: %v", err)
	}
	if _, err := ks.AddFact("tests live next to source", "execution"); err != nil {
		t.Fatalf("AddFact: %v", err)
	}

	n, err := ks.FactsCount()
	if err != nil {
		t.Fatalf("FactsCount: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	facts, err := ks.Facts(0)
	if err != nil {
		t.Fatalf("Facts: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("got %d facts, want 2", len(facts))
	}
	// Newest first.
	if facts[0].Content != "tests live next to source" {
		t.Errorf("first fact = %q", facts[0].Content)
	}
	if facts[0].Source != "execution" {
		t.Errorf("source = %q", facts[0].Source)
	}
	if facts[0].CreatedAt.IsZero() {
		t.Error("created_at not recorded")
	}

	limited, err := ks.Facts(1)
	if err != nil {
		t.Fatalf("Facts(1): %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit 1 returned %d facts", len(limited))
	}
}

func TestInsightsLifecycle(t *testing.T) {
	ks := newTestKnowledge(t)

	sig := Signature("deploy the app")
	if _, err := ks.AddInsight("deploys fail without env vars", sig); err != nil {
		t.Fatalf("AddInsight: %v", err)
	}
	if _, err := ks.AddInsight("general observation", ""); err != nil {
		t.Fatalf("AddInsight: %v", err)
	}

	n, err := ks.InsightsCount()
	if err != nil {
		t.Fatalf("InsightsCount: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	forGoal, err := ks.InsightsFor(sig)
	if err != nil {
		t.Fatalf("InsightsFor: %v", err)
	}
	if len(forGoal) != 1 {
		t.Fatalf("got %d insights for goal, want 1", len(forGoal))
	}
	if forGoal[0].Content != "deploys fail without env vars" {
		t.Errorf("insight = %q", forGoal[0].Content)
	}
}

func TestEmbeddingCacheRoundTrip(t *testing.T) {
	ks := newTestKnowledge(t)

	sig := Signature("create a python file")
	vec := []float32{0.25, -1.5, 3.75, 0}

	if _, ok, err := ks.GetEmbedding(sig); err != nil || ok {
		t.Fatalf("GetEmbedding before put = (%v, %v), want miss", ok, err)
	}

	if err := ks.PutEmbeddingModel(sig, "gemini-embedding-001", vec); err != nil {
		t.Fatalf("PutEmbeddingModel: %v", err)
	}

	got, ok, err := ks.GetEmbedding(sig)
	if err != nil {
		t.Fatalf("GetEmbedding: %v", err)
	}
	if !ok {
		t.Fatal("embedding not found after put")
	}
	if len(got) != len(vec) {
		t.Fatalf("vector length = %d, want %d", len(got), len(vec))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("vec[%d] = %f, want %f", i, got[i], vec[i])
		}
	}

	// Replacing overwrites rather than duplicating.
	if err := ks.PutEmbedding(sig, []float32{9}); err != nil {
		t.Fatalf("PutEmbedding replace: %v", err)
	}
	got, _, err = ks.GetEmbedding(sig)
	if err != nil {
		t.Fatalf("GetEmbedding after replace: %v", err)
	}
	if len(got) != 1 || got[0] != 9 {
		t.Errorf("replaced vector = %v, want [9]", got)
	}
}
