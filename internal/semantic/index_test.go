package semantic

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/sentrywatch/internal/archive"
)

// fakeEmbedder is deterministic: texts mentioning "injection" embed to
// [1,0], everything else embeds to [0,1]. This is enough to exercise
// ranking and normalization without a real model.
type fakeEmbedder struct{}

func (fakeEmbedder) Dimension() int { return 2 }

func (fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if strings.Contains(t, "injection") {
			out[i] = []float32{1, 0}
		} else {
			out[i] = []float32{0, 1}
		}
	}
	return out, nil
}

func openSemanticStore(t *testing.T) *archive.Store {
	t.Helper()
	s, err := archive.Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("archive.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBuildThenQueryReturnsMatchingEventFirst(t *testing.T) {
	store := openSemanticStore(t)
	ctx := context.Background()

	if _, err := store.Append(ctx, []archive.Event{
		{Timestamp: "2025-01-01T00:00:00Z", RuleID: 1, RuleLevel: 8, RuleDescription: "SQL injection attempt"},
		{Timestamp: "2025-01-01T00:00:01Z", RuleID: 2, RuleLevel: 3, RuleDescription: "benign login"},
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	idx := NewIndex(fakeEmbedder{})
	if idx.Ready() {
		t.Fatal("index should not be ready before Build")
	}
	if err := idx.Build(ctx, store, 100, 256); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !idx.Ready() {
		t.Fatal("index should be ready after Build")
	}
	if idx.Size() != 2 {
		t.Fatalf("Size = %d, want 2", idx.Size())
	}

	hits, err := idx.Query(ctx, "sql injection", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) == 0 || hits[0].ID != 1 {
		t.Fatalf("hits = %+v, want id=1 first", hits)
	}
	if hits[0].Score < 0.5 {
		t.Fatalf("top score = %f, want >= 0.5 for a near-exact match", hits[0].Score)
	}
}

func TestQueryWithKZeroReturnsEmpty(t *testing.T) {
	idx := NewIndex(fakeEmbedder{})
	hits, err := idx.Query(context.Background(), "anything", 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected empty result for K=0, got %v", hits)
	}
}

func TestRebuildingTwiceWithNoIngestYieldsIdenticalState(t *testing.T) {
	store := openSemanticStore(t)
	ctx := context.Background()
	if _, err := store.Append(ctx, []archive.Event{
		{Timestamp: "2025-01-01T00:00:00Z", RuleID: 1, RuleDescription: "injection"},
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	idx := NewIndex(fakeEmbedder{})
	if err := idx.Build(ctx, store, 100, 256); err != nil {
		t.Fatalf("Build 1: %v", err)
	}
	size1, dim1 := idx.Size(), idx.current.Load().dim

	if err := idx.Build(ctx, store, 100, 256); err != nil {
		t.Fatalf("Build 2: %v", err)
	}
	size2, dim2 := idx.Size(), idx.current.Load().dim

	if size1 != size2 || dim1 != dim2 {
		t.Fatalf("rebuild state diverged: (%d,%d) vs (%d,%d)", size1, dim1, size2, dim2)
	}
}
