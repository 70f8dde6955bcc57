package semantic

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/nextlevelbuilder/sentrywatch/internal/archive"
)

// ScoredID is one similarity hit: an Event id and a [0,1] normalized score.
type ScoredID struct {
	ID    int64
	Score float64
}

// snapshot is the immutable vector collection swapped in atomically on
// rebuild: concurrent queries either see the old or the new collection,
// never a partial one.
type snapshot struct {
	ids     []int64
	vectors [][]float32 // L2-normalized
	dim     int
}

// Index is the dense-vector nearest-neighbor structure over event text
// surrogates. An exact inner-product scan over L2-normalized vectors is
// sufficient at this corpus size (typically under 10^5 rows); an ANN
// structure would buy nothing here.
type Index struct {
	embedder Embedder
	current  atomic.Pointer[snapshot]
	ready    atomic.Bool
}

// NewIndex constructs an empty Index bound to an Embedder.
func NewIndex(embedder Embedder) *Index {
	idx := &Index{embedder: embedder}
	idx.current.Store(&snapshot{})
	return idx
}

// Ready reports whether a build has ever completed successfully. The
// hybrid retriever checks this to decide whether to degrade to
// keyword-only scoring.
func (idx *Index) Ready() bool { return idx.ready.Load() }

// Size returns the number of indexed ids.
func (idx *Index) Size() int { return len(idx.current.Load().ids) }

// surrogateText builds the normalized text surrogate combining rule
// description, raw log, agent name, and location.
func surrogateText(e archive.Event) string {
	var b strings.Builder
	b.WriteString(e.RuleDescription)
	b.WriteString(" ")
	b.WriteString(e.FullLog)
	b.WriteString(" ")
	b.WriteString(e.AgentName)
	b.WriteString(" ")
	b.WriteString(e.Location)
	return strings.ToLower(strings.TrimSpace(b.String()))
}

// Build selects up to windowSize recent events from the store, embeds
// them in batches, and atomically swaps in the resulting snapshot. Build
// is safe to call concurrently with Query (readers see the old or the new
// snapshot, never a partial one) and is itself serialized by the caller
// (one rebuild in flight at a time is the expected usage).
func (idx *Index) Build(ctx context.Context, store *archive.Store, windowSize, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 256
	}

	events, err := store.RecentEvents(ctx, archive.Filters{Limit: windowSize})
	if err != nil {
		return fmt.Errorf("select recent events: %w", err)
	}

	ids := make([]int64, 0, len(events))
	vectors := make([][]float32, 0, len(events))

	for start := 0; start < len(events); start += batchSize {
		end := start + batchSize
		if end > len(events) {
			end = len(events)
		}
		batch := events[start:end]

		texts := make([]string, len(batch))
		for i, e := range batch {
			texts[i] = surrogateText(e)
		}

		embs, err := idx.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed batch: %w", err)
		}
		for i, e := range batch {
			v := embs[i]
			if v == nil {
				continue
			}
			ids = append(ids, e.ID)
			vectors = append(vectors, normalize(v))
		}
	}

	idx.current.Store(&snapshot{ids: ids, vectors: vectors, dim: idx.embedder.Dimension()})
	idx.ready.Store(true)
	slog.Info("semantic.index_built", "rows", len(ids))
	return nil
}

// Query embeds the query string once and returns the top-K candidates by
// cosine similarity, normalized to [0,1] where 1 is identical.
func (idx *Index) Query(ctx context.Context, query string, k int) ([]ScoredID, error) {
	if k <= 0 {
		return nil, nil
	}
	snap := idx.current.Load()
	if len(snap.ids) == 0 {
		return nil, nil
	}

	embs, err := idx.embedder.Embed(ctx, []string{strings.ToLower(strings.TrimSpace(query))})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(embs) == 0 || embs[0] == nil {
		return nil, fmt.Errorf("embedder returned no vector for query")
	}
	qvec := normalize(embs[0])

	scored := make([]ScoredID, len(snap.ids))
	for i, id := range snap.ids {
		dot := dotProduct(qvec, snap.vectors[i])
		// cosine similarity on L2-normalized vectors is in [-1,1]; rescale to [0,1]
		scored[i] = ScoredID{ID: id, Score: (dot + 1) / 2}
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dotProduct(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
