// Package retrieval implements the hybrid retrieval engine: a merge of
// semantic similarity and keyword-match scoring over the archive, under
// agent/time/severity filters.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/sentrywatch/internal/archive"
	"github.com/nextlevelbuilder/sentrywatch/internal/semantic"
)

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "to": true, "in": true,
	"on": true, "and": true, "or": true, "is": true, "are": true, "for": true,
	"was": true, "were": true, "by": true, "at": true, "from": true, "with": true,
}

// Filters narrows the candidate pool pulled from the archive before
// scoring. Mirrors archive.Filters but stays free of storage-layer
// details like rule-id sets and row limits.
type Filters struct {
	Window      archive.TimeWindow
	MinSeverity int
	AgentIDs    []string
}

// Hit is one scored, enriched retrieval result.
type Hit struct {
	Event archive.Event
	Score float64
}

// Retriever merges semantic and keyword rankings over the archive.
type Retriever struct {
	store *archive.Store
	index *semantic.Index
}

// NewRetriever constructs a Retriever bound to an archive store and a
// semantic index (possibly not yet Ready — the retriever degrades to
// keyword-only until it is).
func NewRetriever(store *archive.Store, index *semantic.Index) *Retriever {
	return &Retriever{store: store, index: index}
}

// Search ranks archive events against a natural-language query. It never
// returns more than k results, and returns an empty slice (not an error)
// when no candidates match.
func (r *Retriever) Search(ctx context.Context, query string, k int, filters Filters) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	candidates, err := r.store.RecentEvents(ctx, archive.Filters{
		Window:      filters.Window,
		MinSeverity: filters.MinSeverity,
		AgentIDs:    filters.AgentIDs,
		Limit:       poolSize(k),
	})
	if err != nil {
		return nil, fmt.Errorf("select candidate pool: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	byID := make(map[int64]archive.Event, len(candidates))
	for _, e := range candidates {
		byID[e.ID] = e
	}

	keywordScores := keywordScore(query, candidates)

	var semanticScores map[int64]float64
	if r.index.Ready() {
		hits, err := r.index.Query(ctx, query, len(candidates)+k)
		if err != nil {
			return nil, fmt.Errorf("semantic query: %w", err)
		}
		semanticScores = make(map[int64]float64, len(hits))
		var missing []int64
		for _, h := range hits {
			semanticScores[h.ID] = h.Score
			if _, ok := byID[h.ID]; !ok {
				missing = append(missing, h.ID)
			}
		}
		// Semantic hits can land outside the keyword candidate pool (the
		// pool is recency-bounded); pull those rows in, re-checking the
		// caller's filters the pool query already enforced.
		if len(missing) > 0 {
			extra, err := r.store.EventsByIDs(ctx, missing)
			if err != nil {
				return nil, fmt.Errorf("enrich semantic hits: %w", err)
			}
			for _, e := range extra {
				if matchesFilters(e, filters) {
					byID[e.ID] = e
				}
			}
		}
		for id := range semanticScores {
			if _, ok := byID[id]; !ok {
				delete(semanticScores, id)
			}
		}
	}

	merged := merge(byID, keywordScores, semanticScores)

	sort.Slice(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Event.RuleLevel != b.Event.RuleLevel {
			return a.Event.RuleLevel > b.Event.RuleLevel
		}
		if a.Event.Timestamp != b.Event.Timestamp {
			return a.Event.Timestamp > b.Event.Timestamp
		}
		return a.Event.ID < b.Event.ID
	})

	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

// merge combines the two rankings: max of normalized scores when both
// agree on a candidate, semantic×0.9 for semantic-only, keyword×0.7 for
// keyword-only.
func merge(byID map[int64]archive.Event, keyword map[int64]float64, semanticScores map[int64]float64) []Hit {
	out := make([]Hit, 0, len(byID))

	for id, e := range byID {
		kw, hasKW := keyword[id]
		sem, hasSem := semanticScores[id]
		var score float64
		switch {
		case hasKW && hasSem:
			score = maxScore(kw, sem)
		case hasSem:
			score = sem * 0.9
		case hasKW:
			score = kw * 0.7
		default:
			continue
		}
		out = append(out, Hit{Event: e, Score: score})
	}
	return out
}

func maxScore(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// matchesFilters re-applies the caller's filters to an event fetched by
// id, outside the filtered pool query.
func matchesFilters(e archive.Event, f Filters) bool {
	if f.Window.Start != "" && e.Timestamp < f.Window.Start {
		return false
	}
	if f.Window.End != "" && e.Timestamp > f.Window.End {
		return false
	}
	if f.MinSeverity > 0 && e.RuleLevel < f.MinSeverity {
		return false
	}
	if len(f.AgentIDs) > 0 {
		found := false
		for _, id := range f.AgentIDs {
			if e.AgentID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// poolSize bounds the candidate pool pulled from the archive; it is
// larger than k so the merge step has enough material to rank from.
func poolSize(k int) int {
	p := k * 10
	if p < 200 {
		p = 200
	}
	return p
}

// keywordScore is a normalized [0,1] match-count score weighted by rule
// severity. It is merged with semantic scores when the index is ready and
// is the only ranking when it is not.
func keywordScore(query string, candidates []archive.Event) map[int64]float64 {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	scores := make(map[int64]float64, len(candidates))
	var maxRaw float64
	raw := make(map[int64]float64, len(candidates))

	for _, e := range candidates {
		haystack := strings.ToLower(e.RuleDescription + " " + e.FullLog)
		var matches int
		for _, term := range terms {
			if strings.Contains(haystack, term) {
				matches++
			}
		}
		if matches == 0 {
			continue
		}
		severityWeight := 1.0 + float64(e.RuleLevel)/15.0
		score := float64(matches) * severityWeight
		raw[e.ID] = score
		if score > maxRaw {
			maxRaw = score
		}
	}

	if maxRaw == 0 {
		return nil
	}
	for id, s := range raw {
		scores[id] = s / maxRaw
	}
	return scores
}

// tokenize lowercases, splits on non-alphanumeric boundaries, and drops
// stopwords.
func tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f == "" || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}
