package index

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/toolmux/internal/observe"
)

// ErrSemanticDisabled is returned by [Index.Search] in catalog mode, when no
// embedding provider is configured.
var ErrSemanticDisabled = errors.New("index: semantic search is disabled, no embedding provider configured")

// ErrEmbedding wraps failures to embed the search query. Matched with
// [errors.Is].
var ErrEmbedding = errors.New("index: query embedding failed")

// Defaults applied by callers when a search request omits the knobs. An
// explicit zero is honored as given.
const (
	DefaultMaxResults = 5
	DefaultMinScore   = 0.55
)

// Search embeds the query and ranks every published record by cosine
// similarity, keeping scores >= minScore, sorted descending with ties broken
// by record ID for determinism, truncated to maxResults.
//
// maxResults <= 0 returns an empty result without contacting the embedding
// backend. Zero qualifying hits is an empty result, not an error.
func (ix *Index) Search(ctx context.Context, query string, maxResults int, minScore float64) ([]SearchResult, error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "index.search")
	defer span.End()

	if ix.embed == nil {
		ix.metrics.RecordSearch(ctx, time.Since(start), "disabled")
		return nil, ErrSemanticDisabled
	}
	if strings.TrimSpace(query) == "" {
		ix.metrics.RecordSearch(ctx, time.Since(start), "invalid")
		return nil, fmt.Errorf("index: search: empty query")
	}
	if maxResults <= 0 {
		ix.metrics.RecordSearch(ctx, time.Since(start), "ok")
		return []SearchResult{}, nil
	}

	qvec, err := ix.embed.Embed(ctx, query)
	if err != nil {
		ix.metrics.RecordSearch(ctx, time.Since(start), "embedding_error")
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}

	snap := ix.published()
	var hinted map[string]bool
	if ix.hintFilter {
		hinted = hintedServers(query, snap.serverOrder)
	}

	type scored struct {
		rec   Record
		score float64
	}
	var matches []scored
	for id, rec := range snap.records {
		if len(hinted) > 0 && !hinted[rec.ServerName] {
			continue
		}
		s, err := cosine(qvec, rec.Embedding)
		if err != nil {
			ix.metrics.RecordSearch(ctx, time.Since(start), "error")
			return nil, fmt.Errorf("index: search: record %q: %w", id, err)
		}
		if s >= minScore {
			matches = append(matches, scored{rec: rec, score: s})
		}
	}

	slices.SortFunc(matches, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.rec.ID, b.rec.ID)
	})
	if len(matches) > maxResults {
		matches = matches[:maxResults]
	}

	results := make([]SearchResult, 0, len(matches))
	for _, m := range matches {
		desc, err := m.rec.descriptor()
		if err != nil {
			ix.metrics.RecordSearch(ctx, time.Since(start), "error")
			return nil, err
		}
		results = append(results, SearchResult{
			ServerName: m.rec.ServerName,
			Tool:       desc,
			Score:      m.score,
		})
	}

	ix.metrics.RecordSearch(ctx, time.Since(start), "ok")
	return results, nil
}

// hintedServers reports which known server names appear in the query,
// case-insensitively. Only consulted when the server-hint filter is on.
func hintedServers(query string, servers []string) map[string]bool {
	q := strings.ToLower(query)
	hits := make(map[string]bool)
	for _, name := range servers {
		if name != "" && strings.Contains(q, strings.ToLower(name)) {
			hits[name] = true
		}
	}
	return hits
}

// cosine returns the cosine similarity of a and b, accumulated in float64
// and clamped to [0, 1]. Zero-magnitude vectors score 0. Mismatched lengths
// mean the vectors come from different embedding spaces and are an error.
func cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector length mismatch: %d vs %d", len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	s := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	switch {
	case s < 0:
		s = 0
	case s > 1:
		s = 1
	}
	return s, nil
}
