package ranking

import (
	"strings"

	"supportrag/internal/domain"
)

// DefaultSnippetLen is the snippet length used when none is configured.
const DefaultSnippetLen = 200

// BuildResults joins aggregated scores with the best (possibly boosted) chunk
// of each article and returns them sorted by score.
func BuildResults(hits []domain.Hit, scores []domain.AggregatedScore, snippetLen int) []domain.RankedResult {
	best := make(map[string]domain.Hit)
	for _, h := range hits {
		id := h.Chunk.ArticleID
		if id == "" {
			continue
		}
		if cur, ok := best[id]; !ok || h.Score > cur.Score {
			best[id] = h
		}
	}
	out := make([]domain.RankedResult, 0, len(scores))
	for _, s := range scores {
		b := best[s.ArticleID]
		out = append(out, domain.RankedResult{
			ArticleID:        s.ArticleID,
			Title:            b.Chunk.Title,
			Score:            s.Score,
			BestChunkID:      b.Chunk.ChunkID,
			BestChunkSnippet: Shorten(b.Chunk.Text, snippetLen),
		})
	}
	SortByScore(out)
	return out
}

// ApplyThreshold keeps results scoring at least threshold. When none pass but
// results exist, the single best result is kept. The outcome is truncated to
// topK (topK <= 0 means no limit). results must already be sorted.
func ApplyThreshold(results []domain.RankedResult, threshold float64, topK int) []domain.RankedResult {
	if len(results) == 0 {
		return nil
	}
	filtered := make([]domain.RankedResult, 0, len(results))
	for _, r := range results {
		if r.Score >= threshold {
			filtered = append(filtered, r)
		}
	}
	if len(filtered) == 0 {
		filtered = append(filtered, results[0])
	}
	if topK > 0 && len(filtered) > topK {
		filtered = filtered[:topK]
	}
	return filtered
}

// Shorten trims text to at most n bytes, backing off to the last space so a
// word is not cut, and appends "...".
func Shorten(text string, n int) string {
	text = strings.TrimSpace(text)
	if n <= 0 {
		n = DefaultSnippetLen
	}
	if len(text) <= n {
		return text
	}
	cut := text[:n]
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return strings.ToValidUTF8(cut, "") + "..."
}
