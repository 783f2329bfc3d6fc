package ranking

import (
	"sort"
	"strings"

	"supportrag/internal/domain"
)

// DefaultKeywords is the domain vocabulary used for keyword boosting.
var DefaultKeywords = []string{"order id", "order", "tracking", "tracking number", "password", "refund", "charged", "login"}

// KeywordBoost returns a copy of hits where every chunk sharing a vocabulary
// term with the query gains boost once, no matter how many terms match.
func KeywordBoost(query string, hits []domain.Hit, keywords []string, boost float64) []domain.Hit {
	out := make([]domain.Hit, len(hits))
	copy(out, hits)
	if boost == 0 || len(keywords) == 0 {
		return out
	}
	q := strings.ToLower(query)
	var active []string
	for _, kw := range keywords {
		kw = strings.ToLower(kw)
		if kw != "" && strings.Contains(q, kw) {
			active = append(active, kw)
		}
	}
	if len(active) == 0 {
		return out
	}
	for i := range out {
		text := strings.ToLower(out[i].Chunk.Text)
		for _, kw := range active {
			if strings.Contains(text, kw) {
				out[i].Score += boost
				break
			}
		}
	}
	return out
}

// TitleBoost adds boost once to every result whose title has a lower-cased
// token occurring as a substring of the query, then re-sorts by score.
func TitleBoost(results []domain.RankedResult, query string, boost float64) []domain.RankedResult {
	q := strings.ToLower(query)
	out := make([]domain.RankedResult, len(results))
	copy(out, results)
	for i := range out {
		for _, tok := range strings.Fields(strings.ToLower(out[i].Title)) {
			if strings.Contains(q, tok) {
				out[i].Score += boost
				break
			}
		}
	}
	SortByScore(out)
	return out
}

// SortByScore orders results by descending score. Equal scores keep no
// particular order.
func SortByScore(results []domain.RankedResult) {
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
}
