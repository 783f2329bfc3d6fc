// Package ranking turns chunk-level similarity hits into ordered,
// document-level results.
package ranking

import (
	"fmt"

	"supportrag/internal/domain"
)

// Method selects how chunk scores fold into an article score.
type Method string

const (
	MethodMax    Method = "max"
	MethodMean   Method = "mean"
	MethodHybrid Method = "hybrid"

	DefaultAlpha = 0.7
)

// ParseMethod accepts "max", "mean" or "hybrid". An empty string means hybrid.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodMax, MethodMean, MethodHybrid:
		return Method(s), nil
	case "":
		return MethodHybrid, nil
	}
	return "", fmt.Errorf("unknown aggregation method %q", s)
}

// Aggregate returns one score per distinct article in hits. Only hits present
// in this hit set contribute, so mean depends on how many chunks were fetched.
// Order follows first appearance in hits.
func Aggregate(hits []domain.Hit, method Method, alpha float64) []domain.AggregatedScore {
	var scores map[string]float64
	switch method {
	case MethodMean:
		scores = AggregateMean(hits)
	case MethodHybrid:
		scores = AggregateHybrid(hits, alpha)
	default:
		scores = AggregateMax(hits)
	}
	out := make([]domain.AggregatedScore, 0, len(scores))
	for _, id := range articleOrder(hits) {
		out = append(out, domain.AggregatedScore{ArticleID: id, Score: scores[id]})
	}
	return out
}

// AggregateMax keeps each article's best hit score.
func AggregateMax(hits []domain.Hit) map[string]float64 {
	out := make(map[string]float64)
	for _, h := range hits {
		id := h.Chunk.ArticleID
		if id == "" {
			continue
		}
		if cur, ok := out[id]; !ok || h.Score > cur {
			out[id] = h.Score
		}
	}
	return out
}

// AggregateMean averages each article's hit scores.
func AggregateMean(hits []domain.Hit) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, h := range hits {
		id := h.Chunk.ArticleID
		if id == "" {
			continue
		}
		sums[id] += h.Score
		counts[id]++
	}
	out := make(map[string]float64, len(sums))
	for id, sum := range sums {
		out[id] = sum / float64(counts[id])
	}
	return out
}

// AggregateHybrid blends max and mean: alpha*max + (1-alpha)*mean.
func AggregateHybrid(hits []domain.Hit, alpha float64) map[string]float64 {
	maxs := AggregateMax(hits)
	means := AggregateMean(hits)
	out := make(map[string]float64, len(maxs))
	for id := range maxs {
		out[id] = alpha*maxs[id] + (1-alpha)*means[id]
	}
	for id := range means {
		if _, ok := out[id]; !ok {
			out[id] = alpha*maxs[id] + (1-alpha)*means[id]
		}
	}
	return out
}

func articleOrder(hits []domain.Hit) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, h := range hits {
		id := h.Chunk.ArticleID
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
