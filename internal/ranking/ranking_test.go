package ranking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportrag/internal/domain"
)

func hit(chunkID, article, text string, score float64) domain.Hit {
	return domain.Hit{
		Chunk: domain.Chunk{ChunkID: chunkID, ArticleID: article, Title: "Title " + article, Text: text},
		Score: score,
	}
}

func exampleHits() []domain.Hit {
	return []domain.Hit{
		hit("A_0", "A", "a zero", 0.9),
		hit("B_0", "B", "b zero", 0.6),
		hit("A_1", "A", "a one", 0.5),
	}
}

func scoresByArticle(in []domain.AggregatedScore) map[string]float64 {
	out := make(map[string]float64, len(in))
	for _, s := range in {
		out[s.ArticleID] = s.Score
	}
	return out
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name   string
		method Method
		wantA  float64
		wantB  float64
	}{
		{name: "max", method: MethodMax, wantA: 0.9, wantB: 0.6},
		{name: "mean", method: MethodMean, wantA: 0.7, wantB: 0.6},
		{name: "hybrid", method: MethodHybrid, wantA: 0.84, wantB: 0.6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate(exampleHits(), tt.method, DefaultAlpha)
			require.Len(t, got, 2)
			m := scoresByArticle(got)
			assert.InDelta(t, tt.wantA, m["A"], 1e-9)
			assert.InDelta(t, tt.wantB, m["B"], 1e-9)
		})
	}
}

func TestAggregate_MeanOnlyUsesHitSet(t *testing.T) {
	narrow := Aggregate(exampleHits()[:2], MethodMean, DefaultAlpha)
	assert.InDelta(t, 0.9, scoresByArticle(narrow)["A"], 1e-9)
}

func TestAggregate_SkipsChunksWithoutArticle(t *testing.T) {
	got := Aggregate([]domain.Hit{hit("x", "", "orphan", 0.99)}, MethodMax, DefaultAlpha)
	assert.Empty(t, got)
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, MethodHybrid, m)
	m, err = ParseMethod("mean")
	require.NoError(t, err)
	assert.Equal(t, MethodMean, m)
	_, err = ParseMethod("median")
	assert.Error(t, err)
}

func TestKeywordBoost_AppliesOncePerChunk(t *testing.T) {
	hits := []domain.Hit{
		hit("c1", "A", "Your order tracking number is in the email", 0.5),
		hit("c2", "B", "Nothing relevant here", 0.5),
	}
	got := KeywordBoost("Where is my order tracking number?", hits, DefaultKeywords, 0.03)
	assert.InDelta(t, 0.53, got[0].Score, 1e-9)
	assert.InDelta(t, 0.5, got[1].Score, 1e-9)
	assert.InDelta(t, 0.5, hits[0].Score, 1e-9, "input must not be mutated")
}

func TestKeywordBoost_RequiresTermInQueryAndChunk(t *testing.T) {
	hits := []domain.Hit{hit("c1", "A", "reset your password", 0.4)}
	got := KeywordBoost("I was charged twice", hits, DefaultKeywords, 0.03)
	assert.InDelta(t, 0.4, got[0].Score, 1e-9)
}

func TestTitleBoost_ResortsResults(t *testing.T) {
	results := []domain.RankedResult{
		{ArticleID: "A", Title: "Shipping times", Score: 0.50},
		{ArticleID: "B", Title: "Password Reset Guide", Score: 0.48},
	}
	got := TitleBoost(results, "how do i reset my password", 0.05)
	require.Len(t, got, 2)
	assert.Equal(t, "B", got[0].ArticleID)
	assert.InDelta(t, 0.53, got[0].Score, 1e-9, "boost applies once even when two tokens match")
	assert.InDelta(t, 0.50, got[1].Score, 1e-9)
}

func TestBuildResults_UsesBestBoostedChunk(t *testing.T) {
	hits := []domain.Hit{
		hit("A_0", "A", "first", 0.7),
		hit("A_1", "A", "second", 0.8),
		hit("B_0", "B", "other", 0.9),
	}
	scores := Aggregate(hits, MethodMax, DefaultAlpha)
	got := BuildResults(hits, scores, 200)
	require.Len(t, got, 2)
	assert.Equal(t, "B", got[0].ArticleID)
	assert.Equal(t, "A_1", got[1].BestChunkID)
	assert.Equal(t, "second", got[1].BestChunkSnippet)
	assert.Equal(t, "Title A", got[1].Title)
}

func TestApplyThreshold(t *testing.T) {
	results := []domain.RankedResult{
		{ArticleID: "A", Score: 0.8},
		{ArticleID: "B", Score: 0.5},
		{ArticleID: "C", Score: 0.2},
	}

	t.Run("filters and truncates", func(t *testing.T) {
		got := ApplyThreshold(results, 0.3, 1)
		require.Len(t, got, 1)
		assert.Equal(t, "A", got[0].ArticleID)
	})

	t.Run("falls back to the single best result", func(t *testing.T) {
		got := ApplyThreshold(results, 0.95, 5)
		require.Len(t, got, 1)
		assert.Equal(t, "A", got[0].ArticleID)
	})

	t.Run("no hits at all", func(t *testing.T) {
		assert.Empty(t, ApplyThreshold(nil, 0.3, 5))
	})
}

func TestShorten(t *testing.T) {
	assert.Equal(t, "short", Shorten("  short  ", 200))
	long := strings.Repeat("word ", 60)
	got := Shorten(long, 22)
	assert.Equal(t, "word word word word...", got)
}
