package service

import (
	"context"
	"errors"
	"math"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"supportrag/internal/chunker"
	"supportrag/internal/config"
	"supportrag/internal/domain"
	"supportrag/internal/embedding/hashing"
	"supportrag/internal/querylog"
	"supportrag/internal/vectorstore/memory"
)

type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	args := m.Called(ctx, prompt, maxTokens)
	return args.String(0), args.Error(1)
}

type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbedder) Name() string   { return "fake" }
func (f *fakeEmbedder) Dimension() int { return 3 }
func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.vectors[Normalize(text)]
	if !ok {
		return []float32{0, 0, 0}, nil
	}
	return v, nil
}
func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type memorySink struct {
	mu      sync.Mutex
	records []querylog.Record
	err     error
}

func (m *memorySink) Append(_ context.Context, rec querylog.Record) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}
func (m *memorySink) Close() error { return nil }

func unitAt(cos float64) []float32 {
	return []float32{float32(cos), float32(math.Sqrt(1 - cos*cos)), 0}
}

func kbStore(t *testing.T) *memory.Storage {
	t.Helper()
	s := memory.NewStorage(nil, nil)
	_, err := s.Append([]domain.Chunk{
		{ChunkID: "a1_0", ArticleID: "a1", Title: "Refund policy", Text: "Refunds for double charges take five days."},
		{ChunkID: "a1_1", ArticleID: "a1", Title: "Refund policy", Text: "Contact billing if the refund is late.", FileURL: "https://kb/a1"},
		{ChunkID: "a2_0", ArticleID: "a2", Title: "Reset password", Text: "Reset your password from the login page."},
		{ChunkID: "a3_0", ArticleID: "a3", Title: "Shipping times", Text: "Orders ship within two days."},
	}, [][]float32{{1, 0, 0}, {0.8, 0.6, 0}, {0, 1, 0}, {0, 0, 1}})
	require.NoError(t, err)
	return s
}

var queries = map[string][]float32{
	"i want a refund":     {1, 0, 0},
	"how do i bake bread": {-1, 0, 0},
	"what did you say":    {-1, 0, 0},
	"dimension off":       {1, 0},
}

func newTestService(t *testing.T, gen domain.Generator, sink querylog.Sink) *Service {
	t.Helper()
	return NewService(&fakeEmbedder{vectors: queries}, kbStore(t), gen,
		querylog.NewRecorder(sink, nil), OptionsFromConfig(config.Default()), nil)
}

var history = []domain.ConversationTurn{
	{Role: domain.RoleCustomer, Content: "I was charged twice"},
	{Role: domain.RoleAgent, Content: "We refunded the duplicate charge."},
}

func TestRecommend_RanksBoostsAndLogs(t *testing.T) {
	sink := &memorySink{}
	svc := newTestService(t, nil, sink)

	rec, err := svc.Recommend(context.Background(), RecommendRequest{Query: "I   want a REFUND"})
	require.NoError(t, err)
	require.Len(t, rec.Results, 1)
	top := rec.Results[0]
	assert.Equal(t, "a1", top.ArticleID)
	assert.Equal(t, "a1_0", top.BestChunkID)
	assert.Equal(t, "Refund policy", top.Title)
	// hybrid of boosted chunk scores (1.03, 0.83) plus the title boost
	assert.InDelta(t, 0.7*1.03+0.3*0.93+0.03, top.Score, 1e-6)

	require.Len(t, sink.records, 1)
	logged := sink.records[0]
	assert.Equal(t, "I   want a REFUND", logged.Query)
	assert.Equal(t, "i want a refund", logged.NormalizedQuery)
	assert.Equal(t, "hybrid", logged.Method)
	assert.Equal(t, 12, logged.Params.ChunkHitsK)
	assert.Equal(t, rec.Results, logged.Results)
}

func TestRecommend_MethodOverride(t *testing.T) {
	svc := newTestService(t, nil, nil)
	rec, err := svc.Recommend(context.Background(), RecommendRequest{Query: "I want a refund", Method: "max", TopK: 1})
	require.NoError(t, err)
	require.Len(t, rec.Results, 1)
	assert.InDelta(t, 1.03+0.03, rec.Results[0].Score, 1e-6)
}

func TestRecommend_FallbackKeepsSingleBest(t *testing.T) {
	svc := newTestService(t, nil, nil)
	rec, err := svc.Recommend(context.Background(), RecommendRequest{Query: "how do I bake bread", TopK: 3})
	require.NoError(t, err)
	assert.Len(t, rec.Results, 1)
	assert.Less(t, rec.Results[0].Score, 0.30)
}

func TestRecommend_RejectsMalformedInput(t *testing.T) {
	svc := newTestService(t, nil, nil)
	_, err := svc.Recommend(context.Background(), RecommendRequest{Query: "   "})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = svc.Recommend(context.Background(), RecommendRequest{Query: "refund", Method: "median"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = svc.Recommend(context.Background(), RecommendRequest{Query: "refund", TopK: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRecommend_EmbeddingFailureIsDegraded(t *testing.T) {
	sink := &memorySink{}
	svc := NewService(&fakeEmbedder{err: errors.New("connection refused")}, kbStore(t), nil,
		querylog.NewRecorder(sink, nil), OptionsFromConfig(config.Default()), nil)

	rec, err := svc.Recommend(context.Background(), RecommendRequest{Query: "refund"})
	require.NoError(t, err)
	assert.Empty(t, rec.Results)
	assert.Contains(t, rec.Note, "connection refused")
	require.Len(t, sink.records, 1)
	assert.Equal(t, rec.Note, sink.records[0].Note)
	assert.Empty(t, sink.records[0].Results)
}

func TestAnswer_EmbeddingFailureIsLogged(t *testing.T) {
	sink := &memorySink{}
	svc := NewService(&fakeEmbedder{err: errors.New("connection refused")}, kbStore(t), nil,
		querylog.NewRecorder(sink, nil), OptionsFromConfig(config.Default()), nil)

	res, err := svc.Answer(context.Background(), AnswerRequest{Query: "refund"})
	require.NoError(t, err)
	assert.Equal(t, StageError, res.Stage)
	require.Len(t, sink.records, 1)
	assert.Contains(t, sink.records[0].Note, "connection refused")
}

func TestRecommend_HybridWithZeroAlphaIsMean(t *testing.T) {
	store := memory.NewStorage(nil, nil)
	_, err := store.Append([]domain.Chunk{
		{ChunkID: "a_0", ArticleID: "a", Title: "Article a", Text: "first"},
		{ChunkID: "a_1", ArticleID: "a", Title: "Article a", Text: "second"},
	}, [][]float32{{1, 0, 0}, {0, 1, 0}})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Retrieval.Alpha = 0
	cfg.Retrieval.KeywordBoost = 0
	cfg.Retrieval.TitleBoost = 0
	sink := &memorySink{}
	svc := NewService(&fakeEmbedder{vectors: map[string][]float32{"q": {1, 0, 0}}}, store, nil,
		querylog.NewRecorder(sink, nil), OptionsFromConfig(cfg), nil)

	rec, err := svc.Recommend(context.Background(), RecommendRequest{Query: "q"})
	require.NoError(t, err)
	require.Len(t, rec.Results, 1)
	assert.InDelta(t, 0.5, rec.Results[0].Score, 1e-6)
	require.Len(t, sink.records, 1)
	assert.Equal(t, 0.0, sink.records[0].Params.Alpha)
}

func TestRecommend_DimensionMismatchIsEmptyWithNote(t *testing.T) {
	sink := &memorySink{}
	svc := newTestService(t, nil, sink)

	rec, err := svc.Recommend(context.Background(), RecommendRequest{Query: "dimension off"})
	require.NoError(t, err)
	assert.NotNil(t, rec.Results)
	assert.Empty(t, rec.Results)
	assert.Contains(t, rec.Note, string(domain.KindDimensionMismatch))
	require.Len(t, sink.records, 1)
	assert.Equal(t, rec.Note, sink.records[0].Note)
}

func TestRecommend_QueryLogFailureDoesNotFail(t *testing.T) {
	svc := newTestService(t, nil, &memorySink{err: errors.New("disk full")})
	rec, err := svc.Recommend(context.Background(), RecommendRequest{Query: "I want a refund"})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.Results)
}

func TestAnswer_PromptTruncationAndCitations(t *testing.T) {
	store := memory.NewStorage(nil, nil)
	var chunks []domain.Chunk
	var vectors [][]float32
	for i, cos := range []float64{0.99, 0.95, 0.9, 0.85, 0.8} {
		id := string(rune('a' + i))
		chunks = append(chunks, domain.Chunk{ChunkID: id + "_0", ArticleID: id, Title: "Article " + id, Text: "text " + id})
		vectors = append(vectors, unitAt(cos))
	}
	_, err := store.Append(chunks, vectors)
	require.NoError(t, err)

	gen := new(MockGenerator)
	gen.On("Generate", mock.Anything, mock.Anything, 512).
		Return(`Sure! {"answer":"Check billing.","steps":["open billing"],"citations":["a_0","zz_9"],"confidence":0.8}`, nil)

	svc := NewService(&fakeEmbedder{vectors: map[string][]float32{"q": {1, 0, 0}}}, store, gen, nil,
		OptionsFromConfig(config.Default()), nil)
	res, err := svc.Answer(context.Background(), AnswerRequest{Query: "q", TopK: 10, MaxPromptChunks: 3})
	require.NoError(t, err)

	assert.Equal(t, StageRespond, res.Stage)
	assert.Len(t, res.Results, 5)
	evidence := regexp.MustCompile(`(?m)^\d+\. \[`).FindAllString(res.Prompt, -1)
	assert.Len(t, evidence, 3)
	assert.Contains(t, res.Prompt, "[a_0]")
	assert.NotContains(t, res.Prompt, "[d_0]")

	ans, ok := res.Outcome.(*domain.Answer)
	require.True(t, ok)
	assert.Equal(t, "Check billing.", ans.Text)
	assert.Equal(t, 0.8, ans.Confidence)
	require.Len(t, ans.Evidence, 2)
	assert.Equal(t, "Article a", ans.Evidence[0].Title)
	assert.True(t, ans.Evidence[1].Missing)
	gen.AssertNumberOfCalls(t, "Generate", 1)
}

func TestAnswer_LowScoreWithoutHistoryRefusesWithoutProvider(t *testing.T) {
	gen := new(MockGenerator)
	svc := newTestService(t, gen, nil)

	res, err := svc.Answer(context.Background(), AnswerRequest{Query: "how do I bake bread"})
	require.NoError(t, err)
	assert.Equal(t, StageRefuse, res.Stage)
	ref, ok := res.Outcome.(*domain.Refusal)
	require.True(t, ok)
	assert.Equal(t, lowConfidenceMessage, ref.Reason)
	assert.Equal(t, lowScoreNoHistoryNote, ref.Note)
	gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)
}

func TestAnswer_ZeroThresholdSkipsGate(t *testing.T) {
	store := memory.NewStorage(nil, nil)
	_, err := store.Append([]domain.Chunk{{ChunkID: "a_0", ArticleID: "a", Title: "Article a", Text: "text a"}},
		[][]float32{unitAt(0.1)})
	require.NoError(t, err)

	gen := new(MockGenerator)
	gen.On("Generate", mock.Anything, mock.Anything, 512).
		Return(`{"answer":"Maybe.","steps":[],"citations":["a_0"],"confidence":0.2}`, nil)
	svc := NewService(&fakeEmbedder{vectors: map[string][]float32{"q": {1, 0, 0}}}, store, gen, nil,
		OptionsFromConfig(config.Default()), nil)

	res, err := svc.Answer(context.Background(), AnswerRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, StageRefuse, res.Stage, "configured gate threshold applies when unset")
	gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)

	zero := 0.0
	res, err = svc.Answer(context.Background(), AnswerRequest{Query: "q", Threshold: &zero})
	require.NoError(t, err)
	assert.Equal(t, StageRespond, res.Stage)
	gen.AssertNumberOfCalls(t, "Generate", 1)
}

func TestAnswer_IrrelevantFollowUpRefuses(t *testing.T) {
	gen := new(MockGenerator)
	gen.On("Generate", mock.Anything, mock.Anything, 10).Return("NO", nil)
	svc := newTestService(t, gen, nil)

	res, err := svc.Answer(context.Background(), AnswerRequest{Query: "how do I bake bread", History: history})
	require.NoError(t, err)
	ref, ok := res.Outcome.(*domain.Refusal)
	require.True(t, ok)
	assert.Contains(t, ref.Reason, "Owntrail")
	assert.Equal(t, 0.0, ref.Confidence)
	gen.AssertNumberOfCalls(t, "Generate", 1)
}

func TestAnswer_GateFailsOpen(t *testing.T) {
	gen := new(MockGenerator)
	gen.On("Generate", mock.Anything, mock.Anything, 10).Return("", errors.New("timeout"))
	gen.On("Generate", mock.Anything, mock.MatchedBy(func(p string) bool {
		return strings.Contains(p, "CUSTOMER: I was charged twice")
	}), 512).Return(`{"answer":"As I said, the refund is on its way."}`, nil)
	svc := newTestService(t, gen, nil)

	res, err := svc.Answer(context.Background(), AnswerRequest{Query: "what did you say", History: history})
	require.NoError(t, err)
	assert.Equal(t, StageRespond, res.Stage)
	ans := res.Outcome.(*domain.Answer)
	assert.Equal(t, "As I said, the refund is on its way.", ans.Text)
	assert.Equal(t, []string{}, ans.Steps)
	assert.Equal(t, []string{}, ans.Citations)
	gen.AssertExpectations(t)
}

func TestAnswer_GenerationFailureIsFailureOutcome(t *testing.T) {
	gen := new(MockGenerator)
	gen.On("Generate", mock.Anything, mock.Anything, 512).Return("", errors.New("503 service unavailable"))
	svc := newTestService(t, gen, nil)

	res, err := svc.Answer(context.Background(), AnswerRequest{Query: "I want a refund"})
	require.NoError(t, err)
	assert.Equal(t, StageError, res.Stage)
	f, ok := res.Outcome.(*domain.Failure)
	require.True(t, ok)
	assert.Equal(t, generationUnavailable, f.Message)
	assert.Contains(t, f.Detail, "503")
	gen.AssertNumberOfCalls(t, "Generate", 1)
}

func TestAnswer_UnparseableOutputDegrades(t *testing.T) {
	gen := new(MockGenerator)
	gen.On("Generate", mock.Anything, mock.Anything, 512).Return("Please contact billing.", nil)
	svc := newTestService(t, gen, nil)

	res, err := svc.Answer(context.Background(), AnswerRequest{Query: "I want a refund"})
	require.NoError(t, err)
	ans := res.Outcome.(*domain.Answer)
	assert.True(t, ans.Degraded)
	assert.Equal(t, "Please contact billing.", ans.Text)
	assert.Equal(t, 0.0, ans.Confidence)
	assert.Empty(t, ans.Steps)
	assert.Empty(t, ans.Citations)
}

func TestAnswer_NoGeneratorConfigured(t *testing.T) {
	svc := newTestService(t, nil, nil)
	res, err := svc.Answer(context.Background(), AnswerRequest{Query: "I want a refund"})
	require.NoError(t, err)
	assert.IsType(t, &domain.Failure{}, res.Outcome)
}

func TestAnswer_EmptyStoreRefuses(t *testing.T) {
	svc := NewService(&fakeEmbedder{vectors: queries}, memory.NewStorage(nil, nil), new(MockGenerator), nil,
		OptionsFromConfig(config.Default()), nil)
	res, err := svc.Answer(context.Background(), AnswerRequest{Query: "I want a refund"})
	require.NoError(t, err)
	assert.Equal(t, StageRefuse, res.Stage)
	assert.Equal(t, noChunksNote, res.Note)
}

func TestAnswer_RejectsMalformedInput(t *testing.T) {
	svc := newTestService(t, nil, nil)
	_, err := svc.Answer(context.Background(), AnswerRequest{Query: ""})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	tooHigh := 2.0
	_, err = svc.Answer(context.Background(), AnswerRequest{Query: "refund", Threshold: &tooHigh})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = svc.Answer(context.Background(), AnswerRequest{Query: "refund", History: []domain.ConversationTurn{{Role: "bot"}}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestIndexArticlesDeleteAndList(t *testing.T) {
	store := memory.NewStorage(nil, nil)
	svc := NewService(hashing.NewEmbedder(64), store, nil, nil, OptionsFromConfig(config.Default()), nil)
	ctx := context.Background()

	n, err := svc.IndexArticles(ctx, []chunker.Article{
		{ID: "kb1", Title: "Reset password", Body: "Open settings. Choose reset password. Check your inbox."},
		{ID: "kb2", Title: "Refunds", Body: "Refunds take five days."},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, svc.ListChunks(), 2)

	rec, err := svc.Recommend(ctx, RecommendRequest{Query: "reset password"})
	require.NoError(t, err)
	require.NotEmpty(t, rec.Results)
	assert.Equal(t, "kb1", rec.Results[0].ArticleID)

	ok, err := svc.DeleteChunk(ctx, "kb1_0")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = svc.DeleteChunk(ctx, "kb1_0")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, store.Len())

	rec, err = svc.Recommend(ctx, RecommendRequest{Query: "reset password"})
	require.NoError(t, err)
	for _, r := range rec.Results {
		assert.NotEqual(t, "kb1_0", r.BestChunkID)
	}

	_, err = svc.DeleteChunk(ctx, " ")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestIngestChunks_Validation(t *testing.T) {
	svc := newTestService(t, nil, nil)
	_, err := svc.IngestChunks(context.Background(), []domain.Chunk{{ChunkID: "a1_0", ArticleID: "a1"}}, [][]float32{{1, 0, 0}})
	assert.Error(t, err)
	n, err := svc.IngestChunks(context.Background(), []domain.Chunk{{ChunkID: "a9_0", ArticleID: "a9"}}, [][]float32{{0, 0, 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "my order is late", Normalize("  My ORDER\tis   late \n"))
}
