package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"supportrag/internal/chunker"
	"supportrag/internal/config"
	"supportrag/internal/domain"
	"supportrag/internal/gate"
	"supportrag/internal/prompt"
	"supportrag/internal/querylog"
	"supportrag/internal/ranking"
	"supportrag/internal/response"
)

const (
	lowConfidenceMessage       = "I'm sorry, I don't have enough information to answer that question based on our knowledge base."
	irrelevantMessage          = "I'm sorry, I can only assist with questions related to %s support or our previous conversation."
	generationUnavailable      = "I am having trouble connecting to the AI model right now."
	noChunksNote               = "No chunks retrieved"
	embeddingUnavailablePrefix = "embedding provider unavailable: "
	lowScoreNoHistoryNote      = "Low score, no history."
	irrelevantFollowUpNote     = "Irrelevant follow-up."
)

// Stage is the terminal state an answer request ended in.
type Stage string

const (
	StageRefuse  Stage = "refuse"
	StageError   Stage = "error"
	StageRespond Stage = "respond"
)

// Options carries the tunables of the retrieval and answer pipelines.
type Options struct {
	Retrieval         config.RetrievalConfig
	Answer            config.AnswerConfig
	ChunkMaxChars     int
	GenerationTimeout time.Duration
}

// OptionsFromConfig extracts service options from the application config.
func OptionsFromConfig(cfg *config.AppConfig) Options {
	return Options{
		Retrieval:         cfg.Retrieval,
		Answer:            cfg.Answer,
		ChunkMaxChars:     cfg.Chunker.MaxChars,
		GenerationTimeout: time.Duration(cfg.Generator.TimeoutSecs) * time.Second,
	}
}

// RecommendRequest asks for the articles best matching a support query.
// Zero TopK and empty Method fall back to the configured defaults.
type RecommendRequest struct {
	Query  string `validate:"required"`
	TopK   int    `validate:"gte=0"`
	Method string `validate:"omitempty,oneof=max mean hybrid"`
}

// Recommendation is the ranked outcome of a recommend call. Note explains an
// empty or degraded result.
type Recommendation struct {
	Query   string                `json:"query"`
	Results []domain.RankedResult `json:"results"`
	Note    string                `json:"note,omitempty"`
}

// AnswerRequest asks for a grounded answer to the latest customer message.
// Zero counts and a nil Threshold fall back to the configured defaults.
type AnswerRequest struct {
	Query           string                    `validate:"required"`
	History         []domain.ConversationTurn `validate:"dive"`
	TopK            int                       `validate:"gte=0"`
	MaxPromptChunks int                       `validate:"gte=0"`
	Threshold       *float64                  `validate:"omitempty,gte=0,lte=1"`
}

// AnswerResult pairs the terminal outcome with the ranking it was built from.
type AnswerResult struct {
	Outcome domain.Outcome        `json:"outcome"`
	Results []domain.RankedResult `json:"results"`
	Note    string                `json:"note,omitempty"`
	Stage   Stage                 `json:"stage"`
	Prompt  string                `json:"-"`
}

// Service wires retrieval, ranking, gating, generation and logging together.
type Service struct {
	embedder  domain.Embedder
	store     domain.ChunkStore
	generator domain.Generator
	gate      *gate.Gate
	prompts   *prompt.Builder
	chunker   *chunker.SentenceChunker
	recorder  *querylog.Recorder
	validate  *validator.Validate
	opts      Options
	logger    *zap.Logger
}

// NewService builds the orchestrator. generator and recorder may be nil: answers
// then end in a Failure outcome and recommendations are not logged.
func NewService(embedder domain.Embedder, store domain.ChunkStore, generator domain.Generator, recorder *querylog.Recorder, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = withDefaults(opts)
	prompts := prompt.NewBuilder(opts.Answer.ProductName, opts.Answer.HistoryTurns, opts.Answer.GateHistoryTurns)
	return &Service{
		embedder:  embedder,
		store:     store,
		generator: generator,
		gate:      gate.New(generator, prompts, opts.GenerationTimeout, logger.Named("gate")),
		prompts:   prompts,
		chunker:   chunker.NewSentenceChunker(opts.ChunkMaxChars),
		recorder:  recorder,
		validate:  validator.New(),
		opts:      opts,
		logger:    logger,
	}
}

func withDefaults(o Options) Options {
	d := config.Default()
	r := &o.Retrieval
	if r.ChunkHitsK <= 0 {
		r.ChunkHitsK = d.Retrieval.ChunkHitsK
	}
	if r.Aggregation == "" {
		r.Aggregation = d.Retrieval.Aggregation
	}
	if r.Keywords == nil {
		r.Keywords = ranking.DefaultKeywords
	}
	if r.TopK <= 0 {
		r.TopK = d.Retrieval.TopK
	}
	if r.SnippetLen <= 0 {
		r.SnippetLen = d.Retrieval.SnippetLen
	}
	a := &o.Answer
	if a.TopK <= 0 {
		a.TopK = d.Answer.TopK
	}
	if a.MaxPromptChunks <= 0 {
		a.MaxPromptChunks = d.Answer.MaxPromptChunks
	}
	if a.MaxTokens <= 0 {
		a.MaxTokens = d.Answer.MaxTokens
	}
	if a.ProductName == "" {
		a.ProductName = d.Answer.ProductName
	}
	if o.GenerationTimeout <= 0 {
		o.GenerationTimeout = time.Duration(d.Generator.TimeoutSecs) * time.Second
	}
	return o
}

// Recommend ranks knowledge-base articles for query. Provider failures yield an
// empty result with a note rather than an error.
func (s *Service) Recommend(ctx context.Context, req RecommendRequest) (*Recommendation, error) {
	if err := s.check(req, req.Query); err != nil {
		return nil, err
	}
	method, _ := ranking.ParseMethod(req.Method)
	if req.Method == "" {
		method = ranking.Method(s.opts.Retrieval.Aggregation)
	}
	topK := req.TopK
	if topK == 0 {
		topK = s.opts.Retrieval.TopK
	}
	results, note, _ := s.retrieve(ctx, req.Query, method, topK)
	return &Recommendation{Query: req.Query, Results: results, Note: note}, nil
}

// Answer runs retrieval, the relevance gate when confidence is low, then
// generation and parsing. Every well-formed request ends in an Answer, a
// Refusal or a Failure outcome.
func (s *Service) Answer(ctx context.Context, req AnswerRequest) (*AnswerResult, error) {
	if err := s.check(req, req.Query); err != nil {
		return nil, err
	}
	topK := req.TopK
	if topK == 0 {
		topK = s.opts.Answer.TopK
	}
	maxChunks := req.MaxPromptChunks
	if maxChunks == 0 {
		maxChunks = s.opts.Answer.MaxPromptChunks
	}
	threshold := s.opts.Answer.GateThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	results, note, err := s.retrieve(ctx, req.Query, ranking.Method(s.opts.Retrieval.Aggregation), topK)
	if err != nil {
		return &AnswerResult{
			Outcome: &domain.Failure{Message: generationUnavailable, Detail: err.Error()},
			Results: []domain.RankedResult{},
			Note:    note,
			Stage:   StageError,
		}, nil
	}
	if len(results) == 0 {
		if note == "" {
			note = noChunksNote
		}
		return &AnswerResult{
			Outcome: &domain.Refusal{Reason: lowConfidenceMessage, Note: note},
			Results: results,
			Note:    note,
			Stage:   StageRefuse,
		}, nil
	}

	if top := results[0].Score; top < threshold {
		switch s.gate.Check(ctx, req.Query, req.History) {
		case gate.NoHistory:
			return &AnswerResult{
				Outcome: &domain.Refusal{Reason: lowConfidenceMessage, Note: lowScoreNoHistoryNote, Confidence: top},
				Results: results,
				Note:    note,
				Stage:   StageRefuse,
			}, nil
		case gate.Irrelevant:
			return &AnswerResult{
				Outcome: &domain.Refusal{Reason: fmt.Sprintf(irrelevantMessage, s.opts.Answer.ProductName), Note: irrelevantFollowUpNote},
				Results: results,
				Note:    note,
				Stage:   StageRefuse,
			}, nil
		}
	}

	p := s.prompts.Answer(req.Query, results, req.History, maxChunks)
	raw, err := s.generate(ctx, p)
	if err != nil {
		s.logger.Warn("generation failed", zap.Error(err))
		return &AnswerResult{
			Outcome: &domain.Failure{Message: generationUnavailable, Detail: err.Error()},
			Results: results,
			Note:    note,
			Stage:   StageError,
			Prompt:  p,
		}, nil
	}

	parsed := response.Parse(raw)
	if parsed.Degraded {
		s.logger.Warn("model output was not a JSON answer, returning raw text",
			zap.Int("raw_len", len(raw)))
	}
	ans := parsed.ToAnswer()
	ans.Evidence = s.ExpandCitations(ans.Citations)
	return &AnswerResult{Outcome: ans, Results: results, Note: note, Stage: StageRespond, Prompt: p}, nil
}

func (s *Service) generate(ctx context.Context, p string) (string, error) {
	if s.generator == nil {
		return "", domain.NewError(domain.KindProviderUnavailable, "no generation provider configured", nil)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.GenerationTimeout)
	defer cancel()
	raw, err := s.generator.Generate(ctx, p, s.opts.Answer.MaxTokens)
	if err != nil {
		if !errors.Is(err, domain.ErrProviderUnavailable) {
			err = domain.NewError(domain.KindProviderUnavailable, "generation failed", err)
		}
		return "", err
	}
	return raw, nil
}

// retrieve runs search, keyword boost, aggregation, title boost and the
// threshold policy, then logs the call. A non-nil error means the query could
// not be embedded; the call is still logged with the provider error as note.
func (s *Service) retrieve(ctx context.Context, query string, method ranking.Method, topK int) ([]domain.RankedResult, string, error) {
	r := s.opts.Retrieval
	var (
		final []domain.RankedResult
		note  string
		hits  []domain.Hit
		err   error
	)
	vec, embedErr := s.embedder.Embed(ctx, query)
	if embedErr == nil {
		hits, err = s.store.Search(vec, r.ChunkHitsK)
	}
	switch {
	case embedErr != nil:
		s.logger.Warn("query embedding failed", zap.Error(embedErr))
		note = embeddingUnavailablePrefix + embedErr.Error()
	case err != nil:
		note = err.Error()
	case len(hits) == 0:
		note = noChunksNote
	default:
		boosted := ranking.KeywordBoost(query, hits, r.Keywords, r.KeywordBoost)
		scores := ranking.Aggregate(boosted, method, r.Alpha)
		ranked := ranking.BuildResults(boosted, scores, r.SnippetLen)
		ranked = ranking.TitleBoost(ranked, query, r.TitleBoost)
		final = ranking.ApplyThreshold(ranked, r.Threshold, topK)
	}
	if final == nil {
		final = []domain.RankedResult{}
	}

	rec := querylog.NewRecord(query, Normalize(query), string(method), querylog.Params{
		ChunkHitsK:   r.ChunkHitsK,
		Aggregation:  string(method),
		Alpha:        r.Alpha,
		KeywordBoost: r.KeywordBoost,
		TitleBoost:   r.TitleBoost,
		Threshold:    r.Threshold,
		TopK:         topK,
	}, final)
	rec.Note = note
	s.recorder.Record(ctx, rec)
	return final, note, embedErr
}

// IngestChunks appends pre-embedded chunks to the store.
func (s *Service) IngestChunks(_ context.Context, chunks []domain.Chunk, vectors [][]float32) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	n, err := s.store.Append(chunks, vectors)
	if err != nil {
		return 0, err
	}
	s.logger.Info("ingested chunks", zap.Int("count", n), zap.Int("total", s.store.Len()))
	return n, nil
}

// IndexArticles chunks articles, embeds the chunks in batches and ingests them.
func (s *Service) IndexArticles(ctx context.Context, articles []chunker.Article) (int, error) {
	var chunks []domain.Chunk
	for _, a := range articles {
		chunks = append(chunks, s.chunker.Chunk(a)...)
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed chunks: %w", err)
	}
	return s.IngestChunks(ctx, chunks, vectors)
}

// DeleteChunk removes a chunk by id. A missing id returns false.
func (s *Service) DeleteChunk(_ context.Context, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, &domain.ValidationError{Fields: map[string]string{"ID": "chunk id must not be empty"}}
	}
	ok, err := s.store.Delete(id)
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.Info("delete missed", zap.String("chunk_id", id))
	}
	return ok, nil
}

// ListChunks returns the metadata of every stored chunk.
func (s *Service) ListChunks() []domain.Chunk { return s.store.All() }

// ExpandCitations resolves cited chunk ids to their stored metadata. Unknown
// ids come back with Missing set.
func (s *Service) ExpandCitations(ids []string) []domain.Evidence {
	out := make([]domain.Evidence, 0, len(ids))
	for _, id := range ids {
		c, ok := s.store.Get(id)
		if !ok {
			out = append(out, domain.Evidence{ChunkID: id, Missing: true})
			continue
		}
		out = append(out, domain.Evidence{
			ChunkID:   c.ChunkID,
			ArticleID: c.ArticleID,
			Title:     c.Title,
			Text:      c.Text,
			FileURL:   c.FileURL,
		})
	}
	return out
}

// Normalize lower-cases query and collapses runs of whitespace.
func Normalize(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

func (s *Service) check(req any, query string) error {
	fields := map[string]string{}
	if strings.TrimSpace(query) == "" {
		fields["Query"] = "query must not be empty"
	}
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			if _, seen := fields[fe.Field()]; seen {
				continue
			}
			fields[fe.Field()] = fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
		}
	}
	if len(fields) > 0 {
		return &domain.ValidationError{Fields: fields}
	}
	return nil
}
