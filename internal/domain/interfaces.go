package domain

import (
	"context"
	"time"
)

// Chunk is a bounded span of a knowledge-base article with its own embedding.
// The JSON shape matches one entry of the persisted metadata file.
type Chunk struct {
	ChunkID   string `json:"chunk_id"`
	ArticleID string `json:"article_id"`
	Title     string `json:"title"`
	Text      string `json:"chunk_text"`
	FileURL   string `json:"file_url,omitempty"`
}

// Hit is a chunk matched by a single similarity search together with its score.
type Hit struct {
	Chunk Chunk
	Score float64
}

// AggregatedScore is the document-level score folded from the hits of one article.
type AggregatedScore struct {
	ArticleID string
	Score     float64
}

// RankedResult is an article ready to be shown to an agent. BestChunkID and
// BestChunkSnippet refer to the chunk that contributed the article's top score.
type RankedResult struct {
	ArticleID        string  `json:"article_id"`
	Title            string  `json:"title"`
	Score            float64 `json:"score"`
	BestChunkID      string  `json:"best_chunk_id"`
	BestChunkSnippet string  `json:"best_chunk_text"`
}

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
)

// ConversationTurn is one message of a support conversation.
type ConversationTurn struct {
	Role      Role      `json:"role" validate:"oneof=customer agent"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"ts"`
}

// Evidence is a cited chunk expanded back to its stored metadata.
type Evidence struct {
	ChunkID   string `json:"chunk_id"`
	ArticleID string `json:"article_id,omitempty"`
	Title     string `json:"title,omitempty"`
	Text      string `json:"chunk_text,omitempty"`
	FileURL   string `json:"file_url,omitempty"`
	Missing   bool   `json:"missing,omitempty"`
}

// Embedder converts free text into unit-normalised vectors of a fixed dimension.
// The dimension must not change for the lifetime of an embedder.
type Embedder interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator produces raw model text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// ChunkStore holds embedded chunks and answers exhaustive similarity queries.
type ChunkStore interface {
	Search(vector []float32, topK int) ([]Hit, error)
	Append(chunks []Chunk, vectors [][]float32) (int, error)
	Delete(chunkID string) (bool, error)
	Get(chunkID string) (Chunk, bool)
	All() []Chunk
	Len() int
	Dimension() int
}
