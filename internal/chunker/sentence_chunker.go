package chunker

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"supportrag/internal/domain"
)

// DefaultMaxChars bounds the length of a packed chunk.
const DefaultMaxChars = 400

// Article is a knowledge-base article before chunking.
type Article struct {
	ID      string
	Title   string
	Body    string
	FileURL string
}

// SentenceChunker packs whole sentences into chunks of at most maxChars
// characters. A sentence longer than maxChars becomes a chunk on its own.
type SentenceChunker struct {
	maxChars int
	splitter *regexp.Regexp
}

func NewSentenceChunker(maxChars int) *SentenceChunker {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &SentenceChunker{
		maxChars: maxChars,
		splitter: regexp.MustCompile(`[.?!]\s+`),
	}
}

// Sentences splits text after terminal punctuation followed by whitespace.
func (c *SentenceChunker) Sentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []string
	start := 0
	for _, loc := range c.splitter.FindAllStringIndex(text, -1) {
		// keep the punctuation with its sentence
		if s := strings.TrimSpace(text[start : loc[0]+1]); s != "" {
			out = append(out, s)
		}
		start = loc[1]
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

// Pack joins sentences with single spaces while the result stays within maxChars.
func (c *SentenceChunker) Pack(sentences []string) []string {
	var chunks []string
	current := ""
	for _, s := range sentences {
		if len(current)+len(s)+1 <= c.maxChars {
			if current != "" {
				current += " " + s
			} else {
				current = s
			}
			continue
		}
		if current != "" {
			chunks = append(chunks, current)
		}
		current = s
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}

// Chunk splits an article into chunks with ids "{article_id}_{n}".
func (c *SentenceChunker) Chunk(article Article) []domain.Chunk {
	pieces := c.Pack(c.Sentences(article.Body))
	chunks := make([]domain.Chunk, 0, len(pieces))
	for i, text := range pieces {
		chunks = append(chunks, domain.Chunk{
			ChunkID:   article.ID + "_" + strconv.Itoa(i),
			ArticleID: article.ID,
			Title:     article.Title,
			Text:      text,
			FileURL:   article.FileURL,
		})
	}
	return chunks
}

// ReadArticles reads a CSV with a header row containing id, title and body
// columns (case-insensitive, file_url optional). Rows without a body are skipped.
func ReadArticles(r io.Reader) ([]Article, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, required := range []string{"id", "title", "body"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("articles csv: missing %q column", required)
		}
	}
	field := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var articles []Article
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		a := Article{
			ID:      field(row, "id"),
			Title:   field(row, "title"),
			Body:    field(row, "body"),
			FileURL: field(row, "file_url"),
		}
		if a.Body == "" || a.ID == "" {
			continue
		}
		articles = append(articles, a)
	}
	return articles, nil
}
