package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"supportrag/internal/domain"
)

// Client is an OpenAI-compatible embeddings client implementing domain.Embedder.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	batchSize  int
	client     *http.Client
	maxRetries int
	logger     *zap.Logger

	mu        sync.Mutex
	dimension int
}

// Config configures the OpenAI-compatible embeddings client.
type Config struct {
	BaseURL    string
	APIKeyEnv  string
	Model      string
	Timeout    time.Duration
	Dimension  int
	BatchSize  int
	MaxRetries int
}

// NewClient creates a new embeddings client using the provided configuration.
// A zero Dimension is fixed by the first successful response.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("missing API key in env %s", cfg.APIKeyEnv)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	t := cfg.Timeout
	if t == 0 {
		t = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     key,
		model:      cfg.Model,
		batchSize:  cfg.BatchSize,
		client:     &http.Client{Timeout: t},
		maxRetries: cfg.MaxRetries,
		logger:     logger,
		dimension:  cfg.Dimension,
	}, nil
}

// Name returns the identifier of this embedder implementation.
func (c *Client) Name() string { return "openai" }

// Dimension returns the dimensionality of the produced embedding vectors.
func (c *Client) Dimension() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dimension
}

// Embed returns a unit-normalised embedding vector for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := c.request(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds texts in order, sending at most BatchSize inputs per request.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := c.request(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *Client) request(ctx context.Context, inputs []string) ([][]float32, error) {
	body := map[string]any{"model": c.model, "input": inputs}
	if len(inputs) == 1 {
		// Ollama's native endpoint reads "prompt".
		body["input"] = inputs[0]
		body["prompt"] = inputs[0]
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/embeddings", c.baseURL)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, lastDelay(lastErr, attempt-1)); err != nil {
				return nil, unavailable(err)
			}
		}
		payload, err := c.post(ctx, url, data)
		if err != nil {
			lastErr = err
			if !retryable(err) {
				break
			}
			c.logger.Warn("embedding request failed",
				zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		vecs, err := decode(payload, len(inputs))
		if err != nil {
			lastErr = err
			continue
		}
		if err := c.checkDimension(vecs); err != nil {
			return nil, err
		}
		return vecs, nil
	}
	return nil, unavailable(lastErr)
}

type statusError struct {
	status     int
	text       string
	retryAfter time.Duration
}

func (e *statusError) Error() string { return "openai embeddings failed: " + e.text }

func (c *Client) post(ctx context.Context, url string, data []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		se := &statusError{status: resp.StatusCode, text: resp.Status}
		// Respect Retry-After if provided
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				se.retryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, se
	}
	return io.ReadAll(resp.Body)
}

// decode accepts the OpenAI shape {"data":[{"index":i,"embedding":[...]}]} and
// the Ollama shape {"embedding":[...]}.
func decode(payload []byte, n int) ([][]float32, error) {
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("invalid embeddings response")
	}
	res := gjson.ParseBytes(payload)
	out := make([][]float32, n)
	if data := res.Get("data"); data.IsArray() {
		for i, item := range data.Array() {
			idx := i
			if v := item.Get("index"); v.Exists() {
				idx = int(v.Int())
			}
			if idx < 0 || idx >= n {
				return nil, fmt.Errorf("embedding index %d out of range", idx)
			}
			out[idx] = toVector(item.Get("embedding"))
		}
	} else if emb := res.Get("embedding"); emb.IsArray() && n == 1 {
		out[0] = toVector(emb)
	}
	for i, v := range out {
		if len(v) == 0 {
			return nil, fmt.Errorf("no embedding returned for input %d", i)
		}
	}
	return out, nil
}

func toVector(r gjson.Result) []float32 {
	arr := r.Array()
	if len(arr) == 0 {
		return nil
	}
	v := make([]float32, len(arr))
	norm := 0.0
	for i, x := range arr {
		f := x.Float()
		v[i] = float32(f)
		norm += f * f
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range v {
			v[i] = float32(float64(v[i]) / norm)
		}
	}
	return v
}

func (c *Client) checkDimension(vecs [][]float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range vecs {
		if c.dimension == 0 {
			c.dimension = len(v)
		}
		if len(v) != c.dimension {
			c.logger.Warn("embedding dimension changed",
				zap.Int("expected", c.dimension), zap.Int("got", len(v)))
			return domain.NewError(domain.KindDimensionMismatch,
				fmt.Sprintf("embedder returned %d dimensions, expected %d", len(v), c.dimension), nil)
		}
	}
	return nil
}

func retryable(err error) bool {
	if se, ok := err.(*statusError); ok {
		return se.status == http.StatusTooManyRequests || se.status >= 500
	}
	return true
}

func unavailable(err error) error {
	return domain.NewError(domain.KindProviderUnavailable, "embedding provider unavailable", err)
}

func lastDelay(err error, attempt int) time.Duration {
	if se, ok := err.(*statusError); ok && se.retryAfter > 0 {
		return se.retryAfter
	}
	return retryDelay(attempt)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func retryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := 200 * time.Millisecond
	// exponential backoff capped at 5s
	d := base << attempt
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}
