// Package querylog keeps an append-only record of recommendation calls for
// offline analysis.
package querylog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"supportrag/internal/domain"
)

// Params are the retrieval parameters a recommendation ran with.
type Params struct {
	ChunkHitsK   int     `json:"chunk_hits_k"`
	Aggregation  string  `json:"agg"`
	Alpha        float64 `json:"alpha"`
	KeywordBoost float64 `json:"keyword_boost"`
	TitleBoost   float64 `json:"title_boost_value"`
	Threshold    float64 `json:"threshold"`
	TopK         int     `json:"top_k"`
}

// Record is one immutable log entry.
type Record struct {
	ID              uuid.UUID             `json:"id"`
	Timestamp       time.Time             `json:"ts"`
	Query           string                `json:"query"`
	NormalizedQuery string                `json:"preproc"`
	Method          string                `json:"agg_method"`
	Params          Params                `json:"params"`
	Results         []domain.RankedResult `json:"results"`
	Note            string                `json:"note,omitempty"`
}

// NewRecord stamps a record with a fresh id and the current time.
func NewRecord(query, normalized, method string, params Params, results []domain.RankedResult) Record {
	if results == nil {
		results = []domain.RankedResult{}
	}
	return Record{
		ID:              uuid.New(),
		Timestamp:       time.Now().UTC(),
		Query:           query,
		NormalizedQuery: normalized,
		Method:          method,
		Params:          params,
		Results:         results,
	}
}

// Sink persists records.
type Sink interface {
	Append(ctx context.Context, rec Record) error
	Close() error
}

// FileSink appends one JSON document per line.
type FileSink struct {
	mu   sync.Mutex
	path string
}

func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileSink{path: path}, nil
}

func (s *FileSink) Append(_ context.Context, rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *FileSink) Close() error { return nil }

// Recorder writes records to a sink and swallows every failure, so logging
// never breaks the call being logged.
type Recorder struct {
	sink   Sink
	logger *zap.Logger
}

func NewRecorder(sink Sink, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{sink: sink, logger: logger}
}

// Record appends rec. A nil Recorder or sink is a no-op.
func (r *Recorder) Record(ctx context.Context, rec Record) {
	if r == nil || r.sink == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("query log panicked", zap.String("panic", fmt.Sprint(p)))
		}
	}()
	if err := r.sink.Append(ctx, rec); err != nil {
		r.logger.Warn("query log append failed", zap.Error(err), zap.String("record_id", rec.ID.String()))
	}
}

func (r *Recorder) Close() error {
	if r == nil || r.sink == nil {
		return nil
	}
	return r.sink.Close()
}
