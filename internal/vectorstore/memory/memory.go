package memory

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"supportrag/internal/domain"
)

// Persister saves and restores the store's two row-aligned artifacts.
type Persister interface {
	Load() ([]domain.Chunk, [][]float32, error)
	Save(chunks []domain.Chunk, vectors [][]float32) error
}

// snapshot is immutable once published.
type snapshot struct {
	dimension int
	chunks    []domain.Chunk
	vectors   [][]float32
	index     map[string]int
}

func newSnapshot(dimension int, chunks []domain.Chunk, vectors [][]float32) *snapshot {
	idx := make(map[string]int, len(chunks))
	for i, c := range chunks {
		idx[c.ChunkID] = i
	}
	return &snapshot{dimension: dimension, chunks: chunks, vectors: vectors, index: idx}
}

// Storage is an in-memory chunk store using brute-force cosine similarity.
// Searches read a published snapshot without locking. Mutations are
// serialised and publish a new snapshot only after it has been persisted.
type Storage struct {
	writeMu   sync.Mutex
	snap      atomic.Pointer[snapshot]
	persister Persister
	logger    *zap.Logger
}

// NewStorage creates an empty store. A nil persister keeps the store purely
// in memory.
func NewStorage(persister Persister, logger *zap.Logger) *Storage {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Storage{persister: persister, logger: logger}
	s.snap.Store(newSnapshot(0, nil, nil))
	return s
}

// Load replaces the in-memory contents with the persisted artifacts. Missing
// artifacts yield an empty store. A row count mismatch is logged and the
// longer artifact is truncated to the shorter one.
func (s *Storage) Load() error {
	if s.persister == nil {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	chunks, vectors, err := s.persister.Load()
	if err != nil {
		if errors.Is(err, domain.ErrStoreNotFound) {
			s.logger.Warn("chunk store files not found, starting empty", zap.Error(err))
			s.snap.Store(newSnapshot(0, nil, nil))
			return nil
		}
		return err
	}
	if len(chunks) != len(vectors) {
		n := min(len(chunks), len(vectors))
		s.logger.Warn("chunk store row count mismatch",
			zap.Int("metadata_rows", len(chunks)),
			zap.Int("vector_rows", len(vectors)),
			zap.Int("kept_rows", n))
		chunks, vectors = chunks[:n], vectors[:n]
	}
	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}
	s.snap.Store(newSnapshot(dim, chunks, vectors))
	s.logger.Info("loaded chunk store", zap.Int("chunks", len(chunks)), zap.Int("dimension", dim))
	return nil
}

// Search returns the topK chunks most similar to vector, best first.
// Vectors are assumed L2-normalised, so cosine similarity is a dot product.
func (s *Storage) Search(vector []float32, topK int) ([]domain.Hit, error) {
	snap := s.snap.Load()
	if len(snap.vectors) == 0 || len(vector) == 0 {
		return nil, nil
	}
	if len(vector) != snap.dimension {
		err := domain.NewError(domain.KindDimensionMismatch,
			fmt.Sprintf("query has %d dims, store has %d; rebuild the store", len(vector), snap.dimension), nil)
		s.logger.Warn("search skipped", zap.Error(err))
		return nil, err
	}
	if topK <= 0 {
		topK = 5
	}
	scores := make([]float64, len(snap.vectors))
	for i := range snap.vectors {
		scores[i] = dot(snap.vectors[i], vector)
	}
	idxs := argsortDesc(scores)
	if topK > len(idxs) {
		topK = len(idxs)
	}
	hits := make([]domain.Hit, 0, topK)
	for i := 0; i < topK; i++ {
		j := idxs[i]
		hits = append(hits, domain.Hit{Chunk: snap.chunks[j], Score: scores[j]})
	}
	return hits, nil
}

// Append adds chunks and their vectors, persists, then publishes the result.
func (s *Storage) Append(chunks []domain.Chunk, vectors [][]float32) (int, error) {
	if len(chunks) != len(vectors) {
		return 0, fmt.Errorf("chunks and vectors length mismatch: %d != %d", len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.snap.Load()
	dim := cur.dimension
	if len(cur.vectors) == 0 {
		dim = len(vectors[0])
	}
	seen := make(map[string]struct{}, len(chunks))
	for i, c := range chunks {
		if c.ChunkID == "" {
			return 0, fmt.Errorf("chunk %d has no chunk_id", i)
		}
		if _, ok := cur.index[c.ChunkID]; ok {
			return 0, fmt.Errorf("chunk_id %q already stored", c.ChunkID)
		}
		if _, ok := seen[c.ChunkID]; ok {
			return 0, fmt.Errorf("chunk_id %q repeated in batch", c.ChunkID)
		}
		seen[c.ChunkID] = struct{}{}
		if len(vectors[i]) != dim {
			return 0, domain.NewError(domain.KindDimensionMismatch,
				fmt.Sprintf("vector for %q has %d dims, store has %d", c.ChunkID, len(vectors[i]), dim), nil)
		}
		if n := norm(vectors[i]); math.Abs(n-1) > 1e-3 {
			s.logger.Warn("appending non-normalised vector", zap.String("chunk_id", c.ChunkID), zap.Float64("norm", n))
		}
	}

	nextChunks := make([]domain.Chunk, 0, len(cur.chunks)+len(chunks))
	nextChunks = append(append(nextChunks, cur.chunks...), chunks...)
	nextVectors := make([][]float32, 0, len(cur.vectors)+len(vectors))
	nextVectors = append(append(nextVectors, cur.vectors...), vectors...)

	if err := s.save(nextChunks, nextVectors); err != nil {
		return 0, err
	}
	s.snap.Store(newSnapshot(dim, nextChunks, nextVectors))
	return len(chunks), nil
}

// Delete removes the chunk with the given id and its vector row. It reports
// false when no such chunk exists.
func (s *Storage) Delete(chunkID string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.snap.Load()
	pos := -1
	for i, c := range cur.chunks {
		if c.ChunkID == chunkID {
			pos = i
			break
		}
	}
	if pos == -1 {
		return false, nil
	}
	nextChunks := make([]domain.Chunk, 0, len(cur.chunks)-1)
	nextChunks = append(append(nextChunks, cur.chunks[:pos]...), cur.chunks[pos+1:]...)
	nextVectors := make([][]float32, 0, len(cur.vectors)-1)
	nextVectors = append(append(nextVectors, cur.vectors[:pos]...), cur.vectors[pos+1:]...)

	if err := s.save(nextChunks, nextVectors); err != nil {
		return false, err
	}
	s.snap.Store(newSnapshot(cur.dimension, nextChunks, nextVectors))
	return true, nil
}

// Persist writes the current snapshot.
func (s *Storage) Persist() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	cur := s.snap.Load()
	return s.save(cur.chunks, cur.vectors)
}

func (s *Storage) save(chunks []domain.Chunk, vectors [][]float32) error {
	if s.persister == nil {
		return nil
	}
	if err := s.persister.Save(chunks, vectors); err != nil {
		return fmt.Errorf("persist chunk store: %w", err)
	}
	return nil
}

// Get returns the stored metadata for a chunk id.
func (s *Storage) Get(chunkID string) (domain.Chunk, bool) {
	snap := s.snap.Load()
	i, ok := snap.index[chunkID]
	if !ok {
		return domain.Chunk{}, false
	}
	return snap.chunks[i], true
}

// All returns a copy of every stored chunk in row order.
func (s *Storage) All() []domain.Chunk {
	snap := s.snap.Load()
	out := make([]domain.Chunk, len(snap.chunks))
	copy(out, snap.chunks)
	return out
}

func (s *Storage) Len() int { return len(s.snap.Load().chunks) }

func (s *Storage) Dimension() int { return s.snap.Load().dimension }

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func norm(v []float32) float64 {
	return math.Sqrt(dot(v, v))
}

func argsortDesc(vals []float64) []int {
	idxs := make([]int, len(vals))
	for i := range vals {
		idxs[i] = i
	}
	// Stable sort not required
	quicksort(idxs, vals, 0, len(idxs)-1)
	return idxs
}

func quicksort(idxs []int, vals []float64, lo, hi int) {
	if lo >= hi {
		return
	}
	i, j := lo, hi
	pivot := vals[idxs[(lo+hi)/2]]
	for i <= j {
		for vals[idxs[i]] > pivot { // desc order
			i++
		}
		for vals[idxs[j]] < pivot {
			j--
		}
		if i <= j {
			idxs[i], idxs[j] = idxs[j], idxs[i]
			i++
			j--
		}
	}
	if lo < j {
		quicksort(idxs, vals, lo, j)
	}
	if i < hi {
		quicksort(idxs, vals, i, hi)
	}
}
