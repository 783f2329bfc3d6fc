package disk

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"supportrag/internal/domain"
)

const (
	DefaultVectorsFile = "chunk_embeddings.bin"
	DefaultMetaFile    = "chunk_meta.json"

	magic      = uint32(0x53524543) // "SREC"
	headerSize = 12
)

// Store persists the chunk store as two row-aligned artifacts: an (N, D)
// float32 matrix and a JSON list of N metadata records.
type Store struct {
	vectorsPath string
	metaPath    string
}

// Config locates the persisted artifacts.
type Config struct {
	Dir         string
	VectorsFile string
	MetaFile    string
}

func NewStore(cfg Config) *Store {
	if cfg.VectorsFile == "" {
		cfg.VectorsFile = DefaultVectorsFile
	}
	if cfg.MetaFile == "" {
		cfg.MetaFile = DefaultMetaFile
	}
	return &Store{
		vectorsPath: filepath.Join(cfg.Dir, cfg.VectorsFile),
		metaPath:    filepath.Join(cfg.Dir, cfg.MetaFile),
	}
}

// Load reads both artifacts. When either is missing it returns an error
// matching domain.ErrStoreNotFound. Row counts are returned as found; callers
// decide how to reconcile a mismatch.
func (s *Store) Load() ([]domain.Chunk, [][]float32, error) {
	_, errV := os.Stat(s.vectorsPath)
	_, errM := os.Stat(s.metaPath)
	if errors.Is(errV, os.ErrNotExist) || errors.Is(errM, os.ErrNotExist) {
		return nil, nil, domain.NewError(domain.KindStoreNotFound, "no persisted chunk store at "+filepath.Dir(s.metaPath), nil)
	}
	vectors, err := readVectors(s.vectorsPath)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(s.metaPath)
	if err != nil {
		return nil, nil, err
	}
	var chunks []domain.Chunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", s.metaPath, err)
	}
	return chunks, vectors, nil
}

// Save writes both artifacts to temporary files and renames them into place,
// so a failed write never replaces the previous generation.
func (s *Store) Save(chunks []domain.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("refusing to save %d metadata records with %d vectors", len(chunks), len(vectors))
	}
	dir := filepath.Dir(s.metaPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	vecTmp, err := writeTemp(dir, ".vectors-*", func(w io.Writer) error { return writeVectors(w, vectors) })
	if err != nil {
		return err
	}
	metaTmp, err := writeTemp(dir, ".meta-*", func(w io.Writer) error {
		if chunks == nil {
			chunks = []domain.Chunk{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(chunks)
	})
	if err != nil {
		_ = os.Remove(vecTmp)
		return err
	}
	// Metadata is renamed first and restored if the vectors rename fails.
	prevMeta, hadMeta := s.backupMeta(dir)
	if err := os.Rename(metaTmp, s.metaPath); err != nil {
		_ = os.Remove(vecTmp)
		_ = os.Remove(metaTmp)
		if hadMeta {
			_ = os.Remove(prevMeta)
		}
		return err
	}
	if err := os.Rename(vecTmp, s.vectorsPath); err != nil {
		_ = os.Remove(vecTmp)
		if hadMeta {
			_ = os.Rename(prevMeta, s.metaPath)
		} else {
			_ = os.Remove(s.metaPath)
		}
		return err
	}
	if hadMeta {
		_ = os.Remove(prevMeta)
	}
	return nil
}

// backupMeta hard-links the current metadata file aside so Save can put it
// back. It reports false when there is nothing to restore.
func (s *Store) backupMeta(dir string) (string, bool) {
	if _, err := os.Stat(s.metaPath); err != nil {
		return "", false
	}
	f, err := os.CreateTemp(dir, ".meta-prev-*")
	if err != nil {
		return "", false
	}
	name := f.Name()
	f.Close()
	_ = os.Remove(name)
	if err := os.Link(s.metaPath, name); err != nil {
		return "", false
	}
	return name, true
}

func writeTemp(dir, pattern string, fill func(io.Writer) error) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	bw := bufio.NewWriter(f)
	if err := fill(bw); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// Header: magic, rows, dim as little-endian uint32, then rows*dim float32.
func writeVectors(w io.Writer, vectors [][]float32) error {
	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}
	header := []uint32{magic, uint32(len(vectors)), uint32(dim)}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("row %d has %d dims, expected %d", i, len(v), dim)
		}
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}

func readVectors(path string) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	header := make([]uint32, 3)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("read %s header: %w", path, err)
	}
	if header[0] != magic {
		return nil, fmt.Errorf("%s is not a chunk embeddings file", path)
	}
	rows, dim := int64(header[1]), int64(header[2])
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if want := headerSize + rows*dim*4; info.Size() != want {
		return nil, fmt.Errorf("%s header declares %dx%d vectors (%d bytes) but file has %d bytes",
			path, rows, dim, want, info.Size())
	}
	vectors := make([][]float32, rows)
	for i := int64(0); i < rows; i++ {
		row := make([]float32, dim)
		if err := binary.Read(r, binary.LittleEndian, row); err != nil {
			return nil, fmt.Errorf("read %s row %d: %w", path, i, err)
		}
		vectors[i] = row
	}
	return vectors, nil
}
