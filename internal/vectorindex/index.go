// Package vectorindex is an exact nearest-neighbor index over face embeddings.
//
// Vectors live in an append-only arena: the n-th vector ever added gets
// position n and keeps it until Reset. On disk the index is three files in one
// directory:
//
//	vectors.f32    little-endian float32 rows, dim values per row
//	ids.txt        one face id per line, parallel to the rows
//	manifest.json  row count and byte lengths; the commit point of a flush
//
// A flush appends pending rows to both data files and then atomically replaces
// the manifest. Anything past the manifest's lengths is an interrupted flush and
// is truncated on the next open.
package vectorindex

import (
	"bufio"
	"container/heap"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/viterin/vek/vek32"
	"go.uber.org/zap"

	"github.com/JakeFAU/face-harvester/internal/metrics"
)

const (
	vectorsFile     = "vectors.f32"
	idsFile         = "ids.txt"
	manifestFile    = "manifest.json"
	manifestVersion = 1
)

// Errors returned by the index.
var (
	ErrDimension   = errors.New("vector dimension mismatch")
	ErrZeroVector  = errors.New("vector has zero norm")
	ErrInvalidID   = errors.New("face id must be non-empty and single-line")
	ErrCorruptData = errors.New("vector index files are inconsistent")
)

// Config tunes an Index.
type Config struct {
	Dir            string
	Dimension      int
	FlushThreshold int
}

// Match is one search hit.
type Match struct {
	FaceID     string  `json:"face_id"`
	Position   int64   `json:"position"`
	Similarity float64 `json:"similarity"`
}

// Status summarises the index.
type Status struct {
	Dir       string     `json:"dir"`
	Dimension int        `json:"dimension"`
	Size      int64      `json:"size"`
	Pending   int        `json:"pending"`
	LastFlush *time.Time `json:"last_flush,omitempty"`
}

type manifest struct {
	Version     int       `json:"version"`
	Dimension   int       `json:"dimension"`
	Count       int64     `json:"count"`
	VectorBytes int64     `json:"vector_bytes"`
	IDBytes     int64     `json:"id_bytes"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Index holds every vector in memory. A single RWMutex serialises writers;
// searches share the read side.
type Index struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.RWMutex
	vectors   [][]float32
	norms     []float32
	ids       []string
	persisted manifest
	lastFlush *time.Time
}

// Open loads the index from cfg.Dir, creating the directory when missing.
func Open(cfg Config, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("vector index dimension must be positive, got %d", cfg.Dimension)
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = 64
	}
	if cfg.Dir == "" {
		return nil, errors.New("vector index dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	idx := &Index{cfg: cfg, logger: logger}
	if err := idx.load(); err != nil {
		return nil, err
	}
	metrics.SetIndexSize(int64(len(idx.ids)))
	logger.Info("vector index opened",
		zap.String("dir", cfg.Dir),
		zap.Int("dimension", cfg.Dimension),
		zap.Int("size", len(idx.ids)),
	)
	return idx, nil
}

// Add appends vec under faceID and returns its position.
func (x *Index) Add(faceID string, vec []float32) (int64, error) {
	return x.AddBatch([]string{faceID}, [][]float32{vec})
}

// AddBatch appends vecs in order and returns the position of the first one.
// Either every vector is added or none is.
func (x *Index) AddBatch(faceIDs []string, vecs [][]float32) (int64, error) {
	if len(faceIDs) != len(vecs) {
		return 0, fmt.Errorf("add batch: %d ids for %d vectors", len(faceIDs), len(vecs))
	}
	norms := make([]float32, len(vecs))
	copies := make([][]float32, len(vecs))
	for i, vec := range vecs {
		if faceIDs[i] == "" || strings.ContainsAny(faceIDs[i], "\r\n") {
			return 0, ErrInvalidID
		}
		if len(vec) != x.cfg.Dimension {
			return 0, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(vec), x.cfg.Dimension)
		}
		n := norm(vec)
		if n == 0 {
			return 0, ErrZeroVector
		}
		norms[i] = n
		copies[i] = append([]float32(nil), vec...)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	first := int64(len(x.ids))
	x.vectors = append(x.vectors, copies...)
	x.norms = append(x.norms, norms...)
	x.ids = append(x.ids, faceIDs...)
	metrics.SetIndexSize(int64(len(x.ids)))

	if x.pendingLocked() >= x.cfg.FlushThreshold {
		if err := x.flushLocked(); err != nil {
			x.logger.Warn("vector index flush failed; rows stay pending", zap.Error(err))
		}
	}
	return first, nil
}

// Search returns up to topK matches with similarity >= threshold, best first.
// Similarity maps cosine distance onto 0..1, 1 meaning identical direction.
func (x *Index) Search(query []float32, topK int, threshold float64) ([]Match, error) {
	if len(query) != x.cfg.Dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(query), x.cfg.Dimension)
	}
	qn := norm(query)
	if qn == 0 {
		return nil, ErrZeroVector
	}
	if topK <= 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	h := &matchHeap{}
	for i, vec := range x.vectors {
		cos := float64(vek32.Dot(query, vec)) / (float64(qn) * float64(x.norms[i]))
		sim := clamp01((1 + cos) / 2)
		if sim < threshold {
			continue
		}
		if h.Len() < topK {
			heap.Push(h, Match{FaceID: x.ids[i], Position: int64(i), Similarity: sim})
			continue
		}
		if sim > (*h)[0].Similarity {
			(*h)[0] = Match{FaceID: x.ids[i], Position: int64(i), Similarity: sim}
			heap.Fix(h, 0)
		}
	}

	out := make([]Match, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Match)
	}
	return out, nil
}

// Flush persists pending rows.
func (x *Index) Flush() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.flushLocked()
}

// Reset drops every vector in memory and on disk. Positions restart at zero.
func (x *Index) Reset() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, name := range []string{manifestFile, vectorsFile, idsFile} {
		if err := os.Remove(filepath.Join(x.cfg.Dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}
	x.vectors, x.norms, x.ids = nil, nil, nil
	x.persisted = manifest{}
	x.lastFlush = nil
	metrics.SetIndexSize(0)
	x.logger.Warn("vector index reset", zap.String("dir", x.cfg.Dir))
	return nil
}

// Size returns the number of vectors, pending ones included.
func (x *Index) Size() int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return int64(len(x.ids))
}

// Dimension returns the configured vector length.
func (x *Index) Dimension() int { return x.cfg.Dimension }

// Status reports size and flush state.
func (x *Index) Status() Status {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return Status{
		Dir:       x.cfg.Dir,
		Dimension: x.cfg.Dimension,
		Size:      int64(len(x.ids)),
		Pending:   x.pendingLocked(),
		LastFlush: x.lastFlush,
	}
}

// Close flushes pending rows.
func (x *Index) Close() error {
	return x.Flush()
}

func (x *Index) pendingLocked() int {
	return len(x.ids) - int(x.persisted.Count)
}

func (x *Index) flushLocked() error {
	pending := x.pendingLocked()
	if pending == 0 {
		return nil
	}
	started := time.Now()
	from := int(x.persisted.Count)

	vectorBytes, err := appendAt(filepath.Join(x.cfg.Dir, vectorsFile), x.persisted.VectorBytes, func(w io.Writer) error {
		for _, vec := range x.vectors[from:] {
			if err := binary.Write(w, binary.LittleEndian, vec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write vectors: %w", err)
	}
	idBytes, err := appendAt(filepath.Join(x.cfg.Dir, idsFile), x.persisted.IDBytes, func(w io.Writer) error {
		for _, id := range x.ids[from:] {
			if _, err := io.WriteString(w, id+"\n"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write ids: %w", err)
	}

	now := time.Now().UTC()
	next := manifest{
		Version:     manifestVersion,
		Dimension:   x.cfg.Dimension,
		Count:       int64(len(x.ids)),
		VectorBytes: x.persisted.VectorBytes + vectorBytes,
		IDBytes:     x.persisted.IDBytes + idBytes,
		UpdatedAt:   now,
	}
	if err := writeManifest(filepath.Join(x.cfg.Dir, manifestFile), next); err != nil {
		return err
	}
	x.persisted = next
	x.lastFlush = &now
	metrics.ObserveIndexFlush(time.Since(started))
	x.logger.Debug("vector index flushed", zap.Int("rows", pending), zap.Int64("size", next.Count))
	return nil
}

func (x *Index) load() error {
	data, err := os.ReadFile(filepath.Join(x.cfg.Dir, manifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("%w: manifest: %v", ErrCorruptData, err)
	}
	if m.Dimension != x.cfg.Dimension {
		return fmt.Errorf("%w: index has dimension %d, configured %d", ErrDimension, m.Dimension, x.cfg.Dimension)
	}
	if m.VectorBytes != m.Count*int64(m.Dimension)*4 {
		return fmt.Errorf("%w: %d rows but %d vector bytes", ErrCorruptData, m.Count, m.VectorBytes)
	}

	vectors, norms, err := readVectors(filepath.Join(x.cfg.Dir, vectorsFile), m)
	if err != nil {
		return err
	}
	ids, err := readIDs(filepath.Join(x.cfg.Dir, idsFile), m)
	if err != nil {
		return err
	}
	x.vectors, x.norms, x.ids = vectors, norms, ids
	x.persisted = m
	updated := m.UpdatedAt
	x.lastFlush = &updated
	return nil
}

func readVectors(path string, m manifest) ([][]float32, []float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open vectors: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(io.LimitReader(f, m.VectorBytes))
	vectors := make([][]float32, m.Count)
	norms := make([]float32, m.Count)
	for i := range vectors {
		vec := make([]float32, m.Dimension)
		if err := binary.Read(r, binary.LittleEndian, vec); err != nil {
			return nil, nil, fmt.Errorf("%w: row %d: %v", ErrCorruptData, i, err)
		}
		vectors[i] = vec
		norms[i] = norm(vec)
	}
	return vectors, norms, nil
}

func readIDs(path string, m manifest) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ids: %w", err)
	}
	defer f.Close()

	ids := make([]string, 0, m.Count)
	scanner := bufio.NewScanner(io.LimitReader(f, m.IDBytes))
	for scanner.Scan() {
		ids = append(ids, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ids: %w", err)
	}
	if int64(len(ids)) != m.Count {
		return nil, fmt.Errorf("%w: %d ids for %d rows", ErrCorruptData, len(ids), m.Count)
	}
	return ids, nil
}

// appendAt truncates path to offset, appends what write produces and fsyncs.
// It returns the number of bytes appended.
func appendAt(path string, offset int64, write func(io.Writer) error) (int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if err := f.Truncate(offset); err != nil {
		return 0, err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	bw := bufio.NewWriter(f)
	cw := &countingWriter{w: bw}
	if err := write(cw); err != nil {
		return 0, err
	}
	if err := bw.Flush(); err != nil {
		return 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, err
	}
	return cw.n, nil
}

func writeManifest(path string, m manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*")
	if err != nil {
		return fmt.Errorf("create manifest temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close manifest: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("commit manifest: %w", err)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func norm(vec []float32) float32 {
	return float32(math.Sqrt(float64(vek32.Dot(vec, vec))))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// matchHeap is a min-heap on similarity, so the weakest kept match sits on top.
type matchHeap []Match

func (h matchHeap) Len() int { return len(h) }
func (h matchHeap) Less(i, j int) bool {
	if h[i].Similarity == h[j].Similarity {
		return h[i].Position > h[j].Position
	}
	return h[i].Similarity < h[j].Similarity
}
func (h matchHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *matchHeap) Push(v any)   { *h = append(*h, v.(Match)) }
func (h *matchHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
