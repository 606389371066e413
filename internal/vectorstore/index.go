package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/assistd/internal/embeddings"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Sentinel errors for index operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrLengthMismatch is returned when texts and metadatas differ in length.
	ErrLengthMismatch = errors.New("texts and metadatas must have the same length")

	// ErrCorruptIndex is returned when the files on disk disagree.
	ErrCorruptIndex = errors.New("vector index corrupt")

	// ErrPersist wraps I/O failures while committing an add or delete.
	// The in-memory index is left unchanged when it is returned.
	ErrPersist = errors.New("vector index persist failed")
)

// Metadata is the JSON-serializable record stored with each vector.
type Metadata map[string]any

// Result is one search hit.
type Result struct {
	ID       int64    `json:"vector_id"`
	Score    float32  `json:"score"`
	Metadata Metadata `json:"metadata"`
}

// Config configures an Index.
type Config struct {
	// Dir holds the vector and metadata files. Empty keeps the index in
	// memory only, which is meant for tests.
	Dir string

	// Dim is the vector width. Zero takes the embedder's dimension.
	Dim int
}

// Validate checks the configuration against the embedder.
func (c *Config) Validate(emb embeddings.Embedder) error {
	if emb == nil {
		return fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if c.Dim <= 0 {
		return fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidConfig, c.Dim)
	}
	if c.Dim != emb.Dimension() {
		return fmt.Errorf("%w: dimension %d does not match embedder dimension %d",
			ErrInvalidConfig, c.Dim, emb.Dimension())
	}
	return nil
}

// Index is an append-only exact inner-product index.
type Index struct {
	cfg      Config
	embedder embeddings.Embedder
	logger   *zap.Logger
	tracer   trace.Tracer

	mu    sync.RWMutex
	state *snapshot
}

// New opens the index in cfg.Dir, loading existing files if present.
func New(cfg Config, embedder embeddings.Embedder, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dim == 0 && embedder != nil {
		cfg.Dim = embedder.Dimension()
	}
	if err := cfg.Validate(embedder); err != nil {
		return nil, err
	}

	idx := &Index{
		cfg:      cfg,
		embedder: embedder,
		logger:   logger,
		tracer:   otel.Tracer("github.com/fyrsmithlabs/assistd/internal/vectorstore"),
		state:    &snapshot{dim: cfg.Dim},
	}

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
		s, ok, err := load(cfg.Dir)
		if err != nil {
			return nil, err
		}
		if ok {
			if s.dim != cfg.Dim {
				return nil, fmt.Errorf("%w: stored dimension %d, configured %d", ErrInvalidConfig, s.dim, cfg.Dim)
			}
			idx.state = s
		}
	}

	indexVectors.Set(float64(len(idx.state.ids)))
	logger.Info("vector index opened",
		zap.String("dir", cfg.Dir),
		zap.Int("dim", cfg.Dim),
		zap.Int("vectors", len(idx.state.ids)),
		zap.Uint64("generation", idx.state.generation),
	)
	return idx, nil
}

// Add embeds texts and appends them with their metadata, returning the
// assigned vector IDs in order. The commit is all or nothing: on error no
// entry is visible and no ID is consumed.
func (x *Index) Add(ctx context.Context, texts []string, metadatas []Metadata) ([]int64, error) {
	ctx, span := x.tracer.Start(ctx, "vectorstore.add")
	defer span.End()
	span.SetAttributes(attribute.Int("texts", len(texts)))

	if len(texts) != len(metadatas) {
		return nil, fmt.Errorf("%w: %d texts, %d metadatas", ErrLengthMismatch, len(texts), len(metadatas))
	}
	if len(texts) == 0 {
		return nil, nil
	}

	vecs, err := x.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return nil, fmt.Errorf("embed texts: %w", err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prev := x.state
	next := &snapshot{
		dim:        prev.dim,
		generation: prev.generation + 1,
		nextID:     prev.nextID,
		ids:        slices.Clip(prev.ids),
		vectors:    slices.Clip(prev.vectors),
		meta:       slices.Clip(prev.meta),
	}

	ids := make([]int64, len(texts))
	for i := range texts {
		ids[i] = next.nextID
		next.nextID++
		next.ids = append(next.ids, ids[i])
		next.vectors = append(next.vectors, vecs[i])
		next.meta = append(next.meta, cloneMetadata(metadatas[i]))
	}

	if err := x.persist(next, prev); err != nil {
		indexOps.WithLabelValues("add", "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		x.logger.Error("vector add failed", zap.Int("texts", len(texts)), zap.Error(err))
		return nil, err
	}

	x.state = next
	indexOps.WithLabelValues("add", "ok").Inc()
	indexVectors.Set(float64(len(next.ids)))
	return ids, nil
}

// Search returns up to min(k, Count()) entries ordered by descending inner
// product with the query embedding. Ties keep insertion order. A blank
// query, k <= 0 or an empty index yields no results.
func (x *Index) Search(ctx context.Context, query string, k int) ([]Result, error) {
	ctx, span := x.tracer.Start(ctx, "vectorstore.search")
	defer span.End()
	start := time.Now()
	defer func() { searchDuration.Observe(time.Since(start).Seconds()) }()

	if strings.TrimSpace(query) == "" || k <= 0 {
		return []Result{}, nil
	}

	qvec, err := x.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("embed query: %w", err)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	s := x.state
	n := len(s.ids)
	if n == 0 {
		return []Result{}, nil
	}

	order := make([]int, n)
	scores := make([]float32, n)
	for i, v := range s.vectors {
		order[i] = i
		scores[i] = dot(qvec, v)
	}
	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case scores[a] > scores[b]:
			return -1
		case scores[a] < scores[b]:
			return 1
		default:
			return 0
		}
	})

	k = min(k, n)
	results := make([]Result, k)
	for i, pos := range order[:k] {
		results[i] = Result{ID: s.ids[pos], Score: scores[pos], Metadata: cloneMetadata(s.meta[pos])}
	}

	span.SetAttributes(attribute.Int("k", k), attribute.Int("vectors", n))
	indexOps.WithLabelValues("search", "ok").Inc()
	return results, nil
}

// Delete removes every entry whose metadata matches. It returns the number
// removed. Removed IDs are never reassigned.
func (x *Index) Delete(ctx context.Context, match func(Metadata) bool) (int, error) {
	ctx, span := x.tracer.Start(ctx, "vectorstore.delete")
	defer span.End()

	x.mu.Lock()
	defer x.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	prev := x.state
	next := &snapshot{
		dim:        prev.dim,
		generation: prev.generation + 1,
		nextID:     prev.nextID,
	}
	for i, m := range prev.meta {
		if match(m) {
			continue
		}
		next.ids = append(next.ids, prev.ids[i])
		next.vectors = append(next.vectors, prev.vectors[i])
		next.meta = append(next.meta, m)
	}

	removed := len(prev.ids) - len(next.ids)
	span.SetAttributes(attribute.Int("removed", removed))
	if removed == 0 {
		return 0, nil
	}

	if err := x.persist(next, prev); err != nil {
		indexOps.WithLabelValues("delete", "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return 0, err
	}

	x.state = next
	indexOps.WithLabelValues("delete", "ok").Inc()
	indexVectors.Set(float64(len(next.ids)))
	return removed, nil
}

// Count returns the number of stored vectors.
func (x *Index) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.state.ids)
}

// Dimension returns the vector width.
func (x *Index) Dimension() int {
	return x.cfg.Dim
}

func (x *Index) persist(next, prev *snapshot) error {
	if x.cfg.Dir == "" {
		return nil
	}
	if len(prev.ids) == 0 && prev.generation == 0 {
		prev = nil
	}
	return commit(x.cfg.Dir, next, prev)
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func cloneMetadata(m Metadata) Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
