package embeddings

import (
	"context"
	"crypto/sha1" //nolint:gosec // bucket selection only, not security
	"errors"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrInvalidDimension is returned for a non-positive dimension.
var ErrInvalidDimension = errors.New("embedding dimension must be positive")

// Embedder produces embeddings for documents and queries.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

var tokenSplit = regexp.MustCompile(`[^a-z0-9]+`)

// Hashing is the feature-hashing Embedder. It is safe for concurrent use.
type Hashing struct {
	dim     int
	modulus *big.Int
	metrics *Metrics
}

// NewHashing creates a hashing embedder with the given dimension.
func NewHashing(dim int, logger *zap.Logger) (*Hashing, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDimension, dim)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hashing{
		dim:     dim,
		modulus: big.NewInt(int64(dim)),
		metrics: NewMetrics(logger),
	}, nil
}

// Dimension returns the vector width.
func (h *Hashing) Dimension() int { return h.dim }

// EmbedDocuments embeds each text. It never fails on content; empty text
// yields the zero vector.
func (h *Hashing) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.embed(t)
	}
	h.metrics.RecordGeneration(ctx, "documents", time.Since(start), len(texts))
	return out, nil
}

// EmbedQuery embeds a single text.
func (h *Hashing) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	v := h.embed(text)
	h.metrics.RecordGeneration(ctx, "query", time.Since(start), 1)
	return v, nil
}

// Tokenize returns the normalized tokens of text.
func Tokenize(text string) []string {
	parts := tokenSplit.Split(strings.ToLower(text), -1)
	tokens := parts[:0]
	for _, p := range parts {
		if p != "" {
			tokens = append(tokens, p)
		}
	}
	return tokens
}

func (h *Hashing) bucket(token string) int {
	sum := sha1.Sum([]byte(token)) //nolint:gosec
	n := new(big.Int).SetBytes(sum[:])
	return int(n.Mod(n, h.modulus).Int64())
}

func (h *Hashing) embed(text string) []float32 {
	counts := make([]float64, h.dim)
	for _, tok := range Tokenize(text) {
		counts[h.bucket(tok)]++
	}

	var norm float64
	for _, c := range counts {
		norm += c * c
	}
	norm = math.Sqrt(norm)

	vec := make([]float32, h.dim)
	if norm == 0 {
		return vec
	}
	for i, c := range counts {
		vec[i] = float32(c / norm)
	}
	return vec
}
