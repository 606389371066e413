package memory

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/assistd/internal/cache"
	"github.com/fyrsmithlabs/assistd/internal/conversation"
	"github.com/fyrsmithlabs/assistd/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Defaults for Searcher.
const (
	DefaultK        = 5
	DefaultCacheTTL = 5 * time.Minute
	cacheNamespace  = "memory"
)

// Metadata keys written with every indexed message.
const (
	MetaMessageID      = "message_id"
	MetaConversationID = "conversation_id"
	MetaRole           = "role"
	MetaMode           = "mode"
	MetaTimestamp      = "timestamp"
)

// VectorIndex is the subset of the vector index memory uses.
type VectorIndex interface {
	Add(ctx context.Context, texts []string, metadatas []vectorstore.Metadata) ([]int64, error)
	Search(ctx context.Context, query string, k int) ([]vectorstore.Result, error)
	Delete(ctx context.Context, match func(vectorstore.Metadata) bool) (int, error)
}

// MessageGetter fetches authoritative messages.
type MessageGetter interface {
	GetMessage(ctx context.Context, id string) (conversation.Message, error)
}

// cachedMessage is the projection stored in the cache.
type cachedMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	Mode           string    `json:"mode"`
}

// Searcher runs semantic search over stored messages.
type Searcher struct {
	index        VectorIndex
	messages     MessageGetter
	cache        cache.Cache
	logger       *zap.Logger
	tracer       trace.Tracer
	k            int
	ttl          time.Duration
	cacheTimeout time.Duration

	// generation is part of every cache key; bumping it orphans all
	// cached results.
	generation atomic.Int64
}

// SearcherOption configures a Searcher.
type SearcherOption func(*Searcher)

// WithK sets how many vector hits are requested.
func WithK(k int) SearcherOption {
	return func(s *Searcher) {
		if k > 0 {
			s.k = k
		}
	}
}

// WithCacheTTL sets how long results are cached.
func WithCacheTTL(ttl time.Duration) SearcherOption {
	return func(s *Searcher) { s.ttl = ttl }
}

// WithCacheTimeout bounds each cache call.
func WithCacheTimeout(d time.Duration) SearcherOption {
	return func(s *Searcher) { s.cacheTimeout = d }
}

// NewSearcher builds a Searcher. A nil cache disables caching.
func NewSearcher(index VectorIndex, messages MessageGetter, c cache.Cache, logger *zap.Logger, opts ...SearcherOption) *Searcher {
	if c == nil {
		c = cache.Disabled{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Searcher{
		index:        index,
		messages:     messages,
		cache:        c,
		logger:       logger,
		tracer:       otel.Tracer("github.com/fyrsmithlabs/assistd/internal/memory"),
		k:            DefaultK,
		ttl:          DefaultCacheTTL,
		cacheTimeout: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.generation.Store(time.Now().UnixNano())
	return s
}

// Invalidate drops every cached result. Call it after messages are
// deleted so cached projections stop returning them.
func (s *Searcher) Invalidate() {
	s.generation.Add(1)
}

// Search returns the stored messages most similar to query, best first.
// Hits whose message no longer exists are skipped.
func (s *Searcher) Search(ctx context.Context, query string) ([]conversation.Message, error) {
	ctx, span := s.tracer.Start(ctx, "memory.search")
	defer span.End()

	key, err := cache.Key(cacheNamespace, []any{query, s.generation.Load()})
	if err != nil {
		return nil, err
	}

	useCache := s.cacheHealthy(ctx)
	if useCache {
		var cached []cachedMessage
		if ok := s.cacheGet(ctx, key, &cached); ok {
			span.SetAttributes(attribute.Bool("cache_hit", true), attribute.Int("results", len(cached)))
			return fromCache(cached), nil
		}
	}

	hits, err := s.index.Search(ctx, query, s.k)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("vector search: %w", err)
	}

	out := make([]conversation.Message, 0, len(hits))
	for _, h := range hits {
		id, _ := h.Metadata[MetaMessageID].(string)
		if id == "" {
			continue
		}
		m, err := s.messages.GetMessage(ctx, id)
		if errors.Is(err, conversation.ErrNotFound) {
			continue
		}
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("load message %s: %w", id, err)
		}
		out = append(out, m)
	}

	if useCache {
		s.cacheSet(ctx, key, toCache(out))
	}
	span.SetAttributes(attribute.Bool("cache_hit", false), attribute.Int("results", len(out)))
	return out, nil
}

func (s *Searcher) cacheHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.cacheTimeout)
	defer cancel()
	return s.cache.Healthy(ctx)
}

func (s *Searcher) cacheGet(ctx context.Context, key string, dst any) bool {
	ctx, cancel := context.WithTimeout(ctx, s.cacheTimeout)
	defer cancel()
	ok, err := s.cache.Get(ctx, key, dst)
	if err != nil {
		s.logger.Debug("memory cache read failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return ok
}

func (s *Searcher) cacheSet(ctx context.Context, key string, v any) {
	ctx, cancel := context.WithTimeout(ctx, s.cacheTimeout)
	defer cancel()
	if err := s.cache.Set(ctx, key, v, s.ttl); err != nil {
		s.logger.Debug("memory cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func toCache(msgs []conversation.Message) []cachedMessage {
	out := make([]cachedMessage, len(msgs))
	for i, m := range msgs {
		out[i] = cachedMessage{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			Role:           m.Role,
			Content:        m.Content,
			Timestamp:      m.Timestamp,
			Mode:           m.Mode,
		}
	}
	return out
}

func fromCache(cached []cachedMessage) []conversation.Message {
	out := make([]conversation.Message, len(cached))
	for i, c := range cached {
		out[i] = conversation.Message{
			ID:             c.ID,
			ConversationID: c.ConversationID,
			Role:           c.Role,
			Content:        c.Content,
			Timestamp:      c.Timestamp,
			Mode:           c.Mode,
		}
	}
	return out
}
