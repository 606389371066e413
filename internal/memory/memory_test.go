package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/assistd/internal/cache"
	"github.com/fyrsmithlabs/assistd/internal/conversation"
	"github.com/fyrsmithlabs/assistd/internal/embeddings"
	"github.com/fyrsmithlabs/assistd/internal/privacy"
	"github.com/fyrsmithlabs/assistd/internal/storage"
	"github.com/fyrsmithlabs/assistd/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *conversation.Store
	index   *vectorstore.Index
	indexer *Indexer
	convID  string
}

func newFixture(t *testing.T, opts ...conversation.Option) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := storage.Open(ctx, storage.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := conversation.NewStore(ctx, db, nil, opts...)
	require.NoError(t, err)

	emb, err := embeddings.NewHashing(256, nil)
	require.NoError(t, err)
	idx, err := vectorstore.New(vectorstore.Config{}, emb, nil)
	require.NoError(t, err)

	c, err := store.CreateConversation(ctx, "test")
	require.NoError(t, err)

	return &fixture{store: store, index: idx, indexer: NewIndexer(idx, 16, nil), convID: c.ID}
}

// add stores a message and indexes it synchronously.
func (f *fixture) add(t *testing.T, content string) conversation.Message {
	t.Helper()
	ctx := context.Background()
	m, err := f.store.StoreMessage(ctx, f.convID, conversation.RoleUser, content, 3, "")
	require.NoError(t, err)
	require.NoError(t, f.indexer.IndexMessage(ctx, m))
	return m
}

// countingCache wraps a cache and counts calls.
type countingCache struct {
	cache.Cache
	mu         sync.Mutex
	healthy    bool
	gets, sets int
}

func (c *countingCache) Get(ctx context.Context, key string, dst any) (bool, error) {
	c.mu.Lock()
	c.gets++
	c.mu.Unlock()
	return c.Cache.Get(ctx, key, dst)
}

func (c *countingCache) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	c.mu.Lock()
	c.sets++
	c.mu.Unlock()
	return c.Cache.Set(ctx, key, v, ttl)
}

func (c *countingCache) Healthy(context.Context) bool { return c.healthy }

func newBadger(t *testing.T) *cache.Badger {
	t.Helper()
	b, err := cache.OpenBadger(cache.BadgerConfig{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSearcher_RanksRelevantMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	fox := f.add(t, "the quick brown fox jumps over the lazy dog")
	f.add(t, "quantum mechanics deals with particles")

	s := NewSearcher(f.index, f.store, nil, nil)
	got, err := s.Search(ctx, "quick fox jumps dog")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, fox.ID, got[0].ID)
	assert.Equal(t, fox.Content, got[0].Content)
}

func TestSearcher_SkipsDeletedMessages(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, conversation.WithClock(func() time.Time { return now }))

	f.add(t, "old note about gardening")
	now = now.Add(time.Hour)
	keep := f.add(t, "new note about gardening")

	_, err := f.store.DeleteMessagesOlderThan(ctx, now.Add(-time.Minute))
	require.NoError(t, err)

	s := NewSearcher(f.index, f.store, nil, nil)
	got, err := s.Search(ctx, "gardening note")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, keep.ID, got[0].ID)
}

func TestSearcher_CachesResults(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.add(t, "remember to buy oat milk")

	cc := &countingCache{Cache: newBadger(t), healthy: true}
	s := NewSearcher(f.index, f.store, cc, nil, WithK(3))

	first, err := s.Search(ctx, "oat milk")
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, cc.sets)

	// Later messages are invisible until the cached entry expires.
	f.add(t, "oat milk is in the fridge")

	second, err := s.Search(ctx, "oat milk")
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, m.ID, second[0].ID)
	assert.Equal(t, m.Content, second[0].Content)
	assert.True(t, m.Timestamp.Equal(second[0].Timestamp))
	assert.Equal(t, 1, cc.sets, "hit does not rewrite")
}

func TestSearcher_UnhealthyCacheIsBypassed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, "remember to buy oat milk")

	healthy := &countingCache{Cache: newBadger(t), healthy: true}
	sick := &countingCache{Cache: newBadger(t), healthy: false}

	want, err := NewSearcher(f.index, f.store, healthy, nil).Search(ctx, "oat milk")
	require.NoError(t, err)
	got, err := NewSearcher(f.index, f.store, sick, nil).Search(ctx, "oat milk")
	require.NoError(t, err)

	assert.Equal(t, want, got)
	assert.Zero(t, sick.gets)
	assert.Zero(t, sick.sets)
}

type failingGetter struct{}

func (failingGetter) GetMessage(context.Context, string) (conversation.Message, error) {
	return conversation.Message{}, errors.New("database is locked")
}

func TestSearcher_StoreErrorPropagates(t *testing.T) {
	f := newFixture(t)
	f.add(t, "anything at all")

	_, err := NewSearcher(f.index, failingGetter{}, nil, nil).Search(context.Background(), "anything")
	assert.Error(t, err)
}

func TestIndexer_RunIndexesQueuedMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)
	f.store.OnMessageStored(f.indexer.Enqueue)

	done := make(chan struct{})
	go func() {
		f.indexer.Run(ctx)
		close(done)
	}()

	for _, text := range []string{"alpha", "beta", "gamma"} {
		_, err := f.store.StoreMessage(ctx, f.convID, conversation.RoleUser, text, 1, "")
		require.NoError(t, err)
	}

	f.indexer.Close()
	<-done
	assert.Equal(t, 3, f.index.Count())

	// Closed indexers drop new work silently.
	f.indexer.Enqueue(conversation.Message{ID: "late", Content: "late"})
	assert.Equal(t, 3, f.index.Count())
}

func TestIndexer_FullQueueDropsWithoutBlocking(t *testing.T) {
	f := newFixture(t)
	x := NewIndexer(f.index, 1, nil)

	x.Enqueue(conversation.Message{ID: "1", Content: "one"})
	x.Enqueue(conversation.Message{ID: "2", Content: "two"})

	x.Close()
	x.Run(context.Background())
	assert.Equal(t, 1, f.index.Count())
}

func TestRetentionSweeper_Sweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	f := newFixture(t, conversation.WithClock(clock))

	f.add(t, "expired message")
	now = now.Add(40 * 24 * time.Hour)
	fresh := f.add(t, "recent message")

	settings := privacy.NewService(privacy.NewMemoryStore(privacy.Settings{
		PrivacyLevel:         privacy.LevelLocalOnly,
		DataRetentionDays:    30,
		RedactAggressiveness: privacy.AggressivenessStandard,
	}), nil, nil)

	r := NewRetentionSweeper(f.store, f.index, settings, nil, WithRetentionClock(clock))
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.index.Count())

	hits, err := f.index.Search(ctx, "message", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, fresh.ID, hits[0].Metadata[MetaMessageID])

	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	zero := 0
	_, err = settings.UpdateSettings(ctx, privacy.Update{DataRetentionDays: &zero})
	require.NoError(t, err)
	now = now.Add(365 * 24 * time.Hour)
	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "zero retention keeps everything")
}

func TestRetentionSweeper_StartRejectsBadSchedule(t *testing.T) {
	f := newFixture(t)
	settings := privacy.NewService(privacy.NewMemoryStore(privacy.Settings{}), nil, nil)
	r := NewRetentionSweeper(f.store, f.index, settings, nil)

	assert.Error(t, r.Start(context.Background(), "not a schedule"))
	require.NoError(t, r.Start(context.Background(), "@hourly"))
	assert.Error(t, r.Start(context.Background(), "@hourly"))
	r.Stop()
}

// flakyIndex fails the first n deletes.
type flakyIndex struct {
	VectorIndex
	fail int
}

func (f *flakyIndex) Delete(ctx context.Context, match func(vectorstore.Metadata) bool) (int, error) {
	if f.fail > 0 {
		f.fail--
		return 0, vectorstore.ErrPersist
	}
	return f.VectorIndex.Delete(ctx, match)
}

func retentionSettings(days int) *privacy.Service {
	return privacy.NewService(privacy.NewMemoryStore(privacy.Settings{
		PrivacyLevel:         privacy.LevelLocalOnly,
		DataRetentionDays:    days,
		RedactAggressiveness: privacy.AggressivenessStandard,
	}), nil, nil)
}

func TestRetentionSweeper_RetriesAfterFailedVectorPurge(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	f := newFixture(t, conversation.WithClock(clock))

	old := f.add(t, "expired message")
	now = now.Add(40 * 24 * time.Hour)
	f.add(t, "recent message")

	idx := &flakyIndex{VectorIndex: f.index, fail: 1}
	r := NewRetentionSweeper(f.store, idx, retentionSettings(30), nil, WithRetentionClock(clock))

	n, err := r.Sweep(ctx)
	require.ErrorIs(t, err, vectorstore.ErrPersist)
	assert.Zero(t, n)
	_, err = f.store.GetMessage(ctx, old.ID)
	require.NoError(t, err, "message survives until its vectors are gone")
	assert.Equal(t, 2, f.index.Count())

	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.index.Count())
	_, err = f.store.GetMessage(ctx, old.ID)
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestRetentionSweeper_PurgesVectorsIndexedAfterDelete(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	f := newFixture(t, conversation.WithClock(clock))

	m, err := f.store.StoreMessage(ctx, f.convID, conversation.RoleUser, "slow to embed", 3, "")
	require.NoError(t, err)
	now = now.Add(40 * 24 * time.Hour)

	// The message is deleted before the indexer gets to it.
	ids, err := f.store.DeleteMessagesOlderThan(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{m.ID}, ids)
	require.NoError(t, f.indexer.IndexMessage(ctx, m))
	require.Equal(t, 1, f.index.Count())

	r := NewRetentionSweeper(f.store, f.index, retentionSettings(30), nil, WithRetentionClock(clock))
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, f.index.Count())
}

func TestRetentionSweeper_InvalidatesSearchCache(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	f := newFixture(t, conversation.WithClock(clock))
	f.add(t, "remember to buy oat milk")

	s := NewSearcher(f.index, f.store, &countingCache{Cache: newBadger(t), healthy: true}, nil)
	before, err := s.Search(ctx, "oat milk")
	require.NoError(t, err)
	require.Len(t, before, 1)

	now = now.Add(40 * 24 * time.Hour)
	hooked := 0
	r := NewRetentionSweeper(f.store, f.index, retentionSettings(30), nil,
		WithRetentionClock(clock),
		WithPurgeHook(s.Invalidate),
		WithPurgeHook(func() { hooked++ }),
	)
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, hooked)

	after, err := s.Search(ctx, "oat milk")
	require.NoError(t, err)
	assert.Empty(t, after)

	// Nothing to remove, nothing to invalidate.
	_, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, hooked)
}
