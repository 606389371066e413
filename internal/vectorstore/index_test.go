package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/assistd/internal/embeddings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEmbedder(t *testing.T, dim int) *embeddings.Hashing {
	t.Helper()
	emb, err := embeddings.NewHashing(dim, nil)
	require.NoError(t, err)
	return emb
}

func newIndex(t *testing.T, dir string) *Index {
	t.Helper()
	idx, err := New(Config{Dir: dir}, newEmbedder(t, 128), nil)
	require.NoError(t, err)
	return idx
}

func meta(id string) Metadata {
	return Metadata{"message_id": id}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Dim: 64}, newEmbedder(t, 128), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestIndex_Add(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns sequential ids", func(t *testing.T) {
		idx := newIndex(t, t.TempDir())
		ids, err := idx.Add(ctx, []string{"a", "b"}, []Metadata{meta("1"), meta("2")})
		require.NoError(t, err)
		assert.Equal(t, []int64{0, 1}, ids)

		ids, err = idx.Add(ctx, []string{"c"}, []Metadata{meta("3")})
		require.NoError(t, err)
		assert.Equal(t, []int64{2}, ids)
		assert.Equal(t, 3, idx.Count())
	})

	t.Run("length mismatch", func(t *testing.T) {
		idx := newIndex(t, "")
		_, err := idx.Add(ctx, []string{"a", "b"}, []Metadata{meta("1")})
		assert.ErrorIs(t, err, ErrLengthMismatch)
		assert.Zero(t, idx.Count())
	})

	t.Run("empty batch", func(t *testing.T) {
		idx := newIndex(t, "")
		ids, err := idx.Add(ctx, nil, nil)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("caller metadata is copied", func(t *testing.T) {
		idx := newIndex(t, "")
		m := meta("1")
		_, err := idx.Add(ctx, []string{"alpha"}, []Metadata{m})
		require.NoError(t, err)
		m["message_id"] = "changed"

		res, err := idx.Search(ctx, "alpha", 1)
		require.NoError(t, err)
		assert.Equal(t, "1", res[0].Metadata["message_id"])
	})
}

func TestIndex_SearchCardinality(t *testing.T) {
	ctx := context.Background()
	idx := newIndex(t, "")

	res, err := idx.Search(ctx, "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, res, "empty index")

	texts := []string{"one fish", "two fish", "red fish", "blue fish"}
	metas := make([]Metadata, len(texts))
	for i := range texts {
		metas[i] = meta(fmt.Sprint(i))
	}
	_, err = idx.Add(ctx, texts, metas)
	require.NoError(t, err)

	for k := 0; k <= len(texts)+2; k++ {
		res, err := idx.Search(ctx, "fish", k)
		require.NoError(t, err)
		assert.Len(t, res, min(k, len(texts)), "k=%d", k)
	}

	res, err = idx.Search(ctx, "   ", 3)
	require.NoError(t, err)
	assert.Empty(t, res, "blank query")
}

func TestIndex_SearchOrdering(t *testing.T) {
	ctx := context.Background()
	idx, err := New(Config{}, newEmbedder(t, 768), nil)
	require.NoError(t, err)

	_, err = idx.Add(ctx,
		[]string{"quantum mechanics deals with particles", "the quick brown fox jumps over the lazy dog"},
		[]Metadata{meta("physics"), meta("fox")},
	)
	require.NoError(t, err)

	res, err := idx.Search(ctx, "quick fox jumps dog", 2)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "fox", res[0].Metadata["message_id"])
	assert.GreaterOrEqual(t, res[0].Score, res[1].Score)

	res, err = idx.Search(ctx, "the quick brown fox jumps over the lazy dog", 1)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res[0].Score, 1e-5, "self match")
}

func TestIndex_ZeroVectorQueryKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	idx := newIndex(t, "")
	_, err := idx.Add(ctx, []string{"a", "b", "c"}, []Metadata{meta("a"), meta("b"), meta("c")})
	require.NoError(t, err)

	res, err := idx.Search(ctx, "?!", 2)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, int64(0), res[0].ID)
	assert.Equal(t, int64(1), res[1].ID)
	assert.Zero(t, res[0].Score)
}

func TestIndex_Persistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	idx := newIndex(t, dir)
	_, err := idx.Add(ctx, []string{"local first assistant", "budget ledger"}, []Metadata{meta("m1"), meta("m2")})
	require.NoError(t, err)

	reopened := newIndex(t, dir)
	assert.Equal(t, 2, reopened.Count())

	res, err := reopened.Search(ctx, "budget ledger", 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "m2", res[0].Metadata["message_id"])

	ids, err := reopened.Add(ctx, []string{"third"}, []Metadata{meta("m3")})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)
}

func TestIndex_CorruptionDetected(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) string {
		dir := t.TempDir()
		idx := newIndex(t, dir)
		_, err := idx.Add(ctx, []string{"x"}, []Metadata{meta("x")})
		require.NoError(t, err)
		return dir
	}

	t.Run("generation mismatch", func(t *testing.T) {
		dir := setup(t)
		path := filepath.Join(dir, metaFileName)
		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		var mf map[string]any
		require.NoError(t, json.Unmarshal(raw, &mf))
		mf["generation"] = 99
		raw, err = json.Marshal(mf)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, raw, 0o600))

		_, err = New(Config{Dir: dir}, newEmbedder(t, 128), nil)
		assert.ErrorIs(t, err, ErrCorruptIndex)
	})

	t.Run("previous vectors from another generation", func(t *testing.T) {
		dir := setup(t)
		vecPath := filepath.Join(dir, vectorFileName)
		raw, err := os.ReadFile(vecPath)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, prevFileName), raw, 0o600))

		path := filepath.Join(dir, metaFileName)
		raw, err = os.ReadFile(path)
		require.NoError(t, err)
		var mf map[string]any
		require.NoError(t, json.Unmarshal(raw, &mf))
		mf["generation"] = 99
		raw, err = json.Marshal(mf)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, raw, 0o600))

		_, err = New(Config{Dir: dir}, newEmbedder(t, 128), nil)
		assert.ErrorIs(t, err, ErrCorruptIndex)
	})

	t.Run("metadata missing", func(t *testing.T) {
		dir := setup(t)
		require.NoError(t, os.Remove(filepath.Join(dir, metaFileName)))

		_, err := New(Config{Dir: dir}, newEmbedder(t, 128), nil)
		assert.ErrorIs(t, err, ErrCorruptIndex)
	})

	t.Run("garbage vectors", func(t *testing.T) {
		dir := setup(t)
		require.NoError(t, os.WriteFile(filepath.Join(dir, vectorFileName), []byte("not zstd"), 0o600))

		_, err := New(Config{Dir: dir}, newEmbedder(t, 128), nil)
		assert.ErrorIs(t, err, ErrCorruptIndex)
	})

	t.Run("dimension change", func(t *testing.T) {
		dir := setup(t)
		_, err := New(Config{Dir: dir}, newEmbedder(t, 64), nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestIndex_RecoversFromInterruptedCommit(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	idx := newIndex(t, dir)
	_, err := idx.Add(ctx, []string{"first"}, []Metadata{meta("m1")})
	require.NoError(t, err)
	_, err = idx.Add(ctx, []string{"second"}, []Metadata{meta("m2")})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, prevFileName))
	require.ErrorIs(t, err, os.ErrNotExist, "completed commits leave no previous copy")

	vecPath := filepath.Join(dir, vectorFileName)
	metaPath := filepath.Join(dir, metaFileName)
	oldVectors, err := os.ReadFile(vecPath)
	require.NoError(t, err)
	oldMeta, err := os.ReadFile(metaPath)
	require.NoError(t, err)

	_, err = idx.Add(ctx, []string{"third"}, []Metadata{meta("m3")})
	require.NoError(t, err)

	// State after a crash between the two renames: new vectors, old
	// metadata and the previous vectors kept aside.
	require.NoError(t, os.WriteFile(filepath.Join(dir, prevFileName), oldVectors, 0o600))
	require.NoError(t, os.WriteFile(metaPath, oldMeta, 0o600))

	reopened := newIndex(t, dir)
	assert.Equal(t, 2, reopened.Count())
	_, err = os.Stat(filepath.Join(dir, prevFileName))
	assert.ErrorIs(t, err, os.ErrNotExist, "previous vectors moved back into place")
	restored, err := os.ReadFile(vecPath)
	require.NoError(t, err)
	assert.Equal(t, oldVectors, restored)

	res, err := reopened.Search(ctx, "second", 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "m2", res[0].Metadata["message_id"])

	ids, err := reopened.Add(ctx, []string{"again"}, []Metadata{meta("m4")})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)
	assert.Equal(t, 3, newIndex(t, dir).Count())
}

func TestIndex_AddPersistFailureLeavesIndexUnchanged(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	idx := newIndex(t, dir)

	// A non-empty directory in place of the vector file makes the rename fail.
	blocker := filepath.Join(dir, vectorFileName)
	require.NoError(t, os.MkdirAll(filepath.Join(blocker, "x"), 0o700))

	_, err := idx.Add(ctx, []string{"doomed"}, []Metadata{meta("d")})
	require.ErrorIs(t, err, ErrPersist)
	assert.Zero(t, idx.Count())

	res, err := idx.Search(ctx, "doomed", 5)
	require.NoError(t, err)
	assert.Empty(t, res)

	require.NoError(t, os.RemoveAll(blocker))
	ids, err := idx.Add(ctx, []string{"ok"}, []Metadata{meta("ok")})
	require.NoError(t, err)
	assert.Equal(t, []int64{0}, ids, "failed add must not consume ids")
}

func TestIndex_Delete(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	idx := newIndex(t, dir)

	_, err := idx.Add(ctx, []string{"keep me", "drop me", "drop too"},
		[]Metadata{meta("k"), meta("d1"), meta("d2")})
	require.NoError(t, err)

	removed, err := idx.Delete(ctx, func(m Metadata) bool {
		id, _ := m["message_id"].(string)
		return id == "d1" || id == "d2"
	})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, idx.Count())

	reopened := newIndex(t, dir)
	assert.Equal(t, 1, reopened.Count())
	ids, err := reopened.Add(ctx, []string{"new"}, []Metadata{meta("n")})
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids, "deleted ids are not reused")

	removed, err = reopened.Delete(ctx, func(Metadata) bool { return false })
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestIndex_ConcurrentAdd(t *testing.T) {
	ctx := context.Background()
	idx := newIndex(t, t.TempDir())

	const workers, perWorker = 8, 5
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		all []int64
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ids, err := idx.Add(ctx, []string{fmt.Sprintf("w%d-%d", w, i)}, []Metadata{meta("x")})
				assert.NoError(t, err)
				mu.Lock()
				all = append(all, ids...)
				mu.Unlock()
				_, _ = idx.Search(ctx, "w1", 3)
			}
		}(w)
	}
	wg.Wait()

	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	require.Len(t, all, workers*perWorker)
	for i, id := range all {
		assert.Equal(t, int64(i), id)
	}
	assert.Equal(t, workers*perWorker, newIndex(t, idx.cfg.Dir).Count())
}
