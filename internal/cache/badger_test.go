package cache

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openMemory(t *testing.T, opts ...Option) *Badger {
	t.Helper()
	c, err := OpenBadger(BadgerConfig{InMemory: true}, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

type payload struct {
	Query string   `json:"query"`
	Items []string `json:"items"`
}

func TestBadger_SetGet(t *testing.T) {
	ctx := context.Background()
	c := openMemory(t)

	want := payload{Query: "q", Items: []string{"a", "b"}}
	require.NoError(t, c.Set(ctx, "k", want, time.Minute))

	var got payload
	ok, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)

	ok, err = c.Get(ctx, "missing", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBadger_LastWriterWins(t *testing.T) {
	ctx := context.Background()
	c := openMemory(t)

	require.NoError(t, c.Set(ctx, "k", 1, time.Minute))
	require.NoError(t, c.Set(ctx, "k", 2, time.Minute))

	var got int
	ok, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, got)
}

func TestBadger_NeverReturnsExpired(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	c := openMemory(t, WithClock(clock.Now))

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	clock.Advance(59 * time.Second)

	var got string
	ok, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(time.Second)
	ok, err = c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, ok, "value at its deadline is expired")
}

func TestBadger_NonPositiveTTLIsNoop(t *testing.T) {
	ctx := context.Background()
	c := openMemory(t)

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	var got string
	ok, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBadger_Healthy(t *testing.T) {
	ctx := context.Background()
	c, err := OpenBadger(BadgerConfig{InMemory: true}, nil)
	require.NoError(t, err)

	assert.True(t, c.Healthy(ctx))

	require.NoError(t, c.Close())
	assert.False(t, c.Healthy(ctx))

	_, err = c.Get(ctx, "k", new(string))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBadger_CanceledContext(t *testing.T) {
	c := openMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, c.Set(ctx, "k", "v", time.Minute), context.Canceled)
	assert.False(t, c.Healthy(ctx))
}

func TestBadger_OnDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	c, err := OpenBadger(BadgerConfig{Dir: dir}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "k", "persisted", time.Hour))
	require.NoError(t, c.Close())

	c, err = OpenBadger(BadgerConfig{Dir: dir}, nil)
	require.NoError(t, err)
	defer c.Close()

	var got string
	ok, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "persisted", got)
}

func TestOpenBadger_RequiresDir(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{}, nil)
	assert.Error(t, err)
}

func TestKey(t *testing.T) {
	a, err := Key("unified", map[string]any{"q": "hello", "k": 5})
	require.NoError(t, err)
	b, err := Key("unified", map[string]any{"k": 5, "q": "hello"})
	require.NoError(t, err)
	c, err := Key("unified", map[string]any{"q": "hello", "k": 6})
	require.NoError(t, err)

	assert.Equal(t, a, b, "map key order does not matter")
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "unified:"))
	assert.Len(t, a, len("unified:")+24)
}

func TestDisabled(t *testing.T) {
	var c Cache = Disabled{}
	ctx := context.Background()
	assert.False(t, c.Healthy(ctx))
	require.NoError(t, c.Set(ctx, "k", 1, time.Minute))
	ok, err := c.Get(ctx, "k", new(int))
	require.NoError(t, err)
	assert.False(t, ok)
}
