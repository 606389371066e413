package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/assistd/internal/budget"
	"github.com/fyrsmithlabs/assistd/internal/conversation"
	"github.com/fyrsmithlabs/assistd/internal/privacy"
	"github.com/fyrsmithlabs/assistd/internal/search"
	"github.com/fyrsmithlabs/assistd/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMemory struct {
	hits []conversation.Message
	err  error
}

func (f fakeMemory) Search(context.Context, string) ([]conversation.Message, error) {
	return f.hits, f.err
}

type fakeSearcher struct {
	res  search.Result
	err  error
	reqs []search.Request
}

func (f *fakeSearcher) Search(_ context.Context, req search.Request) (search.Result, error) {
	f.reqs = append(f.reqs, req)
	return f.res, f.err
}

type env struct {
	store   *conversation.Store
	privacy *privacy.Service
	ledger  *budget.Ledger
}

func newEnv(t *testing.T, aggressiveness privacy.Aggressiveness, cfg budget.Config) *env {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := conversation.NewStore(ctx, db, nil)
	require.NoError(t, err)
	ledger, err := budget.NewLedger(ctx, db, cfg, nil)
	require.NoError(t, err)
	priv := privacy.NewService(privacy.NewMemoryStore(privacy.Settings{
		PrivacyLevel:         privacy.LevelBalanced,
		DataRetentionDays:    30,
		RedactAggressiveness: aggressiveness,
	}), nil, nil)
	return &env{store: store, privacy: priv, ledger: ledger}
}

func (e *env) service(mem Memory, s Searcher, opts Options) *Service {
	return NewService(e.store, mem, s, e.privacy, e.ledger, opts, nil)
}

var defaultOpts = Options{RetrievalEnabled: true, WebEnabled: true, TopK: 3, MaxChars: 1800}

func boolPtr(b bool) *bool { return &b }

func TestPrepare_CreatesConversationAndScrubs(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, privacy.AggressivenessStandard, budget.Config{})
	svc := e.service(fakeMemory{}, nil, defaultOpts)

	p, err := svc.Prepare(ctx, PrepareRequest{Message: "mail me at jane@example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ConversationID)
	assert.NotContains(t, p.UserMessage.Content, "jane@example.com")
	assert.Equal(t, conversation.DefaultMode, p.UserMessage.Mode)
	assert.Equal(t, "User: "+p.UserMessage.Content+"\nAssistant:", p.Prompt)
	assert.Empty(t, p.Context)

	conv, err := e.store.GetConversation(ctx, p.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, p.UserMessage.Content, conv.Title, "titles come from the scrubbed text")

	stored, err := e.store.GetMessages(ctx, p.ConversationID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, p.UserMessage.Content, stored[0].Content)
}

func TestPrepare_ReusesExistingConversation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, privacy.AggressivenessStandard, budget.Config{})
	svc := e.service(fakeMemory{}, nil, defaultOpts)

	c, err := e.store.CreateConversation(ctx, "existing")
	require.NoError(t, err)

	p, err := svc.Prepare(ctx, PrepareRequest{ConversationID: c.ID, Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, c.ID, p.ConversationID)

	p, err = svc.Prepare(ctx, PrepareRequest{ConversationID: "missing", Message: "hello"})
	require.NoError(t, err)
	assert.NotEqual(t, "missing", p.ConversationID)
}

func TestPrepare_BudgetGateRunsFirst(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, privacy.AggressivenessStandard, budget.Config{
		DailyLimitUSD: 0.01, CostPerTokenUSD: 0.001, Enforce: true,
	})
	_, err := e.ledger.LogEvent(ctx, "chat:chat", 200, 1)
	require.NoError(t, err)

	svc := e.service(fakeMemory{}, nil, defaultOpts)
	_, err = svc.Prepare(ctx, PrepareRequest{Message: "hello"})
	require.ErrorIs(t, err, budget.ErrBudgetExceeded)

	var exceeded *budget.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.InDelta(t, 0.20, exceeded.Daily.CostUSD, 1e-9)

	convs, err := e.store.GetConversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, convs, "nothing is persisted when the gate rejects")
}

func TestPrepare_EmptyMessage(t *testing.T) {
	e := newEnv(t, privacy.AggressivenessStandard, budget.Config{})
	_, err := e.service(fakeMemory{}, nil, defaultOpts).Prepare(context.Background(), PrepareRequest{Message: " "})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPrepare_RetrievalContext(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, privacy.AggressivenessStandard, budget.Config{})

	mem := fakeMemory{hits: []conversation.Message{
		{ID: "1", Content: "first memory"},
		{ID: "2", Content: "call 555-123-4567"},
		{ID: "3", Content: "third memory"},
		{ID: "4", Content: "fourth memory"},
	}}
	web := &fakeSearcher{res: search.Result{Items: []search.Item{
		{Source: search.SourceWeb, Title: "Go", Snippet: "The Go language"},
		{Source: search.SourceWeb, Snippet: "untitled snippet"},
		{Source: search.SourceLLM, Answer: "Go is a language [1]."},
	}}}
	svc := e.service(mem, web, defaultOpts)

	p, err := svc.Prepare(ctx, PrepareRequest{Message: "tell me about go", IncludeWeb: boolPtr(true), EscalateLLM: true})
	require.NoError(t, err)

	want := "Context (retrieved):\n" +
		"[mem 1] first memory\n\n" +
		"[mem 2] call [PHONE_REDACTED]\n\n" +
		"[mem 3] third memory\n\n" +
		"[web 1] Go: The Go language\n\n" +
		"[web 2] untitled snippet\n\n" +
		"[llm] Go is a language [1]."
	assert.Equal(t, want, p.Context)
	assert.True(t, strings.HasPrefix(p.Prompt, want+"\n\nUser: tell me about go\nAssistant:"))

	require.Len(t, web.reqs, 1)
	assert.Equal(t, search.Request{Query: "tell me about go", IncludeWeb: true, MaxResults: 3, EscalateLLM: true}, web.reqs[0])
}

func TestPrepare_RetrievalDegrades(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, privacy.AggressivenessStandard, budget.Config{})
	web := &fakeSearcher{err: search.ErrUnavailable}
	svc := e.service(fakeMemory{err: errors.New("index offline")}, web, defaultOpts)

	p, err := svc.Prepare(ctx, PrepareRequest{Message: "hi", IncludeWeb: boolPtr(true)})
	require.NoError(t, err)
	assert.Empty(t, p.Context)
	assert.Equal(t, "User: hi\nAssistant:", p.Prompt)
}

func TestPrepare_WebNeedsGlobalSwitch(t *testing.T) {
	e := newEnv(t, privacy.AggressivenessStandard, budget.Config{})
	web := &fakeSearcher{}
	opts := defaultOpts
	opts.WebEnabled = false

	_, err := e.service(fakeMemory{}, web, opts).Prepare(context.Background(), PrepareRequest{Message: "hi", IncludeWeb: boolPtr(true)})
	require.NoError(t, err)
	assert.Empty(t, web.reqs)
}

func TestPrepare_WebDefaultFromOptions(t *testing.T) {
	e := newEnv(t, privacy.AggressivenessStandard, budget.Config{})
	opts := defaultOpts
	opts.IncludeWeb = true

	web := &fakeSearcher{}
	_, err := e.service(fakeMemory{}, web, opts).Prepare(context.Background(), PrepareRequest{Message: "hi"})
	require.NoError(t, err)
	assert.Len(t, web.reqs, 1, "unset request follows the configured default")

	web = &fakeSearcher{}
	_, err = e.service(fakeMemory{}, web, opts).Prepare(context.Background(), PrepareRequest{Message: "hi", IncludeWeb: boolPtr(false)})
	require.NoError(t, err)
	assert.Empty(t, web.reqs, "explicit false wins")

	web = &fakeSearcher{}
	_, err = e.service(fakeMemory{}, web, defaultOpts).Prepare(context.Background(), PrepareRequest{Message: "hi"})
	require.NoError(t, err)
	assert.Empty(t, web.reqs)
}

func TestPrepare_ContextTruncated(t *testing.T) {
	e := newEnv(t, privacy.AggressivenessStandard, budget.Config{})
	long := strings.Repeat("word ", 200)
	opts := defaultOpts
	opts.MaxChars = 50

	p, err := e.service(fakeMemory{hits: []conversation.Message{{Content: long}}}, nil, opts).
		Prepare(context.Background(), PrepareRequest{Message: "hi"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(p.Context, "\n..."))
	assert.Len(t, []rune(p.Context), 200+len("\n..."), "limit never drops below 200")
}

func TestPrepare_RetrievalDisabled(t *testing.T) {
	e := newEnv(t, privacy.AggressivenessStandard, budget.Config{})
	opts := defaultOpts
	opts.RetrievalEnabled = false
	p, err := e.service(fakeMemory{hits: []conversation.Message{{Content: "x"}}}, nil, opts).
		Prepare(context.Background(), PrepareRequest{Message: "hi"})
	require.NoError(t, err)
	assert.Empty(t, p.Context)
}

func TestComplete(t *testing.T) {
	ctx := context.Background()

	t.Run("standard keeps output and logs cost", func(t *testing.T) {
		e := newEnv(t, privacy.AggressivenessStandard, budget.Config{CostPerTokenUSD: 0.001})
		c, err := e.store.CreateConversation(ctx, "c")
		require.NoError(t, err)

		out, err := e.service(fakeMemory{}, nil, defaultOpts).Complete(ctx, CompleteRequest{
			ConversationID: c.ID, Content: "reach me at bob@example.com", Mode: "coding", TokensUsed: 50, ExecutionTimeSec: 1.5,
		})
		require.NoError(t, err)
		assert.Equal(t, "reach me at bob@example.com", out.Message.Content)
		assert.Equal(t, conversation.RoleAssistant, out.Message.Role)
		assert.InDelta(t, 0.05, out.CostUSD, 1e-9)

		events, err := e.ledger.Events(ctx, 5)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "chat:coding", events[0].Category)
		assert.Equal(t, 50, events[0].TokensUsed)
	})

	t.Run("strict scrubs output", func(t *testing.T) {
		e := newEnv(t, privacy.AggressivenessStrict, budget.Config{})
		c, err := e.store.CreateConversation(ctx, "c")
		require.NoError(t, err)

		out, err := e.service(fakeMemory{}, nil, defaultOpts).Complete(ctx, CompleteRequest{
			ConversationID: c.ID, Content: "reach me at bob@example.com",
		})
		require.NoError(t, err)
		assert.NotContains(t, out.Message.Content, "bob@example.com")
		assert.Equal(t, conversation.DefaultMode, out.Message.Mode)
	})

	t.Run("unknown conversation", func(t *testing.T) {
		e := newEnv(t, privacy.AggressivenessStandard, budget.Config{})
		_, err := e.service(fakeMemory{}, nil, defaultOpts).Complete(ctx, CompleteRequest{ConversationID: "nope", Content: "x"})
		assert.ErrorIs(t, err, conversation.ErrNotFound)

		_, err = e.service(fakeMemory{}, nil, defaultOpts).Complete(ctx, CompleteRequest{Content: "x"})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})
}
