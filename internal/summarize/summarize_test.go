package summarize

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/assistd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var items = []Item{
	{Title: "Go", URL: "https://go.dev", Snippet: "The Go programming language"},
	{Title: "Tour", URL: "https://go.dev/tour", Snippet: "A tour of Go"},
}

// capture records the last request body.
type capture struct {
	path string
	body map[string]any
}

func fakeServer(t *testing.T, status int, response string, c *capture) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if c != nil {
			c.path = r.URL.Path
			_ = json.Unmarshal(raw, &c.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBuildPrompt(t *testing.T) {
	many := make([]Item, 7)
	for i := range many {
		many[i] = Item{Title: "t", URL: "https://example.com/" + string(rune('a'+i)), Snippet: "s"}
	}
	many[1].URL = ""

	user, citations := buildPrompt("what is go", many)
	assert.True(t, strings.HasPrefix(user, "Question: what is go\nSources:\n[1] t https://example.com/a - s"))
	assert.Contains(t, user, "[5] ")
	assert.NotContains(t, user, "[6] ")
	assert.Equal(t, []string{
		"https://example.com/a", "https://example.com/c", "https://example.com/d", "https://example.com/e",
	}, citations)
}

func TestOpenAI_Summarize(t *testing.T) {
	var c capture
	srv := fakeServer(t, http.StatusOK, `{
		"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
		"choices": [{"index": 0, "finish_reason": "stop",
			"message": {"role": "assistant", "content": "  Go is a language [1].  "}}]
	}`, &c)

	s, err := NewOpenAI(Options{APIKey: "k", Model: "gpt-4o-mini", BaseURL: srv.URL})
	require.NoError(t, err)

	got, err := s.Summarize(context.Background(), "what is go", items, 128)
	require.NoError(t, err)
	assert.Equal(t, "Go is a language [1].", got.Answer)
	assert.Equal(t, []string{"https://go.dev", "https://go.dev/tour"}, got.Citations)

	assert.True(t, strings.HasSuffix(c.path, "/chat/completions"))
	assert.Equal(t, "gpt-4o-mini", c.body["model"])
	assert.EqualValues(t, 128, c.body["max_completion_tokens"])
	msgs, ok := c.body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 2)
}

func TestOpenAI_Errors(t *testing.T) {
	srv := fakeServer(t, http.StatusBadRequest, `{"error": {"message": "bad", "type": "invalid_request_error"}}`, nil)
	s, err := NewOpenAI(Options{APIKey: "k", Model: "m", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = s.Summarize(context.Background(), "q", items, 0)
	assert.Error(t, err)

	empty := fakeServer(t, http.StatusOK, `{"id": "x", "object": "chat.completion", "created": 1, "model": "m", "choices": []}`, nil)
	s, err = NewOpenAI(Options{APIKey: "k", Model: "m", BaseURL: empty.URL})
	require.NoError(t, err)
	_, err = s.Summarize(context.Background(), "q", items, 0)
	assert.ErrorIs(t, err, ErrEmptyAnswer)
}

func TestAnthropic_Summarize(t *testing.T) {
	var c capture
	srv := fakeServer(t, http.StatusOK, `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-3-5-haiku-latest",
		"content": [{"type": "text", "text": "Go is a language "}, {"type": "text", "text": "[1]."}],
		"stop_reason": "end_turn", "usage": {"input_tokens": 10, "output_tokens": 5}
	}`, &c)

	s, err := NewAnthropic(Options{APIKey: "k", Model: "claude-3-5-haiku-latest", BaseURL: srv.URL})
	require.NoError(t, err)

	got, err := s.Summarize(context.Background(), "what is go", items, 0)
	require.NoError(t, err)
	assert.Equal(t, "Go is a language [1].", got.Answer)
	assert.Equal(t, []string{"https://go.dev", "https://go.dev/tour"}, got.Citations)

	assert.True(t, strings.HasSuffix(c.path, "/messages"))
	assert.EqualValues(t, DefaultMaxTokens, c.body["max_tokens"])
}

func TestNew_RequiresKeyAndModel(t *testing.T) {
	_, err := NewOpenAI(Options{Model: "m"})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = NewAnthropic(Options{APIKey: "k"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestFromConfig(t *testing.T) {
	cfg := config.RemoteLLMConfig{Enabled: true, Provider: "Anthropic", Model: "claude"}
	require.NoError(t, cfg.APIKey.UnmarshalText([]byte("k")))

	s, err := FromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", s.Name())

	cfg.Provider = "gemini"
	_, err = FromConfig(cfg)
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}
