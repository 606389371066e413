package websearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fyrsmithlabs/assistd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveJSON(t *testing.T, check func(*http.Request), body any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBing_Search(t *testing.T) {
	srv := serveJSON(t, func(r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("Ocp-Apim-Subscription-Key"))
		assert.Equal(t, "golang", r.URL.Query().Get("q"))
		assert.Equal(t, "2", r.URL.Query().Get("count"))
	}, map[string]any{
		"webPages": map[string]any{"value": []map[string]string{
			{"name": "Go", "url": "https://go.dev", "snippet": "The Go language"},
			{"name": "Tour", "url": "https://go.dev/tour", "snippet": "A tour"},
			{"name": "Extra", "url": "https://example.com", "snippet": "dropped"},
		}},
	})

	got, err := NewBing("key", srv.URL, Options{}).Search(context.Background(), "golang", 2)
	require.NoError(t, err)
	assert.Equal(t, []Result{
		{Title: "Go", URL: "https://go.dev", Snippet: "The Go language"},
		{Title: "Tour", URL: "https://go.dev/tour", Snippet: "A tour"},
	}, got)
}

func TestGoogle_Search(t *testing.T) {
	srv := serveJSON(t, func(r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "key", q.Get("key"))
		assert.Equal(t, "cx1", q.Get("cx"))
		assert.Equal(t, "10", q.Get("num"), "num is clamped")
	}, map[string]any{
		"items": []map[string]string{{"title": "Go", "link": "https://go.dev", "snippet": "s"}},
	})

	got, err := NewGoogle("key", "cx1", srv.URL, Options{}).Search(context.Background(), "golang", 25)
	require.NoError(t, err)
	assert.Equal(t, []Result{{Title: "Go", URL: "https://go.dev", Snippet: "s"}}, got)
}

func TestTavily_Search(t *testing.T) {
	srv := serveJSON(t, func(r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var body tavilyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, tavilyRequest{Query: "golang", MaxResults: 3}, body)
	}, map[string]any{
		"results": []map[string]string{
			{"title": "Go", "url": "https://go.dev", "content": "from content"},
			{"name": "Alt", "link": "https://alt.dev", "snippet": "from snippet"},
		},
	})

	got, err := NewTavily("key", srv.URL, Options{}).Search(context.Background(), "golang", 3)
	require.NoError(t, err)
	assert.Equal(t, []Result{
		{Title: "Go", URL: "https://go.dev", Snippet: "from content"},
		{Title: "Alt", URL: "https://alt.dev", Snippet: "from snippet"},
	}, got)
}

func TestProvider_Errors(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "quota", http.StatusTooManyRequests)
		}))
		defer srv.Close()
		_, err := NewBing("k", srv.URL, Options{}).Search(context.Background(), "q", 5)
		assert.ErrorIs(t, err, ErrStatus)
	})

	t.Run("malformed body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		}))
		defer srv.Close()
		_, err := NewTavily("k", srv.URL, Options{}).Search(context.Background(), "q", 5)
		assert.Error(t, err)
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		start := time.Now()
		_, err := NewGoogle("k", "cx", srv.URL, Options{Timeout: 50 * time.Millisecond}).
			Search(context.Background(), "q", 5)
		assert.Error(t, err)
		assert.Less(t, time.Since(start), 2*time.Second)
	})
}

type stub struct{ name string }

func (s stub) Name() string { return s.name }
func (s stub) Search(context.Context, string, int) ([]Result, error) {
	return nil, nil
}

func names(ps []Provider) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Name()
	}
	return out
}

func TestRegistry(t *testing.T) {
	r := NewRegistry([]string{"google", "missing", "bing"}, stub{"bing"}, stub{"tavily"}, stub{"google"})

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{"google", "bing", "tavily"}, r.Names())
	assert.Equal(t, []string{"google", "bing", "tavily"}, names(r.Select(nil)))
	assert.Equal(t, []string{"tavily", "bing"}, names(r.Select([]string{"tavily", "nope", "BING", "tavily"})))
	assert.Empty(t, r.Select([]string{"nope"}))
}

func TestFromConfig(t *testing.T) {
	var cfg config.SearchConfig
	cfg.Enabled = true
	cfg.Providers = "tavily,bing,google"
	require.NoError(t, cfg.BingAPIKey.UnmarshalText([]byte("b")))
	require.NoError(t, cfg.TavilyAPIKey.UnmarshalText([]byte("t")))
	require.NoError(t, cfg.GoogleAPIKey.UnmarshalText([]byte("g")))

	r := FromConfig(cfg, nil)
	assert.Equal(t, []string{"tavily", "bing"}, r.Names(), "google needs a cx")

	cfg.Enabled = false
	assert.Zero(t, FromConfig(cfg, nil).Len())
}
