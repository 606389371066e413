// Package summarize calls a remote LLM to answer a query from a short
// list of web results, citing them by index.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/assistd/internal/config"
	"golang.org/x/time/rate"
)

// Defaults shared by the providers.
const (
	DefaultMaxTokens = 512
	defaultTimeout   = 20 * time.Second
	maxPromptItems   = 5
	temperature      = 0.2

	// 50 requests per minute with small bursts.
	defaultRateLimit = 50.0 / 60.0
	defaultBurst     = 5
)

const systemPrompt = "You are a helpful assistant. Provide a concise answer based on the provided items. " +
	"Cite sources by index in square brackets. If unsure, say so. Do not include private information."

var (
	// ErrNotConfigured is returned when the provider lacks a key or model.
	ErrNotConfigured = errors.New("remote llm not configured")

	// ErrUnsupportedProvider is returned for unknown provider names.
	ErrUnsupportedProvider = errors.New("unsupported remote llm provider")

	// ErrEmptyAnswer is returned when the provider responds without text.
	ErrEmptyAnswer = errors.New("remote llm returned no text")
)

// Item is one source passed to the model. Callers redact it first.
type Item struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Summary is the model's answer and the URLs it was given.
type Summary struct {
	Answer    string   `json:"answer"`
	Citations []string `json:"citations"`
}

// Summarizer answers a query from items.
type Summarizer interface {
	Name() string
	Summarize(ctx context.Context, query string, items []Item, maxTokens int) (Summary, error)
}

// Options configure a provider.
type Options struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

func (o Options) validate() error {
	if o.APIKey == "" || o.Model == "" {
		return ErrNotConfigured
	}
	return nil
}

func (o Options) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return defaultTimeout
}

// FromConfig builds the configured provider.
func FromConfig(cfg config.RemoteLLMConfig) (Summarizer, error) {
	opts := Options{
		APIKey:  cfg.APIKey.Value(),
		Model:   cfg.Model,
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout.Duration(),
	}
	switch strings.ToLower(cfg.Provider) {
	case config.LLMProviderOpenAI:
		return NewOpenAI(opts)
	case config.LLMProviderAnthropic:
		return NewAnthropic(opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, cfg.Provider)
	}
}

// buildPrompt renders the numbered source list and returns it with the
// citations for the items it includes.
func buildPrompt(query string, items []Item) (user string, citations []string) {
	if len(items) > maxPromptItems {
		items = items[:maxPromptItems]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\nSources:", query)
	citations = []string{}
	for i, it := range items {
		fmt.Fprintf(&b, "\n[%d] %s %s - %s", i+1, it.Title, it.URL, it.Snippet)
		if it.URL != "" {
			citations = append(citations, it.URL)
		}
	}
	return b.String(), citations
}

func newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst)
}

func maxTokensOrDefault(n int) int64 {
	if n <= 0 {
		return DefaultMaxTokens
	}
	return int64(n)
}
