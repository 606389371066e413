package search

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/assistd/internal/conversation"
	"github.com/fyrsmithlabs/assistd/internal/privacy"
	"github.com/fyrsmithlabs/assistd/internal/websearch"
)

var (
	// ErrUnavailable is returned when web search is requested but cannot
	// run: it is disabled or no provider is configured.
	ErrUnavailable = errors.New("web search unavailable")

	// ErrInvalidRequest is returned for structurally invalid requests.
	ErrInvalidRequest = errors.New("invalid search request")
)

// Item sources.
const (
	SourceMemory = "memory"
	SourceWeb    = "web"
	SourceLLM    = "llm"
)

// Budget category for escalation events.
const escalationCategory = "llm:web"

// Request is one unified search call.
type Request struct {
	Query        string   `json:"query"`
	IncludeLocal bool     `json:"include_local"`
	IncludeWeb   bool     `json:"include_web"`
	WebSources   []string `json:"web_sources,omitempty"`
	MaxResults   int      `json:"max_results,omitempty"`
	EscalateLLM  bool     `json:"escalate_llm"`
}

// Item is one tagged search result. Which fields are set depends on
// Source.
type Item struct {
	Source   string `json:"source"`
	Provider string `json:"provider,omitempty"`

	// memory
	ID             string     `json:"id,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Role           string     `json:"role,omitempty"`
	Content        string     `json:"content,omitempty"`
	Timestamp      *time.Time `json:"timestamp,omitempty"`
	Mode           string     `json:"mode,omitempty"`

	// web
	Title   string `json:"title,omitempty"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`

	// llm
	Answer    string   `json:"answer,omitempty"`
	Citations []string `json:"citations,omitempty"`
}

// Used records which sources contributed to a result.
type Used struct {
	Local bool     `json:"local"`
	Web   []string `json:"web"`
	LLM   bool     `json:"llm"`
}

// Result is the composite answer. It is immutable once returned.
type Result struct {
	Query   string `json:"query"`
	Count   int    `json:"count"`
	WebUsed bool   `json:"web_used"`
	Used    Used   `json:"used"`
	Items   []Item `json:"items"`
}

// Memory finds stored messages relevant to a query.
type Memory interface {
	Search(ctx context.Context, query string) ([]conversation.Message, error)
}

// Privacy supplies the current settings and the redactor.
type Privacy interface {
	Settings(ctx context.Context) (privacy.Settings, error)
	Redact(text string) string
}

// Budget gates and records escalation spend.
type Budget interface {
	Require(ctx context.Context) error
	LogEvent(ctx context.Context, category string, tokensUsed int, executionTimeSec float64) (float64, error)
}

// Providers selects web providers for a request.
type Providers interface {
	Len() int
	Names() []string
	Select(requested []string) []websearch.Provider
}

func memoryItem(m conversation.Message) Item {
	ts := m.Timestamp
	return Item{
		Source:         SourceMemory,
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           m.Role,
		Content:        m.Content,
		Timestamp:      &ts,
		Mode:           m.Mode,
	}
}

func webItem(provider string, r websearch.Result) Item {
	return Item{
		Source:   SourceWeb,
		Provider: provider,
		Title:    r.Title,
		URL:      r.URL,
		Snippet:  r.Snippet,
	}
}
