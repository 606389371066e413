package http

import (
	"time"

	"github.com/fyrsmithlabs/assistd/internal/budget"
	"github.com/fyrsmithlabs/assistd/internal/conversation"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// ErrorResponse is the body of every non-2xx response except 429.
type ErrorResponse struct {
	Error string `json:"error"`
}

// BudgetExceededResponse is the 429 body. It carries both windows.
type BudgetExceededResponse struct {
	Error   string              `json:"error"`
	Daily   budget.WindowTotals `json:"daily"`
	Monthly budget.WindowTotals `json:"monthly"`
	Hint    string              `json:"hint"`
}

// UnifiedSearchRequest is the request body for POST /api/v1/search/unified.
// IncludeLocal defaults to true.
type UnifiedSearchRequest struct {
	Query        string   `json:"query"`
	IncludeLocal *bool    `json:"include_local,omitempty"`
	IncludeWeb   bool     `json:"include_web"`
	WebSources   []string `json:"web_sources,omitempty"`
	MaxResults   int      `json:"max_results,omitempty"`
	EscalateLLM  bool     `json:"escalate_llm"`
}

// MemorySearchRequest is the request body for POST /api/v1/memory/search.
type MemorySearchRequest struct {
	Query string `json:"query"`
}

// MessageResponse is one message returned by memory search.
type MessageResponse struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	Tokens         int       `json:"tokens"`
	Mode           string    `json:"mode"`
}

func toMessageResponse(m conversation.Message) MessageResponse {
	return MessageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           m.Role,
		Content:        m.Content,
		Timestamp:      m.Timestamp,
		Tokens:         m.Tokens,
		Mode:           m.Mode,
	}
}

// ClassifyRequest is the request body for POST /api/v1/privacy/classify.
type ClassifyRequest struct {
	Text string `json:"text"`
}
