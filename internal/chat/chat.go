// Package chat prepares retrieval-grounded prompts for the generation
// engine and accounts for its output.
//
// Prepare runs before any generation: it checks the budget gate, resolves
// the conversation, persists the scrubbed user message and assembles the
// retrieved context. Complete runs after generation and records the
// assistant message and its cost.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/assistd/internal/conversation"
	"github.com/fyrsmithlabs/assistd/internal/logging"
	"github.com/fyrsmithlabs/assistd/internal/search"
	"go.uber.org/zap"
)

// ErrInvalidRequest is returned for an empty message.
var ErrInvalidRequest = errors.New("invalid chat request")

const (
	contextHeader   = "Context (retrieved):\n"
	minContextChars = 200
)

// Conversations is the conversation store contract chat needs.
type Conversations interface {
	CreateConversation(ctx context.Context, title string) (conversation.Conversation, error)
	GetConversation(ctx context.Context, id string) (conversation.Conversation, error)
	StoreMessage(ctx context.Context, conversationID, role, content string, tokens int, mode string) (conversation.Message, error)
}

// Memory finds stored messages relevant to a query.
type Memory interface {
	Search(ctx context.Context, query string) ([]conversation.Message, error)
}

// Searcher runs unified searches for web context.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (search.Result, error)
}

// Privacy scrubs text before it is stored or placed in a prompt.
type Privacy interface {
	ScrubInput(ctx context.Context, text string) (string, error)
	ScrubOutput(ctx context.Context, text string) (string, error)
}

// Budget gates generation and records its cost.
type Budget interface {
	Gate(ctx context.Context) error
	LogEvent(ctx context.Context, category string, tokensUsed int, executionTimeSec float64) (float64, error)
}

// Options control retrieval.
type Options struct {
	RetrievalEnabled bool
	WebEnabled       bool
	// IncludeWeb is used when a request does not say either way.
	IncludeWeb       bool
	TopK             int
	MaxChars         int
}

// Service is the chat caller of the retrieval core.
type Service struct {
	conversations Conversations
	memory        Memory
	search        Searcher
	privacy       Privacy
	budget        Budget
	opts          Options
	logger        *zap.Logger
}

// NewService wires a chat service. search may be nil when web search is
// not configured.
func NewService(conversations Conversations, memory Memory, search Searcher, privacy Privacy, budget Budget, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TopK < 0 {
		opts.TopK = 0
	}
	return &Service{
		conversations: conversations,
		memory:        memory,
		search:        search,
		privacy:       privacy,
		budget:        budget,
		opts:          opts,
		logger:        logger,
	}
}

// PrepareRequest is a user turn.
type PrepareRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
	Mode           string `json:"mode,omitempty"`
	IncludeWeb     *bool  `json:"include_web,omitempty"`
	EscalateLLM    bool   `json:"escalate_llm"`
}

// Prepared is everything the generation engine needs.
type Prepared struct {
	ConversationID string               `json:"conversation_id"`
	UserMessage    conversation.Message `json:"user_message"`
	Context        string               `json:"context"`
	Prompt         string               `json:"prompt"`
}

// Prepare gates, persists and grounds a user turn. It returns a budget
// error before doing any work when enforcement is on and a limit is hit.
func (s *Service) Prepare(ctx context.Context, req PrepareRequest) (Prepared, error) {
	if strings.TrimSpace(req.Message) == "" {
		return Prepared{}, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	if err := s.budget.Gate(ctx); err != nil {
		return Prepared{}, err
	}
	mode := modeOrDefault(req.Mode)

	text, err := s.privacy.ScrubInput(ctx, req.Message)
	if err != nil {
		return Prepared{}, fmt.Errorf("scrub message: %w", err)
	}
	convID, err := s.resolveConversation(ctx, req.ConversationID, text)
	if err != nil {
		return Prepared{}, err
	}
	ctx = logging.WithConversationID(ctx, convID)
	msg, err := s.conversations.StoreMessage(ctx, convID, conversation.RoleUser, text, 0, mode)
	if err != nil {
		return Prepared{}, fmt.Errorf("store user message: %w", err)
	}

	block := ""
	if s.opts.RetrievalEnabled {
		includeWeb := s.opts.IncludeWeb
		if req.IncludeWeb != nil {
			includeWeb = *req.IncludeWeb
		}
		block = s.buildContext(ctx, text, includeWeb, req.EscalateLLM)
	}

	prompt := "User: " + text + "\nAssistant:"
	if block != "" {
		prompt = block + "\n\n" + prompt
	}
	return Prepared{ConversationID: convID, UserMessage: msg, Context: block, Prompt: prompt}, nil
}

func (s *Service) resolveConversation(ctx context.Context, id, firstMessage string) (string, error) {
	if id != "" {
		c, err := s.conversations.GetConversation(ctx, id)
		if err == nil {
			return c.ID, nil
		}
		if !errors.Is(err, conversation.ErrNotFound) {
			return "", fmt.Errorf("load conversation: %w", err)
		}
	}
	c, err := s.conversations.CreateConversation(ctx, conversation.Title(firstMessage))
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return c.ID, nil
}

// buildContext collects memory and web lines. Retrieval failures drop the
// affected lines, never the turn.
func (s *Service) buildContext(ctx context.Context, query string, includeWeb, escalate bool) string {
	k := s.opts.TopK
	var lines []string

	hits, err := s.memory.Search(ctx, query)
	if err != nil {
		s.logger.Warn("memory retrieval failed", append(logging.ContextFields(ctx), zap.Error(err))...)
	}
	for i, m := range hits[:min(k, len(hits))] {
		c, err := s.privacy.ScrubInput(ctx, m.Content)
		if err != nil {
			continue
		}
		lines = append(lines, fmt.Sprintf("[mem %d] %s", i+1, c))
	}

	if includeWeb && s.opts.WebEnabled && s.search != nil && k > 0 {
		lines = append(lines, s.webLines(ctx, query, k, escalate)...)
	}

	if len(lines) == 0 {
		return ""
	}
	block := contextHeader + strings.Join(lines, "\n\n")
	limit := max(minContextChars, s.opts.MaxChars)
	if utf8.RuneCountInString(block) > limit {
		block = string([]rune(block)[:limit]) + "\n..."
	}
	return block
}

func (s *Service) webLines(ctx context.Context, query string, k int, escalate bool) []string {
	res, err := s.search.Search(ctx, search.Request{
		Query:       query,
		IncludeWeb:  true,
		MaxResults:  k,
		EscalateLLM: escalate,
	})
	if err != nil {
		s.logger.Warn("web retrieval failed", append(logging.ContextFields(ctx), zap.Error(err))...)
		return nil
	}

	var lines []string
	j := 0
	for _, it := range res.Items {
		switch it.Source {
		case search.SourceWeb:
			if j >= k {
				continue
			}
			j++
			snippet, err := s.privacy.ScrubInput(ctx, strings.TrimSpace(it.Snippet))
			if err != nil {
				continue
			}
			if title := strings.TrimSpace(it.Title); title != "" {
				lines = append(lines, fmt.Sprintf("[web %d] %s: %s", j, title, snippet))
			} else {
				lines = append(lines, fmt.Sprintf("[web %d] %s", j, snippet))
			}
		case search.SourceLLM:
			if answer, err := s.privacy.ScrubInput(ctx, strings.TrimSpace(it.Answer)); err == nil && answer != "" {
				lines = append(lines, "[llm] "+answer)
			}
		}
	}
	return lines
}

// CompleteRequest reports a finished generation.
type CompleteRequest struct {
	ConversationID   string  `json:"conversation_id"`
	Content          string  `json:"content"`
	Mode             string  `json:"mode,omitempty"`
	TokensUsed       int     `json:"tokens_used"`
	ExecutionTimeSec float64 `json:"execution_time_sec"`
}

// Completion is the stored assistant message and its cost.
type Completion struct {
	Message conversation.Message `json:"message"`
	CostUSD float64              `json:"cost_usd"`
}

// Complete stores the assistant message, scrubbed again under strict
// redaction, and logs its cost as chat:<mode>.
func (s *Service) Complete(ctx context.Context, req CompleteRequest) (Completion, error) {
	if req.ConversationID == "" {
		return Completion{}, fmt.Errorf("%w: conversation_id is required", ErrInvalidRequest)
	}
	mode := modeOrDefault(req.Mode)

	content, err := s.privacy.ScrubOutput(ctx, req.Content)
	if err != nil {
		return Completion{}, fmt.Errorf("scrub output: %w", err)
	}
	msg, err := s.conversations.StoreMessage(ctx, req.ConversationID, conversation.RoleAssistant, content, req.TokensUsed, mode)
	if err != nil {
		return Completion{}, fmt.Errorf("store assistant message: %w", err)
	}

	cost, err := s.budget.LogEvent(ctx, "chat:"+mode, req.TokensUsed, req.ExecutionTimeSec)
	if err != nil {
		return Completion{}, fmt.Errorf("log chat cost: %w", err)
	}
	return Completion{Message: msg, CostUSD: cost}, nil
}

func modeOrDefault(mode string) string {
	if mode = strings.TrimSpace(mode); mode == "" {
		return conversation.DefaultMode
	}
	return mode
}
