package summarize

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"
)

// Anthropic summarizes with the Messages API.
type Anthropic struct {
	client  anthropic.Client
	model   anthropic.Model
	opts    Options
	limiter *rate.Limiter
}

// NewAnthropic returns an Anthropic summarizer.
func NewAnthropic(opts Options) (*Anthropic, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(1),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &Anthropic{
		client:  anthropic.NewClient(reqOpts...),
		model:   anthropic.Model(opts.Model),
		opts:    opts,
		limiter: newLimiter(),
	}, nil
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) Summarize(ctx context.Context, query string, items []Item, maxTokens int) (Summary, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return Summary{}, fmt.Errorf("rate limiter: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, a.opts.timeout())
	defer cancel()

	user, citations := buildPrompt(query, items)
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       a.model,
		MaxTokens:   maxTokensOrDefault(maxTokens),
		Temperature: anthropic.Float(temperature),
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return Summary{}, fmt.Errorf("anthropic messages: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	answer := strings.TrimSpace(b.String())
	if answer == "" {
		return Summary{}, ErrEmptyAnswer
	}
	return Summary{Answer: answer, Citations: citations}, nil
}
