package summarize

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/time/rate"
)

// OpenAI summarizes with the Chat Completions API.
type OpenAI struct {
	client  openai.Client
	model   string
	opts    Options
	limiter *rate.Limiter
}

// NewOpenAI returns an OpenAI summarizer.
func NewOpenAI(opts Options) (*OpenAI, error) {
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
	return &OpenAI{
		client:  openai.NewClient(reqOpts...),
		model:   opts.Model,
		opts:    opts,
		limiter: newLimiter(),
	}, nil
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Summarize(ctx context.Context, query string, items []Item, maxTokens int) (Summary, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return Summary{}, fmt.Errorf("rate limiter: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, o.opts.timeout())
	defer cancel()

	user, citations := buildPrompt(query, items)
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: o.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(user),
		},
		Temperature:         openai.Float(temperature),
		MaxCompletionTokens: openai.Int(maxTokensOrDefault(maxTokens)),
	})
	if err != nil {
		return Summary{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Summary{}, ErrEmptyAnswer
	}
	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	if answer == "" {
		return Summary{}, ErrEmptyAnswer
	}
	return Summary{Answer: answer, Citations: citations}, nil
}
