package search

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/fyrsmithlabs/assistd/internal/cache"
	"github.com/fyrsmithlabs/assistd/internal/privacy"
	"github.com/fyrsmithlabs/assistd/internal/summarize"
	"github.com/fyrsmithlabs/assistd/internal/websearch"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	cacheNamespace = "unified"

	DefaultMaxResults   = 5
	DefaultCacheTTL     = 2 * time.Minute
	DefaultRunTimeout   = 60 * time.Second
	defaultCacheTimeout = 500 * time.Millisecond
)

// Options tune the orchestrator.
type Options struct {
	// WebEnabled is the global web search switch.
	WebEnabled bool

	// Parallel queries providers concurrently. Results are still merged
	// in priority order.
	Parallel bool

	MaxResults        int
	ProviderTimeout   time.Duration
	EscalationTimeout time.Duration
	LLMMaxTokens      int
	CacheTTL          time.Duration
	CacheTimeout      time.Duration

	// RunTimeout bounds one shared search. Callers joined to it wait on
	// their own contexts; the run itself is never cancelled by them.
	RunTimeout time.Duration
}

// Deps are the collaborators. Memory and Privacy are required. A nil
// Summarizer or Budget disables escalation; nil Providers means no web
// provider is configured; a nil Cache disables caching.
type Deps struct {
	Memory     Memory
	Providers  Providers
	Summarizer summarize.Summarizer
	Privacy    Privacy
	Budget     Budget
	Cache      cache.Cache
	Logger     *zap.Logger
}

// Orchestrator runs unified searches.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
	tracer trace.Tracer
	flight singleflight.Group

	generation atomic.Int64

	requests       metric.Int64Counter
	providerErrors metric.Int64Counter
	escalations    metric.Int64Counter
}

// New builds an Orchestrator.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Memory == nil || deps.Privacy == nil {
		return nil, errors.New("search: memory and privacy are required")
	}
	if deps.Cache == nil {
		deps.Cache = cache.Disabled{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.CacheTimeout <= 0 {
		opts.CacheTimeout = defaultCacheTimeout
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	if opts.LLMMaxTokens <= 0 {
		opts.LLMMaxTokens = summarize.DefaultMaxTokens
	}

	o := &Orchestrator{
		deps:   deps,
		opts:   opts,
		logger: deps.Logger,
		tracer: otel.Tracer("github.com/fyrsmithlabs/assistd/internal/search"),
	}
	o.generation.Store(time.Now().UnixNano())

	meter := otel.Meter("github.com/fyrsmithlabs/assistd/internal/search")
	var err error
	if o.requests, err = meter.Int64Counter("assistd.search.requests",
		metric.WithDescription("Unified search requests")); err != nil {
		return nil, fmt.Errorf("create requests counter: %w", err)
	}
	if o.providerErrors, err = meter.Int64Counter("assistd.search.provider_errors",
		metric.WithDescription("Web provider calls that failed")); err != nil {
		return nil, fmt.Errorf("create provider errors counter: %w", err)
	}
	if o.escalations, err = meter.Int64Counter("assistd.search.escalations",
		metric.WithDescription("Remote summarization attempts")); err != nil {
		return nil, fmt.Errorf("create escalations counter: %w", err)
	}
	return o, nil
}

// Invalidate drops every cached result.
func (o *Orchestrator) Invalidate() {
	o.generation.Add(1)
}

type cacheKeyParts struct {
	Query        string   `json:"q"`
	IncludeLocal bool     `json:"local"`
	IncludeWeb   bool     `json:"web"`
	Sources      []string `json:"src"`
	MaxResults   int      `json:"k"`
	PrivacyLevel string   `json:"plevel"`
	EscalateLLM  bool     `json:"llm"`
	Generation   int64    `json:"gen"`
}

// Search runs one unified search.
func (o *Orchestrator) Search(ctx context.Context, req Request) (Result, error) {
	ctx, span := o.tracer.Start(ctx, "search.unified")
	defer span.End()

	if err := o.validate(req); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	settings, err := o.deps.Privacy.Settings(ctx)
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("read privacy settings: %w", err)
	}

	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = o.opts.MaxResults
	}
	sources := req.WebSources
	if len(sources) == 0 && o.deps.Providers != nil {
		sources = o.deps.Providers.Names()
	}

	key, err := cache.Key(cacheNamespace, cacheKeyParts{
		Query:        req.Query,
		IncludeLocal: req.IncludeLocal,
		IncludeWeb:   req.IncludeWeb,
		Sources:      sources,
		MaxResults:   maxResults,
		PrivacyLevel: string(settings.PrivacyLevel),
		EscalateLLM:  req.EscalateLLM,
		Generation:   o.generation.Load(),
	})
	if err != nil {
		return Result{}, err
	}

	useCache := o.cacheHealthy(ctx)
	if useCache {
		var cached Result
		if o.cacheGet(ctx, key, &cached) {
			o.requests.Add(ctx, 1, metric.WithAttributes(attribute.Bool("cache_hit", true)))
			span.SetAttributes(attribute.Bool("cache_hit", true), attribute.Int("items", cached.Count))
			return cached, nil
		}
	}
	o.requests.Add(ctx, 1, metric.WithAttributes(attribute.Bool("cache_hit", false)))

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	ch := o.flight.DoChan(key, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.RunTimeout)
		defer cancel()
		res := o.run(runCtx, req, settings, sources, maxResults)
		// A run cut short by its deadline is served once but not cached.
		if useCache && runCtx.Err() == nil {
			o.cacheSet(runCtx, key, res)
		}
		return res, nil
	})

	var out singleflight.Result
	select {
	case out = <-ch:
	case <-ctx.Done():
		span.RecordError(ctx.Err())
		return Result{}, ctx.Err()
	}
	if out.Err != nil {
		span.RecordError(out.Err)
		return Result{}, out.Err
	}
	res := out.Val.(Result)
	span.SetAttributes(
		attribute.Bool("cache_hit", false),
		attribute.Bool("shared", out.Shared),
		attribute.Int("items", res.Count),
		attribute.Bool("web_used", res.WebUsed),
		attribute.Bool("llm_used", res.Used.LLM),
	)
	return res, nil
}

func (o *Orchestrator) validate(req Request) error {
	if strings.TrimSpace(req.Query) == "" {
		return fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}
	if req.MaxResults < 0 {
		return fmt.Errorf("%w: max_results cannot be negative", ErrInvalidRequest)
	}
	if !req.IncludeWeb {
		return nil
	}
	if !o.opts.WebEnabled {
		return fmt.Errorf("%w: web search disabled", ErrUnavailable)
	}
	if o.deps.Providers == nil || o.deps.Providers.Len() == 0 {
		return fmt.Errorf("%w: no web providers configured", ErrUnavailable)
	}
	return nil
}

// run never fails: each stage degrades to no items on error or deadline.
func (o *Orchestrator) run(ctx context.Context, req Request, settings privacy.Settings, sources []string, maxResults int) Result {
	res := Result{
		Query: req.Query,
		Used:  Used{Local: req.IncludeLocal, Web: []string{}},
		Items: []Item{},
	}

	if req.IncludeLocal {
		res.Items = append(res.Items, o.searchMemory(ctx, req.Query, maxResults)...)
	}

	if req.IncludeWeb && settings.PrivacyLevel != privacy.LevelLocalOnly {
		items, used := o.searchWeb(ctx, req.Query, sources, maxResults)
		res.Items = append(res.Items, items...)
		res.Used.Web = used
		res.WebUsed = len(used) > 0
	}

	if len(res.Items) > maxResults {
		res.Items = res.Items[:maxResults]
	}

	if req.EscalateLLM && res.WebUsed && o.canEscalate() && ctx.Err() == nil {
		if item, err := o.escalate(ctx, req.Query, res.Items); err != nil {
			o.logger.Warn("llm escalation skipped", zap.Error(err))
		} else {
			res.Items = append(res.Items, item)
			res.Used.LLM = true
		}
	}

	res.Count = len(res.Items)
	return res
}

func (o *Orchestrator) searchMemory(ctx context.Context, query string, maxResults int) []Item {
	ctx, span := o.tracer.Start(ctx, "search.memory")
	defer span.End()

	msgs, err := o.deps.Memory.Search(ctx, query)
	if err != nil {
		span.RecordError(err)
		o.logger.Warn("memory search failed", zap.Error(err))
		return nil
	}
	if len(msgs) > maxResults {
		msgs = msgs[:maxResults]
	}
	items := make([]Item, len(msgs))
	for i, m := range msgs {
		items[i] = memoryItem(m)
	}
	span.SetAttributes(attribute.Int("items", len(items)))
	return items
}

// searchWeb tries every selected provider. A failing or empty provider
// never stops the next one. Items and the used list follow priority order
// even when providers run concurrently.
func (o *Orchestrator) searchWeb(ctx context.Context, query string, sources []string, maxResults int) ([]Item, []string) {
	ctx, span := o.tracer.Start(ctx, "search.web")
	defer span.End()

	providers := o.deps.Providers.Select(sources)
	redacted := o.deps.Privacy.Redact(query)
	results := make([][]websearch.Result, len(providers))

	if o.opts.Parallel {
		var g errgroup.Group
		for i, p := range providers {
			g.Go(func() error {
				results[i] = o.callProvider(ctx, p, redacted, maxResults)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, p := range providers {
			if ctx.Err() != nil {
				break
			}
			results[i] = o.callProvider(ctx, p, redacted, maxResults)
		}
	}

	var (
		items []Item
		used  = []string{}
	)
	for i, p := range providers {
		if len(results[i]) == 0 {
			continue
		}
		used = append(used, p.Name())
		for _, r := range results[i] {
			items = append(items, webItem(p.Name(), r))
		}
	}
	span.SetAttributes(attribute.Int("providers", len(providers)), attribute.StringSlice("used", used))
	return items, used
}

func (o *Orchestrator) callProvider(ctx context.Context, p websearch.Provider, query string, maxResults int) []websearch.Result {
	ctx, span := o.tracer.Start(ctx, "search.provider", trace.WithAttributes(attribute.String("provider", p.Name())))
	defer span.End()

	if o.opts.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.ProviderTimeout)
		defer cancel()
	}

	rs, err := p.Search(ctx, query, maxResults)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider failed")
		o.providerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", p.Name())))
		o.logger.Warn("web provider failed", zap.String("provider", p.Name()), zap.Error(err))
		return nil
	}
	span.SetAttributes(attribute.Int("results", len(rs)))
	return rs
}

func (o *Orchestrator) canEscalate() bool {
	return o.deps.Summarizer != nil && o.deps.Budget != nil
}

// escalate summarizes items with the remote provider. Everything sent is
// redacted and the budget is checked before the call.
func (o *Orchestrator) escalate(ctx context.Context, query string, items []Item) (Item, error) {
	ctx, span := o.tracer.Start(ctx, "search.escalate")
	defer span.End()

	safe := make([]summarize.Item, len(items))
	for i, it := range items {
		safe[i] = summarize.Item{
			Title:   o.deps.Privacy.Redact(cmp.Or(it.Title, it.ID)),
			URL:     it.URL,
			Snippet: o.deps.Privacy.Redact(cmp.Or(it.Snippet, it.Content)),
		}
	}

	if err := o.deps.Budget.Require(ctx); err != nil {
		o.escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "budget")))
		span.RecordError(err)
		return Item{}, err
	}

	redacted := o.deps.Privacy.Redact(query)
	callCtx := ctx
	if o.opts.EscalationTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.opts.EscalationTimeout)
		defer cancel()
	}

	start := time.Now()
	sum, err := o.deps.Summarizer.Summarize(callCtx, redacted, safe, o.opts.LLMMaxTokens)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		o.escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
		span.RecordError(err)
		return Item{}, fmt.Errorf("summarize: %w", err)
	}

	tokens := estimateTokens(redacted, sum.Answer)
	if _, err := o.deps.Budget.LogEvent(ctx, escalationCategory, tokens, elapsed); err != nil {
		o.logger.Warn("escalation cost not recorded", zap.Int("tokens", tokens), zap.Error(err))
	}
	o.escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))
	span.SetAttributes(attribute.Int("tokens", tokens))

	return Item{
		Source:    SourceLLM,
		Provider:  o.deps.Summarizer.Name(),
		Answer:    sum.Answer,
		Citations: sum.Citations,
	}, nil
}

// estimateTokens is ceil(chars/4), at least 1.
func estimateTokens(query, answer string) int {
	n := utf8.RuneCountInString(query) + utf8.RuneCountInString(answer)
	return max(1, (n+3)/4)
}

func (o *Orchestrator) cacheHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, o.opts.CacheTimeout)
	defer cancel()
	return o.deps.Cache.Healthy(ctx)
}

func (o *Orchestrator) cacheGet(ctx context.Context, key string, dst any) bool {
	ctx, cancel := context.WithTimeout(ctx, o.opts.CacheTimeout)
	defer cancel()
	ok, err := o.deps.Cache.Get(ctx, key, dst)
	if err != nil {
		o.logger.Debug("unified cache read failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return ok
}

func (o *Orchestrator) cacheSet(ctx context.Context, key string, v Result) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.CacheTimeout)
	defer cancel()
	if err := o.deps.Cache.Set(ctx, key, v, o.opts.CacheTTL); err != nil {
		o.logger.Debug("unified cache write failed", zap.String("key", key), zap.Error(err))
	}
}
