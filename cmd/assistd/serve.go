package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/assistd/internal/budget"
	"github.com/fyrsmithlabs/assistd/internal/cache"
	"github.com/fyrsmithlabs/assistd/internal/chat"
	"github.com/fyrsmithlabs/assistd/internal/config"
	"github.com/fyrsmithlabs/assistd/internal/conversation"
	"github.com/fyrsmithlabs/assistd/internal/embeddings"
	httpserver "github.com/fyrsmithlabs/assistd/internal/http"
	"github.com/fyrsmithlabs/assistd/internal/logging"
	"github.com/fyrsmithlabs/assistd/internal/memory"
	"github.com/fyrsmithlabs/assistd/internal/privacy"
	"github.com/fyrsmithlabs/assistd/internal/search"
	"github.com/fyrsmithlabs/assistd/internal/storage"
	"github.com/fyrsmithlabs/assistd/internal/summarize"
	"github.com/fyrsmithlabs/assistd/internal/telemetry"
	"github.com/fyrsmithlabs/assistd/internal/vectorstore"
	"github.com/fyrsmithlabs/assistd/internal/websearch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the assistd daemon",
	Long: `Start the assistd HTTP daemon on the configured loopback address.

Configuration is read from the config file and ASSISTD_* environment
variables, for example:

  ASSISTD_SERVER_HTTP_PORT=9000 assistd serve
  ASSISTD_SEARCH_ENABLED=true ASSISTD_SEARCH_TAVILY_API_KEY=... assistd serve`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := config.LoadWithFile(configPath)
		if err != nil {
			return err
		}
		return run(ctx, cfg)
	},
}

// run starts the daemon and blocks until ctx is cancelled.
//
// Startup order:
//  1. Logger and telemetry
//  2. SQLite, vector index and cache
//  3. Privacy, budget and conversation stores
//  4. Memory indexer, searcher and retention sweeper
//  5. Web providers, summarizer and the unified search orchestrator
//  6. Chat service and HTTP server
//
// Shutdown reverses the order once ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zl := logger.Underlying()

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version), zl)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			zl.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	logger.Info(ctx, "starting assistd",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.Bool("web_search", cfg.Search.Enabled),
		zap.Bool("remote_llm", cfg.RemoteLLM.Configured()),
		zap.Bool("telemetry_degraded", tel.Degraded()),
	)

	a, err := wire(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer a.Close()

	indexerDone := make(chan struct{})
	go func() {
		defer close(indexerDone)
		a.indexer.Run(ctx)
	}()
	defer func() {
		a.indexer.Close()
		<-indexerDone
	}()

	if err := a.retention.Start(ctx, cfg.Retention.Schedule); err != nil {
		return err
	}
	defer a.retention.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	zl.Info("assistd stopped")
	return nil
}

func initLogger(cfg *config.Config) (*logging.Logger, error) {
	lc := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	lc.Level = level
	lc.Format = cfg.Logging.Format
	lc.Output.OTEL = cfg.Observability.EnableTelemetry
	return logging.NewLogger(lc, global.GetLoggerProvider())
}

// app holds the wired services and everything that must be closed.
type app struct {
	server    *httpserver.Server
	search    *search.Orchestrator
	chat      *chat.Service
	indexer   *memory.Indexer
	retention *memory.RetentionSweeper

	closers []io.Closer
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}

// wire builds every service from cfg. On error, whatever was opened is
// closed before returning.
func wire(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	db, err := storage.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db)

	emb, err := embeddings.NewHashing(cfg.Embedding.Dim, logger.Named("embeddings"))
	if err != nil {
		return nil, err
	}
	index, err := vectorstore.New(vectorstore.Config{Dir: cfg.Vector.IndexDir, Dim: cfg.Embedding.Dim}, emb, logger.Named("vectorstore"))
	if err != nil {
		return nil, err
	}

	var (
		resultCache cache.Cache = cache.Disabled{}
		health      httpserver.HealthChecker
	)
	if !cfg.Cache.Disabled {
		b, err := cache.OpenBadger(cache.BadgerConfig{Dir: cfg.Cache.Dir, InMemory: cfg.Cache.InMemory}, logger.Named("cache"))
		if err != nil {
			// Search still works without a cache.
			logger.Warn("cache unavailable, continuing without it", zap.Error(err))
		} else {
			a.closers = append(a.closers, b)
			resultCache, health = b, b
		}
	}

	priv, err := newPrivacy(ctx, cfg, db, logger.Named("privacy"))
	if err != nil {
		return nil, err
	}

	ledger, err := budget.NewLedger(ctx, db, budget.Config{
		DailyLimitUSD:   cfg.Budget.DailyLimitUSD,
		MonthlyLimitUSD: cfg.Budget.MonthlyLimitUSD,
		Enforce:         cfg.Budget.Enforce,
		CostPerTokenUSD: cfg.Budget.CostPerTokenUSD,
	}, logger.Named("budget"))
	if err != nil {
		return nil, err
	}

	store, err := conversation.NewStore(ctx, db, logger.Named("conversation"))
	if err != nil {
		return nil, err
	}

	a.indexer = memory.NewIndexer(index, memory.DefaultQueueSize, logger.Named("indexer"))
	store.OnMessageStored(a.indexer.Enqueue)
	mem := memory.NewSearcher(index, store, resultCache, logger.Named("memory"),
		memory.WithCacheTimeout(cfg.Cache.Timeout.Duration()))

	var summarizer summarize.Summarizer
	if cfg.RemoteLLM.Configured() {
		summarizer, err = summarize.FromConfig(cfg.RemoteLLM)
		if err != nil {
			return nil, err
		}
	}

	a.search, err = search.New(search.Deps{
		Memory:     mem,
		Providers:  websearch.FromConfig(cfg.Search, logger.Named("websearch")),
		Summarizer: summarizer,
		Privacy:    priv,
		Budget:     ledger,
		Cache:      resultCache,
		Logger:     logger.Named("search"),
	}, search.Options{
		WebEnabled:        cfg.Search.Enabled,
		Parallel:          cfg.Search.Parallel,
		MaxResults:        cfg.Search.MaxResults,
		ProviderTimeout:   cfg.Search.Timeout.Duration(),
		EscalationTimeout: cfg.RemoteLLM.Timeout.Duration(),
		LLMMaxTokens:      cfg.RemoteLLM.MaxTokens,
		CacheTimeout:      cfg.Cache.Timeout.Duration(),
	})
	if err != nil {
		return nil, err
	}
	a.retention = memory.NewRetentionSweeper(store, index, priv, logger.Named("retention"),
		memory.WithPurgeHook(mem.Invalidate),
		memory.WithPurgeHook(a.search.Invalidate),
	)

	a.chat = chat.NewService(store, mem, a.search, priv, ledger, chat.Options{
		RetrievalEnabled: !cfg.Retrieval.Disabled,
		WebEnabled:       cfg.Search.Enabled,
		IncludeWeb:       cfg.Retrieval.IncludeWeb,
		TopK:             cfg.Retrieval.TopK,
		MaxChars:         cfg.Retrieval.MaxChars,
	}, logger.Named("chat"))

	a.server, err = httpserver.NewServer(httpserver.Deps{
		Search:  a.search,
		Memory:  mem,
		Budget:  ledger,
		Privacy: priv,
		Chat:    a.chat,
		Cache:   health,
	}, logger.Named("http"), &httpserver.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		CacheTimeout: cfg.Cache.Timeout.Duration(),
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newPrivacy(ctx context.Context, cfg *config.Config, db *sql.DB, logger *zap.Logger) (*privacy.Service, error) {
	settings, err := privacy.NewSQLiteStore(ctx, db, privacy.Settings{
		PrivacyLevel:         privacy.Level(cfg.Privacy.DefaultLevel),
		DataRetentionDays:    cfg.Privacy.RetentionDays,
		RedactAggressiveness: privacy.Aggressiveness(cfg.Privacy.RedactAggressiveness),
	})
	if err != nil {
		return nil, err
	}

	var detector privacy.CredentialDetector
	if !cfg.Privacy.DisableCredentialScan {
		allow, err := privacy.LoadAllowlist(cfg.Privacy.AllowlistPath)
		if err != nil {
			return nil, err
		}
		gl, err := privacy.NewGitleaksDetector(allow)
		if err != nil {
			return nil, err
		}
		detector = gl
	}
	return privacy.NewService(settings, detector, logger), nil
}
