// Package http provides the assistd HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/assistd/internal/budget"
	"github.com/fyrsmithlabs/assistd/internal/chat"
	"github.com/fyrsmithlabs/assistd/internal/conversation"
	"github.com/fyrsmithlabs/assistd/internal/logging"
	"github.com/fyrsmithlabs/assistd/internal/privacy"
	"github.com/fyrsmithlabs/assistd/internal/search"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// UnifiedSearcher runs unified searches.
type UnifiedSearcher interface {
	Search(ctx context.Context, req search.Request) (search.Result, error)
}

// MemorySearcher runs semantic search over stored messages.
type MemorySearcher interface {
	Search(ctx context.Context, query string) ([]conversation.Message, error)
}

// Budget exposes the ledger.
type Budget interface {
	Totals(ctx context.Context) (budget.Totals, error)
	Config(ctx context.Context) (budget.Config, error)
	SetConfig(ctx context.Context, u budget.ConfigUpdate) (budget.Config, error)
	Events(ctx context.Context, limit int) ([]budget.Event, error)
}

// Privacy exposes settings and classification.
type Privacy interface {
	Settings(ctx context.Context) (privacy.Settings, error)
	UpdateSettings(ctx context.Context, u privacy.Update) (privacy.Settings, error)
	Enforce(text string) privacy.Decision
}

// Chat prepares and completes chat turns.
type Chat interface {
	Prepare(ctx context.Context, req chat.PrepareRequest) (chat.Prepared, error)
	Complete(ctx context.Context, req chat.CompleteRequest) (chat.Completion, error)
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// Deps are the services behind the API. Cache may be nil.
type Deps struct {
	Search  UnifiedSearcher
	Memory  MemorySearcher
	Budget  Budget
	Privacy Privacy
	Chat    Chat
	Cache   HealthChecker
}

func (d Deps) validate() error {
	switch {
	case d.Search == nil:
		return errors.New("search service cannot be nil")
	case d.Memory == nil:
		return errors.New("memory service cannot be nil")
	case d.Budget == nil:
		return errors.New("budget service cannot be nil")
	case d.Privacy == nil:
		return errors.New("privacy service cannot be nil")
	case d.Chat == nil:
		return errors.New("chat service cannot be nil")
	}
	return nil
}

// Server provides HTTP endpoints for assistd.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *zap.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// CacheTimeout bounds the cache probe in /health.
	CacheTimeout time.Duration
}

const defaultCacheTimeout = 500 * time.Millisecond

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 8765,
		}
	}
	if cfg.CacheTimeout <= 0 {
		cfg.CacheTimeout = defaultCacheTimeout
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
			c.SetRequest(req.WithContext(ctx))
			err := next(c)

			logger.Info("http request", append(logging.ContextFields(ctx),
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)...)
			return err
		}
	})

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/search/unified", s.handleUnifiedSearch)
	v1.POST("/memory/search", s.handleMemorySearch)

	v1.GET("/budget/totals", s.handleBudgetTotals)
	v1.GET("/budget/config", s.handleGetBudgetConfig)
	v1.PUT("/budget/config", s.handleSetBudgetConfig)
	v1.GET("/budget/events", s.handleBudgetEvents)

	v1.GET("/privacy/settings", s.handleGetPrivacySettings)
	v1.PUT("/privacy/settings", s.handleUpdatePrivacySettings)
	v1.POST("/privacy/classify", s.handleClassify)

	v1.POST("/chat/prepare", s.handleChatPrepare)
	v1.POST("/chat/complete", s.handleChatComplete)
}

// ServeHTTP lets the server be mounted or exercised without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
