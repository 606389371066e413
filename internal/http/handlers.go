package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/assistd/internal/budget"
	"github.com/fyrsmithlabs/assistd/internal/chat"
	"github.com/fyrsmithlabs/assistd/internal/conversation"
	"github.com/fyrsmithlabs/assistd/internal/logging"
	"github.com/fyrsmithlabs/assistd/internal/privacy"
	"github.com/fyrsmithlabs/assistd/internal/search"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const budgetHint = "Adjust limits via /api/v1/budget/config or try again later"

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Services: map[string]string{}}
	if s.deps.Cache != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), s.config.CacheTimeout)
		defer cancel()
		if s.deps.Cache.Healthy(ctx) {
			resp.Services["cache"] = "ok"
		} else {
			resp.Services["cache"] = "unavailable"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleUnifiedSearch(c echo.Context) error {
	var req UnifiedSearchRequest
	if err := c.Bind(&req); err != nil {
		return s.badRequest(c, "invalid request body", err)
	}
	includeLocal := true
	if req.IncludeLocal != nil {
		includeLocal = *req.IncludeLocal
	}

	res, err := s.deps.Search.Search(c.Request().Context(), search.Request{
		Query:        req.Query,
		IncludeLocal: includeLocal,
		IncludeWeb:   req.IncludeWeb,
		WebSources:   req.WebSources,
		MaxResults:   req.MaxResults,
		EscalateLLM:  req.EscalateLLM,
	})
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleMemorySearch(c echo.Context) error {
	var req MemorySearchRequest
	if err := c.Bind(&req); err != nil {
		return s.badRequest(c, "invalid request body", err)
	}
	if strings.TrimSpace(req.Query) == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "query field is required"})
	}

	msgs, err := s.deps.Memory.Search(c.Request().Context(), req.Query)
	if err != nil {
		return s.writeError(c, err)
	}
	out := make([]MessageResponse, len(msgs))
	for i, m := range msgs {
		out[i] = toMessageResponse(m)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleBudgetTotals(c echo.Context) error {
	t, err := s.deps.Budget.Totals(c.Request().Context())
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleGetBudgetConfig(c echo.Context) error {
	cfg, err := s.deps.Budget.Config(c.Request().Context())
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, cfg)
}

func (s *Server) handleSetBudgetConfig(c echo.Context) error {
	var u budget.ConfigUpdate
	if err := c.Bind(&u); err != nil {
		return s.badRequest(c, "invalid request body", err)
	}
	cfg, err := s.deps.Budget.SetConfig(c.Request().Context(), u)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, cfg)
}

func (s *Server) handleBudgetEvents(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})
		}
		limit = n
	}
	events, err := s.deps.Budget.Events(c.Request().Context(), limit)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, events)
}

func (s *Server) handleGetPrivacySettings(c echo.Context) error {
	st, err := s.deps.Privacy.Settings(c.Request().Context())
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleUpdatePrivacySettings(c echo.Context) error {
	var u privacy.Update
	if err := c.Bind(&u); err != nil {
		return s.badRequest(c, "invalid request body", err)
	}
	st, err := s.deps.Privacy.UpdateSettings(c.Request().Context(), u)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleClassify(c echo.Context) error {
	var req ClassifyRequest
	if err := c.Bind(&req); err != nil {
		return s.badRequest(c, "invalid request body", err)
	}
	return c.JSON(http.StatusOK, s.deps.Privacy.Enforce(req.Text))
}

func (s *Server) handleChatPrepare(c echo.Context) error {
	var req chat.PrepareRequest
	if err := c.Bind(&req); err != nil {
		return s.badRequest(c, "invalid request body", err)
	}
	p, err := s.deps.Chat.Prepare(c.Request().Context(), req)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleChatComplete(c echo.Context) error {
	var req chat.CompleteRequest
	if err := c.Bind(&req); err != nil {
		return s.badRequest(c, "invalid request body", err)
	}
	out, err := s.deps.Chat.Complete(c.Request().Context(), req)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) badRequest(c echo.Context, msg string, err error) error {
	s.logger.Warn(msg, zap.String("path", c.Path()), zap.Error(err))
	return c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
}

// writeError maps service errors to responses. Unknown errors become a
// generic 500 and are logged with their detail.
func (s *Server) writeError(c echo.Context, err error) error {
	var exceeded *budget.ExceededError
	switch {
	case errors.As(err, &exceeded):
		return c.JSON(http.StatusTooManyRequests, BudgetExceededResponse{
			Error:   "Budget limit exceeded",
			Daily:   exceeded.Daily,
			Monthly: exceeded.Monthly,
			Hint:    budgetHint,
		})
	case errors.Is(err, search.ErrUnavailable):
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
	case errors.Is(err, search.ErrInvalidRequest),
		errors.Is(err, chat.ErrInvalidRequest),
		errors.Is(err, privacy.ErrInvalidSetting),
		errors.Is(err, budget.ErrInvalidConfig):
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, conversation.ErrNotFound):
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "conversation not found"})
	}

	s.logger.Error("request failed", append(logging.ContextFields(c.Request().Context()),
		zap.String("path", c.Path()),
		zap.Error(err),
	)...)
	return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
}
