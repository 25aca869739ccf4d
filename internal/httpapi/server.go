// Package httpapi is the inbound Ask entrypoint (spec §6): a native JSON
// endpoint plus an OpenAI-compatible chat-completions endpoint, each
// supporting both a single-shot response and an SSE token stream relayed
// from streambus over the shared KV store's pub/sub.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/openmates/ai-core/internal/corerequest"
	"github.com/openmates/ai-core/internal/kvstore"
	"github.com/openmates/ai-core/internal/pipeline"
)

// Runner is the subset of *pipeline.RequestPipeline the server calls,
// narrowed to a local interface so handlers can be tested against a
// scripted fake instead of the live substrate.
type Runner interface {
	Run(ctx context.Context, req *corerequest.AskRequest) (pipeline.RunResult, error)
}

// Server exposes the Ask HTTP surface over echo, grounded on the teacher's
// own echo+SSE handler (RunReActAgentStreamHandler).
type Server struct {
	echo   *echo.Echo
	runner Runner
	store  kvstore.Store
}

// NewServer wires the echo routes. store is used only to Subscribe to a
// turn's chat_stream channel for SSE relay; the pipeline itself owns every
// other KV interaction.
func NewServer(runner Runner, store kvstore.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{echo: e, runner: runner, store: store}

	e.POST("/v1/ask", s.handleAsk)
	e.POST("/v1/chat/completions", s.handleChatCompletions)
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	return s
}

// Handler returns the underlying http.Handler, for use with an
// *http.Server or httptest.
func (s *Server) Handler() http.Handler { return s.echo }

// streamTimeout bounds how long the relay loop waits for the first chunk
// and between chunks before giving up on a stalled turn.
const streamTimeout = 5 * time.Minute
