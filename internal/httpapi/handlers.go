package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/openmates/ai-core/internal/corerequest"
	"github.com/openmates/ai-core/internal/obs"
	"github.com/openmates/ai-core/internal/pipeline"
	"github.com/openmates/ai-core/internal/streambus"
)

func (s *Server) handleAsk(c echo.Context) error {
	var body askRequestBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if body.ChatID == "" || body.UserID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "chat_id and user_id are required"})
	}
	return s.dispatch(c, body.toAskRequest(), body.Stream, false)
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
	}

	var body openAIChatRequest
	if err := json.Unmarshal(raw, &body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	var fields map[string]json.RawMessage
	_ = json.Unmarshal(raw, &fields)

	if body.ChatID == "" || body.UserID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "chat_id and user_id are required"})
	}

	req, err := body.toAskRequest(fields)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return s.dispatch(c, req, body.Stream, true)
}

// dispatch runs req through the pipeline, either streaming the turn's
// chat_stream events back as SSE or waiting for the full result and
// rendering one JSON response. compat selects the OpenAI-shaped response
// body for non-streaming /v1/chat/completions calls.
func (s *Server) dispatch(c echo.Context, req *corerequest.AskRequest, stream, compat bool) error {
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}

	if !stream {
		res, err := s.runner.Run(c.Request().Context(), req)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		if compat {
			return c.JSON(http.StatusOK, renderOpenAIResponse(res))
		}
		return c.JSON(http.StatusOK, renderResponse(res))
	}

	return s.streamAsk(c, req)
}

// streamAsk subscribes to the turn's chat_stream channel before launching
// the pipeline, so no chunk published in the window between dispatch and
// subscribe is lost, then relays every chunk as an SSE event until the
// final one arrives.
func (s *Server) streamAsk(c echo.Context, req *corerequest.AskRequest) error {
	ctx := c.Request().Context()
	log := obs.LoggerWithTrace(ctx).With().Str("chat_id", req.ChatID).Logger()

	sub, err := s.store.Subscribe(ctx, streambus.ChatStreamChannel(req.ChatID))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to open stream"})
	}
	defer sub.Close()

	runErrCh := make(chan error, 1)
	go func() {
		_, err := s.runner.Run(ctx, req)
		runErrCh <- err
	}()

	sse, err := streambus.NewSSEWriter(c.Response())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
	}

	idle := time.NewTimer(streamTimeout)
	defer idle.Stop()

	var lastSent int
	for {
		select {
		case raw, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			idle.Reset(streamTimeout)
			var chunk streambus.ChunkPayload
			if err := json.Unmarshal([]byte(raw), &chunk); err != nil {
				log.Warn().Err(err).Msg("httpapi: decode chat_stream event failed")
				continue
			}
			delta := deltaSince(chunk.FullContentSoFar, lastSent)
			lastSent = len(chunk.FullContentSoFar)
			if delta != "" || chunk.IsFinalChunk {
				if err := sse.Send(streambus.OpenAIStreamResponse{
					ID:     chunk.MessageID,
					Object: "chat.completion.chunk",
					Delta:  streambus.OpenAIStreamDelta{Content: delta},
				}); err != nil {
					return nil
				}
			}
			if chunk.IsFinalChunk {
				return sse.Done()
			}
		case err := <-runErrCh:
			if err != nil {
				log.Warn().Err(err).Msg("httpapi: pipeline run returned error during stream")
			}
			// The pipeline always publishes a terminal chunk (success,
			// rejection or error path) before Run returns, so the normal
			// case reaches IsFinalChunk above; this only guards against a
			// bug where Run returned without ever publishing one.
		case <-ctx.Done():
			return nil
		case <-idle.C:
			log.Warn().Msg("httpapi: stream idle timeout, closing connection")
			return nil
		}
	}
}

// deltaSince returns the suffix of full appended since sentLen bytes were
// already sent, since ChunkPayload carries the cumulative text rather than
// a per-event delta.
func deltaSince(full string, sentLen int) string {
	if sentLen >= len(full) {
		return ""
	}
	return full[sentLen:]
}

func renderResponse(res pipeline.RunResult) askResponseBody {
	return askResponseBody{
		TaskID:          res.TaskID,
		Rejected:        res.Rejected,
		RejectionReason: res.RejectionReason,
		Content:         res.Result.FinalText,
	}
}

func renderOpenAIResponse(res pipeline.RunResult) openAIChatResponse {
	return openAIChatResponse{
		ID:     res.TaskID,
		Object: "chat.completion",
		Choices: []openAIChatResponseChoice{{
			Index:        0,
			Message:      openAIChatMessage{Role: string(corerequest.RoleAssistant), Content: res.Result.FinalText},
			FinishReason: "stop",
		}},
	}
}
