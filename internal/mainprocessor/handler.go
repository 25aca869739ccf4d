package mainprocessor

import (
	"context"
	"strings"
	"sync"

	"github.com/openmates/ai-core/internal/llmgateway"
	"github.com/openmates/ai-core/internal/streambus"
)

// tokenHandler implements llmgateway.StreamHandler: it accumulates the
// response text, publishes each chunk on StreamBus, and collects tool
// calls for the driving loop. Publishing never blocks token intake (spec
// §4.7 streaming discipline) since Bus.PublishChunk is itself best-effort.
// seq is shared across every loop iteration (and the caller's final marker)
// so sequence numbers stay monotonically increasing across tool-call steps.
type tokenHandler struct {
	mu  sync.Mutex
	acc strings.Builder

	seq           *streambus.SequenceCounter
	bus           *streambus.Bus
	taskID        string
	chatID        string
	messageID     string
	userMessageID string

	token  *CancelToken
	cancel context.CancelFunc
	ctx    context.Context

	toolCalls []llmgateway.ToolCall
}

func newTokenHandler(ctx context.Context, cancel context.CancelFunc, bus *streambus.Bus, token *CancelToken, seq *streambus.SequenceCounter, taskID, chatID, messageID, userMessageID string) *tokenHandler {
	return &tokenHandler{
		seq: seq, bus: bus, token: token, cancel: cancel, ctx: ctx,
		taskID: taskID, chatID: chatID, messageID: messageID, userMessageID: userMessageID,
	}
}

func (h *tokenHandler) OnDelta(content string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.token.Interrupted() {
		h.cancel()
		return
	}
	h.acc.WriteString(content)
	h.bus.PublishChunk(h.ctx, streambus.ChunkPayload{
		Type:             "ai_message_chunk",
		TaskID:           h.taskID,
		ChatID:           h.chatID,
		MessageID:        h.messageID,
		UserMessageID:    h.userMessageID,
		FullContentSoFar: h.acc.String(),
		Sequence:         h.seq.Next(),
		IsFinalChunk:     false,
	})
}

func (h *tokenHandler) OnToolCall(tc llmgateway.ToolCall) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.toolCalls = append(h.toolCalls, tc)
}

func (h *tokenHandler) OnImage(_ llmgateway.GeneratedImage) {
	// Generated images are dropped here: they are not published on StreamBus,
	// and the HTTP transport never sends delta.embeds, so they do not reach
	// the client.
}

func (h *tokenHandler) accumulated() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.acc.String()
}

func (h *tokenHandler) drainToolCalls() []llmgateway.ToolCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	tc := h.toolCalls
	h.toolCalls = nil
	return tc
}
