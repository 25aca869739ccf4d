// Package streambus is a typed publish/subscribe layer over named channels,
// one per chat, carrying incremental assistant tokens, lifecycle events and
// persistence notifications (spec §4.5). It is backed by the same KV store
// pub/sub used elsewhere in the substrate; delivery is at-least-once with
// no durability guarantee across broker restart.
package streambus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openmates/ai-core/internal/kvstore"
	"github.com/openmates/ai-core/internal/obs"
)

// ChunkPayload is the chat_stream channel's per-event schema (spec §4.5).
type ChunkPayload struct {
	Type                     string `json:"type"`
	TaskID                   string `json:"task_id"`
	ChatID                   string `json:"chat_id"`
	MessageID                string `json:"message_id"`
	UserMessageID            string `json:"user_message_id"`
	FullContentSoFar         string `json:"full_content_so_far,omitempty"`
	Sequence                 int    `json:"sequence"`
	IsFinalChunk             bool   `json:"is_final_chunk"`
	InterruptedBySoftLimit   bool   `json:"interrupted_by_soft_limit,omitempty"`
	InterruptedByRevocation  bool   `json:"interrupted_by_revocation,omitempty"`
	Error                    bool   `json:"error,omitempty"`
}

// TypingEvent is published on ai_typing_indicator_events.
type TypingEvent struct {
	Event     string         `json:"event"` // "typing_started" | "postprocessing_completed"
	TaskID    string         `json:"task_id"`
	ChatID    string         `json:"chat_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MessagePersistedEvent is published on ai_message_persisted.
type MessagePersistedEvent struct {
	ChatID          string `json:"chat_id"`
	MessagesVersion int    `json:"messages_version"`
}

func chatStreamChannel(chatID string) string { return "chat_stream::" + chatID }
func typingChannel(userIDHash string) string { return "ai_typing_indicator_events::" + userIDHash }
func persistedChannel(userIDHash string) string { return "ai_message_persisted::" + userIDHash }

// ChatStreamChannel exposes the chat_stream channel name so a transport
// layer can kvstore.Subscribe to it before dispatching a turn, without
// duplicating the naming scheme.
func ChatStreamChannel(chatID string) string { return chatStreamChannel(chatID) }

// Bus publishes typed events onto named channels. Publishing is best-effort
// and must never block the caller's token loop (spec §4.5): failures are
// logged, never returned as fatal to the pipeline.
type Bus struct {
	store kvstore.Store
}

func New(store kvstore.Store) *Bus {
	return &Bus{store: store}
}

// PublishChunk publishes one chat_stream event. Sequence numbers must be
// monotonically increasing per publisher (spec §5); the caller owns that
// invariant.
func (b *Bus) PublishChunk(ctx context.Context, p ChunkPayload) {
	b.publish(ctx, chatStreamChannel(p.ChatID), p)
}

// PublishTyping publishes a typing-indicator lifecycle event.
func (b *Bus) PublishTyping(ctx context.Context, userIDHash string, e TypingEvent) {
	b.publish(ctx, typingChannel(userIDHash), e)
}

// PublishPersisted publishes a message-persisted event.
func (b *Bus) PublishPersisted(ctx context.Context, userIDHash string, e MessagePersistedEvent) {
	b.publish(ctx, persistedChannel(userIDHash), e)
}

func (b *Bus) publish(ctx context.Context, channel string, payload any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		obs.LoggerWithTrace(ctx).Error().Err(err).Str("channel", channel).Msg("streambus: encode failed")
		return
	}
	if err := b.store.Publish(ctx, channel, string(encoded)); err != nil {
		obs.LoggerWithTrace(ctx).Warn().Err(err).Str("channel", channel).Msg("streambus: publish failed (best-effort)")
	}
}

// SequenceCounter hands out monotonically increasing sequence numbers for
// one publisher's chat_stream events.
type SequenceCounter struct{ n int }

func (c *SequenceCounter) Next() int {
	c.n++
	return c.n
}

// ErrChunk builds the single error chunk published when the pipeline fails
// to even start streaming (spec §7 ServiceInit).
func ErrChunk(taskID, chatID, messageID, userMessageID, message string) ChunkPayload {
	return ChunkPayload{
		Type:             "ai_message_chunk",
		TaskID:           taskID,
		ChatID:           chatID,
		MessageID:        messageID,
		UserMessageID:    userMessageID,
		FullContentSoFar: fmt.Sprintf("Error: %s", message),
		IsFinalChunk:     true,
		Error:            true,
	}
}
