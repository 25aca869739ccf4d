// Package cleanup runs the idempotent teardown every pipeline termination
// path (success, rejection, revocation, exception) invokes: clearing the
// active-task marker and resolving any embed left in "processing" for this
// task (spec §4.10).
package cleanup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/openmates/ai-core/internal/corerequest"
	"github.com/openmates/ai-core/internal/kvstore"
	"github.com/openmates/ai-core/internal/obs"
)

const (
	activeTaskKeyPrefix = "active_ai_task:"
	embedKeyPrefix      = "embed:"
	maxErrorMessageLen  = 500
)

// Coordinator clears per-task substrate state. Every method is best-effort:
// failures are logged, never returned as fatal, per spec §4.10.
type Coordinator struct {
	store kvstore.Store
}

func New(store kvstore.Store) *Coordinator {
	return &Coordinator{store: store}
}

func activeTaskKey(chatID string) string { return activeTaskKeyPrefix + chatID }

// ActiveTaskKey exposes the active-task marker's KV key so RequestPipeline
// can set/read it with the same naming Coordinator checks on teardown.
func ActiveTaskKey(chatID string) string { return activeTaskKey(chatID) }

func hashID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// ClearActiveTask removes the active-task marker for chatID, but only if it
// still points at taskID — a newer task may have already claimed the marker
// (spec §4.9 drain/dispatch race).
func (c *Coordinator) ClearActiveTask(ctx context.Context, chatID, taskID string) {
	log := obs.LoggerWithTrace(ctx).With().Str("chat_id", chatID).Str("task_id", taskID).Logger()

	current, found, err := c.store.Get(ctx, activeTaskKey(chatID))
	if err != nil {
		log.Warn().Err(err).Msg("cleanup: read active task marker failed")
		return
	}
	if !found || current != taskID {
		return
	}
	if err := c.store.Del(ctx, activeTaskKey(chatID)); err != nil {
		log.Warn().Err(err).Msg("cleanup: clear active task marker failed")
	}
}

// ResolveEmbeds scans every embed still marked "processing" for (chatID,
// taskID) and transitions it to cancelled or error (spec §4.10 step 2).
func (c *Coordinator) ResolveEmbeds(ctx context.Context, chatID, taskID string, wasRevoked bool, failureReason string) {
	log := obs.LoggerWithTrace(ctx).With().Str("chat_id", chatID).Str("task_id", taskID).Logger()

	hashedChatID := hashID(chatID)
	hashedTaskID := hashID(taskID)

	keys, err := c.store.ScanKeys(ctx, embedKeyPrefix+"*")
	if err != nil {
		log.Warn().Err(err).Msg("cleanup: scan embed namespace failed")
		return
	}

	nextStatus := corerequest.EmbedError
	if wasRevoked {
		nextStatus = corerequest.EmbedCancelled
	}
	message := truncate(failureReason, maxErrorMessageLen)

	for _, key := range keys {
		raw, found, err := c.store.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		var embed corerequest.Embed
		if err := json.Unmarshal([]byte(raw), &embed); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("cleanup: decode embed record failed")
			continue
		}
		if embed.HashedChatID != hashedChatID || embed.HashedTaskID != hashedTaskID {
			continue
		}
		if embed.Status != corerequest.EmbedProcessing {
			continue
		}

		embed.Status = nextStatus
		encoded, err := json.Marshal(embedWithMessage{Embed: embed, ErrorMessage: message})
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("cleanup: encode embed record failed")
			continue
		}
		if err := c.store.Set(ctx, key, string(encoded), 0); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("cleanup: write embed record failed")
		}
	}
}

// embedWithMessage adds the optional error message field to a stored embed
// record without widening corerequest.Embed's JSON shape in the happy path.
type embedWithMessage struct {
	corerequest.Embed
	ErrorMessage string `json:"error_message,omitempty"`
}

// Run performs the full teardown sequence for one terminated task.
func (c *Coordinator) Run(ctx context.Context, chatID, taskID string, wasRevoked bool, failureReason string) {
	c.ClearActiveTask(ctx, chatID, taskID)
	c.ResolveEmbeds(ctx, chatID, taskID, wasRevoked, failureReason)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s…", s[:n])
}
