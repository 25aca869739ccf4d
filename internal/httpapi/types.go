package httpapi

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openmates/ai-core/internal/corerequest"
)

// askRequestBody is the native /v1/ask wire shape; it maps directly onto
// corerequest.AskRequest.
type askRequestBody struct {
	ChatID          string                     `json:"chat_id"`
	MessageID       string                     `json:"message_id"`
	UserID          string                     `json:"user_id"`
	UserIDHash      string                     `json:"user_id_hash"`
	MessageHistory  []corerequest.HistoryMessage `json:"message_history"`
	ChatHasTitle    bool                       `json:"chat_has_title"`
	IsIncognito     bool                       `json:"is_incognito"`
	IsExternal      bool                       `json:"is_external"`
	MateID          *string                    `json:"mate_id,omitempty"`
	ActiveFocusID   *string                    `json:"active_focus_id,omitempty"`
	UserPreferences map[string]any             `json:"user_preferences,omitempty"`
	Stream          bool                       `json:"stream"`
}

func (b askRequestBody) toAskRequest() *corerequest.AskRequest {
	return &corerequest.AskRequest{
		ChatID:          b.ChatID,
		MessageID:       b.MessageID,
		UserID:          b.UserID,
		UserIDHash:      b.UserIDHash,
		MessageHistory:  b.MessageHistory,
		ChatHasTitle:    b.ChatHasTitle,
		IsIncognito:     b.IsIncognito,
		IsExternal:      b.IsExternal,
		MateID:          b.MateID,
		ActiveFocusID:   b.ActiveFocusID,
		UserPreferences: b.UserPreferences,
	}
}

// openAIChatMessage is one entry of an OpenAI-compatible chat request.
type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// knownOpenAIFields lists the top-level keys toAskRequest consumes
// explicitly; everything else in the request body lands in
// UserPreferences, so unrecognized OpenAI client fields (temperature,
// top_p, tool choices, ...) survive as advisory hints instead of being
// silently dropped.
var knownOpenAIFields = map[string]struct{}{
	"model": {}, "messages": {}, "stream": {},
	"chat_id": {}, "user_id": {}, "user_id_hash": {}, "message_id": {},
	"mate_id": {}, "active_focus_id": {}, "is_incognito": {}, "is_external": {},
	"chat_has_title": {},
}

// openAIChatRequest decodes the OpenAI chat-completions shape plus the
// handful of OpenMates-specific fields clients may set alongside it
// (chat_id, user_id, mate_id, ...), since this is the compatibility
// surface external tools hit without native AskRequest knowledge.
type openAIChatRequest struct {
	Model         string               `json:"model"`
	Messages      []openAIChatMessage  `json:"messages"`
	Stream        bool                 `json:"stream"`
	ChatID        string               `json:"chat_id"`
	UserID        string               `json:"user_id"`
	UserIDHash    string               `json:"user_id_hash"`
	MessageID     string               `json:"message_id"`
	MateID        *string              `json:"mate_id,omitempty"`
	ActiveFocusID *string              `json:"active_focus_id,omitempty"`
	IsIncognito   bool                 `json:"is_incognito"`
	IsExternal    bool                 `json:"is_external"`
	ChatHasTitle  bool                 `json:"chat_has_title"`
}

// toAskRequest translates the OpenAI-shaped body into an AskRequest,
// folding any field raw didn't recognize into UserPreferences so the
// pipeline can still see them (e.g. a client-supplied temperature hint).
func (b openAIChatRequest) toAskRequest(raw map[string]json.RawMessage) (*corerequest.AskRequest, error) {
	history := make([]corerequest.HistoryMessage, 0, len(b.Messages))
	now := time.Now().Unix()
	for _, m := range b.Messages {
		role := corerequest.Role(m.Role)
		switch role {
		case corerequest.RoleUser, corerequest.RoleAssistant, corerequest.RoleSystem, corerequest.RoleTool:
		default:
			return nil, fmt.Errorf("httpapi: unsupported message role %q", m.Role)
		}
		history = append(history, corerequest.HistoryMessage{Role: role, Content: m.Content, CreatedAt: now})
	}

	prefs := map[string]any{}
	for key, val := range raw {
		if _, known := knownOpenAIFields[key]; known {
			continue
		}
		var decoded any
		if err := json.Unmarshal(val, &decoded); err != nil {
			continue
		}
		prefs[key] = decoded
	}
	if len(prefs) == 0 {
		prefs = nil
	}

	return &corerequest.AskRequest{
		ChatID:          b.ChatID,
		MessageID:       b.MessageID,
		UserID:          b.UserID,
		UserIDHash:      b.UserIDHash,
		MessageHistory:  history,
		ChatHasTitle:    b.ChatHasTitle,
		IsIncognito:     b.IsIncognito,
		IsExternal:      b.IsExternal,
		MateID:          b.MateID,
		ActiveFocusID:   b.ActiveFocusID,
		UserPreferences: prefs,
	}, nil
}

// askResponseBody is the single-shot JSON response for a non-streaming
// /v1/ask or /v1/chat/completions call.
type askResponseBody struct {
	TaskID          string                     `json:"task_id"`
	Rejected        bool                       `json:"rejected,omitempty"`
	RejectionReason corerequest.RejectionReason `json:"rejection_reason,omitempty"`
	Content         string                     `json:"content"`
}

// openAIChatResponseChoice mirrors the single-choice shape OpenAI clients
// expect back from a non-streaming chat-completions call.
type openAIChatResponseChoice struct {
	Index        int               `json:"index"`
	Message      openAIChatMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type openAIChatResponse struct {
	ID      string                      `json:"id"`
	Object  string                      `json:"object"`
	Choices []openAIChatResponseChoice `json:"choices"`
}
