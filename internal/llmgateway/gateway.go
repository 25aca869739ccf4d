// Package llmgateway defines the uniform contract the pipeline uses to talk
// to language models. Concrete provider adapters are external collaborators
// (spec §1 Non-goals); this package only fixes the shape every call/stream
// crosses, plus two adapters (OpenAI and Anthropic).
package llmgateway

import (
	"context"
	"encoding/json"
)

// ToolCall is one function-call the model asked the caller to make.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// GeneratedImage is an inline image payload returned by the model.
type GeneratedImage struct {
	Data     []byte
	MIMEType string
}

// Message is one turn in the conversation sent to or returned from a model.
type Message struct {
	Role      string // "system" | "user" | "assistant" | "tool"
	Content   string
	ToolID    string
	ToolCalls []ToolCall
	Images    []GeneratedImage
}

// ToolSchema describes one callable tool surfaced to the model, named
// "<app_id>-<skill_id>" per spec §4.7.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// StreamHandler receives incremental output from ChatStream.
type StreamHandler interface {
	OnDelta(content string)
	OnToolCall(tc ToolCall)
	OnImage(img GeneratedImage)
}

// Provider is the uniform contract every concrete model adapter implements.
type Provider interface {
	Chat(ctx context.Context, msgs []Message, tools []ToolSchema, model string) (Message, error)
	ChatStream(ctx context.Context, msgs []Message, tools []ToolSchema, model string, h StreamHandler) error
}

// Registry resolves a "provider/model" id to the Provider that serves it.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func (r *Registry) Register(providerID string, p Provider) {
	r.providers[providerID] = p
}

// Resolve splits "provider/model" and returns the registered Provider plus
// the bare model id to pass to it.
func (r *Registry) Resolve(providerModelID string) (p Provider, modelID string, ok bool) {
	for i := 0; i < len(providerModelID); i++ {
		if providerModelID[i] == '/' {
			providerID, model := providerModelID[:i], providerModelID[i+1:]
			p, ok := r.providers[providerID]
			return p, model, ok
		}
	}
	return nil, "", false
}
