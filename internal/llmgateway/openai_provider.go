package llmgateway

import (
	"context"
	"encoding/json"
	"fmt"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIProvider adapts the OpenAI chat-completions API to the Provider
// contract. It is one of the two concrete adapters kept in-tree, alongside
// AnthropicProvider; other providers are external collaborators per spec §1.
type OpenAIProvider struct {
	client sdk.Client
}

func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{client: sdk.NewClient(option.WithAPIKey(apiKey))}
}

func adaptMessages(msgs []Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, sdk.SystemMessage(m.Content))
		case "assistant":
			out = append(out, sdk.AssistantMessage(m.Content))
		case "tool":
			out = append(out, sdk.ToolMessage(m.Content, m.ToolID))
		default:
			out = append(out, sdk.UserMessage(m.Content))
		}
	}
	return out
}

func adaptTools(tools []ToolSchema) []sdk.ChatCompletionToolUnionParam {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, sdk.ChatCompletionFunctionTool(sdk.FunctionDefinitionParam{
			Name:        t.Name,
			Description: sdk.String(t.Description),
			Parameters:  t.Parameters,
		}))
	}
	return out
}

func (p *OpenAIProvider) Chat(ctx context.Context, msgs []Message, tools []ToolSchema, model string) (Message, error) {
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(model),
		Messages: adaptMessages(msgs),
	}
	if len(tools) > 0 {
		params.Tools = adaptTools(tools)
	}
	comp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Message{}, fmt.Errorf("openai chat: %w", err)
	}
	if len(comp.Choices) == 0 {
		return Message{}, fmt.Errorf("openai chat: empty choices")
	}
	choice := comp.Choices[0]
	out := Message{Role: "assistant", Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

// ChatStream streams deltas via h; the openai-go SDK's streaming iterator
// is consumed to completion or until ctx is cancelled.
func (p *OpenAIProvider) ChatStream(ctx context.Context, msgs []Message, tools []ToolSchema, model string, h StreamHandler) error {
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(model),
		Messages: adaptMessages(msgs),
	}
	if len(tools) > 0 {
		params.Tools = adaptTools(tools)
	}
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	acc := sdk.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				h.OnDelta(choice.Delta.Content)
			}
			for _, tc := range choice.Delta.ToolCalls {
				if tc.Function.Name == "" {
					continue
				}
				h.OnToolCall(ToolCall{
					ID:   tc.ID,
					Name: tc.Function.Name,
					Args: json.RawMessage(tc.Function.Arguments),
				})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai chat stream: %w", err)
	}
	return nil
}

var _ Provider = (*OpenAIProvider)(nil)
