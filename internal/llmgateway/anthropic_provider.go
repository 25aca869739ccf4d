package llmgateway

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider adapts the Anthropic Messages API to the Provider
// contract, giving the registry a second real backend beyond OpenAI.
type AnthropicProvider struct {
	client anthropic.Client
}

func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

func (p *AnthropicProvider) Chat(ctx context.Context, msgs []Message, tools []ToolSchema, model string) (Message, error) {
	var system string
	var turns []anthropic.MessageParam
	for _, m := range msgs {
		switch m.Role {
		case "system":
			system = m.Content
		case "assistant":
			turns = append(turns, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			turns = append(turns, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 4096,
		Messages:  turns,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		toolParams := make([]anthropic.ToolUnionParam, 0, len(tools))
		for _, t := range tools {
			toolParams = append(toolParams, anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
				Properties: t.Parameters,
			}, t.Name))
		}
		params.Tools = toolParams
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return Message{}, fmt.Errorf("anthropic chat: %w", err)
	}

	out := Message{Role: "assistant"}
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Content += variant.Text
		case anthropic.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:   variant.ID,
				Name: variant.Name,
				Args: variant.Input,
			})
		}
	}
	return out, nil
}

// ChatStream makes one non-streaming Chat call and replays its text as a
// single delta, followed by its tool calls.
func (p *AnthropicProvider) ChatStream(ctx context.Context, msgs []Message, tools []ToolSchema, model string, h StreamHandler) error {
	msg, err := p.Chat(ctx, msgs, tools, model)
	if err != nil {
		return err
	}
	if msg.Content != "" {
		h.OnDelta(msg.Content)
	}
	for _, tc := range msg.ToolCalls {
		h.OnToolCall(tc)
	}
	return nil
}

var _ Provider = (*AnthropicProvider)(nil)
