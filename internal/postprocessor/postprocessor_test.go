package postprocessor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmates/ai-core/internal/config"
	"github.com/openmates/ai-core/internal/corerequest"
	"github.com/openmates/ai-core/internal/llmgateway"
)

type scriptedToolProvider struct {
	responses map[string]map[string]any
}

func (s *scriptedToolProvider) Chat(_ context.Context, _ []llmgateway.Message, tools []llmgateway.ToolSchema, _ string) (llmgateway.Message, error) {
	if len(tools) == 0 {
		return llmgateway.Message{}, nil
	}
	name := tools[0].Name
	args, ok := s.responses[name]
	if !ok {
		return llmgateway.Message{}, nil
	}
	b, _ := json.Marshal(args)
	return llmgateway.Message{Role: "assistant", ToolCalls: []llmgateway.ToolCall{{ID: "1", Name: name, Args: b}}}, nil
}

func (s *scriptedToolProvider) ChatStream(context.Context, []llmgateway.Message, []llmgateway.ToolSchema, string, llmgateway.StreamHandler) error {
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Pipeline: config.PipelineConfig{PreprocessingModel: "openai/gpt-x"},
		Providers: map[string]config.ProviderConfig{
			"openai": {ID: "openai"},
		},
	}
}

func newHarness(t *testing.T, responses map[string]map[string]any) *Postprocessor {
	t.Helper()
	reg := llmgateway.NewRegistry()
	reg.Register("openai", &scriptedToolProvider{responses: responses})
	schemas := map[string]map[string]any{
		"food_preferences": {"type": "object", "properties": map[string]any{"likes": map[string]any{"type": "array"}}},
	}
	return New(testConfig(), reg, []string{"web", "code"}, schemas)
}

func baseRequest() *corerequest.AskRequest {
	return &corerequest.AskRequest{
		ChatID: "c1",
		MessageHistory: []corerequest.HistoryMessage{
			{Role: corerequest.RoleUser, Content: "what's the weather"},
		},
	}
}

func basePreprocessing() corerequest.PreprocessingResult {
	return corerequest.PreprocessingResult{ChatSummary: "discussing weather", OutputLanguage: "en"}
}

func TestRun_SkipsWhenSoftLimited(t *testing.T) {
	p := newHarness(t, nil)
	result, ran, err := p.Run(context.Background(), baseRequest(), basePreprocessing(), "it's sunny", true)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Zero(t, result)
}

func TestRun_SkipsWhenExternal(t *testing.T) {
	p := newHarness(t, nil)
	req := baseRequest()
	req.IsExternal = true
	_, ran, err := p.Run(context.Background(), req, basePreprocessing(), "it's sunny", false)
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestRun_SkipsWhenResponseEmpty(t *testing.T) {
	p := newHarness(t, nil)
	_, ran, err := p.Run(context.Background(), baseRequest(), basePreprocessing(), "", false)
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestRun_SkipsWhenNoChatSummary(t *testing.T) {
	p := newHarness(t, nil)
	pre := basePreprocessing()
	pre.ChatSummary = ""
	_, ran, err := p.Run(context.Background(), baseRequest(), pre, "it's sunny", false)
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestRun_SuggestionsOnlyWhenNoCategoriesSelected(t *testing.T) {
	p := newHarness(t, map[string]map[string]any{
		suggestionsToolName: {
			"follow_up_request_suggestions": []any{"will it rain tomorrow?"},
			"chat_summary":                  "discussed today's weather",
			"harmful_response":              false,
		},
	})

	result, ran, err := p.Run(context.Background(), baseRequest(), basePreprocessing(), "it's sunny", false)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, []string{"will it rain tomorrow?"}, result.FollowUpRequestSuggestions)
	assert.Equal(t, "discussed today's weather", result.ChatSummary)
	assert.Empty(t, result.SuggestedSettingsMemories)
}

func TestRun_GeneratesMemoriesWhenCategorySelected(t *testing.T) {
	p := newHarness(t, map[string]map[string]any{
		suggestionsToolName: {
			"chat_summary":                         "discussed favorite foods",
			"harmful_response":                     false,
			"relevant_settings_memory_categories": []any{"food_preferences"},
		},
		memoriesToolName: {
			"suggested_settings_memories": []any{
				map[string]any{"category": "food_preferences", "fields": map[string]any{"likes": []any{"sushi"}}},
			},
		},
	})

	result, ran, err := p.Run(context.Background(), baseRequest(), basePreprocessing(), "noted, you like sushi", false)
	require.NoError(t, err)
	assert.True(t, ran)
	require.Len(t, result.SuggestedSettingsMemories, 1)
	assert.Equal(t, "food_preferences", result.SuggestedSettingsMemories[0].Category)
}

func TestRun_MemoryGenerationFailureDoesNotFailTurn(t *testing.T) {
	p := newHarness(t, map[string]map[string]any{
		suggestionsToolName: {
			"chat_summary":                         "discussed favorite foods",
			"harmful_response":                     false,
			"relevant_settings_memory_categories": []any{"food_preferences"},
		},
		// memoriesToolName deliberately absent: scriptedToolProvider.Chat
		// returns no tool call, simulating a provider failure to classify.
	})

	result, ran, err := p.Run(context.Background(), baseRequest(), basePreprocessing(), "noted, you like sushi", false)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Empty(t, result.SuggestedSettingsMemories)
}
