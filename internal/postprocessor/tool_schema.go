package postprocessor

import (
	"fmt"
	"strings"

	"github.com/openmates/ai-core/internal/corerequest"
	"github.com/openmates/ai-core/internal/llmgateway"
)

// buildSuggestionsPrompt assembles the phase 1 system prompt from the last
// user message, the full assistant response, the preferred chat summary
// (preprocessing's, since it already reflects this turn's framing), chat
// tags, and the output/system language pair used to localize new-chat
// suggestions (spec §4.8 step 1).
func (p *Postprocessor) buildSuggestionsPrompt(lastUserMessage, assistantResponse string, pre corerequest.PreprocessingResult) string {
	var b strings.Builder
	b.WriteString("Summarize this turn and propose what the user might ask next.\n\n")
	b.WriteString("Last user message:\n" + lastUserMessage + "\n\n")
	b.WriteString("Assistant response:\n" + assistantResponse + "\n\n")
	if pre.ChatSummary != "" {
		b.WriteString("Prior chat summary: " + pre.ChatSummary + "\n")
	}
	if len(pre.ChatTags) > 0 {
		b.WriteString("Chat tags: " + strings.Join(pre.ChatTags, ", ") + "\n")
	}
	b.WriteString(fmt.Sprintf("Output language for follow_up_request_suggestions: %s\n", pre.OutputLanguage))
	b.WriteString("new_chat_request_suggestions must be written in the user's system UI language, not necessarily the chat's output language.\n")
	if len(p.availableAppIDs) > 0 {
		b.WriteString("Available apps: " + strings.Join(p.availableAppIDs, ", ") + "\n")
	}
	if len(p.settingsMemorySchemas) > 0 {
		b.WriteString("Available settings/memory categories: " + strings.Join(categoryIDs(p.settingsMemorySchemas), ", ") + "\n")
	}
	return b.String()
}

func (p *Postprocessor) buildSuggestionsTool() []llmgateway.ToolSchema {
	return []llmgateway.ToolSchema{{
		Name:        suggestionsToolName,
		Description: "Return follow-up suggestions, a refined chat summary, and category hints.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"follow_up_request_suggestions":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"new_chat_request_suggestions":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"chat_summary":                        map[string]any{"type": "string"},
				"harmful_response":                     map[string]any{"type": "boolean"},
				"top_recommended_apps_for_user":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"relevant_settings_memory_categories":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []string{"chat_summary", "harmful_response"},
		},
	}}
}

// buildMemoriesTool restricts the phase 2 tool's suggested_settings_memories
// item schema to only the category fields phase 1 selected, so the model
// cannot hallucinate a structured entry for a category nobody asked for
// (spec §4.8 step 2).
func (p *Postprocessor) buildMemoriesTool(categories []string) []llmgateway.ToolSchema {
	categoryEnum := make([]string, 0, len(categories))
	var fieldSchemas map[string]any
	for _, c := range categories {
		if schema, ok := p.settingsMemorySchemas[c]; ok {
			categoryEnum = append(categoryEnum, c)
			if fieldSchemas == nil {
				fieldSchemas = map[string]any{}
			}
			fieldSchemas[c] = schema
		}
	}

	return []llmgateway.ToolSchema{{
		Name:        memoriesToolName,
		Description: "Propose structured settings/memory entries restricted to the selected categories.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"suggested_settings_memories": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"category": map[string]any{"type": "string", "enum": categoryEnum},
							"fields":   map[string]any{"type": "object", "description": "shaped per the category's own schema", "oneOf": fieldSchemas},
						},
						"required": []string{"category", "fields"},
					},
				},
			},
			"required": []string{"suggested_settings_memories"},
		},
	}}
}

func categoryIDs(m map[string]map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
