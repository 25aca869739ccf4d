package preprocessor

import "github.com/openmates/ai-core/internal/llmgateway"

const preprocessToolName = "preprocess_request"

// buildPreprocessTool assembles the "preprocess request" tool schema (spec
// §4.6 step 4). When chatHasTitle is true, title/icon_names/category are
// dropped from both properties and required since they're one-shot,
// first-turn-only metadata (spec §9 open question: strictly first-turn).
func (p *Preprocessor) buildPreprocessTool(chatHasTitle bool) []llmgateway.ToolSchema {
	properties := map[string]any{
		"harmful_or_illegal_score": map[string]any{"type": "number", "description": "0-10 risk score"},
		"misuse_risk_score":        map[string]any{"type": "number", "description": "0-10 risk score"},
		"category":                 map[string]any{"type": "string", "description": "the request's mate category"},
		"complexity":               map[string]any{"type": "string", "enum": []string{"simple", "complex"}},
		"task_area":                map[string]any{"type": "string", "enum": []string{"code", "math", "creative", "instruction", "general"}},
		"user_unhappy":             map[string]any{"type": "boolean"},
		"china_model_sensitive":    map[string]any{"type": "boolean"},
		"llm_response_temp":        map[string]any{"type": "number"},
		"output_language":          map[string]any{"type": "string"},
		"load_app_settings_and_memories": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"relevant_embedded_previews":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"relevant_app_skills":            map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"relevant_focus_modes":           map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"title":        map[string]any{"type": "string"},
		"icon_names":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"chat_summary": map[string]any{"type": "string"},
		"chat_tags":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"requires_advice_disclaimer": map[string]any{"type": "string", "enum": []string{"financial", "medical", "legal", "mental_health"}},
	}
	required := []string{
		"harmful_or_illegal_score", "misuse_risk_score", "complexity", "task_area",
		"llm_response_temp", "output_language", "chat_summary", "category",
	}

	if chatHasTitle {
		delete(properties, "title")
		delete(properties, "icon_names")
		delete(properties, "category")
		required = removeAll(required, "category")
		// category stays absent from required and properties; validate()
		// falls back to "general_knowledge" when the field is missing.
	}

	return []llmgateway.ToolSchema{{
		Name:        preprocessToolName,
		Description: "Classify the user's request and select pipeline parameters.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": properties,
			"required":   required,
		},
	}}
}

func removeAll(xs []string, v string) []string {
	out := xs[:0:0]
	for _, x := range xs {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// availableCategories is the union of configured mate categories and the
// permanent "general_knowledge" fallback (spec §4.6 step 5).
func (p *Preprocessor) availableCategories() []string {
	seen := map[string]bool{"general_knowledge": true}
	out := []string{"general_knowledge"}
	for _, m := range p.cfg.Mates {
		if !seen[m.Category] {
			seen[m.Category] = true
			out = append(out, m.Category)
		}
	}
	return out
}
