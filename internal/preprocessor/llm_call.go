package preprocessor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openmates/ai-core/internal/llmgateway"
)

// callModel issues the single classifying LLM tool call (spec §4.6 step 6).
// addendum, when non-empty, is appended to the category description for the
// one permitted retry after an invalid category (step 8).
func (p *Preprocessor) callModel(ctx context.Context, cc llmCallContext, addendum string) (map[string]any, error) {
	tools := cc.tools
	if addendum != "" {
		tools = withCategoryAddendum(cc.tools, addendum)
	}

	systemPrompt := p.buildSystemPrompt(cc)
	msgs := make([]llmgateway.Message, 0, len(cc.history)+1)
	msgs = append(msgs, llmgateway.Message{Role: "system", Content: systemPrompt})
	for _, h := range cc.history {
		msgs = append(msgs, llmgateway.Message{Role: string(h.Role), Content: h.Content})
	}

	for _, modelID := range p.preprocessingModelCandidates() {
		provider, bareModel, ok := p.llm.Resolve(modelID)
		if !ok {
			continue
		}
		resp, err := provider.Chat(ctx, msgs, tools, bareModel)
		if err != nil {
			continue
		}
		for _, tc := range resp.ToolCalls {
			if tc.Name != preprocessToolName {
				continue
			}
			var args map[string]any
			if err := json.Unmarshal(tc.Args, &args); err != nil || len(args) == 0 {
				return nil, fmt.Errorf("preprocessor: decode tool call args: %w", err)
			}
			return args, nil
		}
	}
	return nil, fmt.Errorf("preprocessor: no provider returned a usable tool call")
}

// preprocessingModelCandidates returns the configured preprocessing model
// followed by its provider's fallback ids.
func (p *Preprocessor) preprocessingModelCandidates() []string {
	primary := p.cfg.Pipeline.PreprocessingModel
	if primary == "" {
		return nil
	}
	out := []string{primary}
	if provider, _, ok := p.cfg.ResolveProvider(primary); ok {
		for _, fb := range provider.FallbackIDs {
			out = append(out, fb)
		}
	}
	return out
}

func withCategoryAddendum(tools []llmgateway.ToolSchema, addendum string) []llmgateway.ToolSchema {
	out := make([]llmgateway.ToolSchema, len(tools))
	copy(out, tools)
	for i, t := range out {
		if t.Name != preprocessToolName {
			continue
		}
		props, _ := t.Parameters["properties"].(map[string]any)
		if props == nil {
			continue
		}
		catSchema, ok := props["category"].(map[string]any)
		if !ok {
			continue
		}
		cloned := map[string]any{}
		for k, v := range catSchema {
			cloned[k] = v
		}
		cloned["description"] = strings.TrimSpace(fmt.Sprintf("%v %s", cloned["description"], addendum))
		clonedProps := map[string]any{}
		for k, v := range props {
			clonedProps[k] = v
		}
		clonedProps["category"] = cloned
		clonedParams := map[string]any{}
		for k, v := range t.Parameters {
			clonedParams[k] = v
		}
		clonedParams["properties"] = clonedProps
		out[i] = llmgateway.ToolSchema{Name: t.Name, Description: t.Description, Parameters: clonedParams}
	}
	return out
}

func (p *Preprocessor) buildSystemPrompt(cc llmCallContext) string {
	var b strings.Builder
	b.WriteString("You classify an incoming chat request and select pipeline parameters.\n\n")
	b.WriteString("Available categories: " + strings.Join(cc.availableCategories, ", ") + "\n")
	b.WriteString("Available skills:\n")
	for _, id := range cc.availableSkills {
		if def, ok := p.registry.Skill(id); ok && def.PreprocessorHint != "" {
			b.WriteString("- " + id + ": " + def.PreprocessorHint + "\n")
		} else {
			b.WriteString("- " + id + "\n")
		}
	}
	b.WriteString("Available focus modes: " + strings.Join(cc.availableFocus, ", ") + "\n")
	b.WriteString("Current UTC datetime: " + cc.now.Format("2006-01-02T15:04:05Z") + "\n")
	return b.String()
}
