// Package postprocessor runs the two post-turn LLM calls that generate
// follow-up suggestions, refine the chat summary, and conditionally produce
// structured settings/memory entries (spec §4.8).
package postprocessor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openmates/ai-core/internal/config"
	"github.com/openmates/ai-core/internal/corerequest"
	"github.com/openmates/ai-core/internal/llmgateway"
	"github.com/openmates/ai-core/internal/obs"
)

const (
	suggestionsToolName = "postprocess_suggestions"
	memoriesToolName    = "postprocess_memories"
)

// Postprocessor drives the suggestions/categories call and the conditional
// memory-generation call.
type Postprocessor struct {
	cfg                     *config.Config
	llm                     *llmgateway.Registry
	availableAppIDs         []string
	settingsMemorySchemas   map[string]map[string]any
}

// New builds a Postprocessor. availableAppIDs names every installed app
// (for top_recommended_apps_for_user); settingsMemorySchemas maps each
// settings/memory category id to its JSON-schema fields block, used to
// restrict phase 2's tool to only the categories phase 1 selected.
func New(cfg *config.Config, llm *llmgateway.Registry, availableAppIDs []string, settingsMemorySchemas map[string]map[string]any) *Postprocessor {
	return &Postprocessor{cfg: cfg, llm: llm, availableAppIDs: availableAppIDs, settingsMemorySchemas: settingsMemorySchemas}
}

// Run executes both phases, or returns ran=false if a skip condition applies
// (spec §4.8 skip conditions).
func (p *Postprocessor) Run(ctx context.Context, req *corerequest.AskRequest, pre corerequest.PreprocessingResult, assistantResponse string, wasSoftLimited bool) (corerequest.PostProcessingResult, bool, error) {
	if wasSoftLimited || req.IsExternal || assistantResponse == "" || pre.ChatSummary == "" {
		return corerequest.PostProcessingResult{}, false, nil
	}

	log := obs.LoggerWithTrace(ctx).With().Str("chat_id", req.ChatID).Logger()

	phase1, err := p.runSuggestions(ctx, req, pre, assistantResponse)
	if err != nil {
		return corerequest.PostProcessingResult{}, true, fmt.Errorf("postprocessor: suggestions phase: %w", err)
	}

	if len(phase1.RelevantSettingsMemoryCategories) > 0 {
		entries, err := p.runMemories(ctx, req, phase1.RelevantSettingsMemoryCategories)
		if err != nil {
			log.Warn().Err(err).Msg("postprocessor: memory generation failed, continuing without it")
		} else {
			phase1.SuggestedSettingsMemories = entries
		}
	}

	return phase1, true, nil
}

func (p *Postprocessor) runSuggestions(ctx context.Context, req *corerequest.AskRequest, pre corerequest.PreprocessingResult, assistantResponse string) (corerequest.PostProcessingResult, error) {
	lastUser, _ := req.LastUserMessage()
	systemPrompt := p.buildSuggestionsPrompt(lastUser.Content, assistantResponse, pre)
	tools := p.buildSuggestionsTool()

	args, err := p.callModel(ctx, systemPrompt, tools, suggestionsToolName)
	if err != nil {
		return corerequest.PostProcessingResult{}, err
	}

	return corerequest.PostProcessingResult{
		FollowUpRequestSuggestions:       asStrings(args["follow_up_request_suggestions"]),
		NewChatRequestSuggestions:        asStrings(args["new_chat_request_suggestions"]),
		ChatSummary:                      asString(args["chat_summary"], pre.ChatSummary),
		HarmfulResponse:                  asBool(args["harmful_response"]),
		TopRecommendedAppsForUser:        asStrings(args["top_recommended_apps_for_user"]),
		RelevantSettingsMemoryCategories: asStrings(args["relevant_settings_memory_categories"]),
	}, nil
}

func (p *Postprocessor) runMemories(ctx context.Context, _ *corerequest.AskRequest, categories []string) ([]corerequest.SettingsMemoryEntry, error) {
	systemPrompt := "Generate structured settings/memory entries strictly for the selected categories, grounded only in what the user actually stated."
	tools := p.buildMemoriesTool(categories)

	args, err := p.callModel(ctx, systemPrompt, tools, memoriesToolName)
	if err != nil {
		return nil, err
	}

	raw, _ := args["suggested_settings_memories"].([]any)
	entries := make([]corerequest.SettingsMemoryEntry, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		category, _ := m["category"].(string)
		if !contains(categories, category) {
			continue
		}
		fields, _ := m["fields"].(map[string]any)
		entries = append(entries, corerequest.SettingsMemoryEntry{Category: category, Fields: fields})
	}
	return entries, nil
}

func (p *Postprocessor) callModel(ctx context.Context, systemPrompt string, tools []llmgateway.ToolSchema, toolName string) (map[string]any, error) {
	for _, modelID := range p.modelCandidates() {
		provider, bareModel, ok := p.llm.Resolve(modelID)
		if !ok {
			continue
		}
		resp, err := provider.Chat(ctx, []llmgateway.Message{{Role: "system", Content: systemPrompt}}, tools, bareModel)
		if err != nil {
			continue
		}
		for _, tc := range resp.ToolCalls {
			if tc.Name != toolName {
				continue
			}
			var args map[string]any
			if err := json.Unmarshal(tc.Args, &args); err != nil {
				return nil, fmt.Errorf("decode tool call args: %w", err)
			}
			return args, nil
		}
	}
	return nil, fmt.Errorf("no provider returned a usable tool call for %q", toolName)
}

func (p *Postprocessor) modelCandidates() []string {
	primary := p.cfg.Pipeline.PreprocessingModel
	if primary == "" {
		return nil
	}
	out := []string{primary}
	if provider, _, ok := p.cfg.ResolveProvider(primary); ok {
		out = append(out, provider.FallbackIDs...)
	}
	return out
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
