package preprocessor

import (
	"strings"

	"github.com/openmates/ai-core/internal/config"
	"github.com/openmates/ai-core/internal/corerequest"
)

// selectMate picks the first mate whose category matches the validated
// category, honoring an "@mate:<id|category>" override (spec §4.6 step 9).
func (p *Preprocessor) selectMate(r *corerequest.PreprocessingResult, overrides corerequest.UserOverrides) {
	if overrides.MateID != "" {
		if m, ok := findMateByID(p.cfg.Mates, overrides.MateID); ok {
			r.SelectedMateID = m.ID
			r.Category = m.Category
			return
		}
		if m, ok := findMateByCategory(p.cfg.Mates, overrides.MateID); ok {
			r.SelectedMateID = m.ID
			r.Category = m.Category
			return
		}
	}
	if m, ok := findMateByCategory(p.cfg.Mates, r.Category); ok {
		r.SelectedMateID = m.ID
	}
}

func findMateByID(mates []config.MateConfig, id string) (config.MateConfig, bool) {
	for _, m := range mates {
		if m.ID == id {
			return m, true
		}
	}
	return config.MateConfig{}, false
}

func findMateByCategory(mates []config.MateConfig, category string) (config.MateConfig, bool) {
	for _, m := range mates {
		if m.Category == category {
			return m, true
		}
	}
	return config.MateConfig{}, false
}

// selectModel implements the 4-tier priority of spec §4.6 step 10.
func (p *Preprocessor) selectModel(r *corerequest.PreprocessingResult, overrides corerequest.UserOverrides) {
	if overrides.BestModelCategory != "" && p.leaderboard != nil {
		if id, name, ok := p.leaderboard.BestForCategory(overrides.BestModelCategory, r.ChinaModelSensitive); ok {
			r.SelectedMainLLMModelID = id
			r.SelectedMainLLMModelName = name
			r.ModelSelectionReason = "user override: @best-model:" + overrides.BestModelCategory
			return
		}
	}

	if overrides.ModelID != "" {
		modelID := overrides.ModelID
		if !strings.Contains(modelID, "/") {
			provider := overrides.ModelProvider
			if provider == "" {
				provider = p.defaultProviderFor(modelID)
			}
			modelID = provider + "/" + modelID
		}
		r.SelectedMainLLMModelID = modelID
		if pricing, ok := p.cfg.Pricing(modelID); ok {
			r.SelectedMainLLMModelName = pricing.DisplayName
		}
		r.ModelSelectionReason = "user override: @ai-model:" + overrides.ModelID
		return
	}

	if p.cfg.Pipeline.AutoSelectionEnabled && p.leaderboard != nil {
		if sel, ok := p.leaderboard.Select(r.TaskArea, string(r.Complexity), r.ChinaModelSensitive, r.UserUnhappy); ok {
			r.SelectedMainLLMModelID = sel.Primary
			r.SelectedMainLLMModelName = sel.PrimaryName
			r.SelectedSecondaryModelID = sel.Secondary
			r.SelectedFallbackModelID = sel.Fallback
			r.ModelSelectionReason = sel.Reason
			r.FilteredCNModels = sel.FilteredCNModels
			return
		}
	}

	if r.Complexity == corerequest.ComplexityComplex {
		r.SelectedMainLLMModelID = p.cfg.Pipeline.MainProcessingComplexModel
	} else {
		r.SelectedMainLLMModelID = p.cfg.Pipeline.MainProcessingSimpleModel
	}
	r.ModelSelectionReason = "fallback: no override or auto-selection available"
}

// defaultProviderFor resolves the provider id for a bare model name by
// scanning configured provider model blocks.
func (p *Preprocessor) defaultProviderFor(modelID string) string {
	for providerID, provider := range p.cfg.Providers {
		if _, ok := provider.Models[modelID]; ok {
			return providerID
		}
	}
	return ""
}
