package preprocessor

import (
	"context"
	"strconv"
	"strings"

	"github.com/openmates/ai-core/internal/corerequest"
	"github.com/openmates/ai-core/internal/obs"
	"github.com/openmates/ai-core/internal/skillregistry"
)

var supportedOutputLanguages = map[string]bool{"en": true}

var supportedTaskAreas = map[string]bool{
	"code": true, "math": true, "creative": true, "instruction": true, "general": true,
}

// validate coerces and normalizes the raw tool-call arguments into a
// PreprocessingResult (spec §4.6 step 8). retryCategory=true signals the
// caller should perform the one permitted retry because category was
// invalid and the source request didn't already skip category (chat has a
// title).
func (p *Preprocessor) validate(ctx context.Context, raw map[string]any, availableCategories []string, resolver map[string]string, req *corerequest.AskRequest) (corerequest.PreprocessingResult, bool) {
	var r corerequest.PreprocessingResult

	r.HarmfulOrIllegalScore = clamp(asFloat(raw["harmful_or_illegal_score"]), 0, 10)
	r.MisuseRiskScore = clamp(asFloat(raw["misuse_risk_score"]), 0, 10)

	r.Complexity = corerequest.ComplexityComplex
	if c, ok := raw["complexity"].(string); ok && (c == "simple" || c == "complex") {
		r.Complexity = corerequest.Complexity(c)
	}

	r.TaskArea = "general"
	if ta, ok := raw["task_area"].(string); ok && supportedTaskAreas[ta] {
		r.TaskArea = ta
	}

	if ub, ok := raw["user_unhappy"].(bool); ok {
		r.UserUnhappy = ub
	}

	// china_model_sensitive missing/non-bool defaults to true: conservative,
	// excludes CN-origin models unless the model explicitly said otherwise.
	r.ChinaModelSensitive = true
	if cs, ok := raw["china_model_sensitive"].(bool); ok {
		r.ChinaModelSensitive = cs
	}

	r.LLMResponseTemp = 0.4
	if t, present := raw["llm_response_temp"]; present {
		r.LLMResponseTemp = clamp(asFloat(t), 0, 2)
	}

	r.OutputLanguage = "en"
	if lang, ok := raw["output_language"].(string); ok {
		lang = strings.ToLower(strings.TrimSpace(lang))
		if supportedOutputLanguages[lang] {
			r.OutputLanguage = lang
		}
	}

	category, _ := raw["category"].(string)
	retryCategory := false
	if req.ChatHasTitle {
		// category/title/icon_names were dropped from the schema; fall back.
		category = "general_knowledge"
	} else if !contains(availableCategories, category) {
		retryCategory = true
		category = "general_knowledge"
	}
	r.Category = category

	r.LoadAppSettingsAndMemories = normalizeSettingsMemories(ctx, asStringSlice(raw["load_app_settings_and_memories"]), req.AppSettingsMemoriesMetadata)

	r.RelevantEmbeddedPreviews = asStringSlice(raw["relevant_embedded_previews"])
	if r.RelevantEmbeddedPreviews == nil {
		r.RelevantEmbeddedPreviews = []string{}
	}

	r.RelevantAppSkills = resolveAgainst(resolver, asStringSlice(raw["relevant_app_skills"]))
	r.RelevantFocusModes = resolveAgainst(resolver, asStringSlice(raw["relevant_focus_modes"]))

	title, hasTitle := raw["title"].(string)
	iconsRaw, hasIcons := raw["icon_names"]
	icons := asStringSlice(iconsRaw)
	if !req.ChatHasTitle && hasTitle && hasIcons && len(icons) > 0 {
		r.Title = title
		r.IconNames = icons
	}
	// "either both or neither": a model emitting one without the other is
	// silently dropped, not an error (spec §8 boundary behavior).

	r.ChatSummary, _ = raw["chat_summary"].(string)

	tags := asStringSlice(raw["chat_tags"])
	if len(tags) > 10 {
		tags = tags[:10]
	}
	r.ChatTags = tags

	if dt, ok := raw["requires_advice_disclaimer"].(string); ok {
		d := corerequest.DisclaimerType(dt)
		switch d {
		case corerequest.DisclaimerFinancial, corerequest.DisclaimerMedical, corerequest.DisclaimerLegal, corerequest.DisclaimerMentalHealth:
			r.RequiresAdviceDisclaimer = &d
		}
	}

	return r, retryCategory
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err == nil {
			return f
		}
	}
	return 0
}

func asStringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

var separatorReplacer = strings.NewReplacer(": ", ":", " - ", ":", "-", ":")

// normalizeSettingsMemories normalizes LLM-provided "<app_id><sep><item_key>"
// entries to the canonical "<app_id>:<item_key>" form and filters against the
// client-provided available set (spec §4.6 step 8). Corrections and drops
// are both logged.
func normalizeSettingsMemories(ctx context.Context, provided, available []string) []string {
	log := obs.LoggerWithTrace(ctx)
	availableSet := make(map[string]bool, len(available))
	for _, a := range available {
		availableSet[strings.ReplaceAll(a, "-", ":")] = true
	}
	out := make([]string, 0, len(provided))
	for _, p := range provided {
		normalized := separatorReplacer.Replace(p)
		if normalized != p {
			log.Debug().Str("from", p).Str("to", normalized).Msg("preprocessor: normalized settings/memory separator")
		}
		if availableSet[normalized] {
			out = append(out, normalized)
		} else {
			log.Warn().Str("key", normalized).Msg("preprocessor: dropping settings/memory key not in client-provided available set")
		}
	}
	return out
}

func resolveAgainst(resolver map[string]string, ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		resolved, ok := skillregistry.Resolve(resolver, id)
		if !ok || seen[resolved] {
			continue
		}
		seen[resolved] = true
		out = append(out, resolved)
	}
	return out
}
