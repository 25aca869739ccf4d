// Package preprocessor implements the gatekeeper stage that runs once per
// request before any streaming: credit gate, input sanitization, history
// truncation, a single classifying LLM tool call, mate/model selection, and
// the advice-disclaimer decision (spec §4.6).
package preprocessor

import (
	"context"
	"time"

	"github.com/openmates/ai-core/internal/config"
	"github.com/openmates/ai-core/internal/corerequest"
	"github.com/openmates/ai-core/internal/kvstore"
	"github.com/openmates/ai-core/internal/llmgateway"
	"github.com/openmates/ai-core/internal/modelselect"
	"github.com/openmates/ai-core/internal/obs"
	"github.com/openmates/ai-core/internal/sanitizer"
	"github.com/openmates/ai-core/internal/skillregistry"
	"github.com/openmates/ai-core/internal/storagegw"
)

// SelfHostedMode, when true, skips the credit gate entirely (spec §4.6 step 1).
type Preprocessor struct {
	cfg         *config.Config
	registry    *skillregistry.Registry
	leaderboard *modelselect.Leaderboard
	llm         *llmgateway.Registry
	store       kvstore.Store
	users       storagegw.Gateway
	clock       corerequest.Clock

	SelfHostedMode bool
}

func New(cfg *config.Config, registry *skillregistry.Registry, leaderboard *modelselect.Leaderboard, llm *llmgateway.Registry, store kvstore.Store, users storagegw.Gateway) *Preprocessor {
	return &Preprocessor{
		cfg:         cfg,
		registry:    registry,
		leaderboard: leaderboard,
		llm:         llm,
		store:       store,
		users:       users,
		clock:       corerequest.SystemClock,
	}
}

// Run executes the full gatekeeper sequence and returns the structured
// decision. Every outcome is reported through the result and the returned
// error is always nil: a credit-gate storage failure rejects with
// insufficient_credits, and a failed LLM classification call yields
// CanProceed=false with RejectInternalError.
func (p *Preprocessor) Run(ctx context.Context, req *corerequest.AskRequest) (corerequest.PreprocessingResult, error) {
	log := obs.LoggerWithTrace(ctx).With().Str("chat_id", req.ChatID).Logger()

	if rejected, ok := p.creditGate(ctx, req); ok {
		return rejected, nil
	}

	for i, msg := range req.MessageHistory {
		if msg.Role == corerequest.RoleUser {
			req.MessageHistory[i].Content = sanitizer.SanitizeUserInput(msg.Content)
		}
	}

	history := truncateHistory(req.MessageHistory, p.cfg.Pipeline.HistoryMaxTokens)

	overrides := parseOverrides(req)
	if last, ok := req.LastUserMessage(); ok {
		for i := len(req.MessageHistory) - 1; i >= 0; i-- {
			if req.MessageHistory[i].Role == corerequest.RoleUser {
				req.MessageHistory[i].Content = stripMentions(last.Content)
				break
			}
		}
	}

	tools := p.buildPreprocessTool(req.ChatHasTitle)
	availableSkills := p.registry.AvailableSkillIdentifiers()
	availableFocus := p.registry.AvailableFocusIdentifiers()
	availableCategories := p.availableCategories()
	resolver := skillregistry.Resolver(append(append([]string{}, availableSkills...), availableFocus...))

	callCtx := llmCallContext{
		history:             history,
		tools:                tools,
		availableCategories:  availableCategories,
		availableSkills:      availableSkills,
		availableFocus:       availableFocus,
		now:                  p.clock.Now().UTC(),
	}

	raw, err := p.callModel(ctx, callCtx, "")
	if err != nil || len(raw) == 0 {
		log.Error().Err(err).Msg("preprocessor: llm classification call failed")
		return corerequest.PreprocessingResult{
			CanProceed:      false,
			RejectionReason: corerequest.RejectInternalError,
			ErrorMessage:    "internal_error_llm_preprocessing_failed",
		}, nil
	}

	result, retryCategory := p.validate(ctx, raw, availableCategories, resolver, req)
	if retryCategory {
		addendum := "category MUST be one of: " + joinQuoted(availableCategories)
		raw2, err2 := p.callModel(ctx, callCtx, addendum)
		if err2 == nil && len(raw2) > 0 {
			result2, _ := p.validate(ctx, raw2, availableCategories, resolver, req)
			category := result2.Category
			if !contains(availableCategories, category) {
				category = "general_knowledge"
			}
			result.Category = category
			result.RelevantAppSkills = unionPreserveOrder(result.RelevantAppSkills, result2.RelevantAppSkills)
		} else {
			result.Category = "general_knowledge"
		}
	}

	if result.HarmfulOrIllegalScore >= p.cfg.Skill.HarmThreshold {
		return corerequest.PreprocessingResult{
			CanProceed:      false,
			RejectionReason: corerequest.RejectHarmfulOrIllegal,
			ErrorMessage:    "harmful_or_illegal_detected",
		}, nil
	}
	if result.MisuseRiskScore >= p.cfg.Skill.MisuseThreshold {
		return corerequest.PreprocessingResult{
			CanProceed:      false,
			RejectionReason: corerequest.RejectMisuse,
			ErrorMessage:    "misuse_detected",
		}, nil
	}

	p.selectMate(&result, overrides)
	p.selectModel(&result, overrides)
	p.decideDisclaimer(ctx, req.ChatID, &result)

	result.CanProceed = true
	return result, nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func joinQuoted(xs []string) string {
	out := ""
	for i, x := range xs {
		if i > 0 {
			out += ", "
		}
		out += `"` + x + `"`
	}
	return out
}

func unionPreserveOrder(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, x := range append(append([]string{}, a...), b...) {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	return out
}

type llmCallContext struct {
	history             []corerequest.HistoryMessage
	tools               []llmgateway.ToolSchema
	availableCategories []string
	availableSkills     []string
	availableFocus      []string
	now                 time.Time
}
