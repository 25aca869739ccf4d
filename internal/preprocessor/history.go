package preprocessor

import (
	"regexp"
	"strings"

	"github.com/openmates/ai-core/internal/corerequest"
)

// charsPerTokenHeuristic approximates tokens at ~4 chars/token (spec §4.6
// step 3) without pulling in a real tokenizer, which the core treats as a
// ModelGateway concern.
const charsPerTokenHeuristic = 4

// truncateHistory drops leading messages until the remaining tail fits
// within maxTokens, preferring to keep the most recent messages.
func truncateHistory(history []corerequest.HistoryMessage, maxTokens int) []corerequest.HistoryMessage {
	if maxTokens <= 0 {
		return history
	}
	maxChars := maxTokens * charsPerTokenHeuristic

	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		total += len(history[i].Content)
		if total > maxChars {
			break
		}
		start = i
	}
	return history[start:]
}

var mentionPattern = regexp.MustCompile(`@(mate|best-model|ai-model|skill|focus):[^\s]+`)

// parseOverrides extracts "@mention" syntax from the last user message
// (spec §3 UserOverrides).
func parseOverrides(req *corerequest.AskRequest) corerequest.UserOverrides {
	var out corerequest.UserOverrides
	last, ok := req.LastUserMessage()
	if !ok {
		return out
	}
	for _, match := range mentionPattern.FindAllStringSubmatch(last.Content, -1) {
		full := match[0]
		kind := match[1]
		value := strings.TrimPrefix(full, "@"+kind+":")
		switch kind {
		case "mate":
			out.MateID = value
		case "best-model":
			out.BestModelCategory = value
		case "ai-model":
			if idx := strings.Index(value, ":"); idx >= 0 {
				out.ModelID = value[:idx]
				out.ModelProvider = value[idx+1:]
			} else {
				out.ModelID = value
			}
		case "skill":
			if idx := strings.Index(value, "-"); idx >= 0 {
				out.Skills = append(out.Skills, corerequest.SkillRef{AppID: value[:idx], SkillID: value[idx+1:]})
			}
		case "focus":
			if idx := strings.Index(value, "-"); idx >= 0 {
				out.FocusModes = append(out.FocusModes, corerequest.FocusRef{AppID: value[:idx], FocusID: value[idx+1:]})
			}
		}
	}
	return out
}

// stripMentions removes @mention syntax from content, leaving the
// remaining natural-language request (spec §3: override parsing may strip
// mention syntax from the last user message).
func stripMentions(content string) string {
	return strings.TrimSpace(mentionPattern.ReplaceAllString(content, ""))
}
