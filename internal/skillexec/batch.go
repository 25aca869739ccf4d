package skillexec

import (
	"context"

	"github.com/openmates/ai-core/internal/obs"
)

// ExecuteBatched detects the batched-input shape of inv.Arguments — either
// a standard "requests" list, or the legacy pattern of a single argument
// holding a list of values — and issues ONE call to the skill with the
// (possibly truncated) requests array; the skill itself fans the array out
// internally (spec §4.3). Anything that isn't batch-shaped falls through to
// a normal single Execute call. The return is always a one-element slice:
// batching changes the request shape, not the response cardinality.
func (e *Executor) ExecuteBatched(ctx context.Context, inv Invocation) []Result {
	log := obs.LoggerWithTrace(ctx).With().Str("app_id", inv.AppID).Str("skill_id", inv.SkillID).Logger()

	requests, isBatch := extractRequests(inv.Arguments)
	if !isBatch {
		return []Result{e.Execute(ctx, inv)}
	}

	if len(requests) > MaxParallelRequests {
		log.Warn().Int("requested", len(requests)).Int("capped_to", MaxParallelRequests).
			Msg("skillexec: batched call exceeds parallel limit, truncating")
		requests = requests[:MaxParallelRequests]
	}

	batched := inv
	batched.Arguments = make(map[string]any, len(inv.Arguments)+1)
	for k, v := range inv.Arguments {
		if k == "requests" {
			continue
		}
		batched.Arguments[k] = v
	}
	batched.Arguments["requests"] = requests

	return []Result{e.Execute(ctx, batched)}
}

// extractRequests returns the list of per-request argument maps if
// inv.Arguments is batch-shaped, and ok=false otherwise. A "requests" key
// holding a list of >1 elements is the standard shape; a single argument
// holding a list of >1 scalar/struct values is the legacy shape, expanded
// into one map per value.
func extractRequests(args map[string]any) (requests []map[string]any, ok bool) {
	if raw, present := args["requests"]; present {
		if list, isList := raw.([]any); isList && len(list) > 1 {
			out := make([]map[string]any, 0, len(list))
			for _, item := range list {
				if m, isMap := item.(map[string]any); isMap {
					out = append(out, m)
				} else {
					out = append(out, map[string]any{"value": item})
				}
			}
			return out, true
		}
		return nil, false
	}

	for key, value := range args {
		list, isList := value.([]any)
		if !isList || len(list) <= 1 {
			continue
		}
		out := make([]map[string]any, 0, len(list))
		for _, item := range list {
			reqArgs := make(map[string]any, len(args))
			for k, v := range args {
				reqArgs[k] = v
			}
			reqArgs[key] = item
			out = append(out, reqArgs)
		}
		return out, true
	}
	return nil, false
}
