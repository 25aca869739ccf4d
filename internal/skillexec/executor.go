// Package skillexec invokes per-skill RPCs with timeout, bounded retry,
// per-invocation cancellation, and parallel fan-out for batched requests
// (spec §4.3). It wraps RateLimiter before the HTTP round-trip and
// ContentSanitizer over every successful response, since every skill is an
// external collaborator from this module's point of view (spec §4.2).
package skillexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openmates/ai-core/internal/corerr"
	"github.com/openmates/ai-core/internal/kvstore"
	"github.com/openmates/ai-core/internal/obs"
	"github.com/openmates/ai-core/internal/ratelimiter"
	"github.com/openmates/ai-core/internal/sanitizer"
	"github.com/openmates/ai-core/internal/taskdispatcher"
)

// chainer is implemented by *taskdispatcher.Dispatcher. When the rate
// limiter defers a call to the task queue, Execute registers a continuation
// through it so RunConsumer can publish a "your request finished" event once
// the deferred task completes (spec §C.4), instead of the caller losing
// track of the deferred result.
type chainer interface {
	Chain(ctx context.Context, parentTaskID string, spec taskdispatcher.ContinuationSpec) error
}

const (
	// DefaultSkillTimeout bounds one skill HTTP round-trip.
	DefaultSkillTimeout = 20 * time.Second
	// DefaultMaxRetries is the retry budget beyond the initial attempt.
	DefaultMaxRetries = 1
	// RetryDelay is the pause between a failed attempt and the next.
	RetryDelay = 1 * time.Second
	// MaxParallelRequests caps batched fan-out (spec §4.3, §5).
	MaxParallelRequests = 5
	// DefaultAppInternalPort is the skill RPC's target port.
	DefaultAppInternalPort = 8000

	cancelledSkillKeyPrefix = "cancelled_skill:"
	cancelledSkillTTL       = time.Hour
)

// Invocation names one skill call (spec §3 SkillInvocation).
type Invocation struct {
	AppID        string
	SkillID      string
	Arguments    map[string]any
	SkillTaskID  string
	ChatID       string
	MessageID    string
	UserID       string
	UserIDHash   string
	Timeout      time.Duration
	MaxRetries   int
}

// Result is a single skill response: structured data on success, or an
// error marker on failure (spec §3).
type Result struct {
	Data json.RawMessage
	Err  error
}

// Executor issues skill RPCs. httpClientFactory returns a fresh client per
// attempt so any upstream proxy rotates IPs, per spec §4.3 step 3.
type Executor struct {
	store             kvstore.Store
	limiter           *ratelimiter.Limiter
	dispatcher        ratelimiter.Dispatcher
	sanitizer         *sanitizer.Sanitizer
	httpClientFactory func(timeout time.Duration) *http.Client
}

// New builds an Executor gating every invocation through limiter (spec
// §4.1/§4.3) and passing every successful response through contentSanitizer
// (spec §4.2) before returning it. dispatcher may be nil, in which case a
// rate-limited call blocks in-process for the full retry_after instead of
// deferring to the task queue (ratelimiter.Limiter.Wait's fallback
// behavior). contentSanitizer may be nil, in which case responses are
// returned unsanitized — callers that pass nil must document why in
// DESIGN.md.
func New(store kvstore.Store, limiter *ratelimiter.Limiter, dispatcher ratelimiter.Dispatcher, contentSanitizer *sanitizer.Sanitizer) *Executor {
	return &Executor{
		store:      store,
		limiter:    limiter,
		dispatcher: dispatcher,
		sanitizer:  contentSanitizer,
		httpClientFactory: func(timeout time.Duration) *http.Client {
			return &http.Client{Timeout: timeout}
		},
	}
}

// sanitizeResult passes a successful skill response through the content
// sanitizer before it can re-enter any LLM conversation. A Blocked verdict
// drops the skill's result (spec §9 SanitizationBlocked, scenario 6): the
// caller sees an error-shaped Result rather than the raw external content.
func (e *Executor) sanitizeResult(ctx context.Context, inv Invocation, data json.RawMessage, log zerolog.Logger) Result {
	if e.sanitizer == nil {
		return Result{Data: data}
	}

	contextID := inv.AppID + "-" + inv.SkillID
	if inv.SkillTaskID != "" {
		contextID = inv.SkillTaskID
	}
	sanitized, outcome, err := e.sanitizer.Sanitize(ctx, string(data), "skill_result", contextID)
	switch outcome {
	case sanitizer.Sanitized:
		return Result{Data: json.RawMessage(sanitized)}
	case sanitizer.Blocked:
		log.Warn().Msg("skillexec: content sanitizer blocked skill result, dropping")
		return Result{Err: corerr.New(corerr.KindSanitizationBlocked, "skill result blocked by content sanitizer")}
	default:
		return Result{Err: corerr.Wrap(corerr.KindSkillFailed, "content sanitizer failed", err)}
	}
}

// GenerateSkillTaskID mints a fresh id for one invocation's cancellation
// substrate.
func GenerateSkillTaskID() string { return uuid.NewString() }

func cancelKey(skillTaskID string) string { return cancelledSkillKeyPrefix + skillTaskID }

// Cancel marks skillTaskID as cancelled for the next hour.
func (e *Executor) Cancel(ctx context.Context, skillTaskID string) error {
	return e.store.Set(ctx, cancelKey(skillTaskID), "cancelled", cancelledSkillTTL)
}

// IsCancelled checks the cancellation flag for skillTaskID.
func (e *Executor) IsCancelled(ctx context.Context, skillTaskID string) (bool, error) {
	_, found, err := e.store.Get(ctx, cancelKey(skillTaskID))
	if err != nil {
		return false, fmt.Errorf("skillexec: check cancellation: %w", err)
	}
	return found, nil
}

func skillURL(appID, skillID string) string {
	return fmt.Sprintf("http://app-%s:%d/skills/%s", appID, DefaultAppInternalPort, skillID)
}

// Execute runs a single skill invocation: cancellation pre-check, POST with
// metadata keys, retry on 5xx/timeout/network errors only, cancellation
// re-check after a successful response (spec §4.3 steps 1-4).
func (e *Executor) Execute(ctx context.Context, inv Invocation) Result {
	log := obs.LoggerWithTrace(ctx).With().Str("app_id", inv.AppID).Str("skill_id", inv.SkillID).Str("skill_task_id", inv.SkillTaskID).Logger()

	if inv.Timeout <= 0 {
		inv.Timeout = DefaultSkillTimeout
	}
	maxRetries := inv.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	if inv.SkillTaskID != "" {
		cancelled, err := e.IsCancelled(ctx, inv.SkillTaskID)
		if err == nil && cancelled {
			log.Info().Msg("skillexec: cancelled before execution")
			return Result{Err: corerr.New(corerr.KindSkillCancelled, "cancelled before execution")}
		}
	}

	if e.limiter != nil {
		outcome, taskID, err := e.limiter.Wait(ctx, inv.AppID, inv.SkillID, "", e.dispatcher, inv.AppID, inv.Arguments)
		if err != nil {
			return Result{Err: corerr.Wrap(corerr.KindSkillFailed, "rate limiter wait failed", err)}
		}
		if outcome == ratelimiter.Scheduled {
			log.Info().Str("scheduled_task_id", taskID).Msg("skillexec: deferred to task queue by rate limiter")
			if ch, ok := e.dispatcher.(chainer); ok && inv.ChatID != "" {
				spec := taskdispatcher.ContinuationSpec{
					ChatID:     inv.ChatID,
					UserIDHash: inv.UserIDHash,
					Message:    fmt.Sprintf("Your %s request finished.", inv.SkillID),
				}
				if cerr := ch.Chain(ctx, taskID, spec); cerr != nil {
					log.Warn().Err(cerr).Msg("skillexec: register chained continuation failed")
				}
			}
			return Result{Err: corerr.New(corerr.KindRateLimitScheduled, "deferred to task "+taskID)}
		}
	}

	body := make(map[string]any, len(inv.Arguments)+3)
	for k, v := range inv.Arguments {
		body[k] = v
	}
	if inv.ChatID != "" {
		body["_chat_id"] = inv.ChatID
	}
	if inv.MessageID != "" {
		body["_message_id"] = inv.MessageID
	}
	if inv.UserID != "" {
		body["_user_id"] = inv.UserID
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Result{Err: corerr.Wrap(corerr.KindSkillFailed, "encode request body", err)}
	}

	url := skillURL(inv.AppID, inv.SkillID)
	totalAttempts := maxRetries + 1
	var lastErr error

	for attempt := 0; attempt < totalAttempts; attempt++ {
		if attempt > 0 {
			if inv.SkillTaskID != "" {
				cancelled, cerr := e.IsCancelled(ctx, inv.SkillTaskID)
				if cerr == nil && cancelled {
					log.Info().Int("attempt", attempt+1).Msg("skillexec: cancelled before retry")
					return Result{Err: corerr.New(corerr.KindSkillCancelled, "cancelled before retry")}
				}
			}
			log.Warn().Err(lastErr).Int("attempt", attempt+1).Int("of", totalAttempts).Msg("skillexec: retrying after transient failure")
			select {
			case <-time.After(RetryDelay):
			case <-ctx.Done():
				return Result{Err: ctx.Err()}
			}
		}

		data, err := e.attempt(ctx, url, payload, inv.Timeout)
		if err == nil {
			if inv.SkillTaskID != "" {
				cancelled, cerr := e.IsCancelled(ctx, inv.SkillTaskID)
				if cerr == nil && cancelled {
					log.Info().Msg("skillexec: cancelled after response arrived, discarding result")
					return Result{Err: corerr.New(corerr.KindSkillCancelled, "cancelled after response")}
				}
			}
			return e.sanitizeResult(ctx, inv, data, log)
		}

		lastErr = err
		if !corerr.IsTransient(err) {
			// 4xx-shaped error: no retry.
			return Result{Err: corerr.Wrap(corerr.KindSkillFailed, "skill call failed", err)}
		}
	}
	return Result{Err: corerr.Wrap(corerr.KindSkillFailed, "skill call failed after retries", lastErr)}
}

func (e *Executor) attempt(ctx context.Context, url string, payload []byte, timeout time.Duration) (json.RawMessage, error) {
	client := e.httpClientFactory(timeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &corerr.NetworkError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &corerr.NetworkError{Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, &corerr.SkillHTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return json.RawMessage(respBody), nil
}
