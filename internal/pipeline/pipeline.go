// Package pipeline wires preprocessor, mainprocessor, postprocessor, cleanup
// and debugrecorder into the state machine one assistant turn moves through
// end to end (spec §4.9). It owns the active-task marker, billing
// preflight, and the per-chat follow-on queue.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/openmates/ai-core/internal/cleanup"
	"github.com/openmates/ai-core/internal/config"
	"github.com/openmates/ai-core/internal/corerequest"
	"github.com/openmates/ai-core/internal/corerr"
	"github.com/openmates/ai-core/internal/debugrecorder"
	"github.com/openmates/ai-core/internal/kvstore"
	"github.com/openmates/ai-core/internal/mainprocessor"
	"github.com/openmates/ai-core/internal/obs"
	"github.com/openmates/ai-core/internal/preprocessor"
	"github.com/openmates/ai-core/internal/secretsgw"
	"github.com/openmates/ai-core/internal/storagegw"
	"github.com/openmates/ai-core/internal/streambus"
)

const (
	followOnAppID   = "ai"
	followOnSkillID = "process_ask_request"
)

func chatQueueKey(chatID string) string { return "chat_queue:" + chatID }

// preprocessorStage is the narrow view of *preprocessor.Preprocessor the
// pipeline needs, so orchestration can be tested without a live leaderboard
// or skill registry.
type preprocessorStage interface {
	Run(ctx context.Context, req *corerequest.AskRequest) (corerequest.PreprocessingResult, error)
	RecordDisclaimerShown(ctx context.Context, chatID string, disclaimerType corerequest.DisclaimerType) error
}

type mainStage interface {
	Process(ctx context.Context, req *corerequest.AskRequest, pre corerequest.PreprocessingResult, systemPrompt, taskID string, token *mainprocessor.CancelToken) (mainprocessor.Result, error)
}

type postStage interface {
	Run(ctx context.Context, req *corerequest.AskRequest, pre corerequest.PreprocessingResult, assistantResponse string, wasSoftLimited bool) (corerequest.PostProcessingResult, bool, error)
}

type cleanupStage interface {
	ClearActiveTask(ctx context.Context, chatID, taskID string)
	ResolveEmbeds(ctx context.Context, chatID, taskID string, wasRevoked bool, failureReason string)
}

type recorderStage interface {
	Record(ctx context.Context, userID string, rec debugrecorder.Record)
}

// taskDispatcher is the subset of *taskdispatcher.Dispatcher the pipeline
// needs to enqueue a follow-on turn.
type taskDispatcher interface {
	Dispatch(ctx context.Context, appID, skillID string, args map[string]any, countdownSeconds int) (string, error)
}

// RunResult is the outcome of one RequestPipeline.Run call.
type RunResult struct {
	TaskID          string
	State           corerequest.PipelineState
	Rejected        bool
	RejectionReason corerequest.RejectionReason
	Result          mainprocessor.Result
	Post            corerequest.PostProcessingResult
}

// RequestPipeline drives one assistant turn through every stage (spec §4.9
// state machine).
type RequestPipeline struct {
	cfg        *config.Config
	pre        preprocessorStage
	main       mainStage
	post       postStage
	cleanup    cleanupStage
	recorder   recorderStage
	bus        *streambus.Bus
	store      kvstore.Store
	dispatcher taskDispatcher
	storage    storagegw.Gateway
	secrets    secretsgw.Gateway
	clock      corerequest.Clock
}

func New(cfg *config.Config, pre preprocessorStage, main mainStage, post postStage, cl cleanupStage, recorder recorderStage, bus *streambus.Bus, store kvstore.Store, dispatcher taskDispatcher, storage storagegw.Gateway, secrets secretsgw.Gateway) *RequestPipeline {
	return &RequestPipeline{
		cfg: cfg, pre: pre, main: main, post: post, cleanup: cl, recorder: recorder,
		bus: bus, store: store, dispatcher: dispatcher, storage: storage, secrets: secrets,
		clock: corerequest.SystemClock,
	}
}

// Run drives req through StateReady..StateDone, never panicking on a
// sub-stage's own reported errors: every failure path still runs cleanup
// before returning.
func (rp *RequestPipeline) Run(ctx context.Context, req *corerequest.AskRequest) (RunResult, error) {
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	res := RunResult{TaskID: req.TaskID, State: corerequest.StateReady}

	log := obs.LoggerWithTrace(ctx).With().Str("task_id", req.TaskID).Str("chat_id", req.ChatID).Logger()

	if err := rp.store.Set(ctx, cleanup.ActiveTaskKey(req.ChatID), req.TaskID, 0); err != nil {
		log.Warn().Err(err).Msg("pipeline: set active task marker failed")
	}

	res.State = corerequest.StatePreprocessing
	pre, err := rp.pre.Run(ctx, req)
	rp.recorder.Record(ctx, req.UserID, debugrecorder.Record{
		TaskID: req.TaskID, ChatID: req.ChatID, UserID: req.UserID,
		Stage: debugrecorder.StagePreprocessor, InputSnapshot: req, OutputSnapshot: pre,
	})
	if err != nil {
		failErr := corerr.Wrap(corerr.KindServiceInit, "preprocessing failed", err)
		rp.publishErrorChunk(ctx, req, failErr.Error())
		rp.terminate(ctx, req, false, err.Error())
		res.State = corerequest.StateDone
		return res, failErr
	}

	if !pre.CanProceed {
		res.Rejected = true
		res.RejectionReason = pre.RejectionReason
		rp.persistRejection(ctx, req, pre.ErrorMessage)
		rp.terminate(ctx, req, false, pre.ErrorMessage)
		res.State = corerequest.StateDone
		return res, nil
	}

	res.State = corerequest.StateTypingPublished
	rp.bus.PublishTyping(ctx, req.UserIDHash, streambus.TypingEvent{Event: "typing_started", TaskID: req.TaskID, ChatID: req.ChatID})

	res.State = corerequest.StateBillingPreflight
	if _, ok := rp.cfg.Pricing(pre.SelectedMainLLMModelID); !ok {
		failErr := corerr.New(corerr.KindConfigMissing, fmt.Sprintf("no pricing configured for %q", pre.SelectedMainLLMModelID))
		rp.publishErrorChunk(ctx, req, failErr.Error())
		rp.terminate(ctx, req, false, failErr.Error())
		res.State = corerequest.StateDone
		return res, failErr
	}

	res.State = corerequest.StateMainStreaming
	token := mainprocessor.NewCancelToken()
	systemPrompt := rp.buildSystemPrompt(pre)
	mainResult, err := rp.main.Process(ctx, req, pre, systemPrompt, req.TaskID, token)
	rp.recorder.Record(ctx, req.UserID, debugrecorder.Record{
		TaskID: req.TaskID, ChatID: req.ChatID, UserID: req.UserID,
		Stage: debugrecorder.StageMainProcessor, InputSnapshot: systemPrompt, OutputSnapshot: mainResult,
	})
	if err != nil {
		rp.terminate(ctx, req, mainResult.WasRevoked, err.Error())
		res.State = corerequest.StateDone
		return res, corerr.Wrap(corerr.KindSkillFailed, "main streaming failed", err)
	}
	res.Result = mainResult

	if pre.RequiresAdviceDisclaimer != nil && mainResult.FinalText != "" {
		if err := rp.pre.RecordDisclaimerShown(ctx, req.ChatID, *pre.RequiresAdviceDisclaimer); err != nil {
			log.Warn().Err(err).Msg("pipeline: record disclaimer shown failed")
		}
	}

	// Clearing the marker here, before drain/postprocessing, lets a message
	// queued mid-turn dispatch its own task rather than wait on
	// postprocessing for this one (spec §4.9 ordering guarantee).
	rp.cleanup.ClearActiveTask(ctx, req.ChatID, req.TaskID)

	res.State = corerequest.StateDrainQueue
	rp.drainQueue(ctx, req, pre, mainResult.FinalText)

	res.State = corerequest.StatePostprocessing
	if !mainResult.WasRevoked && !mainResult.WasSoftLimited {
		post, ran, err := rp.post.Run(ctx, req, pre, mainResult.FinalText, mainResult.WasSoftLimited)
		if err != nil {
			log.Warn().Err(err).Msg("pipeline: postprocessing failed, continuing")
		}
		if ran {
			res.Post = post
			rp.recorder.Record(ctx, req.UserID, debugrecorder.Record{
				TaskID: req.TaskID, ChatID: req.ChatID, UserID: req.UserID,
				Stage: debugrecorder.StagePostprocessor, InputSnapshot: mainResult.FinalText, OutputSnapshot: post,
			})
			rp.bus.PublishTyping(ctx, req.UserIDHash, streambus.TypingEvent{Event: "postprocessing_completed", TaskID: req.TaskID, ChatID: req.ChatID})
		}
	}

	res.State = corerequest.StateCleanup
	rp.cleanup.ResolveEmbeds(ctx, req.ChatID, req.TaskID, mainResult.WasRevoked, "")
	rp.cleanup.ClearActiveTask(ctx, req.ChatID, req.TaskID)

	res.State = corerequest.StateDone
	return res, nil
}

// terminate runs the full teardown for a turn that ends early: one that never
// reached main streaming (rejected, preprocessing error, or billing
// misconfiguration) or whose main streaming failed.
func (rp *RequestPipeline) terminate(ctx context.Context, req *corerequest.AskRequest, wasRevoked bool, reason string) {
	rp.cleanup.ClearActiveTask(ctx, req.ChatID, req.TaskID)
	rp.cleanup.ResolveEmbeds(ctx, req.ChatID, req.TaskID, wasRevoked, reason)
}

// publishErrorChunk surfaces a ServiceInit/ConfigMissing-kind failure as the
// single terminal chat_stream event for this task (spec §7), since none of
// the main token loop ever ran to publish one itself.
func (rp *RequestPipeline) publishErrorChunk(ctx context.Context, req *corerequest.AskRequest, message string) {
	rp.bus.PublishChunk(ctx, streambus.ErrChunk(req.TaskID, req.ChatID, uuid.NewString(), req.MessageID, message))
}

// persistRejection surfaces a preprocessing rejection as a persisted system
// message (spec §7 PreprocessingRejected), rather than an error chunk: the
// pipeline still ends normally. It must never publish onto chat_stream — spec
// §8's universal invariant requires zero chat_stream tokens whenever
// can_proceed==false — so the UI signal is the same persisted-message
// notification mainprocessor uses after a normal turn, carrying no content of
// its own; the client re-fetches the chat to see the rejection text. Skipped
// for incognito turns and when translation produced no text to show.
func (rp *RequestPipeline) persistRejection(ctx context.Context, req *corerequest.AskRequest, message string) {
	log := obs.LoggerWithTrace(ctx).With().Str("chat_id", req.ChatID).Str("task_id", req.TaskID).Logger()
	if message == "" || req.IsIncognito {
		return
	}

	messageID := uuid.NewString()
	encrypted, err := rp.secrets.Encrypt(ctx, req.UserID, []byte(message))
	if err != nil {
		log.Warn().Err(err).Msg("pipeline: encrypt rejection message failed")
		return
	}
	if err := rp.storage.PersistMessage(ctx, storagegw.PersistedMessage{
		ClientMessageID:  messageID,
		ChatID:           req.ChatID,
		HashedUserID:     req.UserIDHash,
		SenderName:       "system",
		EncryptedContent: encrypted,
	}); err != nil {
		log.Warn().Err(err).Msg("pipeline: persist rejection message failed")
		return
	}

	version, err := rp.storage.IncrementMessagesVersion(ctx, req.ChatID)
	if err != nil {
		log.Warn().Err(err).Msg("pipeline: increment messages_version for rejection failed")
		return
	}
	rp.bus.PublishPersisted(ctx, req.UserIDHash, streambus.MessagePersistedEvent{
		ChatID: req.ChatID, MessagesVersion: version,
	})
}

// buildSystemPrompt combines the selected mate's default prompt with the
// advice disclaimer text, if step 11 of preprocessing flagged one.
func (rp *RequestPipeline) buildSystemPrompt(pre corerequest.PreprocessingResult) string {
	var prompt string
	for _, mate := range rp.cfg.Mates {
		if mate.ID == pre.SelectedMateID {
			prompt = mate.DefaultSystemPrompt
			break
		}
	}
	if pre.RequiresAdviceDisclaimer != nil {
		if text := preprocessor.DisclaimerText(*pre.RequiresAdviceDisclaimer); text != "" {
			prompt = strings.TrimSpace(prompt + "\n\n" + text)
		}
	}
	return prompt
}

// drainQueue folds every message queued while this turn was streaming into
// one follow-on AskRequest and dispatches it as a fresh task, inheriting
// this turn's mate/focus selection rather than re-running preprocessing's
// selection step (spec §4.9 drain).
func (rp *RequestPipeline) drainQueue(ctx context.Context, req *corerequest.AskRequest, pre corerequest.PreprocessingResult, assistantText string) {
	log := obs.LoggerWithTrace(ctx).With().Str("chat_id", req.ChatID).Logger()
	key := chatQueueKey(req.ChatID)

	raw, err := rp.store.LRangeAll(ctx, key)
	if err != nil {
		log.Warn().Err(err).Msg("pipeline: read follow-on queue failed")
		return
	}
	if len(raw) == 0 {
		return
	}

	var contents []string
	for _, entry := range raw {
		var qm corerequest.QueuedMessage
		if err := json.Unmarshal([]byte(entry), &qm); err != nil {
			log.Warn().Err(err).Msg("pipeline: decode queued message failed, skipping")
			continue
		}
		if lu, ok := qm.LastUserMessage(); ok {
			contents = append(contents, lu.Content)
		}
	}
	if len(contents) == 0 {
		return
	}

	now := rp.clock.Now().Unix()
	history := append(append([]corerequest.HistoryMessage{}, req.MessageHistory...),
		corerequest.HistoryMessage{Role: corerequest.RoleAssistant, Content: assistantText, CreatedAt: now},
		corerequest.HistoryMessage{Role: corerequest.RoleUser, Content: strings.Join(contents, "\n\n"), CreatedAt: now},
	)

	mateID := pre.SelectedMateID
	followOn := corerequest.AskRequest{
		ChatID:          req.ChatID,
		MessageID:       uuid.NewString(),
		UserID:          req.UserID,
		UserIDHash:      req.UserIDHash,
		MessageHistory:  history,
		ChatHasTitle:    true,
		IsIncognito:     req.IsIncognito,
		IsExternal:      req.IsExternal,
		MateID:          &mateID,
		ActiveFocusID:   req.ActiveFocusID,
		UserPreferences: req.UserPreferences,
	}

	newTaskID, err := rp.dispatcher.Dispatch(ctx, followOnAppID, followOnSkillID, map[string]any{"ask_request": followOn}, 0)
	if err != nil {
		log.Warn().Err(err).Msg("pipeline: dispatch follow-on turn failed")
		return
	}
	if err := rp.store.Set(ctx, cleanup.ActiveTaskKey(req.ChatID), newTaskID, 0); err != nil {
		log.Warn().Err(err).Msg("pipeline: set active task marker for follow-on failed")
	}
	if err := rp.store.Del(ctx, key); err != nil {
		log.Warn().Err(err).Msg("pipeline: clear drained queue failed")
	}
}
