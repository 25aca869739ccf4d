package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmates/ai-core/internal/config"
	"github.com/openmates/ai-core/internal/corerequest"
	"github.com/openmates/ai-core/internal/debugrecorder"
	"github.com/openmates/ai-core/internal/kvstore"
	"github.com/openmates/ai-core/internal/mainprocessor"
	"github.com/openmates/ai-core/internal/secretsgw"
	"github.com/openmates/ai-core/internal/storagegw"
	"github.com/openmates/ai-core/internal/streambus"
)

type scriptedPreprocessor struct {
	result            corerequest.PreprocessingResult
	err               error
	disclaimerCalls   []corerequest.DisclaimerType
}

func (s *scriptedPreprocessor) Run(context.Context, *corerequest.AskRequest) (corerequest.PreprocessingResult, error) {
	return s.result, s.err
}

func (s *scriptedPreprocessor) RecordDisclaimerShown(_ context.Context, _ string, dt corerequest.DisclaimerType) error {
	s.disclaimerCalls = append(s.disclaimerCalls, dt)
	return nil
}

type scriptedMain struct {
	result mainprocessor.Result
	err    error
}

func (s *scriptedMain) Process(context.Context, *corerequest.AskRequest, corerequest.PreprocessingResult, string, string, *mainprocessor.CancelToken) (mainprocessor.Result, error) {
	return s.result, s.err
}

type scriptedPost struct {
	result corerequest.PostProcessingResult
	ran    bool
	err    error
	calls  int
}

func (s *scriptedPost) Run(context.Context, *corerequest.AskRequest, corerequest.PreprocessingResult, string, bool) (corerequest.PostProcessingResult, bool, error) {
	s.calls++
	return s.result, s.ran, s.err
}

type recordingCleanup struct {
	clearedTaskIDs  []string
	resolvedRevoked []bool
}

func (c *recordingCleanup) ClearActiveTask(_ context.Context, _, taskID string) {
	c.clearedTaskIDs = append(c.clearedTaskIDs, taskID)
}

func (c *recordingCleanup) ResolveEmbeds(_ context.Context, _, _ string, wasRevoked bool, _ string) {
	c.resolvedRevoked = append(c.resolvedRevoked, wasRevoked)
}

type recordingRecorder struct {
	stages []debugrecorder.Stage
}

func (r *recordingRecorder) Record(_ context.Context, _ string, rec debugrecorder.Record) {
	r.stages = append(r.stages, rec.Stage)
}

type scriptedDispatcher struct {
	taskID    string
	err       error
	dispatched []map[string]any
}

func (d *scriptedDispatcher) Dispatch(_ context.Context, _, _ string, args map[string]any, _ int) (string, error) {
	d.dispatched = append(d.dispatched, args)
	return d.taskID, d.err
}

func testConfig() *config.Config {
	return &config.Config{
		Mates: []config.MateConfig{{ID: "mate-1", DefaultSystemPrompt: "You are helpful."}},
		Providers: map[string]config.ProviderConfig{
			"openai": {Models: map[string]config.ModelPricing{"gpt-5": {ModelID: "gpt-5"}}},
		},
	}
}

func baseRequest() *corerequest.AskRequest {
	return &corerequest.AskRequest{
		ChatID:     "chat-1",
		MessageID:  "msg-1",
		UserID:     "user-1",
		UserIDHash: "hash-1",
		MessageHistory: []corerequest.HistoryMessage{
			{Role: corerequest.RoleUser, Content: "hello"},
		},
	}
}

func acceptedPreprocessing() corerequest.PreprocessingResult {
	return corerequest.PreprocessingResult{
		CanProceed:             true,
		SelectedMateID:         "mate-1",
		SelectedMainLLMModelID: "openai/gpt-5",
	}
}

func newHarness(t *testing.T, pre *scriptedPreprocessor, main *scriptedMain, post *scriptedPost, cl *recordingCleanup, rec *recordingRecorder, disp *scriptedDispatcher) (*RequestPipeline, kvstore.Store, *storagegw.FakeGateway) {
	t.Helper()
	store := kvstore.NewFakeStore()
	bus := streambus.New(store)
	storage := storagegw.NewFakeGateway()
	return New(testConfig(), pre, main, post, cl, rec, bus, store, disp, storage, secretsgw.NewFakeGateway()), store, storage
}

func TestRun_RejectedPreprocessingSkipsMainAndPost(t *testing.T) {
	pre := &scriptedPreprocessor{result: corerequest.PreprocessingResult{CanProceed: false, RejectionReason: corerequest.RejectHarmfulOrIllegal, ErrorMessage: "blocked"}}
	main := &scriptedMain{}
	post := &scriptedPost{}
	cl := &recordingCleanup{}
	rec := &recordingRecorder{}
	disp := &scriptedDispatcher{taskID: "t2"}

	rp, _, storage := newHarness(t, pre, main, post, cl, rec, disp)
	res, err := rp.Run(context.Background(), baseRequest())

	require.NoError(t, err)
	assert.True(t, res.Rejected)
	assert.Equal(t, corerequest.RejectHarmfulOrIllegal, res.RejectionReason)
	assert.Equal(t, corerequest.StateDone, res.State)
	assert.Equal(t, 0, post.calls)
	require.Len(t, cl.clearedTaskIDs, 1)
	require.Len(t, storage.PersistedMessages, 1)
	assert.Equal(t, "system", storage.PersistedMessages[0].SenderName)
}

func TestRun_RejectedIncognitoSkipsPersistence(t *testing.T) {
	pre := &scriptedPreprocessor{result: corerequest.PreprocessingResult{CanProceed: false, RejectionReason: corerequest.RejectInsufficientCredits, ErrorMessage: "insufficient_credits"}}
	main := &scriptedMain{}
	post := &scriptedPost{}
	cl := &recordingCleanup{}
	rec := &recordingRecorder{}
	disp := &scriptedDispatcher{taskID: "t2"}

	rp, _, storage := newHarness(t, pre, main, post, cl, rec, disp)
	req := baseRequest()
	req.IsIncognito = true
	_, err := rp.Run(context.Background(), req)

	require.NoError(t, err)
	assert.Empty(t, storage.PersistedMessages)
}

func TestRun_BillingPreflightFailsOnUnpricedModel(t *testing.T) {
	pre := &scriptedPreprocessor{result: corerequest.PreprocessingResult{CanProceed: true, SelectedMateID: "mate-1", SelectedMainLLMModelID: "openai/unknown-model"}}
	main := &scriptedMain{}
	post := &scriptedPost{}
	cl := &recordingCleanup{}
	rec := &recordingRecorder{}
	disp := &scriptedDispatcher{taskID: "t2"}

	rp, _, _ := newHarness(t, pre, main, post, cl, rec, disp)
	res, err := rp.Run(context.Background(), baseRequest())

	require.Error(t, err)
	assert.Equal(t, corerequest.StateDone, res.State)
	assert.Equal(t, 0, post.calls)
	require.Len(t, cl.clearedTaskIDs, 1)
}

func TestRun_HappyPathRunsEveryStageInOrder(t *testing.T) {
	pre := &scriptedPreprocessor{result: acceptedPreprocessing()}
	main := &scriptedMain{result: mainprocessor.Result{FinalText: "hi there", MessagesVersion: 3}}
	post := &scriptedPost{result: corerequest.PostProcessingResult{ChatSummary: "summary"}, ran: true}
	cl := &recordingCleanup{}
	rec := &recordingRecorder{}
	disp := &scriptedDispatcher{taskID: "t2"}

	rp, _, _ := newHarness(t, pre, main, post, cl, rec, disp)
	res, err := rp.Run(context.Background(), baseRequest())

	require.NoError(t, err)
	assert.Equal(t, corerequest.StateDone, res.State)
	assert.Equal(t, "hi there", res.Result.FinalText)
	assert.Equal(t, "summary", res.Post.ChatSummary)
	assert.Equal(t, 1, post.calls)
	assert.Equal(t, []debugrecorder.Stage{debugrecorder.StagePreprocessor, debugrecorder.StageMainProcessor, debugrecorder.StagePostprocessor}, rec.stages)
	// Marker is cleared once right after main streaming and once more at
	// final cleanup.
	assert.Len(t, cl.clearedTaskIDs, 2)
}

func TestRun_SoftLimitedTurnSkipsPostprocessing(t *testing.T) {
	pre := &scriptedPreprocessor{result: acceptedPreprocessing()}
	main := &scriptedMain{result: mainprocessor.Result{FinalText: "partial", WasSoftLimited: true}}
	post := &scriptedPost{ran: true}
	cl := &recordingCleanup{}
	rec := &recordingRecorder{}
	disp := &scriptedDispatcher{taskID: "t2"}

	rp, _, _ := newHarness(t, pre, main, post, cl, rec, disp)
	_, err := rp.Run(context.Background(), baseRequest())

	require.NoError(t, err)
	assert.Equal(t, 0, post.calls)
}

func TestRun_RevokedTurnSkipsPostprocessingAndMarksEmbedsCancelled(t *testing.T) {
	pre := &scriptedPreprocessor{result: acceptedPreprocessing()}
	main := &scriptedMain{result: mainprocessor.Result{WasRevoked: true}}
	post := &scriptedPost{ran: true}
	cl := &recordingCleanup{}
	rec := &recordingRecorder{}
	disp := &scriptedDispatcher{taskID: "t2"}

	rp, _, _ := newHarness(t, pre, main, post, cl, rec, disp)
	_, err := rp.Run(context.Background(), baseRequest())

	require.NoError(t, err)
	assert.Equal(t, 0, post.calls)
	require.NotEmpty(t, cl.resolvedRevoked)
	assert.True(t, cl.resolvedRevoked[len(cl.resolvedRevoked)-1])
}

func TestRun_DisclaimerShownIsRecordedAfterStreaming(t *testing.T) {
	disclaimer := corerequest.DisclaimerMedical
	preResult := acceptedPreprocessing()
	preResult.RequiresAdviceDisclaimer = &disclaimer
	pre := &scriptedPreprocessor{result: preResult}
	main := &scriptedMain{result: mainprocessor.Result{FinalText: "see a doctor"}}
	post := &scriptedPost{ran: true}
	cl := &recordingCleanup{}
	rec := &recordingRecorder{}
	disp := &scriptedDispatcher{taskID: "t2"}

	rp, _, _ := newHarness(t, pre, main, post, cl, rec, disp)
	_, err := rp.Run(context.Background(), baseRequest())

	require.NoError(t, err)
	require.Len(t, pre.disclaimerCalls, 1)
	assert.Equal(t, corerequest.DisclaimerMedical, pre.disclaimerCalls[0])
}

func TestRun_DrainsQueuedMessagesAndDispatchesFollowOn(t *testing.T) {
	pre := &scriptedPreprocessor{result: acceptedPreprocessing()}
	main := &scriptedMain{result: mainprocessor.Result{FinalText: "done"}}
	post := &scriptedPost{ran: true}
	cl := &recordingCleanup{}
	rec := &recordingRecorder{}
	disp := &scriptedDispatcher{taskID: "follow-up-task"}

	rp, store, _ := newHarness(t, pre, main, post, cl, rec, disp)

	queued := corerequest.QueuedMessage{MessageHistory: []corerequest.HistoryMessage{{Role: corerequest.RoleUser, Content: "one more thing"}}}
	b, _ := json.Marshal(queued)
	require.NoError(t, store.RPush(context.Background(), chatQueueKey("chat-1"), string(b)))

	_, err := rp.Run(context.Background(), baseRequest())
	require.NoError(t, err)

	require.Len(t, disp.dispatched, 1)
	marker, found, err := store.Get(context.Background(), "active_ai_task:chat-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "follow-up-task", marker)

	remaining, err := store.LRangeAll(context.Background(), chatQueueKey("chat-1"))
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestRun_EmptyQueueDoesNotDispatch(t *testing.T) {
	pre := &scriptedPreprocessor{result: acceptedPreprocessing()}
	main := &scriptedMain{result: mainprocessor.Result{FinalText: "done"}}
	post := &scriptedPost{ran: true}
	cl := &recordingCleanup{}
	rec := &recordingRecorder{}
	disp := &scriptedDispatcher{taskID: "unused"}

	rp, _, _ := newHarness(t, pre, main, post, cl, rec, disp)
	_, err := rp.Run(context.Background(), baseRequest())

	require.NoError(t, err)
	assert.Empty(t, disp.dispatched)
}

func TestRun_PreprocessingErrorRunsCleanupAndReturnsError(t *testing.T) {
	pre := &scriptedPreprocessor{err: assertAnError{}}
	main := &scriptedMain{}
	post := &scriptedPost{}
	cl := &recordingCleanup{}
	rec := &recordingRecorder{}
	disp := &scriptedDispatcher{}

	rp, _, _ := newHarness(t, pre, main, post, cl, rec, disp)
	res, err := rp.Run(context.Background(), baseRequest())

	require.Error(t, err)
	assert.Equal(t, corerequest.StateDone, res.State)
	require.Len(t, cl.clearedTaskIDs, 1)
}

type assertAnError struct{}

func (assertAnError) Error() string { return "preprocessing exploded" }
