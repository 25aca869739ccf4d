package preprocessor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmates/ai-core/internal/config"
	"github.com/openmates/ai-core/internal/corerequest"
	"github.com/openmates/ai-core/internal/kvstore"
	"github.com/openmates/ai-core/internal/llmgateway"
	"github.com/openmates/ai-core/internal/modelselect"
	"github.com/openmates/ai-core/internal/skillregistry"
	"github.com/openmates/ai-core/internal/storagegw"
)

type stubToolProvider struct {
	args map[string]any
	err  error
}

func (s *stubToolProvider) Chat(_ context.Context, _ []llmgateway.Message, _ []llmgateway.ToolSchema, _ string) (llmgateway.Message, error) {
	if s.err != nil {
		return llmgateway.Message{}, s.err
	}
	b, _ := json.Marshal(s.args)
	return llmgateway.Message{
		Role: "assistant",
		ToolCalls: []llmgateway.ToolCall{{ID: "1", Name: preprocessToolName, Args: b}},
	}, nil
}

func (s *stubToolProvider) ChatStream(_ context.Context, _ []llmgateway.Message, _ []llmgateway.ToolSchema, _ string, _ llmgateway.StreamHandler) error {
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Mates: []config.MateConfig{
			{ID: "general-v1", Category: "general_knowledge"},
		},
		Skill: config.SkillThresholds{HarmThreshold: 8, MisuseThreshold: 8},
		Pipeline: config.PipelineConfig{
			HistoryMaxTokens:          120_000,
			PreprocessingModel:        "openai/gpt-x",
			DisclaimerReinjectMinutes: 30,
			MainProcessingSimpleModel: "openai/gpt-mini",
			MainProcessingComplexModel: "openai/gpt-x",
		},
		Providers: map[string]config.ProviderConfig{
			"openai": {ID: "openai"},
		},
	}
}

func newTestPreprocessor(t *testing.T, provider llmgateway.Provider, users storagegw.Gateway) (*Preprocessor, kvstore.Store) {
	t.Helper()
	reg := llmgateway.NewRegistry()
	reg.Register("openai", provider)
	registry := skillregistry.New([]skillregistry.SkillDef{
		{AppID: "web", SkillID: "search", PreprocessorHint: "current events"},
	}, nil)
	store := kvstore.NewFakeStore()
	if users == nil {
		users = storagegw.NewFakeGateway()
	}
	p := New(testConfig(), registry, modelselect.New(nil), reg, store, users)
	p.SelfHostedMode = true
	return p, store
}

func baseRequest() *corerequest.AskRequest {
	return &corerequest.AskRequest{
		ChatID: "c1",
		UserID: "u1",
		MessageHistory: []corerequest.HistoryMessage{
			{Role: corerequest.RoleUser, Content: "hello there", CreatedAt: 1},
		},
	}
}

func TestRun_HappyPath(t *testing.T) {
	provider := &stubToolProvider{args: map[string]any{
		"harmful_or_illegal_score": 0.0,
		"misuse_risk_score":        0.0,
		"category":                 "general_knowledge",
		"complexity":               "simple",
		"task_area":                "general",
		"llm_response_temp":        0.5,
		"output_language":          "en",
		"chat_summary":             "greeting",
		"title":                    "Greeting",
		"icon_names":               []any{"wave"},
	}}
	p, _ := newTestPreprocessor(t, provider, nil)
	result, err := p.Run(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.True(t, result.CanProceed)
	assert.Equal(t, "general_knowledge", result.Category)
	assert.Equal(t, "Greeting", result.Title)
	assert.Equal(t, []string{"wave"}, result.IconNames)
	assert.Equal(t, "general-v1", result.SelectedMateID)
	assert.NotEmpty(t, result.SelectedMainLLMModelID)
}

func TestRun_RejectsOnHighHarmScore(t *testing.T) {
	provider := &stubToolProvider{args: map[string]any{
		"harmful_or_illegal_score": 9.0,
		"misuse_risk_score":        0.0,
		"category":                 "general_knowledge",
		"complexity":               "simple",
		"task_area":                "general",
		"llm_response_temp":        0.5,
		"output_language":          "en",
		"chat_summary":             "x",
	}}
	p, _ := newTestPreprocessor(t, provider, nil)
	result, err := p.Run(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.False(t, result.CanProceed)
	assert.Equal(t, corerequest.RejectHarmfulOrIllegal, result.RejectionReason)
}

func TestRun_LLMFailureProducesInternalError(t *testing.T) {
	provider := &stubToolProvider{err: assertErr("boom")}
	p, _ := newTestPreprocessor(t, provider, nil)
	result, err := p.Run(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.False(t, result.CanProceed)
	assert.Equal(t, corerequest.RejectInternalError, result.RejectionReason)
}

func TestRun_CreditGateRejectsColdCache(t *testing.T) {
	provider := &stubToolProvider{args: map[string]any{"chat_summary": "x"}}
	p, _ := newTestPreprocessor(t, provider, nil)
	p.SelfHostedMode = false
	result, err := p.Run(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.False(t, result.CanProceed)
	assert.Equal(t, corerequest.RejectInsufficientCredits, result.RejectionReason)
}

func TestRun_UserInputIsSanitizedBeforeClassification(t *testing.T) {
	provider := &stubToolProvider{args: map[string]any{
		"category": "general_knowledge", "complexity": "simple", "task_area": "general",
		"llm_response_temp": 0.5, "output_language": "en", "chat_summary": "x",
	}}
	p, _ := newTestPreprocessor(t, provider, nil)
	req := baseRequest()
	req.MessageHistory[0].Content = "hello​there"
	_, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "hellothere", req.MessageHistory[0].Content)
}

func TestDecideDisclaimer_InjectsOnColdCache(t *testing.T) {
	p, _ := newTestPreprocessor(t, &stubToolProvider{}, nil)
	r := &corerequest.PreprocessingResult{Category: "finance"}
	p.decideDisclaimer(context.Background(), "c1", r)
	require.NotNil(t, r.RequiresAdviceDisclaimer)
	assert.Equal(t, corerequest.DisclaimerFinancial, *r.RequiresAdviceDisclaimer)
}

func TestDecideDisclaimer_SkipsWithinReinjectWindow(t *testing.T) {
	p, store := newTestPreprocessor(t, &stubToolProvider{}, nil)
	require.NoError(t, p.RecordDisclaimerShown(context.Background(), "c1", corerequest.DisclaimerFinancial))
	_ = store

	r := &corerequest.PreprocessingResult{Category: "finance"}
	p.decideDisclaimer(context.Background(), "c1", r)
	assert.Nil(t, r.RequiresAdviceDisclaimer)
}

func TestDecideDisclaimer_ReinjectsAfterWindowElapses(t *testing.T) {
	p, _ := newTestPreprocessor(t, &stubToolProvider{}, nil)
	fc := &fakeClock{now: time.Unix(1_000_000, 0)}
	p.clock = fc
	require.NoError(t, p.RecordDisclaimerShown(context.Background(), "c1", corerequest.DisclaimerFinancial))

	fc.now = fc.now.Add(31 * time.Minute)
	r := &corerequest.PreprocessingResult{Category: "finance"}
	p.decideDisclaimer(context.Background(), "c1", r)
	require.NotNil(t, r.RequiresAdviceDisclaimer)
}

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

type assertErr string

func (e assertErr) Error() string { return string(e) }
