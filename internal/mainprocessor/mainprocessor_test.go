package mainprocessor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmates/ai-core/internal/corerequest"
	"github.com/openmates/ai-core/internal/kvstore"
	"github.com/openmates/ai-core/internal/llmgateway"
	"github.com/openmates/ai-core/internal/secretsgw"
	"github.com/openmates/ai-core/internal/skillexec"
	"github.com/openmates/ai-core/internal/skillregistry"
	"github.com/openmates/ai-core/internal/storagegw"
	"github.com/openmates/ai-core/internal/streambus"
)

// scriptedProvider feeds OnDelta/OnToolCall from a queue of pre-scripted
// steps, one step per ChatStream call, so tests can drive the loop through
// several tool-calling iterations deterministically.
type scriptedProvider struct {
	steps [][]step
	calls int
}

type step struct {
	delta    string
	toolCall *llmgateway.ToolCall
}

func (p *scriptedProvider) Chat(context.Context, []llmgateway.Message, []llmgateway.ToolSchema, string) (llmgateway.Message, error) {
	return llmgateway.Message{}, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, _ []llmgateway.Message, _ []llmgateway.ToolSchema, _ string, h llmgateway.StreamHandler) error {
	if p.calls >= len(p.steps) {
		return nil
	}
	steps := p.steps[p.calls]
	p.calls++
	for _, s := range steps {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if s.delta != "" {
			h.OnDelta(s.delta)
		}
		if s.toolCall != nil {
			h.OnToolCall(*s.toolCall)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func newHarness(t *testing.T, provider llmgateway.Provider) (*MainProcessor, kvstore.Store, *storagegw.FakeGateway) {
	t.Helper()
	reg := llmgateway.NewRegistry()
	reg.Register("openai", provider)

	registry := skillregistry.New([]skillregistry.SkillDef{
		{AppID: "web", SkillID: "search", Description: "search the web"},
	}, nil)

	store := kvstore.NewFakeStore()
	bus := streambus.New(store)
	executor := skillexec.New(store, nil, nil, nil)
	storage := storagegw.NewFakeGateway()
	secrets := secretsgw.NewFakeGateway()

	return New(reg, executor, registry, bus, storage, secrets), store, storage
}

func baseRequest() *corerequest.AskRequest {
	return &corerequest.AskRequest{
		ChatID:     "c1",
		MessageID:  "user-msg-1",
		UserID:     "u1",
		UserIDHash: "hashed-u1",
		MessageHistory: []corerequest.HistoryMessage{
			{Role: corerequest.RoleUser, Content: "hi there"},
		},
	}
}

func basePreprocessingResult() corerequest.PreprocessingResult {
	return corerequest.PreprocessingResult{
		CanProceed:              true,
		SelectedMainLLMModelID:  "openai/gpt-x",
	}
}

func TestProcess_HappyPathStreamsAndPersists(t *testing.T) {
	provider := &scriptedProvider{steps: [][]step{
		{{delta: "Hello"}, {delta: ", world"}},
	}}
	m, store, storage := newHarness(t, provider)

	result, err := m.Process(context.Background(), baseRequest(), basePreprocessingResult(), "system prompt", "task-1", NewCancelToken())
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", result.FinalText)
	assert.False(t, result.WasRevoked)
	assert.False(t, result.WasSoftLimited)
	assert.Equal(t, 1, result.MessagesVersion)

	fake := store.(*kvstore.FakeStore)
	require.NotEmpty(t, fake.Published)
	// The persisted-message event follows the final chunk on its own
	// channel, so look for the last event on this chat's stream channel.
	var last kvstore.PublishedMessage
	for _, p := range fake.Published {
		if p.Channel == streambus.ChatStreamChannel("c1") {
			last = p
		}
	}
	assert.Contains(t, last.Message, `"is_final_chunk":true`)
	assert.Contains(t, last.Message, `"user_message_id":"user-msg-1"`)

	assert.Len(t, storage.PersistedMessages, 1)
	assert.Equal(t, "c1", storage.PersistedMessages[0].ChatID)
}

func TestProcess_IncognitoSkipsPersistence(t *testing.T) {
	provider := &scriptedProvider{steps: [][]step{{{delta: "answer"}}}}
	m, _, storage := newHarness(t, provider)

	req := baseRequest()
	req.IsIncognito = true

	result, err := m.Process(context.Background(), req, basePreprocessingResult(), "system prompt", "task-1", NewCancelToken())
	require.NoError(t, err)
	assert.Equal(t, "answer", result.FinalText)
	assert.Zero(t, result.MessagesVersion)
	assert.Empty(t, storage.PersistedMessages)
}

// TestProcess_UnresolvableToolNameStillContinuesLoop exercises the tool-call
// loop without a live skill RPC: an unresolvable name fails at the resolver
// stage (skillexec is never reached), so the test stays network-free while
// still proving the loop feeds the tool result back and continues streaming.
func TestProcess_UnresolvableToolNameStillContinuesLoop(t *testing.T) {
	provider := &scriptedProvider{steps: [][]step{
		{{toolCall: &llmgateway.ToolCall{ID: "call-1", Name: "totally-unknown-tool", Args: []byte(`{}`)}}},
		{{delta: "recovered"}},
	}}
	m, _, _ := newHarness(t, provider)

	result, err := m.Process(context.Background(), baseRequest(), basePreprocessingResult(), "system prompt", "task-1", NewCancelToken())
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.FinalText)
}

func TestProcess_RevocationInterruptsStream(t *testing.T) {
	token := NewCancelToken()
	provider := &scriptedProvider{steps: [][]step{
		{{delta: "partial"}},
	}}
	m, _, storage := newHarness(t, provider)

	token.Revoke()
	result, err := m.Process(context.Background(), baseRequest(), basePreprocessingResult(), "system prompt", "task-1", token)
	require.NoError(t, err)
	assert.True(t, result.WasRevoked)
	assert.Empty(t, result.FinalText)
	assert.Empty(t, storage.PersistedMessages)
}

func TestProcess_NoProviderRegisteredReturnsError(t *testing.T) {
	provider := &scriptedProvider{}
	m, _, _ := newHarness(t, provider)

	pre := basePreprocessingResult()
	pre.SelectedMainLLMModelID = "unknown/model"

	_, err := m.Process(context.Background(), baseRequest(), pre, "system prompt", "task-1", NewCancelToken())
	require.Error(t, err)
}

func TestBuildTools_DeduplicatesAlwaysIncludeAgainstPreselected(t *testing.T) {
	registry := skillregistry.New([]skillregistry.SkillDef{
		{AppID: "web", SkillID: "search", Description: "search", AlwaysInclude: true},
		{AppID: "web", SkillID: "read", Description: "read"},
	}, nil)
	store := kvstore.NewFakeStore()
	m := New(llmgateway.NewRegistry(), skillexec.New(store, nil, nil, nil), registry, streambus.New(store), storagegw.NewFakeGateway(), secretsgw.NewFakeGateway())

	tools, resolver := m.buildTools([]string{"web-search", "web-read"})
	assert.Len(t, tools, 2)

	resolved, ok := skillregistry.Resolve(resolver, "web_search")
	assert.True(t, ok)
	assert.Equal(t, "web-search", resolved)
}
