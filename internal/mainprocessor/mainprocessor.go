// Package mainprocessor runs the streaming tool-calling loop against the
// selected model: skills are surfaced as tools, tokens are published via
// StreamBus as they arrive, and tool calls fan out through SkillExecutor
// bounded to 5 in flight (spec §4.7).
package mainprocessor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/openmates/ai-core/internal/corerequest"
	"github.com/openmates/ai-core/internal/llmgateway"
	"github.com/openmates/ai-core/internal/obs"
	"github.com/openmates/ai-core/internal/secretsgw"
	"github.com/openmates/ai-core/internal/skillexec"
	"github.com/openmates/ai-core/internal/skillregistry"
	"github.com/openmates/ai-core/internal/storagegw"
	"github.com/openmates/ai-core/internal/streambus"
)

// Result is the outcome of one Process call (spec §4.7 contract).
type Result struct {
	FinalText       string
	WasRevoked      bool
	WasSoftLimited  bool
	MessagesVersion int
}

// MainProcessor drives the tool-calling loop for one turn.
type MainProcessor struct {
	llm      *llmgateway.Registry
	executor *skillexec.Executor
	registry *skillregistry.Registry
	bus      *streambus.Bus
	storage  storagegw.Gateway
	secrets  secretsgw.Gateway

	MaxParallelToolCalls int64
}

func New(llm *llmgateway.Registry, executor *skillexec.Executor, registry *skillregistry.Registry, bus *streambus.Bus, storage storagegw.Gateway, secrets secretsgw.Gateway) *MainProcessor {
	return &MainProcessor{
		llm: llm, executor: executor, registry: registry, bus: bus, storage: storage, secrets: secrets,
		MaxParallelToolCalls: 5,
	}
}

// Process runs the tool-calling loop to completion or interruption.
func (m *MainProcessor) Process(ctx context.Context, req *corerequest.AskRequest, pre corerequest.PreprocessingResult, systemPrompt, taskID string, token *CancelToken) (Result, error) {
	log := obs.LoggerWithTrace(ctx).With().Str("task_id", taskID).Str("chat_id", req.ChatID).Logger()

	provider, modelID, ok := m.llm.Resolve(pre.SelectedMainLLMModelID)
	if !ok {
		return Result{}, fmt.Errorf("mainprocessor: no provider registered for %q", pre.SelectedMainLLMModelID)
	}

	tools, resolver := m.buildTools(pre.RelevantAppSkills)
	messages := buildMessages(systemPrompt, req.MessageHistory)

	// req.MessageID names the triggering user message; the assistant's reply
	// is a new message and gets its own id for streaming and persistence.
	assistantMessageID := uuid.NewString()

	seq := new(streambus.SequenceCounter)
	var result Result

	for {
		streamCtx, cancel := context.WithCancel(ctx)
		handler := newTokenHandler(streamCtx, cancel, m.bus, token, seq, taskID, req.ChatID, assistantMessageID, req.MessageID)

		err := provider.ChatStream(streamCtx, messages, tools, modelID, handler)
		cancel()
		result.FinalText = handler.accumulated()

		if err != nil {
			if token.Interrupted() {
				result.WasRevoked = token.Revoked()
				result.WasSoftLimited = token.SoftLimited()
				break
			}
			return result, fmt.Errorf("mainprocessor: model stream failed: %w", err)
		}

		toolCalls := handler.drainToolCalls()
		if len(toolCalls) == 0 {
			break
		}

		toolMessages, err := m.runToolCalls(ctx, req, toolCalls, resolver, log)
		if err != nil {
			return result, err
		}
		messages = append(messages, llmgateway.Message{Role: "assistant", ToolCalls: toolCalls})
		messages = append(messages, toolMessages...)
	}

	m.bus.PublishChunk(ctx, streambus.ChunkPayload{
		Type:                    "ai_message_chunk",
		TaskID:                  taskID,
		ChatID:                  req.ChatID,
		MessageID:               assistantMessageID,
		UserMessageID:           req.MessageID,
		Sequence:                seq.Next(),
		IsFinalChunk:            true,
		InterruptedByRevocation: token.Revoked(),
		InterruptedBySoftLimit:  token.SoftLimited(),
	})

	if result.FinalText != "" {
		if v, err := m.persist(ctx, req, assistantMessageID, result.FinalText); err == nil {
			result.MessagesVersion = v
		} else {
			log.Warn().Err(err).Msg("mainprocessor: persistence failed")
		}
	}

	return result, nil
}

func (m *MainProcessor) persist(ctx context.Context, req *corerequest.AskRequest, assistantMessageID, text string) (int, error) {
	if req.IsIncognito {
		return 0, nil
	}
	encrypted, err := m.secrets.Encrypt(ctx, req.UserID, []byte(text))
	if err != nil {
		return 0, fmt.Errorf("mainprocessor: encrypt final text: %w", err)
	}
	if err := m.storage.PersistMessage(ctx, storagegw.PersistedMessage{
		ClientMessageID:  assistantMessageID,
		ChatID:           req.ChatID,
		HashedUserID:     req.UserIDHash,
		EncryptedContent: encrypted,
	}); err != nil {
		return 0, fmt.Errorf("mainprocessor: persist message: %w", err)
	}
	version, err := m.storage.IncrementMessagesVersion(ctx, req.ChatID)
	if err != nil {
		return 0, fmt.Errorf("mainprocessor: increment messages_version: %w", err)
	}
	m.bus.PublishPersisted(ctx, req.UserIDHash, streambus.MessagePersistedEvent{
		ChatID: req.ChatID, MessagesVersion: version,
	})
	return version, nil
}

func buildMessages(systemPrompt string, history []corerequest.HistoryMessage) []llmgateway.Message {
	msgs := make([]llmgateway.Message, 0, len(history)+1)
	msgs = append(msgs, llmgateway.Message{Role: "system", Content: systemPrompt})
	for _, h := range history {
		msgs = append(msgs, llmgateway.Message{Role: string(h.Role), Content: h.Content})
	}
	return msgs
}

// buildTools assembles preselected ∪ always-include skills as tool
// schemas, plus the resolver table used to map hallucinated tool-call names
// back to a registered skill (spec §4.7 "Tool name resolution").
func (m *MainProcessor) buildTools(preselected []string) ([]llmgateway.ToolSchema, map[string]string) {
	seen := make(map[string]bool)
	var identifiers []string
	for _, id := range append(append([]string{}, preselected...), m.registry.AlwaysIncludeIdentifiers()...) {
		if !seen[id] {
			seen[id] = true
			identifiers = append(identifiers, id)
		}
	}

	tools := make([]llmgateway.ToolSchema, 0, len(identifiers))
	for _, id := range identifiers {
		def, ok := m.registry.Skill(id)
		if !ok {
			continue
		}
		params := def.ArgumentsSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, llmgateway.ToolSchema{Name: id, Description: def.Description, Parameters: params})
	}

	resolver := skillregistry.Resolver(m.registry.AvailableSkillIdentifiers())
	return tools, resolver
}

// runToolCalls executes the tool calls from one LLM step, bounded to
// MaxParallelToolCalls concurrently (spec §5 parallelism bounds). Results
// have no ordering guarantee among themselves (spec §5), but are returned
// indexed to their originating call so tool results always pair with the
// right tool_call_id.
func (m *MainProcessor) runToolCalls(ctx context.Context, req *corerequest.AskRequest, calls []llmgateway.ToolCall, resolver map[string]string, log zerolog.Logger) ([]llmgateway.Message, error) {
	sem := semaphore.NewWeighted(m.MaxParallelToolCalls)
	results := make([]llmgateway.Message, len(calls))
	done := make(chan struct{}, len(calls))

	for i, call := range calls {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("mainprocessor: acquire tool call slot: %w", err)
		}
		go func(i int, call llmgateway.ToolCall) {
			defer sem.Release(1)
			defer func() { done <- struct{}{} }()
			res := m.invokeOne(ctx, req, call, resolver)
			if res.err != nil {
				log.Warn().Err(res.err).Str("tool", call.Name).Msg("mainprocessor: tool call failed")
			}
			results[i] = res.message
		}(i, call)
	}
	for range calls {
		<-done
	}
	return results, nil
}

type toolInvocation struct {
	message llmgateway.Message
	err     error
}

func (m *MainProcessor) invokeOne(ctx context.Context, req *corerequest.AskRequest, call llmgateway.ToolCall, resolver map[string]string) toolInvocation {
	identifier, ok := skillregistry.Resolve(resolver, call.Name)
	if !ok {
		err := fmt.Errorf("mainprocessor: unresolvable tool name %q", call.Name)
		return toolInvocation{message: toolResultMessage(call.ID, skillexec.Result{Err: err}), err: err}
	}
	def, ok := m.registry.Skill(identifier)
	if !ok {
		err := fmt.Errorf("mainprocessor: unregistered skill %q", identifier)
		return toolInvocation{message: toolResultMessage(call.ID, skillexec.Result{Err: err}), err: err}
	}

	var args map[string]any
	_ = json.Unmarshal(call.Args, &args)

	results := m.executor.ExecuteBatched(ctx, skillexec.Invocation{
		AppID: def.AppID, SkillID: def.SkillID, Arguments: args,
		SkillTaskID: skillexec.GenerateSkillTaskID(), ChatID: req.ChatID, MessageID: req.MessageID, UserID: req.UserID, UserIDHash: req.UserIDHash,
	})
	if len(results) == 0 {
		return toolInvocation{message: toolResultMessage(call.ID, skillexec.Result{})}
	}
	return toolInvocation{message: toolResultMessage(call.ID, results[0]), err: results[0].Err}
}

func toolResultMessage(toolCallID string, res skillexec.Result) llmgateway.Message {
	var content string
	switch {
	case res.Err != nil:
		content = fmt.Sprintf(`{"error": %q}`, res.Err.Error())
	case len(res.Data) > 0:
		content = string(res.Data)
	default:
		content = `{}`
	}
	return llmgateway.Message{Role: "tool", Content: content, ToolID: toolCallID}
}
