package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/openmates/ai-core/internal/corerequest"
	"github.com/openmates/ai-core/internal/kvstore"
	"github.com/openmates/ai-core/internal/pipeline"
	"github.com/openmates/ai-core/internal/streambus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRunner is a fake pipeline.Runner for handler tests.
type scriptedRunner struct {
	result  pipeline.RunResult
	err     error
	publish func(store kvstore.Store, chatID string) // simulates the pipeline publishing chat_stream events
	store   kvstore.Store
}

func (r *scriptedRunner) Run(ctx context.Context, req *corerequest.AskRequest) (pipeline.RunResult, error) {
	if r.publish != nil {
		r.publish(r.store, req.ChatID)
	}
	return r.result, r.err
}

func newTestServer(runner Runner, store kvstore.Store) *httptest.Server {
	s := NewServer(runner, store)
	return httptest.NewServer(s.Handler())
}

func TestHandleAsk_NonStreamingReturnsFinalText(t *testing.T) {
	store := kvstore.NewFakeStore()
	res := pipeline.RunResult{TaskID: "task-1"}
	res.Result.FinalText = "hello there"
	runner := &scriptedRunner{result: res}

	srv := newTestServer(runner, store)
	defer srv.Close()

	body := `{"chat_id":"c1","user_id":"u1","message_history":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(srv.URL+"/v1/ask", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out askResponseBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "task-1", out.TaskID)
	assert.Equal(t, "hello there", out.Content)
}

func TestHandleAsk_RejectsMissingChatID(t *testing.T) {
	store := kvstore.NewFakeStore()
	runner := &scriptedRunner{}
	srv := newTestServer(runner, store)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/ask", "application/json", strings.NewReader(`{"user_id":"u1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleChatCompletions_NonStreamingUsesOpenAIShape(t *testing.T) {
	store := kvstore.NewFakeStore()
	res := pipeline.RunResult{TaskID: "task-2"}
	res.Result.FinalText = "compat reply"
	runner := &scriptedRunner{result: res}

	srv := newTestServer(runner, store)
	defer srv.Close()

	body := `{"chat_id":"c1","user_id":"u1","messages":[{"role":"user","content":"hi"}],"temperature":0.3}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out openAIChatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "compat reply", out.Choices[0].Message.Content)
	assert.Equal(t, "assistant", out.Choices[0].Message.Role)
}

func TestHandleAsk_StreamingRelaysChunksUntilFinal(t *testing.T) {
	store := kvstore.NewFakeStore()
	runner := &scriptedRunner{
		result: pipeline.RunResult{TaskID: "task-3"},
		store:  store,
		publish: func(store kvstore.Store, chatID string) {
			ch := streambus.ChatStreamChannel(chatID)
			_ = store.Publish(context.Background(), ch, mustJSON(streambus.ChunkPayload{
				MessageID: "m1", FullContentSoFar: "Hel", Sequence: 1,
			}))
			_ = store.Publish(context.Background(), ch, mustJSON(streambus.ChunkPayload{
				MessageID: "m1", FullContentSoFar: "Hello", Sequence: 2, IsFinalChunk: true,
			}))
		},
	}

	srv := newTestServer(runner, store)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/ask",
		strings.NewReader(`{"chat_id":"c1","user_id":"u1","stream":true}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			lines = append(lines, line)
		}
	}
	require.NotEmpty(t, lines)
	assert.Equal(t, "data: [DONE]", lines[len(lines)-1])

	full := strings.Join(lines, "\n")
	assert.Contains(t, full, `"content":"Hel"`)
	assert.Contains(t, full, `"content":"lo"`)
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
