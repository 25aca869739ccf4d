package skillexec

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmates/ai-core/internal/kvstore"
)

func TestExtractRequests_StandardShape(t *testing.T) {
	args := map[string]any{
		"requests": []any{
			map[string]any{"query": "a"},
			map[string]any{"query": "b"},
		},
	}
	reqs, ok := extractRequests(args)
	require.True(t, ok)
	assert.Len(t, reqs, 2)
}

func TestExtractRequests_SingleElementIsNotBatch(t *testing.T) {
	args := map[string]any{"requests": []any{map[string]any{"query": "a"}}}
	_, ok := extractRequests(args)
	assert.False(t, ok)
}

func TestExtractRequests_LegacyListArgument(t *testing.T) {
	args := map[string]any{"query": []any{"a", "b", "c"}}
	reqs, ok := extractRequests(args)
	require.True(t, ok)
	require.Len(t, reqs, 3)
	assert.Equal(t, "a", reqs[0]["query"])
	assert.Equal(t, "b", reqs[1]["query"])
}

func TestExtractRequests_NoListIsNotBatch(t *testing.T) {
	args := map[string]any{"query": "a"}
	_, ok := extractRequests(args)
	assert.False(t, ok)
}

func TestExecuteBatched_TruncatesToFive(t *testing.T) {
	var posted []any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		posted, _ = body["requests"].([]any)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	e := New(kvstore.NewFakeStore(), nil, nil, nil)
	e.httpClientFactory = func(time.Duration) *http.Client { return clientTo(srv) }

	list := make([]any, 7)
	for i := range list {
		list[i] = map[string]any{"query": i}
	}
	args := map[string]any{"requests": list}
	reqs, ok := extractRequests(args)
	require.True(t, ok)
	require.Len(t, reqs, 7)

	results := e.ExecuteBatched(context.Background(), Invocation{AppID: "search", SkillID: "web-search", Arguments: args})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Len(t, posted, 5)
}
