package taskdispatcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmates/ai-core/internal/kvstore"
)

type fakeWriter struct {
	messages []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.messages = append(f.messages, msgs...)
	return nil
}

func TestDispatch_WritesTaskAndStatus(t *testing.T) {
	store := kvstore.NewFakeStore()
	writer := &fakeWriter{}
	d := New(store, writer)
	ctx := context.Background()

	taskID, err := d.Dispatch(ctx, "search", "web-search", map[string]any{"q": "go"}, 0)
	require.NoError(t, err)
	require.NotEmpty(t, taskID)
	require.Len(t, writer.messages, 1)
	assert.Equal(t, "app_search", writer.messages[0].Topic)

	var env taskEnvelope
	require.NoError(t, json.Unmarshal(writer.messages[0].Value, &env))
	assert.Equal(t, "apps.search.tasks.skill_web-search", env.Task)

	rec, err := d.Status(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
}

func TestDispatch_WithCountdownSetsExecuteAfter(t *testing.T) {
	store := kvstore.NewFakeStore()
	writer := &fakeWriter{}
	d := New(store, writer)

	taskID, err := d.Dispatch(context.Background(), "search", "web-search", nil, 7)
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	var env taskEnvelope
	require.NoError(t, json.Unmarshal(writer.messages[0].Value, &env))
	assert.Greater(t, env.ExecuteAfter, int64(0))
}

func TestMarkCompleted_UpdatesStatus(t *testing.T) {
	store := kvstore.NewFakeStore()
	d := New(store, &fakeWriter{})
	ctx := context.Background()

	taskID, err := d.Dispatch(ctx, "search", "web-search", nil, 0)
	require.NoError(t, err)

	require.NoError(t, d.MarkCompleted(ctx, taskID, json.RawMessage(`{"ok":true}`)))
	rec, err := d.Status(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.JSONEq(t, `{"ok":true}`, string(rec.Result))
}

func TestStatus_UnknownForMissingTask(t *testing.T) {
	store := kvstore.NewFakeStore()
	d := New(store, &fakeWriter{})

	rec, err := d.Status(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, rec.Status)
}

func TestSkillAndAppFromTask(t *testing.T) {
	skillID, appID := skillAndAppFromTask("apps.search.tasks.skill_web-search")
	assert.Equal(t, "search", appID)
	assert.Equal(t, "web-search", skillID)
}

func TestChain_RegistersAndResolves(t *testing.T) {
	store := kvstore.NewFakeStore()
	d := New(store, &fakeWriter{})
	ctx := context.Background()

	require.NoError(t, d.Chain(ctx, "T1", ContinuationSpec{ChatID: "c1", Message: "done"}))
	spec, found, err := d.ResolveChain(ctx, "T1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "c1", spec.ChatID)
}
