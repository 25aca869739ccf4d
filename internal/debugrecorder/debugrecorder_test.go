package debugrecorder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmates/ai-core/internal/kvstore"
	"github.com/openmates/ai-core/internal/secretsgw"
)

func TestRecord_RoundTripsThroughRead(t *testing.T) {
	store := kvstore.NewFakeStore()
	r := New(store, secretsgw.NewFakeGateway())
	ctx := context.Background()

	r.Record(ctx, "u1", Record{TaskID: "t1", ChatID: "c1", UserID: "u1", Stage: StagePreprocessor, InputSnapshot: "hi", OutputSnapshot: map[string]any{"category": "general_knowledge"}})

	records, err := r.Read(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "t1", records[0].TaskID)
	assert.Equal(t, StagePreprocessor, records[0].Stage)
}

func TestRecord_TrimsRingToLastTen(t *testing.T) {
	store := kvstore.NewFakeStore()
	r := New(store, secretsgw.NewFakeGateway())
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		r.Record(ctx, "u1", Record{TaskID: "task", Stage: StageMainProcessor, Timestamp: int64(i)})
	}

	records, err := r.Read(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, records, 10)
	assert.Equal(t, int64(5), records[0].Timestamp)
	assert.Equal(t, int64(14), records[9].Timestamp)
}

func TestRecord_DoesNotPanicOnEncryptFailure(t *testing.T) {
	store := kvstore.NewFakeStore()
	r := New(store, failingSecrets{})
	ctx := context.Background()

	assert.NotPanics(t, func() {
		r.Record(ctx, "u1", Record{TaskID: "t1", Stage: StagePostprocessor})
	})

	records, err := r.Read(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRecord_RingExpiresWhenTTLLapses(t *testing.T) {
	store := kvstore.NewFakeStore()
	r := New(store, secretsgw.NewFakeGateway())
	ctx := context.Background()

	r.Record(ctx, "u1", Record{TaskID: "t1", Stage: StagePreprocessor})
	require.NoError(t, store.Expire(ctx, ringKey("u1"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	records, err := r.Read(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, records, "ring should have expired")
}

type failingSecrets struct{}

func (failingSecrets) Encrypt(context.Context, string, []byte) ([]byte, error) {
	return nil, assert.AnError
}
func (failingSecrets) Decrypt(context.Context, string, []byte) ([]byte, error) {
	return nil, assert.AnError
}
