// Package debugrecorder writes one encrypted snapshot per pipeline stage to
// a per-user ring buffer, so an incident can be reproduced from exactly what
// each stage saw and returned (spec §4.11). Recording never fails the
// request it's observing.
package debugrecorder

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openmates/ai-core/internal/kvstore"
	"github.com/openmates/ai-core/internal/obs"
	"github.com/openmates/ai-core/internal/secretsgw"
)

// Stage names the pipeline stage a Record was captured from.
type Stage string

const (
	StagePreprocessor  Stage = "preprocessor"
	StageMainProcessor Stage = "main_processor"
	StagePostprocessor Stage = "postprocessor"
)

const (
	ringKeyPrefix = "debug:"
	ringKeySuffix = ":requests"
	ringSize      = 10
	ringTTL       = 30 * time.Minute
)

// Record is one stage's input/output snapshot.
type Record struct {
	TaskID         string `json:"task_id"`
	ChatID         string `json:"chat_id"`
	UserID         string `json:"user_id"`
	Stage          Stage  `json:"stage"`
	InputSnapshot  any    `json:"input_snapshot"`
	OutputSnapshot any    `json:"output_snapshot"`
	Timestamp      int64  `json:"timestamp"`
}

// Recorder appends encrypted Records to a per-user ring of the last 10,
// refreshing a 30-minute TTL on every write.
type Recorder struct {
	store   kvstore.Store
	secrets secretsgw.Gateway
	clock   func() time.Time
}

func New(store kvstore.Store, secrets secretsgw.Gateway) *Recorder {
	return &Recorder{store: store, secrets: secrets, clock: time.Now}
}

func ringKey(userID string) string { return ringKeyPrefix + userID + ringKeySuffix }

// Record encrypts and appends rec to userID's ring, trimming to the last
// ringSize entries and refreshing the TTL. Failures are logged, never
// returned as fatal (spec §4.11).
func (r *Recorder) Record(ctx context.Context, userID string, rec Record) {
	log := obs.LoggerWithTrace(ctx).With().Str("user_id", userID).Str("stage", string(rec.Stage)).Logger()

	if rec.Timestamp == 0 {
		rec.Timestamp = r.clock().Unix()
	}

	plaintext, err := json.Marshal(rec)
	if err != nil {
		log.Warn().Err(err).Msg("debugrecorder: encode record failed")
		return
	}
	encrypted, err := r.secrets.Encrypt(ctx, userID, plaintext)
	if err != nil {
		log.Warn().Err(err).Msg("debugrecorder: encrypt record failed")
		return
	}

	key := ringKey(userID)
	existing, err := r.store.LRangeAll(ctx, key)
	if err != nil {
		log.Warn().Err(err).Msg("debugrecorder: read ring failed")
		return
	}
	existing = append(existing, string(encrypted))
	if len(existing) > ringSize {
		existing = existing[len(existing)-ringSize:]
	}

	if err := r.store.Del(ctx, key); err != nil {
		log.Warn().Err(err).Msg("debugrecorder: reset ring failed")
		return
	}
	if len(existing) == 0 {
		return
	}
	if err := r.store.RPush(ctx, key, existing...); err != nil {
		log.Warn().Err(err).Msg("debugrecorder: write ring failed")
		return
	}
	if err := r.store.Expire(ctx, key, ringTTL); err != nil {
		log.Warn().Err(err).Msg("debugrecorder: refresh ring TTL failed")
	}
}

// Read decrypts and returns userID's ring, oldest first.
func (r *Recorder) Read(ctx context.Context, userID string) ([]Record, error) {
	raw, err := r.store.LRangeAll(ctx, ringKey(userID))
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(raw))
	for _, encrypted := range raw {
		plaintext, err := r.secrets.Decrypt(ctx, userID, []byte(encrypted))
		if err != nil {
			obs.LoggerWithTrace(ctx).Warn().Err(err).Str("user_id", userID).Msg("debugrecorder: decrypt record failed, skipping")
			continue
		}
		var rec Record
		if err := json.Unmarshal(plaintext, &rec); err != nil {
			obs.LoggerWithTrace(ctx).Warn().Err(err).Str("user_id", userID).Msg("debugrecorder: decode record failed, skipping")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
