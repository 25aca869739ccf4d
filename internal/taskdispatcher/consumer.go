package taskdispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/openmates/ai-core/internal/obs"
	"github.com/openmates/ai-core/internal/streambus"
)

// SkillHandler executes one dispatched task's skill invocation and returns
// its structured result.
type SkillHandler func(ctx context.Context, appID, skillID string, args map[string]any) (json.RawMessage, error)

// ConsumerConfig configures one per-app worker pool consumer.
type ConsumerConfig struct {
	Brokers     []string
	AppID       string
	GroupID     string
	WorkerCount int
	MaxAttempts int
}

// RunConsumer reads tasks for one app's queue and executes them with a
// bounded worker pool, exponential backoff retry, and a DLQ for exhausted
// retries — the same shape as the teacher's command-message consumer, with
// skill execution standing in for workflow execution. bus may be nil, in
// which case a task chained via Dispatcher.Chain completes silently with no
// continuation notification.
func RunConsumer(ctx context.Context, cfg ConsumerConfig, dispatcher *Dispatcher, writer Writer, bus *streambus.Bus, handle SkillHandler) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    queueTopic(cfg.AppID),
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	jobs := make(chan kafka.Message, cfg.WorkerCount*4)
	var wg sync.WaitGroup
	wg.Add(cfg.WorkerCount)
	for i := 0; i < cfg.WorkerCount; i++ {
		go func() {
			defer wg.Done()
			for msg := range jobs {
				processTask(ctx, msg, cfg, dispatcher, writer, bus, handle)
				if err := reader.CommitMessages(ctx, msg); err != nil {
					obs.LoggerWithTrace(ctx).Error().Err(err).Msg("taskdispatcher: commit failed")
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for {
			if ctx.Err() != nil {
				return
			}
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				obs.LoggerWithTrace(ctx).Warn().Err(err).Msg("taskdispatcher: fetch error")
				t := time.NewTimer(500 * time.Millisecond)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					return
				}
				continue
			}
			select {
			case jobs <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	return ctx.Err()
}

func processTask(ctx context.Context, msg kafka.Message, cfg ConsumerConfig, dispatcher *Dispatcher, writer Writer, bus *streambus.Bus, handle SkillHandler) {
	log := obs.LoggerWithTrace(ctx)

	var env taskEnvelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		log.Error().Err(err).Msg("taskdispatcher: malformed task envelope, dropping")
		return
	}

	if env.ExecuteAfter > 0 {
		if wait := time.Until(time.Unix(env.ExecuteAfter, 0)); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
		}
	}

	skillID, appID := skillAndAppFromTask(env.Task)
	if appID == "" {
		appID = cfg.AppID
	}
	args, _ := env.Kwargs["arguments"].(map[string]any)

	if err := dispatcher.MarkProcessing(ctx, env.TaskID); err != nil {
		log.Warn().Err(err).Str("task_id", env.TaskID).Msg("taskdispatcher: mark processing failed")
	}

	var lastErr error
	var result json.RawMessage
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, lastErr = handle(ctx, appID, skillID, args)
		if lastErr == nil {
			break
		}
		if attempt < cfg.MaxAttempts && ctx.Err() == nil {
			backoff := time.Duration(200*(1<<uint(attempt-1))) * time.Millisecond
			log.Warn().Err(lastErr).Int("attempt", attempt).Dur("backoff", backoff).Str("task_id", env.TaskID).Msg("taskdispatcher: task attempt failed, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
		}
	}

	if lastErr != nil {
		_ = dispatcher.MarkFailed(ctx, env.TaskID, lastErr)
		publishDLQ(ctx, writer, cfg.AppID, env, lastErr)
		return
	}
	_ = dispatcher.MarkCompleted(ctx, env.TaskID, result)

	if spec, found, err := dispatcher.ResolveChain(ctx, env.TaskID); err == nil && found && bus != nil {
		bus.PublishTyping(ctx, spec.UserIDHash, streambus.TypingEvent{
			Event:  "skill_task_completed",
			TaskID: env.TaskID,
			ChatID: spec.ChatID,
			Metadata: map[string]any{
				"message": spec.Message,
			},
		})
	}
}

func skillAndAppFromTask(task string) (skillID, appID string) {
	// "apps.<app_id>.tasks.skill_<skill_id>"
	const prefix = "apps."
	const midMarker = ".tasks.skill_"
	if !strings.HasPrefix(task, prefix) {
		return "", ""
	}
	rest := task[len(prefix):]
	idx := strings.Index(rest, midMarker)
	if idx < 0 {
		return "", ""
	}
	appID = rest[:idx]
	skillID = rest[idx+len(midMarker):]
	return skillID, appID
}

func publishDLQ(ctx context.Context, writer Writer, appID string, env taskEnvelope, failErr error) {
	dlqTopic := queueTopic(appID) + ".dlq"
	payload, _ := json.Marshal(map[string]any{
		"task_id": env.TaskID,
		"task":    env.Task,
		"error":   failErr.Error(),
	})
	if err := writer.WriteMessages(ctx, kafka.Message{Topic: dlqTopic, Key: []byte(env.TaskID), Value: payload}); err != nil {
		obs.LoggerWithTrace(ctx).Error().Err(err).Str("task_id", env.TaskID).Msg("taskdispatcher: publish DLQ failed")
	}
}
