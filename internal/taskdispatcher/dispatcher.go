// Package taskdispatcher enqueues long-running work to per-app worker pools
// and tracks status via the shared KV store, used for both slow skills and
// rate-limit deferrals (spec §4.4).
package taskdispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/openmates/ai-core/internal/kvstore"
	"github.com/openmates/ai-core/internal/obs"
)

// Status is the dispatcher's normalized task state (spec §4.4 state
// mapping table).
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusUnknown    Status = "unknown"
)

// TaskRecord is the full status/result record kept in the KV store for one
// dispatched task.
type TaskRecord struct {
	TaskID    string          `json:"task_id"`
	AppID     string          `json:"app_id"`
	SkillID   string          `json:"skill_id"`
	Status    Status          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt int64           `json:"created_at"`
}

// taskEnvelope is the Kafka message body: Celery-style task name and kwargs.
type taskEnvelope struct {
	Task          string         `json:"task"`
	TaskID        string         `json:"task_id"`
	Kwargs        map[string]any `json:"kwargs"`
	ExecuteAfter  int64          `json:"execute_after,omitempty"`
}

const taskRecordTTL = 24 * time.Hour

// Writer is the subset of *kafka.Writer the dispatcher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Dispatcher enqueues tasks to per-app Kafka queues and tracks their status
// in the KV store.
type Dispatcher struct {
	store  kvstore.Store
	writer Writer
}

func New(store kvstore.Store, writer Writer) *Dispatcher {
	return &Dispatcher{store: store, writer: writer}
}

func queueTopic(appID string) string { return "app_" + appID }
func taskName(appID, skillID string) string {
	return fmt.Sprintf("apps.%s.tasks.skill_%s", appID, skillID)
}
func statusKey(taskID string) string { return "task_status:" + taskID }

// Dispatch enqueues one task to the per-app queue and returns its id.
// countdownSeconds, if >0, asks the worker pool to defer execution by that
// many seconds (used by the rate limiter's Scheduled outcome).
func (d *Dispatcher) Dispatch(ctx context.Context, appID, skillID string, args map[string]any, countdownSeconds int) (string, error) {
	taskID := uuid.NewString()
	rec := TaskRecord{TaskID: taskID, AppID: appID, SkillID: skillID, Status: StatusPending, CreatedAt: time.Now().Unix()}
	b, _ := json.Marshal(rec)
	if err := d.store.Set(ctx, statusKey(taskID), string(b), taskRecordTTL); err != nil {
		return "", fmt.Errorf("taskdispatcher: record pending status: %w", err)
	}

	env := taskEnvelope{
		Task:   taskName(appID, skillID),
		TaskID: taskID,
		Kwargs: map[string]any{"arguments": args},
	}
	if countdownSeconds > 0 {
		env.ExecuteAfter = time.Now().Add(time.Duration(countdownSeconds) * time.Second).Unix()
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("taskdispatcher: encode task envelope: %w", err)
	}

	if err := d.writer.WriteMessages(ctx, kafka.Message{
		Topic: queueTopic(appID),
		Key:   []byte(taskID),
		Value: payload,
	}); err != nil {
		return "", fmt.Errorf("taskdispatcher: enqueue to %s: %w", queueTopic(appID), err)
	}

	obs.LoggerWithTrace(ctx).Info().Str("task_id", taskID).Str("app_id", appID).Str("skill_id", skillID).
		Int("countdown_seconds", countdownSeconds).Msg("taskdispatcher: dispatched task")
	return taskID, nil
}

// Status reads the current status record for taskID.
func (d *Dispatcher) Status(ctx context.Context, taskID string) (TaskRecord, error) {
	v, found, err := d.store.Get(ctx, statusKey(taskID))
	if err != nil {
		return TaskRecord{}, fmt.Errorf("taskdispatcher: read status: %w", err)
	}
	if !found {
		return TaskRecord{TaskID: taskID, Status: StatusUnknown}, nil
	}
	var rec TaskRecord
	if err := json.Unmarshal([]byte(v), &rec); err != nil {
		return TaskRecord{TaskID: taskID, Status: StatusUnknown}, nil
	}
	return rec, nil
}

func (d *Dispatcher) setStatus(ctx context.Context, taskID string, mutate func(*TaskRecord)) error {
	rec, err := d.Status(ctx, taskID)
	if err != nil {
		return err
	}
	rec.TaskID = taskID
	mutate(&rec)
	b, _ := json.Marshal(rec)
	return d.store.Set(ctx, statusKey(taskID), string(b), taskRecordTTL)
}

func (d *Dispatcher) MarkProcessing(ctx context.Context, taskID string) error {
	return d.setStatus(ctx, taskID, func(r *TaskRecord) { r.Status = StatusProcessing })
}

func (d *Dispatcher) MarkCompleted(ctx context.Context, taskID string, result json.RawMessage) error {
	return d.setStatus(ctx, taskID, func(r *TaskRecord) { r.Status = StatusCompleted; r.Result = result })
}

func (d *Dispatcher) MarkFailed(ctx context.Context, taskID string, failErr error) error {
	return d.setStatus(ctx, taskID, func(r *TaskRecord) { r.Status = StatusFailed; r.Error = failErr.Error() })
}

func (d *Dispatcher) MarkCancelled(ctx context.Context, taskID string) error {
	return d.setStatus(ctx, taskID, func(r *TaskRecord) { r.Status = StatusCancelled })
}

// ContinuationSpec names the user-facing follow-up to publish once a parent
// task completes (spec §4.4 Chain).
type ContinuationSpec struct {
	ChatID     string `json:"chat_id"`
	UserIDHash string `json:"user_id_hash"`
	Message    string `json:"message"`
}

func chainKey(parentTaskID string) string { return "task_chain:" + parentTaskID }

// Chain registers a continuation for parentTaskID: once the worker pool
// marks it completed, the consumer loop (processTask) looks this up via
// ResolveChain and publishes the continuation message.
func (d *Dispatcher) Chain(ctx context.Context, parentTaskID string, spec ContinuationSpec) error {
	b, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("taskdispatcher: encode continuation: %w", err)
	}
	return d.store.Set(ctx, chainKey(parentTaskID), string(b), taskRecordTTL)
}

// ResolveChain returns the continuation registered for taskID, if any.
func (d *Dispatcher) ResolveChain(ctx context.Context, taskID string) (ContinuationSpec, bool, error) {
	v, found, err := d.store.Get(ctx, chainKey(taskID))
	if err != nil || !found {
		return ContinuationSpec{}, false, err
	}
	var spec ContinuationSpec
	if err := json.Unmarshal([]byte(v), &spec); err != nil {
		return ContinuationSpec{}, false, fmt.Errorf("taskdispatcher: decode continuation: %w", err)
	}
	return spec, true, nil
}
