package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueMedia is the Redis list key for media processing tasks.
	QueueMedia = "worker:media"
	// QueueDLQ is the dead-letter queue for tasks that failed MaxRetries times.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a task before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
)

// TaskType identifies the media task kind.
type TaskType string

const (
	TaskTranscode    TaskType = "transcode"
	TaskExtractAudio TaskType = "extract-audio"
	TaskTranscribe   TaskType = "transcribe"
)

// Valid reports whether t names a known task.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTranscode, TaskExtractAudio, TaskTranscribe:
		return true
	}
	return false
}

// TaskPayload references the record a task operates on. Delivery is
// at-least-once with no ordering guarantee; handlers must be idempotent.
type TaskPayload struct {
	VideoID  uuid.UUID `json:"video_id"`
	TaskType TaskType  `json:"task_type"`
	// Force re-runs transcription even when a transcript is already stored.
	Force bool `json:"force,omitempty"`
}

// Job is the queue envelope around a task payload.
type Job struct {
	ID        string          `json:"id"`
	Type      TaskType        `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue enqueues and dequeues media tasks via a Redis list.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed task queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// Enqueue pushes a media task. The record must already be persisted so a
// crash here leaves a recoverable record rather than an orphaned message.
func (q *Queue) Enqueue(ctx context.Context, payload TaskPayload) error {
	if !payload.TaskType.Valid() {
		return fmt.Errorf("unknown task type: %s", payload.TaskType)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:        uuid.New().String(),
		Type:      payload.TaskType,
		Payload:   body,
		Attempt:   0,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, QueueMedia, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued media task",
		zap.String("job_id", job.ID),
		zap.String("task_type", string(payload.TaskType)),
		zap.String("video_id", payload.VideoID.String()))
	return nil
}

// Dequeue blocks until a job is available or ctx is done. A malformed
// message is dropped with a warning rather than wedging the consumer.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	result, err := q.client.BLPop(ctx, 0, QueueMedia).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries,
// pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.client.RPush(ctx, QueueMedia, raw).Err(); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}
