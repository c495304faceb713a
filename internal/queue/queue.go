package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/seyi/adreel/internal/models"
)

// Two independent queues so each stage type scales on its own worker pool.
const (
	QueueSceneGeneration = "queue:scene_generation"
	QueueComposition     = "queue:composition"
)

// Queue is the Redis-backed job channel. Enqueue appends to the tail of a
// named list; Dequeue is a blocking pop that hands each job to at most one
// caller. Delivery is at-least-once: a worker that dies between pop and
// state write loses the job, and the staleness sweep re-enqueues it.
type Queue struct {
	client *redis.Client
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Enqueue(ctx context.Context, queueName string, job *models.Job) error {
	job.EnqueuedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return q.client.RPush(ctx, queueName, data).Err()
}

// Dequeue blocks up to timeout for the next job. Returns (nil, nil) when the
// queue stayed empty.
func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*models.Job, error) {
	result, err := q.client.BLPop(ctx, timeout, queueName).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var job models.Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

func (q *Queue) Length(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, queueName).Result()
}

// EnqueueSceneGeneration enqueues the script + asset-generation stage for a project.
func (q *Queue) EnqueueSceneGeneration(ctx context.Context, projectID uuid.UUID) error {
	job := &models.Job{
		ID:        uuid.New(),
		ProjectID: projectID,
		Type:      models.JobTypeSceneGeneration,
	}
	return q.Enqueue(ctx, QueueSceneGeneration, job)
}

// EnqueueComposition enqueues the final composition stage for a project.
func (q *Queue) EnqueueComposition(ctx context.Context, projectID uuid.UUID) error {
	job := &models.Job{
		ID:        uuid.New(),
		ProjectID: projectID,
		Type:      models.JobTypeComposition,
	}
	return q.Enqueue(ctx, QueueComposition, job)
}

func progressChannel(projectID uuid.UUID) string {
	return "progress:" + projectID.String()
}

// PublishProgress fans out a progress event on the project's pub/sub
// channel. Best-effort: callers log a returned error at most, the pipeline
// never fails because of it.
func (q *Queue) PublishProgress(ctx context.Context, projectID uuid.UUID, event models.ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal progress event: %w", err)
	}
	return q.client.Publish(ctx, progressChannel(projectID), data).Err()
}

// SubscribeProgress returns a channel of progress events for a project plus
// a cancel func that tears the subscription down. Malformed payloads are
// dropped silently — the stream is advisory.
func (q *Queue) SubscribeProgress(ctx context.Context, projectID uuid.UUID) (<-chan models.ProgressEvent, func(), error) {
	sub := q.client.Subscribe(ctx, progressChannel(projectID))

	// Force the subscription to be established before returning.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to progress: %w", err)
	}

	out := make(chan models.ProgressEvent)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var event models.ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { sub.Close() }
	return out, cancel, nil
}
