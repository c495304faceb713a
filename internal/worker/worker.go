package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seyi/adreel/internal/generation"
	"github.com/seyi/adreel/internal/models"
	"github.com/seyi/adreel/internal/queue"
	"github.com/seyi/adreel/internal/telemetry"
)

// Options tune the worker's concurrency and workspace behavior.
type Options struct {
	// SceneConcurrency bounds how many scenes of one project generate
	// assets at the same time.
	SceneConcurrency int

	// MaxEncodes bounds concurrent ffmpeg composition runs across all
	// composition consumers.
	MaxEncodes int

	// WorkDir is the base directory for per-job workspaces.
	WorkDir string

	// RetainWorkspaces keeps workspaces on disk after cleanup, for
	// debugging failed compositions.
	RetainWorkspaces bool

	// LipSyncEnabled turns on the lip-synced clip variant for projects
	// with a character image.
	LipSyncEnabled bool
}

// Worker consumes the scene-generation and composition queues and drives
// both state machines. Every status write goes through the store's
// compare-and-set operations, so running multiple workers is safe.
type Worker struct {
	store    Store
	queue    JobQueue
	dequeuer Dequeuer
	objects  ObjectStore
	composer Composer

	scripts generation.ScriptGenerator
	voice   generation.VoiceSynthesizer
	video   generation.VideoGenerator
	images  generation.ImageGenerator

	opts      Options
	encodeSem chan struct{}
	log       *zap.SugaredLogger
}

// Dequeuer is the consume side of the queue.
type Dequeuer interface {
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*models.Job, error)
}

func New(
	store Store,
	jobQueue JobQueue,
	dequeuer Dequeuer,
	objects ObjectStore,
	composer Composer,
	scripts generation.ScriptGenerator,
	voice generation.VoiceSynthesizer,
	video generation.VideoGenerator,
	images generation.ImageGenerator,
	opts Options,
	log *zap.SugaredLogger,
) *Worker {
	if opts.SceneConcurrency <= 0 {
		opts.SceneConcurrency = 3
	}
	if opts.MaxEncodes <= 0 {
		opts.MaxEncodes = 2
	}
	return &Worker{
		store:     store,
		queue:     jobQueue,
		dequeuer:  dequeuer,
		objects:   objects,
		composer:  composer,
		scripts:   scripts,
		voice:     voice,
		video:     video,
		images:    images,
		opts:      opts,
		encodeSem: make(chan struct{}, opts.MaxEncodes),
		log:       log,
	}
}

// Start runs concurrency consumer loops per queue and blocks until the
// context is cancelled.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	w.log.Infow("worker started", "concurrency", concurrency)

	for i := 0; i < concurrency; i++ {
		go w.processQueue(ctx, queue.QueueSceneGeneration, w.handleSceneGeneration)
		go w.processQueue(ctx, queue.QueueComposition, w.handleComposition)
	}

	<-ctx.Done()
	w.log.Info("worker shutting down")
}

// processQueue is the consumer loop for one queue. A handler error is logged
// and counted but never re-raised: the job's outcome is whatever state the
// handler wrote, and lost work is recovered by the staleness sweep.
func (w *Worker) processQueue(ctx context.Context, queueName string, handler func(context.Context, *models.Job) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			job, err := w.dequeuer.Dequeue(ctx, queueName, 5*time.Second)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.log.Errorw("dequeue failed", "queue", queueName, "error", err)
				continue
			}
			if job == nil {
				continue
			}

			w.log.Infow("processing job", "job_id", job.ID, "type", job.Type, "project_id", job.ProjectID)
			telemetry.JobsProcessed.WithLabelValues(queueName).Inc()
			telemetry.JobsInFlight.Inc()

			if err := handler(ctx, job); err != nil {
				telemetry.JobFailures.WithLabelValues(queueName).Inc()
				w.log.Errorw("job failed", "job_id", job.ID, "project_id", job.ProjectID, "error", err)
			} else {
				w.log.Infow("job done", "job_id", job.ID, "project_id", job.ProjectID)
			}
			telemetry.JobsInFlight.Dec()
		}
	}
}

// publishProgress is best-effort; a publish failure never fails the job.
func (w *Worker) publishProgress(ctx context.Context, projectID uuid.UUID, stage string, percent int, message string) {
	event := models.ProgressEvent{Stage: stage, Percent: percent, Message: message}
	if err := w.queue.PublishProgress(ctx, projectID, event); err != nil {
		w.log.Debugw("progress publish failed", "project_id", projectID, "error", err)
	}
}
