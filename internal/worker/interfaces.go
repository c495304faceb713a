package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/seyi/adreel/internal/compose"
	"github.com/seyi/adreel/internal/models"
)

// The orchestrator consumes its collaborators through narrow interfaces so
// scenario and fault-injection tests can run against in-memory fakes.

// Store is the slice of the document store the worker needs.
type Store interface {
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	TransitionProject(ctx context.Context, id uuid.UUID, from, to models.ProjectStatus) error
	FailProject(ctx context.Context, id uuid.UUID, errorCode, errorMessage string) error
	SetSceneCount(ctx context.Context, id uuid.UUID, count int) error
	IncrementCompletedScenes(ctx context.Context, id uuid.UUID) (completed, failed, total int, err error)
	IncrementFailedScenes(ctx context.Context, id uuid.UUID) (completed, failed, total int, err error)
	CompleteProject(ctx context.Context, id uuid.UUID, finalOutputKey string) error

	CreateScene(ctx context.Context, scene *models.Scene) error
	GetProjectScenes(ctx context.Context, projectID uuid.UUID) ([]models.Scene, error)
	TransitionScene(ctx context.Context, id uuid.UUID, from, to models.SceneStatus) error
	MarkSceneFailed(ctx context.Context, id uuid.UUID, errorMessage string) (int, error)
	CompleteScene(ctx context.Context, id uuid.UUID, audioKey string, videoKey, imageKey, lipSyncKey *string, audioDurationMs, videoDurationMs *int) error

	FindStaleProjects(ctx context.Context, statuses []models.ProjectStatus, olderThan time.Time, limit int) ([]models.Project, error)
}

// JobQueue is the enqueue/notify side of the queue.
type JobQueue interface {
	EnqueueSceneGeneration(ctx context.Context, projectID uuid.UUID) error
	EnqueueComposition(ctx context.Context, projectID uuid.UUID) error
	PublishProgress(ctx context.Context, projectID uuid.UUID, event models.ProgressEvent) error
}

// ObjectStore is the object storage surface the worker needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Composer renders a final video from downloaded scene media.
type Composer interface {
	Compose(ctx context.Context, req compose.Request) error
	ProbeDurationMs(ctx context.Context, path string) (int, error)
}
