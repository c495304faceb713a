// Package service is the front door for project lifecycle operations. It
// owns creation and read paths; all pipeline work happens in the worker.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seyi/adreel/internal/models"
)

var (
	// ErrNotReady means the requested operation needs pipeline progress that
	// has not happened yet.
	ErrNotReady = errors.New("project is not ready")

	// ErrInvalidParams means the caller's creative parameters fail validation.
	ErrInvalidParams = errors.New("invalid project parameters")
)

const maxBriefLen = 4000

// Store is the persistence surface the service needs.
type Store interface {
	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	GetProjectScenes(ctx context.Context, projectID uuid.UUID) ([]models.Scene, error)
}

// JobQueue is the enqueue side of the pipeline queues.
type JobQueue interface {
	EnqueueSceneGeneration(ctx context.Context, projectID uuid.UUID) error
	EnqueueComposition(ctx context.Context, projectID uuid.UUID) error
}

// URLSigner mints short-lived download URLs for stored objects.
type URLSigner interface {
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type Service struct {
	store   Store
	queue   JobQueue
	objects URLSigner
	log     *zap.SugaredLogger
}

func New(store Store, queue JobQueue, objects URLSigner, log *zap.SugaredLogger) *Service {
	return &Service{store: store, queue: queue, objects: objects, log: log}
}

// CreateProject persists a new pending project and enqueues its first
// pipeline job. The row is written before the enqueue, so a lost enqueue
// leaves a pending row the staleness sweep will pick back up.
func (s *Service) CreateProject(ctx context.Context, params models.CreateProjectParams) (*models.Project, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}

	project := &models.Project{
		ID:                 uuid.New(),
		Status:             models.ProjectStatusPending,
		Brief:              strings.TrimSpace(params.Brief),
		CTAText:            params.CTAText,
		VoiceProfile:       params.VoiceProfile,
		Language:           params.Language,
		CharacterImageKey:  params.CharacterImageKey,
		ProductImageKey:    params.ProductImageKey,
		BackgroundAudioKey: params.BackgroundAudioKey,
	}

	if err := s.store.CreateProject(ctx, project); err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	if err := s.queue.EnqueueSceneGeneration(ctx, project.ID); err != nil {
		// The pending row survives; the sweep re-enqueues it.
		s.log.Warnw("initial enqueue failed, deferring to sweep", "project_id", project.ID, "error", err)
	}

	s.log.Infow("project created", "project_id", project.ID)
	return project, nil
}

// GetProjectState returns the project row plus its scene rows, the full
// status snapshot a consumer polls.
func (s *Service) GetProjectState(ctx context.Context, id uuid.UUID) (*models.ProjectState, error) {
	project, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}

	scenes, err := s.store.GetProjectScenes(ctx, id)
	if err != nil {
		return nil, err
	}

	return &models.ProjectState{Project: *project, Scenes: scenes}, nil
}

// RequestComposition explicitly (re-)enqueues composition for a project whose
// scenes are all done. The readiness check runs before the enqueue: a project
// still generating scenes is rejected without touching the queue.
func (s *Service) RequestComposition(ctx context.Context, id uuid.UUID) error {
	project, err := s.store.GetProject(ctx, id)
	if err != nil {
		return err
	}

	if project.Status == models.ProjectStatusCompleted {
		return nil
	}
	if project.Status == models.ProjectStatusFailed {
		return fmt.Errorf("project %s has failed: %w", id, ErrNotReady)
	}
	if project.SceneCount == 0 || project.CompletedScenes < project.SceneCount {
		return fmt.Errorf("project %s has %d/%d scenes completed: %w",
			id, project.CompletedScenes, project.SceneCount, ErrNotReady)
	}

	return s.queue.EnqueueComposition(ctx, id)
}

// GetFinalArtifact returns a short-lived download URL for the composed video.
func (s *Service) GetFinalArtifact(ctx context.Context, id uuid.UUID, ttl time.Duration) (string, error) {
	project, err := s.store.GetProject(ctx, id)
	if err != nil {
		return "", err
	}

	if project.Status != models.ProjectStatusCompleted || project.FinalOutputKey == nil {
		return "", fmt.Errorf("project %s is %s: %w", id, project.Status, ErrNotReady)
	}

	return s.objects.SignedURL(ctx, *project.FinalOutputKey, ttl)
}

func validateParams(params models.CreateProjectParams) error {
	brief := strings.TrimSpace(params.Brief)
	if brief == "" {
		return fmt.Errorf("brief is required: %w", ErrInvalidParams)
	}
	if len(brief) > maxBriefLen {
		return fmt.Errorf("brief exceeds %d characters: %w", maxBriefLen, ErrInvalidParams)
	}
	if params.Language != nil && len(*params.Language) != 2 {
		return fmt.Errorf("language must be an ISO 639-1 code: %w", ErrInvalidParams)
	}
	return nil
}
