package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/seyi/adreel/internal/models"
	"github.com/seyi/adreel/internal/store"
	"github.com/seyi/adreel/internal/telemetry"
)

// sweepStatuses are the non-terminal states a project can get stuck in when
// a worker dies between a queue pop and its state write.
var sweepStatuses = []models.ProjectStatus{
	models.ProjectStatusPending,
	models.ProjectStatusGeneratingScenes,
	models.ProjectStatusProcessing,
	models.ProjectStatusComposing,
}

// Sweeper periodically scans for projects whose updated_at has gone stale in
// a non-terminal status and re-enqueues them. Re-delivery is safe because
// every handler is idempotent: completed scenes are skipped and admission is
// compare-and-set.
type Sweeper struct {
	store     Store
	queue     JobQueue
	interval  time.Duration
	staleness time.Duration
	batchSize int
	log       *zap.SugaredLogger
}

func NewSweeper(st Store, q JobQueue, interval, staleness time.Duration, log *zap.SugaredLogger) *Sweeper {
	return &Sweeper{
		store:     st,
		queue:     q,
		interval:  interval,
		staleness: staleness,
		batchSize: 50,
		log:       log,
	}
}

// Run blocks until the context is cancelled, sweeping every interval.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Infow("sweeper started", "interval", s.interval, "staleness", s.staleness)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper shutting down")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Errorw("sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass: find stale projects and put them back on the right
// queue for their state.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-s.staleness)

	stale, err := s.store.FindStaleProjects(ctx, sweepStatuses, cutoff, s.batchSize)
	if err != nil {
		return err
	}

	for _, p := range stale {
		if err := s.requeue(ctx, p); err != nil {
			s.log.Errorw("failed to requeue stale project", "project_id", p.ID, "status", p.Status, "error", err)
			continue
		}
		telemetry.SweepRequeues.Inc()
		s.log.Infow("requeued stale project", "project_id", p.ID, "status", p.Status)
	}

	return nil
}

func (s *Sweeper) requeue(ctx context.Context, p models.Project) error {
	switch p.Status {
	case models.ProjectStatusPending, models.ProjectStatusGeneratingScenes:
		return s.queue.EnqueueSceneGeneration(ctx, p.ID)

	case models.ProjectStatusProcessing:
		// All scenes done means the composition enqueue itself was lost.
		if p.SceneCount > 0 && p.CompletedScenes == p.SceneCount {
			return s.queue.EnqueueComposition(ctx, p.ID)
		}
		return s.queue.EnqueueSceneGeneration(ctx, p.ID)

	case models.ProjectStatusComposing:
		// The composing worker died. Reset the admission gate so the next
		// consumer can claim it, then re-enqueue.
		err := s.store.TransitionProject(ctx, p.ID, models.ProjectStatusComposing, models.ProjectStatusProcessing)
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return err
		}
		return s.queue.EnqueueComposition(ctx, p.ID)
	}

	return nil
}
