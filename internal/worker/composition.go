package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/seyi/adreel/internal/assets"
	"github.com/seyi/adreel/internal/compose"
	"github.com/seyi/adreel/internal/models"
	"github.com/seyi/adreel/internal/storage"
	"github.com/seyi/adreel/internal/store"
	"github.com/seyi/adreel/internal/telemetry"
)

// handleComposition renders the final ad. Admission is a single
// compare-and-set on processing → composing: whichever worker wins the write
// composes, everyone else drops the job.
func (w *Worker) handleComposition(ctx context.Context, job *models.Job) error {
	project, err := w.store.GetProject(ctx, job.ProjectID)
	if err != nil {
		return err
	}

	if project.Status == models.ProjectStatusCompleted {
		return nil
	}

	err = w.store.TransitionProject(ctx, project.ID, models.ProjectStatusProcessing, models.ProjectStatusComposing)
	if err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrInvalidTransition) {
			w.log.Infow("composition admission rejected", "project_id", project.ID, "status", project.Status)
			return nil
		}
		return err
	}

	w.publishProgress(ctx, project.ID, "composition", 92, "composition started")

	if err := w.composeProject(ctx, project); err != nil {
		// A failed fail-write leaves the project non-terminal for the sweep
		// to retry.
		if fErr := w.store.FailProject(ctx, project.ID, "composition_failed", err.Error()); fErr != nil {
			w.log.Errorw("failed to record project failure", "project_id", project.ID, "error", fErr)
		}
		telemetry.ProjectsDone.WithLabelValues(string(models.ProjectStatusFailed)).Inc()
		return fmt.Errorf("composition: %w", err)
	}

	telemetry.ProjectsDone.WithLabelValues(string(models.ProjectStatusCompleted)).Inc()
	w.publishProgress(ctx, project.ID, "composition", 100, "final video ready")
	return nil
}

func (w *Worker) composeProject(ctx context.Context, project *models.Project) error {
	scenes, err := w.store.GetProjectScenes(ctx, project.ID)
	if err != nil {
		return err
	}

	for _, sc := range scenes {
		if sc.Status != models.SceneStatusCompleted {
			return fmt.Errorf("scene %d is %s, composition requires all scenes completed", sc.Sequence, sc.Status)
		}
	}

	ws, err := assets.NewWorkspace(w.opts.WorkDir, project.ID, w.objects, w.opts.RetainWorkspaces, w.log)
	if err != nil {
		return err
	}
	defer ws.Cleanup()

	media, err := w.downloadSceneMedia(ctx, ws, scenes)
	if err != nil {
		return err
	}

	backgroundPath := ""
	if project.BackgroundAudioKey != nil {
		p, err := ws.DownloadToWorkspace(ctx, *project.BackgroundAudioKey, ws.AudioDir(), "background.mp3", "audio")
		if err != nil {
			// The music bed is optional; compose without it.
			w.log.Warnw("background track unavailable, composing without it", "project_id", project.ID, "error", err)
		} else {
			backgroundPath = p
		}
	}

	// Composition is the heaviest stage; the encode semaphore keeps
	// concurrent ffmpeg runs from starving the host.
	select {
	case w.encodeSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-w.encodeSem }()

	outputPath := filepath.Join(ws.FinalDir(), "final.mp4")
	err = w.composer.Compose(ctx, compose.Request{
		Scenes:         media,
		ExpectedScenes: project.SceneCount,
		BackgroundPath: backgroundPath,
		WorkDir:        ws.FinalDir(),
		OutputPath:     outputPath,
	})
	if err != nil {
		return err
	}

	finalBytes, err := os.ReadFile(outputPath)
	if err != nil {
		return fmt.Errorf("failed to read composed video: %w", err)
	}

	finalKey := storage.ObjectKey(project.ID, "final", "final.mp4")
	if err := w.objects.Put(ctx, finalKey, finalBytes, "video/mp4"); err != nil {
		return fmt.Errorf("failed to upload final video: %w", err)
	}

	if err := w.store.CompleteProject(ctx, project.ID, finalKey); err != nil {
		return err
	}

	w.log.Infow("project completed", "project_id", project.ID, "final_key", finalKey, "bytes", len(finalBytes))
	return nil
}

// downloadSceneMedia pulls every completed scene's assets into the workspace
// and returns the measured media set for planning.
func (w *Worker) downloadSceneMedia(ctx context.Context, ws *assets.Workspace, scenes []models.Scene) ([]compose.SceneMedia, error) {
	media := make([]compose.SceneMedia, 0, len(scenes))

	for _, sc := range scenes {
		if sc.AudioKey == nil {
			return nil, fmt.Errorf("scene %d has no audio key", sc.Sequence)
		}

		m := compose.SceneMedia{Sequence: sc.Sequence}

		audioPath, err := ws.DownloadToWorkspace(ctx, *sc.AudioKey, ws.AudioDir(), fmt.Sprintf("voice_%d.mp3", sc.Sequence), "audio")
		if err != nil {
			return nil, fmt.Errorf("scene %d audio: %w", sc.Sequence, err)
		}
		m.AudioPath = audioPath

		// Prefer the measured duration from ffprobe; the stored estimate is
		// the fallback.
		if d, err := w.composer.ProbeDurationMs(ctx, audioPath); err == nil {
			m.VoiceDurationMs = d
		} else if sc.AudioDurationMs != nil {
			m.VoiceDurationMs = *sc.AudioDurationMs
		} else {
			return nil, fmt.Errorf("scene %d voice duration unknown: %w", sc.Sequence, err)
		}

		switch {
		case sc.VideoKey != nil:
			// The lip-synced variant wins when present.
			key := *sc.VideoKey
			if sc.LipSyncVideoKey != nil {
				key = *sc.LipSyncVideoKey
			}
			p, err := ws.DownloadToWorkspace(ctx, key, ws.ScenesDir(), fmt.Sprintf("scene_%d.mp4", sc.Sequence), "video")
			if err != nil {
				return nil, fmt.Errorf("scene %d clip: %w", sc.Sequence, err)
			}
			m.VideoPath = p

		case sc.ImageKey != nil:
			p, err := ws.DownloadToWorkspace(ctx, *sc.ImageKey, ws.ScenesDir(), fmt.Sprintf("scene_%d.png", sc.Sequence), "image")
			if err != nil {
				return nil, fmt.Errorf("scene %d still: %w", sc.Sequence, err)
			}
			m.ImagePath = p

		default:
			return nil, fmt.Errorf("scene %d has neither video nor image", sc.Sequence)
		}

		media = append(media, m)
	}

	return media, nil
}
