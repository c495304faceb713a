package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/seyi/adreel/internal/generation"
	"github.com/seyi/adreel/internal/models"
	"github.com/seyi/adreel/internal/storage"
	"github.com/seyi/adreel/internal/store"
	"github.com/seyi/adreel/internal/telemetry"
)

// handleSceneGeneration runs the script stage and the parallel per-scene
// asset stage. Re-running the handler on the same project is safe at every
// point: scene rows are created idempotently, completed scenes are skipped,
// and every status write is a compare-and-set.
func (w *Worker) handleSceneGeneration(ctx context.Context, job *models.Job) error {
	project, err := w.store.GetProject(ctx, job.ProjectID)
	if err != nil {
		return err
	}

	switch project.Status {
	case models.ProjectStatusPending:
		err := w.store.TransitionProject(ctx, project.ID, models.ProjectStatusPending, models.ProjectStatusGeneratingScenes)
		if errors.Is(err, store.ErrConflict) {
			// Another worker claimed the project.
			return nil
		}
		if err != nil {
			return err
		}
		project.Status = models.ProjectStatusGeneratingScenes

	case models.ProjectStatusGeneratingScenes, models.ProjectStatusProcessing:
		// Resuming after a crash or sweep re-enqueue.

	default:
		// composing, completed, failed: nothing left for this stage.
		w.log.Infow("scene generation skipped", "project_id", project.ID, "status", project.Status)
		return nil
	}

	if project.Status == models.ProjectStatusGeneratingScenes {
		if err := w.runScriptStage(ctx, project); err != nil {
			// A failed fail-write leaves the project non-terminal for the
			// sweep to retry.
			if fErr := w.store.FailProject(ctx, project.ID, "script_generation_failed", err.Error()); fErr != nil {
				w.log.Errorw("failed to record project failure", "project_id", project.ID, "error", fErr)
			}
			telemetry.ProjectsDone.WithLabelValues(string(models.ProjectStatusFailed)).Inc()
			return fmt.Errorf("script stage: %w", err)
		}

		err := w.store.TransitionProject(ctx, project.ID, models.ProjectStatusGeneratingScenes, models.ProjectStatusProcessing)
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return err
		}
	}

	return w.runAssetStage(ctx, project.ID)
}

// runScriptStage generates the ad script and materializes one Scene row per
// planned scene. A project that already has its scenes keeps them — a
// re-run never regenerates or overwrites the script.
func (w *Worker) runScriptStage(ctx context.Context, project *models.Project) error {
	existing, err := w.store.GetProjectScenes(ctx, project.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 && project.SceneCount > 0 {
		w.log.Infow("scenes already materialized", "project_id", project.ID, "scenes", len(existing))
		return nil
	}

	script, err := w.scripts.GenerateScript(ctx, generation.ScriptRequest{
		Brief:    project.Brief,
		CTAText:  project.CTAText,
		Language: project.Language,
	})
	if err != nil {
		return err
	}

	w.publishProgress(ctx, project.ID, "script", 10, fmt.Sprintf("script generated: %d scenes", len(script.Scenes)))

	for i, plan := range script.Scenes {
		scene := &models.Scene{
			ID:                uuid.New(),
			ProjectID:         project.ID,
			Sequence:          i,
			Status:            models.SceneStatusPending,
			VoiceoverText:     plan.VoiceoverText,
			Prompt:            plan.VisualPrompt,
			TargetDurationSec: plan.DurationSec,
		}
		if plan.NegativePrompt != "" {
			scene.NegativePrompt = &plan.NegativePrompt
		}

		// The last scene is the call-to-action: it renders from a product
		// still instead of a generated clip.
		if i == len(script.Scenes)-1 {
			if project.ProductImageKey != nil {
				scene.ReferenceImageKey = project.ProductImageKey
			} else {
				scene.ReferenceImageKey = project.CharacterImageKey
			}
		} else if project.CharacterImageKey != nil {
			scene.ReferenceImageKey = project.CharacterImageKey
		}

		if err := w.store.CreateScene(ctx, scene); err != nil {
			return fmt.Errorf("failed to create scene %d: %w", i, err)
		}
	}

	if err := w.store.SetSceneCount(ctx, project.ID, len(script.Scenes)); err != nil {
		return err
	}

	w.publishProgress(ctx, project.ID, "scenes", 20, "scene records created")
	return nil
}

// runAssetStage generates voice and visuals for every non-completed scene in
// parallel. Scene failures never cancel sibling scenes: each task handles
// its own retry loop and reports through the state machine, not through an
// error return.
func (w *Worker) runAssetStage(ctx context.Context, projectID uuid.UUID) error {
	project, err := w.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}

	scenes, err := w.store.GetProjectScenes(ctx, projectID)
	if err != nil {
		return err
	}
	if len(scenes) == 0 {
		return fmt.Errorf("project %s has no scenes in asset stage", projectID)
	}

	var g errgroup.Group
	g.SetLimit(w.opts.SceneConcurrency)

	for i := range scenes {
		scene := scenes[i]
		if scene.Status == models.SceneStatusCompleted {
			continue
		}
		isFinal := scene.Sequence == project.SceneCount-1

		g.Go(func() error {
			w.processScene(ctx, project, &scene, isFinal)
			return nil
		})
	}
	g.Wait()

	// The scene rows, not the in-memory results, decide the stage outcome —
	// another worker may have finished scenes this one never touched.
	scenes, err = w.store.GetProjectScenes(ctx, projectID)
	if err != nil {
		return err
	}

	completed, exhausted := 0, 0
	for _, sc := range scenes {
		switch {
		case sc.Status == models.SceneStatusCompleted:
			completed++
		case sc.Status == models.SceneStatusFailed && sc.RetryCount >= models.SceneRetryCap:
			exhausted++
		}
	}

	switch {
	case completed == len(scenes):
		w.publishProgress(ctx, projectID, "scenes", 90, "all scenes completed")
		if err := w.queue.EnqueueComposition(ctx, projectID); err != nil {
			return fmt.Errorf("failed to enqueue composition: %w", err)
		}

	case exhausted > 0:
		msg := fmt.Sprintf("%d of %d scenes failed after %d attempts", exhausted, len(scenes), models.SceneRetryCap)
		if err := w.store.FailProject(ctx, projectID, "scene_generation_failed", msg); err != nil {
			return err
		}
		telemetry.ProjectsDone.WithLabelValues(string(models.ProjectStatusFailed)).Inc()
		w.publishProgress(ctx, projectID, "scenes", 90, msg)

	default:
		// Some scenes are incomplete but none terminally failed — a crash
		// or cancellation mid-stage. The staleness sweep picks it back up.
		w.log.Warnw("asset stage ended incomplete", "project_id", projectID, "completed", completed, "total", len(scenes))
	}

	return nil
}

// processScene owns one scene through its retry loop. The retry budget is
// enforced by the scene state machine: failed → processing is only granted
// while retry_count is under the cap. A scene found already in processing was
// orphaned by a dead worker and is re-claimed through the same conditional
// write.
func (w *Worker) processScene(ctx context.Context, project *models.Project, scene *models.Scene, isFinal bool) {
	for {
		if ctx.Err() != nil {
			return
		}

		from := scene.Status
		if from == models.SceneStatusFailed && scene.RetryCount >= models.SceneRetryCap {
			return
		}

		if err := w.store.TransitionScene(ctx, scene.ID, from, models.SceneStatusProcessing); err != nil {
			// Lost the claim race, or the row moved on without us.
			w.log.Debugw("scene claim failed", "scene_id", scene.ID, "from", from, "error", err)
			return
		}

		err := w.generateSceneAssets(ctx, project, scene, isFinal)
		if err == nil {
			completed, _, total, cErr := w.store.IncrementCompletedScenes(ctx, project.ID)
			if cErr != nil {
				w.log.Errorw("failed to bump completed counter", "project_id", project.ID, "error", cErr)
			}
			telemetry.ScenesCompleted.Inc()

			percent := 20
			if total > 0 {
				percent += 70 * completed / total
			}
			w.publishProgress(ctx, project.ID, "scenes", percent,
				fmt.Sprintf("scene %d completed (%d/%d)", scene.Sequence, completed, total))
			return
		}

		w.log.Warnw("scene attempt failed",
			"scene_id", scene.ID,
			"sequence", scene.Sequence,
			"transient", generation.IsTransient(err),
			"error", err,
		)

		retryCount, mErr := w.store.MarkSceneFailed(ctx, scene.ID, err.Error())
		if mErr != nil {
			w.log.Errorw("failed to record scene failure", "scene_id", scene.ID, "error", mErr)
			return
		}
		telemetry.ScenesFailed.Inc()

		scene.Status = models.SceneStatusFailed
		scene.RetryCount = retryCount

		if retryCount >= models.SceneRetryCap {
			if _, _, _, fErr := w.store.IncrementFailedScenes(ctx, project.ID); fErr != nil {
				w.log.Errorw("failed to bump failed counter", "project_id", project.ID, "error", fErr)
			}
			w.publishProgress(ctx, project.ID, "scenes", 20,
				fmt.Sprintf("scene %d failed permanently", scene.Sequence))
			return
		}
	}
}

// generateSceneAssets runs one attempt: voice and visual pipelines in
// parallel, then the conditional completion write. The first pipeline error
// cancels the sibling through the group context.
func (w *Worker) generateSceneAssets(ctx context.Context, project *models.Project, scene *models.Scene, isFinal bool) error {
	var (
		voice    *generation.VoiceResult
		audioKey string
		videoKey *string
		imageKey *string
	)

	voiceProfile := ""
	if project.VoiceProfile != nil {
		voiceProfile = *project.VoiceProfile
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		res, err := generation.SynthesizeForDuration(gctx, w.voice, scene.VoiceoverText, voiceProfile, scene.TargetDurationSec, w.log)
		if err != nil {
			return err
		}

		key := storage.ObjectKey(project.ID, "audio", fmt.Sprintf("scene_%d.mp3", scene.Sequence))
		if err := w.objects.Put(gctx, key, res.AudioData, "audio/mpeg"); err != nil {
			return fmt.Errorf("failed to upload scene audio: %w", err)
		}

		voice = res
		audioKey = key
		return nil
	})

	g.Go(func() error {
		refBytes, refURL, err := w.loadReference(gctx, scene)
		if err != nil {
			return err
		}

		if isFinal {
			img, err := w.images.GenerateImage(gctx, scene.Prompt, refBytes, "image/png")
			if err != nil {
				return err
			}
			key := storage.ObjectKey(project.ID, "scenes", fmt.Sprintf("scene_%d_cta.png", scene.Sequence))
			if err := w.objects.Put(gctx, key, img, "image/png"); err != nil {
				return fmt.Errorf("failed to upload CTA still: %w", err)
			}
			imageKey = &key
			return nil
		}

		clip, err := w.video.GenerateVideo(gctx, generation.VideoRequest{
			Prompt:         scene.Prompt,
			NegativePrompt: derefString(scene.NegativePrompt),
			DurationSec:    int(scene.TargetDurationSec),
			FirstFrame:     refBytes,
			FirstFrameMIME: "image/png",
			FirstFrameURL:  refURL,
		})
		if err != nil {
			return err
		}
		key := storage.ObjectKey(project.ID, "scenes", fmt.Sprintf("scene_%d.mp4", scene.Sequence))
		if err := w.objects.Put(gctx, key, clip, "video/mp4"); err != nil {
			return fmt.Errorf("failed to upload scene clip: %w", err)
		}
		videoKey = &key
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	// Lip-synced variant: a second clip pass framed on the character,
	// speaking the narration. Best-effort — the plain clip ships either way.
	var lipSyncKey *string
	if w.opts.LipSyncEnabled && !isFinal && project.CharacterImageKey != nil {
		if key, err := w.generateLipSyncVariant(ctx, project, scene); err != nil {
			w.log.Warnw("lip-sync variant failed, keeping plain clip", "scene_id", scene.ID, "error", err)
		} else {
			lipSyncKey = &key
		}
	}

	return w.store.CompleteScene(ctx, scene.ID, audioKey, videoKey, imageKey, lipSyncKey, &voice.DurationMs, nil)
}

// loadReference fetches the scene's reference image and mints a short-lived
// URL for backends that fetch frames themselves. A missing reference is not
// an error — generation proceeds unguided.
func (w *Worker) loadReference(ctx context.Context, scene *models.Scene) ([]byte, string, error) {
	if scene.ReferenceImageKey == nil {
		return nil, "", nil
	}

	refBytes, err := w.objects.Get(ctx, *scene.ReferenceImageKey)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch reference image: %w", err)
	}

	refURL, err := w.objects.SignedURL(ctx, *scene.ReferenceImageKey, 30*time.Minute)
	if err != nil {
		w.log.Warnw("failed to sign reference URL", "key", *scene.ReferenceImageKey, "error", err)
		refURL = ""
	}
	return refBytes, refURL, nil
}

func (w *Worker) generateLipSyncVariant(ctx context.Context, project *models.Project, scene *models.Scene) (string, error) {
	refBytes, refURL, err := w.loadReferenceKey(ctx, *project.CharacterImageKey)
	if err != nil {
		return "", err
	}

	prompt := scene.Prompt + "\n\nThe character faces the camera and speaks the narration naturally, lips moving in sync with speech."
	clip, err := w.video.GenerateVideo(ctx, generation.VideoRequest{
		Prompt:         prompt,
		NegativePrompt: derefString(scene.NegativePrompt),
		DurationSec:    int(scene.TargetDurationSec),
		FirstFrame:     refBytes,
		FirstFrameMIME: "image/png",
		FirstFrameURL:  refURL,
	})
	if err != nil {
		return "", err
	}

	key := storage.ObjectKey(project.ID, "scenes", fmt.Sprintf("scene_%d_lipsync.mp4", scene.Sequence))
	if err := w.objects.Put(ctx, key, clip, "video/mp4"); err != nil {
		return "", fmt.Errorf("failed to upload lip-sync clip: %w", err)
	}
	return key, nil
}

func (w *Worker) loadReferenceKey(ctx context.Context, key string) ([]byte, string, error) {
	refBytes, err := w.objects.Get(ctx, key)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch reference image: %w", err)
	}
	refURL, err := w.objects.SignedURL(ctx, key, 30*time.Minute)
	if err != nil {
		refURL = ""
	}
	return refBytes, refURL, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
