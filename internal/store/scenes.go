package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/seyi/adreel/internal/models"
)

const sceneColumns = `
	id, project_id, sequence, status, retry_count,
	voiceover_text, prompt, negative_prompt, target_duration_sec,
	reference_image_key, audio_key, video_key, image_key, lip_sync_video_key,
	audio_duration_ms, video_duration_ms, error_message, created_at, updated_at
`

func (s *Store) CreateScene(ctx context.Context, scene *models.Scene) error {
	query := `
		INSERT INTO scenes (
			id, project_id, sequence, status,
			voiceover_text, prompt, negative_prompt, target_duration_sec,
			reference_image_key
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (project_id, sequence) DO NOTHING
		RETURNING created_at, updated_at
	`

	err := s.QueryRowContext(
		ctx, query,
		scene.ID, scene.ProjectID, scene.Sequence, scene.Status,
		scene.VoiceoverText, scene.Prompt, scene.NegativePrompt,
		scene.TargetDurationSec, scene.ReferenceImageKey,
	).Scan(&scene.CreatedAt, &scene.UpdatedAt)

	// ON CONFLICT DO NOTHING returns no row when the scene already exists —
	// a re-run of the script stage must not duplicate or overwrite rows.
	if err == sql.ErrNoRows {
		return nil
	}
	return err
}

func (s *Store) GetScene(ctx context.Context, id uuid.UUID) (*models.Scene, error) {
	query := `SELECT ` + sceneColumns + ` FROM scenes WHERE id = $1`

	scene := &models.Scene{}
	err := s.QueryRowContext(ctx, query, id).Scan(
		&scene.ID, &scene.ProjectID, &scene.Sequence, &scene.Status, &scene.RetryCount,
		&scene.VoiceoverText, &scene.Prompt, &scene.NegativePrompt, &scene.TargetDurationSec,
		&scene.ReferenceImageKey, &scene.AudioKey, &scene.VideoKey, &scene.ImageKey,
		&scene.LipSyncVideoKey, &scene.AudioDurationMs, &scene.VideoDurationMs,
		&scene.ErrorMessage, &scene.CreatedAt, &scene.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("scene %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scene: %w", err)
	}

	return scene, nil
}

func (s *Store) GetProjectScenes(ctx context.Context, projectID uuid.UUID) ([]models.Scene, error) {
	query := `SELECT ` + sceneColumns + ` FROM scenes WHERE project_id = $1 ORDER BY sequence`

	rows, err := s.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query scenes: %w", err)
	}
	defer rows.Close()

	var scenes []models.Scene
	for rows.Next() {
		var sc models.Scene
		if err := rows.Scan(
			&sc.ID, &sc.ProjectID, &sc.Sequence, &sc.Status, &sc.RetryCount,
			&sc.VoiceoverText, &sc.Prompt, &sc.NegativePrompt, &sc.TargetDurationSec,
			&sc.ReferenceImageKey, &sc.AudioKey, &sc.VideoKey, &sc.ImageKey,
			&sc.LipSyncVideoKey, &sc.AudioDurationMs, &sc.VideoDurationMs,
			&sc.ErrorMessage, &sc.CreatedAt, &sc.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan scene: %w", err)
		}
		scenes = append(scenes, sc)
	}

	return scenes, rows.Err()
}

// TransitionScene performs the conditional compare-and-set scene status
// write. The retry count stored on the row gates the failed → processing
// loop, mirroring models.CanTransitionScene.
func (s *Store) TransitionScene(ctx context.Context, id uuid.UUID, from, to models.SceneStatus) error {
	// Direction check against the table; the retry-cap half of the guard is
	// enforced in SQL against the stored counter.
	if !models.CanTransitionScene(from, to, 0) {
		return fmt.Errorf("scene %s -> %s: %w", from, to, ErrInvalidTransition)
	}

	query := `
		UPDATE scenes SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
		  AND (status != $4 OR retry_count < $5)
	`
	res, err := s.ExecContext(ctx, query, to, id, from, models.SceneStatusFailed, models.SceneRetryCap)
	if err != nil {
		return fmt.Errorf("failed to transition scene: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("scene %s expected status %s: %w", id, from, ErrConflict)
	}
	return nil
}

// MarkSceneFailed records a failed attempt: status → failed, retry counter
// bumped, reason retained. Returns the new retry count so the caller knows
// whether the retry budget is exhausted.
func (s *Store) MarkSceneFailed(ctx context.Context, id uuid.UUID, errorMessage string) (int, error) {
	query := `
		UPDATE scenes
		SET status = $1, retry_count = retry_count + 1, error_message = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4
		RETURNING retry_count
	`
	var retryCount int
	err := s.QueryRowContext(ctx, query,
		models.SceneStatusFailed, errorMessage, id, models.SceneStatusProcessing,
	).Scan(&retryCount)

	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("scene %s expected status %s: %w", id, models.SceneStatusProcessing, ErrConflict)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to mark scene failed: %w", err)
	}
	return retryCount, nil
}

// CompleteScene sets the generated asset keys and moves processing →
// completed in one conditional write. imageKey is non-nil only for the
// final (CTA) scene.
func (s *Store) CompleteScene(ctx context.Context, id uuid.UUID, audioKey string, videoKey, imageKey, lipSyncKey *string, audioDurationMs, videoDurationMs *int) error {
	query := `
		UPDATE scenes
		SET status = $1, audio_key = $2, video_key = $3, image_key = $4,
		    lip_sync_video_key = $5, audio_duration_ms = $6, video_duration_ms = $7,
		    updated_at = NOW()
		WHERE id = $8 AND status = $9
	`
	res, err := s.ExecContext(ctx, query,
		models.SceneStatusCompleted, audioKey, videoKey, imageKey, lipSyncKey,
		audioDurationMs, videoDurationMs, id, models.SceneStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("failed to complete scene: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("scene %s expected status %s: %w", id, models.SceneStatusProcessing, ErrConflict)
	}
	return nil
}
