package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/seyi/adreel/internal/models"
)

const projectColumns = `
	id, status, brief, cta_text, voice_profile, language,
	scene_count, completed_scenes, failed_scenes,
	character_image_key, product_image_key, background_audio_key,
	final_output_key, error_code, error_message, created_at, updated_at
`

func (s *Store) CreateProject(ctx context.Context, project *models.Project) error {
	query := `
		INSERT INTO projects (
			id, status, brief, cta_text, voice_profile, language,
			character_image_key, product_image_key, background_audio_key
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	return s.QueryRowContext(
		ctx, query,
		project.ID, project.Status, project.Brief, project.CTAText,
		project.VoiceProfile, project.Language,
		project.CharacterImageKey, project.ProductImageKey, project.BackgroundAudioKey,
	).Scan(&project.CreatedAt, &project.UpdatedAt)
}

func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`

	project := &models.Project{}
	err := s.QueryRowContext(ctx, query, id).Scan(
		&project.ID, &project.Status, &project.Brief, &project.CTAText,
		&project.VoiceProfile, &project.Language,
		&project.SceneCount, &project.CompletedScenes, &project.FailedScenes,
		&project.CharacterImageKey, &project.ProductImageKey, &project.BackgroundAudioKey,
		&project.FinalOutputKey, &project.ErrorCode, &project.ErrorMessage,
		&project.CreatedAt, &project.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	return project, nil
}

// TransitionProject performs the conditional compare-and-set status write.
// The transition table is consulted first; a table violation is
// ErrInvalidTransition, a lost race is ErrConflict.
func (s *Store) TransitionProject(ctx context.Context, id uuid.UUID, from, to models.ProjectStatus) error {
	if !models.CanTransitionProject(from, to) {
		return fmt.Errorf("project %s -> %s: %w", from, to, ErrInvalidTransition)
	}

	query := `UPDATE projects SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`
	res, err := s.ExecContext(ctx, query, to, id, from)
	if err != nil {
		return fmt.Errorf("failed to transition project: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("project %s expected status %s: %w", id, from, ErrConflict)
	}
	return nil
}

// FailProject moves a project to failed with a structured reason. failed is
// reachable from any non-terminal state, so the guard is a NOT IN rather
// than an equality check; failing an already-terminal project is a no-op.
func (s *Store) FailProject(ctx context.Context, id uuid.UUID, errorCode, errorMessage string) error {
	query := `
		UPDATE projects
		SET status = $1, error_code = $2, error_message = $3, updated_at = NOW()
		WHERE id = $4 AND status NOT IN ($5, $6)
	`
	_, err := s.ExecContext(ctx, query,
		models.ProjectStatusFailed, errorCode, errorMessage, id,
		models.ProjectStatusCompleted, models.ProjectStatusFailed,
	)
	return err
}

// SetSceneCount records the scene count decided by the script stage.
func (s *Store) SetSceneCount(ctx context.Context, id uuid.UUID, count int) error {
	query := `UPDATE projects SET scene_count = $1, updated_at = NOW() WHERE id = $2`
	_, err := s.ExecContext(ctx, query, count, id)
	return err
}

// IncrementCompletedScenes bumps the completed counter atomically and returns
// the fresh (completed, failed, total) counts so the caller can decide the
// stage outcome without a second read.
func (s *Store) IncrementCompletedScenes(ctx context.Context, id uuid.UUID) (completed, failed, total int, err error) {
	query := `
		UPDATE projects
		SET completed_scenes = completed_scenes + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING completed_scenes, failed_scenes, scene_count
	`
	err = s.QueryRowContext(ctx, query, id).Scan(&completed, &failed, &total)
	if err == sql.ErrNoRows {
		err = fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return
}

// IncrementFailedScenes bumps the failed counter atomically.
func (s *Store) IncrementFailedScenes(ctx context.Context, id uuid.UUID) (completed, failed, total int, err error) {
	query := `
		UPDATE projects
		SET failed_scenes = failed_scenes + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING completed_scenes, failed_scenes, scene_count
	`
	err = s.QueryRowContext(ctx, query, id).Scan(&completed, &failed, &total)
	if err == sql.ErrNoRows {
		err = fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return
}

// CompleteProject sets the final output key and moves composing → completed
// in a single conditional write.
func (s *Store) CompleteProject(ctx context.Context, id uuid.UUID, finalOutputKey string) error {
	query := `
		UPDATE projects
		SET status = $1, final_output_key = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`
	res, err := s.ExecContext(ctx, query,
		models.ProjectStatusCompleted, finalOutputKey, id, models.ProjectStatusComposing,
	)
	if err != nil {
		return fmt.Errorf("failed to complete project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("project %s expected status %s: %w", id, models.ProjectStatusComposing, ErrConflict)
	}
	return nil
}

// FindStaleProjects queries the status+updated_at secondary index for
// projects stuck in a non-terminal status past the staleness threshold.
// Used by the reconciliation sweep to re-enqueue lost jobs.
func (s *Store) FindStaleProjects(ctx context.Context, statuses []models.ProjectStatus, olderThan time.Time, limit int) ([]models.Project, error) {
	query := `
		SELECT ` + projectColumns + `
		FROM projects
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`

	raw := make([]string, len(statuses))
	for i, st := range statuses {
		raw[i] = string(st)
	}

	rows, err := s.QueryContext(ctx, query, pq.Array(raw), olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale projects: %w", err)
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(
			&p.ID, &p.Status, &p.Brief, &p.CTAText,
			&p.VoiceProfile, &p.Language,
			&p.SceneCount, &p.CompletedScenes, &p.FailedScenes,
			&p.CharacterImageKey, &p.ProductImageKey, &p.BackgroundAudioKey,
			&p.FinalOutputKey, &p.ErrorCode, &p.ErrorMessage,
			&p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan stale project: %w", err)
		}
		projects = append(projects, p)
	}

	return projects, rows.Err()
}
