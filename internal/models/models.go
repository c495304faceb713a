package models

import (
	"time"

	"github.com/google/uuid"
)

// Enums
type ProjectStatus string

const (
	ProjectStatusPending          ProjectStatus = "pending"
	ProjectStatusGeneratingScenes ProjectStatus = "generating_scenes"
	ProjectStatusProcessing       ProjectStatus = "processing"
	ProjectStatusComposing        ProjectStatus = "composing"
	ProjectStatusCompleted        ProjectStatus = "completed"
	ProjectStatusFailed           ProjectStatus = "failed"
)

type SceneStatus string

const (
	SceneStatusPending    SceneStatus = "pending"
	SceneStatusProcessing SceneStatus = "processing"
	SceneStatusCompleted  SceneStatus = "completed"
	SceneStatusFailed     SceneStatus = "failed"
)

// SceneRetryCap bounds how many times a failed scene may loop back to
// processing before it becomes terminal and propagates toward project failure.
const SceneRetryCap = 3

type JobType string

const (
	JobTypeSceneGeneration JobType = "scene_generation"
	JobTypeComposition     JobType = "composition"
)

// Models

// Project is one end-to-end video generation request. Asset references are
// permanent storage keys — never URLs.
type Project struct {
	ID                 uuid.UUID     `json:"id"`
	Status             ProjectStatus `json:"status"`
	Brief              string        `json:"brief"`
	CTAText            *string       `json:"cta_text,omitempty"`
	VoiceProfile       *string       `json:"voice_profile,omitempty"`
	Language           *string       `json:"language,omitempty"` // ISO 639-1: "en", "es", ...
	SceneCount         int           `json:"scene_count"`
	CompletedScenes    int           `json:"completed_scenes"`
	FailedScenes       int           `json:"failed_scenes"`
	CharacterImageKey  *string       `json:"character_image_key,omitempty"`
	ProductImageKey    *string       `json:"product_image_key,omitempty"`
	BackgroundAudioKey *string       `json:"background_audio_key,omitempty"`
	FinalOutputKey     *string       `json:"final_output_key,omitempty"`
	ErrorCode          *string       `json:"error_code,omitempty"`
	ErrorMessage       *string       `json:"error_message,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Scene is one timed segment of a Project, uniquely identified by
// (project_id, sequence). Created by the script stage, mutated only by the
// asset stage that owns it, never deleted.
type Scene struct {
	ID                uuid.UUID   `json:"id"`
	ProjectID         uuid.UUID   `json:"project_id"`
	Sequence          int         `json:"sequence"`
	Status            SceneStatus `json:"status"`
	RetryCount        int         `json:"retry_count"`
	VoiceoverText     string      `json:"voiceover_text"`
	Prompt            string      `json:"prompt"`
	NegativePrompt    *string     `json:"negative_prompt,omitempty"`
	TargetDurationSec float64     `json:"target_duration_sec"`
	ReferenceImageKey *string     `json:"reference_image_key,omitempty"`
	AudioKey          *string     `json:"audio_key,omitempty"`
	VideoKey          *string     `json:"video_key,omitempty"`
	ImageKey          *string     `json:"image_key,omitempty"` // CTA still — final scene only
	LipSyncVideoKey   *string     `json:"lip_sync_video_key,omitempty"`
	AudioDurationMs   *int        `json:"audio_duration_ms,omitempty"`
	VideoDurationMs   *int        `json:"video_duration_ms,omitempty"`
	ErrorMessage      *string     `json:"error_message,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Job is an ephemeral queue message. It is never persisted beyond the queue;
// the durable source of truth is always the Project/Scene rows. A Job
// vanishing from the queue does not imply success — only a state write does.
type Job struct {
	ID         uuid.UUID `json:"job_id"`
	ProjectID  uuid.UUID `json:"project_id"`
	Type       JobType   `json:"type"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// ProgressEvent is a best-effort progress notification published after each
// discrete unit of pipeline work. Publication never blocks or fails the
// pipeline.
type ProgressEvent struct {
	Stage   string `json:"stage"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

// ProjectState is the read-only status snapshot returned to API consumers.
type ProjectState struct {
	Project
	Scenes []Scene `json:"scenes,omitempty"`
}

// CreateProjectParams carries the user-supplied creative parameters for a
// new project. Pointer fields are optional.
type CreateProjectParams struct {
	Brief              string  `json:"brief"`
	CTAText            *string `json:"cta_text,omitempty"`
	VoiceProfile       *string `json:"voice_profile,omitempty"`
	Language           *string `json:"language,omitempty"`
	CharacterImageKey  *string `json:"character_image_key,omitempty"`
	ProductImageKey    *string `json:"product_image_key,omitempty"`
	BackgroundAudioKey *string `json:"background_audio_key,omitempty"`
}
