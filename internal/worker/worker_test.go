package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seyi/adreel/internal/compose"
	"github.com/seyi/adreel/internal/generation"
	"github.com/seyi/adreel/internal/models"
	"github.com/seyi/adreel/internal/storage"
	"github.com/seyi/adreel/internal/store"
)

// ---------------------------------------------------------------------------
// Fakes — in-memory collaborators with the same CAS semantics as the real
// store, so orchestrator scenarios exercise the actual state-machine logic.
// ---------------------------------------------------------------------------

type fakeStore struct {
	mu             sync.Mutex
	projects       map[uuid.UUID]*models.Project
	scenes         map[uuid.UUID]*models.Scene
	failProjectErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		projects: make(map[uuid.UUID]*models.Project),
		scenes:   make(map[uuid.UUID]*models.Scene),
	}
}

func (f *fakeStore) addProject(p *models.Project) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.projects[p.ID] = &cp
}

func (f *fakeStore) project(id uuid.UUID) models.Project {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.projects[id]
}

func (f *fakeStore) GetProject(_ context.Context, id uuid.UUID) (*models.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) TransitionProject(_ context.Context, id uuid.UUID, from, to models.ProjectStatus) error {
	if !models.CanTransitionProject(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, store.ErrInvalidTransition)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return store.ErrNotFound
	}
	if p.Status != from {
		return store.ErrConflict
	}
	p.Status = to
	p.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStore) FailProject(_ context.Context, id uuid.UUID, code, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failProjectErr != nil {
		return f.failProjectErr
	}
	p, ok := f.projects[id]
	if !ok {
		return store.ErrNotFound
	}
	if p.Status.Terminal() {
		return nil
	}
	p.Status = models.ProjectStatusFailed
	p.ErrorCode = &code
	p.ErrorMessage = &msg
	return nil
}

func (f *fakeStore) SetSceneCount(_ context.Context, id uuid.UUID, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects[id].SceneCount = count
	return nil
}

func (f *fakeStore) IncrementCompletedScenes(_ context.Context, id uuid.UUID) (int, int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.projects[id]
	p.CompletedScenes++
	return p.CompletedScenes, p.FailedScenes, p.SceneCount, nil
}

func (f *fakeStore) IncrementFailedScenes(_ context.Context, id uuid.UUID) (int, int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.projects[id]
	p.FailedScenes++
	return p.CompletedScenes, p.FailedScenes, p.SceneCount, nil
}

func (f *fakeStore) CompleteProject(_ context.Context, id uuid.UUID, finalKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.projects[id]
	if p.Status != models.ProjectStatusComposing {
		return store.ErrConflict
	}
	p.Status = models.ProjectStatusCompleted
	p.FinalOutputKey = &finalKey
	return nil
}

func (f *fakeStore) CreateScene(_ context.Context, scene *models.Scene) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sc := range f.scenes {
		if sc.ProjectID == scene.ProjectID && sc.Sequence == scene.Sequence {
			return nil // (project_id, sequence) is unique; re-runs are no-ops
		}
	}
	cp := *scene
	f.scenes[scene.ID] = &cp
	return nil
}

func (f *fakeStore) GetProjectScenes(_ context.Context, projectID uuid.UUID) ([]models.Scene, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Scene
	for _, sc := range f.scenes {
		if sc.ProjectID == projectID {
			out = append(out, *sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (f *fakeStore) TransitionScene(_ context.Context, id uuid.UUID, from, to models.SceneStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sc, ok := f.scenes[id]
	if !ok {
		return store.ErrNotFound
	}
	if sc.Status != from || !models.CanTransitionScene(from, to, sc.RetryCount) {
		return store.ErrConflict
	}
	sc.Status = to
	return nil
}

func (f *fakeStore) MarkSceneFailed(_ context.Context, id uuid.UUID, msg string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sc, ok := f.scenes[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	if sc.Status != models.SceneStatusProcessing {
		return 0, store.ErrConflict
	}
	sc.Status = models.SceneStatusFailed
	sc.RetryCount++
	sc.ErrorMessage = &msg
	return sc.RetryCount, nil
}

func (f *fakeStore) CompleteScene(_ context.Context, id uuid.UUID, audioKey string, videoKey, imageKey, lipSyncKey *string, audioMs, videoMs *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sc, ok := f.scenes[id]
	if !ok {
		return store.ErrNotFound
	}
	if sc.Status != models.SceneStatusProcessing {
		return store.ErrConflict
	}
	sc.Status = models.SceneStatusCompleted
	sc.AudioKey = &audioKey
	sc.VideoKey = videoKey
	sc.ImageKey = imageKey
	sc.LipSyncVideoKey = lipSyncKey
	sc.AudioDurationMs = audioMs
	sc.VideoDurationMs = videoMs
	return nil
}

func (f *fakeStore) FindStaleProjects(_ context.Context, statuses []models.ProjectStatus, olderThan time.Time, limit int) ([]models.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Project
	for _, p := range f.projects {
		for _, st := range statuses {
			if p.Status == st && p.UpdatedAt.Before(olderThan) {
				out = append(out, *p)
				break
			}
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

type fakeQueue struct {
	mu           sync.Mutex
	sceneGens    []uuid.UUID
	compositions []uuid.UUID
	progress     []models.ProgressEvent
}

func (f *fakeQueue) EnqueueSceneGeneration(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sceneGens = append(f.sceneGens, id)
	return nil
}

func (f *fakeQueue) EnqueueComposition(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compositions = append(f.compositions, id)
	return nil
}

func (f *fakeQueue) PublishProgress(_ context.Context, _ uuid.UUID, ev models.ProgressEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, ev)
	return nil
}

func (f *fakeQueue) compositionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.compositions)
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (f *fakeObjects) Put(_ context.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeObjects) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return data, nil
}

func (f *fakeObjects) SignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://signed.example/" + key, nil
}

func (f *fakeObjects) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

type fakeScripts struct {
	mu     sync.Mutex
	script *generation.Script
	calls  int
}

func (f *fakeScripts) GenerateScript(_ context.Context, _ generation.ScriptRequest) (*generation.Script, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.script, nil
}

type fakeVoice struct{}

func (fakeVoice) Synthesize(_ context.Context, text, _ string, _ float64) (*generation.VoiceResult, error) {
	return &generation.VoiceResult{AudioData: []byte("mp3:" + text), DurationMs: 8000, Format: "mp3"}, nil
}

// fakeVideo fails a configurable number of times per prompt.
type fakeVideo struct {
	mu       sync.Mutex
	failures map[string]int
}

func (f *fakeVideo) GenerateVideo(_ context.Context, req generation.VideoRequest) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures != nil && f.failures[req.Prompt] > 0 {
		f.failures[req.Prompt]--
		return nil, &generation.VideoGenerationError{Reason: "injected failure", Transient: true}
	}
	return []byte("mp4:" + req.Prompt), nil
}

type fakeImages struct{}

func (fakeImages) GenerateImage(_ context.Context, prompt string, _ []byte, _ string) ([]byte, error) {
	return []byte("png:" + prompt), nil
}

type fakeComposer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeComposer) Compose(_ context.Context, req compose.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(req.OutputPath, []byte("final-video"), 0644)
}

func (f *fakeComposer) ProbeDurationMs(_ context.Context, _ string) (int, error) {
	return 8000, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func fourSceneScript() *generation.Script {
	return &generation.Script{
		Scenes: []generation.ScenePlan{
			{VoiceoverText: "hook", VisualPrompt: "scene-0", DurationSec: 8},
			{VoiceoverText: "build", VisualPrompt: "scene-1", NegativePrompt: "watermarks", DurationSec: 8},
			{VoiceoverText: "payoff", VisualPrompt: "scene-2", DurationSec: 8},
			{VoiceoverText: "buy now", VisualPrompt: "scene-3", DurationSec: 4},
		},
		TotalEstimatedSec: 28,
		Narrative:         "hook, build, payoff, CTA",
	}
}

type testEnv struct {
	store    *fakeStore
	queue    *fakeQueue
	objects  *fakeObjects
	composer *fakeComposer
	scripts  *fakeScripts
	video    *fakeVideo
	worker   *Worker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store:    newFakeStore(),
		queue:    &fakeQueue{},
		objects:  newFakeObjects(),
		composer: &fakeComposer{},
		scripts:  &fakeScripts{script: fourSceneScript()},
		video:    &fakeVideo{},
	}

	env.worker = New(
		env.store, env.queue, nil, env.objects, env.composer,
		env.scripts, fakeVoice{}, env.video, fakeImages{},
		Options{SceneConcurrency: 2, MaxEncodes: 1, WorkDir: t.TempDir()},
		zap.NewNop().Sugar(),
	)
	return env
}

func pendingProject(env *testEnv) *models.Project {
	p := &models.Project{
		ID:     uuid.New(),
		Status: models.ProjectStatusPending,
		Brief:  "a moisturizer for dry skin",
	}
	env.store.addProject(p)
	return p
}

func job(p *models.Project, jt models.JobType) *models.Job {
	return &models.Job{ID: uuid.New(), ProjectID: p.ID, Type: jt}
}

// ---------------------------------------------------------------------------
// Scene generation scenarios
// ---------------------------------------------------------------------------

func TestSceneGenerationSuccess(t *testing.T) {
	env := newTestEnv(t)
	p := pendingProject(env)

	if err := env.worker.handleSceneGeneration(context.Background(), job(p, models.JobTypeSceneGeneration)); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	got := env.store.project(p.ID)
	if got.Status != models.ProjectStatusProcessing {
		t.Errorf("expected status processing, got %s", got.Status)
	}
	if got.SceneCount != 4 || got.CompletedScenes != 4 || got.FailedScenes != 0 {
		t.Errorf("counts = (%d total, %d completed, %d failed), want (4, 4, 0)",
			got.SceneCount, got.CompletedScenes, got.FailedScenes)
	}

	scenes, _ := env.store.GetProjectScenes(context.Background(), p.ID)
	if len(scenes) != 4 {
		t.Fatalf("expected 4 scenes, got %d", len(scenes))
	}
	for _, sc := range scenes {
		if sc.Status != models.SceneStatusCompleted {
			t.Errorf("scene %d status = %s, want completed", sc.Sequence, sc.Status)
		}
		if sc.AudioKey == nil || !env.objects.has(*sc.AudioKey) {
			t.Errorf("scene %d audio not uploaded", sc.Sequence)
		}
	}

	// First three scenes are clips; the final one is the CTA still.
	for _, sc := range scenes[:3] {
		if sc.VideoKey == nil || !env.objects.has(*sc.VideoKey) {
			t.Errorf("scene %d clip not uploaded", sc.Sequence)
		}
		if sc.ImageKey != nil {
			t.Errorf("scene %d should not have a still", sc.Sequence)
		}
	}
	cta := scenes[3]
	if cta.ImageKey == nil || !env.objects.has(*cta.ImageKey) {
		t.Error("CTA still not uploaded")
	}
	if cta.VideoKey != nil {
		t.Error("CTA scene should not have a clip")
	}

	if env.queue.compositionCount() != 1 {
		t.Errorf("expected 1 composition enqueue, got %d", env.queue.compositionCount())
	}
}

func TestSceneRetryExhaustionFailsProject(t *testing.T) {
	env := newTestEnv(t)
	env.video.failures = map[string]int{"scene-2": 100} // never succeeds
	p := pendingProject(env)

	if err := env.worker.handleSceneGeneration(context.Background(), job(p, models.JobTypeSceneGeneration)); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	got := env.store.project(p.ID)
	if got.Status != models.ProjectStatusFailed {
		t.Errorf("expected status failed, got %s", got.Status)
	}
	if got.ErrorCode == nil || *got.ErrorCode != "scene_generation_failed" {
		t.Errorf("expected error code scene_generation_failed, got %v", got.ErrorCode)
	}

	scenes, _ := env.store.GetProjectScenes(context.Background(), p.ID)
	for _, sc := range scenes {
		if sc.Sequence == 2 {
			if sc.Status != models.SceneStatusFailed {
				t.Errorf("scene 2 status = %s, want failed", sc.Status)
			}
			if sc.RetryCount != models.SceneRetryCap {
				t.Errorf("scene 2 retry count = %d, want %d", sc.RetryCount, models.SceneRetryCap)
			}
			continue
		}
		// Completed siblings are retained, never rolled back.
		if sc.Status != models.SceneStatusCompleted {
			t.Errorf("scene %d status = %s, want completed", sc.Sequence, sc.Status)
		}
	}

	if env.queue.compositionCount() != 0 {
		t.Error("failed project must not enqueue composition")
	}
}

func TestSceneRetrySucceedsWithinCap(t *testing.T) {
	env := newTestEnv(t)
	env.video.failures = map[string]int{"scene-1": 2} // third attempt succeeds
	p := pendingProject(env)

	if err := env.worker.handleSceneGeneration(context.Background(), job(p, models.JobTypeSceneGeneration)); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	got := env.store.project(p.ID)
	if got.Status != models.ProjectStatusProcessing {
		t.Errorf("expected status processing, got %s", got.Status)
	}

	scenes, _ := env.store.GetProjectScenes(context.Background(), p.ID)
	for _, sc := range scenes {
		if sc.Status != models.SceneStatusCompleted {
			t.Errorf("scene %d status = %s, want completed", sc.Sequence, sc.Status)
		}
	}
	if env.queue.compositionCount() != 1 {
		t.Errorf("expected composition enqueued after recovery, got %d", env.queue.compositionCount())
	}
}

func TestSceneGenerationRerunIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	p := pendingProject(env)
	ctx := context.Background()

	if err := env.worker.handleSceneGeneration(ctx, job(p, models.JobTypeSceneGeneration)); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	// At-least-once delivery: the same job arrives again.
	if err := env.worker.handleSceneGeneration(ctx, job(p, models.JobTypeSceneGeneration)); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if env.scripts.calls != 1 {
		t.Errorf("script must be generated once, got %d calls", env.scripts.calls)
	}

	scenes, _ := env.store.GetProjectScenes(ctx, p.ID)
	if len(scenes) != 4 {
		t.Errorf("re-run duplicated scenes: got %d", len(scenes))
	}

	got := env.store.project(p.ID)
	if got.CompletedScenes != 4 {
		t.Errorf("re-run double-counted completions: %d", got.CompletedScenes)
	}
}

func TestSceneGenerationReclaimsOrphanedScene(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A worker died after claiming scene 0 but before writing an outcome:
	// the project sits in processing with the scene stuck in processing.
	p := &models.Project{
		ID:         uuid.New(),
		Status:     models.ProjectStatusProcessing,
		Brief:      "a moisturizer",
		SceneCount: 2,
	}
	env.store.addProject(p)

	orphan := &models.Scene{
		ID: uuid.New(), ProjectID: p.ID, Sequence: 0,
		Status:        models.SceneStatusProcessing,
		VoiceoverText: "hook", Prompt: "scene-0", TargetDurationSec: 8,
	}
	untouched := &models.Scene{
		ID: uuid.New(), ProjectID: p.ID, Sequence: 1,
		Status:        models.SceneStatusPending,
		VoiceoverText: "buy now", Prompt: "scene-1", TargetDurationSec: 4,
	}
	env.store.scenes[orphan.ID] = orphan
	env.store.scenes[untouched.ID] = untouched

	// Sweep re-delivery of the scene-generation job.
	if err := env.worker.handleSceneGeneration(ctx, job(p, models.JobTypeSceneGeneration)); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	scenes, _ := env.store.GetProjectScenes(ctx, p.ID)
	for _, sc := range scenes {
		if sc.Status != models.SceneStatusCompleted {
			t.Errorf("scene %d status = %s, want completed", sc.Sequence, sc.Status)
		}
	}
	if env.queue.compositionCount() != 1 {
		t.Errorf("expected 1 composition enqueue after recovery, got %d", env.queue.compositionCount())
	}
}

func TestSceneGenerationSkipsTerminalProject(t *testing.T) {
	env := newTestEnv(t)
	p := pendingProject(env)
	env.store.projects[p.ID].Status = models.ProjectStatusFailed

	if err := env.worker.handleSceneGeneration(context.Background(), job(p, models.JobTypeSceneGeneration)); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if env.scripts.calls != 0 {
		t.Error("terminal project must not regenerate anything")
	}
}

// ---------------------------------------------------------------------------
// Composition scenarios
// ---------------------------------------------------------------------------

// completedScenesProject seeds a project in processing with all scene assets
// in the object store, ready for composition.
func completedScenesProject(env *testEnv) *models.Project {
	p := &models.Project{
		ID:              uuid.New(),
		Status:          models.ProjectStatusProcessing,
		Brief:           "a moisturizer",
		SceneCount:      2,
		CompletedScenes: 2,
	}
	env.store.addProject(p)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		audioKey := fmt.Sprintf("%s/audio/scene_%d.mp3", p.ID, i)
		env.objects.Put(ctx, audioKey, []byte{0x00, 0x01, 0x02, 0x03}, "audio/mpeg")

		sc := &models.Scene{
			ID:        uuid.New(),
			ProjectID: p.ID,
			Sequence:  i,
			Status:    models.SceneStatusCompleted,
			AudioKey:  &audioKey,
		}
		if i == 1 {
			imageKey := fmt.Sprintf("%s/scenes/scene_%d_cta.png", p.ID, i)
			env.objects.Put(ctx, imageKey, []byte{0x00, 0x01, 0x02, 0x03}, "image/png")
			sc.ImageKey = &imageKey
		} else {
			videoKey := fmt.Sprintf("%s/scenes/scene_%d.mp4", p.ID, i)
			env.objects.Put(ctx, videoKey, []byte{0x00, 0x01, 0x02, 0x03}, "video/mp4")
			sc.VideoKey = &videoKey
		}
		env.store.scenes[sc.ID] = sc
	}
	return p
}

func TestCompositionSuccess(t *testing.T) {
	env := newTestEnv(t)
	p := completedScenesProject(env)

	if err := env.worker.handleComposition(context.Background(), job(p, models.JobTypeComposition)); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	got := env.store.project(p.ID)
	if got.Status != models.ProjectStatusCompleted {
		t.Fatalf("expected status completed, got %s", got.Status)
	}
	if got.FinalOutputKey == nil {
		t.Fatal("final output key not set")
	}
	if !env.objects.has(*got.FinalOutputKey) {
		t.Error("final video not uploaded")
	}
	if env.composer.calls != 1 {
		t.Errorf("expected 1 compose call, got %d", env.composer.calls)
	}
}

func TestCompositionAdmissionRejectsDuplicate(t *testing.T) {
	env := newTestEnv(t)
	p := completedScenesProject(env)
	env.store.projects[p.ID].Status = models.ProjectStatusComposing

	if err := env.worker.handleComposition(context.Background(), job(p, models.JobTypeComposition)); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if env.composer.calls != 0 {
		t.Error("duplicate composition must be rejected at the admission gate")
	}
	if env.store.project(p.ID).Status != models.ProjectStatusComposing {
		t.Error("rejected duplicate must not touch project status")
	}
}

func TestCompositionCompletedProjectIsNoop(t *testing.T) {
	env := newTestEnv(t)
	p := completedScenesProject(env)
	env.store.projects[p.ID].Status = models.ProjectStatusCompleted

	if err := env.worker.handleComposition(context.Background(), job(p, models.JobTypeComposition)); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if env.composer.calls != 0 {
		t.Error("completed project must not re-compose")
	}
}

func TestCompositionFailureFailsProject(t *testing.T) {
	env := newTestEnv(t)
	env.composer.err = errors.New("encoder exploded")
	p := completedScenesProject(env)

	err := env.worker.handleComposition(context.Background(), job(p, models.JobTypeComposition))
	if err == nil {
		t.Fatal("expected handler error")
	}

	got := env.store.project(p.ID)
	if got.Status != models.ProjectStatusFailed {
		t.Errorf("expected status failed, got %s", got.Status)
	}
	if got.ErrorCode == nil || *got.ErrorCode != "composition_failed" {
		t.Errorf("expected error code composition_failed, got %v", got.ErrorCode)
	}
}

func TestCompositionFailureToleratesFailWriteError(t *testing.T) {
	env := newTestEnv(t)
	env.composer.err = errors.New("encoder exploded")
	env.store.failProjectErr = errors.New("db unavailable")
	p := completedScenesProject(env)

	err := env.worker.handleComposition(context.Background(), job(p, models.JobTypeComposition))
	if err == nil {
		t.Fatal("expected the composition error to surface")
	}

	// The project stays non-terminal; the staleness sweep retries it.
	got := env.store.project(p.ID)
	if got.Status != models.ProjectStatusComposing {
		t.Errorf("status = %s, want composing", got.Status)
	}
}

func TestCompositionRejectsIncompleteScenes(t *testing.T) {
	env := newTestEnv(t)
	p := completedScenesProject(env)

	// Flip one scene back to pending behind the counters' back.
	for _, sc := range env.store.scenes {
		if sc.ProjectID == p.ID && sc.Sequence == 0 {
			sc.Status = models.SceneStatusPending
		}
	}

	err := env.worker.handleComposition(context.Background(), job(p, models.JobTypeComposition))
	if err == nil {
		t.Fatal("expected error for incomplete scene set")
	}
	if env.composer.calls != 0 {
		t.Error("composition must not start with incomplete scenes")
	}
}

// ---------------------------------------------------------------------------
// Sweeper scenarios
// ---------------------------------------------------------------------------

func TestSweeperRequeuesByState(t *testing.T) {
	env := newTestEnv(t)
	stale := time.Now().Add(-time.Hour)

	mk := func(status models.ProjectStatus, sceneCount, completed int) uuid.UUID {
		p := &models.Project{
			ID:              uuid.New(),
			Status:          status,
			SceneCount:      sceneCount,
			CompletedScenes: completed,
			UpdatedAt:       stale,
		}
		env.store.addProject(p)
		return p.ID
	}

	pendingID := mk(models.ProjectStatusPending, 0, 0)
	processingPartial := mk(models.ProjectStatusProcessing, 4, 2)
	processingDone := mk(models.ProjectStatusProcessing, 4, 4)
	composingID := mk(models.ProjectStatusComposing, 4, 4)

	// A fresh project must not be touched.
	freshID := uuid.New()
	env.store.addProject(&models.Project{ID: freshID, Status: models.ProjectStatusProcessing, UpdatedAt: time.Now()})

	sweeper := NewSweeper(env.store, env.queue, time.Minute, 10*time.Minute, zap.NewNop().Sugar())
	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	wantSceneGen := map[uuid.UUID]bool{pendingID: true, processingPartial: true}
	for _, id := range env.queue.sceneGens {
		if !wantSceneGen[id] {
			t.Errorf("unexpected scene-generation requeue for %s", id)
		}
		delete(wantSceneGen, id)
	}
	if len(wantSceneGen) != 0 {
		t.Errorf("missing scene-generation requeues: %v", wantSceneGen)
	}

	wantComposition := map[uuid.UUID]bool{processingDone: true, composingID: true}
	for _, id := range env.queue.compositions {
		if !wantComposition[id] {
			t.Errorf("unexpected composition requeue for %s", id)
		}
		delete(wantComposition, id)
	}
	if len(wantComposition) != 0 {
		t.Errorf("missing composition requeues: %v", wantComposition)
	}

	// The stuck composing project must be reset so a worker can re-claim it.
	if got := env.store.project(composingID).Status; got != models.ProjectStatusProcessing {
		t.Errorf("stuck composing project status = %s, want processing", got)
	}

	for _, id := range append(env.queue.sceneGens, env.queue.compositions...) {
		if id == freshID {
			t.Error("fresh project must not be requeued")
		}
	}
}
