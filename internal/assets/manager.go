package assets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seyi/adreel/internal/storage"
)

// ErrAssetUnavailable marks a download failure that retrying cannot fix: the
// key does not exist, or the stored bytes are empty or of the wrong type.
var ErrAssetUnavailable = errors.New("asset unavailable")

// ObjectGetter is the slice of the object-store client the workspace needs.
type ObjectGetter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Workspace is the scratch directory for a single job. Layout:
//
//	<root>/<project-id>/
//	    scenes/   per-scene video clips
//	    audio/    voiceover + background tracks
//	    final/    composition output
//
// Cleanup is guarded by sync.Once so success, failure, and cancellation
// paths can all call it without double-removing.
type Workspace struct {
	Root string

	store  ObjectGetter
	log    *zap.SugaredLogger
	retain bool

	cleanupOnce sync.Once
}

// NewWorkspace creates the job directory tree under baseDir. retain keeps the
// tree on disk after Cleanup for debugging.
func NewWorkspace(baseDir string, projectID uuid.UUID, store ObjectGetter, retain bool, log *zap.SugaredLogger) (*Workspace, error) {
	root := filepath.Join(baseDir, projectID.String())

	for _, sub := range []string{"scenes", "audio", "final"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create workspace dir: %w", err)
		}
	}

	return &Workspace{
		Root:   root,
		store:  store,
		log:    log,
		retain: retain,
	}, nil
}

// ScenesDir, AudioDir and FinalDir address the three workspace subtrees.
func (w *Workspace) ScenesDir() string { return filepath.Join(w.Root, "scenes") }
func (w *Workspace) AudioDir() string  { return filepath.Join(w.Root, "audio") }
func (w *Workspace) FinalDir() string  { return filepath.Join(w.Root, "final") }

// DownloadToWorkspace fetches the object at key into dir/filename and
// validates what arrived: non-empty, and sniffed content type matching
// wantType ("video", "audio", "image"; empty skips the check). Transport
// retries live in the storage client; a missing key or a validation failure
// surfaces as ErrAssetUnavailable because no retry will change the answer.
func (w *Workspace) DownloadToWorkspace(ctx context.Context, key, dir, filename, wantType string) (string, error) {
	data, err := w.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return "", fmt.Errorf("key %s: %w", key, ErrAssetUnavailable)
		}
		return "", fmt.Errorf("failed to download %s: %w", key, err)
	}

	if len(data) == 0 {
		return "", fmt.Errorf("key %s is empty: %w", key, ErrAssetUnavailable)
	}

	if wantType != "" {
		sniffed := http.DetectContentType(data)
		if !contentTypeMatches(sniffed, wantType) {
			return "", fmt.Errorf("key %s has content type %s, want %s/*: %w", key, sniffed, wantType, ErrAssetUnavailable)
		}
	}

	dest := filepath.Join(dir, filename)
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", dest, err)
	}

	w.log.Debugf("downloaded %s (%d bytes) to %s", key, len(data), dest)
	return dest, nil
}

// contentTypeMatches accepts the sniffed type when its top-level category
// matches. http.DetectContentType cannot name every container, so
// application/octet-stream passes — it means "unknown", not "wrong".
func contentTypeMatches(sniffed, wantType string) bool {
	if sniffed == "application/octet-stream" {
		return true
	}
	return strings.HasPrefix(sniffed, wantType+"/")
}

// SaveBytes writes freshly generated bytes into the workspace.
func (w *Workspace) SaveBytes(dir, filename string, data []byte) (string, error) {
	dest := filepath.Join(dir, filename)
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", dest, err)
	}
	return dest, nil
}

// ListFiles returns the workspace files relative to Root, sorted by path.
func (w *Workspace) ListFiles() ([]string, error) {
	var files []string
	err := filepath.Walk(w.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(w.Root, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list workspace: %w", err)
	}
	return files, nil
}

// DiskUsage sums the size of everything under the workspace.
func (w *Workspace) DiskUsage() (int64, error) {
	var total int64
	err := filepath.Walk(w.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to measure workspace: %w", err)
	}
	return total, nil
}

// Cleanup removes the workspace tree. Best-effort and idempotent: the first
// call wins, later calls are no-ops, and a removal error is logged rather
// than returned because the job outcome was already decided.
func (w *Workspace) Cleanup() {
	w.cleanupOnce.Do(func() {
		if w.retain {
			w.log.Infof("retaining workspace %s", w.Root)
			return
		}
		if err := os.RemoveAll(w.Root); err != nil {
			w.log.Warnf("failed to clean up workspace %s: %v", w.Root, err)
		}
	})
}
