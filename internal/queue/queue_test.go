package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"

	"github.com/seyi/adreel/internal/models"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()

	mr := miniredis.RunT(t)
	q, err := New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	projectID := uuid.New()
	if err := q.EnqueueSceneGeneration(ctx, projectID); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	job, err := q.Dequeue(ctx, QueueSceneGeneration, time.Second)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if job == nil {
		t.Fatal("expected a job, got nil")
	}
	if job.ProjectID != projectID {
		t.Errorf("expected project %s, got %s", projectID, job.ProjectID)
	}
	if job.Type != models.JobTypeSceneGeneration {
		t.Errorf("expected type %s, got %s", models.JobTypeSceneGeneration, job.Type)
	}
	if job.EnqueuedAt.IsZero() {
		t.Error("expected enqueued_at to be set")
	}
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	q := newTestQueue(t)

	job, err := q.Dequeue(context.Background(), QueueComposition, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil job from empty queue, got %+v", job)
	}
}

// TestEachJobDeliveredToExactlyOneWorker enqueues N jobs, races M consumers
// against the queue, and verifies every job is seen exactly once.
func TestEachJobDeliveredToExactlyOneWorker(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	const jobs = 40
	const workers = 5

	expected := make(map[uuid.UUID]bool, jobs)
	for i := 0; i < jobs; i++ {
		id := uuid.New()
		expected[id] = false
		if err := q.EnqueueSceneGeneration(ctx, id); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	var mu sync.Mutex
	seen := make(map[uuid.UUID]int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := q.Dequeue(ctx, QueueSceneGeneration, 100*time.Millisecond)
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				seen[job.ProjectID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("expected %d distinct jobs delivered, got %d", jobs, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("job for project %s delivered %d times", id, count)
		}
		if _, ok := expected[id]; !ok {
			t.Errorf("delivered unknown project %s", id)
		}
	}
}

func TestQueuesAreIndependent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.EnqueueComposition(ctx, uuid.New()); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	job, err := q.Dequeue(ctx, QueueSceneGeneration, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if job != nil {
		t.Fatal("composition job leaked into the scene-generation queue")
	}

	n, err := q.Length(ctx, QueueComposition)
	if err != nil {
		t.Fatalf("length failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected composition queue length 1, got %d", n)
	}
}

func TestProgressPubSub(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	projectID := uuid.New()

	events, stop, err := q.SubscribeProgress(ctx, projectID)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer stop()

	sent := models.ProgressEvent{Stage: "script", Percent: 10, Message: "script generated"}
	if err := q.PublishProgress(ctx, projectID, sent); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case got := <-events:
		if got != sent {
			t.Errorf("expected %+v, got %+v", sent, got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for progress event")
	}
}
