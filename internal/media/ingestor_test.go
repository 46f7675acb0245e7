package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/snapshelf/backend/internal/models"
	"github.com/snapshelf/backend/internal/repositories"
)

type processorFunc func(ctx context.Context, itemID string) error

func (f processorFunc) Process(ctx context.Context, itemID string) error { return f(ctx, itemID) }

type queueStub struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *queueStub) Enqueue(_ context.Context, itemID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, itemID)
	return nil
}

func (q *queueStub) TryEnqueue(itemID string) error {
	return q.Enqueue(context.Background(), itemID)
}

func (q *queueStub) queued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIngestorProcessesQueuedItems(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	ing := NewIngestor(f.pipeline, IngestorConfig{QueueSize: 4, Workers: 2}, discardLogger())
	t.Cleanup(func() {
		_ = ing.Shutdown(context.Background())
	})

	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		f.upload(t, id)
		if err := ing.Enqueue(context.Background(), id); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	// duplicates are skipped by the pipeline claim
	if err := ing.Enqueue(context.Background(), "a"); err != nil {
		t.Fatalf("enqueue duplicate: %v", err)
	}

	waitForCondition(t, func() bool {
		for _, id := range ids {
			item, err := f.store.Get(context.Background(), id)
			if err != nil || item.Status != models.StatusCompleted {
				return false
			}
		}
		return true
	}, 2*time.Second)

	if got := f.summarizer.calls.Load(); got != int32(len(ids)) {
		t.Fatalf("expected %d summarizer calls got %d", len(ids), got)
	}
}

func TestIngestorPublishesProcessorErrors(t *testing.T) {
	storageErr := fmt.Errorf("save summary: %w: connection refused", repositories.ErrStorageFailure)
	ing := NewIngestor(processorFunc(func(context.Context, string) error {
		return storageErr
	}), IngestorConfig{Workers: 1}, discardLogger())
	t.Cleanup(func() {
		_ = ing.Shutdown(context.Background())
	})

	if err := ing.Enqueue(context.Background(), "item"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case err := <-ing.Failures():
		if !errors.Is(err, repositories.ErrStorageFailure) {
			t.Fatalf("expected storage failure got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected failure to be published")
	}
}

func TestIngestorRecoversFromPanics(t *testing.T) {
	var calls atomic.Int32
	ing := NewIngestor(processorFunc(func(context.Context, string) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}), IngestorConfig{Workers: 1}, discardLogger())
	t.Cleanup(func() {
		_ = ing.Shutdown(context.Background())
	})

	_ = ing.Enqueue(context.Background(), "first")
	select {
	case err := <-ing.Failures():
		if err == nil {
			t.Fatal("expected panic to be reported")
		}
	case <-time.After(time.Second):
		t.Fatal("expected panic to be published")
	}

	_ = ing.Enqueue(context.Background(), "second")
	waitForCondition(t, func() bool { return calls.Load() == 2 }, time.Second)
}

func TestIngestorShutdownWaitsForRunningJobs(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	ing := NewIngestor(processorFunc(func(ctx context.Context, _ string) error {
		close(started)
		<-release
		if ctx.Err() != nil {
			return ctx.Err()
		}
		finished.Store(true)
		return nil
	}), IngestorConfig{Workers: 1}, discardLogger())

	if err := ing.Enqueue(context.Background(), "item"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-started

	done := make(chan error, 1)
	go func() {
		done <- ing.Shutdown(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("shutdown returned while a job was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !finished.Load() {
		t.Fatal("expected running job to finish with a live context")
	}

	if err := ing.Enqueue(context.Background(), "late"); !errors.Is(err, ErrIngestorClosed) {
		t.Fatalf("expected ErrIngestorClosed got %v", err)
	}
}

func TestIngestorTryEnqueueRejectsWhenFull(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	ing := NewIngestor(processorFunc(func(context.Context, string) error {
		started <- struct{}{}
		<-release
		return nil
	}), IngestorConfig{Workers: 1, QueueSize: 1}, discardLogger())

	if err := ing.TryEnqueue("running"); err != nil {
		t.Fatalf("try enqueue: %v", err)
	}
	<-started
	if err := ing.TryEnqueue("queued"); err != nil {
		t.Fatalf("try enqueue: %v", err)
	}
	if err := ing.TryEnqueue("overflow"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull got %v", err)
	}

	close(release)
	if err := ing.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := ing.TryEnqueue("late"); !errors.Is(err, ErrIngestorClosed) {
		t.Fatalf("expected ErrIngestorClosed got %v", err)
	}
}

func TestIngestorShutdownHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	ing := NewIngestor(processorFunc(func(context.Context, string) error {
		close(started)
		<-release
		return nil
	}), IngestorConfig{Workers: 1}, discardLogger())

	_ = ing.Enqueue(context.Background(), "item")
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := ing.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded got %v", err)
	}
}

func TestSupervisorRecover(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	ctx := context.Background()

	f.upload(t, "pending")
	f.upload(t, "analyzing")
	f.upload(t, "embedding")
	f.upload(t, "done")

	if err := f.store.Transition(ctx, "analyzing", models.StatusPending, models.StatusAnalyzing); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := f.store.Transition(ctx, "embedding", models.StatusPending, models.StatusAnalyzing); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := f.store.SaveSummary(ctx, "embedding", "a summary"); err != nil {
		t.Fatalf("save summary: %v", err)
	}
	if err := f.pipeline.Process(ctx, "done"); err != nil {
		t.Fatalf("process: %v", err)
	}

	queue := &queueStub{}
	sup := NewSupervisor(f.store, queue, discardLogger())
	if err := sup.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	for _, id := range []string{"analyzing", "embedding"} {
		item, _ := f.store.Get(ctx, id)
		if item.Status != models.StatusFailed || item.ErrorMessage != InterruptedMessage {
			t.Fatalf("expected %s to be failed as interrupted, got %+v", id, item)
		}
	}
	if item, _ := f.store.Get(ctx, "done"); item.Status != models.StatusCompleted {
		t.Fatalf("expected completed item untouched, got %s", item.Status)
	}
	if got := queue.queued(); len(got) != 1 || got[0] != "pending" {
		t.Fatalf("expected only the pending item to be queued, got %v", got)
	}
}

func TestSupervisorReprocess(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	ctx := context.Background()
	f.summarizer.err = errors.New("model offline")
	item := f.upload(t, "item")
	if err := f.pipeline.Process(ctx, item.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	queue := &queueStub{}
	sup := NewSupervisor(f.store, queue, discardLogger())

	if err := sup.Reprocess(ctx, "someone-else", item.ID); !errors.Is(err, repositories.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign owner got %v", err)
	}
	if err := sup.Reprocess(ctx, item.OwnerID, item.ID); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	got, _ := f.store.Get(ctx, item.ID)
	if got.Status != models.StatusPending || got.ErrorMessage != "" {
		t.Fatalf("expected pending item with cleared error, got %+v", got)
	}
	if q := queue.queued(); len(q) != 1 || q[0] != item.ID {
		t.Fatalf("expected item queued, got %v", q)
	}

	if err := sup.Reprocess(ctx, item.OwnerID, item.ID); !errors.Is(err, repositories.ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict for non-failed item got %v", err)
	}

	f.summarizer.err = nil
	if err := f.pipeline.Process(ctx, item.ID); err != nil {
		t.Fatalf("process after reprocess: %v", err)
	}
	if got, _ := f.store.Get(ctx, item.ID); got.Status != models.StatusCompleted {
		t.Fatalf("expected completed after reprocess got %s", got.Status)
	}
}

func TestSupervisorReprocessSurvivesClosedQueue(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	ctx := context.Background()
	f.summarizer.err = errors.New("model offline")
	item := f.upload(t, "item")
	_ = f.pipeline.Process(ctx, item.ID)

	sup := NewSupervisor(f.store, &queueStub{err: ErrIngestorClosed}, discardLogger())
	if err := sup.Reprocess(ctx, item.OwnerID, item.ID); err != nil {
		t.Fatalf("expected reprocess to succeed when the queue is closed, got %v", err)
	}
	if got, _ := f.store.Get(ctx, item.ID); got.Status != models.StatusPending {
		t.Fatalf("expected item pending for the next sweep, got %s", got.Status)
	}
}

func TestSupervisorSchedule(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	sup := NewSupervisor(f.store, &queueStub{}, discardLogger())
	c := cron.New()

	if _, err := sup.Schedule(c, "@every 5m"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got := len(c.Entries()); got != 1 {
		t.Fatalf("expected one cron entry got %d", got)
	}
	if _, err := sup.Schedule(c, "not a schedule"); err == nil {
		t.Fatal("expected invalid schedule to fail")
	}
}
