package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snapshelf/backend/internal/ai"
	"github.com/snapshelf/backend/internal/models"
	"github.com/snapshelf/backend/internal/repositories"
)

type blobStub struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (b *blobStub) Open(_ context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[key]
	if !ok {
		return nil, fmt.Errorf("blob %s missing", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *blobStub) Save(_ context.Context, key, _ string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[key] = data
	return key, nil
}

type thumbnailerFunc func(ctx context.Context, r io.Reader) ([]byte, error)

func (f thumbnailerFunc) Thumbnail(ctx context.Context, r io.Reader) ([]byte, error) { return f(ctx, r) }

type summarizerStub struct {
	calls atomic.Int32
	delay time.Duration
	text  string
	err   error
	// gate, when set, blocks every call until closed.
	gate chan struct{}
}

func (s *summarizerStub) Summarize(ctx context.Context, media ai.Media) (string, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.err != nil {
		return "", s.err
	}
	if s.text != "" {
		return s.text, nil
	}
	return "a photo of " + media.Filename, nil
}

type embedderStub struct {
	calls atomic.Int32
	dims  int
	err   error
}

func (e *embedderStub) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	dims := e.dims
	if dims == 0 {
		dims = 4
	}
	vec := make([]float32, dims)
	vec[len(text)%dims] = 1
	return vec, nil
}

// recordingStore captures every status an item passes through.
type recordingStore struct {
	*repositories.InMemoryMediaRepository

	mu       sync.Mutex
	statuses map[string][]models.MediaStatus
	failNext error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		InMemoryMediaRepository: repositories.NewInMemoryMediaRepository(),
		statuses:                make(map[string][]models.MediaStatus),
	}
}

func (r *recordingStore) record(id string, status models.MediaStatus, err error) error {
	if err == nil {
		r.mu.Lock()
		r.statuses[id] = append(r.statuses[id], status)
		r.mu.Unlock()
	}
	return err
}

func (r *recordingStore) Create(ctx context.Context, item models.MediaItem) error {
	return r.record(item.ID, models.StatusPending, r.InMemoryMediaRepository.Create(ctx, item))
}

func (r *recordingStore) Transition(ctx context.Context, id string, from, to models.MediaStatus) error {
	return r.record(id, to, r.InMemoryMediaRepository.Transition(ctx, id, from, to))
}

func (r *recordingStore) SaveSummary(ctx context.Context, id, summary string) error {
	return r.record(id, models.StatusEmbedding, r.InMemoryMediaRepository.SaveSummary(ctx, id, summary))
}

func (r *recordingStore) Complete(ctx context.Context, id string, embedding []float32) error {
	r.mu.Lock()
	injected := r.failNext
	r.failNext = nil
	r.mu.Unlock()
	if injected != nil {
		return injected
	}
	return r.record(id, models.StatusCompleted, r.InMemoryMediaRepository.Complete(ctx, id, embedding))
}

func (r *recordingStore) MarkFailed(ctx context.Context, id string, from models.MediaStatus, message string) error {
	return r.record(id, models.StatusFailed, r.InMemoryMediaRepository.MarkFailed(ctx, id, from, message))
}

func (r *recordingStore) history(id string) []models.MediaStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.MediaStatus(nil), r.statuses[id]...)
}

type fixture struct {
	store      *recordingStore
	blobs      *blobStub
	summarizer *summarizerStub
	embedder   *embedderStub
	pipeline   *Pipeline
}

func newFixture(t *testing.T, cfg PipelineConfig) *fixture {
	t.Helper()
	f := &fixture{
		store:      newRecordingStore(),
		blobs:      &blobStub{blobs: make(map[string][]byte)},
		summarizer: &summarizerStub{},
		embedder:   &embedderStub{},
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 4
	}
	f.pipeline = NewPipeline(f.store, f.blobs, f.summarizer, f.embedder, cfg)
	return f
}

func (f *fixture) upload(t *testing.T, id string) models.MediaItem {
	t.Helper()
	now := time.Now().UTC()
	item := models.MediaItem{
		ID:          id,
		OwnerID:     "owner-1",
		Filename:    id + ".jpg",
		FileType:    models.FileTypeImage,
		MimeType:    "image/jpeg",
		SizeBytes:   5,
		StoragePath: "owner-1/" + id + ".jpg",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.blobs.mu.Lock()
	f.blobs.blobs[item.StoragePath] = []byte("bytes")
	f.blobs.mu.Unlock()
	if err := f.store.Create(context.Background(), item); err != nil {
		t.Fatalf("create: %v", err)
	}
	return item
}

func TestPipelineProcessCompletesItem(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	item := f.upload(t, "item-1")

	if err := f.pipeline.Process(context.Background(), item.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, err := f.store.Get(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusCompleted || !got.Searchable() {
		t.Fatalf("expected searchable completed item, got %+v", got)
	}
	if got.Summary != "a photo of item-1.jpg" {
		t.Fatalf("unexpected summary %q", got.Summary)
	}

	want := []models.MediaStatus{models.StatusPending, models.StatusAnalyzing, models.StatusEmbedding, models.StatusCompleted}
	if h := f.store.history(item.ID); fmt.Sprint(h) != fmt.Sprint(want) {
		t.Fatalf("expected status sequence %v got %v", want, h)
	}
}

func TestPipelineProcessIsIdempotentOnTerminalItems(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	item := f.upload(t, "item-1")

	if err := f.pipeline.Process(context.Background(), item.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	before, _ := f.store.Get(context.Background(), item.ID)

	for i := 0; i < 3; i++ {
		if err := f.pipeline.Process(context.Background(), item.ID); err != nil {
			t.Fatalf("reprocess %d: %v", i, err)
		}
	}

	if got := f.summarizer.calls.Load(); got != 1 {
		t.Fatalf("expected one summarizer call got %d", got)
	}
	if got := f.embedder.calls.Load(); got != 1 {
		t.Fatalf("expected one embedder call got %d", got)
	}
	after, _ := f.store.Get(context.Background(), item.ID)
	if !after.UpdatedAt.Equal(before.UpdatedAt) || after.Status != before.Status {
		t.Fatalf("expected no state change, before %+v after %+v", before, after)
	}

	f.summarizer.err = errors.New("vision model rejected input")
	failed := f.upload(t, "item-2")
	if err := f.pipeline.Process(context.Background(), failed.ID); err != nil {
		t.Fatalf("process failing item: %v", err)
	}
	calls := f.summarizer.calls.Load()
	if err := f.pipeline.Process(context.Background(), failed.ID); err != nil {
		t.Fatalf("reprocess failed item: %v", err)
	}
	if f.summarizer.calls.Load() != calls {
		t.Fatal("expected failed item to be left alone")
	}
}

func TestPipelineSummarizerTimeoutFailsItem(t *testing.T) {
	f := newFixture(t, PipelineConfig{SummarizeTimeout: 20 * time.Millisecond})
	f.summarizer.delay = time.Second
	item := f.upload(t, "slow")

	if err := f.pipeline.Process(context.Background(), item.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ := f.store.Get(context.Background(), item.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("expected failed status got %s", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "deadline exceeded") {
		t.Fatalf("expected timeout detail in error message got %q", got.ErrorMessage)
	}
	if f.embedder.calls.Load() != 0 {
		t.Fatal("expected embedder not to be called after analysis failure")
	}
	want := []models.MediaStatus{models.StatusPending, models.StatusAnalyzing, models.StatusFailed}
	if h := f.store.history(item.ID); fmt.Sprint(h) != fmt.Sprint(want) {
		t.Fatalf("expected status sequence %v got %v", want, h)
	}
}

func TestPipelineEmbeddingFailures(t *testing.T) {
	cases := []struct {
		name     string
		embedder *embedderStub
		contains string
	}{
		{name: "provider error", embedder: &embedderStub{err: errors.New("rate limited")}, contains: "rate limited"},
		{name: "wrong dimensions", embedder: &embedderStub{dims: 3}, contains: "dimension"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, PipelineConfig{})
			f.pipeline.embedder = tc.embedder
			item := f.upload(t, "item")

			if err := f.pipeline.Process(context.Background(), item.ID); err != nil {
				t.Fatalf("process: %v", err)
			}
			got, _ := f.store.Get(context.Background(), item.ID)
			if got.Status != models.StatusFailed || got.Embedding != nil {
				t.Fatalf("expected failed item without embedding, got %+v", got)
			}
			if got.Summary == "" {
				t.Fatal("expected summary from the analysis stage to be kept")
			}
			if !strings.Contains(got.ErrorMessage, tc.contains) {
				t.Fatalf("expected %q in error message got %q", tc.contains, got.ErrorMessage)
			}
		})
	}
}

func TestPipelineTruncatesErrorMessage(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	f.summarizer.err = errors.New(strings.Repeat("x", 2000))
	item := f.upload(t, "item")

	if err := f.pipeline.Process(context.Background(), item.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _ := f.store.Get(context.Background(), item.ID)
	if n := len([]rune(got.ErrorMessage)); n != maxErrorMessage {
		t.Fatalf("expected error message truncated to %d runes got %d", maxErrorMessage, n)
	}
}

func TestPipelineConcurrentProcessClaimsOnce(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	f.summarizer.gate = make(chan struct{})
	item := f.upload(t, "contested")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.pipeline.Process(context.Background(), item.ID); err != nil {
				t.Errorf("process: %v", err)
			}
		}()
	}

	waitForCondition(t, func() bool { return f.summarizer.calls.Load() == 1 }, time.Second)
	close(f.summarizer.gate)
	wg.Wait()

	if got := f.summarizer.calls.Load(); got != 1 {
		t.Fatalf("expected a single summarizer call got %d", got)
	}
	got, _ := f.store.Get(context.Background(), item.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("expected completed got %s", got.Status)
	}
}

func TestPipelineReturnsStorageFailures(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	item := f.upload(t, "item")
	f.store.failNext = fmt.Errorf("complete media item: %w: connection reset", repositories.ErrStorageFailure)

	err := f.pipeline.Process(context.Background(), item.ID)
	if !errors.Is(err, repositories.ErrStorageFailure) {
		t.Fatalf("expected storage failure to propagate got %v", err)
	}
}

func TestPipelineMissingItemIsNoop(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	if err := f.pipeline.Process(context.Background(), "missing"); err != nil {
		t.Fatalf("expected missing item to be ignored got %v", err)
	}
	if f.summarizer.calls.Load() != 0 {
		t.Fatal("expected no summarizer call")
	}
}

func waitForCondition(t *testing.T, predicate func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if predicate() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestPipelineStoresThumbnail(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	f.pipeline.WithThumbnails(thumbnailerFunc(func(_ context.Context, r io.Reader) ([]byte, error) {
		data, _ := io.ReadAll(r)
		return append([]byte("thumb:"), data...), nil
	}), f.blobs)
	item := f.upload(t, "item-1")

	if err := f.pipeline.Process(context.Background(), item.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, err := f.store.Get(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ThumbnailPath != "owner-1/item-1_thumb.jpg" {
		t.Fatalf("unexpected thumbnail path %q", got.ThumbnailPath)
	}
	if got.Status != models.StatusCompleted {
		t.Fatalf("expected completed item, got %s", got.Status)
	}
	f.blobs.mu.Lock()
	stored := string(f.blobs.blobs[got.ThumbnailPath])
	f.blobs.mu.Unlock()
	if stored != "thumb:bytes" {
		t.Fatalf("unexpected thumbnail content %q", stored)
	}
}

func TestPipelineThumbnailFailureDoesNotFailItem(t *testing.T) {
	f := newFixture(t, PipelineConfig{})
	f.pipeline.WithThumbnails(thumbnailerFunc(func(context.Context, io.Reader) ([]byte, error) {
		return nil, errors.New("ffmpeg: exit status 1")
	}), f.blobs)
	item := f.upload(t, "item-1")

	if err := f.pipeline.Process(context.Background(), item.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, err := f.store.Get(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusCompleted || got.ThumbnailPath != "" {
		t.Fatalf("expected completed item without thumbnail, got %s %q", got.Status, got.ThumbnailPath)
	}
}

func TestThumbnailKey(t *testing.T) {
	tests := map[string]string{
		"owner/abc.jpg":  "owner/abc_thumb.jpg",
		"owner/clip.mp4": "owner/clip_thumb.jpg",
		"owner/noext":    "owner/noext_thumb.jpg",
	}
	for in, want := range tests {
		if got := ThumbnailKey(in); got != want {
			t.Fatalf("ThumbnailKey(%q) = %q, want %q", in, got, want)
		}
	}
}
