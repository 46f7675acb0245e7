package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/snapshelf/backend/internal/logging"
	"github.com/snapshelf/backend/internal/media"
	"github.com/snapshelf/backend/internal/models"
	"github.com/snapshelf/backend/internal/probe"
	"github.com/snapshelf/backend/internal/repositories"
)

type memoryBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	saveErr error
}

func newMemoryBlobs() *memoryBlobs {
	return &memoryBlobs{objects: make(map[string][]byte)}
}

func (b *memoryBlobs) Save(_ context.Context, key, _ string, r io.Reader) (string, error) {
	if b.saveErr != nil {
		return "", b.saveErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	return key, nil
}

func (b *memoryBlobs) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *memoryBlobs) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok
}

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *recordingQueue) Enqueue(_ context.Context, id string) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
	return nil
}

func (q *recordingQueue) TryEnqueue(id string) error {
	return q.Enqueue(context.Background(), id)
}

func (q *recordingQueue) queued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

type uploadFixture struct {
	router http.Handler
	media  *repositories.InMemoryMediaRepository
	blobs  *memoryBlobs
	queue  *recordingQueue
	token  string
}

func newUploadFixture(t *testing.T, maxBytes int64) *uploadFixture {
	t.Helper()
	manager := newTestManager()
	tokens, err := manager.Issue(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	f := &uploadFixture{
		media: repositories.NewInMemoryMediaRepository(),
		blobs: newMemoryBlobs(),
		queue: &recordingQueue{},
		token: tokens.AccessToken,
	}
	router := chi.NewRouter()
	RegisterRoutes(router, Dependencies{
		Users:          newInMemoryUserStore(),
		Sessions:       manager,
		Media:          f.media,
		Blobs:          f.blobs,
		Queue:          f.queue,
		Reprocessor:    media.NewSupervisor(f.media, f.queue, nil),
		Search:         &stubSearch{},
		MaxUploadBytes: maxBytes,
	})
	f.router = router
	return f
}

func (f *uploadFixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func multipartUpload(t *testing.T, filename, contentType string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/uploads/", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadCreateStoresPendingItemAndQueuesIt(t *testing.T) {
	f := newUploadFixture(t, 0)

	rec := f.do(t, multipartUpload(t, "beach.JPG", "image/jpeg", []byte("jpeg-bytes")))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}

	var item models.MediaItem
	if err := json.NewDecoder(rec.Body).Decode(&item); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if item.Status != models.StatusPending {
		t.Fatalf("expected pending item, got %s", item.Status)
	}
	if item.FileType != models.FileTypeImage || item.OwnerID != "owner-1" || item.Filename != "beach.JPG" {
		t.Fatalf("unexpected item %+v", item)
	}
	if want := "owner-1/" + item.ID + ".jpg"; item.StoragePath != want {
		t.Fatalf("expected storage path %q got %q", want, item.StoragePath)
	}
	if !f.blobs.has(item.StoragePath) {
		t.Fatal("expected content to be stored")
	}
	if queued := f.queue.queued(); len(queued) != 1 || queued[0] != item.ID {
		t.Fatalf("expected item to be queued, got %v", queued)
	}

	stored, err := f.media.Get(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("expected item persisted: %v", err)
	}
	if stored.SizeBytes != int64(len("jpeg-bytes")) {
		t.Fatalf("unexpected size %d", stored.SizeBytes)
	}
}

func TestUploadCreateRejections(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		content     []byte
		want        int
	}{
		{name: "unsupported type", contentType: "application/pdf", content: []byte("pdf"), want: http.StatusBadRequest},
		{name: "empty file", contentType: "image/png", content: nil, want: http.StatusBadRequest},
		{name: "too large", contentType: "video/mp4", content: bytes.Repeat([]byte("x"), 2048), want: http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newUploadFixture(t, 1024)
			rec := f.do(t, multipartUpload(t, "file.bin", tt.contentType, tt.content))
			if rec.Code != tt.want {
				t.Fatalf("expected %d got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if len(f.queue.queued()) != 0 {
				t.Fatal("rejected upload must not be queued")
			}
		})
	}
}

func TestUploadCreateSurvivesQueueFailure(t *testing.T) {
	f := newUploadFixture(t, 0)
	f.queue.err = media.ErrIngestorClosed

	rec := f.do(t, multipartUpload(t, "clip.mp4", "video/mp4", []byte("mp4")))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", rec.Code)
	}
}

// heldProcessor parks every job until release is closed.
type heldProcessor struct {
	started chan string
	release chan struct{}
}

func (p heldProcessor) Process(ctx context.Context, itemID string) error {
	p.started <- itemID
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	return nil
}

func TestUploadCreateDoesNotWaitOnFullQueue(t *testing.T) {
	f := newUploadFixture(t, 0)
	processor := heldProcessor{started: make(chan string, 4), release: make(chan struct{})}
	ingestor := media.NewIngestor(processor, media.IngestorConfig{QueueSize: 1, Workers: 1}, nil)
	t.Cleanup(func() {
		close(processor.release)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = ingestor.Shutdown(ctx)
	})

	manager := newTestManager()
	tokens, err := manager.Issue(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	f.token = tokens.AccessToken

	router := chi.NewRouter()
	RegisterRoutes(router, Dependencies{
		Sessions:    manager,
		Media:       f.media,
		Blobs:       f.blobs,
		Queue:       ingestor,
		Reprocessor: media.NewSupervisor(f.media, ingestor, nil),
		Search:      &stubSearch{},
	})
	f.router = router

	upload := func(name string) (int, models.MediaItem) {
		done := make(chan *httptest.ResponseRecorder, 1)
		go func() { done <- f.do(t, multipartUpload(t, name, "image/png", []byte("png"))) }()
		select {
		case rec := <-done:
			var item models.MediaItem
			_ = json.NewDecoder(rec.Body).Decode(&item)
			return rec.Code, item
		case <-time.After(2 * time.Second):
			t.Fatalf("upload %s did not answer", name)
			return 0, models.MediaItem{}
		}
	}

	if code, _ := upload("one.png"); code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", code)
	}
	select {
	case <-processor.started:
	case <-time.After(time.Second):
		t.Fatal("worker never picked up the first upload")
	}
	if code, _ := upload("two.png"); code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", code)
	}

	code, item := upload("three.png")
	if code != http.StatusCreated {
		t.Fatalf("expected 201 with a full queue got %d", code)
	}
	stored, err := f.media.Get(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != models.StatusPending {
		t.Fatalf("expected the overflow item to stay pending, got %s", stored.Status)
	}
}

func TestUploadCreateStorageFailure(t *testing.T) {
	f := newUploadFixture(t, 0)
	f.blobs.saveErr = errors.New("bucket unavailable")

	rec := f.do(t, multipartUpload(t, "clip.mp4", "video/mp4", []byte("mp4")))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", rec.Code)
	}
	if items, _ := f.media.List(context.Background(), "owner-1", repositories.ListFilter{}); len(items) != 0 {
		t.Fatalf("expected no item persisted, got %d", len(items))
	}
}

func TestUploadRequiresAuthentication(t *testing.T) {
	f := newUploadFixture(t, 0)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/uploads/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}

func seedItem(t *testing.T, repo *repositories.InMemoryMediaRepository, item models.MediaItem) {
	t.Helper()
	if item.Status == "" {
		item.Status = models.StatusPending
	}
	if err := repo.Create(context.Background(), item); err != nil {
		t.Fatalf("seed item: %v", err)
	}
}

func TestUploadListFilters(t *testing.T) {
	f := newUploadFixture(t, 0)
	seedItem(t, f.media, models.MediaItem{ID: "img", OwnerID: "owner-1", FileType: models.FileTypeImage})
	seedItem(t, f.media, models.MediaItem{ID: "vid", OwnerID: "owner-1", FileType: models.FileTypeVideo})
	seedItem(t, f.media, models.MediaItem{ID: "other", OwnerID: "owner-2", FileType: models.FileTypeImage})

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/uploads/?file_type=image", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var items []models.MediaItem
	if err := json.NewDecoder(rec.Body).Decode(&items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 1 || items[0].ID != "img" {
		t.Fatalf("expected only the owner's image, got %+v", items)
	}

	for _, query := range []string{"status=bogus", "file_type=audio", "limit=0", "offset=-1"} {
		rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/uploads/?"+query, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400 got %d", query, rec.Code)
		}
	}
}

func TestUploadGetAndDelete(t *testing.T) {
	f := newUploadFixture(t, 0)
	seedItem(t, f.media, models.MediaItem{ID: "item-1", OwnerID: "owner-1", FileType: models.FileTypeImage, StoragePath: "owner-1/item-1.png"})
	seedItem(t, f.media, models.MediaItem{ID: "foreign", OwnerID: "owner-2", FileType: models.FileTypeImage})
	for _, key := range []string{"owner-1/item-1.png", "owner-1/item-1_thumb.jpg"} {
		if _, err := f.blobs.Save(context.Background(), key, "image/png", bytes.NewReader([]byte("png"))); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if err := f.media.SetThumbnail(context.Background(), "item-1", "owner-1/item-1_thumb.jpg"); err != nil {
		t.Fatalf("set thumbnail: %v", err)
	}

	if rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/uploads/item-1", nil)); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/uploads/foreign", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("expected foreign item to be hidden, got %d", rec.Code)
	}

	if rec := f.do(t, httptest.NewRequest(http.MethodDelete, "/api/uploads/item-1", nil)); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rec.Code)
	}
	if f.blobs.has("owner-1/item-1.png") || f.blobs.has("owner-1/item-1_thumb.jpg") {
		t.Fatal("expected content and thumbnail to be deleted")
	}
	if rec := f.do(t, httptest.NewRequest(http.MethodDelete, "/api/uploads/item-1", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete got %d", rec.Code)
	}
}

func TestUploadReprocess(t *testing.T) {
	f := newUploadFixture(t, 0)
	seedItem(t, f.media, models.MediaItem{ID: "failed", OwnerID: "owner-1", FileType: models.FileTypeImage})
	seedItem(t, f.media, models.MediaItem{ID: "pending", OwnerID: "owner-1", FileType: models.FileTypeImage})
	ctx := context.Background()
	if err := f.media.Transition(ctx, "failed", models.StatusPending, models.StatusAnalyzing); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := f.media.MarkFailed(ctx, "failed", models.StatusAnalyzing, "summarizer timeout"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	rec := f.do(t, httptest.NewRequest(http.MethodPost, "/api/uploads/failed/reprocess", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d: %s", rec.Code, rec.Body.String())
	}
	var item models.MediaItem
	if err := json.NewDecoder(rec.Body).Decode(&item); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if item.Status != models.StatusPending || item.ErrorMessage != "" {
		t.Fatalf("expected reset item, got %+v", item)
	}
	if queued := f.queue.queued(); len(queued) != 1 || queued[0] != "failed" {
		t.Fatalf("expected reprocessed item queued, got %v", queued)
	}

	if rec := f.do(t, httptest.NewRequest(http.MethodPost, "/api/uploads/pending/reprocess", nil)); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rec.Code)
	}
	if rec := f.do(t, httptest.NewRequest(http.MethodPost, "/api/uploads/missing/reprocess", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

type proberFunc func(ctx context.Context, r io.Reader) (probe.Metadata, error)

func (f proberFunc) Probe(ctx context.Context, r io.Reader) (probe.Metadata, error) { return f(ctx, r) }

func TestUploadCreateProbesVideos(t *testing.T) {
	repo := repositories.NewInMemoryMediaRepository()
	var probed []string
	handler := UploadHandler{
		Media: repo,
		Blobs: newMemoryBlobs(),
		Queue: &recordingQueue{},
		Prober: proberFunc(func(_ context.Context, r io.Reader) (probe.Metadata, error) {
			data, _ := io.ReadAll(r)
			probed = append(probed, string(data))
			if string(data) == "broken" {
				return probe.Metadata{}, errors.New("no streams")
			}
			return probe.Metadata{DurationSeconds: 3.5, Width: 640, Height: 480, VideoCodec: "vp9"}, nil
		}),
	}

	upload := func(filename, contentType, content string) models.MediaItem {
		t.Helper()
		req := multipartUpload(t, filename, contentType, []byte(content))
		req = req.WithContext(logging.WithUserID(req.Context(), "owner-1"))
		rec := httptest.NewRecorder()
		handler.Create(rec, req)
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
		}
		var item models.MediaItem
		if err := json.NewDecoder(rec.Body).Decode(&item); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return item
	}

	video := upload("clip.webm", "video/webm", "webm-bytes")
	var meta probe.Metadata
	if err := json.Unmarshal(video.Metadata, &meta); err != nil {
		t.Fatalf("decode metadata %s: %v", video.Metadata, err)
	}
	if meta.VideoCodec != "vp9" || meta.Width != 640 {
		t.Fatalf("unexpected metadata %+v", meta)
	}

	if broken := upload("broken.mp4", "video/mp4", "broken"); len(broken.Metadata) != 0 {
		t.Fatalf("expected unreadable video to be accepted without metadata, got %s", broken.Metadata)
	}

	upload("photo.png", "image/png", "png-bytes")
	if len(probed) != 2 || probed[0] != "webm-bytes" {
		t.Fatalf("expected only videos to be probed, got %v", probed)
	}
}

func TestCleanFilename(t *testing.T) {
	long := strings.Repeat("é", 200) + ".jpg"
	tests := []struct {
		name string
		in   string
	}{
		{name: "path stripped", in: `..\dir/photo.png`},
		{name: "empty", in: "  "},
		{name: "multibyte over limit", in: long},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cleanFilename(tt.in)
			if !utf8.ValidString(got) {
				t.Fatalf("cleanFilename(%q) produced invalid utf-8 %q", tt.in, got)
			}
			if len(got) > maxFilenameBytes {
				t.Fatalf("expected at most %d bytes got %d", maxFilenameBytes, len(got))
			}
		})
	}

	if got := cleanFilename(`..\dir/photo.png`); got != "photo.png" {
		t.Fatalf("expected base name, got %q", got)
	}
	if got := cleanFilename(""); got != "upload" {
		t.Fatalf("expected fallback name, got %q", got)
	}
	if got := cleanFilename(long); len(got) != 254 {
		t.Fatalf("expected cut at the last whole rune (254 bytes), got %d", len(got))
	}
}
