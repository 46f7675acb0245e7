package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"mime/multipart"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/snapshelf/backend/internal/logging"
	"github.com/snapshelf/backend/internal/models"
	"github.com/snapshelf/backend/internal/repositories"
)

// DefaultMaxUploadBytes caps a single uploaded file.
const DefaultMaxUploadBytes int64 = 100 * 1024 * 1024

var allowedMimeTypes = map[string]models.FileType{
	"image/jpeg":      models.FileTypeImage,
	"image/png":       models.FileTypeImage,
	"image/gif":       models.FileTypeImage,
	"image/webp":      models.FileTypeImage,
	"video/mp4":       models.FileTypeVideo,
	"video/quicktime": models.FileTypeVideo,
	"video/webm":      models.FileTypeVideo,
}

// UploadHandler accepts media uploads and exposes the owner's library.
type UploadHandler struct {
	Media       MediaStore
	Blobs       BlobStore
	Queue       IngestQueue
	Reprocessor Reprocessor
	Prober      VideoProber
	MaxBytes    int64
	NowFunc     func() time.Time
}

// Create handles POST /api/uploads. The item is stored as pending and queued;
// the response does not wait for analysis.
func (h UploadHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	ownerID := logging.UserIDFromContext(ctx)
	maxBytes := h.maxBytes()

	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondMessage(ctx, w, http.StatusRequestEntityTooLarge, "file exceeds the upload size limit")
			return
		}
		logger.Warn("invalid upload form", "error", err)
		respondMessage(ctx, w, http.StatusBadRequest, "multipart form with a file field is required")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		respondMessage(ctx, w, http.StatusBadRequest, "multipart form with a file field is required")
		return
	}
	defer file.Close()

	if header.Size > maxBytes {
		respondMessage(ctx, w, http.StatusRequestEntityTooLarge, "file exceeds the upload size limit")
		return
	}
	if header.Size == 0 {
		respondMessage(ctx, w, http.StatusBadRequest, "file is empty")
		return
	}

	mimeType, _, err := mime.ParseMediaType(header.Header.Get("Content-Type"))
	if err != nil {
		mimeType = ""
	}
	fileType, ok := allowedMimeTypes[strings.ToLower(mimeType)]
	if !ok {
		logger.Warn("upload rejected unsupported type", "mimeType", mimeType)
		respondMessage(ctx, w, http.StatusBadRequest, "unsupported file type")
		return
	}

	filename := cleanFilename(header.Filename)
	id := uuid.NewString()
	key := path.Join(ownerID, id+strings.ToLower(filepath.Ext(filename)))

	storedKey, err := h.Blobs.Save(ctx, key, mimeType, file)
	if err != nil {
		logger.Error("store upload", "error", err)
		respondMessage(ctx, w, http.StatusInternalServerError, "failed to store file")
		return
	}

	now := h.now()
	item := models.MediaItem{
		ID:          id,
		OwnerID:     ownerID,
		Filename:    filename,
		FileType:    fileType,
		MimeType:    mimeType,
		SizeBytes:   header.Size,
		StoragePath: storedKey,
		Status:      models.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if fileType == models.FileTypeVideo {
		item.Metadata = h.probe(ctx, header)
	}
	if err := h.Media.Create(ctx, item); err != nil {
		if delErr := h.Blobs.Delete(ctx, storedKey); delErr != nil {
			logger.Warn("remove orphaned upload", "key", storedKey, "error", delErr)
		}
		respondError(ctx, w, err)
		return
	}

	if err := h.Queue.TryEnqueue(item.ID); err != nil {
		logger.Warn("enqueue upload, leaving for recovery sweep", "itemId", item.ID, "error", err)
	}

	logger.Info("upload accepted", "itemId", item.ID, "fileType", fileType, "sizeBytes", header.Size)
	respondJSON(ctx, w, http.StatusCreated, item)
}

// List handles GET /api/uploads.
func (h UploadHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	var filter repositories.ListFilter
	if raw := query.Get("status"); raw != "" {
		status, err := models.ParseMediaStatus(raw)
		if err != nil {
			respondMessage(ctx, w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = status
	}
	if raw := query.Get("file_type"); raw != "" {
		ft := models.FileType(strings.ToLower(raw))
		if !ft.Valid() {
			respondMessage(ctx, w, http.StatusBadRequest, "file_type must be image or video")
			return
		}
		filter.FileType = ft
	}

	var err error
	if filter.Limit, err = intParam(query.Get("limit"), 50, 1, 200); err != nil {
		respondMessage(ctx, w, http.StatusBadRequest, "limit must be between 1 and 200")
		return
	}
	if filter.Offset, err = intParam(query.Get("offset"), 0, 0, 1<<30); err != nil {
		respondMessage(ctx, w, http.StatusBadRequest, "offset must not be negative")
		return
	}

	items, err := h.Media.List(ctx, logging.UserIDFromContext(ctx), filter)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	if items == nil {
		items = []models.MediaItem{}
	}
	respondJSON(ctx, w, http.StatusOK, items)
}

// Get handles GET /api/uploads/{id}.
func (h UploadHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	item, err := h.Media.GetForOwner(ctx, logging.UserIDFromContext(ctx), chi.URLParam(r, "id"))
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, item)
}

// Delete handles DELETE /api/uploads/{id}.
func (h UploadHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	item, err := h.Media.Delete(ctx, logging.UserIDFromContext(ctx), chi.URLParam(r, "id"))
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	for _, key := range []string{item.StoragePath, item.ThumbnailPath} {
		if key == "" {
			continue
		}
		if err := h.Blobs.Delete(ctx, key); err != nil {
			logging.FromContext(ctx).Warn("delete upload content", "itemId", item.ID, "key", key, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reprocess handles POST /api/uploads/{id}/reprocess for failed items.
func (h UploadHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := logging.UserIDFromContext(ctx)
	id := chi.URLParam(r, "id")

	if err := h.Reprocessor.Reprocess(ctx, ownerID, id); err != nil {
		respondError(ctx, w, err)
		return
	}
	item, err := h.Media.GetForOwner(ctx, ownerID, id)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusAccepted, item)
}

// probe is best effort: a video ffprobe cannot read is still accepted.
func (h UploadHandler) probe(ctx context.Context, header *multipart.FileHeader) json.RawMessage {
	if h.Prober == nil {
		return nil
	}
	logger := logging.FromContext(ctx)

	f, err := header.Open()
	if err != nil {
		logger.Warn("reopen upload for probing", "error", err)
		return nil
	}
	defer f.Close()

	meta, err := h.Prober.Probe(ctx, f)
	if err != nil {
		logger.Warn("probe video metadata", "error", err)
		return nil
	}
	raw, err := meta.JSON()
	if err != nil {
		logger.Warn("encode video metadata", "error", err)
		return nil
	}
	return raw
}

func (h UploadHandler) maxBytes() int64 {
	if h.MaxBytes > 0 {
		return h.MaxBytes
	}
	return DefaultMaxUploadBytes
}

func (h UploadHandler) now() time.Time {
	if h.NowFunc != nil {
		return h.NowFunc()
	}
	return time.Now().UTC()
}

const maxFilenameBytes = 255

func cleanFilename(name string) string {
	name = strings.TrimSpace(filepath.Base(strings.ReplaceAll(name, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		return "upload"
	}
	if len(name) > maxFilenameBytes {
		cut := maxFilenameBytes
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}
	return name
}

func intParam(raw string, fallback, min, max int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if v < min || v > max {
		return 0, strconv.ErrRange
	}
	return v, nil
}
