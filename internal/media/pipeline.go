// Package media drives uploaded items through analysis and embedding and runs the
// background workers that do it.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/snapshelf/backend/internal/ai"
	"github.com/snapshelf/backend/internal/logging"
	"github.com/snapshelf/backend/internal/models"
	"github.com/snapshelf/backend/internal/repositories"
)

// BlobOpener reads stored upload content.
type BlobOpener interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// BlobSaver stores generated content next to the upload.
type BlobSaver interface {
	Save(ctx context.Context, key, contentType string, r io.Reader) (string, error)
}

// Thumbnailer renders a JPEG preview of an image or video.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, r io.Reader) ([]byte, error)
}

// PipelineConfig bounds each stage.
type PipelineConfig struct {
	SummarizeTimeout time.Duration
	EmbedTimeout     time.Duration
	Dimensions       int
	MaxBlobBytes     int64
}

const maxErrorMessage = 500

// Pipeline moves a single item pending -> analyzing -> embedding -> completed, or
// to failed when a stage errors. Every status write is conditional on the status
// the pipeline expects, so concurrent invocations for one item cannot both run a
// stage.
type Pipeline struct {
	store      repositories.MediaRepository
	blobs      BlobOpener
	summarizer ai.Summarizer
	embedder   ai.Embedder
	cfg        PipelineConfig

	thumbnailer Thumbnailer
	thumbBlobs  BlobSaver
}

// NewPipeline wires a pipeline.
func NewPipeline(store repositories.MediaRepository, blobs BlobOpener, summarizer ai.Summarizer, embedder ai.Embedder, cfg PipelineConfig) *Pipeline {
	if cfg.SummarizeTimeout <= 0 {
		cfg.SummarizeTimeout = 90 * time.Second
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 30 * time.Second
	}
	if cfg.MaxBlobBytes <= 0 {
		cfg.MaxBlobBytes = 100 * 1024 * 1024
	}
	return &Pipeline{store: store, blobs: blobs, summarizer: summarizer, embedder: embedder, cfg: cfg}
}

// WithThumbnails enables preview generation before analysis. Thumbnails are
// best effort: a failure is logged and never fails the item.
func (p *Pipeline) WithThumbnails(t Thumbnailer, blobs BlobSaver) *Pipeline {
	p.thumbnailer = t
	p.thumbBlobs = blobs
	return p
}

// ThumbnailKey derives the blob key of an upload's preview from its storage key.
func ThumbnailKey(storagePath string) string {
	return strings.TrimSuffix(storagePath, path.Ext(storagePath)) + "_thumb.jpg"
}

// Process runs every remaining stage for itemID. Items that are completed, failed,
// missing, or already claimed by another worker are left untouched and no model
// is called. Stage errors are recorded on the item and do not fail Process; only
// storage errors are returned.
func (p *Pipeline) Process(ctx context.Context, itemID string) error {
	ctx, span := logging.StartSpan(ctx, "media.process", slog.String("itemId", itemID))
	logger := logging.FromContext(ctx)

	item, err := p.store.Get(ctx, itemID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			logger.Info("media item no longer exists")
			span.End(nil)
			return nil
		}
		span.End(err)
		return err
	}

	if item.Status != models.StatusPending {
		logger.Debug("media item not pending, skipping", slog.String("status", string(item.Status)))
		span.End(nil)
		return nil
	}

	claimed, err := p.advance(ctx, p.store.Transition(ctx, item.ID, models.StatusPending, models.StatusAnalyzing))
	if err != nil || !claimed {
		span.End(err)
		return err
	}

	err = p.run(ctx, item)
	span.End(err)
	return err
}

func (p *Pipeline) run(ctx context.Context, item models.MediaItem) error {
	data, stageErr := p.readBlob(ctx, item.StoragePath)
	if stageErr != nil {
		return p.fail(ctx, item.ID, models.StatusAnalyzing, fmt.Errorf("analysis failed: %w", stageErr))
	}
	p.thumbnail(ctx, item, data)

	summary, stageErr := p.analyze(ctx, item, data)
	if stageErr != nil {
		return p.fail(ctx, item.ID, models.StatusAnalyzing, fmt.Errorf("analysis failed: %w", stageErr))
	}
	ok, err := p.advance(ctx, p.store.SaveSummary(ctx, item.ID, summary))
	if err != nil || !ok {
		return err
	}

	vector, stageErr := p.embed(ctx, summary)
	if stageErr != nil {
		return p.fail(ctx, item.ID, models.StatusEmbedding, fmt.Errorf("embedding failed: %w", stageErr))
	}
	ok, err = p.advance(ctx, p.store.Complete(ctx, item.ID, vector))
	if err != nil || !ok {
		return err
	}

	logging.FromContext(ctx).Info("media item searchable", slog.Int("summaryLength", len(summary)))
	return nil
}

// thumbnail stores a preview for items that have none yet.
func (p *Pipeline) thumbnail(ctx context.Context, item models.MediaItem, data []byte) {
	if p.thumbnailer == nil || p.thumbBlobs == nil || item.ThumbnailPath != "" {
		return
	}
	var err error
	ctx, span := logging.StartSpan(ctx, "media.thumbnail")
	defer func() { span.End(err) }()

	jpeg, err := p.thumbnailer.Thumbnail(ctx, bytes.NewReader(data))
	if err != nil {
		logging.FromContext(ctx).Warn("thumbnail generation failed", slog.Any("error", err))
		return
	}
	key, err := p.thumbBlobs.Save(ctx, ThumbnailKey(item.StoragePath), "image/jpeg", bytes.NewReader(jpeg))
	if err != nil {
		logging.FromContext(ctx).Warn("store thumbnail", slog.Any("error", err))
		return
	}
	if err = p.store.SetThumbnail(ctx, item.ID, key); err != nil {
		logging.FromContext(ctx).Warn("record thumbnail", slog.String("key", key), slog.Any("error", err))
	}
}

func (p *Pipeline) analyze(ctx context.Context, item models.MediaItem, data []byte) (summary string, err error) {
	ctx, span := logging.StartSpan(ctx, "media.analyze", slog.String("mimeType", item.MimeType))
	defer func() { span.End(err) }()

	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.SummarizeTimeout)
	defer cancel()

	summary, err = p.summarizer.Summarize(stageCtx, ai.Media{
		Filename: item.Filename,
		FileType: item.FileType,
		MimeType: item.MimeType,
		Data:     data,
	})
	if err != nil {
		return "", err
	}
	if summary == "" {
		return "", ai.ErrEmptyResponse
	}
	return summary, nil
}

func (p *Pipeline) embed(ctx context.Context, summary string) (vector []float32, err error) {
	ctx, span := logging.StartSpan(ctx, "media.embed")
	defer func() { span.End(err) }()

	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.EmbedTimeout)
	defer cancel()

	vector, err = p.embedder.Embed(stageCtx, summary)
	if err != nil {
		return nil, err
	}
	if err := ai.CheckDimensions(vector, p.cfg.Dimensions); err != nil {
		return nil, err
	}
	return vector, nil
}

func (p *Pipeline) readBlob(ctx context.Context, key string) ([]byte, error) {
	rc, err := p.blobs.Open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, p.cfg.MaxBlobBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > p.cfg.MaxBlobBytes {
		return nil, fmt.Errorf("upload exceeds %d bytes", p.cfg.MaxBlobBytes)
	}
	return data, nil
}

// fail records a stage error on the item.
func (p *Pipeline) fail(ctx context.Context, itemID string, from models.MediaStatus, cause error) error {
	message := truncate(cause.Error(), maxErrorMessage)
	logging.FromContext(ctx).Warn("media processing failed", slog.String("stage", string(from)), slog.String("error", message))

	_, err := p.advance(ctx, p.store.MarkFailed(ctx, itemID, from, message))
	return err
}

// advance interprets the result of a conditional write. A conflict or a vanished
// item means another actor owns the item now, which ends this run without error.
func (p *Pipeline) advance(ctx context.Context, err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repositories.ErrStatusConflict), errors.Is(err, repositories.ErrNotFound):
		logging.FromContext(ctx).Info("media item changed underneath pipeline, stopping", slog.Any("reason", err))
		return false, nil
	default:
		return false, err
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
