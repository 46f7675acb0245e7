package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/snapshelf/backend/internal/models"
	"github.com/snapshelf/backend/internal/repositories"
)

// InterruptedMessage is recorded on items found mid-stage at startup.
const InterruptedMessage = "processing interrupted before completion"

const cronJobTimeout = time.Minute

// Enqueuer accepts item ids for background processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, itemID string) error
	TryEnqueue(itemID string) error
}

// Supervisor decides which items get queued: on startup, on a schedule, and on
// explicit reprocess requests.
type Supervisor struct {
	store     repositories.MediaRepository
	queue     Enqueuer
	logger    *slog.Logger
	batchSize int
}

// NewSupervisor wires a supervisor.
func NewSupervisor(store repositories.MediaRepository, queue Enqueuer, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{store: store, queue: queue, logger: logger, batchSize: 500}
}

// Recover runs at startup, before any worker could have claimed an item. Items
// left in analyzing or embedding by a previous process are marked failed and never
// re-run automatically; the owner can reprocess them. Pending items are queued.
func (s *Supervisor) Recover(ctx context.Context) error {
	interrupted, err := s.MarkInterrupted(ctx)
	if err != nil {
		return err
	}
	queued, err := s.RequeuePending(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("media recovery complete", slog.Int("interrupted", interrupted), slog.Int("queued", queued))
	return nil
}

// MarkInterrupted fails every item currently in an in-flight status.
func (s *Supervisor) MarkInterrupted(ctx context.Context) (int, error) {
	items, err := s.store.ListByStatus(ctx, []models.MediaStatus{models.StatusAnalyzing, models.StatusEmbedding}, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list interrupted media: %w", err)
	}

	marked := 0
	for _, item := range items {
		err := s.store.MarkFailed(ctx, item.ID, item.Status, InterruptedMessage)
		switch {
		case err == nil:
			marked++
			s.logger.Warn("media item interrupted", slog.String("itemId", item.ID), slog.String("status", string(item.Status)))
		case errors.Is(err, repositories.ErrStatusConflict), errors.Is(err, repositories.ErrNotFound):
		default:
			return marked, fmt.Errorf("mark %s interrupted: %w", item.ID, err)
		}
	}
	return marked, nil
}

// RequeuePending queues every pending item. Items already queued are claimed by
// whichever worker gets there first; the others skip them.
func (s *Supervisor) RequeuePending(ctx context.Context) (int, error) {
	items, err := s.store.ListByStatus(ctx, []models.MediaStatus{models.StatusPending}, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending media: %w", err)
	}

	queued := 0
	for _, item := range items {
		if err := s.queue.Enqueue(ctx, item.ID); err != nil {
			return queued, fmt.Errorf("enqueue %s: %w", item.ID, err)
		}
		queued++
	}
	return queued, nil
}

// Reprocess resets a failed item owned by ownerID to pending and queues it.
func (s *Supervisor) Reprocess(ctx context.Context, ownerID, itemID string) error {
	if err := s.store.ResetFailed(ctx, ownerID, itemID); err != nil {
		return err
	}
	if err := s.queue.TryEnqueue(itemID); err != nil {
		// The item is pending again; the next sweep picks it up.
		s.logger.Warn("enqueue reprocessed media", slog.String("itemId", itemID), slog.Any("error", err))
	}
	return nil
}

// Schedule registers the periodic pending sweep on c.
func (s *Supervisor) Schedule(c *cron.Cron, spec string) (cron.EntryID, error) {
	id, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cronJobTimeout)
		defer cancel()
		queued, err := s.RequeuePending(ctx)
		if err != nil {
			s.logger.Error("scheduled media sweep failed", slog.Any("error", err))
			return
		}
		if queued > 0 {
			s.logger.Info("scheduled media sweep queued items", slog.Int("queued", queued))
		}
	})
	if err != nil {
		return 0, fmt.Errorf("schedule media sweep %q: %w", spec, err)
	}
	return id, nil
}
