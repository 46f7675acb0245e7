package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/snapshelf/backend/internal/logging"
)

var (
	// ErrIngestorClosed is returned by Enqueue after Shutdown.
	ErrIngestorClosed = errors.New("media ingestor closed")
	// ErrQueueFull is returned by TryEnqueue when every queue slot is taken.
	ErrQueueFull = errors.New("media ingest queue full")
)

// Processor runs the pipeline for one item.
type Processor interface {
	Process(ctx context.Context, itemID string) error
}

// IngestorConfig controls the concurrency characteristics of the ingestor.
type IngestorConfig struct {
	QueueSize int
	Workers   int
	// JobTimeout bounds a single Process call.
	JobTimeout time.Duration
}

// Ingestor hands item ids to a fixed pool of workers running the pipeline.
// Storage errors from the pipeline are published on Failures.
type Ingestor struct {
	processor Processor
	logger    *slog.Logger
	timeout   time.Duration

	jobs     chan string
	failures chan error
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
}

// NewIngestor starts cfg.Workers background workers.
func NewIngestor(processor Processor, cfg IngestorConfig, logger *slog.Logger) *Ingestor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 3 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	ing := &Ingestor{
		processor: processor,
		logger:    logger,
		timeout:   cfg.JobTimeout,
		jobs:      make(chan string, cfg.QueueSize),
		failures:  make(chan error, cfg.Workers),
		ctx:       ctx,
		cancel:    cancel,
	}

	ing.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go ing.worker(i)
	}

	return ing
}

// Enqueue schedules processing for itemID, blocking while the queue is full.
func (i *Ingestor) Enqueue(ctx context.Context, itemID string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-i.ctx.Done():
		return ErrIngestorClosed
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-i.ctx.Done():
		return ErrIngestorClosed
	case i.jobs <- itemID:
		return nil
	}
}

// TryEnqueue schedules processing for itemID without waiting. A full queue
// yields ErrQueueFull; the item stays pending for the recovery sweep.
func (i *Ingestor) TryEnqueue(itemID string) error {
	select {
	case <-i.ctx.Done():
		return ErrIngestorClosed
	default:
	}

	select {
	case i.jobs <- itemID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Failures delivers storage errors raised while processing. The channel is never
// closed; receivers should also watch their own shutdown signal.
func (i *Ingestor) Failures() <-chan error {
	return i.failures
}

// Shutdown stops accepting work and waits for running jobs to finish. Queued jobs
// that have not started are dropped; their items stay pending for the next
// recovery sweep.
func (i *Ingestor) Shutdown(ctx context.Context) error {
	i.once.Do(func() {
		i.cancel()
	})

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (i *Ingestor) worker(n int) {
	defer i.wg.Done()

	logger := i.logger.With(slog.Int("worker", n))
	for {
		select {
		case <-i.ctx.Done():
			return
		case id := <-i.jobs:
			i.handleJob(logger, id)
		}
	}
}

func (i *Ingestor) handleJob(logger *slog.Logger, itemID string) {
	// Jobs run to completion once started, even during shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), i.timeout)
	defer cancel()
	ctx = logging.WithLogger(ctx, logger)

	defer func() {
		if r := recover(); r != nil {
			i.publish(logger, fmt.Errorf("process %s: panic: %v", itemID, r))
		}
	}()

	if err := i.processor.Process(ctx, itemID); err != nil {
		i.publish(logger, fmt.Errorf("process %s: %w", itemID, err))
	}
}

func (i *Ingestor) publish(logger *slog.Logger, err error) {
	logger.Error("media ingestion storage failure", slog.Any("error", err))
	select {
	case i.failures <- err:
	default:
		logger.Warn("failure channel full, dropping error")
	}
}
