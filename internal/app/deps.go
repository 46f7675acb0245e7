package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/snapshelf/backend/internal/ai"
	"github.com/snapshelf/backend/internal/auth"
	"github.com/snapshelf/backend/internal/config"
	"github.com/snapshelf/backend/internal/db"
	"github.com/snapshelf/backend/internal/handlers"
	"github.com/snapshelf/backend/internal/media"
	"github.com/snapshelf/backend/internal/probe"
	"github.com/snapshelf/backend/internal/repositories"
	"github.com/snapshelf/backend/internal/search"
	"github.com/snapshelf/backend/internal/storage"
)

const (
	historyTTL         = 30 * 24 * time.Hour
	sessionPurgeSpec   = "@hourly"
	sessionPurgeWindow = time.Minute
)

// runtime holds the wired service: the handler dependencies plus the background
// machinery that outlives individual requests.
type runtime struct {
	deps       handlers.Dependencies
	media      repositories.MediaRepository
	ingestor   *media.Ingestor
	supervisor *media.Supervisor
	scheduler  *cron.Cron
	sessions   *repositories.PostgresSessionStore
	logger     *slog.Logger
	closers    []func() error
}

// buildRuntime wires together concrete implementations used by the HTTP handlers
// and the ingestion workers. Nothing is started; call start.
func buildRuntime(ctx context.Context, pool db.Pool, cfg config.Config, logger *slog.Logger) (*runtime, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, errors.New("SNAPSHELF_JWT_SECRET must be set")
	}

	rt := &runtime{logger: logger}

	blobs, closeBlobs, err := storage.New(ctx, cfg.ObjectStore)
	if err != nil {
		return nil, fmt.Errorf("configure blob storage: %w", err)
	}
	rt.closers = append(rt.closers, closeBlobs)

	providers, err := ai.NewProviders(ctx, cfg.AI)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("configure ai providers: %w", err)
	}
	rt.closers = append(rt.closers, providers.Close)

	history, err := rt.buildHistory(cfg)
	if err != nil {
		rt.close()
		return nil, err
	}

	rt.media = repositories.NewPostgresMediaRepository(pool)
	rt.sessions = repositories.NewPostgresSessionStore(pool)

	pipeline := media.NewPipeline(rt.media, blobs, providers.Summarizer, providers.Embedder, media.PipelineConfig{
		SummarizeTimeout: cfg.AI.SummarizeTimeout,
		EmbedTimeout:     cfg.AI.EmbedTimeout,
		Dimensions:       cfg.AI.EmbeddingDimensions,
		MaxBlobBytes:     cfg.MaxUploadBytes,
	})
	if thumbnailer := probe.NewFFmpegThumbnailer(cfg.FFmpegPath, cfg.ProbeTimeout); thumbnailer != nil {
		pipeline.WithThumbnails(thumbnailer, blobs)
	} else {
		logger.Info("ffmpeg not found, thumbnails disabled")
	}
	rt.ingestor = media.NewIngestor(pipeline, media.IngestorConfig{
		QueueSize:  cfg.Ingest.QueueSize,
		Workers:    cfg.Ingest.Workers,
		JobTimeout: cfg.AI.SummarizeTimeout + cfg.AI.EmbedTimeout + time.Minute,
	}, logger.With("component", "ingestor"))
	rt.supervisor = media.NewSupervisor(rt.media, rt.ingestor, logger.With("component", "supervisor"))
	rt.scheduler = cron.New()

	engine := search.NewEngine(rt.media, search.NewCachingEmbedder(providers.Embedder, cfg.Search.EmbeddingCacheTTL), history, search.Config{
		DefaultLimit:     cfg.Search.DefaultLimit,
		MaxLimit:         cfg.Search.MaxLimit,
		MaxQueryLength:   cfg.Search.MaxQueryLength,
		DefaultThreshold: cfg.Search.DefaultThreshold,
		SimilarThreshold: cfg.Search.SimilarThreshold,
		EmbedTimeout:     cfg.AI.EmbedTimeout,
	})

	rt.deps = handlers.Dependencies{
		Users:          repositories.NewPostgresUserRepository(pool),
		Sessions:       auth.NewManager([]byte(cfg.Auth.JWTSecret), cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL, rt.sessions),
		Media:          rt.media,
		Blobs:          blobs,
		Queue:          rt.ingestor,
		Reprocessor:    rt.supervisor,
		Search:         engine,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}
	if prober := probe.NewFFProbe(cfg.FFProbePath, cfg.ProbeTimeout); prober != nil {
		rt.deps.Prober = prober
	} else {
		logger.Info("ffprobe not found, video metadata disabled")
	}
	if pinger, ok := pool.(handlers.Pinger); ok {
		rt.deps.DB = pinger
	}

	return rt, nil
}

// buildHistory keeps query history in redis when configured, in memory otherwise.
func (rt *runtime) buildHistory(cfg config.Config) (search.HistoryStore, error) {
	if cfg.RedisURL == "" {
		rt.logger.Info("redis not configured, keeping search history in memory")
		return search.NewMemoryHistory(cfg.Search.HistorySize), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	rt.closers = append(rt.closers, client.Close)
	return search.NewRedisHistory(client, cfg.Search.HistorySize, historyTTL), nil
}

// start recovers interrupted work and registers the periodic jobs.
func (rt *runtime) start(ctx context.Context, recoverySpec string) error {
	if err := rt.supervisor.Recover(ctx); err != nil {
		return fmt.Errorf("recover media pipeline: %w", err)
	}
	if _, err := rt.supervisor.Schedule(rt.scheduler, recoverySpec); err != nil {
		return err
	}
	if _, err := rt.scheduler.AddFunc(sessionPurgeSpec, rt.purgeSessions); err != nil {
		return fmt.Errorf("schedule session purge: %w", err)
	}
	rt.scheduler.Start()
	return nil
}

func (rt *runtime) purgeSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), sessionPurgeWindow)
	defer cancel()
	removed, err := rt.sessions.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		rt.logger.Error("purge expired sessions", "error", err)
		return
	}
	if removed > 0 {
		rt.logger.Info("purged expired sessions", "removed", removed)
	}
}

// shutdown stops the scheduler and drains the ingestor, then releases clients.
func (rt *runtime) shutdown(ctx context.Context) error {
	if rt.scheduler != nil {
		<-rt.scheduler.Stop().Done()
	}
	var err error
	if rt.ingestor != nil {
		err = rt.ingestor.Shutdown(ctx)
	}
	rt.close()
	return err
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("release client", "error", err)
		}
	}
	rt.closers = nil
}
