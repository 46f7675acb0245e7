package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/snapshelf/backend/internal/config"
	"github.com/snapshelf/backend/internal/search"
)

type fakePool struct{}

func (fakePool) Acquire(context.Context) (*pgxpool.Conn, error) {
	return nil, errors.New("not implemented")
}

func (fakePool) Close() {}

type pingablePool struct {
	fakePool
}

func (pingablePool) Ping(context.Context) error { return nil }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		MaxUploadBytes: 1 << 20,
		Auth: config.AuthConfig{
			JWTSecret:  "test-secret",
			AccessTTL:  time.Minute,
			RefreshTTL: time.Hour,
		},
		ObjectStore: config.ObjectStoreConfig{Backend: "local", LocalDir: t.TempDir()},
		AI: config.AIConfig{
			SummarizerProvider:  "none",
			EmbeddingProvider:   "none",
			EmbeddingDimensions: 4,
			SummarizeTimeout:    time.Second,
			EmbedTimeout:        time.Second,
		},
		Search: config.SearchConfig{DefaultLimit: 20, MaxLimit: 100, MaxQueryLength: 500, HistorySize: 10},
		Ingest: config.IngestConfig{Workers: 1, QueueSize: 4, RecoverySchedule: "@every 5m"},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func shutdownRuntime(t *testing.T, rt *runtime) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rt.shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestBuildRuntime(t *testing.T) {
	rt, err := buildRuntime(context.Background(), pingablePool{}, testConfig(t), discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer shutdownRuntime(t, rt)

	deps := rt.deps
	if deps.Users == nil {
		t.Fatal("expected user repository to be configured")
	}
	if deps.Sessions == nil {
		t.Fatal("expected session manager to be configured")
	}
	if deps.Media == nil || deps.Blobs == nil {
		t.Fatal("expected media store and blob storage to be configured")
	}
	if deps.Queue == nil || deps.Reprocessor == nil {
		t.Fatal("expected ingestion queue and reprocessor to be configured")
	}
	if deps.Search == nil {
		t.Fatal("expected search engine to be configured")
	}
	if deps.DB == nil {
		t.Fatal("expected a pingable pool to back the health check")
	}
	if deps.MaxUploadBytes != 1<<20 {
		t.Fatalf("unexpected upload limit %d", deps.MaxUploadBytes)
	}
}

func TestBuildRuntimeWithoutPing(t *testing.T) {
	rt, err := buildRuntime(context.Background(), fakePool{}, testConfig(t), discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer shutdownRuntime(t, rt)

	if rt.deps.DB != nil {
		t.Fatal("expected no health pinger for a pool without Ping")
	}
}

func TestBuildRuntimeRequiresJWTSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = ""

	if _, err := buildRuntime(context.Background(), fakePool{}, cfg, discardLogger()); err == nil {
		t.Fatal("expected an error without a signing secret")
	}
}

func TestBuildRuntimeRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.AI.EmbeddingProvider = "mystery"

	_, err := buildRuntime(context.Background(), fakePool{}, cfg, discardLogger())
	if err == nil || !strings.Contains(err.Error(), "ai providers") {
		t.Fatalf("expected provider configuration error, got %v", err)
	}
}

func TestBuildHistory(t *testing.T) {
	rt := &runtime{logger: discardLogger()}
	cfg := testConfig(t)

	history, err := rt.buildHistory(cfg)
	if err != nil {
		t.Fatalf("memory history: %v", err)
	}
	if _, ok := history.(*search.MemoryHistory); !ok {
		t.Fatalf("expected in-memory history, got %T", history)
	}

	cfg.RedisURL = "redis://localhost:6379/2"
	history, err = rt.buildHistory(cfg)
	if err != nil {
		t.Fatalf("redis history: %v", err)
	}
	if _, ok := history.(*search.RedisHistory); !ok {
		t.Fatalf("expected redis history, got %T", history)
	}
	if len(rt.closers) != 1 {
		t.Fatalf("expected the redis client to be registered for close, got %d closers", len(rt.closers))
	}
	rt.close()

	cfg.RedisURL = "://nope"
	if _, err := rt.buildHistory(cfg); err == nil {
		t.Fatal("expected invalid redis url to fail")
	}
}

func TestRuntimeStartFailsWhenRecoveryFails(t *testing.T) {
	rt, err := buildRuntime(context.Background(), fakePool{}, testConfig(t), discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer shutdownRuntime(t, rt)

	err = rt.start(context.Background(), "@every 5m")
	if err == nil || !strings.Contains(err.Error(), "recover media pipeline") {
		t.Fatalf("expected recovery error, got %v", err)
	}
}
