// Package search ranks a user's completed media items against free-text queries
// and stored embeddings.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/snapshelf/backend/internal/ai"
	"github.com/snapshelf/backend/internal/logging"
	"github.com/snapshelf/backend/internal/models"
	"github.com/snapshelf/backend/internal/repositories"
)

var (
	// ErrInvalidQuery indicates malformed or oversized search input. It is returned
	// before any external call is made.
	ErrInvalidQuery = errors.New("invalid search query")
	// ErrEmbeddingUnavailable indicates the embedding provider failed or timed out.
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")
	// ErrNotFound indicates the referenced item does not exist, belongs to someone
	// else, or has no embedding yet.
	ErrNotFound = errors.New("media item not found or not searchable")
)

const (
	maxBatchQueries     = 5
	batchConcurrency    = 3
	maxSuggestions      = 5
	minSuggestionLength = 2
	defaultSimilarLimit = 10
	maxSimilarLimit     = 50
)

// Store is the subset of the media repository the engine reads.
type Store interface {
	GetForOwner(ctx context.Context, ownerID, id string) (models.MediaItem, error)
	CountByStatus(ctx context.Context, ownerID string) (map[models.MediaStatus]int, error)
	SearchSimilar(ctx context.Context, query repositories.SimilarityQuery) ([]repositories.ScoredMedia, int, error)
}

// Config bounds queries.
type Config struct {
	DefaultLimit     int
	MaxLimit         int
	MaxQueryLength   int
	DefaultThreshold float64
	SimilarThreshold float64
	// EmbedTimeout bounds the query embedding call.
	EmbedTimeout time.Duration
}

// Engine is stateless apart from its collaborators and safe for concurrent use.
type Engine struct {
	store    Store
	embedder ai.Embedder
	history  HistoryStore
	cfg      Config
	now      func() time.Time
}

// NewEngine wires an engine. A nil history disables recent-query suggestions.
func NewEngine(store Store, embedder ai.Embedder, history HistoryStore, cfg Config) *Engine {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 20
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 100
	}
	if cfg.MaxQueryLength <= 0 {
		cfg.MaxQueryLength = 500
	}
	if cfg.SimilarThreshold <= 0 {
		cfg.SimilarThreshold = 0.5
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 30 * time.Second
	}
	return &Engine{store: store, embedder: embedder, history: history, cfg: cfg, now: time.Now}
}

// Search embeds the query text once and ranks the owner's completed items by
// cosine similarity, highest first, ties broken by id.
func (e *Engine) Search(ctx context.Context, ownerID string, query models.SearchQuery) (resp models.SearchResponse, err error) {
	start := e.now()
	ctx, span := logging.StartSpan(ctx, "search.query")
	defer func() { span.End(err) }()

	query, err = e.normalize(query)
	if err != nil {
		return models.SearchResponse{}, err
	}

	vector, err := e.embed(ctx, query.Text)
	if err != nil {
		return models.SearchResponse{}, err
	}

	scored, total, err := e.store.SearchSimilar(ctx, repositories.SimilarityQuery{
		OwnerID:   ownerID,
		Vector:    vector,
		FileTypes: query.Filters.FileTypes,
		DateFrom:  query.Filters.DateFrom,
		DateTo:    query.Filters.DateTo,
		MinScore:  *query.Threshold,
		Limit:     query.Limit,
	})
	if err != nil {
		return models.SearchResponse{}, fmt.Errorf("search media: %w", err)
	}

	e.remember(ctx, ownerID, query.Text)

	results := rank(scored)
	resp = models.SearchResponse{
		Results:        results,
		TotalFound:     total,
		ReturnedCount:  len(results),
		SearchTimeMs:   float64(e.now().Sub(start).Microseconds()) / 1000,
		Query:          query.Text,
		AppliedFilters: query.Filters,
	}
	logging.FromContext(ctx).Info("search complete",
		slog.Int("returned", resp.ReturnedCount),
		slog.Int("total", resp.TotalFound),
	)
	return resp, nil
}

// embed runs the provider call under the configured deadline. A timeout is
// reported as ErrEmbeddingUnavailable like any other provider failure.
func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	embedCtx, cancel := context.WithTimeout(ctx, e.cfg.EmbedTimeout)
	defer cancel()

	type outcome struct {
		vector []float32
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		vector, err := e.embedder.Embed(embedCtx, text)
		done <- outcome{vector: vector, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, out.err)
		}
		return out.vector, nil
	case <-embedCtx.Done():
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, embedCtx.Err())
	}
}

// BatchResult pairs one query of a batch with its outcome.
type BatchResult struct {
	Query    string                 `json:"query"`
	Response *models.SearchResponse `json:"response,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// BatchSearch runs up to five queries with bounded concurrency. A failing query is
// reported in its own slot and does not fail the batch. Results keep input order.
func (e *Engine) BatchSearch(ctx context.Context, ownerID string, queries []models.SearchQuery) ([]BatchResult, error) {
	if len(queries) == 0 || len(queries) > maxBatchQueries {
		return nil, fmt.Errorf("%w: batch must contain 1 to %d queries", ErrInvalidQuery, maxBatchQueries)
	}

	results := make([]BatchResult, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, q := range queries {
		g.Go(func() error {
			results[i].Query = q.Text
			resp, err := e.Search(gctx, ownerID, q)
			if err != nil {
				if errors.Is(err, repositories.ErrStorageFailure) {
					return err
				}
				results[i].Error = err.Error()
				return nil
			}
			results[i].Response = &resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Suggestions returns at most five completions for partial. It never calls the
// embedding provider and stops early when ctx is cancelled.
func (e *Engine) Suggestions(ctx context.Context, ownerID, partial string) ([]string, error) {
	partial = collapseSpace(partial)
	if utf8.RuneCountInString(partial) < minSuggestionLength {
		return []string{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	needle := strings.ToLower(partial)
	seen := make(map[string]bool)
	out := make([]string, 0, maxSuggestions)
	add := func(s string) {
		key := strings.ToLower(s)
		if len(out) >= maxSuggestions || seen[key] || !strings.Contains(key, needle) {
			return
		}
		seen[key] = true
		out = append(out, s)
	}

	if e.history != nil {
		recent, err := e.history.Recent(ctx, ownerID, 20)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			logging.FromContext(ctx).Warn("load search history", slog.Any("error", err))
		}
		for _, q := range recent {
			add(q)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, t := range suggestionTemplates {
		add(fmt.Sprintf(t, partial))
	}
	return out, nil
}

var suggestionTemplates = []string{
	"%s photos",
	"%s videos",
	"%s at night",
	"%s with friends",
	"%s outdoor",
	"funny %s",
	"%s selfie",
	"%s landscape",
}

// FindSimilar ranks the owner's other completed items against the stored
// embedding of itemID.
func (e *Engine) FindSimilar(ctx context.Context, ownerID, itemID string, limit int) (results []models.SearchResult, err error) {
	ctx, span := logging.StartSpan(ctx, "search.similar", slog.String("itemId", itemID))
	defer func() { span.End(err) }()

	switch {
	case limit == 0:
		limit = defaultSimilarLimit
	case limit < 0 || limit > maxSimilarLimit:
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidQuery, maxSimilarLimit)
	}

	item, err := e.store.GetForOwner(ctx, ownerID, itemID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load media item: %w", err)
	}
	if !item.Searchable() {
		return nil, ErrNotFound
	}

	scored, _, err := e.store.SearchSimilar(ctx, repositories.SimilarityQuery{
		OwnerID:   ownerID,
		Vector:    item.Embedding,
		MinScore:  e.cfg.SimilarThreshold,
		Limit:     limit,
		ExcludeID: item.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("search similar media: %w", err)
	}
	return rank(scored), nil
}

// Stats counts the owner's items per status.
func (e *Engine) Stats(ctx context.Context, ownerID string) (models.MediaStats, error) {
	counts, err := e.store.CountByStatus(ctx, ownerID)
	if err != nil {
		return models.MediaStats{}, fmt.Errorf("count media: %w", err)
	}
	stats := models.MediaStats{ByStatus: make(map[models.MediaStatus]int, len(models.AllStatuses))}
	for _, s := range models.AllStatuses {
		stats.ByStatus[s] = counts[s]
		stats.Total += counts[s]
	}
	return stats, nil
}

func (e *Engine) normalize(q models.SearchQuery) (models.SearchQuery, error) {
	q.Text = collapseSpace(q.Text)
	if q.Text == "" {
		return q, fmt.Errorf("%w: query text is required", ErrInvalidQuery)
	}
	if n := utf8.RuneCountInString(q.Text); n > e.cfg.MaxQueryLength {
		return q, fmt.Errorf("%w: query is %d characters, maximum is %d", ErrInvalidQuery, n, e.cfg.MaxQueryLength)
	}

	switch {
	case q.Limit == 0:
		q.Limit = e.cfg.DefaultLimit
	case q.Limit < 0 || q.Limit > e.cfg.MaxLimit:
		return q, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidQuery, e.cfg.MaxLimit)
	}

	if q.Threshold == nil {
		t := e.cfg.DefaultThreshold
		q.Threshold = &t
	}
	if *q.Threshold < 0 || *q.Threshold > 1 {
		return q, fmt.Errorf("%w: threshold must be between 0 and 1", ErrInvalidQuery)
	}

	for _, ft := range q.Filters.FileTypes {
		if !ft.Valid() {
			return q, fmt.Errorf("%w: unknown file type %q", ErrInvalidQuery, ft)
		}
	}
	if f := q.Filters; f.DateFrom != nil && f.DateTo != nil && !f.DateTo.After(*f.DateFrom) {
		return q, fmt.Errorf("%w: date_to must be after date_from", ErrInvalidQuery)
	}
	return q, nil
}

func (e *Engine) remember(ctx context.Context, ownerID, text string) {
	if e.history == nil {
		return
	}
	if err := e.history.Record(ctx, ownerID, text); err != nil {
		logging.FromContext(ctx).Warn("record search history", slog.Any("error", err))
	}
}

func rank(scored []repositories.ScoredMedia) []models.SearchResult {
	results := make([]models.SearchResult, len(scored))
	for i, s := range scored {
		results[i] = models.SearchResult{Item: s.Item, Score: s.Score, Rank: i + 1}
	}
	return results
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
