package repositories

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/snapshelf/backend/internal/models"
)

// InMemoryMediaRepository implements MediaRepository on a map. It mirrors the
// conditional-write semantics of the PostgreSQL repository and ranks by cosine
// similarity in process.
type InMemoryMediaRepository struct {
	mu    sync.RWMutex
	items map[string]models.MediaItem
	now   func() time.Time
}

// NewInMemoryMediaRepository returns an empty repository.
func NewInMemoryMediaRepository() *InMemoryMediaRepository {
	return &InMemoryMediaRepository{
		items: make(map[string]models.MediaItem),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *InMemoryMediaRepository) Create(_ context.Context, item models.MediaItem) error {
	if item.Status == "" {
		item.Status = models.StatusPending
	}
	if item.Status != models.StatusPending {
		return fmt.Errorf("%w: new items must be pending, got %s", ErrInvalidTransition, item.Status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[item.ID]; ok {
		return ErrConflict
	}
	r.items[item.ID] = clone(item)
	return nil
}

func (r *InMemoryMediaRepository) Get(_ context.Context, id string) (models.MediaItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[id]
	if !ok {
		return models.MediaItem{}, ErrNotFound
	}
	return clone(item), nil
}

func (r *InMemoryMediaRepository) GetForOwner(ctx context.Context, ownerID, id string) (models.MediaItem, error) {
	item, err := r.Get(ctx, id)
	if err != nil {
		return models.MediaItem{}, err
	}
	if item.OwnerID != ownerID {
		return models.MediaItem{}, ErrNotFound
	}
	return item, nil
}

func (r *InMemoryMediaRepository) List(_ context.Context, ownerID string, filter ListFilter) ([]models.MediaItem, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	r.mu.RLock()
	var matched []models.MediaItem
	for _, item := range r.items {
		if item.OwnerID != ownerID {
			continue
		}
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		if filter.FileType != "" && item.FileType != filter.FileType {
			continue
		}
		matched = append(matched, clone(item))
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	return page(matched, filter.Offset, limit), nil
}

func (r *InMemoryMediaRepository) ListByStatus(_ context.Context, statuses []models.MediaStatus, limit int) ([]models.MediaItem, error) {
	if limit <= 0 {
		limit = 500
	}
	want := make(map[models.MediaStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	r.mu.RLock()
	var matched []models.MediaItem
	for _, item := range r.items {
		if want[item.Status] {
			matched = append(matched, clone(item))
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	return page(matched, 0, limit), nil
}

func (r *InMemoryMediaRepository) Transition(_ context.Context, id string, from, to models.MediaStatus) error {
	if !from.CanTransition(to) || to == models.StatusCompleted || to == models.StatusFailed || to == models.StatusEmbedding {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return r.update(id, from, func(item *models.MediaItem) {
		item.Status = to
	})
}

func (r *InMemoryMediaRepository) SaveSummary(_ context.Context, id, summary string) error {
	return r.update(id, models.StatusAnalyzing, func(item *models.MediaItem) {
		item.Status = models.StatusEmbedding
		item.Summary = summary
	})
}

func (r *InMemoryMediaRepository) Complete(_ context.Context, id string, embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("%w: completed items require an embedding", ErrInvalidTransition)
	}
	return r.update(id, models.StatusEmbedding, func(item *models.MediaItem) {
		item.Status = models.StatusCompleted
		item.Embedding = append([]float32(nil), embedding...)
		item.ErrorMessage = ""
	})
}

func (r *InMemoryMediaRepository) MarkFailed(_ context.Context, id string, from models.MediaStatus, message string) error {
	if !from.CanTransition(models.StatusFailed) {
		return fmt.Errorf("%w: %s -> failed", ErrInvalidTransition, from)
	}
	if message == "" {
		message = "processing failed"
	}
	return r.update(id, from, func(item *models.MediaItem) {
		item.Status = models.StatusFailed
		item.ErrorMessage = message
		item.Embedding = nil
	})
}

func (r *InMemoryMediaRepository) ResetFailed(_ context.Context, ownerID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	if !ok || item.OwnerID != ownerID {
		return ErrNotFound
	}
	if item.Status != models.StatusFailed {
		return fmt.Errorf("%w: item %s is %s", ErrStatusConflict, id, item.Status)
	}
	item.Status = models.StatusPending
	item.ErrorMessage = ""
	item.Summary = ""
	item.Embedding = nil
	item.UpdatedAt = r.now()
	r.items[id] = item
	return nil
}

func (r *InMemoryMediaRepository) Delete(_ context.Context, ownerID, id string) (models.MediaItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	if !ok || item.OwnerID != ownerID {
		return models.MediaItem{}, ErrNotFound
	}
	delete(r.items, id)
	return item, nil
}

func (r *InMemoryMediaRepository) CountByStatus(_ context.Context, ownerID string) (map[models.MediaStatus]int, error) {
	counts := make(map[models.MediaStatus]int, len(models.AllStatuses))
	for _, s := range models.AllStatuses {
		counts[s] = 0
	}
	r.mu.RLock()
	for _, item := range r.items {
		if item.OwnerID == ownerID {
			counts[item.Status]++
		}
	}
	r.mu.RUnlock()
	return counts, nil
}

func (r *InMemoryMediaRepository) SearchSimilar(_ context.Context, query SimilarityQuery) ([]ScoredMedia, int, error) {
	if len(query.Vector) == 0 {
		return nil, 0, fmt.Errorf("similarity query requires a vector")
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 20
	}
	types := make(map[models.FileType]bool, len(query.FileTypes))
	for _, ft := range query.FileTypes {
		types[ft] = true
	}

	r.mu.RLock()
	var scored []ScoredMedia
	for _, item := range r.items {
		if item.OwnerID != query.OwnerID || !item.Searchable() || item.ID == query.ExcludeID {
			continue
		}
		if len(types) > 0 && !types[item.FileType] {
			continue
		}
		if query.DateFrom != nil && item.CreatedAt.Before(*query.DateFrom) {
			continue
		}
		if query.DateTo != nil && item.CreatedAt.After(*query.DateTo) {
			continue
		}
		score, err := cosineSimilarity(query.Vector, item.Embedding)
		if err != nil {
			r.mu.RUnlock()
			return nil, 0, storageError("score media item", err)
		}
		if score < query.MinScore {
			continue
		}
		scored = append(scored, ScoredMedia{Item: clone(item), Score: score})
	}
	r.mu.RUnlock()

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Item.ID < scored[j].Item.ID
	})

	total := len(scored)
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, total, nil
}

func (r *InMemoryMediaRepository) SetThumbnail(_ context.Context, id, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	if !ok {
		return ErrNotFound
	}
	item.ThumbnailPath = path
	item.UpdatedAt = r.now()
	r.items[id] = item
	return nil
}

func (r *InMemoryMediaRepository) update(id string, expected models.MediaStatus, apply func(*models.MediaItem)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	if !ok {
		return ErrNotFound
	}
	if item.Status != expected {
		return fmt.Errorf("%w: item %s is %s", ErrStatusConflict, id, item.Status)
	}
	apply(&item)
	item.UpdatedAt = r.now()
	r.items[id] = item
	return nil
}

func page(items []models.MediaItem, offset, limit int) []models.MediaItem {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

func clone(item models.MediaItem) models.MediaItem {
	if item.Embedding != nil {
		item.Embedding = append([]float32(nil), item.Embedding...)
	}
	if item.Metadata != nil {
		item.Metadata = append([]byte(nil), item.Metadata...)
	}
	return item
}

// cosineSimilarity matches `1 - (a <=> b)` in pgvector.
func cosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector dimensions differ: %d != %d", len(a), len(b))
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB)), nil
}

var _ MediaRepository = (*InMemoryMediaRepository)(nil)
