package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/snapshelf/backend/internal/db"
	"github.com/snapshelf/backend/internal/models"
)

// ListFilter narrows an owner's listing. Zero values mean "no filter".
type ListFilter struct {
	Status   models.MediaStatus
	FileType models.FileType
	Limit    int
	Offset   int
}

// SimilarityQuery is a ranked nearest-neighbour lookup over completed items.
type SimilarityQuery struct {
	OwnerID   string
	Vector    []float32
	FileTypes []models.FileType
	DateFrom  *time.Time
	DateTo    *time.Time
	MinScore  float64
	Limit     int
	ExcludeID string
}

// ScoredMedia is an item with its cosine similarity to the query vector.
type ScoredMedia struct {
	Item  models.MediaItem
	Score float64
}

// MediaRepository is the persistence contract for media items. Status writes are
// conditional on the expected current status so that only one writer wins.
type MediaRepository interface {
	Create(ctx context.Context, item models.MediaItem) error
	Get(ctx context.Context, id string) (models.MediaItem, error)
	GetForOwner(ctx context.Context, ownerID, id string) (models.MediaItem, error)
	List(ctx context.Context, ownerID string, filter ListFilter) ([]models.MediaItem, error)
	ListByStatus(ctx context.Context, statuses []models.MediaStatus, limit int) ([]models.MediaItem, error)
	Transition(ctx context.Context, id string, from, to models.MediaStatus) error
	SaveSummary(ctx context.Context, id, summary string) error
	Complete(ctx context.Context, id string, embedding []float32) error
	MarkFailed(ctx context.Context, id string, from models.MediaStatus, message string) error
	SetThumbnail(ctx context.Context, id, path string) error
	ResetFailed(ctx context.Context, ownerID, id string) error
	Delete(ctx context.Context, ownerID, id string) (models.MediaItem, error)
	CountByStatus(ctx context.Context, ownerID string) (map[models.MediaStatus]int, error)
	SearchSimilar(ctx context.Context, query SimilarityQuery) ([]ScoredMedia, int, error)
}

// PostgresMediaRepository stores media items and their pgvector embeddings.
type PostgresMediaRepository struct {
	pool db.Pool
}

// NewPostgresMediaRepository constructs a media repository backed by PostgreSQL.
func NewPostgresMediaRepository(pool db.Pool) *PostgresMediaRepository {
	return &PostgresMediaRepository{pool: pool}
}

const mediaColumns = `id, owner_id, filename, file_type, mime_type, size_bytes, storage_path, status,
        summary_text, thumbnail_path, error_message, metadata, created_at, updated_at`

// Create stores a newly accepted upload. Items always start pending.
func (r *PostgresMediaRepository) Create(ctx context.Context, item models.MediaItem) error {
	if item.Status == "" {
		item.Status = models.StatusPending
	}
	if item.Status != models.StatusPending {
		return fmt.Errorf("%w: new items must be pending, got %s", ErrInvalidTransition, item.Status)
	}

	metadata := []byte(item.Metadata)
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return storageError("acquire connection", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO media_items (id, owner_id, filename, file_type, mime_type, size_bytes, storage_path,
            status, thumbnail_path, metadata, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12)
    `, item.ID, item.OwnerID, item.Filename, string(item.FileType), item.MimeType, item.SizeBytes, item.StoragePath,
		string(item.Status), item.ThumbnailPath, metadata, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return ErrConflict
		case isForeignKeyViolation(err):
			return ErrNotFound
		}
		return storageError("insert media item", err)
	}

	return nil
}

// Get loads an item, including its embedding when present.
func (r *PostgresMediaRepository) Get(ctx context.Context, id string) (models.MediaItem, error) {
	return r.getOne(ctx, `WHERE id = $1`, id)
}

// GetForOwner loads an item only if it belongs to ownerID.
func (r *PostgresMediaRepository) GetForOwner(ctx context.Context, ownerID, id string) (models.MediaItem, error) {
	return r.getOne(ctx, `WHERE id = $1 AND owner_id = $2`, id, ownerID)
}

func (r *PostgresMediaRepository) getOne(ctx context.Context, where string, args ...any) (models.MediaItem, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.MediaItem{}, storageError("acquire connection", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `SELECT `+mediaColumns+`, embedding::text FROM media_items `+where, args...)

	var embedding *string
	item, err := scanMedia(row, &embedding)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.MediaItem{}, ErrNotFound
		}
		return models.MediaItem{}, storageError("select media item", err)
	}
	if embedding != nil {
		vec, err := parseVector(*embedding)
		if err != nil {
			return models.MediaItem{}, storageError("decode embedding", err)
		}
		item.Embedding = vec
	}

	return item, nil
}

// List returns an owner's items, newest first.
func (r *PostgresMediaRepository) List(ctx context.Context, ownerID string, filter ListFilter) ([]models.MediaItem, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, storageError("acquire connection", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT `+mediaColumns+`
        FROM media_items
        WHERE owner_id = $1
          AND ($2::text = '' OR status = $2::text)
          AND ($3::text = '' OR file_type = $3::text)
        ORDER BY created_at DESC, id ASC
        LIMIT $4 OFFSET $5
    `, ownerID, string(filter.Status), string(filter.FileType), limit, offset)
	if err != nil {
		return nil, storageError("query media items", err)
	}
	return collectMedia(rows)
}

// ListByStatus returns items across all owners in the given statuses, oldest first.
func (r *PostgresMediaRepository) ListByStatus(ctx context.Context, statuses []models.MediaStatus, limit int) ([]models.MediaItem, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 500
	}
	raw := make([]string, len(statuses))
	for i, s := range statuses {
		raw[i] = string(s)
	}

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, storageError("acquire connection", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT `+mediaColumns+`
        FROM media_items
        WHERE status = ANY($1)
        ORDER BY created_at ASC, id ASC
        LIMIT $2
    `, raw, limit)
	if err != nil {
		return nil, storageError("query media items by status", err)
	}
	return collectMedia(rows)
}

// Transition moves an item from one status to another when the edge is legal and
// the item is still in `from`.
func (r *PostgresMediaRepository) Transition(ctx context.Context, id string, from, to models.MediaStatus) error {
	if !from.CanTransition(to) || to == models.StatusCompleted || to == models.StatusFailed || to == models.StatusEmbedding {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return r.conditionalUpdate(ctx, id, "transition media status", `
        UPDATE media_items
        SET status = $3, updated_at = NOW()
        WHERE id = $1 AND status = $2
    `, id, string(from), string(to))
}

// SaveSummary stores the analysis result and advances analyzing -> embedding.
func (r *PostgresMediaRepository) SaveSummary(ctx context.Context, id, summary string) error {
	return r.conditionalUpdate(ctx, id, "save media summary", `
        UPDATE media_items
        SET status = $3, summary_text = $4, updated_at = NOW()
        WHERE id = $1 AND status = $2
    `, id, string(models.StatusAnalyzing), string(models.StatusEmbedding), summary)
}

// Complete stores the embedding and advances embedding -> completed.
func (r *PostgresMediaRepository) Complete(ctx context.Context, id string, embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("%w: completed items require an embedding", ErrInvalidTransition)
	}
	return r.conditionalUpdate(ctx, id, "complete media item", `
        UPDATE media_items
        SET status = $3, embedding = $4::vector, error_message = NULL, updated_at = NOW()
        WHERE id = $1 AND status = $2
    `, id, string(models.StatusEmbedding), string(models.StatusCompleted), vectorLiteral(embedding))
}

// MarkFailed records a stage failure. The embedding is dropped so that only
// completed items carry one.
func (r *PostgresMediaRepository) MarkFailed(ctx context.Context, id string, from models.MediaStatus, message string) error {
	if !from.CanTransition(models.StatusFailed) {
		return fmt.Errorf("%w: %s -> failed", ErrInvalidTransition, from)
	}
	if message == "" {
		message = "processing failed"
	}
	return r.conditionalUpdate(ctx, id, "mark media failed", `
        UPDATE media_items
        SET status = $3, error_message = $4, embedding = NULL, updated_at = NOW()
        WHERE id = $1 AND status = $2
    `, id, string(from), string(models.StatusFailed), message)
}

// SetThumbnail records the blob key of the item's preview image. It does not
// depend on or change the item's status.
func (r *PostgresMediaRepository) SetThumbnail(ctx context.Context, id, path string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return storageError("acquire connection", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        UPDATE media_items
        SET thumbnail_path = $2, updated_at = NOW()
        WHERE id = $1
    `, id, path)
	if err != nil {
		return storageError("set media thumbnail", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetFailed is the explicit external reset failed -> pending used to reprocess an item.
func (r *PostgresMediaRepository) ResetFailed(ctx context.Context, ownerID, id string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return storageError("acquire connection", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        UPDATE media_items
        SET status = $3, error_message = NULL, summary_text = NULL, embedding = NULL, updated_at = NOW()
        WHERE id = $1 AND owner_id = $2 AND status = $4
    `, id, ownerID, string(models.StatusPending), string(models.StatusFailed))
	if err != nil {
		return storageError("reset media item", err)
	}
	if tag.RowsAffected() == 0 {
		return r.explainMiss(ctx, conn, `WHERE id = $1 AND owner_id = $2`, id, ownerID)
	}
	return nil
}

// Delete removes an owner's item and returns the deleted record.
func (r *PostgresMediaRepository) Delete(ctx context.Context, ownerID, id string) (models.MediaItem, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.MediaItem{}, storageError("acquire connection", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        DELETE FROM media_items
        WHERE id = $1 AND owner_id = $2
        RETURNING `+mediaColumns, id, ownerID)

	item, err := scanMedia(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.MediaItem{}, ErrNotFound
		}
		return models.MediaItem{}, storageError("delete media item", err)
	}
	return item, nil
}

// CountByStatus returns how many of the owner's items sit in each status.
func (r *PostgresMediaRepository) CountByStatus(ctx context.Context, ownerID string) (map[models.MediaStatus]int, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, storageError("acquire connection", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT status, COUNT(*)
        FROM media_items
        WHERE owner_id = $1
        GROUP BY status
    `, ownerID)
	if err != nil {
		return nil, storageError("count media items", err)
	}
	defer rows.Close()

	counts := make(map[models.MediaStatus]int, len(models.AllStatuses))
	for _, s := range models.AllStatuses {
		counts[s] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageError("scan media count", err)
		}
		counts[models.MediaStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate media counts", err)
	}
	return counts, nil
}

// SearchSimilar ranks the owner's completed items by cosine similarity
// (1 - cosine distance) and returns the top query.Limit together with the number
// of items that passed every filter.
func (r *PostgresMediaRepository) SearchSimilar(ctx context.Context, query SimilarityQuery) ([]ScoredMedia, int, error) {
	if len(query.Vector) == 0 {
		return nil, 0, errors.New("similarity query requires a vector")
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 20
	}

	var fileTypes []string
	for _, ft := range query.FileTypes {
		fileTypes = append(fileTypes, string(ft))
	}

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, 0, storageError("acquire connection", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT `+mediaColumns+`, score, COUNT(*) OVER () AS total
        FROM (
            SELECT `+mediaColumns+`,
                1 - (embedding <=> $2::vector) AS score
            FROM media_items
            WHERE owner_id = $1
              AND status = 'completed'
              AND embedding IS NOT NULL
              AND ($3::text[] IS NULL OR cardinality($3::text[]) = 0 OR file_type = ANY($3::text[]))
              AND ($4::timestamptz IS NULL OR created_at >= $4)
              AND ($5::timestamptz IS NULL OR created_at <= $5)
              AND ($6::text = '' OR id <> $6::text)
        ) AS scored
        WHERE score >= $7
        ORDER BY score DESC, id ASC
        LIMIT $8
    `, query.OwnerID, vectorLiteral(query.Vector), fileTypes, query.DateFrom, query.DateTo, query.ExcludeID, query.MinScore, limit)
	if err != nil {
		return nil, 0, storageError("search similar media", err)
	}
	defer rows.Close()

	var (
		results []ScoredMedia
		total   int
	)
	for rows.Next() {
		var score float64
		item, err := scanMedia(rows, &score, &total)
		if err != nil {
			return nil, 0, storageError("scan similar media", err)
		}
		results = append(results, ScoredMedia{Item: item, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storageError("iterate similar media", err)
	}

	return results, total, nil
}

func (r *PostgresMediaRepository) conditionalUpdate(ctx context.Context, id, op, sql string, args ...any) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return storageError("acquire connection", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, sql, args...)
	if err != nil {
		return storageError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return r.explainMiss(ctx, conn, `WHERE id = $1`, id)
	}
	return nil
}

// explainMiss distinguishes a missing row from one in an unexpected status after a
// conditional write touched nothing.
func (r *PostgresMediaRepository) explainMiss(ctx context.Context, conn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, where string, args ...any) error {
	var status string
	err := conn.QueryRow(ctx, `SELECT status FROM media_items `+where, args...).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return storageError("select media status", err)
	}
	return fmt.Errorf("%w: item %v is %s", ErrStatusConflict, args[0], status)
}

func collectMedia(rows pgx.Rows) ([]models.MediaItem, error) {
	defer rows.Close()

	var items []models.MediaItem
	for rows.Next() {
		item, err := scanMedia(rows)
		if err != nil {
			return nil, storageError("scan media item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate media items", err)
	}
	return items, nil
}

// scanMedia reads mediaColumns followed by any extra destinations.
func scanMedia(row pgx.Row, extra ...any) (models.MediaItem, error) {
	var (
		item                         models.MediaItem
		fileType, status             string
		summary, thumbnail, errorMsg *string
		metadata                     []byte
	)

	dest := []any{
		&item.ID, &item.OwnerID, &item.Filename, &fileType, &item.MimeType, &item.SizeBytes, &item.StoragePath, &status,
		&summary, &thumbnail, &errorMsg, &metadata, &item.CreatedAt, &item.UpdatedAt,
	}
	dest = append(dest, extra...)

	if err := row.Scan(dest...); err != nil {
		return models.MediaItem{}, err
	}

	item.FileType = models.FileType(fileType)
	item.Status = models.MediaStatus(status)
	item.Summary = deref(summary)
	item.ThumbnailPath = deref(thumbnail)
	item.ErrorMessage = deref(errorMsg)
	if len(metadata) > 0 {
		item.Metadata = json.RawMessage(metadata)
	}
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()

	return item, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ MediaRepository = (*PostgresMediaRepository)(nil)
