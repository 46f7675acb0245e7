package handlers

import (
	"context"
	"io"

	"github.com/snapshelf/backend/internal/models"
	"github.com/snapshelf/backend/internal/probe"
	"github.com/snapshelf/backend/internal/repositories"
	"github.com/snapshelf/backend/internal/search"
)

// UserStore captures the persistence operations required by the auth handlers.
type UserStore interface {
	Create(ctx context.Context, user models.User) error
	FindByEmail(ctx context.Context, email string) (models.User, error)
	FindByID(ctx context.Context, id string) (models.User, error)
}

// SessionManager issues, refreshes and revokes authentication tokens for users.
type SessionManager interface {
	Issue(ctx context.Context, userID string) (models.SessionTokens, error)
	Refresh(ctx context.Context, refreshToken string) (models.SessionTokens, error)
	Revoke(ctx context.Context, refreshToken string)
	Authenticate(ctx context.Context, accessToken string) (string, error)
}

// MediaStore captures the media persistence used by the upload handlers.
type MediaStore interface {
	Create(ctx context.Context, item models.MediaItem) error
	GetForOwner(ctx context.Context, ownerID, id string) (models.MediaItem, error)
	List(ctx context.Context, ownerID string, filter repositories.ListFilter) ([]models.MediaItem, error)
	Delete(ctx context.Context, ownerID, id string) (models.MediaItem, error)
}

// BlobStore keeps uploaded file content.
type BlobStore interface {
	Save(ctx context.Context, key, contentType string, r io.Reader) (string, error)
	Delete(ctx context.Context, key string) error
}

// IngestQueue schedules background processing of new uploads without waiting
// for a free slot.
type IngestQueue interface {
	TryEnqueue(itemID string) error
}

// Reprocessor resets failed items and queues them again.
type Reprocessor interface {
	Reprocess(ctx context.Context, ownerID, itemID string) error
}

// SearchService answers search requests.
type SearchService interface {
	Search(ctx context.Context, ownerID string, query models.SearchQuery) (models.SearchResponse, error)
	BatchSearch(ctx context.Context, ownerID string, queries []models.SearchQuery) ([]search.BatchResult, error)
	Suggestions(ctx context.Context, ownerID, partial string) ([]string, error)
	FindSimilar(ctx context.Context, ownerID, itemID string, limit int) ([]models.SearchResult, error)
	Stats(ctx context.Context, ownerID string) (models.MediaStats, error)
}

// VideoProber extracts stream metadata from an uploaded video.
type VideoProber interface {
	Probe(ctx context.Context, r io.Reader) (probe.Metadata, error)
}

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
