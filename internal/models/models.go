package models

import (
	"encoding/json"
	"time"
)

// User represents an account that owns a media library.
type User struct {
	ID        string
	Email     string
	Password  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FileType classifies an uploaded media item.
type FileType string

const (
	FileTypeImage FileType = "image"
	FileTypeVideo FileType = "video"
)

// Valid reports whether the file type is one of the supported kinds.
func (t FileType) Valid() bool {
	return t == FileTypeImage || t == FileTypeVideo
}

// MediaItem is an uploaded photo or video together with its processing state.
type MediaItem struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"ownerId"`
	Filename      string          `json:"filename"`
	FileType      FileType        `json:"fileType"`
	MimeType      string          `json:"mimeType"`
	SizeBytes     int64           `json:"sizeBytes"`
	StoragePath   string          `json:"storagePath"`
	Status        MediaStatus     `json:"status"`
	Summary       string          `json:"summary,omitempty"`
	Embedding     []float32       `json:"-"`
	ThumbnailPath string          `json:"thumbnailPath,omitempty"`
	ErrorMessage  string          `json:"errorMessage,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Searchable reports whether the item has a stored embedding that search can use.
func (m MediaItem) Searchable() bool {
	return m.Status == StatusCompleted && len(m.Embedding) > 0
}

// SessionTokens groups the bearer credentials issued to authenticated users.
type SessionTokens struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	TokenType        string    `json:"token_type"`
}
