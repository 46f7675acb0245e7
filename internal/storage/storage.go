// Package storage keeps uploaded media blobs on local disk, S3 or Google Cloud
// Storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/snapshelf/backend/internal/config"
)

var (
	// ErrBlobNotFound indicates no object exists under the requested key.
	ErrBlobNotFound = errors.New("blob not found")
	// ErrInvalidKey indicates an empty key or one that escapes the store root.
	ErrInvalidKey = errors.New("invalid blob key")
)

// BlobStore persists opaque media blobs addressed by slash-separated keys.
type BlobStore interface {
	Save(ctx context.Context, key, contentType string, r io.Reader) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// New builds the blob store selected by cfg.Backend. The returned close function
// releases backend clients and is never nil.
func New(ctx context.Context, cfg config.ObjectStoreConfig) (BlobStore, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case "", "local":
		s, err := NewLocalStorage(cfg.LocalDir)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case "s3":
		s, err := NewS3Storage(ctx, cfg)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case "gcs":
		s, err := NewGCSStorage(ctx, cfg.Bucket)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// cleanKey normalises key and rejects keys that are empty or climb out of the root.
func cleanKey(key string) (string, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}
